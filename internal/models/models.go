// Package models holds the persisted types shared by the bot components.
package models

import "time"

// RunStatus is the lifecycle state of a RunRecord.
type RunStatus string

// A run is running until exactly one terminal update.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunRecord is the audit row for one operation invocation.
type RunRecord struct {
	ID               int64      `db:"id" json:"id"`
	Operation        string     `db:"operation" json:"operation"`
	Status           RunStatus  `db:"status" json:"status"`
	StartedAt        time.Time  `db:"started_at" json:"started_at"`
	CompletedAt      *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	Parameters       JSONMap    `db:"parameters" json:"parameters"`
	Result           JSONMap    `db:"result" json:"result,omitempty"`
	ErrorMessage     *string    `db:"error_message" json:"error_message,omitempty"`
	ExecutionTimeMs  int64      `db:"execution_time_ms" json:"execution_time_ms"`
	MemoryUsageBytes int64      `db:"memory_usage_bytes" json:"memory_usage_bytes"`
	ProcessedItems   int        `db:"processed_items" json:"processed_items"`
	FailedItems      int        `db:"failed_items" json:"failed_items"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
}

// Terminal reports whether the run has reached completed or failed.
func (r RunRecord) Terminal() bool {
	return r.Status == RunCompleted || r.Status == RunFailed
}

// RunCompletion carries the fields written by the single terminal update.
type RunCompletion struct {
	Status           RunStatus
	Result           JSONMap
	ErrorMessage     string
	CompletedAt      time.Time
	ExecutionTimeMs  int64
	MemoryUsageBytes int64
	ProcessedItems   int
	FailedItems      int
}

// PeriodKind is the granularity of a metric observation.
type PeriodKind string

const (
	PeriodDaily   PeriodKind = "daily"
	PeriodWeekly  PeriodKind = "weekly"
	PeriodMonthly PeriodKind = "monthly"
)

// PeriodKinds lists every kind in processing order.
var PeriodKinds = []PeriodKind{PeriodDaily, PeriodWeekly, PeriodMonthly}

// ParsePeriodKind validates s.
func ParsePeriodKind(s string) (PeriodKind, bool) {
	switch PeriodKind(s) {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return PeriodKind(s), true
	}
	return "", false
}

// MetricPoint is one observation keyed by (metric, period, period_date).
type MetricPoint struct {
	ID         int64      `db:"id" json:"id"`
	Metric     string     `db:"metric" json:"metric"`
	Period     PeriodKind `db:"period" json:"period"`
	PeriodDate string     `db:"period_date" json:"period_date"`
	Value      float64    `db:"value" json:"value"`
	Metadata   JSONMap    `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// Severity is the urgency of a notification.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
	SeveritySuccess  Severity = "success"
)

// Rank orders severities so that critical > warning > info > success.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as urgent as other or more.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// DeliveryStatus tracks a notification through delivery.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Notification is one persisted message. Immutable once sent, except ReadAt.
type Notification struct {
	ID             int64          `db:"id" json:"id"`
	RecipientID    int64          `db:"recipient_id" json:"recipient_id"`
	RecipientEmail string         `db:"recipient_email" json:"recipient_email,omitempty"`
	Type           string         `db:"type" json:"type"`
	Title          string         `db:"title" json:"title"`
	Message        string         `db:"message" json:"message"`
	Data           JSONMap        `db:"data" json:"data"`
	Channels       StringList     `db:"channels" json:"channels"`
	Severity       Severity       `db:"severity" json:"severity"`
	DeliveryStatus DeliveryStatus `db:"delivery_status" json:"delivery_status"`
	DedupeKey      *string        `db:"dedupe_key" json:"dedupe_key,omitempty"`
	SentAt         *time.Time     `db:"sent_at" json:"sent_at,omitempty"`
	ReadAt         *time.Time     `db:"read_at" json:"read_at,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// JobRecord is the persisted form of a queued job.
type JobRecord struct {
	ID             string     `db:"id" json:"id"`
	Kind           string     `db:"kind" json:"kind"`
	Queue          string     `db:"queue" json:"queue"`
	Payload        string     `db:"payload" json:"payload"`
	Status         JobStatus  `db:"status" json:"status"`
	DedupeKey      string     `db:"dedupe_key" json:"dedupe_key"`
	Attempts       int        `db:"attempts" json:"attempts"`
	MaxAttempts    int        `db:"max_attempts" json:"max_attempts"`
	TimeoutSeconds int        `db:"timeout_seconds" json:"timeout_seconds"`
	AvailableAt    time.Time  `db:"available_at" json:"available_at"`
	LeasedUntil    *time.Time `db:"leased_until" json:"leased_until,omitempty"`
	ErrorMessage   *string    `db:"error_message" json:"error_message,omitempty"`
	RunID          *int64     `db:"run_id" json:"run_id,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Timeout returns the job's execution timeout.
func (j JobRecord) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// JobStats counts jobs per status.
type JobStats struct {
	Pending int64 `json:"pending"`
	Running int64 `json:"running"`
	Done    int64 `json:"done"`
	Failed  int64 `json:"failed"`
	Retried int64 `json:"retried"`
}

// QueueStats is JobStats for one named queue.
type QueueStats struct {
	Queue string `db:"queue" json:"queue"`
	JobStats
}
