// Package events defines the live event feed shared by the runtime components.
package events

import "time"

// Event types published on the feed.
const (
	RunStarted           = "run.started"
	RunFinished          = "run.finished"
	RunSkipped           = "run.skipped"
	JobEnqueued          = "job.enqueued"
	JobFinished          = "job.finished"
	NotificationSent     = "notification.sent"
	NotificationFailed   = "notification.failed"
	SchedulerProbeResult = "scheduler.probe"
)

// Event is one message on the feed.
type Event struct {
	Type string         `json:"type"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

// Publisher receives events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(Event) {}
