// Package queue defines the job contract and enqueues jobs onto the named
// queues drained by the worker pool.
package queue

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"listing-bot/internal/clock"
	"listing-bot/internal/database"
	"listing-bot/internal/errors"
	"listing-bot/internal/events"
	"listing-bot/internal/logger"
	"listing-bot/internal/metrics"
	"listing-bot/internal/models"
)

// Named queues.
const (
	Maintenance   = "maintenance"
	Reports       = "reports"
	Notifications = "notifications"
)

// Names lists every queue.
var Names = []string{Maintenance, Reports, Notifications}

// Job defaults and limits.
const (
	DefaultMaxAttempts = 3
	DefaultTimeout     = 60 * time.Second
	MaxTimeout         = 10 * time.Minute
)

// Job is one unit of deferred work.
type Job struct {
	Kind        string
	Queue       string
	Payload     any
	DedupeKey   string
	MaxAttempts int
	Timeout     time.Duration
	RunID       *int64
	// Delay postpones the first attempt.
	Delay time.Duration
}

// Handler executes one job kind.
type Handler interface {
	Kind() string
	Handle(ctx context.Context, payload []byte) error
	// Failed runs once after the last attempt failed.
	Failed(ctx context.Context, payload []byte, attempts int, lastErr error)
}

// Registry maps job kinds to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h. Registering a kind twice is a programming error and panics.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[h.Kind()]; dup {
		panic("queue: duplicate handler for kind " + h.Kind())
	}
	r.handlers[h.Kind()] = h
}

// Handler returns the handler for kind.
func (r *Registry) Handler(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Enqueuer accepts jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) (id string, created bool, err error)
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(q *Queue) { q.log = l } }

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(q *Queue) { q.metrics = m } }

// WithEvents sets the live feed publisher.
func WithEvents(p events.Publisher) Option { return func(q *Queue) { q.events = p } }

// Queue writes jobs to the store.
type Queue struct {
	db      *database.DB
	clock   clock.Clock
	log     logger.Logger
	metrics *metrics.Metrics
	events  events.Publisher
}

// New returns a Queue over db.
func New(db *database.DB, clk clock.Clock, opts ...Option) *Queue {
	q := &Queue{db: db, clock: clk, log: logger.NewNop(), metrics: metrics.New(nil), events: events.Nop{}}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue stores job as pending. While a job with the same dedupe key is
// pending or running the call is coalesced and returns that job's id with
// created=false.
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, bool, error) {
	rec, err := q.record(job)
	if err != nil {
		return "", false, err
	}

	id, created, err := q.db.EnqueueJob(ctx, rec)
	if err != nil {
		return "", false, err
	}

	outcome := "created"
	if !created {
		outcome = "coalesced"
	}
	q.metrics.JobsEnqueued.WithLabelValues(rec.Queue, rec.Kind, outcome).Inc()
	q.log.Debug("job enqueued",
		logger.String("job_id", id),
		logger.String("kind", rec.Kind),
		logger.String("queue", rec.Queue),
		logger.String("dedupe_key", rec.DedupeKey),
		logger.Bool("created", created),
	)
	if created {
		q.events.Publish(events.Event{
			Type: events.JobEnqueued,
			At:   rec.CreatedAt,
			Data: map[string]any{"job_id": id, "kind": rec.Kind, "queue": rec.Queue},
		})
	}
	return id, created, nil
}

func (q *Queue) record(job Job) (*models.JobRecord, error) {
	if job.Kind == "" {
		return nil, errors.New("job kind is required")
	}
	if !slices.Contains(Names, job.Queue) {
		return nil, errors.WithHintf(errors.Newf("unknown queue %q for %s", job.Queue, job.Kind),
			"valid queues: %v", Names)
	}
	if job.DedupeKey == "" {
		return nil, errors.Newf("%s job has no dedupe key", job.Kind)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	switch {
	case job.Timeout <= 0:
		job.Timeout = DefaultTimeout
	case job.Timeout > MaxTimeout:
		job.Timeout = MaxTimeout
	}

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", job.Kind)
	}

	now := q.clock.Now()
	return &models.JobRecord{
		ID:             uuid.NewString(),
		Kind:           job.Kind,
		Queue:          job.Queue,
		Payload:        string(payload),
		DedupeKey:      job.DedupeKey,
		MaxAttempts:    job.MaxAttempts,
		TimeoutSeconds: int(job.Timeout / time.Second),
		AvailableAt:    now.Add(job.Delay),
		RunID:          job.RunID,
		CreatedAt:      now,
	}, nil
}
