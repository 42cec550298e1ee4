// Package worker drains the named job queues.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"listing-bot/internal/clock"
	"listing-bot/internal/database"
	"listing-bot/internal/errors"
	"listing-bot/internal/events"
	"listing-bot/internal/lock"
	"listing-bot/internal/logger"
	"listing-bot/internal/metrics"
	"listing-bot/internal/models"
	"listing-bot/internal/queue"
)

// Config tunes the pool.
type Config struct {
	// Concurrency is the worker count per queue name.
	Concurrency  map[string]int
	PollInterval time.Duration
	LeaseTimeout time.Duration
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	ReapInterval time.Duration
	// LockGrace extends the per-job lock beyond the job timeout.
	LockGrace time.Duration
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 15 * time.Minute
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 10 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
	if c.LockGrace <= 0 {
		c.LockGrace = 30 * time.Second
	}
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(p *Pool) { p.log = l } }

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(p *Pool) { p.metrics = m } }

// WithEvents sets the live feed publisher.
func WithEvents(e events.Publisher) Option { return func(p *Pool) { p.events = e } }

// Pool runs workers over every configured queue.
type Pool struct {
	db       *database.DB
	registry *queue.Registry
	locker   lock.Locker
	clock    clock.Clock
	cfg      Config
	log      logger.Logger
	metrics  *metrics.Metrics
	events   events.Publisher
	wg       sync.WaitGroup
}

// New returns a Pool. Nothing runs until Start.
func New(db *database.DB, registry *queue.Registry, locker lock.Locker, clk clock.Clock, cfg Config, opts ...Option) *Pool {
	cfg.setDefaults()
	p := &Pool{
		db:       db,
		registry: registry,
		locker:   locker,
		clock:    clk,
		cfg:      cfg,
		log:      logger.NewNop(),
		metrics:  metrics.New(nil),
		events:   events.Nop{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Worker polls one queue.
type Worker struct {
	id    int
	queue string
	pool  *Pool
}

// Start reaps abandoned leases once, then launches the workers and the lease
// reaper. They stop when ctx is cancelled; Wait blocks until they have.
func (p *Pool) Start(ctx context.Context) {
	if _, err := p.ReapExpiredLeases(ctx); err != nil {
		p.log.Error("initial lease reap failed", logger.Error(err))
	}

	for _, name := range queue.Names {
		for i := range p.cfg.Concurrency[name] {
			w := &Worker{id: i + 1, queue: name, pool: p}
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				w.Start(ctx)
			}()
		}
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reapLoop(ctx)
	}()
}

// Wait blocks until every goroutine started by Start has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Start polls until ctx is cancelled, draining the queue on every tick.
func (w *Worker) Start(ctx context.Context) {
	log := w.pool.log.With(logger.String("queue", w.queue), logger.Int("worker_id", w.id))
	log.Info("worker started")

	ticker := time.NewTicker(w.pool.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			return
		case <-ticker.C:
			for ctx.Err() == nil {
				processed, err := w.pool.ProcessNext(ctx, w.queue)
				if err != nil {
					log.Error("process job failed", logger.Error(err))
				}
				if !processed {
					break
				}
			}
		}
	}
}

func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.ReapExpiredLeases(ctx); err != nil {
				p.log.Error("lease reap failed", logger.Error(err))
			}
		}
	}
}

// ProcessNext leases one ready job from queueName and runs it to a settled
// state. It reports whether a job was leased.
func (p *Pool) ProcessNext(ctx context.Context, queueName string) (bool, error) {
	now := p.clock.Now()
	job, err := p.db.LeaseJob(ctx, queueName, now, now.Add(p.cfg.LeaseTimeout))
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	log := p.log.With(
		logger.String("job_id", job.ID),
		logger.String("kind", job.Kind),
		logger.String("queue", job.Queue),
		logger.Int("attempt", job.Attempts),
	)
	settleCtx := context.WithoutCancel(ctx)

	h, ok := p.registry.Handler(job.Kind)
	if !ok {
		log.Error("no handler registered for job kind")
		_, err := p.db.FailJob(settleCtx, job.ID, fmt.Sprintf("no handler for kind %q", job.Kind), p.clock.Now())
		return true, err
	}

	lease, held, err := p.locker.Acquire(ctx, "job:"+job.DedupeKey, job.Timeout()+p.cfg.LockGrace)
	if err != nil || !held {
		// Another execution of the same logical job is still running.
		log.Info("job lock busy, requeueing", logger.String("dedupe_key", job.DedupeKey))
		_, relErr := p.db.ReleaseJob(settleCtx, job.ID, p.clock.Now().Add(p.cfg.PollInterval), p.clock.Now())
		return true, errors.Combine(err, relErr)
	}

	log.Info("job started")
	p.metrics.JobsInFlight.WithLabelValues(job.Queue).Inc()
	started := time.Now()
	runErr := p.execute(ctx, h, job, lease)
	p.metrics.JobsInFlight.WithLabelValues(job.Queue).Dec()
	p.metrics.JobDuration.WithLabelValues(job.Queue, job.Kind).Observe(time.Since(started).Seconds())

	if runErr != nil && ctx.Err() != nil && !errors.Is(runErr, errJobTimeout) {
		log.Info("shutdown interrupted job, requeueing")
		_, err := p.db.ReleaseJob(settleCtx, job.ID, p.clock.Now(), p.clock.Now())
		return true, err
	}
	return true, p.settle(settleCtx, log, h, job, runErr)
}

var errJobTimeout = errors.New("job timed out")

// execute runs the handler under the job timeout. The lock is released by the
// handler goroutine itself, so it stays held for as long as the handler runs
// even after the timeout fires.
func (p *Pool) execute(ctx context.Context, h queue.Handler, job *models.JobRecord, lease lock.Lease) error {
	jobCtx, cancel := context.WithTimeout(ctx, job.Timeout())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Newf("job panicked: %v", r)
			}
		}()
		done <- h.Handle(jobCtx, []byte(job.Payload))
	}()

	select {
	case err := <-done:
		if err != nil && jobCtx.Err() != nil && ctx.Err() == nil {
			return errors.Wrapf(errJobTimeout, "after %s", job.Timeout())
		}
		return err
	case <-jobCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrapf(errJobTimeout, "after %s", job.Timeout())
	}
}

func (p *Pool) settle(ctx context.Context, log logger.Logger, h queue.Handler, job *models.JobRecord, runErr error) error {
	now := p.clock.Now()

	if runErr == nil {
		_, err := p.db.CompleteJob(ctx, job.ID, now)
		p.finished(log, job, "done", nil)
		return err
	}

	if job.Attempts < job.MaxAttempts {
		delay := p.backoff(job.Attempts)
		_, err := p.db.RetryJob(ctx, job.ID, now.Add(delay), runErr.Error(), now)
		log.Warn("job failed, will retry",
			logger.Error(runErr),
			logger.Int("max_attempts", job.MaxAttempts),
			logger.Duration("retry_in", delay),
		)
		p.finished(log, job, "retry", runErr)
		return err
	}

	won, err := p.db.FailJob(ctx, job.ID, runErr.Error(), now)
	if err != nil {
		return err
	}
	p.finished(log, job, "failed", runErr)
	if won {
		p.runFailedHook(ctx, h, job, runErr)
	}
	return nil
}

func (p *Pool) runFailedHook(ctx context.Context, h queue.Handler, job *models.JobRecord, lastErr error) {
	p.metrics.JobFailureHooks.WithLabelValues(job.Kind).Inc()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("failure hook panicked", logger.String("job_id", job.ID), logger.Any("panic", r))
		}
	}()
	h.Failed(ctx, []byte(job.Payload), job.Attempts, lastErr)
}

func (p *Pool) finished(log logger.Logger, job *models.JobRecord, result string, err error) {
	p.metrics.JobsProcessed.WithLabelValues(job.Queue, job.Kind, result).Inc()
	data := map[string]any{"job_id": job.ID, "kind": job.Kind, "queue": job.Queue, "result": result, "attempts": job.Attempts}
	switch result {
	case "done":
		log.Info("job finished")
	case "failed":
		log.Error("job failed permanently", logger.Error(err), logger.String("payload", job.Payload))
		data["error"] = err.Error()
	}
	p.events.Publish(events.Event{Type: events.JobFinished, At: p.clock.Now(), Data: data})
}

// backoff doubles RetryBackoff per consumed attempt, capped at MaxBackoff.
func (p *Pool) backoff(attempts int) time.Duration {
	d := p.cfg.RetryBackoff
	for i := 1; i < attempts && d < p.cfg.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, p.cfg.MaxBackoff)
}

// ReapExpiredLeases settles running jobs whose lease ran out: back to pending
// while attempts remain, otherwise failed with the failure hook.
func (p *Pool) ReapExpiredLeases(ctx context.Context) (int, error) {
	now := p.clock.Now()
	jobs, err := p.db.ExpiredLeases(ctx, now)
	if err != nil {
		return 0, err
	}

	var (
		reaped int
		errs   error
	)
	for i := range jobs {
		job := &jobs[i]
		const msg = "lease expired"

		if job.Attempts < job.MaxAttempts {
			ok, err := p.db.RetryJob(ctx, job.ID, now, msg, now)
			if err != nil {
				errs = errors.Combine(errs, err)
				continue
			}
			if ok {
				reaped++
			}
			continue
		}

		won, err := p.db.FailJob(ctx, job.ID, msg, now)
		if err != nil {
			errs = errors.Combine(errs, err)
			continue
		}
		if !won {
			continue
		}
		reaped++
		p.metrics.JobsProcessed.WithLabelValues(job.Queue, job.Kind, "failed").Inc()
		if h, ok := p.registry.Handler(job.Kind); ok {
			p.runFailedHook(ctx, h, job, errors.New(msg))
		}
	}
	if reaped > 0 {
		p.log.Warn("reaped expired job leases", logger.Int("count", reaped))
	}
	return reaped, errs
}
