// Package scheduler fires operations on cron cadences, preventing overlapping
// runs and escalating failures to operators.
package scheduler

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"listing-bot/internal/clock"
	"listing-bot/internal/errors"
	"listing-bot/internal/events"
	"listing-bot/internal/lock"
	"listing-bot/internal/logger"
	"listing-bot/internal/metrics"
	"listing-bot/internal/models"
	"listing-bot/internal/notify"
	"listing-bot/internal/orchestrator"
)

const (
	DefaultTick       = time.Second
	DefaultOverlapTTL = 24 * time.Hour
	DefaultProbeEvery = 5 * time.Minute
)

// Executor runs one operation invocation.
type Executor interface {
	Execute(ctx context.Context, name string, params map[string]string) orchestrator.Outcome
}

// Alerter notifies operators.
type Alerter interface {
	AlertOperators(ctx context.Context, alert notify.BotAlert, dedupeKey string) (int, error)
}

// Options tune one scheduled operation.
type Options struct {
	WithoutOverlapping bool
	RunInBackground    bool
	// OverlapTTL bounds the overlap lock; zero uses the scheduler default.
	OverlapTTL        time.Duration
	Params            map[string]string
	EscalateOnFailure bool
}

// Entry describes a scheduled operation.
type Entry struct {
	Operation string    `json:"operation"`
	Cadence   Cadence   `json:"cadence"`
	Next      time.Time `json:"next_run"`
	Options   Options   `json:"-"`
}

type entry struct {
	operation string
	cadence   Cadence
	schedule  cron.Schedule
	opts      Options
	next      time.Time
}

// Scheduler is a cooperative cadence loop over an Executor.
type Scheduler struct {
	exec       Executor
	locker     lock.Locker
	clock      clock.Clock
	alerter    Alerter
	log        logger.Logger
	metrics    *metrics.Metrics
	events     events.Publisher
	tick       time.Duration
	overlapTTL time.Duration

	mu      sync.Mutex
	entries []*entry

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l logger.Logger) Option { return func(s *Scheduler) { s.log = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }
func WithEvents(p events.Publisher) Option { return func(s *Scheduler) { s.events = p } }
func WithAlerter(a Alerter) Option { return func(s *Scheduler) { s.alerter = a } }
func WithTick(d time.Duration) Option { return func(s *Scheduler) { s.tick = d } }
func WithOverlapTTL(d time.Duration) Option { return func(s *Scheduler) { s.overlapTTL = d } }

// New builds an empty Scheduler.
func New(exec Executor, locker lock.Locker, clk clock.Clock, opts ...Option) *Scheduler {
	s := &Scheduler{
		exec:       exec,
		locker:     locker,
		clock:      clk,
		log:        logger.NewNop(),
		events:     events.Nop{},
		tick:       DefaultTick,
		overlapTTL: DefaultOverlapTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	if s.tick <= 0 {
		s.tick = DefaultTick
	}
	if s.overlapTTL <= 0 {
		s.overlapTTL = DefaultOverlapTTL
	}
	return s
}

// Schedule adds operation at cadence. The first fire is the cadence's next
// time after now.
func (s *Scheduler) Schedule(operation string, cadence Cadence, opts Options) error {
	sched, err := cadence.Parse()
	if err != nil {
		return errors.WithDetailf(err, "operation %s", operation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{
		operation: operation,
		cadence:   cadence,
		schedule:  sched,
		opts:      opts,
		next:      sched.Next(s.clock.Now().UTC()),
	})
	return nil
}

// Entries lists scheduled operations ordered by next fire time.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = Entry{Operation: e.operation, Cadence: e.cadence, Next: e.next, Options: e.opts}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Next.Before(out[j].Next) })
	return out
}

// Tick fires every entry due at now and advances it past now. Each entry
// fires at most once per tick, so missed fires after downtime collapse into
// one. It returns how many entries fired.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	now = now.UTC()
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		e.next = e.schedule.Next(now)
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		if e.opts.RunInBackground {
			s.wg.Add(1)
			go func(e *entry) {
				defer s.wg.Done()
				s.invoke(ctx, e.operation, e.opts)
			}(e)
			continue
		}
		s.invoke(ctx, e.operation, e.opts)
	}
	return len(due)
}

// Start runs the cadence loop until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.log.Info("Scheduler started", logger.Int("entries", len(s.Entries())), logger.Duration("tick", s.tick))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx, s.clock.Now())
			}
		}
	}()
}

// StartHealthProbe runs the scheduler-health-probe operation on its own
// ticker, independent of the cadence loop.
func (s *Scheduler) StartHealthProbe(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultProbeEvery
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.invoke(ctx, orchestrator.OpSchedulerHealthProbe, Options{})
			}
		}
	}()
}

// Stop ends the cadence loop and waits for in-flight background runs.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Wait blocks until every loop and background run has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

// ErrAlreadyRunning reports that a non-overlapping operation still holds its
// schedule lock.
var ErrAlreadyRunning = errors.New("operation already running")

// RunNow executes operation immediately on behalf of a manual trigger.
// Operations scheduled without overlapping take the same lock as their
// scheduled fires, so a manual run never races a scheduled one.
func (s *Scheduler) RunNow(ctx context.Context, operation string, params map[string]string) orchestrator.Outcome {
	release, err := s.acquire(ctx, operation, s.options(operation))
	if err != nil {
		return orchestrator.Outcome{ExitCode: 1, Status: models.RunFailed, Err: err}
	}
	defer release()
	return s.exec.Execute(ctx, operation, params)
}

func (s *Scheduler) options(operation string) Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.operation == operation {
			return e.opts
		}
	}
	return Options{}
}

// acquire takes the overlap lock when opts asks for one. The returned release
// func is always non-nil on success.
func (s *Scheduler) acquire(ctx context.Context, operation string, opts Options) (func(), error) {
	if !opts.WithoutOverlapping {
		return func() {}, nil
	}
	ttl := opts.OverlapTTL
	if ttl <= 0 {
		ttl = s.overlapTTL
	}
	lease, ok, err := s.locker.Acquire(ctx, "schedule:"+operation, ttl)
	if err != nil {
		return nil, errors.Wrap(err, "acquire overlap lock")
	}
	if !ok {
		s.metrics.SchedulerSkips.WithLabelValues(operation).Inc()
		s.events.Publish(events.Event{Type: events.RunSkipped, At: s.clock.Now(),
			Data: map[string]any{"operation": operation}})
		return nil, errors.Wrapf(ErrAlreadyRunning, "operation %s", operation)
	}
	return func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("Failed to release overlap lock", logger.String("operation", operation), logger.Error(err))
		}
	}, nil
}

func (s *Scheduler) invoke(ctx context.Context, operation string, opts Options) {
	log := s.log.With(logger.String("operation", operation))

	release, err := s.acquire(ctx, operation, opts)
	if errors.Is(err, ErrAlreadyRunning) {
		log.Info("Skipping scheduled run, previous run still in progress")
		return
	}
	if err != nil {
		log.Error("Failed to acquire overlap lock", logger.Error(err))
		return
	}
	defer release()

	started := time.Now()
	out := s.exec.Execute(ctx, operation, opts.Params)
	elapsed := time.Since(started)
	s.metrics.SchedulerFires.WithLabelValues(operation, strconv.Itoa(out.ExitCode)).Inc()

	fields := []logger.Field{
		logger.Int("exit_code", out.ExitCode),
		logger.Int64("run_id", out.RunID),
		logger.Duration("duration", elapsed),
	}
	if out.ExitCode == 0 {
		log.Info("Scheduled run succeeded", fields...)
		return
	}
	log.Error("Scheduled run failed", append(fields, logger.Error(out.Err))...)

	if opts.EscalateOnFailure && s.alerter != nil {
		s.escalate(ctx, operation, out)
	}
}

func (s *Scheduler) escalate(ctx context.Context, operation string, out orchestrator.Outcome) {
	detail := "exit code " + strconv.Itoa(out.ExitCode)
	if out.Err != nil {
		detail = out.Err.Error()
	}
	alert := notify.BotAlert{
		Level:   models.SeverityCritical,
		Subject: "scheduled " + operation + " failed",
		Detail:  detail,
		Context: map[string]any{"operation": operation, "run_id": out.RunID},
	}
	key := ""
	if out.RunID != 0 {
		key = "schedule-failure-" + strconv.FormatInt(out.RunID, 10)
	}
	if _, err := s.alerter.AlertOperators(context.WithoutCancel(ctx), alert, key); err != nil {
		s.log.Error("Failed to escalate scheduled failure", logger.String("operation", operation), logger.Error(err))
	}
}
