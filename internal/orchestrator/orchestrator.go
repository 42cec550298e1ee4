// Package orchestrator runs named bot operations as ordered steps, recording
// exactly one RunRecord per accepted invocation.
package orchestrator

import (
	"context"
	"maps"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"listing-bot/internal/clock"
	"listing-bot/internal/database"
	"listing-bot/internal/errors"
	"listing-bot/internal/events"
	"listing-bot/internal/logger"
	"listing-bot/internal/metrics"
	"listing-bot/internal/models"
	"listing-bot/internal/queue"
)

// Result is the JSON-able output of a step or a whole run.
type Result map[string]any

// Step is one named unit of an operation.
type Step struct {
	Name string
	Run  func(ctx context.Context, rc *RunContext) (Result, error)
}

// Operation is a named, ordered list of steps.
type Operation struct {
	Name        string
	Description string
	Steps       []Step
	Params      []Param
}

// StepNames returns the steps in declared order.
func (op *Operation) StepNames() []string {
	names := make([]string, len(op.Steps))
	for i, s := range op.Steps {
		names[i] = s.Name
	}
	return names
}

// Outcome is what callers of Execute get back. ExitCode is 0 on success and
// 1 on any failure, including a rejected invocation.
type Outcome struct {
	ExitCode int              `json:"exit_code"`
	RunID    int64            `json:"run_id,omitempty"`
	Status   models.RunStatus `json:"status"`
	Result   Result           `json:"result,omitempty"`
	Err      error            `json:"-"`
}

// Orchestrator owns the registered operations.
type Orchestrator struct {
	db       *database.DB
	enqueuer queue.Enqueuer
	clock    clock.Clock
	log      logger.Logger
	metrics  *metrics.Metrics
	events   events.Publisher
	memory   func() int64

	ops   map[string]*Operation
	order []string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithEvents sets the live feed publisher.
func WithEvents(p events.Publisher) Option { return func(o *Orchestrator) { o.events = p } }

// New builds an Orchestrator with no operations registered.
func New(db *database.DB, enqueuer queue.Enqueuer, clk clock.Clock, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		db:       db,
		enqueuer: enqueuer,
		clock:    clk,
		log:      logger.NewNop(),
		events:   events.Nop{},
		memory:   residentMemory,
		ops:      map[string]*Operation{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New(nil)
	}
	return o
}

// Register adds op. Registering a name twice is a programming error.
func (o *Orchestrator) Register(ops ...*Operation) {
	for _, op := range ops {
		if _, dup := o.ops[op.Name]; dup {
			panic("orchestrator: duplicate operation " + op.Name)
		}
		o.ops[op.Name] = op
		o.order = append(o.order, op.Name)
	}
}

// Names lists operations in registration order.
func (o *Orchestrator) Names() []string {
	return append([]string(nil), o.order...)
}

// Operations lists operations in registration order.
func (o *Orchestrator) Operations() []*Operation {
	out := make([]*Operation, 0, len(o.order))
	for _, name := range o.order {
		out = append(out, o.ops[name])
	}
	return out
}

// Operation looks up one operation.
func (o *Orchestrator) Operation(name string) (*Operation, bool) {
	op, ok := o.ops[name]
	return op, ok
}

// Execute validates params, records a run, runs the selected steps in order
// and closes the run exactly once.
func (o *Orchestrator) Execute(ctx context.Context, name string, params map[string]string) Outcome {
	log := o.log.With(logger.String("operation", name))

	op, ok := o.ops[name]
	if !ok {
		err := &UnknownOperationError{Name: name, Valid: o.Names()}
		log.Warn("Rejected unknown operation")
		return Outcome{ExitCode: 1, Status: models.RunFailed, Err: err}
	}

	started := o.clock.Now().UTC()
	opts, err := o.parse(op, params, started)
	if err != nil {
		log.Warn("Rejected operation parameters", logger.Error(err))
		return Outcome{ExitCode: 1, Status: models.RunFailed, Err: err}
	}

	runID, err := o.db.CreateRun(ctx, op.Name, opts.record(), started)
	if err != nil {
		log.Error("Failed to record run", logger.Error(err))
		return Outcome{ExitCode: 1, Status: models.RunFailed, Err: errors.Wrap(err, "create run record")}
	}
	log = log.With(logger.Int64("run_id", runID))
	o.publish(events.RunStarted, runID, op.Name, nil)
	log.Info("Operation started", logger.Bool("queue", opts.Queue), logger.Bool("preview", opts.Preview))

	rc := &RunContext{
		RunID:     runID,
		Operation: op.Name,
		Options:   opts,
		Now:       started,
		enqueuer:  o.enqueuer,
		log:       log,
		counters:  map[string]int{},
		state:     map[string]any{},
	}

	wall := time.Now()
	result, runErr := o.run(ctx, op, rc)
	elapsed := time.Since(wall)

	completion := models.RunCompletion{
		Status:           models.RunCompleted,
		CompletedAt:      o.clock.Now().UTC(),
		ExecutionTimeMs:  elapsed.Milliseconds(),
		MemoryUsageBytes: o.memory(),
		ProcessedItems:   rc.processed,
		FailedItems:      rc.failed,
	}
	if runErr != nil {
		completion.Status = models.RunFailed
		completion.ErrorMessage = runErr.Error()
	} else {
		completion.Result = models.JSONMap(result)
	}
	if err := o.db.FinishRun(context.WithoutCancel(ctx), runID, completion); err != nil {
		log.Error("Failed to close run", logger.Error(err))
		runErr = errors.Combine(runErr, errors.Wrap(err, "finish run record"))
		completion.Status = models.RunFailed
	}

	o.metrics.RunsTotal.WithLabelValues(op.Name, string(completion.Status)).Inc()
	o.metrics.RunDuration.WithLabelValues(op.Name).Observe(elapsed.Seconds())
	o.publish(events.RunFinished, runID, op.Name, map[string]any{
		"status":            completion.Status,
		"execution_time_ms": completion.ExecutionTimeMs,
	})

	if runErr != nil {
		log.Error("Operation failed", logger.Error(runErr), logger.Duration("elapsed", elapsed))
		return Outcome{ExitCode: 1, RunID: runID, Status: models.RunFailed, Err: runErr}
	}
	log.Info("Operation completed",
		logger.Duration("elapsed", elapsed),
		logger.Int("processed_items", rc.processed),
		logger.Int("failed_items", rc.failed),
	)
	return Outcome{ExitCode: 0, RunID: runID, Status: models.RunCompleted, Result: result}
}

func (o *Orchestrator) run(ctx context.Context, op *Operation, rc *RunContext) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &OperationFailure{Operation: op.Name, Step: rc.step, Err: errors.Newf("panic: %v", r)}
		}
	}()

	merged := Result{}
	for _, step := range op.Steps {
		if !rc.Options.Runs(step.Name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, &OperationFailure{Operation: op.Name, Step: step.Name, Err: err}
		}
		rc.step = step.Name
		rc.log.Debug("Running step", logger.String("step", step.Name))

		out, err := step.Run(ctx, rc)
		var issue *Issue
		switch {
		case err == nil:
		case errors.As(err, &issue):
			rc.Issue(err)
		default:
			return nil, &OperationFailure{Operation: op.Name, Step: step.Name, Err: err}
		}
		maps.Copy(merged, out)
	}
	return rc.result(merged), nil
}

func (o *Orchestrator) publish(kind string, runID int64, operation string, extra map[string]any) {
	data := map[string]any{"run_id": runID, "operation": operation}
	maps.Copy(data, extra)
	o.events.Publish(events.Event{Type: kind, At: o.clock.Now(), Data: data})
}

// residentMemory reports the process RSS, falling back to the Go runtime's
// view when the OS query is unavailable.
func residentMemory() int64 {
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := p.MemoryInfo(); err == nil {
			return int64(info.RSS)
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.Sys)
}

// RunContext is the per-run state handed to every step.
type RunContext struct {
	RunID     int64
	Operation string
	Options   Options
	// Now is the run's start time; steps use it instead of the clock so
	// every step sees the same instant.
	Now time.Time

	enqueuer queue.Enqueuer
	log      logger.Logger
	step     string

	processed  int
	failed     int
	counters   map[string]int
	issues     []string
	state      map[string]any
	dispatched int
	wouldQueue []string
}

// Log is the run-scoped logger.
func (rc *RunContext) Log() logger.Logger { return rc.log }

// Processed adds n to processed_items.
func (rc *RunContext) Processed(n int) { rc.processed += n }

// Failed adds n to failed_items.
func (rc *RunContext) Failed(n int) { rc.failed += n }

// Count adds n to the result counter key, creating it at zero if needed.
func (rc *RunContext) Count(key string, n int) { rc.counters[key] += n }

// Issue records a non-fatal error against the current step.
func (rc *RunContext) Issue(err error) {
	if err == nil {
		return
	}
	var issue *Issue
	if !errors.As(err, &issue) {
		issue = &Issue{Step: rc.step, Err: err}
	}
	rc.issues = append(rc.issues, issue.Error())
	rc.log.Warn("Step reported an issue", logger.String("step", issue.Step), logger.Error(issue.Err))
}

// Enqueue dispatches job on behalf of the run. In preview nothing is enqueued
// and the would-be job is listed in the result instead.
func (rc *RunContext) Enqueue(ctx context.Context, job queue.Job) (bool, error) {
	if rc.Options.Preview {
		rc.wouldQueue = append(rc.wouldQueue, job.Kind+":"+job.DedupeKey)
		return false, nil
	}
	runID := rc.RunID
	job.RunID = &runID
	_, created, err := rc.enqueuer.Enqueue(ctx, job)
	if err != nil {
		return false, errors.Wrapf(err, "enqueue %s", job.Kind)
	}
	if created {
		rc.dispatched++
	}
	return created, nil
}

func (rc *RunContext) result(steps Result) Result {
	out := Result{}
	for k, v := range rc.counters {
		out[k] = v
	}
	maps.Copy(out, steps)
	if len(rc.issues) > 0 {
		out["issues"] = rc.issues
	}
	if rc.dispatched > 0 {
		out["jobs_dispatched"] = rc.dispatched
	}
	if rc.Options.Preview {
		out["preview"] = true
		if len(rc.wouldQueue) > 0 {
			out["would_enqueue"] = rc.wouldQueue
		}
	}
	return out
}

// memo computes a value once per run so steps can be run or skipped
// independently.
func memo[T any](rc *RunContext, key string, fn func() (T, error)) (T, error) {
	if v, ok := rc.state[key]; ok {
		return v.(T), nil
	}
	v, err := fn()
	if err != nil {
		var zero T
		return zero, err
	}
	rc.state[key] = v
	return v, nil
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
