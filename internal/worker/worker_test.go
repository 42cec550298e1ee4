package worker_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-bot/internal/clock"
	"listing-bot/internal/database"
	"listing-bot/internal/errors"
	"listing-bot/internal/lock"
	"listing-bot/internal/metrics"
	"listing-bot/internal/models"
	"listing-bot/internal/queue"
	dbtest "listing-bot/internal/testutil"
	"listing-bot/internal/worker"
)

type fakeHandler struct {
	kind   string
	handle func(ctx context.Context, payload []byte) error

	mu       sync.Mutex
	failures []failure
	calls    atomic.Int32
}

type failure struct {
	payload  string
	attempts int
	err      error
}

func (h *fakeHandler) Kind() string { return h.kind }

func (h *fakeHandler) Handle(ctx context.Context, payload []byte) error {
	h.calls.Add(1)
	if h.handle == nil {
		return nil
	}
	return h.handle(ctx, payload)
}

func (h *fakeHandler) Failed(_ context.Context, payload []byte, attempts int, lastErr error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, failure{payload: string(payload), attempts: attempts, err: lastErr})
}

func (h *fakeHandler) failedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.failures)
}

type harness struct {
	db      *database.DB
	clock   *clock.Fake
	locker  *lock.MemoryLocker
	queue   *queue.Queue
	pool    *worker.Pool
	metrics *metrics.Metrics
	handler *fakeHandler
}

func newHarness(t *testing.T, handle func(context.Context, []byte) error) *harness {
	t.Helper()
	db := dbtest.NewDB(t)
	clk := clock.NewFake(dbtest.Epoch)
	locker := lock.NewMemoryLocker(clk)
	m := metrics.New(nil)
	h := &fakeHandler{kind: "notify-owner", handle: handle}
	reg := queue.NewRegistry()
	reg.Register(h)

	pool := worker.New(db, reg, locker, clk, worker.Config{
		RetryBackoff: 10 * time.Second,
		MaxBackoff:   5 * time.Minute,
		LeaseTimeout: 15 * time.Minute,
	}, worker.WithMetrics(m))

	return &harness{db: db, clock: clk, locker: locker, queue: queue.New(db, clk), pool: pool, metrics: m, handler: h}
}

func (h *harness) enqueue(t *testing.T, maxAttempts int, timeout time.Duration) string {
	t.Helper()
	id, created, err := h.queue.Enqueue(context.Background(), queue.Job{
		Kind:        "notify-owner",
		Queue:       queue.Notifications,
		Payload:     map[string]any{"property_id": 9},
		DedupeKey:   "notify-owner-expired-9-2026-03-18",
		MaxAttempts: maxAttempts,
		Timeout:     timeout,
	})
	require.NoError(t, err)
	require.True(t, created)
	return id
}

func (h *harness) job(t *testing.T, id string) *models.JobRecord {
	t.Helper()
	job, err := h.db.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestProcessNext_EmptyQueue(t *testing.T) {
	h := newHarness(t, nil)

	processed, err := h.pool.ProcessNext(context.Background(), queue.Notifications)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestProcessNext_Success(t *testing.T) {
	h := newHarness(t, nil)
	id := h.enqueue(t, 3, time.Minute)

	processed, err := h.pool.ProcessNext(context.Background(), queue.Notifications)
	require.NoError(t, err)
	assert.True(t, processed)

	job := h.job(t, id)
	assert.Equal(t, models.JobDone, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.False(t, h.locker.Held("job:notify-owner-expired-9-2026-03-18"))
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.JobsProcessed.WithLabelValues("notifications", "notify-owner", "done")), 0)
}

func TestProcessNext_RetriesWithBackoff(t *testing.T) {
	h := newHarness(t, func(context.Context, []byte) error { return errors.New("smtp unavailable") })
	id := h.enqueue(t, 3, time.Minute)
	ctx := context.Background()

	_, err := h.pool.ProcessNext(ctx, queue.Notifications)
	require.NoError(t, err)
	job := h.job(t, id)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.True(t, job.AvailableAt.Equal(dbtest.Epoch.Add(10*time.Second)))
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "smtp unavailable")

	processed, err := h.pool.ProcessNext(ctx, queue.Notifications)
	require.NoError(t, err)
	assert.False(t, processed, "not ready before its backoff")

	h.clock.Advance(10 * time.Second)
	_, err = h.pool.ProcessNext(ctx, queue.Notifications)
	require.NoError(t, err)
	job = h.job(t, id)
	assert.Equal(t, 2, job.Attempts)
	assert.True(t, job.AvailableAt.Equal(h.clock.Now().Add(20*time.Second)), "backoff doubles")
	assert.Zero(t, h.handler.failedCount())
}

func TestProcessNext_FailedHookRunsOnceAfterLastAttempt(t *testing.T) {
	h := newHarness(t, func(context.Context, []byte) error { return errors.New("owner has no email") })
	id := h.enqueue(t, 2, time.Minute)
	ctx := context.Background()

	for range 2 {
		_, err := h.pool.ProcessNext(ctx, queue.Notifications)
		require.NoError(t, err)
		h.clock.Advance(time.Hour)
	}

	job := h.job(t, id)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)

	require.Equal(t, 1, h.handler.failedCount())
	f := h.handler.failures[0]
	assert.Equal(t, 2, f.attempts)
	assert.JSONEq(t, `{"property_id":9}`, f.payload)
	assert.ErrorContains(t, f.err, "owner has no email")

	reaped, err := h.pool.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)
	processed, err := h.pool.ProcessNext(ctx, queue.Notifications)
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Equal(t, 1, h.handler.failedCount())
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.JobFailureHooks.WithLabelValues("notify-owner")), 0)
}

func TestProcessNext_TimeoutCountsAsFailedAttempt(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ []byte) error {
		<-ctx.Done()
		return ctx.Err()
	})
	id := h.enqueue(t, 1, time.Second)

	_, err := h.pool.ProcessNext(context.Background(), queue.Notifications)
	require.NoError(t, err)

	job := h.job(t, id)
	assert.Equal(t, models.JobFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "timed out")
	assert.Equal(t, 1, h.handler.failedCount())
}

func TestProcessNext_PanicIsAFailure(t *testing.T) {
	h := newHarness(t, func(context.Context, []byte) error { panic("nil map") })
	id := h.enqueue(t, 3, time.Minute)

	_, err := h.pool.ProcessNext(context.Background(), queue.Notifications)
	require.NoError(t, err)

	job := h.job(t, id)
	assert.Equal(t, models.JobPending, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "panicked: nil map")
}

func TestProcessNext_BusyLockRequeuesWithoutConsumingAttempt(t *testing.T) {
	h := newHarness(t, nil)
	id := h.enqueue(t, 3, time.Minute)
	ctx := context.Background()

	lease, ok, err := h.locker.Acquire(ctx, "job:notify-owner-expired-9-2026-03-18", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	processed, err := h.pool.ProcessNext(ctx, queue.Notifications)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Zero(t, h.handler.calls.Load())

	job := h.job(t, id)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Zero(t, job.Attempts)

	require.NoError(t, lease.Release(ctx))
	h.clock.Advance(time.Minute)
	_, err = h.pool.ProcessNext(ctx, queue.Notifications)
	require.NoError(t, err)
	assert.Equal(t, models.JobDone, h.job(t, id).Status)
}

func TestProcessNext_UnknownKindFails(t *testing.T) {
	h := newHarness(t, nil)
	id, _, err := h.queue.Enqueue(context.Background(), queue.Job{
		Kind: "carrier-pigeon", Queue: queue.Notifications, Payload: struct{}{}, DedupeKey: "coo",
	})
	require.NoError(t, err)

	_, err = h.pool.ProcessNext(context.Background(), queue.Notifications)
	require.NoError(t, err)

	job := h.job(t, id)
	assert.Equal(t, models.JobFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, `no handler for kind "carrier-pigeon"`)
}

func TestReapExpiredLeases(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	retryable := h.enqueue(t, 3, time.Minute)

	// A worker that leased the job and then died.
	leased, err := h.db.LeaseJob(ctx, queue.Notifications, h.clock.Now(), h.clock.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, retryable, leased.ID)

	h.clock.Advance(2 * time.Minute)
	reaped, err := h.pool.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	job := h.job(t, retryable)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Zero(t, h.handler.failedCount())
}

func TestReapExpiredLeases_ExhaustedRunsHook(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.enqueue(t, 1, time.Minute)

	_, err := h.db.LeaseJob(ctx, queue.Notifications, h.clock.Now(), h.clock.Now().Add(time.Minute))
	require.NoError(t, err)
	h.clock.Advance(2 * time.Minute)

	reaped, err := h.pool.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)
	assert.Equal(t, models.JobFailed, h.job(t, id).Status)
	require.Equal(t, 1, h.handler.failedCount())
	assert.ErrorContains(t, h.handler.failures[0].err, "lease expired")
}

func TestStart_DrainsQueueUntilCancelled(t *testing.T) {
	h := newHarness(t, nil)
	db := h.db
	reg := queue.NewRegistry()
	reg.Register(h.handler)
	pool := worker.New(db, reg, h.locker, h.clock, worker.Config{
		Concurrency:  map[string]int{queue.Notifications: 2},
		PollInterval: 10 * time.Millisecond,
	})
	id := h.enqueue(t, 3, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		job, err := db.GetJob(context.Background(), id)
		return err == nil && job.Status == models.JobDone
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	pool.Wait()
}
