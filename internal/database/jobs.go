package database

import (
	"context"
	"database/sql"
	"time"

	"listing-bot/internal/errors"
	"listing-bot/internal/models"
)

const jobColumns = `id, kind, queue, payload, status, dedupe_key, attempts, max_attempts, timeout_seconds,
	available_at, leased_until, error_message, run_id, created_at, updated_at`

// JobFilter narrows ListJobs.
type JobFilter struct {
	Queue  string
	Kind   string
	Status models.JobStatus
	RunID  *int64
	Limit  int
}

// EnqueueJob inserts a pending job. While another job with the same dedupe key
// is pending or running the insert is coalesced: the in-flight job's id is
// returned with created=false.
func (db *DB) EnqueueJob(ctx context.Context, job *models.JobRecord) (string, bool, error) {
	// The in-flight job can finish between the conflicting insert and the
	// lookup, so a second insert attempt is allowed.
	for range 2 {
		var id string
		err := db.GetContext(ctx, &id, db.Rebind(`
			INSERT INTO jobs (id, kind, queue, payload, status, dedupe_key, attempts, max_attempts,
				timeout_seconds, available_at, run_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
			RETURNING id`),
			job.ID, job.Kind, job.Queue, job.Payload, models.JobPending, job.DedupeKey, job.MaxAttempts,
			job.TimeoutSeconds, job.AvailableAt, job.RunID, job.CreatedAt, job.CreatedAt,
		)
		if err == nil {
			return id, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, errors.Wrapf(err, "enqueue %s", job.Kind)
		}

		err = db.GetContext(ctx, &id, db.Rebind(`
			SELECT id FROM jobs WHERE dedupe_key = ? AND status IN (?, ?) LIMIT 1`),
			job.DedupeKey, models.JobPending, models.JobRunning)
		if err == nil {
			return id, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, errors.Wrapf(err, "find in-flight %s", job.DedupeKey)
		}
	}
	return "", false, errors.Newf("enqueue %s: dedupe key %s kept conflicting", job.Kind, job.DedupeKey)
}

// LeaseJob claims the oldest ready job on queue, counting one attempt. It
// returns nil when the queue is empty.
func (db *DB) LeaseJob(ctx context.Context, queue string, now, leaseUntil time.Time) (*models.JobRecord, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin lease")
	}
	defer func() { _ = tx.Rollback() }()

	next := `SELECT id FROM jobs WHERE queue = ? AND status = ? AND available_at <= ?
		ORDER BY available_at, created_at LIMIT 1`
	if db.IsPostgres() {
		next += ` FOR UPDATE SKIP LOCKED`
	}

	// Only the id comes back through RETURNING; the row is re-read so column
	// types decode the same way on every driver.
	var id string
	err = tx.GetContext(ctx, &id, tx.Rebind(`
		UPDATE jobs SET status = ?, attempts = attempts + 1, leased_until = ?, updated_at = ?
		WHERE id = (`+next+`) AND status = ?
		RETURNING id`),
		models.JobRunning, leaseUntil, now,
		queue, models.JobPending, now,
		models.JobPending,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lease job on %s", queue)
	}

	var job models.JobRecord
	if err := tx.GetContext(ctx, &job, tx.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id); err != nil {
		return nil, errors.Wrapf(err, "read leased job %s", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit lease")
	}
	return &job, nil
}

// CompleteJob marks a running job done.
func (db *DB) CompleteJob(ctx context.Context, id string, now time.Time) (bool, error) {
	return db.transitionJob(ctx, id, `status = ?, leased_until = NULL, error_message = NULL, updated_at = ?`,
		models.JobDone, now)
}

// RetryJob returns a running job to pending after a failed attempt.
func (db *DB) RetryJob(ctx context.Context, id string, availableAt time.Time, errMsg string, now time.Time) (bool, error) {
	return db.transitionJob(ctx, id, `status = ?, leased_until = NULL, available_at = ?, error_message = ?, updated_at = ?`,
		models.JobPending, availableAt, errMsg, now)
}

// ReleaseJob returns a running job to pending and gives back the attempt it
// consumed. Used when the job could not start.
func (db *DB) ReleaseJob(ctx context.Context, id string, availableAt, now time.Time) (bool, error) {
	return db.transitionJob(ctx, id, `status = ?, attempts = attempts - 1, leased_until = NULL, available_at = ?, updated_at = ?`,
		models.JobPending, availableAt, now)
}

// FailJob moves a running job to failed. Only one caller can win this
// transition, which is what makes the failure hook run exactly once.
func (db *DB) FailJob(ctx context.Context, id, errMsg string, now time.Time) (bool, error) {
	return db.transitionJob(ctx, id, `status = ?, leased_until = NULL, error_message = ?, updated_at = ?`,
		models.JobFailed, errMsg, now)
}

func (db *DB) transitionJob(ctx context.Context, id, set string, args ...any) (bool, error) {
	args = append(args, id, models.JobRunning)
	res, err := db.ExecContext(ctx, db.Rebind(`UPDATE jobs SET `+set+` WHERE id = ? AND status = ?`), args...)
	if err != nil {
		return false, errors.Wrapf(err, "update job %s", id)
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// ExpiredLeases lists running jobs whose lease ran out.
func (db *DB) ExpiredLeases(ctx context.Context, now time.Time) ([]models.JobRecord, error) {
	jobs := []models.JobRecord{}
	err := db.SelectContext(ctx, &jobs, db.Rebind(`
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND leased_until IS NOT NULL AND leased_until < ?
		ORDER BY leased_until`), models.JobRunning, now)
	if err != nil {
		return nil, errors.Wrap(err, "expired leases")
	}
	return jobs, nil
}

// GetJob loads one job.
func (db *DB) GetJob(ctx context.Context, id string) (*models.JobRecord, error) {
	var job models.JobRecord
	err := db.GetContext(ctx, &job, db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", id)
	}
	return &job, nil
}

// ListJobs returns jobs newest first.
func (db *DB) ListJobs(ctx context.Context, f JobFilter) ([]models.JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if f.Queue != "" {
		query += ` AND queue = ?`
		args = append(args, f.Queue)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.RunID != nil {
		query += ` AND run_id = ?`
		args = append(args, *f.RunID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOr(f.Limit, 100))

	jobs := []models.JobRecord{}
	if err := db.SelectContext(ctx, &jobs, db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	return jobs, nil
}

// QueueStats counts jobs per queue and status.
func (db *DB) QueueStats(ctx context.Context) ([]models.QueueStats, error) {
	type row struct {
		Queue   string           `db:"queue"`
		Status  models.JobStatus `db:"status"`
		N       int64            `db:"n"`
		Retried int64            `db:"retried"`
	}
	rows := []row{}
	err := db.SelectContext(ctx, &rows, `
		SELECT queue, status, COUNT(*) AS n, SUM(CASE WHEN attempts > 1 THEN 1 ELSE 0 END) AS retried
		FROM jobs GROUP BY queue, status ORDER BY queue`)
	if err != nil {
		return nil, errors.Wrap(err, "queue stats")
	}

	var out []models.QueueStats
	index := map[string]int{}
	for _, r := range rows {
		i, ok := index[r.Queue]
		if !ok {
			i = len(out)
			index[r.Queue] = i
			out = append(out, models.QueueStats{Queue: r.Queue})
		}
		s := &out[i].JobStats
		switch r.Status {
		case models.JobPending:
			s.Pending += r.N
		case models.JobRunning:
			s.Running += r.N
		case models.JobDone:
			s.Done += r.N
		case models.JobFailed:
			s.Failed += r.N
		}
		s.Retried += r.Retried
	}
	return out, nil
}

// JobStats totals QueueStats across queues.
func (db *DB) JobStats(ctx context.Context) (models.JobStats, error) {
	var total models.JobStats
	perQueue, err := db.QueueStats(ctx)
	if err != nil {
		return total, err
	}
	for _, q := range perQueue {
		total.Pending += q.Pending
		total.Running += q.Running
		total.Done += q.Done
		total.Failed += q.Failed
		total.Retried += q.Retried
	}
	return total, nil
}

// CountFailedJobsSince counts jobs that reached failed after since.
func (db *DB) CountFailedJobsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := db.GetContext(ctx, &n, db.Rebind(`SELECT COUNT(*) FROM jobs WHERE status = ? AND updated_at >= ?`),
		models.JobFailed, since)
	if err != nil {
		return 0, errors.Wrap(err, "count failed jobs")
	}
	return n, nil
}

// PurgeJobs removes finished jobs last touched before cutoff.
func (db *DB) PurgeJobs(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	return db.purge(ctx, "jobs", `status IN ('done', 'failed') AND updated_at < ?`, dryRun, cutoff)
}
