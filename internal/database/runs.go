package database

import (
	"context"
	"database/sql"
	"time"

	"listing-bot/internal/errors"
	"listing-bot/internal/models"
)

const runColumns = `id, operation, status, started_at, completed_at, parameters, result, error_message,
	execution_time_ms, memory_usage_bytes, processed_items, failed_items, created_at`

// RunFilter narrows ListRuns.
type RunFilter struct {
	Operation string
	Status    models.RunStatus
	Limit     int
}

// CreateRun inserts a running RunRecord and returns its id.
func (db *DB) CreateRun(ctx context.Context, operation string, params models.JSONMap, startedAt time.Time) (int64, error) {
	if params == nil {
		params = models.JSONMap{}
	}
	var id int64
	err := db.QueryRowxContext(ctx, db.Rebind(`
		INSERT INTO run_records (operation, status, started_at, parameters, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`),
		operation, models.RunRunning, startedAt, params, startedAt,
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrapf(err, "create run for %s", operation)
	}
	return id, nil
}

// FinishRun applies the single terminal update. It fails with ErrRunNotRunning
// when the run is already terminal, so a RunRecord can never be closed twice.
func (db *DB) FinishRun(ctx context.Context, id int64, c models.RunCompletion) error {
	if c.Status != models.RunCompleted && c.Status != models.RunFailed {
		return errors.Newf("finish run %d: %q is not a terminal status", id, c.Status)
	}
	var result models.JSONMap
	if c.Status == models.RunCompleted {
		result = c.Result
		if result == nil {
			result = models.JSONMap{}
		}
	}

	res, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE run_records
		SET status = ?, completed_at = ?, result = ?, error_message = ?,
		    execution_time_ms = ?, memory_usage_bytes = ?, processed_items = ?, failed_items = ?
		WHERE id = ? AND status = ?`),
		c.Status, c.CompletedAt, result, nullString(c.ErrorMessage),
		c.ExecutionTimeMs, c.MemoryUsageBytes, c.ProcessedItems, c.FailedItems,
		id, models.RunRunning,
	)
	if err != nil {
		return errors.Wrapf(err, "finish run %d", id)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.WithDetailf(ErrRunNotRunning, "run %d", id)
	}
	return nil
}

// GetRun loads one RunRecord.
func (db *DB) GetRun(ctx context.Context, id int64) (*models.RunRecord, error) {
	var run models.RunRecord
	err := db.GetContext(ctx, &run, db.Rebind(`SELECT `+runColumns+` FROM run_records WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get run %d", id)
	}
	return &run, nil
}

// ListRuns returns runs newest first.
func (db *DB) ListRuns(ctx context.Context, f RunFilter) ([]models.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM run_records WHERE 1=1`
	var args []any
	if f.Operation != "" {
		query += ` AND operation = ?`
		args = append(args, f.Operation)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limitOr(f.Limit, 100))

	runs := []models.RunRecord{}
	if err := db.SelectContext(ctx, &runs, db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	return runs, nil
}

// LatestRun returns the most recent run whose operation starts with prefix,
// ignoring runs of exclude. ErrNotFound when nothing matches.
func (db *DB) LatestRun(ctx context.Context, prefix, exclude string) (*models.RunRecord, error) {
	var run models.RunRecord
	err := db.GetContext(ctx, &run, db.Rebind(`
		SELECT `+runColumns+` FROM run_records
		WHERE operation LIKE ? AND operation <> ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`), prefix+"%", exclude)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "latest run")
	}
	return &run, nil
}

// CountRuns counts runs of operation, optionally limited to one status.
func (db *DB) CountRuns(ctx context.Context, operation string, status models.RunStatus) (int64, error) {
	query := `SELECT COUNT(*) FROM run_records WHERE operation = ?`
	args := []any{operation}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	var n int64
	if err := db.GetContext(ctx, &n, db.Rebind(query), args...); err != nil {
		return 0, errors.Wrap(err, "count runs")
	}
	return n, nil
}

// StaleRuns lists runs still running that started before cutoff.
func (db *DB) StaleRuns(ctx context.Context, cutoff time.Time, excludeID int64) ([]models.RunRecord, error) {
	runs := []models.RunRecord{}
	err := db.SelectContext(ctx, &runs, db.Rebind(`
		SELECT `+runColumns+` FROM run_records
		WHERE status = ? AND started_at < ? AND id <> ?
		ORDER BY started_at`), models.RunRunning, cutoff, excludeID)
	if err != nil {
		return nil, errors.Wrap(err, "stale runs")
	}
	return runs, nil
}

// PurgeRuns deletes terminal runs created before cutoff. With dryRun it only counts them.
func (db *DB) PurgeRuns(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	return db.purge(ctx, "run_records", `status <> 'running' AND created_at < ?`, dryRun, cutoff)
}

func (db *DB) purge(ctx context.Context, table, where string, dryRun bool, args ...any) (int64, error) {
	if dryRun {
		var n int64
		if err := db.GetContext(ctx, &n, db.Rebind(`SELECT COUNT(*) FROM `+table+` WHERE `+where), args...); err != nil {
			return 0, errors.Wrapf(err, "count purgeable %s", table)
		}
		return n, nil
	}
	res, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM `+table+` WHERE `+where), args...)
	if err != nil {
		return 0, errors.Wrapf(err, "purge %s", table)
	}
	return rowsAffected(res)
}
