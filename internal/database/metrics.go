package database

import (
	"context"
	"database/sql"
	"time"

	"listing-bot/internal/errors"
	"listing-bot/internal/models"
)

const metricColumns = `id, metric, period, period_date, value, metadata, created_at, updated_at`

// UpsertMetric writes a point keyed by (metric, period, period_date).
// A second write for the same key replaces the value; it never adds a row.
func (db *DB) UpsertMetric(ctx context.Context, p models.MetricPoint, now time.Time) error {
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO metric_points (metric, period, period_date, value, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (metric, period, period_date)
		DO UPDATE SET value = excluded.value, metadata = excluded.metadata, updated_at = excluded.updated_at`),
		p.Metric, p.Period, p.PeriodDate, p.Value, p.Metadata, now, now,
	)
	if err != nil {
		return errors.Wrapf(err, "upsert metric %s/%s/%s", p.Metric, p.Period, p.PeriodDate)
	}
	return nil
}

// MetricValue returns the stored value and whether a point exists.
func (db *DB) MetricValue(ctx context.Context, metric string, period models.PeriodKind, date string) (float64, bool, error) {
	var v float64
	err := db.GetContext(ctx, &v, db.Rebind(`
		SELECT value FROM metric_points WHERE metric = ? AND period = ? AND period_date = ?`),
		metric, period, date)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "metric value %s/%s/%s", metric, period, date)
	}
	return v, true, nil
}

// MetricPoints lists every point stored for one period anchor.
func (db *DB) MetricPoints(ctx context.Context, period models.PeriodKind, date string) ([]models.MetricPoint, error) {
	points := []models.MetricPoint{}
	err := db.SelectContext(ctx, &points, db.Rebind(`
		SELECT `+metricColumns+` FROM metric_points
		WHERE period = ? AND period_date = ?
		ORDER BY metric`), period, date)
	if err != nil {
		return nil, errors.Wrap(err, "list metric points")
	}
	return points, nil
}

// CountMetricPoints counts rows for a metric across every period.
func (db *DB) CountMetricPoints(ctx context.Context, metric string) (int64, error) {
	var n int64
	if err := db.GetContext(ctx, &n, db.Rebind(`SELECT COUNT(*) FROM metric_points WHERE metric = ?`), metric); err != nil {
		return 0, errors.Wrap(err, "count metric points")
	}
	return n, nil
}

// PurgeMetricPoints removes points anchored before the given YYYY-MM-DD date.
func (db *DB) PurgeMetricPoints(ctx context.Context, beforeDate string, dryRun bool) (int64, error) {
	return db.purge(ctx, "metric_points", `period_date < ?`, dryRun, beforeDate)
}
