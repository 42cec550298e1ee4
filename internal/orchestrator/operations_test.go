package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-bot/internal/events"
	"listing-bot/internal/jobs"
	"listing-bot/internal/models"
	"listing-bot/internal/orchestrator"
	dbtest "listing-bot/internal/testutil"
)

func TestExpiryWarning_NotifiesExactDayOnce(t *testing.T) {
	e := newEnv(t)
	owner := dbtest.User(t, e.db, models.User{Email: "owner@example.com", Active: true})
	due := dbtest.Property(t, e.db, models.Property{OwnerID: owner.ID, ExpiresAt: dbtest.TimePtr(dbtest.Epoch.AddDate(0, 0, 7))})
	dbtest.Property(t, e.db, models.Property{OwnerID: owner.ID, ExpiresAt: dbtest.TimePtr(dbtest.Epoch.AddDate(0, 0, 6))})

	run := e.run(t, orchestrator.OpExpiryWarning, nil)
	assert.EqualValues(t, 1, run.Result["expiring_count"])
	assert.Equal(t, "2026-03-25", run.Result["target_date"])
	assert.EqualValues(t, 1, run.Result["notifications_sent"])
	assert.Equal(t, 1, dbtest.Count(t, e.db, `SELECT COUNT(*) FROM notifications WHERE type = ? AND dedupe_key = ?`,
		"expiry_warning", jobs.NotifyOwnerKey("expiry_warning", due.ID, "2026-03-18")))

	again := e.run(t, orchestrator.OpExpiryWarning, nil)
	assert.EqualValues(t, 0, again.Result["notifications_sent"])
	assert.Equal(t, 1, e.mail.count())

	critical := e.run(t, orchestrator.OpExpiryCritical, map[string]string{"days": "6"})
	assert.EqualValues(t, 1, critical.Result["notifications_sent"])
	assert.Equal(t, 1, dbtest.Count(t, e.db, `SELECT COUNT(*) FROM notifications WHERE type = ? AND severity = ?`,
		"expiry_critical", models.SeverityCritical))
}

func TestExpiryWarning_QueueModeEnqueuesNotifyOwner(t *testing.T) {
	e := newEnv(t)
	owner := dbtest.User(t, e.db, models.User{Active: true})
	dbtest.Property(t, e.db, models.Property{OwnerID: owner.ID, ExpiresAt: dbtest.TimePtr(dbtest.Epoch.AddDate(0, 0, 7))})

	run := e.run(t, orchestrator.OpExpiryWarning, map[string]string{"queue": "true"})
	assert.EqualValues(t, 1, run.Result["jobs_dispatched"])
	assert.Equal(t, 1, dbtest.Count(t, e.db, `SELECT COUNT(*) FROM jobs WHERE kind = ?`, jobs.KindNotifyOwner))
	assert.Equal(t, 0, dbtest.Count(t, e.db, `SELECT COUNT(*) FROM notifications`))
}

func TestExpiredNotification_LastDayOnly(t *testing.T) {
	e := newEnv(t)
	owner := dbtest.User(t, e.db, models.User{Email: "owner@example.com", Active: true})
	dbtest.Property(t, e.db, models.Property{OwnerID: owner.ID, Status: models.PropertyExpired,
		ExpiresAt: dbtest.TimePtr(dbtest.Epoch.Add(-3 * time.Hour))})
	dbtest.Property(t, e.db, models.Property{OwnerID: owner.ID, Status: models.PropertyExpired,
		ExpiresAt: dbtest.TimePtr(dbtest.Epoch.AddDate(0, 0, -3))})

	run := e.run(t, orchestrator.OpExpiredNotification, nil)
	assert.EqualValues(t, 1, run.Result["expired_count"])
	assert.EqualValues(t, 1, run.Result["notifications_sent"])
	assert.Equal(t, 1, dbtest.Count(t, e.db, `SELECT COUNT(*) FROM notifications WHERE type = ?`, "expired"))
}

func TestSchedulerHealthProbe_EscalatesOncePerWindow(t *testing.T) {
	e := newEnv(t)
	dbtest.Admin(t, e.db, "ops@example.com")
	alerts := func() int {
		return dbtest.Count(t, e.db, `SELECT COUNT(*) FROM notifications WHERE type = ? AND severity = ?`,
			"bot_alert", models.SeverityCritical)
	}

	first := e.run(t, orchestrator.OpSchedulerHealthProbe, nil)
	assert.Equal(t, true, first.Result["stale"])
	assert.Equal(t, true, first.Result["alerted"])
	assert.Equal(t, 1, alerts())
	assert.Contains(t, e.feed.types(), events.SchedulerProbeResult)

	e.clock.Advance(5 * time.Minute)
	second := e.run(t, orchestrator.OpSchedulerHealthProbe, nil)
	assert.Equal(t, true, second.Result["stale"])
	assert.Equal(t, false, second.Result["alerted"])
	assert.Equal(t, true, second.Result["alert_suppressed"])
	assert.Equal(t, 1, alerts())

	e.clock.Advance(2 * time.Hour)
	e.run(t, orchestrator.OpSchedulerHealthProbe, nil)
	assert.Equal(t, 2, alerts())

	e.run(t, orchestrator.OpDailySummary, nil)
	e.clock.Advance(time.Minute)
	healthy := e.run(t, orchestrator.OpSchedulerHealthProbe, nil)
	assert.Equal(t, false, healthy.Result["stale"])
	assert.Equal(t, orchestrator.OpDailySummary, healthy.Result["latest_operation"])
	assert.Equal(t, 2, alerts())
}

func TestSystemMaintenance_PurgesAndAnnounces(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	dbtest.Admin(t, e.db, "ops@example.com")

	old := dbtest.Epoch.AddDate(0, 0, -60)
	id, err := e.db.CreateRun(ctx, orchestrator.OpDailySummary, nil, old)
	require.NoError(t, err)
	require.NoError(t, e.db.FinishRun(ctx, id, models.RunCompletion{Status: models.RunCompleted, CompletedAt: old}))

	preview := e.run(t, orchestrator.OpSystemMaintenance, map[string]string{"preview": "true"})
	assert.EqualValues(t, 1, preview.Result["runs_purged"])
	assert.Equal(t, 2, dbtest.Count(t, e.db, `SELECT COUNT(*) FROM run_records`))

	run := e.run(t, orchestrator.OpSystemMaintenance, nil)
	assert.EqualValues(t, 1, run.Result["runs_purged"])
	assert.EqualValues(t, 0, run.Result["jobs_purged"])
	assert.EqualValues(t, 1, run.Result["recipients_count"])
	assert.Equal(t, 1, dbtest.Count(t, e.db, `SELECT COUNT(*) FROM notifications WHERE type = ? AND channels = ?`,
		"system_maintenance", `["database"]`))
	assert.Equal(t, 0, e.mail.count())
}

func TestHealthCheck_ReportsProblemsAndQueuesSuggestions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	dbtest.Admin(t, e.db, "ops@example.com")
	owner := dbtest.User(t, e.db, models.User{Active: true})
	good := dbtest.Property(t, e.db, models.Property{
		OwnerID:     owner.ID,
		Description: "Bright two bedroom flat close to the station with a large garden and parking.",
		ExpiresAt:   dbtest.TimePtr(dbtest.Epoch.AddDate(0, 1, 0)),
	})
	bad := dbtest.Property(t, e.db, models.Property{OwnerID: owner.ID})

	_, err := e.db.CreateRun(ctx, orchestrator.OpWeeklyReport, nil, dbtest.Epoch.Add(-8*time.Hour))
	require.NoError(t, err)

	run := e.run(t, orchestrator.OpHealthCheck, nil)
	assert.EqualValues(t, 2, run.Result["entities_checked"])
	assert.EqualValues(t, 1, run.Result["entities_invalid"])
	assert.EqualValues(t, 1, run.Result["stale_runs"])
	assert.Equal(t, false, run.Result["healthy"])
	assert.EqualValues(t, 1, run.Result["alerts_sent"])

	assert.Equal(t, 1, dbtest.Count(t, e.db, `SELECT COUNT(*) FROM jobs WHERE kind = ? AND dedupe_key = ?`,
		jobs.KindGenerateSuggestion, jobs.GenerateSuggestionKey(bad.ID, "2026-03-18")))
	assert.Equal(t, 0, dbtest.Count(t, e.db, `SELECT COUNT(*) FROM jobs WHERE dedupe_key = ?`,
		jobs.GenerateSuggestionKey(good.ID, "2026-03-18")))
	assert.Equal(t, 1, dbtest.Count(t, e.db, `SELECT COUNT(*) FROM notifications WHERE type = ?`, "bot_alert"))

	// The same hour's alert is deduplicated.
	e.run(t, orchestrator.OpHealthCheck, nil)
	assert.Equal(t, 1, dbtest.Count(t, e.db, `SELECT COUNT(*) FROM notifications WHERE type = ?`, "bot_alert"))
}

func TestAnalyticsProcess_PersistsSelectedPeriods(t *testing.T) {
	e := newEnv(t)
	owner := dbtest.User(t, e.db, models.User{Active: true})
	dbtest.Property(t, e.db, models.Property{OwnerID: owner.ID, CreatedAt: dbtest.Epoch.Add(-time.Hour)})

	daily := e.run(t, orchestrator.OpAnalyticsProcess, map[string]string{"period": "daily"})
	assert.Equal(t, []any{"daily"}, daily.Result["periods_processed"])
	assert.Zero(t, dbtest.Count(t, e.db, `SELECT COUNT(*) FROM metric_points WHERE period <> ?`, models.PeriodDaily))
	assert.Positive(t, dbtest.Count(t, e.db, `SELECT COUNT(*) FROM metric_points WHERE period = ?`, models.PeriodDaily))

	all := e.run(t, orchestrator.OpAnalyticsProcess, nil)
	assert.Equal(t, []any{"daily", "weekly", "monthly"}, all.Result["periods_processed"])
	trends, ok := all.Result["trends"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, trends, 3)
	assert.Equal(t, 3, all.ProcessedItems)
}

func TestWeeklyReport_SendsLastWeekToOperators(t *testing.T) {
	e := newEnv(t)
	dbtest.Admin(t, e.db, "ops@example.com")

	run := e.run(t, orchestrator.OpWeeklyReport, nil)
	assert.Equal(t, "2026-03-09", run.Result["week_start"])
	assert.EqualValues(t, 1, run.Result["notifications_sent"])
	assert.Equal(t, "2026-03-16", run.Result["cache_invalidated"])
	assert.Equal(t, 1, dbtest.Count(t, e.db, `SELECT COUNT(*) FROM notifications WHERE type = ? AND dedupe_key LIKE ?`,
		"weekly_report", "weekly-report-2026-03-09-%"))
	assert.Positive(t, dbtest.Count(t, e.db, `SELECT COUNT(*) FROM metric_points WHERE period = ? AND period_date = ?`,
		models.PeriodWeekly, "2026-03-09"))
}

func TestPriceAlerts_NotifiesEnquirers(t *testing.T) {
	e := newEnv(t)
	owner := dbtest.User(t, e.db, models.User{Email: "owner@example.com", Active: true})
	buyer := dbtest.User(t, e.db, models.User{Email: "buyer@example.com", Active: true})
	prev := 300000.0
	p := dbtest.Property(t, e.db, models.Property{
		OwnerID:        owner.ID,
		PreviousPrice:  &prev,
		PriceChangedAt: dbtest.TimePtr(dbtest.Epoch.Add(-30 * time.Minute)),
	})
	dbtest.Enquiry(t, e.db, models.Enquiry{PropertyID: p.ID, UserID: buyer.ID})

	run := e.run(t, orchestrator.OpPriceAlerts, nil)
	assert.EqualValues(t, 1, run.Result["price_drops"])
	assert.EqualValues(t, 1, run.Result["notifications_sent"])

	narrow := e.run(t, orchestrator.OpPriceAlerts, map[string]string{"window": "10m"})
	assert.EqualValues(t, 0, narrow.Result["price_drops"])
}
