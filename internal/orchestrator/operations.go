package orchestrator

import (
	"listing-bot/internal/analytics"
	"listing-bot/internal/config"
	"listing-bot/internal/database"
	"listing-bot/internal/events"
	"listing-bot/internal/jobs"
	"listing-bot/internal/lock"
	"listing-bot/internal/notify"
)

// Operation names.
const (
	OpDailySummary         = "daily-summary"
	OpExpiryWarning        = "expiry-warning"
	OpExpiryCritical       = "expiry-critical"
	OpExpiredNotification  = "expired-notification"
	OpPropertyCleanup      = "property-cleanup"
	OpWeeklyReport         = "weekly-report"
	OpSystemMaintenance    = "system-maintenance"
	OpHealthCheck          = "health-check"
	OpAnalyticsProcess     = "analytics-process"
	OpPriceAlerts          = "price-alerts"
	OpSchedulerHealthProbe = "scheduler-health-probe"
)

// Deps are the collaborators the built-in operations use.
type Deps struct {
	DB        *database.DB
	Jobs      *jobs.Service
	Notifier  *notify.Dispatcher
	Analytics *analytics.Engine
	Locker    lock.Locker
	Events    events.Publisher

	Cleanup   config.CleanupConfig
	Health    config.HealthConfig
	Retention config.RetentionConfig
}

// DefaultOperations builds every built-in operation.
func DefaultOperations(d Deps) []*Operation {
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Cleanup.InactiveDays <= 0 {
		d.Cleanup.InactiveDays = 90
	}
	return []*Operation{
		d.dailySummary(),
		d.expiryNotice(OpExpiryWarning, notify.TypeExpiryWarning, 7),
		d.expiryNotice(OpExpiryCritical, notify.TypeExpiryCritical, 3),
		d.expiredNotification(),
		d.propertyCleanup(),
		d.weeklyReport(),
		d.systemMaintenance(),
		d.healthCheck(),
		d.analyticsProcess(),
		d.priceAlerts(),
		d.schedulerHealthProbe(),
	}
}

func recipientKey(r notify.Recipient) string {
	if r.ID != 0 {
		return itoa(r.ID)
	}
	return r.Email
}
