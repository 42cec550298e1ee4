package scheduler

import (
	"time"

	"listing-bot/internal/errors"
	"listing-bot/internal/logger"
	"listing-bot/internal/orchestrator"
)

// Disabled as a cadence override removes an operation from the schedule.
const Disabled = "off"

// DefaultEntries is the built-in cadence table. The health probe is not
// listed; it runs on its own ticker.
func DefaultEntries() []Entry {
	exclusive := Options{WithoutOverlapping: true, RunInBackground: true, EscalateOnFailure: true}
	return []Entry{
		{Operation: orchestrator.OpDailySummary, Cadence: DailyAt("08:00")},
		{Operation: orchestrator.OpExpiryWarning, Cadence: DailyAt("09:00")},
		{Operation: orchestrator.OpExpiryCritical, Cadence: DailyAt("09:30")},
		{Operation: orchestrator.OpPropertyCleanup, Cadence: DailyAt("02:00"), Options: exclusive},
		{Operation: orchestrator.OpWeeklyReport, Cadence: WeeklyOn(time.Monday, "06:00"), Options: exclusive},
		{Operation: orchestrator.OpSystemMaintenance, Cadence: WeeklyOn(time.Sunday, "03:00"), Options: Options{EscalateOnFailure: true}},
		{Operation: orchestrator.OpHealthCheck, Cadence: EveryHours(6)},
		{Operation: orchestrator.OpExpiredNotification, Cadence: DailyAt("10:00")},
		{Operation: orchestrator.OpAnalyticsProcess, Cadence: EveryHours(2)},
		{Operation: orchestrator.OpPriceAlerts, Cadence: "15 * * * *"},
	}
}

// ScheduleDefaults registers DefaultEntries, replacing cadences named in
// overrides. An override of Disabled drops the operation.
func (s *Scheduler) ScheduleDefaults(overrides map[string]string) error {
	known := map[string]bool{}
	var errs error
	for _, e := range DefaultEntries() {
		known[e.Operation] = true
		cadence := e.Cadence
		if o, ok := overrides[e.Operation]; ok {
			if o == Disabled {
				s.log.Info("Scheduled operation disabled by configuration", logger.String("operation", e.Operation))
				continue
			}
			cadence = Cadence(o)
		}
		errs = errors.Combine(errs, s.Schedule(e.Operation, cadence, e.Options))
	}
	for op := range overrides {
		if !known[op] {
			errs = errors.Combine(errs, errors.Newf("cadence override for unscheduled operation %q", op))
		}
	}
	return errs
}
