package orchestrator

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"listing-bot/internal/errors"
	"listing-bot/internal/jobs"
	"listing-bot/internal/models"
	"listing-bot/internal/notify"
	"listing-bot/internal/validation"
)

// validationLimit caps how many active listings one health check inspects.
const validationLimit = 500

func (d Deps) propertyCleanup() *Operation {
	cleanupJob := func(rc *RunContext) (int, string) {
		return rc.Options.Int("inactive_days"), rc.Options.DateString()
	}

	return &Operation{
		Name:        OpPropertyCleanup,
		Description: "Expire overdue listings and deactivate stale ones, notifying owners",
		Params: []Param{{
			Name: "inactive_days", Kind: ParamInt, Default: strconv.Itoa(d.Cleanup.InactiveDays),
			Description: "days without activity before an active listing is deactivated",
		}},
		Steps: []Step{
			{Name: "process-expired", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				rc.Count("expired_processed", 0)
				rc.Count("notifications_sent", 0)
				if rc.Options.Preview || rc.Options.Queue {
					overdue, err := d.DB.OverdueActiveProperties(ctx, rc.Now, 0)
					if err != nil {
						return nil, err
					}
					return d.deferCleanup(ctx, rc, "expired_candidates", len(overdue), cleanupJob)
				}
				res, err := d.Jobs.ExpireOverdue(ctx)
				rc.Count("expired_processed", res.ExpiredProcessed)
				rc.Count("notifications_sent", res.NotificationsSent)
				rc.Processed(res.ExpiredProcessed)
				rc.Failed(res.Failed)
				return nil, NewIssue("process-expired", err)
			}},
			{Name: "process-inactive", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				days := rc.Options.Int("inactive_days")
				rc.Count("inactive_processed", 0)
				rc.Count("notifications_sent", 0)
				if rc.Options.Preview || rc.Options.Queue {
					stale, err := d.DB.InactiveProperties(ctx, rc.Now.AddDate(0, 0, -days), rc.Now, 0)
					if err != nil {
						return nil, err
					}
					return d.deferCleanup(ctx, rc, "inactive_candidates", len(stale), cleanupJob)
				}
				res, err := d.Jobs.DeactivateInactive(ctx, days)
				rc.Count("inactive_processed", res.InactiveProcessed)
				rc.Count("notifications_sent", res.NotificationsSent)
				rc.Processed(res.InactiveProcessed)
				rc.Failed(res.Failed)
				return nil, NewIssue("process-inactive", err)
			}},
		},
	}
}

// deferCleanup handles preview and queue mode for property-cleanup. Both
// passes share one purge-expired-listings job, so the second enqueue
// coalesces into the first.
func (d Deps) deferCleanup(ctx context.Context, rc *RunContext, key string, n int, job func(*RunContext) (int, string)) (Result, error) {
	if rc.Options.Preview {
		return Result{key: n}, nil
	}
	if n == 0 {
		return nil, nil
	}
	days, date := job(rc)
	_, err := rc.Enqueue(ctx, jobs.PurgeExpiredListings(days, date, nil))
	return nil, err
}

func (d Deps) systemMaintenance() *Operation {
	purge := func(name, resultKey string, window time.Duration, fn func(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error)) Step {
		return Step{Name: name, Run: func(ctx context.Context, rc *RunContext) (Result, error) {
			removed, _ := memo(rc, "removed", func() (map[string]int64, error) { return map[string]int64{}, nil })
			if window <= 0 {
				return Result{resultKey: 0}, nil
			}
			n, err := fn(ctx, rc.Now.Add(-window), rc.Options.Preview)
			if err != nil {
				return nil, err
			}
			removed[strings.TrimSuffix(resultKey, "_purged")] = n
			rc.Processed(int(n))
			return Result{resultKey: n}, nil
		}}
	}

	return &Operation{
		Name:        OpSystemMaintenance,
		Description: "Purge run records, jobs and notifications past retention and announce the result",
		Steps: []Step{
			purge("purge-runs", "runs_purged", d.Retention.RunRecords, d.DB.PurgeRuns),
			purge("purge-jobs", "jobs_purged", d.Retention.Jobs, d.DB.PurgeJobs),
			purge("purge-notifications", "notifications_purged", d.Retention.Notifications, d.DB.PurgeNotifications),
			{Name: "announce", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				removed, _ := memo(rc, "removed", func() (map[string]int64, error) { return map[string]int64{}, nil })
				rc.Count("notifications_sent", 0)
				if rc.Options.Preview {
					return nil, nil
				}
				ops, err := d.Notifier.Operators(ctx)
				if err != nil {
					return nil, NewIssue("announce", err)
				}
				msg := notify.SystemMaintenance{Date: rc.Options.DateString(), Removed: removed}
				for _, to := range ops {
					d.send(ctx, rc, msg, to, "system-maintenance-"+msg.Date+"-"+recipientKey(to))
				}
				return Result{"recipients_count": len(ops)}, nil
			}},
		},
	}
}

func (d Deps) healthCheck() *Operation {
	problems := func(rc *RunContext) *[]string {
		p, _ := memo(rc, "problems", func() (*[]string, error) { return &[]string{}, nil })
		return p
	}
	staleRunAfter := d.Health.StaleRunAfter
	if staleRunAfter <= 0 {
		staleRunAfter = 6 * time.Hour
	}

	return &Operation{
		Name:        OpHealthCheck,
		Description: "Validate active listings, inspect queues and runs, and alert operators when unhealthy",
		Steps: []Step{
			{Name: "validate-entities", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				date := rc.Options.DateString()
				if rc.Options.Queue {
					_, err := rc.Enqueue(ctx, jobs.ValidateEntities(validation.KindProperty, date, nil))
					return nil, err
				}
				report, err := d.Jobs.ValidateEntities(ctx, validation.KindProperty, validationLimit)
				if err != nil {
					return nil, NewIssue("validate-entities", err)
				}
				rc.Processed(report.Checked)

				for _, id := range report.InvalidIDs() {
					_, err := rc.Enqueue(ctx, jobs.GenerateSuggestion(id, report.Invalid[id], date, nil))
					rc.Issue(err)
				}
				return Result{
					"entities_checked": report.Checked,
					"entities_invalid": len(report.Invalid),
				}, nil
			}},
			{Name: "check-queues", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				stats, err := d.DB.JobStats(ctx)
				if err != nil {
					return nil, err
				}
				failed, err := d.DB.CountFailedJobsSince(ctx, rc.Now.Add(-24*time.Hour))
				if err != nil {
					return nil, err
				}
				if failed > int64(d.Health.FailedJobThreshold) {
					p := problems(rc)
					*p = append(*p, strconv.FormatInt(failed, 10)+" jobs failed in the last 24h")
				}
				return Result{
					"pending_jobs":    stats.Pending,
					"running_jobs":    stats.Running,
					"failed_jobs_24h": failed,
				}, nil
			}},
			{Name: "check-runs", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				stale, err := d.DB.StaleRuns(ctx, rc.Now.Add(-staleRunAfter), rc.RunID)
				if err != nil {
					return nil, err
				}
				if len(stale) > 0 {
					names := make([]string, len(stale))
					for i, r := range stale {
						names[i] = r.Operation + "#" + itoa(r.ID)
					}
					p := problems(rc)
					*p = append(*p, "runs stuck in running: "+strings.Join(names, ", "))
				}
				return Result{"stale_runs": len(stale)}, nil
			}},
			{Name: "report", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				found := *problems(rc)
				out := Result{"healthy": len(found) == 0, "alerts_sent": 0}
				if len(found) > 0 {
					out["problems"] = found
				}
				if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
					out["memory_used_percent"] = math.Round(vm.UsedPercent*100) / 100
				}
				if len(found) == 0 || rc.Options.Preview {
					return out, nil
				}
				alert := notify.BotAlert{
					Level:   models.SeverityWarning,
					Subject: "health check found problems",
					Detail:  strings.Join(found, "; "),
					Context: map[string]any{"run_id": rc.RunID},
				}
				key := "health-check-" + rc.Now.Format("2006-01-02T15")
				sent, err := d.Notifier.AlertOperators(ctx, alert, key)
				out["alerts_sent"] = sent
				return out, NewIssue("report", errors.Wrap(err, "alert operators"))
			}},
		},
	}
}
