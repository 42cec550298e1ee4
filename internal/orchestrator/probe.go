package orchestrator

import (
	"context"
	"fmt"
	"time"

	"listing-bot/internal/database"
	"listing-bot/internal/errors"
	"listing-bot/internal/events"
	"listing-bot/internal/models"
	"listing-bot/internal/notify"
)

// ProbeAlertLock rate-limits stalled-scheduler alerts to one per stale window.
const ProbeAlertLock = "probe-alert"

type probeState struct {
	latest *models.RunRecord
	stale  bool
}

func (d Deps) schedulerHealthProbe() *Operation {
	staleAfter := d.Health.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 2 * time.Hour
	}
	inspect := func(ctx context.Context, rc *RunContext) (probeState, error) {
		return memo(rc, "probe", func() (probeState, error) {
			latest, err := d.DB.LatestRun(ctx, d.Health.ProbePrefix, OpSchedulerHealthProbe)
			if errors.Is(err, database.ErrNotFound) {
				return probeState{stale: true}, nil
			}
			if err != nil {
				return probeState{}, err
			}
			return probeState{latest: latest, stale: rc.Now.Sub(latest.StartedAt) > staleAfter}, nil
		})
	}

	return &Operation{
		Name:        OpSchedulerHealthProbe,
		Description: "Escalate to operators when no scheduled operation has run recently",
		Steps: []Step{
			{Name: "inspect-runs", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				st, err := inspect(ctx, rc)
				if err != nil {
					return nil, err
				}
				out := Result{"stale": st.stale}
				data := map[string]any{"stale": st.stale}
				if st.latest != nil {
					out["latest_operation"] = st.latest.Operation
					out["latest_run_at"] = st.latest.StartedAt.UTC().Format(time.RFC3339)
					data["latest_operation"] = st.latest.Operation
				}
				d.Events.Publish(events.Event{Type: events.SchedulerProbeResult, At: rc.Now, Data: data})
				return out, nil
			}},
			{Name: "escalate", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				st, err := inspect(ctx, rc)
				if err != nil {
					return nil, err
				}
				if !st.stale || rc.Options.Preview {
					return Result{"alerted": false}, nil
				}
				// The lease is left to expire so the next alert waits a full window.
				_, ok, err := d.Locker.Acquire(ctx, ProbeAlertLock, staleAfter)
				if err != nil {
					return nil, errors.Wrap(err, "acquire probe alert lock")
				}
				if !ok {
					return Result{"alerted": false, "alert_suppressed": true}, nil
				}

				detail := fmt.Sprintf("No scheduled operation has run in the last %s.", staleAfter)
				if st.latest != nil {
					detail = fmt.Sprintf("Last run was %s at %s, more than %s ago.",
						st.latest.Operation, st.latest.StartedAt.UTC().Format(time.RFC3339), staleAfter)
				}
				alert := notify.BotAlert{
					Level:   models.SeverityCritical,
					Subject: "scheduler appears stalled",
					Detail:  detail,
					Context: map[string]any{"stale_after": staleAfter.String()},
				}
				sent, err := d.Notifier.AlertOperators(ctx, alert, "")
				if err != nil {
					return Result{"alerted": sent > 0, "alerts_sent": sent}, NewIssue("escalate", err)
				}
				return Result{"alerted": sent > 0, "alerts_sent": sent}, nil
			}},
		},
	}
}
