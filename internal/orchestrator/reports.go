package orchestrator

import (
	"context"
	"time"

	"listing-bot/internal/analytics"
	"listing-bot/internal/errors"
	"listing-bot/internal/jobs"
	"listing-bot/internal/models"
	"listing-bot/internal/notify"
)

const periodAll = "all"

func (d Deps) weeklyReport() *Operation {
	week := func(rc *RunContext) time.Time {
		return analytics.Anchor(models.PeriodWeekly, rc.Options.Date.AddDate(0, 0, -7))
	}
	report := func(ctx context.Context, rc *RunContext) (analytics.Report, error) {
		return memo(rc, "report", func() (analytics.Report, error) {
			if rc.Options.Preview {
				return d.Analytics.Preview(ctx, models.PeriodWeekly, week(rc))
			}
			return d.Analytics.Trends(ctx, models.PeriodWeekly, week(rc))
		})
	}

	return &Operation{
		Name:        OpWeeklyReport,
		Description: "Process last week's analytics and send the weekly report to operators",
		Steps: []Step{
			{Name: "process", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				anchor := week(rc)
				out := Result{"week_start": anchor.Format(analytics.DateLayout)}
				switch {
				case rc.Options.Queue:
					_, err := rc.Enqueue(ctx, jobs.RecomputeAnalytics(models.PeriodWeekly, anchor.Format(analytics.DateLayout), nil))
					return out, err
				case rc.Options.Preview:
					r, err := report(ctx, rc)
					if err != nil {
						return nil, err
					}
					out["metrics_count"] = len(r.Metrics)
					return out, nil
				}
				r, err := d.Analytics.Process(ctx, models.PeriodWeekly, anchor)
				if err != nil {
					return nil, err
				}
				rc.state["report"] = r
				rc.Processed(len(r.Metrics))
				out["metrics_count"] = len(r.Metrics)
				return out, nil
			}},
			{Name: "generate-report", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				r, err := report(ctx, rc)
				if err != nil {
					return nil, err
				}
				rc.Count("notifications_sent", 0)
				ops, err := d.Notifier.Operators(ctx)
				if err != nil {
					return nil, err
				}
				msg := notify.WeeklyReport{WeekStart: r.Anchor, Metrics: r.Metrics, Trends: r.Trends}
				for _, to := range ops {
					d.send(ctx, rc, msg, to, "weekly-report-"+r.Anchor+"-"+recipientKey(to))
				}
				return Result{"recipients_count": len(ops)}, nil
			}},
			{Name: "cleanup", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				if rc.Options.Preview {
					return nil, nil
				}
				current := analytics.Anchor(models.PeriodWeekly, rc.Options.Date)
				if err := d.Analytics.Invalidate(ctx, models.PeriodWeekly, current); err != nil {
					return nil, NewIssue("cleanup", errors.Wrap(err, "invalidate weekly cache"))
				}
				return Result{"cache_invalidated": current.Format(analytics.DateLayout)}, nil
			}},
		},
	}
}

func (d Deps) analyticsProcess() *Operation {
	kinds := func(rc *RunContext) []models.PeriodKind {
		if p := rc.Options.Value("period"); p != periodAll {
			return []models.PeriodKind{models.PeriodKind(p)}
		}
		return models.PeriodKinds
	}
	reports := func(rc *RunContext) map[models.PeriodKind]analytics.Report {
		m, _ := memo(rc, "reports", func() (map[models.PeriodKind]analytics.Report, error) {
			return map[models.PeriodKind]analytics.Report{}, nil
		})
		return m
	}

	choices := []string{periodAll}
	for _, k := range models.PeriodKinds {
		choices = append(choices, string(k))
	}

	return &Operation{
		Name:        OpAnalyticsProcess,
		Description: "Persist period metrics and compute their trends",
		Params: []Param{{
			Name: "period", Default: periodAll, Choices: choices,
			Description: "which period granularity to process",
		}},
		Steps: []Step{
			{Name: "process", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				done := reports(rc)
				periods := []string{}
				persisted := 0
				for _, kind := range kinds(rc) {
					anchor := analytics.Anchor(kind, rc.Options.Date)
					if rc.Options.Queue {
						_, err := rc.Enqueue(ctx, jobs.RecomputeAnalytics(kind, anchor.Format(analytics.DateLayout), nil))
						rc.Issue(err)
						continue
					}
					process := d.Analytics.Process
					if rc.Options.Preview {
						process = d.Analytics.Preview
					}
					r, err := process(ctx, kind, anchor)
					if err != nil {
						rc.Failed(1)
						rc.Issue(errors.Wrapf(err, "%s analytics", kind))
						continue
					}
					rc.Processed(1)
					done[kind] = r
					periods = append(periods, string(kind))
					if !rc.Options.Preview {
						persisted += len(r.Metrics)
					}
				}
				return Result{"periods_processed": periods, "metrics_persisted": persisted}, nil
			}},
			{Name: "generate", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				done := reports(rc)
				trends := map[string]map[string]analytics.TrendResult{}
				moving := 0
				for _, kind := range kinds(rc) {
					r, ok := done[kind]
					if !ok {
						if rc.Options.Queue {
							continue
						}
						var err error
						if r, err = d.Analytics.Trends(ctx, kind, analytics.Anchor(kind, rc.Options.Date)); err != nil {
							rc.Issue(errors.Wrapf(err, "%s trends", kind))
							continue
						}
					}
					trends[string(kind)] = r.Trends
					for _, t := range r.Trends {
						if t.Direction != analytics.Stable {
							moving++
						}
					}
				}
				return Result{"trends": trends, "moving_metrics": moving}, nil
			}},
			{Name: "cleanup", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				if d.Retention.MetricPoints <= 0 {
					return Result{"metric_points_purged": 0}, nil
				}
				before := rc.Now.Add(-d.Retention.MetricPoints).Format(analytics.DateLayout)
				n, err := d.DB.PurgeMetricPoints(ctx, before, rc.Options.Preview)
				if err != nil {
					return nil, NewIssue("cleanup", err)
				}
				return Result{"metric_points_purged": n}, nil
			}},
		},
	}
}
