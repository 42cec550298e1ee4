package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"listing-bot/internal/errors"
	"listing-bot/internal/jobs"
	"listing-bot/internal/models"
	"listing-bot/internal/notify"
)

func (d Deps) dailySummary() *Operation {
	digest := func(ctx context.Context, rc *RunContext) (notify.DailyDigest, error) {
		return memo(rc, "digest", func() (notify.DailyDigest, error) {
			from, to := rc.Options.Date, rc.Options.Date.AddDate(0, 0, 1)
			props, err := d.DB.CountPropertiesCreated(ctx, from, to)
			if err != nil {
				return notify.DailyDigest{}, err
			}
			enquiries, err := d.DB.CountEnquiriesCreated(ctx, from, to)
			if err != nil {
				return notify.DailyDigest{}, err
			}
			users, err := d.DB.CountUsersCreated(ctx, from, to)
			if err != nil {
				return notify.DailyDigest{}, err
			}
			return notify.DailyDigest{
				Date:          rc.Options.DateString(),
				NewProperties: props,
				NewEnquiries:  enquiries,
				NewUsers:      users,
			}, nil
		})
	}
	recipients := func(ctx context.Context, rc *RunContext) ([]models.User, error) {
		return memo(rc, "recipients", func() ([]models.User, error) {
			return d.DB.DigestRecipients(ctx)
		})
	}

	return &Operation{
		Name:        OpDailySummary,
		Description: "Count the day's new listings, enquiries and users and mail the digest to admins",
		Steps: []Step{
			{Name: "collect-stats", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				dg, err := digest(ctx, rc)
				if err != nil {
					return nil, err
				}
				return Result{
					"date":           dg.Date,
					"new_properties": dg.NewProperties,
					"new_enquiries":  dg.NewEnquiries,
					"new_users":      dg.NewUsers,
				}, nil
			}},
			{Name: "resolve-recipients", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				users, err := recipients(ctx, rc)
				if err != nil {
					return nil, err
				}
				return Result{"recipients_count": len(users)}, nil
			}},
			{Name: "dispatch-digests", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				dg, err := digest(ctx, rc)
				if err != nil {
					return nil, err
				}
				users, err := recipients(ctx, rc)
				if err != nil {
					return nil, err
				}
				rc.Count("notifications_sent", 0)
				for _, u := range users {
					to := notify.RecipientFromUser(u)
					key := fmt.Sprintf("daily-digest-%s-%d", dg.Date, u.ID)
					d.send(ctx, rc, dg, to, key)
				}
				return nil, nil
			}},
		},
	}
}

// send delivers msg inline, queues it in queue mode, or does nothing in
// preview. Delivery failures are issues.
func (d Deps) send(ctx context.Context, rc *RunContext, msg notify.Message, to notify.Recipient, key string) {
	if rc.Options.Preview {
		return
	}
	if rc.Options.Queue {
		job, err := jobs.SendNotification(msg, to, key, nil)
		if err == nil {
			_, err = rc.Enqueue(ctx, job)
		}
		rc.Issue(err)
		return
	}
	res, err := d.Notifier.Dispatch(ctx, msg, to, notify.WithDedupeKey(key))
	if err != nil {
		rc.Failed(1)
		rc.Issue(errors.Wrapf(err, "%s to %s", msg.Type(), recipientKey(to)))
		return
	}
	rc.Processed(1)
	if !res.Duplicate {
		rc.Count("notifications_sent", 1)
	}
}

// expiryNotice covers expiry-warning and expiry-critical: listings whose
// expiry date is exactly date+days.
func (d Deps) expiryNotice(name string, kind notify.Type, defaultDays int) *Operation {
	find := func(ctx context.Context, rc *RunContext) ([]models.Property, error) {
		return memo(rc, "expiring", func() ([]models.Property, error) {
			target := rc.Options.Date.AddDate(0, 0, rc.Options.Int("days"))
			return d.DB.ActivePropertiesExpiringBetween(ctx, target, target.AddDate(0, 0, 1))
		})
	}

	return &Operation{
		Name:        name,
		Description: fmt.Sprintf("Send %s notices for listings expiring in a number of days", kind),
		Params: []Param{{
			Name: "days", Kind: ParamInt, Default: strconv.Itoa(defaultDays),
			Description: "days until expiry",
		}},
		Steps: []Step{
			{Name: "find-expiring", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				props, err := find(ctx, rc)
				if err != nil {
					return nil, err
				}
				target := rc.Options.Date.AddDate(0, 0, rc.Options.Int("days"))
				return Result{
					"days":           rc.Options.Int("days"),
					"target_date":    target.Format(time.DateOnly),
					"expiring_count": len(props),
				}, nil
			}},
			{Name: "notify-owners", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				props, err := find(ctx, rc)
				if err != nil {
					return nil, err
				}
				d.notifyOwners(ctx, rc, props, kind, rc.Options.Int("days"))
				return nil, nil
			}},
		},
	}
}

func (d Deps) expiredNotification() *Operation {
	find := func(ctx context.Context, rc *RunContext) ([]models.Property, error) {
		return memo(rc, "expired", func() ([]models.Property, error) {
			return d.DB.ExpiredPropertiesBetween(ctx, rc.Now.Add(-24*time.Hour), rc.Now)
		})
	}

	return &Operation{
		Name:        OpExpiredNotification,
		Description: "Tell owners whose listings expired in the last 24 hours",
		Steps: []Step{
			{Name: "find-expired", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				props, err := find(ctx, rc)
				if err != nil {
					return nil, err
				}
				return Result{"expired_count": len(props)}, nil
			}},
			{Name: "notify-owners", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				props, err := find(ctx, rc)
				if err != nil {
					return nil, err
				}
				d.notifyOwners(ctx, rc, props, notify.TypeExpired, 0)
				return nil, nil
			}},
		},
	}
}

func (d Deps) notifyOwners(ctx context.Context, rc *RunContext, props []models.Property, kind notify.Type, daysLeft int) {
	rc.Count("notifications_sent", 0)
	if rc.Options.Preview {
		return
	}
	for _, p := range props {
		payload := jobs.NotifyOwnerPayload{Type: kind, PropertyID: p.ID, Date: rc.Options.DateString(), DaysLeft: daysLeft}
		if rc.Options.Queue {
			_, err := rc.Enqueue(ctx, jobs.NotifyOwner(payload, nil))
			rc.Issue(err)
			continue
		}
		sent, err := d.Jobs.NotifyOwner(ctx, payload)
		if err != nil {
			rc.Failed(1)
			rc.Issue(errors.Wrapf(err, "property %d", p.ID))
			continue
		}
		rc.Processed(1)
		if sent {
			rc.Count("notifications_sent", 1)
		}
	}
}

func (d Deps) priceAlerts() *Operation {
	find := func(ctx context.Context, rc *RunContext) ([]models.Property, error) {
		return memo(rc, "drops", func() ([]models.Property, error) {
			return d.DB.PriceDrops(ctx, rc.Now.Add(-rc.Options.Duration("window")))
		})
	}

	return &Operation{
		Name:        OpPriceAlerts,
		Description: "Tell enquirers about recent price drops",
		Params: []Param{{
			Name: "window", Kind: ParamDuration, Default: "1h",
			Description: "how far back to look for price changes",
		}},
		Steps: []Step{
			{Name: "find-price-drops", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				drops, err := find(ctx, rc)
				if err != nil {
					return nil, err
				}
				return Result{"price_drops": len(drops)}, nil
			}},
			{Name: "dispatch-alerts", Run: func(ctx context.Context, rc *RunContext) (Result, error) {
				drops, err := find(ctx, rc)
				if err != nil {
					return nil, err
				}
				rc.Count("notifications_sent", 0)
				if rc.Options.Preview {
					return nil, nil
				}
				for _, p := range drops {
					if p.PreviousPrice == nil {
						continue
					}
					payload := jobs.PriceAlertPayload{PropertyID: p.ID, OldPrice: *p.PreviousPrice, NewPrice: p.Price}
					if rc.Options.Queue {
						_, err := rc.Enqueue(ctx, jobs.SendPriceAlert(payload, nil))
						rc.Issue(err)
						continue
					}
					n, err := d.Jobs.SendPriceAlerts(ctx, payload)
					rc.Count("notifications_sent", n)
					if err != nil {
						rc.Failed(1)
						rc.Issue(errors.Wrapf(err, "property %d", p.ID))
						continue
					}
					rc.Processed(1)
				}
				return nil, nil
			}},
		},
	}
}
