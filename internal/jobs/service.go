// Package jobs implements the bot's job kinds and the listing operations they
// share with the inline orchestrator steps.
package jobs

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"

	"listing-bot/internal/analytics"
	"listing-bot/internal/clock"
	"listing-bot/internal/database"
	"listing-bot/internal/errors"
	"listing-bot/internal/logger"
	"listing-bot/internal/models"
	"listing-bot/internal/notify"
	"listing-bot/internal/queue"
	"listing-bot/internal/validation"
)

// Service holds the listing operations run by job handlers and inline steps.
type Service struct {
	db        *database.DB
	queue     queue.Enqueuer
	notifier  *notify.Dispatcher
	analytics *analytics.Engine
	validator *validation.Engine
	clock     clock.Clock
	log       logger.Logger
}

// NewService wires a Service. q receives the follow-up jobs that handlers
// fan out, such as suggestions for invalid listings.
func NewService(db *database.DB, q queue.Enqueuer, notifier *notify.Dispatcher, engine *analytics.Engine, validator *validation.Engine, clk clock.Clock, log logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{db: db, queue: q, notifier: notifier, analytics: engine, validator: validator, clock: clk, log: log}
}

// Transition reports what a status change did.
type Transition struct {
	Changed  bool
	Notified bool
}

// CleanupResult counts a cleanup pass.
type CleanupResult struct {
	ExpiredProcessed  int `json:"expired_processed"`
	InactiveProcessed int `json:"inactive_processed"`
	NotificationsSent int `json:"notifications_sent"`
	Failed            int `json:"failed"`
}

func (r *CleanupResult) add(t Transition, err error) {
	if t.Notified {
		r.NotificationsSent++
	}
	if err != nil {
		r.Failed++
	}
}

// ExpireListing moves an overdue active listing to expired and tells its
// owner, in one transaction with the notification row.
func (s *Service) ExpireListing(ctx context.Context, p models.Property) (Transition, error) {
	expiredAt := s.clock.Now()
	if p.ExpiresAt != nil {
		expiredAt = *p.ExpiresAt
	}
	msg := notify.Expired{PropertyID: p.ID, Listing: p.Title, ExpiredAt: expiredAt}
	key := fmt.Sprintf("expired-%d-%s", p.ID, expiredAt.Format(time.DateOnly))
	return s.transition(ctx, p, models.PropertyActive, models.PropertyExpired, msg, key)
}

// DeactivateListing moves a stale active listing to inactive and tells its owner.
func (s *Service) DeactivateListing(ctx context.Context, p models.Property, inactiveDays int) (Transition, error) {
	msg := notify.ListingRemoved{
		PropertyID:   p.ID,
		Listing:      p.Title,
		Reason:       fmt.Sprintf("no activity for %d days", inactiveDays),
		InactiveDays: inactiveDays,
	}
	key := fmt.Sprintf("listing-removed-%d-%s", p.ID, s.clock.Now().Format(time.DateOnly))
	return s.transition(ctx, p, models.PropertyActive, models.PropertyInactive, msg, key)
}

// transition applies a guarded status change and writes the owner's
// notification in the same transaction, then delivers it. When the change was
// already applied by an earlier attempt whose delivery failed, the existing
// notification is delivered again.
func (s *Service) transition(ctx context.Context, p models.Property, from, to models.PropertyStatus, msg notify.Message, key string) (Transition, error) {
	rcpt, err := s.owner(ctx, p.OwnerID)
	if err != nil {
		return Transition{}, err
	}

	var pending *notify.Pending
	err = s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		changed, err := s.db.UpdatePropertyStatus(ctx, tx, p.ID, from, to, s.clock.Now())
		if err != nil || !changed {
			return err
		}
		pending, err = s.notifier.Prepare(ctx, tx, msg, rcpt, notify.WithDedupeKey(key))
		return err
	})
	if err != nil {
		return Transition{}, errors.Wrapf(err, "%s property %d", to, p.ID)
	}

	if pending == nil {
		return s.redeliver(ctx, msg, rcpt, key)
	}

	res, err := s.notifier.Deliver(ctx, pending)
	if err != nil {
		return Transition{Changed: true}, err
	}
	s.log.Info("property status changed",
		logger.Int64("property_id", p.ID),
		logger.String("from", string(from)),
		logger.String("to", string(to)),
	)
	return Transition{Changed: true, Notified: !res.Duplicate}, nil
}

func (s *Service) redeliver(ctx context.Context, msg notify.Message, rcpt notify.Recipient, key string) (Transition, error) {
	existing, err := s.db.NotificationByDedupeKey(ctx, s.db, key)
	if errors.Is(err, database.ErrNotFound) {
		return Transition{}, nil
	}
	if err != nil {
		return Transition{}, err
	}
	if existing.DeliveryStatus != models.DeliveryFailed {
		return Transition{}, nil
	}
	res, err := s.notifier.Dispatch(ctx, msg, rcpt, notify.WithDedupeKey(key))
	if err != nil {
		return Transition{}, err
	}
	return Transition{Notified: !res.Duplicate}, nil
}

func (s *Service) owner(ctx context.Context, ownerID int64) (notify.Recipient, error) {
	u, err := s.db.GetUser(ctx, ownerID)
	if errors.Is(err, database.ErrNotFound) {
		s.log.Warn("listing owner not found", logger.Int64("owner_id", ownerID))
		return notify.Recipient{ID: ownerID}, nil
	}
	if err != nil {
		return notify.Recipient{}, err
	}
	return notify.RecipientFromUser(*u), nil
}

// ExpireOverdue expires every active listing already past its expiry.
func (s *Service) ExpireOverdue(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	overdue, err := s.db.OverdueActiveProperties(ctx, s.clock.Now(), 0)
	if err != nil {
		return res, err
	}
	var errs error
	for _, p := range overdue {
		t, err := s.ExpireListing(ctx, p)
		if t.Changed {
			res.ExpiredProcessed++
		}
		res.add(t, err)
		errs = errors.Combine(errs, err)
	}
	return res, errs
}

// DeactivateInactive deactivates unexpired active listings with no activity
// for inactiveDays.
func (s *Service) DeactivateInactive(ctx context.Context, inactiveDays int) (CleanupResult, error) {
	var res CleanupResult
	now := s.clock.Now()
	stale, err := s.db.InactiveProperties(ctx, now.AddDate(0, 0, -inactiveDays), now, 0)
	if err != nil {
		return res, err
	}
	var errs error
	for _, p := range stale {
		t, err := s.DeactivateListing(ctx, p, inactiveDays)
		if t.Changed {
			res.InactiveProcessed++
		}
		res.add(t, err)
		errs = errors.Combine(errs, err)
	}
	return res, errs
}

// PurgeExpiredListings runs both cleanup passes.
func (s *Service) PurgeExpiredListings(ctx context.Context, p CleanupPayload) (CleanupResult, error) {
	expired, expErr := s.ExpireOverdue(ctx)
	inactive, inErr := s.DeactivateInactive(ctx, p.InactiveDays)
	res := CleanupResult{
		ExpiredProcessed:  expired.ExpiredProcessed,
		InactiveProcessed: inactive.InactiveProcessed,
		NotificationsSent: expired.NotificationsSent + inactive.NotificationsSent,
		Failed:            expired.Failed + inactive.Failed,
	}
	s.log.Info("listing cleanup finished",
		logger.Int("expired_processed", res.ExpiredProcessed),
		logger.Int("inactive_processed", res.InactiveProcessed),
		logger.Int("notifications_sent", res.NotificationsSent),
	)
	return res, errors.Combine(expErr, inErr)
}

// UpdateEntityStatus applies one guarded status change. Expiry and
// deactivation notify the owner; other targets change status only.
func (s *Service) UpdateEntityStatus(ctx context.Context, p StatusPayload) (Transition, error) {
	prop, err := s.db.GetProperty(ctx, s.db, p.PropertyID)
	if errors.Is(err, database.ErrNotFound) {
		return Transition{}, nil
	}
	if err != nil {
		return Transition{}, err
	}
	if prop.Status != p.From {
		return Transition{}, nil
	}

	switch {
	case p.From == models.PropertyActive && p.To == models.PropertyExpired:
		return s.ExpireListing(ctx, *prop)
	case p.From == models.PropertyActive && p.To == models.PropertyInactive:
		return s.DeactivateListing(ctx, *prop, p.InactiveDays)
	}
	changed, err := s.db.UpdatePropertyStatus(ctx, s.db, prop.ID, p.From, p.To, s.clock.Now())
	return Transition{Changed: changed}, err
}

// NotifyOwner sends an expiry notice for one listing. It returns false when
// the listing no longer qualifies or the notice was already sent.
func (s *Service) NotifyOwner(ctx context.Context, p NotifyOwnerPayload) (bool, error) {
	prop, err := s.db.GetProperty(ctx, s.db, p.PropertyID)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if prop.ExpiresAt == nil {
		return false, nil
	}

	var msg notify.Message
	switch p.Type {
	case notify.TypeExpiryWarning:
		msg = notify.ExpiryWarning{PropertyID: prop.ID, Listing: prop.Title, ExpiresAt: *prop.ExpiresAt, DaysLeft: p.DaysLeft}
	case notify.TypeExpiryCritical:
		msg = notify.ExpiryCritical{PropertyID: prop.ID, Listing: prop.Title, ExpiresAt: *prop.ExpiresAt, DaysLeft: p.DaysLeft}
	case notify.TypeExpired:
		msg = notify.Expired{PropertyID: prop.ID, Listing: prop.Title, ExpiredAt: *prop.ExpiresAt}
	default:
		return false, errors.Newf("notify-owner does not send %s", p.Type)
	}

	want := models.PropertyActive
	if p.Type == notify.TypeExpired {
		want = models.PropertyExpired
	}
	if prop.Status != want {
		s.log.Debug("listing no longer qualifies for notice",
			logger.Int64("property_id", prop.ID),
			logger.String("status", string(prop.Status)),
			logger.String("type", string(p.Type)),
		)
		return false, nil
	}

	rcpt, err := s.owner(ctx, prop.OwnerID)
	if err != nil {
		return false, err
	}
	res, err := s.notifier.Dispatch(ctx, msg, rcpt, notify.WithDedupeKey(NotifyOwnerKey(p.Type, prop.ID, p.Date)))
	if err != nil {
		return false, err
	}
	return !res.Duplicate, nil
}

// SendPriceAlerts tells every distinct enquirer about a price drop and returns
// how many were newly notified.
func (s *Service) SendPriceAlerts(ctx context.Context, p PriceAlertPayload) (int, error) {
	prop, err := s.db.GetProperty(ctx, s.db, p.PropertyID)
	if errors.Is(err, database.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	enquirers, err := s.db.Enquirers(ctx, prop.ID)
	if err != nil {
		return 0, err
	}

	msg := notify.PriceChange{
		PropertyID:    prop.ID,
		Listing:       prop.Title,
		OldPrice:      p.OldPrice,
		NewPrice:      p.NewPrice,
		ChangePercent: analytics.Trend(p.NewPrice, p.OldPrice).ChangePercent,
	}
	var (
		sent int
		errs error
	)
	for _, u := range enquirers {
		if u.ID == prop.OwnerID {
			continue
		}
		key := fmt.Sprintf("price-change-%d-%s-%d", prop.ID, formatPrice(p.NewPrice), u.ID)
		res, err := s.notifier.Dispatch(ctx, msg, notify.RecipientFromUser(u), notify.WithDedupeKey(key))
		if err != nil {
			errs = errors.Combine(errs, err)
			continue
		}
		if !res.Duplicate {
			sent++
		}
	}
	return sent, errs
}

var suggestions = map[string]string{
	"active listing has no expiry date":               "Set an expiry date so buyers know the listing is current.",
	"active listing has no price":                     "Add an asking price; listings without one get fewer enquiries.",
	"description is too short for an active listing":  "Write a fuller description covering rooms, location and condition.",
	"price changed but previous price is missing":     "Re-save the price so the change history is complete.",
	"status is active but expiry date is in the past": "Renew the listing or mark it as no longer available.",
}

// SuggestImprovements sends the owner suggestions for the listing's issues.
func (s *Service) SuggestImprovements(ctx context.Context, p SuggestionPayload) (bool, error) {
	prop, err := s.db.GetProperty(ctx, s.db, p.PropertyID)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	tips := make([]string, 0, len(p.Issues))
	for _, issue := range p.Issues {
		if tip, ok := suggestions[issue]; ok {
			tips = append(tips, tip)
			continue
		}
		tips = append(tips, "Review: "+issue)
	}
	if len(tips) == 0 {
		return false, nil
	}

	rcpt, err := s.owner(ctx, prop.OwnerID)
	if err != nil {
		return false, err
	}
	msg := notify.ListingSuggestion{PropertyID: prop.ID, Listing: prop.Title, Suggestions: tips}
	res, err := s.notifier.Dispatch(ctx, msg, rcpt, notify.WithDedupeKey(GenerateSuggestionKey(prop.ID, p.Date)))
	if err != nil {
		return false, err
	}
	return !res.Duplicate, nil
}

// ValidationReport lists the invalid entities of one kind.
type ValidationReport struct {
	Kind    validation.EntityKind `json:"kind"`
	Checked int                   `json:"checked"`
	Invalid map[int64][]string    `json:"invalid"`
}

// InvalidIDs returns the invalid entity ids in ascending order.
func (r ValidationReport) InvalidIDs() []int64 {
	ids := make([]int64, 0, len(r.Invalid))
	for id := range r.Invalid {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// EnqueueSuggestions queues a generate-suggestion job for every invalid
// listing in report and returns how many were newly created. Reports for
// other entity kinds produce no jobs.
func (s *Service) EnqueueSuggestions(ctx context.Context, report ValidationReport, date string, runID *int64) (int, error) {
	if report.Kind != validation.KindProperty || len(report.Invalid) == 0 {
		return 0, nil
	}
	if s.queue == nil {
		return 0, errors.New("no job queue configured for suggestions")
	}
	created := 0
	var errs error
	for _, id := range report.InvalidIDs() {
		_, ok, err := s.queue.Enqueue(ctx, GenerateSuggestion(id, report.Invalid[id], date, runID))
		if err != nil {
			errs = errors.Combine(errs, errors.Wrapf(err, "enqueue suggestion for property %d", id))
			continue
		}
		if ok {
			created++
		}
	}
	return created, errs
}

// ValidateEntities runs the validation engine over active listings, users, or
// the last 30 days of enquiries.
func (s *Service) ValidateEntities(ctx context.Context, kind validation.EntityKind, limit int) (ValidationReport, error) {
	report := ValidationReport{Kind: kind, Invalid: map[int64][]string{}}
	check := func(id int64, snapshot any) {
		report.Checked++
		if issues := s.validator.Validate(kind, snapshot); len(issues) > 0 {
			report.Invalid[id] = issues
		}
	}

	switch kind {
	case validation.KindProperty:
		props, err := s.db.ActiveProperties(ctx, limit)
		if err != nil {
			return report, err
		}
		for _, p := range props {
			check(p.ID, p)
		}
	case validation.KindUser:
		users, err := s.db.Users(ctx, limit)
		if err != nil {
			return report, err
		}
		for _, u := range users {
			check(u.ID, u)
		}
	case validation.KindEnquiry:
		enquiries, err := s.db.RecentEnquiries(ctx, s.clock.Now().AddDate(0, 0, -30), limit)
		if err != nil {
			return report, err
		}
		for _, e := range enquiries {
			check(e.ID, e)
		}
	default:
		return report, errors.Newf("unknown entity kind %q", kind)
	}
	return report, nil
}

// RecomputeAnalytics processes one analytics period.
func (s *Service) RecomputeAnalytics(ctx context.Context, p AnalyticsPayload) (analytics.Report, error) {
	anchor, err := time.Parse(time.DateOnly, p.Date)
	if err != nil {
		return analytics.Report{}, errors.Wrapf(err, "analytics date %q", p.Date)
	}
	return s.analytics.Process(ctx, p.Period, anchor)
}

// SendNotification decodes and dispatches a queued notification.
func (s *Service) SendNotification(ctx context.Context, p NotificationPayload) (notify.DeliveryResult, error) {
	msg, err := notify.Decode(p.Type, p.Message)
	if err != nil {
		return notify.DeliveryResult{}, err
	}
	var opts []notify.DispatchOption
	if p.DedupeKey != "" {
		opts = append(opts, notify.WithDedupeKey(p.DedupeKey))
	}
	return s.notifier.Dispatch(ctx, msg, p.Recipient, opts...)
}

// AlertOperators forwards a bot alert to every operator.
func (s *Service) AlertOperators(ctx context.Context, alert notify.BotAlert, dedupeKey string) (int, error) {
	return s.notifier.AlertOperators(ctx, alert, dedupeKey)
}
