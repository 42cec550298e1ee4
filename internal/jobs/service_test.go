package jobs_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-bot/internal/analytics"
	"listing-bot/internal/clock"
	"listing-bot/internal/database"
	"listing-bot/internal/errors"
	"listing-bot/internal/jobs"
	"listing-bot/internal/models"
	"listing-bot/internal/notify"
	"listing-bot/internal/queue"
	dbtest "listing-bot/internal/testutil"
	"listing-bot/internal/validation"
)

type mailbox struct {
	mu   sync.Mutex
	sent []notify.Mail
	fail error
}

func (m *mailbox) Send(_ context.Context, mail notify.Mail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, mail)
	return nil
}

func (m *mailbox) to(addr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mail := range m.sent {
		if mail.To == addr {
			n++
		}
	}
	return n
}

type env struct {
	db    *database.DB
	clock *clock.Fake
	mail  *mailbox
	svc   *jobs.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := dbtest.NewDB(t)
	clk := clock.NewFake(dbtest.Epoch)
	mail := &mailbox{}
	dispatcher := notify.New(db, clk, notify.WithMailer(mail))
	svc := jobs.NewService(db, queue.New(db, clk), dispatcher, analytics.New(db, clk), validation.New(clk), clk, nil)
	return &env{db: db, clock: clk, mail: mail, svc: svc}
}

func (e *env) status(t *testing.T, id int64) models.PropertyStatus {
	t.Helper()
	p, err := e.db.GetProperty(context.Background(), e.db, id)
	require.NoError(t, err)
	return p.Status
}

func TestPurgeExpiredListings_CleanupScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := dbtest.User(t, e.db, models.User{Email: "owner@example.com", Active: true})
	now := dbtest.Epoch

	overdue1 := dbtest.Property(t, e.db, models.Property{OwnerID: owner.ID, ExpiresAt: dbtest.TimePtr(now.Add(-2 * time.Hour))})
	overdue2 := dbtest.Property(t, e.db, models.Property{OwnerID: owner.ID, ExpiresAt: dbtest.TimePtr(now.AddDate(0, 0, -3))})
	stale := dbtest.Property(t, e.db, models.Property{
		OwnerID: owner.ID, ExpiresAt: dbtest.TimePtr(now.AddDate(0, 1, 0)), LastActivityAt: now.AddDate(0, 0, -120),
	})
	fresh := dbtest.Property(t, e.db, models.Property{OwnerID: owner.ID, ExpiresAt: dbtest.TimePtr(now.AddDate(0, 1, 0))})

	res, err := e.svc.PurgeExpiredListings(ctx, jobs.CleanupPayload{InactiveDays: 90, Date: "2026-03-18"})
	require.NoError(t, err)
	assert.Equal(t, jobs.CleanupResult{ExpiredProcessed: 2, InactiveProcessed: 1, NotificationsSent: 3}, res)

	assert.Equal(t, models.PropertyExpired, e.status(t, overdue1.ID))
	assert.Equal(t, models.PropertyExpired, e.status(t, overdue2.ID))
	assert.Equal(t, models.PropertyInactive, e.status(t, stale.ID))
	assert.Equal(t, models.PropertyActive, e.status(t, fresh.ID))
	assert.Equal(t, 2, dbtest.Count(t, e.db, `SELECT COUNT(*) FROM notifications WHERE type = 'expired'`))
	assert.Equal(t, 1, dbtest.Count(t, e.db, `SELECT COUNT(*) FROM notifications WHERE type = 'listing_removed'`))
	assert.Equal(t, 3, e.mail.to("owner@example.com"))

	again, err := e.svc.PurgeExpiredListings(ctx, jobs.CleanupPayload{InactiveDays: 90, Date: "2026-03-18"})
	require.NoError(t, err)
	assert.Equal(t, jobs.CleanupResult{}, again, "a second pass finds nothing to do")
}

func TestExpireListing_RetryRedeliversFailedNotice(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := dbtest.User(t, e.db, models.User{Email: "owner@example.com", Active: true})
	p := dbtest.Property(t, e.db, models.Property{OwnerID: owner.ID, ExpiresAt: dbtest.TimePtr(dbtest.Epoch.Add(-time.Hour))})

	e.mail.fail = errors.New("relay down")
	tr, err := e.svc.ExpireListing(ctx, p)
	require.Error(t, err)
	assert.True(t, tr.Changed)
	assert.Equal(t, models.PropertyExpired, e.status(t, p.ID), "status change commits even when mail fails")

	e.mail.fail = nil
	tr, err = e.svc.ExpireListing(ctx, p)
	require.NoError(t, err)
	assert.False(t, tr.Changed)
	assert.True(t, tr.Notified)
	assert.Equal(t, 1, e.mail.to("owner@example.com"))
	assert.Equal(t, 1, dbtest.Count(t, e.db, `SELECT COUNT(*) FROM notifications`))

	tr, err = e.svc.ExpireListing(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, jobs.Transition{}, tr)
	assert.Equal(t, 1, e.mail.to("owner@example.com"))
}

func TestUpdateEntityStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := dbtest.User(t, e.db, models.User{Email: "owner@example.com", Active: true})
	draft := dbtest.Property(t, e.db, models.Property{OwnerID: owner.ID, Status: models.PropertyDraft})
	active := dbtest.Property(t, e.db, models.Property{OwnerID: owner.ID, LastActivityAt: dbtest.Epoch.AddDate(-1, 0, 0)})

	tr, err := e.svc.UpdateEntityStatus(ctx, jobs.StatusPayload{PropertyID: draft.ID, From: models.PropertyDraft, To: models.PropertyActive})
	require.NoError(t, err)
	assert.Equal(t, jobs.Transition{Changed: true}, tr)
	assert.Equal(t, models.PropertyActive, e.status(t, draft.ID))

	tr, err = e.svc.UpdateEntityStatus(ctx, jobs.StatusPayload{PropertyID: active.ID, From: models.PropertyActive, To: models.PropertyInactive, InactiveDays: 90})
	require.NoError(t, err)
	assert.Equal(t, jobs.Transition{Changed: true, Notified: true}, tr)

	tr, err = e.svc.UpdateEntityStatus(ctx, jobs.StatusPayload{PropertyID: active.ID, From: models.PropertyActive, To: models.PropertyExpired})
	require.NoError(t, err)
	assert.Equal(t, jobs.Transition{}, tr, "guarded on the current status")

	tr, err = e.svc.UpdateEntityStatus(ctx, jobs.StatusPayload{PropertyID: 999, From: models.PropertyActive, To: models.PropertyExpired})
	require.NoError(t, err)
	assert.Equal(t, jobs.Transition{}, tr)
}

func TestNotifyOwner(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := dbtest.User(t, e.db, models.User{Email: "owner@example.com", Active: true})
	p := dbtest.Property(t, e.db, models.Property{OwnerID: owner.ID, ExpiresAt: dbtest.TimePtr(dbtest.Epoch.AddDate(0, 0, 7))})
	payload := jobs.NotifyOwnerPayload{Type: notify.TypeExpiryWarning, PropertyID: p.ID, Date: "2026-03-18", DaysLeft: 7}

	sent, err := e.svc.NotifyOwner(ctx, payload)
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = e.svc.NotifyOwner(ctx, payload)
	require.NoError(t, err)
	assert.False(t, sent, "dedupe key makes the retry a no-op")
	assert.Equal(t, 1, e.mail.to("owner@example.com"))

	n, err := e.db.ListNotifications(ctx, database.NotificationFilter{Type: "expiry_warning"})
	require.NoError(t, err)
	require.Len(t, n, 1)
	require.NotNil(t, n[0].DedupeKey)
	assert.Equal(t, "notify-owner-expiry_warning-"+itoa(p.ID)+"-2026-03-18", *n[0].DedupeKey)

	sent, err = e.svc.NotifyOwner(ctx, jobs.NotifyOwnerPayload{Type: notify.TypeExpired, PropertyID: p.ID, Date: "2026-03-18"})
	require.NoError(t, err)
	assert.False(t, sent, "still active listings get no expired notice")

	_, err = e.svc.NotifyOwner(ctx, jobs.NotifyOwnerPayload{Type: notify.TypeDailyDigest, PropertyID: p.ID})
	require.Error(t, err)
}

func TestSendPriceAlerts_DistinctEnquirers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := dbtest.User(t, e.db, models.User{Email: "owner@example.com", Active: true})
	buyer := dbtest.User(t, e.db, models.User{Email: "buyer@example.com", Active: true})
	other := dbtest.User(t, e.db, models.User{Email: "other@example.com", Active: true})
	p := dbtest.Property(t, e.db, models.Property{OwnerID: owner.ID, Price: 270000})
	dbtest.Enquiry(t, e.db, models.Enquiry{PropertyID: p.ID, UserID: buyer.ID})
	dbtest.Enquiry(t, e.db, models.Enquiry{PropertyID: p.ID, UserID: buyer.ID})
	dbtest.Enquiry(t, e.db, models.Enquiry{PropertyID: p.ID, UserID: other.ID})

	payload := jobs.PriceAlertPayload{PropertyID: p.ID, OldPrice: 300000, NewPrice: 270000}
	sent, err := e.svc.SendPriceAlerts(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	sent, err = e.svc.SendPriceAlerts(ctx, payload)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Equal(t, 1, e.mail.to("buyer@example.com"))

	n, err := e.db.ListNotifications(ctx, database.NotificationFilter{RecipientID: &buyer.ID})
	require.NoError(t, err)
	require.Len(t, n, 1)
	assert.InDelta(t, -10.0, n[0].Data["change_percent"], 0.001)
}

func TestValidateEntitiesAndSuggest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := dbtest.User(t, e.db, models.User{Email: "owner@example.com", Active: true})
	good := dbtest.Property(t, e.db, models.Property{
		OwnerID: owner.ID, ExpiresAt: dbtest.TimePtr(dbtest.Epoch.AddDate(0, 1, 0)),
		Description: "Bright two bedroom flat close to the station with a garden.",
	})
	bad := dbtest.Property(t, e.db, models.Property{OwnerID: owner.ID})

	report, err := e.svc.ValidateEntities(ctx, validation.KindProperty, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.NotContains(t, report.Invalid, good.ID)
	require.Contains(t, report.Invalid, bad.ID)
	issues := report.Invalid[bad.ID]
	assert.Contains(t, issues, "active listing has no expiry date")

	sent, err := e.svc.SuggestImprovements(ctx, jobs.SuggestionPayload{PropertyID: bad.ID, Issues: issues, Date: "2026-03-18"})
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Zero(t, e.mail.to("owner@example.com"), "suggestions are in-app only")

	n, err := e.db.ListNotifications(ctx, database.NotificationFilter{Type: "listing_suggestion"})
	require.NoError(t, err)
	require.Len(t, n, 1)
	assert.Contains(t, n[0].Message, "Set an expiry date")

	_, err = e.svc.ValidateEntities(ctx, "spaceship", 0)
	require.Error(t, err)
}

func TestSendNotification_DecodesPayload(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	admin := dbtest.Admin(t, e.db, "ops@example.com")
	rcpt := notify.RecipientFromUser(admin)

	job, err := jobs.SendNotification(notify.DailyDigest{Date: "2026-03-18", NewProperties: 5}, rcpt, "daily-digest-2026-03-18", nil)
	require.NoError(t, err)
	payload := job.Payload.(jobs.NotificationPayload)

	res, err := e.svc.SendNotification(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, res.Status)
	assert.Equal(t, 1, e.mail.to("ops@example.com"))
}

func TestRecomputeAnalytics(t *testing.T) {
	e := newEnv(t)
	dbtest.Property(t, e.db, models.Property{OwnerID: 1, CreatedAt: time.Date(2026, 3, 17, 9, 0, 0, 0, time.UTC)})

	report, err := e.svc.RecomputeAnalytics(context.Background(), jobs.AnalyticsPayload{Period: models.PeriodDaily, Date: "2026-03-17"})
	require.NoError(t, err)
	assert.InDelta(t, 1, report.Metrics[analytics.MetricNewProperties], 0)
	assert.Equal(t, 1, dbtest.Count(t, e.db, `SELECT COUNT(*) FROM metric_points WHERE metric = 'new_properties'`))

	_, err = e.svc.RecomputeAnalytics(context.Background(), jobs.AnalyticsPayload{Period: models.PeriodDaily, Date: "17/03/2026"})
	require.Error(t, err)
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
