package notify_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-bot/internal/clock"
	"listing-bot/internal/database"
	"listing-bot/internal/errors"
	"listing-bot/internal/metrics"
	"listing-bot/internal/models"
	"listing-bot/internal/notify"
	"listing-bot/internal/ratelimit"
	dbtest "listing-bot/internal/testutil"
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []notify.Mail
	err  error
}

func (m *recordingMailer) Send(_ context.Context, mail notify.Mail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, mail)
	return nil
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func newDispatcher(t *testing.T, opts ...notify.Option) (*notify.Dispatcher, *database.DB, *recordingMailer) {
	t.Helper()
	db := dbtest.NewDB(t)
	mailer := &recordingMailer{}
	opts = append([]notify.Option{notify.WithMailer(mailer)}, opts...)
	return notify.New(db, clock.NewFake(dbtest.Epoch), opts...), db, mailer
}

var owner = notify.Recipient{ID: 7, Email: "owner@example.com", Name: "Owner"}

func TestChannels(t *testing.T) {
	tests := []struct {
		name string
		msg  notify.Message
		want []string
	}{
		{"digest mails", notify.DailyDigest{}, []string{"database", "mail"}},
		{"informational info stays in app", notify.SystemMaintenance{}, []string{"database"}},
		{"suggestion stays in app", notify.ListingSuggestion{}, []string{"database"}},
		{"critical alert mails", notify.BotAlert{Level: models.SeverityCritical}, []string{"database", "mail"}},
		{"expiry warning mails", notify.ExpiryWarning{}, []string{"database", "mail"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, notify.Channels(tt.msg))
		})
	}
}

func TestDispatch_PersistsAndMails(t *testing.T) {
	reg := metrics.New(nil)
	d, db, mailer := newDispatcher(t, notify.WithMetrics(reg))
	ctx := context.Background()

	res, err := d.Dispatch(ctx, notify.DailyDigest{Date: "2026-03-18", NewProperties: 5, NewEnquiries: 3, NewUsers: 2}, owner)
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, res.Status)
	assert.Equal(t, []string{"database", "mail"}, res.Channels)
	assert.False(t, res.Duplicate)

	n, err := db.GetNotification(ctx, res.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, "daily_digest", n.Type)
	assert.Equal(t, int64(7), n.RecipientID)
	assert.Equal(t, models.SeverityInfo, n.Severity)
	assert.Equal(t, models.DeliverySent, n.DeliveryStatus)
	require.NotNil(t, n.SentAt)
	assert.True(t, n.SentAt.Equal(dbtest.Epoch))
	assert.EqualValues(t, 5, n.Data["new_properties"])
	assert.EqualValues(t, 3, n.Data["new_enquiries"])
	assert.EqualValues(t, 2, n.Data["new_users"])

	require.Equal(t, 1, mailer.count())
	assert.Equal(t, "owner@example.com", mailer.sent[0].To)
	assert.Equal(t, "Daily summary for 2026-03-18", mailer.sent[0].Subject)
	assert.InDelta(t, 1, testutil.ToFloat64(reg.Notifications.WithLabelValues("daily_digest", "mail", "sent")), 0)
}

func TestDispatch_InformationalSkipsMail(t *testing.T) {
	d, _, mailer := newDispatcher(t)

	res, err := d.Dispatch(context.Background(), notify.SystemMaintenance{Date: "2026-03-18", Removed: map[string]int64{"runs": 4}}, owner)
	require.NoError(t, err)
	assert.Equal(t, []string{"database"}, res.Channels)
	assert.Zero(t, mailer.count())
}

func TestDispatch_DedupeKeyMakesResendNoop(t *testing.T) {
	d, db, mailer := newDispatcher(t)
	ctx := context.Background()
	msg := notify.ExpiryWarning{PropertyID: 9, Listing: "Two bed flat", ExpiresAt: dbtest.Epoch.AddDate(0, 0, 7), DaysLeft: 7}

	first, err := d.Dispatch(ctx, msg, owner, notify.WithDedupeKey("notify-owner-expiry_warning-9-2026-03-18"))
	require.NoError(t, err)
	second, err := d.Dispatch(ctx, msg, owner, notify.WithDedupeKey("notify-owner-expiry_warning-9-2026-03-18"))
	require.NoError(t, err)

	assert.Equal(t, first.NotificationID, second.NotificationID)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 1, mailer.count())
	assert.Equal(t, 1, dbtest.Count(t, db, `SELECT COUNT(*) FROM notifications`))
}

func TestDispatch_MailFailureMarksFailedThenRetrySends(t *testing.T) {
	d, db, mailer := newDispatcher(t)
	ctx := context.Background()
	mailer.err = errors.New("connection refused")
	key := notify.WithDedupeKey("notify-owner-expired-9-2026-03-18")
	msg := notify.Expired{PropertyID: 9, Listing: "Two bed flat", ExpiredAt: dbtest.Epoch}

	res, err := d.Dispatch(ctx, msg, owner, key)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, models.DeliveryFailed, res.Status)

	n, err := db.GetNotification(ctx, res.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, n.DeliveryStatus)

	mailer.err = nil
	retry, err := d.Dispatch(ctx, msg, owner, key)
	require.NoError(t, err)
	assert.Equal(t, res.NotificationID, retry.NotificationID)
	assert.Equal(t, models.DeliverySent, retry.Status)
	assert.False(t, retry.Duplicate)
	assert.Equal(t, 1, mailer.count())
}

func TestDispatch_RateLimitedMailIsAnError(t *testing.T) {
	d, _, mailer := newDispatcher(t, notify.WithRateLimiter(ratelimit.New(1, 1)))
	ctx := context.Background()

	_, err := d.Dispatch(ctx, notify.PriceChange{PropertyID: 1, Listing: "Flat", OldPrice: 300, NewPrice: 270}, owner)
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, notify.PriceChange{PropertyID: 2, Listing: "House", OldPrice: 500, NewPrice: 450}, owner)
	require.Error(t, err)
	assert.True(t, errors.Is(err, notify.ErrRateLimited))
	assert.Equal(t, 1, mailer.count())
}

func TestDispatch_RecipientWithoutEmailSkipsMail(t *testing.T) {
	d, _, mailer := newDispatcher(t)

	res, err := d.Dispatch(context.Background(), notify.DailyDigest{Date: "2026-03-18"}, notify.Recipient{ID: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"database"}, res.Channels)
	assert.Zero(t, mailer.count())
}

func TestPrepare_RolledBackWithCallerTransaction(t *testing.T) {
	d, db, mailer := newDispatcher(t)
	ctx := context.Background()

	err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := d.Prepare(ctx, tx, notify.Expired{PropertyID: 9, ExpiredAt: dbtest.Epoch}, owner)
		require.NoError(t, err)
		return errors.New("status update lost the race")
	})
	require.Error(t, err)

	assert.Zero(t, dbtest.Count(t, db, `SELECT COUNT(*) FROM notifications`))
	assert.Zero(t, mailer.count())
}

func TestAlertOperators_AdminsAndConfiguredEmails(t *testing.T) {
	d, db, mailer := newDispatcher(t, notify.WithOperatorEmails([]string{"oncall@example.com", "ops@example.com"}))
	ctx := context.Background()
	dbtest.Admin(t, db, "ops@example.com")
	dbtest.User(t, db, models.User{Email: "retired@example.com", Role: models.RoleAdmin, Active: false})

	alert := notify.BotAlert{Level: models.SeverityCritical, Subject: "scheduler stalled", Detail: "no runs for 2h"}
	sent, err := d.AlertOperators(ctx, alert, "probe-2026-03-18T12")
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, 2, mailer.count())

	again, err := d.AlertOperators(ctx, alert, "probe-2026-03-18T12")
	require.NoError(t, err)
	assert.Equal(t, 2, again, "duplicates count as delivered")
	assert.Equal(t, 2, mailer.count())

	rows, err := db.ListNotifications(ctx, database.NotificationFilter{Type: "bot_alert"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, n := range rows {
		assert.Equal(t, models.SeverityCritical, n.Severity)
	}
}

func TestAlertOperators_NoOperators(t *testing.T) {
	d, _, _ := newDispatcher(t)

	sent, err := d.AlertOperators(context.Background(), notify.BotAlert{Subject: "x"}, "")
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestDecode_EveryType(t *testing.T) {
	samples := map[notify.Type]notify.Message{
		notify.TypeDailyDigest:       notify.DailyDigest{Date: "2026-03-18", NewProperties: 5},
		notify.TypeWeeklyReport:      notify.WeeklyReport{WeekStart: "2026-03-09", Metrics: map[string]float64{"new_users": 4}},
		notify.TypeExpiryWarning:     notify.ExpiryWarning{PropertyID: 1, DaysLeft: 7, ExpiresAt: dbtest.Epoch},
		notify.TypeExpiryCritical:    notify.ExpiryCritical{PropertyID: 1, DaysLeft: 3, ExpiresAt: dbtest.Epoch},
		notify.TypeExpired:           notify.Expired{PropertyID: 1, ExpiredAt: dbtest.Epoch},
		notify.TypeListingRemoved:    notify.ListingRemoved{PropertyID: 1, Reason: "no activity", InactiveDays: 90},
		notify.TypePriceChange:       notify.PriceChange{PropertyID: 1, OldPrice: 10, NewPrice: 9},
		notify.TypeBotAlert:          notify.BotAlert{Level: models.SeverityCritical, Subject: "x"},
		notify.TypeSystemMaintenance: notify.SystemMaintenance{Date: "2026-03-18"},
		notify.TypeListingSuggestion: notify.ListingSuggestion{PropertyID: 1, Suggestions: []string{"add photos"}},
	}
	require.Len(t, samples, len(notify.Types))

	for _, typ := range notify.Types {
		msg, ok := samples[typ]
		require.True(t, ok, typ)
		raw, err := json.Marshal(msg)
		require.NoError(t, err)

		got, err := notify.Decode(typ, raw)
		require.NoError(t, err, typ)
		assert.Equal(t, typ, got.Type())
		assert.Equal(t, msg.Severity(), got.Severity())
		assert.Equal(t, msg.Title(), got.Title())
	}

	_, err := notify.Decode("carrier_pigeon", []byte(`{}`))
	require.Error(t, err)
}

func TestBotAlert_DefaultsToWarning(t *testing.T) {
	assert.Equal(t, models.SeverityWarning, notify.BotAlert{}.Severity())
	assert.True(t, notify.BotAlert{}.Severity().AtLeast(models.SeverityWarning))
}

func TestWeeklyReport_BodyListsMetricsInOrder(t *testing.T) {
	body := notify.WeeklyReport{
		WeekStart: "2026-03-09",
		Metrics:   map[string]float64{"new_users": 4, "average_price": 250000},
	}.Body()
	assert.Equal(t, "average_price: 250000\nnew_users: 4", body)
}
