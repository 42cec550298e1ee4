// Package notify persists and delivers bot notifications over the database
// and mail channels.
package notify

import (
	"context"
	"strconv"

	"listing-bot/internal/clock"
	"listing-bot/internal/database"
	"listing-bot/internal/errors"
	"listing-bot/internal/events"
	"listing-bot/internal/logger"
	"listing-bot/internal/metrics"
	"listing-bot/internal/models"
	"listing-bot/internal/ratelimit"
)

// Delivery channels.
const (
	ChannelDatabase = "database"
	ChannelMail     = "mail"
)

// ErrRateLimited is returned when a recipient's mail budget is spent.
var ErrRateLimited = errors.New("mail rate limit exceeded")

// Channels returns the channels msg is delivered on.
func Channels(msg Message) []string {
	if msg.Informational() && !msg.Severity().AtLeast(models.SeverityWarning) {
		return []string{ChannelDatabase}
	}
	return []string{ChannelDatabase, ChannelMail}
}

// Recipient is who a notification goes to. Operators configured only by
// email have ID 0.
type Recipient struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// RecipientFromUser converts a user row.
func RecipientFromUser(u models.User) Recipient {
	return Recipient{ID: u.ID, Email: u.Email, Name: u.Name}
}

func (r Recipient) key() string {
	if r.ID != 0 {
		return strconv.FormatInt(r.ID, 10)
	}
	return r.Email
}

// DeliveryResult reports what Dispatch did.
type DeliveryResult struct {
	NotificationID int64
	Channels       []string
	Status         models.DeliveryStatus
	// Duplicate is set when the dedupe key matched an already sent row.
	Duplicate bool
}

// DispatchOption tunes a single dispatch.
type DispatchOption func(*dispatchOptions)

type dispatchOptions struct {
	dedupeKey string
}

// WithDedupeKey makes a dispatch a no-op when a notification with key was
// already sent.
func WithDedupeKey(key string) DispatchOption {
	return func(o *dispatchOptions) { o.dedupeKey = key }
}

// Pending is a notification written by Prepare and awaiting Deliver.
type Pending struct {
	notification models.Notification
	recipient    Recipient
	alreadySent  bool
}

// ID returns the notification row id.
func (p *Pending) ID() int64 { return p.notification.ID }

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMailer sets the mail channel sender.
func WithMailer(m Mailer) Option { return func(d *Dispatcher) { d.mailer = m } }

// WithRateLimiter gates mail per recipient.
func WithRateLimiter(l *ratelimit.Limiter) Option { return func(d *Dispatcher) { d.limiter = l } }

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(d *Dispatcher) { d.log = l } }

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithEvents sets the live feed publisher.
func WithEvents(p events.Publisher) Option { return func(d *Dispatcher) { d.events = p } }

// WithOperatorEmails adds operators that have no user account.
func WithOperatorEmails(emails []string) Option {
	return func(d *Dispatcher) { d.operatorEmails = emails }
}

// Dispatcher writes notifications and delivers them.
type Dispatcher struct {
	db             *database.DB
	clock          clock.Clock
	mailer         Mailer
	limiter        *ratelimit.Limiter
	log            logger.Logger
	metrics        *metrics.Metrics
	events         events.Publisher
	operatorEmails []string
}

// New returns a Dispatcher. Mail goes to a LogMailer unless WithMailer is given.
func New(db *database.DB, clk clock.Clock, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		db:      db,
		clock:   clk,
		limiter: ratelimit.New(0, 0),
		log:     logger.NewNop(),
		metrics: metrics.New(nil),
		events:  events.Nop{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.mailer == nil {
		d.mailer = NewLogMailer(d.log)
	}
	return d
}

// Dispatch writes msg for to and delivers it.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message, to Recipient, opts ...DispatchOption) (DeliveryResult, error) {
	p, err := d.Prepare(ctx, d.db, msg, to, opts...)
	if err != nil {
		return DeliveryResult{}, err
	}
	return d.Deliver(ctx, p)
}

// Prepare writes the pending notification row through q, which may be the
// caller's transaction. Deliver must be called once q has committed.
func (d *Dispatcher) Prepare(ctx context.Context, q database.Queryer, msg Message, to Recipient, opts ...DispatchOption) (*Pending, error) {
	var o dispatchOptions
	for _, opt := range opts {
		opt(&o)
	}

	n := models.Notification{
		RecipientID:    to.ID,
		RecipientEmail: to.Email,
		Type:           string(msg.Type()),
		Title:          msg.Title(),
		Message:        msg.Body(),
		Data:           models.JSONMap(msg.Data()),
		Channels:       models.StringList(Channels(msg)),
		Severity:       msg.Severity(),
		DeliveryStatus: models.DeliveryPending,
		CreatedAt:      d.clock.Now(),
	}
	if o.dedupeKey != "" {
		n.DedupeKey = &o.dedupeKey
	}

	id, created, err := d.db.InsertNotification(ctx, q, &n)
	if err != nil {
		return nil, err
	}
	n.ID = id
	p := &Pending{notification: n, recipient: to}
	if created {
		return p, nil
	}

	existing, err := d.db.NotificationByDedupeKey(ctx, q, o.dedupeKey)
	if err != nil {
		return nil, err
	}
	p.notification = *existing
	p.alreadySent = existing.DeliveryStatus == models.DeliverySent
	return p, nil
}

// Deliver sends p on its external channels and marks it sent. A failed mail
// send marks the row failed and returns the error.
func (d *Dispatcher) Deliver(ctx context.Context, p *Pending) (DeliveryResult, error) {
	n := p.notification
	if p.alreadySent {
		d.log.Debug("notification already sent",
			logger.Int64("notification_id", n.ID),
			logger.String("type", n.Type),
		)
		return DeliveryResult{NotificationID: n.ID, Channels: n.Channels, Status: models.DeliverySent, Duplicate: true}, nil
	}

	used := []string{ChannelDatabase}
	for _, ch := range n.Channels {
		if ch != ChannelMail {
			continue
		}
		if p.recipient.Email == "" {
			d.log.Debug("recipient has no email, skipping mail", logger.Int64("notification_id", n.ID))
			continue
		}
		if err := d.sendMail(ctx, p); err != nil {
			if markErr := d.db.MarkNotificationFailed(ctx, n.ID); markErr != nil {
				err = errors.Combine(err, markErr)
			}
			d.record(n, ChannelMail, models.DeliveryFailed)
			d.log.Warn("notification mail failed",
				logger.Int64("notification_id", n.ID),
				logger.String("type", n.Type),
				logger.String("to", p.recipient.Email),
				logger.Error(err),
			)
			return DeliveryResult{NotificationID: n.ID, Channels: used, Status: models.DeliveryFailed},
				errors.Wrapf(err, "deliver %s notification %d", n.Type, n.ID)
		}
		used = append(used, ChannelMail)
	}

	updated, err := d.db.MarkNotificationSent(ctx, n.ID, used, d.clock.Now())
	if err != nil {
		return DeliveryResult{NotificationID: n.ID, Channels: used, Status: models.DeliveryPending}, err
	}
	if !updated {
		return DeliveryResult{NotificationID: n.ID, Channels: used, Status: models.DeliverySent, Duplicate: true}, nil
	}
	for _, ch := range used {
		d.record(n, ch, models.DeliverySent)
	}
	return DeliveryResult{NotificationID: n.ID, Channels: used, Status: models.DeliverySent}, nil
}

func (d *Dispatcher) sendMail(ctx context.Context, p *Pending) error {
	if !d.limiter.Allow(p.recipient.Email) {
		return errors.WithDetailf(ErrRateLimited, "recipient %s", p.recipient.Email)
	}
	return d.mailer.Send(ctx, Mail{
		To:      p.recipient.Email,
		Subject: p.notification.Title,
		Body:    p.notification.Message,
	})
}

func (d *Dispatcher) record(n models.Notification, channel string, status models.DeliveryStatus) {
	d.metrics.Notifications.WithLabelValues(n.Type, channel, string(status)).Inc()
	if channel != ChannelDatabase && status == models.DeliverySent {
		return
	}
	typ := events.NotificationSent
	if status == models.DeliveryFailed {
		typ = events.NotificationFailed
	}
	d.events.Publish(events.Event{
		Type: typ,
		At:   d.clock.Now(),
		Data: map[string]any{"notification_id": n.ID, "type": n.Type, "recipient_id": n.RecipientID},
	})
}

// Operators returns active admins followed by the configured operator emails
// not already covered by an admin.
func (d *Dispatcher) Operators(ctx context.Context) ([]Recipient, error) {
	admins, err := d.db.Operators(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(admins))
	out := make([]Recipient, 0, len(admins)+len(d.operatorEmails))
	for _, u := range admins {
		seen[u.Email] = true
		out = append(out, RecipientFromUser(u))
	}
	for _, email := range d.operatorEmails {
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true
		out = append(out, Recipient{Email: email})
	}
	return out, nil
}

// AlertOperators dispatches alert to every operator and returns how many were
// delivered. A non-empty dedupeKey is suffixed per operator.
func (d *Dispatcher) AlertOperators(ctx context.Context, alert BotAlert, dedupeKey string) (int, error) {
	ops, err := d.Operators(ctx)
	if err != nil {
		return 0, err
	}
	if len(ops) == 0 {
		d.log.Warn("no operators to alert", logger.String("subject", alert.Subject))
		return 0, nil
	}

	var (
		sent int
		errs error
	)
	for _, op := range ops {
		var opts []DispatchOption
		if dedupeKey != "" {
			opts = append(opts, WithDedupeKey(dedupeKey+":"+op.key()))
		}
		if _, err := d.Dispatch(ctx, alert, op, opts...); err != nil {
			errs = errors.Combine(errs, err)
			continue
		}
		sent++
	}
	return sent, errs
}

