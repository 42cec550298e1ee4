package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"listing-bot/internal/errors"
	"listing-bot/internal/models"
)

const notificationColumns = `id, recipient_id, recipient_email, type, title, message, data, channels,
	severity, delivery_status, dedupe_key, sent_at, read_at, created_at`

// NotificationFilter narrows ListNotifications.
type NotificationFilter struct {
	RecipientID *int64
	Type        string
	Limit       int
}

// InsertNotification writes a pending notification through q, which may be a
// transaction. When the dedupe key already exists the existing id is returned
// with created=false.
func (db *DB) InsertNotification(ctx context.Context, q Queryer, n *models.Notification) (int64, bool, error) {
	var id int64
	err := sqlxGet(ctx, q, &id, `
		INSERT INTO notifications (recipient_id, recipient_email, type, title, message, data, channels,
			severity, delivery_status, dedupe_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
		RETURNING id`,
		n.RecipientID, n.RecipientEmail, n.Type, n.Title, n.Message, n.Data, n.Channels,
		n.Severity, n.DeliveryStatus, n.DedupeKey, n.CreatedAt,
	)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) || n.DedupeKey == nil {
		return 0, false, errors.Wrapf(err, "insert %s notification", n.Type)
	}

	existing, err := db.NotificationByDedupeKey(ctx, q, *n.DedupeKey)
	if err != nil {
		return 0, false, err
	}
	return existing.ID, false, nil
}

// NotificationByDedupeKey loads the notification carrying key.
func (db *DB) NotificationByDedupeKey(ctx context.Context, q Queryer, key string) (*models.Notification, error) {
	var n models.Notification
	err := sqlxGet(ctx, q, &n, `SELECT `+notificationColumns+` FROM notifications WHERE dedupe_key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "notification by dedupe key %s", key)
	}
	return &n, nil
}

// GetNotification loads one notification.
func (db *DB) GetNotification(ctx context.Context, id int64) (*models.Notification, error) {
	var n models.Notification
	err := db.GetContext(ctx, &n, db.Rebind(`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get notification %d", id)
	}
	return &n, nil
}

// MarkNotificationSent records delivery. It returns false when the row was
// already sent; a sent row is never rewritten.
func (db *DB) MarkNotificationSent(ctx context.Context, id int64, channels models.StringList, sentAt time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE notifications SET delivery_status = ?, channels = ?, sent_at = ?
		WHERE id = ? AND delivery_status <> ?`),
		models.DeliverySent, channels, sentAt, id, models.DeliverySent)
	if err != nil {
		return false, errors.Wrapf(err, "mark notification %d sent", id)
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// MarkNotificationFailed flags an unsent notification whose external delivery failed.
func (db *DB) MarkNotificationFailed(ctx context.Context, id int64) error {
	_, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE notifications SET delivery_status = ? WHERE id = ? AND delivery_status <> ?`),
		models.DeliveryFailed, id, models.DeliverySent)
	if err != nil {
		return errors.Wrapf(err, "mark notification %d failed", id)
	}
	return nil
}

// MarkNotificationRead sets read_at once.
func (db *DB) MarkNotificationRead(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE notifications SET read_at = ? WHERE id = ? AND read_at IS NULL`), at, id)
	if err != nil {
		return false, errors.Wrapf(err, "mark notification %d read", id)
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// ListNotifications returns notifications newest first.
func (db *DB) ListNotifications(ctx context.Context, f NotificationFilter) ([]models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE 1=1`
	var args []any
	if f.RecipientID != nil {
		query += ` AND recipient_id = ?`
		args = append(args, *f.RecipientID)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limitOr(f.Limit, 100))

	out := []models.Notification{}
	if err := db.SelectContext(ctx, &out, db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "list notifications")
	}
	return out, nil
}

// PurgeNotifications removes delivered or failed notifications created before cutoff.
func (db *DB) PurgeNotifications(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	return db.purge(ctx, "notifications", `delivery_status <> 'pending' AND created_at < ?`, dryRun, cutoff)
}

func sqlxGet(ctx context.Context, q Queryer, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, q, dest, q.Rebind(query), args...)
}
