package database

import (
	"context"
	"database/sql"
	"time"

	"listing-bot/internal/errors"
	"listing-bot/internal/models"
)

const (
	propertyColumns = `id, owner_id, title, description, status, price, previous_price, price_changed_at,
	bedrooms, expires_at, last_activity_at, created_at, updated_at`
	userColumns    = `id, name, email, role, active, digest_opt_in, created_at`
	enquiryColumns = `id, property_id, user_id, message, created_at`
)

// InsertUser creates a user and sets its id.
func (db *DB) InsertUser(ctx context.Context, u *models.User) error {
	return db.insertReturningID(ctx, &u.ID, `
		INSERT INTO users (name, email, role, active, digest_opt_in, created_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		u.Name, u.Email, u.Role, u.Active, u.DigestOptIn, u.CreatedAt)
}

// InsertProperty creates a property and sets its id.
func (db *DB) InsertProperty(ctx context.Context, p *models.Property) error {
	return db.insertReturningID(ctx, &p.ID, `
		INSERT INTO properties (owner_id, title, description, status, price, previous_price, price_changed_at,
			bedrooms, expires_at, last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		p.OwnerID, p.Title, p.Description, p.Status, p.Price, p.PreviousPrice, p.PriceChangedAt,
		p.Bedrooms, p.ExpiresAt, p.LastActivityAt, p.CreatedAt, p.UpdatedAt)
}

// InsertEnquiry creates an enquiry and sets its id.
func (db *DB) InsertEnquiry(ctx context.Context, e *models.Enquiry) error {
	return db.insertReturningID(ctx, &e.ID, `
		INSERT INTO enquiries (property_id, user_id, message, created_at)
		VALUES (?, ?, ?, ?) RETURNING id`,
		e.PropertyID, e.UserID, e.Message, e.CreatedAt)
}

func (db *DB) insertReturningID(ctx context.Context, dest *int64, query string, args ...any) error {
	if err := db.GetContext(ctx, dest, db.Rebind(query), args...); err != nil {
		return errors.Wrap(err, "insert")
	}
	return nil
}

// GetProperty loads one property through q.
func (db *DB) GetProperty(ctx context.Context, q Queryer, id int64) (*models.Property, error) {
	var p models.Property
	err := sqlxGet(ctx, q, &p, `SELECT `+propertyColumns+` FROM properties WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get property %d", id)
	}
	return &p, nil
}

// GetUser loads one user.
func (db *DB) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := db.GetContext(ctx, &u, db.Rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get user %d", id)
	}
	return &u, nil
}

// UpdatePropertyStatus moves a property from one status to another. It
// reports false, without error, when the property is no longer in from.
func (db *DB) UpdatePropertyStatus(ctx context.Context, q Queryer, id int64, from, to models.PropertyStatus, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE properties SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		to, now, id, from)
	if err != nil {
		return false, errors.Wrapf(err, "update property %d status", id)
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// CountPropertiesCreated counts listings created in [from, to).
func (db *DB) CountPropertiesCreated(ctx context.Context, from, to time.Time) (int, error) {
	return db.count(ctx, `SELECT COUNT(*) FROM properties WHERE created_at >= ? AND created_at < ?`, from, to)
}

// CountEnquiriesCreated counts enquiries created in [from, to).
func (db *DB) CountEnquiriesCreated(ctx context.Context, from, to time.Time) (int, error) {
	return db.count(ctx, `SELECT COUNT(*) FROM enquiries WHERE created_at >= ? AND created_at < ?`, from, to)
}

// CountUsersCreated counts users created in [from, to).
func (db *DB) CountUsersCreated(ctx context.Context, from, to time.Time) (int, error) {
	return db.count(ctx, `SELECT COUNT(*) FROM users WHERE created_at >= ? AND created_at < ?`, from, to)
}

// CountActiveProperties counts active listings created before at.
func (db *DB) CountActiveProperties(ctx context.Context, at time.Time) (int, error) {
	return db.count(ctx, `SELECT COUNT(*) FROM properties WHERE status = ? AND created_at < ?`,
		models.PropertyActive, at)
}

// CountPropertiesExpiring counts listings whose expiry falls in [from, to).
func (db *DB) CountPropertiesExpiring(ctx context.Context, from, to time.Time) (int, error) {
	return db.count(ctx, `SELECT COUNT(*) FROM properties WHERE expires_at >= ? AND expires_at < ?`, from, to)
}

// AveragePriceCreated averages the price of listings created in [from, to); 0 when none.
func (db *DB) AveragePriceCreated(ctx context.Context, from, to time.Time) (float64, error) {
	var avg sql.NullFloat64
	err := db.GetContext(ctx, &avg, db.Rebind(`
		SELECT AVG(price) FROM properties WHERE created_at >= ? AND created_at < ?`), from, to)
	if err != nil {
		return 0, errors.Wrap(err, "average price")
	}
	return avg.Float64, nil
}

func (db *DB) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := db.GetContext(ctx, &n, db.Rebind(query), args...); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

// DigestRecipients lists the active admins who opted in to the daily digest.
// The digest carries platform-wide counts, so other roles never receive it.
func (db *DB) DigestRecipients(ctx context.Context) ([]models.User, error) {
	return db.users(ctx, `WHERE active = ? AND role = ? AND digest_opt_in = ? ORDER BY id`,
		true, models.RoleAdmin, true)
}

// Operators lists active admins.
func (db *DB) Operators(ctx context.Context) ([]models.User, error) {
	return db.users(ctx, `WHERE active = ? AND role = ? ORDER BY id`, true, models.RoleAdmin)
}

// Enquirers lists the distinct active users who enquired about a property.
func (db *DB) Enquirers(ctx context.Context, propertyID int64) ([]models.User, error) {
	return db.users(ctx, `WHERE active = ? AND id IN (SELECT user_id FROM enquiries WHERE property_id = ?) ORDER BY id`,
		true, propertyID)
}

func (db *DB) users(ctx context.Context, where string, args ...any) ([]models.User, error) {
	out := []models.User{}
	if err := db.SelectContext(ctx, &out, db.Rebind(`SELECT `+userColumns+` FROM users `+where), args...); err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	return out, nil
}

// ActivePropertiesExpiringBetween lists active listings whose expiry is in [from, to).
func (db *DB) ActivePropertiesExpiringBetween(ctx context.Context, from, to time.Time) ([]models.Property, error) {
	return db.properties(ctx, `WHERE status = ? AND expires_at >= ? AND expires_at < ? ORDER BY expires_at, id`,
		models.PropertyActive, from, to)
}

// ExpiredPropertiesBetween lists expired listings whose expiry is in [from, to).
func (db *DB) ExpiredPropertiesBetween(ctx context.Context, from, to time.Time) ([]models.Property, error) {
	return db.properties(ctx, `WHERE status = ? AND expires_at >= ? AND expires_at < ? ORDER BY expires_at, id`,
		models.PropertyExpired, from, to)
}

// OverdueActiveProperties lists active listings already past expiry at now.
func (db *DB) OverdueActiveProperties(ctx context.Context, now time.Time, limit int) ([]models.Property, error) {
	return db.properties(ctx, `WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ? ORDER BY expires_at, id LIMIT ?`,
		models.PropertyActive, now, limitOr(limit, 1000))
}

// InactiveProperties lists active, unexpired listings with no activity since cutoff.
func (db *DB) InactiveProperties(ctx context.Context, cutoff, now time.Time, limit int) ([]models.Property, error) {
	return db.properties(ctx, `WHERE status = ? AND last_activity_at < ? AND (expires_at IS NULL OR expires_at >= ?)
		ORDER BY last_activity_at, id LIMIT ?`,
		models.PropertyActive, cutoff, now, limitOr(limit, 1000))
}

// ActiveProperties lists active listings, oldest first.
func (db *DB) ActiveProperties(ctx context.Context, limit int) ([]models.Property, error) {
	return db.properties(ctx, `WHERE status = ? ORDER BY id LIMIT ?`, models.PropertyActive, limitOr(limit, 500))
}

// PriceDrops lists active listings whose price fell at or after since.
func (db *DB) PriceDrops(ctx context.Context, since time.Time) ([]models.Property, error) {
	return db.properties(ctx, `WHERE status = ? AND price_changed_at >= ? AND previous_price IS NOT NULL
		AND previous_price > price ORDER BY price_changed_at, id`, models.PropertyActive, since)
}

func (db *DB) properties(ctx context.Context, where string, args ...any) ([]models.Property, error) {
	out := []models.Property{}
	if err := db.SelectContext(ctx, &out, db.Rebind(`SELECT `+propertyColumns+` FROM properties `+where), args...); err != nil {
		return nil, errors.Wrap(err, "list properties")
	}
	return out, nil
}

// RecentEnquiries lists enquiries created at or after since, newest first.
func (db *DB) RecentEnquiries(ctx context.Context, since time.Time, limit int) ([]models.Enquiry, error) {
	out := []models.Enquiry{}
	err := db.SelectContext(ctx, &out, db.Rebind(`SELECT `+enquiryColumns+` FROM enquiries
		WHERE created_at >= ? ORDER BY created_at DESC, id DESC LIMIT ?`), since, limitOr(limit, 500))
	if err != nil {
		return nil, errors.Wrap(err, "list enquiries")
	}
	return out, nil
}

// Users lists users, oldest first.
func (db *DB) Users(ctx context.Context, limit int) ([]models.User, error) {
	return db.users(ctx, `ORDER BY id LIMIT ?`, limitOr(limit, 500))
}
