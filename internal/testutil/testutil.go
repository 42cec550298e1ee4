// Package testutil builds migrated throwaway stores and seed rows for tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"listing-bot/internal/database"
	"listing-bot/internal/models"
)

// Epoch is the fixed "now" most tests run at: Wednesday 2026-03-18 12:00 UTC.
var Epoch = time.Date(2026, 3, 18, 12, 0, 0, 0, time.UTC)

// NewDB opens a migrated SQLite store in a temp dir, closed on cleanup.
func NewDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "bot.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate(context.Background()))
	return db
}

// User inserts a user. Zero fields get usable defaults.
func User(t *testing.T, db *database.DB, u models.User) models.User {
	t.Helper()
	if u.Name == "" {
		u.Name = "User"
	}
	if u.Email == "" {
		u.Email = "user@example.com"
	}
	if u.Role == "" {
		u.Role = models.RoleOwner
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = Epoch.AddDate(0, -6, 0)
	}
	require.NoError(t, db.InsertUser(context.Background(), &u))
	return u
}

// Admin inserts an active admin who receives digests.
func Admin(t *testing.T, db *database.DB, email string) models.User {
	t.Helper()
	return User(t, db, models.User{Name: "Admin", Email: email, Role: models.RoleAdmin, Active: true, DigestOptIn: true})
}

// Property inserts a listing. Zero fields get usable defaults.
func Property(t *testing.T, db *database.DB, p models.Property) models.Property {
	t.Helper()
	if p.Title == "" {
		p.Title = "Two bed flat"
	}
	if p.Status == "" {
		p.Status = models.PropertyActive
	}
	if p.Price == 0 {
		p.Price = 250000
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = Epoch.AddDate(0, -1, 0)
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	if p.LastActivityAt.IsZero() {
		p.LastActivityAt = Epoch.AddDate(0, 0, -1)
	}
	require.NoError(t, db.InsertProperty(context.Background(), &p))
	return p
}

// Enquiry inserts an enquiry.
func Enquiry(t *testing.T, db *database.DB, e models.Enquiry) models.Enquiry {
	t.Helper()
	if e.Message == "" {
		e.Message = "Is this still available?"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = Epoch.AddDate(0, 0, -2)
	}
	require.NoError(t, db.InsertEnquiry(context.Background(), &e))
	return e
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}

// Count runs a COUNT(*) query.
func Count(t *testing.T, db *database.DB, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.Get(&n, db.Rebind(query), args...))
	return n
}
