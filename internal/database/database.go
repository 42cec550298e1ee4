// Package database is the relational store shared by every bot component.
// Queries are written with ? placeholders and rebound for the active driver.
package database

import (
	"context"
	"database/sql"
	"embed"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"listing-bot/internal/errors"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

//go:embed schema/*.sql
var schemaFS embed.FS

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrRunNotRunning is returned when a terminal update targets a run that already finished.
	ErrRunNotRunning = errors.New("run is not running")
)

// Queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type Queryer = sqlx.ExtContext

// DB wraps sqlx with the bot's queries.
type DB struct {
	*sqlx.DB
}

// Config selects a driver and data source.
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
}

// Open connects and pings the store. SQLite paths get WAL, a busy timeout and
// immediate transactions so concurrent writers wait instead of failing.
func Open(cfg Config) (*DB, error) {
	dsn := cfg.DSN
	if cfg.Driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", cfg.Driver)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "ping %s database", cfg.Driver)
	}
	return &DB{db}, nil
}

// New wraps an existing connection.
func New(db *sqlx.DB) *DB {
	return &DB{db}
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on"
}

// IsPostgres reports whether the store speaks the postgres dialect.
func (db *DB) IsPostgres() bool {
	return db.DriverName() == DriverPostgres
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	name := "schema/sqlite.sql"
	if db.IsPostgres() {
		name = "schema/postgres.sql"
	}
	ddl, err := schemaFS.ReadFile(name)
	if err != nil {
		return errors.Wrap(err, "read schema")
	}
	if _, err := db.ExecContext(ctx, string(ddl)); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

// WithTx runs fn inside a transaction, committing only when fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func limitOr(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
