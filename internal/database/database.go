package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cleandispatch/internal/domain"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound               = domain.ErrNotFound
	ErrConcurrentModification = domain.ErrConcurrentModification
	ErrInvalidTransition      = domain.ErrInvalidTransition
	ErrDuplicate              = domain.ErrDuplicate
	ErrAlreadyRated           = fmt.Errorf("booking already rated: %w", domain.ErrDuplicate)
)

// DB is the sqlite-backed record store.
type DB struct {
	*sql.DB
	logger *zerolog.Logger
}

var _ domain.RecordStore = (*DB)(nil)

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer; an in-memory database also lives on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return &DB{DB: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bookings (
            id TEXT PRIMARY KEY,
            customer_id TEXT NOT NULL,
            provider_id TEXT NOT NULL,
            customer_name TEXT NOT NULL DEFAULT '',
            provider_name TEXT NOT NULL DEFAULT '',
            service_type TEXT NOT NULL DEFAULT '',
            lat REAL NOT NULL DEFAULT 0,
            lng REAL NOT NULL DEFAULT 0,
            price REAL NOT NULL DEFAULT 0,
            status TEXT NOT NULL DEFAULT 'pending',
            paid_amount REAL,
            paid_at DATETIME,
            closed_at DATETIME,
            rated INTEGER NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL,
            version INTEGER NOT NULL DEFAULT 1
        )`,
		// score is left untyped: rows written by older clients may hold junk
		`CREATE TABLE IF NOT EXISTS ratings (
            id TEXT PRIMARY KEY,
            booking_id TEXT NOT NULL UNIQUE,
            provider_id TEXT NOT NULL,
            customer_id TEXT NOT NULL,
            score,
            comment TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS payments (
            id TEXT PRIMARY KEY,
            booking_id TEXT NOT NULL UNIQUE,
            amount REAL NOT NULL,
            payer_id TEXT NOT NULL,
            payee_id TEXT NOT NULL,
            status TEXT NOT NULL,
            created_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS receipts (
            id TEXT PRIMARY KEY,
            booking_id TEXT NOT NULL UNIQUE,
            payment_id TEXT NOT NULL,
            amount REAL NOT NULL,
            customer_id TEXT NOT NULL,
            customer_name TEXT NOT NULL DEFAULT '',
            provider_id TEXT NOT NULL,
            provider_name TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS providers (
            id TEXT PRIMARY KEY,
            display_name TEXT NOT NULL DEFAULT '',
            average_rating REAL NOT NULL DEFAULT 0,
            rating_count INTEGER NOT NULL DEFAULT 0,
            completed_jobs INTEGER NOT NULL DEFAULT 0,
            last_rated_at DATETIME,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS pending_writes (
            id TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            booking_id TEXT NOT NULL DEFAULT '',
            provider_id TEXT NOT NULL DEFAULT '',
            payload TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at DATETIME NOT NULL,
            processed_at DATETIME,
            next_retry_at DATETIME
        )`,

		`CREATE INDEX IF NOT EXISTS idx_bookings_customer ON bookings(customer_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_provider ON bookings(provider_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_ratings_provider ON ratings(provider_id)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_writes_status ON pending_writes(status, next_retry_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}
