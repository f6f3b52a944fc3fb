package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB creates a Postgres connection with sane defaults.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{Client: db}, nil
}

// Migrate creates the attendance tables and indexes if they are missing.
func (d *DB) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS attendance_sessions (
		session_id       TEXT PRIMARY KEY,
		group_slug       TEXT NOT NULL,
		date             TEXT NOT NULL,
		attendance_code  TEXT NOT NULL,
		created_at       BIGINT NOT NULL,
		expires_at       BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_attendance_sessions_group_date ON attendance_sessions(group_slug, date);
	CREATE INDEX IF NOT EXISTS idx_attendance_sessions_code       ON attendance_sessions(attendance_code);

	CREATE TABLE IF NOT EXISTS attendance_members (
		session_id  TEXT NOT NULL REFERENCES attendance_sessions(session_id),
		member      TEXT NOT NULL,
		PRIMARY KEY (session_id, member)
	);

	CREATE TABLE IF NOT EXISTS attendance_session_claims (
		group_slug  TEXT NOT NULL,
		date        TEXT NOT NULL,
		session_id  TEXT NOT NULL,
		expires_at  BIGINT NOT NULL,
		PRIMARY KEY (group_slug, date)
	);
	`
	if _, err := d.Client.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.Client == nil {
		return fmt.Errorf("db not configured")
	}
	return d.Client.PingContext(ctx)
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
