package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"choirattendance/internal/attendance"
)

// PostgresSessions persists attendance sessions in Postgres.
type PostgresSessions struct {
	db *sql.DB
}

// NewPostgresSessions creates a session store over a migrated database.
func NewPostgresSessions(db *sql.DB) *PostgresSessions {
	return &PostgresSessions{db: db}
}

// CreateSession claims the group day and inserts the session in one transaction.
// The claim is taken over only once the previous holder has expired.
func (p *PostgresSessions) CreateSession(ctx context.Context, s attendance.Session) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var claimed string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO attendance_session_claims (group_slug, date, session_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (group_slug, date) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			expires_at = EXCLUDED.expires_at
		WHERE attendance_session_claims.expires_at <= $5
		RETURNING session_id
	`, s.GroupSlug, s.Date, s.ID, s.ExpiresAt, s.CreatedAt).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("claim group day: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_sessions (session_id, group_slug, date, attendance_code, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.ID, s.GroupSlug, s.Date, s.AttendanceCode, s.CreatedAt, s.ExpiresAt); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	for _, member := range s.PresentMembers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attendance_members (session_id, member) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, s.ID, member); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create session: %w", err)
	}
	return nil
}

// SessionsForDay returns every session of the group on date, oldest first.
func (p *PostgresSessions) SessionsForDay(ctx context.Context, groupSlug, date string) ([]attendance.Session, error) {
	return p.query(ctx, `WHERE s.group_slug = $1 AND s.date = $2`, groupSlug, date)
}

// SessionsByCode returns every session ever issued with code.
func (p *PostgresSessions) SessionsByCode(ctx context.Context, code string) ([]attendance.Session, error) {
	return p.query(ctx, `WHERE s.attendance_code = $1`, code)
}

// SessionDates returns the distinct dates the group held sessions.
func (p *PostgresSessions) SessionDates(ctx context.Context, groupSlug string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT date FROM attendance_sessions WHERE group_slug = $1
	`, groupSlug)
	if err != nil {
		return nil, fmt.Errorf("query session dates: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan session date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session dates: %w", err)
	}
	return dates, nil
}

// AddMember inserts the member row; a repeat registration is a no-op.
func (p *PostgresSessions) AddMember(ctx context.Context, sessionID, member string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO attendance_members (session_id, member) VALUES ($1, $2)
		ON CONFLICT (session_id, member) DO NOTHING
	`, sessionID, member)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (p *PostgresSessions) query(ctx context.Context, where string, args ...any) ([]attendance.Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.session_id, s.group_slug, s.date, s.attendance_code, s.created_at, s.expires_at, m.member
		FROM attendance_sessions s
		LEFT JOIN attendance_members m ON m.session_id = s.session_id
		`+where+`
		ORDER BY s.created_at, s.session_id, m.member
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []attendance.Session
	for rows.Next() {
		var (
			s      attendance.Session
			member sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.GroupSlug, &s.Date, &s.AttendanceCode, &s.CreatedAt, &s.ExpiresAt, &member); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if n := len(sessions); n == 0 || sessions[n-1].ID != s.ID {
			sessions = append(sessions, s)
		}
		if member.Valid {
			last := &sessions[len(sessions)-1]
			last.PresentMembers = append(last.PresentMembers, member.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}
