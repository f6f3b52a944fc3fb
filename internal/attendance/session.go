package attendance

import (
	"context"
	"time"
)

// Role is the caller role resolved by the authorization provider.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleLeader Role = "leader"
	RoleUser   Role = "user"
)

// AuthContext identifies the verified caller of an operation.
type AuthContext struct {
	Identifier string
	Role       Role
}

// CanManage reports whether the caller may start and inspect sessions.
func (a AuthContext) CanManage() bool {
	return a.Role == RoleAdmin || a.Role == RoleLeader
}

// Session is one attendance-taking window for a group on a calendar day.
type Session struct {
	ID             string
	GroupSlug      string
	Date           string
	AttendanceCode string
	CreatedAt      int64
	ExpiresAt      int64
	PresentMembers []string
}

// Live reports whether the session accepts registrations at now.
func (s Session) Live(now time.Time) bool {
	return now.Unix() < s.ExpiresAt
}

// Store is the record store boundary for attendance sessions.
//
// Implementations must index sessions by (group, date) and by attendance
// code, and AddMember must merge the member without a read-modify-write.
type Store interface {
	// CreateSession persists s unless a live session already holds the
	// (group, date) claim at s.CreatedAt, in which case it returns ErrConflict.
	CreateSession(ctx context.Context, s Session) error
	SessionsForDay(ctx context.Context, groupSlug, date string) ([]Session, error)
	SessionsByCode(ctx context.Context, code string) ([]Session, error)
	SessionDates(ctx context.Context, groupSlug string) ([]string, error)
	AddMember(ctx context.Context, sessionID, member string) error
}
