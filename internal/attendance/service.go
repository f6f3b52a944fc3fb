package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultDuration is how long a session accepts registrations.
	DefaultDuration = 20 * time.Minute
	// DateLayout is the calendar-day format used for the group-day index.
	DateLayout = "2006-01-02"

	maxCodeAttempts = 5
)

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	Duration time.Duration
	Location *time.Location
	Clock    func() time.Time
	NewID    func() string
	NewCode  func() string
	Logger   *slog.Logger
}

// Service owns the lifecycle of per-group, per-day attendance sessions.
type Service struct {
	store    Store
	duration time.Duration
	location *time.Location
	clock    func() time.Time
	newID    func() string
	newCode  func() string
	logger   *slog.Logger
}

// NewService creates a service backed by a record store.
func NewService(store Store, opts Options) *Service {
	if opts.Duration < time.Second {
		opts.Duration = DefaultDuration
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.NewCode == nil {
		opts.NewCode = RandomCode
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:    store,
		duration: opts.Duration,
		location: opts.Location,
		clock:    opts.Clock,
		newID:    opts.NewID,
		newCode:  opts.NewCode,
		logger:   opts.Logger,
	}
}

// StartResult is the code handed out by Start.
type StartResult struct {
	AttendanceCode string
	ExpiresAt      int64
	// Created is false when an already-live session was returned.
	Created bool
}

// Status describes today's session for a group.
type Status struct {
	Active         bool
	AttendanceCode string
	ExpiresAt      int64
}

// RegisterInput identifies the session a member registers against.
type RegisterInput struct {
	AttendanceCode string
	// GroupSlug optionally narrows code resolution to one group.
	GroupSlug string
}

// Start returns today's live session for the group, creating one if none exists.
func (s *Service) Start(ctx context.Context, caller AuthContext, groupSlug string) (StartResult, error) {
	groupSlug, err := s.authorize(caller, groupSlug)
	if err != nil {
		return StartResult{}, err
	}
	now := s.clock()
	today := s.dateOf(now)

	existing, err := s.liveSession(ctx, groupSlug, today, now)
	if err != nil {
		return StartResult{}, s.internal(ctx, "start", err, "group", groupSlug, "date", today)
	}
	if existing != nil {
		return StartResult{AttendanceCode: existing.AttendanceCode, ExpiresAt: existing.ExpiresAt}, nil
	}

	code, err := s.generateCode(ctx, now)
	if err != nil {
		return StartResult{}, s.internal(ctx, "start", err, "group", groupSlug, "date", today)
	}
	session := Session{
		ID:             s.newID(),
		GroupSlug:      groupSlug,
		Date:           today,
		AttendanceCode: code,
		CreatedAt:      now.Unix(),
		ExpiresAt:      now.Unix() + int64(s.duration/time.Second),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		if !errors.Is(err, ErrConflict) {
			return StartResult{}, s.internal(ctx, "start", err, "group", groupSlug, "date", today)
		}
		// Another start won the group-day claim; hand out its session.
		existing, lookupErr := s.liveSession(ctx, groupSlug, today, now)
		if lookupErr != nil {
			return StartResult{}, s.internal(ctx, "start", lookupErr, "group", groupSlug, "date", today)
		}
		if existing == nil {
			return StartResult{}, s.internal(ctx, "start", err, "group", groupSlug, "date", today)
		}
		return StartResult{AttendanceCode: existing.AttendanceCode, ExpiresAt: existing.ExpiresAt}, nil
	}

	s.logger.InfoContext(ctx, "attendance session started",
		"group", groupSlug, "date", today, "session_id", session.ID, "expires_at", session.ExpiresAt)
	return StartResult{AttendanceCode: session.AttendanceCode, ExpiresAt: session.ExpiresAt, Created: true}, nil
}

// Status reports whether the group has a live session today.
func (s *Service) Status(ctx context.Context, caller AuthContext, groupSlug string) (Status, error) {
	groupSlug, err := s.authorize(caller, groupSlug)
	if err != nil {
		return Status{}, err
	}
	now := s.clock()
	today := s.dateOf(now)

	live, err := s.liveSession(ctx, groupSlug, today, now)
	if err != nil {
		return Status{}, s.internal(ctx, "status", err, "group", groupSlug, "date", today)
	}
	if live == nil {
		return Status{}, nil
	}
	return Status{Active: true, AttendanceCode: live.AttendanceCode, ExpiresAt: live.ExpiresAt}, nil
}

// Register adds the caller to the present set of the session behind the code.
// Registering again for the same session has no further effect.
func (s *Service) Register(ctx context.Context, caller AuthContext, in RegisterInput) error {
	if s == nil || s.store == nil {
		return ErrStoreNotConfigured
	}
	code := strings.TrimSpace(in.AttendanceCode)
	if code == "" {
		return ErrCodeRequired
	}
	member := strings.TrimSpace(caller.Identifier)
	if member == "" {
		return ErrMemberRequired
	}
	groupSlug := strings.TrimSpace(in.GroupSlug)
	now := s.clock()

	sessions, err := s.store.SessionsByCode(ctx, code)
	if err != nil {
		return s.internal(ctx, "register", err, "code", code)
	}
	var target *Session
	matched := false
	for i := range sessions {
		if groupSlug != "" && sessions[i].GroupSlug != groupSlug {
			continue
		}
		matched = true
		if !sessions[i].Live(now) {
			continue
		}
		if target == nil || sessions[i].CreatedAt > target.CreatedAt {
			target = &sessions[i]
		}
	}
	if !matched {
		return ErrSessionNotFound
	}
	if target == nil {
		return ErrSessionExpired
	}

	if err := s.store.AddMember(ctx, target.ID, member); err != nil {
		return s.internal(ctx, "register", err, "code", code, "group", target.GroupSlug, "session_id", target.ID)
	}
	return nil
}

// ListDays returns every day the group held a session, most recent first.
func (s *Service) ListDays(ctx context.Context, caller AuthContext, groupSlug string) ([]string, error) {
	groupSlug, err := s.authorize(caller, groupSlug)
	if err != nil {
		return nil, err
	}
	dates, err := s.store.SessionDates(ctx, groupSlug)
	if err != nil {
		return nil, s.internal(ctx, "list_days", err, "group", groupSlug)
	}

	seen := make(map[string]struct{}, len(dates))
	days := make([]string, 0, len(dates))
	for _, d := range dates {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		days = append(days, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	return days, nil
}

// DayAttendance unions the present members of every session the group held
// on date, live or expired.
func (s *Service) DayAttendance(ctx context.Context, caller AuthContext, groupSlug, date string) ([]string, error) {
	groupSlug, err := s.authorize(caller, groupSlug)
	if err != nil {
		return nil, err
	}
	date = strings.TrimSpace(date)
	if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, ErrInvalidDate
	}

	sessions, err := s.store.SessionsForDay(ctx, groupSlug, date)
	if err != nil {
		return nil, s.internal(ctx, "day_attendance", err, "group", groupSlug, "date", date)
	}
	seen := make(map[string]struct{})
	members := []string{}
	for _, session := range sessions {
		for _, m := range session.PresentMembers {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			members = append(members, m)
		}
	}
	sort.Strings(members)
	return members, nil
}

func (s *Service) authorize(caller AuthContext, groupSlug string) (string, error) {
	if s == nil || s.store == nil {
		return "", ErrStoreNotConfigured
	}
	if !caller.CanManage() {
		return "", ErrForbidden
	}
	groupSlug = strings.TrimSpace(groupSlug)
	if groupSlug == "" {
		return "", ErrGroupRequired
	}
	return groupSlug, nil
}

// liveSession returns the earliest-created live session for the group day.
func (s *Service) liveSession(ctx context.Context, groupSlug, date string, now time.Time) (*Session, error) {
	sessions, err := s.store.SessionsForDay(ctx, groupSlug, date)
	if err != nil {
		return nil, err
	}
	var first *Session
	for i := range sessions {
		if !sessions[i].Live(now) {
			continue
		}
		if first == nil || sessions[i].CreatedAt < first.CreatedAt {
			first = &sessions[i]
		}
	}
	return first, nil
}

// generateCode draws codes until one is not held by a live session. After
// maxCodeAttempts the last draw is used anyway.
func (s *Service) generateCode(ctx context.Context, now time.Time) (string, error) {
	var code string
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code = s.newCode()
		sessions, err := s.store.SessionsByCode(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check code: %w", err)
		}
		taken := false
		for _, session := range sessions {
			if session.Live(now) {
				taken = true
				break
			}
		}
		if !taken {
			return code, nil
		}
	}
	s.logger.WarnContext(ctx, "attendance code space crowded, reusing live code", "code", code)
	return code, nil
}

func (s *Service) dateOf(t time.Time) string {
	return t.In(s.location).Format(DateLayout)
}

func (s *Service) internal(ctx context.Context, op string, err error, attrs ...any) error {
	s.logger.ErrorContext(ctx, "attendance operation failed", append([]any{"op", op, "error", err}, attrs...)...)
	return fmt.Errorf("%s: %w", op, err)
}
