package attendance

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a process-local Store for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	members  map[string]map[string]struct{}
	claims   map[string]int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		members:  make(map[string]map[string]struct{}),
		claims:   make(map[string]int64),
	}
}

// CreateSession stores s unless a live claim for its group day exists.
func (m *MemoryStore) CreateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := s.GroupSlug + "|" + s.Date
	if expiresAt, ok := m.claims[key]; ok && expiresAt > s.CreatedAt {
		return ErrConflict
	}
	m.claims[key] = s.ExpiresAt
	stored := s
	stored.PresentMembers = nil
	m.sessions[s.ID] = &stored
	m.members[s.ID] = make(map[string]struct{})
	for _, member := range s.PresentMembers {
		m.members[s.ID][member] = struct{}{}
	}
	return nil
}

// SessionsForDay returns every session of the group on date.
func (m *MemoryStore) SessionsForDay(_ context.Context, groupSlug, date string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(func(s *Session) bool {
		return s.GroupSlug == groupSlug && s.Date == date
	}), nil
}

// SessionsByCode returns every session ever issued with code.
func (m *MemoryStore) SessionsByCode(_ context.Context, code string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(func(s *Session) bool {
		return s.AttendanceCode == code
	}), nil
}

// SessionDates returns the dates of all sessions of the group.
func (m *MemoryStore) SessionDates(_ context.Context, groupSlug string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dates []string
	for _, s := range m.sessions {
		if s.GroupSlug == groupSlug {
			dates = append(dates, s.Date)
		}
	}
	return dates, nil
}

// AddMember merges member into the session's present set.
func (m *MemoryStore) AddMember(_ context.Context, sessionID, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	set[member] = struct{}{}
	return nil
}

func (m *MemoryStore) collect(match func(*Session) bool) []Session {
	var out []Session
	for id, s := range m.sessions {
		if !match(s) {
			continue
		}
		copied := *s
		copied.PresentMembers = make([]string, 0, len(m.members[id]))
		for member := range m.members[id] {
			copied.PresentMembers = append(copied.PresentMembers, member)
		}
		sort.Strings(copied.PresentMembers)
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}
