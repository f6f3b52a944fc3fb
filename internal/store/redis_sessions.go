package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"choirattendance/internal/attendance"
)

const (
	// DefaultCodeRetention is how long after expiry a session stays
	// reachable through its attendance code.
	DefaultCodeRetention = 24 * time.Hour

	// claimSlack keeps a claim key around past its session's expiry. The
	// conflict decision reads the stored expiry, so the TTL only collects.
	claimSlack = 60
)

// RedisSessions persists attendance sessions in Redis.
//
// Layout under prefix p:
//
//	p:session:{id}            hash of session fields
//	p:session:{id}:members    set of present members
//	p:day:{group}:{date}      set of session ids (group-day index)
//	p:dates:{group}           set of dates the group held sessions
//	p:code:{code}             sorted set of session ids scored by expires_at
//	p:claim:{group}:{date}    expires_at of the session holding the group day
type RedisSessions struct {
	client        *redis.Client
	prefix        string
	codeRetention time.Duration
}

// NewRedisSessions creates a session store using keys under prefix.
func NewRedisSessions(client *redis.Client, prefix string) *RedisSessions {
	if prefix == "" {
		prefix = "attendance"
	}
	return &RedisSessions{client: client, prefix: prefix, codeRetention: DefaultCodeRetention}
}

// WithCodeRetention overrides DefaultCodeRetention. Sessions that expired
// longer ago than d drop out of the code index when the code is reissued.
func (r *RedisSessions) WithCodeRetention(d time.Duration) *RedisSessions {
	if d > 0 {
		r.codeRetention = d
	}
	return r
}

// createSession takes the group-day claim and writes the session hash with
// its index entries in one script, so a claim is never visible without its
// session. A claim blocks only while its stored expiry is after the new
// session's created_at, compared on the caller's clock.
var createSession = redis.NewScript(`
local held = tonumber(redis.call('GET', KEYS[1]) or '0') or 0
if held > tonumber(ARGV[6]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[7], 'EX', ARGV[2])
redis.call('HSET', KEYS[2],
	'session_id', ARGV[1],
	'group_slug', ARGV[3],
	'date', ARGV[4],
	'attendance_code', ARGV[5],
	'created_at', ARGV[6],
	'expires_at', ARGV[7])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[4])
redis.call('ZADD', KEYS[5], ARGV[7], ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[5], '-inf', '(' .. ARGV[8])
for i = 9, #ARGV do
	redis.call('SADD', KEYS[6], ARGV[i])
end
return 1
`)

// CreateSession claims the group day and stores the session, or returns
// attendance.ErrConflict while another session holds the claim.
func (r *RedisSessions) CreateSession(ctx context.Context, s attendance.Session) error {
	ttl := s.ExpiresAt - s.CreatedAt
	if ttl < 1 {
		ttl = 1
	}
	cutoff := s.CreatedAt - int64(r.codeRetention/time.Second)
	keys := []string{
		r.claimKey(s.GroupSlug, s.Date),
		r.sessionKey(s.ID),
		r.dayKey(s.GroupSlug, s.Date),
		r.datesKey(s.GroupSlug),
		r.codeKey(s.AttendanceCode),
		r.membersKey(s.ID),
	}
	args := []any{s.ID, ttl + claimSlack, s.GroupSlug, s.Date, s.AttendanceCode, s.CreatedAt, s.ExpiresAt, cutoff}
	args = append(args, toAny(s.PresentMembers)...)

	created, err := createSession.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if created == 0 {
		return attendance.ErrConflict
	}
	return nil
}

// SessionsForDay returns every session of the group on date, oldest first.
func (r *RedisSessions) SessionsForDay(ctx context.Context, groupSlug, date string) ([]attendance.Session, error) {
	ids, err := r.client.SMembers(ctx, r.dayKey(groupSlug, date)).Result()
	if err != nil {
		return nil, fmt.Errorf("read group day index: %w", err)
	}
	return r.load(ctx, ids)
}

// SessionsByCode returns the sessions issued with code that are live or
// expired within the code retention window of the code's latest issue.
func (r *RedisSessions) SessionsByCode(ctx context.Context, code string) ([]attendance.Session, error) {
	ids, err := r.client.ZRange(ctx, r.codeKey(code), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read code index: %w", err)
	}
	return r.load(ctx, ids)
}

// SessionDates returns the distinct dates the group held sessions.
func (r *RedisSessions) SessionDates(ctx context.Context, groupSlug string) ([]string, error) {
	dates, err := r.client.SMembers(ctx, r.datesKey(groupSlug)).Result()
	if err != nil {
		return nil, fmt.Errorf("read dates: %w", err)
	}
	return dates, nil
}

// AddMember merges the member into the session's set with SADD.
func (r *RedisSessions) AddMember(ctx context.Context, sessionID, member string) error {
	if err := r.client.SAdd(ctx, r.membersKey(sessionID), member).Err(); err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (r *RedisSessions) load(ctx context.Context, ids []string) ([]attendance.Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	hashes := make([]*redis.MapStringStringCmd, len(ids))
	members := make([]*redis.StringSliceCmd, len(ids))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			hashes[i] = pipe.HGetAll(ctx, r.sessionKey(id))
			members[i] = pipe.SMembers(ctx, r.membersKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	sessions := make([]attendance.Session, 0, len(ids))
	for i := range ids {
		fields := hashes[i].Val()
		if len(fields) == 0 {
			// Index entry without a hash: the session key was removed by hand.
			continue
		}
		s, err := decodeSession(fields)
		if err != nil {
			return nil, fmt.Errorf("decode session %s: %w", ids[i], err)
		}
		s.PresentMembers = members[i].Val()
		sort.Strings(s.PresentMembers)
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt != sessions[j].CreatedAt {
			return sessions[i].CreatedAt < sessions[j].CreatedAt
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

func decodeSession(fields map[string]string) (attendance.Session, error) {
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return attendance.Session{}, fmt.Errorf("created_at: %w", err)
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return attendance.Session{}, fmt.Errorf("expires_at: %w", err)
	}
	return attendance.Session{
		ID:             fields["session_id"],
		GroupSlug:      fields["group_slug"],
		Date:           fields["date"],
		AttendanceCode: fields["attendance_code"],
		CreatedAt:      createdAt,
		ExpiresAt:      expiresAt,
	}, nil
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func (r *RedisSessions) sessionKey(id string) string { return r.prefix + ":session:" + id }
func (r *RedisSessions) membersKey(id string) string { return r.prefix + ":session:" + id + ":members" }
func (r *RedisSessions) dayKey(group, date string) string {
	return r.prefix + ":day:" + group + ":" + date
}
func (r *RedisSessions) datesKey(group string) string { return r.prefix + ":dates:" + group }
func (r *RedisSessions) codeKey(code string) string   { return r.prefix + ":code:" + code }
func (r *RedisSessions) claimKey(group, date string) string {
	return r.prefix + ":claim:" + group + ":" + date
}
