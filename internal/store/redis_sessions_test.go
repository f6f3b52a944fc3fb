package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"choirattendance/internal/attendance"
)

func newTestRedisSessions(t *testing.T) (*RedisSessions, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSessions(client, "test"), mr
}

func TestRedisSessions_ClaimBlocksSecondLiveSession(t *testing.T) {
	ctx := context.Background()
	sessions, mr := newTestRedisSessions(t)

	first := attendance.Session{ID: "s1", GroupSlug: "altos", Date: "2026-03-04", AttendanceCode: "1111", CreatedAt: 1000, ExpiresAt: 2200}
	if err := sessions.CreateSession(ctx, first); err != nil {
		t.Fatalf("create first: %v", err)
	}
	second := attendance.Session{ID: "s2", GroupSlug: "altos", Date: "2026-03-04", AttendanceCode: "2222", CreatedAt: 1100, ExpiresAt: 2300}
	if err := sessions.CreateSession(ctx, second); !errors.Is(err, attendance.ErrConflict) {
		t.Fatalf("create second error = %v, want ErrConflict", err)
	}
	other := attendance.Session{ID: "s3", GroupSlug: "tenors", Date: "2026-03-04", AttendanceCode: "3333", CreatedAt: 1100, ExpiresAt: 2300}
	if err := sessions.CreateSession(ctx, other); err != nil {
		t.Fatalf("create other group: %v", err)
	}

	// The claim key outlives the session; the stored expiry decides.
	mr.FastForward(1199 * time.Second)
	if !mr.Exists("test:claim:altos:2026-03-04") {
		t.Fatal("claim key gone before its slack ran out")
	}
	second.CreatedAt, second.ExpiresAt = 2200, 3400
	if err := sessions.CreateSession(ctx, second); err != nil {
		t.Fatalf("create once first session expired: %v", err)
	}

	day, err := sessions.SessionsForDay(ctx, "altos", "2026-03-04")
	if err != nil {
		t.Fatalf("sessions for day: %v", err)
	}
	if len(day) != 2 || day[0].ID != "s1" || day[1].ID != "s2" {
		t.Fatalf("sessions for day = %+v, want s1 then s2", day)
	}
	if day[0].AttendanceCode != "1111" || day[0].CreatedAt != 1000 || day[0].ExpiresAt != 2200 {
		t.Fatalf("decoded session = %+v", day[0])
	}
}

func TestRedisSessions_IndexesAndMembers(t *testing.T) {
	ctx := context.Background()
	sessions, _ := newTestRedisSessions(t)

	seed := []attendance.Session{
		{ID: "a", GroupSlug: "altos", Date: "2026-03-02", AttendanceCode: "4821", CreatedAt: 100, ExpiresAt: 1300, PresentMembers: []string{"x@choir.test"}},
		{ID: "b", GroupSlug: "altos", Date: "2026-03-09", AttendanceCode: "4821", CreatedAt: 200, ExpiresAt: 1400},
		{ID: "c", GroupSlug: "basses", Date: "2026-03-09", AttendanceCode: "5000", CreatedAt: 300, ExpiresAt: 1500},
	}
	for _, s := range seed {
		if err := sessions.CreateSession(ctx, s); err != nil {
			t.Fatalf("seed %s: %v", s.ID, err)
		}
	}

	for i := 0; i < 3; i++ {
		if err := sessions.AddMember(ctx, "b", "y@choir.test"); err != nil {
			t.Fatalf("add member: %v", err)
		}
	}
	if err := sessions.AddMember(ctx, "b", "w@choir.test"); err != nil {
		t.Fatalf("add member: %v", err)
	}

	byCode, err := sessions.SessionsByCode(ctx, "4821")
	if err != nil {
		t.Fatalf("sessions by code: %v", err)
	}
	if len(byCode) != 2 || byCode[0].ID != "a" || byCode[1].ID != "b" {
		t.Fatalf("sessions by code = %+v", byCode)
	}
	if !reflect.DeepEqual(byCode[0].PresentMembers, []string{"x@choir.test"}) {
		t.Fatalf("seeded members = %v", byCode[0].PresentMembers)
	}
	if !reflect.DeepEqual(byCode[1].PresentMembers, []string{"w@choir.test", "y@choir.test"}) {
		t.Fatalf("members = %v, want w and y once each", byCode[1].PresentMembers)
	}

	dates, err := sessions.SessionDates(ctx, "altos")
	if err != nil {
		t.Fatalf("session dates: %v", err)
	}
	if len(dates) != 2 {
		t.Fatalf("dates = %v, want two distinct dates", dates)
	}

	missing, err := sessions.SessionsByCode(ctx, "0000")
	if err != nil {
		t.Fatalf("sessions by unknown code: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("sessions by unknown code = %+v", missing)
	}
}

func TestRedisSessions_ServiceConcurrentRegistration(t *testing.T) {
	ctx := context.Background()
	sessions, _ := newTestRedisSessions(t)
	now := time.Date(2026, 3, 4, 19, 0, 0, 0, time.UTC)
	svc := attendance.NewService(sessions, attendance.Options{
		Duration: 1200 * time.Second,
		Clock:    func() time.Time { return now },
		NewCode:  func() string { return "4821" },
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	leader := attendance.AuthContext{Identifier: "leader@choir.test", Role: attendance.RoleLeader}

	started, err := svc.Start(ctx, leader, "altos")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	again, err := svc.Start(ctx, leader, "altos")
	if err != nil {
		t.Fatalf("start again: %v", err)
	}
	if again.AttendanceCode != started.AttendanceCode || again.Created {
		t.Fatalf("start again = %+v, want existing %+v", again, started)
	}

	const members = 25
	var wg sync.WaitGroup
	for i := 0; i < members; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			caller := attendance.AuthContext{Identifier: fmt.Sprintf("singer-%02d@choir.test", i), Role: attendance.RoleUser}
			if err := svc.Register(ctx, caller, attendance.RegisterInput{AttendanceCode: "4821"}); err != nil {
				t.Errorf("register %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	present, err := svc.DayAttendance(ctx, leader, "altos", "2026-03-04")
	if err != nil {
		t.Fatalf("day attendance: %v", err)
	}
	if len(present) != members {
		t.Fatalf("present = %d, want %d", len(present), members)
	}
}

func TestRedisSessions_ServiceStartsAgainJustAfterExpiry(t *testing.T) {
	ctx := context.Background()
	sessions, _ := newTestRedisSessions(t)
	var mu sync.Mutex
	now := time.Unix(1000, 900*int64(time.Millisecond)).UTC()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	codes := []string{"1111", "2222"}
	svc := attendance.NewService(sessions, attendance.Options{
		Duration: 1200 * time.Second,
		Clock:    clock,
		NewCode: func() string {
			mu.Lock()
			defer mu.Unlock()
			code := codes[0]
			codes = codes[1:]
			return code
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	leader := attendance.AuthContext{Identifier: "leader@choir.test", Role: attendance.RoleLeader}

	first, err := svc.Start(ctx, leader, "altos")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if first.ExpiresAt != 2200 {
		t.Fatalf("expires at = %d, want 2200", first.ExpiresAt)
	}

	// Redis time is not advanced, so the claim key is still present.
	mu.Lock()
	now = now.Add(1199600 * time.Millisecond)
	mu.Unlock()

	status, err := svc.Status(ctx, leader, "altos")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Active {
		t.Fatalf("status = %+v, want inactive after expiry", status)
	}
	second, err := svc.Start(ctx, leader, "altos")
	if err != nil {
		t.Fatalf("start after expiry: %v (kind %s)", err, attendance.KindOf(err))
	}
	if !second.Created || second.AttendanceCode != "2222" || second.ExpiresAt != 3400 {
		t.Fatalf("start after expiry = %+v, want a new session with code 2222", second)
	}
}

func TestRedisSessions_CodeIndexDropsSessionsPastRetention(t *testing.T) {
	ctx := context.Background()
	sessions, mr := newTestRedisSessions(t)
	sessions.WithCodeRetention(time.Hour)

	seed := []attendance.Session{
		{ID: "old", GroupSlug: "altos", Date: "2026-03-02", AttendanceCode: "4821", CreatedAt: 1000, ExpiresAt: 2200},
		{ID: "recent", GroupSlug: "basses", Date: "2026-03-04", AttendanceCode: "4821", CreatedAt: 4000, ExpiresAt: 5200},
	}
	for _, s := range seed {
		if err := sessions.CreateSession(ctx, s); err != nil {
			t.Fatalf("seed %s: %v", s.ID, err)
		}
	}
	byCode, err := sessions.SessionsByCode(ctx, "4821")
	if err != nil {
		t.Fatalf("sessions by code: %v", err)
	}
	if len(byCode) != 2 {
		t.Fatalf("sessions by code = %+v, want both within retention", byCode)
	}

	reissued := attendance.Session{ID: "new", GroupSlug: "tenors", Date: "2026-03-05", AttendanceCode: "4821", CreatedAt: 6000, ExpiresAt: 7200}
	if err := sessions.CreateSession(ctx, reissued); err != nil {
		t.Fatalf("reissue: %v", err)
	}
	byCode, err = sessions.SessionsByCode(ctx, "4821")
	if err != nil {
		t.Fatalf("sessions by code: %v", err)
	}
	if len(byCode) != 2 || byCode[0].ID != "recent" || byCode[1].ID != "new" {
		t.Fatalf("sessions by code = %+v, want recent then new", byCode)
	}
	if members, _ := mr.ZMembers("test:code:4821"); len(members) != 2 {
		t.Fatalf("code index = %v, want old session pruned", members)
	}

	day, err := sessions.SessionsForDay(ctx, "altos", "2026-03-02")
	if err != nil {
		t.Fatalf("sessions for day: %v", err)
	}
	if len(day) != 1 || day[0].ID != "old" {
		t.Fatalf("day history = %+v, want pruned session kept", day)
	}
}
