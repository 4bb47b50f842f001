package reaper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Kyuzan0/account-manager-sub000/internal/activity"
	"github.com/Kyuzan0/account-manager-sub000/internal/store"
)

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func seedRecord(t *testing.T, s store.RecordStore, id string, occurredAt, expiresAt time.Time, permanent bool) {
	t.Helper()
	rec := &activity.Record{
		ID:      id,
		Kind:    activity.KindAccountView,
		Status:  activity.StatusPending,
		ActorID: "actor-1",
		Request: activity.RequestContext{OccurredAt: occurredAt},
		Retention: activity.Retention{
			ExpiresAt: expiresAt,
			Permanent: permanent,
		},
	}
	if err := s.CreateRecord(context.Background(), rec); err != nil {
		t.Fatalf("seed CreateRecord(%s): %v", id, err)
	}
}

func TestRunOnceDeletesExpired(t *testing.T) {
	s := store.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := New(Config{}, s, clock, nil)
	ctx := context.Background()

	seedRecord(t, s, "expired", clock.now.Add(-91*24*time.Hour), clock.now.Add(-24*time.Hour), false)
	seedRecord(t, s, "fresh", clock.now.Add(-time.Minute), clock.now.Add(90*24*time.Hour), false)

	if err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if _, err := s.Get(ctx, "expired"); !store.IsNotFound(err) {
		t.Error("expired record survived")
	}
	if _, err := s.Get(ctx, "fresh"); err != nil {
		t.Errorf("fresh record was deleted: %v", err)
	}
}

func TestRunOncePermanentSurvives(t *testing.T) {
	s := store.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := New(Config{}, s, clock, nil)
	ctx := context.Background()

	// Expired by age but flagged permanent, for example by the risk scorer.
	seedRecord(t, s, "flagged", clock.now.Add(-365*24*time.Hour), clock.now.Add(-300*24*time.Hour), true)

	if err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if _, err := s.Get(ctx, "flagged"); err != nil {
		t.Errorf("permanent record was deleted: %v", err)
	}
}

func TestRunOnceSweepsStalePending(t *testing.T) {
	s := store.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := New(Config{PendingCeiling: 10 * time.Minute}, s, clock, nil)
	ctx := context.Background()

	far := clock.now.Add(90 * 24 * time.Hour)
	seedRecord(t, s, "stale", clock.now.Add(-time.Hour), far, false)
	seedRecord(t, s, "recent", clock.now.Add(-time.Minute), far, false)

	if err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	got, err := s.Get(ctx, "stale")
	if err != nil {
		t.Fatalf("Get(stale) error = %v", err)
	}
	if got.Status != activity.StatusTimeout {
		t.Errorf("stale status = %q, want TIMEOUT", got.Status)
	}

	got, _ = s.Get(ctx, "recent")
	if got.Status != activity.StatusPending {
		t.Errorf("recent status = %q, want still PENDING", got.Status)
	}
}

func TestRunOnceIdempotent(t *testing.T) {
	s := store.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := New(Config{PendingCeiling: 10 * time.Minute}, s, clock, nil)
	ctx := context.Background()

	seedRecord(t, s, "expired", clock.now.Add(-91*24*time.Hour), clock.now.Add(-24*time.Hour), false)
	seedRecord(t, s, "stale", clock.now.Add(-time.Hour), clock.now.Add(90*24*time.Hour), false)

	if err := r.RunOnce(ctx); err != nil {
		t.Fatalf("first RunOnce() error = %v", err)
	}
	if err := r.RunOnce(ctx); err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}

	got, err := s.Get(ctx, "stale")
	if err != nil {
		t.Fatalf("Get(stale) error = %v", err)
	}
	if got.Status != activity.StatusTimeout {
		t.Errorf("stale status = %q after repeat run, want TIMEOUT", got.Status)
	}
}

func TestClockAdvanceExpiresRecords(t *testing.T) {
	s := store.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := New(Config{}, s, clock, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedRecord(t, s, fmt.Sprintf("rec-%d", i), clock.now, clock.now.Add(time.Duration(i+1)*24*time.Hour), false)
	}

	if err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Get(ctx, fmt.Sprintf("rec-%d", i)); err != nil {
			t.Errorf("rec-%d deleted before expiry", i)
		}
	}

	clock.Advance(2*24*time.Hour + time.Minute)
	if err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() after advance error = %v", err)
	}

	if _, err := s.Get(ctx, "rec-0"); !store.IsNotFound(err) {
		t.Error("rec-0 survived past expiry")
	}
	if _, err := s.Get(ctx, "rec-1"); !store.IsNotFound(err) {
		t.Error("rec-1 survived past expiry")
	}
	if _, err := s.Get(ctx, "rec-2"); err != nil {
		t.Errorf("rec-2 deleted early: %v", err)
	}
}
