package cnsocket

import (
	"testing"
	"time"
)

// fakeClock is a manually advanced clock. Not safe for concurrent use.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestTimerScheduler_Register(t *testing.T) {
	ts := NewTimerScheduler(nil)

	if err := ts.Register(func(*Server, time.Time) {}, time.Second); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := ts.Register(nil, time.Second); err == nil {
		t.Error("expected error for nil func")
	}
	if err := ts.Register(func(*Server, time.Time) {}, 0); err == nil {
		t.Error("expected error for zero interval")
	}
	if ts.Len() != 1 {
		t.Errorf("Len = %d, want 1", ts.Len())
	}

	ts.seal()
	if err := ts.Register(func(*Server, time.Time) {}, time.Second); err != ErrServerRunning {
		t.Errorf("expected ErrServerRunning, got %v", err)
	}
}

func TestTimerScheduler_FirstFireAndReschedule(t *testing.T) {
	clock := newFakeClock()
	t0 := clock.Now()
	ts := NewTimerScheduler(clock.Now)

	const (
		delta = 100 * time.Millisecond
		step  = 30 * time.Millisecond
	)

	var fired []time.Time
	if err := ts.Register(func(_ *Server, now time.Time) { fired = append(fired, now) }, delta); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Wakes at 30, 60, 90, 120: the first at or after t0+100 is 120.
	for i := 0; i < 4; i++ {
		clock.Advance(step)
		ts.Fire(nil, clock.Now())
	}
	if len(fired) != 1 || !fired[0].Equal(t0.Add(120*time.Millisecond)) {
		t.Fatalf("fired at %v, want once at t0+120ms", fired)
	}

	next, ok := ts.NextDeadline()
	if !ok || !next.Equal(t0.Add(2*delta)) {
		t.Errorf("next fire = %v, want t0+200ms (fire time + delta, not wake + delta)", next.Sub(t0))
	}

	// Wakes at 150, 180, 210: fires at 210, next is t0+300.
	for i := 0; i < 3; i++ {
		clock.Advance(step)
		ts.Fire(nil, clock.Now())
	}
	if len(fired) != 2 || !fired[1].Equal(t0.Add(210*time.Millisecond)) {
		t.Fatalf("second fire = %v, want t0+210ms", fired)
	}
	if next, _ := ts.NextDeadline(); !next.Equal(t0.Add(3 * delta)) {
		t.Errorf("next fire = %v, want t0+300ms", next.Sub(t0))
	}
}

func TestTimerScheduler_LateWakeFiresOnce(t *testing.T) {
	clock := newFakeClock()
	t0 := clock.Now()
	ts := NewTimerScheduler(clock.Now)

	calls := 0
	ts.Register(func(*Server, time.Time) { calls++ }, 100*time.Millisecond)

	clock.Advance(550 * time.Millisecond)
	if n := ts.Fire(nil, clock.Now()); n != 1 {
		t.Errorf("Fire ran %d timers, want 1", n)
	}
	if n := ts.Fire(nil, clock.Now()); n != 0 {
		t.Errorf("second Fire at the same time ran %d timers, want 0", n)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if next, _ := ts.NextDeadline(); !next.Equal(t0.Add(600 * time.Millisecond)) {
		t.Errorf("next fire = %v, want t0+600ms on the original grid", next.Sub(t0))
	}
}

func TestTimerScheduler_NextDeadline(t *testing.T) {
	clock := newFakeClock()
	t0 := clock.Now()
	ts := NewTimerScheduler(clock.Now)

	if _, ok := ts.NextDeadline(); ok {
		t.Error("NextDeadline reported a deadline with no timers")
	}

	ts.Register(func(*Server, time.Time) {}, time.Second)
	ts.Register(func(*Server, time.Time) {}, 250*time.Millisecond)
	ts.Register(func(*Server, time.Time) {}, 2*time.Second)

	next, ok := ts.NextDeadline()
	if !ok || !next.Equal(t0.Add(250*time.Millisecond)) {
		t.Errorf("NextDeadline = %v, want t0+250ms", next.Sub(t0))
	}

	ts.Clear()
	if ts.Len() != 0 {
		t.Errorf("Len = %d after Clear", ts.Len())
	}
}

func TestTimerScheduler_IndependentEntries(t *testing.T) {
	clock := newFakeClock()
	ts := NewTimerScheduler(clock.Now)

	var fast, slow int
	ts.Register(func(*Server, time.Time) { fast++ }, 10*time.Millisecond)
	ts.Register(func(*Server, time.Time) { slow++ }, 50*time.Millisecond)

	for i := 0; i < 100; i++ {
		clock.Advance(5 * time.Millisecond)
		ts.Fire(nil, clock.Now())
	}
	if fast != 50 || slow != 10 {
		t.Errorf("fast = %d, slow = %d; want 50 and 10", fast, slow)
	}
}

func TestTimerScheduler_CatchUpSkipsMissedPeriods(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		stall    time.Duration
		want     time.Duration
	}{
		{"on grid", time.Nanosecond, 2 * time.Second, 2*time.Second + time.Nanosecond},
		{"off grid", 300 * time.Millisecond, time.Second, 1200 * time.Millisecond},
		{"exactly due", 100 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			t0 := clock.Now()
			ts := NewTimerScheduler(clock.Now)

			calls := 0
			ts.Register(func(*Server, time.Time) { calls++ }, tt.interval)

			clock.Advance(tt.stall)
			ts.Fire(nil, clock.Now())

			if calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
			if next, _ := ts.NextDeadline(); !next.Equal(t0.Add(tt.want)) {
				t.Errorf("next fire = t0+%v, want t0+%v", next.Sub(t0), tt.want)
			}
		})
	}
}

func TestTimerScheduler_RescheduledBeforeRun(t *testing.T) {
	clock := newFakeClock()
	t0 := clock.Now()
	ts := NewTimerScheduler(clock.Now)

	var seen time.Time
	ts.Register(func(*Server, time.Time) {
		seen, _ = ts.NextDeadline()
	}, 100*time.Millisecond)

	clock.Advance(100 * time.Millisecond)
	ts.Fire(nil, clock.Now())

	if !seen.Equal(t0.Add(200 * time.Millisecond)) {
		t.Errorf("deadline seen by callback = t0+%v, want t0+200ms", seen.Sub(t0))
	}
}
