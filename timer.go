package cnsocket

import (
	"time"

	"github.com/pkg/errors"
)

// TimerFunc is a periodic callback. It runs on the loop goroutine with the
// same constraints as a HandlerFunc.
type TimerFunc func(srv *Server, now time.Time)

type timerEntry struct {
	fn    TimerFunc
	delta time.Duration
	next  time.Time
}

// TimerScheduler holds periodic callbacks driven by the event loop.
// Each entry is rescheduled from its own fire time, not from the wake time,
// so a late wake neither fires an entry twice nor shifts later firings.
type TimerScheduler struct {
	clock   func() time.Time
	entries []*timerEntry
	sealed  bool
}

// NewTimerScheduler returns an empty scheduler. A nil clock means time.Now.
func NewTimerScheduler(clock func() time.Time) *TimerScheduler {
	if clock == nil {
		clock = time.Now
	}
	return &TimerScheduler{clock: clock}
}

// Register adds fn to fire every interval, first at now+interval.
func (t *TimerScheduler) Register(fn TimerFunc, interval time.Duration) error {
	if t.sealed {
		return ErrServerRunning
	}
	if fn == nil {
		return errors.New("nil timer func")
	}
	if interval <= 0 {
		return errors.Errorf("timer interval must be positive, got %v", interval)
	}
	t.entries = append(t.entries, &timerEntry{
		fn:    fn,
		delta: interval,
		next:  t.clock().Add(interval),
	})
	return nil
}

// Len returns the number of registered timers.
func (t *TimerScheduler) Len() int {
	return len(t.entries)
}

// NextDeadline returns the earliest scheduled fire time.
func (t *TimerScheduler) NextDeadline() (time.Time, bool) {
	var earliest time.Time
	for i, e := range t.entries {
		if i == 0 || e.next.Before(earliest) {
			earliest = e.next
		}
	}
	return earliest, len(t.entries) > 0
}

// Fire runs every entry whose fire time is at or before now and returns how
// many ran. An entry fires at most once per call. Entries are rescheduled
// before they run, so a callback that panics is not retried on the next call.
// With a non-nil srv a panic is recovered and logged by the server.
func (t *TimerScheduler) Fire(srv *Server, now time.Time) int {
	fired := 0
	for _, e := range t.entries {
		if e.next.After(now) {
			continue
		}
		e.advance(now)

		if srv != nil {
			srv.runTimer(e.fn, now)
		} else {
			e.fn(srv, now)
		}
		fired++
	}
	return fired
}

// advance moves next to the first period boundary after now, skipping
// missed periods in one step.
func (e *timerEntry) advance(now time.Time) {
	e.next = e.next.Add(e.delta)
	if !e.next.After(now) {
		missed := now.Sub(e.next)/e.delta + 1
		e.next = e.next.Add(missed * e.delta)
	}
}

// Clear drops every entry.
func (t *TimerScheduler) Clear() {
	t.entries = nil
}

func (t *TimerScheduler) seal() {
	t.sealed = true
}
