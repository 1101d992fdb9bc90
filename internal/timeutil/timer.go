package timeutil

import (
	"sync"
	"time"
)

// Timer wraps time.Timer with a queryable state and an explicit,
// race-free Stop. Once stopped or expired a Timer never fires again;
// Reset rearms it with a new duration.
//
// Owners of a Timer are expected to do two things: stop it on every
// transition that invalidates it, and re-check their own state at the
// top of the callback. Stop alone is not enough because the callback
// may already be scheduled when Stop is called.
type Timer struct {
	mu       sync.Mutex
	start    time.Time
	duration time.Duration
	stopped  bool
	fired    bool
	callback func()
	timer    *time.Timer
}

// AfterFunc creates a started Timer that calls f in its own goroutine
// after the duration elapses. A non-positive duration fires immediately.
func AfterFunc(duration time.Duration, f func()) *Timer {
	t := &Timer{
		start:    time.Now(),
		duration: duration,
		callback: f,
	}
	t.arm(duration)
	return t
}

func (t *Timer) arm(d time.Duration) {
	if d <= 0 {
		d = 1
	}
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.stopped || t.fired {
			t.mu.Unlock()
			return
		}
		t.fired = true
		f := t.callback
		t.mu.Unlock()

		if f != nil {
			f()
		}
	})
}

// Stop cancels the timer. It returns false if the timer already fired
// or was already stopped.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}

// Reset rearms the timer with a new duration counted from now.
// The callback is preserved.
func (t *Timer) Reset(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.start = time.Now()
	t.duration = duration
	t.stopped = false
	t.fired = false
	t.arm(duration)
}

// Left returns the time remaining until the timer fires,
// or 0 if it is stopped or already fired.
func (t *Timer) Left() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || t.fired {
		return 0
	}
	left := t.duration - time.Since(t.start)
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether the timer callback has run.
func (t *Timer) Expired() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}
