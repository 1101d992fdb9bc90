package timeutil_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/sipward/sipua/internal/timeutil"
)

func TestAfterFunc(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	tmr := timeutil.AfterFunc(10*time.Millisecond, func() {
		fired.Add(1)
	})

	time.Sleep(50 * time.Millisecond)

	if got := fired.Load(); got != 1 {
		t.Fatalf("callback ran %d times, want 1", got)
	}
	if !tmr.Expired() {
		t.Fatal("tmr.Expired() = false after firing")
	}
	if left := tmr.Left(); left != 0 {
		t.Fatalf("tmr.Left() = %v after firing, want 0", left)
	}
	if tmr.Stop() {
		t.Fatal("tmr.Stop() = true after firing")
	}
}

func TestAfterFuncNonPositiveDuration(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{}, 1)
	timeutil.AfterFunc(-time.Second, func() {
		fired <- struct{}{}
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback never ran for a non-positive duration")
	}
}

func TestTimerStop(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	tmr := timeutil.AfterFunc(50*time.Millisecond, func() {
		fired.Add(1)
	})

	if !tmr.Stop() {
		t.Fatal("tmr.Stop() = false on a running timer")
	}
	if tmr.Stop() {
		t.Fatal("tmr.Stop() = true on a stopped timer")
	}

	time.Sleep(100 * time.Millisecond)

	if got := fired.Load(); got != 0 {
		t.Fatalf("callback ran %d times after Stop(), want 0", got)
	}
	if tmr.Expired() {
		t.Fatal("tmr.Expired() = true on a stopped timer")
	}
	if left := tmr.Left(); left != 0 {
		t.Fatalf("tmr.Left() = %v on a stopped timer, want 0", left)
	}
}

func TestTimerLeft(t *testing.T) {
	t.Parallel()

	tmr := timeutil.AfterFunc(time.Minute, func() {})
	defer tmr.Stop()

	left := tmr.Left()
	if left <= 0 || left > time.Minute {
		t.Fatalf("tmr.Left() = %v, want within (0, 1m]", left)
	}
}

func TestTimerReset(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	tmr := timeutil.AfterFunc(time.Minute, func() {
		fired.Add(1)
	})

	// Reset pulls the deadline in, the callback is preserved.
	tmr.Reset(10 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	if got := fired.Load(); got != 1 {
		t.Fatalf("callback ran %d times after Reset(), want 1", got)
	}
}

func TestTimerResetAfterStop(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	tmr := timeutil.AfterFunc(10*time.Millisecond, func() {
		fired.Add(1)
	})
	tmr.Stop()

	tmr.Reset(10 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	if got := fired.Load(); got != 1 {
		t.Fatalf("callback ran %d times after rearming, want 1", got)
	}
	if !tmr.Expired() {
		t.Fatal("tmr.Expired() = false after rearming and firing")
	}
}

func TestNilTimer(t *testing.T) {
	t.Parallel()

	var tmr *timeutil.Timer
	if tmr.Stop() {
		t.Fatal("nil.Stop() = true, want false")
	}
	if left := tmr.Left(); left != 0 {
		t.Fatalf("nil.Left() = %v, want 0", left)
	}
	if tmr.Expired() {
		t.Fatal("nil.Expired() = true, want false")
	}
}
