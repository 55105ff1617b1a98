package ratelimit

import (
	"testing"
	"time"
)

// fakeClock is an adjustable time source.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 15, 10, 0, 0, 0, time.Local)}
}

func TestConsume_MinuteWindow(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter()
	l.SetClock(clock.now)
	l.Register("x", Config{PerMinute: 3, PerDay: 10})

	wantRemaining := []int{2, 1, 0}
	for i, want := range wantRemaining {
		d := l.Consume("x")
		if !d.Allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
		if d.RemainingPerMinute != want {
			t.Errorf("call %d: remaining = %d, want %d", i+1, d.RemainingPerMinute, want)
		}
	}

	d := l.Consume("x")
	if d.Allowed {
		t.Fatal("4th call should be denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 60*time.Second {
		t.Errorf("retryAfter = %v, want in (0, 60s]", d.RetryAfter)
	}

	clock.advance(60*time.Second + time.Millisecond)
	d = l.Consume("x")
	if !d.Allowed {
		t.Fatal("call after window reset should be allowed")
	}
	if d.RemainingPerMinute != 2 {
		t.Errorf("remaining after reset = %d, want 2", d.RemainingPerMinute)
	}
}

func TestConsume_DayWindow(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter()
	l.SetClock(clock.now)
	l.Register("x", Config{PerMinute: 0, PerDay: 2})

	if d := l.Consume("x"); !d.Allowed || d.RemainingPerDay != 1 {
		t.Fatalf("first consume: %+v", d)
	}
	// Minute window must be uncapped.
	if d := l.Consume("x"); !d.Allowed || d.RemainingPerMinute != -1 {
		t.Fatalf("second consume: %+v", d)
	}
	d := l.Consume("x")
	if d.Allowed {
		t.Fatal("third consume should exceed daily cap")
	}

	// Day resets at local midnight + 1ms.
	y, m, dd := clock.t.Date()
	wantReset := time.Date(y, m, dd, 0, 0, 0, 0, clock.t.Location()).AddDate(0, 0, 1).Add(time.Millisecond)
	if !d.ResetAtDay.Equal(wantReset) {
		t.Errorf("day reset = %v, want %v", d.ResetAtDay, wantReset)
	}

	clock.t = wantReset
	if d := l.Consume("x"); !d.Allowed {
		t.Error("consume after midnight should be allowed")
	}
}

func TestConsume_Unregistered(t *testing.T) {
	l := NewLimiter()
	for i := 0; i < 100; i++ {
		if d := l.Consume("nope"); !d.Allowed {
			t.Fatal("unregistered server must never be limited")
		}
	}
}

func TestCheck_DoesNotMutate(t *testing.T) {
	l := NewLimiter()
	l.Register("x", Config{PerMinute: 1})

	for i := 0; i < 5; i++ {
		if d := l.Check("x"); !d.Allowed {
			t.Fatal("check must not consume")
		}
	}
	if d := l.Consume("x"); !d.Allowed {
		t.Fatal("first real consume should pass")
	}
	if d := l.Check("x"); d.Allowed {
		t.Error("check after exhaustion should report denial")
	}
}

func TestReset(t *testing.T) {
	l := NewLimiter()
	l.Register("x", Config{PerMinute: 1})
	l.Register("y", Config{PerMinute: 1})

	l.Consume("x")
	l.Consume("y")
	l.Reset("x")

	if d := l.Consume("x"); !d.Allowed {
		t.Error("x should be allowed after Reset")
	}
	if d := l.Consume("y"); d.Allowed {
		t.Error("y should still be exhausted")
	}

	l.ResetAll()
	if d := l.Consume("y"); !d.Allowed {
		t.Error("y should be allowed after ResetAll")
	}
}

func TestRegister_ReplacePreservesCounters(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter()
	l.SetClock(clock.now)
	l.Register("x", Config{PerMinute: 2})

	l.Consume("x")
	l.Register("x", Config{PerMinute: 3})

	d := l.Consume("x")
	if d.RemainingPerMinute != 1 {
		t.Errorf("remaining = %d, want 1 (counter kept, cap raised)", d.RemainingPerMinute)
	}
}

func TestRetryAfter_MinOfViolatedWindows(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter()
	l.SetClock(clock.now)
	l.Register("x", Config{PerMinute: 1, PerDay: 1})

	l.Consume("x")
	d := l.Consume("x")
	if d.Allowed {
		t.Fatal("should be denied")
	}
	// Both caps violated; the minute distance is the smaller.
	if d.RetryAfter != 60*time.Second {
		t.Errorf("retryAfter = %v, want 60s", d.RetryAfter)
	}
}
