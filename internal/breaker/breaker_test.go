package breaker

import (
	"log/slog"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/events"
)

func testRegistry(cfg Config) (*Registry, *fakeClock, *events.Bus) {
	clock := &fakeClock{t: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)}
	bus := events.NewBus(slog.Default())
	r := NewRegistry(cfg, bus, slog.Default())
	r.SetClock(clock.now)
	return r, clock, bus
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreaker_OpensThenRecovers(t *testing.T) {
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: 100 * time.Millisecond, VolumeThreshold: 3}
	r, clock, bus := testRegistry(cfg)

	var transitions []events.Type
	bus.Subscribe(func(ev events.Event) {
		transitions = append(transitions, ev.Type)
	}, events.CircuitOpened, events.CircuitClosed, events.CircuitHalfOpen)

	for i := 0; i < 3; i++ {
		r.RecordFailure("y")
	}
	if st := r.Status("y"); st.State != Open {
		t.Fatalf("state = %s, want open", st.State)
	}
	if r.Admit("y") {
		t.Fatal("open circuit must not admit before timeout")
	}

	clock.advance(100 * time.Millisecond)
	if !r.Admit("y") {
		t.Fatal("circuit should admit after timeout")
	}
	if st := r.Status("y"); st.State != HalfOpen {
		t.Fatalf("state = %s, want half_open", st.State)
	}

	r.RecordSuccess("y")
	r.RecordSuccess("y")
	st := r.Status("y")
	if st.State != Closed {
		t.Fatalf("state = %s, want closed", st.State)
	}
	if st.FailureCount != 0 || st.SuccessCount != 0 || st.RequestCount != 0 {
		t.Errorf("counters not zeroed on close: %+v", st)
	}

	want := []events.Type{events.CircuitOpened, events.CircuitHalfOpen, events.CircuitClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second, VolumeThreshold: 1}
	r, clock, _ := testRegistry(cfg)

	r.RecordFailure("y")
	clock.advance(time.Second)
	if !r.Admit("y") {
		t.Fatal("should probe after timeout")
	}
	r.RecordFailure("y")
	if st := r.Status("y"); st.State != Open {
		t.Fatalf("state = %s, want open after half-open failure", st.State)
	}
	if r.Admit("y") {
		t.Error("reopened circuit must not admit immediately")
	}
}

func TestBreaker_VolumeThresholdGates(t *testing.T) {
	cfg := Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Second, VolumeThreshold: 5}
	r, _, _ := testRegistry(cfg)

	// Two failures but only two requests: below volume, stays closed.
	r.RecordFailure("y")
	r.RecordFailure("y")
	if st := r.Status("y"); st.State != Closed {
		t.Fatalf("state = %s, want closed below volume threshold", st.State)
	}

	r.RecordSuccess("y")
	r.RecordSuccess("y")
	r.RecordFailure("y") // 5th request, 3 failures >= threshold 2
	if st := r.Status("y"); st.State != Open {
		t.Fatalf("state = %s, want open", st.State)
	}
}

func TestBreaker_ZeroVolumeOpensOnSingleFailure(t *testing.T) {
	cfg := Config{FailureThreshold: 5, SuccessThreshold: 1, Timeout: time.Second, VolumeThreshold: 0}
	r, _, _ := testRegistry(cfg)

	r.RecordFailure("y")
	if st := r.Status("y"); st.State != Open {
		t.Fatalf("state = %s, want open on single failure", st.State)
	}
}

func TestBreaker_ForceOpenForceClose(t *testing.T) {
	r, clock, _ := testRegistry(DefaultConfig())

	r.ForceOpen("y")
	if r.Admit("y") {
		t.Fatal("forced-open circuit must not admit")
	}
	clock.advance(time.Hour)
	if r.Admit("y") {
		t.Fatal("forced-open circuit must not admit even after timeout")
	}

	r.ForceClose("y")
	if !r.Admit("y") {
		t.Fatal("force-closed circuit should admit")
	}
}

func TestBreaker_RetryAfter(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: 10 * time.Second, VolumeThreshold: 1}
	r, clock, _ := testRegistry(cfg)

	if r.RetryAfter("y") != 0 {
		t.Error("closed circuit has no retry delay")
	}
	r.RecordFailure("y")
	if got := r.RetryAfter("y"); got != 10*time.Second {
		t.Errorf("retryAfter = %v, want 10s", got)
	}
	clock.advance(4 * time.Second)
	if got := r.RetryAfter("y"); got != 6*time.Second {
		t.Errorf("retryAfter = %v, want 6s", got)
	}
}

func TestBreaker_IndependentServers(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second, VolumeThreshold: 1}
	r, _, _ := testRegistry(cfg)

	r.RecordFailure("a")
	if st := r.Status("b"); st.State != Closed {
		t.Error("server b must be unaffected by a's failures")
	}
	if !r.Admit("b") {
		t.Error("server b should admit")
	}
}
