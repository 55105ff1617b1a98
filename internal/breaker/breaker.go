// Package breaker implements the per-server circuit breaker protecting
// upstream servers from repeated failing calls.
//
// Each server owns an independent CLOSED/OPEN/HALF_OPEN state machine.
// Admission in HALF_OPEN is deliberately permissive: every call is admitted
// until a failure reopens the circuit. Under burst load this lets several
// concurrent probes through; the first failure wins.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/internal/events"
)

// State is a circuit state.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config parameterizes one server's breaker.
type Config struct {
	// FailureThreshold is the failure count that opens a CLOSED circuit.
	FailureThreshold int
	// SuccessThreshold is the consecutive-success count that closes a
	// HALF_OPEN circuit.
	SuccessThreshold int
	// Timeout is how long an OPEN circuit waits before probing.
	Timeout time.Duration
	// VolumeThreshold is the minimum request count before failures can open
	// the circuit. Zero means a single failure is enough.
	VolumeThreshold int
}

// DefaultConfig returns the breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		VolumeThreshold:  5,
	}
}

// Status is a snapshot of one server's breaker.
type Status struct {
	ServerID        string    `json:"server_id"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	RequestCount    int       `json:"request_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	LastStateChange time.Time `json:"last_state_change"`
}

type circuit struct {
	mu              sync.Mutex
	cfg             Config
	state           State
	failureCount    int
	successCount    int
	requestCount    int
	lastFailureTime time.Time
	lastStateChange time.Time
	forcedOpen      bool
}

// Registry holds the breakers for all known servers.
type Registry struct {
	mu       sync.RWMutex
	circuits map[string]*circuit
	defaults Config
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry creates a breaker registry publishing transitions on bus.
func NewRegistry(defaults Config, bus *events.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		circuits: make(map[string]*circuit),
		defaults: defaults,
		bus:      bus,
		logger:   logger.With("component", "breaker"),
		now:      time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Register installs a breaker for a server with the given config.
func (r *Registry) Register(serverID string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.circuits[serverID] = &circuit{cfg: cfg, state: Closed, lastStateChange: r.now()}
}

// Unregister removes a server's breaker.
func (r *Registry) Unregister(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.circuits, serverID)
}

func (r *Registry) get(serverID string) *circuit {
	r.mu.RLock()
	c := r.circuits[serverID]
	r.mu.RUnlock()
	if c != nil {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c = r.circuits[serverID]; c == nil {
		c = &circuit{cfg: r.defaults, state: Closed, lastStateChange: r.now()}
		r.circuits[serverID] = c
	}
	return c
}

// Admit reports whether a call to the server may proceed. An OPEN circuit
// transitions to HALF_OPEN once its timeout has elapsed.
func (r *Registry) Admit(serverID string) bool {
	c := r.get(serverID)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Open:
		if c.forcedOpen {
			return false
		}
		if r.now().Sub(c.lastFailureTime) >= c.cfg.Timeout {
			r.transition(serverID, c, HalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// RetryAfter reports how long until an OPEN circuit will next admit.
func (r *Registry) RetryAfter(serverID string) time.Duration {
	c := r.get(serverID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Open {
		return 0
	}
	d := c.cfg.Timeout - r.now().Sub(c.lastFailureTime)
	if d < 0 {
		d = 0
	}
	return d
}

// RecordSuccess notes a successful call.
func (r *Registry) RecordSuccess(serverID string) {
	c := r.get(serverID)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestCount++
	switch c.state {
	case HalfOpen:
		c.successCount++
		if c.successCount >= c.cfg.SuccessThreshold {
			r.transition(serverID, c, Closed)
		}
	case Closed:
		c.successCount++
	}
}

// RecordFailure notes a failed call and may open the circuit.
func (r *Registry) RecordFailure(serverID string) {
	c := r.get(serverID)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestCount++
	c.failureCount++
	c.lastFailureTime = r.now()

	switch c.state {
	case HalfOpen:
		r.transition(serverID, c, Open)
	case Closed:
		// A zero volume threshold means any failure opens the circuit.
		if c.cfg.VolumeThreshold <= 0 ||
			(c.requestCount >= c.cfg.VolumeThreshold && c.failureCount >= c.cfg.FailureThreshold) {
			r.transition(serverID, c, Open)
		}
	}
}

// ForceOpen pins the circuit open until ForceClose.
func (r *Registry) ForceOpen(serverID string) {
	c := r.get(serverID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forcedOpen = true
	c.lastFailureTime = r.now()
	if c.state != Open {
		r.transition(serverID, c, Open)
	}
}

// ForceClose closes the circuit and clears any forced-open pin.
func (r *Registry) ForceClose(serverID string) {
	c := r.get(serverID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forcedOpen = false
	if c.state != Closed {
		r.transition(serverID, c, Closed)
	}
}

// Status snapshots one server's breaker.
func (r *Registry) Status(serverID string) Status {
	c := r.get(serverID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		ServerID:        serverID,
		State:           c.state,
		FailureCount:    c.failureCount,
		SuccessCount:    c.successCount,
		RequestCount:    c.requestCount,
		LastFailureTime: c.lastFailureTime,
		LastStateChange: c.lastStateChange,
	}
}

// All snapshots every registered breaker.
func (r *Registry) All() []Status {
	r.mu.RLock()
	ids := make([]string, 0, len(r.circuits))
	for id := range r.circuits {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.Status(id))
	}
	return out
}

// transition moves the circuit to the target state. Caller holds c.mu.
func (r *Registry) transition(serverID string, c *circuit, to State) {
	from := c.state
	c.state = to
	c.lastStateChange = r.now()

	switch to {
	case Closed:
		c.failureCount = 0
		c.successCount = 0
		c.requestCount = 0
	case HalfOpen:
		c.successCount = 0
	}

	r.logger.Info("circuit transition", "server", serverID, "from", from, "to", to)

	if r.bus != nil {
		evType := events.CircuitClosed
		switch to {
		case Open:
			evType = events.CircuitOpened
		case HalfOpen:
			evType = events.CircuitHalfOpen
		}
		r.bus.Publish(events.Event{
			Type:     evType,
			ServerID: serverID,
			Data:     map[string]any{"from": string(from), "to": string(to)},
		})
	}
}
