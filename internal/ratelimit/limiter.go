// Package ratelimit provides per-server admission control with two
// independent windows: a 60s window anchored at the first request, and a
// daily window that resets at local midnight.
package ratelimit

import (
	"sync"
	"time"
)

const minuteWindow = 60 * time.Second

// Config is the admission budget for one server. Zero disables the cap for
// that window.
type Config struct {
	PerMinute int
	PerDay    int
}

// Decision is the outcome of a Consume or Check call.
type Decision struct {
	Allowed            bool          `json:"allowed"`
	RemainingPerMinute int           `json:"remaining_per_minute"`
	RemainingPerDay    int           `json:"remaining_per_day"`
	ResetAtMinute      time.Time     `json:"reset_at_minute"`
	ResetAtDay         time.Time     `json:"reset_at_day"`
	RetryAfter         time.Duration `json:"retry_after,omitempty"`
}

// state is the per-server counter pair. Window resets are applied lazily on
// access.
type state struct {
	cfg           Config
	minuteCount   int
	minuteResetAt time.Time
	dayCount      int
	dayResetAt    time.Time
}

// Limiter tracks admission state for all registered servers. Servers without
// a registered config are never limited.
type Limiter struct {
	mu      sync.Mutex
	servers map[string]*state
	now     func() time.Time
}

// NewLimiter creates a limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		servers: make(map[string]*state),
		now:     time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Register installs or replaces the config for a server. Counters are
// preserved across config replacement.
func (l *Limiter) Register(serverID string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.servers[serverID]; ok {
		s.cfg = cfg
		return
	}
	l.servers[serverID] = &state{cfg: cfg}
}

// Unregister removes a server's config and counters.
func (l *Limiter) Unregister(serverID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.servers, serverID)
}

// Consume evaluates both windows and, iff both pass, increments both
// counters by one.
func (l *Limiter) Consume(serverID string) Decision {
	return l.evaluate(serverID, true)
}

// Check is Consume without mutation.
func (l *Limiter) Check(serverID string) Decision {
	return l.evaluate(serverID, false)
}

// Reset zeroes the counters for one server.
func (l *Limiter) Reset(serverID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.servers[serverID]; ok {
		s.minuteCount, s.dayCount = 0, 0
		s.minuteResetAt, s.dayResetAt = time.Time{}, time.Time{}
	}
}

// ResetAll zeroes the counters for every server.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.servers {
		s.minuteCount, s.dayCount = 0, 0
		s.minuteResetAt, s.dayResetAt = time.Time{}, time.Time{}
	}
}

func (l *Limiter) evaluate(serverID string, consume bool) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	s, ok := l.servers[serverID]
	if !ok {
		// No config means no limiting.
		return Decision{Allowed: true, RemainingPerMinute: -1, RemainingPerDay: -1}
	}

	// Lazily reset expired windows. The minute window re-anchors at the next
	// request; the day window at local midnight + 1ms.
	if !s.minuteResetAt.IsZero() && !now.Before(s.minuteResetAt) {
		s.minuteCount = 0
		s.minuteResetAt = time.Time{}
	}
	if !s.dayResetAt.IsZero() && !now.Before(s.dayResetAt) {
		s.dayCount = 0
		s.dayResetAt = time.Time{}
	}

	minuteOK := s.cfg.PerMinute <= 0 || s.minuteCount < s.cfg.PerMinute
	dayOK := s.cfg.PerDay <= 0 || s.dayCount < s.cfg.PerDay

	d := Decision{Allowed: minuteOK && dayOK}

	if d.Allowed && consume {
		if s.minuteResetAt.IsZero() {
			s.minuteResetAt = now.Add(minuteWindow)
		}
		if s.dayResetAt.IsZero() {
			s.dayResetAt = nextMidnight(now)
		}
		s.minuteCount++
		s.dayCount++
	}

	d.ResetAtMinute = s.minuteResetAt
	d.ResetAtDay = s.dayResetAt
	d.RemainingPerMinute = remaining(s.cfg.PerMinute, s.minuteCount)
	d.RemainingPerDay = remaining(s.cfg.PerDay, s.dayCount)

	if !d.Allowed {
		var retry time.Duration
		if !minuteOK {
			retry = minNonzero(retry, s.minuteResetAt.Sub(now))
		}
		if !dayOK {
			retry = minNonzero(retry, s.dayResetAt.Sub(now))
		}
		d.RetryAfter = retry
	}
	return d
}

func remaining(limit, count int) int {
	if limit <= 0 {
		return -1 // uncapped
	}
	if count >= limit {
		return 0
	}
	return limit - count
}

func minNonzero(a, b time.Duration) time.Duration {
	if b <= 0 {
		return a
	}
	if a <= 0 || b < a {
		return b
	}
	return a
}

// nextMidnight returns the next local midnight plus one millisecond.
func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location()).
		AddDate(0, 0, 1).
		Add(time.Millisecond)
}
