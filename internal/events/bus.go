// Package events implements the typed in-process event bus the kernel
// components publish domain events on. Delivery is synchronous and
// fire-and-forget: subscribers run in the publisher's goroutine, a panicking
// subscriber is logged and isolated, and nothing is persisted.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type is a domain event kind. The set is closed.
type Type string

const (
	ServerConnected    Type = "server.connected"
	ServerDisconnected Type = "server.disconnected"
	ServerError        Type = "server.error"

	ToolInvoked Type = "tool.invoked"
	ToolFailed  Type = "tool.failed"

	CircuitOpened   Type = "circuit.opened"
	CircuitClosed   Type = "circuit.closed"
	CircuitHalfOpen Type = "circuit.half_open"

	WorkflowStarted      Type = "workflow.started"
	WorkflowCompleted    Type = "workflow.completed"
	WorkflowFailed       Type = "workflow.failed"
	WorkflowPausedBudget Type = "workflow.paused_budget"

	BudgetThreshold50 Type = "budget.threshold_50_reached"
	BudgetThreshold75 Type = "budget.threshold_75_reached"
	BudgetThreshold90 Type = "budget.threshold_90_reached"
	BudgetExceeded    Type = "budget.exceeded"
)

// All lists every event kind, for match-all subscriptions.
var All = []Type{
	ServerConnected, ServerDisconnected, ServerError,
	ToolInvoked, ToolFailed,
	CircuitOpened, CircuitClosed, CircuitHalfOpen,
	WorkflowStarted, WorkflowCompleted, WorkflowFailed, WorkflowPausedBudget,
	BudgetThreshold50, BudgetThreshold75, BudgetThreshold90, BudgetExceeded,
}

// Event is one published occurrence.
type Event struct {
	Type      Type           `json:"type"`
	ServerID  string         `json:"server_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Handler consumes events. Handlers must not block for long; they run on
// the publisher's goroutine.
type Handler func(Event)

// Subscription identifies a registered handler for later removal.
type Subscription int64

// Bus is the process-wide event dispatcher.
type Bus struct {
	mu       sync.RWMutex
	nextID   Subscription
	byType   map[Type]map[Subscription]Handler
	wildcard map[Subscription]Handler
	logger   *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		byType:   make(map[Type]map[Subscription]Handler),
		wildcard: make(map[Subscription]Handler),
		logger:   logger.With("component", "events"),
	}
}

// Subscribe registers a handler for the given kinds. With no kinds it
// behaves like SubscribeAll.
func (b *Bus) Subscribe(h Handler, types ...Type) Subscription {
	if len(types) == 0 {
		return b.SubscribeAll(h)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	for _, t := range types {
		if b.byType[t] == nil {
			b.byType[t] = make(map[Subscription]Handler)
		}
		b.byType[t][id] = h
	}
	return id
}

// SubscribeAll registers a handler for every event kind.
func (b *Bus) SubscribeAll(h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.wildcard[b.nextID] = h
	return b.nextID
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.wildcard, id)
	for _, m := range b.byType {
		delete(m, id)
	}
}

// Publish delivers the event to all current subscribers in the caller's
// goroutine. A single subscriber sees events in publish order; ordering
// across subscribers is unspecified.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.wildcard)+len(b.byType[ev.Type]))
	for _, h := range b.byType[ev.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.wildcard {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				"event", ev.Type,
				"panic", r)
		}
	}()
	h(ev)
}
