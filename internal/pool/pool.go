// Package pool owns the runtime connections to upstream servers: lifecycle,
// transport construction, health checking, and the single place the rest of
// the kernel obtains a client handle from.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/internal/breaker"
	"github.com/haasonsaas/conduit/internal/events"
	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/internal/upstream"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Connection is the runtime projection of a server definition. The pool is
// its exclusive owner; other components hold the client handle no longer
// than a single call.
type Connection struct {
	Server            *models.Server
	State             models.ConnectionState
	ReconnectAttempts int
	LastActivity      time.Time
	ConnectedAt       time.Time

	client     *upstream.Client
	healthStop context.CancelFunc
}

// Status is an externally visible connection snapshot.
type Status struct {
	ServerID          string                 `json:"server_id"`
	ServerName        string                 `json:"server_name"`
	State             models.ConnectionState `json:"state"`
	ReconnectAttempts int                    `json:"reconnect_attempts"`
	LastActivity      time.Time              `json:"last_activity,omitempty"`
	ConnectedAt       time.Time              `json:"connected_at,omitempty"`
}

// Pool manages at most one Connection per server id.
type Pool struct {
	mu        sync.RWMutex
	conns     map[string]*Connection
	bus       *events.Bus
	breakers  *breaker.Registry
	logger    *slog.Logger
	transport func(*models.Server) (upstream.Transport, error)
}

// New creates a connection pool.
func New(bus *events.Bus, breakers *breaker.Registry, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		conns:     make(map[string]*Connection),
		bus:       bus,
		breakers:  breakers,
		logger:    logger.With("component", "pool"),
		transport: upstream.NewTransport,
	}
}

// SetTransportFactory overrides transport construction, for tests.
func (p *Pool) SetTransportFactory(fn func(*models.Server) (upstream.Transport, error)) {
	p.transport = fn
}

// Connect drives the server's connection to connected. Idempotent: if the
// connection is already connected or connecting, the current state is
// returned without side effects.
func (p *Pool) Connect(ctx context.Context, server *models.Server) (models.ConnectionState, error) {
	p.mu.Lock()
	if conn, ok := p.conns[server.ID]; ok {
		if conn.State == models.ConnConnected || conn.State == models.ConnConnecting {
			state := conn.State
			p.mu.Unlock()
			return state, nil
		}
	}
	conn := &Connection{Server: server, State: models.ConnConnecting}
	p.conns[server.ID] = conn
	p.mu.Unlock()

	transport, err := p.transport(server)
	if err != nil {
		p.failConnect(server, conn, err)
		return models.ConnFailed, kernelerr.Wrap(kernelerr.CodeValidation, "build transport", err)
	}

	client := upstream.NewClient(server, transport, p.logger)
	transport.OnClose(func(cause error) {
		p.handleTransportClose(server.ID, cause)
	})

	if err := client.Connect(ctx); err != nil {
		p.failConnect(server, conn, err)
		return models.ConnFailed, kernelerr.Wrap(kernelerr.CodeUpstreamFailure, "connect", err)
	}

	p.mu.Lock()
	conn.client = client
	conn.State = models.ConnConnected
	conn.ConnectedAt = time.Now().UTC()
	conn.LastActivity = conn.ConnectedAt
	conn.ReconnectAttempts = 0
	p.mu.Unlock()

	if server.HealthCheck.Enabled {
		p.startHealthCheck(conn)
	}

	p.logger.Info("server connected", "server", server.ID, "name", server.Name)
	p.bus.Publish(events.Event{
		Type:     events.ServerConnected,
		ServerID: server.ID,
		Data:     map[string]any{"name": server.Name},
	})
	return models.ConnConnected, nil
}

func (p *Pool) failConnect(server *models.Server, conn *Connection, cause error) {
	p.mu.Lock()
	conn.State = models.ConnFailed
	p.mu.Unlock()

	if p.breakers != nil {
		p.breakers.RecordFailure(server.ID)
	}
	p.logger.Warn("server connect failed", "server", server.ID, "error", cause)
	p.bus.Publish(events.Event{
		Type:     events.ServerError,
		ServerID: server.ID,
		Data:     map[string]any{"error": cause.Error(), "phase": "connect"},
	})
}

// handleTransportClose reacts to an unplanned transport close.
func (p *Pool) handleTransportClose(serverID string, cause error) {
	p.mu.Lock()
	conn, ok := p.conns[serverID]
	if !ok || conn.State == models.ConnDisconnected {
		p.mu.Unlock()
		return
	}
	conn.State = models.ConnFailed
	if conn.healthStop != nil {
		conn.healthStop()
		conn.healthStop = nil
	}
	p.mu.Unlock()

	if p.breakers != nil {
		p.breakers.RecordFailure(serverID)
	}
	if cause == nil {
		cause = fmt.Errorf("transport closed")
	}
	p.logger.Warn("transport closed", "server", serverID, "error", cause)
	p.bus.Publish(events.Event{
		Type:     events.ServerError,
		ServerID: serverID,
		Data:     map[string]any{"error": cause.Error(), "phase": "transport"},
	})
}

// Disconnect closes the server's connection. Idempotent.
func (p *Pool) Disconnect(serverID string) error {
	p.mu.Lock()
	conn, ok := p.conns[serverID]
	if !ok || conn.State == models.ConnDisconnected {
		p.mu.Unlock()
		return nil
	}
	conn.State = models.ConnDisconnected
	client := conn.client
	conn.client = nil
	if conn.healthStop != nil {
		conn.healthStop()
		conn.healthStop = nil
	}
	p.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil {
			p.logger.Warn("close client", "server", serverID, "error", err)
		}
	}

	p.logger.Info("server disconnected", "server", serverID)
	p.bus.Publish(events.Event{Type: events.ServerDisconnected, ServerID: serverID})
	return nil
}

// Remove disconnects and forgets the server entirely.
func (p *Pool) Remove(serverID string) {
	_ = p.Disconnect(serverID)
	p.mu.Lock()
	delete(p.conns, serverID)
	p.mu.Unlock()
}

// DisconnectAll closes every connection.
func (p *Pool) DisconnectAll() {
	p.mu.RLock()
	ids := make([]string, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	for _, id := range ids {
		_ = p.Disconnect(id)
	}
}

// Client returns the server's client handle, or nil unless connected.
func (p *Pool) Client(serverID string) *upstream.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[serverID]
	if !ok || conn.State != models.ConnConnected {
		return nil
	}
	conn.LastActivity = time.Now().UTC()
	return conn.client
}

// Status snapshots one connection, or nil if unknown.
func (p *Pool) Status(serverID string) *Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.conns[serverID]
	if !ok {
		return nil
	}
	return snapshot(conn)
}

// States snapshots every connection.
func (p *Pool) States() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Status, 0, len(p.conns))
	for _, conn := range p.conns {
		out = append(out, *snapshot(conn))
	}
	return out
}

func snapshot(conn *Connection) *Status {
	return &Status{
		ServerID:          conn.Server.ID,
		ServerName:        conn.Server.Name,
		State:             conn.State,
		ReconnectAttempts: conn.ReconnectAttempts,
		LastActivity:      conn.LastActivity,
		ConnectedAt:       conn.ConnectedAt,
	}
}

// startHealthCheck runs the periodic liveness probe for a connection.
func (p *Pool) startHealthCheck(conn *Connection) {
	interval := time.Duration(conn.Server.HealthCheck.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := time.Duration(conn.Server.HealthCheck.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	conn.healthStop = cancel
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.probe(ctx, conn.Server.ID, timeout)
			}
		}
	}()
}

func (p *Pool) probe(ctx context.Context, serverID string, timeout time.Duration) {
	client := p.Client(serverID)
	if client == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(probeCtx); err != nil {
		p.logger.Warn("health check failed", "server", serverID, "error", err)
		if p.breakers != nil {
			p.breakers.RecordFailure(serverID)
		}
		p.bus.Publish(events.Event{
			Type:     events.ServerError,
			ServerID: serverID,
			Data:     map[string]any{"error": err.Error(), "phase": "health_check"},
		})
	}
}
