// Package manager owns the upstream server lifecycle: creating a server,
// driving its connection, discovering its capabilities into the registries,
// and tearing all of that down again on delete. Every other component sees
// servers only through the pool and registries the manager maintains.
package manager

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/conduit/internal/breaker"
	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/internal/pool"
	"github.com/haasonsaas/conduit/internal/ratelimit"
	"github.com/haasonsaas/conduit/internal/registry"
	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Manager wires a server definition into every runtime component that
// tracks per-server state.
type Manager struct {
	store      *store.Store
	pool       *pool.Pool
	registries *registry.Set
	semantic   *registry.SemanticIndex
	breakers   *breaker.Registry
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
}

// New creates the manager. semantic may be nil when search is disabled.
func New(st *store.Store, p *pool.Pool, registries *registry.Set, semantic *registry.SemanticIndex,
	breakers *breaker.Registry, limiter *ratelimit.Limiter, logger *slog.Logger) *Manager {

	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      st,
		pool:       p,
		registries: registries,
		semantic:   semantic,
		breakers:   breakers,
		limiter:    limiter,
		logger:     logger.With("component", "manager"),
	}
}

// CreateServer persists a server definition and, when enabled, connects it.
// A failed initial connection does not roll the row back; the server stays
// registered and can be reconnected later.
func (m *Manager) CreateServer(ctx context.Context, srv *models.Server) error {
	if err := srv.Validate(); err != nil {
		return kernelerr.Validation(err.Error())
	}
	if err := m.store.Servers.Create(ctx, srv); err != nil {
		return err
	}
	if srv.Enabled {
		if err := m.ConnectServer(ctx, srv); err != nil {
			m.logger.Warn("initial connect failed", "server", srv.ID, "error", err)
		}
	}
	return nil
}

// ConnectServer connects the server, discovers its capabilities, and
// registers it with the breaker and rate limiter.
func (m *Manager) ConnectServer(ctx context.Context, srv *models.Server) error {
	if _, err := m.pool.Connect(ctx, srv); err != nil {
		return err
	}
	m.breakers.Register(srv.ID, breaker.DefaultConfig())
	m.limiter.Register(srv.ID, ratelimit.Config{
		PerMinute: srv.RateLimits.PerMinute,
		PerDay:    srv.RateLimits.PerDay,
	})
	return m.RefreshCapabilities(ctx, srv)
}

// RefreshCapabilities re-lists the server's tools, resources, and prompts and
// replaces its registry entries. Listing failures for one capability kind are
// tolerated; upstreams commonly implement only tools.
func (m *Manager) RefreshCapabilities(ctx context.Context, srv *models.Server) error {
	client := m.pool.Client(srv.ID)
	if client == nil {
		return kernelerr.Newf(kernelerr.CodeServerDisconnected, "server %q is not connected", srv.Name)
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		return err
	}
	resources, err := client.ListResources(ctx)
	if err != nil {
		m.logger.Debug("resource listing unsupported", "server", srv.ID, "error", err)
	}
	prompts, err := client.ListPrompts(ctx)
	if err != nil {
		m.logger.Debug("prompt listing unsupported", "server", srv.ID, "error", err)
	}

	m.registries.RegisterServer(srv, tools, resources, prompts)
	m.logger.Info("capabilities registered", "server", srv.ID,
		"tools", len(tools), "resources", len(resources), "prompts", len(prompts))

	if m.semantic != nil {
		if err := m.semantic.IndexEntries(ctx, m.serverEntries(srv.ID)); err != nil {
			m.logger.Warn("semantic indexing failed", "server", srv.ID, "error", err)
		}
	}
	return nil
}

// DisconnectServer drops the connection but keeps the definition and its
// registry entries.
func (m *Manager) DisconnectServer(serverID string) error {
	return m.pool.Disconnect(serverID)
}

// UpdateServer persists changes and reapplies runtime state. A disabled
// server is disconnected and unregistered from the capability indexes; an
// enabled one is reconnected so transport changes take effect.
func (m *Manager) UpdateServer(ctx context.Context, srv *models.Server) error {
	if err := srv.Validate(); err != nil {
		return kernelerr.Validation(err.Error())
	}
	if err := m.store.Servers.Update(ctx, srv); err != nil {
		return err
	}
	if !srv.Enabled {
		m.teardownRuntime(ctx, srv.ID)
		return nil
	}
	_ = m.pool.Disconnect(srv.ID)
	if err := m.ConnectServer(ctx, srv); err != nil {
		m.logger.Warn("reconnect after update failed", "server", srv.ID, "error", err)
	}
	return nil
}

// DeleteServer cascades: pool, registries, breaker, limiter, embeddings, then
// the row itself.
func (m *Manager) DeleteServer(ctx context.Context, serverID string) error {
	if _, err := m.store.Servers.Get(ctx, serverID); err != nil {
		return err
	}
	m.teardownRuntime(ctx, serverID)
	m.pool.Remove(serverID)
	return m.store.Servers.Delete(ctx, serverID)
}

// teardownRuntime removes every piece of per-server runtime state except the
// pool slot and the durable row.
func (m *Manager) teardownRuntime(ctx context.Context, serverID string) {
	if m.semantic != nil {
		for _, e := range m.serverEntries(serverID) {
			if err := m.semantic.RemoveEntry(ctx, e.Kind, e.Key); err != nil {
				m.logger.Warn("failed to drop embedding", "key", e.Key, "error", err)
			}
		}
	}
	_ = m.pool.Disconnect(serverID)
	m.registries.UnregisterServer(serverID)
	m.breakers.Unregister(serverID)
	m.limiter.Unregister(serverID)
}

// ConnectAll connects every enabled server, typically at boot. Individual
// failures are logged, not fatal.
func (m *Manager) ConnectAll(ctx context.Context) error {
	servers, err := m.store.Servers.List(ctx, "")
	if err != nil {
		return err
	}
	for _, srv := range servers {
		if !srv.Enabled {
			continue
		}
		if err := m.ConnectServer(ctx, srv); err != nil {
			m.logger.Warn("connect failed", "server", srv.ID, "name", srv.Name, "error", err)
		}
	}
	return nil
}

// Shutdown disconnects every server.
func (m *Manager) Shutdown() {
	m.pool.DisconnectAll()
}

func (m *Manager) serverEntries(serverID string) []*registry.Entry {
	var entries []*registry.Entry
	entries = append(entries, m.registries.Tools.FindByServer(serverID)...)
	entries = append(entries, m.registries.Resources.FindByServer(serverID)...)
	entries = append(entries, m.registries.Prompts.FindByServer(serverID)...)
	return entries
}
