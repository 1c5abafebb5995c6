// Package manager is the node-local catalog of servers (spec.md §2
// "Manager"): an rw-locked map of *server.Server keyed by UUID, persisted via
// pkg/storage. Grounded on the teacher's pkg/manager catalog of Nodes/
// Services (same rw-mutex-guarded-map shape), narrowed to a single
// collection of servers rather than a multi-entity cluster catalog.
package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/warden/pkg/apierror"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/server"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/types"
)

// Manager owns every server on this node.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]*server.Server
	store   *storage.Store
	factory server.Factory
}

// New creates a Manager backed by store; factory builds the runtime
// collaborators (events bus, sink, power machine, container environment) for
// each loaded or created server.
func New(store *storage.Store, factory server.Factory) *Manager {
	return &Manager{
		servers: make(map[string]*server.Server),
		store:   store,
		factory: factory,
	}
}

// Load rehydrates every persisted server from storage, rebuilding its
// runtime collaborators via the factory. Called once at daemon startup.
func (m *Manager) Load(ctx context.Context) error {
	persisted, err := m.store.ListServers()
	if err != nil {
		return fmt.Errorf("load servers from storage: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range persisted {
		srv, err := m.factory(ctx, *p)
		if err != nil {
			log.Errorf("failed to rebuild server from storage", err)
			continue
		}
		schedules, err := m.store.ListSchedules(p.UUID)
		if err != nil {
			log.Errorf("failed to load schedules for server", err)
		} else {
			srv.LoadSchedules(schedules)
		}
		m.servers[p.UUID] = srv
	}
	metrics.ServersTotal.Set(float64(len(m.servers)))
	return nil
}

// Create registers a brand-new server, persists it, and returns its handle.
func (m *Manager) Create(ctx context.Context, uuid string, cfg types.Configuration) (*server.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.servers[uuid]; exists {
		return nil, apierror.New(apierror.Conflict, "server already exists: "+uuid)
	}

	persisted := types.Server{UUID: uuid, Configuration: cfg, State: types.ProcessOffline}
	srv, err := m.factory(ctx, persisted)
	if err != nil {
		return nil, err
	}
	if err := m.store.PutServer(&persisted); err != nil {
		return nil, fmt.Errorf("persist new server: %w", err)
	}
	m.servers[uuid] = srv
	metrics.ServersTotal.Set(float64(len(m.servers)))
	return srv, nil
}

// Get returns a server handle by UUID.
func (m *Manager) Get(uuid string) (*server.Server, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	srv, ok := m.servers[uuid]
	return srv, ok
}

// List returns every server handle currently managed.
func (m *Manager) List() []*server.Server {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*server.Server, 0, len(m.servers))
	for _, srv := range m.servers {
		out = append(out, srv)
	}
	return out
}

// Delete stops and destroys a server's container, removes it from the
// catalog, and deletes its storage record.
func (m *Manager) Delete(ctx context.Context, uuid string) error {
	m.mu.Lock()
	srv, ok := m.servers[uuid]
	if !ok {
		m.mu.Unlock()
		return apierror.New(apierror.NotFound, "server not found: "+uuid)
	}
	delete(m.servers, uuid)
	metrics.ServersTotal.Set(float64(len(m.servers)))
	m.mu.Unlock()

	if err := srv.Destroy(ctx); err != nil {
		log.Errorf("error destroying server during deletion", err)
	}
	return m.store.DeleteServer(uuid)
}

// Persist writes a server's current projection back to storage, called
// after any state-affecting operation (power transition, reconfiguration).
func (m *Manager) Persist(srv *server.Server) error {
	projection := srv.Snapshot()
	return m.store.PutServer(&projection)
}
