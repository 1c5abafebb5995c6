package manager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/server"
	"github.com/cuemby/warden/pkg/sink"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/types"
)

// testFactory builds a Server with no container/backup/transfer collaborators,
// enough to exercise the catalog bookkeeping in Manager without a real
// containerd daemon.
func testFactory(ctx context.Context, persisted types.Server) (*server.Server, error) {
	return server.New(persisted, server.Deps{
		Bus:         events.NewBus(),
		Sink:        sink.New(),
		CrashPolicy: types.DefaultCrashPolicy(),
	}), nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, testFactory)
}

func TestCreateAddsServerToCatalog(t *testing.T) {
	m := newTestManager(t)

	srv, err := m.Create(context.Background(), "srv-1", types.Configuration{})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", srv.UUID())

	got, ok := m.Get("srv-1")
	assert.True(t, ok)
	assert.Same(t, srv, got)
	assert.Len(t, m.List(), 1)
}

func TestCreateRejectsDuplicateUUID(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(context.Background(), "srv-1", types.Configuration{})
	require.NoError(t, err)

	_, err = m.Create(context.Background(), "srv-1", types.Configuration{})
	assert.Error(t, err)
}

func TestGetReturnsFalseForUnknownServer(t *testing.T) {
	m := newTestManager(t)
	_, ok := m.Get("missing")
	assert.False(t, ok)
}

func TestLoadRehydratesFromStorage(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(context.Background(), "srv-1", types.Configuration{})
	require.NoError(t, err)

	// A fresh Manager over the same store should rehydrate the server.
	reloaded := New(m.store, testFactory)
	require.NoError(t, reloaded.Load(context.Background()))

	srv, ok := reloaded.Get("srv-1")
	assert.True(t, ok)
	assert.Equal(t, "srv-1", srv.UUID())
}

func TestPersistWritesCurrentSnapshot(t *testing.T) {
	m := newTestManager(t)
	srv, err := m.Create(context.Background(), "srv-1", types.Configuration{})
	require.NoError(t, err)

	require.NoError(t, m.Persist(srv))

	persisted, err := m.store.GetServer("srv-1")
	require.NoError(t, err)
	assert.Equal(t, types.ProcessOffline, persisted.State)
}
