package registry

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Latency-Zero/server/pkg/events"
	"github.com/Latency-Zero/server/pkg/log"
	"github.com/Latency-Zero/server/pkg/pools"
	"github.com/Latency-Zero/server/pkg/protocol"
	"github.com/Latency-Zero/server/pkg/security"
	"github.com/Latency-Zero/server/pkg/storage"
	"github.com/Latency-Zero/server/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

type fakeEvictor struct {
	evicted []uint64
}

func (f *fakeEvictor) Evict(connID uint64, reason string) {
	f.evicted = append(f.evicted, connID)
}

type fakeListener struct {
	apps  []string
	conns []uint64
}

func (f *fakeListener) OnAppDisconnect(appID string, connID uint64) {
	f.apps = append(f.apps, appID)
	f.conns = append(f.conns, connID)
}

func newTestRegistry(t *testing.T, ttl time.Duration) (*Registry, storage.Store) {
	t.Helper()
	store := storage.NewMemStore()
	pm, err := pools.NewManager(store, &security.AllowAll{})
	require.NoError(t, err)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	reg, err := New(store, pm, broker, ttl)
	require.NoError(t, err)
	return reg, store
}

func handshake(appID string, pools, triggers []string) *protocol.Message {
	return &protocol.Message{
		Type:     protocol.TypeHandshake,
		ID:       "hs-" + appID,
		AppID:    appID,
		Pools:    pools,
		Triggers: triggers,
	}
}

func TestHandshakeBinds(t *testing.T) {
	reg, store := newTestRegistry(t, time.Hour)

	ack, err := reg.Handshake(1, handshake("worker-1", []string{"render"}, []string{"img.resize"}))
	require.NoError(t, err)

	assert.Equal(t, protocol.TypeHandshakeAck, ack.Type)
	assert.Equal(t, "hs-worker-1", ack.CorrelationID)
	assert.Equal(t, "success", ack.Status)
	assert.Equal(t, types.ProtocolVersion, ack.ProtocolVersion)
	require.NotNil(t, ack.Assigned)
	assert.Equal(t, []string{"render"}, ack.Assigned.Pools)
	assert.False(t, ack.Assigned.Rehydrated)

	appID, ok := reg.AppOf(1)
	require.True(t, ok)
	assert.Equal(t, "worker-1", appID)
	connID, ok := reg.ConnOf("worker-1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), connID)
	assert.True(t, reg.IsActive("worker-1"))
	assert.True(t, reg.HasTrigger("worker-1", "img.resize"))
	assert.Equal(t, []string{"worker-1"}, reg.HandlersFor("img.resize"))

	persisted, err := store.GetApp("worker-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"img.resize"}, persisted.Triggers)
}

func TestHandshakeDefaultsPool(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Hour)

	ack, err := reg.Handshake(1, handshake("worker-1", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{types.PoolDefault}, ack.Assigned.Pools)
}

func TestDuplicateAppIDEvictsOlderConnection(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Hour)
	ev := &fakeEvictor{}
	reg.SetEvictor(ev)

	_, err := reg.Handshake(1, handshake("worker-1", nil, []string{"a"}))
	require.NoError(t, err)
	_, err = reg.Handshake(2, handshake("worker-1", nil, []string{"a"}))
	require.NoError(t, err)

	assert.Equal(t, []uint64{1}, ev.evicted)
	connID, ok := reg.ConnOf("worker-1")
	require.True(t, ok)
	assert.Equal(t, uint64(2), connID)
	_, ok = reg.AppOf(1)
	assert.False(t, ok)
}

func TestRebindOnSameConnectionUpdates(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Hour)
	ev := &fakeEvictor{}
	reg.SetEvictor(ev)

	_, err := reg.Handshake(1, handshake("worker-1", nil, []string{"a"}))
	require.NoError(t, err)
	_, err = reg.Handshake(1, handshake("worker-1", nil, []string{"b"}))
	require.NoError(t, err)

	assert.Empty(t, ev.evicted)
	assert.False(t, reg.HasTrigger("worker-1", "a"))
	assert.True(t, reg.HasTrigger("worker-1", "b"))
}

func TestRebindReplacesPools(t *testing.T) {
	store := storage.NewMemStore()
	pm, err := pools.NewManager(store, &security.AllowAll{})
	require.NoError(t, err)
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	reg, err := New(store, pm, broker, time.Hour)
	require.NoError(t, err)

	_, err = reg.Handshake(1, handshake("worker-1", []string{"p1"}, []string{"a"}))
	require.NoError(t, err)
	_, err = reg.Handshake(1, handshake("worker-1", []string{"p2"}, []string{"a"}))
	require.NoError(t, err)

	assert.Equal(t, []string{"p2"}, pm.PoolsOfApp("worker-1"))
	assert.False(t, pm.ValidateMembership("worker-1", "p1"))
	assert.True(t, pm.ValidateMembership("worker-1", "p2"))

	// The abandoned pool is empty again and can be removed.
	assert.Empty(t, pm.Members("p1"))
	assert.NoError(t, pm.Remove("p1"))

	persisted, err := store.GetPool("p2")
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-1"}, persisted.Members)
}

func TestEvictionReplacesPools(t *testing.T) {
	store := storage.NewMemStore()
	pm, err := pools.NewManager(store, &security.AllowAll{})
	require.NoError(t, err)
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	reg, err := New(store, pm, broker, time.Hour)
	require.NoError(t, err)
	reg.SetEvictor(&fakeEvictor{})

	_, err = reg.Handshake(1, handshake("worker-1", []string{"p1"}, []string{"a"}))
	require.NoError(t, err)
	_, err = reg.Handshake(2, handshake("worker-1", []string{"p2"}, []string{"a"}))
	require.NoError(t, err)

	assert.Equal(t, []string{"p2"}, pm.PoolsOfApp("worker-1"))
	assert.False(t, pm.ValidateMembership("worker-1", "p1"))
	assert.Empty(t, pm.Members("p1"))
}

func TestEvictionNotifiesListeners(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Hour)
	reg.SetEvictor(&fakeEvictor{})
	lis := &fakeListener{}
	reg.AddDisconnectListener(lis)

	_, err := reg.Handshake(1, handshake("worker-1", nil, []string{"a"}))
	require.NoError(t, err)
	_, err = reg.Handshake(2, handshake("worker-1", nil, []string{"a"}))
	require.NoError(t, err)

	// The superseded connection's cleanup ran with the eviction.
	assert.Equal(t, []string{"worker-1"}, lis.apps)
	assert.Equal(t, []uint64{1}, lis.conns)

	// The stale socket's own disconnect finds nothing left to clean.
	reg.Disconnect(1)
	assert.Len(t, lis.apps, 1)
	assert.True(t, reg.IsActive("worker-1"))
}

func TestRehydrationRestoresRegistration(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Hour)

	_, err := reg.Handshake(1, handshake("worker-1", []string{"render"}, []string{"img.resize"}))
	require.NoError(t, err)
	reg.Disconnect(1)

	assert.False(t, reg.IsActive("worker-1"))
	assert.Equal(t, 1, reg.CachedCount())

	// A bare handshake within the TTL restores pools and triggers.
	ack, err := reg.Handshake(2, handshake("worker-1", nil, nil))
	require.NoError(t, err)
	assert.True(t, ack.Assigned.Rehydrated)
	assert.Equal(t, []string{"render"}, ack.Assigned.Pools)
	assert.Equal(t, []string{"img.resize"}, ack.Assigned.Triggers)
	assert.True(t, reg.HasTrigger("worker-1", "img.resize"))
	assert.Zero(t, reg.CachedCount())
}

func TestExplicitTriggersSkipRehydration(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Hour)

	_, err := reg.Handshake(1, handshake("worker-1", []string{"render"}, []string{"img.resize"}))
	require.NoError(t, err)
	reg.Disconnect(1)

	ack, err := reg.Handshake(2, handshake("worker-1", nil, []string{"img.rotate"}))
	require.NoError(t, err)
	assert.False(t, ack.Assigned.Rehydrated)
	assert.Equal(t, []string{"img.rotate"}, ack.Assigned.Triggers)
	assert.False(t, reg.HasTrigger("worker-1", "img.resize"))
}

func TestRehydrationAcrossRestart(t *testing.T) {
	store := storage.NewMemStore()
	pm, err := pools.NewManager(store, &security.AllowAll{})
	require.NoError(t, err)
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	reg, err := New(store, pm, broker, time.Hour)
	require.NoError(t, err)
	_, err = reg.Handshake(1, handshake("worker-1", []string{"render"}, []string{"img.resize"}))
	require.NoError(t, err)
	reg.Disconnect(1)

	// A new registry over the same store preloads the cache.
	reg2, err := New(store, pm, broker, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, reg2.CachedCount())

	ack, err := reg2.Handshake(5, handshake("worker-1", nil, nil))
	require.NoError(t, err)
	assert.True(t, ack.Assigned.Rehydrated)
}

func TestDisconnectNotifiesListeners(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Hour)
	lis := &fakeListener{}
	reg.AddDisconnectListener(lis)

	_, err := reg.Handshake(7, handshake("worker-1", nil, []string{"a"}))
	require.NoError(t, err)
	reg.Disconnect(7)

	assert.Equal(t, []string{"worker-1"}, lis.apps)
	assert.Equal(t, []uint64{7}, lis.conns)
	assert.Empty(t, reg.HandlersFor("a"))

	// Disconnecting an unbound connection is a no-op.
	reg.Disconnect(99)
	assert.Len(t, lis.apps, 1)
}

func TestRegisterTrigger(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Hour)

	_, err := reg.Handshake(1, handshake("worker-1", nil, nil))
	require.NoError(t, err)

	require.NoError(t, reg.RegisterTrigger("worker-1", "late.trigger"))
	require.NoError(t, reg.RegisterTrigger("worker-1", "late.trigger")) // idempotent
	assert.True(t, reg.HasTrigger("worker-1", "late.trigger"))
	assert.Equal(t, []string{"worker-1"}, reg.HandlersFor("late.trigger"))

	assert.Error(t, reg.RegisterTrigger("worker-1", "bad name"))
	assert.Error(t, reg.RegisterTrigger("ghost", "x"))
}

func TestPurgeExpired(t *testing.T) {
	reg, store := newTestRegistry(t, 50*time.Millisecond)

	_, err := reg.Handshake(1, handshake("worker-1", nil, nil))
	require.NoError(t, err)
	reg.Disconnect(1)

	time.Sleep(80 * time.Millisecond)
	reg.PurgeExpired()

	_, err = store.GetApp("worker-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHandlersForInsertionOrder(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Hour)

	for i, app := range []string{"alpha", "beta", "gamma"} {
		_, err := reg.Handshake(uint64(i+1), handshake(app, nil, []string{"shared.trigger"}))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, reg.HandlersFor("shared.trigger"))

	reg.Disconnect(2)
	assert.Equal(t, []string{"alpha", "gamma"}, reg.HandlersFor("shared.trigger"))
}
