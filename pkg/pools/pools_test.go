package pools

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Latency-Zero/server/pkg/log"
	"github.com/Latency-Zero/server/pkg/protocol"
	"github.com/Latency-Zero/server/pkg/security"
	"github.com/Latency-Zero/server/pkg/storage"
	"github.com/Latency-Zero/server/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func newTestManager(t *testing.T) (*Manager, *storage.MemStore) {
	t.Helper()
	store := storage.NewMemStore()
	m, err := NewManager(store, &security.AllowAll{})
	require.NoError(t, err)
	return m, store
}

func TestSentinelPoolsBootstrap(t *testing.T) {
	m, _ := newTestManager(t)

	assert.True(t, m.Exists(types.PoolDefault))
	assert.True(t, m.Exists(types.PoolSystem))

	err := m.Remove(types.PoolDefault)
	require.Error(t, err)
	perr := err.(*protocol.Error)
	assert.Equal(t, protocol.CodeAccessDenied, perr.Code)
}

func TestCreateValidation(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Create("bad name", types.PoolTypeLocal, false, nil)
	assert.Error(t, err)

	_, err = m.Create("vault", types.PoolTypeEncrypted, false, nil)
	assert.Error(t, err)

	_, err = m.Create("vault", types.PoolTypeLocal, true, nil)
	assert.Error(t, err)

	p, err := m.Create("render", types.PoolTypeLocal, false, map[string]string{"gpu": "yes"})
	require.NoError(t, err)
	assert.Equal(t, "render", p.Name)

	_, err = m.Create("render", types.PoolTypeLocal, false, nil)
	assert.Error(t, err)
}

func TestMembershipIndex(t *testing.T) {
	m, _ := newTestManager(t)

	// Joining an unknown pool creates it implicitly.
	require.NoError(t, m.AddApp("worker-1", "render"))
	require.NoError(t, m.AddApp("worker-2", "render"))
	require.NoError(t, m.AddApp("worker-1", "render")) // idempotent

	assert.True(t, m.Exists("render"))
	assert.Equal(t, []string{"worker-1", "worker-2"}, m.Members("render"))
	assert.Equal(t, []string{"render"}, m.PoolsOfApp("worker-1"))
	assert.True(t, m.ValidateMembership("worker-1", "render"))
	assert.False(t, m.ValidateMembership("worker-1", "default"))

	require.NoError(t, m.RemoveApp("worker-1", "render"))
	require.NoError(t, m.RemoveApp("worker-1", "render")) // idempotent
	assert.False(t, m.ValidateMembership("worker-1", "render"))
	assert.Empty(t, m.PoolsOfApp("worker-1"))
}

func TestRemoveRefusesNonEmpty(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.AddApp("worker-1", "render"))

	err := m.Remove("render")
	require.Error(t, err)

	require.NoError(t, m.RemoveApp("worker-1", "render"))
	require.NoError(t, m.Remove("render"))
	assert.False(t, m.Exists("render"))
}

func TestMembershipSurvivesReload(t *testing.T) {
	m, store := newTestManager(t)
	require.NoError(t, m.AddApp("worker-1", "render"))

	reloaded, err := NewManager(store, &security.AllowAll{})
	require.NoError(t, err)
	assert.True(t, reloaded.ValidateMembership("worker-1", "render"))
	assert.Equal(t, []string{"render"}, reloaded.PoolsOfApp("worker-1"))
}

func TestCheckAccessPolicies(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.AddApp("member", "render"))

	// Default policies carry the wildcard.
	assert.True(t, m.CheckAccess("member", "render", "trigger"))
	assert.True(t, m.CheckAccess("stranger", "render", "memory"))

	// Narrow the trigger policy to one app.
	require.NoError(t, m.Update("render", nil, map[string][]string{"trigger": {"member"}}))
	assert.True(t, m.CheckAccess("member", "render", "trigger"))
	assert.False(t, m.CheckAccess("stranger", "render", "trigger"))

	// An op with no policy falls back to membership.
	assert.True(t, m.CheckAccess("member", "render", "admin"))
	assert.False(t, m.CheckAccess("stranger", "render", "admin"))

	assert.False(t, m.CheckAccess("member", "missing", "trigger"))
}

func TestProperties(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Create("render", types.PoolTypeLocal, false, nil)
	require.NoError(t, err)

	require.NoError(t, m.SetProperty("render", "max_jobs", "4"))
	v, err := m.GetProperty("render", "max_jobs")
	require.NoError(t, err)
	assert.Equal(t, "4", v)

	_, err = m.GetProperty("missing", "k")
	assert.Error(t, err)
}
