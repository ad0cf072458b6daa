package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Latency-Zero/server/pkg/log"
	"github.com/Latency-Zero/server/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltAppCRUD(t *testing.T) {
	s := newTestStore(t)

	app := &types.AppRegistration{
		AppID:      "worker-1",
		Pools:      []string{"default", "render"},
		Triggers:   []string{"img.resize"},
		LastSeenAt: time.Now(),
	}
	require.NoError(t, s.CreateApp(app))

	got, err := s.GetApp("worker-1")
	require.NoError(t, err)
	assert.Equal(t, app.Pools, got.Pools)
	assert.Equal(t, app.Triggers, got.Triggers)

	app.Triggers = append(app.Triggers, "img.rotate")
	require.NoError(t, s.UpdateApp(app))
	got, err = s.GetApp("worker-1")
	require.NoError(t, err)
	assert.Len(t, got.Triggers, 2)

	apps, err := s.ListApps()
	require.NoError(t, err)
	assert.Len(t, apps, 1)

	require.NoError(t, s.DeleteApp("worker-1"))
	_, err = s.GetApp("worker-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltPoolCRUD(t *testing.T) {
	s := newTestStore(t)

	pool := &types.Pool{
		Name:     "render",
		Type:     types.PoolTypeLocal,
		Policies: map[string][]string{"trigger": {"*"}},
	}
	require.NoError(t, s.CreatePool(pool))

	got, err := s.GetPool("render")
	require.NoError(t, err)
	assert.Equal(t, types.PoolTypeLocal, got.Type)
	assert.False(t, got.UpdatedAt.IsZero())

	_, err = s.GetPool("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeletePool("render"))
	_, err = s.GetPool("render")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltBlockQueries(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		pool := "default"
		bt := types.BlockTypeShared
		if i == 2 {
			pool = "render"
			bt = types.BlockTypePersistent
		}
		require.NoError(t, s.CreateBlock(&types.BlockMeta{
			BlockID: fmt.Sprintf("block-%d", i),
			Pool:    pool,
			Size:    64,
			Type:    bt,
		}))
	}

	all, err := s.ListBlocks()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byPool, err := s.ListBlocksByPool("default")
	require.NoError(t, err)
	assert.Len(t, byPool, 2)

	byType, err := s.ListBlocksByType(types.BlockTypePersistent)
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "block-2", byType[0].BlockID)
}

func TestBoltConfigKV(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetConfig("server_id", "abc123"))
	v, err := s.GetConfig("server_id")
	require.NoError(t, err)
	assert.Equal(t, "abc123", v)

	_, err = s.GetConfig("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltTransactionRollback(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateApp(&types.AppRegistration{AppID: "keep"}))

	err := s.Transaction(func(tx Store) error {
		if err := tx.CreateApp(&types.AppRegistration{AppID: "discard"}); err != nil {
			return err
		}
		if err := tx.DeleteApp("keep"); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	_, err = s.GetApp("keep")
	assert.NoError(t, err)
	_, err = s.GetApp("discard")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltBackupPrunes(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateApp(&types.AppRegistration{AppID: "worker-1"}))

	backupDir := t.TempDir()
	var last string
	for i := 0; i < 4; i++ {
		path, err := s.Backup(backupDir, 2)
		require.NoError(t, err)
		last = path
		// Backup names carry second precision timestamps.
		time.Sleep(1100 * time.Millisecond)
	}

	entries, err := os.ReadDir(backupDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.FileExists(t, last)
	assert.Equal(t, backupDir, filepath.Dir(last))
}
