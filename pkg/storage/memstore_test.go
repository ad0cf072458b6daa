package storage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Latency-Zero/server/pkg/types"
)

func TestMemStoreCRUD(t *testing.T) {
	s := NewMemStore()

	require.NoError(t, s.CreateApp(&types.AppRegistration{AppID: "a1", Pools: []string{"default"}}))
	require.NoError(t, s.CreatePool(&types.Pool{Name: "default", Type: types.PoolTypeLocal}))
	require.NoError(t, s.CreateBlock(&types.BlockMeta{BlockID: "b1", Pool: "default", Size: 8}))

	app, err := s.GetApp("a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, app.Pools)

	// Mutating the returned copy must not leak into the store.
	app.Pools = append(app.Pools, "other")
	again, err := s.GetApp("a1")
	require.NoError(t, err)
	assert.Len(t, again.Pools, 1)

	blocks, err := s.ListBlocksByPool("default")
	require.NoError(t, err)
	assert.Len(t, blocks, 1)

	require.NoError(t, s.DeleteBlock("b1"))
	_, err = s.GetBlock("b1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreTransactionRollback(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.CreateApp(&types.AppRegistration{AppID: "keep"}))

	err := s.Transaction(func(tx Store) error {
		if err := tx.DeleteApp("keep"); err != nil {
			return err
		}
		if err := tx.CreateApp(&types.AppRegistration{AppID: "discard"}); err != nil {
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

func TestMemStoreTransactionCommit(t *testing.T) {
	s := NewMemStore()

	require.NoError(t, s.Transaction(func(tx Store) error {
		return tx.SetConfig("k", "v")
	}))

	v, err := s.GetConfig("k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestTriggerTable(t *testing.T) {
	tbl := NewTriggerTable()
	assert.Zero(t, tbl.Len())
	assert.Nil(t, tbl.Get("missing"))

	tbl.Put(&types.TriggerRecord{ID: "t1", TriggerName: "render"})
	tbl.Put(&types.TriggerRecord{ID: "t2", TriggerName: "resize"})
	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, "render", tbl.Get("t1").TriggerName)
	assert.Len(t, tbl.List(), 2)

	tbl.Delete("t1")
	assert.Nil(t, tbl.Get("t1"))
	assert.Equal(t, 1, tbl.Len())
}
