package storage

import (
	"errors"

	"github.com/Latency-Zero/server/pkg/types"
)

// ErrNotFound is wrapped by every lookup miss. I/O failures are returned
// as-is and are retryable; callers distinguish the two with errors.Is.
var ErrNotFound = errors.New("not found")

// Store defines the durable metadata store for apps, pools, memory block
// metadata and server config. Implemented by BoltStore and, when
// memory_mode collapses durability, by MemStore.
//
// The store is a typed KV with indexed queries, not a relational engine;
// foreign-key-like constraints are enforced by the service layer.
type Store interface {
	// Apps
	CreateApp(app *types.AppRegistration) error
	GetApp(id string) (*types.AppRegistration, error)
	ListApps() ([]*types.AppRegistration, error)
	UpdateApp(app *types.AppRegistration) error
	DeleteApp(id string) error

	// Pools
	CreatePool(pool *types.Pool) error
	GetPool(name string) (*types.Pool, error)
	ListPools() ([]*types.Pool, error)
	UpdatePool(pool *types.Pool) error
	DeletePool(name string) error

	// Memory block metadata
	CreateBlock(block *types.BlockMeta) error
	GetBlock(id string) (*types.BlockMeta, error)
	ListBlocks() ([]*types.BlockMeta, error)
	ListBlocksByPool(pool string) ([]*types.BlockMeta, error)
	ListBlocksByType(bt types.BlockType) ([]*types.BlockMeta, error)
	UpdateBlock(block *types.BlockMeta) error
	DeleteBlock(id string) error

	// Server config
	SetConfig(key, value string) error
	GetConfig(key string) (string, error)

	// Transaction executes fn atomically: every mutation inside either
	// commits as one unit or rolls back when fn returns an error.
	Transaction(fn func(tx Store) error) error

	// Backup writes a time-stamped snapshot of the durable store into
	// dir, pruning the oldest snapshots beyond maxBackups. Returns the
	// snapshot path.
	Backup(dir string, maxBackups int) (string, error)

	// Utility
	Close() error
}
