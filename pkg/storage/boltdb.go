package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Latency-Zero/server/pkg/types"
)

var (
	// Bucket names
	bucketApps   = []byte("apps")
	bucketPools  = []byte("pools")
	bucketBlocks = []byte("memory_blocks")
	bucketConfig = []byte("server_config")
)

// BoltStore implements Store using BoltDB. BoltDB gives single-writer
// ACID transactions with fsync, which is all the durability the metadata
// layer needs.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore opens (or creates) the durable store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "latzero.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketApps, bucketPools, bucketBlocks, bucketConfig}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, path: dbPath}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// App operations
func (s *BoltStore) CreateApp(app *types.AppRegistration) error {
	return s.db.Update(func(tx *bolt.Tx) error { return putApp(tx, app) })
}

func (s *BoltStore) GetApp(id string) (*types.AppRegistration, error) {
	var app *types.AppRegistration
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		app, err = getApp(tx, id)
		return err
	})
	return app, err
}

func (s *BoltStore) ListApps() ([]*types.AppRegistration, error) {
	var apps []*types.AppRegistration
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		apps, err = listApps(tx)
		return err
	})
	return apps, err
}

func (s *BoltStore) UpdateApp(app *types.AppRegistration) error {
	return s.CreateApp(app) // Same as create (upsert)
}

func (s *BoltStore) DeleteApp(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApps).Delete([]byte(id))
	})
}

// Pool operations
func (s *BoltStore) CreatePool(pool *types.Pool) error {
	return s.db.Update(func(tx *bolt.Tx) error { return putPool(tx, pool) })
}

func (s *BoltStore) GetPool(name string) (*types.Pool, error) {
	var pool *types.Pool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		pool, err = getPool(tx, name)
		return err
	})
	return pool, err
}

func (s *BoltStore) ListPools() ([]*types.Pool, error) {
	var pools []*types.Pool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		pools, err = listPools(tx)
		return err
	})
	return pools, err
}

func (s *BoltStore) UpdatePool(pool *types.Pool) error {
	return s.CreatePool(pool)
}

func (s *BoltStore) DeletePool(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPools).Delete([]byte(name))
	})
}

// Memory block operations
func (s *BoltStore) CreateBlock(block *types.BlockMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error { return putBlock(tx, block) })
}

func (s *BoltStore) GetBlock(id string) (*types.BlockMeta, error) {
	var block *types.BlockMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		block, err = getBlock(tx, id)
		return err
	})
	return block, err
}

func (s *BoltStore) ListBlocks() ([]*types.BlockMeta, error) {
	var blocks []*types.BlockMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		blocks, err = listBlocks(tx)
		return err
	})
	return blocks, err
}

func (s *BoltStore) ListBlocksByPool(pool string) ([]*types.BlockMeta, error) {
	blocks, err := s.ListBlocks()
	if err != nil {
		return nil, err
	}

	var filtered []*types.BlockMeta
	for _, block := range blocks {
		if block.Pool == pool {
			filtered = append(filtered, block)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListBlocksByType(bt types.BlockType) ([]*types.BlockMeta, error) {
	blocks, err := s.ListBlocks()
	if err != nil {
		return nil, err
	}

	var filtered []*types.BlockMeta
	for _, block := range blocks {
		if block.Type == bt {
			filtered = append(filtered, block)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateBlock(block *types.BlockMeta) error {
	return s.CreateBlock(block)
}

func (s *BoltStore) DeleteBlock(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).Delete([]byte(id))
	})
}

// Server config operations
func (s *BoltStore) SetConfig(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfig).Put([]byte(key), []byte(value))
	})
}

func (s *BoltStore) GetConfig(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConfig).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("config %s: %w", key, ErrNotFound)
		}
		value = string(data)
		return nil
	})
	return value, err
}

// Transaction runs fn against a transactional view of the store. Any
// error from fn rolls the whole batch back.
func (s *BoltStore) Transaction(fn func(tx Store) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Backup snapshots the database into dir using bolt's consistent-read
// file copy, then prunes the oldest snapshots beyond maxBackups.
func (s *BoltStore) Backup(dir string, maxBackups int) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	name := fmt.Sprintf("latzero-%s.db", time.Now().UTC().Format("20060102T150405"))
	path := filepath.Join(dir, name)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, 0600)
	})
	if err != nil {
		return "", fmt.Errorf("failed to snapshot database: %w", err)
	}

	if err := pruneBackups(dir, maxBackups); err != nil {
		return path, err
	}
	return path, nil
}

func pruneBackups(dir string, maxBackups int) error {
	if maxBackups <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".db" {
			names = append(names, e.Name())
		}
	}
	// Timestamped names sort chronologically.
	sort.Strings(names)
	for len(names) > maxBackups {
		if err := os.Remove(filepath.Join(dir, names[0])); err != nil {
			return err
		}
		names = names[1:]
	}
	return nil
}

// boltTx adapts one open bolt transaction to the Store interface so
// Transaction closures use the same typed operations.
type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) CreateApp(app *types.AppRegistration) error { return putApp(t.tx, app) }
func (t *boltTx) GetApp(id string) (*types.AppRegistration, error) {
	return getApp(t.tx, id)
}
func (t *boltTx) ListApps() ([]*types.AppRegistration, error) { return listApps(t.tx) }
func (t *boltTx) UpdateApp(app *types.AppRegistration) error  { return putApp(t.tx, app) }
func (t *boltTx) DeleteApp(id string) error {
	return t.tx.Bucket(bucketApps).Delete([]byte(id))
}

func (t *boltTx) CreatePool(pool *types.Pool) error        { return putPool(t.tx, pool) }
func (t *boltTx) GetPool(name string) (*types.Pool, error) { return getPool(t.tx, name) }
func (t *boltTx) ListPools() ([]*types.Pool, error)        { return listPools(t.tx) }
func (t *boltTx) UpdatePool(pool *types.Pool) error        { return putPool(t.tx, pool) }
func (t *boltTx) DeletePool(name string) error {
	return t.tx.Bucket(bucketPools).Delete([]byte(name))
}

func (t *boltTx) CreateBlock(block *types.BlockMeta) error    { return putBlock(t.tx, block) }
func (t *boltTx) GetBlock(id string) (*types.BlockMeta, error) { return getBlock(t.tx, id) }
func (t *boltTx) ListBlocks() ([]*types.BlockMeta, error)      { return listBlocks(t.tx) }
func (t *boltTx) ListBlocksByPool(pool string) ([]*types.BlockMeta, error) {
	blocks, err := listBlocks(t.tx)
	if err != nil {
		return nil, err
	}
	var filtered []*types.BlockMeta
	for _, block := range blocks {
		if block.Pool == pool {
			filtered = append(filtered, block)
		}
	}
	return filtered, nil
}
func (t *boltTx) ListBlocksByType(bt types.BlockType) ([]*types.BlockMeta, error) {
	blocks, err := listBlocks(t.tx)
	if err != nil {
		return nil, err
	}
	var filtered []*types.BlockMeta
	for _, block := range blocks {
		if block.Type == bt {
			filtered = append(filtered, block)
		}
	}
	return filtered, nil
}
func (t *boltTx) UpdateBlock(block *types.BlockMeta) error { return putBlock(t.tx, block) }
func (t *boltTx) DeleteBlock(id string) error {
	return t.tx.Bucket(bucketBlocks).Delete([]byte(id))
}

func (t *boltTx) SetConfig(key, value string) error {
	return t.tx.Bucket(bucketConfig).Put([]byte(key), []byte(value))
}
func (t *boltTx) GetConfig(key string) (string, error) {
	data := t.tx.Bucket(bucketConfig).Get([]byte(key))
	if data == nil {
		return "", fmt.Errorf("config %s: %w", key, ErrNotFound)
	}
	return string(data), nil
}

// Nested transactions reuse the already-open transaction.
func (t *boltTx) Transaction(fn func(tx Store) error) error { return fn(t) }

func (t *boltTx) Backup(dir string, maxBackups int) (string, error) {
	return "", fmt.Errorf("backup is not available inside a transaction")
}

func (t *boltTx) Close() error { return nil }

// Shared row helpers. All rows are JSON; updated_at is maintained here so
// every mutating path refreshes it.

func putApp(tx *bolt.Tx, app *types.AppRegistration) error {
	data, err := json.Marshal(app)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketApps).Put([]byte(app.AppID), data)
}

func getApp(tx *bolt.Tx, id string) (*types.AppRegistration, error) {
	data := tx.Bucket(bucketApps).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("app %s: %w", id, ErrNotFound)
	}
	var app types.AppRegistration
	if err := json.Unmarshal(data, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

func listApps(tx *bolt.Tx) ([]*types.AppRegistration, error) {
	var apps []*types.AppRegistration
	err := tx.Bucket(bucketApps).ForEach(func(k, v []byte) error {
		var app types.AppRegistration
		if err := json.Unmarshal(v, &app); err != nil {
			return err
		}
		apps = append(apps, &app)
		return nil
	})
	return apps, err
}

func putPool(tx *bolt.Tx, pool *types.Pool) error {
	pool.UpdatedAt = time.Now()
	data, err := json.Marshal(pool)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketPools).Put([]byte(pool.Name), data)
}

func getPool(tx *bolt.Tx, name string) (*types.Pool, error) {
	data := tx.Bucket(bucketPools).Get([]byte(name))
	if data == nil {
		return nil, fmt.Errorf("pool %s: %w", name, ErrNotFound)
	}
	var pool types.Pool
	if err := json.Unmarshal(data, &pool); err != nil {
		return nil, err
	}
	return &pool, nil
}

func listPools(tx *bolt.Tx) ([]*types.Pool, error) {
	var pools []*types.Pool
	err := tx.Bucket(bucketPools).ForEach(func(k, v []byte) error {
		var pool types.Pool
		if err := json.Unmarshal(v, &pool); err != nil {
			return err
		}
		pools = append(pools, &pool)
		return nil
	})
	return pools, err
}

func putBlock(tx *bolt.Tx, block *types.BlockMeta) error {
	block.UpdatedAt = time.Now()
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketBlocks).Put([]byte(block.BlockID), data)
}

func getBlock(tx *bolt.Tx, id string) (*types.BlockMeta, error) {
	data := tx.Bucket(bucketBlocks).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("block %s: %w", id, ErrNotFound)
	}
	var block types.BlockMeta
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

func listBlocks(tx *bolt.Tx) ([]*types.BlockMeta, error) {
	var blocks []*types.BlockMeta
	err := tx.Bucket(bucketBlocks).ForEach(func(k, v []byte) error {
		var block types.BlockMeta
		if err := json.Unmarshal(v, &block); err != nil {
			return err
		}
		blocks = append(blocks, &block)
		return nil
	})
	return blocks, err
}
