package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/Latency-Zero/server/pkg/types"
)

// MemStore implements Store entirely in memory. It backs memory_mode,
// where the durable and ephemeral stores collapse into one that forgets
// everything at shutdown.
type MemStore struct {
	mu     sync.RWMutex
	apps   map[string]*types.AppRegistration
	pools  map[string]*types.Pool
	blocks map[string]*types.BlockMeta
	config map[string]string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		apps:   make(map[string]*types.AppRegistration),
		pools:  make(map[string]*types.Pool),
		blocks: make(map[string]*types.BlockMeta),
		config: make(map[string]string),
	}
}

func (s *MemStore) CreateApp(app *types.AppRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *app
	s.apps[app.AppID] = &cp
	return nil
}

func (s *MemStore) GetApp(id string) (*types.AppRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.apps[id]
	if !ok {
		return nil, fmt.Errorf("app %s: %w", id, ErrNotFound)
	}
	cp := *app
	return &cp, nil
}

func (s *MemStore) ListApps() ([]*types.AppRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	apps := make([]*types.AppRegistration, 0, len(s.apps))
	for _, app := range s.apps {
		cp := *app
		apps = append(apps, &cp)
	}
	return apps, nil
}

func (s *MemStore) UpdateApp(app *types.AppRegistration) error { return s.CreateApp(app) }

func (s *MemStore) DeleteApp(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.apps, id)
	return nil
}

func (s *MemStore) CreatePool(pool *types.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pool
	cp.UpdatedAt = time.Now()
	pool.UpdatedAt = cp.UpdatedAt
	s.pools[pool.Name] = &cp
	return nil
}

func (s *MemStore) GetPool(name string) (*types.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pool, ok := s.pools[name]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", name, ErrNotFound)
	}
	cp := *pool
	return &cp, nil
}

func (s *MemStore) ListPools() ([]*types.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pools := make([]*types.Pool, 0, len(s.pools))
	for _, pool := range s.pools {
		cp := *pool
		pools = append(pools, &cp)
	}
	return pools, nil
}

func (s *MemStore) UpdatePool(pool *types.Pool) error { return s.CreatePool(pool) }

func (s *MemStore) DeletePool(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pools, name)
	return nil
}

func (s *MemStore) CreateBlock(block *types.BlockMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *block
	cp.UpdatedAt = time.Now()
	block.UpdatedAt = cp.UpdatedAt
	s.blocks[block.BlockID] = &cp
	return nil
}

func (s *MemStore) GetBlock(id string) (*types.BlockMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	block, ok := s.blocks[id]
	if !ok {
		return nil, fmt.Errorf("block %s: %w", id, ErrNotFound)
	}
	cp := *block
	return &cp, nil
}

func (s *MemStore) ListBlocks() ([]*types.BlockMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blocks := make([]*types.BlockMeta, 0, len(s.blocks))
	for _, block := range s.blocks {
		cp := *block
		blocks = append(blocks, &cp)
	}
	return blocks, nil
}

func (s *MemStore) ListBlocksByPool(pool string) ([]*types.BlockMeta, error) {
	blocks, _ := s.ListBlocks()
	var filtered []*types.BlockMeta
	for _, block := range blocks {
		if block.Pool == pool {
			filtered = append(filtered, block)
		}
	}
	return filtered, nil
}

func (s *MemStore) ListBlocksByType(bt types.BlockType) ([]*types.BlockMeta, error) {
	blocks, _ := s.ListBlocks()
	var filtered []*types.BlockMeta
	for _, block := range blocks {
		if block.Type == bt {
			filtered = append(filtered, block)
		}
	}
	return filtered, nil
}

func (s *MemStore) UpdateBlock(block *types.BlockMeta) error { return s.CreateBlock(block) }

func (s *MemStore) DeleteBlock(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, id)
	return nil
}

func (s *MemStore) SetConfig(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[key] = value
	return nil
}

func (s *MemStore) GetConfig(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.config[key]
	if !ok {
		return "", fmt.Errorf("config %s: %w", key, ErrNotFound)
	}
	return value, nil
}

// Transaction stages all mutations on a copy and swaps the copy in only
// when fn succeeds, so a failing closure leaves the store untouched.
func (s *MemStore) Transaction(fn func(tx Store) error) error {
	s.mu.Lock()
	staged := &MemStore{
		apps:   make(map[string]*types.AppRegistration, len(s.apps)),
		pools:  make(map[string]*types.Pool, len(s.pools)),
		blocks: make(map[string]*types.BlockMeta, len(s.blocks)),
		config: make(map[string]string, len(s.config)),
	}
	for k, v := range s.apps {
		cp := *v
		staged.apps[k] = &cp
	}
	for k, v := range s.pools {
		cp := *v
		staged.pools[k] = &cp
	}
	for k, v := range s.blocks {
		cp := *v
		staged.blocks[k] = &cp
	}
	for k, v := range s.config {
		staged.config[k] = v
	}
	s.mu.Unlock()

	if err := fn(staged); err != nil {
		return err
	}

	s.mu.Lock()
	s.apps = staged.apps
	s.pools = staged.pools
	s.blocks = staged.blocks
	s.config = staged.config
	s.mu.Unlock()
	return nil
}

// Backup is a no-op for the in-memory store; there is nothing durable to
// snapshot in memory_mode.
func (s *MemStore) Backup(dir string, maxBackups int) (string, error) {
	return "", nil
}

func (s *MemStore) Close() error { return nil }
