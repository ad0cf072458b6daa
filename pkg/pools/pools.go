package pools

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Latency-Zero/server/pkg/log"
	"github.com/Latency-Zero/server/pkg/protocol"
	"github.com/Latency-Zero/server/pkg/security"
	"github.com/Latency-Zero/server/pkg/storage"
	"github.com/Latency-Zero/server/pkg/types"
)

// Manager owns pool metadata and the bidirectional app↔pool membership
// index. The in-memory maps are the authoritative runtime view; every
// mutation is written through to the store before the mirror changes.
type Manager struct {
	mu       sync.RWMutex
	store    storage.Store
	sec      security.Provider
	pools    map[string]*types.Pool
	members  map[string]map[string]bool // pool → AppID set
	appPools map[string]map[string]bool // AppID → pool set
	logger   zerolog.Logger
}

// NewManager loads all pools from the store and re-creates missing
// sentinels.
func NewManager(store storage.Store, sec security.Provider) (*Manager, error) {
	m := &Manager{
		store:    store,
		sec:      sec,
		pools:    make(map[string]*types.Pool),
		members:  make(map[string]map[string]bool),
		appPools: make(map[string]map[string]bool),
		logger:   log.WithComponent("pools"),
	}

	persisted, err := store.ListPools()
	if err != nil {
		return nil, fmt.Errorf("failed to load pools: %w", err)
	}
	for _, p := range persisted {
		m.pools[p.Name] = p
		set := make(map[string]bool, len(p.Members))
		for _, app := range p.Members {
			set[app] = true
			if m.appPools[app] == nil {
				m.appPools[app] = make(map[string]bool)
			}
			m.appPools[app][p.Name] = true
		}
		m.members[p.Name] = set
	}

	for _, name := range []string{types.PoolDefault, types.PoolSystem} {
		if _, ok := m.pools[name]; ok {
			continue
		}
		if err := m.createLocked(name, types.PoolTypeLocal, false, nil); err != nil {
			return nil, fmt.Errorf("failed to bootstrap sentinel pool %s: %w", name, err)
		}
	}

	m.logger.Info().Int("pools", len(m.pools)).Msg("pool manager ready")
	return m, nil
}

// Create creates a new pool. Fails if the name exists or the type and
// encrypted flag disagree.
func (m *Manager) Create(name string, pt types.PoolType, encrypted bool, properties map[string]string) (*types.Pool, error) {
	if !protocol.ValidPoolName(name) {
		return nil, protocol.NewError(protocol.CodeValidation, "invalid pool name %q", name)
	}
	if pt == types.PoolTypeEncrypted && !encrypted {
		return nil, protocol.NewError(protocol.CodeValidation, "pool type encrypted requires encrypted flag")
	}
	if encrypted && pt != types.PoolTypeEncrypted {
		return nil, protocol.NewError(protocol.CodeValidation, "encrypted pools must have type encrypted")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[name]; ok {
		return nil, protocol.NewError(protocol.CodeValidation, "pool %s already exists", name)
	}
	if err := m.createLocked(name, pt, encrypted, properties); err != nil {
		return nil, err
	}
	return m.pools[name], nil
}

func (m *Manager) createLocked(name string, pt types.PoolType, encrypted bool, properties map[string]string) error {
	if encrypted {
		if err := m.sec.PreparePool(name); err != nil {
			return protocol.NewError(protocol.CodeInternal, "failed to prepare encrypted pool: %v", err)
		}
	}
	now := time.Now()
	pool := &types.Pool{
		Name:       name,
		Type:       pt,
		Encrypted:  encrypted,
		Properties: properties,
		Policies:   map[string][]string{"trigger": {"*"}, "memory": {"*"}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.CreatePool(pool); err != nil {
		return err
	}
	m.pools[name] = pool
	m.members[name] = make(map[string]bool)
	m.logger.Debug().Str("pool", name).Str("type", string(pt)).Msg("pool created")
	return nil
}

// Update applies property/policy changes. Sentinel pools refuse type and
// encrypted changes.
func (m *Manager) Update(name string, properties map[string]string, policies map[string][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[name]
	if !ok {
		return protocol.NewError(protocol.CodeNotFound, "pool %s not found", name)
	}
	if properties != nil {
		if pool.Properties == nil {
			pool.Properties = make(map[string]string)
		}
		for k, v := range properties {
			pool.Properties[k] = v
		}
	}
	if policies != nil {
		if pool.Policies == nil {
			pool.Policies = make(map[string][]string)
		}
		for k, v := range policies {
			pool.Policies[k] = v
		}
	}
	return m.store.UpdatePool(pool)
}

// Remove deletes a pool. Sentinels and non-empty pools are refused.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[name]
	if !ok {
		return protocol.NewError(protocol.CodeNotFound, "pool %s not found", name)
	}
	if pool.IsSentinel() {
		return protocol.NewError(protocol.CodeAccessDenied, "pool %s cannot be removed", name)
	}
	if len(m.members[name]) > 0 {
		return protocol.NewError(protocol.CodeValidation, "pool %s is not empty", name)
	}
	if err := m.store.DeletePool(name); err != nil {
		return err
	}
	delete(m.pools, name)
	delete(m.members, name)
	m.logger.Debug().Str("pool", name).Msg("pool removed")
	return nil
}

// Get returns the pool, or a NOT_FOUND error.
func (m *Manager) Get(name string) (*types.Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pool, ok := m.pools[name]
	if !ok {
		return nil, protocol.NewError(protocol.CodeNotFound, "pool %s not found", name)
	}
	return pool, nil
}

// Exists reports whether the pool exists.
func (m *Manager) Exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pools[name]
	return ok
}

// List returns all pool names, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.pools))
	for name := range m.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddApp joins app to pool, maintaining both directions of the index.
// Idempotent. The pool is created implicitly when absent so a handshake
// naming a new pool succeeds.
func (m *Manager) AddApp(appID, pool string) error {
	if !protocol.ValidPoolName(pool) {
		return protocol.NewError(protocol.CodeValidation, "invalid pool name %q", pool)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[pool]; !ok {
		if err := m.createLocked(pool, types.PoolTypeLocal, false, nil); err != nil {
			return err
		}
	}
	if m.members[pool][appID] {
		return nil
	}
	p := m.pools[pool]
	p.Members = append(p.Members, appID)
	if err := m.store.UpdatePool(p); err != nil {
		p.Members = p.Members[:len(p.Members)-1]
		return err
	}
	m.members[pool][appID] = true
	if m.appPools[appID] == nil {
		m.appPools[appID] = make(map[string]bool)
	}
	m.appPools[appID][pool] = true
	return nil
}

// RemoveApp removes app from pool in both directions. Idempotent.
func (m *Manager) RemoveApp(appID, pool string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[pool]
	if !ok || !m.members[pool][appID] {
		return nil
	}
	kept := p.Members[:0]
	for _, id := range p.Members {
		if id != appID {
			kept = append(kept, id)
		}
	}
	p.Members = kept
	if err := m.store.UpdatePool(p); err != nil {
		return err
	}
	delete(m.members[pool], appID)
	if set := m.appPools[appID]; set != nil {
		delete(set, pool)
		if len(set) == 0 {
			delete(m.appPools, appID)
		}
	}
	return nil
}

// Members returns the AppIDs currently in pool.
func (m *Manager) Members(pool string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.members[pool]
	apps := make([]string, 0, len(set))
	for app := range set {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	return apps
}

// PoolsOfApp returns the pools app belongs to.
func (m *Manager) PoolsOfApp(appID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.appPools[appID]
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateMembership reports whether app is a member of pool.
func (m *Manager) ValidateMembership(appID, pool string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.members[pool][appID]
}

// GetProperty reads one pool property.
func (m *Manager) GetProperty(pool, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[pool]
	if !ok {
		return "", protocol.NewError(protocol.CodeNotFound, "pool %s not found", pool)
	}
	return p.Properties[key], nil
}

// SetProperty writes one pool property through to the store.
func (m *Manager) SetProperty(pool, key, value string) error {
	return m.Update(pool, map[string]string{key: value}, nil)
}

// CheckAccess applies the pool's policy map for op: the wildcard "*"
// grants any app, otherwise the app must be listed. Encrypted pools
// additionally consult the security provider.
func (m *Manager) CheckAccess(appID, pool, op string) bool {
	m.mu.RLock()
	p, ok := m.pools[pool]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if p.Encrypted && !m.sec.CheckPoolAccess(appID, pool, op) {
		return false
	}
	granted, ok := p.Policies[op]
	if !ok {
		// No policy for the op means membership decides.
		return m.ValidateMembership(appID, pool)
	}
	for _, id := range granted {
		if id == "*" || id == appID {
			return true
		}
	}
	return false
}
