package memory

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Latency-Zero/server/pkg/events"
	"github.com/Latency-Zero/server/pkg/log"
	"github.com/Latency-Zero/server/pkg/metrics"
	"github.com/Latency-Zero/server/pkg/pools"
	"github.com/Latency-Zero/server/pkg/protocol"
	"github.com/Latency-Zero/server/pkg/security"
	"github.com/Latency-Zero/server/pkg/storage"
	"github.com/Latency-Zero/server/pkg/types"
)

// block pairs the metadata mirror with the live data buffer. The buffer
// is authoritative at runtime; the backing file mirrors it on every
// write so persistent blocks survive restarts. The access stamp is
// atomic so concurrent readers can refresh it under the shared lock.
type block struct {
	mu       sync.RWMutex
	meta     *types.BlockMeta
	data     []byte
	accessed atomic.Int64 // unix nanos of the last access
}

func (b *block) touch() { b.accessed.Store(time.Now().UnixNano()) }

func (b *block) lastAccess() time.Time { return time.Unix(0, b.accessed.Load()) }

// Manager owns named memory blocks: metadata, data, advisory locks,
// permission checks and idle garbage collection.
type Manager struct {
	mu     sync.RWMutex
	store  storage.Store
	pools  *pools.Manager
	sec    security.Provider
	broker *events.Broker
	dir    string
	blocks map[string]*block
	locks  *lockTable
	logger zerolog.Logger

	idleMaxAge time.Duration
}

// NewManager loads persisted block metadata, restores persistent block
// data from backing files, and prepares the backing directory.
func NewManager(store storage.Store, sec security.Provider, broker *events.Broker, dir string, idleMaxAge time.Duration) (*Manager, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create memory directory: %w", err)
	}

	m := &Manager{
		store:      store,
		sec:        sec,
		broker:     broker,
		dir:        dir,
		blocks:     make(map[string]*block),
		locks:      newLockTable(),
		logger:     log.WithComponent("memory"),
		idleMaxAge: idleMaxAge,
	}

	persisted, err := store.ListBlocks()
	if err != nil {
		return nil, fmt.Errorf("failed to load block metadata: %w", err)
	}
	for _, meta := range persisted {
		meta.Attachments = nil // attachments never survive a restart
		b := &block{meta: meta, data: make([]byte, meta.Size)}
		b.accessed.Store(meta.LastAccessedAt.UnixNano())
		if raw, err := os.ReadFile(m.blockPath(meta.BlockID)); err == nil {
			if meta.Encrypted {
				if plain, derr := sec.DecryptBlock(meta.Pool, raw); derr == nil {
					raw = plain
				} else {
					m.logger.Warn().Err(derr).Str("block_id", meta.BlockID).Msg("failed to decrypt backing file")
					raw = nil
				}
			}
			copy(b.data, raw)
		}
		m.blocks[meta.BlockID] = b
	}
	metrics.BlocksActive.Set(float64(len(m.blocks)))
	m.logger.Info().Int("blocks", len(m.blocks)).Str("dir", dir).Msg("memory manager ready")
	return m, nil
}

// SetPools wires the pool manager. Pools initialize after the memory
// manager, so the reference arrives late.
func (m *Manager) SetPools(pm *pools.Manager) { m.pools = pm }

func (m *Manager) blockPath(blockID string) string {
	return filepath.Join(m.dir, blockID+".blk")
}

// Create allocates a new block. The backing file is allocated before the
// metadata row is recorded; a backing failure leaves no metadata behind.
func (m *Manager) Create(appID, blockID, name, pool string, size int64, bt types.BlockType, permissions map[string][]string) (*types.BlockMeta, error) {
	if size <= 0 {
		return nil, protocol.NewError(protocol.CodeValidation, "block size must be positive")
	}
	if pool == "" {
		pool = types.PoolDefault
	}
	p, err := m.pools.Get(pool)
	if err != nil {
		return nil, err
	}
	encrypted := bt == types.BlockTypeEncrypted
	if encrypted && !p.Encrypted {
		return nil, protocol.NewError(protocol.CodeValidation, "encrypted blocks require an encrypted pool")
	}
	if !m.pools.CheckAccess(appID, pool, "memory") {
		return nil, protocol.NewError(protocol.CodeAccessDenied, "app %s may not create blocks in pool %s", appID, pool)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[blockID]; ok {
		return nil, protocol.NewError(protocol.CodeValidation, "block %s already exists", blockID)
	}
	if p.MaxMemoryBlocks > 0 {
		count := 0
		for _, b := range m.blocks {
			if b.meta.Pool == pool {
				count++
			}
		}
		if count >= p.MaxMemoryBlocks {
			return nil, protocol.NewError(protocol.CodeTooManyRequests, "pool %s reached its block limit", pool)
		}
	}

	path := m.blockPath(blockID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInternal, "failed to allocate backing store: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, protocol.NewError(protocol.CodeInternal, "failed to size backing store: %v", err)
	}
	f.Close()

	if bt == "" {
		bt = types.BlockTypeShared
	}
	now := time.Now()
	meta := &types.BlockMeta{
		BlockID:        blockID,
		Name:           name,
		Pool:           pool,
		Size:           size,
		Type:           bt,
		Permissions:    permissions,
		Persistent:     bt == types.BlockTypePersistent,
		Encrypted:      encrypted,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
	}
	if err := m.store.CreateBlock(meta); err != nil {
		os.Remove(path)
		return nil, err
	}

	nb := &block{meta: meta, data: make([]byte, size)}
	nb.touch()
	m.blocks[blockID] = nb
	metrics.BlocksActive.Set(float64(len(m.blocks)))
	m.logger.Debug().Str("block_id", blockID).Str("pool", pool).Int64("size", size).Msg("block created")
	return meta, nil
}

func (m *Manager) get(blockID string) (*block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[blockID]
	if !ok {
		return nil, protocol.NewError(protocol.CodeNotFound, "block %s not found", blockID)
	}
	return b, nil
}

func (m *Manager) checkAccess(b *block, appID, op string) error {
	if !m.pools.ValidateMembership(appID, b.meta.Pool) {
		return protocol.NewError(protocol.CodeAccessDenied, "app %s is not a member of pool %s", appID, b.meta.Pool)
	}
	if b.meta.Encrypted && !m.sec.CheckPoolAccess(appID, b.meta.Pool, op) {
		return protocol.NewError(protocol.CodeAccessDenied, "security provider denied %s on block %s", op, b.meta.BlockID)
	}
	granted, ok := b.meta.Permissions[op]
	if !ok {
		return nil // no explicit permission list for the op: membership suffices
	}
	for _, id := range granted {
		if id == "*" || id == appID {
			return nil
		}
	}
	return protocol.NewError(protocol.CodeAccessDenied, "app %s lacks %s permission on block %s", appID, op, b.meta.BlockID)
}

// Attach records appID as attached. Re-attaching is idempotent.
func (m *Manager) Attach(appID, blockID string) (*types.BlockMeta, error) {
	b, err := m.get(blockID)
	if err != nil {
		return nil, err
	}
	if err := m.checkAccess(b, appID, "read"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.meta.Attachments {
		if id == appID {
			return b.meta, nil
		}
	}
	b.meta.Attachments = append(b.meta.Attachments, appID)
	b.meta.LastAccessedAt = time.Now()
	b.touch()
	if err := m.store.UpdateBlock(b.meta); err != nil {
		b.meta.Attachments = b.meta.Attachments[:len(b.meta.Attachments)-1]
		return nil, err
	}
	return b.meta, nil
}

// Detach removes appID from the attachment set. Idempotent.
func (m *Manager) Detach(appID, blockID string) error {
	b, err := m.get(blockID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.meta.Attachments[:0]
	found := false
	for _, id := range b.meta.Attachments {
		if id == appID {
			found = true
			continue
		}
		kept = append(kept, id)
	}
	if !found {
		return nil
	}
	b.meta.Attachments = kept
	return m.store.UpdateBlock(b.meta)
}

// DetachAll drops every attachment held by appID, used on disconnect.
func (m *Manager) DetachAll(appID string) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.blocks))
	for id := range m.blocks {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	alog := log.WithAppID(appID)
	for _, id := range ids {
		if err := m.Detach(appID, id); err != nil {
			alog.Warn().Err(err).Str("block_id", id).Msg("detach on disconnect failed")
		}
	}
	m.locks.releaseOwner(appID)
}

// Read returns the slice [offset, offset+length). A zero length reads to
// the end; offset == size yields an empty result.
func (m *Manager) Read(appID, blockID string, offset, length int64) ([]byte, error) {
	b, err := m.get(blockID)
	if err != nil {
		return nil, err
	}
	if err := m.checkAccess(b, appID, "read"); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	size := b.meta.Size
	if offset < 0 || offset > size {
		return nil, protocol.NewError(protocol.CodeOutOfBounds, "offset %d outside block of %d bytes", offset, size)
	}
	if length == 0 {
		length = size - offset
	}
	if offset+length > size {
		return nil, protocol.NewError(protocol.CodeOutOfBounds, "read [%d,%d) outside block of %d bytes", offset, offset+length, size)
	}
	out := make([]byte, length)
	copy(out, b.data[offset:offset+length])
	b.touch()
	return out, nil
}

// Write copies data into [offset, offset+len(data)), increments the
// block version and notifies subscribers. Writing zero bytes is a no-op
// and increments nothing.
func (m *Manager) Write(appID, blockID string, offset int64, data []byte) (uint64, error) {
	b, err := m.get(blockID)
	if err != nil {
		return 0, err
	}
	if err := m.checkAccess(b, appID, "write"); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return m.writeLocked(b, offset, data)
}

func (m *Manager) writeLocked(b *block, offset int64, data []byte) (uint64, error) {
	size := b.meta.Size
	if offset < 0 || offset > size || offset+int64(len(data)) > size {
		return 0, protocol.NewError(protocol.CodeOutOfBounds, "write [%d,%d) outside block of %d bytes", offset, offset+int64(len(data)), size)
	}
	if len(data) == 0 {
		return b.meta.Version, nil
	}

	copy(b.data[offset:], data)
	if err := m.flushLocked(b); err != nil {
		return 0, err
	}

	b.meta.Version++
	b.meta.LastAccessedAt = time.Now()
	b.touch()
	if err := m.store.UpdateBlock(b.meta); err != nil {
		b.meta.Version--
		return 0, err
	}

	metrics.BlockWrites.Inc()
	m.broker.Publish(&events.Event{
		Type:    events.EventBlockWritten,
		BlockID: b.meta.BlockID,
		Pool:    b.meta.Pool,
		Version: b.meta.Version,
	})
	return b.meta.Version, nil
}

func (m *Manager) flushLocked(b *block) error {
	out := b.data
	if b.meta.Encrypted {
		enc, err := m.sec.EncryptBlock(b.meta.Pool, b.data)
		if err != nil {
			return protocol.NewError(protocol.CodeInternal, "failed to encrypt block: %v", err)
		}
		out = enc
	}
	if err := os.WriteFile(m.blockPath(b.meta.BlockID), out, 0600); err != nil {
		return protocol.NewError(protocol.CodeInternal, "failed to flush backing store: %v", err)
	}
	return nil
}

// CAS compares the slice at offset against expected; on a match the new
// bytes are written and the previous bytes returned with ok=true. On a
// mismatch the current bytes come back with ok=false.
func (m *Manager) CAS(appID, blockID string, offset int64, expected, data []byte) (bool, []byte, error) {
	b, err := m.get(blockID)
	if err != nil {
		return false, nil, err
	}
	if err := m.checkAccess(b, appID, "write"); err != nil {
		return false, nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	size := b.meta.Size
	if offset < 0 || offset+int64(len(expected)) > size {
		return false, nil, protocol.NewError(protocol.CodeOutOfBounds, "cas [%d,%d) outside block of %d bytes", offset, offset+int64(len(expected)), size)
	}
	current := make([]byte, len(expected))
	copy(current, b.data[offset:offset+int64(len(expected))])
	if !bytes.Equal(current, expected) {
		return false, current, nil
	}
	if _, err := m.writeLocked(b, offset, data); err != nil {
		return false, nil, err
	}
	return true, current, nil
}

// Lock acquires an advisory lock. Acquisition is non-queued: a conflict
// fails immediately. The lock auto-releases after timeout.
func (m *Manager) Lock(appID, blockID string, mode types.LockMode, timeout time.Duration) (string, error) {
	b, err := m.get(blockID)
	if err != nil {
		return "", err
	}
	if err := m.checkAccess(b, appID, "write"); err != nil {
		return "", err
	}
	if mode == "" {
		mode = types.LockModeExclusive
	}
	return m.locks.acquire(blockID, appID, mode, timeout)
}

// Unlock releases a held lock. Only the acquiring app may release it.
func (m *Manager) Unlock(appID, lockID string) error {
	return m.locks.release(lockID, appID)
}

// Delete removes a block. Attached blocks are refused.
func (m *Manager) Delete(appID, blockID string) error {
	b, err := m.get(blockID)
	if err != nil {
		return err
	}
	if err := m.checkAccess(b, appID, "write"); err != nil {
		return err
	}
	b.mu.Lock()
	if len(b.meta.Attachments) > 0 {
		b.mu.Unlock()
		return protocol.NewError(protocol.CodeValidation, "block %s has %d attachments", blockID, len(b.meta.Attachments))
	}
	b.mu.Unlock()
	return m.remove(blockID)
}

func (m *Manager) remove(blockID string) error {
	if err := m.store.DeleteBlock(blockID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	m.mu.Lock()
	delete(m.blocks, blockID)
	metrics.BlocksActive.Set(float64(len(m.blocks)))
	m.mu.Unlock()
	m.locks.releaseBlock(blockID)
	os.Remove(m.blockPath(blockID))
	m.broker.Publish(&events.Event{Type: events.EventBlockDeleted, BlockID: blockID})
	return nil
}

// List returns metadata for every block, or for one pool when set.
func (m *Manager) List(pool string) []*types.BlockMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.BlockMeta
	for _, b := range m.blocks {
		if pool == "" || b.meta.Pool == pool {
			out = append(out, b.meta)
		}
	}
	return out
}

// Meta returns the metadata for one block.
func (m *Manager) Meta(blockID string) (*types.BlockMeta, error) {
	b, err := m.get(blockID)
	if err != nil {
		return nil, err
	}
	return b.meta, nil
}

// GC removes idle, non-persistent blocks with zero attachments whose
// last access exceeds the idle max age. Run periodically by the server.
func (m *Manager) GC() int {
	m.mu.RLock()
	var stale []string
	for id, b := range m.blocks {
		idle := time.Since(b.lastAccess()) > m.idleMaxAge
		b.mu.RLock()
		collectable := !b.meta.Persistent && len(b.meta.Attachments) == 0 && idle
		b.mu.RUnlock()
		if collectable {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		if err := m.remove(id); err != nil {
			m.logger.Warn().Err(err).Str("block_id", id).Msg("gc failed")
		} else {
			m.logger.Debug().Str("block_id", id).Msg("idle block collected")
		}
	}
	return len(stale)
}

// Close releases the lock table timers.
func (m *Manager) Close() {
	m.locks.close()
}
