package memory

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Latency-Zero/server/pkg/protocol"
	"github.com/Latency-Zero/server/pkg/types"
)

// heldLock is one advisory lock on a block. The timer token lives beside
// the lock so auto-release always cancels cleanly.
type heldLock struct {
	id      string
	blockID string
	owner   string
	mode    types.LockMode
	timer   *time.Timer
}

// lockTable tracks advisory locks across all blocks. Acquisition is
// non-queued: conflicting requests fail immediately rather than wait.
type lockTable struct {
	mu      sync.Mutex
	byID    map[string]*heldLock
	byBlock map[string][]*heldLock
}

func newLockTable() *lockTable {
	return &lockTable{
		byID:    make(map[string]*heldLock),
		byBlock: make(map[string][]*heldLock),
	}
}

// conflicts reports whether a new lock in mode clashes with held.
// Read locks share; a write lock shares only with reads; exclusive
// shares with nothing.
func conflicts(held, requested types.LockMode) bool {
	if held == types.LockModeExclusive || requested == types.LockModeExclusive {
		return true
	}
	if held == types.LockModeWrite && requested == types.LockModeWrite {
		return true
	}
	return false
}

func (t *lockTable) acquire(blockID, owner string, mode types.LockMode, timeout time.Duration) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, held := range t.byBlock[blockID] {
		if conflicts(held.mode, mode) {
			return "", protocol.NewError(protocol.CodeAccessDenied,
				"block %s is locked in %s mode by %s", blockID, held.mode, held.owner)
		}
	}

	lk := &heldLock{
		id:      uuid.New().String(),
		blockID: blockID,
		owner:   owner,
		mode:    mode,
	}
	if timeout > 0 {
		lk.timer = time.AfterFunc(timeout, func() {
			t.expire(lk.id)
		})
	}
	t.byID[lk.id] = lk
	t.byBlock[blockID] = append(t.byBlock[blockID], lk)
	return lk.id, nil
}

// release frees a lock; only the acquiring app may release it.
func (t *lockTable) release(lockID, owner string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	lk, ok := t.byID[lockID]
	if !ok {
		return protocol.NewError(protocol.CodeNotFound, "lock %s not held", lockID)
	}
	if lk.owner != owner {
		return protocol.NewError(protocol.CodeAccessDenied, "lock %s is held by %s", lockID, lk.owner)
	}
	t.dropLocked(lk)
	return nil
}

// expire is the auto-release path taken by the lock's timer.
func (t *lockTable) expire(lockID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lk, ok := t.byID[lockID]; ok {
		t.dropLocked(lk)
	}
}

// releaseOwner frees every lock held by owner, used on disconnect.
func (t *lockTable) releaseOwner(owner string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, lk := range t.byID {
		if lk.owner == owner {
			t.dropLocked(lk)
		}
	}
}

// releaseBlock frees every lock on a block, used when the block goes away.
func (t *lockTable) releaseBlock(blockID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, lk := range t.byBlock[blockID] {
		if lk.timer != nil {
			lk.timer.Stop()
		}
		delete(t.byID, lk.id)
	}
	delete(t.byBlock, blockID)
}

func (t *lockTable) dropLocked(lk *heldLock) {
	if lk.timer != nil {
		lk.timer.Stop()
	}
	delete(t.byID, lk.id)
	held := t.byBlock[lk.blockID]
	kept := held[:0]
	for _, h := range held {
		if h.id != lk.id {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		delete(t.byBlock, lk.blockID)
	} else {
		t.byBlock[lk.blockID] = kept
	}
}

func (t *lockTable) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, lk := range t.byID {
		if lk.timer != nil {
			lk.timer.Stop()
		}
	}
	t.byID = make(map[string]*heldLock)
	t.byBlock = make(map[string][]*heldLock)
}
