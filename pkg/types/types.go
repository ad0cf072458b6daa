package types

import (
	"time"
)

// Protocol constants shared across components.
const (
	// ProtocolVersion is the wire protocol version advertised by the server.
	ProtocolVersion = "0.1.0"

	// MaxFrameBytes is the hard ceiling for a single wire frame (16 MiB).
	MaxFrameBytes = 16 * 1024 * 1024

	// Identifier length limits.
	MaxAppIDLen       = 128
	MaxPoolNameLen    = 64
	MaxTriggerNameLen = 128
)

// Sentinel pool names. Both exist at startup and cannot be deleted.
const (
	PoolDefault = "default"
	PoolSystem  = "system"
)

// AppRegistration is the registry's view of one application identified by
// a stable AppID. The connection side of the binding lives with the
// transport; the registration only carries the connection id so a stale
// registration never pins a closed socket.
type AppRegistration struct {
	AppID           string            `json:"app_id"`
	Pools           []string          `json:"pools"`
	Triggers        []string          `json:"triggers"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ProtocolVersion string            `json:"protocol_version"`
	RegisteredAt    time.Time         `json:"registered_at"`
	LastSeenAt      time.Time         `json:"last_seen_at"`
	Rehydrated      bool              `json:"rehydrated"`
	ConnID          uint64            `json:"-"`
}

// PoolType classifies a pool's visibility and protection level.
type PoolType string

const (
	PoolTypeLocal     PoolType = "local"
	PoolTypeGlobal    PoolType = "global"
	PoolTypeEncrypted PoolType = "encrypted"
)

// Pool is a named namespace grouping applications, triggers and memory
// blocks. Policies map a permission name to the AppIDs granted it; the
// wildcard "*" grants everyone.
type Pool struct {
	Name            string              `json:"name"`
	Type            PoolType            `json:"type"`
	Encrypted       bool                `json:"encrypted"`
	Owners          []string            `json:"owners,omitempty"`
	Members         []string            `json:"members,omitempty"`
	Policies        map[string][]string `json:"policies,omitempty"`
	Properties      map[string]string   `json:"properties,omitempty"`
	MaxMemoryBlocks int                 `json:"max_memory_blocks,omitempty"`
	MaxTriggers     int                 `json:"max_triggers,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// IsSentinel reports whether the pool is one of the pre-created pools
// that cannot be removed.
func (p *Pool) IsSentinel() bool {
	return p.Name == PoolDefault || p.Name == PoolSystem
}

// BlockType classifies a memory block's backing and lifetime.
type BlockType string

const (
	BlockTypeShared     BlockType = "shared"
	BlockTypePersistent BlockType = "persistent"
	BlockTypeEncrypted  BlockType = "encrypted"
	BlockTypeTemporary  BlockType = "temporary"
	BlockTypeJSON       BlockType = "json"
	BlockTypeBinary     BlockType = "binary"
	BlockTypeStream     BlockType = "stream"
)

// BlockMeta is the durable metadata for one named memory block. The block
// data itself lives in a backing file owned by the memory manager.
type BlockMeta struct {
	BlockID        string              `json:"block_id"`
	Name           string              `json:"name,omitempty"`
	Pool           string              `json:"pool"`
	Size           int64               `json:"size"`
	Type           BlockType           `json:"type"`
	Permissions    map[string][]string `json:"permissions,omitempty"`
	Version        uint64              `json:"version"`
	Persistent     bool                `json:"persistent"`
	Encrypted      bool                `json:"encrypted"`
	Attachments    []string            `json:"attachments,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	LastAccessedAt time.Time           `json:"last_accessed_at"`
}

// LockMode is the advisory lock mode for a memory block.
type LockMode string

const (
	LockModeRead      LockMode = "read"
	LockModeWrite     LockMode = "write"
	LockModeExclusive LockMode = "exclusive"
)

// TriggerState tracks an in-flight record through its lifecycle.
// Terminal states delete the record.
type TriggerState string

const (
	TriggerStatePending    TriggerState = "pending"
	TriggerStateDispatched TriggerState = "dispatched"
	TriggerStateCompleted  TriggerState = "completed"
	TriggerStateTimedOut   TriggerState = "timed_out"
	TriggerStateFailed     TriggerState = "failed"
)

// TriggerRecord is the router's per-request state: it correlates the
// eventual response (or synthesized timeout) back to the originator.
// Records are in-memory only and never replayed across restarts.
type TriggerRecord struct {
	ID            string       `json:"id"`
	OriginAppID   string       `json:"origin_app_id"`
	OriginConnID  uint64       `json:"origin_conn_id"`
	Destination   string       `json:"destination_app_id,omitempty"`
	Pool          string       `json:"pool"`
	TriggerName   string       `json:"trigger_name"`
	State         TriggerState `json:"state"`
	DispatchedTo  string       `json:"dispatched_to,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	TTL           int64        `json:"ttl_ms"`
	OriginalFrame []byte       `json:"-"`
}

// ExpiresAt returns the record's authoritative expiry instant.
func (r *TriggerRecord) ExpiresAt() time.Time {
	return r.CreatedAt.Add(time.Duration(r.TTL) * time.Millisecond)
}

// RoutingPolicy selects among multiple eligible handlers for a trigger.
type RoutingPolicy string

const (
	RouteRoundRobin     RoutingPolicy = "round-robin"
	RouteRandom         RoutingPolicy = "random"
	RouteFirstAvailable RoutingPolicy = "first-available"
	RouteLoadBalanced   RoutingPolicy = "load-balanced"
)
