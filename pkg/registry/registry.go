package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/Latency-Zero/server/pkg/events"
	"github.com/Latency-Zero/server/pkg/log"
	"github.com/Latency-Zero/server/pkg/pools"
	"github.com/Latency-Zero/server/pkg/protocol"
	"github.com/Latency-Zero/server/pkg/storage"
	"github.com/Latency-Zero/server/pkg/types"
)

// Evictor is the narrow transport hook the registry uses to retire the
// older connection when a duplicate handshake arrives for a BOUND AppID.
type Evictor interface {
	Evict(connID uint64, reason string)
}

// DisconnectListener is notified synchronously while the registry still
// holds the app's critical section, so in-flight cleanup is atomic with
// the removal of the binding.
type DisconnectListener interface {
	OnAppDisconnect(appID string, connID uint64)
}

// cacheEntry retains an offline app's state for rehydration.
type cacheEntry struct {
	Pools      []string
	Triggers   []string
	Metadata   map[string]string
	LastSeenAt time.Time
}

// Registry maintains the live AppID → registration map and the
// trigger-name → handler index. Handshake, update and disconnect for one
// AppID are serialized by a per-AppID critical section.
type Registry struct {
	store  storage.Store
	pools  *pools.Manager
	broker *events.Broker
	logger zerolog.Logger

	mu           sync.RWMutex
	live         map[string]*types.AppRegistration
	connApp      map[uint64]string
	triggerIndex map[string]map[string]bool
	triggerOrder map[string][]string // insertion order, for selection tie-breaks
	appLocks     map[string]*sync.Mutex

	rehydration *expirable.LRU[string, *cacheEntry]
	cacheTTL    time.Duration

	evictor   Evictor
	listeners []DisconnectListener
}

// New loads prior registrations from the durable store into the
// rehydration cache and returns an empty live registry.
func New(store storage.Store, pm *pools.Manager, broker *events.Broker, cacheTTL time.Duration) (*Registry, error) {
	r := &Registry{
		store:        store,
		pools:        pm,
		broker:       broker,
		logger:       log.WithComponent("registry"),
		live:         make(map[string]*types.AppRegistration),
		connApp:      make(map[uint64]string),
		triggerIndex: make(map[string]map[string]bool),
		triggerOrder: make(map[string][]string),
		appLocks:     make(map[string]*sync.Mutex),
		rehydration:  expirable.NewLRU[string, *cacheEntry](0, nil, cacheTTL),
		cacheTTL:     cacheTTL,
	}

	persisted, err := store.ListApps()
	if err != nil {
		return nil, err
	}
	for _, app := range persisted {
		if time.Since(app.LastSeenAt) > cacheTTL {
			continue // expired offline state, purged on the next sweep
		}
		r.rehydration.Add(app.AppID, &cacheEntry{
			Pools:      app.Pools,
			Triggers:   app.Triggers,
			Metadata:   app.Metadata,
			LastSeenAt: app.LastSeenAt,
		})
	}
	r.logger.Info().Int("cached", r.rehydration.Len()).Msg("registry ready")
	return r, nil
}

// SetEvictor installs the transport hook. Wired by the orchestrator
// after the transport exists.
func (r *Registry) SetEvictor(e Evictor) { r.evictor = e }

// AddDisconnectListener subscribes to app disconnects.
func (r *Registry) AddDisconnectListener(l DisconnectListener) {
	r.listeners = append(r.listeners, l)
}

func (r *Registry) appLock(appID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lk, ok := r.appLocks[appID]
	if !ok {
		lk = &sync.Mutex{}
		r.appLocks[appID] = lk
	}
	return lk
}

// Handshake processes a handshake message for connID and returns the
// handshake_ack. The connection transitions UNBOUND→BOUND on success; a
// later handshake on a BOUND connection is an update. A handshake for an
// AppID bound elsewhere evicts the older connection first: the newer
// connection always wins, and at most one BOUND connection exists per
// AppID.
func (r *Registry) Handshake(connID uint64, msg *protocol.Message) (*protocol.Message, error) {
	appID := msg.AppID
	lk := r.appLock(appID)
	lk.Lock()
	defer lk.Unlock()

	r.mu.Lock()
	prior, bound := r.live[appID]
	r.mu.Unlock()

	var priorPools []string
	if bound {
		priorPools = prior.Pools
	}

	if bound && prior.ConnID != connID {
		if r.evictor != nil {
			r.evictor.Evict(prior.ConnID, "superseded by a newer handshake for "+appID)
		}
		r.detach(appID, prior.ConnID, false)
		// Listener cleanup for the superseded connection runs here; its
		// read-loop disconnect no longer finds the mapping.
		for _, l := range r.listeners {
			l.OnAppDisconnect(appID, prior.ConnID)
		}
		bound = false
	}

	entry, cached := r.rehydration.Get(appID)
	rehydrating := !bound && len(msg.Triggers) == 0 && cached

	reg := &types.AppRegistration{
		AppID:           appID,
		Pools:           msg.Pools,
		Triggers:        msg.Triggers,
		Metadata:        msg.Metadata,
		ProtocolVersion: msg.ProtocolVersion,
		RegisteredAt:    time.Now(),
		LastSeenAt:      time.Now(),
		ConnID:          connID,
	}
	if bound {
		reg.RegisteredAt = prior.RegisteredAt
	}

	if rehydrating {
		reg.Pools = entry.Pools
		reg.Triggers = entry.Triggers
		if len(msg.Metadata) == 0 {
			reg.Metadata = entry.Metadata
		}
		reg.Rehydrated = true
	}
	if len(reg.Pools) == 0 {
		reg.Pools = []string{types.PoolDefault}
	}

	// Persist before touching any mirror: a store failure leaves the
	// registry exactly as it was.
	if err := r.store.UpdateApp(reg); err != nil {
		return nil, protocol.NewError(protocol.CodeHandshake, "failed to persist registration: %v", err)
	}

	if bound {
		r.detach(appID, connID, false)
	}

	for _, pool := range reg.Pools {
		if err := r.pools.AddApp(appID, pool); err != nil {
			var perr *protocol.Error
			if errors.As(err, &perr) {
				return nil, &protocol.Error{Code: protocol.CodeHandshake, Message: perr.Message}
			}
			return nil, protocol.NewError(protocol.CodeHandshake, "failed to join pool %s: %v", pool, err)
		}
	}

	// A re-handshake replaces the pool set: memberships absent from the
	// new list are removed, keeping the app/pool index bidirectional.
	if len(priorPools) > 0 {
		current := make(map[string]bool, len(reg.Pools))
		for _, pool := range reg.Pools {
			current[pool] = true
		}
		for _, pool := range priorPools {
			if current[pool] {
				continue
			}
			if err := r.pools.RemoveApp(appID, pool); err != nil {
				r.logger.Warn().Err(err).Str("app_id", appID).Str("pool", pool).Msg("failed to leave dropped pool")
			}
		}
	}

	r.mu.Lock()
	r.live[appID] = reg
	r.connApp[connID] = appID
	for _, trig := range reg.Triggers {
		if r.triggerIndex[trig] == nil {
			r.triggerIndex[trig] = make(map[string]bool)
		}
		if !r.triggerIndex[trig][appID] {
			r.triggerIndex[trig][appID] = true
			r.triggerOrder[trig] = append(r.triggerOrder[trig], appID)
		}
	}
	r.mu.Unlock()

	r.rehydration.Remove(appID)

	evType := events.EventAppRegistered
	if bound {
		evType = events.EventAppUpdated
	}
	r.broker.Publish(&events.Event{Type: evType, AppID: appID})

	r.logger.Info().
		Str("app_id", appID).
		Uint64("conn_id", connID).
		Bool("rehydrated", reg.Rehydrated).
		Int("triggers", len(reg.Triggers)).
		Msg("app bound")

	return &protocol.Message{
		Type:            protocol.TypeHandshakeAck,
		CorrelationID:   msg.ID,
		Status:          "success",
		ProtocolVersion: types.ProtocolVersion,
		Assigned: &protocol.Assigned{
			AppID:      appID,
			Pools:      reg.Pools,
			Triggers:   reg.Triggers,
			Rehydrated: reg.Rehydrated,
		},
	}, nil
}

// Disconnect handles a closed connection: the binding is dropped, the
// registration moves to the rehydration cache, and trigger/pool index
// entries are removed while the app is offline. Listeners run before the
// per-app lock is released so no in-flight record can survive referencing
// the stale connection.
func (r *Registry) Disconnect(connID uint64) {
	r.mu.RLock()
	appID, ok := r.connApp[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	lk := r.appLock(appID)
	lk.Lock()
	defer lk.Unlock()

	r.mu.RLock()
	reg, bound := r.live[appID]
	stillOurs := bound && reg.ConnID == connID
	r.mu.RUnlock()
	if !stillOurs {
		r.mu.Lock()
		delete(r.connApp, connID)
		r.mu.Unlock()
		return
	}

	now := time.Now()
	r.rehydration.Add(appID, &cacheEntry{
		Pools:      reg.Pools,
		Triggers:   reg.Triggers,
		Metadata:   reg.Metadata,
		LastSeenAt: now,
	})

	reg.LastSeenAt = now
	reg.ConnID = 0
	if err := r.store.UpdateApp(reg); err != nil {
		r.logger.Warn().Err(err).Str("app_id", appID).Msg("failed to persist offline state")
	}

	r.detach(appID, connID, true)

	for _, l := range r.listeners {
		l.OnAppDisconnect(appID, connID)
	}
	r.broker.Publish(&events.Event{Type: events.EventAppOffline, AppID: appID})
	r.logger.Info().Str("app_id", appID).Uint64("conn_id", connID).Msg("app offline")
}

// detach removes the live binding and index entries. With leavePools the
// app's pool memberships are removed as well (offline apps leave their
// pools; a rebind re-joins them).
func (r *Registry) detach(appID string, connID uint64, leavePools bool) {
	r.mu.Lock()
	reg := r.live[appID]
	var triggers, poolNames []string
	if reg != nil {
		triggers = reg.Triggers
		poolNames = reg.Pools
		delete(r.live, appID)
	}
	delete(r.connApp, connID)
	for _, trig := range triggers {
		if set := r.triggerIndex[trig]; set != nil {
			delete(set, appID)
			if len(set) == 0 {
				delete(r.triggerIndex, trig)
			}
		}
		order := r.triggerOrder[trig]
		kept := order[:0]
		for _, id := range order {
			if id != appID {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(r.triggerOrder, trig)
		} else {
			r.triggerOrder[trig] = kept
		}
	}
	r.mu.Unlock()

	if leavePools {
		for _, pool := range poolNames {
			if err := r.pools.RemoveApp(appID, pool); err != nil {
				r.logger.Warn().Err(err).Str("app_id", appID).Str("pool", pool).Msg("failed to leave pool")
			}
		}
	}
}

// RegisterTrigger adds one trigger to a bound app's registration.
func (r *Registry) RegisterTrigger(appID, trigger string) error {
	if !protocol.ValidTriggerName(trigger) {
		return protocol.NewError(protocol.CodeValidation, "invalid trigger name %q", trigger)
	}
	lk := r.appLock(appID)
	lk.Lock()
	defer lk.Unlock()

	r.mu.Lock()
	reg, ok := r.live[appID]
	if !ok {
		r.mu.Unlock()
		return protocol.NewError(protocol.CodeNotFound, "app %s is not bound", appID)
	}
	for _, t := range reg.Triggers {
		if t == trigger {
			r.mu.Unlock()
			return nil
		}
	}
	reg.Triggers = append(reg.Triggers, trigger)
	if r.triggerIndex[trigger] == nil {
		r.triggerIndex[trigger] = make(map[string]bool)
	}
	r.triggerIndex[trigger][appID] = true
	r.triggerOrder[trigger] = append(r.triggerOrder[trigger], appID)
	r.mu.Unlock()

	return r.store.UpdateApp(reg)
}

// Lookup helpers used by the router and admin surface.

// AppOf returns the AppID bound to connID.
func (r *Registry) AppOf(connID uint64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	appID, ok := r.connApp[connID]
	return appID, ok
}

// ConnOf returns the live connection id for appID.
func (r *Registry) ConnOf(appID string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.live[appID]
	if !ok {
		return 0, false
	}
	return reg.ConnID, true
}

// IsActive reports whether appID is BOUND.
func (r *Registry) IsActive(appID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.live[appID]
	return ok
}

// HandlersFor returns the bound AppIDs registered for trigger, in
// registration order.
func (r *Registry) HandlersFor(trigger string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order := r.triggerOrder[trigger]
	out := make([]string, len(order))
	copy(out, order)
	return out
}

// HasTrigger reports whether appID's registration lists trigger.
func (r *Registry) HasTrigger(appID, trigger string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.triggerIndex[trigger][appID]
}

// Registration returns the live registration for appID.
func (r *Registry) Registration(appID string) (*types.AppRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.live[appID]
	return reg, ok
}

// ListBound returns all bound AppIDs.
func (r *Registry) ListBound() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.live))
	for appID := range r.live {
		out = append(out, appID)
	}
	return out
}

// CachedCount returns the rehydration cache size.
func (r *Registry) CachedCount() int { return r.rehydration.Len() }

// PurgeExpired removes durable rows for apps whose offline time exceeds
// the cache TTL. The in-memory cache expires entries on its own; this
// sweep keeps the durable store in step.
func (r *Registry) PurgeExpired() {
	apps, err := r.store.ListApps()
	if err != nil {
		r.logger.Warn().Err(err).Msg("purge scan failed")
		return
	}
	for _, app := range apps {
		if r.IsActive(app.AppID) {
			continue
		}
		if time.Since(app.LastSeenAt) > r.cacheTTL {
			if err := r.store.DeleteApp(app.AppID); err != nil {
				r.logger.Warn().Err(err).Str("app_id", app.AppID).Msg("purge failed")
				continue
			}
			r.rehydration.Remove(app.AppID)
			r.logger.Debug().Str("app_id", app.AppID).Msg("expired registration purged")
		}
	}
}
