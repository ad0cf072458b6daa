package router

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Latency-Zero/server/pkg/log"
	"github.com/Latency-Zero/server/pkg/metrics"
	"github.com/Latency-Zero/server/pkg/pools"
	"github.com/Latency-Zero/server/pkg/protocol"
	"github.com/Latency-Zero/server/pkg/registry"
	"github.com/Latency-Zero/server/pkg/storage"
	"github.com/Latency-Zero/server/pkg/types"
)

// Sender is the narrow transport interface the router needs to deliver
// frames to a connection.
type Sender interface {
	Send(connID uint64, msg *protocol.Message) error
}

// Config bounds the router's behavior.
type Config struct {
	MaxInflight  int
	DefaultTTLMs int64
	MaxTTLMs     int64
	Policy       types.RoutingPolicy
	EMAAlpha     float64
	SweepEvery   time.Duration
}

// inflight pairs a record with its expiry token so removal always
// cancels the timer.
type inflight struct {
	rec   *types.TriggerRecord
	timer *time.Timer
}

// Router resolves trigger requests to handlers, correlates responses,
// and enforces TTLs. It owns the in-flight table; the storage mirror is
// updated alongside for inspection only.
type Router struct {
	registry *registry.Registry
	pools    *pools.Manager
	sender   Sender
	mirror   *storage.TriggerTable
	cfg      Config
	logger   zerolog.Logger

	mu      sync.Mutex
	table   map[string]*inflight
	cursors map[string]int // round-robin position per trigger

	smu    sync.Mutex
	stats  Stats
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a router. The sender is wired by the orchestrator once the
// transport exists.
func New(reg *registry.Registry, pm *pools.Manager, mirror *storage.TriggerTable, cfg Config) *Router {
	if cfg.EMAAlpha <= 0 || cfg.EMAAlpha > 1 {
		cfg.EMAAlpha = 0.1
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 60 * time.Second
	}
	return &Router{
		registry: reg,
		pools:    pm,
		mirror:   mirror,
		cfg:      cfg,
		logger:   log.WithComponent("router"),
		table:    make(map[string]*inflight),
		cursors:  make(map[string]int),
		stopCh:   make(chan struct{}),
	}
}

// SetSender installs the transport hook.
func (r *Router) SetSender(s Sender) { r.sender = s }

// Start launches the periodic straggler sweep.
func (r *Router) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop halts the sweeper and cancels all pending timers.
func (r *Router) Stop() {
	close(r.stopCh)
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, inf := range r.table {
		inf.timer.Stop()
		delete(r.table, id)
		r.mirror.Delete(id)
	}
	metrics.InflightRecords.Set(0)
}

// HandleTrigger processes a trigger request from connID. Any returned
// *protocol.Error is delivered to the caller as an error reply.
func (r *Router) HandleTrigger(connID uint64, msg *protocol.Message, rawFrame []byte) error {
	origin, bound := r.registry.AppOf(connID)
	if !bound {
		return r.fail(msg.ID, protocol.CodeValidation, "connection is not bound; handshake first")
	}

	pool := msg.Pool
	if pool == "" {
		pool = types.PoolDefault
	}
	if !r.pools.Exists(pool) {
		return r.fail(msg.ID, protocol.CodeNotFound, "pool %s not found", pool)
	}
	if !r.pools.ValidateMembership(origin, pool) {
		return r.fail(msg.ID, protocol.CodeAccessDenied, "app %s is not a member of pool %s", origin, pool)
	}

	candidates, err := r.resolveCandidates(origin, msg.Destination, msg.Trigger, pool)
	if err != nil {
		if perr, ok := err.(*protocol.Error); ok {
			perr.CorrelationID = msg.ID
		}
		r.countFailure(err)
		return err
	}
	if len(candidates) == 0 {
		return r.fail(msg.ID, protocol.CodeNotFound, "no active handler for trigger %s in pool %s", msg.Trigger, pool)
	}

	dest := r.selectDestination(msg.Trigger, candidates)
	if dest == origin {
		return r.fail(msg.ID, protocol.CodeShortCircuit, "intra-app trigger dispatch is not implemented")
	}

	ttl := r.cfg.DefaultTTLMs
	if msg.TTL != nil {
		ttl = *msg.TTL
	}
	if ttl > r.cfg.MaxTTLMs {
		ttl = r.cfg.MaxTTLMs
	}
	if ttl < 0 {
		ttl = 0
	}

	rec := &types.TriggerRecord{
		ID:            msg.ID,
		OriginAppID:   origin,
		OriginConnID:  connID,
		Destination:   msg.Destination,
		Pool:          pool,
		TriggerName:   msg.Trigger,
		State:         types.TriggerStatePending,
		DispatchedTo:  dest,
		CreatedAt:     time.Now(),
		TTL:           ttl,
		OriginalFrame: rawFrame,
	}

	// The record goes into the table before the socket write so a
	// response racing the dispatch can never miss it.
	r.mu.Lock()
	if len(r.table) >= r.cfg.MaxInflight {
		r.mu.Unlock()
		return r.fail(msg.ID, protocol.CodeTooManyRequests, "in-flight limit of %d reached", r.cfg.MaxInflight)
	}
	if _, dup := r.table[rec.ID]; dup {
		r.mu.Unlock()
		return r.fail(msg.ID, protocol.CodeValidation, "trigger id %s is already in flight", rec.ID)
	}
	inf := &inflight{rec: rec}
	inf.timer = time.AfterFunc(time.Duration(ttl)*time.Millisecond, func() {
		r.expire(rec.ID)
	})
	r.table[rec.ID] = inf
	r.mu.Unlock()

	r.mirror.Put(rec)
	metrics.InflightRecords.Set(float64(r.mirror.Len()))

	destConn, ok := r.registry.ConnOf(dest)
	if !ok {
		r.removeRecord(rec.ID)
		return r.fail(msg.ID, protocol.CodeRouting, "destination %s became inactive", dest)
	}
	if err := r.sender.Send(destConn, msg); err != nil {
		r.removeRecord(rec.ID)
		return r.fail(msg.ID, protocol.CodeRouting, "failed to deliver trigger to %s: %v", dest, err)
	}

	r.mu.Lock()
	if cur, live := r.table[rec.ID]; live {
		cur.rec.State = types.TriggerStateDispatched
	}
	r.mu.Unlock()

	r.statsMu().Lock()
	r.stats.Routed++
	r.statsMu().Unlock()
	metrics.TriggersRouted.Inc()

	r.logger.Debug().
		Str("id", rec.ID).
		Str("trigger", msg.Trigger).
		Str("origin", origin).
		Str("dest", dest).
		Int64("ttl_ms", ttl).
		Msg("trigger dispatched")
	return nil
}

// resolveCandidates builds the filtered handler set: active, registered
// for the trigger, and a member of the pool. An explicit destination
// narrows the set to one and failures become ACCESS_DENIED per
// validateRouting.
func (r *Router) resolveCandidates(origin, destination, trigger, pool string) ([]string, error) {
	if destination != "" {
		if err := r.ValidateRouting(origin, destination, trigger); err != nil {
			return nil, err
		}
		if !r.registry.IsActive(destination) || !r.pools.ValidateMembership(destination, pool) {
			return nil, nil
		}
		return []string{destination}, nil
	}

	var out []string
	for _, appID := range r.registry.HandlersFor(trigger) {
		if !r.registry.IsActive(appID) {
			continue
		}
		if !r.pools.ValidateMembership(appID, pool) {
			continue
		}
		out = append(out, appID)
	}
	return out, nil
}

// ValidateRouting checks that destination registers the trigger and
// shares at least one pool with origin.
func (r *Router) ValidateRouting(origin, destination, trigger string) error {
	if !r.registry.HasTrigger(destination, trigger) {
		return protocol.NewError(protocol.CodeAccessDenied,
			"app %s does not register trigger %s", destination, trigger)
	}
	for _, p := range r.pools.PoolsOfApp(origin) {
		if r.pools.ValidateMembership(destination, p) {
			return nil
		}
	}
	return protocol.NewError(protocol.CodeAccessDenied,
		"apps %s and %s share no pool", origin, destination)
}

// HandleResponse routes a response or error message back to the
// originator of the in-flight record it correlates to.
func (r *Router) HandleResponse(msg *protocol.Message) {
	id := msg.Correlation()

	r.mu.Lock()
	inf, ok := r.table[id]
	if !ok {
		r.mu.Unlock()
		// Likely a response arriving after its timeout.
		r.logger.Warn().Str("id", id).Msg("response for unknown record dropped")
		return
	}
	inf.timer.Stop()
	delete(r.table, id)
	rec := inf.rec
	r.mu.Unlock()

	r.mirror.Delete(id)
	metrics.InflightRecords.Set(float64(r.mirror.Len()))

	elapsed := time.Since(rec.CreatedAt)
	r.observeResponseTime(elapsed)

	rec.State = types.TriggerStateCompleted
	out := *msg
	out.Type = protocol.TypeResponse
	if msg.Type == protocol.TypeError {
		out.Type = protocol.TypeError
	}
	out.CorrelationID = id
	// Responses always go to the originator; a destination field on a
	// response is ignored.
	out.Destination = ""

	if err := r.sender.Send(rec.OriginConnID, &out); err != nil {
		r.logger.Warn().Err(err).Str("id", id).Msg("origin unreachable; response dropped")
	}
}

// HandleEmit fans a fire-and-forget message out to every matching
// handler. No record is created and no response is tracked.
func (r *Router) HandleEmit(connID uint64, msg *protocol.Message) error {
	origin, bound := r.registry.AppOf(connID)
	if !bound {
		return protocol.NewError(protocol.CodeValidation, "connection is not bound; handshake first")
	}
	pool := msg.Pool
	if pool == "" {
		pool = types.PoolDefault
	}
	if !r.pools.Exists(pool) {
		return protocol.NewError(protocol.CodeNotFound, "pool %s not found", pool)
	}
	if !r.pools.ValidateMembership(origin, pool) {
		return protocol.NewError(protocol.CodeAccessDenied, "app %s is not a member of pool %s", origin, pool)
	}

	delivered := 0
	for _, appID := range r.registry.HandlersFor(msg.Trigger) {
		// The emitter receives its own emit when it registers the
		// trigger; only pool membership and liveness filter the set.
		if !r.registry.IsActive(appID) || !r.pools.ValidateMembership(appID, pool) {
			continue
		}
		destConn, ok := r.registry.ConnOf(appID)
		if !ok {
			continue
		}
		if err := r.sender.Send(destConn, msg); err != nil {
			r.logger.Warn().Err(err).Str("dest", appID).Msg("emit delivery failed")
			continue
		}
		delivered++
	}
	r.logger.Debug().Str("trigger", msg.Trigger).Int("delivered", delivered).Msg("emit fanned out")
	return nil
}

// OnAppDisconnect implements registry.DisconnectListener: every record
// anchored on the app, as origin or selected destination, fails with a
// ROUTING_ERROR.
func (r *Router) OnAppDisconnect(appID string, connID uint64) {
	r.mu.Lock()
	var affected []*inflight
	for id, inf := range r.table {
		if inf.rec.OriginAppID == appID || inf.rec.DispatchedTo == appID {
			inf.timer.Stop()
			delete(r.table, id)
			affected = append(affected, inf)
		}
	}
	r.mu.Unlock()

	for _, inf := range affected {
		rec := inf.rec
		rec.State = types.TriggerStateFailed
		r.mirror.Delete(rec.ID)
		r.countCode(protocol.CodeRouting)
		if rec.OriginAppID != appID {
			errMsg := protocol.ErrorMessage(rec.ID, protocol.CodeRouting,
				"destination "+appID+" disconnected before responding")
			if err := r.sender.Send(rec.OriginConnID, errMsg); err != nil {
				r.logger.Warn().Err(err).Str("id", rec.ID).Msg("disconnect error undeliverable")
			}
		}
	}
	if len(affected) > 0 {
		metrics.InflightRecords.Set(float64(r.mirror.Len()))
		r.logger.Debug().Str("app_id", appID).Int("records", len(affected)).Msg("in-flight records failed on disconnect")
	}
}

// expire is the timer path: the record times out and the originator
// receives a synthesized TIMEOUT error.
func (r *Router) expire(id string) {
	r.mu.Lock()
	inf, ok := r.table[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.table, id)
	r.mu.Unlock()

	rec := inf.rec
	rec.State = types.TriggerStateTimedOut
	r.mirror.Delete(id)
	metrics.InflightRecords.Set(float64(r.mirror.Len()))
	metrics.TriggersTimedOut.Inc()

	r.statsMu().Lock()
	r.stats.TimedOut++
	r.statsMu().Unlock()

	errMsg := protocol.ErrorMessage(id, protocol.CodeTimeout,
		"trigger "+rec.TriggerName+" expired after its ttl")
	if err := r.sender.Send(rec.OriginConnID, errMsg); err != nil {
		r.logger.Debug().Str("id", id).Msg("timeout notification undeliverable")
	}
	r.logger.Debug().Str("id", id).Str("trigger", rec.TriggerName).Msg("record timed out")
}

// removeRecord drops a record and cancels its timer without notifying
// anyone; callers send their own error.
func (r *Router) removeRecord(id string) {
	r.mu.Lock()
	if inf, ok := r.table[id]; ok {
		inf.timer.Stop()
		delete(r.table, id)
	}
	r.mu.Unlock()
	r.mirror.Delete(id)
	metrics.InflightRecords.Set(float64(r.mirror.Len()))
}

// sweepLoop reaps stragglers whose individual timers failed to fire.
func (r *Router) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Router) sweep() {
	now := time.Now()
	r.mu.Lock()
	var stale []string
	for id, inf := range r.table {
		if now.After(inf.rec.ExpiresAt()) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.expire(id)
	}
	if len(stale) > 0 {
		r.logger.Debug().Int("records", len(stale)).Msg("sweeper reaped stragglers")
	}
}

// InflightCount returns the current table size.
func (r *Router) InflightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.table)
}

func (r *Router) fail(correlationID, code, format string, args ...interface{}) *protocol.Error {
	err := protocol.NewError(code, format, args...)
	err.CorrelationID = correlationID
	r.countFailure(err)
	return err
}

func (r *Router) countFailure(err error) {
	if perr, ok := err.(*protocol.Error); ok {
		r.countCode(perr.Code)
	} else {
		r.countCode(protocol.CodeInternal)
	}
}

func (r *Router) countCode(code string) {
	r.statsMu().Lock()
	r.stats.Failed++
	r.statsMu().Unlock()
	metrics.TriggersFailed.WithLabelValues(code).Inc()
}
