package server

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Latency-Zero/server/pkg/config"
	"github.com/Latency-Zero/server/pkg/events"
	"github.com/Latency-Zero/server/pkg/log"
	"github.com/Latency-Zero/server/pkg/memory"
	"github.com/Latency-Zero/server/pkg/metrics"
	"github.com/Latency-Zero/server/pkg/pools"
	"github.com/Latency-Zero/server/pkg/registry"
	"github.com/Latency-Zero/server/pkg/router"
	"github.com/Latency-Zero/server/pkg/security"
	"github.com/Latency-Zero/server/pkg/storage"
	"github.com/Latency-Zero/server/pkg/transport"
	"github.com/Latency-Zero/server/pkg/types"
)

var registerMetricsOnce sync.Once

// Server assembles the subsystems and owns their lifecycle. Construction
// order is persistence, memory, pools, registry, router, transport;
// shutdown walks the same chain in reverse.
type Server struct {
	cfg      *config.Config
	store    storage.Store
	broker   *events.Broker
	sec      security.Provider
	pools    *pools.Manager
	registry *registry.Registry
	memory   *memory.Manager
	router   *router.Router
	triggers *storage.TriggerTable
	trans    *transport.Server
	logger   zerolog.Logger

	startedAt time.Time

	// Memory event subscriptions, blockID to connection set.
	submu    sync.Mutex
	subs     map[string]map[uint64]bool
	connSubs map[uint64]map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires up a server from resolved configuration. Nothing listens
// until Start.
func New(cfg *config.Config) (*Server, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	var store storage.Store
	if cfg.MemoryMode {
		store = storage.NewMemStore()
	} else {
		bs, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		store = bs
	}

	var sec security.Provider
	if cfg.EncryptionPassword != "" {
		p, err := security.NewAESProvider(cfg.EncryptionPassword)
		if err != nil {
			store.Close()
			return nil, err
		}
		sec = p
	} else {
		sec = &security.AllowAll{}
	}

	broker := events.NewBroker()

	mem, err := memory.NewManager(store, sec, broker, cfg.MemoryDir(), cfg.BlockIdleMaxAge)
	if err != nil {
		store.Close()
		return nil, err
	}

	pm, err := pools.NewManager(store, sec)
	if err != nil {
		store.Close()
		return nil, err
	}
	mem.SetPools(pm)

	reg, err := registry.New(store, pm, broker, cfg.RehydrationTTL)
	if err != nil {
		store.Close()
		return nil, err
	}

	triggers := storage.NewTriggerTable()
	rtr := router.New(reg, pm, triggers, router.Config{
		MaxInflight:  cfg.MaxInflight,
		DefaultTTLMs: cfg.DefaultTTLMs,
		MaxTTLMs:     cfg.MaxTTLMs,
		Policy:       types.RoutingPolicy(cfg.RoutingPolicy),
		EMAAlpha:     cfg.EMAAlpha,
		SweepEvery:   cfg.SweepInterval,
	})

	s := &Server{
		cfg:      cfg,
		store:    store,
		broker:   broker,
		sec:      sec,
		pools:    pm,
		registry: reg,
		memory:   mem,
		router:   rtr,
		triggers: triggers,
		logger:   log.WithComponent("server"),
		subs:     make(map[string]map[uint64]bool),
		connSubs: make(map[uint64]map[string]bool),
		stopCh:   make(chan struct{}),
	}

	ts := transport.NewServer(transport.Config{
		Addr:           cfg.Addr(),
		MaxConnections: cfg.MaxConnections,
	}, s)
	s.trans = ts

	rtr.SetSender(ts)
	reg.SetEvictor(ts)
	reg.AddDisconnectListener(rtr)

	metrics.SetVersion(types.ProtocolVersion)
	metrics.RegisterComponent("storage", true, "open")
	metrics.RegisterComponent("registry", true, "ready")
	metrics.RegisterComponent("router", true, "ready")
	metrics.RegisterComponent("memory", true, "ready")
	metrics.RegisterComponent("transport", false, "not started")

	return s, nil
}

// Start brings the server online: broker, router sweeper, event pump,
// maintenance loop and finally the listener.
func (s *Server) Start() error {
	registerMetricsOnce.Do(metrics.Register)
	s.startedAt = time.Now()

	s.broker.Start()
	s.router.Start()

	s.wg.Add(1)
	go s.eventPump()

	s.wg.Add(1)
	go s.maintenanceLoop()

	if err := s.trans.Start(); err != nil {
		return err
	}
	metrics.UpdateComponent("transport", true, "listening")

	s.logger.Info().
		Str("addr", s.trans.Addr()).
		Bool("memory_mode", s.cfg.MemoryMode).
		Str("routing_policy", s.cfg.RoutingPolicy).
		Msg("server started")
	return nil
}

// Addr returns the transport's bound address.
func (s *Server) Addr() string { return s.trans.Addr() }

// Shutdown stops the subsystems in reverse construction order and takes
// a final backup of the durable store.
func (s *Server) Shutdown() {
	s.logger.Info().Msg("shutting down")
	metrics.UpdateComponent("transport", false, "stopping")

	s.trans.Stop()
	close(s.stopCh)
	s.wg.Wait()
	s.router.Stop()
	s.memory.Close()
	s.broker.Stop()

	if !s.cfg.MemoryMode {
		if _, err := s.store.Backup(s.cfg.BackupDir(), s.cfg.MaxBackups); err != nil {
			s.logger.Warn().Err(err).Msg("final backup failed")
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("store close failed")
	}
	s.logger.Info().Msg("shutdown complete")
}

// maintenanceLoop runs the periodic janitors: registry cache purge,
// block GC, gauge refresh and hourly durable backups.
func (s *Server) maintenanceLoop() {
	defer s.wg.Done()

	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	backup := time.NewTicker(time.Hour)
	defer backup.Stop()

	for {
		select {
		case <-sweep.C:
			s.registry.PurgeExpired()
			if n := s.memory.GC(); n > 0 {
				s.logger.Debug().Int("blocks", n).Msg("idle blocks collected")
			}
			metrics.AppsBound.Set(float64(len(s.registry.ListBound())))
		case <-backup.C:
			if s.cfg.MemoryMode {
				continue
			}
			if path, err := s.store.Backup(s.cfg.BackupDir(), s.cfg.MaxBackups); err != nil {
				s.logger.Warn().Err(err).Msg("periodic backup failed")
			} else {
				s.logger.Debug().Str("path", path).Msg("backup written")
			}
		case <-s.stopCh:
			return
		}
	}
}

// eventPump forwards block events to subscribed connections as
// memory_event frames.
func (s *Server) eventPump() {
	defer s.wg.Done()

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			s.dispatchEvent(ev)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) dispatchEvent(ev *events.Event) {
	var op string
	switch ev.Type {
	case events.EventBlockWritten:
		op = "written"
	case events.EventBlockDeleted:
		op = "deleted"
	default:
		return
	}

	s.submu.Lock()
	var targets []uint64
	for connID := range s.subs[ev.BlockID] {
		targets = append(targets, connID)
	}
	if op == "deleted" {
		// The block is gone; its subscriptions go with it.
		for connID := range s.subs[ev.BlockID] {
			delete(s.connSubs[connID], ev.BlockID)
		}
		delete(s.subs, ev.BlockID)
	}
	s.submu.Unlock()

	if len(targets) == 0 {
		return
	}
	msg := memoryEventMessage(ev, op)
	for _, connID := range targets {
		if err := s.trans.Send(connID, msg); err != nil {
			s.logger.Debug().Uint64("conn_id", connID).Msg("memory event undeliverable")
		}
	}
}

// subscribe records a connection's interest in a block's events.
func (s *Server) subscribe(connID uint64, blockID string) {
	s.submu.Lock()
	defer s.submu.Unlock()
	if s.subs[blockID] == nil {
		s.subs[blockID] = make(map[uint64]bool)
	}
	s.subs[blockID][connID] = true
	if s.connSubs[connID] == nil {
		s.connSubs[connID] = make(map[string]bool)
	}
	s.connSubs[connID][blockID] = true
}

// dropSubscriptions removes every subscription held by a connection.
func (s *Server) dropSubscriptions(connID uint64) {
	s.submu.Lock()
	defer s.submu.Unlock()
	for blockID := range s.connSubs[connID] {
		delete(s.subs[blockID], connID)
		if len(s.subs[blockID]) == 0 {
			delete(s.subs, blockID)
		}
	}
	delete(s.connSubs, connID)
}
