package server

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/Latency-Zero/server/pkg/events"
	"github.com/Latency-Zero/server/pkg/metrics"
	"github.com/Latency-Zero/server/pkg/protocol"
	"github.com/Latency-Zero/server/pkg/types"
)

// HandleMessage implements transport.Handler: it dispatches one decoded,
// schema-valid message. Failures surface as error frames on the same
// connection; the read loop itself never stalls on a handler.
func (s *Server) HandleMessage(connID uint64, msg *protocol.Message, raw []byte) {
	switch msg.Type {
	case protocol.TypeHandshake:
		s.handleHandshake(connID, msg)
	case protocol.TypeTrigger:
		if err := s.router.HandleTrigger(connID, msg, raw); err != nil {
			s.replyError(connID, msg.ID, err)
		}
	case protocol.TypeResponse:
		s.router.HandleResponse(msg)
	case protocol.TypeError:
		s.router.HandleResponse(msg)
	case protocol.TypeEmit:
		if err := s.router.HandleEmit(connID, msg); err != nil {
			s.replyError(connID, msg.ID, err)
		}
	case protocol.TypeMemory:
		s.handleMemory(connID, msg)
	case protocol.TypeAdmin:
		s.handleAdmin(connID, msg)
	case protocol.TypeBinaryFrame:
		s.handleBinary(connID, msg)
	default:
		s.replyError(connID, msg.ID,
			protocol.NewError(protocol.CodeValidation, "unhandled message type %q", msg.Type))
	}
}

// HandleDisconnect implements transport.Handler: the registry unbinds
// the app, which fans out to the router's in-flight cleanup, then the
// memory manager drops its attachments and locks.
func (s *Server) HandleDisconnect(connID uint64) {
	appID, bound := s.registry.AppOf(connID)
	s.registry.Disconnect(connID)
	if bound {
		s.memory.DetachAll(appID)
	}
	s.dropSubscriptions(connID)
}

func (s *Server) handleHandshake(connID uint64, msg *protocol.Message) {
	ack, err := s.registry.Handshake(connID, msg)
	if err != nil {
		s.replyError(connID, msg.ID, err)
		return
	}
	if err := s.trans.Send(connID, ack); err != nil {
		s.logger.Warn().Err(err).Uint64("conn_id", connID).Msg("handshake ack undeliverable")
	}
}

// handleBinary unwraps the bulk envelope. The feature ships disabled;
// when enabled the data field carries a complete inner message that is
// decoded and dispatched as if it arrived framed on its own.
func (s *Server) handleBinary(connID uint64, msg *protocol.Message) {
	if !s.cfg.BinaryFrames {
		s.replyError(connID, msg.ID,
			protocol.NewError(protocol.CodeValidation, "binary frames are disabled"))
		return
	}
	if int64(len(msg.Data)) != msg.BinarySize {
		s.replyError(connID, msg.ID,
			protocol.NewError(protocol.CodeValidation, "binary_size does not match data length"))
		return
	}
	inner, err := protocol.Decode(msg.Data)
	if err != nil {
		s.replyError(connID, msg.ID, err)
		return
	}
	if err := protocol.Validate(inner); err != nil {
		s.replyError(connID, msg.ID, err)
		return
	}
	s.HandleMessage(connID, inner, msg.Data)
}

func (s *Server) handleMemory(connID uint64, msg *protocol.Message) {
	appID, bound := s.registry.AppOf(connID)
	if !bound {
		s.replyError(connID, msg.ID,
			protocol.NewError(protocol.CodeValidation, "connection is not bound; handshake first"))
		return
	}

	reply := &protocol.Message{
		Type:          protocol.TypeResponse,
		CorrelationID: msg.ID,
		Status:        "success",
		Operation:     msg.Operation,
		BlockID:       msg.BlockID,
	}

	var err error
	switch msg.Operation {
	case protocol.MemCreate:
		blockID := msg.BlockID
		if blockID == "" {
			blockID = uuid.New().String()
		}
		bt := types.BlockType(msg.BlockType)
		if bt == "" && msg.Persistent {
			bt = types.BlockTypePersistent
		}
		var meta *types.BlockMeta
		meta, err = s.memory.Create(appID, blockID, msg.Name, msg.Pool, msg.Size, bt, nil)
		if err == nil {
			reply.BlockID = meta.BlockID
			reply.Result, _ = json.Marshal(meta)
		}

	case protocol.MemAttach:
		var meta *types.BlockMeta
		meta, err = s.memory.Attach(appID, msg.BlockID)
		if err == nil {
			reply.Result, _ = json.Marshal(meta)
		}

	case protocol.MemDetach:
		err = s.memory.Detach(appID, msg.BlockID)

	case protocol.MemRead:
		var data []byte
		data, err = s.memory.Read(appID, msg.BlockID, msg.Offset, msg.Length)
		if err == nil {
			reply.Data = data
			if meta, merr := s.memory.Meta(msg.BlockID); merr == nil {
				reply.Version = meta.Version
			}
		}

	case protocol.MemWrite:
		var version uint64
		version, err = s.memory.Write(appID, msg.BlockID, msg.Offset, msg.Data)
		if err == nil {
			reply.Version = version
		}

	case protocol.MemCAS:
		var ok bool
		var current []byte
		ok, current, err = s.memory.CAS(appID, msg.BlockID, msg.Offset, msg.Expected, msg.Data)
		if err == nil {
			reply.Success = &ok
			reply.Data = current
			if meta, merr := s.memory.Meta(msg.BlockID); merr == nil {
				reply.Version = meta.Version
			}
			if !ok {
				reply.Status = "conflict"
			}
		}

	case protocol.MemLock:
		mode := types.LockMode(msg.Mode)
		if mode == "" {
			mode = types.LockModeExclusive
		}
		var lockID string
		lockID, err = s.memory.Lock(appID, msg.BlockID, mode, time.Duration(msg.Timeout)*time.Millisecond)
		if err == nil {
			reply.LockID = lockID
		}

	case protocol.MemUnlock:
		err = s.memory.Unlock(appID, msg.LockID)

	case protocol.MemDelete:
		err = s.memory.Delete(appID, msg.BlockID)

	case protocol.MemList:
		blocks := s.memory.List(msg.Pool)
		reply.Result, _ = json.Marshal(blocks)

	case protocol.MemSubscribe:
		if _, err = s.memory.Meta(msg.BlockID); err == nil {
			s.subscribe(connID, msg.BlockID)
		}

	default:
		err = protocol.NewError(protocol.CodeValidation, "unknown memory operation %q", msg.Operation)
	}

	if err != nil {
		s.replyError(connID, msg.ID, err)
		return
	}
	if serr := s.trans.Send(connID, reply); serr != nil {
		s.logger.Debug().Err(serr).Uint64("conn_id", connID).Msg("memory reply undeliverable")
	}
}

// adminStats is the stats payload returned by the admin stats operation.
type adminStats struct {
	Version        string               `json:"version"`
	StartedAt      time.Time            `json:"started_at"`
	UptimeSeconds  float64              `json:"uptime_seconds"`
	Connections    int                  `json:"connections"`
	AppsBound      int                  `json:"apps_bound"`
	AppsCached     int                  `json:"apps_cached"`
	Pools          int                  `json:"pools"`
	Routed         uint64               `json:"triggers_routed"`
	Failed         uint64               `json:"triggers_failed"`
	TimedOut       uint64               `json:"triggers_timed_out"`
	Inflight       int                  `json:"triggers_inflight"`
	ResponseTimeMs float64              `json:"response_time_ms"`
	Health         metrics.HealthStatus `json:"health"`
}

func (s *Server) handleAdmin(connID uint64, msg *protocol.Message) {
	reply := &protocol.Message{
		Type:          protocol.TypeResponse,
		CorrelationID: msg.ID,
		Status:        "success",
		Operation:     msg.Operation,
	}

	switch msg.Operation {
	case protocol.AdminPing:
		reply.Result, _ = json.Marshal(map[string]interface{}{
			"pong":             true,
			"protocol_version": types.ProtocolVersion,
			"time":             time.Now().UTC(),
		})

	case protocol.AdminStats:
		rs := s.router.Snapshot()
		stats := adminStats{
			Version:        types.ProtocolVersion,
			StartedAt:      s.startedAt,
			UptimeSeconds:  time.Since(s.startedAt).Seconds(),
			Connections:    s.trans.ConnectionCount(),
			AppsBound:      len(s.registry.ListBound()),
			AppsCached:     s.registry.CachedCount(),
			Pools:          len(s.pools.List()),
			Routed:         rs.Routed,
			Failed:         rs.Failed,
			TimedOut:       rs.TimedOut,
			Inflight:       rs.Inflight,
			ResponseTimeMs: rs.ResponseTimeMs,
			Health:         metrics.GetHealth(),
		}
		reply.Result, _ = json.Marshal(stats)

	case protocol.AdminListApps:
		var apps []*types.AppRegistration
		for _, appID := range s.registry.ListBound() {
			if reg, ok := s.registry.Registration(appID); ok {
				apps = append(apps, reg)
			}
		}
		reply.Result, _ = json.Marshal(apps)

	case protocol.AdminListPools:
		type poolInfo struct {
			Name    string   `json:"name"`
			Type    string   `json:"type"`
			Members []string `json:"members"`
		}
		var infos []poolInfo
		for _, name := range s.pools.List() {
			p, err := s.pools.Get(name)
			if err != nil {
				continue
			}
			infos = append(infos, poolInfo{
				Name:    p.Name,
				Type:    string(p.Type),
				Members: s.pools.Members(name),
			})
		}
		reply.Result, _ = json.Marshal(infos)

	case protocol.AdminListBlocks:
		reply.Result, _ = json.Marshal(s.memory.List(msg.Pool))

	default:
		s.replyError(connID, msg.ID,
			protocol.NewError(protocol.CodeValidation, "unknown admin operation %q", msg.Operation))
		return
	}

	if err := s.trans.Send(connID, reply); err != nil {
		s.logger.Debug().Err(err).Uint64("conn_id", connID).Msg("admin reply undeliverable")
	}
}

// replyError turns any error into an error frame back to the caller.
func (s *Server) replyError(connID uint64, correlationID string, err error) {
	code := protocol.CodeInternal
	errMsg := err.Error()
	if perr, ok := err.(*protocol.Error); ok {
		code = perr.Code
		errMsg = perr.Message
		if perr.CorrelationID != "" {
			correlationID = perr.CorrelationID
		}
	}
	out := protocol.ErrorMessage(correlationID, code, errMsg)
	if serr := s.trans.Send(connID, out); serr != nil {
		s.logger.Debug().Err(serr).Uint64("conn_id", connID).Msg("error frame undeliverable")
	}
}

// memoryEventMessage builds the push notification for a block event.
func memoryEventMessage(ev *events.Event, op string) *protocol.Message {
	return &protocol.Message{
		Type:      protocol.TypeMemoryEvent,
		Operation: op,
		BlockID:   ev.BlockID,
		Version:   ev.Version,
		Timestamp: ev.Timestamp.UnixMilli(),
	}
}
