package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Latency-Zero/server/pkg/log"
	"github.com/Latency-Zero/server/pkg/metrics"
	"github.com/Latency-Zero/server/pkg/protocol"
)

// Handler receives every decoded, schema-valid message. The raw frame is
// passed alongside so the router can retain the original bytes on an
// in-flight record.
type Handler interface {
	HandleMessage(connID uint64, msg *protocol.Message, raw []byte)
	HandleDisconnect(connID uint64)
}

// Config bounds the listener.
type Config struct {
	Addr           string
	MaxConnections int
}

// conn is one accepted client. Writes are serialized through wmu so
// concurrent senders never interleave frames.
type conn struct {
	id     uint64
	nc     net.Conn
	wmu    sync.Mutex
	logger zerolog.Logger

	closeOnce sync.Once
}

// Server owns the TCP listener and the connection table. Connection ids
// are monotonic for the lifetime of the process and never reused.
type Server struct {
	cfg     Config
	handler Handler
	logger  zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[uint64]*conn
	nextID   uint64
	closed   bool

	wg sync.WaitGroup
}

// NewServer creates a transport server; Start binds the listener.
func NewServer(cfg Config, handler Handler) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  log.WithComponent("transport"),
		conns:   make(map[uint64]*conn),
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return nil
}

// Addr returns the bound address, useful when the configured port is 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every live connection, then waits for the
// per-connection goroutines to drain.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range s.conns {
		c.nc.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		s.mu.Lock()
		if s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			s.refuse(nc)
			continue
		}
		id := atomic.AddUint64(&s.nextID, 1)
		c := &conn{id: id, nc: nc, logger: log.WithConnID(id)}
		s.conns[id] = c
		s.mu.Unlock()

		metrics.ConnectionsActive.Inc()
		c.logger.Debug().Str("remote", nc.RemoteAddr().String()).Msg("connection accepted")

		s.wg.Add(1)
		go s.readLoop(c)
	}
}

// refuse turns away a connection over the limit with a terminal error
// frame.
func (s *Server) refuse(nc net.Conn) {
	msg := protocol.ErrorMessage("", protocol.CodeTooManyRequests, "connection limit reached")
	if payload, err := protocol.Encode(msg); err == nil {
		protocol.WriteFrame(nc, payload)
	}
	nc.Close()
	s.logger.Warn().Str("remote", nc.RemoteAddr().String()).Msg("connection refused at limit")
}

func (s *Server) readLoop(c *conn) {
	defer s.wg.Done()
	defer s.drop(c)

	for {
		payload, err := protocol.ReadFrame(c.nc)
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				// The stream is unrecoverable past an oversized
				// length prefix.
				s.sendError(c, "", protocol.CodeValidation, "frame exceeds maximum size")
				c.logger.Warn().Msg("oversized frame; closing connection")
			}
			return
		}
		metrics.FramesRead.Inc()

		msg, err := protocol.Decode(payload)
		if err != nil {
			s.replyError(c, "", err)
			continue
		}
		if err := protocol.Validate(msg); err != nil {
			s.replyError(c, msg.ID, err)
			continue
		}

		s.handler.HandleMessage(c.id, msg, payload)
	}
}

// drop removes a connection from the table and notifies the handler
// exactly once.
func (s *Server) drop(c *conn) {
	c.closeOnce.Do(func() {
		c.nc.Close()
		s.mu.Lock()
		_, present := s.conns[c.id]
		delete(s.conns, c.id)
		s.mu.Unlock()
		if present {
			metrics.ConnectionsActive.Dec()
		}
		s.handler.HandleDisconnect(c.id)
		c.logger.Debug().Msg("connection closed")
	})
}

// Send delivers one framed message to a connection. It satisfies the
// router's Sender interface.
func (s *Server) Send(connID uint64, msg *protocol.Message) error {
	s.mu.Lock()
	c, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("connection %d is gone", connID)
	}

	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	err = protocol.WriteFrame(c.nc, payload)
	c.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("write to connection %d: %w", connID, err)
	}
	metrics.FramesWritten.Inc()
	return nil
}

// Evict force-closes a connection after an explanatory error frame. It
// satisfies the registry's Evictor interface for duplicate app id binds.
func (s *Server) Evict(connID uint64, reason string) {
	s.mu.Lock()
	c, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.sendError(c, "", protocol.CodeHandshake, reason)
	c.nc.Close()
	c.logger.Info().Str("reason", reason).Msg("connection evicted")
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) replyError(c *conn, correlationID string, err error) {
	code := protocol.CodeInternal
	errMsg := err.Error()
	if perr, ok := err.(*protocol.Error); ok {
		code = perr.Code
		errMsg = perr.Message
		if perr.CorrelationID != "" {
			correlationID = perr.CorrelationID
		}
	}
	s.sendError(c, correlationID, code, errMsg)
}

func (s *Server) sendError(c *conn, correlationID, code, errMsg string) {
	msg := protocol.ErrorMessage(correlationID, code, errMsg)
	payload, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	c.wmu.Lock()
	werr := protocol.WriteFrame(c.nc, payload)
	c.wmu.Unlock()
	if werr == nil {
		metrics.FramesWritten.Inc()
	}
}
