package transport

import (
	"encoding/binary"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Latency-Zero/server/pkg/log"
	"github.com/Latency-Zero/server/pkg/protocol"
	"github.com/Latency-Zero/server/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

// echoHandler replies to every message on the same connection and
// records disconnects.
type echoHandler struct {
	srv *Server

	mu           sync.Mutex
	received     []*protocol.Message
	disconnected []uint64
}

func (h *echoHandler) HandleMessage(connID uint64, msg *protocol.Message, raw []byte) {
	h.mu.Lock()
	h.received = append(h.received, msg)
	h.mu.Unlock()
	h.srv.Send(connID, &protocol.Message{
		Type:          protocol.TypeResponse,
		CorrelationID: msg.ID,
		Status:        "success",
	})
}

func (h *echoHandler) HandleDisconnect(connID uint64) {
	h.mu.Lock()
	h.disconnected = append(h.disconnected, connID)
	h.mu.Unlock()
}

func startEcho(t *testing.T, maxConns int) (*Server, *echoHandler) {
	t.Helper()
	h := &echoHandler{}
	srv := NewServer(Config{Addr: "127.0.0.1:0", MaxConnections: maxConns}, h)
	h.srv = srv
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv, h
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendMsg(t *testing.T, conn net.Conn, msg *protocol.Message) {
	t.Helper()
	payload, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, payload))
}

func recvMsg(t *testing.T, conn net.Conn) *protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	payload, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	msg, err := protocol.Decode(payload)
	require.NoError(t, err)
	return msg
}

func TestEchoRoundTrip(t *testing.T) {
	srv, _ := startEcho(t, 0)
	conn := dial(t, srv.Addr())

	sendMsg(t, conn, &protocol.Message{Type: protocol.TypeAdmin, ID: "req-1", Operation: protocol.AdminPing})
	resp := recvMsg(t, conn)
	assert.Equal(t, "req-1", resp.CorrelationID)
	assert.Equal(t, "success", resp.Status)
}

func TestSchemaInvalidGetsErrorAndKeepsConnection(t *testing.T) {
	srv, h := startEcho(t, 0)
	conn := dial(t, srv.Addr())

	// Fails Validate, never reaches the handler.
	sendMsg(t, conn, &protocol.Message{Type: protocol.TypeHandshake})
	resp := recvMsg(t, conn)
	assert.Equal(t, protocol.TypeError, resp.Type)
	assert.Equal(t, protocol.CodeValidation, resp.ErrCode)

	h.mu.Lock()
	assert.Empty(t, h.received)
	h.mu.Unlock()

	// Still usable afterwards.
	sendMsg(t, conn, &protocol.Message{Type: protocol.TypeAdmin, ID: "req-2", Operation: protocol.AdminPing})
	assert.Equal(t, "req-2", recvMsg(t, conn).CorrelationID)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	srv, _ := startEcho(t, 0)
	conn := dial(t, srv.Addr())

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(types.MaxFrameBytes+1))
	_, err := conn.Write(lenBuf[:])
	require.NoError(t, err)

	// An error frame arrives, then the stream ends.
	resp := recvMsg(t, conn)
	assert.Equal(t, protocol.TypeError, resp.Type)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = protocol.ReadFrame(conn)
	assert.Error(t, err)
}

func TestConnectionLimit(t *testing.T) {
	srv, _ := startEcho(t, 1)
	first := dial(t, srv.Addr())
	_ = first

	// Wait until the first connection is registered.
	require.Eventually(t, func() bool { return srv.ConnectionCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	second := dial(t, srv.Addr())
	resp := recvMsg(t, second)
	assert.Equal(t, protocol.TypeError, resp.Type)
	assert.Equal(t, protocol.CodeTooManyRequests, resp.ErrCode)

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := protocol.ReadFrame(second)
	assert.Error(t, err)
}

func TestEvictSendsReasonThenCloses(t *testing.T) {
	srv, h := startEcho(t, 0)
	conn := dial(t, srv.Addr())

	sendMsg(t, conn, &protocol.Message{Type: protocol.TypeAdmin, ID: "req-1", Operation: protocol.AdminPing})
	recvMsg(t, conn)

	srv.Evict(1, "superseded")
	resp := recvMsg(t, conn)
	assert.Equal(t, protocol.TypeError, resp.Type)
	assert.Equal(t, protocol.CodeHandshake, resp.ErrCode)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := protocol.ReadFrame(conn)
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.disconnected) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionIDsNeverReused(t *testing.T) {
	srv, h := startEcho(t, 0)

	first := dial(t, srv.Addr())
	sendMsg(t, first, &protocol.Message{Type: protocol.TypeAdmin, ID: "a", Operation: protocol.AdminPing})
	recvMsg(t, first)
	first.Close()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.disconnected) == 1
	}, 2*time.Second, 10*time.Millisecond)

	second := dial(t, srv.Addr())
	sendMsg(t, second, &protocol.Message{Type: protocol.TypeAdmin, ID: "b", Operation: protocol.AdminPing})
	recvMsg(t, second)
	second.Close()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.disconnected) == 2
	}, 2*time.Second, 10*time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []uint64{1, 2}, h.disconnected)
}
