package protocol

import (
	"encoding/json"
	"fmt"
)

// Message kinds carried in the "type" field.
const (
	TypeHandshake    = "handshake"
	TypeHandshakeAck = "handshake_ack"
	TypeTrigger      = "trigger"
	TypeResponse     = "response"
	TypeEmit         = "emit"
	TypeError        = "error"
	TypeMemory       = "memory"
	TypeMemoryEvent  = "memory_event"
	TypeAdmin        = "admin"
	TypeBinaryFrame  = "binary_frame"
)

// Stable wire error codes.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeHandshake       = "HANDSHAKE_ERROR"
	CodeAccessDenied    = "ACCESS_DENIED"
	CodeNotFound        = "NOT_FOUND"
	CodeTimeout         = "TIMEOUT"
	CodeTooManyRequests = "TOO_MANY_REQUESTS"
	CodeRouting         = "ROUTING_ERROR"
	CodeShortCircuit    = "SHORT_CIRCUIT_NOT_IMPLEMENTED"
	CodeOutOfBounds     = "OUT_OF_BOUNDS"
	CodeInternal        = "INTERNAL_ERROR"
)

// Error is the typed error surfaced by the codec and higher layers for any
// failure that maps to a wire error code. When CorrelationID is set the
// transport replies with an error message; otherwise it may close the
// connection.
type Error struct {
	Code          string
	Message       string
	CorrelationID string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a typed protocol error.
func NewError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Assigned echoes the server-resolved registration values in a
// handshake_ack.
type Assigned struct {
	AppID      string   `json:"app_id"`
	Pools      []string `json:"pools"`
	Triggers   []string `json:"triggers"`
	Rehydrated bool     `json:"rehydrated"`
}

// Message is the single wire envelope for every kind. Fields not relevant
// to a kind stay zero and are omitted on the wire. Payload, Result and
// Metadata contents are opaque to the server and never schema-validated.
type Message struct {
	Type          string          `json:"type"`
	ID            string          `json:"id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	InReplyTo     string          `json:"in_reply_to,omitempty"`
	Status        string          `json:"status,omitempty"`

	// Handshake fields.
	AppID           string            `json:"app_id,omitempty"`
	Pools           []string          `json:"pools,omitempty"`
	Triggers        []string          `json:"triggers,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ProtocolVersion string            `json:"protocol_version,omitempty"`
	Assigned        *Assigned         `json:"assigned,omitempty"`

	// Trigger / emit / response fields.
	Origin      string          `json:"origin,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Trigger     string          `json:"trigger,omitempty"`
	Process     string          `json:"process,omitempty"`
	Pool        string          `json:"pool,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	TTL         *int64          `json:"ttl,omitempty"`
	Flags       []string        `json:"flags,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`

	// Error fields.
	ErrMsg  string `json:"error,omitempty"`
	ErrCode string `json:"error_code,omitempty"`

	// Memory operation fields.
	Operation  string `json:"operation,omitempty"`
	BlockID    string `json:"block_id,omitempty"`
	Name       string `json:"name,omitempty"`
	BlockType  string `json:"block_type,omitempty"`
	Persistent bool   `json:"persistent,omitempty"`
	Size       int64  `json:"size,omitempty"`
	Offset     int64  `json:"offset,omitempty"`
	Length     int64  `json:"length,omitempty"`
	Data       []byte `json:"data,omitempty"`
	Expected   []byte `json:"expected,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Timeout    int64  `json:"timeout,omitempty"`
	LockID     string `json:"lock_id,omitempty"`
	Version    uint64 `json:"version,omitempty"`
	Success    *bool  `json:"success,omitempty"`

	// Binary frame envelope.
	BinarySize int64 `json:"binary_size,omitempty"`
}

// Decode parses a frame payload into a Message and normalizes the legacy
// aliases: "process" is folded into Trigger and "in_reply_to" into
// CorrelationID. Schema validation happens separately in Validate.
func Decode(payload []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, NewError(CodeValidation, "malformed message: %v", err)
	}
	msg.normalize()
	return &msg, nil
}

// Encode serializes a message for the wire. The codec is symmetric: the
// same schemas describe inbound and outbound messages.
func Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, NewError(CodeInternal, "encode %s: %v", msg.Type, err)
	}
	return data, nil
}

func (m *Message) normalize() {
	if m.Trigger == "" && m.Process != "" {
		m.Trigger = m.Process
	}
	m.Process = ""
	if m.CorrelationID == "" && m.InReplyTo != "" {
		m.CorrelationID = m.InReplyTo
	}
	m.InReplyTo = ""
	if m.Type == "process" {
		m.Type = TypeTrigger
	}
}

// Correlation returns the id a response or error correlates to, falling
// back to the message id when no explicit correlation field is present.
func (m *Message) Correlation() string {
	if m.CorrelationID != "" {
		return m.CorrelationID
	}
	return m.ID
}

// ErrorMessage builds the terminal error reply for a pending request.
func ErrorMessage(correlationID, code, errMsg string) *Message {
	return &Message{
		Type:          TypeError,
		CorrelationID: correlationID,
		Status:        "error",
		ErrMsg:        errMsg,
		ErrCode:       code,
	}
}
