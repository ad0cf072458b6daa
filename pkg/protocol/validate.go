package protocol

import (
	"strings"

	"github.com/google/uuid"

	"github.com/Latency-Zero/server/pkg/types"
)

// Memory sub-operations accepted in a memory message.
const (
	MemCreate    = "create"
	MemAttach    = "attach"
	MemDetach    = "detach"
	MemRead      = "read"
	MemWrite     = "write"
	MemCAS       = "cas"
	MemLock      = "lock"
	MemUnlock    = "unlock"
	MemDelete    = "delete"
	MemList      = "list"
	MemSubscribe = "subscribe"
)

// Admin sub-operations. Introspection only.
const (
	AdminPing       = "ping"
	AdminStats      = "stats"
	AdminListApps   = "list_apps"
	AdminListPools  = "list_pools"
	AdminListBlocks = "list_blocks"
)

// ValidName reports whether s matches the shared identifier character
// class [A-Za-z0-9._-] within 1..maxLen.
func ValidName(s string, maxLen int) bool {
	if len(s) == 0 || len(s) > maxLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// ValidAppID validates an application identifier.
func ValidAppID(s string) bool { return ValidName(s, types.MaxAppIDLen) }

// ValidPoolName validates a pool name.
func ValidPoolName(s string) bool { return ValidName(s, types.MaxPoolNameLen) }

// ValidTriggerName validates a trigger name.
func ValidTriggerName(s string) bool { return ValidName(s, types.MaxTriggerNameLen) }

// ValidUUID enforces the conventional 8-4-4-4-12 hex form. uuid.Parse
// alone is too permissive (urn: prefixes, braces, undashed hex).
func ValidUUID(s string) bool {
	if len(s) != 36 || strings.Count(s, "-") != 4 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// Validate enforces the per-kind schema: required fields, identifier
// formats and character-class limits. Payload and metadata contents are
// opaque and never inspected.
func Validate(m *Message) error {
	switch m.Type {
	case TypeHandshake:
		if m.AppID == "" {
			return NewError(CodeValidation, "handshake requires app_id")
		}
		if !ValidAppID(m.AppID) {
			return NewError(CodeValidation, "invalid app_id %q", m.AppID)
		}
		for _, p := range m.Pools {
			if !ValidPoolName(p) {
				return NewError(CodeValidation, "invalid pool name %q", p)
			}
		}
		for _, t := range m.Triggers {
			if !ValidTriggerName(t) {
				return NewError(CodeValidation, "invalid trigger name %q", t)
			}
		}
	case TypeHandshakeAck:
		if m.CorrelationID == "" || m.Status == "" {
			return NewError(CodeValidation, "handshake_ack requires correlation_id and status")
		}
	case TypeTrigger:
		if m.ID == "" {
			return NewError(CodeValidation, "trigger requires id")
		}
		if !ValidUUID(m.ID) {
			return NewError(CodeValidation, "trigger id must be a uuid")
		}
		if m.Trigger == "" {
			return NewError(CodeValidation, "trigger requires trigger name")
		}
		if !ValidTriggerName(m.Trigger) {
			return NewError(CodeValidation, "invalid trigger name %q", m.Trigger)
		}
		if m.Pool != "" && !ValidPoolName(m.Pool) {
			return NewError(CodeValidation, "invalid pool name %q", m.Pool)
		}
		if m.Destination != "" && !ValidAppID(m.Destination) {
			return NewError(CodeValidation, "invalid destination %q", m.Destination)
		}
		if m.Payload == nil {
			return NewError(CodeValidation, "trigger requires payload")
		}
	case TypeResponse:
		if m.Correlation() == "" {
			return NewError(CodeValidation, "response requires id or correlation_id")
		}
		if m.Status == "" {
			return NewError(CodeValidation, "response requires status")
		}
	case TypeEmit:
		if m.Trigger == "" {
			return NewError(CodeValidation, "emit requires trigger name")
		}
		if !ValidTriggerName(m.Trigger) {
			return NewError(CodeValidation, "invalid trigger name %q", m.Trigger)
		}
		if m.Payload == nil {
			return NewError(CodeValidation, "emit requires payload")
		}
	case TypeError:
		if m.CorrelationID == "" {
			return NewError(CodeValidation, "error requires correlation_id")
		}
		if m.ErrMsg == "" || m.ErrCode == "" {
			return NewError(CodeValidation, "error requires error and error_code")
		}
	case TypeMemory:
		return validateMemory(m)
	case TypeAdmin:
		if m.Operation == "" {
			return NewError(CodeValidation, "admin requires operation")
		}
	case TypeBinaryFrame:
		if m.BinarySize <= 0 {
			return NewError(CodeValidation, "binary_frame requires positive binary_size")
		}
	default:
		return NewError(CodeValidation, "unknown message type %q", m.Type)
	}
	return nil
}

func validateMemory(m *Message) error {
	if m.Operation == "" {
		return NewError(CodeValidation, "memory requires operation")
	}
	if m.Operation != MemList && m.BlockID == "" {
		return NewError(CodeValidation, "memory %s requires block_id", m.Operation)
	}
	switch m.Operation {
	case MemCreate:
		if m.Size <= 0 {
			return NewError(CodeValidation, "memory create requires positive size")
		}
		switch types.BlockType(m.BlockType) {
		case "", types.BlockTypeShared, types.BlockTypePersistent, types.BlockTypeEncrypted,
			types.BlockTypeTemporary, types.BlockTypeJSON, types.BlockTypeBinary, types.BlockTypeStream:
		default:
			return NewError(CodeValidation, "unknown block type %q", m.BlockType)
		}
	case MemWrite:
		if m.Data == nil {
			return NewError(CodeValidation, "memory write requires data")
		}
		if m.Offset < 0 {
			return NewError(CodeValidation, "memory write requires offset >= 0")
		}
	case MemCAS:
		if m.Expected == nil || m.Data == nil {
			return NewError(CodeValidation, "memory cas requires expected and data")
		}
	case MemRead:
		if m.Offset < 0 || m.Length < 0 {
			return NewError(CodeValidation, "memory read offset/length must be >= 0")
		}
	case MemLock:
		switch types.LockMode(m.Mode) {
		case "", types.LockModeRead, types.LockModeWrite, types.LockModeExclusive:
		default:
			return NewError(CodeValidation, "invalid lock mode %q", m.Mode)
		}
	case MemUnlock:
		if m.LockID == "" {
			return NewError(CodeValidation, "memory unlock requires lock_id")
		}
	case MemAttach, MemDetach, MemDelete, MemList, MemSubscribe:
	default:
		return NewError(CodeValidation, "unknown memory operation %q", m.Operation)
	}
	return nil
}
