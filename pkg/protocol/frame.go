package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Latency-Zero/server/pkg/types"
)

// ErrFrameTooLarge is returned when a frame's declared length exceeds the
// maximum; the transport closes the connection on it.
var ErrFrameTooLarge = fmt.Errorf("frame exceeds %d bytes", types.MaxFrameBytes)

// WriteFrame writes one length-prefixed frame: a 4-byte big-endian length
// followed by the payload. Prefix and payload go out in a single write to
// keep one frame to one syscall on the common path.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > types.MaxFrameBytes {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame. A declared length over the
// 16 MiB cap returns ErrFrameTooLarge without consuming the payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen > types.MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, frameLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
