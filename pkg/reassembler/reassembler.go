// Package reassembler implements per-connection byte-stream framing:
// given an append-only stream of bytes it yields complete protocol
// frames one at a time, or reports that more bytes are needed. It
// carries no protocol semantics, only framing.
package reassembler

import (
	"encoding/binary"

	"github.com/protei/gpsgateway/pkg/protocol"
)

// Status is the outcome of a TryTakeFrame call.
type Status int

const (
	// NeedMore means the buffer does not yet hold a complete frame.
	NeedMore Status = iota
	// Frame means a complete frame was extracted and consumed from the buffer.
	Frame
	// Invalid means the buffered bytes cannot begin any frame this
	// protocol defines; the caller must close the connection rather
	// than resync, or a malformed device grows the buffer forever.
	Invalid
)

// maxTeltonikaAVLLen caps the Teltonika AVL dataLength field; anything
// larger is treated as garbage rather than buffered.
const maxTeltonikaAVLLen = 64 * 1024

// Reassembler buffers bytes for exactly one connection and extracts
// complete frames for the protocol bound to that connection/port.
//
// Not safe for concurrent use: the owning connection goroutine is the
// sole writer and reader.
type Reassembler struct {
	proto protocol.Protocol
	buf   []byte
}

// New creates a Reassembler bound to the protocol framing of one port.
func New(proto protocol.Protocol) *Reassembler {
	return &Reassembler{proto: proto}
}

// Append adds bytes to the connection's receive buffer.
func (r *Reassembler) Append(b []byte) {
	r.buf = append(r.buf, b...)
}

// Len reports how many unconsumed bytes are currently buffered.
func (r *Reassembler) Len() int {
	return len(r.buf)
}

// TryTakeFrame returns the next complete frame, consuming its bytes from
// the buffer, or reports NeedMore/Invalid. Never blocks.
func (r *Reassembler) TryTakeFrame() ([]byte, Status) {
	switch r.proto {
	case protocol.GT06:
		return r.takeGT06()
	case protocol.Teltonika:
		return r.takeTeltonika()
	default:
		return nil, Invalid
	}
}

func (r *Reassembler) takeGT06() ([]byte, Status) {
	buf := r.buf
	if len(buf) < 2 {
		return nil, NeedMore
	}

	switch {
	case buf[0] == 0x78 && buf[1] == 0x78:
		return r.takeGT06Fixed(3, func(b []byte) int { return int(b[2]) })
	case buf[0] == 0x79 && buf[1] == 0x79:
		return r.takeGT06Fixed(4, func(b []byte) int { return int(binary.BigEndian.Uint16(b[2:4])) })
	default:
		return nil, Invalid
	}
}

// takeGT06Fixed handles both the short (1-byte length) and long (2-byte
// length) GT06 framings. headerLen is the count of bytes preceding the
// content+serial+checksum region (start bytes + length field).
func (r *Reassembler) takeGT06Fixed(headerLen int, readLen func([]byte) int) ([]byte, Status) {
	buf := r.buf
	if len(buf) < headerLen {
		return nil, NeedMore
	}

	n := readLen(buf)
	if n == 0 {
		return nil, Invalid
	}

	total := headerLen + n + 2 // + terminator
	if len(buf) < total {
		return nil, NeedMore
	}

	if buf[total-2] != 0x0D || buf[total-1] != 0x0A {
		return nil, Invalid
	}

	frame := make([]byte, total)
	copy(frame, buf[:total])
	r.buf = r.buf[total:]
	return frame, Frame
}

func (r *Reassembler) takeTeltonika() ([]byte, Status) {
	buf := r.buf
	if len(buf) < 4 {
		return nil, NeedMore
	}

	// AVL preamble: four zero bytes. Distinguishable from the IMEI
	// frame's length prefix (0x00 0x0F) without extra state because an
	// IMEI length of 15 can never read as an all-zero 4-byte preamble.
	if buf[0] == 0 && buf[1] == 0 && buf[2] == 0 && buf[3] == 0 {
		return r.takeTeltonikaAVL()
	}

	declaredLen := int(binary.BigEndian.Uint16(buf[0:2]))
	if declaredLen != 15 {
		return nil, Invalid
	}

	total := 2 + 15
	if len(buf) < total {
		return nil, NeedMore
	}

	frame := make([]byte, total)
	copy(frame, buf[:total])
	r.buf = r.buf[total:]
	return frame, Frame
}

func (r *Reassembler) takeTeltonikaAVL() ([]byte, Status) {
	buf := r.buf
	if len(buf) < 8 {
		return nil, NeedMore
	}

	dataLength := int(binary.BigEndian.Uint32(buf[4:8]))
	if dataLength <= 0 || dataLength > maxTeltonikaAVLLen {
		return nil, Invalid
	}

	total := 8 + dataLength + 4 // preamble+lenfield, data, crc
	if len(buf) < total {
		return nil, NeedMore
	}

	frame := make([]byte, total)
	copy(frame, buf[:total])
	r.buf = r.buf[total:]
	return frame, Frame
}
