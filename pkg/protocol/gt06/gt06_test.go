package gt06

import (
	"encoding/hex"
	"testing"

	"github.com/protei/gpsgateway/pkg/protocol"
)

// TestLoginDecode decodes and re-ACKs a GT06 login frame. The frame's
// checksum 0x0077 is the additive-sum variant clone devices send (its
// CRC-ITU would be 0x58D9), so the codec runs with the fallback enabled.
func TestLoginDecode(t *testing.T) {
	frame := []byte{0x78, 0x78, 0x0D, 0x01, 0x00, 0x00, 0x00, 0x00, 0x03, 0x33, 0x22, 0x10, 0x00, 0x01, 0x00, 0x77, 0x0D, 0x0A}

	c := New(true)
	p, err := c.DecodeFrame(frame, protocol.ConnectionContext{})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p.Type != protocol.PacketLogin {
		t.Fatalf("expected LOGIN, got %v", p.Type)
	}
	if p.IMEI != "3332210" {
		t.Fatalf("expected imei 3332210, got %q", p.IMEI)
	}
	if p.Serial != 1 {
		t.Fatalf("expected serial 1, got %d", p.Serial)
	}

	ack := c.EncodeAck(p)
	if hex.EncodeToString(ack) == "" {
		t.Fatal("expected non-empty ack")
	}

	// Decoding our own ACK must echo the same serial and pass its own
	// CRC check (ACKs use protocol byte 0x01 = LOGIN, so DecodeFrame
	// can round-trip it directly).
	back, err := c.DecodeFrame(ack, protocol.ConnectionContext{})
	if err != nil {
		t.Fatalf("round-trip decode of our own ack failed: %v", err)
	}
	if back.Serial != p.Serial {
		t.Fatalf("serial not echoed: got %d want %d", back.Serial, p.Serial)
	}
}

// TestCommandRoundTrip: decoding a 0x80 command frame we just encoded
// must echo the same serial and pass its own CRC check.
func TestCommandRoundTrip(t *testing.T) {
	c := New(false)
	cmd := c.EncodeCommand("RESET#", 42)

	p, err := c.DecodeFrame(cmd, protocol.ConnectionContext{})
	if err != nil {
		t.Fatalf("decode of our own command frame failed: %v", err)
	}
	if p.Serial != 42 {
		t.Fatalf("expected serial 42, got %d", p.Serial)
	}
}

// TestLocationHemisphere checks the course/status word's hemisphere bits
// drive the sign of the decoded coordinates.
func TestLocationHemisphere(t *testing.T) {
	content := make([]byte, 18)
	// date-time: arbitrary valid UTC date
	copy(content[0:6], []byte{25, 1, 15, 10, 30, 0})
	content[6] = 0x0C // gps len nibble + satellite count (12)

	latRaw := uint32(14.9 * 1800000)
	lonRaw := uint32(5.2 * 1800000)
	putBE32(content[7:11], latRaw)
	putBE32(content[11:15], lonRaw)
	content[15] = 0 // speed

	// bit10 (north) set, bit11 (west) clear, bit12 (fixed) set, course=10
	statusWord := uint16(10) | (1 << 10) | (1 << 12)
	content[16] = byte(statusWord >> 8)
	content[17] = byte(statusWord)

	frame := buildGT06Frame(protoLocation, content, 7)

	c := New(false)
	p, err := c.DecodeFrame(frame, protocol.ConnectionContext{})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p.Location == nil {
		t.Fatal("expected location")
	}
	if !p.Location.Valid {
		t.Fatal("expected valid fix")
	}
	if p.Location.Lat <= 0 {
		t.Fatalf("expected positive (north) latitude, got %f", p.Location.Lat)
	}
	if p.Location.Lon <= 0 {
		t.Fatalf("expected positive (east) longitude, got %f", p.Location.Lon)
	}
	if p.Location.CourseDeg != 10 {
		t.Fatalf("expected course 10, got %f", p.Location.CourseDeg)
	}
}

// TestAdditiveChecksumRejectedWhenFallbackDisabled locks in the strict
// default: a frame checksummed with the clone-device additive sum is
// dropped unless the deployment opts into the fallback.
func TestAdditiveChecksumRejectedWhenFallbackDisabled(t *testing.T) {
	frame := []byte{0x78, 0x78, 0x0D, 0x01, 0x00, 0x00, 0x00, 0x00, 0x03, 0x33, 0x22, 0x10, 0x00, 0x01, 0x00, 0x77, 0x0D, 0x0A}
	c := New(false)
	if _, err := c.DecodeFrame(frame, protocol.ConnectionContext{}); err != protocol.ErrChecksum {
		t.Fatalf("expected checksum error without fallback, got %v", err)
	}
}

func TestChecksumMismatchRejected(t *testing.T) {
	frame := []byte{0x78, 0x78, 0x0D, 0x01, 0x00, 0x00, 0x00, 0x00, 0x03, 0x33, 0x22, 0x10, 0xFF, 0xFF, 0xFF, 0xFF, 0x0D, 0x0A}
	c := New(false)
	if _, err := c.DecodeFrame(frame, protocol.ConnectionContext{}); err != protocol.ErrChecksum {
		t.Fatalf("expected checksum error, got %v", err)
	}
}

// TestShortLengthFieldRejectedNotPanics guards against a length byte that
// is non-zero (so it passes the reassembler's own "length 0 is INVALID"
// check) but too small to leave room for protocol+serial+checksum. A
// malicious device fully controls the length byte and the two checksum
// bytes, so it must not be able to crash the decoder via a slice panic.
func TestShortLengthFieldRejectedNotPanics(t *testing.T) {
	// 78 78 04 <4 arbitrary bytes> 0D 0A: headerLen(3) + n(4) + term(2) = 9,
	// one byte short of the minimum 10-byte valid short frame.
	frame := []byte{0x78, 0x78, 0x04, 0x01, 0x00, 0x00, 0x00, 0x0D, 0x0A}
	c := New(false)
	if _, err := c.DecodeFrame(frame, protocol.ConnectionContext{}); err != protocol.ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// buildGT06Frame assembles a well-formed, correctly checksummed short GT06
// frame for a given protocol byte/content/serial, for use by tests.
func buildGT06Frame(protoByte byte, content []byte, serial uint16) []byte {
	body := make([]byte, 0, 1+len(content)+2)
	body = append(body, protoByte)
	body = append(body, content...)
	body = append(body, byte(serial>>8), byte(serial))

	n := len(body) + 2 // + checksum
	crcRegion := append([]byte{byte(n)}, body...)
	crc := protocol.CRCITU(crcRegion)

	frame := make([]byte, 0, 2+1+len(body)+2+2)
	frame = append(frame, 0x78, 0x78, byte(n))
	frame = append(frame, body...)
	frame = append(frame, byte(crc>>8), byte(crc))
	frame = append(frame, 0x0D, 0x0A)
	return frame
}
