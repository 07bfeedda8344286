package reassembler

import (
	"bytes"
	"testing"

	"github.com/protei/gpsgateway/pkg/protocol"
)

func gt06LoginFrame() []byte {
	// 78 78 0D 01 00 00 00 00 03 33 22 10 00 01 00 77 0D 0A
	return []byte{0x78, 0x78, 0x0D, 0x01, 0x00, 0x00, 0x00, 0x00, 0x03, 0x33, 0x22, 0x10, 0x00, 0x01, 0x00, 0x77, 0x0D, 0x0A}
}

func drainFrames(t *testing.T, r *Reassembler) [][]byte {
	t.Helper()
	var frames [][]byte
	for {
		frame, status := r.TryTakeFrame()
		switch status {
		case Frame:
			frames = append(frames, frame)
		case NeedMore:
			return frames
		case Invalid:
			t.Fatalf("unexpected invalid frame, buffered so far: %x", r.buf)
		}
	}
}

// TestFramingIdempotence: chunking the same byte stream differently must
// not change the sequence of frames yielded.
func TestFramingIdempotence(t *testing.T) {
	stream := append(append([]byte{}, gt06LoginFrame()...), gt06LoginFrame()...)

	whole := New(protocol.GT06)
	whole.Append(stream)
	wholeFrames := drainFrames(t, whole)

	chunked := New(protocol.GT06)
	for _, b := range stream {
		chunked.Append([]byte{b})
	}
	chunkedFrames := drainFrames(t, chunked)

	if len(wholeFrames) != 2 || len(chunkedFrames) != 2 {
		t.Fatalf("expected 2 frames each, got %d and %d", len(wholeFrames), len(chunkedFrames))
	}
	for i := range wholeFrames {
		if !bytes.Equal(wholeFrames[i], chunkedFrames[i]) {
			t.Fatalf("frame %d differs: %x vs %x", i, wholeFrames[i], chunkedFrames[i])
		}
	}
}

func TestGT06ZeroLengthInvalid(t *testing.T) {
	r := New(protocol.GT06)
	r.Append([]byte{0x78, 0x78, 0x00, 0x0D, 0x0A})
	_, status := r.TryTakeFrame()
	if status != Invalid {
		t.Fatalf("expected Invalid, got %v", status)
	}
}

func TestGT06BadMarkerInvalid(t *testing.T) {
	r := New(protocol.GT06)
	r.Append([]byte{0xAA, 0xBB, 0x01, 0x02})
	_, status := r.TryTakeFrame()
	if status != Invalid {
		t.Fatalf("expected Invalid, got %v", status)
	}
}

func TestTeltonikaIMEIFrame(t *testing.T) {
	r := New(protocol.Teltonika)
	imei := "357689078699600" // 15 digits
	r.Append([]byte{0x00, 0x0F})
	r.Append([]byte(imei))
	frame, status := r.TryTakeFrame()
	if status != Frame {
		t.Fatalf("expected Frame, got %v", status)
	}
	if string(frame[2:]) != imei {
		t.Fatalf("imei mismatch: %q", frame[2:])
	}
}

func TestTeltonikaAVLOversizeInvalid(t *testing.T) {
	r := New(protocol.Teltonika)
	hdr := []byte{0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF} // dataLength > 64KiB
	r.Append(hdr)
	_, status := r.TryTakeFrame()
	if status != Invalid {
		t.Fatalf("expected Invalid, got %v", status)
	}
}

func TestTeltonikaPartialFrameBuffers(t *testing.T) {
	r := New(protocol.Teltonika)
	r.Append([]byte{0x00, 0x0F, 0x33, 0x35})
	_, status := r.TryTakeFrame()
	if status != NeedMore {
		t.Fatalf("expected NeedMore, got %v", status)
	}
	if r.Len() != 4 {
		t.Fatalf("expected buffered bytes retained, got %d", r.Len())
	}
}
