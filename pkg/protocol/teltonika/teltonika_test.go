package teltonika

import (
	"encoding/binary"
	"testing"

	"github.com/protei/gpsgateway/pkg/protocol"
)

func imeiFrame(imei string) []byte {
	frame := make([]byte, 2+len(imei))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(imei)))
	copy(frame[2:], imei)
	return frame
}

func TestDecodeIMEIFrame(t *testing.T) {
	c := New(false)
	frame := imeiFrame("357689078699600")

	p, err := c.DecodeFrame(frame, protocol.ConnectionContext{})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p.Type != protocol.PacketLogin {
		t.Fatalf("expected LOGIN, got %v", p.Type)
	}
	if p.IMEI != "357689078699600" {
		t.Fatalf("imei mismatch: %q", p.IMEI)
	}

	ack := c.EncodeAck(p)
	if len(ack) != 1 || ack[0] != 0x01 {
		t.Fatalf("expected single 0x01 ack byte, got %x", ack)
	}
}

// buildCodec8AVL assembles one well-formed codec 8 AVL frame with a
// single record and no IO elements.
func buildCodec8AVL(t *testing.T, lat, lon int32, tsMs uint64) []byte {
	t.Helper()

	record := make([]byte, 0, 24+2+4)
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, tsMs)
	record = append(record, ts...)
	record = append(record, 0x00) // priority

	lonB := make([]byte, 4)
	binary.BigEndian.PutUint32(lonB, uint32(lon))
	latB := make([]byte, 4)
	binary.BigEndian.PutUint32(latB, uint32(lat))
	record = append(record, lonB...)
	record = append(record, latB...)
	record = append(record, 0x00, 0x00) // altitude
	record = append(record, 0x00, 0x00) // angle
	record = append(record, 0x08)       // satellites
	record = append(record, 0x00, 0x32) // speed = 50

	record = append(record, 0x00)       // eventIoId
	record = append(record, 0x00)       // totalIoCount
	record = append(record, 0x00)       // 1-byte group count = 0
	record = append(record, 0x00)       // 2-byte group count = 0
	record = append(record, 0x00)       // 4-byte group count = 0
	record = append(record, 0x00)       // 8-byte group count = 0

	payload := []byte{codec8, 0x01} // codecID, recordCount
	payload = append(payload, record...)
	payload = append(payload, 0x01) // trailing recordCount repeat

	crc := protocol.CRC16IBM(payload)
	crcField := make([]byte, 4)
	binary.BigEndian.PutUint32(crcField, uint32(crc))

	dataLen := make([]byte, 4)
	binary.BigEndian.PutUint32(dataLen, uint32(len(payload)))

	frame := make([]byte, 0, 8+len(payload)+4)
	frame = append(frame, 0x00, 0x00, 0x00, 0x00)
	frame = append(frame, dataLen...)
	frame = append(frame, payload...)
	frame = append(frame, crcField...)
	return frame
}

func TestDecodeCodec8AVL(t *testing.T) {
	frame := buildCodec8AVL(t, 549137000, 253430000, 1700000000000)

	c := New(false)
	p, err := c.DecodeFrame(frame, protocol.ConnectionContext{IMEI: "357689078699600"})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p.Type != protocol.PacketLocation {
		t.Fatalf("expected LOCATION, got %v", p.Type)
	}
	if len(p.AVLRecords) != 1 {
		t.Fatalf("expected 1 record, got %d", len(p.AVLRecords))
	}
	if !p.Location.Valid {
		t.Fatal("expected valid fix")
	}
	if p.Location.SpeedKmh != 50 {
		t.Fatalf("expected speed 50, got %f", p.Location.SpeedKmh)
	}

	ack := c.EncodeAck(p)
	if len(ack) != 4 || binary.BigEndian.Uint32(ack) != 1 {
		t.Fatalf("expected ack count 1, got %x", ack)
	}
}

func TestStrictCRCRejectsMismatch(t *testing.T) {
	frame := buildCodec8AVL(t, 549137000, 253430000, 1700000000000)
	frame[len(frame)-1] ^= 0xFF // corrupt CRC

	c := New(true)
	if _, err := c.DecodeFrame(frame, protocol.ConnectionContext{}); err != protocol.ErrChecksum {
		t.Fatalf("expected checksum error in strict mode, got %v", err)
	}

	lenient := New(false)
	if _, err := lenient.DecodeFrame(frame, protocol.ConnectionContext{}); err != nil {
		t.Fatalf("expected lenient decode despite bad crc, got %v", err)
	}
}

// TestAVLTinyDataLengthRejectedNotPanics guards against a dataLength of 1,
// which the reassembler's own ">0" check admits but which is too small to
// hold both codecId and recordCount; decodeAVL must reject it rather than
// index crcPayload out of range.
func TestAVLTinyDataLengthRejectedNotPanics(t *testing.T) {
	frame := []byte{
		0x00, 0x00, 0x00, 0x00, // preamble
		0x00, 0x00, 0x00, 0x01, // dataLength = 1
		0x08,                   // the lone byte (would-be codecId)
		0x00, 0x00, 0x00, 0x00, // crc field
	}
	c := New(false)
	if _, err := c.DecodeFrame(frame, protocol.ConnectionContext{}); err != protocol.ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

// TestUnknownCodecIDYieldsUnknownPacket: an AVL frame declaring a codec
// id the gateway does not decode (codec 12 is downlink-only) must come
// back as UNKNOWN with no ACK required, not be misparsed as records.
func TestUnknownCodecIDYieldsUnknownPacket(t *testing.T) {
	payload := []byte{codec12, 0x01, 0xDE, 0xAD, 0x01}
	crc := protocol.CRC16IBM(payload)
	crcField := make([]byte, 4)
	binary.BigEndian.PutUint32(crcField, uint32(crc))
	dataLen := make([]byte, 4)
	binary.BigEndian.PutUint32(dataLen, uint32(len(payload)))

	frame := append([]byte{0x00, 0x00, 0x00, 0x00}, dataLen...)
	frame = append(frame, payload...)
	frame = append(frame, crcField...)

	c := New(false)
	p, err := c.DecodeFrame(frame, protocol.ConnectionContext{IMEI: "357689078699600"})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p.Type != protocol.PacketUnknown {
		t.Fatalf("expected UNKNOWN, got %v", p.Type)
	}
	if p.RequiresAck {
		t.Fatal("UNKNOWN packets must not require an ack")
	}
}

// buildCodec8ERecord assembles one codec 8E AVL record (2-byte IO ids, all
// four fixed-width groups empty) with a variable-length group holding a
// single entry, so a misaligned offset would corrupt a following record.
func buildCodec8ERecord(tsMs uint64, varID uint16, varValue []byte) []byte {
	record := make([]byte, 0, 24+3+4+len(varValue))
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, tsMs)
	record = append(record, ts...)
	record = append(record, 0x00) // priority

	lonB := make([]byte, 4)
	binary.BigEndian.PutUint32(lonB, uint32(int32(253430000)))
	latB := make([]byte, 4)
	binary.BigEndian.PutUint32(latB, uint32(int32(549137000)))
	record = append(record, lonB...)
	record = append(record, latB...)
	record = append(record, 0x00, 0x00) // altitude
	record = append(record, 0x00, 0x00) // angle
	record = append(record, 0x08)       // satellites
	record = append(record, 0x00, 0x32) // speed = 50

	record = append(record, 0x00, 0x00) // eventIoId (2 bytes wide for 8E)
	record = append(record, 0x00, 0x00) // totalIoCount (2 bytes wide for 8E)
	record = append(record, 0x00) // 1-byte group count = 0
	record = append(record, 0x00) // 2-byte group count = 0
	record = append(record, 0x00) // 4-byte group count = 0
	record = append(record, 0x00) // 8-byte group count = 0

	record = append(record, 0x01) // variable-group count = 1
	idB := make([]byte, 2)
	binary.BigEndian.PutUint16(idB, varID)
	record = append(record, idB...)
	lenB := make([]byte, 2)
	binary.BigEndian.PutUint16(lenB, uint16(len(varValue)))
	record = append(record, lenB...)
	record = append(record, varValue...)

	return record
}

// TestDecodeCodec8EVariableGroupDoesNotMisalignNextRecord decodes a two
// record codec 8E batch whose first record carries a non-empty variable
// -length IO group; if decodeIOBlock failed to consume it, the second
// record's fixed header would be read starting at the wrong offset.
func TestDecodeCodec8EVariableGroupDoesNotMisalignNextRecord(t *testing.T) {
	rec1 := buildCodec8ERecord(1700000000000, 0x00C8, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	rec2 := buildCodec8ERecord(1700000001000, 0x00C9, []byte{0x01})

	payload := []byte{codec8E, 0x02} // codecID, recordCount
	payload = append(payload, rec1...)
	payload = append(payload, rec2...)
	payload = append(payload, 0x02) // trailing recordCount repeat

	crc := protocol.CRC16IBM(payload)
	crcField := make([]byte, 4)
	binary.BigEndian.PutUint32(crcField, uint32(crc))

	dataLen := make([]byte, 4)
	binary.BigEndian.PutUint32(dataLen, uint32(len(payload)))

	frame := make([]byte, 0, 8+len(payload)+4)
	frame = append(frame, 0x00, 0x00, 0x00, 0x00)
	frame = append(frame, dataLen...)
	frame = append(frame, payload...)
	frame = append(frame, crcField...)

	c := New(false)
	p, err := c.DecodeFrame(frame, protocol.ConnectionContext{IMEI: "357689078699600"})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(p.AVLRecords) != 2 {
		t.Fatalf("expected 2 records, got %d", len(p.AVLRecords))
	}
	if got := p.AVLRecords[0].Sensors["io_200"]; got != "deadbeef" {
		t.Fatalf("expected first record's variable io_200 = deadbeef, got %v", got)
	}
	if !p.AVLRecords[1].Location.Valid {
		t.Fatal("expected second record to decode with a valid fix, not be misaligned garbage")
	}
	if got := p.AVLRecords[1].Sensors["io_201"]; got != "01" {
		t.Fatalf("expected second record's variable io_201 = 01, got %v", got)
	}
}

func TestCommandRoundTripShape(t *testing.T) {
	c := New(false)
	cmd := c.EncodeCommand("getinfo", 1)

	if len(cmd) < 8 {
		t.Fatal("command frame too short")
	}
	for i := 0; i < 4; i++ {
		if cmd[i] != 0 {
			t.Fatalf("expected zero preamble, got %x", cmd[:4])
		}
	}
	dataLen := binary.BigEndian.Uint32(cmd[4:8])
	if int(dataLen) != len(cmd)-8-4 {
		t.Fatalf("dataLen mismatch: field=%d actual=%d", dataLen, len(cmd)-8-4)
	}
}
