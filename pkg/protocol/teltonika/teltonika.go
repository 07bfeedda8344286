// Package teltonika implements the Teltonika FMB-family binary protocol
// codec: IMEI handshake decoding, AVL Codec 8/8E/16 record decoding, ACK
// encoding and Codec 12 downlink command encoding.
package teltonika

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/protei/gpsgateway/pkg/protocol"
)

const (
	codec8  byte = 0x08
	codec8E byte = 0x8E
	codec16 byte = 0x10
	codec12 byte = 0x0C
)

// Codec implements protocol.Codec for Teltonika FMB-family devices.
type Codec struct {
	// strictCRC drops a frame on CRC mismatch instead of decoding it
	// opportunistically.
	strictCRC bool
}

// New creates a Teltonika codec. strictCRC selects the alternative strict
// mode that drops AVL frames failing CRC verification.
func New(strictCRC bool) *Codec {
	return &Codec{strictCRC: strictCRC}
}

func (c *Codec) Protocol() protocol.Protocol { return protocol.Teltonika }

// DecodeFrame implements protocol.Codec. It distinguishes an IMEI
// handshake frame from an AVL data frame the same way the reassembler
// does: by the all-zero 4-byte AVL preamble.
func (c *Codec) DecodeFrame(frame []byte, ctx protocol.ConnectionContext) (*protocol.DecodedPacket, error) {
	if len(frame) >= 4 && frame[0] == 0 && frame[1] == 0 && frame[2] == 0 && frame[3] == 0 {
		return c.decodeAVL(frame, ctx)
	}
	return c.decodeIMEI(frame)
}

func (c *Codec) decodeIMEI(frame []byte) (*protocol.DecodedPacket, error) {
	if len(frame) < 17 {
		return nil, protocol.ErrMalformed
	}
	declared := int(binary.BigEndian.Uint16(frame[0:2]))
	if declared != 15 {
		return nil, protocol.ErrMalformed
	}
	imei := strings.TrimSpace(string(frame[2:17]))
	if imei == "" {
		return nil, protocol.ErrMalformed
	}
	return &protocol.DecodedPacket{
		Protocol:    protocol.Teltonika,
		Type:        protocol.PacketLogin,
		IMEI:        imei,
		RequiresAck: true,
		Raw:         append([]byte(nil), frame...),
	}, nil
}

func (c *Codec) decodeAVL(frame []byte, ctx protocol.ConnectionContext) (*protocol.DecodedPacket, error) {
	if len(frame) < 12 {
		return nil, protocol.ErrMalformed
	}
	dataLength := int(binary.BigEndian.Uint32(frame[4:8]))
	if dataLength < 2 {
		// codecId(1) + recordCount(1) is the smallest possible payload.
		return nil, protocol.ErrMalformed
	}
	n := len(frame)
	if n < 8+dataLength+4 {
		return nil, protocol.ErrMalformed
	}

	crcPayload := frame[8 : 8+dataLength]
	crcField := binary.BigEndian.Uint32(frame[8+dataLength : 8+dataLength+4])
	crcOK := uint32(protocol.CRC16IBM(crcPayload)) == crcField

	if !crcOK && c.strictCRC {
		return nil, protocol.ErrChecksum
	}

	codecID := crcPayload[0]
	recordCount := int(crcPayload[1])

	switch codecID {
	case codec8, codec8E, codec16:
	default:
		// Unknown codec ids (including codec 12, which is downlink-only)
		// yield an UNKNOWN packet and no ACK.
		return &protocol.DecodedPacket{
			Protocol: protocol.Teltonika,
			Type:     protocol.PacketUnknown,
			IMEI:     ctx.IMEI,
			Raw:      append([]byte(nil), frame...),
		}, nil
	}

	records, err := decodeRecords(codecID, crcPayload[2:], recordCount)
	if err != nil && c.strictCRC {
		return nil, err
	}

	packet := &protocol.DecodedPacket{
		Protocol:    protocol.Teltonika,
		Type:        protocol.PacketLocation,
		IMEI:        ctx.IMEI,
		RequiresAck: true,
		Raw:         append([]byte(nil), frame...),
		AVLRecords:  records,
		Serial:      uint16(recordCount),
	}
	if len(records) > 0 {
		packet.Timestamp = records[0].Timestamp
		loc := records[0].Location
		packet.Location = &loc
		packet.Sensors = records[0].Sensors
	}
	return packet, nil
}

// decodeRecords decodes up to recordCount AVL records for codec 8 and
// 8E, including 8E's variable-length IO group. Codec 16 records share
// the codec 8 layout plus a generation-type byte per IO element, handled
// best-effort: GPS fields decode, unknown trailing bytes are tolerated
// rather than rejected.
func decodeRecords(codecID byte, buf []byte, recordCount int) ([]protocol.AVLRecord, error) {
	idWidth := 1
	if codecID == codec8E {
		idWidth = 2
	}

	records := make([]protocol.AVLRecord, 0, recordCount)
	offset := 0
	for i := 0; i < recordCount; i++ {
		if offset+24 > len(buf) {
			return records, protocol.ErrMalformed
		}

		tsMs := binary.BigEndian.Uint64(buf[offset : offset+8])
		offset += 8
		offset += 1 // priority

		lonRaw := int32(binary.BigEndian.Uint32(buf[offset : offset+4]))
		offset += 4
		latRaw := int32(binary.BigEndian.Uint32(buf[offset : offset+4]))
		offset += 4
		altitude := int16(binary.BigEndian.Uint16(buf[offset : offset+2]))
		offset += 2
		angle := binary.BigEndian.Uint16(buf[offset : offset+2])
		offset += 2
		satellites := int(buf[offset])
		offset++
		speed := binary.BigEndian.Uint16(buf[offset : offset+2])
		offset += 2

		lat := float64(latRaw) / 1e7
		lon := float64(lonRaw) / 1e7
		valid := lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180 && !(lat == 0 && lon == 0)

		loc := protocol.Location{
			Lat:            lat,
			Lon:            lon,
			AltitudeMeters: float64(altitude),
			SpeedKmh:       float64(speed),
			CourseDeg:      float64(angle),
			Satellites:     satellites,
			Timestamp:      time.UnixMilli(int64(tsMs)).UTC(),
			Valid:          valid,
		}

		sensors, n, err := decodeIOBlock(buf[offset:], idWidth, codecID == codec8E)
		if err != nil {
			return records, err
		}
		offset += n

		records = append(records, protocol.AVLRecord{
			Timestamp: loc.Timestamp,
			Location:  loc,
			Sensors:   sensors,
		})
	}
	return records, nil
}

// decodeIOBlock decodes the eventIoId/totalIoCount header followed by the
// four fixed-width groups (1/2/4/8-byte values) of a codec 8/8E AVL
// record's IO section, returning sensors keyed "io_<id>".
// hasVariableGroup selects codec 8E's trailing variable-length group
// (2-byte id, 2-byte length, length-byte value), without which an 8E
// batch carrying that group would leave offset under-advanced and
// misalign every subsequent record.
func decodeIOBlock(buf []byte, idWidth int, hasVariableGroup bool) (map[string]interface{}, int, error) {
	headerWidth := 2 * idWidth // eventIoId(idWidth) + totalIoCount(idWidth)
	if len(buf) < headerWidth {
		return nil, 0, protocol.ErrMalformed
	}
	offset := headerWidth // eventIoId/totalIoCount, derived from group counts instead

	sensors := make(map[string]interface{})
	widths := []int{1, 2, 4, 8}
	for _, valWidth := range widths {
		if offset+1 > len(buf) {
			return nil, 0, protocol.ErrMalformed
		}
		count := int(buf[offset])
		offset++
		for j := 0; j < count; j++ {
			if offset+idWidth+valWidth > len(buf) {
				return nil, 0, protocol.ErrMalformed
			}
			var id uint64
			if idWidth == 1 {
				id = uint64(buf[offset])
			} else {
				id = uint64(binary.BigEndian.Uint16(buf[offset : offset+2]))
			}
			offset += idWidth

			var val uint64
			switch valWidth {
			case 1:
				val = uint64(buf[offset])
			case 2:
				val = uint64(binary.BigEndian.Uint16(buf[offset : offset+2]))
			case 4:
				val = uint64(binary.BigEndian.Uint32(buf[offset : offset+4]))
			case 8:
				val = binary.BigEndian.Uint64(buf[offset : offset+8])
			}
			offset += valWidth

			sensors["io_"+strconv.FormatUint(id, 10)] = val
		}
	}

	if hasVariableGroup {
		n, err := decodeVariableIOGroup(buf, offset, sensors)
		if err != nil {
			return nil, 0, err
		}
		offset = n
	}

	return sensors, offset, nil
}

// decodeVariableIOGroup decodes codec 8E's fifth IO group: a 1-byte count
// followed by count entries of id(2 BE), length(2 BE), value(length
// bytes). Values are kept as lowercase hex since their width varies per
// element.
func decodeVariableIOGroup(buf []byte, offset int, sensors map[string]interface{}) (int, error) {
	if offset+1 > len(buf) {
		return 0, protocol.ErrMalformed
	}
	count := int(buf[offset])
	offset++
	for j := 0; j < count; j++ {
		if offset+4 > len(buf) {
			return 0, protocol.ErrMalformed
		}
		id := binary.BigEndian.Uint16(buf[offset : offset+2])
		offset += 2
		length := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
		offset += 2
		if offset+length > len(buf) {
			return 0, protocol.ErrMalformed
		}
		sensors["io_"+strconv.FormatUint(uint64(id), 10)] = hex.EncodeToString(buf[offset : offset+length])
		offset += length
	}
	return offset, nil
}

// EncodeAck implements protocol.Codec. LOGIN gets the single-byte accept
// (rejection is handled by the supervisor writing 0x00 directly and
// closing, since that path never reaches a DecodedPacket). AVL frames get
// a 4-byte BE accepted-record count.
func (c *Codec) EncodeAck(p *protocol.DecodedPacket) []byte {
	if p == nil {
		return nil
	}
	if p.Type == protocol.PacketLogin {
		return []byte{0x01}
	}
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(len(p.AVLRecords)))
	return out
}

// EncodeCommand implements protocol.Codec, building a codec 12 downlink
// command envelope.
func (c *Codec) EncodeCommand(text string, serial uint16) []byte {
	cmd := []byte(text)

	body := make([]byte, 0, 3+4+len(cmd)+1)
	body = append(body, codec12, 0x01, 0x05)
	cmdLen := make([]byte, 4)
	binary.BigEndian.PutUint32(cmdLen, uint32(len(cmd)))
	body = append(body, cmdLen...)
	body = append(body, cmd...)
	body = append(body, 0x01)

	dataLen := make([]byte, 4)
	binary.BigEndian.PutUint32(dataLen, uint32(len(body)))

	crc := protocol.CRC16IBM(body)
	crcField := make([]byte, 4)
	binary.BigEndian.PutUint32(crcField, uint32(crc))

	out := make([]byte, 0, 4+4+len(body)+4)
	out = append(out, 0x00, 0x00, 0x00, 0x00)
	out = append(out, dataLen...)
	out = append(out, body...)
	out = append(out, crcField...)
	return out
}

// ToDeviceRecord implements protocol.Codec, projecting the first AVL
// record of the batch into sensors.io_<id> entries.
func (c *Codec) ToDeviceRecord(p *protocol.DecodedPacket, imei string) *protocol.DeviceRecord {
	return protocol.NewDeviceRecord(p, imei)
}
