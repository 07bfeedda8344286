// Package gt06 implements the GT06/Concox binary protocol codec: frame
// decoding, ACK encoding and downlink command encoding for the 0x7878/
// 0x7979-framed tracker family.
package gt06

import (
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"github.com/protei/gpsgateway/pkg/protocol"
)

// Protocol byte values recognised in the content field.
const (
	protoLogin         byte = 0x01
	protoLocation      byte = 0x12
	protoLocation22    byte = 0x22
	protoAlarm         byte = 0x16
	protoAlarm26       byte = 0x26
	protoHeartbeat     byte = 0x13
	protoStatus        byte = 0x1A
	protoOnlineCommand byte = 0x80
)

const (
	startShortHi, startShortLo = 0x78, 0x78
	startLongHi, startLongLo   = 0x79, 0x79
	termHi, termLo             = 0x0D, 0x0A
)

// Codec implements protocol.Codec for GT06/Concox devices.
type Codec struct {
	allowChecksumFallback bool
}

// New creates a GT06 codec. allowChecksumFallback enables the additive
// 16-bit checksum fallback for clone devices that do not send CRC-ITU.
func New(allowChecksumFallback bool) *Codec {
	return &Codec{allowChecksumFallback: allowChecksumFallback}
}

func (c *Codec) Protocol() protocol.Protocol { return protocol.GT06 }

// frameLayout describes where the header/content/serial/checksum
// boundaries fall within a raw frame, accounting for the short (1-byte
// length) vs long (2-byte length) framing.
type frameLayout struct {
	headerLen int // start bytes + length field
}

func layoutOf(frame []byte) (frameLayout, bool) {
	if len(frame) < 2 {
		return frameLayout{}, false
	}
	switch {
	case frame[0] == startShortHi && frame[1] == startShortLo:
		return frameLayout{headerLen: 3}, true
	case frame[0] == startLongHi && frame[1] == startLongLo:
		return frameLayout{headerLen: 4}, true
	default:
		return frameLayout{}, false
	}
}

// DecodeFrame implements protocol.Codec.
func (c *Codec) DecodeFrame(frame []byte, ctx protocol.ConnectionContext) (*protocol.DecodedPacket, error) {
	layout, ok := layoutOf(frame)
	if !ok {
		return nil, protocol.ErrMalformed
	}
	// Minimum frame: header + protocol(1) + content(0) + serial(2) +
	// checksum(2) + terminator(2). A shorter frame would make content's upper bound (n-6) fall below its
	// lower bound (headerLen+1) below and slice out of range.
	if len(frame) < layout.headerLen+7 {
		return nil, protocol.ErrMalformed
	}

	n := len(frame)
	crcRegion := frame[2 : n-4]
	checksum := binary.BigEndian.Uint16(frame[n-4 : n-2])

	if !c.verifyChecksum(crcRegion, checksum) {
		return nil, protocol.ErrChecksum
	}

	protoByte := frame[layout.headerLen]
	content := frame[layout.headerLen+1 : n-6]
	serial := binary.BigEndian.Uint16(frame[n-6 : n-4])

	packet := &protocol.DecodedPacket{
		Protocol: protocol.GT06,
		Raw:      append([]byte(nil), frame...),
		Serial:   serial,
		IMEI:     ctx.IMEI,
	}

	switch protoByte {
	case protoLogin:
		packet.Type = protocol.PacketLogin
		packet.RequiresAck = true
		packet.IMEI = decodeBCDIMEI(content)
	case protoHeartbeat:
		packet.Type = protocol.PacketHeartbeat
		packet.RequiresAck = true
		decodeHeartbeat(packet, content)
	case protoLocation, protoLocation22:
		packet.Type = protocol.PacketLocation
		packet.RequiresAck = true
		if err := decodeLocation(packet, content); err != nil {
			return nil, err
		}
	case protoAlarm, protoAlarm26:
		packet.Type = protocol.PacketAlarm
		packet.RequiresAck = true
		if err := decodeLocation(packet, content); err != nil {
			return nil, err
		}
	case protoStatus:
		packet.Type = protocol.PacketStatus
		packet.RequiresAck = true
		decodeHeartbeat(packet, content)
	default:
		packet.Type = protocol.PacketUnknown
		packet.RequiresAck = false
	}

	return packet, nil
}

func (c *Codec) verifyChecksum(region []byte, want uint16) bool {
	if protocol.CRCITU(region) == want {
		return true
	}
	if c.allowChecksumFallback && protocol.AdditiveChecksum16(region) == want {
		return true
	}
	return false
}

// decodeBCDIMEI decodes an 8-byte packed-hex IMEI: each byte's hex
// representation is concatenated and leading zeros are stripped, leaving
// at least one digit.
func decodeBCDIMEI(content []byte) string {
	var sb strings.Builder
	for _, b := range content {
		sb.WriteString(strconv.FormatUint(uint64(b>>4), 16))
		sb.WriteString(strconv.FormatUint(uint64(b&0x0F), 16))
	}
	s := strings.TrimLeft(sb.String(), "0")
	if s == "" {
		s = "0"
	}
	return s
}

func decodeHeartbeat(p *protocol.DecodedPacket, content []byte) {
	st := &protocol.Status{}
	if len(content) >= 1 {
		st.Terminal = uint32(content[0])
	}
	if len(content) >= 2 {
		st.Battery = int(content[1])
	}
	if len(content) >= 3 {
		st.GSM = int(content[2])
	}
	if len(content) >= 5 {
		st.Alarm = int(binary.BigEndian.Uint16(content[3:5]))
	}
	p.Status = st
}

// decodeLocation parses the date-time, GPS fix, hemisphere-corrected
// lat/lon, speed, course/status word and optional LBS/ACC trailer of a
// GT06 LOCATION or ALARM frame.
func decodeLocation(p *protocol.DecodedPacket, content []byte) error {
	if len(content) < 18 {
		return protocol.ErrMalformed
	}

	p.Timestamp = decodeGT06DateTime(content[0:6])

	gpsByte := content[6]
	satellites := int(gpsByte & 0x0F)

	latRaw := binary.BigEndian.Uint32(content[7:11])
	lonRaw := binary.BigEndian.Uint32(content[11:15])
	speed := int(content[15])
	statusWord := binary.BigEndian.Uint16(content[16:18])

	latMag := float64(latRaw) / 1800000.0
	lonMag := float64(lonRaw) / 1800000.0

	north := statusWord&(1<<10) != 0
	west := statusWord&(1<<11) != 0
	gpsPositioned := statusWord&(1<<12) != 0
	course := float64(statusWord & 0x3FF)

	lat := latMag
	if !north {
		lat = -lat
	}
	lon := lonMag
	if west {
		lon = -lon
	}

	valid := gpsPositioned &&
		lat >= -90 && lat <= 90 &&
		lon >= -180 && lon <= 180 &&
		!(lat == 0 && lon == 0)

	p.Location = &protocol.Location{
		Lat:            lat,
		Lon:            lon,
		AltitudeMeters: 0,
		SpeedKmh:       float64(speed),
		CourseDeg:      course,
		Satellites:     satellites,
		Timestamp:      p.Timestamp,
		Valid:          valid,
	}

	sensors := map[string]interface{}{
		"gpsFixed":    gpsPositioned,
		"gpsRealtime": statusWord&(1<<13) != 0,
		"satellites":  satellites,
		"serial":      p.Serial,
	}

	offset := 18
	if len(content) >= offset+8 {
		lbs := content[offset : offset+8]
		sensors["mcc"] = int(binary.BigEndian.Uint16(lbs[0:2]))
		sensors["mnc"] = int(lbs[2])
		sensors["lac"] = int(binary.BigEndian.Uint16(lbs[3:5]))
		sensors["cellId"] = int(lbs[5])<<16 | int(lbs[6])<<8 | int(lbs[7])
		offset += 8
	}
	if len(content) >= offset+1 {
		sensors["acc"] = content[offset]&0x01 != 0
	}

	p.Sensors = sensors
	return nil
}

// decodeGT06DateTime interprets the 6-byte YY MM DD HH MM SS field as UTC.
func decodeGT06DateTime(b []byte) time.Time {
	return time.Date(2000+int(b[0]), time.Month(b[1]), int(b[2]), int(b[3]), int(b[4]), int(b[5]), 0, time.UTC)
}

// EncodeAck implements protocol.Codec. Returns nil when the packet type
// does not require an acknowledgement.
func (c *Codec) EncodeAck(p *protocol.DecodedPacket) []byte {
	if p == nil || !p.RequiresAck {
		return nil
	}

	protoByte := ackProtocolByte(p.Type)
	body := []byte{0x05, protoByte, byte(p.Serial >> 8), byte(p.Serial)}
	crc := protocol.CRCITU(body)

	out := make([]byte, 0, 10)
	out = append(out, startShortHi, startShortLo)
	out = append(out, body...)
	out = append(out, byte(crc>>8), byte(crc))
	out = append(out, termHi, termLo)
	return out
}

func ackProtocolByte(t protocol.PacketType) byte {
	switch t {
	case protocol.PacketLogin:
		return protoLogin
	case protocol.PacketHeartbeat:
		return protoHeartbeat
	case protocol.PacketLocation:
		return protoLocation
	case protocol.PacketAlarm:
		return protoAlarm
	case protocol.PacketStatus:
		return protoStatus
	default:
		return protoLocation
	}
}

// EncodeCommand implements protocol.Codec, building a 0x80 downlink
// command envelope.
func (c *Codec) EncodeCommand(text string, serial uint16) []byte {
	cmd := []byte(text)
	contentLen := len(cmd)
	n := 1 + 2 + contentLen + 2 + 2 // protocol + contentLen field + cmd + serial + checksum

	body := make([]byte, 0, 1+2+contentLen+2)
	if n <= 255 {
		body = append(body, byte(n))
	} else {
		body = append(body, byte(n>>8), byte(n))
	}
	body = append(body, protoOnlineCommand)
	body = append(body, byte(contentLen>>8), byte(contentLen))
	body = append(body, cmd...)
	body = append(body, byte(serial>>8), byte(serial))

	crc := protocol.CRCITU(body)

	out := make([]byte, 0, len(body)+6)
	if n <= 255 {
		out = append(out, startShortHi, startShortLo)
	} else {
		out = append(out, startLongHi, startLongLo)
	}
	out = append(out, body...)
	out = append(out, byte(crc>>8), byte(crc))
	out = append(out, termHi, termLo)
	return out
}

// ToDeviceRecord implements protocol.Codec.
func (c *Codec) ToDeviceRecord(p *protocol.DecodedPacket, imei string) *protocol.DeviceRecord {
	return protocol.NewDeviceRecord(p, imei)
}
