package supervisor

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/protei/gpsgateway/pkg/protocol"
	"github.com/protei/gpsgateway/pkg/reassembler"
	"github.com/protei/gpsgateway/pkg/store"
)

// conn owns exactly one accepted TCP socket and its reassembler buffer;
// only its own goroutine ever touches them.
type conn struct {
	netConn net.Conn
	sup     *Supervisor
	ra      *reassembler.Reassembler

	imei         string
	isAuthorized bool
	decodeErrors int
	serial       uint32

	lastPacket atomic.Int64 // unix nanos
	closeOnce  atomic.Bool
}

func (c *conn) lastPacketAt() time.Time {
	return time.Unix(0, c.lastPacket.Load())
}

func (c *conn) touch() {
	c.lastPacket.Store(time.Now().UnixNano())
}

// run is the per-connection read loop.
func (c *conn) run() {
	c.touch()
	defer c.finish()

	readBuf := make([]byte, 4096)
readLoop:
	for {
		if err := c.netConn.SetReadDeadline(time.Now().Add(c.sup.cfg.SocketTimeout)); err != nil {
			return
		}
		n, err := c.netConn.Read(readBuf)
		if err != nil {
			return
		}
		c.touch()
		c.ra.Append(readBuf[:n])

		for {
			frame, status := c.ra.TryTakeFrame()
			switch status {
			case reassembler.NeedMore:
				continue readLoop
			case reassembler.Invalid:
				c.sup.log.Warn("invalid frame, closing", "conn", c.netConn.RemoteAddr().String())
				return
			case reassembler.Frame:
				if !c.handleFrame(frame) {
					return
				}
			}
		}
	}
}

// handleFrame decodes one frame and drives the rest of the per-connection
// protocol. Returns false if the connection must close.
func (c *conn) handleFrame(frame []byte) bool {
	ctx := protocol.ConnectionContext{ConnectionID: c.netConn.RemoteAddr().String(), IMEI: c.imei}

	packet, err := c.sup.cfg.Codec.DecodeFrame(frame, ctx)
	if err != nil {
		c.sup.health.RecordDecodeError()
		c.decodeErrors++
		c.sup.log.Warn("decode error", "error", err, "consecutive", c.decodeErrors)
		if c.decodeErrors >= maxDecodeErrors {
			c.sup.log.Warn("too many consecutive decode errors, closing", "reason", "PROTOCOL_ERROR", "conn", ctx.ConnectionID)
			return false
		}
		return true
	}
	c.decodeErrors = 0
	c.sup.health.RecordDecode()

	if packet.Type == protocol.PacketLogin {
		return c.handleLogin(packet)
	}

	if !c.isAuthorized {
		c.sup.log.Warn("frame from unauthorised connection, closing", "type", packet.Type)
		return false
	}

	if packet.RequiresAck {
		ack := c.sup.cfg.Codec.EncodeAck(packet)
		if ack != nil {
			if _, err := c.netConn.Write(ack); err != nil {
				return false
			}
		}
	}

	c.updateStatus(packet)
	c.forward(packet)

	// HEARTBEAT and LOCATION are the triggering packets for downlink
	// delivery; LOGIN drains in handleLogin.
	if packet.Type == protocol.PacketHeartbeat || packet.Type == protocol.PacketLocation {
		c.drainOneCommand()
	}

	return true
}

func (c *conn) handleLogin(packet *protocol.DecodedPacket) bool {
	imei := packet.IMEI
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	authorised, err := c.sup.store.IsAuthorised(ctxTimeout, imei)
	if err != nil {
		c.sup.log.Warn("allow-list check failed", "error", err, "imei", imei)
		return false
	}

	if !authorised {
		c.writeLoginRejection(packet)
		c.sup.log.Warn("unauthorised login, closing", "imei", imei)
		return false
	}

	if c.imei != "" && c.imei != imei {
		// A connection binds one IMEI for life; rebinding closes it.
		return false
	}

	c.imei = imei
	c.isAuthorized = true

	if err := c.sup.store.UpsertStatus(ctxTimeout, store.DeviceStatus{
		IMEI:      imei,
		Status:    "CONNECTED",
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		c.sup.log.Warn("presence upsert failed", "error", err, "imei", imei)
	}

	c.drainOneCommand()

	ack := c.sup.cfg.Codec.EncodeAck(packet)
	if ack != nil {
		if _, err := c.netConn.Write(ack); err != nil {
			return false
		}
	}

	c.forward(packet)
	return true
}

// writeLoginRejection writes the protocol's negative-ACK byte sequence
// when one is defined (Teltonika 0x00); GT06 has none, so nothing is
// written and the connection is simply closed.
func (c *conn) writeLoginRejection(packet *protocol.DecodedPacket) {
	if packet.Protocol == protocol.Teltonika {
		c.netConn.Write([]byte{0x00})
	}
}

func (c *conn) updateStatus(packet *protocol.DecodedPacket) {
	if packet.Location == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	acc, _ := packet.Sensors["acc"].(bool)
	st := store.DeviceStatus{
		IMEI:        c.imei,
		Status:      "CONNECTED",
		Lat:         packet.Location.Lat,
		Lon:         packet.Location.Lon,
		SpeedKmh:    packet.Location.SpeedKmh,
		CourseDeg:   packet.Location.CourseDeg,
		ACC:         acc,
		Satellites:  packet.Location.Satellites,
		UpdatedAt:   time.Now().UTC(),
		HasLocation: true,
	}
	if err := c.sup.store.UpsertStatus(ctx, st); err != nil {
		c.sup.log.Warn("presence upsert failed", "error", err, "imei", c.imei)
	}
}

// alarmForwardAttempts bounds ForwardWithRetry's exponential backoff for
// operator-tagged critical events.
const alarmForwardAttempts = 3

func (c *conn) forward(packet *protocol.DecodedPacket) {
	record := c.sup.cfg.Codec.ToDeviceRecord(packet, c.imei)
	if record == nil {
		return
	}

	if packet.Type == protocol.PacketAlarm && c.sup.cfg.ForwardAlarmsWithRetry {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := c.sup.hook.ForwardWithRetry(ctx, record, alarmForwardAttempts); err != nil {
				c.sup.log.Warn("alarm forward retry exhausted", "error", err, "imei", c.imei)
			}
		}()
		return
	}

	go c.sup.hook.Forward(record)
}

// drainOneCommand pops and delivers at most one pending command per
// triggering packet, bounding the latency added before the next ACK.
func (c *conn) drainOneCommand() {
	if c.imei == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd, ok, err := c.sup.store.PopCommand(ctx, c.imei)
	if err != nil || !ok {
		if err != nil {
			c.sup.log.Warn("command pop failed", "error", err, "imei", c.imei)
		}
		return
	}

	serial := uint16(atomic.AddUint32(&c.serial, 1))
	frame := c.sup.cfg.Codec.EncodeCommand(cmd.Command, serial)

	if _, err := c.netConn.Write(frame); err != nil {
		if reqErr := c.sup.store.RequeueCommand(ctx, c.imei, cmd); reqErr != nil {
			c.sup.log.Warn("command requeue failed", "error", reqErr, "imei", c.imei)
		}
		return
	}

	if err := c.sup.store.AckCommand(ctx, cmd.ID); err != nil {
		c.sup.log.Warn("command ack failed", "error", err, "imei", c.imei)
	}
}

func (c *conn) finish() {
	if c.imei != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.sup.store.UpsertStatus(ctx, store.DeviceStatus{
			IMEI:      c.imei,
			Status:    "DISCONNECTED",
			UpdatedAt: time.Now().UTC(),
		}); err != nil {
			c.sup.log.Warn("disconnect status upsert failed", "error", err, "imei", c.imei)
		}
	}
	c.netConn.Close()
	c.sup.forgetConn(c)
}

// closeWithReason force-closes the connection from outside its own
// goroutine (the idle reaper or graceful shutdown). Safe to call
// concurrently with the connection's own run loop: Close unblocks the
// pending Read, which then returns and runs the normal finish path.
func (c *conn) closeWithReason(reason string) {
	if !c.closeOnce.CompareAndSwap(false, true) {
		return
	}
	c.sup.log.Info("closing connection", "reason", reason, "imei", c.imei)
	c.netConn.Close()
}
