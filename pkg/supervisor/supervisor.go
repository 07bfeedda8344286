// Package supervisor implements the session layer: one TCP acceptor per
// protocol port, one goroutine per accepted connection, IMEI
// binding/authorisation, ACK write-back, command drain and graceful
// shutdown.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/protei/gpsgateway/internal/logger"
	"github.com/protei/gpsgateway/pkg/health"
	"github.com/protei/gpsgateway/pkg/protocol"
	"github.com/protei/gpsgateway/pkg/reassembler"
	"github.com/protei/gpsgateway/pkg/store"
	"github.com/protei/gpsgateway/pkg/webhook"
)

// PresenceStore is the subset of the presence & command store a
// connection's per-packet handling needs: authorisation, presence
// upsert and FIFO command drain. Narrowed to an interface (mirroring
// pkg/admin's CommandEnqueuer) so the per-connection protocol logic can
// be exercised against a fake without a live Redis/Postgres.
type PresenceStore interface {
	IsAuthorised(ctx context.Context, imei string) (bool, error)
	UpsertStatus(ctx context.Context, patch store.DeviceStatus) error
	PopCommand(ctx context.Context, imei string) (store.QueuedCommand, bool, error)
	RequeueCommand(ctx context.Context, imei string, cmd store.QueuedCommand) error
	AckCommand(ctx context.Context, id int64) error
}

// maxDecodeErrors is the consecutive-decode-error threshold before a
// connection is closed with reason PROTOCOL_ERROR.
const maxDecodeErrors = 3

// idleReapInterval is the sweep period for closing connections past
// socketTimeout whose peer vanished without an RST, so the pending Read
// never returns on its own.
const idleReapInterval = 30 * time.Second

// Config configures one per-port Supervisor.
type Config struct {
	Addr             string
	Protocol         protocol.Protocol
	Codec            protocol.Codec
	MaxConnections   int
	SocketTimeout    time.Duration
	KeepAliveTimeout time.Duration
	ShutdownGrace    time.Duration

	// ForwardAlarmsWithRetry routes ALARM packets through the webhook
	// forwarder's retrying variant instead of the fire-and-forget hot
	// path.
	ForwardAlarmsWithRetry bool
}

// Supervisor binds one listen socket and supervises every connection
// accepted on it.
type Supervisor struct {
	cfg    Config
	store  PresenceStore
	hook   *webhook.Forwarder
	health *health.Check
	log    *logger.Logger

	listener net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}

	connCount int64

	connsMu sync.Mutex
	conns   map[*conn]struct{}
}

// New creates a Supervisor. Call Start to begin accepting.
func New(cfg Config, st PresenceStore, hook *webhook.Forwarder, h *health.Check, log *logger.Logger) *Supervisor {
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	return &Supervisor{
		cfg:    cfg,
		store:  st,
		hook:   hook,
		health: h,
		log:    log.With(string(cfg.Protocol)),
		stopCh: make(chan struct{}),
		conns:  make(map[*conn]struct{}),
	}
}

// Start binds the listen socket and begins accepting connections.
// Returns once the listener is bound; accepting runs in the background.
func (s *Supervisor) Start() error {
	lc := net.ListenConfig{KeepAlive: s.cfg.KeepAliveTimeout}
	ln, err := lc.Listen(context.Background(), "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("supervisor: listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.log.Info("listening", "addr", s.cfg.Addr)

	s.wg.Add(1)
	go s.acceptLoop()

	s.wg.Add(1)
	go s.reapLoop()

	return nil
}

func (s *Supervisor) acceptLoop() {
	defer s.wg.Done()
	for {
		tcpConn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.log.Warn("accept error", "error", err)
				continue
			}
		}

		if atomic.LoadInt64(&s.connCount) >= int64(s.cfg.MaxConnections) {
			tcpConn.Close()
			continue
		}

		if tc, ok := tcpConn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}

		atomic.AddInt64(&s.connCount, 1)
		s.health.IncConnections(1)

		c := &conn{
			netConn: tcpConn,
			sup:     s,
			ra:      reassembler.New(s.cfg.Protocol),
		}
		s.connsMu.Lock()
		s.conns[c] = struct{}{}
		s.connsMu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.run()
		}()
	}
}

// reapLoop periodically closes connections that have gone idle beyond
// socketTimeout without waiting on their next Read to time out.
func (s *Supervisor) reapLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(idleReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.SocketTimeout)
			s.connsMu.Lock()
			for c := range s.conns {
				if c.lastPacketAt().Before(cutoff) {
					c.closeWithReason("TIMEOUT")
				}
			}
			s.connsMu.Unlock()
		}
	}
}

func (s *Supervisor) forgetConn(c *conn) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
	atomic.AddInt64(&s.connCount, -1)
	s.health.IncConnections(-1)
}

// Stop closes the acceptor, then gives in-flight connections
// ShutdownGrace to finish before force-closing.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(s.cfg.ShutdownGrace):
		s.connsMu.Lock()
		for c := range s.conns {
			c.closeWithReason("SHUTDOWN")
		}
		s.connsMu.Unlock()
		<-done
	}
}
