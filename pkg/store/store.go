package store

import (
	"context"
	"fmt"
	"time"

	"github.com/protei/gpsgateway/internal/logger"
)

// syncInterval is the background allow-list/queue/status reconciliation
// period.
const syncInterval = 5 * time.Minute

// Store composes the durable SQL layer and the Redis fast path into the
// single presence & command store the supervisors and admin API use.
type Store struct {
	sql *SQL
	rdb *Cache
	log *logger.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New wires a Store and runs the startup sync once before returning, so
// the acceptors never see a stale allow-list.
func New(sqlStore *SQL, cache *Cache, log *logger.Logger) (*Store, error) {
	s := &Store{
		sql:    sqlStore,
		rdb:    cache,
		log:    log,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if err := s.sync(context.Background()); err != nil {
		return nil, fmt.Errorf("store: startup sync: %w", err)
	}
	return s, nil
}

// Run starts the background 5-minute sync loop. Blocks until Stop is called.
func (s *Store) Run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.sync(ctx); err != nil {
				s.log.Error("background sync failed", err)
			}
			cancel()
		}
	}
}

// Stop signals the background sync loop to exit and waits for it.
func (s *Store) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// sync performs one full reconciliation pass: allow-list rebuild, command
// queue rebuild per IMEI, and flush of hot status entries back to SQL.
func (s *Store) sync(ctx context.Context) error {
	imeis, err := s.sql.AllIMEIs(ctx)
	if err != nil {
		return fmt.Errorf("load imeis: %w", err)
	}
	if err := s.rdb.ReplaceAllowList(ctx, imeis); err != nil {
		return fmt.Errorf("replace allow-list: %w", err)
	}

	pending, err := s.sql.AllPendingCommands(ctx)
	if err != nil {
		return fmt.Errorf("load pending commands: %w", err)
	}
	byIMEI := make(map[string][]QueuedCommand)
	for _, p := range pending {
		byIMEI[p.IMEI] = append(byIMEI[p.IMEI], QueuedCommand{ID: p.ID, Command: p.Command, CreatedAt: p.CreatedAt})
	}
	for _, imei := range imeis {
		if err := s.rdb.ReplaceCommandQueue(ctx, imei, byIMEI[imei]); err != nil {
			return fmt.Errorf("replace command queue for %s: %w", imei, err)
		}
	}

	statuses, err := s.rdb.AllStatuses(ctx)
	if err != nil {
		return fmt.Errorf("load hot statuses: %w", err)
	}
	for _, st := range statuses {
		if err := s.sql.UpsertDeviceStatus(ctx, st); err != nil {
			return fmt.Errorf("flush status for %s: %w", st.IMEI, err)
		}
	}
	return nil
}

// IsAuthorised reports allow-list membership for an IMEI.
func (s *Store) IsAuthorised(ctx context.Context, imei string) (bool, error) {
	return s.rdb.IsAuthorised(ctx, imei)
}

// UpsertStatus merges a status patch into the IMEI's live entry.
func (s *Store) UpsertStatus(ctx context.Context, patch DeviceStatus) error {
	return s.rdb.UpsertStatus(ctx, patch)
}

// EnqueueCommand inserts the SQL row to obtain an id, then mirrors the
// entry to Redis; the SQL row is rolled back if the RPUSH fails.
func (s *Store) EnqueueCommand(ctx context.Context, imei, command string) (int64, error) {
	tx, id, createdAt, err := s.sql.EnqueueCommand(ctx, imei, command)
	if err != nil {
		return 0, fmt.Errorf("enqueue sql insert: %w", err)
	}

	if err := s.rdb.PushCommand(ctx, imei, QueuedCommand{ID: id, Command: command, CreatedAt: createdAt}); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("enqueue redis push: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("enqueue commit: %w", err)
	}
	return id, nil
}

// PopCommand takes the oldest pending command for an IMEI, if any.
func (s *Store) PopCommand(ctx context.Context, imei string) (QueuedCommand, bool, error) {
	return s.rdb.PopCommand(ctx, imei)
}

// RequeueCommand re-pushes a command to the head of its list after a
// failed delivery attempt.
func (s *Store) RequeueCommand(ctx context.Context, imei string, cmd QueuedCommand) error {
	return s.rdb.RequeueCommand(ctx, imei, cmd)
}

// AckCommand finalises a delivery: only once both the socket write
// succeeded and this SQL delete lands is the command considered sent.
func (s *Store) AckCommand(ctx context.Context, id int64) error {
	return s.sql.AckCommand(ctx, id)
}

// Close closes both backing connections.
func (s *Store) Close() error {
	sqlErr := s.sql.Close()
	rdbErr := s.rdb.Close()
	if sqlErr != nil {
		return sqlErr
	}
	return rdbErr
}
