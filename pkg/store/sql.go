// Package store implements the presence & command store: a PostgreSQL
// durable layer plus a Redis fast-path cache for the IMEI allow-list,
// live device status and per-IMEI downlink command queues.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// SQL wraps the durable PostgreSQL connection pool.
type SQL struct {
	db *sql.DB
}

// OpenSQL opens a PostgreSQL connection pool and runs pending migrations.
func OpenSQL(dsn string, poolSize int) (*SQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	s := &SQL{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *SQL) migrate() error {
	if _, err := s.db.Exec(changelogTableSQL); err != nil {
		return err
	}
	for _, m := range migrations {
		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_changelog WHERE id = $1", m.ID).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.SQL); err != nil {
			return fmt.Errorf("migration %s: %w", m.ID, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_changelog (id) VALUES ($1)", m.ID); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *SQL) Close() error {
	return s.db.Close()
}

// AllIMEIs returns every IMEI registered in the devices table, for allow-list refresh.
func (s *SQL) AllIMEIs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT imei FROM devices")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var imeis []string
	for rows.Next() {
		var imei string
		if err := rows.Scan(&imei); err != nil {
			return nil, err
		}
		imeis = append(imeis, imei)
	}
	return imeis, rows.Err()
}

// PendingCommand is one row of the durable command_queue table.
type PendingCommand struct {
	ID        int64
	IMEI      string
	Command   string
	CreatedAt time.Time
}

// AllPendingCommands returns every undelivered command ordered by IMEI then age.
func (s *SQL) AllPendingCommands(ctx context.Context) ([]PendingCommand, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, imei, command, created_at FROM command_queue ORDER BY imei, created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingCommand
	for rows.Next() {
		var c PendingCommand
		if err := rows.Scan(&c.ID, &c.IMEI, &c.Command, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// EnqueueCommand inserts a new command row, returning its id. Caller is
// responsible for rolling back the SQL insert (via the returned
// transaction) if the mirrored Redis RPUSH subsequently fails.
func (s *SQL) EnqueueCommand(ctx context.Context, imei, command string) (*sql.Tx, int64, time.Time, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, time.Time{}, err
	}

	var id int64
	var createdAt time.Time
	row := tx.QueryRowContext(ctx,
		"INSERT INTO command_queue (imei, command) VALUES ($1, $2) RETURNING id, created_at",
		imei, command)
	if err := row.Scan(&id, &createdAt); err != nil {
		tx.Rollback()
		return nil, 0, time.Time{}, err
	}
	return tx, id, createdAt, nil
}

// AckCommand deletes the durable row for a delivered command.
func (s *SQL) AckCommand(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM command_queue WHERE id = $1", id)
	return err
}

// UpsertDeviceStatus flushes a hot Redis status entry back to SQL (background sync).
func (s *SQL) UpsertDeviceStatus(ctx context.Context, st DeviceStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_status (imei, status, lat, lon, speed_kmh, course_deg, acc, satellites, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (imei) DO UPDATE SET
			status = EXCLUDED.status,
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			speed_kmh = EXCLUDED.speed_kmh,
			course_deg = EXCLUDED.course_deg,
			acc = EXCLUDED.acc,
			satellites = EXCLUDED.satellites,
			updated_at = EXCLUDED.updated_at
	`, st.IMEI, st.Status, st.Lat, st.Lon, st.SpeedKmh, st.CourseDeg, st.ACC, st.Satellites, st.UpdatedAt)
	return err
}
