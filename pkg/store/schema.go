package store

// Migration is one changelog-gated schema change: applied at most once,
// recorded by ID in schema_changelog.
type Migration struct {
	ID  string
	SQL string
}

var migrations = []Migration{
	{
		ID: "001-create-devices-table",
		SQL: `
		CREATE TABLE IF NOT EXISTS devices (
			imei TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ DEFAULT now()
		);`,
	},
	{
		ID: "002-create-device-status-table",
		SQL: `
		CREATE TABLE IF NOT EXISTS device_status (
			imei TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			lat DOUBLE PRECISION,
			lon DOUBLE PRECISION,
			speed_kmh DOUBLE PRECISION,
			course_deg DOUBLE PRECISION,
			acc BOOLEAN,
			satellites INTEGER,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
	},
	{
		ID: "003-create-command-queue-table",
		SQL: `
		CREATE TABLE IF NOT EXISTS command_queue (
			id BIGSERIAL PRIMARY KEY,
			imei TEXT NOT NULL,
			command TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			sent BOOLEAN NOT NULL DEFAULT false
		);
		CREATE INDEX IF NOT EXISTS idx_command_queue_imei ON command_queue(imei, created_at);`,
	},
}

const changelogTableSQL = `
CREATE TABLE IF NOT EXISTS schema_changelog (
	id TEXT PRIMARY KEY,
	executed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`
