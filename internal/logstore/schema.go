package logstore

// SchemaVersion is the current schema version. Bump when adding migrations.
const SchemaVersion = 2

// schema creates all tables for a fresh database (already at SchemaVersion).
const schema = `
CREATE TABLE IF NOT EXISTS sync_log (
	id              TEXT PRIMARY KEY,
	entity_type     TEXT NOT NULL,
	entity_id       TEXT NOT NULL,
	operation       TEXT NOT NULL,
	payload         TEXT NOT NULL DEFAULT '{}',
	is_file         INTEGER NOT NULL DEFAULT 0,
	synced          INTEGER NOT NULL DEFAULT 0,
	rejected        INTEGER NOT NULL DEFAULT 0,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	last_attempt_at TEXT,
	synced_at       TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_log_pending ON sync_log(synced, created_at);
CREATE INDEX IF NOT EXISTS idx_sync_log_entity ON sync_log(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS sync_checkpoints (
	strategy     TEXT PRIMARY KEY,
	last_sync_at TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_attempts (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_id     TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	detail       TEXT NOT NULL DEFAULT '',
	attempted_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_attempts_entry ON sync_attempts(entry_id);

CREATE TABLE IF NOT EXISTS schema_info (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Migration represents a single schema migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations lists schema changes for databases created before SchemaVersion.
var Migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		SQL:         schema,
	},
	{
		Version:     2,
		Description: "add rejected flag for terminal server rejections",
		SQL:         `ALTER TABLE sync_log ADD COLUMN rejected INTEGER NOT NULL DEFAULT 0;`,
	},
}
