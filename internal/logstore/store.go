// Package logstore implements the durable mutation log: an append-oriented
// SQLite record of pending, failed, and synced operations. Producers append
// concurrently; the single active sync cycle is the only writer that
// mutates existing entries.
package logstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/marcus/syncd/internal/models"
)

const (
	storeDir = ".syncd"
	dbFile   = ".syncd/log.db"

	// timeLayout is fixed-width UTC so stored timestamps compare
	// lexicographically in SQL.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// PersistenceError wraps a backing-store failure. The operation that hit it
// was rejected whole; the log is never left partially written.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("sync log %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistence reports whether err is (or wraps) a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// ErrNotFound is returned when an operation references an unknown entry ID.
var ErrNotFound = errors.New("log entry not found")

// Store wraps the mutation log database connection
type Store struct {
	conn    *sql.DB
	baseDir string
}

// New wraps an existing connection. Callers own migrations; Open and
// Initialize are the normal entry points.
func New(conn *sql.DB, baseDir string) *Store {
	return &Store{conn: conn, baseDir: baseDir}
}

// Open opens the mutation log and runs any pending migrations.
func Open(baseDir string) (*Store, error) {
	dbPath := filepath.Join(baseDir, dbFile)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("mutation log not found: run 'syncd init' first")
	}

	conn, err := openConn(dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{conn: conn, baseDir: baseDir}

	if _, err := s.RunMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return s, nil
}

// Initialize creates the mutation log database and runs migrations.
func Initialize(baseDir string) (*Store, error) {
	dbPath := filepath.Join(baseDir, dbFile)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	conn, err := openConn(dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{conn: conn, baseDir: baseDir}

	if _, err := s.RunMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return s, nil
}

// openConn opens the SQLite database with the standard pragmas.
func openConn(dbPath string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for concurrent reads while writes are serialized
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout as fallback protection (500ms, matches lock timeout)
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Slightly faster writes, still safe with WAL
	conn.Exec("PRAGMA synchronous=NORMAL")

	return conn, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.conn.Close()
}

// BaseDir returns the base directory for the store
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Conn returns the underlying *sql.DB connection (for diagnostics and tests).
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// withWriteLock executes fn while holding an exclusive write lock.
// This prevents concurrent writes from multiple processes.
func (s *Store) withWriteLock(fn func() error) error {
	locker := newWriteLocker(s.baseDir)
	if err := locker.acquire(defaultTimeout); err != nil {
		return err
	}
	defer locker.release()
	return fn()
}

// GetSchemaVersion returns the current schema version from the database
func (s *Store) GetSchemaVersion() (int, error) {
	var version string
	err := s.conn.QueryRow("SELECT value FROM schema_info WHERE key = 'version'").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		// Table might not exist yet
		return 0, nil
	}
	var v int
	fmt.Sscanf(version, "%d", &v)
	return v, nil
}

func (s *Store) setSchemaVersionInternal(version int) error {
	_, err := s.conn.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`,
		fmt.Sprintf("%d", version))
	return err
}

// columnExists checks whether a column exists on a table
func (s *Store) columnExists(table, column string) (bool, error) {
	rows, err := s.conn.Query(fmt.Sprintf("PRAGMA table_info(%s);", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}

	return false, rows.Err()
}

// RunMigrations runs any pending database migrations
func (s *Store) RunMigrations() (int, error) {
	// Quick check without lock - if already at current version, skip
	currentVersion, _ := s.GetSchemaVersion()
	if currentVersion >= SchemaVersion {
		return 0, nil
	}

	var migrationsRun int
	err := s.withWriteLock(func() error {
		var err error
		migrationsRun, err = s.runMigrationsInternal()
		return err
	})
	return migrationsRun, err
}

func (s *Store) runMigrationsInternal() (int, error) {
	_, err := s.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_info (key TEXT PRIMARY KEY, value TEXT NOT NULL)`)
	if err != nil {
		return 0, fmt.Errorf("create schema_info: %w", err)
	}

	currentVersion, err := s.GetSchemaVersion()
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}

	migrationsRun := 0
	for _, migration := range Migrations {
		if migration.Version > currentVersion {
			if migration.Version == 2 {
				// Fresh databases already carry the column
				exists, err := s.columnExists("sync_log", "rejected")
				if err != nil {
					return migrationsRun, fmt.Errorf("check column rejected: %w", err)
				}
				if exists {
					if err := s.setSchemaVersionInternal(migration.Version); err != nil {
						return migrationsRun, fmt.Errorf("set version %d: %w", migration.Version, err)
					}
					migrationsRun++
					continue
				}
			}
			if _, err := s.conn.Exec(migration.SQL); err != nil {
				return migrationsRun, fmt.Errorf("migration %d (%s): %w", migration.Version, migration.Description, err)
			}
			if err := s.setSchemaVersionInternal(migration.Version); err != nil {
				return migrationsRun, fmt.Errorf("set version %d: %w", migration.Version, err)
			}
			migrationsRun++
		}
	}

	if currentVersion == 0 {
		if err := s.setSchemaVersionInternal(SchemaVersion); err != nil {
			return migrationsRun, err
		}
	}

	return migrationsRun, nil
}

// fmtTime formats a timestamp for storage.
func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTimestamp tries common SQLite timestamp formats.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		timeLayout,
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// Append persists a new pending entry. The entry ID is generated when empty;
// CreatedAt defaults to now. Storage failures surface as PersistenceError -
// a mutation is never silently dropped.
func (s *Store) Append(entry *models.LogEntry) error {
	if entry.EntityType == "" {
		return fmt.Errorf("append: empty entity type")
	}
	if entry.EntityID == "" {
		return fmt.Errorf("append: empty entity id")
	}
	if !entry.Operation.Valid() {
		return fmt.Errorf("append: invalid operation %q", entry.Operation)
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	payload := "{}"
	if len(entry.Payload) > 0 {
		payload = string(entry.Payload)
	}

	return s.withWriteLock(func() error {
		_, err := s.conn.Exec(`
			INSERT INTO sync_log (id, entity_type, entity_id, operation, payload, is_file, synced, rejected, retry_count, last_error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, '', ?)
		`, entry.ID, entry.EntityType, entry.EntityID, string(entry.Operation), payload, boolToInt(entry.IsFile), fmtTime(entry.CreatedAt))
		if err != nil {
			return &PersistenceError{Op: "append", Err: err}
		}
		return nil
	})
}

const entryColumns = `id, entity_type, entity_id, operation, payload, is_file, synced, rejected, retry_count, last_error, created_at, last_attempt_at, synced_at`

// scanEntry scans one sync_log row.
func scanEntry(scan func(dest ...any) error) (models.LogEntry, error) {
	var (
		e                   models.LogEntry
		op, payload         string
		isFile, syncedInt   int
		rejectedInt         int
		createdAt           string
		lastAttempt, synced sql.NullString
	)
	err := scan(&e.ID, &e.EntityType, &e.EntityID, &op, &payload, &isFile, &syncedInt, &rejectedInt,
		&e.RetryCount, &e.LastError, &createdAt, &lastAttempt, &synced)
	if err != nil {
		return e, err
	}

	e.Operation = models.Operation(op)
	e.Payload = []byte(payload)
	e.IsFile = isFile != 0
	e.Synced = syncedInt != 0
	e.Rejected = rejectedInt != 0

	e.CreatedAt, err = parseTimestamp(createdAt)
	if err != nil {
		return e, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	if lastAttempt.Valid && lastAttempt.String != "" {
		t, err := parseTimestamp(lastAttempt.String)
		if err != nil {
			return e, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		e.LastAttemptAt = &t
	}
	if synced.Valid && synced.String != "" {
		t, err := parseTimestamp(synced.String)
		if err != nil {
			return e, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		e.SyncedAt = &t
	}
	return e, nil
}

// ListPending returns all unsynced, unrejected entries in FIFO order
// (created_at ascending, insertion order as tiebreak). Entries are never
// reordered by entity type.
func (s *Store) ListPending() ([]models.LogEntry, error) {
	rows, err := s.conn.Query(`
		SELECT ` + entryColumns + `
		FROM sync_log
		WHERE synced = 0 AND rejected = 0
		ORDER BY created_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, &PersistenceError{Op: "list pending", Err: err}
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan pending entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns a single entry by ID.
func (s *Store) Get(id string) (*models.LogEntry, error) {
	row := s.conn.QueryRow(`SELECT `+entryColumns+` FROM sync_log WHERE id = ?`, id)
	e, err := scanEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// MarkSynced marks an entry synced and stamps synced_at. Idempotent:
// marking an already-synced or unknown entry is a no-op.
func (s *Store) MarkSynced(id string) error {
	return s.withWriteLock(func() error {
		tx, err := s.conn.Begin()
		if err != nil {
			return &PersistenceError{Op: "mark synced", Err: err}
		}
		defer tx.Rollback()

		now := fmtTime(time.Now())
		res, err := tx.Exec(`
			UPDATE sync_log SET synced = 1, synced_at = ?, last_error = ''
			WHERE id = ? AND synced = 0
		`, now, id)
		if err != nil {
			return &PersistenceError{Op: "mark synced", Err: err}
		}

		if n, _ := res.RowsAffected(); n > 0 {
			if err := recordAttemptTx(tx, id, "synced", ""); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// IncrementRetry increments the retry counter and records the failure,
// atomically with respect to concurrent readers. Returns ErrNotFound for
// unknown IDs; already-synced entries are left untouched.
func (s *Store) IncrementRetry(id, errMsg string) error {
	return s.withWriteLock(func() error {
		tx, err := s.conn.Begin()
		if err != nil {
			return &PersistenceError{Op: "increment retry", Err: err}
		}
		defer tx.Rollback()

		now := fmtTime(time.Now())
		res, err := tx.Exec(`
			UPDATE sync_log SET retry_count = retry_count + 1, last_attempt_at = ?, last_error = ?
			WHERE id = ? AND synced = 0
		`, now, errMsg, id)
		if err != nil {
			return &PersistenceError{Op: "increment retry", Err: err}
		}

		n, _ := res.RowsAffected()
		if n == 0 {
			var exists int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM sync_log WHERE id = ?`, id).Scan(&exists); err != nil {
				return &PersistenceError{Op: "increment retry", Err: err}
			}
			if exists == 0 {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			// Already synced: nothing to record
			return tx.Commit()
		}

		if err := recordAttemptTx(tx, id, "retry", errMsg); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// MarkRejected flags an entry as terminally rejected by the server (4xx).
// The entry stays in the log with its error recorded, excluded from future
// batches, and visible in statistics.
func (s *Store) MarkRejected(id, errMsg string) error {
	return s.withWriteLock(func() error {
		tx, err := s.conn.Begin()
		if err != nil {
			return &PersistenceError{Op: "mark rejected", Err: err}
		}
		defer tx.Rollback()

		now := fmtTime(time.Now())
		res, err := tx.Exec(`
			UPDATE sync_log SET rejected = 1, last_attempt_at = ?, last_error = ?
			WHERE id = ? AND synced = 0
		`, now, errMsg, id)
		if err != nil {
			return &PersistenceError{Op: "mark rejected", Err: err}
		}

		if n, _ := res.RowsAffected(); n > 0 {
			if err := recordAttemptTx(tx, id, "rejected", errMsg); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// PurgeSyncedOlderThan removes synced entries whose synced_at is before the
// cutoff. Pending entries are never touched regardless of age. Returns the
// number of entries removed.
func (s *Store) PurgeSyncedOlderThan(cutoff time.Time) (int, error) {
	var purged int
	err := s.withWriteLock(func() error {
		res, err := s.conn.Exec(`
			DELETE FROM sync_log
			WHERE synced = 1 AND synced_at IS NOT NULL AND synced_at < ?
		`, fmtTime(cutoff))
		if err != nil {
			return &PersistenceError{Op: "purge", Err: err}
		}
		n, _ := res.RowsAffected()
		purged = int(n)
		return nil
	})
	return purged, err
}

// GetStatistics returns log counts by state. maxAttempts is the per-entry
// attempt limit used to classify exhausted entries.
func (s *Store) GetStatistics(maxAttempts int) (models.Statistics, error) {
	var (
		stats  models.Statistics
		oldest sql.NullString
	)

	err := s.conn.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN synced = 0 AND rejected = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 0 AND rejected = 0 AND retry_count > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 0 AND rejected = 0 AND retry_count >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 0 AND rejected = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 0 AND rejected = 0 AND is_file = 1 THEN 1 ELSE 0 END), 0),
			MIN(CASE WHEN synced = 0 AND rejected = 0 THEN created_at END)
		FROM sync_log
	`, maxAttempts).Scan(
		&stats.Total, &stats.Pending, &stats.Synced, &stats.Failed,
		&stats.Exhausted, &stats.Rejected, &stats.PendingFiles, &oldest,
	)
	if err != nil {
		return stats, &PersistenceError{Op: "statistics", Err: err}
	}

	if oldest.Valid && oldest.String != "" {
		t, err := parseTimestamp(oldest.String)
		if err != nil {
			return stats, err
		}
		stats.OldestPendingAt = &t
	}
	return stats, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
