package logstore

import (
	"database/sql"
	"fmt"
	"time"
)

// AttemptRecord is one row of the sync attempt audit trail.
type AttemptRecord struct {
	ID          int64
	EntryID     string
	Outcome     string // "synced", "retry", "rejected"
	Detail      string
	AttemptedAt time.Time
}

// recordAttemptTx appends an audit row inside the caller's transaction so the
// entry mutation and its history line commit or roll back together.
func recordAttemptTx(tx *sql.Tx, entryID, outcome, detail string) error {
	_, err := tx.Exec(`
		INSERT INTO sync_attempts (entry_id, outcome, detail, attempted_at)
		VALUES (?, ?, ?, ?)
	`, entryID, outcome, detail, fmtTime(time.Now()))
	if err != nil {
		return &PersistenceError{Op: "record attempt", Err: err}
	}
	return nil
}

// History returns the most recent sync attempts, newest first.
// limit <= 0 returns all records.
func (s *Store) History(limit int) ([]AttemptRecord, error) {
	query := `
		SELECT id, entry_id, outcome, detail, attempted_at
		FROM sync_attempts
		ORDER BY id DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, &PersistenceError{Op: "history", Err: err}
	}
	defer rows.Close()

	var records []AttemptRecord
	for rows.Next() {
		var (
			r  AttemptRecord
			at string
		)
		if err := rows.Scan(&r.ID, &r.EntryID, &r.Outcome, &r.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan attempt record: %w", err)
		}
		r.AttemptedAt, err = parseTimestamp(at)
		if err != nil {
			return nil, fmt.Errorf("attempt %d: %w", r.ID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// EntryHistory returns the attempt trail for a single entry, oldest first.
func (s *Store) EntryHistory(entryID string) ([]AttemptRecord, error) {
	rows, err := s.conn.Query(`
		SELECT id, entry_id, outcome, detail, attempted_at
		FROM sync_attempts
		WHERE entry_id = ?
		ORDER BY id ASC
	`, entryID)
	if err != nil {
		return nil, &PersistenceError{Op: "entry history", Err: err}
	}
	defer rows.Close()

	var records []AttemptRecord
	for rows.Next() {
		var (
			r  AttemptRecord
			at string
		)
		if err := rows.Scan(&r.ID, &r.EntryID, &r.Outcome, &r.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan attempt record: %w", err)
		}
		r.AttemptedAt, err = parseTimestamp(at)
		if err != nil {
			return nil, fmt.Errorf("attempt %d: %w", r.ID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
