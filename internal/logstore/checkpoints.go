package logstore

import (
	"database/sql"
	"fmt"
	"time"
)

// GetCheckpoint returns the last successful download time for a strategy,
// or nil if the strategy has never completed a download.
func (s *Store) GetCheckpoint(strategy string) (*time.Time, error) {
	var lastSync string
	err := s.conn.QueryRow(`
		SELECT last_sync_at FROM sync_checkpoints WHERE strategy = ?
	`, strategy).Scan(&lastSync)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get checkpoint", Err: err}
	}

	t, err := parseTimestamp(lastSync)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", strategy, err)
	}
	return &t, nil
}

// SetCheckpoint records a successful download for a strategy. Called only
// after the downloaded data has been applied locally, so a crash between
// download and apply replays the window instead of losing it.
func (s *Store) SetCheckpoint(strategy string, at time.Time) error {
	return s.withWriteLock(func() error {
		_, err := s.conn.Exec(`
			INSERT OR REPLACE INTO sync_checkpoints (strategy, last_sync_at, updated_at)
			VALUES (?, ?, ?)
		`, strategy, fmtTime(at), fmtTime(time.Now()))
		if err != nil {
			return &PersistenceError{Op: "set checkpoint", Err: err}
		}
		return nil
	})
}

// ClearCheckpoint removes a strategy's checkpoint, forcing its next
// download to run as a full refresh.
func (s *Store) ClearCheckpoint(strategy string) error {
	return s.withWriteLock(func() error {
		_, err := s.conn.Exec(`DELETE FROM sync_checkpoints WHERE strategy = ?`, strategy)
		if err != nil {
			return &PersistenceError{Op: "clear checkpoint", Err: err}
		}
		return nil
	})
}
