package models

import (
	"encoding/json"
	"time"
)

// Operation represents the kind of mutation captured in a log entry
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether the operation is one of the known kinds.
func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Status represents the engine's observable sync state
type Status string

const (
	StatusIdle     Status = "idle"
	StatusSyncing  Status = "syncing"
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusOffline  Status = "offline"
	StatusDegraded Status = "degraded"
	StatusRecovery Status = "recovery"
)

// Valid reports whether the status is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusSyncing, StatusSuccess, StatusError,
		StatusOffline, StatusDegraded, StatusRecovery:
		return true
	}
	return false
}

// Transport represents the network transport reported by the connectivity provider
type Transport string

const (
	TransportWifi     Transport = "wifi"
	TransportMobile   Transport = "mobile"
	TransportEthernet Transport = "ethernet"
	TransportNone     Transport = "none"
)

// LogEntry is a single pending or completed mutation in the durable log.
// ID is immutable and globally unique; Synced implies SyncedAt is set.
type LogEntry struct {
	ID            string          `json:"id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Operation     Operation       `json:"operation"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	IsFile        bool            `json:"is_file,omitempty"`
	Synced        bool            `json:"synced"`
	Rejected      bool            `json:"rejected,omitempty"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	SyncedAt      *time.Time      `json:"synced_at,omitempty"`
}

// StatusSnapshot is the immutable value published to observers on every
// status transition. Replaced wholesale; never partially mutated.
type StatusSnapshot struct {
	Status       Status     `json:"status"`
	Message      string     `json:"message,omitempty"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	PendingCount int        `json:"pending_count"`
}

// ConnectivityStatus is the read-only view produced by the connectivity provider
type ConnectivityStatus struct {
	Connected      bool      `json:"connected"`
	Transport      Transport `json:"transport"`
	SignalStrength float64   `json:"signal_strength,omitempty"` // 0.0-1.0, 0 when unknown
}

// DownloadResult is the outcome of one download-strategy invocation.
// DeletedEntities maps entity type to remote IDs the server reports purged.
type DownloadResult struct {
	Success         bool                `json:"success"`
	Message         string              `json:"message,omitempty"`
	ItemsDownloaded int                 `json:"items_downloaded"`
	IsIncremental   bool                `json:"is_incremental"`
	DeletedEntities map[string][]string `json:"deleted_entities,omitempty"`
	Metadata        map[string]string   `json:"metadata,omitempty"`
}

// Statistics holds log counts by state for observability. Exhausted counts
// pending entries whose retry count has reached the per-entry attempt limit;
// they are never silently dropped.
type Statistics struct {
	Total           int        `json:"total"`
	Pending         int        `json:"pending"`
	Synced          int        `json:"synced"`
	Failed          int        `json:"failed"`
	Exhausted       int        `json:"exhausted"`
	Rejected        int        `json:"rejected"`
	PendingFiles    int        `json:"pending_files"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
}
