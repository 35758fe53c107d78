// Package download implements the download coordinator: it runs each
// registered download strategy against its per-strategy checkpoint and
// applies server-reported deletions before advancing the checkpoint.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/syncd/internal/models"
)

// defaultTimeout bounds a single strategy's download call.
const defaultTimeout = 30 * time.Second

// Strategy fetches one feature's data from the server. lastSync is the
// checkpoint from the previous successful run; nil forces a full fetch.
// The strategy decides full vs incremental on its own.
type Strategy interface {
	Name() string
	DownloadData(ctx context.Context, lastSync *time.Time) (models.DownloadResult, error)
}

// Checkpoints persists per-strategy download progress.
// Satisfied by logstore.Store.
type Checkpoints interface {
	GetCheckpoint(strategy string) (*time.Time, error)
	SetCheckpoint(strategy string, at time.Time) error
}

// EntityStore removes locally stored entities the server reports purged.
type EntityStore interface {
	RemoveEntities(entityType string, ids []string) error
}

// Reporter receives download refresh failures. Satisfied by status.Machine.
type Reporter interface {
	DownloadFailed(err error)
}

// Config holds the coordinator's tunables.
type Config struct {
	Timeout  time.Duration // per-strategy download timeout
	Reporter Reporter      // nil = failures only logged and returned
	Logger   *slog.Logger
}

// Coordinator runs download strategies. Strategies are independent: one
// failing never blocks the others, and only successful strategies advance
// their checkpoints.
type Coordinator struct {
	checkpoints Checkpoints
	entities    EntityStore
	timeout     time.Duration
	reporter    Reporter
	logger      *slog.Logger

	mu         sync.Mutex
	strategies []Strategy
}

// New creates a coordinator. entities may be nil when no strategy reports
// deletions.
func New(checkpoints Checkpoints, entities EntityStore, cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		checkpoints: checkpoints,
		entities:    entities,
		timeout:     cfg.Timeout,
		reporter:    cfg.Reporter,
		logger:      logger,
	}
}

// Register adds a strategy. Strategies run in registration order.
func (c *Coordinator) Register(s Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies = append(c.strategies, s)
}

// Refresh runs every registered strategy once. Failures are reported to
// the Reporter, collected, and returned joined; the failed strategies'
// checkpoints stay put so their next run replays the missed window.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.Lock()
	strategies := make([]Strategy, len(c.strategies))
	copy(strategies, c.strategies)
	c.mu.Unlock()

	var errs []error
	for _, s := range strategies {
		if err := c.runStrategy(ctx, s); err != nil {
			c.logger.Warn("download strategy failed", "strategy", s.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	joined := errors.Join(errs...)
	if joined != nil && c.reporter != nil {
		c.reporter.DownloadFailed(joined)
	}
	return joined
}

func (c *Coordinator) runStrategy(ctx context.Context, s Strategy) error {
	checkpoint, err := c.checkpoints.GetCheckpoint(s.Name())
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	// The new checkpoint is the moment the download began, so mutations
	// landing server-side during the fetch fall into the next window.
	started := time.Now()

	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	result, err := s.DownloadData(sctx, checkpoint)
	cancel()
	if err != nil {
		return err
	}
	if !result.Success {
		if result.Message != "" {
			return errors.New(result.Message)
		}
		return errors.New("download reported failure")
	}

	c.logger.Debug("download strategy completed",
		"strategy", s.Name(), "items", result.ItemsDownloaded,
		"incremental", result.IsIncremental, "deleted_types", len(result.DeletedEntities))

	// Deletions apply before the checkpoint advances: a crash in between
	// replays this window rather than silently skipping the purge.
	if len(result.DeletedEntities) > 0 {
		if c.entities == nil {
			return fmt.Errorf("server reported deletions but no entity store is wired")
		}
		for entityType, ids := range result.DeletedEntities {
			if err := c.entities.RemoveEntities(entityType, ids); err != nil {
				return fmt.Errorf("apply deletions for %s: %w", entityType, err)
			}
		}
	}

	if err := c.checkpoints.SetCheckpoint(s.Name(), started); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return nil
}
