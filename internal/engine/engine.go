// Package engine wires the sync components together and owns their
// lifecycle: explicit Initialize and Shutdown with defined ordering, no
// lazily constructed global state.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/syncd/internal/dispatch"
	"github.com/marcus/syncd/internal/download"
	"github.com/marcus/syncd/internal/logstore"
	"github.com/marcus/syncd/internal/models"
	"github.com/marcus/syncd/internal/retry"
	"github.com/marcus/syncd/internal/scheduler"
	"github.com/marcus/syncd/internal/status"
)

// ConnectivityProvider reports network state and its changes.
type ConnectivityProvider interface {
	Current() models.ConnectivityStatus
	Subscribe(fn func(models.ConnectivityStatus)) (unsubscribe func())
}

// Config carries the engine's collaborators and tunables. Store and
// Transport are required; everything else has a working default.
type Config struct {
	Store        *logstore.Store
	Transport    dispatch.Transport
	Connectivity ConnectivityProvider // nil = assume always connected
	Strategies   []download.Strategy
	EntityStore  download.EntityStore

	Retry     retry.Config
	Dispatch  dispatch.Config
	Scheduler scheduler.Config
	Status    status.Config

	BackgroundSync bool          // schedule the background timer
	Retention      time.Duration // synced-entry retention before purge

	Logger *slog.Logger
}

// Engine is the assembled sync engine.
type Engine struct {
	store       *logstore.Store
	policy      retry.Policy
	machine     *status.Machine
	dispatcher  *dispatch.Dispatcher
	coordinator *download.Coordinator
	scheduler   *scheduler.Scheduler
	retention   time.Duration
	logger      *slog.Logger

	unsubConnectivity func()
}

// Initialize builds and starts the engine: store feeds the dispatcher,
// cycle outcomes feed the status machine, the machine's recovery timer
// triggers a forced cycle, and connectivity changes fan out to both the
// machine and the scheduler.
func Initialize(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("engine: transport is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}

	policy := retry.NewPolicy(cfg.Retry)

	statusCfg := cfg.Status
	if statusCfg.Logger == nil {
		statusCfg.Logger = logger
	}
	if statusCfg.PendingFn == nil {
		store := cfg.Store
		maxAttempts := policy.Config().MaxAttempts
		statusCfg.PendingFn = func() int {
			stats, err := store.GetStatistics(maxAttempts)
			if err != nil {
				return 0
			}
			return stats.Pending
		}
	}
	machine := status.New(policy, statusCfg)

	dispatchCfg := cfg.Dispatch
	if dispatchCfg.IncludeExhausted == nil {
		dispatchCfg.IncludeExhausted = func() bool {
			return machine.Snapshot().Status == models.StatusRecovery
		}
	}
	dispatcher := dispatch.New(cfg.Store, cfg.Transport, policy, machine, dispatchCfg, logger)

	sched := scheduler.New(dispatcher, cfg.Scheduler, logger)
	machine.SetRecoveryTrigger(func() {
		if _, err := sched.ForceSync(); err != nil {
			logger.Warn("recovery sync attempt failed", "error", err)
		}
	})

	coordinator := download.New(cfg.Store, cfg.EntityStore, download.Config{Reporter: machine, Logger: logger})
	for _, s := range cfg.Strategies {
		coordinator.Register(s)
	}

	e := &Engine{
		store:       cfg.Store,
		policy:      policy,
		machine:     machine,
		dispatcher:  dispatcher,
		coordinator: coordinator,
		scheduler:   sched,
		retention:   cfg.Retention,
		logger:      logger,
	}

	if cfg.Connectivity != nil {
		current := cfg.Connectivity.Current()
		machine.ConnectivityChanged(current)
		sched.OnConnectivity(current)
		e.unsubConnectivity = cfg.Connectivity.Subscribe(func(cs models.ConnectivityStatus) {
			machine.ConnectivityChanged(cs)
			sched.OnConnectivity(cs)
		})
	}

	sched.StartSync()
	if cfg.BackgroundSync {
		sched.StartBackgroundSync()
	}

	logger.Info("sync engine initialized",
		"background", cfg.BackgroundSync, "retention", cfg.Retention)
	return e, nil
}

// LogMutation appends a mutation to the durable log. It never fails for
// sync-engine reasons; only invalid input or local storage trouble
// surfaces, and a stored entry is guaranteed to be retried until synced,
// rejected, or purged.
func (e *Engine) LogMutation(entityType, entityID string, op models.Operation, payload json.RawMessage, isFile bool) (*models.LogEntry, error) {
	entry := &models.LogEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		Payload:    payload,
		IsFile:     isFile,
	}
	if err := e.store.Append(entry); err != nil {
		return nil, fmt.Errorf("log mutation: %w", err)
	}
	e.logger.Debug("mutation logged",
		"entry", entry.ID, "entity_type", entityType, "entity_id", entityID, "operation", op)
	return entry, nil
}

// ForceSync runs a cycle immediately, bypassing the schedule.
func (e *Engine) ForceSync() (dispatch.CycleReport, error) {
	return e.scheduler.ForceSync()
}

// Refresh runs every registered download strategy once.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.coordinator.Refresh(ctx)
}

// Status returns the current status snapshot.
func (e *Engine) Status() models.StatusSnapshot {
	return e.machine.Snapshot()
}

// Subscribe registers a status observer; the returned function removes it.
func (e *Engine) Subscribe(fn func(models.StatusSnapshot)) func() {
	return e.machine.Subscribe(fn)
}

// Statistics returns log counts by state.
func (e *Engine) Statistics() (models.Statistics, error) {
	return e.store.GetStatistics(e.policy.Config().MaxAttempts)
}

// Purge removes synced entries older than the retention window. Pending
// entries are never purged.
func (e *Engine) Purge() (int, error) {
	return e.store.PurgeSyncedOlderThan(time.Now().Add(-e.retention))
}

// Scheduler exposes the schedule controls (start/stop foreground and
// background independently).
func (e *Engine) Scheduler() *scheduler.Scheduler {
	return e.scheduler
}

// Shutdown stops the engine: no new cycles start, the in-flight batch (if
// any) finishes, then the schedules drain and observers detach. The store
// stays open; its owner closes it.
func (e *Engine) Shutdown() {
	e.dispatcher.Stop()
	e.scheduler.Close()
	if e.unsubConnectivity != nil {
		e.unsubConnectivity()
	}
	e.machine.Close()
	e.logger.Info("sync engine stopped")
}
