// Package dispatch implements the batch dispatcher: it drains the pending
// mutation log in FIFO order, in bounded batches, through the transport
// collaborator. At most one cycle runs at a time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcus/syncd/internal/models"
	"github.com/marcus/syncd/internal/retry"
	"github.com/marcus/syncd/internal/transport"
)

// ErrCycleRunning is returned when RunCycle is called while a cycle is
// already active. Callers treat it as a no-op, not a failure.
var ErrCycleRunning = errors.New("sync cycle already running")

// Store is the slice of the mutation log the dispatcher needs.
type Store interface {
	ListPending() ([]models.LogEntry, error)
	MarkSynced(id string) error
	IncrementRetry(id, errMsg string) error
	MarkRejected(id, errMsg string) error
}

// Transport sends batches to the server.
type Transport interface {
	SendData(ctx context.Context, entries []models.LogEntry) (*transport.BatchResponse, error)
	SendFiles(ctx context.Context, entries []models.LogEntry) (*transport.BatchResponse, error)
}

// Reporter receives cycle outcomes. Satisfied by status.Machine.
type Reporter interface {
	CycleStarted()
	CycleSucceeded(pending int)
	CycleFailed(err error, pending int)
}

// Config holds the dispatcher's batch and timeout tunables.
// Zero fields take defaults.
type Config struct {
	MaxDataBatch int           // entries per data batch
	MaxFileBatch int           // entries per file batch
	DataTimeout  time.Duration // per data-batch upload timeout
	FileTimeout  time.Duration // per file-batch upload timeout

	// IncludeExhausted reports whether entries past the per-entry attempt
	// limit should be retried this cycle. Wired to the recovery state;
	// nil means never.
	IncludeExhausted func() bool
}

// DefaultConfig returns the stock limits: 20 data entries or 5 file
// entries per batch, 60s data upload timeout, 120s file upload timeout.
func DefaultConfig() Config {
	return Config{
		MaxDataBatch: 20,
		MaxFileBatch: 5,
		DataTimeout:  60 * time.Second,
		FileTimeout:  120 * time.Second,
	}
}

// CycleReport summarizes one sync cycle.
type CycleReport struct {
	DataBatches int
	FileBatches int
	Sent        int  // entries confirmed synced
	Failed      int  // entries whose retry count was incremented
	Rejected    int  // entries terminally rejected by the server
	Aborted     bool // cycle stopped before draining all batches
}

// Dispatcher drains the pending log through the transport.
type Dispatcher struct {
	store     Store
	transport Transport
	policy    retry.Policy
	reporter  Reporter
	cfg       Config
	logger    *slog.Logger

	running sync.Mutex
	stopped atomic.Bool
	now     func() time.Time
}

// New creates a dispatcher. Zero config fields take defaults.
func New(store Store, tr Transport, policy retry.Policy, reporter Reporter, cfg Config, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxDataBatch <= 0 {
		cfg.MaxDataBatch = def.MaxDataBatch
	}
	if cfg.MaxFileBatch <= 0 {
		cfg.MaxFileBatch = def.MaxFileBatch
	}
	if cfg.DataTimeout <= 0 {
		cfg.DataTimeout = def.DataTimeout
	}
	if cfg.FileTimeout <= 0 {
		cfg.FileTimeout = def.FileTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		transport: tr,
		policy:    policy,
		reporter:  reporter,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Stop prevents further batches from starting. The in-flight batch, if
// any, finishes or fails naturally; RunCycle then returns with Aborted set.
func (d *Dispatcher) Stop() {
	d.stopped.Store(true)
}

// RunCycle executes one sync cycle. Not reentrant: a call while a cycle is
// active returns ErrCycleRunning immediately without touching the log.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleReport, error) {
	if !d.running.TryLock() {
		return CycleReport{}, ErrCycleRunning
	}
	defer d.running.Unlock()

	d.reporter.CycleStarted()

	pending, err := d.store.ListPending()
	if err != nil {
		d.reporter.CycleFailed(err, 0)
		return CycleReport{}, fmt.Errorf("list pending: %w", err)
	}

	eligible := d.filterEligible(pending)
	if len(eligible) == 0 {
		d.reporter.CycleSucceeded(len(pending))
		return CycleReport{}, nil
	}

	var dataEntries, fileEntries []models.LogEntry
	for _, e := range eligible {
		if e.IsFile {
			fileEntries = append(fileEntries, e)
		} else {
			dataEntries = append(dataEntries, e)
		}
	}

	d.logger.Debug("sync cycle starting",
		"pending", len(pending), "eligible", len(eligible),
		"data", len(dataEntries), "files", len(fileEntries))

	var (
		report   CycleReport
		cycleErr error
	)

	cycleErr = d.sendPartition(ctx, dataEntries, d.cfg.MaxDataBatch, d.cfg.DataTimeout, d.transport.SendData, &report.DataBatches, &report)
	if cycleErr == nil && !report.Aborted {
		cycleErr = d.sendPartition(ctx, fileEntries, d.cfg.MaxFileBatch, d.cfg.FileTimeout, d.transport.SendFiles, &report.FileBatches, &report)
	}

	pendingAfter := len(pending) - report.Sent - report.Rejected

	switch {
	case cycleErr != nil:
		d.logger.Warn("sync cycle aborted", "error", cycleErr, "sent", report.Sent, "failed", report.Failed)
		d.reporter.CycleFailed(cycleErr, pendingAfter)
		return report, cycleErr
	case report.Failed > 0:
		err := fmt.Errorf("%d entries failed", report.Failed)
		d.logger.Warn("sync cycle completed with failures", "sent", report.Sent, "failed", report.Failed)
		d.reporter.CycleFailed(err, pendingAfter)
		return report, err
	default:
		d.logger.Info("sync cycle completed", "sent", report.Sent, "rejected", report.Rejected, "pending", pendingAfter)
		d.reporter.CycleSucceeded(pendingAfter)
		return report, nil
	}
}

// filterEligible drops entries still inside their backoff window and,
// unless the recovery gate is open, entries past the attempt limit.
// Exhausted entries are never removed from the log; they wait for recovery.
func (d *Dispatcher) filterEligible(pending []models.LogEntry) []models.LogEntry {
	includeExhausted := d.cfg.IncludeExhausted != nil && d.cfg.IncludeExhausted()
	now := d.now()

	var eligible []models.LogEntry
	for _, e := range pending {
		if !d.policy.ShouldRetry(e.RetryCount) && !includeExhausted {
			continue
		}
		if e.RetryCount > 0 && e.LastAttemptAt != nil {
			if now.Before(e.LastAttemptAt.Add(d.policy.DelayFor(e.RetryCount))) {
				continue
			}
		}
		eligible = append(eligible, e)
	}
	return eligible
}

type sendFunc func(ctx context.Context, entries []models.LogEntry) (*transport.BatchResponse, error)

// sendPartition sends one partition (data or file) batch by batch in FIFO
// order. Returns a non-nil error only for transport-level outages, which
// abort the cycle.
func (d *Dispatcher) sendPartition(ctx context.Context, entries []models.LogEntry, batchSize int, timeout time.Duration, send sendFunc, batches *int, report *CycleReport) error {
	for start := 0; start < len(entries); start += batchSize {
		if d.stopped.Load() || ctx.Err() != nil {
			report.Aborted = true
			d.logger.Info("sync cycle stopping before next batch")
			return nil
		}

		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		batch := entries[start:end]
		*batches++

		bctx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := send(bctx, batch)
		cancel()

		if err != nil {
			if transport.IsRejection(err) {
				// The server refused the payload itself; resending the
				// same bytes cannot succeed. Terminal for these entries.
				for _, e := range batch {
					if markErr := d.store.MarkRejected(e.ID, err.Error()); markErr != nil {
						d.logger.Error("mark rejected failed", "entry", e.ID, "error", markErr)
					}
				}
				report.Rejected += len(batch)
				d.logger.Warn("batch rejected by server", "entries", len(batch), "error", err)
				continue
			}

			// Transport outage or 5xx: count a retry for the whole batch
			// and fail fast instead of burning timeouts on a dead link.
			for _, e := range batch {
				if retryErr := d.store.IncrementRetry(e.ID, err.Error()); retryErr != nil {
					d.logger.Error("increment retry failed", "entry", e.ID, "error", retryErr)
				}
			}
			report.Failed += len(batch)
			report.Aborted = true
			return fmt.Errorf("send batch: %w", err)
		}

		for _, e := range batch {
			if reason, failed := resp.Failed[e.ID]; failed {
				if retryErr := d.store.IncrementRetry(e.ID, reason); retryErr != nil {
					d.logger.Error("increment retry failed", "entry", e.ID, "error", retryErr)
				}
				report.Failed++
			} else {
				if markErr := d.store.MarkSynced(e.ID); markErr != nil {
					d.logger.Error("mark synced failed", "entry", e.ID, "error", markErr)
					continue
				}
				report.Sent++
			}
		}
	}
	return nil
}
