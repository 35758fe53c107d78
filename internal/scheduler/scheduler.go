// Package scheduler drives sync cycles: a periodic foreground timer, an
// independent background timer with enforced minimum spacing, forced
// out-of-band cycles, and a debounced cycle on connectivity restore.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/syncd/internal/dispatch"
	"github.com/marcus/syncd/internal/models"
)

// Runner executes one sync cycle. Satisfied by dispatch.Dispatcher.
type Runner interface {
	RunCycle(ctx context.Context) (dispatch.CycleReport, error)
}

// Config holds the scheduler's timing knobs. Zero fields take defaults.
type Config struct {
	Interval             time.Duration // foreground cycle period
	BackgroundInterval   time.Duration // background cycle period
	MinBackgroundSpacing time.Duration // floor between background cycles
	StartupDelay         time.Duration // pause before the first cycle
	Debounce             time.Duration // settle time after reconnect
}

// DefaultConfig returns the stock schedule: 5 minute foreground interval,
// hourly background interval with 15 minute minimum spacing, 3 second
// startup delay, 2 second reconnect debounce.
func DefaultConfig() Config {
	return Config{
		Interval:             5 * time.Minute,
		BackgroundInterval:   time.Hour,
		MinBackgroundSpacing: 15 * time.Minute,
		StartupDelay:         3 * time.Second,
		Debounce:             2 * time.Second,
	}
}

// Scheduler owns the sync timing. Foreground and background schedules are
// independently toggleable; platform policy may restrict one without the
// other.
type Scheduler struct {
	runner Runner
	cfg    Config
	logger *slog.Logger

	mu             sync.Mutex
	fgCancel       context.CancelFunc
	bgCancel       context.CancelFunc
	wg             sync.WaitGroup
	connected      bool
	debounce       *time.Timer
	lastBackground time.Time
	closed         bool
}

// New creates a scheduler. Zero config fields take defaults.
func New(runner Runner, cfg Config, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BackgroundInterval <= 0 {
		cfg.BackgroundInterval = def.BackgroundInterval
	}
	if cfg.MinBackgroundSpacing <= 0 {
		cfg.MinBackgroundSpacing = def.MinBackgroundSpacing
	}
	if cfg.StartupDelay < 0 {
		cfg.StartupDelay = def.StartupDelay
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:    runner,
		cfg:       cfg,
		logger:    logger,
		connected: true,
	}
}

// StartSync starts the foreground schedule: one cycle after the startup
// delay, then one per interval. Starting an already started schedule is a
// no-op.
func (s *Scheduler) StartSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.fgCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.fgCancel = cancel

	s.wg.Add(1)
	go s.foregroundLoop(ctx)
	s.logger.Debug("foreground sync started", "interval", s.cfg.Interval)
}

// StopSync stops the foreground schedule. An in-flight cycle is not
// interrupted; the dispatcher finishes its current batch and checks its
// stop flag.
func (s *Scheduler) StopSync() {
	s.mu.Lock()
	cancel := s.fgCancel
	s.fgCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.logger.Debug("foreground sync stopped")
	}
}

// StartBackgroundSync starts the background schedule, independent of the
// foreground one.
func (s *Scheduler) StartBackgroundSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.bgCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.wg.Add(1)
	go s.backgroundLoop(ctx)
	s.logger.Debug("background sync started", "interval", s.cfg.BackgroundInterval)
}

// StopBackgroundSync stops the background schedule only.
func (s *Scheduler) StopBackgroundSync() {
	s.mu.Lock()
	cancel := s.bgCancel
	s.bgCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.logger.Debug("background sync stopped")
	}
}

// ForceSync runs a cycle immediately, bypassing the timers. A cycle
// already in flight makes this a no-op.
func (s *Scheduler) ForceSync() (dispatch.CycleReport, error) {
	return s.runOnce(context.Background(), "forced")
}

// OnConnectivity folds connectivity changes into the schedule. A
// disconnected-to-connected transition triggers exactly one out-of-band
// cycle after the debounce settles; flapping within the window resets it.
func (s *Scheduler) OnConnectivity(cs models.ConnectivityStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	was := s.connected
	s.connected = cs.Connected

	if !cs.Connected {
		if s.debounce != nil {
			s.debounce.Stop()
			s.debounce = nil
		}
		return
	}
	if was {
		return
	}

	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.cfg.Debounce, func() {
		s.mu.Lock()
		s.debounce = nil
		connected := s.connected
		s.mu.Unlock()
		if connected {
			s.runOnce(context.Background(), "reconnect")
		}
	})
}

// Close stops both schedules and waits for their loops to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	fg, bg := s.fgCancel, s.bgCancel
	s.fgCancel, s.bgCancel = nil, nil
	s.mu.Unlock()

	if fg != nil {
		fg()
	}
	if bg != nil {
		bg()
	}
	s.wg.Wait()
}

func (s *Scheduler) foregroundLoop(ctx context.Context) {
	defer s.wg.Done()

	// Let local state and wiring settle before the first cycle
	select {
	case <-time.After(s.cfg.StartupDelay):
		s.runOnce(ctx, "startup")
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx, "interval")
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) backgroundLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.BackgroundInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			due := time.Since(s.lastBackground) >= s.cfg.MinBackgroundSpacing
			if due {
				s.lastBackground = time.Now()
			}
			s.mu.Unlock()
			if !due {
				s.logger.Debug("background sync skipped, minimum spacing not reached")
				continue
			}
			s.runOnce(ctx, "background")
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, reason string) (dispatch.CycleReport, error) {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		s.logger.Debug("sync skipped while offline", "reason", reason)
		return dispatch.CycleReport{}, nil
	}

	report, err := s.runner.RunCycle(ctx)
	if errors.Is(err, dispatch.ErrCycleRunning) {
		s.logger.Debug("sync already in progress", "reason", reason)
		return report, nil
	}
	if err != nil {
		s.logger.Debug("sync cycle returned error", "reason", reason, "error", err)
	}
	return report, err
}
