// Package status implements the sync status state machine. It tracks the
// engine's observable state (idle, syncing, success, error, offline,
// degraded, recovery) and publishes immutable snapshots to registered
// observers without ever blocking the engine.
package status

import (
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/syncd/internal/models"
	"github.com/marcus/syncd/internal/retry"
)

const (
	// defaultQueueSize bounds each observer's delivery queue. Overflow
	// drops the oldest snapshot; observers always converge on the latest.
	defaultQueueSize = 16

	// defaultGraceWindow is how long the machine stays offline before
	// reporting degraded when pending entries exist.
	defaultGraceWindow = 60 * time.Second
)

// Config carries the machine's tunables. Zero fields take defaults.
type Config struct {
	QueueSize   int
	GraceWindow time.Duration

	// PendingFn reports the current pending entry count. Used when the
	// offline grace window expires to decide offline vs degraded.
	PendingFn func() int

	Logger *slog.Logger
}

type observer struct {
	ch   chan models.StatusSnapshot
	done chan struct{}
}

// Machine is the sync status state machine. All methods are safe for
// concurrent use. Observers are notified outside the machine's lock so an
// observer may itself query engine state without deadlocking.
type Machine struct {
	mu     sync.Mutex
	policy retry.Policy
	cfg    Config
	logger *slog.Logger

	snapshot    models.StatusSnapshot
	consecutive int
	connected   bool

	observers map[int]*observer
	nextObs   int

	recoveryTimer *time.Timer
	graceTimer    *time.Timer
	onRecovery    func()
	closed        bool
}

// New creates a machine in the idle state.
func New(policy retry.Policy, cfg Config) *Machine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = defaultGraceWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		policy:    policy,
		cfg:       cfg,
		logger:    logger,
		snapshot:  models.StatusSnapshot{Status: models.StatusIdle},
		connected: true,
		observers: make(map[int]*observer),
	}
}

// SetRecoveryTrigger registers the callback invoked when the recovery timer
// fires. Typically the scheduler's ForceSync. Must be set before the first
// cycle failure can cross the threshold.
func (m *Machine) SetRecoveryTrigger(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRecovery = fn
}

// Snapshot returns the current status snapshot.
func (m *Machine) Snapshot() models.StatusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// ConsecutiveFailures returns the cycle-level failure streak.
func (m *Machine) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutive
}

// Subscribe registers an observer. Snapshots are delivered on a dedicated
// goroutine through a bounded queue; when the queue is full the oldest
// undelivered snapshot is dropped. The returned function unsubscribes.
func (m *Machine) Subscribe(fn func(models.StatusSnapshot)) func() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return func() {}
	}
	id := m.nextObs
	m.nextObs++
	obs := &observer{
		ch:   make(chan models.StatusSnapshot, m.cfg.QueueSize),
		done: make(chan struct{}),
	}
	m.observers[id] = obs
	m.mu.Unlock()

	go func() {
		for {
			select {
			case snap := <-obs.ch:
				fn(snap)
			case <-obs.done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.observers, id)
			m.mu.Unlock()
			close(obs.done)
		})
	}
}

// CycleStarted records the start of a sync cycle.
func (m *Machine) CycleStarted() {
	m.mu.Lock()
	m.transitionLocked(models.StatusSyncing, "")
	snap, obs := m.snapshotObserversLocked()
	m.mu.Unlock()
	m.publish(snap, obs)
}

// CycleSucceeded records a fully successful cycle. The consecutive-failure
// counter resets and any armed recovery timer is cancelled.
func (m *Machine) CycleSucceeded(pending int) {
	m.mu.Lock()
	m.consecutive = 0
	if m.recoveryTimer != nil {
		m.recoveryTimer.Stop()
		m.recoveryTimer = nil
	}
	now := time.Now()
	m.snapshot.LastSyncAt = &now
	m.snapshot.PendingCount = pending
	m.transitionLocked(models.StatusSuccess, "")
	snap, obs := m.snapshotObserversLocked()
	m.mu.Unlock()
	m.publish(snap, obs)
}

// CycleFailed records a failed cycle. Crossing the consecutive-failure
// threshold moves the machine to recovery and arms the recovery timer.
func (m *Machine) CycleFailed(err error, pending int) {
	m.mu.Lock()
	m.consecutive++
	m.snapshot.PendingCount = pending

	msg := ""
	if err != nil {
		msg = err.Error()
	}

	if m.policy.EnterRecovery(m.consecutive) {
		m.logger.Warn("consecutive sync failures crossed threshold, entering recovery",
			"consecutive", m.consecutive, "recovery_in", m.policy.Config().RecoveryTimeout)
		m.transitionLocked(models.StatusRecovery, msg)
		m.armRecoveryTimerLocked()
	} else {
		m.transitionLocked(models.StatusError, msg)
	}
	snap, obs := m.snapshotObserversLocked()
	m.mu.Unlock()
	m.publish(snap, obs)
}

// DownloadFailed records a failed download refresh. Downloads surface as
// an error status but stay out of the consecutive-failure counter: the
// recovery circuit tracks upload cycles only.
func (m *Machine) DownloadFailed(err error) {
	msg := "download failed"
	if err != nil {
		msg = err.Error()
	}
	m.mu.Lock()
	m.transitionLocked(models.StatusError, msg)
	snap, obs := m.snapshotObserversLocked()
	m.mu.Unlock()
	m.publish(snap, obs)
}

// ConnectivityChanged folds a connectivity report into the machine.
// Disconnect overrides whatever state the machine is in; reconnect returns
// it to idle. The scheduler owns triggering the post-reconnect cycle.
func (m *Machine) ConnectivityChanged(cs models.ConnectivityStatus) {
	m.mu.Lock()
	wasConnected := m.connected
	m.connected = cs.Connected

	if !cs.Connected {
		if wasConnected {
			m.transitionLocked(models.StatusOffline, "connectivity lost")
			m.armGraceTimerLocked()
		}
	} else if !wasConnected {
		if m.graceTimer != nil {
			m.graceTimer.Stop()
			m.graceTimer = nil
		}
		m.transitionLocked(models.StatusIdle, "")
	}
	snap, obs := m.snapshotObserversLocked()
	m.mu.Unlock()
	m.publish(snap, obs)
}

// Close stops internal timers and detaches all observers.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.recoveryTimer != nil {
		m.recoveryTimer.Stop()
		m.recoveryTimer = nil
	}
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	observers := m.observers
	m.observers = make(map[int]*observer)
	m.mu.Unlock()

	for _, obs := range observers {
		close(obs.done)
	}
}

// transitionLocked updates the snapshot. Offline and degraded are sticky:
// cycle outcomes do not displace them, only a connectivity change does.
func (m *Machine) transitionLocked(to models.Status, message string) {
	from := m.snapshot.Status
	offline := from == models.StatusOffline || from == models.StatusDegraded
	if offline && to != models.StatusIdle && to != models.StatusOffline && to != models.StatusDegraded {
		// Suspended, not aborted: the in-flight cycle's outcome is
		// recorded in the counters but the visible state stays offline.
		return
	}
	if from == to && message == m.snapshot.Message {
		return
	}
	m.snapshot.Status = to
	m.snapshot.Message = message
	m.logger.Debug("sync status changed", "from", from, "to", to)
}

func (m *Machine) armRecoveryTimerLocked() {
	if m.recoveryTimer != nil {
		m.recoveryTimer.Stop()
	}
	m.recoveryTimer = time.AfterFunc(m.policy.Config().RecoveryTimeout, m.recoveryFired)
}

func (m *Machine) recoveryFired() {
	m.mu.Lock()
	if m.closed || m.snapshot.Status != models.StatusRecovery {
		m.mu.Unlock()
		return
	}
	m.recoveryTimer = nil
	trigger := m.onRecovery
	m.mu.Unlock()

	m.logger.Info("recovery timer fired, attempting sync")
	if trigger != nil {
		trigger()
	}
}

func (m *Machine) armGraceTimerLocked() {
	if m.graceTimer != nil {
		m.graceTimer.Stop()
	}
	m.graceTimer = time.AfterFunc(m.cfg.GraceWindow, m.graceExpired)
}

// graceExpired runs when offline has persisted past the grace window.
// With pending entries the state escalates to degraded.
func (m *Machine) graceExpired() {
	m.mu.Lock()
	if m.closed || m.snapshot.Status != models.StatusOffline {
		m.mu.Unlock()
		return
	}
	pending := m.snapshot.PendingCount
	if m.cfg.PendingFn != nil {
		// Query outside would be nicer but PendingFn is a cheap local count
		m.mu.Unlock()
		pending = m.cfg.PendingFn()
		m.mu.Lock()
		if m.closed || m.snapshot.Status != models.StatusOffline {
			m.mu.Unlock()
			return
		}
	}
	if pending <= 0 {
		m.mu.Unlock()
		return
	}
	m.snapshot.PendingCount = pending
	m.transitionLocked(models.StatusDegraded, "offline with pending changes")
	snap, obs := m.snapshotObserversLocked()
	m.mu.Unlock()
	m.publish(snap, obs)
}

func (m *Machine) snapshotObserversLocked() (models.StatusSnapshot, []*observer) {
	obs := make([]*observer, 0, len(m.observers))
	for _, o := range m.observers {
		obs = append(obs, o)
	}
	return m.snapshot, obs
}

// publish delivers a snapshot to each observer queue without blocking.
// A full queue sheds its oldest snapshot first.
func (m *Machine) publish(snap models.StatusSnapshot, observers []*observer) {
	for _, o := range observers {
		select {
		case o.ch <- snap:
			continue
		default:
		}
		select {
		case <-o.ch:
		default:
		}
		select {
		case o.ch <- snap:
		default:
		}
	}
}
