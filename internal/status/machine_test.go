package status

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marcus/syncd/internal/models"
	"github.com/marcus/syncd/internal/retry"
)

func newTestMachine(t *testing.T, policy retry.Policy, cfg Config) *Machine {
	t.Helper()
	m := New(policy, cfg)
	t.Cleanup(m.Close)
	return m
}

func waitForStatus(t *testing.T, m *Machine, want models.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Snapshot().Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status: got %s, want %s", m.Snapshot().Status, want)
}

func TestInitialState(t *testing.T) {
	m := newTestMachine(t, retry.NewPolicy(retry.Config{}), Config{})

	snap := m.Snapshot()
	if snap.Status != models.StatusIdle {
		t.Fatalf("initial status: got %s, want idle", snap.Status)
	}
	if snap.LastSyncAt != nil {
		t.Fatal("expected nil LastSyncAt before first sync")
	}
}

func TestDownloadFailedIsErrorWithoutRecoveryCredit(t *testing.T) {
	m := newTestMachine(t, retry.NewPolicy(retry.Config{MaxConsecutiveFailures: 2}), Config{})

	m.DownloadFailed(errors.New("notes: connection refused"))
	m.DownloadFailed(errors.New("notes: connection refused"))

	snap := m.Snapshot()
	if snap.Status != models.StatusError {
		t.Fatalf("after download failures: got %s, want error", snap.Status)
	}
	if snap.Message != "notes: connection refused" {
		t.Fatalf("message: got %q", snap.Message)
	}
	// Downloads never feed the upload circuit breaker.
	if got := m.ConsecutiveFailures(); got != 0 {
		t.Fatalf("consecutive failures: got %d, want 0", got)
	}
}

func TestCycleLifecycle(t *testing.T) {
	m := newTestMachine(t, retry.NewPolicy(retry.Config{}), Config{})

	m.CycleStarted()
	if got := m.Snapshot().Status; got != models.StatusSyncing {
		t.Fatalf("after start: got %s, want syncing", got)
	}

	m.CycleSucceeded(2)
	snap := m.Snapshot()
	if snap.Status != models.StatusSuccess {
		t.Fatalf("after success: got %s, want success", snap.Status)
	}
	if snap.LastSyncAt == nil {
		t.Fatal("expected LastSyncAt after success")
	}
	if snap.PendingCount != 2 {
		t.Fatalf("pending: got %d, want 2", snap.PendingCount)
	}
}

func TestCycleFailed_BelowThreshold(t *testing.T) {
	m := newTestMachine(t, retry.NewPolicy(retry.Config{}), Config{})

	m.CycleStarted()
	m.CycleFailed(errors.New("connection refused"), 5)

	snap := m.Snapshot()
	if snap.Status != models.StatusError {
		t.Fatalf("status: got %s, want error", snap.Status)
	}
	if snap.Message != "connection refused" {
		t.Fatalf("message: got %q", snap.Message)
	}
	if m.ConsecutiveFailures() != 1 {
		t.Fatalf("consecutive: got %d, want 1", m.ConsecutiveFailures())
	}
}

func TestRecoveryThreshold(t *testing.T) {
	policy := retry.NewPolicy(retry.Config{MaxConsecutiveFailures: 3, RecoveryTimeout: time.Hour})
	m := newTestMachine(t, policy, Config{})

	for i := 0; i < 2; i++ {
		m.CycleStarted()
		m.CycleFailed(errors.New("boom"), 1)
	}
	if got := m.Snapshot().Status; got != models.StatusError {
		t.Fatalf("below threshold: got %s, want error", got)
	}

	m.CycleStarted()
	m.CycleFailed(errors.New("boom"), 1)
	if got := m.Snapshot().Status; got != models.StatusRecovery {
		t.Fatalf("at threshold: got %s, want recovery", got)
	}
	if m.ConsecutiveFailures() != 3 {
		t.Fatalf("consecutive: got %d, want 3", m.ConsecutiveFailures())
	}
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	m := newTestMachine(t, retry.NewPolicy(retry.Config{}), Config{})

	for i := 0; i < 4; i++ {
		m.CycleStarted()
		m.CycleFailed(errors.New("boom"), 1)
	}
	if m.ConsecutiveFailures() != 4 {
		t.Fatalf("consecutive: got %d, want 4", m.ConsecutiveFailures())
	}

	m.CycleStarted()
	m.CycleSucceeded(0)
	if m.ConsecutiveFailures() != 0 {
		t.Fatalf("consecutive after success: got %d, want 0", m.ConsecutiveFailures())
	}
}

func TestRecoveryTimerInvokesTrigger(t *testing.T) {
	policy := retry.NewPolicy(retry.Config{MaxConsecutiveFailures: 1, RecoveryTimeout: 20 * time.Millisecond})
	m := newTestMachine(t, policy, Config{})

	fired := make(chan struct{}, 1)
	m.SetRecoveryTrigger(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	m.CycleStarted()
	m.CycleFailed(errors.New("boom"), 1)
	if got := m.Snapshot().Status; got != models.StatusRecovery {
		t.Fatalf("status: got %s, want recovery", got)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("recovery trigger never fired")
	}
}

func TestOfflineOverridesSyncing(t *testing.T) {
	m := newTestMachine(t, retry.NewPolicy(retry.Config{}), Config{})

	m.CycleStarted()
	m.ConnectivityChanged(models.ConnectivityStatus{Connected: false})
	if got := m.Snapshot().Status; got != models.StatusOffline {
		t.Fatalf("status: got %s, want offline", got)
	}

	// The suspended cycle's outcome must not displace offline
	m.CycleFailed(errors.New("boom"), 1)
	if got := m.Snapshot().Status; got != models.StatusOffline {
		t.Fatalf("after failed cycle: got %s, want offline", got)
	}
	if m.ConsecutiveFailures() != 1 {
		t.Fatalf("counter still tracks: got %d, want 1", m.ConsecutiveFailures())
	}

	m.ConnectivityChanged(models.ConnectivityStatus{Connected: true, Transport: models.TransportWifi})
	if got := m.Snapshot().Status; got != models.StatusIdle {
		t.Fatalf("after reconnect: got %s, want idle", got)
	}
}

func TestOfflineGraceEscalatesToDegraded(t *testing.T) {
	m := newTestMachine(t, retry.NewPolicy(retry.Config{}), Config{
		GraceWindow: 20 * time.Millisecond,
		PendingFn:   func() int { return 3 },
	})

	m.ConnectivityChanged(models.ConnectivityStatus{Connected: false})
	waitForStatus(t, m, models.StatusDegraded)

	if got := m.Snapshot().PendingCount; got != 3 {
		t.Fatalf("pending: got %d, want 3", got)
	}
}

func TestOfflineWithoutPendingStaysOffline(t *testing.T) {
	m := newTestMachine(t, retry.NewPolicy(retry.Config{}), Config{
		GraceWindow: 20 * time.Millisecond,
		PendingFn:   func() int { return 0 },
	})

	m.ConnectivityChanged(models.ConnectivityStatus{Connected: false})
	time.Sleep(100 * time.Millisecond)
	if got := m.Snapshot().Status; got != models.StatusOffline {
		t.Fatalf("status: got %s, want offline", got)
	}
}

func TestReconnectBeforeGraceCancelsEscalation(t *testing.T) {
	m := newTestMachine(t, retry.NewPolicy(retry.Config{}), Config{
		GraceWindow: 50 * time.Millisecond,
		PendingFn:   func() int { return 3 },
	})

	m.ConnectivityChanged(models.ConnectivityStatus{Connected: false})
	m.ConnectivityChanged(models.ConnectivityStatus{Connected: true})
	time.Sleep(120 * time.Millisecond)
	if got := m.Snapshot().Status; got != models.StatusIdle {
		t.Fatalf("status: got %s, want idle", got)
	}
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	m := newTestMachine(t, retry.NewPolicy(retry.Config{}), Config{})

	var mu sync.Mutex
	var seen []models.Status
	unsub := m.Subscribe(func(s models.StatusSnapshot) {
		mu.Lock()
		seen = append(seen, s.Status)
		mu.Unlock()
	})
	defer unsub()

	m.CycleStarted()
	m.CycleSucceeded(0)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 {
		t.Fatalf("deliveries: got %d, want at least 2", len(seen))
	}
	if seen[0] != models.StatusSyncing || seen[1] != models.StatusSuccess {
		t.Fatalf("order: got %v", seen)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := newTestMachine(t, retry.NewPolicy(retry.Config{}), Config{})

	delivered := make(chan models.StatusSnapshot, 64)
	unsub := m.Subscribe(func(s models.StatusSnapshot) { delivered <- s })

	m.CycleStarted()
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery never arrived")
	}

	unsub()
	m.CycleSucceeded(0)
	select {
	case s := <-delivered:
		t.Fatalf("unexpected delivery after unsubscribe: %v", s.Status)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowObserverDoesNotBlockEngine(t *testing.T) {
	m := newTestMachine(t, retry.NewPolicy(retry.Config{}), Config{QueueSize: 2})

	release := make(chan struct{})
	var mu sync.Mutex
	var last models.Status
	m.Subscribe(func(s models.StatusSnapshot) {
		<-release
		mu.Lock()
		last = s.Status
		mu.Unlock()
	})

	// Far more transitions than the queue holds; none of these may block
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			m.CycleStarted()
			m.CycleFailed(errors.New("boom"), 1)
		}
		m.CycleStarted()
		m.CycleSucceeded(0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked on a slow observer")
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		l := last
		mu.Unlock()
		if l == models.StatusSuccess {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("observer never converged on the latest snapshot")
}
