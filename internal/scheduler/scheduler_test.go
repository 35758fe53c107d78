package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marcus/syncd/internal/dispatch"
	"github.com/marcus/syncd/internal/models"
)

// fakeRunner counts cycles and can simulate an in-flight cycle.
type fakeRunner struct {
	mu    sync.Mutex
	runs  int
	busy  bool
	block chan struct{}
}

func (f *fakeRunner) RunCycle(ctx context.Context) (dispatch.CycleReport, error) {
	f.mu.Lock()
	if f.busy {
		f.mu.Unlock()
		return dispatch.CycleReport{}, dispatch.ErrCycleRunning
	}
	f.runs++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return dispatch.CycleReport{Sent: 1}, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func waitForRuns(t *testing.T, r *fakeRunner, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("runs: got %d, want at least %d", r.count(), want)
}

func TestStartSync_RunsAfterStartupDelayThenInterval(t *testing.T) {
	r := &fakeRunner{}
	s := New(r, Config{
		StartupDelay: 10 * time.Millisecond,
		Interval:     30 * time.Millisecond,
	}, nil)
	t.Cleanup(s.Close)

	s.StartSync()
	waitForRuns(t, r, 3) // startup + at least two interval ticks
}

func TestStartSync_Idempotent(t *testing.T) {
	r := &fakeRunner{}
	s := New(r, Config{StartupDelay: 10 * time.Millisecond, Interval: time.Hour}, nil)
	t.Cleanup(s.Close)

	s.StartSync()
	s.StartSync()
	time.Sleep(100 * time.Millisecond)
	if got := r.count(); got != 1 {
		t.Fatalf("runs: got %d, want 1", got)
	}
}

func TestStopSync_PreventsFurtherCycles(t *testing.T) {
	r := &fakeRunner{}
	s := New(r, Config{StartupDelay: time.Millisecond, Interval: 20 * time.Millisecond}, nil)
	t.Cleanup(s.Close)

	s.StartSync()
	waitForRuns(t, r, 1)
	s.StopSync()

	before := r.count()
	time.Sleep(100 * time.Millisecond)
	if got := r.count(); got != before {
		t.Fatalf("runs after stop: got %d, want %d", got, before)
	}
}

func TestBackgroundSync_IndependentOfForeground(t *testing.T) {
	r := &fakeRunner{}
	s := New(r, Config{
		StartupDelay:         time.Millisecond,
		Interval:             time.Hour,
		BackgroundInterval:   20 * time.Millisecond,
		MinBackgroundSpacing: time.Millisecond,
	}, nil)
	t.Cleanup(s.Close)

	// Background alone, foreground never started
	s.StartBackgroundSync()
	waitForRuns(t, r, 2)

	s.StopBackgroundSync()
	before := r.count()
	time.Sleep(80 * time.Millisecond)
	if got := r.count(); got != before {
		t.Fatalf("runs after background stop: got %d, want %d", got, before)
	}
}

func TestBackgroundSync_MinimumSpacing(t *testing.T) {
	r := &fakeRunner{}
	s := New(r, Config{
		BackgroundInterval:   15 * time.Millisecond,
		MinBackgroundSpacing: time.Hour,
	}, nil)
	t.Cleanup(s.Close)

	s.StartBackgroundSync()
	waitForRuns(t, r, 1)
	time.Sleep(100 * time.Millisecond)
	if got := r.count(); got != 1 {
		t.Fatalf("spacing not enforced: got %d runs, want 1", got)
	}
}

func TestForceSync_BypassesTimers(t *testing.T) {
	r := &fakeRunner{}
	s := New(r, Config{Interval: time.Hour}, nil)
	t.Cleanup(s.Close)

	report, err := s.ForceSync()
	if err != nil {
		t.Fatalf("force sync: %v", err)
	}
	if report.Sent != 1 {
		t.Fatalf("report: got %+v", report)
	}
	if r.count() != 1 {
		t.Fatalf("runs: got %d, want 1", r.count())
	}
}

func TestForceSync_InFlightCycleIsNoOp(t *testing.T) {
	r := &fakeRunner{busy: true}
	s := New(r, Config{}, nil)
	t.Cleanup(s.Close)

	if _, err := s.ForceSync(); err != nil {
		t.Fatalf("force sync during active cycle: %v", err)
	}
	if r.count() != 0 {
		t.Fatalf("runs: got %d, want 0", r.count())
	}
}

func TestReconnectTriggersExactlyOneCycle(t *testing.T) {
	r := &fakeRunner{}
	s := New(r, Config{Interval: time.Hour, Debounce: 15 * time.Millisecond}, nil)
	t.Cleanup(s.Close)

	s.OnConnectivity(models.ConnectivityStatus{Connected: false})
	s.OnConnectivity(models.ConnectivityStatus{Connected: true, Transport: models.TransportWifi})

	waitForRuns(t, r, 1)
	time.Sleep(80 * time.Millisecond)
	if got := r.count(); got != 1 {
		t.Fatalf("reconnect cycles: got %d, want exactly 1", got)
	}
}

func TestReconnectFlappingDebounces(t *testing.T) {
	r := &fakeRunner{}
	s := New(r, Config{Interval: time.Hour, Debounce: 30 * time.Millisecond}, nil)
	t.Cleanup(s.Close)

	// Flap: each disconnect cancels the pending debounce
	for i := 0; i < 3; i++ {
		s.OnConnectivity(models.ConnectivityStatus{Connected: false})
		s.OnConnectivity(models.ConnectivityStatus{Connected: true})
		time.Sleep(5 * time.Millisecond)
	}

	waitForRuns(t, r, 1)
	time.Sleep(80 * time.Millisecond)
	if got := r.count(); got != 1 {
		t.Fatalf("cycles after flapping: got %d, want 1", got)
	}
}

func TestOfflineSkipsScheduledCycles(t *testing.T) {
	r := &fakeRunner{}
	s := New(r, Config{StartupDelay: time.Millisecond, Interval: 20 * time.Millisecond}, nil)
	t.Cleanup(s.Close)

	s.OnConnectivity(models.ConnectivityStatus{Connected: false})
	s.StartSync()
	time.Sleep(100 * time.Millisecond)
	if got := r.count(); got != 0 {
		t.Fatalf("cycles while offline: got %d, want 0", got)
	}
}
