package download

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marcus/syncd/internal/logstore"
	"github.com/marcus/syncd/internal/models"
)

type fakeStrategy struct {
	name   string
	mu     sync.Mutex
	calls  []*time.Time
	result models.DownloadResult
	err    error
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) DownloadData(ctx context.Context, lastSync *time.Time) (models.DownloadResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, lastSync)
	f.mu.Unlock()
	return f.result, f.err
}

type fakeEntityStore struct {
	mu      sync.Mutex
	removed map[string][]string
	err     error
}

func (f *fakeEntityStore) RemoveEntities(entityType string, ids []string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removed == nil {
		f.removed = make(map[string][]string)
	}
	f.removed[entityType] = append(f.removed[entityType], ids...)
	return nil
}

func setupCoordinator(t *testing.T) (*Coordinator, *logstore.Store, *fakeEntityStore) {
	t.Helper()
	store, err := logstore.Initialize(t.TempDir())
	if err != nil {
		t.Fatalf("initialize store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	entities := &fakeEntityStore{}
	return New(store, entities, Config{}), store, entities
}

func TestRefresh_FirstRunIsFull(t *testing.T) {
	c, store, _ := setupCoordinator(t)
	s := &fakeStrategy{name: "notes", result: models.DownloadResult{Success: true, ItemsDownloaded: 4}}
	c.Register(s)

	before := time.Now()
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if len(s.calls) != 1 {
		t.Fatalf("calls: got %d, want 1", len(s.calls))
	}
	if s.calls[0] != nil {
		t.Fatalf("first run checkpoint: got %v, want nil", s.calls[0])
	}

	cp, err := store.GetCheckpoint("notes")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if cp == nil || cp.Before(before.Add(-time.Second)) {
		t.Fatalf("checkpoint not advanced: %v", cp)
	}
}

func TestRefresh_SecondRunPassesCheckpoint(t *testing.T) {
	c, store, _ := setupCoordinator(t)
	s := &fakeStrategy{name: "notes", result: models.DownloadResult{Success: true}}
	c.Register(s)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.SetCheckpoint("notes", at); err != nil {
		t.Fatalf("set checkpoint: %v", err)
	}

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if s.calls[0] == nil || !s.calls[0].Equal(at) {
		t.Fatalf("checkpoint passed to strategy: got %v, want %v", s.calls[0], at)
	}
}

func TestRefresh_FailureKeepsCheckpoint(t *testing.T) {
	c, store, _ := setupCoordinator(t)
	s := &fakeStrategy{name: "notes", err: errors.New("connection refused")}
	c.Register(s)

	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}

	cp, err := store.GetCheckpoint("notes")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if cp != nil {
		t.Fatalf("failed strategy must not advance checkpoint, got %v", cp)
	}
}

func TestRefresh_UnsuccessfulResultKeepsCheckpoint(t *testing.T) {
	c, store, _ := setupCoordinator(t)
	s := &fakeStrategy{name: "notes", result: models.DownloadResult{Success: false, Message: "server busy"}}
	c.Register(s)

	err := c.Refresh(context.Background())
	if err == nil || !strings.Contains(err.Error(), "server busy") {
		t.Fatalf("expected server busy error, got %v", err)
	}
	cp, _ := store.GetCheckpoint("notes")
	if cp != nil {
		t.Fatalf("checkpoint advanced on failure: %v", cp)
	}
}

func TestRefresh_DeletionsApplyBeforeCheckpoint(t *testing.T) {
	c, store, entities := setupCoordinator(t)
	s := &fakeStrategy{name: "notes", result: models.DownloadResult{
		Success:         true,
		DeletedEntities: map[string][]string{"notes": {"n1", "n2"}},
	}}
	c.Register(s)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := entities.removed["notes"]; len(got) != 2 {
		t.Fatalf("removed: got %v, want [n1 n2]", got)
	}
	cp, err := store.GetCheckpoint("notes")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if cp == nil {
		t.Fatal("checkpoint should advance after deletions applied")
	}
}

func TestRefresh_DeletionFailureKeepsCheckpoint(t *testing.T) {
	c, store, entities := setupCoordinator(t)
	entities.err = errors.New("disk full")
	s := &fakeStrategy{name: "notes", result: models.DownloadResult{
		Success:         true,
		DeletedEntities: map[string][]string{"notes": {"n1"}},
	}}
	c.Register(s)

	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	cp, _ := store.GetCheckpoint("notes")
	if cp != nil {
		t.Fatalf("checkpoint advanced past failed deletion apply: %v", cp)
	}
}

type fakeReporter struct {
	mu   sync.Mutex
	errs []error
}

func (f *fakeReporter) DownloadFailed(err error) {
	f.mu.Lock()
	f.errs = append(f.errs, err)
	f.mu.Unlock()
}

func TestRefresh_FailureReachesReporter(t *testing.T) {
	store, err := logstore.Initialize(t.TempDir())
	if err != nil {
		t.Fatalf("initialize store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reporter := &fakeReporter{}
	c := New(store, nil, Config{Reporter: reporter})
	c.Register(&fakeStrategy{name: "notes", err: errors.New("connection refused")})

	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if len(reporter.errs) != 1 {
		t.Fatalf("reporter calls: got %d, want 1", len(reporter.errs))
	}
	if !strings.Contains(reporter.errs[0].Error(), "connection refused") {
		t.Fatalf("reported error: got %v, want connection refused", reporter.errs[0])
	}
}

func TestRefresh_SuccessDoesNotCallReporter(t *testing.T) {
	store, err := logstore.Initialize(t.TempDir())
	if err != nil {
		t.Fatalf("initialize store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reporter := &fakeReporter{}
	c := New(store, nil, Config{Reporter: reporter})
	c.Register(&fakeStrategy{name: "notes", result: models.DownloadResult{Success: true}})

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(reporter.errs) != 0 {
		t.Fatalf("reporter calls on success: got %d, want 0", len(reporter.errs))
	}
}

func TestRefresh_StrategiesAreIndependent(t *testing.T) {
	c, store, _ := setupCoordinator(t)
	failing := &fakeStrategy{name: "notes", err: errors.New("boom")}
	healthy := &fakeStrategy{name: "files", result: models.DownloadResult{Success: true}}
	c.Register(failing)
	c.Register(healthy)

	err := c.Refresh(context.Background())
	if err == nil || !strings.Contains(err.Error(), "notes") {
		t.Fatalf("expected notes failure reported, got %v", err)
	}

	// The healthy strategy still ran and advanced
	if len(healthy.calls) != 1 {
		t.Fatalf("healthy strategy calls: got %d, want 1", len(healthy.calls))
	}
	cp, err := store.GetCheckpoint("files")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if cp == nil {
		t.Fatal("healthy strategy checkpoint should advance")
	}
}
