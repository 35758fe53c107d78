// Package connectivity provides a polling connectivity provider for
// environments without a platform network-change API: it probes the sync
// server's health endpoint and notifies subscribers on transitions.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/syncd/internal/models"
)

const defaultInterval = 30 * time.Second

// Prober polls a health check and reports connectivity transitions.
type Prober struct {
	check    func(ctx context.Context) error
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	current models.ConnectivityStatus
	subs    map[int]func(models.ConnectivityStatus)
	nextSub int
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a prober around a health check. The prober assumes connected
// until the first probe says otherwise, so startup is not treated as an
// outage.
func New(check func(ctx context.Context) error, interval time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		check:    check,
		interval: interval,
		logger:   logger,
		current:  models.ConnectivityStatus{Connected: true, Transport: models.TransportEthernet},
		subs:     make(map[int]func(models.ConnectivityStatus)),
	}
}

// Current returns the last probed status.
func (p *Prober) Current() models.ConnectivityStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Subscribe registers a transition callback. Callbacks run on the probe
// goroutine; keep them short. The returned function unsubscribes.
func (p *Prober) Subscribe(fn func(models.ConnectivityStatus)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

// Start begins probing. Starting an already started prober is a no-op.
func (p *Prober) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts probing and waits for the probe loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		p.wg.Wait()
	}
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, p.interval/2)
	err := p.check(pctx)
	cancel()

	connected := err == nil
	status := models.ConnectivityStatus{Connected: connected}
	if connected {
		status.Transport = models.TransportEthernet
	} else {
		status.Transport = models.TransportNone
	}

	p.mu.Lock()
	changed := p.current.Connected != connected
	p.current = status
	var subs []func(models.ConnectivityStatus)
	if changed {
		for _, fn := range p.subs {
			subs = append(subs, fn)
		}
	}
	p.mu.Unlock()

	if !changed {
		return
	}
	if connected {
		p.logger.Info("connectivity restored")
	} else {
		p.logger.Warn("connectivity lost", "error", err)
	}
	for _, fn := range subs {
		fn(status)
	}
}
