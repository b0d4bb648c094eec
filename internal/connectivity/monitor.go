// Package connectivity observes online/offline transitions and exposes
// pending-work counts recomputed from the store.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agropulse/backend/internal/db"
)

// Probe reports the platform's current connectivity signal. The underlying
// signal may fire redundantly; the Monitor collapses duplicates.
type Probe interface {
	Online(ctx context.Context) bool
}

// HTTPProbe checks reachability of a well-known endpoint with a HEAD request.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

// NewHTTPProbe creates a probe against the given URL.
func NewHTTPProbe(url string, timeout time.Duration) *HTTPProbe {
	return &HTTPProbe{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

// Online reports whether the probe endpoint answered at all. Any HTTP status
// counts as connectivity; only transport errors mean offline.
func (p *HTTPProbe) Online(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// PendingCounts is a point-in-time snapshot of unsynced work. Counts are
// eventually-consistent: accurate immediately after a store read, not a live
// subscription.
type PendingCounts struct {
	Messages   int
	Listings   int
	QueueItems int
}

// Monitor is a two-state machine (online/offline). The reconnected callback
// fires exactly once per OFFLINE→ONLINE edge and the disconnected callback
// once per ONLINE→OFFLINE edge, no matter how often the platform signal
// repeats itself.
type Monitor struct {
	probe    Probe
	repo     *db.Repository
	log      *zap.Logger
	interval time.Duration

	mu        sync.RWMutex
	online    bool
	primed    bool
	isRunning bool

	onReconnect  []func()
	onDisconnect []func()

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor polling the probe at the given interval.
func NewMonitor(probe Probe, repo *db.Repository, log *zap.Logger, interval time.Duration) *Monitor {
	return &Monitor{
		probe:    probe,
		repo:     repo,
		log:      log,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// OnReconnected registers a callback for OFFLINE→ONLINE transitions.
// Register before Start.
func (m *Monitor) OnReconnected(fn func()) {
	m.onReconnect = append(m.onReconnect, fn)
}

// OnDisconnected registers a callback for ONLINE→OFFLINE transitions.
// Register before Start.
func (m *Monitor) OnDisconnected(fn func()) {
	m.onDisconnect = append(m.onDisconnect, fn)
}

// Start reads the initial state from the probe and begins the polling loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.mu.Unlock()

	m.SetOnline(m.probe.Online(ctx))

	m.wg.Add(1)
	go m.probeLoop(ctx)

	m.log.Info("connectivity monitor started",
		zap.Bool("online", m.IsOnline()),
		zap.Duration("interval", m.interval))
}

// Stop stops the polling loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.SetOnline(m.probe.Online(ctx))
		}
	}
}

// SetOnline feeds a connectivity signal into the state machine. Redundant
// signals (same state as current) are absorbed without firing events.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	wasPrimed := m.primed
	wasOnline := m.online
	m.online = online
	m.primed = true

	var fire []func()
	if wasPrimed && wasOnline != online {
		if online {
			fire = m.onReconnect
		} else {
			fire = m.onDisconnect
		}
	}
	m.mu.Unlock()

	if wasPrimed && wasOnline != online {
		m.log.Info("connectivity changed",
			zap.Bool("was_online", wasOnline),
			zap.Bool("is_online", online))
	}

	for _, fn := range fire {
		fn()
	}
}

// IsOnline returns the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Counts recomputes pending counts from the store.
func (m *Monitor) Counts() (PendingCounts, error) {
	var counts PendingCounts
	var err error

	if counts.Messages, err = m.repo.CountUnsyncedMessages(); err != nil {
		return counts, err
	}
	if counts.Listings, err = m.repo.CountUnsyncedListings(); err != nil {
		return counts, err
	}
	if counts.QueueItems, err = m.repo.CountPendingQueueItems(); err != nil {
		return counts, err
	}
	return counts, nil
}
