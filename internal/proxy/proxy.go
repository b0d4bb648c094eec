package proxy

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agropulse/backend/internal/db"
	"github.com/agropulse/backend/internal/syncer"
)

// Announcer broadcasts cache version availability to foreground contexts.
type Announcer interface {
	VersionReady(version string)
}

// NopAnnouncer discards announcements.
type NopAnnouncer struct{}

func (NopAnnouncer) VersionReady(string) {}

// Proxy owns the proxy lifecycle: activation (cache version retirement and
// static precache), wake-triggered sync passes, and the periodic expiry
// sweep.
type Proxy struct {
	transport   *Transport
	repo        *db.Repository
	coordinator *syncer.Coordinator
	announcer   Announcer
	log         *zap.Logger

	version       string
	staticAssets  []string
	sweepInterval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	active bool
}

// New creates a proxy. The announcer may be nil.
func New(transport *Transport, repo *db.Repository, coordinator *syncer.Coordinator, announcer Announcer, staticAssets []string, sweepInterval time.Duration, log *zap.Logger) *Proxy {
	if announcer == nil {
		announcer = NopAnnouncer{}
	}
	return &Proxy{
		transport:     transport,
		repo:          repo,
		coordinator:   coordinator,
		announcer:     announcer,
		log:           log,
		version:       transport.version,
		staticAssets:  staticAssets,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}
}

// Transport returns the policy-applying round tripper for clients to wrap.
func (p *Proxy) Transport() *Transport {
	return p.transport
}

// Activate retires cache entries written by superseded versions, precaches
// the configured static assets, and announces the new version. Precache
// failures are logged and skipped; an unreachable asset must not block
// activation.
func (p *Proxy) Activate(ctx context.Context) error {
	retired, err := p.repo.RetireCacheVersions(p.version)
	if err != nil {
		return err
	}
	if retired > 0 {
		p.log.Info("retired stale cache versions",
			zap.Int64("entries", retired),
			zap.String("current_version", p.version))
	}

	p.precache(ctx)

	p.announcer.VersionReady(p.version)
	p.log.Info("proxy activated", zap.String("version", p.version))
	return nil
}

func (p *Proxy) precache(ctx context.Context) {
	client := &http.Client{Transport: p.transport}
	for _, asset := range p.staticAssets {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset, nil)
		if err != nil {
			p.log.Warn("skipping precache asset", zap.String("asset", asset), zap.Error(err))
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			p.log.Warn("precache fetch failed", zap.String("asset", asset), zap.Error(err))
			continue
		}
		resp.Body.Close()
	}
}

// HandleWake runs a sync pass in response to a platform wake signal. The
// coordinator's single-flight guarantee makes overlapping wakes harmless.
func (p *Proxy) HandleWake(ctx context.Context) (syncer.Result, error) {
	p.log.Info("wake signal received, starting sync pass")
	return p.coordinator.Drain(ctx)
}

// StartSweeper begins the periodic removal of expired cache entries.
func (p *Proxy) StartSweeper() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return
	}
	p.active = true

	p.wg.Add(1)
	go p.sweepLoop()
	p.log.Info("cache sweeper started", zap.Duration("interval", p.sweepInterval))
}

// Stop halts the sweeper and waits for it to exit.
func (p *Proxy) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return
	}
	p.active = false

	close(p.stopCh)
	p.wg.Wait()
	p.log.Info("cache sweeper stopped")
}

func (p *Proxy) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Proxy) sweep() {
	removed, err := p.repo.DeleteExpiredResponses(time.Now())
	if err != nil {
		p.log.Error("cache sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		p.log.Debug("swept expired cache entries", zap.Int64("removed", removed))
	}
}
