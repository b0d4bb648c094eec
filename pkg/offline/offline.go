// Package offline is the foreground-facing surface of the durable queue
// engine. An Engine owns the foreground's handle to the shared store, the
// connectivity monitor, the draft repositories, and the bridge connection to
// the background proxy. All status reads (pending counts, online state) are
// recomputed from the store rather than held as in-memory truth.
package offline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agropulse/backend/internal/bridge"
	"github.com/agropulse/backend/internal/config"
	"github.com/agropulse/backend/internal/connectivity"
	"github.com/agropulse/backend/internal/db"
	"github.com/agropulse/backend/internal/drafts"
	"github.com/agropulse/backend/internal/models"
	"github.com/agropulse/backend/internal/syncer"
)

// Engine wires the offline building blocks together for a foreground
// context. If the store cannot be opened the Engine degrades instead of
// failing: drafts are unavailable, counts read as zero, and connectivity
// monitoring still works.
type Engine struct {
	cfg *config.Config
	log *zap.Logger

	store       *db.DB
	repo        *db.Repository
	monitor     *connectivity.Monitor
	coordinator *syncer.Coordinator
	messages    *drafts.Messages
	listings    *drafts.Listings

	mu             sync.RWMutex
	client         *bridge.Client
	syncing        bool
	onItemSynced   []func(collection, id string)
	onVersionReady []func(version string)
}

// New builds an Engine from config. A store-open failure is logged and
// tolerated; check Available before using the draft repositories.
func New(cfg *config.Config, log *zap.Logger) *Engine {
	e := &Engine{cfg: cfg, log: log}

	store, err := db.Open(cfg.Storage.DataDir)
	if err != nil {
		log.Error("offline store unavailable, running degraded", zap.Error(err))
	} else if err := store.Migrate(); err != nil {
		log.Error("offline store migration failed, running degraded", zap.Error(err))
		store.Close()
	} else {
		e.store = store
		e.repo = db.NewRepository(store.DB)
		e.messages = drafts.NewMessages(e.repo, log)
		e.listings = drafts.NewListings(e.repo, log)
		deliverer := syncer.NewHTTPDeliverer(
			cfg.Sync.MessageEndpoint,
			cfg.Sync.ListingEndpoint,
			cfg.Sync.RequestTimeout,
		)
		e.coordinator = syncer.NewCoordinator(e.repo, deliverer, syncer.NopNotifier{}, log)
	}

	probe := connectivity.NewHTTPProbe(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeTimeout)
	e.monitor = connectivity.NewMonitor(probe, e.repo, log, cfg.Connectivity.ProbeInterval)
	return e
}

// Start begins connectivity monitoring, attaches to the background proxy's
// bridge if one is listening, and arms the reconnect trigger. A missing
// bridge is normal: the Engine then drains its own queues on reconnect.
func (e *Engine) Start(ctx context.Context) {
	e.monitor.OnReconnected(func() {
		e.log.Info("connection restored, starting sync")
		e.SyncPendingData(ctx)
	})
	e.monitor.Start(ctx)

	client, err := bridge.Dial(ctx, e.cfg.Bridge.Host, e.cfg.Bridge.Port, e.log)
	if err != nil {
		e.log.Info("background proxy not reachable, syncing locally", zap.Error(err))
		return
	}
	client.OnItemSynced(func(collection, id string) {
		e.refreshSyncing()
		e.mu.RLock()
		handlers := e.onItemSynced
		e.mu.RUnlock()
		for _, fn := range handlers {
			fn(collection, id)
		}
	})
	client.OnSyncCompleted(func(delivered, failed int) {
		// The drain is over; whatever failed stays visible through the
		// pending counts, not through the syncing indicator.
		e.setSyncing(false)
	})
	client.OnVersionReady(func(version string) {
		e.mu.RLock()
		handlers := e.onVersionReady
		e.mu.RUnlock()
		for _, fn := range handlers {
			fn(version)
		}
	})
	e.mu.Lock()
	e.client = client
	e.mu.Unlock()
}

// OnItemSynced registers a callback invoked each time the background proxy
// reports a record delivered. Duplicate notifications are possible; callers
// should treat them as hints and reread counts.
func (e *Engine) OnItemSynced(fn func(collection, id string)) {
	e.mu.Lock()
	e.onItemSynced = append(e.onItemSynced, fn)
	e.mu.Unlock()
}

// OnVersionReady registers a callback invoked when the background proxy has
// finished activating a new cache version.
func (e *Engine) OnVersionReady(fn func(version string)) {
	e.mu.Lock()
	e.onVersionReady = append(e.onVersionReady, fn)
	e.mu.Unlock()
}

// Available reports whether the persistent store opened successfully.
func (e *Engine) Available() bool {
	return e.repo != nil
}

// IsOnline returns the monitor's current state.
func (e *Engine) IsOnline() bool {
	return e.monitor.IsOnline()
}

// IsSyncing reports whether a sync pass is believed to be in flight.
func (e *Engine) IsSyncing() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.syncing
}

// Counts recomputes pending work from the store. Degraded engines report
// zero pending work.
func (e *Engine) Counts() connectivity.PendingCounts {
	if !e.Available() {
		return connectivity.PendingCounts{}
	}
	counts, err := e.monitor.Counts()
	if err != nil {
		e.log.Warn("failed to read pending counts", zap.Error(err))
		return connectivity.PendingCounts{}
	}
	return counts
}

// PendingMessages returns the number of unsynced queued messages.
func (e *Engine) PendingMessages() int {
	return e.Counts().Messages
}

// PendingListings returns the number of unsynced queued listings.
func (e *Engine) PendingListings() int {
	return e.Counts().Listings
}

// Messages returns the draft message repository, or nil when degraded.
func (e *Engine) Messages() *drafts.Messages {
	return e.messages
}

// Listings returns the draft listing repository, or nil when degraded.
func (e *Engine) Listings() *drafts.Listings {
	return e.listings
}

// CachedByCategory returns the unexpired cached responses of one category,
// for views that render from the offline cache. Degraded engines return
// nothing.
func (e *Engine) CachedByCategory(category string) ([]*models.CachedResponse, error) {
	if !e.Available() {
		return nil, nil
	}
	return e.repo.ListCachedByCategory(category, time.Now())
}

// SyncPendingData triggers a sync pass and returns immediately. When the
// bridge is connected the background proxy performs the drain against the
// shared store; otherwise the Engine drains locally. Completion shows up
// through IsSyncing and the recomputed counts.
func (e *Engine) SyncPendingData(ctx context.Context) {
	if !e.Available() {
		return
	}

	e.mu.Lock()
	e.syncing = true
	client := e.client
	e.mu.Unlock()

	if client != nil {
		if err := client.RequestSync(); err == nil {
			return
		}
		e.log.Warn("bridge sync request failed, draining locally")
	}

	go func() {
		if _, err := e.coordinator.Drain(ctx); err != nil {
			e.log.Error("sync pass failed", zap.Error(err))
		}
		// The pass is done either way; records that failed delivery stay
		// counted as pending but are no longer "syncing".
		e.setSyncing(false)
	}()
}

func (e *Engine) setSyncing(v bool) {
	e.mu.Lock()
	e.syncing = v
	e.mu.Unlock()
}

// refreshSyncing clears the syncing flag once the store holds no more
// pending work. Driven by per-item bridge notifications while a proxy-side
// drain is in flight.
func (e *Engine) refreshSyncing() {
	counts := e.Counts()
	if counts.Messages == 0 && counts.Listings == 0 && counts.QueueItems == 0 {
		e.setSyncing(false)
	}
}

// Close stops monitoring, disconnects the bridge, and closes the store.
func (e *Engine) Close() error {
	e.monitor.Stop()

	e.mu.Lock()
	client := e.client
	e.client = nil
	e.mu.Unlock()
	if client != nil {
		client.Close()
	}

	if e.repo != nil {
		e.repo.Close()
	}
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}
