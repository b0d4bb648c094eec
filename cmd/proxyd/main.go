// proxyd is the background network proxy daemon. It owns the shared offline
// store's schema, drains the durable queues when connectivity returns or a
// wake signal arrives, applies the per-route caching policy, and serves the
// localhost bridge that foreground contexts attach to.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agropulse/backend/internal/bridge"
	"github.com/agropulse/backend/internal/config"
	"github.com/agropulse/backend/internal/connectivity"
	"github.com/agropulse/backend/internal/db"
	"github.com/agropulse/backend/internal/proxy"
	"github.com/agropulse/backend/internal/syncer"
	"github.com/agropulse/backend/pkg/logger"
)

func main() {
	cfg := config.MustLoadConfig()

	log := logger.MustSetupLogger(&logger.Config{
		Level:      cfg.Logger.Level,
		FormatJSON: cfg.Logger.FormatJSON,
		Rotation: logger.Rotation{
			File:       cfg.Logger.Rotation.File,
			MaxSize:    cfg.Logger.Rotation.MaxSize,
			MaxBackups: cfg.Logger.Rotation.MaxBackups,
			MaxAge:     cfg.Logger.Rotation.MaxAge,
		},
	})
	defer log.Sync()

	log.Info("starting proxyd",
		zap.String("service", cfg.App.ServiceName),
		zap.String("version", cfg.App.Version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("proxyd exited with error", zap.Error(err))
		os.Exit(1)
	}

	log.Info("proxyd stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	store, err := db.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate store: %w", err)
	}

	repo := db.NewRepository(store.DB)
	defer repo.Close()

	deliverer := syncer.NewHTTPDeliverer(
		cfg.Sync.MessageEndpoint,
		cfg.Sync.ListingEndpoint,
		cfg.Sync.RequestTimeout,
	)

	var hub *bridge.Hub
	coordinator := syncer.NewCoordinator(repo, deliverer, syncer.NotifierFunc(func(collection, id string) {
		hub.ItemSynced(collection, id)
	}), log)

	// Every drain announces its completion so foregrounds can drop their
	// syncing indicator even when nothing was pending or delivery failed.
	drain := func(trigger string) {
		result, err := coordinator.Drain(ctx)
		if err != nil {
			log.Error(trigger+" sync failed", zap.Error(err))
		}
		hub.SyncCompleted(result.Delivered, result.Failed)
	}

	hub = bridge.NewHub(log, func() { go drain("requested") })
	defer hub.Stop()

	probe := connectivity.NewHTTPProbe(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeTimeout)
	monitor := connectivity.NewMonitor(probe, repo, log, cfg.Connectivity.ProbeInterval)
	monitor.OnReconnected(func() { go drain("reconnect") })
	monitor.Start(ctx)
	defer monitor.Stop()

	scheduler := syncer.NewScheduler(coordinator, monitor, cfg.Sync.Interval, log)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	var offlinePage []byte
	if cfg.Cache.OfflinePagePath != "" {
		offlinePage, err = os.ReadFile(cfg.Cache.OfflinePagePath)
		if err != nil {
			log.Warn("offline page unavailable", zap.Error(err))
		}
	}

	transport := proxy.NewTransport(nil, repo, proxy.Config{
		AppHosts:        cfg.Cache.AppHosts,
		DynamicPrefixes: cfg.Cache.DynamicPrefixes,
		DefaultTTL:      cfg.Cache.DefaultTTL,
		Version:         cfg.App.Version,
		OfflinePage:     offlinePage,
	}, log)

	px := proxy.New(transport, repo, coordinator, hub,
		cfg.Cache.StaticAssets, cfg.Cache.SweepInterval, log)
	if err := px.Activate(ctx); err != nil {
		return fmt.Errorf("failed to activate proxy: %w", err)
	}
	px.StartSweeper()
	defer px.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/bridge", hub.Handler())
	mux.HandleFunc("/wake", func(w http.ResponseWriter, r *http.Request) {
		result, err := px.HandleWake(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{"delivered":%d,"failed":%d}`, result.Delivered, result.Failed)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Bridge.Host, cfg.Bridge.Port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("bridge listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("bridge server failed: %w", err)
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
