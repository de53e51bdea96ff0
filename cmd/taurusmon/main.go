package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taurusmon/taurusmon/internal/api"
	"github.com/taurusmon/taurusmon/internal/config"
	"github.com/taurusmon/taurusmon/internal/coredb"
	"github.com/taurusmon/taurusmon/internal/event"
	"github.com/taurusmon/taurusmon/internal/store"
	syncer "github.com/taurusmon/taurusmon/internal/sync"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("taurusmon", version)
		return
	}

	cfg, _, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("daemon error", zap.Error(err))
	}
	logger.Info("taurusmon stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.CheckVersion(ctx, version); err != nil {
		return err
	}

	core, err := coredb.New(ctx, db, cfg.Sync.WindowDays, logger.Named("coredb"))
	if err != nil {
		return err
	}

	deviceID := cfg.Server.DeviceID
	if deviceID == "" {
		deviceID, err = core.DeviceID(ctx)
		if err != nil {
			return err
		}
	}

	client := api.NewClient(cfg.Server.URL, cfg.Server.APIKey, deviceID, cfg.Server.Timeout, logger.Named("api"))
	bus := event.NewBus(logger.Named("event"))

	bus.SubscribeAll(func(_ context.Context, e event.Event) {
		logger.Debug("event", zap.String("topic", e.Topic), zap.String("source", e.Source))
	})

	sy := syncer.NewSyncer(core, client, bus, syncer.Config{
		SyncWindowDays:        cfg.Sync.WindowDays,
		QueueCapacity:         cfg.Sync.QueueCapacity,
		ConsumerTimeout:       cfg.Sync.ConsumerTimeout,
		MultiMetricBatchSpan:  cfg.Sync.MultiMetricBatchSpan,
		SingleMetricBatchSpan: cfg.Sync.SingleMetricBatchSpan,
		StaleFoldWindow:       cfg.Sync.StaleFoldWindow,
	}, logger.Named("sync"))

	var notif *syncer.NotificationSyncer
	if cfg.Notifications.Enabled {
		notif = syncer.NewNotificationSyncer(core, client, bus, nil, logger.Named("notifications"))
	}

	if cfg.Metrics.ListenAddr != "" {
		go serveMetrics(ctx, cfg.Metrics.ListenAddr, logger)
	}

	logger.Info("taurusmon running",
		zap.String("server", cfg.Server.URL),
		zap.String("device_id", deviceID),
		zap.Duration("interval", cfg.Sync.Interval),
	)

	ticker := time.NewTicker(cfg.Sync.Interval)
	defer ticker.Stop()

	// Initial sync before the first tick.
	cycle(ctx, sy, notif, logger)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cycle(ctx, sy, notif, logger)
		}
	}
}

// cycle runs one sync pass. Failures are logged, not fatal: the next tick
// retries from the last persisted watermark.
func cycle(ctx context.Context, sy *syncer.Syncer, notif *syncer.NotificationSyncer, logger *zap.Logger) {
	if err := sy.Sync(ctx); err != nil {
		switch {
		case api.IsAuthError(err):
			logger.Error("authentication failed, check api key", zap.Error(err))
		case api.IsCorruptData(err):
			logger.Warn("server response corrupt, will retry", zap.Error(err))
		default:
			logger.Warn("sync failed, will retry", zap.Error(err))
		}
		return
	}
	if notif != nil {
		if err := notif.Sync(ctx); err != nil {
			logger.Warn("notification sync failed", zap.Error(err))
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener started", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics listener failed", zap.Error(err))
	}
}
