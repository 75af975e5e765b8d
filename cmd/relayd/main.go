// Command relayd runs the outbound AI request relay: an HTTP API in
// front of the deduplicating transport adapter, with request history
// and operational endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/lbds137/tzurot-sub005/internal/config"
	"github.com/lbds137/tzurot-sub005/internal/dedup"
	"github.com/lbds137/tzurot-sub005/internal/provider"
	"github.com/lbds137/tzurot-sub005/internal/relay"
	"github.com/lbds137/tzurot-sub005/internal/server"
	"github.com/lbds137/tzurot-sub005/internal/storage"
	"github.com/lbds137/tzurot-sub005/internal/storage/memory"
	"github.com/lbds137/tzurot-sub005/internal/storage/sqldb"
	"github.com/lbds137/tzurot-sub005/internal/telemetry"
	"github.com/lbds137/tzurot-sub005/internal/tokens"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the config file")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	shutdown, err := telemetry.Init("tzurot-relay", cfg.Tracing.Enabled, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	store, err := newStore(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open request store: %v", err)
	}
	if store != nil {
		defer store.Close()
	}

	pendingTTL, err := cfg.PendingTTL()
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	blackout, err := cfg.Blackout()
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	sweepInterval, err := cfg.SweepInterval()
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	shutdownTimeout, err := cfg.ShutdownTimeout()
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// One deduplicator and token registry outlive adapter swaps, so
	// in-flight coalescing and blackout windows survive a config reload.
	deduplicator := dedup.New(dedup.Options{
		PendingTTL: pendingTTL,
		Blackout:   blackout,
		Logger:     logger,
	})
	tokenRegistry := tokens.NewRegistry()

	adapter, err := newAdapter(cfg, deduplicator, tokenRegistry, logger)
	if err != nil {
		log.Fatalf("Failed to build transport adapter: %v", err)
	}

	srv := server.New(cfg.Server.Port, adapter, store, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Start(ctx, shutdownTimeout)
	})

	g.Go(func() error {
		deduplicator.RunSweeper(ctx, sweepInterval)
		return nil
	})

	// Hot-reload swaps the adapter when the config file changes; the
	// deduplicator and its windows carry over.
	if watcher, err := config.NewWatcher(*configPath, logger); err == nil {
		defer watcher.Close()
		watcher.Watch(ctx, func(next *config.Config) {
			swapped, err := newAdapter(next, deduplicator, tokenRegistry, logger)
			if err != nil {
				logger.Error("reload kept previous adapter", slog.String("error", err.Error()))
				return
			}
			srv.SetAdapter(swapped)
			logger.Info("adapter reconfigured",
				slog.String("provider", swapped.Provider()),
				slog.String("base_url", swapped.BaseURL()))
		})
	} else {
		logger.Info("config hot-reload disabled", slog.String("reason", err.Error()))
	}

	logger.Info("relay started",
		slog.Int("port", cfg.Server.Port),
		slog.String("provider", adapter.Provider()),
		slog.String("base_url", adapter.BaseURL()),
		slog.String("storage", cfg.Storage.Type),
		slog.Duration("pending_ttl", pendingTTL),
		slog.Duration("blackout", blackout),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("relay stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("relay shutdown complete")
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	if cfg.Logging.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func newStore(cfg *config.Config, logger *slog.Logger) (storage.RequestStore, error) {
	switch cfg.Storage.Type {
	case "sqlite":
		path := cfg.Storage.SQLite.Path
		if path == "" {
			path = "./data/relay.db"
		}
		logger.Info("request history on sqlite", slog.String("path", path))
		return sqldb.NewSQLite(path)
	case "none":
		logger.Info("request history disabled")
		return nil, nil
	default:
		logger.Info("request history in memory")
		return memory.New(), nil
	}
}

func newAdapter(cfg *config.Config, d *dedup.Deduplicator, reg *tokens.Registry, logger *slog.Logger) (*relay.Adapter, error) {
	pcfg, err := cfg.ProviderConfig()
	if err != nil {
		return nil, err
	}
	return provider.Create(pcfg,
		relay.WithLogger(logger),
		relay.WithDeduplicator(d),
		relay.WithTokenRegistry(reg),
	)
}
