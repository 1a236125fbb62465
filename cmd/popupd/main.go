// Popupd is a local daemon that scores browser popup candidates, learns
// from user decisions, and coordinates the ask/remind/timeout lifecycle
// for each detected popup.
//
// Configuration is loaded from an optional YAML file with POPUPD_*
// environment overrides. See internal/config for details.
//
// Usage:
//
//	# Start daemon with defaults
//	popupd
//
//	# Start with a config file
//	popupd -config /etc/popupd/config.yaml
//
//	# Configure via environment
//	POPUPD_SERVER_PORT=9710 popupd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/popupd/internal/config"
	"github.com/fyrsmithlabs/popupd/internal/decision"
	"github.com/fyrsmithlabs/popupd/internal/httpapi"
	"github.com/fyrsmithlabs/popupd/internal/logging"
	"github.com/fyrsmithlabs/popupd/internal/notify"
	"github.com/fyrsmithlabs/popupd/internal/patterns"
	"github.com/fyrsmithlabs/popupd/internal/scoring"
	"github.com/fyrsmithlabs/popupd/internal/stats"
	"github.com/fyrsmithlabs/popupd/internal/storage"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  popupd           Start the popupd daemon\n")
			fmt.Fprintf(os.Stderr, "  popupd version   Show version information\n")
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}

	log.Println("Daemon shutdown complete")
}

func printVersion() {
	fmt.Printf("popupd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until the context is cancelled.
//
// Startup order matters: persisted patterns and statistics are loaded and
// pending decisions restored before the HTTP server starts accepting
// traffic, so restored timers are live by the time new detections arrive.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info("Starting popupd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("in_memory_storage", cfg.Storage.InMemory),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing dependencies: %w", err)
	}
	defer deps.Close()

	svcs, err := initServices(ctx, cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("initializing services: %w", err)
	}
	defer svcs.Close()

	logger.Info("Services initialized",
		zap.Int("restored_pending", svcs.coordinator.PendingCount()),
		zap.Int("learned_patterns", svcs.patterns.Count()))

	srv, err := httpapi.NewServer(cfg.Server, svcs.coordinator, svcs.patterns, svcs.collector, deps.hub, logger)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	logger.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"),
		zap.String("notifications_endpoint", "/ws/notifications"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	return nil
}

// dependencies holds the infrastructure layer.
type dependencies struct {
	store  *storage.Store
	hub    *notify.Hub
	logger *zap.Logger
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.hub != nil {
		d.hub.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error("closing storage failed", zap.Error(err))
		}
	}
}

// services holds the business layer.
type services struct {
	patterns    *patterns.Store
	collector   *stats.Collector
	coordinator *decision.Coordinator
	sweeper     *decision.Sweeper
}

// Close stops background work. Pending decisions stay persisted for the
// next start.
func (s *services) Close() {
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.coordinator != nil {
		s.coordinator.Close()
	}
}

func initDependencies(_ context.Context, cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	store, err := storage.Open(cfg.Storage, cfg.Decision.HistoryCap, logger)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	logger.Info("Storage opened",
		zap.String("path", cfg.Storage.Path),
		zap.Bool("in_memory", cfg.Storage.InMemory))

	return &dependencies{
		store:  store,
		hub:    notify.NewHub(logger),
		logger: logger,
	}, nil
}

func initServices(ctx context.Context, cfg *config.Config, deps *dependencies, logger *zap.Logger) (*services, error) {
	pats := patterns.NewStore(cfg.Patterns, deps.store, logger)
	if err := pats.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading patterns: %w", err)
	}

	collector := stats.NewCollector(deps.store, logger)
	if err := collector.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading statistics: %w", err)
	}
	collector.SetPatternCount(pats.Count())

	scorer := scoring.NewScorer(cfg.Scoring.LikelyPopupThreshold)
	coordinator := decision.NewCoordinator(*cfg, scorer, pats, deps.store, deps.hub, collector, logger)
	if err := coordinator.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restoring pending decisions: %w", err)
	}

	sweeper, err := decision.NewSweeper(cfg.Decision.SweepInterval.Duration(), coordinator, pats, logger)
	if err != nil {
		return nil, fmt.Errorf("creating sweeper: %w", err)
	}
	if err := sweeper.Start(); err != nil {
		return nil, fmt.Errorf("starting sweeper: %w", err)
	}

	return &services{
		patterns:    pats,
		collector:   collector,
		coordinator: coordinator,
		sweeper:     sweeper,
	}, nil
}
