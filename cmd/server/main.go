/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the points redemption server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (file, environment, flags)
  2. Build the logger
  3. Initialize the SQLite ledger store
  4. Select the reward provider (shopify or memory)
  5. Build coordinator, reconciler and API handler
  6. Run the HTTP server and the reconciler until a signal arrives

COMMAND-LINE FLAGS:
  -config     YAML config file (optional)
  -port       HTTP server port (overrides config)
  -db         SQLite database path (overrides config)
              Use ":memory:" for an in-memory database
  -provider   "shopify" or "memory" (overrides config)
  -scenarios  Mount the demo scenario routes

ENVIRONMENT:
  REDEMPTION_* variables, see config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the reconciler
  4. Close database connection

EXAMPLES:
  # Development, in-memory provider
  ./server -db="./data/points.db" -scenarios

  # Shopify
  REDEMPTION_SHOPIFY_ACCESS_TOKEN=shpat_... ./server -config=prod.yaml

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration sources
  - redemption/coordinator.go: Redemption saga
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/warp/points-redemption/api"
	"github.com/warp/points-redemption/config"
	"github.com/warp/points-redemption/provider"
	"github.com/warp/points-redemption/redemption"
	"github.com/warp/points-redemption/rewards"
	"github.com/warp/points-redemption/store/sqlite"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	providerKind := flag.String("provider", "", "reward provider: shopify or memory (overrides config)")
	scenarios := flag.Bool("scenarios", false, "mount demo scenario routes")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *providerKind != "" {
		cfg.Provider.Kind = *providerKind
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	// Store
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return fmt.Errorf("creating database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer store.Close()

	// Provider
	rewardProvider, err := newProvider(cfg.Provider, logger)
	if err != nil {
		return err
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observer, err := redemption.NewPrometheusObserver(reg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	catalog, err := rewards.NewCatalog(cfg.Milestones)
	if err != nil {
		return err
	}
	coord, err := redemption.New(redemption.Config{
		Store:           store,
		Provider:        rewardProvider,
		Catalog:         catalog,
		ProviderTimeout: cfg.Provider.Timeout,
		Logger:          logger,
		Observer:        observer,
	})
	if err != nil {
		return err
	}

	reconciler := redemption.NewReconciler(store, logger, observer)
	reconciler.Interval = cfg.Reconciler.Interval
	reconciler.StaleAfter = cfg.Reconciler.StaleAfter

	handler := api.NewHandler(coord, store, reconciler, logger)
	router := api.NewRouter(handler, api.RouterOptions{Gatherer: reg, Scenarios: *scenarios})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15*time.Second + cfg.Provider.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting",
			"addr", server.Addr,
			"provider", cfg.Provider.Kind,
			"db", cfg.Database.Path,
			"milestones", len(catalog.All()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.Reconciler.Enabled {
		g.Go(func() error {
			return reconciler.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func newProvider(cfg config.ProviderConfig, logger *slog.Logger) (provider.Provider, error) {
	switch cfg.Kind {
	case config.ProviderShopify:
		return provider.NewShopify(provider.ShopifyConfig{
			ShopDomain:  cfg.ShopDomain,
			APIVersion:  cfg.APIVersion,
			AccessToken: cfg.AccessToken,
			Timeout:     cfg.Timeout,
			Grace:       cfg.Grace,
			Logger:      logger,
		})
	case config.ProviderMemory:
		logger.Warn("using in-memory reward provider; codes are not real")
		return provider.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}
