/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the warehouse engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, WAREHOUSE_* environment, flags)
  2. Open the SQLite state store
  3. Build the catalog and late-fee schedule
  4. Optionally connect the PostgreSQL warehouse sink
  5. Create the coordinator and redrive sink streams left by failed runs
  6. Create the API handler and router
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS (override environment):
  --addr               HTTP listen address (WAREHOUSE_LISTEN_ADDR)
  --db                 SQLite database path, ":memory:" for in-memory
  --workers            Dimension merge workers
  --late-fee-schedule  JSON schedule file
  --schemas            JSON file of extra schemas
  --pg-url             PostgreSQL sink URL; empty disables the sink
  --demo               Load demo scenarios on startup
  --verbose            Debug logging

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close the sink and the database
  4. Exit

SEE ALSO:
  - config/config.go: Environment configuration
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/warp/warehouse-engine/api"
	"github.com/warp/warehouse-engine/config"
	"github.com/warp/warehouse-engine/factory"
	"github.com/warp/warehouse-engine/insurance"
	"github.com/warp/warehouse-engine/logger"
	"github.com/warp/warehouse-engine/metrics"
	"github.com/warp/warehouse-engine/store/postgres"
	"github.com/warp/warehouse-engine/store/sqlite"
	"github.com/warp/warehouse-engine/warehouse"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flag.StringVar(&cfg.ListenAddr, "addr", cfg.ListenAddr, "HTTP listen address")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, `SQLite database path (":memory:" for in-memory)`)
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "dimension merge workers")
	flag.StringVar(&cfg.LateFeeSchedule, "late-fee-schedule", cfg.LateFeeSchedule, "late-fee schedule JSON file (default: insurance schedule)")
	flag.StringVar(&cfg.Schemas, "schemas", cfg.Schemas, "extra dimension/fact schemas JSON file")
	flag.StringVar(&cfg.Postgres.URL, "pg-url", cfg.Postgres.URL, "PostgreSQL warehouse sink URL (empty disables the sink)")
	flag.BoolVar(&cfg.LoadDemo, "demo", cfg.LoadDemo, "load demo scenarios on startup")
	flag.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "enable verbose (debug) logging")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.New(cfg.Verbose)
	metrics.BuildInfo.WithLabelValues(version, commit).Set(1)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// State store
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	// Catalog and schedule
	f := factory.New()
	catalog := insurance.NewCatalog()
	if cfg.Schemas != "" {
		if err := f.LoadSchemasFile(cfg.Schemas, catalog); err != nil {
			return err
		}
	}
	schedule := insurance.DefaultLateFeeSchedule()
	if cfg.LateFeeSchedule != "" {
		if schedule, err = f.LoadScheduleFile(cfg.LateFeeSchedule); err != nil {
			return err
		}
	}

	opts := []warehouse.CoordinatorOption{
		warehouse.WithWorkers(cfg.Workers),
		warehouse.WithLogger(log),
		warehouse.WithMergeOptions(warehouse.WithMergeRetry(cfg.MergeRetry)),
	}

	// Warehouse sink
	if cfg.Postgres.URL != "" {
		sink, err := postgres.Open(ctx, cfg.Postgres, log)
		if err != nil {
			return err
		}
		defer sink.Close()
		opts = append(opts, warehouse.WithSink(sink, cfg.SinkRetry))
		log.Info("postgres sink enabled")
	}

	coord := warehouse.NewCoordinator(store, catalog, warehouse.NewLateFeeCalculator(schedule, nil), opts...)
	if err := coord.ValidateConfig(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if sent, err := coord.Redrive(ctx); err != nil {
		log.Warn("pending sink streams not delivered", "error", err)
	} else if len(sent) > 0 {
		log.Info("delivered pending sink streams", "batches", len(sent))
	}

	handler := api.NewHandler(coord, log)
	if cfg.LoadDemo {
		if err := handler.LoadDemo(ctx); err != nil {
			return fmt.Errorf("load demo: %w", err)
		}
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.NewRouter(handler, cfg.CORSOrigins...),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.ListenAddr, "db", cfg.DBPath, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}
