/*
main.go - Application entry point

PURPOSE:
  Starts the agency ledger API: agent, vendor and office running-balance
  ledgers plus the entry counter tracker.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Build the zap logger
  3. Open the store (sqlite, postgres or memory)
  4. Seed entry counter rows for every known form type
  5. Wire ledger service, tracker, archiver, event publisher, metrics
  6. Start HTTP server with graceful shutdown

CONFIGURATION:
  PORT / -port                HTTP server port (default: 8080)
  DB_DRIVER / -driver         sqlite | postgres | memory (default: sqlite)
  DB_PATH / -db               SQLite database path (default: ./data/ledger.db)
  DATABASE_URL / -database-url PostgreSQL connection string
  KAFKA_BROKERS, KAFKA_TOPIC  Publish entry events when brokers are set
  ENVIRONMENT / -env          production | development (log format)
  LOG_LEVEL / -log-level      debug | info | warn | error
  REQUEST_TIMEOUT             Per-request deadline (default: 30s)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Flush the event publisher and close the store
  4. Exit

EXAMPLES:
  ./server -db="./data/ledger.db"
  ./server -driver=memory -env=development
  DATABASE_URL=postgres://... ./server -driver=postgres
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/warp/agency-ledger/api"
	"github.com/warp/agency-ledger/archive"
	"github.com/warp/agency-ledger/config"
	"github.com/warp/agency-ledger/counter"
	"github.com/warp/agency-ledger/events"
	"github.com/warp/agency-ledger/events/kafka"
	"github.com/warp/agency-ledger/ledger"
	"github.com/warp/agency-ledger/logger"
	"github.com/warp/agency-ledger/metrics"
	"github.com/warp/agency-ledger/store/memory"
	"github.com/warp/agency-ledger/store/postgres"
	"github.com/warp/agency-ledger/store/sqlite"
)

const serviceName = "agency-ledger"

// backend is what every storage driver provides.
type backend interface {
	ledger.TxStore
	counter.Store
	archive.Store
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	log, err := logger.New(serviceName, cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx := context.Background()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	publisher := events.Publisher(events.Nop{})
	if len(cfg.KafkaBrokers) > 0 {
		publisher = kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		log.Info("publishing entry events",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaTopic))
	}
	defer publisher.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	tracker := counter.NewTracker(store, log.Named("counter"), m)
	if err := tracker.EnsureInitialized(ctx, counter.AllFormTypes()); err != nil {
		return fmt.Errorf("seed entry counts: %w", err)
	}

	archives := archive.NewService(store, log.Named("archive"))
	svc := ledger.NewService(ledger.Deps{
		Store:     store,
		Counter:   tracker,
		Archiver:  archives,
		Publisher: publisher,
		Logger:    log.Named("ledger"),
		Metrics:   m,
	})

	handler := api.NewHandler(api.Deps{
		Ledger:   svc,
		Counter:  tracker,
		Archives: archives,
		Ping:     store.Ping,
		Logger:   log,
	})
	router := api.NewRouter(handler, api.RouterOptions{RequestTimeout: cfg.RequestTimeout})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.Int("port", cfg.Port),
			zap.String("driver", cfg.Driver))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (backend, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.Connect(ctx, cfg.DatabaseURL, log.Named("postgres"))
	case config.DriverMemory:
		log.Warn("using in-memory storage; data is lost on exit")
		return memory.New(), nil
	default:
		if cfg.DBPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
				return nil, err
			}
		}
		return sqlite.New(cfg.DBPath)
	}
}
