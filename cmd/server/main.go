package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"financehub/internal/database"
	"financehub/internal/domain"
	"financehub/internal/driver"
	"financehub/internal/driver/drivertest"
	"financehub/internal/ingest"
	"financehub/internal/platform/config"
	"financehub/internal/platform/logging"
	"financehub/internal/platform/retry"
	"financehub/internal/redis"
	"financehub/internal/server"
	"financehub/internal/stats"
	"financehub/internal/supervisor"
	"financehub/internal/syncer"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *database.DB {
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.Migrate(ctx); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return db
}

func setupRedis(cfg *config.Config) *redis.Client {
	client, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

// registerDrivers wires the institution drivers into the registry, each
// wrapped with the timeout, breaker, and rate-limit policy. Real drivers are
// linked in by the embedding build; development gets a scripted demo bank so
// the API can be exercised end to end.
func registerDrivers(cfg *config.Config, reg *driver.Registry, clock clockwork.Clock) {
	opts := driver.Options{
		Timeout:   cfg.DriverTimeout,
		FetchRate: cfg.FetchRatePerSecond,
		Clock:     clock,
	}

	if cfg.AppEnv == "development" {
		demo := drivertest.PagedDriver([]domain.Page{
			{Records: []domain.RawRecord{
				{Date: "2024-06-01", Amount: "2500.00", Marker: "deposit", Description: "Salary"},
				{Date: "2024-06-03", Amount: "84.20", Marker: "withdrawal", Description: "Groceries"},
			}},
		})
		demo.LoginFunc = func(context.Context, string) (domain.LoginResult, error) {
			return domain.LoginResult{
				Token:    "demo-token",
				Accounts: []domain.AccountSnapshot{{ID: "demo-checking", DisplayName: "Demo Checking"}},
			}, nil
		}
		reg.Register("demo-bank", domain.KindBank, driver.Wrap("demo-bank", demo, opts))
		slog.Info("Registered demo driver", "institution", "demo-bank")
	}
}

func runGracefulShutdown(srv *server.Server, sup *supervisor.Supervisor, coord *syncer.Coordinator, reconciler *stats.Reconciler) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		coord.Stop()
		sup.Stop(shutdownCtx)
		reconciler.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	db := setupDB(cfg)
	defer func() { _ = db.Close() }()

	redisClient := setupRedis(cfg)
	defer func() { _ = redisClient.Close() }()

	txRepo := database.NewTransactionRepo(db)
	opRepo := database.NewSyncOperationRepo(db)
	sessionStore := redis.NewSessionStore(redisClient)
	statsCache := redis.NewStatsCache(redisClient)

	registry := driver.NewRegistry()
	registerDrivers(cfg, registry, clock)

	sup := supervisor.New(registry, sessionStore, clock, supervisor.Config{
		ExtendInterval:    cfg.ExtendInterval,
		Grace:             cfg.ExtendGrace,
		MaxExtendFailures: cfg.MaxExtendFailures,
		RetryBaseBackoff:  cfg.RetryBaseBackoff,
		RetryMaxBackoff:   cfg.RetryMaxBackoff,
	})
	if err := sup.RestoreFromStore(context.Background()); err != nil {
		slog.Warn("Failed to restore session records", "error", err)
	}

	statsEngine := stats.NewEngine(txRepo, statsCache)
	if err := statsEngine.Rebuild(context.Background()); err != nil {
		slog.Error("Failed to build aggregate stats", "error", err)
		os.Exit(1)
	}
	reconciler := stats.NewReconciler(statsEngine, txRepo, cfg.ReconcileInterval, clock)
	go reconciler.Start(context.Background())

	ingester := ingest.NewEngine(txRepo, clock)
	coord := syncer.New(sup, ingester, statsEngine, opRepo, clock, syncer.Config{
		MaxPages: cfg.MaxSyncPages,
		Timeout:  cfg.SyncTimeout,
		Retry: retry.Policy{
			MaxAttempts:    3,
			InitialBackoff: cfg.RetryBaseBackoff,
			MaxBackoff:     cfg.RetryMaxBackoff,
			Clock:          clock,
		},
	})
	coord.Start()

	srv := server.NewServer(cfg, sup, coord, statsEngine, txRepo, db, redisClient)

	done := runGracefulShutdown(srv, sup, coord, reconciler)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
