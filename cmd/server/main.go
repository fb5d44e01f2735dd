/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the rebate engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and environment config
  2. Apply command-line flag overrides
  3. Build the zap logger (production JSON or development console)
  4. Initialize SQLite store and the key locker (local or Redis)
  5. Create engine, API handler, router, activation scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS (override environment):
  -addr    HTTP listen address (HTTP_ADDR, default :8080)
  -db      SQLite database path (DB_PATH, default ./data/rebate.db)
           Use ":memory:" for in-memory database

ENVIRONMENT:
  APP_ENV               production | development (stack traces, log format)
  LOCK_BACKEND          local | redis
  REDIS_ADDR/REDIS_PASS Redis for the distributed key lock
  LOCK_TTL              Redis lock TTL (e.g. 10s)
  SYNC_CONCURRENCY      Parallel talent updates per agency sync
  ACTIVATION_SCHEDULER  true to promote due pending rates on a timer
  ACTIVATION_INTERVAL   Scheduler interval (e.g. 1h)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the activation scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database and Redis connections

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentworks/rebate-engine/api"
	"github.com/agentworks/rebate-engine/config"
	"github.com/agentworks/rebate-engine/rebate"
	"github.com/agentworks/rebate-engine/store/redislock"
	"github.com/agentworks/rebate-engine/store/sqlite"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Missing .env is fine: production injects the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	// Flags
	addr := flag.String("addr", cfg.HTTPAddr, "HTTP listen address")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()
	cfg.HTTPAddr, cfg.DBPath = *addr, *dbPath

	logger := newLogger(cfg)
	defer logger.Sync()

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.String("db", cfg.DBPath), zap.Error(err))
	}
	defer store.Close()

	opts := []rebate.Option{
		rebate.WithLogger(logger.Named("engine")),
		rebate.WithSyncConcurrency(cfg.SyncConcurrency),
	}
	if cfg.Lock.Backend == config.LockBackendRedis {
		locker, err := redislock.Dial(context.Background(), cfg.Lock.RedisAddr, cfg.Lock.RedisPass,
			redislock.WithTTL(cfg.Lock.TTL),
			redislock.WithLogger(logger.Named("lock")),
		)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.String("addr", cfg.Lock.RedisAddr), zap.Error(err))
		}
		defer locker.Close()
		opts = append(opts, rebate.WithLocker(locker))
		logger.Info("redis key lock enabled", zap.String("addr", cfg.Lock.RedisAddr))
	}
	engine := rebate.NewEngine(store, opts...)

	// Initialize handler
	handler := api.NewHandler(store, engine, logger.Named("http"))
	handler.ShowStack = !cfg.IsProduction()

	// Create router
	router := api.NewRouter(handler)

	scheduler := api.NewActivationScheduler(engine, logger.Named("scheduler"))
	scheduler.Enabled = cfg.ActivationScheduler
	scheduler.CheckInterval = cfg.ActivationInterval
	scheduler.Start()

	// Create server
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting", zap.String("addr", cfg.HTTPAddr), zap.String("env", cfg.AppEnv))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func newLogger(cfg *config.Config) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.IsProduction() {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	return logger
}
