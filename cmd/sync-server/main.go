// Package main provides the entry point for the sync server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/opsync/internal/config"
	"github.com/devrev/opsync/internal/metrics"
	"github.com/devrev/opsync/internal/server"
	"github.com/devrev/opsync/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	bootstrapUser := flag.String("bootstrap-user", "", "create the user with this email if missing and print a token for it")
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Bool("postgres", cfg.Database.URL != ""),
		zap.Bool("redis", cfg.Redis.Addr != ""),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, closeStores, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open stores", zap.Error(err))
	}
	defer closeStores()

	m := metrics.NewMetrics()

	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, logger)
		go func() {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
		logger.Info("metrics server started",
			zap.Int("port", cfg.Metrics.Port),
			zap.String("path", cfg.Metrics.Path),
		)
	}

	httpServer := server.NewServer(cfg, deps, logger)
	httpServer.SetupRoutes()

	if *bootstrapUser != "" {
		if err := bootstrap(ctx, httpServer, deps.Users, *bootstrapUser); err != nil {
			logger.Fatal("failed to bootstrap user", zap.Error(err))
		}
	}

	go httpServer.HealthCheck().Run(ctx, 15*time.Second)

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	logger.Info("HTTP server started", zap.Int("port", cfg.HTTP.Port))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.Error("server error", zap.Error(err))
	}

	logger.Info("initiating graceful shutdown")
	m.SetHealthStatus(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", zap.Error(err))
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", zap.Error(err))
		}
	}

	logger.Info("sync server shutdown complete")
}

// openStores selects Postgres and Redis when configured and falls back to
// in-memory stores otherwise.
func openStores(ctx context.Context, cfg *config.ServerConfig, logger *zap.Logger) (server.Dependencies, func(), error) {
	var deps server.Dependencies
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	cache := store.NewInMemoryCache(10000, time.Minute, logger)
	closers = append(closers, cache.Close)
	deps.TokenVersionCache = cache

	if cfg.Database.URL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		pool, err := store.NewPostgresPool(connectCtx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			closeAll()
			return deps, nil, err
		}
		closers = append(closers, pool.Close)
		if err := store.EnsureSchema(connectCtx, pool); err != nil {
			closeAll()
			return deps, nil, err
		}
		deps.Ops = store.NewPostgresOpStore(pool, logger)
		deps.Users = store.NewPostgresUserStore(pool, logger)
		logger.Info("using PostgreSQL stores")
	} else {
		deps.Ops = store.NewMemoryOpStore()
		deps.Users = store.NewMemoryUserStore()
		logger.Warn("no database configured, operations are kept in memory")
	}

	if cfg.Redis.Addr != "" {
		idem, err := store.NewRedisIdempotencyStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			closeAll()
			return deps, nil, err
		}
		closers = append(closers, func() { idem.Close() })
		deps.Idempotency = idem
		logger.Info("using Redis idempotency store", zap.String("addr", cfg.Redis.Addr))
	} else {
		deps.Idempotency = store.NewMemoryIdempotencyStore(cache)
	}

	return deps, closeAll, nil
}

func bootstrap(ctx context.Context, s *server.Server, users store.UserStore, email string) error {
	user, err := users.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		user, err = users.CreateUser(ctx, email)
	}
	if err != nil {
		return err
	}

	token, expiresAt, err := s.Authenticator().IssueFor(ctx, user.ID)
	if err != nil {
		return err
	}
	fmt.Printf("user:    %s (%s)\ntoken:   %s\nexpires: %s\n", user.Email, user.ID, token, expiresAt.Format(time.RFC3339))
	return nil
}

// initLogger initializes the zap logger.
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
