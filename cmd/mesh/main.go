package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nidhogg/agent-mesh/internal/agent"
	"github.com/nidhogg/agent-mesh/internal/api"
	"github.com/nidhogg/agent-mesh/internal/bus"
	"github.com/nidhogg/agent-mesh/internal/config"
	"github.com/nidhogg/agent-mesh/internal/exec"
	"github.com/nidhogg/agent-mesh/internal/provider"
	"github.com/nidhogg/agent-mesh/internal/retention"
	"github.com/nidhogg/agent-mesh/internal/runner"
	pgstore "github.com/nidhogg/agent-mesh/internal/store"
	"github.com/nidhogg/agent-mesh/internal/tool"
)

// Exit codes: 0 clean shutdown, 1 fatal startup error, 2 migration
// failure.
const (
	exitStartup   = 1
	exitMigration = 2
)

func main() {
	_ = godotenv.Load()

	// Load configuration: file if present, environment otherwise.
	var cfg *config.Config
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/mesh.json"
	}
	if _, err := os.Stat(cfgPath); err == nil {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
			os.Exit(exitStartup)
		}
		cfg = loaded
	} else {
		cfg = config.FromEnv()
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	logger.Info("Starting agent-mesh...")

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		os.Exit(exitStartup)
	}

	store, err := pgstore.New(cfg.Database.URL, logger)
	if err != nil {
		logger.Error("database unavailable", zap.Error(err))
		os.Exit(exitStartup)
	}
	defer store.Close()

	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}
	if err := store.Migrate(context.Background(), migrationsDir); err != nil {
		logger.Error("migration failed", zap.Error(err))
		os.Exit(exitMigration)
	}

	// Provider and tool registries.
	providers := provider.NewRegistry(logger)
	for _, pc := range cfg.Providers {
		err := providers.Register(provider.Config{
			Tag: pc.Tag, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey, Models: pc.Models,
		})
		if err != nil {
			logger.Warn("skipping provider", zap.String("tag", pc.Tag), zap.Error(err))
		}
	}
	tools := tool.NewRegistry()
	tool.RegisterBuiltins(tools)

	// Execution core.
	eventBus := bus.New(store, time.Duration(cfg.Stream.HeartbeatSeconds)*time.Second, logger)
	step := agent.NewStep(providers, tools, eventBus, logger)
	graphRunner := runner.New(step, eventBus, logger)
	manager := exec.NewManager(store, store, graphRunner, eventBus, providers, tools,
		cfg.Executor.MaxConcurrentExecutions,
		time.Duration(cfg.Executor.DefaultTimeoutSeconds)*time.Second,
		logger)

	// Sweep zombie executions before the API opens.
	if err := manager.RecoverStartup(context.Background()); err != nil {
		logger.Error("startup recovery failed", zap.Error(err))
		os.Exit(exitStartup)
	}

	sweeper := retention.New(store, cfg.Retention.Days, cfg.Retention.Schedule, logger)
	if err := sweeper.Start(); err != nil {
		logger.Error("retention scheduler failed", zap.Error(err))
		os.Exit(exitStartup)
	}

	handler := api.NewHandler(store, manager, store, eventBus, providers, tools, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("agent-mesh listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down agent-mesh...")
	sweeper.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
