package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ChrisColeTech/qwen-gateway/internal/config"
	"github.com/ChrisColeTech/qwen-gateway/internal/orchestrator"
	"github.com/ChrisColeTech/qwen-gateway/internal/retry"
	"github.com/ChrisColeTech/qwen-gateway/internal/server"
	"github.com/ChrisColeTech/qwen-gateway/internal/session"
	"github.com/ChrisColeTech/qwen-gateway/internal/storage/sqlite"
	"github.com/ChrisColeTech/qwen-gateway/internal/telemetry"
	"github.com/ChrisColeTech/qwen-gateway/internal/tokens"
	"github.com/ChrisColeTech/qwen-gateway/internal/upstream"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("qwen-gateway", logger)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load(os.Getenv("QWENGW_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Upstream.Token == "" {
		log.Fatal("upstream.token is required (set QWENGW_UPSTREAM__TOKEN)")
	}

	store := session.NewStore(cfg.Session.Timeout, logger)
	sweeper, err := session.NewSweeper(store, cfg.Session.SweepInterval, logger)
	if err != nil {
		log.Fatalf("failed to build session sweeper: %v", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	client := upstream.NewClient(cfg.Upstream.Token,
		upstream.WithBaseURL(cfg.Upstream.BaseURL))

	policy := retry.NewPolicy(
		retry.WithMaxAttempts(cfg.Retry.MaxAttempts),
		retry.WithInitialBackoff(cfg.Retry.InitialBackoff),
		retry.WithLogger(logger),
	)

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithDefaultModel(cfg.Upstream.DefaultModel),
	}

	if cfg.Storage.SQLitePath != "" {
		exchangeLog, err := sqlite.New(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("failed to open exchange log: %v", err)
		}
		defer exchangeLog.Close()
		opts = append(opts, orchestrator.WithExchangeLogger(exchangeLog))
	}

	if estimator, err := tokens.NewEstimator(); err != nil {
		logger.Warn("token estimator unavailable", slog.String("error", err.Error()))
	} else {
		opts = append(opts, orchestrator.WithUsageEstimator(estimator.Estimate))
	}

	orch := orchestrator.New(store, client, policy, opts...)
	srv := server.New(cfg.Server.Port, logger, orch)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
		return
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("gateway shutdown complete")
}
