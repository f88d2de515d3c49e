package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nanoclaw/core/internal/config"
	"github.com/nanoclaw/core/internal/orchestrator"
)

const shutdownGraceMs = 15000

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))
	log := slog.Default()

	cfg := config.Load()

	daemon, err := orchestrator.New(cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("nanoclawd started", "assistant", cfg.AssistantName, "backend", cfg.AgentBackend)

	done := make(chan struct{})
	go func() {
		_ = daemon.Run(ctx)
		close(done)
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownTimer := time.AfterFunc(time.Duration(shutdownGraceMs)*time.Millisecond, func() {
		log.Warn("shutdown grace period exceeded, exiting")
		os.Exit(1)
	})
	daemon.Shutdown(shutdownGraceMs)
	shutdownTimer.Stop()

	<-done
}
