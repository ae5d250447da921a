package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwygoda/fetchd/internal/adapter/s3"
	"github.com/cwygoda/fetchd/internal/adapter/sqlite"
	"github.com/cwygoda/fetchd/internal/adapter/ytdlp"
	"github.com/cwygoda/fetchd/internal/api"
	"github.com/cwygoda/fetchd/internal/config"
	"github.com/cwygoda/fetchd/internal/domain"
	"github.com/cwygoda/fetchd/internal/progress"
	"github.com/cwygoda/fetchd/internal/queue"
	"github.com/cwygoda/fetchd/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)
	log.Info("starting fetchd", "port", cfg.Port, "db", cfg.DBPath, "workers", cfg.Workers)

	repo, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer repo.Close()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStartup()

	var taskQueue domain.TaskQueue
	if cfg.RedisURL != "" {
		rq, err := queue.NewRedis(cfg.RedisURL, cfg.QueueKey)
		if err != nil {
			return err
		}
		if err := rq.Ping(startupCtx); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
		defer rq.Close()
		reclaimed, err := rq.Reclaim(startupCtx)
		if err != nil {
			return fmt.Errorf("reclaim orphaned tasks: %w", err)
		}
		if reclaimed > 0 {
			log.Info("reclaimed orphaned tasks", "count", reclaimed)
		}
		taskQueue = rq
		log.Info("task queue: redis", "key", cfg.QueueKey)
	} else {
		taskQueue = queue.NewMemory(0)
		log.Warn("task queue: in-memory, tasks do not survive restarts")
	}

	uploader, err := s3.New(startupCtx, s3.Config{
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		Bucket:    cfg.S3.Bucket,
		UseSSL:    cfg.S3.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("initialize object storage: %w", err)
	}

	hub := progress.NewHub()
	fetcher := ytdlp.New(cfg.YtdlpPath)

	orch := domain.NewOrchestrator(repo, taskQueue, fetcher, uploader, hub, domain.Options{
		ProgressInterval: cfg.ProgressInterval.Duration,
		PresignTTL:       cfg.PresignTTL.Duration,
		Logger:           log.With("component", "orchestrator"),
	})

	recovered, err := orch.RecoverStale(startupCtx)
	if err != nil {
		return fmt.Errorf("recover stale jobs: %w", err)
	}
	if recovered > 0 {
		log.Info("recovered stale jobs", "count", recovered)
	}

	pool := worker.New(taskQueue, orch, cfg.Workers, log.With("component", "worker"))

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := api.NewServer(orch, hub, addr, log.With("component", "http"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go pool.Run(ctx)

	go func() {
		log.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "error", err)
		}
	}()

	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", "error", err)
	}

	log.Info("shutdown complete")
	return nil
}
