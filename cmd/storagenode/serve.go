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

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/standard-Chan/standard-object-storage/internal/api"
	"github.com/standard-Chan/standard-object-storage/internal/config"
	"github.com/standard-Chan/standard-object-storage/internal/logging"
	"github.com/standard-Chan/standard-object-storage/internal/objects"
	"github.com/standard-Chan/standard-object-storage/internal/presign"
	"github.com/standard-Chan/standard-object-storage/internal/ratelimit"
	"github.com/standard-Chan/standard-object-storage/internal/replication"
	"github.com/standard-Chan/standard-object-storage/internal/storage"
	"github.com/standard-Chan/standard-object-storage/internal/store"
	"github.com/standard-Chan/standard-object-storage/internal/telemetry"
	"github.com/standard-Chan/standard-object-storage/internal/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the storage node HTTP server (and the retry worker on a primary)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		ServiceName: "storage-node-" + cfg.NodeRole,
		Level:       cfg.LogLevel,
		Development: cfg.Env == "development",
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Error("open object storage", zap.Error(err))
		return err
	}
	if err := telemetry.RegisterDisk(cfg.StorageRoot); err != nil {
		logger.Warn("disk metrics unavailable", zap.Error(err))
	}

	var (
		queue   store.Queue
		service *objects.Service
		retries *worker.Worker
	)
	if cfg.IsPrimary() {
		queue, err = openQueue(ctx, cfg, false)
		if err != nil {
			logger.Error("open replication queue", zap.Error(err))
			return err
		}
		defer func() { _ = queue.Close() }()

		if cfg.SecondaryNodeAddr == "" {
			logger.Error("SECONDARY_NODE_ADDR is not set; every replication will be queued and fail")
		}
		client := replication.NewClient(replication.ClientConfig{
			SecondaryAddr: cfg.SecondaryNodeAddr,
			Timeout:       cfg.ReplicationTimeout,
		}, backend, logger.Named("replication"))
		admission := replication.NewAdmission(replication.AdmissionConfig{
			SecondaryAddr: cfg.SecondaryNodeAddr,
			Timeout:       cfg.AdmissionTimeout,
			MaxDiskWrites: int64(cfg.AdmissionMaxDiskWrites),
			MaxDiskReads:  int64(cfg.AdmissionMaxDiskReads),
		}, logger.Named("admission"))

		service = objects.New(backend, client, queue, logger.Named("objects"))
		retries = worker.New(worker.Config{
			PollInterval: cfg.RetryPollInterval,
			BatchSize:    cfg.RetryBatchSize,
			MaxRetry:     cfg.MaxRetry,
		}, queue, client, admission, logger)
		retries.Start(ctx)
	} else {
		service = objects.New(backend, nil, nil, logger.Named("objects"))
		logger.Info("replication retry worker disabled", zap.String("node_role", cfg.NodeRole))
	}

	opts := api.Options{
		Objects:        service,
		Verifier:       presign.NewVerifier(cfg.PresignSecret),
		Logger:         logger.Named("http"),
		MaxUploadBytes: cfg.MaxUploadBytes,
	}
	if queue != nil {
		opts.Queue = queue
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { _ = rdb.Close() }()
		opts.Limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(opts).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("storage node listening",
			zap.String("addr", httpServer.Addr),
			zap.String("node_role", cfg.NodeRole))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	// Drain uploads first so their inline replications can still reach the queue.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if retries != nil {
		retries.Stop()
	}
	logger.Info("storage node stopped")
	return serveErr
}

func openBackend(ctx context.Context, cfg config.Config) (storage.Backend, error) {
	switch cfg.StorageDriver {
	case config.StorageDriverS3:
		client, err := storage.NewS3Client(ctx, storage.S3Options{
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		spool := filepath.Join(cfg.StorageRoot, ".spool")
		if err := os.MkdirAll(spool, 0o755); err != nil {
			return nil, fmt.Errorf("create spool dir: %w", err)
		}
		return storage.NewS3Backend(client, cfg.S3Bucket, spool), nil
	default:
		return storage.NewLocalBackend(cfg.StorageRoot)
	}
}
