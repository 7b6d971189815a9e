// Package worker retries replications that failed on the upload path.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/standard-Chan/standard-object-storage/internal/models"
	"github.com/standard-Chan/standard-object-storage/internal/replication"
	"github.com/standard-Chan/standard-object-storage/internal/store"
	"github.com/standard-Chan/standard-object-storage/internal/telemetry"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultBatchSize    = 5
)

// Queue is the subset of store.Queue the worker drives.
type Queue interface {
	FetchRetryBatch(ctx context.Context, batchSize int) ([]models.ReplicationTask, error)
	DeleteOnSuccess(ctx context.Context, bucket, objectKey string) error
	UpdateOnRetryFailure(ctx context.Context, bucket, objectKey string, errType models.ErrorType, errMsg string) error
	MarkFailedPermanent(ctx context.Context, bucket, objectKey string, errType models.ErrorType, errMsg string) error
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
}

// Replicator performs one transfer attempt.
type Replicator interface {
	Replicate(ctx context.Context, bucket, objectKey string) error
}

// Admission gates each poll on the secondary's load.
type Admission interface {
	IsSecondaryIdle(ctx context.Context) bool
}

// Config tunes the poll loop. MaxRetry must match the queue's so terminal
// transitions are reported.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetry     int
}

// Worker polls the replication queue on a fixed interval. At most one poll
// runs at a time; ticks that arrive while a poll is in flight are dropped.
type Worker struct {
	cfg        Config
	queue      Queue
	replicator Replicator
	admission  Admission
	logger     *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	inFlight atomic.Bool
	polls    sync.WaitGroup
}

func New(cfg Config, q Queue, r Replicator, a Admission, logger *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = store.DefaultMaxRetry
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:        cfg,
		queue:      q,
		replicator: r,
		admission:  a,
		logger:     logger.Named("retry-worker"),
	}
}

// Start launches the ticker loop. Calling Start on a running worker only logs a warning.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		w.logger.Warn("retry worker already running")
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, w.done)

	w.logger.Info("retry worker started",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("batch_size", w.cfg.BatchSize))
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Stop cancels the loop and waits for an in-flight poll. It is safe to call
// repeatedly or on a worker that was never started.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.running {
		w.cancel()
		<-w.done
		w.running = false
		w.cancel = nil
		w.logger.Info("retry worker stopped")
	}
	w.mu.Unlock()
	w.polls.Wait()
}

// Running reports whether Start has been called without a matching Stop.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Tick starts one poll in the background unless another is still running.
// It reports whether a poll was started.
func (w *Worker) Tick(ctx context.Context) bool {
	if !w.inFlight.CompareAndSwap(false, true) {
		telemetry.RetryPolls.WithLabelValues(telemetry.PollSkippedInFlight).Inc()
		w.logger.Debug("previous poll still running; skipping tick")
		return false
	}
	w.polls.Add(1)
	go func() {
		defer w.polls.Done()
		defer w.inFlight.Store(false)
		defer func() {
			if r := recover(); r != nil {
				telemetry.RetryPolls.WithLabelValues(telemetry.PollFailed).Inc()
				w.logger.Error("retry poll panicked", zap.Any("panic", r), zap.Stack("stack"))
			}
		}()

		err := w.PollOnce(ctx)
		if errors.Is(err, context.Canceled) {
			return
		}
		if err != nil {
			telemetry.RetryPolls.WithLabelValues(telemetry.PollFailed).Inc()
			w.logger.Error("retry poll failed", zap.Error(err))
		}
		w.refreshDepth(ctx)
	}()
	return true
}

// PollOnce runs a single poll cycle synchronously: admission check, batch
// fetch, then one attempt per task in the order returned.
func (w *Worker) PollOnce(ctx context.Context) error {
	if !w.admission.IsSecondaryIdle(ctx) {
		telemetry.AdmissionSkips.Inc()
		telemetry.RetryPolls.WithLabelValues(telemetry.PollSecondaryBusy).Inc()
		return nil
	}

	batch, err := w.queue.FetchRetryBatch(ctx, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch retry batch: %w", err)
	}
	if len(batch) == 0 {
		telemetry.RetryPolls.WithLabelValues(telemetry.PollEmpty).Inc()
		return nil
	}

	w.logger.Debug("retrying replications", zap.Int("count", len(batch)))
	for _, task := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.retry(ctx, task)
	}
	telemetry.RetryPolls.WithLabelValues(telemetry.PollProcessed).Inc()
	return nil
}

func (w *Worker) retry(ctx context.Context, task models.ReplicationTask) {
	log := w.logger.With(
		zap.String("bucket", task.Bucket),
		zap.String("object_key", task.ObjectKey),
		zap.Int("retry_count", task.RetryCount))

	err := w.replicator.Replicate(ctx, task.Bucket, task.ObjectKey)
	if err == nil {
		telemetry.ReplicationAttempts.WithLabelValues(telemetry.PathRetry, telemetry.OutcomeSuccess).Inc()
		// The transfer already happened; a failed delete is only logged so the
		// object is not sent twice on this poll.
		if err := w.queue.DeleteOnSuccess(ctx, task.Bucket, task.ObjectKey); err != nil {
			log.Error("replication succeeded but queue row was not deleted", zap.Error(err))
			return
		}
		log.Info("replication retry succeeded")
		return
	}

	if errors.Is(err, replication.ErrLocalObjectMissing) {
		telemetry.ReplicationAttempts.WithLabelValues(telemetry.PathRetry, string(models.ErrorUnknown)).Inc()
		telemetry.LocalObjectMissing.Inc()
		log.Error("queued object is missing from local storage; parking task", zap.Error(err))
		if err := w.queue.MarkFailedPermanent(ctx, task.Bucket, task.ObjectKey, models.ErrorUnknown, replication.ErrLocalObjectMissing.Error()); err != nil {
			log.Error("failed to park replication task", zap.Error(err))
			return
		}
		telemetry.TerminalFailures.Inc()
		return
	}

	errType := replication.Classify(err)
	telemetry.ReplicationAttempts.WithLabelValues(telemetry.PathRetry, string(errType)).Inc()
	if errors.Is(err, replication.ErrSecondaryNotConfigured) {
		log.Error("replication retry impossible: secondary address not configured")
	} else {
		log.Warn("replication retry failed",
			zap.String("error_type", string(errType)),
			zap.Int("status_code", replication.StatusCode(err)),
			zap.Error(err))
	}

	if err := w.queue.UpdateOnRetryFailure(ctx, task.Bucket, task.ObjectKey, errType, err.Error()); err != nil {
		log.Error("failed to record replication retry failure", zap.Error(err))
		return
	}
	if task.RetryCount+1 >= w.cfg.MaxRetry {
		telemetry.TerminalFailures.Inc()
		log.Error("replication task exhausted retries; manual intervention required",
			zap.String("error_type", string(errType)))
	}
}

func (w *Worker) refreshDepth(ctx context.Context) {
	counts, err := w.queue.CountByStatus(ctx)
	if err != nil {
		w.logger.Debug("queue depth unavailable", zap.Error(err))
		return
	}
	for status, n := range counts {
		telemetry.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
}
