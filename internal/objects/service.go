// Package objects implements the node's object operations: client uploads
// and downloads, and replicas received from a primary.
package objects

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/standard-Chan/standard-object-storage/internal/models"
	"github.com/standard-Chan/standard-object-storage/internal/replication"
	"github.com/standard-Chan/standard-object-storage/internal/storage"
	"github.com/standard-Chan/standard-object-storage/internal/telemetry"
)

// Replicator performs one transfer attempt to the secondary.
type Replicator interface {
	Replicate(ctx context.Context, bucket, objectKey string) error
}

// FailureQueue records failed inline replications for the retry worker.
type FailureQueue interface {
	UpsertOnFailure(ctx context.Context, bucket, objectKey string, errType models.ErrorType, errMsg string) error
}

// Service coordinates local storage with replication.
type Service struct {
	backend    storage.Backend
	replicator Replicator
	queue      FailureQueue
	logger     *zap.Logger
}

// New builds a service. A nil replicator disables inline replication, which
// is how secondaries run.
func New(backend storage.Backend, replicator Replicator, queue FailureQueue, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{backend: backend, replicator: replicator, queue: queue, logger: logger}
}

// Upload stores the object and, on a primary, makes one synchronous
// replication attempt. A failed attempt is queued before Upload returns and
// never fails the upload itself.
func (s *Service) Upload(ctx context.Context, bucket, objectKey, contentType string, body io.Reader) (storage.ObjectInfo, error) {
	info, err := s.backend.Put(ctx, bucket, objectKey, contentType, body)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("store object: %w", err)
	}
	telemetry.UploadBytes.Observe(float64(info.Size))
	s.logger.Info("object stored",
		zap.String("bucket", bucket),
		zap.String("object_key", objectKey),
		zap.Int64("size", info.Size),
		zap.String("etag", info.ETag))

	if s.replicator != nil {
		// The client disconnecting must not abandon the attempt or its queue entry.
		s.replicateInline(context.WithoutCancel(ctx), bucket, objectKey)
	}
	return info, nil
}

func (s *Service) replicateInline(ctx context.Context, bucket, objectKey string) {
	log := s.logger.With(zap.String("bucket", bucket), zap.String("object_key", objectKey))

	err := s.replicator.Replicate(ctx, bucket, objectKey)
	if err == nil {
		telemetry.ReplicationAttempts.WithLabelValues(telemetry.PathInline, telemetry.OutcomeSuccess).Inc()
		log.Info("object replicated to secondary")
		return
	}

	errType := replication.Classify(err)
	telemetry.ReplicationAttempts.WithLabelValues(telemetry.PathInline, string(errType)).Inc()
	if errors.Is(err, replication.ErrSecondaryNotConfigured) {
		log.Error("secondary address not configured; queueing replication")
	} else {
		log.Warn("replication to secondary failed; queueing for retry",
			zap.String("error_type", string(errType)),
			zap.Error(err))
	}

	if s.queue == nil {
		log.Error("no replication queue configured; replication will not be retried")
		return
	}
	if err := s.queue.UpsertOnFailure(ctx, bucket, objectKey, errType, err.Error()); err != nil {
		log.Error("failed to queue replication", zap.Error(err))
		return
	}
	telemetry.QueueUpserts.Inc()
}

// Download opens the object for streaming and returns its content type.
func (s *Service) Download(ctx context.Context, bucket, objectKey string) (io.ReadCloser, string, error) {
	rc, err := s.backend.Open(ctx, bucket, objectKey)
	if err != nil {
		return nil, "", err
	}
	telemetry.DownloadsServed.Inc()
	return rc, storage.ContentTypeOf(objectKey), nil
}

// ReceiveReplica stores bytes pushed by the primary. It never replicates
// further, which keeps a pair of nodes from bouncing an object back and forth.
func (s *Service) ReceiveReplica(ctx context.Context, bucket, objectKey, contentType string, body io.Reader) (storage.ObjectInfo, error) {
	info, err := s.backend.Put(ctx, bucket, objectKey, contentType, body)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("store replica: %w", err)
	}
	s.logger.Info("replica stored",
		zap.String("bucket", bucket),
		zap.String("object_key", objectKey),
		zap.Int64("size", info.Size))
	return info, nil
}

// DiskActivity reports in-flight local reads and writes for admission checks.
func (s *Service) DiskActivity() replication.DiskActivity {
	return replication.DiskActivity{
		ActiveDiskWrites: s.backend.ActiveWrites(),
		ActiveDiskReads:  s.backend.ActiveReads(),
	}
}
