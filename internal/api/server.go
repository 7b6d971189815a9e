// Package api exposes the storage node over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/standard-Chan/standard-object-storage/internal/clock"
	"github.com/standard-Chan/standard-object-storage/internal/models"
	"github.com/standard-Chan/standard-object-storage/internal/objects"
	"github.com/standard-Chan/standard-object-storage/internal/presign"
	"github.com/standard-Chan/standard-object-storage/internal/ratelimit"
	"github.com/standard-Chan/standard-object-storage/internal/replication"
	"github.com/standard-Chan/standard-object-storage/internal/storage"
	"github.com/standard-Chan/standard-object-storage/internal/store"
	"github.com/standard-Chan/standard-object-storage/internal/telemetry"
)

const (
	uploadPrefix    = "/uploads/direct/"
	queueTaskPrefix = replication.ReplicationPath + "/queue/"
)

// Limiter throttles client uploads per storage bucket.
type Limiter interface {
	Allow(ctx context.Context, bucket string) (ratelimit.Decision, error)
}

// QueueReader is the read side of the replication queue used for inspection.
type QueueReader interface {
	Get(ctx context.Context, bucket, objectKey string) (models.ReplicationTask, error)
	List(ctx context.Context, filter store.ListFilter) ([]models.ReplicationTask, error)
}

// Options wires the server's collaborators. Queue and Limiter are optional.
type Options struct {
	Objects        *objects.Service
	Verifier       *presign.Verifier
	Queue          QueueReader
	Limiter        Limiter
	Logger         *zap.Logger
	Clock          clock.Clock
	MaxUploadBytes int64
}

// Server wires HTTP handlers for client, replication and operator traffic.
type Server struct {
	objects        *objects.Service
	verifier       *presign.Verifier
	queue          QueueReader
	limiter        Limiter
	logger         *zap.Logger
	clock          clock.Clock
	maxUploadBytes int64
}

// New constructs the API server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Verifier == nil {
		opts.Verifier = presign.NewVerifier("")
	}
	return &Server{
		objects:        opts.Objects,
		verifier:       opts.Verifier,
		queue:          opts.Queue,
		limiter:        opts.Limiter,
		logger:         opts.Logger,
		clock:          opts.Clock,
		maxUploadBytes: opts.MaxUploadBytes,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Handle("/metrics", telemetry.Handler())
	r.Get(replication.DiskMetricsPath, s.handleDiskMetrics)

	r.Put(uploadPrefix+"{bucket}/*", s.handleUpload)
	r.Get(uploadPrefix+"{bucket}/*", s.handleDownload)

	r.With(requireReplicationHeader).Put(replication.ReplicationPath, s.handleReceiveReplica)
	r.With(requireReplicationHeader).Get(replication.ReplicationPath+"/queue", s.handleListQueue)
	r.With(requireReplicationHeader).Get(queueTaskPrefix+"{bucket}/*", s.handleGetQueueTask)
	return r
}

// response is the envelope of every JSON answer except /metrics/disk.
type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	q, ok := s.verify(w, r, http.MethodPut)
	if !ok {
		return
	}
	if s.limiter != nil {
		decision, err := s.limiter.Allow(r.Context(), q.Bucket)
		if err != nil {
			s.logger.Error("rate limiter unavailable", zap.Error(err))
			writeMessage(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			writeMessage(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	body := io.Reader(r.Body)
	if s.maxUploadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	info, err := s.objects.Upload(r.Context(), q.Bucket, q.ObjectKey, r.Header.Get("Content-Type"), body)
	if err != nil {
		s.writeError(w, err, "upload failed")
		return
	}
	writeJSON(w, http.StatusCreated, response{Success: true, Message: "object uploaded", Data: info})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	q, ok := s.verify(w, r, http.MethodGet)
	if !ok {
		return
	}
	rc, contentType, err := s.objects.Download(r.Context(), q.Bucket, q.ObjectKey)
	if err != nil {
		s.writeError(w, err, "download failed")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("download interrupted",
			zap.String("bucket", q.Bucket), zap.String("object_key", q.ObjectKey), zap.Error(err))
	}
}

// verify checks the presigned query and that it names the object in the path.
func (s *Server) verify(w http.ResponseWriter, r *http.Request, method string) (presign.Query, bool) {
	q := presign.FromValues(r.URL.Query())
	if err := s.verifier.Verify(q, method, s.clock.Now()); err != nil {
		var pe *presign.Error
		if errors.As(err, &pe) {
			s.logger.Warn("presigned URL rejected", zap.Int("status", pe.Status), zap.String("reason", pe.Message))
			writeMessage(w, pe.Status, pe.Message)
			return q, false
		}
		s.writeError(w, err, "validation failed")
		return q, false
	}
	bucket, key, err := pathObject(r, uploadPrefix)
	if err != nil || bucket != q.Bucket || key != q.ObjectKey {
		writeMessage(w, http.StatusBadRequest, "path does not match the signed bucket and objectKey")
		return q, false
	}
	return q, true
}

func (s *Server) handleReceiveReplica(w http.ResponseWriter, r *http.Request) {
	bucket, objectKey := r.URL.Query().Get("bucket"), r.URL.Query().Get("objectKey")
	if bucket == "" || objectKey == "" {
		writeMessage(w, http.StatusBadRequest, "missing required parameters: bucket, objectKey")
		return
	}
	body := io.Reader(r.Body)
	if s.maxUploadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	info, err := s.objects.ReceiveReplica(r.Context(), bucket, objectKey, r.Header.Get("Content-Type"), body)
	if err != nil {
		s.writeError(w, err, "replication failed")
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: "replica stored", Data: info})
}

func (s *Server) handleDiskMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.objects.DiskActivity())
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeMessage(w, http.StatusNotFound, "replication queue is not enabled on this node")
		return
	}
	var filter store.ListFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := models.ParseStatus(raw)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	tasks, err := s.queue.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err, "list replication queue failed")
		return
	}
	if tasks == nil {
		tasks = []models.ReplicationTask{}
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: "ok", Data: tasks})
}

func (s *Server) handleGetQueueTask(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeMessage(w, http.StatusNotFound, "replication queue is not enabled on this node")
		return
	}
	bucket, key, err := pathObject(r, queueTaskPrefix)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid object key")
		return
	}
	task, err := s.queue.Get(r.Context(), bucket, key)
	if err != nil {
		s.writeError(w, err, "get replication task failed")
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: "ok", Data: task})
}

// pathObject splits the escaped request path below prefix into bucket and key,
// unescaping each exactly once. chi's URL params are already decoded when the
// path has no RawPath, so a key such as "100%.txt" cannot be taken from them.
func pathObject(r *http.Request, prefix string) (string, string, error) {
	rest, ok := strings.CutPrefix(r.URL.EscapedPath(), prefix)
	if !ok {
		return "", "", fmt.Errorf("path %q is not under %s", r.URL.EscapedPath(), prefix)
	}
	rawBucket, rawKey, ok := strings.Cut(rest, "/")
	if !ok || rawKey == "" {
		return "", "", errors.New("path has no object key")
	}
	bucket, err := url.PathUnescape(rawBucket)
	if err != nil {
		return "", "", fmt.Errorf("bucket: %w", err)
	}
	key, err := url.PathUnescape(rawKey)
	if err != nil {
		return "", "", fmt.Errorf("object key: %w", err)
	}
	return bucket, key, nil
}

func requireReplicationHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(replication.HeaderReplicationRequest) == "" {
			writeMessage(w, http.StatusForbidden, "replication request rejected: "+replication.HeaderReplicationRequest+" header required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records request counts and latency by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		telemetry.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		telemetry.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error, msg string) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, storage.ErrInvalidKey):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, store.ErrTaskNotFound):
		writeMessage(w, http.StatusNotFound, err.Error())
	case errors.As(err, &maxErr):
		writeMessage(w, http.StatusRequestEntityTooLarge, "object exceeds the upload size limit")
	default:
		s.logger.Error(msg, zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, msg)
	}
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, response{Success: code < 400, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
