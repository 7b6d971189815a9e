package telemetry

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Replication paths.
const (
	PathInline = "inline"
	PathRetry  = "retry"
)

// OutcomeSuccess is the outcome label of a successful attempt; failures use the error type.
const OutcomeSuccess = "success"

// Poll results.
const (
	PollSkippedInFlight = "skipped_inflight"
	PollSecondaryBusy   = "secondary_busy"
	PollEmpty           = "empty"
	PollProcessed       = "processed"
	PollFailed          = "failed"
)

var (
	once sync.Once

	ReplicationAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storagenode_replication_attempts_total",
		Help: "Replication attempts by path and outcome",
	}, []string{"path", "outcome"})
	QueueUpserts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "storagenode_replication_queue_upserts_total",
		Help: "Failed inline replications recorded in the queue",
	})
	RetryPolls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storagenode_replication_retry_polls_total",
		Help: "Retry worker ticks by result",
	}, []string{"result"})
	AdmissionSkips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "storagenode_replication_admission_skips_total",
		Help: "Poll cycles skipped because the secondary was busy or unreachable",
	})
	TerminalFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "storagenode_replication_failed_permanent_total",
		Help: "Replication tasks that reached FAILED_PERM",
	})
	LocalObjectMissing = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "storagenode_replication_local_missing_total",
		Help: "Queued objects that were missing from local storage at retry time",
	})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storagenode_replication_queue_depth",
		Help: "Replication queue rows by status",
	}, []string{"status"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "storagenode_rate_limit_rejects_total",
		Help: "Uploads rejected by the rate limiter",
	})
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storagenode_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"method", "route", "code"})
	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storagenode_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
	UploadBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "storagenode_upload_bytes",
		Help:    "Size of stored objects",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 12),
	})
	DownloadsServed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "storagenode_downloads_total",
		Help: "Objects streamed to clients",
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	register()
	return promhttp.Handler()
}

func register() {
	once.Do(func() {
		prometheus.MustRegister(
			ReplicationAttempts,
			QueueUpserts,
			RetryPolls,
			AdmissionSkips,
			TerminalFailures,
			LocalObjectMissing,
			QueueDepth,
			RateLimitRejects,
			HTTPRequests,
			HTTPDuration,
			UploadBytes,
			DownloadsServed,
		)
	})
}

// RegisterDisk exports capacity gauges for the filesystem holding path.
// Registering the same path twice is not an error.
func RegisterDisk(path string) error {
	register()
	err := prometheus.Register(NewDiskCollector(path))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}
