package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	DiskMetricsPath = "/metrics/disk"

	DefaultAdmissionTimeout = 3 * time.Second
	DefaultMaxDiskWrites    = 5
	DefaultMaxDiskReads     = 10
)

// DiskActivity is the load report served on DiskMetricsPath.
type DiskActivity struct {
	ActiveDiskWrites int64 `json:"activeDiskWrites"`
	ActiveDiskReads  int64 `json:"activeDiskReads"`
}

// AdmissionConfig configures the secondary load check.
type AdmissionConfig struct {
	SecondaryAddr string
	Timeout       time.Duration
	MaxDiskWrites int64
	MaxDiskReads  int64
	HTTPClient    *http.Client
}

// Admission asks the secondary whether it can take more retry traffic.
type Admission struct {
	baseURL    string
	timeout    time.Duration
	maxWrites  int64
	maxReads   int64
	httpClient *http.Client
	logger     *zap.Logger
}

func NewAdmission(cfg AdmissionConfig, logger *zap.Logger) *Admission {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAdmissionTimeout
	}
	if cfg.MaxDiskWrites <= 0 {
		cfg.MaxDiskWrites = DefaultMaxDiskWrites
	}
	if cfg.MaxDiskReads <= 0 {
		cfg.MaxDiskReads = DefaultMaxDiskReads
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Admission{
		baseURL:    normalizeAddr(cfg.SecondaryAddr),
		timeout:    cfg.Timeout,
		maxWrites:  cfg.MaxDiskWrites,
		maxReads:   cfg.MaxDiskReads,
		httpClient: cfg.HTTPClient,
		logger:     logger,
	}
}

// IsSecondaryIdle reports whether both disk counters are below their
// thresholds. Any failure to get a well-formed report counts as busy.
func (a *Admission) IsSecondaryIdle(ctx context.Context) bool {
	activity, err := a.fetch(ctx)
	if err != nil {
		a.logger.Warn("secondary load check failed; treating as busy", zap.Error(err))
		return false
	}
	idle := activity.ActiveDiskWrites < a.maxWrites && activity.ActiveDiskReads < a.maxReads
	if !idle {
		a.logger.Debug("secondary busy",
			zap.Int64("active_disk_writes", activity.ActiveDiskWrites),
			zap.Int64("active_disk_reads", activity.ActiveDiskReads))
	}
	return idle
}

// wireActivity uses pointers so absent fields are detected.
type wireActivity struct {
	ActiveDiskWrites *int64 `json:"activeDiskWrites"`
	ActiveDiskReads  *int64 `json:"activeDiskReads"`
}

func (a *Admission) fetch(ctx context.Context) (DiskActivity, error) {
	if a.baseURL == "" {
		return DiskActivity{}, ErrSecondaryNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+DiskMetricsPath, nil)
	if err != nil {
		return DiskActivity{}, fmt.Errorf("build disk metrics request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return DiskActivity{}, fmt.Errorf("query disk metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return DiskActivity{}, &StatusError{StatusCode: resp.StatusCode}
	}
	var wire wireActivity
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&wire); err != nil {
		return DiskActivity{}, fmt.Errorf("decode disk metrics: %w", err)
	}
	if wire.ActiveDiskWrites == nil || wire.ActiveDiskReads == nil {
		return DiskActivity{}, errors.New("disk metrics missing activeDiskWrites or activeDiskReads")
	}
	return DiskActivity{ActiveDiskWrites: *wire.ActiveDiskWrites, ActiveDiskReads: *wire.ActiveDiskReads}, nil
}
