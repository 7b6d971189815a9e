package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/standard-Chan/standard-object-storage/internal/models"
	"github.com/standard-Chan/standard-object-storage/internal/storage"
)

const (
	// HeaderReplicationRequest marks a PUT as node-to-node so the receiver
	// stores it without replicating it again.
	HeaderReplicationRequest = "X-Replication-Request"
	ReplicationPath          = "/internal/replications"

	DefaultReplicationTimeout = 10 * time.Second
	maxErrorBody              = 4 << 10
)

// ObjectSource is the part of the storage backend the client reads from.
type ObjectSource interface {
	Open(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)
}

// ClientConfig configures the transfer client.
type ClientConfig struct {
	SecondaryAddr string
	Timeout       time.Duration
	HTTPClient    *http.Client
}

// Client performs single replication attempts toward the secondary.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	source     ObjectSource
	logger     *zap.Logger
}

func NewClient(cfg ClientConfig, source ObjectSource, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultReplicationTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    normalizeAddr(cfg.SecondaryAddr),
		timeout:    cfg.Timeout,
		httpClient: cfg.HTTPClient,
		source:     source,
		logger:     logger,
	}
}

// normalizeAddr accepts "host:port" as well as full URLs.
func normalizeAddr(addr string) string {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if addr == "" {
		return ""
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return addr
}

// Replicate streams one object to the secondary. A nil return means the
// secondary answered 2xx. Every other outcome is a *TransferError whose Kind
// matches Classify.
func (c *Client) Replicate(ctx context.Context, bucket, objectKey string) error {
	if c.baseURL == "" {
		c.logger.Error("replication target not configured",
			zap.String("bucket", bucket), zap.String("object_key", objectKey))
		return &TransferError{Kind: models.ErrorNetwork, Err: ErrSecondaryNotConfigured}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := c.source.Open(ctx, bucket, objectKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &TransferError{Kind: models.ErrorUnknown, Err: fmt.Errorf("%w: %w", ErrLocalObjectMissing, err)}
		}
		return &TransferError{Kind: models.ErrorUnknown, Err: fmt.Errorf("open local object: %w", err)}
	}
	// Closing the stream on cancellation unblocks a transport stuck reading it.
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer func() {
		if stop() {
			_ = body.Close()
		}
	}()

	q := url.Values{}
	q.Set("bucket", bucket)
	q.Set("objectKey", objectKey)
	target := c.baseURL + ReplicationPath + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, io.NopCloser(body))
	if err != nil {
		return &TransferError{Kind: models.ErrorUnknown, Err: fmt.Errorf("build replication request: %w", err)}
	}
	req.Header.Set(HeaderReplicationRequest, "true")
	req.Header.Set("Content-Type", storage.ContentTypeOf(objectKey))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &TransferError{Kind: models.ErrorTimeout, Err: fmt.Errorf("replication exceeded %s: %w", c.timeout, context.DeadlineExceeded)}
		}
		return &TransferError{Kind: Classify(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &TransferError{
			Kind: models.ErrorHTTPNon2xx,
			Err:  &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))},
		}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return nil
}
