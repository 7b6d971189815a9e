// Package store persists the replication queue: one row per object that has
// not yet been copied to the secondary.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/standard-Chan/standard-object-storage/internal/clock"
	"github.com/standard-Chan/standard-object-storage/internal/models"
)

const (
	DefaultMaxRetry      = 10
	DefaultRetryInterval = 10 * time.Second
	defaultListLimit     = 100
)

// ErrTaskNotFound is returned by Get when no row exists for the key.
var ErrTaskNotFound = errors.New("replication task not found")

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFiles embed.FS

// Queue is the durable replication queue shared by the upload path and the retry worker.
type Queue interface {
	// UpsertOnFailure records a failed attempt, creating the row at retry count 0
	// or advancing an existing RETRYABLE row.
	UpsertOnFailure(ctx context.Context, bucket, objectKey string, errType models.ErrorType, errMsg string) error
	// FetchRetryBatch returns due RETRYABLE rows, oldest next_retry_at first.
	FetchRetryBatch(ctx context.Context, batchSize int) ([]models.ReplicationTask, error)
	// DeleteOnSuccess removes the row; absent rows are not an error.
	DeleteOnSuccess(ctx context.Context, bucket, objectKey string) error
	// UpdateOnRetryFailure advances a RETRYABLE row after a failed retry; absent rows are ignored.
	UpdateOnRetryFailure(ctx context.Context, bucket, objectKey string, errType models.ErrorType, errMsg string) error
	// MarkFailedPermanent parks a row in FAILED_PERM without touching its retry count.
	MarkFailedPermanent(ctx context.Context, bucket, objectKey string, errType models.ErrorType, errMsg string) error

	Get(ctx context.Context, bucket, objectKey string) (models.ReplicationTask, error)
	List(ctx context.Context, filter ListFilter) ([]models.ReplicationTask, error)
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
	Close() error
}

// Options tunes retry bookkeeping shared by every implementation.
type Options struct {
	MaxRetry      int
	RetryInterval time.Duration
	Clock         clock.Clock
}

func (o Options) withDefaults() Options {
	if o.MaxRetry <= 0 {
		o.MaxRetry = DefaultMaxRetry
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	return o
}

// ListFilter narrows List results for operational inspection.
type ListFilter struct {
	Status models.Status // empty means any
	Limit  int
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

// readMigrations returns the embedded statements for a driver, ordered by file name.
func readMigrations(driver string) ([]string, error) {
	dir := path.Join("migrations", driver)
	entries, err := fs.ReadDir(migrationFiles, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	stmts := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		stmts = append(stmts, sql)
	}
	return stmts, nil
}

func truncateMessage(msg string) string {
	const max = 2048
	if len(msg) <= max {
		return msg
	}
	return strings.ToValidUTF8(msg[:max], "")
}
