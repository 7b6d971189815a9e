package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/standard-Chan/standard-object-storage/internal/models"
)

// SQLiteStore keeps the queue in a local SQLite database. Concurrent writers
// are serialized by SQLite itself: WAL journaling plus a bounded busy timeout.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
}

var _ Queue = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the queue database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string, busyTimeout time.Duration, opts Options) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite: db path required")
	}
	// The parent directory must exist before sqlite can create the file.
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", sqliteDSN(path, busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db, opts: opts.withDefaults()}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := s.RunMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLiteReadOnly opens an existing queue database for inspection. It
// never creates the file or runs migrations, and the connection rejects writes.
func OpenSQLiteReadOnly(ctx context.Context, path string, busyTimeout time.Duration, opts Options) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite: db path required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open sqlite read-only: %w", err)
	}
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "query_only(1)")
	db, err := sql.Open("sqlite", path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLiteStore{db: db, opts: opts.withDefaults()}, nil
}

// sqliteDSN sets pragmas per connection so every pooled connection waits on
// locks instead of failing with SQLITE_BUSY.
func sqliteDSN(path string, busyTimeout time.Duration) string {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	q.Add("_pragma", "temp_store(FILE)")
	return path + "?" + q.Encode()
}

// RunMigrations executes the embedded SQLite migrations in order.
func (s *SQLiteStore) RunMigrations(ctx context.Context) error {
	stmts, err := readMigrations("sqlite")
	if err != nil {
		return err
	}
	for i, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec sqlite migration %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertOnFailure inserts a fresh row or advances the existing one in a single statement.
func (s *SQLiteStore) UpsertOnFailure(ctx context.Context, bucket, objectKey string, errType models.ErrorType, errMsg string) error {
	now := s.opts.Clock.Now()
	next := now.Add(s.opts.RetryInterval)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replication_queue
			(bucket, object_key, first_attempt_at, last_tried_at, retry_count, next_retry_at,
			 status, last_error_type, last_error_message)
		VALUES (?, ?, ?, ?, 0, ?, 'RETRYABLE', ?, ?)
		ON CONFLICT (bucket, object_key) DO UPDATE SET
			retry_count        = replication_queue.retry_count + 1,
			last_tried_at      = excluded.last_tried_at,
			next_retry_at      = excluded.next_retry_at,
			status             = CASE
			                       WHEN replication_queue.retry_count + 1 >= ? THEN 'FAILED_PERM'
			                       ELSE 'RETRYABLE'
			                     END,
			last_error_type    = excluded.last_error_type,
			last_error_message = excluded.last_error_message
		WHERE replication_queue.status = 'RETRYABLE'
	`, bucket, objectKey, toMillis(now), toMillis(now), toMillis(next), string(errType), truncateMessage(errMsg), s.opts.MaxRetry)
	if err != nil {
		return fmt.Errorf("upsert replication task: %w", err)
	}
	return nil
}

// FetchRetryBatch returns up to batchSize due rows; the read is a snapshot and takes no row locks.
func (s *SQLiteStore) FetchRetryBatch(ctx context.Context, batchSize int) ([]models.ReplicationTask, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket, object_key, first_attempt_at, last_tried_at, retry_count, next_retry_at,
		       status, last_error_type, last_error_message
		FROM replication_queue
		WHERE status = 'RETRYABLE' AND next_retry_at <= ?
		ORDER BY next_retry_at ASC, first_attempt_at ASC
		LIMIT ?
	`, toMillis(s.opts.Clock.Now()), batchSize)
	if err != nil {
		return nil, fmt.Errorf("fetch retry batch: %w", err)
	}
	return scanSQLiteTasks(rows)
}

func (s *SQLiteStore) DeleteOnSuccess(ctx context.Context, bucket, objectKey string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM replication_queue WHERE bucket = ? AND object_key = ?
	`, bucket, objectKey); err != nil {
		return fmt.Errorf("delete replication task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateOnRetryFailure(ctx context.Context, bucket, objectKey string, errType models.ErrorType, errMsg string) error {
	now := s.opts.Clock.Now()
	next := now.Add(s.opts.RetryInterval)
	_, err := s.db.ExecContext(ctx, `
		UPDATE replication_queue SET
			retry_count        = retry_count + 1,
			last_tried_at      = ?,
			next_retry_at      = ?,
			status             = CASE WHEN retry_count + 1 >= ? THEN 'FAILED_PERM' ELSE 'RETRYABLE' END,
			last_error_type    = ?,
			last_error_message = ?
		WHERE bucket = ? AND object_key = ? AND status = 'RETRYABLE'
	`, toMillis(now), toMillis(next), s.opts.MaxRetry, string(errType), truncateMessage(errMsg), bucket, objectKey)
	if err != nil {
		return fmt.Errorf("update replication task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkFailedPermanent(ctx context.Context, bucket, objectKey string, errType models.ErrorType, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE replication_queue SET
			status             = 'FAILED_PERM',
			last_tried_at      = ?,
			last_error_type    = ?,
			last_error_message = ?
		WHERE bucket = ? AND object_key = ? AND status = 'RETRYABLE'
	`, toMillis(s.opts.Clock.Now()), string(errType), truncateMessage(errMsg), bucket, objectKey)
	if err != nil {
		return fmt.Errorf("mark replication task failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, bucket, objectKey string) (models.ReplicationTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket, object_key, first_attempt_at, last_tried_at, retry_count, next_retry_at,
		       status, last_error_type, last_error_message
		FROM replication_queue WHERE bucket = ? AND object_key = ?
	`, bucket, objectKey)
	if err != nil {
		return models.ReplicationTask{}, fmt.Errorf("query replication task: %w", err)
	}
	tasks, err := scanSQLiteTasks(rows)
	if err != nil {
		return models.ReplicationTask{}, err
	}
	if len(tasks) == 0 {
		return models.ReplicationTask{}, ErrTaskNotFound
	}
	return tasks[0], nil
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]models.ReplicationTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket, object_key, first_attempt_at, last_tried_at, retry_count, next_retry_at,
		       status, last_error_type, last_error_message
		FROM replication_queue
		WHERE (? = '' OR status = ?)
		ORDER BY next_retry_at ASC, bucket ASC, object_key ASC
		LIMIT ?
	`, string(filter.Status), string(filter.Status), filter.limit())
	if err != nil {
		return nil, fmt.Errorf("list replication tasks: %w", err)
	}
	return scanSQLiteTasks(rows)
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM replication_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count replication tasks: %w", err)
	}
	defer rows.Close()

	counts := map[models.Status]int64{
		models.StatusRetryable:  0,
		models.StatusFailedPerm: 0,
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[models.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

func scanSQLiteTasks(rows *sql.Rows) ([]models.ReplicationTask, error) {
	defer rows.Close()

	var tasks []models.ReplicationTask
	for rows.Next() {
		var (
			task                 models.ReplicationTask
			firstAttempt, next   int64
			lastTried            sql.NullInt64
			status               string
			lastErrType, lastMsg sql.NullString
		)
		if err := rows.Scan(&task.Bucket, &task.ObjectKey, &firstAttempt, &lastTried, &task.RetryCount, &next,
			&status, &lastErrType, &lastMsg); err != nil {
			return nil, fmt.Errorf("scan replication task: %w", err)
		}
		task.FirstAttemptAt = fromMillis(firstAttempt)
		task.NextRetryAt = fromMillis(next)
		task.Status = models.Status(status)
		if lastTried.Valid {
			t := fromMillis(lastTried.Int64)
			task.LastTriedAt = &t
		}
		if lastErrType.Valid {
			et := models.ErrorType(lastErrType.String)
			task.LastErrorType = &et
		}
		if lastMsg.Valid {
			msg := lastMsg.String
			task.LastErrorMessage = &msg
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replication tasks: %w", err)
	}
	return tasks, nil
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
