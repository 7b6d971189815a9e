package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/standard-Chan/standard-object-storage/internal/models"
)

// PostgresStore wraps pgxpool for deployments that keep the queue in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts Options
}

var _ Queue = (*PostgresStore)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, opts Options) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool, opts: opts.withDefaults()}, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// RunMigrations executes the embedded Postgres migrations in order.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	stmts, err := readMigrations("postgres")
	if err != nil {
		return err
	}
	for i, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec postgres migration %d: %w", i+1, err)
		}
	}
	return nil
}

// UpsertOnFailure inserts or advances the row atomically; row locking on the
// conflict target serializes concurrent failures for the same key.
func (s *PostgresStore) UpsertOnFailure(ctx context.Context, bucket, objectKey string, errType models.ErrorType, errMsg string) error {
	now := s.opts.Clock.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO replication_queue
			(bucket, object_key, first_attempt_at, last_tried_at, retry_count, next_retry_at,
			 status, last_error_type, last_error_message)
		VALUES ($1, $2, $3, $3, 0, $4, 'RETRYABLE', $5, $6)
		ON CONFLICT (bucket, object_key) DO UPDATE SET
			retry_count        = replication_queue.retry_count + 1,
			last_tried_at      = EXCLUDED.last_tried_at,
			next_retry_at      = EXCLUDED.next_retry_at,
			status             = CASE
			                       WHEN replication_queue.retry_count + 1 >= $7 THEN 'FAILED_PERM'
			                       ELSE 'RETRYABLE'
			                     END,
			last_error_type    = EXCLUDED.last_error_type,
			last_error_message = EXCLUDED.last_error_message
		WHERE replication_queue.status = 'RETRYABLE'
	`, bucket, objectKey, now, now.Add(s.opts.RetryInterval), string(errType), truncateMessage(errMsg), s.opts.MaxRetry)
	if err != nil {
		return fmt.Errorf("upsert replication task: %w", err)
	}
	return nil
}

func (s *PostgresStore) FetchRetryBatch(ctx context.Context, batchSize int) ([]models.ReplicationTask, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT bucket, object_key, first_attempt_at, last_tried_at, retry_count, next_retry_at,
		       status, last_error_type, last_error_message
		FROM replication_queue
		WHERE status = 'RETRYABLE' AND next_retry_at <= $1
		ORDER BY next_retry_at ASC, first_attempt_at ASC
		LIMIT $2
	`, s.opts.Clock.Now(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("fetch retry batch: %w", err)
	}
	return scanPostgresTasks(rows)
}

func (s *PostgresStore) DeleteOnSuccess(ctx context.Context, bucket, objectKey string) error {
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM replication_queue WHERE bucket = $1 AND object_key = $2
	`, bucket, objectKey); err != nil {
		return fmt.Errorf("delete replication task: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateOnRetryFailure(ctx context.Context, bucket, objectKey string, errType models.ErrorType, errMsg string) error {
	now := s.opts.Clock.Now()
	_, err := s.pool.Exec(ctx, `
		UPDATE replication_queue SET
			retry_count        = retry_count + 1,
			last_tried_at      = $3,
			next_retry_at      = $4,
			status             = CASE WHEN retry_count + 1 >= $5 THEN 'FAILED_PERM' ELSE 'RETRYABLE' END,
			last_error_type    = $6,
			last_error_message = $7
		WHERE bucket = $1 AND object_key = $2 AND status = 'RETRYABLE'
	`, bucket, objectKey, now, now.Add(s.opts.RetryInterval), s.opts.MaxRetry, string(errType), truncateMessage(errMsg))
	if err != nil {
		return fmt.Errorf("update replication task: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkFailedPermanent(ctx context.Context, bucket, objectKey string, errType models.ErrorType, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE replication_queue SET
			status = 'FAILED_PERM', last_tried_at = $3, last_error_type = $4, last_error_message = $5
		WHERE bucket = $1 AND object_key = $2 AND status = 'RETRYABLE'
	`, bucket, objectKey, s.opts.Clock.Now(), string(errType), truncateMessage(errMsg))
	if err != nil {
		return fmt.Errorf("mark replication task failed: %w", err)
	}
	return nil
}

// Get fetches a row by key.
func (s *PostgresStore) Get(ctx context.Context, bucket, objectKey string) (models.ReplicationTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT bucket, object_key, first_attempt_at, last_tried_at, retry_count, next_retry_at,
		       status, last_error_type, last_error_message
		FROM replication_queue WHERE bucket = $1 AND object_key = $2
	`, bucket, objectKey)
	if err != nil {
		return models.ReplicationTask{}, fmt.Errorf("query replication task: %w", err)
	}
	tasks, err := scanPostgresTasks(rows)
	if err != nil {
		return models.ReplicationTask{}, err
	}
	if len(tasks) == 0 {
		return models.ReplicationTask{}, ErrTaskNotFound
	}
	return tasks[0], nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]models.ReplicationTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT bucket, object_key, first_attempt_at, last_tried_at, retry_count, next_retry_at,
		       status, last_error_type, last_error_message
		FROM replication_queue
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY next_retry_at ASC, bucket ASC, object_key ASC
		LIMIT $2
	`, string(filter.Status), filter.limit())
	if err != nil {
		return nil, fmt.Errorf("list replication tasks: %w", err)
	}
	return scanPostgresTasks(rows)
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM replication_queue GROUP BY status`)
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

func scanPostgresTasks(rows pgx.Rows) ([]models.ReplicationTask, error) {
	defer rows.Close()

	var tasks []models.ReplicationTask
	for rows.Next() {
		var (
			task        models.ReplicationTask
			lastTried   pgtype.Timestamptz
			status      string
			lastErrType pgtype.Text
			lastMsg     pgtype.Text
		)
		if err := rows.Scan(&task.Bucket, &task.ObjectKey, &task.FirstAttemptAt, &lastTried, &task.RetryCount,
			&task.NextRetryAt, &status, &lastErrType, &lastMsg); err != nil {
			return nil, fmt.Errorf("scan replication task: %w", err)
		}
		task.FirstAttemptAt = task.FirstAttemptAt.UTC()
		task.NextRetryAt = task.NextRetryAt.UTC()
		task.Status = models.Status(status)
		task.LastTriedAt = timestamptzPtr(lastTried)
		if p := textPtr(lastErrType); p != nil {
			et := models.ErrorType(*p)
			task.LastErrorType = &et
		}
		task.LastErrorMessage = textPtr(lastMsg)
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("iterate replication tasks: %w", err)
	}
	return tasks, nil
}

func timestamptzPtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
