package objects

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/standard-Chan/standard-object-storage/internal/models"
	"github.com/standard-Chan/standard-object-storage/internal/replication"
	"github.com/standard-Chan/standard-object-storage/internal/storage"
	"github.com/standard-Chan/standard-object-storage/internal/store"
)

type stubReplicator struct {
	mu          sync.Mutex
	err         error
	calls       int
	hadDeadline bool
	ctxErr      error
}

func (s *stubReplicator) Replicate(ctx context.Context, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	_, s.hadDeadline = ctx.Deadline()
	s.ctxErr = ctx.Err()
	return s.err
}

func newBackend(t *testing.T) *storage.LocalBackend {
	t.Helper()
	b, err := storage.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	return b
}

func newQueue(t *testing.T) *store.SQLiteStore {
	t.Helper()
	q, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "queue.db"), time.Second, store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func refused() error {
	return &replication.TransferError{
		Kind: models.ErrorNetwork,
		Err:  os.NewSyscallError("connect", syscall.ECONNREFUSED),
	}
}

func TestUploadReplicationSuccessLeavesQueueEmpty(t *testing.T) {
	ctx := context.Background()
	backend, q := newBackend(t), newQueue(t)
	r := &stubReplicator{}
	svc := New(backend, r, q, nil)

	info, err := svc.Upload(ctx, "photos", "a.jpg", "image/jpeg", strings.NewReader("bytes"))
	require.NoError(t, err)
	require.Equal(t, int64(5), info.Size)
	require.Equal(t, 1, r.calls)

	_, err = q.Get(ctx, "photos", "a.jpg")
	require.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestUploadReplicationFailureIsQueued(t *testing.T) {
	ctx := context.Background()
	backend, q := newBackend(t), newQueue(t)
	svc := New(backend, &stubReplicator{err: refused()}, q, nil)

	info, err := svc.Upload(ctx, "photos", "a.jpg", "", strings.NewReader("bytes"))
	require.NoError(t, err, "replication failures never fail the upload")
	require.Equal(t, "image/jpeg", info.ContentType)

	task, err := q.Get(ctx, "photos", "a.jpg")
	require.NoError(t, err)
	require.Equal(t, 0, task.RetryCount)
	require.Equal(t, models.StatusRetryable, task.Status)
	require.Equal(t, models.ErrorNetwork, *task.LastErrorType)
	require.Contains(t, *task.LastErrorMessage, "connection refused")
}

func TestUploadMissingSecondaryIsQueuedAsNetwork(t *testing.T) {
	ctx := context.Background()
	backend, q := newBackend(t), newQueue(t)
	client := replication.NewClient(replication.ClientConfig{}, backend, nil)
	svc := New(backend, client, q, nil)

	_, err := svc.Upload(ctx, "photos", "a.jpg", "", strings.NewReader("bytes"))
	require.NoError(t, err)
	task, err := q.Get(ctx, "photos", "a.jpg")
	require.NoError(t, err)
	require.Equal(t, models.ErrorNetwork, *task.LastErrorType)
}

func TestUploadDetachesReplicationFromRequest(t *testing.T) {
	backend, q := newBackend(t), newQueue(t)
	r := &stubReplicator{}
	svc := New(backend, r, q, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()
	_, err := svc.Upload(ctx, "photos", "a.jpg", "", strings.NewReader("bytes"))
	require.NoError(t, err)
	require.False(t, r.hadDeadline, "inline replication does not inherit the request deadline")
	require.NoError(t, r.ctxErr)
}

type failingQueue struct{}

func (failingQueue) UpsertOnFailure(context.Context, string, string, models.ErrorType, string) error {
	return errors.New("database is locked")
}

func TestUploadSurvivesQueueError(t *testing.T) {
	svc := New(newBackend(t), &stubReplicator{err: refused()}, failingQueue{}, nil)
	_, err := svc.Upload(context.Background(), "photos", "a.jpg", "", strings.NewReader("bytes"))
	require.NoError(t, err)
}

func TestUploadLocalFailureIsReturned(t *testing.T) {
	r := &stubReplicator{}
	svc := New(newBackend(t), r, newQueue(t), nil)

	_, err := svc.Upload(context.Background(), "photos", "../escape", "", strings.NewReader("bytes"))
	require.ErrorIs(t, err, storage.ErrInvalidKey)
	require.Zero(t, r.calls, "nothing is replicated when the local write fails")
}

func TestSecondaryDoesNotReplicate(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	svc := New(backend, nil, nil, nil)

	_, err := svc.ReceiveReplica(ctx, "photos", "a.jpg", "image/jpeg", strings.NewReader("replica"))
	require.NoError(t, err)
	_, err = svc.Upload(ctx, "photos", "b.jpg", "", strings.NewReader("direct"))
	require.NoError(t, err)

	rc, ct, err := svc.Download(ctx, "photos", "a.jpg")
	require.NoError(t, err)
	defer rc.Close()
	require.Equal(t, "image/jpeg", ct)
	got, _ := io.ReadAll(rc)
	require.Equal(t, "replica", string(got))
}

func TestDiskActivityTracksOpenStreams(t *testing.T) {
	ctx := context.Background()
	svc := New(newBackend(t), nil, nil, nil)
	_, err := svc.Upload(ctx, "b", "k.txt", "", strings.NewReader("x"))
	require.NoError(t, err)

	rc, _, err := svc.Download(ctx, "b", "k.txt")
	require.NoError(t, err)
	require.Equal(t, replication.DiskActivity{ActiveDiskWrites: 0, ActiveDiskReads: 1}, svc.DiskActivity())
	require.NoError(t, rc.Close())
	require.Equal(t, int64(0), svc.DiskActivity().ActiveDiskReads)

	_, _, err = svc.Download(ctx, "b", "missing.txt")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
