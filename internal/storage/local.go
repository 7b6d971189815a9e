package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const tempDirName = ".incoming"

// LocalBackend keeps objects as files under <root>/<bucket>/<objectKey>.
type LocalBackend struct {
	root         string
	activeWrites atomic.Int64
	activeReads  atomic.Int64
}

var _ Backend = (*LocalBackend)(nil)

// NewLocalBackend prepares the storage root.
func NewLocalBackend(root string) (*LocalBackend, error) {
	if root == "" {
		root = "./uploads"
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, tempDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalBackend{root: abs}, nil
}

// Root returns the absolute storage directory.
func (l *LocalBackend) Root() string { return l.root }

func (l *LocalBackend) objectPath(bucket, objectKey string) (string, error) {
	if err := ValidateKey(bucket, objectKey); err != nil {
		return "", err
	}
	return filepath.Join(l.root, bucket, filepath.FromSlash(objectKey)), nil
}

// Put streams r to a temporary file and renames it into place, so readers
// never observe a partially written object.
func (l *LocalBackend) Put(ctx context.Context, bucket, objectKey, contentType string, r io.Reader) (ObjectInfo, error) {
	dest, err := l.objectPath(bucket, objectKey)
	if err != nil {
		return ObjectInfo{}, err
	}

	l.activeWrites.Add(1)
	defer l.activeWrites.Add(-1)

	tmp, err := os.CreateTemp(filepath.Join(l.root, tempDirName), uuid.NewString()+"-*")
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), contextReader{ctx: ctx, r: r})
	if err != nil {
		_ = tmp.Close()
		return ObjectInfo{}, fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return ObjectInfo{}, fmt.Errorf("sync object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return ObjectInfo{}, fmt.Errorf("close object: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return ObjectInfo{}, fmt.Errorf("create object dir: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return ObjectInfo{}, fmt.Errorf("commit object: %w", err)
	}
	committed = true

	if contentType == "" {
		contentType = ContentTypeOf(objectKey)
	}
	return ObjectInfo{
		Bucket:      bucket,
		ObjectKey:   objectKey,
		Filename:    path.Base(objectKey),
		ContentType: contentType,
		Size:        size,
		ETag:        hex.EncodeToString(hash.Sum(nil)),
		UploadedAt:  time.Now().UTC(),
		StoragePath: dest,
	}, nil
}

// Open returns a read stream; the active-read count drops when it is closed.
func (l *LocalBackend) Open(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.objectPath(bucket, objectKey)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, objectKey)
		}
		return nil, fmt.Errorf("open object: %w", err)
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, objectKey)
	}
	return newTrackedReader(f, &l.activeReads), nil
}

func (l *LocalBackend) ActiveWrites() int64 { return l.activeWrites.Load() }

func (l *LocalBackend) ActiveReads() int64 { return l.activeReads.Load() }

// trackedReader decrements its counter exactly once on Close.
type trackedReader struct {
	io.ReadCloser
	counter *atomic.Int64
	once    sync.Once
}

func newTrackedReader(rc io.ReadCloser, counter *atomic.Int64) *trackedReader {
	counter.Add(1)
	return &trackedReader{ReadCloser: rc, counter: counter}
}

func (t *trackedReader) Close() error {
	err := t.ReadCloser.Close()
	t.once.Do(func() { t.counter.Add(-1) })
	return err
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
