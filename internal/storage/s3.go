package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Backend stores every node bucket inside one S3 bucket under "<bucket>/<objectKey>".
type S3Backend struct {
	client       *s3.Client
	bucket       string
	spoolDir     string
	activeWrites atomic.Int64
	activeReads  atomic.Int64
}

var _ Backend = (*S3Backend)(nil)

// S3Options configures the S3 client.
type S3Options struct {
	Region    string
	Endpoint  string
	PathStyle bool
}

// NewS3Client loads the default AWS credential chain, optionally pointing at a
// custom endpoint such as MinIO.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	}), nil
}

// NewS3Backend wraps an S3 client. Uploads are spooled under spoolDir
// (os.TempDir when empty) so the SDK gets a seekable body.
func NewS3Backend(client *s3.Client, bucket, spoolDir string) *S3Backend {
	if spoolDir == "" {
		spoolDir = os.TempDir()
	}
	return &S3Backend{client: client, bucket: bucket, spoolDir: spoolDir}
}

func (b *S3Backend) key(bucket, objectKey string) string {
	return bucket + "/" + objectKey
}

func (b *S3Backend) Put(ctx context.Context, bucket, objectKey, contentType string, r io.Reader) (ObjectInfo, error) {
	if err := ValidateKey(bucket, objectKey); err != nil {
		return ObjectInfo{}, err
	}
	b.activeWrites.Add(1)
	defer b.activeWrites.Add(-1)

	spool, err := os.CreateTemp(b.spoolDir, "s3-spool-*")
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(spool, hash), contextReader{ctx: ctx, r: r})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("spool object: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return ObjectInfo{}, fmt.Errorf("rewind spool: %w", err)
	}
	if contentType == "" {
		contentType = ContentTypeOf(objectKey)
	}
	etag := hex.EncodeToString(hash.Sum(nil))

	key := b.key(bucket, objectKey)
	if _, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          spool,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
		Metadata:      map[string]string{"sha256": etag},
	}); err != nil {
		return ObjectInfo{}, fmt.Errorf("put object: %w", err)
	}

	return ObjectInfo{
		Bucket:      bucket,
		ObjectKey:   objectKey,
		Filename:    path.Base(objectKey),
		ContentType: contentType,
		Size:        size,
		ETag:        etag,
		UploadedAt:  time.Now().UTC(),
		StoragePath: fmt.Sprintf("s3://%s/%s", b.bucket, key),
	}, nil
}

func (b *S3Backend) Open(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error) {
	if err := ValidateKey(bucket, objectKey); err != nil {
		return nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(bucket, objectKey)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, objectKey)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	return newTrackedReader(out.Body, &b.activeReads), nil
}

func (b *S3Backend) ActiveWrites() int64 { return b.activeWrites.Load() }

func (b *S3Backend) ActiveReads() int64 { return b.activeReads.Load() }

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}
