// Package storage persists object bytes on this node.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when the object does not exist on this node.
	ErrNotFound = errors.New("object not found")
	// ErrInvalidKey is returned for bucket/key pairs that would escape the storage root.
	ErrInvalidKey = errors.New("invalid bucket or object key")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Bucket      string    `json:"bucket"`
	ObjectKey   string    `json:"objectKey"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"mimetype"`
	Size        int64     `json:"size"`
	ETag        string    `json:"etag"`
	UploadedAt  time.Time `json:"uploadedAt"`
	StoragePath string    `json:"storagePath"`
}

// Backend stores and streams objects and reports in-flight disk activity.
type Backend interface {
	Put(ctx context.Context, bucket, objectKey, contentType string, r io.Reader) (ObjectInfo, error)
	Open(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)
	ActiveWrites() int64
	ActiveReads() int64
}

// ValidateKey rejects empty names and keys that are absolute or climb out of the bucket.
func ValidateKey(bucket, objectKey string) error {
	if bucket == "" || objectKey == "" {
		return fmt.Errorf("%w: bucket and objectKey are required", ErrInvalidKey)
	}
	if strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return fmt.Errorf("%w: bucket %q", ErrInvalidKey, bucket)
	}
	if strings.HasPrefix(objectKey, "/") || strings.Contains(objectKey, `\`) || strings.ContainsRune(objectKey, 0) {
		return fmt.Errorf("%w: key %q", ErrInvalidKey, objectKey)
	}
	for _, part := range strings.Split(objectKey, "/") {
		if part == ".." || part == "." || part == "" {
			return fmt.Errorf("%w: key %q", ErrInvalidKey, objectKey)
		}
	}
	return nil
}

const DefaultContentType = "application/octet-stream"

var contentTypes = map[string]string{
	// images
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	// documents
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	// text
	".txt":  "text/plain",
	".html": "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".json": "application/json",
	".xml":  "application/xml",
	// video
	".mp4": "video/mp4",
	".avi": "video/x-msvideo",
	".mov": "video/quicktime",
	".wmv": "video/x-ms-wmv",
	// audio
	".mp3": "audio/mpeg",
	".wav": "audio/wav",
	".ogg": "audio/ogg",
	// archives
	".zip": "application/zip",
	".rar": "application/x-rar-compressed",
	".tar": "application/x-tar",
	".gz":  "application/gzip",
}

// ContentTypeOf infers a MIME type from the key's extension.
func ContentTypeOf(objectKey string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(objectKey))]; ok {
		return ct
	}
	return DefaultContentType
}
