// Package presign checks the presigned URLs issued by the metadata service.
package presign

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Query holds the presigned parameters carried in the URL.
type Query struct {
	Bucket    string
	ObjectKey string
	Method    string
	Exp       string
	FileSize  string
	Signature string
}

// FromValues reads a Query from URL parameters.
func FromValues(v url.Values) Query {
	return Query{
		Bucket:    v.Get("bucket"),
		ObjectKey: v.Get("objectKey"),
		Method:    v.Get("method"),
		Exp:       v.Get("exp"),
		FileSize:  v.Get("fileSize"),
		Signature: v.Get("signature"),
	}
}

// Values encodes q back into URL parameters.
func (q Query) Values() url.Values {
	v := url.Values{}
	v.Set("bucket", q.Bucket)
	v.Set("objectKey", q.ObjectKey)
	v.Set("method", q.Method)
	v.Set("exp", q.Exp)
	v.Set("fileSize", q.FileSize)
	v.Set("signature", q.Signature)
	return v
}

// Error is a rejected presigned request with the HTTP status to answer.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

func reject(status int, format string, args ...any) error {
	return &Error{Status: status, Message: fmt.Sprintf(format, args...)}
}

// Verifier validates presigned URLs against a shared secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify checks, in order: required parameters, expiry, method, file size and
// signature. exp is a Unix timestamp in seconds and is valid through that second.
func (v *Verifier) Verify(q Query, expectedMethod string, now time.Time) error {
	if q.Bucket == "" || q.ObjectKey == "" || q.Method == "" || q.Exp == "" || q.Signature == "" {
		return reject(http.StatusBadRequest, "missing required parameters: bucket, objectKey, method, exp, signature")
	}
	exp, err := strconv.ParseInt(q.Exp, 10, 64)
	if err != nil {
		return reject(http.StatusBadRequest, "invalid exp %q", q.Exp)
	}
	if now.Unix() > exp {
		return reject(http.StatusForbidden, "request has expired")
	}
	if !strings.EqualFold(q.Method, expectedMethod) {
		return reject(http.StatusBadRequest, "method mismatch: request %s, signed %s", expectedMethod, q.Method)
	}
	size, err := strconv.ParseInt(q.FileSize, 10, 64)
	if err != nil {
		return reject(http.StatusBadRequest, "invalid fileSize %q", q.FileSize)
	}
	if size <= 0 {
		return reject(http.StatusBadRequest, "fileSize must be greater than 0")
	}
	if len(v.secret) == 0 {
		return reject(http.StatusInternalServerError, "presigned URL secret is not configured")
	}
	want := signature(v.secret, q.Bucket, q.ObjectKey, strings.ToUpper(q.Method), exp, q.FileSize)
	if subtle.ConstantTimeCompare([]byte(q.Signature), []byte(want)) != 1 {
		return reject(http.StatusForbidden, "invalid signature")
	}
	return nil
}

// Size returns the signed file size, or 0 when it does not parse.
func (q Query) Size() int64 {
	n, _ := strconv.ParseInt(q.FileSize, 10, 64)
	return n
}

// Sign fills in Exp, FileSize and Signature for an object.
func Sign(secret, method, bucket, objectKey string, fileSize int64, expires time.Time) Query {
	exp := expires.Unix()
	size := strconv.FormatInt(fileSize, 10)
	method = strings.ToUpper(method)
	return Query{
		Bucket:    bucket,
		ObjectKey: objectKey,
		Method:    method,
		Exp:       strconv.FormatInt(exp, 10),
		FileSize:  size,
		Signature: signature([]byte(secret), bucket, objectKey, method, exp, size),
	}
}

func signature(secret []byte, bucket, objectKey, method string, exp int64, fileSize string) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "bucket=%s&objectKey=%s&method=%s&exp=%d&fileSize=%s", bucket, objectKey, method, exp, fileSize)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
