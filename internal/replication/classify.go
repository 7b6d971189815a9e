// Package replication copies objects from this node to the secondary and
// decides whether the secondary can take more retry traffic.
package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"

	"github.com/standard-Chan/standard-object-storage/internal/models"
)

var (
	// ErrSecondaryNotConfigured means no secondary address is set. It is an
	// operator error, recorded as NETWORK like any other unreachable peer.
	ErrSecondaryNotConfigured = errors.New("secondary node address is not configured")
	// ErrLocalObjectMissing means the object to replicate is gone from local storage.
	ErrLocalObjectMissing = errors.New("local object missing")
)

// StatusError is a non-2xx answer from the secondary.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("secondary responded %d", e.StatusCode)
	}
	return fmt.Sprintf("secondary responded %d: %s", e.StatusCode, e.Body)
}

// TransferError carries the classified outcome of one attempt.
type TransferError struct {
	Kind models.ErrorType
	Err  error
}

func (e *TransferError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Classify maps any transfer outcome onto one of the four error kinds. A
// *TransferError already carries its kind; for raw errors timeouts win over
// HTTP statuses, which win over connection failures.
func Classify(err error) (kind models.ErrorType) {
	defer func() {
		if recover() != nil {
			kind = models.ErrorUnknown
		}
	}()

	if err == nil {
		return models.ErrorUnknown
	}
	var te *TransferError
	if errors.As(err, &te) && knownKind(te.Kind) {
		return te.Kind
	}
	if isTimeout(err) {
		return models.ErrorTimeout
	}
	var se *StatusError
	if errors.As(err, &se) {
		return models.ErrorHTTPNon2xx
	}
	if errors.Is(err, context.Canceled) {
		return models.ErrorUnknown
	}
	if isConnectionFailure(err) {
		return models.ErrorNetwork
	}
	return models.ErrorUnknown
}

func knownKind(k models.ErrorType) bool {
	switch k {
	case models.ErrorHTTPNon2xx, models.ErrorTimeout, models.ErrorNetwork, models.ErrorUnknown:
		return true
	}
	return false
}

// StatusCode returns the secondary's HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isConnectionFailure(err error) bool {
	if errors.Is(err, ErrSecondaryNotConfigured) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	// A connection the secondary dropped before answering surfaces as EOF
	// inside the client's *url.Error; other url.Error causes stay UNKNOWN.
	var urlErr *url.Error
	return errors.As(err, &urlErr) &&
		(errors.Is(urlErr.Err, io.EOF) || errors.Is(urlErr.Err, io.ErrUnexpectedEOF))
}
