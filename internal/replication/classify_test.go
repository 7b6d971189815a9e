package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/standard-Chan/standard-object-storage/internal/models"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type panicky struct{}

func (*panicky) Error() string { panic("boom") }

func TestClassify(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}

	cases := []struct {
		name string
		err  error
		want models.ErrorType
	}{
		{"nil", nil, models.ErrorUnknown},
		{"plain error", errors.New("weird"), models.ErrorUnknown},
		{"deadline", context.DeadlineExceeded, models.ErrorTimeout},
		{"wrapped deadline", fmt.Errorf("put: %w", context.DeadlineExceeded), models.ErrorTimeout},
		{"net timeout", &url.Error{Op: "Put", URL: "http://x", Err: timeoutErr{}}, models.ErrorTimeout},
		{"status", &StatusError{StatusCode: 503}, models.ErrorHTTPNon2xx},
		{"wrapped status", fmt.Errorf("retry: %w", &StatusError{StatusCode: 500}), models.ErrorHTTPNon2xx},
		{"refused", refused, models.ErrorNetwork},
		{"unrecognized url error", &url.Error{Op: "Put", URL: "http://x", Err: errors.New("weird")}, models.ErrorUnknown},
		{"dropped connection", &url.Error{Op: "Put", URL: "http://x", Err: io.EOF}, models.ErrorNetwork},
		{"refused in url error", &url.Error{Op: "Put", URL: "http://x", Err: refused}, models.ErrorNetwork},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), models.ErrorNetwork},
		{"dns", &net.DNSError{Err: "no such host", Name: "secondary"}, models.ErrorNetwork},
		{"not configured", ErrSecondaryNotConfigured, models.ErrorNetwork},
		{"canceled", fmt.Errorf("put: %w", context.Canceled), models.ErrorUnknown},
		{"transfer kind wins", &TransferError{Kind: models.ErrorTimeout, Err: refused}, models.ErrorTimeout},
		{"unknown transfer kind", &TransferError{Kind: "BOGUS", Err: &StatusError{StatusCode: 502}}, models.ErrorHTTPNon2xx},
		{"panicking error", &panicky{}, models.ErrorUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.NotPanics(t, func() {
				require.Equal(t, tc.want, Classify(tc.err))
			})
		})
	}
}
