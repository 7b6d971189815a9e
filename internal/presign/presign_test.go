package presign

import (
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var pe *Error
	require.True(t, errors.As(err, &pe), "expected *presign.Error, got %v", err)
	return pe.Status
}

func TestVerifyAcceptsSignedQuery(t *testing.T) {
	q := Sign(secret, "put", "photos", "2025/a.jpg", 1024, now.Add(time.Minute))
	require.Equal(t, "PUT", q.Method)
	require.NoError(t, NewVerifier(secret).Verify(q, http.MethodPut, now))
	require.Equal(t, int64(1024), q.Size())

	// Round trip through URL parameters.
	parsed, err := url.ParseQuery(q.Values().Encode())
	require.NoError(t, err)
	require.NoError(t, NewVerifier(secret).Verify(FromValues(parsed), http.MethodPut, now))
}

func TestVerifyKnownSignature(t *testing.T) {
	// Matches the metadata service's HMAC-SHA256 base64url (unpadded) encoding.
	got := signature([]byte("my-secret-key"), "photos", "picture/a.jpg", "PUT", 1771477681, "10")
	require.Len(t, got, 43)
	require.NotContains(t, got, "=")
	require.NotContains(t, got, "+")
	require.NotContains(t, got, "/")
}

func TestVerifyExpiryBoundary(t *testing.T) {
	q := Sign(secret, "GET", "b", "k", 1, now)
	require.NoError(t, NewVerifier(secret).Verify(q, http.MethodGet, now), "valid through the exp second")
	err := NewVerifier(secret).Verify(q, http.MethodGet, now.Add(time.Second))
	require.Equal(t, http.StatusForbidden, statusOf(t, err))
}

func TestVerifyRejections(t *testing.T) {
	valid := Sign(secret, "PUT", "photos", "a.jpg", 10, now.Add(time.Hour))

	cases := []struct {
		name   string
		mutate func(q *Query)
		method string
		secret string
		want   int
	}{
		{"missing bucket", func(q *Query) { q.Bucket = "" }, "PUT", secret, http.StatusBadRequest},
		{"missing signature", func(q *Query) { q.Signature = "" }, "PUT", secret, http.StatusBadRequest},
		{"bad exp", func(q *Query) { q.Exp = "tomorrow" }, "PUT", secret, http.StatusBadRequest},
		{"expired", func(q *Query) { q.Exp = "1" }, "PUT", secret, http.StatusForbidden},
		{"method mismatch", func(q *Query) {}, "GET", secret, http.StatusBadRequest},
		{"missing size", func(q *Query) { q.FileSize = "" }, "PUT", secret, http.StatusBadRequest},
		{"fractional size", func(q *Query) { q.FileSize = "1.5" }, "PUT", secret, http.StatusBadRequest},
		{"zero size", func(q *Query) { q.FileSize = "0" }, "PUT", secret, http.StatusBadRequest},
		{"no secret", func(q *Query) {}, "PUT", "", http.StatusInternalServerError},
		{"wrong secret", func(q *Query) {}, "PUT", "other", http.StatusForbidden},
		{"tampered key", func(q *Query) { q.ObjectKey = "b.jpg" }, "PUT", secret, http.StatusForbidden},
		{"tampered size", func(q *Query) { q.FileSize = "11" }, "PUT", secret, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := valid
			tc.mutate(&q)
			err := NewVerifier(tc.secret).Verify(q, tc.method, now)
			require.Error(t, err)
			require.Equal(t, tc.want, statusOf(t, err))
		})
	}
}
