package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/standard-Chan/standard-object-storage/internal/clock"
)

// Runs against a real database only when POSTGRES_TEST_DSN is set.
func TestPostgresQueue(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	runQueueSuite(t, func(t *testing.T, clk *clock.Fake) Queue {
		ctx := context.Background()
		st, err := NewPostgres(ctx, dsn, Options{Clock: clk})
		require.NoError(t, err)
		require.NoError(t, st.RunMigrations(ctx))
		_, err = st.pool.Exec(ctx, `TRUNCATE replication_queue`)
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}
