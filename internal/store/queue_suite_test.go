package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/standard-Chan/standard-object-storage/internal/clock"
	"github.com/standard-Chan/standard-object-storage/internal/models"
)

var suiteEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// openQueue returns a fresh, empty queue bound to the fake clock.
type openQueue func(t *testing.T, clk *clock.Fake) Queue

func runQueueSuite(t *testing.T, open openQueue) {
	t.Run("upsert creates at zero", func(t *testing.T) {
		ctx := context.Background()
		clk := clock.NewFake(suiteEpoch)
		q := open(t, clk)

		require.NoError(t, q.UpsertOnFailure(ctx, "photos", "a.jpg", models.ErrorNetwork, "connection refused"))

		task, err := q.Get(ctx, "photos", "a.jpg")
		require.NoError(t, err)
		require.Equal(t, 0, task.RetryCount)
		require.Equal(t, models.StatusRetryable, task.Status)
		require.True(t, task.FirstAttemptAt.Equal(suiteEpoch))
		require.NotNil(t, task.LastTriedAt)
		require.True(t, task.LastTriedAt.Equal(suiteEpoch))
		require.True(t, task.NextRetryAt.Equal(suiteEpoch.Add(DefaultRetryInterval)))
		require.NotNil(t, task.LastErrorType)
		require.Equal(t, models.ErrorNetwork, *task.LastErrorType)
		require.Equal(t, "connection refused", *task.LastErrorMessage)
	})

	t.Run("repeated failures advance by one", func(t *testing.T) {
		ctx := context.Background()
		clk := clock.NewFake(suiteEpoch)
		q := open(t, clk)

		require.NoError(t, q.UpsertOnFailure(ctx, "b", "k", models.ErrorNetwork, "first"))
		for want := 1; want <= 3; want++ {
			clk.Advance(time.Second)
			require.NoError(t, q.UpsertOnFailure(ctx, "b", "k", models.ErrorTimeout, fmt.Sprintf("upsert %d", want)))
			task, err := q.Get(ctx, "b", "k")
			require.NoError(t, err)
			require.Equal(t, want, task.RetryCount)
			require.Equal(t, models.ErrorTimeout, *task.LastErrorType)
			require.True(t, task.FirstAttemptAt.Equal(suiteEpoch), "first attempt is never rewritten")
			require.True(t, task.NextRetryAt.Equal(clk.Now().Add(DefaultRetryInterval)))
		}
		for want := 4; want <= 6; want++ {
			clk.Advance(time.Second)
			require.NoError(t, q.UpdateOnRetryFailure(ctx, "b", "k", models.ErrorHTTPNon2xx, "503"))
			task, err := q.Get(ctx, "b", "k")
			require.NoError(t, err)
			require.Equal(t, want, task.RetryCount)
			require.Equal(t, models.ErrorHTTPNon2xx, *task.LastErrorType)
			require.True(t, task.LastTriedAt.Equal(clk.Now()))
		}
	})

	t.Run("reaching max retry is terminal", func(t *testing.T) {
		ctx := context.Background()
		clk := clock.NewFake(suiteEpoch)
		q := open(t, clk)

		require.NoError(t, q.UpsertOnFailure(ctx, "photos", "a.jpg", models.ErrorNetwork, "refused"))
		for i := 1; i < DefaultMaxRetry; i++ {
			require.NoError(t, q.UpdateOnRetryFailure(ctx, "photos", "a.jpg", models.ErrorHTTPNon2xx, "503"))
		}
		task, err := q.Get(ctx, "photos", "a.jpg")
		require.NoError(t, err)
		require.Equal(t, DefaultMaxRetry-1, task.RetryCount)
		require.Equal(t, models.StatusRetryable, task.Status)

		require.NoError(t, q.UpdateOnRetryFailure(ctx, "photos", "a.jpg", models.ErrorTimeout, "timeout"))
		task, err = q.Get(ctx, "photos", "a.jpg")
		require.NoError(t, err)
		require.Equal(t, DefaultMaxRetry, task.RetryCount)
		require.Equal(t, models.StatusFailedPerm, task.Status)

		clk.Advance(time.Hour)
		batch, err := q.FetchRetryBatch(ctx, 10)
		require.NoError(t, err)
		require.Empty(t, batch)

		// Terminal rows are frozen against both write paths.
		require.NoError(t, q.UpdateOnRetryFailure(ctx, "photos", "a.jpg", models.ErrorNetwork, "again"))
		require.NoError(t, q.UpsertOnFailure(ctx, "photos", "a.jpg", models.ErrorNetwork, "again"))
		frozen, err := q.Get(ctx, "photos", "a.jpg")
		require.NoError(t, err)
		require.Equal(t, task.RetryCount, frozen.RetryCount)
		require.Equal(t, models.ErrorTimeout, *frozen.LastErrorType)
		require.Equal(t, models.StatusFailedPerm, frozen.Status)
	})

	t.Run("delete clears state", func(t *testing.T) {
		ctx := context.Background()
		clk := clock.NewFake(suiteEpoch)
		q := open(t, clk)

		require.NoError(t, q.UpsertOnFailure(ctx, "b", "k", models.ErrorNetwork, "x"))
		require.NoError(t, q.UpsertOnFailure(ctx, "b", "k", models.ErrorNetwork, "x"))
		require.NoError(t, q.DeleteOnSuccess(ctx, "b", "k"))
		_, err := q.Get(ctx, "b", "k")
		require.ErrorIs(t, err, ErrTaskNotFound)

		require.NoError(t, q.DeleteOnSuccess(ctx, "b", "k"), "deleting an absent row is a no-op")
		require.NoError(t, q.UpdateOnRetryFailure(ctx, "b", "k", models.ErrorNetwork, "x"), "updating an absent row is a no-op")
		_, err = q.Get(ctx, "b", "k")
		require.ErrorIs(t, err, ErrTaskNotFound)

		require.NoError(t, q.UpsertOnFailure(ctx, "b", "k", models.ErrorUnknown, "y"))
		task, err := q.Get(ctx, "b", "k")
		require.NoError(t, err)
		require.Equal(t, 0, task.RetryCount)
	})

	t.Run("batch is due rows oldest first", func(t *testing.T) {
		ctx := context.Background()
		clk := clock.NewFake(suiteEpoch)
		q := open(t, clk)

		require.NoError(t, q.UpsertOnFailure(ctx, "b", "t1", models.ErrorNetwork, ""))
		clk.Advance(time.Second)
		require.NoError(t, q.UpsertOnFailure(ctx, "b", "t2", models.ErrorNetwork, ""))
		clk.Advance(time.Second)
		require.NoError(t, q.UpsertOnFailure(ctx, "b", "t3", models.ErrorNetwork, ""))

		batch, err := q.FetchRetryBatch(ctx, 3)
		require.NoError(t, err)
		require.Empty(t, batch, "nothing is due before the retry interval elapses")

		clk.Advance(DefaultRetryInterval)
		batch, err = q.FetchRetryBatch(ctx, 3)
		require.NoError(t, err)
		require.Equal(t, []string{"t1", "t2", "t3"}, keys(batch))

		batch, err = q.FetchRetryBatch(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, []string{"t1", "t2"}, keys(batch))

		// A retried row moves behind rows that were already due.
		require.NoError(t, q.UpdateOnRetryFailure(ctx, "b", "t1", models.ErrorTimeout, ""))
		clk.Advance(DefaultRetryInterval)
		batch, err = q.FetchRetryBatch(ctx, 3)
		require.NoError(t, err)
		require.Equal(t, []string{"t2", "t3", "t1"}, keys(batch))
	})

	t.Run("mark failed permanent keeps count", func(t *testing.T) {
		ctx := context.Background()
		clk := clock.NewFake(suiteEpoch)
		q := open(t, clk)

		require.NoError(t, q.UpsertOnFailure(ctx, "b", "gone.txt", models.ErrorNetwork, ""))
		require.NoError(t, q.UpdateOnRetryFailure(ctx, "b", "gone.txt", models.ErrorNetwork, ""))
		require.NoError(t, q.MarkFailedPermanent(ctx, "b", "gone.txt", models.ErrorUnknown, "local object missing"))

		task, err := q.Get(ctx, "b", "gone.txt")
		require.NoError(t, err)
		require.Equal(t, 1, task.RetryCount)
		require.Equal(t, models.StatusFailedPerm, task.Status)
		require.Equal(t, "local object missing", *task.LastErrorMessage)
	})

	t.Run("list and count", func(t *testing.T) {
		ctx := context.Background()
		clk := clock.NewFake(suiteEpoch)
		q := open(t, clk)

		require.NoError(t, q.UpsertOnFailure(ctx, "b", "ok-1", models.ErrorNetwork, ""))
		require.NoError(t, q.UpsertOnFailure(ctx, "b", "ok-2", models.ErrorNetwork, ""))
		require.NoError(t, q.UpsertOnFailure(ctx, "b", "dead", models.ErrorNetwork, ""))
		require.NoError(t, q.MarkFailedPermanent(ctx, "b", "dead", models.ErrorUnknown, ""))

		all, err := q.List(ctx, ListFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)

		failed, err := q.List(ctx, ListFilter{Status: models.StatusFailedPerm})
		require.NoError(t, err)
		require.Equal(t, []string{"dead"}, keys(failed))

		limited, err := q.List(ctx, ListFilter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)

		counts, err := q.CountByStatus(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(2), counts[models.StatusRetryable])
		require.Equal(t, int64(1), counts[models.StatusFailedPerm])
	})

	t.Run("concurrent failures for one key keep a single row", func(t *testing.T) {
		ctx := context.Background()
		clk := clock.NewFake(suiteEpoch)
		q := open(t, clk)

		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- q.UpsertOnFailure(ctx, "race", "obj", models.ErrorNetwork, "refused")
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		all, err := q.List(ctx, ListFilter{})
		require.NoError(t, err)
		require.Len(t, all, 1)
		require.Equal(t, writers-1, all[0].RetryCount, "no update is lost")
	})
}

func keys(tasks []models.ReplicationTask) []string {
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ObjectKey)
	}
	return out
}
