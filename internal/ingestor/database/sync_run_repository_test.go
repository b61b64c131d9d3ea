package database

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/database"
	"github.com/aydarnuman/catering-pro-sub000/internal/common/ingesterrors"
)

func withSyncRunRepositories(t *testing.T, action func(t *testing.T, repo SyncRunRepository)) {
	t.Run("memory", func(t *testing.T) {
		repo := NewMemSyncRunRepository()
		// Strictly increasing timestamps make ordering deterministic.
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		repo.now = func() time.Time {
			now = now.Add(time.Second)
			return now
		}
		action(t, repo)
	})
	t.Run("postgres", func(t *testing.T) {
		migrations, err := Migrations()
		require.NoError(t, err)
		database.RunWithTestDb(t, migrations, func(db *pgxpool.Pool) error {
			action(t, NewPostgresSyncRunRepository(db))
			return nil
		})
	})
}

func TestSyncRun_StartFinish(t *testing.T) {
	withSyncRunRepositories(t, func(t *testing.T, repo SyncRunRepository) {
		ctx := context.Background()
		run, err := repo.Start(ctx, "invoices")
		require.NoError(t, err)
		assert.Equal(t, SyncRunRunning, run.Status)
		assert.Nil(t, run.FinishedAt)

		finished, err := repo.Finish(ctx, run.Id, SyncRunOutcome{
			ItemsSynced:  150,
			ItemsCreated: 140,
			ItemsUpdated: 10,
			Details:      map[string]interface{}{"window_days": 90},
		})
		require.NoError(t, err)
		assert.Equal(t, SyncRunSuccess, finished.Status)
		assert.NotNil(t, finished.FinishedAt)
		assert.Equal(t, 150, finished.ItemsSynced)
		assert.Equal(t, 140, finished.ItemsCreated)
		assert.JSONEq(t, `{"window_days":90}`, string(finished.Details))

		// Finalised exactly once.
		var notFound *ingesterrors.ErrNotFound
		_, err = repo.Finish(ctx, run.Id, SyncRunOutcome{Err: errors.New("late")})
		assert.ErrorAs(t, err, &notFound)
	})
}

func TestSyncRun_ErrorOutcome(t *testing.T) {
	withSyncRunRepositories(t, func(t *testing.T, repo SyncRunRepository) {
		ctx := context.Background()
		run, err := repo.Start(ctx, "market_prices")
		require.NoError(t, err)
		finished, err := repo.Finish(ctx, run.Id, SyncRunOutcome{ItemsFailed: 2, Err: errors.New("provider unavailable")})
		require.NoError(t, err)
		assert.Equal(t, SyncRunError, finished.Status)
		assert.Equal(t, "provider unavailable", finished.ErrorMessage)

		last, err := repo.LastSuccessful(ctx, "market_prices")
		require.NoError(t, err)
		assert.Nil(t, last)
	})
}

func TestSyncRun_ListAndLastSuccessful(t *testing.T) {
	withSyncRunRepositories(t, func(t *testing.T, repo SyncRunRepository) {
		ctx := context.Background()
		var ids []int64
		for _, syncType := range []string{"invoices", "market_prices", "invoices"} {
			run, err := repo.Start(ctx, syncType)
			require.NoError(t, err)
			_, err = repo.Finish(ctx, run.Id, SyncRunOutcome{})
			require.NoError(t, err)
			ids = append(ids, run.Id)
			// Postgres stamps with now(); keep start times distinct.
			time.Sleep(5 * time.Millisecond)
		}

		runs, err := repo.List(ctx, "", 10)
		require.NoError(t, err)
		require.Len(t, runs, 3)
		assert.Equal(t, []int64{ids[2], ids[1], ids[0]}, []int64{runs[0].Id, runs[1].Id, runs[2].Id})

		runs, err = repo.List(ctx, "invoices", 1)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, ids[2], runs[0].Id)

		last, err := repo.LastSuccessful(ctx, "invoices")
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, ids[2], last.Id)
	})
}
