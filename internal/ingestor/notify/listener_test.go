package notify

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/database"
	ingestordb "github.com/aydarnuman/catering-pro-sub000/internal/ingestor/database"
)

func TestListener_WakesOnEnqueue(t *testing.T) {
	migrations, err := ingestordb.Migrations()
	require.NoError(t, err)
	database.RunWithTestDb(t, migrations, func(db *pgxpool.Pool) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		wakes := make(chan struct{}, 10)
		listener := NewListener(db.Config().ConnConfig.ConnString(), "work_items_test", time.Second, func() {
			select {
			case wakes <- struct{}{}:
			default:
			}
		})
		done := make(chan error, 1)
		go func() { done <- listener.Run(ctx) }()

		repo := ingestordb.NewPostgresWorkItemRepository(db, "work_items_test")
		// The listener may not be subscribed yet; keep enqueueing until a wake arrives.
		assert.Eventually(t, func() bool {
			_, err := repo.Enqueue(ctx, ingestordb.NewWorkItem{
				Origin: "tender-1", Kind: ingestordb.KindInline, Location: "/a.pdf", Queued: true,
			})
			require.NoError(t, err)
			select {
			case <-wakes:
				return true
			case <-time.After(100 * time.Millisecond):
				return false
			}
		}, 10*time.Second, 10*time.Millisecond)

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("listener did not stop")
		}
		return nil
	})
}
