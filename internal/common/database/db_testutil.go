package database

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const testConnectionString = "host=localhost port=5432 user=postgres password=psw sslmode=disable"

// ErrTestDbUnavailable is returned by WithTestDb when no local postgres instance accepts connections.
var ErrTestDbUnavailable = errors.New("test postgres instance is unavailable")

// WithTestDb spins up a dedicated Postgres database for testing
//  migrations: performed before entering the action callback
//  action: callback for client code
// The database is dropped once action returns.
func WithTestDb(migrations []Migration, action func(db *pgxpool.Pool) error) error {
	ctx := context.Background()

	dbName := "test_" + NewULID()
	db, err := pgx.Connect(ctx, testConnectionString)
	if err != nil {
		return errors.Wrap(ErrTestDbUnavailable, err.Error())
	}
	defer db.Close(ctx)

	if _, err := db.Exec(ctx, "CREATE DATABASE "+dbName); err != nil {
		return errors.WithStack(err)
	}

	// Connect again: this time to the database we just created.
	testDbPool, err := pgxpool.Connect(ctx, testConnectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	defer func() {
		testDbPool.Close()
		// Disconnect all users before cleanup.
		_, err := db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			log.WithError(err).Warn("Failed to disconnect users")
		}
		if _, err := db.Exec(ctx, "DROP DATABASE "+dbName); err != nil {
			log.WithError(err).Warn("Failed to drop database")
		}
	}()

	if err := UpdateDatabase(ctx, testDbPool, migrations); err != nil {
		return errors.WithStack(err)
	}
	return action(testDbPool)
}

// RunWithTestDb is WithTestDb for tests: it skips t when postgres is unavailable and fails it on any other error.
func RunWithTestDb(t *testing.T, migrations []Migration, action func(db *pgxpool.Pool) error) {
	t.Helper()
	err := WithTestDb(migrations, action)
	if errors.Is(err, ErrTestDbUnavailable) {
		t.Skipf("skipping: %v", err)
	}
	if err != nil {
		t.Fatalf("%+v", err)
	}
}
