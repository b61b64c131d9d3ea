// Package pgkeyvalue provides a write-once key store on postgres, used to remember which external artifacts
// have already been pulled into the pipeline.
package pgkeyvalue

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/ingesterrors"
)

// PGKeyValueStore is a key-value store backed by postgres with a local LRU cache.
// Keys are write-once: adding an existing key is a no-op that reports false.
// Keys disappear through Delete or Cleanup; other replicas may keep a stale cached copy until evicted.
type PGKeyValueStore struct {
	// Keys known to exist in postgres.
	cache *lru.Cache
	db    *pgxpool.Pool
	// Name of the postgres table used for storage.
	tableName string
}

func New(db *pgxpool.Pool, cacheSize int, tableName string) (*PGKeyValueStore, error) {
	if db == nil {
		return nil, errors.WithStack(&ingesterrors.ErrInvalidArgument{
			Name:    "db",
			Value:   db,
			Message: "db must be non-nil",
		})
	}
	if tableName == "" {
		return nil, errors.WithStack(&ingesterrors.ErrInvalidArgument{
			Name:    "TableName",
			Value:   tableName,
			Message: "TableName must be non-empty",
		})
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &PGKeyValueStore{
		cache:     cache,
		db:        db,
		tableName: tableName,
	}, nil
}

// Add stores value under key. Returns true if the key was new and false if it already existed,
// in which case the stored value is left untouched.
// The table backing the store is created on first use.
func (c *PGKeyValueStore) Add(ctx context.Context, key string, value []byte) (bool, error) {
	ok, err := c.add(ctx, key, value)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		if err := c.createTable(ctx); err != nil {
			return false, err
		}
		ok, err = c.add(ctx, key, value)
	}
	return ok, err
}

// AddKey is equivalent to Add(ctx, key, nil).
func (c *PGKeyValueStore) AddKey(ctx context.Context, key string) (bool, error) {
	return c.Add(ctx, key, nil)
}

func (c *PGKeyValueStore) createTable(ctx context.Context) error {
	_, err := c.db.Exec(ctx, fmt.Sprintf(
		"CREATE TABLE %s (key text PRIMARY KEY, value bytea, inserted timestamptz NOT NULL DEFAULT now());",
		pgx.Identifier{c.tableName}.Sanitize()))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.DuplicateTable { // Someone else just created it, which is fine.
		return nil
	}
	return errors.WithStack(err)
}

func (c *PGKeyValueStore) add(ctx context.Context, key string, value []byte) (bool, error) {
	if c.cache.Contains(key) {
		return false, nil
	}

	sql := fmt.Sprintf(
		"INSERT INTO %s (key, value, inserted) VALUES ($1, $2, now()) ON CONFLICT (key) DO NOTHING",
		pgx.Identifier{c.tableName}.Sanitize())
	tag, err := c.db.Exec(ctx, sql, key, value)
	if err != nil {
		return false, errors.WithStack(err)
	}

	// Cache the key either way: it exists in postgres now.
	c.cache.Add(key, value)
	return tag.RowsAffected() == 1, nil
}

// Get returns the value associated with key, or *ingesterrors.ErrNotFound if the key can't be found.
func (c *PGKeyValueStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	sql := fmt.Sprintf("SELECT value FROM %s WHERE key=$1", pgx.Identifier{c.tableName}.Sanitize())
	err := c.db.QueryRow(ctx, sql, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(&ingesterrors.ErrNotFound{
			Type:  "artifact key",
			Value: key,
		})
	} else if err != nil {
		return nil, errors.WithStack(err)
	}
	return value, nil
}

// Delete removes key, allowing it to be added again.
func (c *PGKeyValueStore) Delete(ctx context.Context, key string) error {
	c.cache.Remove(key)
	sql := fmt.Sprintf("DELETE FROM %s WHERE key=$1", pgx.Identifier{c.tableName}.Sanitize())
	_, err := c.db.Exec(ctx, sql, key)
	return errors.WithStack(err)
}

// Cleanup removes all key-value pairs older than lifespan and returns how many were removed.
// The local cache is purged so removed keys may be added again from this replica.
func (c *PGKeyValueStore) Cleanup(ctx context.Context, lifespan time.Duration) (int64, error) {
	sql := fmt.Sprintf("DELETE FROM %s WHERE inserted <= (now() - $1::interval)", pgx.Identifier{c.tableName}.Sanitize())
	tag, err := c.db.Exec(ctx, sql, lifespan)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		return 0, nil
	} else if err != nil {
		return 0, errors.WithStack(err)
	}
	c.cache.Purge()
	return tag.RowsAffected(), nil
}
