package database

import (
	"context"
	"sort"
	"strings"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// CreateConnectionString renders libpq key/value parameters.
// Keys are sorted so the same config always yields the same string.
func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	keys := maps.Keys(values)
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"='"+replacer.Replace(values[k])+"'")
	}
	return strings.Join(parts, " ")
}

func OpenPgxConn(config PostgresConfig) (*pgx.Conn, error) {
	db, err := pgx.Connect(context.Background(), CreateConnectionString(config.Connection))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	err = db.Ping(context.Background())
	return db, errors.WithStack(err)
}

func OpenPgxPool(config PostgresConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(CreateConnectionString(config.Connection))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if config.MaxOpenConns > 0 {
		poolConfig.MaxConns = config.MaxOpenConns
	}
	if config.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = config.ConnMaxLifetime
	}
	db, err := pgxpool.ConnectConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	err = db.Ping(context.Background())
	return db, errors.WithStack(err)
}
