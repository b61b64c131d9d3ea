package database

import "time"

type PostgresConfig struct {
	// Maximum number of pooled connections. Advisory locks pin one connection each while held.
	MaxOpenConns int32
	// Connections older than this are closed and replaced.
	ConnMaxLifetime time.Duration
	// libpq key/value parameters, e.g. host, port, user, password, dbname, sslmode.
	Connection map[string]string `validate:"required"`
}
