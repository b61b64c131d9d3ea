package database

import (
	"context"
	"embed"

	"github.com/jackc/pgtype/pgxtype"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/database"
)

//go:embed migrations/*.sql
var fs embed.FS

func Migrations() ([]database.Migration, error) {
	return database.ReadMigrations(fs, "migrations")
}

// Migrate brings the ingestion schema up to date.
func Migrate(ctx context.Context, db pgxtype.Querier) error {
	migrations, err := Migrations()
	if err != nil {
		return err
	}
	return database.UpdateDatabase(ctx, db, migrations)
}
