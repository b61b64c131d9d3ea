package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/database"
	ingestordb "github.com/aydarnuman/catering-pro-sub000/internal/ingestor/database"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the ingestor database to the latest version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	start := time.Now()
	log.Info("Beginning ingestor database migration")
	db, err := database.OpenPgxConn(config.Postgres)
	if err != nil {
		return errors.Wrapf(err, "Failed to connect to database")
	}
	defer db.Close(context.Background())
	err = ingestordb.Migrate(context.Background(), db)
	if err != nil {
		return errors.Wrapf(err, "Failed to migrate ingestor database")
	}
	log.Infof("Ingestor database migrated in %s", time.Since(start))
	return nil
}
