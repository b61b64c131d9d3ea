package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/database"
	"github.com/aydarnuman/catering-pro-sub000/internal/common/pgkeyvalue"
)

func pruneKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pruneKeys",
		Short: "forgets intake keys so that old artifacts can be taken in again",
		RunE:  pruneKeys,
	}
	cmd.Flags().Duration(
		"timeout",
		5*time.Minute,
		"Duration after which the job will fail if it has not completed")
	cmd.Flags().Duration(
		"expireAfter",
		0,
		"Keys older than this are removed. Defaults to the configured key lifespan")
	return cmd
}

func pruneKeys(cmd *cobra.Command, _ []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}
	expireAfter, err := cmd.Flags().GetDuration("expireAfter")
	if err != nil {
		return errors.WithStack(err)
	}

	config, err := loadConfig()
	if err != nil {
		return err
	}
	if expireAfter == 0 {
		expireAfter = config.Intake.KeyLifespan
	}
	if expireAfter <= 0 {
		return errors.New("no key lifespan configured; pass --expireAfter")
	}

	db, err := database.OpenPgxPool(config.Postgres)
	if err != nil {
		return errors.WithMessagef(err, "Failed to connect to database")
	}
	defer db.Close()
	store, err := pgkeyvalue.New(db, config.Intake.KeyCacheSize, config.Intake.KeyTable)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	removed, err := store.Cleanup(ctx, expireAfter)
	if err != nil {
		return err
	}
	log.Infof("Removed %d intake keys older than %s", removed, expireAfter)
	return nil
}
