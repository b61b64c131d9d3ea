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

func requeueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "queues work items again for re-analysis",
		RunE:  requeue,
	}
	cmd.Flags().Int64Slice(
		"id",
		[]int64{},
		"Ids of the work items to requeue (repeat this arg or separate ids with commas)")
	cmd.Flags().Bool(
		"failed",
		false,
		"Requeue every failed work item")
	cmd.Flags().String(
		"origin",
		"",
		"Only requeue failed work items with this origin. Requires --failed")
	cmd.Flags().Duration(
		"timeout",
		time.Minute,
		"Duration after which the command will fail if it has not completed")
	return cmd
}

func requeue(cmd *cobra.Command, _ []string) error {
	ids, err := cmd.Flags().GetInt64Slice("id")
	if err != nil {
		return errors.WithStack(err)
	}
	failed, err := cmd.Flags().GetBool("failed")
	if err != nil {
		return errors.WithStack(err)
	}
	origin, err := cmd.Flags().GetString("origin")
	if err != nil {
		return errors.WithStack(err)
	}
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}
	if len(ids) == 0 && !failed {
		return errors.New("either --id or --failed must be given")
	}
	if origin != "" && !failed {
		return errors.New("--origin can only be used together with --failed")
	}

	config, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := database.OpenPgxPool(config.Postgres)
	if err != nil {
		return errors.WithMessagef(err, "Failed to connect to database")
	}
	defer db.Close()
	repo := ingestordb.NewPostgresWorkItemRepository(db, config.NotifyChannel)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var requeued []int64
	if failed {
		requeued, err = repo.RequeueFailed(ctx, origin)
	} else {
		requeued, err = repo.Requeue(ctx, ids)
	}
	if err != nil {
		return err
	}
	log.Infof("Requeued %d work items: %v", len(requeued), requeued)
	return nil
}
