package cmd

import (
	"github.com/spf13/cobra"

	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the ingestor",
		RunE:  runIngestor,
	}
	return cmd
}

func runIngestor(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	return ingestor.Run(config)
}
