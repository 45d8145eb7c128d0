package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var log *zap.Logger
		// migration.Module runs during graph construction.
		return runApp(cmd.Context(), func(context.Context) error {
			log.Info("migrations applied")
			return nil
		}, &log)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
