package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/invoicecore/internal/clock"
	"github.com/smallbiznis/invoicecore/internal/config"
	"github.com/smallbiznis/invoicecore/internal/invoice"
	"github.com/smallbiznis/invoicecore/internal/lock"
	"github.com/smallbiznis/invoicecore/internal/logger"
	"github.com/smallbiznis/invoicecore/internal/migration"
	"github.com/smallbiznis/invoicecore/internal/observability"
	"github.com/smallbiznis/invoicecore/internal/pricelist"
	"github.com/smallbiznis/invoicecore/pkg/db"
	"github.com/smallbiznis/invoicecore/pkg/redisclient"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var (
	version = "0.1.0"

	timeout time.Duration
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "invoicecore",
	Short: "Invoice totals, numbering and price list maintenance",
	Long: `invoicecore maintains invoice totals, per-year invoice numbers and the
published price list.

Configuration is read from the environment (and a .env file). Invoicing
policy such as the number template lives in invoicing.yml.

Examples:
  # Apply database migrations
  invoicecore migrate

  # Recompute the totals of one draft invoice
  invoicecore recompute 1790312312312312312

  # Publish a price list and refresh every draft against it
  invoicecore publish 1790312312312312999 --refresh`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Timeout for the whole command")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log fx container events")
}

// runApp builds the application graph, populates targets, starts the
// lifecycle and runs fn before stopping it again.
func runApp(ctx context.Context, fn func(ctx context.Context) error, targets ...any) error {
	options := []fx.Option{
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		clock.Module,
		db.Module,
		redisclient.Module,
		lock.Module,
		migration.Module,
		observability.Module,
		pricelist.Module,
		invoice.Module,
	}
	if len(targets) > 0 {
		options = append(options, fx.Populate(targets...))
	}
	if !verbose {
		options = append(options, fx.NopLogger)
	}

	app := fx.New(options...)
	if err := app.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return err
	}

	runErr := fn(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.SnowflakeNode, err)
	}
	return node, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
