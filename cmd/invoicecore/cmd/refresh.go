package cmd

import (
	"context"
	"fmt"

	invoicedomain "github.com/smallbiznis/invoicecore/internal/invoice/domain"
	pricelistdomain "github.com/smallbiznis/invoicecore/internal/pricelist/domain"
	"github.com/spf13/cobra"
)

var refreshAfterPublish bool

var refreshDraftsCmd = &cobra.Command{
	Use:   "refresh-drafts",
	Short: "Re-price every draft invoice from the published price list",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var svc invoicedomain.Service
		return runApp(cmd.Context(), func(ctx context.Context) error {
			return refreshDrafts(ctx, svc)
		}, &svc)
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish <price-list-id>",
	Short: "Publish a draft price list",
	Long: `Publish makes the given draft price list the published one and archives
the list it replaces. With --refresh every draft invoice is re-priced
against the newly published list afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			priceLists pricelistdomain.Service
			invoices   invoicedomain.Service
		)
		return runApp(cmd.Context(), func(ctx context.Context) error {
			list, err := priceLists.Publish(ctx, args[0])
			if err != nil {
				return err
			}
			if err := printJSON(list); err != nil {
				return err
			}
			if !refreshAfterPublish {
				return nil
			}
			return refreshDrafts(ctx, invoices)
		}, &priceLists, &invoices)
	},
}

func refreshDrafts(ctx context.Context, svc invoicedomain.Service) error {
	result, err := svc.RefreshDrafts(ctx)
	if printErr := printJSON(result); printErr != nil {
		return printErr
	}
	if err != nil {
		return fmt.Errorf("refresh drafts: %d of %d failed: %w", result.Failed, result.Scanned, err)
	}
	return nil
}

func init() {
	publishCmd.Flags().BoolVar(&refreshAfterPublish, "refresh", false, "Refresh draft invoices after publishing")

	rootCmd.AddCommand(refreshDraftsCmd)
	rootCmd.AddCommand(publishCmd)
}
