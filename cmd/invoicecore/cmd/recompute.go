package cmd

import (
	"context"

	invoicedomain "github.com/smallbiznis/invoicecore/internal/invoice/domain"
	"github.com/spf13/cobra"
)

var recomputeCmd = &cobra.Command{
	Use:   "recompute <invoice-id>",
	Short: "Recompute the totals of a draft invoice",
	Long: `Recompute re-derives every line amount, the subtotal, the tax and the
total of a draft invoice from its stored lines and tax configuration.
Running it twice produces the same totals.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var svc invoicedomain.Service
		return runApp(cmd.Context(), func(ctx context.Context) error {
			invoice, err := svc.RecomputeTotals(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(invoice)
		}, &svc)
	},
}

func init() {
	rootCmd.AddCommand(recomputeCmd)
}
