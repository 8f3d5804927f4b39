package cli

import (
	"github.com/spf13/cobra"

	"donut-multiplier/internal/app"
)

var evaluateJSON bool

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <wallet>",
	Short: "Compute the multiplier of a single wallet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.EvaluateOptions{
			Wallet: args[0],
			JSON:   evaluateJSON,
		}
		return getApp().Evaluate(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	evaluateCmd.Flags().BoolVar(&evaluateJSON, "json", false, "Print the result as JSON")
}
