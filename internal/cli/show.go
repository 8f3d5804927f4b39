package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"donut-multiplier/internal/app"
)

var (
	showRound  int64
	showLimit  int
	showWallet string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display stored results of a round",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Round:  showRound,
			Limit:  showLimit,
			Wallet: showWallet,
		}

		return getApp().Show(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	showCmd.Flags().Int64Var(&showRound, "round", 0, "Distribution round number")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of wallets to display")
	showCmd.Flags().StringVar(&showWallet, "wallet", "", "Show the stored result of a single wallet")
	_ = showCmd.MarkFlagRequired("round")
}
