package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"donut-multiplier/internal/app"
)

var (
	batchInput   string
	batchOutput  string
	batchRound   int64
	batchDryRun  bool
	batchWorkers int
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Append multipliers to every wallet of a round distribution CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		if batchInput == "" {
			return fmt.Errorf("--input must be provided")
		}
		if batchRound < 0 {
			return fmt.Errorf("--round cannot be negative")
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		opts := app.BatchOptions{
			Input:   batchInput,
			Output:  batchOutput,
			Round:   batchRound,
			DryRun:  batchDryRun,
			Workers: batchWorkers,
		}
		return getApp().Batch(ctx, opts)
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchInput, "input", "", "Round distribution CSV (e.g. round_142.csv)")
	batchCmd.Flags().StringVar(&batchOutput, "output", "", "Output CSV path (defaults to <input>_multipliers.csv)")
	batchCmd.Flags().Int64Var(&batchRound, "round", 0, "Distribution round number")
	batchCmd.Flags().BoolVar(&batchDryRun, "dry-run", false, "Run without writing to storage")
	batchCmd.Flags().IntVar(&batchWorkers, "workers", 0, "Number of concurrent workers (defaults to config)")
}
