package cli

import (
	"github.com/spf13/cobra"

	"donut-multiplier/internal/app"
)

var (
	exportRound     int64
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a stored round as CSV and/or PNG histogram",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Round:     exportRound,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().Int64Var(&exportRound, "round", 0, "Distribution round number")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG histogram")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum wallets to export (defaults to config)")
	_ = exportCmd.MarkFlagRequired("round")
}
