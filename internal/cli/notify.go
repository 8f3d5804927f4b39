package cli

import (
	"github.com/spf13/cobra"
)

var notifyRound int64

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "重新发送某一轮的汇总告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().NotifyRound(cmd.Context(), notifyRound)
	},
}

func init() {
	notifyCmd.Flags().Int64Var(&notifyRound, "round", 0, "轮次编号")
	_ = notifyCmd.MarkFlagRequired("round")
}
