package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"donut-multiplier/internal/alerting"
	"donut-multiplier/internal/storage"
)

// NotifyRound 根据已落库的轮次结果重新发送一次汇总告警。
func (a *App) NotifyRound(ctx context.Context, round int64) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot load round")
	}
	if closeStore != nil {
		defer closeStore()
	}

	return notifyRound(ctx, store, notifier, round, a.Config.Alerting.Channels)
}

func notifyRound(ctx context.Context, store storage.ResultStore, notifier alerting.Notifier, round int64, channels []string) error {
	summary, err := store.SummarizeRound(ctx, round)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("round %d has no stored results", round)
	}
	if err != nil {
		return err
	}

	records, err := store.ListRound(ctx, round, int(summary.Wallets))
	if err != nil {
		return err
	}
	failed := make([]string, 0, summary.Failed)
	for _, rec := range records {
		if rec.Status != storage.StatusComplete {
			failed = append(failed, rec.Wallet)
		}
	}

	note := alerting.Notification{
		Round:          round,
		Wallets:        int(summary.Wallets),
		Succeeded:      int(summary.Wallets - summary.Failed),
		Failed:         int(summary.Failed),
		Penalized:      int(summary.Penalized),
		MeanMultiplier: summary.MeanMultiplier,
		TotalNeedToBuy: summary.TotalNeedToBuy,
		FailedWallets:  failed,
		Channels:       channels,
		AdditionalMsg:  fmt.Sprintf("Last evaluated: %s UTC\n", summary.LastEvaluated.UTC().Format("2006-01-02 15:04:05")),
	}
	return notifier.Notify(ctx, note)
}
