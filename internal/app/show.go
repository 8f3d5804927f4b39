package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"donut-multiplier/internal/storage"
)

// Show prints the stored results of a round, lowest multipliers first.
func (a *App) Show(ctx context.Context, out io.Writer, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show results")
	}
	if closeStore != nil {
		defer closeStore()
	}

	return showRound(ctx, out, store, opts)
}

func showRound(ctx context.Context, out io.Writer, store storage.ResultStore, opts ShowOptions) error {
	if opts.Wallet != "" {
		return showWallet(ctx, out, store, opts)
	}

	summary, err := store.SummarizeRound(ctx, opts.Round)
	if errors.Is(err, pgx.ErrNoRows) {
		fmt.Fprintf(out, "no results stored for round %d\n", opts.Round)
		return nil
	}
	if err != nil {
		return err
	}

	records, err := store.ListRound(ctx, opts.Round, opts.Limit)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Round %d: %d wallets, %d failed, %d penalized, mean multiplier %s, need to buy %s (last evaluated %s)\n\n",
		summary.Round,
		summary.Wallets,
		summary.Failed,
		summary.Penalized,
		formatDecimal(summary.MeanMultiplier, 3),
		formatDecimal(summary.TotalNeedToBuy, 2),
		summary.LastEvaluated.UTC().Format(time.RFC3339),
	)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Wallet\tUser\tMultiplier\tNeed to buy\tBalance\tEarned\tLP\tMembership\tStatus\tError")

	for _, rec := range records {
		errMsg := ""
		if rec.Error != nil {
			errMsg = sanitizeInline(*rec.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Wallet,
			rec.Username,
			formatDecimal(rec.Multiplier, 3),
			formatDecimal(rec.NeedToBuy, 2),
			formatDecimal(rec.CurrentBalance, 2),
			formatDecimal(rec.Earned, 2),
			formatDecimal(rec.NetTransferredToLP, 2),
			formatDecimal(rec.MembershipSpend, 2),
			rec.Status,
			errMsg,
		)
	}

	return writer.Flush()
}

func showWallet(ctx context.Context, out io.Writer, store storage.ResultStore, opts ShowOptions) error {
	if !common.IsHexAddress(opts.Wallet) {
		return fmt.Errorf("%q is not a valid wallet address", opts.Wallet)
	}
	wallet := strings.ToLower(common.HexToAddress(opts.Wallet).Hex())

	rec, err := store.GetResult(ctx, opts.Round, wallet)
	if errors.Is(err, pgx.ErrNoRows) {
		fmt.Fprintf(out, "no result stored for %s in round %d\n", wallet, opts.Round)
		return nil
	}
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	rows := []struct {
		label string
		value string
	}{
		{"Round", fmt.Sprintf("%d", rec.Round)},
		{"Wallet", rec.Wallet},
		{"User", rec.Username},
		{"Status", rec.Status},
		{"Multiplier", formatDecimal(rec.Multiplier, 4)},
		{"Need to buy", formatDecimal(rec.NeedToBuy, 4)},
		{"Current balance", formatDecimal(rec.CurrentBalance, 4)},
		{"Earned", formatDecimal(rec.Earned, 4)},
		{"Net transferred to LP", formatDecimal(rec.NetTransferredToLP, 4)},
		{"Membership spend", formatDecimal(rec.MembershipSpend, 4)},
		{"Evaluated", rec.EvaluatedAt.UTC().Format(time.RFC3339)},
	}
	for _, row := range rows {
		fmt.Fprintf(writer, "%s\t%s\n", row.label, row.value)
	}
	if rec.Error != nil {
		fmt.Fprintf(writer, "Error\t%s\n", sanitizeInline(*rec.Error))
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
