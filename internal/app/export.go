package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"donut-multiplier/internal/storage"
)

// Export renders a stored round as CSV and/or a PNG multiplier histogram.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	return a.exportRound(ctx, store, opts)
}

func (a *App) exportRound(ctx context.Context, store storage.ResultStore, opts ExportOptions) error {
	records, err := store.ListRound(ctx, opts.Round, opts.MaxPoints)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Int64("round", opts.Round).Msg("no results found for round")
		return nil
	}
	if opts.MaxPoints > 0 && len(records) == opts.MaxPoints {
		// ListRound orders by multiplier ascending, so the cut drops the highest.
		a.Logger.Warn().Int64("round", opts.Round).
			Int("max_points", opts.MaxPoints).
			Msg("export truncated at max_points; highest multipliers omitted, raise --max-points")
	}
	a.Logger.Info().Int64("round", opts.Round).Int("exported", len(records)).Msg("exporting results")

	if opts.CSVPath != "" {
		if err := writeResultsCSV(opts.CSVPath, records); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeHistogramPNG(opts.PNGPath, opts.Round, records); err != nil {
			return err
		}
	}

	return nil
}

func writeResultsCSV(path string, records []storage.ResultRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"round", "wallet", "username", "multiplier", "need_to_buy", "current_balance", "earned", "sent_to_lp", "net_transferred_to_lp", "lp_residual", "membership_spend", "retention_ratio", "minted", "transfer_count", "status", "error", "evaluated_at"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		errMsg := ""
		if rec.Error != nil {
			errMsg = *rec.Error
		}
		row := []string{
			fmt.Sprintf("%d", rec.Round),
			rec.Wallet,
			rec.Username,
			rec.Multiplier.String(),
			rec.NeedToBuy.String(),
			rec.CurrentBalance.String(),
			rec.Earned.String(),
			rec.SentToLP.String(),
			rec.NetTransferredToLP.String(),
			rec.LPResidual.String(),
			rec.MembershipSpend.String(),
			rec.RetentionRatio.String(),
			fmt.Sprintf("%t", rec.Minted),
			fmt.Sprintf("%d", rec.TransferCount),
			rec.Status,
			errMsg,
			rec.EvaluatedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// histogramBucket counts multipliers in [Low, High). The top bucket holds exactly 1.
type histogramBucket struct {
	Label string
	Low   decimal.Decimal
	High  decimal.Decimal
	Count int
}

func multiplierHistogram(records []storage.ResultRecord) []histogramBucket {
	bounds := []string{"0", "0.1", "0.25", "0.5", "0.75", "1"}
	buckets := make([]histogramBucket, 0, len(bounds))
	for i := 0; i < len(bounds)-1; i++ {
		buckets = append(buckets, histogramBucket{
			Label: bounds[i] + "-" + bounds[i+1],
			Low:   decimal.RequireFromString(bounds[i]),
			High:  decimal.RequireFromString(bounds[i+1]),
		})
	}
	full := decimal.NewFromInt(1)
	buckets = append(buckets, histogramBucket{Label: "1", Low: full, High: full})

	for _, rec := range records {
		if rec.Status != storage.StatusComplete {
			continue
		}
		m := rec.Multiplier
		if m.GreaterThanOrEqual(full) {
			buckets[len(buckets)-1].Count++
			continue
		}
		for i := range buckets[:len(buckets)-1] {
			if m.GreaterThanOrEqual(buckets[i].Low) && m.LessThan(buckets[i].High) {
				buckets[i].Count++
				break
			}
		}
	}
	return buckets
}

func writeHistogramPNG(path string, round int64, records []storage.ResultRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	buckets := multiplierHistogram(records)
	bars := make([]chart.Value, len(buckets))
	total := 0
	for i, b := range buckets {
		bars[i] = chart.Value{Label: b.Label, Value: float64(b.Count)}
		total += b.Count
	}
	// go-chart cannot scale an all-zero range
	if total == 0 {
		return errors.New("round has no completed results to chart")
	}

	graph := chart.BarChart{
		Title:    fmt.Sprintf("Round %d multipliers", round),
		Width:    1280,
		Height:   720,
		BarWidth: 120,
		Background: chart.Style{
			Padding: chart.Box{Top: 40},
		},
		YAxis: chart.YAxis{
			Name: "Wallets",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Bars: bars,
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
