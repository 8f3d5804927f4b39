package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"donut-multiplier/internal/metrics"
	"donut-multiplier/internal/service"
	"donut-multiplier/internal/storage"
)

// ErrPartialBatch is returned after a batch in which some wallets failed.
var ErrPartialBatch = errors.New("some wallets could not be evaluated")

const (
	statusInvalid  = "invalid"
	usernameColumn = "username"
)

var appendedColumns = []string{
	"multiplier",
	"need_to_buy",
	"current_balance",
	"earned",
	"sent_to_lp",
	"membership_spend",
	"net_transferred_to_lp",
	"lp_residual",
	"retention_ratio",
	"minted",
	"transfer_count",
	"status",
	"error",
}

// Batch evaluates every wallet of a distribution CSV and writes the CSV back
// with multiplier columns appended.
func (a *App) Batch(ctx context.Context, opts BatchOptions) error {
	if opts.Input == "" {
		return errors.New("--input 必须指定")
	}

	var resultStore storage.ResultStore
	if opts.DryRun {
		a.Logger.Warn().Msg("batch dry-run：不会写入数据库")
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
		} else {
			resultStore = store
			defer closeStore()
		}
	}

	engine, closeEngine, err := a.newEngine()
	if err != nil {
		return err
	}
	defer closeEngine()

	svc := service.New(a.Config, engine, resultStore, a.newNotifier(), a.Logger)
	err = a.runBatch(ctx, svc, opts)

	if pushErr := metrics.Push(ctx, a.Config.Metrics.PushgatewayURL, a.Config.Metrics.Job); pushErr != nil {
		a.Logger.Warn().Err(pushErr).Msg("failed to push metrics")
	}
	return err
}

func (a *App) runBatch(ctx context.Context, svc *service.Service, opts BatchOptions) error {
	dist, err := readDistributionFile(opts.Input, a.Config.Batch.AddressColumn)
	if err != nil {
		return err
	}

	entries := dist.entries()
	if invalid := dist.invalidRows(); invalid > 0 {
		a.Logger.Warn().Int("rows", invalid).Msg("rows without a valid wallet address are skipped")
	}

	report, err := svc.Batch(ctx, service.Request{
		Round:   opts.Round,
		Entries: entries,
		Workers: a.Config.ResolveWorkers(opts.Workers),
	})
	if err != nil && report == nil {
		return err
	}

	output := opts.Output
	if output == "" {
		output = defaultOutputPath(opts.Input)
	}
	if writeErr := writeDistributionFile(output, dist, report.Outcomes); writeErr != nil {
		return writeErr
	}
	a.Logger.Info().Str("output", output).
		Int("wallets", len(entries)).
		Int("failed", report.Failed).
		Msg("distribution written")

	if err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d wallets: %w", report.Failed, len(report.Outcomes), ErrPartialBatch)
	}
	return nil
}

// distribution is a round CSV held in memory.
type distribution struct {
	header  []string
	rows    [][]string
	addrIdx int
	userIdx int
}

func readDistributionFile(path, column string) (*distribution, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return readDistribution(file, column)
}

func readDistribution(r io.Reader, column string) (*distribution, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read distribution csv: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("distribution csv is empty")
	}

	dist := &distribution{header: records[0], rows: records[1:], addrIdx: -1, userIdx: -1}
	for i, name := range dist.header {
		switch {
		case strings.EqualFold(strings.TrimSpace(name), column):
			dist.addrIdx = i
		case strings.EqualFold(strings.TrimSpace(name), usernameColumn):
			dist.userIdx = i
		}
	}
	if dist.addrIdx < 0 {
		return nil, fmt.Errorf("column %q not found in distribution csv", column)
	}
	return dist, nil
}

func (d *distribution) cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func (d *distribution) wallet(row []string) (string, bool) {
	addr := d.cell(row, d.addrIdx)
	if !common.IsHexAddress(addr) {
		return "", false
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), true
}

// entries returns one entry per distinct valid wallet, in file order.
func (d *distribution) entries() []service.Entry {
	seen := make(map[string]struct{}, len(d.rows))
	entries := make([]service.Entry, 0, len(d.rows))
	for _, row := range d.rows {
		wallet, ok := d.wallet(row)
		if !ok {
			continue
		}
		if _, dup := seen[wallet]; dup {
			continue
		}
		seen[wallet] = struct{}{}
		entries = append(entries, service.Entry{Wallet: wallet, Username: d.cell(row, d.userIdx)})
	}
	return entries
}

func (d *distribution) invalidRows() int {
	count := 0
	for _, row := range d.rows {
		if _, ok := d.wallet(row); !ok {
			count++
		}
	}
	return count
}

func writeDistributionFile(path string, dist *distribution, outcomes []service.Outcome) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return writeDistribution(file, dist, outcomes)
}

func writeDistribution(w io.Writer, dist *distribution, outcomes []service.Outcome) error {
	byWallet := make(map[string]service.Outcome, len(outcomes))
	for _, o := range outcomes {
		byWallet[o.Wallet] = o
	}

	writer := csv.NewWriter(w)
	header := append(append([]string{}, dist.header...), appendedColumns...)
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range dist.rows {
		record := append(append([]string{}, row...), outcomeColumns(dist, row, byWallet)...)
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func outcomeColumns(dist *distribution, row []string, byWallet map[string]service.Outcome) []string {
	cols := make([]string, len(appendedColumns))
	status := len(cols) - 2

	wallet, ok := dist.wallet(row)
	if !ok {
		cols[status] = statusInvalid
		cols[status+1] = "not a wallet address"
		return cols
	}
	outcome, ok := byWallet[wallet]
	if !ok {
		cols[status] = storage.StatusFailed
		cols[status+1] = "not evaluated"
		return cols
	}
	if outcome.Err != nil {
		cols[status] = storage.StatusFailed
		cols[status+1] = sanitizeInline(outcome.Err.Error())
		return cols
	}

	res := outcome.Result
	copy(cols, []string{
		res.Multiplier.String(),
		res.NeedToBuy.String(),
		res.CurrentBalance.String(),
		res.Earned.String(),
		res.SentToLP.String(),
		res.MembershipSpend.String(),
		res.NetTransferredToLP.String(),
		res.LPResidual.String(),
		res.RetentionRatio.String(),
		fmt.Sprintf("%t", res.Minted),
		fmt.Sprintf("%d", res.TransferCount),
		storage.StatusComplete,
		"",
	})
	return cols
}

func defaultOutputPath(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + "_multipliers" + ext
}
