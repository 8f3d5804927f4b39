package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"donut-multiplier/internal/alerting"
	"donut-multiplier/internal/config"
	"donut-multiplier/internal/ledger"
	"donut-multiplier/internal/multiplier"
	"donut-multiplier/internal/storage"
	"donut-multiplier/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// sources bundles the ledger capabilities handed to the engine.
type sources struct {
	transfers ledger.TransferSource
	mints     ledger.MintSource
	balances  ledger.BalanceReader
	close     func()
}

func (a *App) newSources() sources {
	userAgent := a.Config.Explorer.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}

	explorer := ledger.NewExplorer(ledger.ExplorerOptions{
		BaseURL:          a.Config.Explorer.BaseURL,
		APIKey:           a.Config.Explorer.APIKey,
		ChainID:          a.Config.Explorer.ChainID,
		PageSize:         a.Config.Explorer.PageSize,
		RateLimit:        a.Config.Explorer.RateLimit,
		Timeout:          a.Config.Explorer.RequestTimeout,
		UserAgent:        userAgent,
		FallbackDecimals: a.Config.Program.TokenDecimals,
	}, a.Logger)

	chain := ledger.NewChainReader(ledger.ChainOptions{
		RPCURL:  a.Config.Ethereum.RPCURL,
		Timeout: a.Config.Ethereum.RequestTimeout,
	}, a.Logger)

	retrying := ledger.NewRetrying(explorer, explorer, chain, ledger.RetryPolicy{
		MaxAttempts:     a.Config.Retry.MaxAttempts,
		InitialInterval: a.Config.Retry.InitialInterval,
		MaxInterval:     a.Config.Retry.MaxInterval,
	}, a.Logger)

	return sources{
		transfers: retrying,
		mints:     retrying,
		balances:  retrying,
		close:     chain.Close,
	}
}

func (a *App) programParams() multiplier.Params {
	return multiplier.Params{
		Origin:      a.Config.Program.OriginAddress,
		Token:       a.Config.Program.TokenAddress,
		LP:          a.Config.Program.LPAddress,
		Keywords:    a.Config.Program.MembershipKeywords,
		BlockWindow: a.Config.Program.BlockWindow,
	}
}

func (a *App) newEngine() (*multiplier.Engine, func(), error) {
	src := a.newSources()
	engine, err := multiplier.NewEngine(a.programParams(), src.transfers, src.mints, src.balances, a.Logger)
	if err != nil {
		src.close()
		return nil, nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	return engine, src.close, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.AddressLink, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// EvaluateOptions configure a single wallet evaluation.
type EvaluateOptions struct {
	Wallet string
	JSON   bool
}

// Evaluate computes and prints the multiplier of one wallet.
func (a *App) Evaluate(ctx context.Context, out io.Writer, opts EvaluateOptions) error {
	if !common.IsHexAddress(opts.Wallet) {
		return fmt.Errorf("%q is not a valid wallet address", opts.Wallet)
	}

	engine, closeEngine, err := a.newEngine()
	if err != nil {
		return err
	}
	defer closeEngine()

	res, err := engine.Compute(ctx, opts.Wallet)
	if err != nil {
		return err
	}
	if opts.JSON {
		return writeResultJSON(out, res)
	}
	return writeResultTable(out, res)
}

func writeResultJSON(out io.Writer, res multiplier.Result) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"wallet":                res.Wallet,
		"multiplier":            res.Multiplier,
		"need_to_buy":           res.NeedToBuy,
		"current_balance":       res.CurrentBalance,
		"earned":                res.Earned,
		"sent_to_lp":            res.SentToLP,
		"net_transferred_to_lp": res.NetTransferredToLP,
		"lp_residual":           res.LPResidual,
		"membership_spend":      res.MembershipSpend,
		"minted":                res.Minted,
		"retention_ratio":       res.RetentionRatio,
		"transfer_count":        res.TransferCount,
	})
}

func writeResultTable(out io.Writer, res multiplier.Result) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	rows := []struct {
		label string
		value string
	}{
		{"Wallet", res.Wallet},
		{"Multiplier", formatDecimal(res.Multiplier, 4)},
		{"Need to buy", formatDecimal(res.NeedToBuy, 4)},
		{"Current balance", formatDecimal(res.CurrentBalance, 4)},
		{"Earned", formatDecimal(res.Earned, 4)},
		{"Sent to LP", formatDecimal(res.SentToLP, 4)},
		{"Net transferred to LP", formatDecimal(res.NetTransferredToLP, 4)},
		{"LP residual", formatDecimal(res.LPResidual, 4)},
		{"Membership spend", formatDecimal(res.MembershipSpend, 4)},
		{"Minted", fmt.Sprintf("%t", res.Minted)},
		{"Retention ratio", formatDecimal(res.RetentionRatio, 2)},
		{"Transfers", fmt.Sprintf("%d", res.TransferCount)},
	}
	for _, row := range rows {
		fmt.Fprintf(writer, "%s\t%s\n", row.label, row.value)
	}
	return writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

// ExportOptions hold parameters for exporting a stored round.
type ExportOptions struct {
	Round     int64
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command. A non-empty Wallet prints that
// wallet's stored result instead of the round table.
type ShowOptions struct {
	Round  int64
	Limit  int
	Wallet string
}

// BatchOptions configure a batch run over a distribution CSV.
type BatchOptions struct {
	Input   string
	Output  string
	Round   int64
	DryRun  bool
	Workers int
}

// Migrate applies the SQL files under database.migrations_path.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn 未配置，无法执行迁移")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := storage.Migrate(ctx, pool, os.DirFS(a.Config.Database.MigrationsPath))
	if err != nil {
		return err
	}
	a.Logger.Info().Strs("files", applied).Msg("migrations applied")
	return nil
}
