package multiplier

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"donut-multiplier/internal/flow"
	"donut-multiplier/internal/ledger"
	"donut-multiplier/internal/membership"
)

// Params are the program-wide inputs of an evaluation.
type Params struct {
	Origin      string
	Token       string
	LP          string
	Keywords    []string
	BlockWindow uint64
}

// Validate checks that all addresses are present.
func (p Params) Validate() error {
	switch {
	case p.Origin == "":
		return errors.New("origin address required")
	case p.Token == "":
		return errors.New("token address required")
	case p.LP == "":
		return errors.New("lp address required")
	}
	return nil
}

// Result is the per-wallet outcome.
type Result struct {
	Wallet             string
	Multiplier         decimal.Decimal
	NeedToBuy          decimal.Decimal
	CurrentBalance     decimal.Decimal
	Earned             decimal.Decimal
	SentToLP           decimal.Decimal
	NetTransferredToLP decimal.Decimal
	LPResidual         decimal.Decimal
	MembershipSpend    decimal.Decimal
	Minted             bool
	RetentionRatio     decimal.Decimal
	TransferCount      int
}

// Engine evaluates wallets against one program configuration. It holds no
// per-wallet state; Compute may be called concurrently.
type Engine struct {
	params    Params
	transfers ledger.TransferSource
	mints     ledger.MintSource
	balances  ledger.BalanceReader
	logger    zerolog.Logger
}

// NewEngine wires the ledger capabilities into an engine.
func NewEngine(params Params, transfers ledger.TransferSource, mints ledger.MintSource, balances ledger.BalanceReader, logger zerolog.Logger) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if transfers == nil || mints == nil || balances == nil {
		return nil, errors.New("ledger sources required")
	}
	return &Engine{
		params:    params,
		transfers: transfers,
		mints:     mints,
		balances:  balances,
		logger:    logger.With().Str("component", "multiplier").Logger(),
	}, nil
}

// Compute evaluates a single wallet. Every ledger failure is returned; no read
// is replaced by a default value.
func (e *Engine) Compute(ctx context.Context, wallet string) (Result, error) {
	if wallet == "" {
		return Result{}, errors.New("wallet address required")
	}

	history, err := e.transfers.FetchTransfers(ctx, ledger.TransferQuery{Wallet: wallet, Contract: e.params.Token})
	if err != nil {
		return Result{}, fmt.Errorf("fetch transfers: %w", err)
	}

	totals := flow.Classify(history, flow.Parties{
		Origin: e.params.Origin,
		Target: wallet,
		LP:     e.params.LP,
		Token:  e.params.Token,
	})

	balance, err := e.balances.ReadTokenBalance(ctx, wallet, e.params.Token)
	if err != nil {
		return Result{}, fmt.Errorf("read wallet balance: %w", err)
	}
	poolBalance, err := e.balances.ReadTokenBalance(ctx, e.params.LP, e.params.Token)
	if err != nil {
		return Result{}, fmt.Errorf("read pool balance: %w", err)
	}

	netLP := totals.NetLPContribution()
	residual := flow.EstimateResidual(netLP, poolBalance)
	netToLP := flow.NetTransferredToLP(netLP, residual)

	mints, err := e.mints.FetchMints(ctx, wallet)
	if err != nil {
		return Result{}, fmt.Errorf("fetch mints: %w", err)
	}
	spend := membership.Correlate(mints, history, membership.Criteria{
		Target:      wallet,
		Keywords:    e.params.Keywords,
		BlockWindow: e.params.BlockWindow,
		Exclude:     []string{e.params.LP, e.params.Origin},
	})

	earned := totals.ReceivedFromOrigin
	accounted := balance.Add(netToLP).Add(spend.AmountPaid)
	ratio := RetentionRatio(earned, accounted)

	mult := FromRatio(ratio)
	if totals.Considered == 0 {
		// untouched wallet
		mult = one
	}

	res := Result{
		Wallet:             wallet,
		Multiplier:         mult,
		NeedToBuy:          NeedToBuy(earned, accounted),
		CurrentBalance:     balance,
		Earned:             earned,
		SentToLP:           totals.SentToLP,
		NetTransferredToLP: netToLP,
		LPResidual:         residual,
		MembershipSpend:    spend.AmountPaid,
		Minted:             spend.Minted,
		RetentionRatio:     ratio,
		TransferCount:      totals.Considered,
	}

	e.logger.Debug().
		Str("wallet", wallet).
		Int("transfers", totals.Considered).
		Str("earned", earned.String()).
		Str("balance", balance.String()).
		Str("ratio", ratio.StringFixed(4)).
		Str("multiplier", mult.StringFixed(4)).
		Msg("wallet evaluated")

	return res, nil
}
