package multiplier

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"donut-multiplier/internal/ledger"
)

const (
	origin = "0x439ceE4cC4EcBD75DC08D9a17E92bDdCc11CDb8C"
	token  = "0xF42e2B8bc2aF8B110b65be98dB1321B1ab8D44f5"
	pool   = "0x65f7a98D87BC21A3748545047632FEf4d3Ff9a67"
	wallet = "0x1111111111111111111111111111111111111111"
	shop   = "0x4444444444444444444444444444444444444444"
)

type stubLedger struct {
	transfers     []ledger.TransferRecord
	mints         []ledger.MintRecord
	balances      map[string]decimal.Decimal
	transferErr   error
	mintErr       error
	balanceErr    error
	transferCalls int
}

func (s *stubLedger) FetchTransfers(ctx context.Context, q ledger.TransferQuery) ([]ledger.TransferRecord, error) {
	s.transferCalls++
	if s.transferErr != nil {
		return nil, s.transferErr
	}
	return s.transfers, nil
}

func (s *stubLedger) FetchMints(ctx context.Context, wallet string) ([]ledger.MintRecord, error) {
	if s.mintErr != nil {
		return nil, s.mintErr
	}
	return s.mints, nil
}

func (s *stubLedger) ReadTokenBalance(ctx context.Context, holder, contract string) (decimal.Decimal, error) {
	if s.balanceErr != nil {
		return decimal.Decimal{}, s.balanceErr
	}
	if bal, ok := s.balances[holder]; ok {
		return bal, nil
	}
	return decimal.Zero, nil
}

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func tx(block uint64, from, to string, amount int64) ledger.TransferRecord {
	return ledger.TransferRecord{BlockNumber: block, From: from, To: to, Contract: token, Value: units(amount), Decimals: 18, LogIndex: -1}
}

func newEngine(t *testing.T, s *stubLedger) *Engine {
	t.Helper()
	e, err := NewEngine(Params{
		Origin:      origin,
		Token:       token,
		LP:          pool,
		Keywords:    []string{"EthTrader", "Special", "Membership"},
		BlockWindow: 5,
	}, s, s, s, zerolog.Nop())
	require.NoError(t, err)
	return e
}

func TestComputeUntouchedWallet(t *testing.T) {
	s := &stubLedger{balances: map[string]decimal.Decimal{wallet: decimal.NewFromInt(40)}}

	res, err := newEngine(t, s).Compute(context.Background(), wallet)
	require.NoError(t, err)
	assert.True(t, res.Multiplier.Equal(decimal.NewFromInt(1)))
	assert.True(t, res.NeedToBuy.IsZero())
	assert.True(t, res.Earned.IsZero())
	assert.Zero(t, res.TransferCount)
	assert.Equal(t, 1, s.transferCalls)
}

func TestComputeFullRetention(t *testing.T) {
	s := &stubLedger{
		transfers: []ledger.TransferRecord{tx(10, origin, wallet, 1000)},
		balances:  map[string]decimal.Decimal{wallet: decimal.NewFromInt(1000)},
	}

	res, err := newEngine(t, s).Compute(context.Background(), wallet)
	require.NoError(t, err)
	assert.True(t, res.RetentionRatio.IsZero())
	assert.True(t, res.Multiplier.Equal(decimal.NewFromInt(1)))
	assert.True(t, res.NeedToBuy.IsZero())
}

func TestComputeSoldMostTokens(t *testing.T) {
	s := &stubLedger{
		transfers: []ledger.TransferRecord{tx(10, origin, wallet, 1000), tx(20, wallet, shop, 900)},
		balances:  map[string]decimal.Decimal{wallet: decimal.NewFromInt(100)},
	}

	res, err := newEngine(t, s).Compute(context.Background(), wallet)
	require.NoError(t, err)
	assert.True(t, res.RetentionRatio.Equal(decimal.NewFromInt(90)), "ratio %s", res.RetentionRatio)
	assert.True(t, res.Multiplier.Equal(decimal.RequireFromString("0.22")), "multiplier %s", res.Multiplier)
	assert.True(t, res.NeedToBuy.Equal(decimal.NewFromInt(500)))
	assert.True(t, res.Earned.Equal(decimal.NewFromInt(1000)))
}

func TestComputeNothingEarned(t *testing.T) {
	s := &stubLedger{
		transfers: []ledger.TransferRecord{tx(10, shop, wallet, 50)},
		balances:  map[string]decimal.Decimal{wallet: decimal.NewFromInt(50)},
	}

	res, err := newEngine(t, s).Compute(context.Background(), wallet)
	require.NoError(t, err)
	assert.True(t, res.RetentionRatio.Equal(NeutralRatio))
	assert.True(t, res.Multiplier.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 1, res.TransferCount)
}

func TestComputeCountsPoolAndMembership(t *testing.T) {
	s := &stubLedger{
		transfers: []ledger.TransferRecord{
			tx(10, origin, wallet, 1000),
			tx(20, wallet, pool, 400),
			tx(30, pool, wallet, 100),
			tx(102, wallet, shop, 200),
		},
		mints: []ledger.MintRecord{{BlockNumber: 100, From: ledger.ZeroAddress, To: wallet, TokenName: "EthTrader Special Membership"}},
		balances: map[string]decimal.Decimal{
			wallet: decimal.NewFromInt(100),
			pool:   decimal.NewFromInt(900),
		},
	}

	res, err := newEngine(t, s).Compute(context.Background(), wallet)
	require.NoError(t, err)

	// net LP 300, pool 900 → residual 300*900/1200 = 225, 75 left for good
	assert.True(t, res.LPResidual.Equal(decimal.NewFromInt(225)), "residual %s", res.LPResidual)
	assert.True(t, res.NetTransferredToLP.Equal(decimal.NewFromInt(75)))
	assert.True(t, res.SentToLP.Equal(decimal.NewFromInt(400)))
	assert.True(t, res.Minted)
	assert.True(t, res.MembershipSpend.Equal(decimal.NewFromInt(200)))

	// accounted = 100 + 75 + 200 = 375 → ratio 62.5 → 1.3 - 0.75 = 0.55
	assert.True(t, res.RetentionRatio.Equal(decimal.RequireFromString("62.5")), "ratio %s", res.RetentionRatio)
	assert.True(t, res.Multiplier.Equal(decimal.RequireFromString("0.55")), "multiplier %s", res.Multiplier)
	assert.True(t, res.NeedToBuy.Equal(decimal.NewFromInt(225)))
}

func TestComputeLPDepositNearMintCountedOnce(t *testing.T) {
	s := &stubLedger{
		transfers: []ledger.TransferRecord{
			tx(10, origin, wallet, 1000),
			tx(101, wallet, pool, 400),
			tx(103, wallet, shop, 200),
		},
		mints:    []ledger.MintRecord{{BlockNumber: 100, From: ledger.ZeroAddress, To: wallet, TokenName: "EthTrader Special Membership"}},
		balances: map[string]decimal.Decimal{wallet: decimal.NewFromInt(100)},
	}

	res, err := newEngine(t, s).Compute(context.Background(), wallet)
	require.NoError(t, err)
	assert.True(t, res.NetTransferredToLP.Equal(decimal.NewFromInt(400)))
	assert.True(t, res.MembershipSpend.Equal(decimal.NewFromInt(200)), "LP 存入不应重复计为会员花费: %s", res.MembershipSpend)
}

func TestComputePropagatesLedgerErrors(t *testing.T) {
	queryErr := &ledger.QueryError{Action: "tokentx", Page: 2, Fetched: 100, Message: "NOTOK"}
	_, err := newEngine(t, &stubLedger{transferErr: queryErr}).Compute(context.Background(), wallet)
	var gotQuery *ledger.QueryError
	require.ErrorAs(t, err, &gotQuery)

	connErr := &ledger.ConnectivityError{Endpoint: "rpc", Err: errors.New("refused")}
	_, err = newEngine(t, &stubLedger{balanceErr: connErr}).Compute(context.Background(), wallet)
	var gotConn *ledger.ConnectivityError
	require.ErrorAs(t, err, &gotConn)

	chainErr := &ledger.ChainReadError{Contract: token, Method: "decimals", Err: errors.New("reverted")}
	_, err = newEngine(t, &stubLedger{mintErr: chainErr}).Compute(context.Background(), wallet)
	var gotChain *ledger.ChainReadError
	require.ErrorAs(t, err, &gotChain)
}

func TestNewEngineValidatesParams(t *testing.T) {
	s := &stubLedger{}
	_, err := NewEngine(Params{Token: token, LP: pool}, s, s, s, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewEngine(Params{Origin: origin, Token: token, LP: pool}, nil, s, s, zerolog.Nop())
	assert.Error(t, err)
}

func TestComputeRequiresWallet(t *testing.T) {
	_, err := newEngine(t, &stubLedger{}).Compute(context.Background(), "")
	assert.Error(t, err)
}
