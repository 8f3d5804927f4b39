package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// RetryPolicy bounds the exponential backoff applied around external reads.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Retrying wraps the ledger sources with a bounded retry on transient
// failures. Query errors other than rate limiting and chain read errors are
// returned on the first attempt.
type Retrying struct {
	transfers TransferSource
	mints     MintSource
	balances  BalanceReader
	policy    RetryPolicy
	logger    zerolog.Logger
}

// NewRetrying decorates the given sources. Any of them may be nil when the
// caller does not need that capability.
func NewRetrying(transfers TransferSource, mints MintSource, balances BalanceReader, policy RetryPolicy, logger zerolog.Logger) *Retrying {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = 500 * time.Millisecond
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = 10 * time.Second
	}
	return &Retrying{
		transfers: transfers,
		mints:     mints,
		balances:  balances,
		policy:    policy,
		logger:    logger.With().Str("component", "ledger_retry").Logger(),
	}
}

// FetchTransfers implements TransferSource.
func (r *Retrying) FetchTransfers(ctx context.Context, q TransferQuery) ([]TransferRecord, error) {
	return retry(ctx, r, "fetch_transfers", func() ([]TransferRecord, error) {
		return r.transfers.FetchTransfers(ctx, q)
	})
}

// FetchMints implements MintSource.
func (r *Retrying) FetchMints(ctx context.Context, wallet string) ([]MintRecord, error) {
	return retry(ctx, r, "fetch_mints", func() ([]MintRecord, error) {
		return r.mints.FetchMints(ctx, wallet)
	})
}

// ReadTokenBalance implements BalanceReader.
func (r *Retrying) ReadTokenBalance(ctx context.Context, holder, contract string) (decimal.Decimal, error) {
	return retry(ctx, r, "read_balance", func() (decimal.Decimal, error) {
		return r.balances.ReadTokenBalance(ctx, holder, contract)
	})
}

func (r *Retrying) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.policy.InitialInterval
	exp.MaxInterval = r.policy.MaxInterval
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.policy.MaxAttempts-1)), ctx)
}

func retry[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := fn()
		if err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("wait", wait).Msg("retrying ledger read")
	}
	return backoff.RetryNotifyWithData(operation, r.backOff(ctx), notify)
}

var (
	_ TransferSource = (*Retrying)(nil)
	_ MintSource     = (*Retrying)(nil)
	_ BalanceReader  = (*Retrying)(nil)
)
