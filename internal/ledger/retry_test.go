package ledger

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakySource struct {
	calls    int
	failures int
	err      error
}

func (f *flakySource) FetchTransfers(ctx context.Context, q TransferQuery) ([]TransferRecord, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return []TransferRecord{{TxHash: "0x1", LogIndex: -1}}, nil
}

func (f *flakySource) FetchMints(ctx context.Context, wallet string) ([]MintRecord, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return nil, nil
}

func (f *flakySource) ReadTokenBalance(ctx context.Context, holder, contract string) (decimal.Decimal, error) {
	f.calls++
	if f.calls <= f.failures {
		return decimal.Zero, f.err
	}
	return decimal.NewFromInt(7), nil
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRetryingRecoversFromConnectivity(t *testing.T) {
	src := &flakySource{failures: 2, err: &ConnectivityError{Endpoint: "x", Err: errors.New("refused")}}
	r := NewRetrying(src, src, src, fastPolicy(4), noopLogger())

	records, err := r.FetchTransfers(context.Background(), TransferQuery{Wallet: testWallet})
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, 3, src.calls)
}

func TestRetryingGivesUpAfterMaxAttempts(t *testing.T) {
	src := &flakySource{failures: 10, err: &ConnectivityError{Endpoint: "x", Err: errors.New("refused")}}
	r := NewRetrying(src, src, src, fastPolicy(3), noopLogger())

	_, err := r.ReadTokenBalance(context.Background(), testWallet, testToken)
	var connErr *ConnectivityError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, 3, src.calls)
}

func TestRetryingDoesNotRetryQueryErrors(t *testing.T) {
	src := &flakySource{failures: 10, err: &QueryError{Action: "tokennfttx", Page: 1, Message: "NOTOK: Invalid API Key"}}
	r := NewRetrying(src, src, src, fastPolicy(5), noopLogger())

	_, err := r.FetchMints(context.Background(), testWallet)
	var queryErr *QueryError
	require.ErrorAs(t, err, &queryErr)
	assert.Equal(t, 1, src.calls)
}

func TestRetryingRetriesRateLimit(t *testing.T) {
	src := &flakySource{failures: 1, err: &QueryError{Action: "tokentx", Page: 1, Message: "NOTOK: Max rate limit reached"}}
	r := NewRetrying(src, src, src, fastPolicy(3), noopLogger())

	bal, err := r.ReadTokenBalance(context.Background(), testWallet, testToken)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(7)))
	assert.Equal(t, 2, src.calls)
}

func TestRetryingRetriesTooManyRequestsStatus(t *testing.T) {
	src := &flakySource{failures: 2, err: &QueryError{Action: "tokentx", Page: 1, Status: http.StatusTooManyRequests, Message: "http 429: slow down"}}
	r := NewRetrying(src, src, src, fastPolicy(3), noopLogger())

	_, err := r.ReadTokenBalance(context.Background(), testWallet, testToken)
	require.NoError(t, err)
	assert.Equal(t, 3, src.calls)
}
