package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWallet = "0x1111111111111111111111111111111111111111"
	testOrigin = "0x439ceE4cC4EcBD75DC08D9a17E92bDdCc11CDb8C"
	testToken  = "0xF42e2B8bc2aF8B110b65be98dB1321B1ab8D44f5"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func fakeTransfers(n int) []map[string]string {
	rows := make([]map[string]string, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, map[string]string{
			"blockNumber":     strconv.Itoa(1000 + i),
			"timeStamp":       strconv.Itoa(1700000000 + i),
			"hash":            fmt.Sprintf("0x%064x", i),
			"logIndex":        "0",
			"from":            testOrigin,
			"to":              testWallet,
			"contractAddress": testToken,
			"value":           "1000000000000000000",
			"tokenDecimal":    "18",
		})
	}
	return rows
}

// pagedServer serves rows using the explorer's page/offset contract.
func pagedServer(t *testing.T, rows []map[string]string, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		q := r.URL.Query()
		page, _ := strconv.Atoi(q.Get("page"))
		offset, _ := strconv.Atoi(q.Get("offset"))
		start := (page - 1) * offset
		if start >= len(rows) {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "0", "message": "No transactions found", "result": []any{}})
			return
		}
		end := start + offset
		if end > len(rows) {
			end = len(rows)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "1", "message": "OK", "result": rows[start:end]})
	}))
}

func newTestExplorer(url string, pageSize int) *Explorer {
	return NewExplorer(ExplorerOptions{
		BaseURL:          url,
		APIKey:           "key",
		ChainID:          42161,
		PageSize:         pageSize,
		Timeout:          time.Second,
		FallbackDecimals: 18,
	}, noopLogger())
}

func TestExplorerFetchTransfersPaginates(t *testing.T) {
	var hits int32
	srv := pagedServer(t, fakeTransfers(25), &hits)
	defer srv.Close()

	records, err := newTestExplorer(srv.URL, 10).FetchTransfers(context.Background(), TransferQuery{Wallet: testWallet})
	require.NoError(t, err)
	require.Len(t, records, 25)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits), "page 3 returns 5 < 10 rows and ends pagination")

	for i := 1; i < len(records); i++ {
		assert.Less(t, records[i-1].BlockNumber, records[i].BlockNumber)
	}
	assert.True(t, records[0].Amount().Equal(decimal.NewFromInt(1)))
}

func TestExplorerExactMultipleEndsOnEmptyPage(t *testing.T) {
	var hits int32
	srv := pagedServer(t, fakeTransfers(20), &hits)
	defer srv.Close()

	records, err := newTestExplorer(srv.URL, 10).FetchTransfers(context.Background(), TransferQuery{Wallet: testWallet})
	require.NoError(t, err)
	assert.Len(t, records, 20)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestExplorerNoTransactionsIsEmptyNotError(t *testing.T) {
	srv := pagedServer(t, nil, nil)
	defer srv.Close()

	records, err := newTestExplorer(srv.URL, 10).FetchTransfers(context.Background(), TransferQuery{Wallet: testWallet})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestExplorerLaterPageFailureSurfaces(t *testing.T) {
	rows := fakeTransfers(10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "1", "message": "OK", "result": rows})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "0", "message": "NOTOK", "result": "Invalid API Key"})
	}))
	defer srv.Close()

	records, err := newTestExplorer(srv.URL, 10).FetchTransfers(context.Background(), TransferQuery{Wallet: testWallet})
	require.Error(t, err)
	assert.Nil(t, records, "第二页失败时不应返回部分结果")

	var queryErr *QueryError
	require.ErrorAs(t, err, &queryErr)
	assert.Equal(t, 2, queryErr.Page)
	assert.Equal(t, 10, queryErr.Fetched)
	assert.Contains(t, queryErr.Message, "Invalid API Key")
	assert.False(t, IsRetryable(err))
}

func TestExplorerRateLimitIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "0", "message": "NOTOK", "result": "Max rate limit reached"})
	}))
	defer srv.Close()

	_, err := newTestExplorer(srv.URL, 10).FetchTransfers(context.Background(), TransferQuery{Wallet: testWallet})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestExplorerTooManyRequestsIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	_, err := newTestExplorer(srv.URL, 10).FetchTransfers(context.Background(), TransferQuery{Wallet: testWallet})
	var queryErr *QueryError
	require.ErrorAs(t, err, &queryErr)
	assert.Equal(t, http.StatusTooManyRequests, queryErr.Status)
	assert.True(t, IsRetryable(err), "429 应可重试，无论响应体内容")
}

func TestExplorerClientErrorIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestExplorer(srv.URL, 10).FetchTransfers(context.Background(), TransferQuery{Wallet: testWallet})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestExplorerServerErrorIsConnectivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestExplorer(srv.URL, 10).FetchTransfers(context.Background(), TransferQuery{Wallet: testWallet})
	var connErr *ConnectivityError
	require.ErrorAs(t, err, &connErr)
}

func TestExplorerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestExplorer(url, 10).FetchTransfers(context.Background(), TransferQuery{Wallet: testWallet})
	var connErr *ConnectivityError
	require.True(t, errors.As(err, &connErr), "关闭的服务应返回 ConnectivityError, 实际 %v", err)
}

func TestExplorerDedupesAndFiltersCounterparty(t *testing.T) {
	rows := fakeTransfers(3)
	rows = append(rows, rows[1])
	rows = append(rows, map[string]string{
		"blockNumber":     "2000",
		"hash":            "0xother",
		"from":            "0x2222222222222222222222222222222222222222",
		"to":              testWallet,
		"contractAddress": testToken,
		"value":           "5",
	})
	srv := pagedServer(t, rows, nil)
	defer srv.Close()

	records, err := newTestExplorer(srv.URL, 100).FetchTransfers(context.Background(), TransferQuery{
		Wallet:       testWallet,
		Counterparty: "0x439cee4cc4ecbd75dc08d9a17e92bddcc11cdb8c",
	})
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestExplorerFallbackDecimals(t *testing.T) {
	rows := []map[string]string{{
		"blockNumber":     "1",
		"hash":            "0xabc",
		"from":            testOrigin,
		"to":              testWallet,
		"contractAddress": testToken,
		"value":           "2500000000000000000",
	}}
	srv := pagedServer(t, rows, nil)
	defer srv.Close()

	records, err := newTestExplorer(srv.URL, 100).FetchTransfers(context.Background(), TransferQuery{Wallet: testWallet})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(-1), records[0].LogIndex)
	assert.True(t, records[0].Amount().Equal(decimal.RequireFromString("2.5")))
}

func TestExplorerFetchMints(t *testing.T) {
	var action string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action = r.URL.Query().Get("action")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "1", "message": "OK", "result": []map[string]string{{
			"blockNumber":     "500",
			"hash":            "0xmint",
			"from":            ZeroAddress,
			"to":              testWallet,
			"contractAddress": "0x3333333333333333333333333333333333333333",
			"tokenID":         "7",
			"tokenName":       "EthTrader Special Membership",
			"tokenSymbol":     "ETM",
			"tokenDecimal":    "0",
		}}})
	}))
	defer srv.Close()

	mints, err := newTestExplorer(srv.URL, 100).FetchMints(context.Background(), testWallet)
	require.NoError(t, err)
	assert.Equal(t, "tokennfttx", action)
	require.Len(t, mints, 1)
	assert.True(t, mints[0].IsMint())
	assert.Equal(t, "EthTrader Special Membership", mints[0].Label())
	assert.Equal(t, uint64(500), mints[0].BlockNumber)
}

func TestExplorerRequiresWallet(t *testing.T) {
	e := newTestExplorer("http://localhost", 10)
	_, err := e.FetchTransfers(context.Background(), TransferQuery{})
	assert.Error(t, err)
	_, err = e.FetchMints(context.Background(), "")
	assert.Error(t, err)
}
