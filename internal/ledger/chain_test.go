package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcCall struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type callArgs struct {
	To    string        `json:"to"`
	Input hexutil.Bytes `json:"input"`
	Data  hexutil.Bytes `json:"data"`
}

// erc20Node answers eth_call for decimals/balanceOf, or reverts when revert is set.
func erc20Node(t *testing.T, decimals uint8, balance *big.Int, revert bool, decimalsCalls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcCall
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")

		if req.Method != "eth_call" {
			_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32601, "message": "method not found"}})
			return
		}
		if revert {
			_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": 3, "message": "execution reverted"}})
			return
		}

		var args callArgs
		require.NoError(t, json.Unmarshal(req.Params[0], &args))
		input := []byte(args.Input)
		if len(input) == 0 {
			input = args.Data
		}

		var out []byte
		var err error
		switch {
		case bytes.HasPrefix(input, erc20ABI.Methods["decimals"].ID):
			if decimalsCalls != nil {
				atomic.AddInt32(decimalsCalls, 1)
			}
			out, err = erc20ABI.Methods["decimals"].Outputs.Pack(decimals)
		case bytes.HasPrefix(input, erc20ABI.Methods["balanceOf"].ID):
			out, err = erc20ABI.Methods["balanceOf"].Outputs.Pack(balance)
		default:
			t.Fatalf("unexpected selector %x", input)
		}
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": hexutil.Encode(out)})
	}))
}

func TestChainReaderReadsNormalisedBalance(t *testing.T) {
	var decimalsCalls int32
	raw, _ := new(big.Int).SetString("1234500000", 10)
	srv := erc20Node(t, 6, raw, false, &decimalsCalls)
	defer srv.Close()

	reader := NewChainReader(ChainOptions{RPCURL: srv.URL, Timeout: time.Second}, noopLogger())
	defer reader.Close()

	bal, err := reader.ReadTokenBalance(context.Background(), testWallet, testToken)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("1234.5")), "got %s", bal)

	_, err = reader.ReadTokenBalance(context.Background(), testOrigin, testToken)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&decimalsCalls), "decimals 应按合约缓存")
}

func TestChainReaderRevertIsChainReadError(t *testing.T) {
	srv := erc20Node(t, 18, big.NewInt(0), true, nil)
	defer srv.Close()

	reader := NewChainReader(ChainOptions{RPCURL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := reader.ReadTokenBalance(context.Background(), testWallet, testToken)

	var chainErr *ChainReadError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, "decimals", chainErr.Method)
	assert.False(t, IsRetryable(err))
}

func TestChainReaderUnreachableIsConnectivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	reader := NewChainReader(ChainOptions{RPCURL: url, Timeout: time.Second}, noopLogger())
	_, err := reader.ReadTokenBalance(context.Background(), testWallet, testToken)

	var connErr *ConnectivityError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, IsRetryable(err))
}

func TestChainReaderValidatesInput(t *testing.T) {
	reader := NewChainReader(ChainOptions{}, noopLogger())
	_, err := reader.ReadTokenBalance(context.Background(), testWallet, testToken)
	require.Error(t, err, "未配置 RPC 时应报错")

	reader = NewChainReader(ChainOptions{RPCURL: "http://localhost"}, noopLogger())
	_, err = reader.ReadTokenBalance(context.Background(), "not-an-address", testToken)
	var chainErr *ChainReadError
	require.ErrorAs(t, err, &chainErr)
}
