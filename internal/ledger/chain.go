package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"donut-multiplier/internal/metrics"
)

const (
	erc20ABIJSON = `[{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"},{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}]`
)

var (
	erc20ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// ChainOptions parameterise the on-chain balance reader.
type ChainOptions struct {
	RPCURL  string
	Timeout time.Duration
}

// ChainReader reads ERC-20 balances via Ethereum JSON-RPC. Token decimals are
// read once per contract for the lifetime of the reader.
type ChainReader struct {
	opts      ChainOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex

	decimalsMux sync.Mutex
	decimals    map[common.Address]int32
}

// NewChainReader builds a balance reader.
func NewChainReader(opts ChainOptions, logger zerolog.Logger) *ChainReader {
	return &ChainReader{
		opts:     opts,
		logger:   logger.With().Str("component", "chain_reader").Logger(),
		decimals: make(map[common.Address]int32),
	}
}

// ReadTokenBalance returns the balance of holder in contract, normalised by the
// contract's decimals.
func (c *ChainReader) ReadTokenBalance(ctx context.Context, holder, contract string) (decimal.Decimal, error) {
	if c.opts.RPCURL == "" {
		return decimal.Decimal{}, errors.New("ethereum rpc url not configured")
	}
	if !common.IsHexAddress(holder) {
		return decimal.Decimal{}, &ChainReadError{Contract: contract, Method: "balanceOf", Err: fmt.Errorf("invalid holder address %q", holder)}
	}
	if !common.IsHexAddress(contract) {
		return decimal.Decimal{}, &ChainReadError{Contract: contract, Method: "balanceOf", Err: errors.New("invalid contract address")}
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}

	token := common.HexToAddress(contract)
	decimals, err := c.tokenDecimals(ctx, client, token)
	if err != nil {
		return decimal.Decimal{}, err
	}

	out, err := c.call(ctx, client, token, "balanceOf", common.HexToAddress(holder))
	if err != nil {
		return decimal.Decimal{}, err
	}
	balance, ok := out.(*big.Int)
	if !ok {
		return decimal.Decimal{}, &ChainReadError{Contract: contract, Method: "balanceOf", Err: errors.New("failed to decode balanceOf output")}
	}

	return Normalize(balance, decimals), nil
}

func (c *ChainReader) tokenDecimals(ctx context.Context, client *ethclient.Client, token common.Address) (int32, error) {
	c.decimalsMux.Lock()
	cached, ok := c.decimals[token]
	c.decimalsMux.Unlock()
	if ok {
		return cached, nil
	}

	out, err := c.call(ctx, client, token, "decimals")
	if err != nil {
		return 0, err
	}
	raw, ok := out.(uint8)
	if !ok {
		return 0, &ChainReadError{Contract: token.Hex(), Method: "decimals", Err: errors.New("failed to decode decimals output")}
	}

	c.decimalsMux.Lock()
	c.decimals[token] = int32(raw)
	c.decimalsMux.Unlock()
	return int32(raw), nil
}

func (c *ChainReader) call(ctx context.Context, client *ethclient.Client, token common.Address, method string, args ...interface{}) (interface{}, error) {
	payload, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: payload}, nil)
	if err != nil {
		metrics.ChainReads.WithLabelValues(method, "error").Inc()
		return nil, c.classify(token, method, err)
	}

	outputs, err := erc20ABI.Unpack(method, res)
	if err != nil || len(outputs) != 1 {
		metrics.ChainReads.WithLabelValues(method, "error").Inc()
		if err == nil {
			err = fmt.Errorf("unexpected %s response", method)
		}
		return nil, &ChainReadError{Contract: token.Hex(), Method: method, Err: err}
	}

	metrics.ChainReads.WithLabelValues(method, "ok").Inc()
	return outputs[0], nil
}

// classify splits node-side failures (the node answered with a JSON-RPC error,
// e.g. a revert) from transport failures.
func (c *ChainReader) classify(token common.Address, method string, err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return &ChainReadError{Contract: token.Hex(), Method: method, Err: err}
	}
	c.logger.Warn().Err(err).Str("method", method).Msg("rpc call failed")
	return &ConnectivityError{Endpoint: c.opts.RPCURL, Err: err}
}

func (c *ChainReader) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, &ConnectivityError{Endpoint: c.opts.RPCURL, Err: err}
	}
	c.client = client
	return client, nil
}

// Close releases the underlying RPC connection.
func (c *ChainReader) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

var _ BalanceReader = (*ChainReader)(nil)
