package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"donut-multiplier/internal/metrics"
)

const (
	actionTokenTx    = "tokentx"
	actionTokenNFTTx = "tokennfttx"

	noTransactionsFound = "no transactions found"
	defaultPageSize     = 100
)

// ExplorerOptions parameterise the Etherscan-compatible history client.
type ExplorerOptions struct {
	BaseURL   string
	APIKey    string
	ChainID   int64
	PageSize  int
	RateLimit float64
	Timeout   time.Duration
	UserAgent string
	// FallbackDecimals is used only when a record omits tokenDecimal.
	FallbackDecimals int32
}

// Explorer pages through the account endpoints of an Etherscan-compatible API.
type Explorer struct {
	opts    ExplorerOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewExplorer constructs an explorer client.
func NewExplorer(opts ExplorerOptions, logger zerolog.Logger) *Explorer {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.etherscan.io/v2/api"
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}

	return &Explorer{
		opts:    opts,
		logger:  logger.With().Str("component", "explorer").Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		baseURL: baseURL,
	}
}

// FetchTransfers returns every ERC-20 transfer of q.Wallet in ascending block order.
func (e *Explorer) FetchTransfers(ctx context.Context, q TransferQuery) ([]TransferRecord, error) {
	if q.Wallet == "" {
		return nil, errors.New("wallet address required")
	}

	params := url.Values{}
	params.Set("address", q.Wallet)
	if q.Contract != "" {
		params.Set("contractaddress", q.Contract)
	}

	seen := make(map[string]struct{})
	records := make([]TransferRecord, 0)
	err := e.paginate(ctx, actionTokenTx, params, func(page []rawTransfer) error {
		for _, raw := range page {
			rec, err := raw.toTransfer(e.opts.FallbackDecimals)
			if err != nil {
				return err
			}
			if q.Counterparty != "" && !SameAddress(rec.From, q.Counterparty) && !SameAddress(rec.To, q.Counterparty) {
				continue
			}
			if key := rec.Key(); key != "" {
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// FetchMints returns every non-fungible transfer touching wallet.
func (e *Explorer) FetchMints(ctx context.Context, wallet string) ([]MintRecord, error) {
	if wallet == "" {
		return nil, errors.New("wallet address required")
	}

	params := url.Values{}
	params.Set("address", wallet)

	records := make([]MintRecord, 0)
	err := e.paginate(ctx, actionTokenNFTTx, params, func(page []rawTransfer) error {
		for _, raw := range page {
			rec, err := raw.toMint()
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// paginate requests pages until one comes back shorter than the page size.
func (e *Explorer) paginate(ctx context.Context, action string, params url.Values, consume func([]rawTransfer) error) error {
	fetched := 0
	for page := 1; ; page++ {
		rows, err := e.fetchPage(ctx, action, params, page)
		if err != nil {
			var queryErr *QueryError
			if errors.As(err, &queryErr) {
				queryErr.Fetched = fetched
			}
			metrics.LedgerErrors.WithLabelValues(errorKind(err)).Inc()
			e.logger.Warn().Err(err).Str("action", action).Int("page", page).Msg("explorer page failed")
			return err
		}
		metrics.ExplorerPages.WithLabelValues(action).Inc()

		if err := consume(rows); err != nil {
			return &QueryError{Action: action, Page: page, Fetched: fetched, Message: err.Error()}
		}
		fetched += len(rows)

		e.logger.Debug().Str("action", action).Int("page", page).Int("rows", len(rows)).Msg("explorer page fetched")
		if len(rows) < e.opts.PageSize {
			return nil
		}
	}
}

func (e *Explorer) fetchPage(ctx context.Context, action string, params url.Values, page int) ([]rawTransfer, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := url.Values{}
	for k, v := range params {
		query[k] = v
	}
	if e.opts.ChainID > 0 {
		query.Set("chainid", strconv.FormatInt(e.opts.ChainID, 10))
	}
	query.Set("module", "account")
	query.Set("action", action)
	query.Set("startblock", "0")
	query.Set("endblock", "99999999")
	query.Set("sort", "asc")
	query.Set("page", strconv.Itoa(page))
	query.Set("offset", strconv.Itoa(e.opts.PageSize))
	if e.opts.APIKey != "" {
		query.Set("apikey", e.opts.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(e.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &ConnectivityError{Endpoint: e.baseURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectivityError{Endpoint: e.baseURL, Err: err}
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &ConnectivityError{Endpoint: e.baseURL, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &QueryError{Action: action, Page: page, Status: resp.StatusCode, Message: fmt.Sprintf("http %d: %s", resp.StatusCode, msg)}
	}

	var envelope explorerResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &QueryError{Action: action, Page: page, Message: fmt.Sprintf("decode response: %v", err)}
	}

	if envelope.Status != "1" {
		if strings.EqualFold(strings.TrimSpace(envelope.Message), noTransactionsFound) {
			return nil, nil
		}
		return nil, &QueryError{Action: action, Page: page, Message: envelope.providerMessage()}
	}

	var rows []rawTransfer
	if err := json.Unmarshal(envelope.Result, &rows); err != nil {
		return nil, &QueryError{Action: action, Page: page, Message: fmt.Sprintf("decode result: %v", err)}
	}
	return rows, nil
}

type explorerResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// providerMessage prefers the textual result, which carries the detail
// ("Max rate limit reached", "Invalid API Key") behind a generic NOTOK.
func (r explorerResponse) providerMessage() string {
	var detail string
	if err := json.Unmarshal(r.Result, &detail); err == nil && detail != "" {
		if r.Message != "" {
			return r.Message + ": " + detail
		}
		return detail
	}
	if r.Message != "" {
		return r.Message
	}
	return "status " + r.Status
}

type rawTransfer struct {
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	Hash            string `json:"hash"`
	LogIndex        string `json:"logIndex"`
	From            string `json:"from"`
	To              string `json:"to"`
	ContractAddress string `json:"contractAddress"`
	Value           string `json:"value"`
	TokenID         string `json:"tokenID"`
	TokenName       string `json:"tokenName"`
	TokenSymbol     string `json:"tokenSymbol"`
	TokenDecimal    string `json:"tokenDecimal"`
}

func (r rawTransfer) toTransfer(fallbackDecimals int32) (TransferRecord, error) {
	block, err := strconv.ParseUint(r.BlockNumber, 10, 64)
	if err != nil {
		return TransferRecord{}, fmt.Errorf("parse blockNumber %q: %w", r.BlockNumber, err)
	}

	var ts int64
	if r.TimeStamp != "" {
		if ts, err = strconv.ParseInt(r.TimeStamp, 10, 64); err != nil {
			return TransferRecord{}, fmt.Errorf("parse timeStamp %q: %w", r.TimeStamp, err)
		}
	}

	logIndex := int64(-1)
	if r.LogIndex != "" {
		if logIndex, err = strconv.ParseInt(r.LogIndex, 10, 64); err != nil {
			return TransferRecord{}, fmt.Errorf("parse logIndex %q: %w", r.LogIndex, err)
		}
	}

	value, ok := new(big.Int).SetString(r.Value, 10)
	if !ok {
		return TransferRecord{}, fmt.Errorf("parse value %q", r.Value)
	}

	decimals := fallbackDecimals
	if r.TokenDecimal != "" {
		parsed, err := strconv.ParseInt(r.TokenDecimal, 10, 32)
		if err != nil {
			return TransferRecord{}, fmt.Errorf("parse tokenDecimal %q: %w", r.TokenDecimal, err)
		}
		decimals = int32(parsed)
	}

	return TransferRecord{
		BlockNumber: block,
		Timestamp:   ts,
		TxHash:      r.Hash,
		LogIndex:    logIndex,
		From:        r.From,
		To:          r.To,
		Contract:    r.ContractAddress,
		Value:       value,
		Decimals:    decimals,
	}, nil
}

func (r rawTransfer) toMint() (MintRecord, error) {
	block, err := strconv.ParseUint(r.BlockNumber, 10, 64)
	if err != nil {
		return MintRecord{}, fmt.Errorf("parse blockNumber %q: %w", r.BlockNumber, err)
	}

	var decimals int32
	if r.TokenDecimal != "" {
		parsed, err := strconv.ParseInt(r.TokenDecimal, 10, 32)
		if err != nil {
			return MintRecord{}, fmt.Errorf("parse tokenDecimal %q: %w", r.TokenDecimal, err)
		}
		decimals = int32(parsed)
	}

	return MintRecord{
		BlockNumber: block,
		TxHash:      r.Hash,
		From:        r.From,
		To:          r.To,
		Contract:    r.ContractAddress,
		TokenID:     r.TokenID,
		TokenName:   r.TokenName,
		TokenSymbol: r.TokenSymbol,
		Decimals:    decimals,
	}, nil
}

func errorKind(err error) string {
	var connErr *ConnectivityError
	var queryErr *QueryError
	var chainErr *ChainReadError
	switch {
	case errors.As(err, &connErr):
		return "connectivity"
	case errors.As(err, &queryErr):
		return "query"
	case errors.As(err, &chainErr):
		return "chain_read"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

var (
	_ TransferSource = (*Explorer)(nil)
	_ MintSource     = (*Explorer)(nil)
)
