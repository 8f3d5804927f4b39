// Package ledger reads token history from a block explorer and balances from
// an EVM node.
//
// Balance reads and history reads are issued independently and are not pinned
// to one block height: a transfer mined between the two calls may show up in
// one and not the other. Callers needing point-in-time consistency must pin a
// block themselves.
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// TransferQuery selects the transfer history of a wallet. Counterparty and
// Contract are optional filters.
type TransferQuery struct {
	Wallet       string
	Counterparty string
	Contract     string
}

// TransferSource returns the full, ascending transfer history of a wallet.
type TransferSource interface {
	FetchTransfers(ctx context.Context, q TransferQuery) ([]TransferRecord, error)
}

// MintSource returns the non-fungible transfer history of a wallet.
type MintSource interface {
	FetchMints(ctx context.Context, wallet string) ([]MintRecord, error)
}

// BalanceReader reads the current normalised token balance of an address.
type BalanceReader interface {
	ReadTokenBalance(ctx context.Context, holder, contract string) (decimal.Decimal, error)
}
