package ledger

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ZeroAddress is the sender of every mint event.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// TransferRecord is a single fungible token transfer as reported by the explorer.
type TransferRecord struct {
	BlockNumber uint64
	Timestamp   int64
	TxHash      string
	// LogIndex is -1 when the provider did not report it.
	LogIndex int64
	From     string
	To       string
	Contract string
	Value    *big.Int
	Decimals int32
}

// Amount returns the transfer value normalised by the token decimals.
func (t TransferRecord) Amount() decimal.Decimal {
	return Normalize(t.Value, t.Decimals)
}

// Key identifies the transfer across pages. Empty when no log index is known.
func (t TransferRecord) Key() string {
	if t.LogIndex < 0 {
		return ""
	}
	return strings.ToLower(t.TxHash) + ":" + strconv.FormatInt(t.LogIndex, 10)
}

// MintRecord is a non-fungible transfer touching the wallet. Mints have From == ZeroAddress.
type MintRecord struct {
	BlockNumber uint64
	TxHash      string
	From        string
	To          string
	Contract    string
	TokenID     string
	TokenName   string
	TokenSymbol string
	Decimals    int32
}

// Label is the human readable collection name used for keyword matching.
func (m MintRecord) Label() string {
	if m.TokenName != "" {
		return m.TokenName
	}
	return m.TokenSymbol
}

// IsMint reports whether the record was issued from the zero address.
func (m MintRecord) IsMint() bool {
	return SameAddress(m.From, ZeroAddress)
}

// SameAddress compares two hex addresses ignoring case.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Normalize converts a raw integer amount into token units.
func Normalize(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}

// Denormalize converts token units back into the raw integer amount, truncating
// anything below the smallest unit.
func Denormalize(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).BigInt()
}
