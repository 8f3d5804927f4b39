// Package membership attributes token spend to membership NFT mints.
//
// Attribution is a temporal-proximity heuristic: an outgoing transfer within
// BlockWindow blocks of a qualifying mint is assumed to have paid for it. An
// unrelated transfer inside the window is misattributed.
//
// Transfers to the LP or the distributor are already settled by the flow
// totals, so counting them here would add them to the accounted amount a
// second time. Callers list those counterparties in Criteria.Exclude.
package membership

import (
	"strings"

	"github.com/shopspring/decimal"

	"donut-multiplier/internal/ledger"
)

// Criteria selects qualifying mints.
type Criteria struct {
	Target string
	// Keywords must ALL appear in the collection name, ignoring case.
	Keywords    []string
	BlockWindow uint64
	// Exclude lists counterparties whose transfers never count as spend.
	Exclude []string
}

// Spend is the outcome of correlating mints with outgoing transfers.
type Spend struct {
	Minted     bool
	AmountPaid decimal.Decimal
	Mints      int
	Transfers  int
}

// Correlate sums the outgoing transfers of Target that fall within BlockWindow
// (inclusive) of a qualifying mint. A transfer is attributed at most once.
func Correlate(mints []ledger.MintRecord, transfers []ledger.TransferRecord, c Criteria) Spend {
	spend := Spend{AmountPaid: decimal.Zero}
	keywords := normalizeKeywords(c.Keywords)
	if len(keywords) == 0 {
		return spend
	}

	attributed := make(map[int]struct{})
	for _, mint := range mints {
		if !mint.IsMint() || !ledger.SameAddress(mint.To, c.Target) {
			continue
		}
		if !matchesAll(mint.Label(), keywords) {
			continue
		}
		spend.Minted = true
		spend.Mints++

		for i, tx := range transfers {
			if _, done := attributed[i]; done {
				continue
			}
			if !ledger.SameAddress(tx.From, c.Target) || excluded(tx.To, c.Exclude) {
				continue
			}
			if blockDistance(tx.BlockNumber, mint.BlockNumber) > c.BlockWindow {
				continue
			}
			attributed[i] = struct{}{}
			spend.AmountPaid = spend.AmountPaid.Add(tx.Amount())
			spend.Transfers++
		}
	}

	return spend
}

func excluded(addr string, list []string) bool {
	for _, other := range list {
		if ledger.SameAddress(addr, other) {
			return true
		}
	}
	return false
}

func normalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

func matchesAll(label string, keywords []string) bool {
	label = strings.ToLower(label)
	for _, kw := range keywords {
		if !strings.Contains(label, kw) {
			return false
		}
	}
	return true
}

func blockDistance(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
