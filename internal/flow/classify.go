// Package flow buckets a wallet's token transfers by counterparty role and
// estimates what is still parked in the liquidity pool.
package flow

import (
	"github.com/shopspring/decimal"

	"donut-multiplier/internal/ledger"
)

// Parties names the addresses transfers are classified against.
type Parties struct {
	Origin string
	Target string
	LP     string
	Token  string
}

// Totals accumulates normalised token flows for one wallet.
type Totals struct {
	ReceivedFromOrigin decimal.Decimal
	SentToOrigin       decimal.Decimal
	SentToLP           decimal.Decimal
	ReceivedFromLP     decimal.Decimal

	// Considered counts records of the program token; Ignored is the subset
	// that matched no bucket. Skipped counts records of other contracts.
	Considered int
	Ignored    int
	Skipped    int
}

// NetFromOrigin is what the wallet kept of the distributor's transfers.
func (t Totals) NetFromOrigin() decimal.Decimal {
	return t.ReceivedFromOrigin.Sub(t.SentToOrigin)
}

// NetLPContribution is what the wallet put into the pool minus what came back.
func (t Totals) NetLPContribution() decimal.Decimal {
	return t.SentToLP.Sub(t.ReceivedFromLP)
}

// Classified is the number of records that landed in a bucket.
func (t Totals) Classified() int {
	return t.Considered - t.Ignored
}

// Classify walks transfers once and sums each record into at most one bucket.
// Priority: received from origin, sent to origin, sent to LP, received from LP.
func Classify(transfers []ledger.TransferRecord, p Parties) Totals {
	totals := Totals{
		ReceivedFromOrigin: decimal.Zero,
		SentToOrigin:       decimal.Zero,
		SentToLP:           decimal.Zero,
		ReceivedFromLP:     decimal.Zero,
	}

	for _, tx := range transfers {
		if !ledger.SameAddress(tx.Contract, p.Token) {
			totals.Skipped++
			continue
		}
		totals.Considered++

		value := tx.Amount()
		fromTarget := ledger.SameAddress(tx.From, p.Target)
		toTarget := ledger.SameAddress(tx.To, p.Target)

		switch {
		case toTarget && ledger.SameAddress(tx.From, p.Origin):
			totals.ReceivedFromOrigin = totals.ReceivedFromOrigin.Add(value)
		case fromTarget && ledger.SameAddress(tx.To, p.Origin):
			totals.SentToOrigin = totals.SentToOrigin.Add(value)
		case fromTarget && ledger.SameAddress(tx.To, p.LP):
			totals.SentToLP = totals.SentToLP.Add(value)
		case toTarget && ledger.SameAddress(tx.From, p.LP):
			totals.ReceivedFromLP = totals.ReceivedFromLP.Add(value)
		default:
			totals.Ignored++
		}
	}

	return totals
}
