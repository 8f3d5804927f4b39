// Package multiplier turns a wallet's reconciled token flows into the reward
// multiplier applied to its next distribution.
package multiplier

import "github.com/shopspring/decimal"

var (
	// NeutralRatio is used when nothing was earned.
	NeutralRatio = decimal.NewFromInt(25)
	// RetentionTarget is the share of earnings a wallet must account for to
	// owe nothing.
	RetentionTarget = decimal.RequireFromString("0.6")

	slope     = decimal.RequireFromString("-0.012")
	intercept = decimal.RequireFromString("1.3")
	hundred   = decimal.NewFromInt(100)
	one       = decimal.NewFromInt(1)
)

// RetentionRatio is the percentage of earned tokens not accounted for as held,
// pool-deployed or membership-spent. Floored at 0, unbounded above.
func RetentionRatio(earned, accounted decimal.Decimal) decimal.Decimal {
	if earned.Sign() <= 0 {
		return NeutralRatio
	}
	ratio := hundred.Mul(one.Sub(accounted.Div(earned)))
	if ratio.Sign() < 0 {
		return decimal.Zero
	}
	return ratio
}

// FromRatio maps a retention ratio to a multiplier. The boundary is inclusive:
// ratio <= 25 yields 1. Above it the multiplier falls linearly, floored at 0.
func FromRatio(ratio decimal.Decimal) decimal.Decimal {
	if ratio.LessThanOrEqual(NeutralRatio) {
		return one
	}
	m := slope.Mul(ratio).Add(intercept)
	if m.Sign() < 0 {
		return decimal.Zero
	}
	return m
}

// NeedToBuy is the shortfall to the 60% retention target.
func NeedToBuy(earned, accounted decimal.Decimal) decimal.Decimal {
	need := RetentionTarget.Mul(earned).Sub(accounted)
	if need.Sign() < 0 {
		return decimal.Zero
	}
	return need
}
