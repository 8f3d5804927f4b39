package flow

import "github.com/shopspring/decimal"

// EstimateResidual approximates the wallet's share still held by the pool:
//
//	max(0, net × pool / (pool + net))
//
// It assumes the contribution is still proportionally represented and drifts
// once other providers withdraw at different prices. Exact accounting would
// need LP-token mint/burn tracking.
func EstimateResidual(netContribution, poolBalance decimal.Decimal) decimal.Decimal {
	if netContribution.Sign() <= 0 || poolBalance.Sign() <= 0 {
		return decimal.Zero
	}
	residual := netContribution.Mul(poolBalance).Div(poolBalance.Add(netContribution))
	if residual.Sign() < 0 {
		return decimal.Zero
	}
	return residual
}

// NetTransferredToLP is the part of the contribution that left the wallet for
// good, floored at zero.
func NetTransferredToLP(netContribution, residual decimal.Decimal) decimal.Decimal {
	out := netContribution.Sub(residual)
	if out.Sign() < 0 {
		return decimal.Zero
	}
	return out
}
