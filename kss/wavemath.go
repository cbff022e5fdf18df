package kss

import "github.com/shopspring/decimal"

// ExchangeInfo is the per-symbol lot/step/precision data WaveMath needs,
// resolved once per session at construction (§4.2).
type ExchangeInfo struct {
	MinQty   decimal.Decimal
	StepSize decimal.Decimal
	MaxQty   decimal.Decimal
}

// pricePrecision derives the rounding precision for a wave's price from the
// anchor price's magnitude (§4.1).
func pricePrecision(entryPrice decimal.Decimal) int32 {
	switch {
	case entryPrice.GreaterThanOrEqual(decimal.NewFromInt(10000)):
		return 2
	case entryPrice.GreaterThanOrEqual(decimal.NewFromInt(100)):
		return 4
	default:
		return 6
	}
}

// waveMath computes (quantity, price) for wave index n given the session's
// entry price and current distance, pip sizing, and exchange constraints (§4.1). It is
// pure and deterministic (P1).
//
// ok is false when price_n would be non-positive — callers must refuse or
// clamp that n rather than admit a non-positive price (§4.1 guarantee).
func waveMath(entryPrice, distancePct decimal.Decimal, n int, pipMultiplier decimal.Decimal, info ExchangeInfo) (quantity, price decimal.Decimal, ok bool) {
	pipSize := pipMultiplier.Mul(info.MinQty)

	rawQty := decimal.NewFromInt(int64(n + 1)).Mul(pipSize)
	steps := rawQty.Div(info.StepSize).Round(0)
	quantity = steps.Mul(info.StepSize)
	if quantity.LessThan(info.MinQty) {
		quantity = info.MinQty
	}
	if quantity.GreaterThan(info.MaxQty) {
		quantity = info.MaxQty
	}

	distanceFactor := decimal.NewFromInt(1).Sub(distancePct.Div(decimal.NewFromInt(100)))
	factorPow := intPow(distanceFactor, n)
	rawPrice := entryPrice.Mul(factorPow)
	price = rawPrice.Round(pricePrecision(entryPrice))

	if !price.IsPositive() {
		return quantity, price, false
	}
	return quantity, price, true
}

// intPow raises a decimal to a non-negative integer power by repeated
// multiplication — decimal.Decimal has no native Pow for integer exponents
// with exact rounding semantics, and n is always small (bounded by
// max_waves).
func intPow(base decimal.Decimal, n int) decimal.Decimal {
	result := decimal.NewFromInt(1)
	for i := 0; i < n; i++ {
		result = result.Mul(base)
	}
	return result
}

// waveCost is the quote-currency cost of issuing a wave at (qty, price).
func waveCost(quantity, price decimal.Decimal) decimal.Decimal {
	return quantity.Mul(price)
}
