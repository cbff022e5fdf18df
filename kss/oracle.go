package kss

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ExchangeInfoOracle resolves per-symbol lot/step/precision data (§4.2,
// §6). Implementations are expected to hit an external exchange-info
// endpoint; KSS never surfaces a failure here — it falls back to
// conservative defaults and proceeds.
type ExchangeInfoOracle interface {
	Lookup(ctx context.Context, symbol string) (ExchangeInfo, error)
}

// DefaultExchangeInfo is the conservative fallback KSS uses whenever the
// oracle fails or none is configured (§4.2, §6).
func DefaultExchangeInfo() ExchangeInfo {
	return ExchangeInfo{
		MinQty:   decimal.NewFromFloat(1e-5),
		StepSize: decimal.NewFromFloat(1e-5),
		MaxQty:   decimal.NewFromFloat(1e4),
	}
}

// resolveExchangeInfo calls the oracle (if any) and silently falls back to
// defaults on a nil oracle or any lookup error — ExchangeInfoOracle failure
// is swallowed per §4.9/§7, never surfaced to the caller.
func resolveExchangeInfo(ctx context.Context, oracle ExchangeInfoOracle, symbol string, defaults ExchangeInfo) ExchangeInfo {
	if oracle == nil {
		return defaults
	}
	info, err := oracle.Lookup(ctx, symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("exchange info lookup failed, using defaults")
		return defaults
	}
	return info
}

// MarketPriceOracle resolves current mark prices for TP evaluation when a
// fill notification omits current_market_price (§6).
type MarketPriceOracle interface {
	CurrentPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// resolveMarketPrice returns the current price for symbol, or zero if the
// oracle is absent, errors, or has no entry for the symbol — an absent
// price suppresses TP firing for that evaluation (§6).
func resolveMarketPrice(ctx context.Context, oracle MarketPriceOracle, symbol string) decimal.Decimal {
	if oracle == nil {
		return decimal.Zero
	}
	prices, err := oracle.CurrentPrices(ctx, []string{symbol})
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("market price lookup failed")
		return decimal.Zero
	}
	if p, ok := prices[symbol]; ok {
		return p
	}
	return decimal.Zero
}

// resolveMarketPrices batches resolveMarketPrice's same fail-open contract
// across several symbols in a single oracle call (§4.5 get_summary, §4.3
// Snapshot's market/PnL projection) — symbols absent from the oracle's
// response map to zero rather than being omitted, so callers can index the
// result unconditionally.
func resolveMarketPrices(ctx context.Context, oracle MarketPriceOracle, symbols []string) map[string]decimal.Decimal {
	result := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		result[s] = decimal.Zero
	}
	if oracle == nil || len(symbols) == 0 {
		return result
	}
	prices, err := oracle.CurrentPrices(ctx, symbols)
	if err != nil {
		log.Warn().Err(err).Strs("symbols", symbols).Msg("market price lookup failed")
		return result
	}
	for _, s := range symbols {
		if p, ok := prices[s]; ok {
			result[s] = p
		}
	}
	return result
}
