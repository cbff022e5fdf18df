// Package gateway provides a concrete kss.PendingOrderGateway so the
// engine can run end-to-end without a real human-approval workflow
// (§1's "human-approval workflow" is an out-of-scope external collaborator;
// PaperGateway stands in for it in paper-trading mode).
package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/paperdesk/kss/kss"
)

// PriceSource resolves a mark price for a symbol, used to settle MARKET
// orders (TP sells) that are queued with price=0 (§6).
type PriceSource func(symbol string) decimal.Decimal

// PaperGateway auto-approves every queued order after ApproveDelay, then
// auto-fills it at its limit price (or the PriceSource's mark price for
// MARKET orders) after FillDelay. Grounded on the teacher's
// execution/executor.go simulateFill/PaperMode order lifecycle.
type PaperGateway struct {
	hooks         *kss.Hooks
	priceSource   PriceSource
	approveDelay  time.Duration
	fillDelay     time.Duration
	nextPendingID int64
}

// NewPaperGateway constructs a paper gateway wired to the hook layer it
// will call back into once an order "fills".
func NewPaperGateway(hooks *kss.Hooks, priceSource PriceSource, approveDelay, fillDelay time.Duration) *PaperGateway {
	return &PaperGateway{
		hooks:        hooks,
		priceSource:  priceSource,
		approveDelay: approveDelay,
		fillDelay:    fillDelay,
	}
}

// Queue implements kss.PendingOrderGateway. It returns a pending order id
// synchronously and simulates the approve/fill lifecycle on a background
// goroutine, calling back through the hook layer exactly as a real
// approval workflow plus exchange fill would.
func (g *PaperGateway) Queue(ctx context.Context, order kss.OrderDescriptor) (int64, error) {
	pendingOrderID := atomic.AddInt64(&g.nextPendingID, 1)

	log.Info().
		Int64("pending_order_id", pendingOrderID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("source_ref", order.SourceRef).
		Msg("paper gateway: order queued")

	go g.simulate(ctx, pendingOrderID, order)
	return pendingOrderID, nil
}

func (g *PaperGateway) simulate(ctx context.Context, pendingOrderID int64, order kss.OrderDescriptor) {
	if g.approveDelay > 0 {
		time.Sleep(g.approveDelay)
	}
	if err := g.hooks.OnOrderApproved(ctx, pendingOrderID, order.SourceRef); err != nil {
		log.Error().Err(err).Int64("pending_order_id", pendingOrderID).Msg("paper gateway: approve failed")
		return
	}

	if g.fillDelay > 0 {
		time.Sleep(g.fillDelay)
	}

	price := order.Price
	if price.IsZero() && g.priceSource != nil {
		price = g.priceSource(order.Symbol)
	}
	if price.IsZero() {
		log.Warn().Int64("pending_order_id", pendingOrderID).Msg("paper gateway: no price to settle market order, skipping fill")
		return
	}

	_, err := g.hooks.OnFill(ctx, kss.FillEvent{
		PendingOrderID: pendingOrderID,
		FilledQty:      order.Quantity,
		FilledPrice:    price,
		SourceRef:      order.SourceRef,
	})
	if err != nil {
		log.Error().Err(err).Int64("pending_order_id", pendingOrderID).Msg("paper gateway: fill failed")
	}
}
