package kss

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// FillEvent is the inbound shape the surrounding platform delivers to the
// hook layer (§4.8, §6).
type FillEvent struct {
	PendingOrderID     int64
	FilledQty          decimal.Decimal
	FilledPrice        decimal.Decimal
	SourceRef          string
	CurrentMarketPrice *decimal.Decimal
}

// Hooks are the three narrow inbound entry points the platform calls
// (§2, §4.8). They are a thin adapter over SessionManager: each delegates
// to the manager method of the same name. OnFill unpacks the FillEvent and
// only logs its PendingOrderID; the approve/reject hooks pass the
// pending order id through to the manager.
type Hooks struct {
	manager *SessionManager
}

// NewHooks wraps a manager with the hook-layer entry points.
func NewHooks(manager *SessionManager) *Hooks {
	return &Hooks{manager: manager}
}

// OnFill is the principal inbound event (§4.8).
func (h *Hooks) OnFill(ctx context.Context, ev FillEvent) (*Result, error) {
	log.Debug().Int64("pending_order_id", ev.PendingOrderID).Str("source_ref", ev.SourceRef).Msg("kss: fill event received")
	return h.manager.OnFill(ctx, ev.SourceRef, ev.FilledQty, ev.FilledPrice, ev.CurrentMarketPrice)
}

// OnOrderApproved marks the wave SENT if it is not already (§4.8).
func (h *Hooks) OnOrderApproved(ctx context.Context, pendingOrderID int64, sourceRef string) error {
	return h.manager.OnOrderApproved(ctx, pendingOrderID, sourceRef)
}

// OnOrderRejected cancels the wave and halts the pyramid (§4.8).
func (h *Hooks) OnOrderRejected(ctx context.Context, pendingOrderID int64, sourceRef string) error {
	return h.manager.OnOrderRejected(ctx, pendingOrderID, sourceRef)
}
