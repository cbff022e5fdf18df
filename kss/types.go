package kss

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus is the canonical status discriminant for a Session (§4.3,
// §9 — the source mixes ad-hoc strings with enum values; KSS picks the enum
// as the one true representation and serializes it via String()).
type SessionStatus int

const (
	StatusPending SessionStatus = iota
	StatusActive
	StatusStopped
	StatusCompleted
	StatusTPTriggered
)

func (s SessionStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusStopped:
		return "stopped"
	case StatusCompleted:
		return "completed"
	case StatusTPTriggered:
		return "tp_triggered"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status accepts no further wave issuance or
// parameter adjustment (I7).
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped || s == StatusTPTriggered
}

// WaveStatus is the canonical status discriminant for a Wave.
type WaveStatus int

const (
	WavePending WaveStatus = iota
	WaveSent
	WaveFilled
	WaveCancelled
)

func (w WaveStatus) String() string {
	switch w {
	case WavePending:
		return "pending"
	case WaveSent:
		return "sent"
	case WaveFilled:
		return "filled"
	case WaveCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Wave is one scheduled buy order within a session (§3).
type Wave struct {
	ID             int64
	WaveNum        int
	Quantity       decimal.Decimal
	TargetPrice    decimal.Decimal
	Status         WaveStatus
	FilledQty      decimal.Decimal
	FilledPrice    decimal.Decimal
	FilledAt       *time.Time
	SentAt         *time.Time
	PendingOrderID int64
	CreatedAt      time.Time
}

func (w *Wave) cost() decimal.Decimal {
	return w.Quantity.Mul(w.TargetPrice)
}

// Params are the values supplied at session construction: the fixed
// configuration (Symbol, EntryPrice) plus the initial values of the
// parameters Adjust may change (DistancePct, TPPct, MaxWaves,
// IsolatedFund, TimeoutXMin, GapYMin).
type Params struct {
	Symbol       string
	EntryPrice   decimal.Decimal
	DistancePct  decimal.Decimal
	TPPct        decimal.Decimal
	MaxWaves     int
	IsolatedFund decimal.Decimal
	TimeoutXMin  decimal.Decimal
	GapYMin      decimal.Decimal
	CreatedBy    string
	Note         string
}

// validate enforces the construction rules of §3/§9.
func (p Params) validate() error {
	if p.Symbol == "" {
		return newFieldError(KindInvalidParameters, "symbol", "symbol is required")
	}
	if p.EntryPrice.LessThanOrEqual(decimal.Zero) {
		return newFieldError(KindInvalidParameters, "entry_price", "must be positive")
	}
	if p.DistancePct.LessThanOrEqual(decimal.Zero) || p.DistancePct.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return newFieldError(KindInvalidParameters, "distance_pct", "must be in (0, 100)")
	}
	if p.MaxWaves < 1 {
		return newFieldError(KindInvalidParameters, "max_waves", "must be >= 1")
	}
	if p.IsolatedFund.LessThanOrEqual(decimal.Zero) {
		return newFieldError(KindInvalidParameters, "isolated_fund", "must be positive")
	}
	if p.TPPct.LessThanOrEqual(decimal.Zero) {
		return newFieldError(KindInvalidParameters, "tp_pct", "must be positive")
	}
	if p.TimeoutXMin.LessThanOrEqual(decimal.Zero) {
		return newFieldError(KindInvalidParameters, "timeout_x_min", "must be positive")
	}
	if p.GapYMin.LessThan(decimal.Zero) {
		return newFieldError(KindInvalidParameters, "gap_y_min", "must be >= 0")
	}
	return nil
}

// Adjustment carries the optional fields a single Adjust call may change
// (§4.6). A nil pointer means "leave unchanged".
type Adjustment struct {
	MaxWaves     *int
	IsolatedFund *decimal.Decimal
	TPPct        *decimal.Decimal
	DistancePct  *decimal.Decimal
	TimeoutXMin  *decimal.Decimal
	GapYMin      *decimal.Decimal
}

// Action describes the result of a transition-driving call (§4.3's
// on_fill result object, generalized to check_tp/stop too).
type Action string

const (
	ActionNextWave    Action = "next_wave"
	ActionTPTriggered Action = "tp_triggered"
	ActionStopped     Action = "stopped"
	ActionCompleted   Action = "completed"
	ActionNone        Action = "none"
)

// OrderSide and OrderType mirror the order descriptor fields of §6.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderLimit  OrderType = "LIMIT"
	OrderMarket OrderType = "MARKET"
)

// OrderDescriptor is the record KSS produces and PendingOrderGateway
// consumes (§6).
type OrderDescriptor struct {
	Symbol       string
	Side         OrderSide
	OrderType    OrderType
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	Source       string
	SourceRef    string
	StrategyName string
	Note         string
}

// Result is returned by Start/OnFill/CheckTP/Stop — the "on_fill result
// object" of §4.3, generalized to every transition-driving call.
type Result struct {
	Action  Action
	Order   *OrderDescriptor
	Message string
	// WaveNum identifies the wave the Order belongs to when Action is
	// ActionNextWave (it lets the manager correlate the gateway's queued
	// id back to the right in-memory wave without re-entering the
	// session lock to search for it). Left at zero and unused otherwise.
	WaveNum int
}
