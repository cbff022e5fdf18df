package kss

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Session is a single pyramid DCA run (§3, §4.3). All mutating operations
// take the session's own mutex; no blocking I/O may happen while it is
// held (§5) — callers queue the returned Order only after the call
// returns.
type Session struct {
	mu sync.Mutex

	ID           int64
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

	Status         SessionStatus
	CurrentWave    int
	TotalFilledQty decimal.Decimal
	TotalCost      decimal.Decimal
	AvgPrice       decimal.Decimal

	CreatedAt   time.Time
	StartedAt   *time.Time
	LastFillAt  *time.Time
	CompletedAt *time.Time

	Waves []*Wave

	pipMultiplier decimal.Decimal
	info          ExchangeInfo
}

// NewSession constructs a PENDING session (§3, §4.2). The exchange info is
// resolved by the caller (SessionManager, via resolveExchangeInfo) and
// cached here for the session's lifetime.
func NewSession(id int64, p Params, pipMultiplier decimal.Decimal, info ExchangeInfo) (*Session, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &Session{
		ID:             id,
		Symbol:         p.Symbol,
		EntryPrice:     p.EntryPrice,
		DistancePct:    p.DistancePct,
		TPPct:          p.TPPct,
		MaxWaves:       p.MaxWaves,
		IsolatedFund:   p.IsolatedFund,
		TimeoutXMin:    p.TimeoutXMin,
		GapYMin:        p.GapYMin,
		CreatedBy:      p.CreatedBy,
		Note:           p.Note,
		Status:         StatusPending,
		TotalFilledQty: decimal.Zero,
		TotalCost:      decimal.Zero,
		AvgPrice:       decimal.Zero,
		CreatedAt:      time.Now(),
		pipMultiplier:  pipMultiplier,
		info:           info,
	}, nil
}

func (s *Session) waveSourceRef(n int) string {
	return fmt.Sprintf("pyramid:%d:wave:%d", s.ID, n)
}

func (s *Session) tpSourceRef() string {
	return fmt.Sprintf("pyramid:%d:tp", s.ID)
}

func (s *Session) tpThreshold() decimal.Decimal {
	return s.AvgPrice.Mul(decimal.NewFromInt(1).Add(s.TPPct.Div(decimal.NewFromInt(100))))
}

// EstimatedTPPrice is the avg-price-relative sell threshold, zero until
// the first fill (original_source `pyramid.py` property).
func (s *Session) EstimatedTPPrice() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AvgPrice.IsZero() {
		return decimal.Zero
	}
	return s.tpThreshold()
}

// UsedFund and RemainingFund mirror the original's `used_fund`/
// `remaining_fund` properties.
func (s *Session) UsedFund() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.TotalCost
}

func (s *Session) RemainingFund() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.IsolatedFund.Sub(s.TotalCost)
}

// Start issues wave 0 (§4.3 PENDING->ACTIVE). Returns action=none with no
// error when the fund guard fails — that is a no-op, not a failure (§4.3
// table: "guard fails; return no order").
func (s *Session) Start() (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status != StatusPending {
		return nil, newError(KindAlreadyStarted, "session is not pending")
	}

	qty, price, ok := waveMath(s.EntryPrice, s.DistancePct, 0, s.pipMultiplier, s.info)
	if !ok {
		return &Result{Action: ActionNone, Message: "wave 0 price is non-positive"}, nil
	}
	cost := waveCost(qty, price)
	if cost.GreaterThan(s.IsolatedFund) {
		return &Result{Action: ActionNone, Message: "insufficient fund for wave 0"}, nil
	}

	now := time.Now()
	s.Status = StatusActive
	s.StartedAt = &now
	s.CurrentWave = 0
	s.Waves = append(s.Waves, &Wave{
		WaveNum:     0,
		Quantity:    qty,
		TargetPrice: price,
		Status:      WavePending,
		CreatedAt:   now,
	})

	order := &OrderDescriptor{
		Symbol:       s.Symbol,
		Side:         SideBuy,
		OrderType:    OrderLimit,
		Quantity:     qty,
		Price:        price,
		Source:       "kss",
		SourceRef:    s.waveSourceRef(0),
		StrategyName: "pyramid",
	}
	return &Result{Action: ActionNextWave, Order: order, WaveNum: 0}, nil
}

func (s *Session) findWave(n int) *Wave {
	for _, w := range s.Waves {
		if w.WaveNum == n {
			return w
		}
	}
	return nil
}

// OnFill applies a fill for wave n (§4.3). Idempotent against a wave
// already FILLED (P8). Terminal sessions silently ignore fills (§4.9).
func (s *Session) OnFill(ctx context.Context, waveNum int, filledQty, filledPrice decimal.Decimal, currentMarketPrice *decimal.Decimal, marketOracle MarketPriceOracle) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status.Terminal() {
		return &Result{Action: ActionNone, Message: "session is terminal"}, nil
	}

	wave := s.findWave(waveNum)
	if wave == nil {
		return nil, newError(KindUnknownWave, fmt.Sprintf("no wave %d in session %d", waveNum, s.ID))
	}
	if wave.Status == WaveFilled {
		return &Result{Action: ActionNone, Message: "duplicate fill"}, nil
	}

	now := time.Now()
	wave.Status = WaveFilled
	wave.FilledQty = filledQty
	wave.FilledPrice = filledPrice
	wave.FilledAt = &now

	s.TotalFilledQty = s.TotalFilledQty.Add(filledQty)
	s.TotalCost = s.TotalCost.Add(filledQty.Mul(filledPrice))
	s.AvgPrice = s.TotalCost.Div(s.TotalFilledQty)
	s.LastFillAt = &now

	marketPrice := decimal.Zero
	if currentMarketPrice != nil {
		marketPrice = *currentMarketPrice
	} else {
		marketPrice = resolveMarketPrice(ctx, marketOracle, s.Symbol)
	}

	if marketPrice.IsPositive() && marketPrice.GreaterThanOrEqual(s.tpThreshold()) {
		s.Status = StatusTPTriggered
		order := &OrderDescriptor{
			Symbol:       s.Symbol,
			Side:         SideSell,
			OrderType:    OrderMarket,
			Quantity:     s.TotalFilledQty,
			Price:        decimal.Zero,
			Source:       "kss",
			SourceRef:    s.tpSourceRef(),
			StrategyName: "pyramid",
		}
		return &Result{Action: ActionTPTriggered, Order: order}, nil
	}

	if s.checkTimeout(now) {
		s.Status = StatusStopped
		s.CompletedAt = &now
		return &Result{Action: ActionStopped, Message: "timeout"}, nil
	}

	nextWave := waveNum + 1
	if nextWave >= s.MaxWaves {
		return &Result{Action: ActionNone, Message: "max waves reached"}, nil
	}
	qty, price, ok := waveMath(s.EntryPrice, s.DistancePct, nextWave, s.pipMultiplier, s.info)
	if !ok {
		return &Result{Action: ActionNone, Message: "next wave price is non-positive"}, nil
	}
	cost := waveCost(qty, price)
	remaining := s.IsolatedFund.Sub(s.TotalCost)
	if cost.GreaterThan(remaining) {
		return &Result{Action: ActionNone, Message: fmt.Sprintf("insufficient fund for wave %d", nextWave)}, nil
	}

	s.CurrentWave = nextWave
	s.Waves = append(s.Waves, &Wave{
		WaveNum:     nextWave,
		Quantity:    qty,
		TargetPrice: price,
		Status:      WavePending,
		CreatedAt:   now,
	})
	order := &OrderDescriptor{
		Symbol:       s.Symbol,
		Side:         SideBuy,
		OrderType:    OrderLimit,
		Quantity:     qty,
		Price:        price,
		Source:       "kss",
		SourceRef:    s.waveSourceRef(nextWave),
		StrategyName: "pyramid",
	}
	return &Result{Action: ActionNextWave, Order: order, WaveNum: nextWave}, nil
}

// OnTPFill applies the fill of the TP sell order, the transition
// TP_TRIGGERED -> COMPLETED (§4.3). Idempotent: called once TP is no
// longer TP_TRIGGERED, it is a no-op.
func (s *Session) OnTPFill() (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status != StatusTPTriggered {
		return &Result{Action: ActionNone, Message: "tp order already settled or session not tp-triggered"}, nil
	}
	now := time.Now()
	s.Status = StatusCompleted
	s.CompletedAt = &now
	return &Result{Action: ActionCompleted}, nil
}

// CheckTP evaluates the TP threshold against a supplied market price
// without requiring a fill (§4.3 ACTIVE + check_tp(p)). Idempotent (P7).
func (s *Session) CheckTP(marketPrice decimal.Decimal) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status != StatusActive {
		return &Result{Action: ActionNone}, nil
	}
	if s.TotalFilledQty.IsZero() || !marketPrice.IsPositive() {
		return &Result{Action: ActionNone}, nil
	}
	if marketPrice.LessThan(s.tpThreshold()) {
		return &Result{Action: ActionNone}, nil
	}
	s.Status = StatusTPTriggered
	order := &OrderDescriptor{
		Symbol:       s.Symbol,
		Side:         SideSell,
		OrderType:    OrderMarket,
		Quantity:     s.TotalFilledQty,
		Price:        decimal.Zero,
		Source:       "kss",
		SourceRef:    s.tpSourceRef(),
		StrategyName: "pyramid",
	}
	return &Result{Action: ActionTPTriggered, Order: order}, nil
}

// Stop transitions ACTIVE -> STOPPED (§4.3). Terminal sessions reject with
// AlreadyTerminal (§7).
func (s *Session) Stop(reason string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status.Terminal() {
		return nil, newError(KindAlreadyTerminal, "session is already terminal")
	}
	now := time.Now()
	s.Status = StatusStopped
	s.CompletedAt = &now
	return &Result{Action: ActionStopped, Message: reason}, nil
}

// checkTimeout implements the two-condition predicate of §4.3. Caller must
// hold s.mu.
func (s *Session) checkTimeout(now time.Time) bool {
	lastFill := s.LastFillAt
	if lastFill == nil {
		lastFill = s.StartedAt
	}
	if lastFill == nil {
		return false
	}
	elapsedMin := decimal.NewFromFloat(now.Sub(*lastFill).Minutes())
	if elapsedMin.LessThanOrEqual(s.TimeoutXMin) {
		return false
	}

	filled := s.filledWavesByFillTime()
	if len(filled) < 2 {
		return true
	}
	last := filled[len(filled)-1]
	prev := filled[len(filled)-2]
	gapMin := decimal.NewFromFloat(last.FilledAt.Sub(*prev.FilledAt).Minutes())
	return gapMin.LessThan(s.GapYMin)
}

func (s *Session) filledWavesByFillTime() []*Wave {
	var filled []*Wave
	for _, w := range s.Waves {
		if w.Status == WaveFilled && w.FilledAt != nil {
			filled = append(filled, w)
		}
	}
	sort.Slice(filled, func(i, j int) bool {
		return filled[i].FilledAt.Before(*filled[j].FilledAt)
	})
	return filled
}

// Adjust applies the subset of fields that pass their validation rule
// (§4.6), returning exactly the set that was applied.
func (s *Session) Adjust(adj Adjustment) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status.Terminal() {
		return nil, newError(KindAlreadyTerminal, "session is terminal")
	}

	applied := map[string]bool{}

	if adj.MaxWaves != nil {
		if *adj.MaxWaves >= s.CurrentWave+1 {
			s.MaxWaves = *adj.MaxWaves
			applied["max_waves"] = true
		} else {
			log.Debug().Int64("session_id", s.ID).Int("max_waves", *adj.MaxWaves).Msg("adjust rejected: max_waves below current_wave+1")
		}
	}
	if adj.IsolatedFund != nil {
		if adj.IsolatedFund.GreaterThanOrEqual(s.TotalCost) {
			s.IsolatedFund = *adj.IsolatedFund
			applied["isolated_fund"] = true
		} else {
			log.Debug().Int64("session_id", s.ID).Msg("adjust rejected: isolated_fund below total_cost")
		}
	}
	if adj.TPPct != nil {
		if adj.TPPct.GreaterThan(decimal.Zero) {
			s.TPPct = *adj.TPPct
			applied["tp_pct"] = true
		} else {
			log.Debug().Int64("session_id", s.ID).Msg("adjust rejected: tp_pct not positive")
		}
	}
	if adj.DistancePct != nil {
		if adj.DistancePct.GreaterThan(decimal.Zero) && adj.DistancePct.LessThan(decimal.NewFromInt(100)) {
			s.DistancePct = *adj.DistancePct
			applied["distance_pct"] = true
		} else {
			log.Debug().Int64("session_id", s.ID).Msg("adjust rejected: distance_pct out of range")
		}
	}
	if adj.TimeoutXMin != nil {
		if adj.TimeoutXMin.GreaterThan(decimal.Zero) {
			s.TimeoutXMin = *adj.TimeoutXMin
			applied["timeout_x_min"] = true
		} else {
			log.Debug().Int64("session_id", s.ID).Msg("adjust rejected: timeout_x_min not positive")
		}
	}
	if adj.GapYMin != nil {
		if adj.GapYMin.GreaterThanOrEqual(decimal.Zero) {
			s.GapYMin = *adj.GapYMin
			applied["gap_y_min"] = true
		} else {
			log.Debug().Int64("session_id", s.ID).Msg("adjust rejected: gap_y_min negative")
		}
	}
	return applied, nil
}

// MarkWaveSent records PendingOrderGateway's acknowledgement (§5, §9 design
// note: a wave is SENT only after the gateway accepts it, never before).
func (s *Session) MarkWaveSent(waveNum int, pendingOrderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wave := s.findWave(waveNum)
	if wave == nil {
		return newError(KindUnknownWave, fmt.Sprintf("no wave %d in session %d", waveNum, s.ID))
	}
	if wave.Status != WavePending {
		return nil
	}
	now := time.Now()
	wave.Status = WaveSent
	wave.SentAt = &now
	wave.PendingOrderID = pendingOrderID
	return nil
}

// CancelWave marks wave n CANCELLED and stops the session — rejection of
// any wave halts the pyramid (§4.8).
func (s *Session) CancelWave(waveNum int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wave := s.findWave(waveNum)
	if wave == nil {
		return newError(KindUnknownWave, fmt.Sprintf("no wave %d in session %d", waveNum, s.ID))
	}
	wave.Status = WaveCancelled
	if !s.Status.Terminal() {
		now := time.Now()
		s.Status = StatusStopped
		s.CompletedAt = &now
	}
	return nil
}

// Snapshot is the read-only projection used by SessionManager.List/Get and
// the notifier (original_source `get_status()`/`to_dict()`).
type Snapshot struct {
	ID           int64
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

	Status           string
	CurrentWave      int
	TotalFilledQty   decimal.Decimal
	TotalCost        decimal.Decimal
	AvgPrice         decimal.Decimal
	EstimatedTPPrice decimal.Decimal
	UsedFund         decimal.Decimal
	RemainingFund    decimal.Decimal

	// CurrentPrice/UnrealizedPnL/UnrealizedPnLPct are the market/PnL
	// estimate of `get_status()` (`pyramid.py:618-628`). They stay zero
	// unless the caller went through SnapshotWithPrice with a positive
	// mark price and a non-zero filled quantity.
	CurrentPrice     decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	UnrealizedPnLPct decimal.Decimal

	CreatedAt   time.Time
	StartedAt   *time.Time
	LastFillAt  *time.Time
	CompletedAt *time.Time

	Waves []WaveSnapshot
}

// WaveSnapshot is the read-only projection of a Wave.
type WaveSnapshot struct {
	WaveNum        int
	Quantity       decimal.Decimal
	TargetPrice    decimal.Decimal
	Status         string
	FilledQty      decimal.Decimal
	FilledPrice    decimal.Decimal
	FilledAt       *time.Time
	SentAt         *time.Time
	PendingOrderID int64
}

// Snapshot takes the session lock briefly and copies a consistent view
// (§5: reads must observe a consistent snapshot).
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	tpPrice := decimal.Zero
	if !s.AvgPrice.IsZero() {
		tpPrice = s.tpThreshold()
	}

	waves := make([]WaveSnapshot, len(s.Waves))
	for i, w := range s.Waves {
		waves[i] = WaveSnapshot{
			WaveNum:        w.WaveNum,
			Quantity:       w.Quantity,
			TargetPrice:    w.TargetPrice,
			Status:         w.Status.String(),
			FilledQty:      w.FilledQty,
			FilledPrice:    w.FilledPrice,
			FilledAt:       w.FilledAt,
			SentAt:         w.SentAt,
			PendingOrderID: w.PendingOrderID,
		}
	}

	return Snapshot{
		ID:               s.ID,
		Symbol:           s.Symbol,
		EntryPrice:       s.EntryPrice,
		DistancePct:      s.DistancePct,
		TPPct:            s.TPPct,
		MaxWaves:         s.MaxWaves,
		IsolatedFund:     s.IsolatedFund,
		TimeoutXMin:      s.TimeoutXMin,
		GapYMin:          s.GapYMin,
		CreatedBy:        s.CreatedBy,
		Note:             s.Note,
		Status:           s.Status.String(),
		CurrentWave:      s.CurrentWave,
		TotalFilledQty:   s.TotalFilledQty,
		TotalCost:        s.TotalCost,
		AvgPrice:         s.AvgPrice,
		EstimatedTPPrice: tpPrice,
		UsedFund:         s.TotalCost,
		RemainingFund:    s.IsolatedFund.Sub(s.TotalCost),
		CreatedAt:        s.CreatedAt,
		StartedAt:        s.StartedAt,
		LastFillAt:       s.LastFillAt,
		CompletedAt:      s.CompletedAt,
		Waves:            waves,
	}
}

// SnapshotWithPrice is Snapshot plus a mark-price-derived PnL estimate
// (original get_status()'s current_price/unrealized_pnl/unrealized_pnl_pct).
// A non-positive marketPrice, or zero filled quantity, leaves the PnL
// fields zero.
func (s *Session) SnapshotWithPrice(marketPrice decimal.Decimal) Snapshot {
	snap := s.Snapshot()
	if marketPrice.IsPositive() && snap.TotalFilledQty.IsPositive() {
		snap.CurrentPrice = marketPrice
		snap.UnrealizedPnL = snap.TotalFilledQty.Mul(marketPrice).Sub(snap.TotalCost)
		if snap.TotalCost.IsPositive() {
			snap.UnrealizedPnLPct = snap.UnrealizedPnL.Div(snap.TotalCost).Mul(decimal.NewFromInt(100))
		}
	}
	return snap
}

// sweepTimeout re-evaluates the timeout predicate for an ACTIVE session
// with no recent fills (§9 compliant extension, `kss/sweeper.go`).
func (s *Session) sweepTimeout() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status != StatusActive {
		return nil
	}
	now := time.Now()
	if !s.checkTimeout(now) {
		return nil
	}
	s.Status = StatusStopped
	s.CompletedAt = &now
	return &Result{Action: ActionStopped, Message: "timeout"}
}
