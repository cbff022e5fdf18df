package kss

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testParams() Params {
	return Params{
		Symbol:       "BTCUSDT",
		EntryPrice:   decimal.NewFromInt(50000),
		DistancePct:  decimal.NewFromInt(2),
		TPPct:        decimal.NewFromInt(3),
		MaxWaves:     10,
		IsolatedFund: decimal.NewFromInt(1000),
		TimeoutXMin:  decimal.NewFromInt(30),
		GapYMin:      decimal.NewFromInt(5),
	}
}

func newTestSessionT(t *testing.T, p Params) *Session {
	t.Helper()
	s, err := NewSession(1, p, decimal.NewFromFloat(2.0), testExchangeInfo())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestHappyPathToTP(t *testing.T) {
	t.Parallel()
	s := newTestSessionT(t, testParams())

	result, err := s.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result.Action != ActionNextWave {
		t.Fatalf("Start action = %s, want next_wave", result.Action)
	}

	qty0, price0 := result.Order.Quantity, result.Order.Price

	result, err = s.OnFill(context.Background(), 0, qty0, price0, nil, nil)
	if err != nil {
		t.Fatalf("OnFill wave 0: %v", err)
	}
	if result.Action != ActionNextWave {
		t.Fatalf("OnFill wave 0 action = %s, want next_wave", result.Action)
	}

	qty1, price1 := result.Order.Quantity, result.Order.Price

	marketPrice := decimal.NewFromInt(52000)
	result, err = s.OnFill(context.Background(), 1, qty1, price1, &marketPrice, nil)
	if err != nil {
		t.Fatalf("OnFill wave 1: %v", err)
	}
	if result.Action != ActionTPTriggered {
		t.Fatalf("OnFill wave 1 action = %s, want tp_triggered", result.Action)
	}
	if result.Order.Side != SideSell || result.Order.OrderType != OrderMarket {
		t.Errorf("TP order should be a MARKET SELL, got %s %s", result.Order.Side, result.Order.OrderType)
	}
	if !result.Order.Quantity.Equal(qty0.Add(qty1)) {
		t.Errorf("TP order quantity = %s, want %s", result.Order.Quantity, qty0.Add(qty1))
	}

	snap := s.Snapshot()
	wantAvg := qty0.Mul(price0).Add(qty1.Mul(price1)).Div(qty0.Add(qty1))
	if !snap.AvgPrice.Round(2).Equal(wantAvg.Round(2)) {
		t.Errorf("avg_price = %s, want ~%s", snap.AvgPrice, wantAvg)
	}
	if snap.Status != StatusTPTriggered.String() {
		t.Errorf("status = %s, want tp_triggered", snap.Status)
	}
}

func TestTimeoutStop(t *testing.T) {
	t.Parallel()
	s := newTestSessionT(t, testParams())

	result, err := s.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	qty0, price0 := result.Order.Quantity, result.Order.Price

	if _, err := s.OnFill(context.Background(), 0, qty0, price0, nil, nil); err != nil {
		t.Fatalf("OnFill wave 0: %v", err)
	}

	// Simulate 35 minutes of silence since the last fill.
	s.mu.Lock()
	past := time.Now().Add(-35 * time.Minute)
	s.LastFillAt = &past
	s.mu.Unlock()

	if got := s.sweepTimeout(); got == nil || got.Action != ActionStopped {
		t.Fatalf("sweepTimeout = %+v, want action=stopped", got)
	}

	snap := s.Snapshot()
	if snap.Status != StatusStopped.String() {
		t.Errorf("status = %s, want stopped", snap.Status)
	}
}

func TestInsufficientFundTruncation(t *testing.T) {
	t.Parallel()
	p := testParams()
	p.EntryPrice = decimal.NewFromInt(1000)
	p.IsolatedFund = decimal.NewFromInt(10)

	s := newTestSessionT(t, p)
	result, err := s.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	qty0, price0 := result.Order.Quantity, result.Order.Price

	result, err = s.OnFill(context.Background(), 0, qty0, price0, nil, nil)
	if err != nil {
		t.Fatalf("OnFill wave 0: %v", err)
	}
	if result.Action != ActionNone {
		t.Fatalf("action = %s, want none", result.Action)
	}

	snap := s.Snapshot()
	if snap.Status != StatusActive.String() {
		t.Errorf("status = %s, want active", snap.Status)
	}
	if len(snap.Waves) != 1 {
		t.Errorf("wave count = %d, want 1 (no wave 1 issued)", len(snap.Waves))
	}
}

func TestMidFlightAdjust(t *testing.T) {
	t.Parallel()
	p := testParams()
	p.MaxWaves = 5
	s := newTestSessionT(t, p)
	if _, err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	maxWaves := 10
	tpPct := decimal.NewFromInt(5)
	applied, err := s.Adjust(Adjustment{MaxWaves: &maxWaves, TPPct: &tpPct})
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if !applied["max_waves"] || !applied["tp_pct"] {
		t.Errorf("applied = %+v, want both max_waves and tp_pct", applied)
	}

	badMaxWaves := 0
	applied, err = s.Adjust(Adjustment{MaxWaves: &badMaxWaves})
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if applied["max_waves"] {
		t.Errorf("max_waves=0 should have been dropped")
	}

	snap := s.Snapshot()
	if snap.MaxWaves != 10 {
		t.Errorf("max_waves = %d, want 10 (unchanged from rejected adjust)", snap.MaxWaves)
	}
}

func TestWaveRejectionStopsPyramid(t *testing.T) {
	t.Parallel()
	s := newTestSessionT(t, testParams())
	if _, err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.CancelWave(0); err != nil {
		t.Fatalf("CancelWave: %v", err)
	}

	snap := s.Snapshot()
	if snap.Status != StatusStopped.String() {
		t.Errorf("status = %s, want stopped", snap.Status)
	}
	if snap.Waves[0].Status != WaveCancelled.String() {
		t.Errorf("wave 0 status = %s, want cancelled", snap.Waves[0].Status)
	}
}

func TestConcurrentSessionsIsolated(t *testing.T) {
	t.Parallel()
	pa := testParams()
	pa.Symbol = "BTCUSDT"
	pb := testParams()
	pb.Symbol = "ETHUSDT"
	pb.EntryPrice = decimal.NewFromInt(3000)

	a, err := NewSession(1, pa, decimal.NewFromFloat(2.0), testExchangeInfo())
	if err != nil {
		t.Fatalf("NewSession a: %v", err)
	}
	b, err := NewSession(2, pb, decimal.NewFromFloat(2.0), testExchangeInfo())
	if err != nil {
		t.Fatalf("NewSession b: %v", err)
	}

	if _, err := a.Start(); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	if _, err := b.Start(); err != nil {
		t.Fatalf("Start b: %v", err)
	}

	snapBBefore := b.Snapshot()

	aWave := a.Snapshot().Waves[0]
	if _, err := a.OnFill(context.Background(), 0, aWave.Quantity, aWave.TargetPrice, nil, nil); err != nil {
		t.Fatalf("OnFill a: %v", err)
	}

	snapBAfter := b.Snapshot()
	if !snapBBefore.TotalCost.Equal(snapBAfter.TotalCost) || !snapBBefore.AvgPrice.Equal(snapBAfter.AvgPrice) {
		t.Errorf("session b mutated by a fill on session a: before=%+v after=%+v", snapBBefore, snapBAfter)
	}
	if len(snapBAfter.Waves) != len(snapBBefore.Waves) {
		t.Errorf("session b wave count changed: before=%d after=%d", len(snapBBefore.Waves), len(snapBAfter.Waves))
	}
}

func TestFillIdempotence(t *testing.T) {
	t.Parallel()
	s := newTestSessionT(t, testParams())
	result, err := s.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	qty0, price0 := result.Order.Quantity, result.Order.Price

	if _, err := s.OnFill(context.Background(), 0, qty0, price0, nil, nil); err != nil {
		t.Fatalf("OnFill first: %v", err)
	}
	snapAfterFirst := s.Snapshot()

	result, err = s.OnFill(context.Background(), 0, qty0, price0, nil, nil)
	if err != nil {
		t.Fatalf("OnFill duplicate: %v", err)
	}
	if result.Action != ActionNone {
		t.Errorf("duplicate fill action = %s, want none", result.Action)
	}

	snapAfterSecond := s.Snapshot()
	if !snapAfterFirst.TotalFilledQty.Equal(snapAfterSecond.TotalFilledQty) {
		t.Errorf("duplicate fill changed total_filled_qty: %s -> %s", snapAfterFirst.TotalFilledQty, snapAfterSecond.TotalFilledQty)
	}
	if !snapAfterFirst.TotalCost.Equal(snapAfterSecond.TotalCost) {
		t.Errorf("duplicate fill changed total_cost: %s -> %s", snapAfterFirst.TotalCost, snapAfterSecond.TotalCost)
	}
}

func TestStatusMonotonicity(t *testing.T) {
	t.Parallel()
	s := newTestSessionT(t, testParams())
	if _, err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.Stop("manual"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := s.Adjust(Adjustment{}); err == nil {
		t.Errorf("Adjust on terminal session should error")
	}
	if _, err := s.CheckTP(decimal.NewFromInt(999999)); err != nil {
		t.Fatalf("CheckTP: %v", err)
	}

	if got := s.Snapshot().Status; got != StatusStopped.String() {
		t.Errorf("status changed after terminal: %s", got)
	}
}

func TestTPIdempotence(t *testing.T) {
	t.Parallel()
	s := newTestSessionT(t, testParams())
	result, err := s.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.OnFill(context.Background(), 0, result.Order.Quantity, result.Order.Price, nil, nil); err != nil {
		t.Fatalf("OnFill: %v", err)
	}

	high := decimal.NewFromInt(999999)
	first, err := s.CheckTP(high)
	if err != nil {
		t.Fatalf("CheckTP first: %v", err)
	}
	if first.Action != ActionTPTriggered {
		t.Fatalf("first CheckTP action = %s, want tp_triggered", first.Action)
	}

	second, err := s.CheckTP(high)
	if err != nil {
		t.Fatalf("CheckTP second: %v", err)
	}
	if second.Action != ActionNone {
		t.Errorf("second CheckTP action = %s, want none (already tp_triggered)", second.Action)
	}
}

func TestSnapshotWithPriceUnfilled(t *testing.T) {
	t.Parallel()
	s := newTestSessionT(t, testParams())

	snap := s.SnapshotWithPrice(decimal.NewFromInt(51000))
	if !snap.CurrentPrice.IsZero() || !snap.UnrealizedPnL.IsZero() || !snap.UnrealizedPnLPct.IsZero() {
		t.Errorf("snapshot with no fills should have zero PnL fields, got %+v", snap)
	}
}

func TestSnapshotWithPriceZeroMarketPrice(t *testing.T) {
	t.Parallel()
	s := newTestSessionT(t, testParams())
	result, err := s.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.OnFill(context.Background(), 0, result.Order.Quantity, result.Order.Price, nil, nil); err != nil {
		t.Fatalf("OnFill: %v", err)
	}

	snap := s.SnapshotWithPrice(decimal.Zero)
	if !snap.CurrentPrice.IsZero() || !snap.UnrealizedPnL.IsZero() {
		t.Errorf("zero market price should leave PnL fields zero, got %+v", snap)
	}
}

func TestSnapshotWithPriceComputesPnL(t *testing.T) {
	t.Parallel()
	s := newTestSessionT(t, testParams())
	result, err := s.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	qty, price := result.Order.Quantity, result.Order.Price
	if _, err := s.OnFill(context.Background(), 0, qty, price, nil, nil); err != nil {
		t.Fatalf("OnFill: %v", err)
	}

	marketPrice := price.Add(decimal.NewFromInt(100))
	snap := s.SnapshotWithPrice(marketPrice)

	wantPnL := qty.Mul(marketPrice).Sub(snap.TotalCost)
	if !snap.CurrentPrice.Equal(marketPrice) {
		t.Errorf("current_price = %s, want %s", snap.CurrentPrice, marketPrice)
	}
	if !snap.UnrealizedPnL.Equal(wantPnL) {
		t.Errorf("unrealized_pnl = %s, want %s", snap.UnrealizedPnL, wantPnL)
	}
	wantPct := wantPnL.Div(snap.TotalCost).Mul(decimal.NewFromInt(100))
	if !snap.UnrealizedPnLPct.Equal(wantPct) {
		t.Errorf("unrealized_pnl_pct = %s, want %s", snap.UnrealizedPnLPct, wantPct)
	}

	// the plain Snapshot() projection leaves the PnL fields at zero value.
	plain := s.Snapshot()
	if !plain.CurrentPrice.IsZero() || !plain.UnrealizedPnL.IsZero() {
		t.Errorf("Snapshot() should not carry PnL fields, got %+v", plain)
	}
}
