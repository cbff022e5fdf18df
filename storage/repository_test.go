package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperdesk/kss/kss"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "kss_test.db")
	repo, err := New(dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return repo
}

func TestRepositoryRecoveryRoundTrip(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	ctx := context.Background()

	params := kss.Params{
		Symbol:       "BTCUSDT",
		EntryPrice:   decimal.NewFromInt(50000),
		DistancePct:  decimal.NewFromInt(2),
		TPPct:        decimal.NewFromInt(3),
		MaxWaves:     10,
		IsolatedFund: decimal.NewFromInt(1000),
		TimeoutXMin:  decimal.NewFromInt(30),
		GapYMin:      decimal.NewFromInt(5),
		CreatedBy:    "test",
	}
	info := kss.ExchangeInfo{
		MinQty:   decimal.NewFromFloat(0.001),
		StepSize: decimal.NewFromFloat(0.001),
		MaxQty:   decimal.NewFromFloat(1000),
	}
	session, err := kss.NewSession(1, params, decimal.NewFromFloat(2.0), info)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if err := repo.InsertSession(ctx, session); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	result, err := session.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := repo.UpdateSessionStatus(ctx, session.ID, kss.StatusActive, nil); err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}

	firstWave := session.Waves[0]
	if err := repo.InsertWave(ctx, session.ID, firstWave); err != nil {
		t.Fatalf("InsertWave: %v", err)
	}
	if err := session.MarkWaveSent(0, 777); err != nil {
		t.Fatalf("MarkWaveSent: %v", err)
	}
	if err := repo.MarkWaveSent(ctx, session.ID, 0, 777, time.Now()); err != nil {
		t.Fatalf("repo.MarkWaveSent: %v", err)
	}

	if _, err := session.OnFill(ctx, 0, result.Order.Quantity, result.Order.Price, nil, nil); err != nil {
		t.Fatalf("OnFill: %v", err)
	}
	snap := session.Snapshot()
	if err := repo.MarkWaveFilled(ctx, session.ID, 0, result.Order.Quantity, result.Order.Price, time.Now()); err != nil {
		t.Fatalf("MarkWaveFilled: %v", err)
	}
	if err := repo.UpdateSessionState(ctx, session.ID, snap.CurrentWave, snap.AvgPrice, snap.TotalFilledQty, snap.TotalCost, snap.LastFillAt); err != nil {
		t.Fatalf("UpdateSessionState: %v", err)
	}
	// The fill issued wave 1 in memory; persist it as the manager would.
	if err := repo.InsertWave(ctx, session.ID, session.Waves[1]); err != nil {
		t.Fatalf("InsertWave wave 1: %v", err)
	}

	recovered, err := repo.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("recovered %d sessions, want 1", len(recovered))
	}

	original := session.Snapshot()
	reconstructed := recovered[0].Snapshot()

	if original.Symbol != reconstructed.Symbol || !original.TotalCost.Equal(reconstructed.TotalCost) ||
		!original.AvgPrice.Equal(reconstructed.AvgPrice) || original.Status != reconstructed.Status {
		t.Errorf("recovery round-trip mismatch:\n  original: %+v\n  reconstructed: %+v", original, reconstructed)
	}
	if len(reconstructed.Waves) != len(original.Waves) {
		t.Fatalf("recovered %d waves, want %d", len(reconstructed.Waves), len(original.Waves))
	}
	if reconstructed.Waves[0].Status != kss.WaveFilled.String() {
		t.Errorf("recovered wave 0 status = %s, want filled", reconstructed.Waves[0].Status)
	}
}

func TestRepositoryNextSessionID(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	ctx := context.Background()

	first, err := repo.NextSessionID(ctx)
	if err != nil {
		t.Fatalf("NextSessionID: %v", err)
	}
	if first != 1 {
		t.Errorf("NextSessionID on empty db = %d, want 1", first)
	}

	info := kss.ExchangeInfo{MinQty: decimal.NewFromFloat(0.001), StepSize: decimal.NewFromFloat(0.001), MaxQty: decimal.NewFromFloat(1000)}
	session, err := kss.NewSession(first, kss.Params{
		Symbol: "BTCUSDT", EntryPrice: decimal.NewFromInt(50000), DistancePct: decimal.NewFromInt(2),
		TPPct: decimal.NewFromInt(3), MaxWaves: 10, IsolatedFund: decimal.NewFromInt(1000),
		TimeoutXMin: decimal.NewFromInt(30), GapYMin: decimal.NewFromInt(5),
	}, decimal.NewFromFloat(2.0), info)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := repo.InsertSession(ctx, session); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	next, err := repo.NextSessionID(ctx)
	if err != nil {
		t.Fatalf("NextSessionID: %v", err)
	}
	if next != first+1 {
		t.Errorf("NextSessionID after one insert = %d, want %d", next, first+1)
	}
}
