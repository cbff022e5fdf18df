package kss

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Repository is the durable store KSS depends on (§4.7). Defined here, in
// the consumer package, so `storage` can implement it without kss ever
// importing storage — the same adapter-free pattern the teacher uses for
// its risk/execution interfaces.
type Repository interface {
	InsertSession(ctx context.Context, s *Session) error
	UpdateSessionStatus(ctx context.Context, id int64, status SessionStatus, completedAt *time.Time) error
	UpdateSessionState(ctx context.Context, id int64, currentWave int, avgPrice, totalFilledQty, totalCost decimal.Decimal, lastFillAt *time.Time) error
	UpdateSessionParams(ctx context.Context, id int64, p Params) error
	DeleteSession(ctx context.Context, id int64) error

	InsertWave(ctx context.Context, sessionID int64, w *Wave) error
	MarkWaveSent(ctx context.Context, sessionID int64, waveNum int, pendingOrderID int64, sentAt time.Time) error
	MarkWaveFilled(ctx context.Context, sessionID int64, waveNum int, qty, price decimal.Decimal, filledAt time.Time) error
	MarkWaveCancelled(ctx context.Context, sessionID int64, waveNum int) error

	ListSessions(ctx context.Context) ([]*Session, error)
	NextSessionID(ctx context.Context) (int64, error)
}

// Summary is the manager's aggregate view (§4.5 get_summary).
type Summary struct {
	CountByStatus       map[string]int
	ActiveIsolatedFund  decimal.Decimal
	ActiveUsedFund      decimal.Decimal
	ActiveUnrealizedPnL decimal.Decimal
}

// SessionManager is the process-wide registry of live sessions (§4.5).
// Prefer an injected instance in tests; the application wiring layer
// (cmd/kssd) is the only place that should treat it as a singleton (§9).
type SessionManager struct {
	repo          Repository
	exchangeInfo  ExchangeInfoOracle
	marketPrice   MarketPriceOracle
	gateway       PendingOrderGateway
	pipMultiplier decimal.Decimal
	defaultInfo   ExchangeInfo

	mu       sync.Mutex
	sessions map[int64]*Session
	nextID   int64
	seeded   bool

	eventHook func(Snapshot, *Result)
}

// SetEventHook wires an optional callback invoked after every
// transition-driving call that produces a non-none action (Start, Stop,
// OnFill, CheckTP, OnOrderRejected) — the integration point for a
// lifecycle notifier (e.g. `notify.TelegramNotifier`). Never on the
// critical path: the hook runs after persistence, and a nil hook (the
// default) is skipped entirely.
func (m *SessionManager) SetEventHook(hook func(Snapshot, *Result)) {
	m.eventHook = hook
}

func (m *SessionManager) fireEvent(ctx context.Context, session *Session, result *Result) {
	if m.eventHook == nil || result == nil || result.Action == ActionNone {
		return
	}
	symbol := session.Snapshot().Symbol
	price := resolveMarketPrice(ctx, m.marketPrice, symbol)
	m.eventHook(session.SnapshotWithPrice(price), result)
}

// NewSessionManager constructs a manager over the given collaborators. It
// does not load existing sessions — call Recover for that. gateway may be
// nil at construction (it commonly depends on a *Hooks which in turn
// wraps this manager) — set it with SetGateway before calling Start or
// OnFill.
func NewSessionManager(repo Repository, exchangeInfo ExchangeInfoOracle, marketPrice MarketPriceOracle, gateway PendingOrderGateway, pipMultiplier decimal.Decimal, defaultInfo ExchangeInfo) *SessionManager {
	return &SessionManager{
		repo:          repo,
		exchangeInfo:  exchangeInfo,
		marketPrice:   marketPrice,
		gateway:       gateway,
		pipMultiplier: pipMultiplier,
		defaultInfo:   defaultInfo,
		sessions:      make(map[int64]*Session),
	}
}

// SetGateway wires the gateway after construction, for the common
// construction order manager -> hooks -> gateway -> manager.SetGateway.
func (m *SessionManager) SetGateway(gateway PendingOrderGateway) {
	m.gateway = gateway
}

// Recover reconstructs the registry from the repository on process start
// (§4.7): every persisted session is re-registered regardless of status,
// and the id counter is set past the highest id seen.
func (m *SessionManager) Recover(ctx context.Context) error {
	sessions, err := m.repo.ListSessions(ctx)
	if err != nil {
		return wrapError(KindRepositoryWriteFailure, "recovery: list sessions failed", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var maxID int64
	for _, s := range sessions {
		s.pipMultiplier = m.pipMultiplier
		s.info = m.defaultInfo
		m.sessions[s.ID] = s
		if s.ID > maxID {
			maxID = s.ID
		}
	}
	if !m.seeded || maxID >= m.nextID {
		m.nextID = maxID + 1
		m.seeded = true
	}
	log.Info().Int("count", len(sessions)).Msg("kss: recovered sessions from repository")
	return nil
}

// allocateID seeds nextID from the repository at most once, then hands out
// ids under the registry lock — both the seed check and the increment run
// as one atomic step, so two concurrent first callers on a fresh process
// (no prior Recover) can never observe the same id.
func (m *SessionManager) allocateID(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.seeded {
		next, err := m.repo.NextSessionID(ctx)
		if err != nil {
			return 0, wrapError(KindRepositoryWriteFailure, "allocate session id failed", err)
		}
		m.nextID = next
		m.seeded = true
	}
	id := m.nextID
	m.nextID++
	return id, nil
}

// CreateSession validates params, resolves exchange info, allocates an id,
// and persists + registers the new PENDING session (§4.5).
func (m *SessionManager) CreateSession(ctx context.Context, p Params) (*Session, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	id, err := m.allocateID(ctx)
	if err != nil {
		return nil, err
	}

	info := resolveExchangeInfo(ctx, m.exchangeInfo, p.Symbol, m.defaultInfo)
	session, err := NewSession(id, p, m.pipMultiplier, info)
	if err != nil {
		return nil, err
	}

	if err := m.repo.InsertSession(ctx, session); err != nil {
		return nil, wrapError(KindRepositoryWriteFailure, "insert session failed", err)
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	log.Info().Int64("session_id", session.ID).Str("symbol", p.Symbol).Msg("kss: session created")
	return session, nil
}

func (m *SessionManager) get(id int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Get returns the live session, if any.
func (m *SessionManager) Get(id int64) (*Session, bool) {
	return m.get(id)
}

// Start starts a PENDING session and, if it emits an order, queues it via
// the gateway after releasing the session lock, then marks the wave SENT
// (§4.3, §5).
func (m *SessionManager) Start(ctx context.Context, id int64) (*Result, error) {
	session, ok := m.get(id)
	if !ok {
		return nil, newError(KindUnknownSession, "unknown session")
	}

	result, err := session.Start()
	if err != nil {
		return nil, err
	}
	if result.Order == nil {
		return result, nil
	}
	if err := m.persistStatusTransition(ctx, session); err != nil {
		return result, err
	}
	result, err = m.finishOrder(ctx, session, result)
	if err == nil {
		m.fireEvent(ctx, session, result)
	}
	return result, err
}

// Stop stops an ACTIVE session; no order is emitted (§4.3).
func (m *SessionManager) Stop(ctx context.Context, id int64, reason string) (*Result, error) {
	session, ok := m.get(id)
	if !ok {
		return nil, newError(KindUnknownSession, "unknown session")
	}
	result, err := session.Stop(reason)
	if err != nil {
		return nil, err
	}
	if err := m.persistStatusTransition(ctx, session); err != nil {
		return result, err
	}
	m.fireEvent(ctx, session, result)
	return result, nil
}

// CheckTP evaluates the TP threshold against a supplied market price
// outside the fill path (§4.3 ACTIVE + check_tp(p)) — e.g. a periodic
// mark-price poll independent of order fills.
func (m *SessionManager) CheckTP(ctx context.Context, id int64, marketPrice decimal.Decimal) (*Result, error) {
	session, ok := m.get(id)
	if !ok {
		return nil, newError(KindUnknownSession, "unknown session")
	}
	result, err := session.CheckTP(marketPrice)
	if err != nil {
		return nil, err
	}
	if result.Action != ActionTPTriggered {
		return result, nil
	}
	if err := m.persistStatusTransition(ctx, session); err != nil {
		return result, err
	}
	result, err = m.finishOrder(ctx, session, result)
	if err == nil {
		m.fireEvent(ctx, session, result)
	}
	return result, err
}

// Adjust applies the subset of fields that validate and persists the new
// parameter values (§4.6).
func (m *SessionManager) Adjust(ctx context.Context, id int64, adj Adjustment) (map[string]bool, error) {
	session, ok := m.get(id)
	if !ok {
		return nil, newError(KindUnknownSession, "unknown session")
	}
	applied, err := session.Adjust(adj)
	if err != nil {
		return nil, err
	}
	if len(applied) == 0 {
		return applied, nil
	}
	snap := session.Snapshot()
	params := Params{
		Symbol:       snap.Symbol,
		EntryPrice:   snap.EntryPrice,
		DistancePct:  snap.DistancePct,
		TPPct:        snap.TPPct,
		MaxWaves:     snap.MaxWaves,
		IsolatedFund: snap.IsolatedFund,
		TimeoutXMin:  snap.TimeoutXMin,
		GapYMin:      snap.GapYMin,
		CreatedBy:    snap.CreatedBy,
		Note:         snap.Note,
	}
	if err := m.repo.UpdateSessionParams(ctx, id, params); err != nil {
		return applied, wrapError(KindRepositoryWriteFailure, "update session params failed", err)
	}
	return applied, nil
}

// OnFill parses source_ref, routes to the owning session and wave, and
// handles the result: persisting state, queuing any emitted order, and
// recording the wave's SENT status once the gateway acknowledges it
// (§4.4, §4.5, §5).
func (m *SessionManager) OnFill(ctx context.Context, sourceRef string, filledQty, filledPrice decimal.Decimal, currentMarketPrice *decimal.Decimal) (*Result, error) {
	ref, err := parseSourceRef(sourceRef)
	if err != nil {
		log.Warn().Err(err).Str("source_ref", sourceRef).Msg("kss: dropping fill with malformed source_ref")
		return nil, nil
	}

	session, ok := m.get(ref.sessionID)
	if !ok {
		log.Warn().Int64("session_id", ref.sessionID).Msg("kss: fill for unknown session")
		return nil, nil
	}

	var result *Result
	if ref.kind == refTP {
		result, err = session.OnTPFill()
		if err != nil {
			return nil, err
		}
		if result.Action == ActionCompleted {
			if perr := m.persistStatusTransition(ctx, session); perr != nil {
				return result, perr
			}
		}
		m.fireEvent(ctx, session, result)
		return result, nil
	}

	result, err = session.OnFill(ctx, ref.waveNum, filledQty, filledPrice, currentMarketPrice, m.marketPrice)
	if err != nil {
		if kerr, ok2 := err.(*Error); ok2 && kerr.Kind == KindUnknownWave {
			log.Warn().Err(err).Msg("kss: fill for unknown wave")
			return nil, nil
		}
		return nil, err
	}

	snap := session.Snapshot()
	if err := m.repo.MarkWaveFilled(ctx, session.ID, ref.waveNum, filledQty, filledPrice, time.Now()); err != nil {
		return result, wrapError(KindRepositoryWriteFailure, "mark wave filled failed", err)
	}
	if err := m.repo.UpdateSessionState(ctx, session.ID, snap.CurrentWave, snap.AvgPrice, snap.TotalFilledQty, snap.TotalCost, snap.LastFillAt); err != nil {
		return result, wrapError(KindRepositoryWriteFailure, "update session state failed", err)
	}

	switch result.Action {
	case ActionTPTriggered, ActionStopped:
		if err := m.persistStatusTransition(ctx, session); err != nil {
			return result, err
		}
	}

	if result.Order == nil {
		m.fireEvent(ctx, session, result)
		return result, nil
	}
	result, err = m.finishOrder(ctx, session, result)
	if err == nil {
		m.fireEvent(ctx, session, result)
	}
	return result, err
}

// OnOrderApproved marks a wave SENT if it is not already (§4.8).
func (m *SessionManager) OnOrderApproved(ctx context.Context, pendingOrderID int64, sourceRef string) error {
	ref, err := parseSourceRef(sourceRef)
	if err != nil || ref.kind != refWave {
		return nil
	}
	session, ok := m.get(ref.sessionID)
	if !ok {
		return nil
	}
	if err := session.MarkWaveSent(ref.waveNum, pendingOrderID); err != nil {
		return err
	}
	return m.repo.MarkWaveSent(ctx, session.ID, ref.waveNum, pendingOrderID, time.Now())
}

// OnOrderRejected cancels the wave and halts the pyramid (§4.8).
func (m *SessionManager) OnOrderRejected(ctx context.Context, pendingOrderID int64, sourceRef string) error {
	ref, err := parseSourceRef(sourceRef)
	if err != nil || ref.kind != refWave {
		return nil
	}
	session, ok := m.get(ref.sessionID)
	if !ok {
		return nil
	}
	if err := session.CancelWave(ref.waveNum); err != nil {
		return err
	}
	if err := m.repo.MarkWaveCancelled(ctx, session.ID, ref.waveNum); err != nil {
		return wrapError(KindRepositoryWriteFailure, "mark wave cancelled failed", err)
	}
	if err := m.persistStatusTransition(ctx, session); err != nil {
		return err
	}
	m.fireEvent(ctx, session, &Result{Action: ActionStopped, Message: "wave order rejected"})
	return nil
}

// finishOrder queues the order (after the session lock that produced it
// has already been released) and records the wave SENT once accepted
// (§5, §9 design note).
func (m *SessionManager) finishOrder(ctx context.Context, session *Session, result *Result) (*Result, error) {
	pendingOrderID, err := m.gateway.Queue(ctx, *result.Order)
	if err != nil {
		log.Error().Err(err).Int64("session_id", session.ID).Msg("kss: gateway queue failed")
		return result, wrapError(KindGatewayQueueFailure, "gateway queue failed", err)
	}

	if result.Order.SourceRef == session.tpSourceRef() {
		return result, nil
	}

	if err := session.MarkWaveSent(result.WaveNum, pendingOrderID); err != nil {
		return result, err
	}
	if err := m.repo.InsertWave(ctx, session.ID, session.findWave(result.WaveNum)); err != nil {
		return result, wrapError(KindRepositoryWriteFailure, "insert wave failed", err)
	}
	if err := m.repo.MarkWaveSent(ctx, session.ID, result.WaveNum, pendingOrderID, time.Now()); err != nil {
		return result, wrapError(KindRepositoryWriteFailure, "mark wave sent failed", err)
	}
	return result, nil
}

func (m *SessionManager) persistStatusTransition(ctx context.Context, session *Session) error {
	snap := session.Snapshot()
	status := StatusPending
	switch snap.Status {
	case StatusActive.String():
		status = StatusActive
	case StatusStopped.String():
		status = StatusStopped
	case StatusCompleted.String():
		status = StatusCompleted
	case StatusTPTriggered.String():
		status = StatusTPTriggered
	}
	if err := m.repo.UpdateSessionStatus(ctx, session.ID, status, snap.CompletedAt); err != nil {
		return wrapError(KindRepositoryWriteFailure, "update session status failed", err)
	}
	return nil
}

// List returns sessions ordered by created_at desc, optionally filtered
// by status and/or symbol (§4.5). Each snapshot carries a mark-price-derived
// PnL estimate (§4.3's market/PnL projection), batched in a single oracle
// call across the listed symbols.
func (m *SessionManager) List(ctx context.Context, status *SessionStatus, symbol string) []Snapshot {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	plain := make([]Snapshot, len(sessions))
	symbols := make([]string, len(sessions))
	for i, s := range sessions {
		plain[i] = s.Snapshot()
		symbols[i] = plain[i].Symbol
	}
	prices := resolveMarketPrices(ctx, m.marketPrice, symbols)

	snaps := make([]Snapshot, 0, len(sessions))
	for i, s := range sessions {
		snap := s.SnapshotWithPrice(prices[plain[i].Symbol])
		if status != nil && snap.Status != status.String() {
			continue
		}
		if symbol != "" && snap.Symbol != symbol {
			continue
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
	return snaps
}

// Delete removes a session from the registry and its durable record.
func (m *SessionManager) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return m.repo.DeleteSession(ctx, id)
}

// GetSummary aggregates counts, fund usage, and unrealized PnL across live
// sessions (§4.5). Unrealized PnL mirrors the original get_summary(), which
// sums each ACTIVE session's get_status().unrealized_pnl; here that's
// Σ (total_filled_qty·current_price − total_cost) over ACTIVE sessions,
// with their mark prices resolved in a single batched oracle call.
func (m *SessionManager) GetSummary(ctx context.Context) Summary {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	plain := make([]Snapshot, len(sessions))
	var activeSymbols []string
	for i, s := range sessions {
		plain[i] = s.Snapshot()
		if plain[i].Status == StatusActive.String() {
			activeSymbols = append(activeSymbols, plain[i].Symbol)
		}
	}
	prices := resolveMarketPrices(ctx, m.marketPrice, activeSymbols)

	summary := Summary{
		CountByStatus:       make(map[string]int),
		ActiveIsolatedFund:  decimal.Zero,
		ActiveUsedFund:      decimal.Zero,
		ActiveUnrealizedPnL: decimal.Zero,
	}
	for i, s := range sessions {
		snap := plain[i]
		summary.CountByStatus[snap.Status]++
		if snap.Status == StatusActive.String() {
			summary.ActiveIsolatedFund = summary.ActiveIsolatedFund.Add(snap.IsolatedFund)
			summary.ActiveUsedFund = summary.ActiveUsedFund.Add(snap.UsedFund)
			priced := s.SnapshotWithPrice(prices[snap.Symbol])
			summary.ActiveUnrealizedPnL = summary.ActiveUnrealizedPnL.Add(priced.UnrealizedPnL)
		}
	}
	return summary
}

// ClearCompleted removes terminal sessions from the live registry; the
// durable record is untouched (§4.5).
func (m *SessionManager) ClearCompleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if s.Snapshot().Status != StatusActive.String() && s.Snapshot().Status != StatusPending.String() {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// SweepIdle re-evaluates the timeout predicate for every ACTIVE session,
// catching sessions that never receive a fill to trigger the check inline
// (§9 compliant extension; `kss/sweeper.go` drives this on a ticker).
func (m *SessionManager) SweepIdle(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		result := s.sweepTimeout()
		if result == nil {
			continue
		}
		log.Info().Int64("session_id", s.ID).Msg("kss: idle session timed out")
		if err := m.persistStatusTransition(ctx, s); err != nil {
			log.Error().Err(err).Int64("session_id", s.ID).Msg("kss: sweeper persist failed")
		}
	}
}

// Reset clears the registry and resets the id counter — a test hook
// (§4.5), never called from application wiring.
func (m *SessionManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[int64]*Session)
	m.nextID = 0
	m.seeded = false
}
