package storage

import (
	"github.com/paperdesk/kss/kss"
)

// statusToDomain/domainToStatus translate between the gorm enum-text
// column and kss.SessionStatus (original_source repository.py's
// db_to_pyramid_session/pyramid_to_db_session status mapping tables).
func statusToDomain(s string) kss.SessionStatus {
	switch s {
	case kss.StatusActive.String():
		return kss.StatusActive
	case kss.StatusStopped.String():
		return kss.StatusStopped
	case kss.StatusCompleted.String():
		return kss.StatusCompleted
	case kss.StatusTPTriggered.String():
		return kss.StatusTPTriggered
	default:
		return kss.StatusPending
	}
}

func waveStatusToDomain(s string) kss.WaveStatus {
	switch s {
	case kss.WaveSent.String():
		return kss.WaveSent
	case kss.WaveFilled.String():
		return kss.WaveFilled
	case kss.WaveCancelled.String():
		return kss.WaveCancelled
	default:
		return kss.WavePending
	}
}

// toDomain reconstructs a *kss.Session from its durable rows, in wave_num
// order (§4.7 recovery). The unexported pip-multiplier/exchange-info
// fields are left unset here; SessionManager.Recover seeds them afterward.
func toDomain(m sessionModel) *kss.Session {
	session := &kss.Session{
		ID:             m.ID,
		Symbol:         m.Symbol,
		EntryPrice:     m.EntryPrice,
		DistancePct:    m.DistancePct,
		TPPct:          m.TPPct,
		MaxWaves:       m.MaxWaves,
		IsolatedFund:   m.IsolatedFund,
		TimeoutXMin:    m.TimeoutXMin,
		GapYMin:        m.GapYMin,
		CreatedBy:      m.CreatedBy,
		Note:           m.Note,
		Status:         statusToDomain(m.Status),
		CurrentWave:    m.CurrentWave,
		AvgPrice:       m.AvgPrice,
		TotalFilledQty: m.TotalFilledQty,
		TotalCost:      m.TotalCost,
		CreatedAt:      m.CreatedAt,
		StartedAt:      m.StartedAt,
		LastFillAt:     m.LastFillAt,
		CompletedAt:    m.CompletedAt,
	}

	waves := make([]*kss.Wave, len(m.Waves))
	for i, w := range m.Waves {
		var pendingOrderID int64
		if w.PendingOrderID != nil {
			pendingOrderID = *w.PendingOrderID
		}
		waves[i] = &kss.Wave{
			ID:             w.ID,
			WaveNum:        w.WaveNum,
			Quantity:       w.Quantity,
			TargetPrice:    w.TargetPrice,
			Status:         waveStatusToDomain(w.Status),
			FilledQty:      w.FilledQty,
			FilledPrice:    w.FilledPrice,
			FilledAt:       w.FilledAt,
			SentAt:         w.SentAt,
			PendingOrderID: pendingOrderID,
			CreatedAt:      w.CreatedAt,
		}
	}
	session.Waves = waves
	return session
}

// fromDomain projects a kss.Session snapshot into the row shape
// insert/update operations write.
func fromDomain(snap kss.Snapshot) sessionModel {
	return sessionModel{
		ID:             snap.ID,
		StrategyType:   "pyramid",
		Symbol:         snap.Symbol,
		EntryPrice:     snap.EntryPrice,
		DistancePct:    snap.DistancePct,
		TPPct:          snap.TPPct,
		MaxWaves:       snap.MaxWaves,
		IsolatedFund:   snap.IsolatedFund,
		TimeoutXMin:    snap.TimeoutXMin,
		GapYMin:        snap.GapYMin,
		Status:         snap.Status,
		CurrentWave:    snap.CurrentWave,
		AvgPrice:       snap.AvgPrice,
		TotalFilledQty: snap.TotalFilledQty,
		TotalCost:      snap.TotalCost,
		CreatedAt:      snap.CreatedAt,
		StartedAt:      snap.StartedAt,
		LastFillAt:     snap.LastFillAt,
		CompletedAt:    snap.CompletedAt,
		CreatedBy:      snap.CreatedBy,
		Note:           snap.Note,
	}
}

func waveModelFromDomain(sessionID int64, w *kss.Wave) waveModel {
	var pendingOrderID *int64
	if w.PendingOrderID != 0 {
		id := w.PendingOrderID
		pendingOrderID = &id
	}
	return waveModel{
		ID:             w.ID,
		SessionID:      sessionID,
		WaveNum:        w.WaveNum,
		Quantity:       w.Quantity,
		TargetPrice:    w.TargetPrice,
		Status:         w.Status.String(),
		FilledQty:      w.FilledQty,
		FilledPrice:    w.FilledPrice,
		FilledAt:       w.FilledAt,
		SentAt:         w.SentAt,
		PendingOrderID: pendingOrderID,
		CreatedAt:      w.CreatedAt,
	}
}
