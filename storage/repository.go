package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/paperdesk/kss/kss"
)

// Repository is the gorm-backed implementation of kss.Repository (§4.7).
type Repository struct {
	db *gorm.DB
}

// New opens a database connection. A "postgres://"/"postgresql://" DSN
// selects the Postgres driver; anything else is treated as a sqlite file
// path (matching the teacher's dual-driver selection in
// internal/database/database.go).
func New(dsn string) (*Repository, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("kss: database connected (postgres)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("kss: database initialized (sqlite)")
	}

	if err := db.AutoMigrate(&sessionModel{}, &waveModel{}); err != nil {
		return nil, err
	}

	return &Repository{db: db}, nil
}

// InsertSession writes the initial PENDING session row.
func (r *Repository) InsertSession(ctx context.Context, s *kss.Session) error {
	row := fromDomain(s.Snapshot())
	return r.db.WithContext(ctx).Create(&row).Error
}

// UpdateSessionStatus updates status and, when completedAt is given,
// completed_at (§4.7). A transition to ACTIVE also stamps started_at with
// the current time.
func (r *Repository) UpdateSessionStatus(ctx context.Context, id int64, status kss.SessionStatus, completedAt *time.Time) error {
	updates := map[string]interface{}{"status": status.String()}
	if status == kss.StatusActive {
		updates["started_at"] = time.Now()
	}
	if completedAt != nil {
		updates["completed_at"] = *completedAt
	}
	return r.db.WithContext(ctx).Model(&sessionModel{}).Where("id = ?", id).Updates(updates).Error
}

// UpdateSessionState persists the running totals and last_fill_at.
func (r *Repository) UpdateSessionState(ctx context.Context, id int64, currentWave int, avgPrice, totalFilledQty, totalCost decimal.Decimal, lastFillAt *time.Time) error {
	updates := map[string]interface{}{
		"current_wave":     currentWave,
		"avg_price":        avgPrice,
		"total_filled_qty": totalFilledQty,
		"total_cost":       totalCost,
	}
	if lastFillAt != nil {
		updates["last_fill_at"] = *lastFillAt
	}
	return r.db.WithContext(ctx).Model(&sessionModel{}).Where("id = ?", id).Updates(updates).Error
}

// UpdateSessionParams persists the adjustable parameters (§4.6).
func (r *Repository) UpdateSessionParams(ctx context.Context, id int64, p kss.Params) error {
	updates := map[string]interface{}{
		"max_waves":     p.MaxWaves,
		"isolated_fund": p.IsolatedFund,
		"tp_pct":        p.TPPct,
		"distance_pct":  p.DistancePct,
		"timeout_x_min": p.TimeoutXMin,
		"gap_y_min":     p.GapYMin,
	}
	return r.db.WithContext(ctx).Model(&sessionModel{}).Where("id = ?", id).Updates(updates).Error
}

// DeleteSession deletes the session row; waves cascade via FK (§4.7).
func (r *Repository) DeleteSession(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Select("Waves").Delete(&sessionModel{ID: id}).Error
}

// InsertWave writes a new wave row.
func (r *Repository) InsertWave(ctx context.Context, sessionID int64, w *kss.Wave) error {
	row := waveModelFromDomain(sessionID, w)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	w.ID = row.ID
	return nil
}

// MarkWaveSent records the gateway's pending_order_id and sent_at.
func (r *Repository) MarkWaveSent(ctx context.Context, sessionID int64, waveNum int, pendingOrderID int64, sentAt time.Time) error {
	return r.db.WithContext(ctx).Model(&waveModel{}).
		Where("session_id = ? AND wave_num = ?", sessionID, waveNum).
		Updates(map[string]interface{}{
			"status":           kss.WaveSent.String(),
			"pending_order_id": pendingOrderID,
			"sent_at":          sentAt,
		}).Error
}

// MarkWaveFilled records a fill.
func (r *Repository) MarkWaveFilled(ctx context.Context, sessionID int64, waveNum int, qty, price decimal.Decimal, filledAt time.Time) error {
	return r.db.WithContext(ctx).Model(&waveModel{}).
		Where("session_id = ? AND wave_num = ?", sessionID, waveNum).
		Updates(map[string]interface{}{
			"status":       kss.WaveFilled.String(),
			"filled_qty":   qty,
			"filled_price": price,
			"filled_at":    filledAt,
		}).Error
}

// MarkWaveCancelled records a gateway rejection (§4.8).
func (r *Repository) MarkWaveCancelled(ctx context.Context, sessionID int64, waveNum int) error {
	return r.db.WithContext(ctx).Model(&waveModel{}).
		Where("session_id = ? AND wave_num = ?", sessionID, waveNum).
		Update("status", kss.WaveCancelled.String()).Error
}

// ListSessions reconstructs every persisted session with its waves in
// wave_num order, for recovery (§4.7).
func (r *Repository) ListSessions(ctx context.Context) ([]*kss.Session, error) {
	var rows []sessionModel
	if err := r.db.WithContext(ctx).
		Preload("Waves", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("wave_num ASC")
		}).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	sessions := make([]*kss.Session, len(rows))
	for i, row := range rows {
		sessions[i] = toDomain(row)
	}
	return sessions, nil
}

// NextSessionID returns max(id)+1 across all persisted sessions, or 1 if
// none exist (§4.5 id allocation, used when the process starts with no
// prior Recover call).
func (r *Repository) NextSessionID(ctx context.Context) (int64, error) {
	var maxID int64
	err := r.db.WithContext(ctx).Model(&sessionModel{}).Select("COALESCE(MAX(id), 0)").Scan(&maxID).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}
	return maxID + 1, nil
}
