// Package storage is the durable shadow of the live KSS session registry
// (§4.7, §6): two gorm-mapped tables, sessions and waves, cascade-linked
// by foreign key.
package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// sessionModel is the gorm mapping for the sessions table (§6).
type sessionModel struct {
	ID           int64  `gorm:"primaryKey;autoIncrement:false"`
	StrategyType string `gorm:"size:32;default:pyramid"`
	Symbol       string `gorm:"size:32;index"`

	EntryPrice   decimal.Decimal `gorm:"type:decimal(20,8)"`
	DistancePct  decimal.Decimal `gorm:"type:decimal(10,4)"`
	TPPct        decimal.Decimal `gorm:"type:decimal(10,4)"`
	MaxWaves     int
	IsolatedFund decimal.Decimal `gorm:"type:decimal(20,8)"`
	TimeoutXMin  decimal.Decimal `gorm:"type:decimal(10,2)"`
	GapYMin      decimal.Decimal `gorm:"type:decimal(10,2)"`

	Status         string `gorm:"size:16;index"`
	CurrentWave    int
	AvgPrice       decimal.Decimal `gorm:"type:decimal(20,8)"`
	TotalFilledQty decimal.Decimal `gorm:"type:decimal(20,8)"`
	TotalCost      decimal.Decimal `gorm:"type:decimal(20,8)"`

	CreatedAt   time.Time `gorm:"index"`
	StartedAt   *time.Time
	LastFillAt  *time.Time
	CompletedAt *time.Time

	CreatedBy string `gorm:"size:128"`
	Note      string `gorm:"size:512"`

	Waves []waveModel `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}

func (sessionModel) TableName() string {
	return "kss_sessions"
}

// waveModel is the gorm mapping for the waves table (§6).
type waveModel struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	SessionID int64 `gorm:"index"`
	WaveNum   int

	Quantity    decimal.Decimal `gorm:"type:decimal(20,8)"`
	TargetPrice decimal.Decimal `gorm:"type:decimal(20,8)"`
	Status      string          `gorm:"size:16;index"`

	FilledQty   decimal.Decimal `gorm:"type:decimal(20,8)"`
	FilledPrice decimal.Decimal `gorm:"type:decimal(20,8)"`
	FilledAt    *time.Time
	SentAt      *time.Time

	PendingOrderID *int64 `gorm:"index"`

	CreatedAt time.Time
}

func (waveModel) TableName() string {
	return "kss_waves"
}
