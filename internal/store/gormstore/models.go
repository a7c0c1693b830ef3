package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet mirrors the wallets table.
type Wallet struct {
	UserID       string    `gorm:"primaryKey"`
	TokenBalance int64     `gorm:"not null;default:0"`
	HoldAmount   int64     `gorm:"not null;default:0"`
	CreditLimit  int64     `gorm:"not null;default:0"`
	Currency     string    `gorm:"size:3;not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID         string         `gorm:"type:uuid;primaryKey"`
	UserID          string         `gorm:"not null;index:uniq_ledger_entry_key,unique,priority:1;index:idx_ledger_user_created,priority:1"`
	Type            string         `gorm:"not null;index:uniq_ledger_entry_key,unique,priority:2;index:idx_ledger_type_created,priority:1"`
	Source          string         `gorm:"not null;index:uniq_ledger_entry_key,unique,priority:3"`
	RefID           string         `gorm:"not null;index:uniq_ledger_entry_key,unique,priority:4"`
	AmountTokens    int64          `gorm:"not null"`
	Provider        string         `gorm:"not null;default:''"`
	Model           string         `gorm:"not null;default:''"`
	Currency        string         `gorm:"size:3;not null"`
	AmountFiatCents int64          `gorm:"not null;default:0"`
	Meta            datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt       time.Time      `gorm:"not null;index:idx_ledger_user_created,priority:2;index:idx_ledger_type_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// UsageRecord mirrors the usage_records table.
type UsageRecord struct {
	ID             string    `gorm:"type:uuid;primaryKey"`
	UserID         string    `gorm:"not null;index:uniq_usage_turn,unique,priority:1"`
	ConversationID string    `gorm:"not null;default:'';index:uniq_usage_turn,unique,priority:2"`
	TurnID         string    `gorm:"not null;index:uniq_usage_turn,unique,priority:3"`
	Provider       string    `gorm:"not null;default:'';index:uniq_usage_turn,unique,priority:4"`
	Model          string    `gorm:"not null;default:'';index:uniq_usage_turn,unique,priority:5"`
	TokensIn       int64     `gorm:"not null"`
	TokensOut      int64     `gorm:"not null"`
	TotalTokens    int64     `gorm:"not null"`
	FinalCostCents *int64    `gorm:""`
	Currency       string    `gorm:"size:3;not null"`
	LatencyMs      *int64    `gorm:""`
	Status         string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (UsageRecord) TableName() string { return "usage_records" }

func (record *UsageRecord) BeforeCreate(tx *gorm.DB) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	return nil
}

// PriceEntry mirrors the price_entries table.
type PriceEntry struct {
	ID               string          `gorm:"type:uuid;primaryKey"`
	Provider         string          `gorm:"not null;index:uniq_price_period,unique,priority:1"`
	Model            string          `gorm:"not null;index:uniq_price_period,unique,priority:2"`
	Currency         string          `gorm:"size:3;not null;index:uniq_price_period,unique,priority:3"`
	EffectiveFrom    time.Time       `gorm:"not null;index:uniq_price_period,unique,priority:4"`
	EffectiveTo      *time.Time      `gorm:""`
	InputPer1kCents  decimal.Decimal `gorm:"column:input_per_1k_cents;type:numeric(18,6);not null"`
	OutputPer1kCents decimal.Decimal `gorm:"column:output_per_1k_cents;type:numeric(18,6);not null"`
	CreatedAt        time.Time       `gorm:"not null"`
}

func (PriceEntry) TableName() string { return "price_entries" }

func (entry *PriceEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	return nil
}

// SystemAlert mirrors the system_alerts table.
type SystemAlert struct {
	ID             string         `gorm:"type:uuid;primaryKey"`
	Type           string         `gorm:"not null;index:idx_alerts_type_created,priority:1"`
	Severity       string         `gorm:"not null"`
	UserID         *string        `gorm:"index"`
	Meta           datatypes.JSON `gorm:"type:jsonb;not null"`
	AcknowledgedAt *time.Time     `gorm:""`
	CreatedAt      time.Time      `gorm:"not null;index:idx_alerts_type_created,priority:2"`
}

func (SystemAlert) TableName() string { return "system_alerts" }

func (alert *SystemAlert) BeforeCreate(tx *gorm.DB) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	return nil
}

// AllModels lists every table for AutoMigrate.
func AllModels() []any {
	return []any{&Wallet{}, &LedgerEntry{}, &UsageRecord{}, &PriceEntry{}, &SystemAlert{}}
}
