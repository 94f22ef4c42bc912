package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerAccount holds an affiliate's running totals, keyed by the affiliate's profile id.
// TotalEarnings = AvailableBalance + FrozenBalance + WithdrawnTotal.
type LedgerAccount struct {
	ID                int             `gorm:"primary_key" json:"id"`
	UserId            string          `gorm:"size:64;not null;uniqueIndex" json:"user_id"`
	TotalEarnings     decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"total_earnings"`
	AvailableBalance  decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"available_balance"`
	FrozenBalance     decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"frozen_balance"`
	WithdrawnTotal    decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"withdrawn_total"`
	IsActiveThisMonth bool            `gorm:"not null;default:false;index" json:"is_active_this_month"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
