package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// PlatformAffiliateId is the sentinel recipient of the reconciling platform share.
	PlatformAffiliateId = "platform"
	// PlatformLevel marks the platform's row among a purchase's distributions.
	PlatformLevel = 999
)

// CommissionDistribution is one cent-exact line of a purchase's split.
// Rows are append-only; only IsBlocked/ReleasedAt change, when blocked funds are released.
type CommissionDistribution struct {
	ID                   int             `gorm:"primary_key" json:"id"`
	PurchaseId           string          `gorm:"size:64;not null;index:uniq_distribution,unique,priority:1" json:"purchase_id"`
	AffiliateId          string          `gorm:"size:64;not null;index:uniq_distribution,unique,priority:2;index:idx_distribution_blocked,priority:1" json:"affiliate_id"`
	Level                int             `gorm:"not null;index:uniq_distribution,unique,priority:3" json:"level"`
	CommissionAmount     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"commission_amount"`
	CommissionPercentage decimal.Decimal `gorm:"type:decimal(7,4);not null" json:"commission_percentage"`
	BaseCashback         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"base_cashback"`
	IsBlocked            bool            `gorm:"not null;default:false;index:idx_distribution_blocked,priority:2" json:"is_blocked"`
	ReleasedAt           *time.Time      `json:"released_at"`
	CreatedAt            time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (d CommissionDistribution) IsPlatformShare() bool {
	return d.Level == PlatformLevel
}
