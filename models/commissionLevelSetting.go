package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CommissionLevelSetting struct {
	ID         int             `gorm:"primary_key" json:"id"`
	Level      int             `gorm:"not null;uniqueIndex" json:"level"`
	Percentage decimal.Decimal `gorm:"type:decimal(7,4);not null" json:"percentage"`
	IsActive   *bool           `gorm:"not null;default:true;index" json:"is_active"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (s CommissionLevelSetting) Active() bool {
	return s.IsActive != nil && *s.IsActive
}
