package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Purchase is written by the point-of-sale collaborator and never mutated here.
type Purchase struct {
	ID           string          `gorm:"primary_key;size:64" json:"id"`
	CustomerId   string          `gorm:"size:64;not null;index" json:"customer_id"`
	CustomerKind CustomerKind    `gorm:"size:20;not null" json:"customer_kind"`
	BaseCashback decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"base_cashback"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
}
