package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// WithdrawalRequest is a payout request against an affiliate's ledger.
// Unique constraint: (user_id, request_month), at most one request per calendar month.
type WithdrawalRequest struct {
	ID              string           `gorm:"primary_key;size:36" json:"id"`
	UserId          string           `gorm:"size:64;not null;index:uniq_withdrawal_month,unique,priority:1" json:"user_id"`
	AffiliateId     string           `gorm:"size:64;not null;index" json:"affiliate_id"`
	AmountRequested decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"amount_requested"`
	FeeAmount       decimal.Decimal  `gorm:"type:decimal(20,4);not null;default:0" json:"fee_amount"`
	NetAmount       decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"net_amount"`
	Status          WithdrawalStatus `gorm:"size:20;not null;default:'pending';index" json:"status"`
	PixDestination  string           `gorm:"size:140;not null" json:"pix_destination"`
	RequestMonth    string           `gorm:"size:7;not null;index:uniq_withdrawal_month,unique,priority:2" json:"request_month"`
	CreatedAt       time.Time        `gorm:"autoCreateTime" json:"created_at"`
	ProcessedAt     *time.Time       `json:"processed_at"`
}

// WithdrawalAuditLog records each status transition with the ledger figures around it.
type WithdrawalAuditLog struct {
	ID                     int              `gorm:"primary_key" json:"id"`
	WithdrawalId           string           `gorm:"size:36;not null;index" json:"withdrawal_id"`
	ActorId                string           `gorm:"size:64" json:"actor_id"`
	OldStatus              WithdrawalStatus `gorm:"size:20;not null" json:"old_status"`
	NewStatus              WithdrawalStatus `gorm:"size:20;not null" json:"new_status"`
	AvailableBalanceBefore decimal.Decimal  `gorm:"type:decimal(20,4)" json:"available_balance_before"`
	AvailableBalanceAfter  decimal.Decimal  `gorm:"type:decimal(20,4)" json:"available_balance_after"`
	FrozenBalanceBefore    decimal.Decimal  `gorm:"type:decimal(20,4)" json:"frozen_balance_before"`
	FrozenBalanceAfter     decimal.Decimal  `gorm:"type:decimal(20,4)" json:"frozen_balance_after"`
	CreatedAt              time.Time        `gorm:"autoCreateTime" json:"created_at"`
}
