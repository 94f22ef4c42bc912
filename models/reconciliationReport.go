package models

import "time"

const (
	ReconciliationCheckTotalEarnings   = "LEDGER_TOTAL_EARNINGS"
	ReconciliationCheckBalanceIdentity = "LEDGER_BALANCE_IDENTITY"
)

// Ledger drift detection output (nightly/admin-triggered). Never used to correct balances.
type ReconciliationReport struct {
	ID            int       `gorm:"primary_key" json:"id"`
	CheckType     string    `gorm:"size:50;index;not null" json:"check_type"`
	EntityType    string    `gorm:"size:50;index;not null" json:"entity_type"`
	EntityId      string    `gorm:"size:64;index;not null" json:"entity_id"`
	Details       string    `gorm:"type:text" json:"details"`
	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// NetworkLevelCount is one row of the downline report: how many affiliates sit at a depth.
type NetworkLevelCount struct {
	Level  int `json:"level"`
	Total  int `json:"total"`
	Active int `json:"active"`
}
