package models

import (
	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&Affiliate{},
		&CommissionLevelSetting{},
		&CommissionDistribution{},
		&IdempotencyKey{},
		&LedgerAccount{},
		&LedgerEvent{},
		&Purchase{},
		&ReconciliationReport{},
		&WithdrawalAuditLog{},
		&WithdrawalRequest{},
	)
}
