package store

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/cashback_backend/models"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
	// ErrConflict is a lost lock race (deadlock, lock wait timeout); the whole transaction may be retried.
	ErrConflict = errors.New("transaction conflict")
)

// Store runs units of work. Every read and write goes through a Tx so the gorm and
// in-memory backends share one contract.
type Store interface {
	Transaction(ctx context.Context, fn func(tx Tx) error) error
}

type DistributionFilter struct {
	PurchaseId  string
	AffiliateId string
	Blocked     *bool
}

type LedgerEventClaim struct {
	Now          time.Time
	StaleBefore  time.Time
	Limit        int
	DispatcherId string
	MaxAttempts  int
}

// Tx is a single transaction. Implementations must not be used after fn returns.
type Tx interface {
	GetAffiliate(id string) (*models.Affiliate, error)
	SaveAffiliate(a *models.Affiliate) error
	ListAffiliates() ([]models.Affiliate, error)
	CountActiveDirectReferrals(sponsorId string) (int, error)
	ListDirectReferrals(sponsorIds []string) ([]models.Affiliate, error)

	ListActiveCommissionLevels() ([]models.CommissionLevelSetting, error)
	ReplaceCommissionLevels(levels []models.CommissionLevelSetting) error

	GetPurchase(id string) (*models.Purchase, error)
	InsertPurchase(p *models.Purchase) error
	// SumPurchaseCashback totals base cashback of purchases of the given kind made by the given customers.
	SumPurchaseCashback(customerIds []string, kind models.CustomerKind) (decimal.Decimal, error)

	InsertDistribution(d *models.CommissionDistribution) error
	FindDistribution(purchaseId, affiliateId string, level int) (*models.CommissionDistribution, error)
	ListDistributions(filter DistributionFilter) ([]models.CommissionDistribution, error)
	SumBlockedDistributions(affiliateId string) (decimal.Decimal, error)
	// ReleaseBlockedDistributions unblocks every blocked row of the affiliate and returns the released total.
	ReleaseBlockedDistributions(affiliateId string, at time.Time) (decimal.Decimal, int, error)

	// LockLedgerAccount returns the account row locked for update, creating a zeroed one if absent.
	LockLedgerAccount(userId string) (*models.LedgerAccount, error)
	GetLedgerAccount(userId string) (*models.LedgerAccount, error)
	SaveLedgerAccount(a *models.LedgerAccount) error
	ListLedgerAccounts() ([]models.LedgerAccount, error)
	ResetMonthlyActivity() (int, error)

	InsertWithdrawal(w *models.WithdrawalRequest) error
	CountWithdrawalsInMonth(userId, month string) (int, error)
	LockWithdrawal(id string) (*models.WithdrawalRequest, error)
	SaveWithdrawal(w *models.WithdrawalRequest) error
	ListWithdrawalsByUser(userId string) ([]models.WithdrawalRequest, error)
	InsertWithdrawalAudit(l *models.WithdrawalAuditLog) error
	ListWithdrawalAudits(withdrawalId string) ([]models.WithdrawalAuditLog, error)

	CreateIdempotencyKey(k *models.IdempotencyKey) error
	GetIdempotencyKey(handlerName, messageId string) (*models.IdempotencyKey, error)
	UpdateIdempotencyKey(k *models.IdempotencyKey) error

	EnqueueLedgerEvent(e *models.LedgerEvent) error
	ClaimLedgerEvents(claim LedgerEventClaim) ([]models.LedgerEvent, error)
	MarkLedgerEventSent(id int, pubsubMessageId string, at time.Time) error
	MarkLedgerEventFailed(id int, msg string, nextAttemptAt *time.Time, dead bool) error
	// RequeueLedgerEvent makes a FAILED or DEAD event due again with a fresh attempt budget.
	RequeueLedgerEvent(id int, at time.Time) error
	ListLedgerEvents() ([]models.LedgerEvent, error)

	InsertReconciliationReport(r *models.ReconciliationReport) error
}
