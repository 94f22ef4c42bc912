package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/cashback_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	mysqlErrDuplicateEntry = 1062
	mysqlErrLockWait       = 1205
	mysqlErrDeadlock       = 1213
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	if s.db == nil {
		return errors.New("database is not connected")
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
	return classify(err)
}

// classify maps driver errors onto the package sentinels, keeping the original in the chain message.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) || errors.Is(err, ErrConflict) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrDuplicateEntry:
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		case mysqlErrDeadlock, mysqlErrLockWait:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

type gormTx struct {
	db *gorm.DB
}

type sumRow struct {
	Total decimal.Decimal
}

func (t *gormTx) GetAffiliate(id string) (*models.Affiliate, error) {
	var a models.Affiliate
	if err := t.db.Where("id = ?", id).First(&a).Error; err != nil {
		return nil, classify(err)
	}
	return &a, nil
}

func (t *gormTx) SaveAffiliate(a *models.Affiliate) error {
	return classify(t.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(a).Error)
}

func (t *gormTx) ListAffiliates() ([]models.Affiliate, error) {
	var list []models.Affiliate
	err := t.db.Order("id ASC").Find(&list).Error
	return list, classify(err)
}

func (t *gormTx) CountActiveDirectReferrals(sponsorId string) (int, error) {
	var n int64
	err := t.db.Model(&models.Affiliate{}).
		Where("sponsor_id = ? AND is_active = ?", sponsorId, true).
		Count(&n).Error
	return int(n), classify(err)
}

func (t *gormTx) ListDirectReferrals(sponsorIds []string) ([]models.Affiliate, error) {
	if len(sponsorIds) == 0 {
		return nil, nil
	}
	var list []models.Affiliate
	err := t.db.Where("sponsor_id IN ?", sponsorIds).Order("id ASC").Find(&list).Error
	return list, classify(err)
}

func (t *gormTx) ListActiveCommissionLevels() ([]models.CommissionLevelSetting, error) {
	var list []models.CommissionLevelSetting
	err := t.db.Where("is_active = ?", true).Order("level ASC").Find(&list).Error
	return list, classify(err)
}

func (t *gormTx) ReplaceCommissionLevels(levels []models.CommissionLevelSetting) error {
	if err := t.db.Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&models.CommissionLevelSetting{}).Error; err != nil {
		return classify(err)
	}
	if len(levels) == 0 {
		return nil
	}
	return classify(t.db.Create(&levels).Error)
}

func (t *gormTx) GetPurchase(id string) (*models.Purchase, error) {
	var p models.Purchase
	if err := t.db.Where("id = ?", id).First(&p).Error; err != nil {
		return nil, classify(err)
	}
	return &p, nil
}

func (t *gormTx) InsertPurchase(p *models.Purchase) error {
	return classify(t.db.Create(p).Error)
}

func (t *gormTx) SumPurchaseCashback(customerIds []string, kind models.CustomerKind) (decimal.Decimal, error) {
	if len(customerIds) == 0 {
		return decimal.Zero, nil
	}
	var row sumRow
	err := t.db.Model(&models.Purchase{}).
		Select("COALESCE(SUM(base_cashback), 0) AS total").
		Where("customer_id IN ? AND customer_kind = ?", customerIds, kind).
		Scan(&row).Error
	return row.Total, classify(err)
}

func (t *gormTx) InsertDistribution(d *models.CommissionDistribution) error {
	return classify(t.db.Create(d).Error)
}

func (t *gormTx) FindDistribution(purchaseId, affiliateId string, level int) (*models.CommissionDistribution, error) {
	var d models.CommissionDistribution
	err := t.db.Where("purchase_id = ? AND affiliate_id = ? AND level = ?", purchaseId, affiliateId, level).
		First(&d).Error
	if err != nil {
		return nil, classify(err)
	}
	return &d, nil
}

func (t *gormTx) ListDistributions(filter DistributionFilter) ([]models.CommissionDistribution, error) {
	q := t.db.Model(&models.CommissionDistribution{})
	if filter.PurchaseId != "" {
		q = q.Where("purchase_id = ?", filter.PurchaseId)
	}
	if filter.AffiliateId != "" {
		q = q.Where("affiliate_id = ?", filter.AffiliateId)
	}
	if filter.Blocked != nil {
		q = q.Where("is_blocked = ?", *filter.Blocked)
	}
	var list []models.CommissionDistribution
	err := q.Order("id ASC").Find(&list).Error
	return list, classify(err)
}

func (t *gormTx) SumBlockedDistributions(affiliateId string) (decimal.Decimal, error) {
	var row sumRow
	err := t.db.Model(&models.CommissionDistribution{}).
		Select("COALESCE(SUM(commission_amount), 0) AS total").
		Where("affiliate_id = ? AND is_blocked = ?", affiliateId, true).
		Scan(&row).Error
	return row.Total, classify(err)
}

func (t *gormTx) ReleaseBlockedDistributions(affiliateId string, at time.Time) (decimal.Decimal, int, error) {
	var blocked []models.CommissionDistribution
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("affiliate_id = ? AND is_blocked = ?", affiliateId, true).
		Find(&blocked).Error
	if err != nil {
		return decimal.Zero, 0, classify(err)
	}
	if len(blocked) == 0 {
		return decimal.Zero, 0, nil
	}
	total := decimal.Zero
	ids := make([]int, 0, len(blocked))
	for _, d := range blocked {
		total = total.Add(d.CommissionAmount)
		ids = append(ids, d.ID)
	}
	err = t.db.Model(&models.CommissionDistribution{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{"is_blocked": false, "released_at": at}).Error
	if err != nil {
		return decimal.Zero, 0, classify(err)
	}
	return total, len(ids), nil
}

func (t *gormTx) LockLedgerAccount(userId string) (*models.LedgerAccount, error) {
	seed := models.LedgerAccount{UserId: userId}
	if err := t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, classify(err)
	}
	var acc models.LedgerAccount
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userId).
		First(&acc).Error
	if err != nil {
		return nil, classify(err)
	}
	return &acc, nil
}

func (t *gormTx) GetLedgerAccount(userId string) (*models.LedgerAccount, error) {
	var acc models.LedgerAccount
	if err := t.db.Where("user_id = ?", userId).First(&acc).Error; err != nil {
		return nil, classify(err)
	}
	return &acc, nil
}

func (t *gormTx) SaveLedgerAccount(a *models.LedgerAccount) error {
	return classify(t.db.Save(a).Error)
}

func (t *gormTx) ListLedgerAccounts() ([]models.LedgerAccount, error) {
	var list []models.LedgerAccount
	err := t.db.Order("id ASC").Find(&list).Error
	return list, classify(err)
}

func (t *gormTx) ResetMonthlyActivity() (int, error) {
	res := t.db.Model(&models.LedgerAccount{}).
		Where("is_active_this_month = ?", true).
		Update("is_active_this_month", false)
	return int(res.RowsAffected), classify(res.Error)
}

func (t *gormTx) InsertWithdrawal(w *models.WithdrawalRequest) error {
	return classify(t.db.Create(w).Error)
}

func (t *gormTx) CountWithdrawalsInMonth(userId, month string) (int, error) {
	var n int64
	err := t.db.Model(&models.WithdrawalRequest{}).
		Where("user_id = ? AND request_month = ?", userId, month).
		Count(&n).Error
	return int(n), classify(err)
}

func (t *gormTx) LockWithdrawal(id string) (*models.WithdrawalRequest, error) {
	var w models.WithdrawalRequest
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&w).Error
	if err != nil {
		return nil, classify(err)
	}
	return &w, nil
}

func (t *gormTx) SaveWithdrawal(w *models.WithdrawalRequest) error {
	return classify(t.db.Save(w).Error)
}

func (t *gormTx) ListWithdrawalsByUser(userId string) ([]models.WithdrawalRequest, error) {
	var list []models.WithdrawalRequest
	err := t.db.Where("user_id = ?", userId).Order("created_at DESC").Find(&list).Error
	return list, classify(err)
}

func (t *gormTx) InsertWithdrawalAudit(l *models.WithdrawalAuditLog) error {
	return classify(t.db.Create(l).Error)
}

func (t *gormTx) ListWithdrawalAudits(withdrawalId string) ([]models.WithdrawalAuditLog, error) {
	var list []models.WithdrawalAuditLog
	err := t.db.Where("withdrawal_id = ?", withdrawalId).Order("id ASC").Find(&list).Error
	return list, classify(err)
}

func (t *gormTx) CreateIdempotencyKey(k *models.IdempotencyKey) error {
	return classify(t.db.Create(k).Error)
}

func (t *gormTx) GetIdempotencyKey(handlerName, messageId string) (*models.IdempotencyKey, error) {
	var k models.IdempotencyKey
	err := t.db.Where("handler_name = ? AND message_id = ?", handlerName, messageId).First(&k).Error
	if err != nil {
		return nil, classify(err)
	}
	return &k, nil
}

func (t *gormTx) UpdateIdempotencyKey(k *models.IdempotencyKey) error {
	return classify(t.db.Model(&models.IdempotencyKey{}).
		Where("handler_name = ? AND message_id = ?", k.HandlerName, k.MessageId).
		Updates(map[string]interface{}{"status": k.Status, "last_error": k.LastError}).Error)
}

func (t *gormTx) EnqueueLedgerEvent(e *models.LedgerEvent) error {
	if e.PublishStatus == "" {
		e.PublishStatus = models.OutboxPublishStatusPending
	}
	return classify(t.db.Create(e).Error)
}

func (t *gormTx) ClaimLedgerEvents(c LedgerEventClaim) ([]models.LedgerEvent, error) {
	var claimed []models.LedgerEvent
	// Eligible:
	// - PENDING / FAILED and ready to retry
	// - PROCESSING but the lock is stale (dispatcher crashed mid-batch)
	err := t.db.
		Where(`
			(
				publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			)
			OR
			(
				publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
			)
		`, []string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}, c.Now,
			models.OutboxPublishStatusProcessing, c.StaleBefore).
		Order("id ASC").
		Limit(c.Limit).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Find(&claimed).Error
	if err != nil {
		return nil, classify(err)
	}
	for i := range claimed {
		if c.MaxAttempts > 0 && claimed[i].PublishAttempts >= c.MaxAttempts {
			msg := fmt.Sprintf("max publish attempts exceeded (%d)", c.MaxAttempts)
			claimed[i].PublishStatus = models.OutboxPublishStatusDead
			claimed[i].LastPublishError = &msg
			if err := t.db.Model(&models.LedgerEvent{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusDead,
				"last_publish_error": &msg,
				"next_attempt_at":    nil,
				"locked_at":          nil,
				"locked_by":          nil,
			}).Error; err != nil {
				return nil, classify(err)
			}
			continue
		}
		now := c.Now
		by := c.DispatcherId
		claimed[i].PublishStatus = models.OutboxPublishStatusProcessing
		claimed[i].LockedAt = &now
		claimed[i].LockedBy = &by
		claimed[i].PublishAttempts++
		claimed[i].LastPublishError = nil
		if err := t.db.Model(&models.LedgerEvent{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusProcessing,
			"locked_at":          &now,
			"locked_by":          &by,
			"publish_attempts":   gorm.Expr("publish_attempts + 1"),
			"last_publish_error": nil,
			"next_attempt_at":    nil,
		}).Error; err != nil {
			return nil, classify(err)
		}
	}
	return claimed, nil
}

func (t *gormTx) MarkLedgerEventSent(id int, pubsubMessageId string, at time.Time) error {
	return classify(t.db.Model(&models.LedgerEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"publish_status":     models.OutboxPublishStatusSent,
		"published_at":       &at,
		"pub_sub_message_id": &pubsubMessageId,
		"locked_at":          nil,
		"locked_by":          nil,
		"next_attempt_at":    nil,
	}).Error)
}

func (t *gormTx) MarkLedgerEventFailed(id int, msg string, nextAttemptAt *time.Time, dead bool) error {
	status := models.OutboxPublishStatusFailed
	if dead {
		status = models.OutboxPublishStatusDead
		nextAttemptAt = nil
	}
	return classify(t.db.Model(&models.LedgerEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"publish_status":     status,
		"last_publish_error": &msg,
		"next_attempt_at":    nextAttemptAt,
		"locked_at":          nil,
		"locked_by":          nil,
	}).Error)
}

func (t *gormTx) RequeueLedgerEvent(id int, at time.Time) error {
	res := t.db.Model(&models.LedgerEvent{}).
		Where("id = ? AND publish_status IN ?", id, []string{models.OutboxPublishStatusFailed, models.OutboxPublishStatusDead}).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusFailed,
			"publish_attempts":   0,
			"next_attempt_at":    &at,
			"locked_at":          nil,
			"locked_by":          nil,
			"last_publish_error": nil,
		})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *gormTx) ListLedgerEvents() ([]models.LedgerEvent, error) {
	var list []models.LedgerEvent
	err := t.db.Order("id ASC").Find(&list).Error
	return list, classify(err)
}

func (t *gormTx) InsertReconciliationReport(r *models.ReconciliationReport) error {
	return classify(t.db.Create(r).Error)
}
