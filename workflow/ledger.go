package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mmdatafocus/cashback_backend/config"
	"github.com/mmdatafocus/cashback_backend/models"
	"github.com/mmdatafocus/cashback_backend/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Share of a purchase's base cashback assumed to have reached the purchaser at level 0,
// used only by the derived earnings check when no distribution rows exist.
var derivedOwnPurchaseRate = decimal.RequireFromString("0.07")

// Balance is the ledger's view of one affiliate.
type Balance struct {
	UserId            string          `json:"user_id"`
	TotalEarnings     decimal.Decimal `json:"total_earnings"`
	AvailableBalance  decimal.Decimal `json:"available_balance"`
	FrozenBalance     decimal.Decimal `json:"frozen_balance"`
	WithdrawnTotal    decimal.Decimal `json:"withdrawn_total"`
	IsActiveThisMonth bool            `json:"is_active_this_month"`
}

// BalanceChange carries the figures an audit log needs around one mutation.
type BalanceChange struct {
	Before Balance `json:"before"`
	After  Balance `json:"after"`
}

func balanceOf(acc *models.LedgerAccount) Balance {
	return Balance{
		UserId:            acc.UserId,
		TotalEarnings:     acc.TotalEarnings,
		AvailableBalance:  acc.AvailableBalance,
		FrozenBalance:     acc.FrozenBalance,
		WithdrawnTotal:    acc.WithdrawnTotal,
		IsActiveThisMonth: acc.IsActiveThisMonth,
	}
}

// Ledger owns every mutation of LedgerAccount rows. Each public mutation is one transaction
// that locks the account row; lost lock races are retried here and never reach the caller.
type Ledger struct {
	Store  store.Store
	Logger *logrus.Logger

	MaxRetries    uint64
	RetryInterval time.Duration
	Now           func() time.Time
}

func NewLedger(s store.Store, logger *logrus.Logger) *Ledger {
	return &Ledger{
		Store:         s,
		Logger:        logger,
		MaxRetries:    config.LedgerMaxRetries(),
		RetryInterval: 50 * time.Millisecond,
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now().UTC()
}

// Transact runs fn in one store transaction, retrying the whole unit on store.ErrConflict.
func (l *Ledger) Transact(ctx context.Context, fn func(tx store.Tx) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b := backoff.NewExponentialBackOff()
	if l.RetryInterval > 0 {
		b.InitialInterval = l.RetryInterval
	}
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := l.Store.Transaction(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrConflict) {
			if l.Logger != nil {
				l.Logger.WithFields(logrus.Fields{
					"field":   "Ledger",
					"attempt": attempt,
				}).Warn("ledger transaction conflict, retrying: " + err.Error())
			}
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, l.MaxRetries), ctx))
}

func resolveLedgerKey(tx store.Tx, affiliateId string) (*models.Affiliate, error) {
	a, err := tx.GetAffiliate(affiliateId)
	if err != nil {
		return nil, fmt.Errorf("affiliate %s: %w", affiliateId, err)
	}
	return a, nil
}

// Credit adds a commission. Eligible amounts land in available, others in frozen.
func (l *Ledger) Credit(ctx context.Context, affiliateId string, amount decimal.Decimal, eligible bool) (BalanceChange, error) {
	var change BalanceChange
	err := l.Transact(ctx, func(tx store.Tx) error {
		a, err := resolveLedgerKey(tx, affiliateId)
		if err != nil {
			return err
		}
		change, err = l.CreditTx(tx, a.LedgerKey(), amount, eligible)
		return err
	})
	return change, err
}

// ReleaseBlocked moves the affiliate's blocked commissions from frozen to available.
func (l *Ledger) ReleaseBlocked(ctx context.Context, affiliateId string) (BalanceChange, decimal.Decimal, error) {
	var (
		change   BalanceChange
		released decimal.Decimal
	)
	err := l.Transact(ctx, func(tx store.Tx) error {
		a, err := resolveLedgerKey(tx, affiliateId)
		if err != nil {
			return err
		}
		change, released, err = l.ReleaseBlockedTx(tx, a.ID, a.LedgerKey())
		return err
	})
	return change, released, err
}

func (l *Ledger) Debit(ctx context.Context, affiliateId string, amount decimal.Decimal) (BalanceChange, error) {
	return l.mutate(ctx, affiliateId, amount, l.DebitTx)
}

func (l *Ledger) Freeze(ctx context.Context, affiliateId string, amount decimal.Decimal) (BalanceChange, error) {
	return l.mutate(ctx, affiliateId, amount, l.FreezeTx)
}

func (l *Ledger) Unfreeze(ctx context.Context, affiliateId string, amount decimal.Decimal) (BalanceChange, error) {
	return l.mutate(ctx, affiliateId, amount, l.UnfreezeTx)
}

func (l *Ledger) mutate(ctx context.Context, affiliateId string, amount decimal.Decimal,
	op func(tx store.Tx, userId string, amount decimal.Decimal) (BalanceChange, error)) (BalanceChange, error) {
	var change BalanceChange
	err := l.Transact(ctx, func(tx store.Tx) error {
		a, err := resolveLedgerKey(tx, affiliateId)
		if err != nil {
			return err
		}
		change, err = op(tx, a.LedgerKey(), amount)
		return err
	})
	return change, err
}

// Read returns the stored counters. An affiliate that never earned reads as zero.
func (l *Ledger) Read(ctx context.Context, affiliateId string) (Balance, error) {
	var bal Balance
	err := l.Store.Transaction(ctx, func(tx store.Tx) error {
		a, err := resolveLedgerKey(tx, affiliateId)
		if err != nil {
			return err
		}
		acc, err := tx.GetLedgerAccount(a.LedgerKey())
		if errors.Is(err, store.ErrNotFound) {
			bal = Balance{UserId: a.LedgerKey()}
			return nil
		}
		if err != nil {
			return err
		}
		bal = balanceOf(acc)
		return nil
	})
	return bal, err
}

// GetBalance is the query surface for balance display.
func (l *Ledger) GetBalance(ctx context.Context, affiliateId string) (Balance, error) {
	return l.Read(ctx, affiliateId)
}

func (l *Ledger) CreditTx(tx store.Tx, userId string, amount decimal.Decimal, eligible bool) (BalanceChange, error) {
	if amount.IsNegative() {
		return BalanceChange{}, ErrInvalidAmount
	}
	acc, err := tx.LockLedgerAccount(userId)
	if err != nil {
		return BalanceChange{}, err
	}
	change := BalanceChange{Before: balanceOf(acc)}
	acc.TotalEarnings = acc.TotalEarnings.Add(amount)
	if eligible {
		acc.AvailableBalance = acc.AvailableBalance.Add(amount)
	} else {
		acc.FrozenBalance = acc.FrozenBalance.Add(amount)
	}
	acc.IsActiveThisMonth = true
	if err := tx.SaveLedgerAccount(acc); err != nil {
		return BalanceChange{}, err
	}
	change.After = balanceOf(acc)
	return change, nil
}

// ReleaseBlockedTx unblocks every blocked distribution row of affiliateId and moves their sum
// from frozen to available on userId's account, inside the caller's transaction.
func (l *Ledger) ReleaseBlockedTx(tx store.Tx, affiliateId, userId string) (BalanceChange, decimal.Decimal, error) {
	acc, err := tx.LockLedgerAccount(userId)
	if err != nil {
		return BalanceChange{}, decimal.Zero, err
	}
	change := BalanceChange{Before: balanceOf(acc), After: balanceOf(acc)}
	released, n, err := tx.ReleaseBlockedDistributions(affiliateId, l.now())
	if err != nil {
		return BalanceChange{}, decimal.Zero, err
	}
	if n == 0 {
		return change, decimal.Zero, nil
	}
	acc.FrozenBalance = acc.FrozenBalance.Sub(released)
	acc.AvailableBalance = acc.AvailableBalance.Add(released)
	if err := tx.SaveLedgerAccount(acc); err != nil {
		return BalanceChange{}, decimal.Zero, err
	}
	change.After = balanceOf(acc)
	return change, released, nil
}

// DebitTx settles an approved withdrawal: the amount leaves frozen and is counted as withdrawn.
func (l *Ledger) DebitTx(tx store.Tx, userId string, amount decimal.Decimal) (BalanceChange, error) {
	if !amount.IsPositive() {
		return BalanceChange{}, ErrInvalidAmount
	}
	acc, err := tx.LockLedgerAccount(userId)
	if err != nil {
		return BalanceChange{}, err
	}
	if acc.FrozenBalance.LessThan(amount) {
		return BalanceChange{}, ErrInsufficientFunds
	}
	change := BalanceChange{Before: balanceOf(acc)}
	acc.FrozenBalance = acc.FrozenBalance.Sub(amount)
	acc.WithdrawnTotal = acc.WithdrawnTotal.Add(amount)
	if err := tx.SaveLedgerAccount(acc); err != nil {
		return BalanceChange{}, err
	}
	change.After = balanceOf(acc)
	return change, nil
}

func (l *Ledger) FreezeTx(tx store.Tx, userId string, amount decimal.Decimal) (BalanceChange, error) {
	if !amount.IsPositive() {
		return BalanceChange{}, ErrInvalidAmount
	}
	acc, err := tx.LockLedgerAccount(userId)
	if err != nil {
		return BalanceChange{}, err
	}
	if acc.AvailableBalance.LessThan(amount) {
		return BalanceChange{}, ErrInsufficientFunds
	}
	change := BalanceChange{Before: balanceOf(acc)}
	acc.AvailableBalance = acc.AvailableBalance.Sub(amount)
	acc.FrozenBalance = acc.FrozenBalance.Add(amount)
	if err := tx.SaveLedgerAccount(acc); err != nil {
		return BalanceChange{}, err
	}
	change.After = balanceOf(acc)
	return change, nil
}

func (l *Ledger) UnfreezeTx(tx store.Tx, userId string, amount decimal.Decimal) (BalanceChange, error) {
	if !amount.IsPositive() {
		return BalanceChange{}, ErrInvalidAmount
	}
	acc, err := tx.LockLedgerAccount(userId)
	if err != nil {
		return BalanceChange{}, err
	}
	if acc.FrozenBalance.LessThan(amount) {
		return BalanceChange{}, ErrInsufficientFunds
	}
	change := BalanceChange{Before: balanceOf(acc)}
	acc.FrozenBalance = acc.FrozenBalance.Sub(amount)
	acc.AvailableBalance = acc.AvailableBalance.Add(amount)
	if err := tx.SaveLedgerAccount(acc); err != nil {
		return BalanceChange{}, err
	}
	change.After = balanceOf(acc)
	return change, nil
}

// DerivedTotalEarnings recomputes earnings from the audit trail: the sum of the affiliate's
// non-blocked distribution rows, or 7% of their own purchases when no such rows exist.
// It is a consistency check only; the stored counters stay authoritative.
func (l *Ledger) DerivedTotalEarnings(ctx context.Context, affiliateId string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := l.Store.Transaction(ctx, func(tx store.Tx) error {
		a, err := resolveLedgerKey(tx, affiliateId)
		if err != nil {
			return err
		}
		total, err = derivedTotalEarningsTx(tx, a)
		return err
	})
	return total, err
}

func derivedTotalEarningsTx(tx store.Tx, a *models.Affiliate) (decimal.Decimal, error) {
	released := false
	rows, err := tx.ListDistributions(store.DistributionFilter{AffiliateId: a.ID, Blocked: &released})
	if err != nil {
		return decimal.Zero, err
	}
	if len(rows) > 0 {
		total := decimal.Zero
		for _, r := range rows {
			total = total.Add(r.CommissionAmount)
		}
		return total, nil
	}
	customerIds := []string{a.ID}
	if a.UserId != "" && a.UserId != a.ID {
		customerIds = append(customerIds, a.UserId)
	}
	spent, err := tx.SumPurchaseCashback(customerIds, models.CustomerKindAffiliate)
	if err != nil {
		return decimal.Zero, err
	}
	return spent.Mul(derivedOwnPurchaseRate).Round(4), nil
}

// ResetMonthlyActivity clears is_active_this_month on every account; run at the start of a month.
func (l *Ledger) ResetMonthlyActivity(ctx context.Context) (int, error) {
	var n int
	err := l.Transact(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.ResetMonthlyActivity()
		return err
	})
	if err != nil {
		config.LogError(l.Logger, "Ledger.go", "ResetMonthlyActivity", "Resetting monthly activity", nil, err)
	}
	return n, err
}
