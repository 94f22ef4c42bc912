package workflow

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/mmdatafocus/cashback_backend/models"
	"github.com/mmdatafocus/cashback_backend/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type earningsMismatch struct {
	UserId          string          `json:"user_id"`
	StoredTotal     decimal.Decimal `json:"stored_total"`
	BlockedTotal    decimal.Decimal `json:"blocked_total"`
	StoredReleased  decimal.Decimal `json:"stored_released"`
	DerivedReleased decimal.Decimal `json:"derived_released"`
}

type identityMismatch struct {
	UserId           string          `json:"user_id"`
	TotalEarnings    decimal.Decimal `json:"total_earnings"`
	BlockedTotal     decimal.Decimal `json:"blocked_total"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	FrozenBalance    decimal.Decimal `json:"frozen_balance"`
	WithdrawnTotal   decimal.Decimal `json:"withdrawn_total"`
}

// RunLedgerReconciliation writes mismatch rows to reconciliation_reports.
// This is intended to be run on a schedule (nightly) or via an admin trigger.
// Balances are never corrected here.
func RunLedgerReconciliation(ctx context.Context, s store.Store, logger *logrus.Logger) ([]models.ReconciliationReport, error) {
	correlationId := uuid.NewString()
	var reports []models.ReconciliationReport

	err := s.Transaction(ctx, func(tx store.Tx) error {
		affiliates, err := tx.ListAffiliates()
		if err != nil {
			return err
		}
		for i := range affiliates {
			a := &affiliates[i]
			acc, err := tx.GetLedgerAccount(a.LedgerKey())
			if errors.Is(err, store.ErrNotFound) {
				acc = &models.LedgerAccount{UserId: a.LedgerKey()}
			} else if err != nil {
				return err
			}

			blocked, err := tx.SumBlockedDistributions(a.ID)
			if err != nil {
				return err
			}
			derived, err := derivedTotalEarningsTx(tx, a)
			if err != nil {
				return err
			}
			storedReleased := acc.TotalEarnings.Sub(blocked)
			if !storedReleased.Equal(derived) {
				r, err := newReport(models.ReconciliationCheckTotalEarnings, a.ID, correlationId, earningsMismatch{
					UserId:          acc.UserId,
					StoredTotal:     acc.TotalEarnings,
					BlockedTotal:    blocked,
					StoredReleased:  storedReleased,
					DerivedReleased: derived,
				})
				if err != nil {
					return err
				}
				if err := tx.InsertReconciliationReport(r); err != nil {
					return err
				}
				reports = append(reports, *r)
			}

			// Blocked credits sit in frozen until released.
			sum := acc.AvailableBalance.Add(acc.FrozenBalance).Add(acc.WithdrawnTotal)
			if !acc.TotalEarnings.Equal(sum) {
				r, err := newReport(models.ReconciliationCheckBalanceIdentity, a.ID, correlationId, identityMismatch{
					UserId:           acc.UserId,
					TotalEarnings:    acc.TotalEarnings,
					BlockedTotal:     blocked,
					AvailableBalance: acc.AvailableBalance,
					FrozenBalance:    acc.FrozenBalance,
					WithdrawnTotal:   acc.WithdrawnTotal,
				})
				if err != nil {
					return err
				}
				if err := tx.InsertReconciliationReport(r); err != nil {
					return err
				}
				reports = append(reports, *r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":          "ReconciliationChecks",
			"correlation_id": correlationId,
			"mismatches":     len(reports),
		}).Info("ledger reconciliation checks completed")
	}
	return reports, nil
}

func newReport(checkType, affiliateId, correlationId string, details any) (*models.ReconciliationReport, error) {
	b, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	return &models.ReconciliationReport{
		CheckType:     checkType,
		EntityType:    "affiliate",
		EntityId:      affiliateId,
		Details:       string(b),
		CorrelationId: correlationId,
	}, nil
}
