package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/cashback_backend/models"
	"github.com/mmdatafocus/cashback_backend/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	boom := errors.New("boom")

	err := s.Transaction(ctx, func(tx store.Tx) error {
		acc, err := tx.LockLedgerAccount("u1")
		require.NoError(t, err)
		acc.TotalEarnings = decimal.NewFromInt(10)
		require.NoError(t, tx.SaveLedgerAccount(acc))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.Transaction(ctx, func(tx store.Tx) error {
		_, err := tx.GetLedgerAccount("u1")
		return err
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStore_DistributionUniqueness(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	row := func() *models.CommissionDistribution {
		return &models.CommissionDistribution{
			PurchaseId:       "p1",
			AffiliateId:      "a1",
			Level:            0,
			CommissionAmount: decimal.RequireFromString("7"),
		}
	}
	require.NoError(t, s.Transaction(ctx, func(tx store.Tx) error { return tx.InsertDistribution(row()) }))
	err := s.Transaction(ctx, func(tx store.Tx) error { return tx.InsertDistribution(row()) })
	require.ErrorIs(t, err, store.ErrDuplicate)
}

func TestMemoryStore_ReleaseBlockedDistributions(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	at := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Transaction(ctx, func(tx store.Tx) error {
		for i, amt := range []string{"1.5", "2.25"} {
			if err := tx.InsertDistribution(&models.CommissionDistribution{
				PurchaseId:       []string{"p1", "p2"}[i],
				AffiliateId:      "b",
				Level:            2,
				CommissionAmount: decimal.RequireFromString(amt),
				IsBlocked:        true,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.Transaction(ctx, func(tx store.Tx) error {
		sum, n, err := tx.ReleaseBlockedDistributions("b", at)
		require.NoError(t, err)
		require.Equal(t, 2, n)
		require.True(t, sum.Equal(decimal.RequireFromString("3.75")))

		left, err := tx.SumBlockedDistributions("b")
		require.NoError(t, err)
		require.True(t, left.IsZero())

		rows, err := tx.ListDistributions(store.DistributionFilter{AffiliateId: "b"})
		require.NoError(t, err)
		for _, r := range rows {
			require.False(t, r.IsBlocked)
			require.NotNil(t, r.ReleasedAt)
			require.True(t, r.ReleasedAt.Equal(at))
		}
		return nil
	}))
}

func TestMemoryStore_OneWithdrawalPerMonth(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	insert := func(id string) error {
		return s.Transaction(ctx, func(tx store.Tx) error {
			return tx.InsertWithdrawal(&models.WithdrawalRequest{
				ID:           id,
				UserId:       "u1",
				RequestMonth: "2024-03",
				Status:       models.WithdrawalStatusPending,
			})
		})
	}
	require.NoError(t, insert("w1"))
	require.ErrorIs(t, insert("w2"), store.ErrDuplicate)
}

func TestMemoryStore_ClaimLedgerEvents(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	now := time.Now().UTC()
	later := now.Add(time.Hour)

	require.NoError(t, s.Transaction(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.EnqueueLedgerEvent(&models.LedgerEvent{EventType: "a", AggregateId: "1"}))
		require.NoError(t, tx.EnqueueLedgerEvent(&models.LedgerEvent{EventType: "b", AggregateId: "2", NextAttemptAt: &later}))
		return nil
	}))

	var claimed []models.LedgerEvent
	require.NoError(t, s.Transaction(ctx, func(tx store.Tx) error {
		var err error
		claimed, err = tx.ClaimLedgerEvents(store.LedgerEventClaim{Now: now, StaleBefore: now.Add(-time.Minute), Limit: 10, DispatcherId: "d1"})
		return err
	}))
	require.Len(t, claimed, 1)
	require.Equal(t, "a", claimed[0].EventType)
	require.Equal(t, models.OutboxPublishStatusProcessing, claimed[0].PublishStatus)
	require.Equal(t, 1, claimed[0].PublishAttempts)

	// A fresh PROCESSING lock is not reclaimed.
	require.NoError(t, s.Transaction(ctx, func(tx store.Tx) error {
		again, err := tx.ClaimLedgerEvents(store.LedgerEventClaim{Now: now, StaleBefore: now.Add(-time.Minute), Limit: 10, DispatcherId: "d2"})
		require.Len(t, again, 0)
		return err
	}))
}
