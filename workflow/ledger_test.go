package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/cashback_backend/models"
	"github.com/mmdatafocus/cashback_backend/store"
	"github.com/stretchr/testify/require"
)

func TestLedger_CreditSplitsByEligibility(t *testing.T) {
	env := newTestEnv(t)
	env.addAffiliate(t, "A", "", true)
	ctx := context.Background()

	change, err := env.ledger.Credit(ctx, "A", dec("10"), true)
	require.NoError(t, err)
	requireDecimal(t, "0", change.Before.TotalEarnings)
	requireDecimal(t, "10", change.After.AvailableBalance)

	change, err = env.ledger.Credit(ctx, "A", dec("4"), false)
	require.NoError(t, err)
	requireDecimal(t, "10", change.Before.TotalEarnings)

	bal := env.balance(t, "A")
	require.Equal(t, "user-A", bal.UserId)
	requireDecimal(t, "14", bal.TotalEarnings)
	requireDecimal(t, "10", bal.AvailableBalance)
	requireDecimal(t, "4", bal.FrozenBalance)
	require.True(t, bal.IsActiveThisMonth)
}

func TestLedger_FreezeUnfreezeDebit(t *testing.T) {
	env := newTestEnv(t)
	env.addAffiliate(t, "A", "", true)
	ctx := context.Background()
	_, err := env.ledger.Credit(ctx, "A", dec("100"), true)
	require.NoError(t, err)

	_, err = env.ledger.Freeze(ctx, "A", dec("100.01"))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	change, err := env.ledger.Freeze(ctx, "A", dec("40"))
	require.NoError(t, err)
	requireDecimal(t, "100", change.Before.AvailableBalance)
	requireDecimal(t, "60", change.After.AvailableBalance)
	requireDecimal(t, "40", change.After.FrozenBalance)

	_, err = env.ledger.Unfreeze(ctx, "A", dec("10"))
	require.NoError(t, err)

	change, err = env.ledger.Debit(ctx, "A", dec("30"))
	require.NoError(t, err)
	requireDecimal(t, "70", change.After.AvailableBalance)
	requireDecimal(t, "0", change.After.FrozenBalance)
	requireDecimal(t, "30", change.After.WithdrawnTotal)
	requireDecimal(t, "100", change.After.TotalEarnings)

	_, err = env.ledger.Debit(ctx, "A", dec("1"))
	require.ErrorIs(t, err, ErrInsufficientFunds)
	_, err = env.ledger.Freeze(ctx, "A", dec("0"))
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestLedger_ReleaseBlocked(t *testing.T) {
	env := newTestEnv(t)
	env.addAffiliate(t, "B", "", true)
	ctx := context.Background()

	require.NoError(t, env.ledger.Transact(ctx, func(tx store.Tx) error {
		if err := tx.InsertDistribution(&models.CommissionDistribution{
			PurchaseId: "p1", AffiliateId: "B", Level: 2, CommissionAmount: dec("5"), IsBlocked: true,
		}); err != nil {
			return err
		}
		_, err := env.ledger.CreditTx(tx, "user-B", dec("5"), false)
		return err
	}))

	change, released, err := env.ledger.ReleaseBlocked(ctx, "B")
	require.NoError(t, err)
	requireDecimal(t, "5", released)
	requireDecimal(t, "5", change.Before.FrozenBalance)
	requireDecimal(t, "0", change.After.FrozenBalance)
	requireDecimal(t, "5", change.After.AvailableBalance)

	_, released, err = env.ledger.ReleaseBlocked(ctx, "B")
	require.NoError(t, err)
	require.True(t, released.IsZero())
}

func TestLedger_RetriesConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.addAffiliate(t, "A", "", true)
	flaky := &flakyStore{Store: env.store, failures: 2}
	l := &Ledger{Store: flaky, Logger: quietLogger(), MaxRetries: 3, RetryInterval: time.Millisecond}

	_, err := l.Credit(context.Background(), "A", dec("1"), true)
	require.NoError(t, err)
	require.Equal(t, 3, flaky.calls)
	requireDecimal(t, "1", env.balance(t, "A").TotalEarnings)
}

func TestLedger_GivesUpAfterMaxRetries(t *testing.T) {
	env := newTestEnv(t)
	env.addAffiliate(t, "A", "", true)
	flaky := &flakyStore{Store: env.store, failures: 10}
	l := &Ledger{Store: flaky, Logger: quietLogger(), MaxRetries: 2, RetryInterval: time.Millisecond}

	_, err := l.Credit(context.Background(), "A", dec("1"), true)
	require.ErrorIs(t, err, store.ErrConflict)
	require.Equal(t, 3, flaky.calls)
}

func TestLedger_DoesNotRetryOtherErrors(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.ledger.Credit(context.Background(), "nobody", dec("1"), true)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestLedger_ReadUnknownAndFreshAffiliates(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.ledger.Read(context.Background(), "nobody")
	require.ErrorIs(t, err, store.ErrNotFound)

	env.addAffiliate(t, "A", "", true)
	bal, err := env.ledger.GetBalance(context.Background(), "A")
	require.NoError(t, err)
	require.True(t, bal.TotalEarnings.IsZero())
	require.False(t, bal.IsActiveThisMonth)
}

func TestLedger_DerivedTotalEarnings(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlatPolicy(t)
	setupThreeLevelChain(t, env)
	ctx := context.Background()

	// No rows yet: 7% of own purchases.
	require.NoError(t, env.store.Transaction(ctx, func(tx store.Tx) error {
		if err := tx.InsertPurchase(&models.Purchase{ID: "old", CustomerId: "user-P", CustomerKind: models.CustomerKindAffiliate, BaseCashback: dec("200")}); err != nil {
			return err
		}
		// Bought before joining; never paid out.
		return tx.InsertPurchase(&models.Purchase{ID: "older", CustomerId: "user-P", CustomerKind: models.CustomerKindUser, BaseCashback: dec("500")})
	}))
	derived, err := env.ledger.DerivedTotalEarnings(ctx, "P")
	require.NoError(t, err)
	requireDecimal(t, "14", derived)

	env.engine.Distribute(ctx, purchase("p1", "P", "100"))

	derived, err = env.ledger.DerivedTotalEarnings(ctx, "P")
	require.NoError(t, err)
	requireDecimal(t, "7", derived)

	// Blocked rows are not counted.
	derived, err = env.ledger.DerivedTotalEarnings(ctx, "B")
	require.NoError(t, err)
	requireDecimal(t, "0", derived)
}

func TestLedger_ResetMonthlyActivity(t *testing.T) {
	env := newTestEnv(t)
	env.addAffiliate(t, "A", "", true)
	env.addAffiliate(t, "B", "", true)
	ctx := context.Background()
	_, err := env.ledger.Credit(ctx, "A", dec("1"), true)
	require.NoError(t, err)
	_, err = env.ledger.Credit(ctx, "B", dec("1"), false)
	require.NoError(t, err)

	n, err := env.ledger.ResetMonthlyActivity(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.False(t, env.balance(t, "A").IsActiveThisMonth)
	requireDecimal(t, "1", env.balance(t, "A").AvailableBalance)
}
