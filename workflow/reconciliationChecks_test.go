package workflow

import (
	"context"
	"testing"

	"github.com/mmdatafocus/cashback_backend/models"
	"github.com/mmdatafocus/cashback_backend/store"
	"github.com/stretchr/testify/require"
)

func TestRunLedgerReconciliation_CleanAfterDistribution(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlatPolicy(t)
	env.addAffiliate(t, "B", "", true)
	env.addAffiliate(t, "A", "B", true)
	env.addAffiliate(t, "P", "A", true)

	summary := env.engine.Distribute(context.Background(), purchase("p-1", "P", "100"))
	require.False(t, summary.Aborted)

	reports, err := RunLedgerReconciliation(context.Background(), env.store, quietLogger())
	require.NoError(t, err)
	require.Empty(t, reports)
	require.Empty(t, env.store.Reports())
}

func TestRunLedgerReconciliation_ReportsTamperedAccount(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlatPolicy(t)
	env.addAffiliate(t, "A", "", true)
	env.addAffiliate(t, "P", "A", true)
	env.engine.Distribute(context.Background(), purchase("p-1", "P", "100"))

	require.NoError(t, env.store.Transaction(context.Background(), func(tx store.Tx) error {
		acc, err := tx.LockLedgerAccount("user-A")
		if err != nil {
			return err
		}
		acc.TotalEarnings = dec("10")
		return tx.SaveLedgerAccount(acc)
	}))

	reports, err := RunLedgerReconciliation(context.Background(), env.store, quietLogger())
	require.NoError(t, err)
	require.Len(t, reports, 2)
	require.Equal(t, models.ReconciliationCheckTotalEarnings, reports[0].CheckType)
	require.Equal(t, models.ReconciliationCheckBalanceIdentity, reports[1].CheckType)
	require.Equal(t, "A", reports[0].EntityId)
	require.Equal(t, reports[0].CorrelationId, reports[1].CorrelationId)
	require.Contains(t, reports[0].Details, `"stored_released":"10"`)
	require.Len(t, env.store.Reports(), 2)

	// Balances are left untouched.
	requireDecimal(t, "10", env.balance(t, "A").TotalEarnings)
}
