package workflow

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/mmdatafocus/cashback_backend/models"
	"github.com/mmdatafocus/cashback_backend/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store       *store.MemoryStore
	ledger      *Ledger
	policy      *CommissionPolicy
	engine      *CommissionEngine
	withdrawals *WithdrawalService
	now         time.Time
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store: store.NewMemoryStore(),
		now:   time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	logger := quietLogger()
	clock := func() time.Time { return env.now }

	env.ledger = &Ledger{Store: env.store, Logger: logger, MaxRetries: 3, RetryInterval: time.Millisecond, Now: clock}
	env.policy = &CommissionPolicy{Store: env.store, Logger: logger}
	env.engine = NewCommissionEngine(env.store, env.policy, env.ledger, nil, logger)
	env.engine.Now = clock
	env.withdrawals = &WithdrawalService{
		Store:      env.store,
		Ledger:     env.ledger,
		Logger:     logger,
		Now:        clock,
		Location:   time.UTC,
		WindowDays: []int{10, 15},
	}
	return env
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got.String(), msgAndArgs)
}

func (env *testEnv) addAffiliate(t *testing.T, id, sponsor string, active bool) {
	t.Helper()
	a := models.Affiliate{
		ID:       id,
		UserId:   "user-" + id,
		Name:     id,
		PixKey:   "pix-" + id,
		IsActive: &active,
	}
	if sponsor != "" {
		s := sponsor
		a.SponsorId = &s
	}
	require.NoError(t, env.store.Transaction(context.Background(), func(tx store.Tx) error {
		return tx.SaveAffiliate(&a)
	}))
}

// addReferrals gives sponsor n active direct referrals named <sponsor>-ref-<i>.
func (env *testEnv) addReferrals(t *testing.T, sponsor string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		env.addAffiliate(t, sponsor+"-ref-"+string(rune('a'+i)), sponsor, true)
	}
}

func (env *testEnv) seedFlatPolicy(t *testing.T) {
	t.Helper()
	_, err := env.policy.Replace(context.Background(), DefaultCommissionLevels())
	require.NoError(t, err)
}

func (env *testEnv) distributions(t *testing.T, filter store.DistributionFilter) []models.CommissionDistribution {
	t.Helper()
	var rows []models.CommissionDistribution
	require.NoError(t, env.store.Transaction(context.Background(), func(tx store.Tx) error {
		var err error
		rows, err = tx.ListDistributions(filter)
		return err
	}))
	return rows
}

func (env *testEnv) balance(t *testing.T, affiliateId string) Balance {
	t.Helper()
	b, err := env.ledger.Read(context.Background(), affiliateId)
	require.NoError(t, err)
	return b
}

func (env *testEnv) events(t *testing.T) []models.LedgerEvent {
	t.Helper()
	var list []models.LedgerEvent
	require.NoError(t, env.store.Transaction(context.Background(), func(tx store.Tx) error {
		var err error
		list, err = tx.ListLedgerEvents()
		return err
	}))
	return list
}

func purchase(id, customer string, base string) PurchaseEvent {
	return PurchaseEvent{
		PurchaseId:   id,
		CustomerId:   customer,
		CustomerKind: models.CustomerKindAffiliate,
		BaseCashback: dec(base),
	}
}

func sumAmounts(rows []models.CommissionDistribution) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.CommissionAmount)
	}
	return total
}

func rowFor(rows []models.CommissionDistribution, affiliateId string, level int) *models.CommissionDistribution {
	for i := range rows {
		if rows[i].AffiliateId == affiliateId && rows[i].Level == level {
			return &rows[i]
		}
	}
	return nil
}

// flakyStore fails the first `failures` transactions with a lock conflict.
type flakyStore struct {
	store.Store
	failures int
	calls    int
}

func (f *flakyStore) Transaction(ctx context.Context, fn func(tx store.Tx) error) error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return store.ErrConflict
	}
	return f.Store.Transaction(ctx, fn)
}
