package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/cashback_backend/models"
	"github.com/mmdatafocus/cashback_backend/store"
	"github.com/stretchr/testify/require"
)

// P buys; A sponsors P and has 5 active referrals; B sponsors A and has only A.
func setupThreeLevelChain(t *testing.T, env *testEnv) {
	t.Helper()
	env.addAffiliate(t, "B", "", true)
	env.addAffiliate(t, "A", "B", true)
	env.addAffiliate(t, "P", "A", true)
	env.addReferrals(t, "A", 4)
}

func TestDistribute_ThreeLevelChainExample(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlatPolicy(t)
	setupThreeLevelChain(t, env)

	summary := env.engine.Distribute(context.Background(), purchase("p1", "P", "100.00"))
	require.False(t, summary.Aborted)
	require.Equal(t, 3, summary.LevelsPaid)
	requireDecimal(t, "21", summary.TotalDistributed)
	requireDecimal(t, "79", summary.PlatformShare)

	rows := env.distributions(t, store.DistributionFilter{PurchaseId: "p1"})
	require.Len(t, rows, 4)

	p := rowFor(rows, "P", 0)
	require.NotNil(t, p)
	requireDecimal(t, "7", p.CommissionAmount)
	require.False(t, p.IsBlocked)

	a := rowFor(rows, "A", 1)
	require.NotNil(t, a)
	requireDecimal(t, "7", a.CommissionAmount)
	require.False(t, a.IsBlocked)

	b := rowFor(rows, "B", 2)
	require.NotNil(t, b)
	requireDecimal(t, "7", b.CommissionAmount)
	require.True(t, b.IsBlocked)

	platform := rowFor(rows, models.PlatformAffiliateId, models.PlatformLevel)
	require.NotNil(t, platform)
	requireDecimal(t, "79", platform.CommissionAmount)
	require.False(t, platform.IsBlocked)

	requireDecimal(t, "100", sumAmounts(rows))

	bal := env.balance(t, "B")
	requireDecimal(t, "7", bal.TotalEarnings)
	requireDecimal(t, "0", bal.AvailableBalance)
	requireDecimal(t, "7", bal.FrozenBalance)
	require.True(t, bal.IsActiveThisMonth)

	bal = env.balance(t, "A")
	requireDecimal(t, "7", bal.AvailableBalance)
	requireDecimal(t, "0", bal.FrozenBalance)

	evs := env.events(t)
	require.Len(t, evs, 1)
	require.Equal(t, models.LedgerEventCommissionDistributed, evs[0].EventType)
	require.Equal(t, "p1", evs[0].AggregateId)
}

func TestDistribute_FullChainSumsToBaseCashback(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlatPolicy(t)
	// c0 buys; c9 is the root. Every ancestor has three active referrals.
	for i := 9; i >= 0; i-- {
		sponsor := ""
		if i < 9 {
			sponsor = fmt.Sprintf("c%d", i+1)
		}
		env.addAffiliate(t, fmt.Sprintf("c%d", i), sponsor, true)
	}
	for i := 2; i <= 9; i++ {
		env.addReferrals(t, fmt.Sprintf("c%d", i), 2)
	}

	summary := env.engine.Distribute(context.Background(), purchase("p1", "c0", "123.4567"))
	require.False(t, summary.Aborted)
	require.Equal(t, 10, summary.LevelsPaid)

	rows := env.distributions(t, store.DistributionFilter{PurchaseId: "p1"})
	require.Len(t, rows, 11)
	requireDecimal(t, "123.4567", sumAmounts(rows))
	for _, r := range rows {
		require.False(t, r.IsBlocked, "affiliate %s level %d", r.AffiliateId, r.Level)
	}
	requireDecimal(t, "8.642", rowFor(rows, "c5", 5).CommissionAmount)
	requireDecimal(t, "37.0367", rowFor(rows, models.PlatformAffiliateId, models.PlatformLevel).CommissionAmount)
}

func TestDistribute_ChainLongerThanTenStopsAtTen(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlatPolicy(t)
	for i := 11; i >= 0; i-- {
		sponsor := ""
		if i < 11 {
			sponsor = fmt.Sprintf("c%d", i+1)
		}
		env.addAffiliate(t, fmt.Sprintf("c%d", i), sponsor, true)
	}

	summary := env.engine.Distribute(context.Background(), purchase("p1", "c0", "10"))
	require.Equal(t, 10, summary.LevelsPaid)
	require.Empty(t, env.distributions(t, store.DistributionFilter{AffiliateId: "c10"}))
	requireDecimal(t, "10", sumAmounts(env.distributions(t, store.DistributionFilter{PurchaseId: "p1"})))
}

func TestDistribute_ShortChainRemainderGoesToPlatform(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlatPolicy(t)
	env.addAffiliate(t, "root", "", true)

	summary := env.engine.Distribute(context.Background(), purchase("p1", "root", "50"))
	require.Equal(t, 1, summary.LevelsPaid)

	rows := env.distributions(t, store.DistributionFilter{PurchaseId: "p1"})
	require.Len(t, rows, 2)
	requireDecimal(t, "3.5", rowFor(rows, "root", 0).CommissionAmount)
	requireDecimal(t, "46.5", rowFor(rows, models.PlatformAffiliateId, models.PlatformLevel).CommissionAmount)
	requireDecimal(t, "50", sumAmounts(rows))
}

func TestDistribute_PurchaserAndSponsorAlwaysEligible(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlatPolicy(t)
	env.addAffiliate(t, "S", "", true)
	env.addAffiliate(t, "P", "S", true)

	env.engine.Distribute(context.Background(), purchase("p1", "P", "100"))

	rows := env.distributions(t, store.DistributionFilter{PurchaseId: "p1"})
	require.False(t, rowFor(rows, "P", 0).IsBlocked)
	require.False(t, rowFor(rows, "S", 1).IsBlocked)
	requireDecimal(t, "7", env.balance(t, "S").AvailableBalance)
}

func TestDistribute_ReleasesBlockedFundsOnLaterEligibleCredit(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlatPolicy(t)
	setupThreeLevelChain(t, env)

	env.engine.Distribute(context.Background(), purchase("p1", "P", "100"))
	requireDecimal(t, "7", env.balance(t, "B").FrozenBalance)

	// B builds a downline, then earns again at level 2.
	env.addReferrals(t, "B", 2)
	env.engine.Distribute(context.Background(), purchase("p2", "P", "100"))

	rows := env.distributions(t, store.DistributionFilter{AffiliateId: "B"})
	require.Len(t, rows, 2)
	for _, r := range rows {
		require.False(t, r.IsBlocked)
	}
	first := rowFor(env.distributions(t, store.DistributionFilter{PurchaseId: "p1"}), "B", 2)
	require.NotNil(t, first.ReleasedAt)
	require.True(t, first.ReleasedAt.Equal(env.now))

	bal := env.balance(t, "B")
	requireDecimal(t, "14", bal.TotalEarnings)
	requireDecimal(t, "14", bal.AvailableBalance)
	requireDecimal(t, "0", bal.FrozenBalance)
}

// Blocked funds are released by any eligible credit, including one earned as the purchaser,
// even while the affiliate still lacks the referrals that blocked them.
func TestDistribute_ReleaseFiresOnAnyEligibleCredit(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlatPolicy(t)
	setupThreeLevelChain(t, env)

	env.engine.Distribute(context.Background(), purchase("p1", "P", "100"))
	requireDecimal(t, "7", env.balance(t, "B").FrozenBalance)

	env.engine.Distribute(context.Background(), purchase("p2", "B", "100"))

	bal := env.balance(t, "B")
	requireDecimal(t, "14", bal.TotalEarnings)
	requireDecimal(t, "14", bal.AvailableBalance)
	requireDecimal(t, "0", bal.FrozenBalance)

	blocked := true
	require.Empty(t, env.distributions(t, store.DistributionFilter{AffiliateId: "B", Blocked: &blocked}))
}

func TestDistribute_BlockedCreditLeavesAvailableUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlatPolicy(t)
	setupThreeLevelChain(t, env)
	env.engine.Distribute(context.Background(), purchase("p1", "P", "100"))

	before := env.balance(t, "B")
	env.engine.Distribute(context.Background(), purchase("p2", "P", "33.33"))
	after := env.balance(t, "B")

	requireDecimal(t, before.AvailableBalance.String(), after.AvailableBalance)
	requireDecimal(t, "2.3331", after.FrozenBalance.Sub(before.FrozenBalance))
}

func TestDistribute_PlainUserIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlatPolicy(t)
	env.addAffiliate(t, "P", "", true)

	ev := purchase("p1", "P", "100")
	ev.CustomerKind = models.CustomerKindUser
	summary := env.engine.Distribute(context.Background(), ev)

	require.True(t, summary.Skipped)
	require.Empty(t, env.distributions(t, store.DistributionFilter{}))
	require.Empty(t, env.events(t))
}

func TestDistribute_NoActiveLevelsWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.addAffiliate(t, "P", "", true)

	summary := env.engine.Distribute(context.Background(), purchase("p1", "P", "100"))

	require.True(t, summary.Aborted)
	require.True(t, summary.Retryable)
	require.Empty(t, env.distributions(t, store.DistributionFilter{}))
	_, err := env.ledger.Read(context.Background(), "P")
	require.NoError(t, err)
	requireDecimal(t, "0", env.balance(t, "P").TotalEarnings)
}

func TestDistribute_RedeliveryDoesNotPayTwice(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlatPolicy(t)
	setupThreeLevelChain(t, env)

	env.engine.Distribute(context.Background(), purchase("p1", "P", "100"))
	second := env.engine.Distribute(context.Background(), purchase("p1", "P", "100"))

	require.True(t, second.Skipped)
	require.Len(t, env.distributions(t, store.DistributionFilter{PurchaseId: "p1"}), 4)
	requireDecimal(t, "7", env.balance(t, "A").TotalEarnings)
	require.Len(t, env.events(t), 1)
}

func TestDistribute_InProgressClaimIsRetryableUntilStale(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlatPolicy(t)
	setupThreeLevelChain(t, env)
	ctx := context.Background()

	require.NoError(t, env.store.Transaction(ctx, func(tx store.Tx) error {
		_, err := BeginIdempotency(tx, DistributionHandlerName, "p1", env.now)
		return err
	}))

	env.now = time.Now().UTC().Add(30 * time.Second)
	summary := env.engine.Distribute(ctx, purchase("p1", "P", "100"))
	require.True(t, summary.Aborted)
	require.True(t, summary.Retryable)
	require.Empty(t, env.distributions(t, store.DistributionFilter{PurchaseId: "p1"}))

	env.now = time.Now().UTC().Add(10 * time.Minute)
	summary = env.engine.Distribute(ctx, purchase("p1", "P", "100"))
	require.False(t, summary.Aborted)
	require.False(t, summary.Retryable)
	rows := env.distributions(t, store.DistributionFilter{PurchaseId: "p1"})
	require.Len(t, rows, 4)
	requireDecimal(t, "100", sumAmounts(rows))
}

// lockOrderStore records the order of ledger lock and distribution calls inside transactions.
type lockOrderStore struct {
	store.Store
	mu    sync.Mutex
	calls []string
}

func (s *lockOrderStore) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *lockOrderStore) Transaction(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.Transaction(ctx, func(tx store.Tx) error {
		return fn(&lockOrderTx{Tx: tx, s: s})
	})
}

type lockOrderTx struct {
	store.Tx
	s *lockOrderStore
}

func (t *lockOrderTx) LockLedgerAccount(userId string) (*models.LedgerAccount, error) {
	t.s.record("lock")
	return t.Tx.LockLedgerAccount(userId)
}

func (t *lockOrderTx) FindDistribution(purchaseId, affiliateId string, level int) (*models.CommissionDistribution, error) {
	t.s.record("find")
	return t.Tx.FindDistribution(purchaseId, affiliateId, level)
}

func (t *lockOrderTx) InsertDistribution(d *models.CommissionDistribution) error {
	t.s.record("insert")
	return t.Tx.InsertDistribution(d)
}

func TestDistribute_LevelTakesLedgerLockBeforeTouchingRows(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlatPolicy(t)
	env.addAffiliate(t, "P", "", true)

	rec := &lockOrderStore{Store: env.store}
	env.ledger.Store = rec

	summary := env.engine.Distribute(context.Background(), purchase("p1", "P", "100"))
	require.False(t, summary.Aborted)
	require.NotEmpty(t, rec.calls)
	require.Equal(t, "lock", rec.calls[0])
	require.Contains(t, rec.calls, "insert")
}

func TestDistribute_MissingSponsorAbortsAndKeepsEarlierLevels(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlatPolicy(t)
	env.addAffiliate(t, "P", "ghost", true)

	summary := env.engine.Distribute(context.Background(), purchase("p1", "P", "100"))

	require.True(t, summary.Aborted)
	require.False(t, summary.Retryable)
	require.Equal(t, 1, summary.LevelsPaid)
	rows := env.distributions(t, store.DistributionFilter{PurchaseId: "p1"})
	require.Len(t, rows, 2)
	requireDecimal(t, "7", rowFor(rows, "P", 0).CommissionAmount)
	requireDecimal(t, "93", rowFor(rows, models.PlatformAffiliateId, models.PlatformLevel).CommissionAmount)
	requireDecimal(t, "7", env.balance(t, "P").AvailableBalance)

	// The run is final once the platform row is written.
	again := env.engine.Distribute(context.Background(), purchase("p1", "P", "100"))
	require.True(t, again.Skipped)
}

func TestDistribute_MissingLevelSettingEndsChain(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.policy.Replace(context.Background(), []LevelInput{
		{Level: 1, Percentage: dec("60")},
		{Level: 2, Percentage: dec("40")},
	})
	require.NoError(t, err)
	env.addAffiliate(t, "C", "", true)
	env.addAffiliate(t, "B", "C", true)
	env.addAffiliate(t, "A", "B", true)
	env.addAffiliate(t, "P", "A", true)
	env.addReferrals(t, "B", 3)

	summary := env.engine.Distribute(context.Background(), purchase("p1", "P", "100"))

	require.False(t, summary.Aborted)
	require.Equal(t, 3, summary.LevelsPaid)
	rows := env.distributions(t, store.DistributionFilter{PurchaseId: "p1"})
	requireDecimal(t, "42", rowFor(rows, "P", 0).CommissionAmount)
	requireDecimal(t, "42", rowFor(rows, "A", 1).CommissionAmount)
	requireDecimal(t, "28", rowFor(rows, "B", 2).CommissionAmount)
	require.Nil(t, rowFor(rows, "C", 3))
	// Level 0 borrows level 1's rate, so the pool is overspent and the platform absorbs the difference.
	requireDecimal(t, "-12", rowFor(rows, models.PlatformAffiliateId, models.PlatformLevel).CommissionAmount)
	requireDecimal(t, "100", sumAmounts(rows))
}

func TestDistribute_ConcurrentPurchasesCreditSameAncestor(t *testing.T) {
	env := newTestEnv(t)
	env.seedFlatPolicy(t)
	setupThreeLevelChain(t, env)

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env.engine.Distribute(context.Background(), purchase(fmt.Sprintf("p%d", i), "P", "10"))
		}(i)
	}
	wg.Wait()

	bal := env.balance(t, "A")
	requireDecimal(t, "17.5", bal.TotalEarnings)
	requireDecimal(t, "17.5", bal.AvailableBalance)

	bal = env.balance(t, "B")
	requireDecimal(t, "17.5", bal.TotalEarnings)
	requireDecimal(t, "17.5", bal.FrozenBalance)
	require.Len(t, env.distributions(t, store.DistributionFilter{AffiliateId: "B"}), n)
}
