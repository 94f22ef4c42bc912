package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mmdatafocus/cashback_backend/models"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Store for tests and local runs.
// A transaction holds the store mutex for its whole duration, so transactions are serial.
// On error every change made inside the transaction is rolled back.
//
// fn must not call Transaction again on the same store.
type MemoryStore struct {
	mu   sync.Mutex
	data *memoryData
}

type memoryData struct {
	affiliates    map[string]models.Affiliate
	levels        []models.CommissionLevelSetting
	purchases     map[string]models.Purchase
	distributions []models.CommissionDistribution
	accounts      map[string]models.LedgerAccount
	withdrawals   map[string]models.WithdrawalRequest
	audits        []models.WithdrawalAuditLog
	idempotency   map[string]models.IdempotencyKey
	events        []models.LedgerEvent
	reports       []models.ReconciliationReport
	seq           int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memoryData{
		affiliates:  map[string]models.Affiliate{},
		purchases:   map[string]models.Purchase{},
		accounts:    map[string]models.LedgerAccount{},
		withdrawals: map[string]models.WithdrawalRequest{},
		idempotency: map[string]models.IdempotencyKey{},
	}}
}

func (s *MemoryStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(&memoryTx{d: s.data}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (d *memoryData) clone() *memoryData {
	c := &memoryData{
		affiliates:    make(map[string]models.Affiliate, len(d.affiliates)),
		levels:        append([]models.CommissionLevelSetting(nil), d.levels...),
		purchases:     make(map[string]models.Purchase, len(d.purchases)),
		distributions: append([]models.CommissionDistribution(nil), d.distributions...),
		accounts:      make(map[string]models.LedgerAccount, len(d.accounts)),
		withdrawals:   make(map[string]models.WithdrawalRequest, len(d.withdrawals)),
		audits:        append([]models.WithdrawalAuditLog(nil), d.audits...),
		idempotency:   make(map[string]models.IdempotencyKey, len(d.idempotency)),
		events:        append([]models.LedgerEvent(nil), d.events...),
		reports:       append([]models.ReconciliationReport(nil), d.reports...),
		seq:           d.seq,
	}
	for k, v := range d.affiliates {
		c.affiliates[k] = v
	}
	for k, v := range d.purchases {
		c.purchases[k] = v
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.withdrawals {
		c.withdrawals[k] = v
	}
	for k, v := range d.idempotency {
		c.idempotency[k] = v
	}
	return c
}

type memoryTx struct {
	d *memoryData
}

func (t *memoryTx) nextId() int {
	t.d.seq++
	return t.d.seq
}

func (t *memoryTx) GetAffiliate(id string) (*models.Affiliate, error) {
	a, ok := t.d.affiliates[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (t *memoryTx) SaveAffiliate(a *models.Affiliate) error {
	if a.IsActive == nil {
		active := true
		a.IsActive = &active
	}
	now := time.Now().UTC()
	if existing, ok := t.d.affiliates[a.ID]; ok {
		a.CreatedAt = existing.CreatedAt
	} else if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	t.d.affiliates[a.ID] = *a
	return nil
}

func (t *memoryTx) ListAffiliates() ([]models.Affiliate, error) {
	list := make([]models.Affiliate, 0, len(t.d.affiliates))
	for _, a := range t.d.affiliates {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (t *memoryTx) CountActiveDirectReferrals(sponsorId string) (int, error) {
	n := 0
	for _, a := range t.d.affiliates {
		if a.Sponsor() == sponsorId && a.Active() {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) ListDirectReferrals(sponsorIds []string) ([]models.Affiliate, error) {
	want := make(map[string]bool, len(sponsorIds))
	for _, id := range sponsorIds {
		want[id] = true
	}
	var list []models.Affiliate
	for _, a := range t.d.affiliates {
		if a.SponsorId != nil && want[*a.SponsorId] {
			list = append(list, a)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (t *memoryTx) ListActiveCommissionLevels() ([]models.CommissionLevelSetting, error) {
	var list []models.CommissionLevelSetting
	for _, l := range t.d.levels {
		if l.Active() {
			list = append(list, l)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Level < list[j].Level })
	return list, nil
}

func (t *memoryTx) ReplaceCommissionLevels(levels []models.CommissionLevelSetting) error {
	seen := map[int]bool{}
	out := make([]models.CommissionLevelSetting, 0, len(levels))
	now := time.Now().UTC()
	for i := range levels {
		if seen[levels[i].Level] {
			return ErrDuplicate
		}
		seen[levels[i].Level] = true
		if levels[i].IsActive == nil {
			active := true
			levels[i].IsActive = &active
		}
		levels[i].ID = t.nextId()
		levels[i].CreatedAt = now
		levels[i].UpdatedAt = now
		out = append(out, levels[i])
	}
	t.d.levels = out
	return nil
}

func (t *memoryTx) GetPurchase(id string) (*models.Purchase, error) {
	p, ok := t.d.purchases[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (t *memoryTx) InsertPurchase(p *models.Purchase) error {
	if _, ok := t.d.purchases[p.ID]; ok {
		return ErrDuplicate
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	t.d.purchases[p.ID] = *p
	return nil
}

func (t *memoryTx) SumPurchaseCashback(customerIds []string, kind models.CustomerKind) (decimal.Decimal, error) {
	want := make(map[string]bool, len(customerIds))
	for _, id := range customerIds {
		want[id] = true
	}
	total := decimal.Zero
	for _, p := range t.d.purchases {
		if want[p.CustomerId] && p.CustomerKind == kind {
			total = total.Add(p.BaseCashback)
		}
	}
	return total, nil
}

func (t *memoryTx) InsertDistribution(d *models.CommissionDistribution) error {
	for _, existing := range t.d.distributions {
		if existing.PurchaseId == d.PurchaseId && existing.AffiliateId == d.AffiliateId && existing.Level == d.Level {
			return ErrDuplicate
		}
	}
	now := time.Now().UTC()
	d.ID = t.nextId()
	d.CreatedAt = now
	d.UpdatedAt = now
	t.d.distributions = append(t.d.distributions, *d)
	return nil
}

func (t *memoryTx) FindDistribution(purchaseId, affiliateId string, level int) (*models.CommissionDistribution, error) {
	for _, d := range t.d.distributions {
		if d.PurchaseId == purchaseId && d.AffiliateId == affiliateId && d.Level == level {
			return &d, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) ListDistributions(filter DistributionFilter) ([]models.CommissionDistribution, error) {
	var list []models.CommissionDistribution
	for _, d := range t.d.distributions {
		if filter.PurchaseId != "" && d.PurchaseId != filter.PurchaseId {
			continue
		}
		if filter.AffiliateId != "" && d.AffiliateId != filter.AffiliateId {
			continue
		}
		if filter.Blocked != nil && d.IsBlocked != *filter.Blocked {
			continue
		}
		list = append(list, d)
	}
	return list, nil
}

func (t *memoryTx) SumBlockedDistributions(affiliateId string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, d := range t.d.distributions {
		if d.AffiliateId == affiliateId && d.IsBlocked {
			total = total.Add(d.CommissionAmount)
		}
	}
	return total, nil
}

func (t *memoryTx) ReleaseBlockedDistributions(affiliateId string, at time.Time) (decimal.Decimal, int, error) {
	total := decimal.Zero
	n := 0
	for i := range t.d.distributions {
		d := &t.d.distributions[i]
		if d.AffiliateId != affiliateId || !d.IsBlocked {
			continue
		}
		released := at
		total = total.Add(d.CommissionAmount)
		d.IsBlocked = false
		d.ReleasedAt = &released
		d.UpdatedAt = at
		n++
	}
	return total, n, nil
}

func (t *memoryTx) LockLedgerAccount(userId string) (*models.LedgerAccount, error) {
	acc, ok := t.d.accounts[userId]
	if !ok {
		now := time.Now().UTC()
		acc = models.LedgerAccount{ID: t.nextId(), UserId: userId, CreatedAt: now, UpdatedAt: now}
		t.d.accounts[userId] = acc
	}
	return &acc, nil
}

func (t *memoryTx) GetLedgerAccount(userId string) (*models.LedgerAccount, error) {
	acc, ok := t.d.accounts[userId]
	if !ok {
		return nil, ErrNotFound
	}
	return &acc, nil
}

func (t *memoryTx) SaveLedgerAccount(a *models.LedgerAccount) error {
	if a.ID == 0 {
		if existing, ok := t.d.accounts[a.UserId]; ok {
			a.ID = existing.ID
		} else {
			a.ID = t.nextId()
		}
	}
	a.UpdatedAt = time.Now().UTC()
	t.d.accounts[a.UserId] = *a
	return nil
}

func (t *memoryTx) ListLedgerAccounts() ([]models.LedgerAccount, error) {
	list := make([]models.LedgerAccount, 0, len(t.d.accounts))
	for _, a := range t.d.accounts {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (t *memoryTx) ResetMonthlyActivity() (int, error) {
	n := 0
	for k, a := range t.d.accounts {
		if a.IsActiveThisMonth {
			a.IsActiveThisMonth = false
			t.d.accounts[k] = a
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) InsertWithdrawal(w *models.WithdrawalRequest) error {
	if _, ok := t.d.withdrawals[w.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range t.d.withdrawals {
		if existing.UserId == w.UserId && existing.RequestMonth == w.RequestMonth {
			return ErrDuplicate
		}
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	t.d.withdrawals[w.ID] = *w
	return nil
}

func (t *memoryTx) CountWithdrawalsInMonth(userId, month string) (int, error) {
	n := 0
	for _, w := range t.d.withdrawals {
		if w.UserId == userId && w.RequestMonth == month {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) LockWithdrawal(id string) (*models.WithdrawalRequest, error) {
	w, ok := t.d.withdrawals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (t *memoryTx) SaveWithdrawal(w *models.WithdrawalRequest) error {
	if _, ok := t.d.withdrawals[w.ID]; !ok {
		return ErrNotFound
	}
	t.d.withdrawals[w.ID] = *w
	return nil
}

func (t *memoryTx) ListWithdrawalsByUser(userId string) ([]models.WithdrawalRequest, error) {
	var list []models.WithdrawalRequest
	for _, w := range t.d.withdrawals {
		if w.UserId == userId {
			list = append(list, w)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

func (t *memoryTx) InsertWithdrawalAudit(l *models.WithdrawalAuditLog) error {
	l.ID = t.nextId()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	t.d.audits = append(t.d.audits, *l)
	return nil
}

func (t *memoryTx) ListWithdrawalAudits(withdrawalId string) ([]models.WithdrawalAuditLog, error) {
	var list []models.WithdrawalAuditLog
	for _, l := range t.d.audits {
		if l.WithdrawalId == withdrawalId {
			list = append(list, l)
		}
	}
	return list, nil
}

func idempotencyMapKey(handlerName, messageId string) string {
	return handlerName + "\x00" + messageId
}

func (t *memoryTx) CreateIdempotencyKey(k *models.IdempotencyKey) error {
	key := idempotencyMapKey(k.HandlerName, k.MessageId)
	if _, ok := t.d.idempotency[key]; ok {
		return ErrDuplicate
	}
	now := time.Now().UTC()
	k.ID = t.nextId()
	k.CreatedAt = now
	k.UpdatedAt = now
	t.d.idempotency[key] = *k
	return nil
}

func (t *memoryTx) GetIdempotencyKey(handlerName, messageId string) (*models.IdempotencyKey, error) {
	k, ok := t.d.idempotency[idempotencyMapKey(handlerName, messageId)]
	if !ok {
		return nil, ErrNotFound
	}
	return &k, nil
}

func (t *memoryTx) UpdateIdempotencyKey(k *models.IdempotencyKey) error {
	key := idempotencyMapKey(k.HandlerName, k.MessageId)
	existing, ok := t.d.idempotency[key]
	if !ok {
		return ErrNotFound
	}
	existing.Status = k.Status
	existing.LastError = k.LastError
	existing.UpdatedAt = time.Now().UTC()
	t.d.idempotency[key] = existing
	return nil
}

func (t *memoryTx) EnqueueLedgerEvent(e *models.LedgerEvent) error {
	if e.PublishStatus == "" {
		e.PublishStatus = models.OutboxPublishStatusPending
	}
	now := time.Now().UTC()
	e.ID = t.nextId()
	e.CreatedAt = now
	e.UpdatedAt = now
	t.d.events = append(t.d.events, *e)
	return nil
}

func (t *memoryTx) ClaimLedgerEvents(c LedgerEventClaim) ([]models.LedgerEvent, error) {
	var claimed []models.LedgerEvent
	for i := range t.d.events {
		if c.Limit > 0 && len(claimed) >= c.Limit {
			break
		}
		e := &t.d.events[i]
		ready := (e.PublishStatus == models.OutboxPublishStatusPending || e.PublishStatus == models.OutboxPublishStatusFailed) &&
			(e.NextAttemptAt == nil || !e.NextAttemptAt.After(c.Now))
		stale := e.PublishStatus == models.OutboxPublishStatusProcessing && e.LockedAt != nil && !e.LockedAt.After(c.StaleBefore)
		if !ready && !stale {
			continue
		}
		if c.MaxAttempts > 0 && e.PublishAttempts >= c.MaxAttempts {
			msg := "max publish attempts exceeded"
			e.PublishStatus = models.OutboxPublishStatusDead
			e.LastPublishError = &msg
			e.NextAttemptAt = nil
			e.LockedAt = nil
			e.LockedBy = nil
			claimed = append(claimed, *e)
			continue
		}
		now := c.Now
		by := c.DispatcherId
		e.PublishStatus = models.OutboxPublishStatusProcessing
		e.LockedAt = &now
		e.LockedBy = &by
		e.PublishAttempts++
		e.LastPublishError = nil
		e.NextAttemptAt = nil
		claimed = append(claimed, *e)
	}
	return claimed, nil
}

func (t *memoryTx) findEvent(id int) *models.LedgerEvent {
	for i := range t.d.events {
		if t.d.events[i].ID == id {
			return &t.d.events[i]
		}
	}
	return nil
}

func (t *memoryTx) MarkLedgerEventSent(id int, pubsubMessageId string, at time.Time) error {
	e := t.findEvent(id)
	if e == nil {
		return ErrNotFound
	}
	e.PublishStatus = models.OutboxPublishStatusSent
	e.PublishedAt = &at
	e.PubSubMessageId = &pubsubMessageId
	e.LockedAt = nil
	e.LockedBy = nil
	e.NextAttemptAt = nil
	return nil
}

func (t *memoryTx) MarkLedgerEventFailed(id int, msg string, nextAttemptAt *time.Time, dead bool) error {
	e := t.findEvent(id)
	if e == nil {
		return ErrNotFound
	}
	e.PublishStatus = models.OutboxPublishStatusFailed
	if dead {
		e.PublishStatus = models.OutboxPublishStatusDead
		nextAttemptAt = nil
	}
	e.LastPublishError = &msg
	e.NextAttemptAt = nextAttemptAt
	e.LockedAt = nil
	e.LockedBy = nil
	return nil
}

func (t *memoryTx) RequeueLedgerEvent(id int, at time.Time) error {
	e := t.findEvent(id)
	if e == nil || (e.PublishStatus != models.OutboxPublishStatusFailed && e.PublishStatus != models.OutboxPublishStatusDead) {
		return ErrNotFound
	}
	e.PublishStatus = models.OutboxPublishStatusFailed
	e.PublishAttempts = 0
	e.NextAttemptAt = &at
	e.LockedAt = nil
	e.LockedBy = nil
	e.LastPublishError = nil
	return nil
}

func (t *memoryTx) ListLedgerEvents() ([]models.LedgerEvent, error) {
	return append([]models.LedgerEvent(nil), t.d.events...), nil
}

func (t *memoryTx) InsertReconciliationReport(r *models.ReconciliationReport) error {
	r.ID = t.nextId()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	t.d.reports = append(t.d.reports, *r)
	return nil
}

// Reports returns a copy of every reconciliation report written so far.
func (s *MemoryStore) Reports() []models.ReconciliationReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ReconciliationReport(nil), s.data.reports...)
}
