package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/mmdatafocus/cashback_backend/config"
	"github.com/mmdatafocus/cashback_backend/models"
	"github.com/mmdatafocus/cashback_backend/store"
	"github.com/mmdatafocus/cashback_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type WithdrawalReason string

const (
	ReasonInvalidAmount          WithdrawalReason = "invalid_amount"
	ReasonOutsideWindow          WithdrawalReason = "outside_withdrawal_window"
	ReasonAlreadyRequested       WithdrawalReason = "already_requested_this_month"
	ReasonMissingPayoutKey       WithdrawalReason = "missing_payout_key"
	ReasonInactiveThisMonth      WithdrawalReason = "inactive_this_month"
	ReasonInsufficientBalance    WithdrawalReason = "insufficient_balance"
	ReasonAffiliateNotFound      WithdrawalReason = "affiliate_not_found"
	ReasonWithdrawalNotFound     WithdrawalReason = "withdrawal_not_found"
	ReasonWithdrawalAlreadyFinal WithdrawalReason = "withdrawal_already_processed"
	ReasonInvalidStatus          WithdrawalReason = "invalid_status"
)

// WithdrawalError is a user-visible, non-retryable rejection.
type WithdrawalError struct {
	Reason WithdrawalReason
}

func (e *WithdrawalError) Error() string {
	return "withdrawal rejected: " + string(e.Reason)
}

func rejectWithdrawal(reason WithdrawalReason) error {
	return &WithdrawalError{Reason: reason}
}

// WithdrawalReasonOf extracts the machine-readable reason from err, if it carries one.
func WithdrawalReasonOf(err error) (WithdrawalReason, bool) {
	var we *WithdrawalError
	if errors.As(err, &we) {
		return we.Reason, true
	}
	return "", false
}

// Share of total earnings an affiliate may ever take out.
var withdrawableRate = decimal.RequireFromString("0.70")

type WithdrawalService struct {
	Store      store.Store
	Ledger     *Ledger
	Logger     *logrus.Logger
	Now        func() time.Time
	Location   *time.Location
	WindowDays []int
}

func NewWithdrawalService(s store.Store, ledger *Ledger, logger *logrus.Logger) *WithdrawalService {
	loc, err := time.LoadLocation(config.WithdrawalTimezone())
	if err != nil {
		config.LogError(logger, "WithdrawalWorkflow.go", "NewWithdrawalService", "Loading withdrawal timezone", config.WithdrawalTimezone(), err)
		loc = time.UTC
	}
	return &WithdrawalService{
		Store:      s,
		Ledger:     ledger,
		Logger:     logger,
		Now:        time.Now,
		Location:   loc,
		WindowDays: config.WithdrawalWindowDays(),
	}
}

func (s *WithdrawalService) localNow() time.Time {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	if s.Location != nil {
		return now.In(s.Location)
	}
	return now
}

func (s *WithdrawalService) inWindow(day int) bool {
	for _, d := range s.WindowDays {
		if d == day {
			return true
		}
	}
	return false
}

// NetAvailable is the withdrawable figure: 70% of total earnings, net of everything already
// frozen or withdrawn.
func NetAvailable(acc *models.LedgerAccount) decimal.Decimal {
	return acc.TotalEarnings.Mul(withdrawableRate).Sub(acc.TotalEarnings.Sub(acc.AvailableBalance))
}

type withdrawalEventPayload struct {
	Withdrawal models.WithdrawalRequest `json:"withdrawal"`
	Balance    BalanceChange            `json:"balance"`
	ActorId    string                   `json:"actor_id,omitempty"`
}

// CreateWithdrawal opens a pending request and freezes the amount in the same transaction.
func (s *WithdrawalService) CreateWithdrawal(ctx context.Context, affiliateId string, amount decimal.Decimal) (*models.WithdrawalRequest, error) {
	if !amount.IsPositive() {
		return nil, rejectWithdrawal(ReasonInvalidAmount)
	}
	now := s.localNow()
	if !s.inWindow(now.Day()) {
		return nil, rejectWithdrawal(ReasonOutsideWindow)
	}
	ctx, correlationId := utils.EnsureCorrelationId(ctx)
	actorId, _ := utils.GetActorIdFromContext(ctx)
	month := now.Format("2006-01")

	var created *models.WithdrawalRequest
	err := s.Ledger.Transact(ctx, func(tx store.Tx) error {
		a, err := tx.GetAffiliate(affiliateId)
		if errors.Is(err, store.ErrNotFound) {
			return rejectWithdrawal(ReasonAffiliateNotFound)
		} else if err != nil {
			return err
		}
		userId := a.LedgerKey()

		n, err := tx.CountWithdrawalsInMonth(userId, month)
		if err != nil {
			return err
		}
		if n > 0 {
			return rejectWithdrawal(ReasonAlreadyRequested)
		}
		if a.PixKey == "" {
			return rejectWithdrawal(ReasonMissingPayoutKey)
		}
		acc, err := tx.LockLedgerAccount(userId)
		if err != nil {
			return err
		}
		if !acc.IsActiveThisMonth {
			return rejectWithdrawal(ReasonInactiveThisMonth)
		}
		if amount.GreaterThan(NetAvailable(acc)) {
			return rejectWithdrawal(ReasonInsufficientBalance)
		}

		change, err := s.Ledger.FreezeTx(tx, userId, amount)
		if errors.Is(err, ErrInsufficientFunds) {
			return rejectWithdrawal(ReasonInsufficientBalance)
		} else if err != nil {
			return err
		}

		w := models.WithdrawalRequest{
			ID:              uuid.NewString(),
			UserId:          userId,
			AffiliateId:     a.ID,
			AmountRequested: amount,
			FeeAmount:       decimal.Zero,
			NetAmount:       amount,
			Status:          models.WithdrawalStatusPending,
			PixDestination:  a.PixKey,
			RequestMonth:    month,
			CreatedAt:       now.UTC(),
		}
		// The unique (user_id, request_month) index decides concurrent submissions.
		if err := tx.InsertWithdrawal(&w); errors.Is(err, store.ErrDuplicate) {
			return rejectWithdrawal(ReasonAlreadyRequested)
		} else if err != nil {
			return err
		}
		if err := s.writeTransition(tx, &w, "", actorId, change, models.LedgerEventWithdrawalRequested, correlationId, now.UTC()); err != nil {
			return err
		}
		created = &w
		return nil
	})
	if err != nil {
		if _, ok := WithdrawalReasonOf(err); !ok {
			config.LogError(s.Logger, "WithdrawalWorkflow.go", "CreateWithdrawal", "Creating withdrawal", map[string]string{
				"affiliate_id": affiliateId,
				"amount":       amount.String(),
			}, err)
		}
		return nil, err
	}
	return created, nil
}

// SetWithdrawalStatus settles a pending request. Approval removes the frozen amount from the
// books; rejection returns it to available.
func (s *WithdrawalService) SetWithdrawalStatus(ctx context.Context, requestId string, status models.WithdrawalStatus) (*models.WithdrawalRequest, error) {
	if !status.IsTerminal() {
		return nil, rejectWithdrawal(ReasonInvalidStatus)
	}
	ctx, correlationId := utils.EnsureCorrelationId(ctx)
	actorId, _ := utils.GetActorIdFromContext(ctx)
	now := s.localNow().UTC()

	var updated *models.WithdrawalRequest
	err := s.Ledger.Transact(ctx, func(tx store.Tx) error {
		w, err := tx.LockWithdrawal(requestId)
		if errors.Is(err, store.ErrNotFound) {
			return rejectWithdrawal(ReasonWithdrawalNotFound)
		} else if err != nil {
			return err
		}
		if w.Status != models.WithdrawalStatusPending {
			return rejectWithdrawal(ReasonWithdrawalAlreadyFinal)
		}

		var change BalanceChange
		eventType := models.LedgerEventWithdrawalApproved
		if status == models.WithdrawalStatusApproved {
			change, err = s.Ledger.DebitTx(tx, w.UserId, w.NetAmount)
		} else {
			eventType = models.LedgerEventWithdrawalRejected
			change, err = s.Ledger.UnfreezeTx(tx, w.UserId, w.NetAmount)
		}
		if err != nil {
			return err
		}

		old := w.Status
		w.Status = status
		w.ProcessedAt = &now
		if err := tx.SaveWithdrawal(w); err != nil {
			return err
		}
		if err := s.writeTransition(tx, w, old, actorId, change, eventType, correlationId, now); err != nil {
			return err
		}
		updated = w
		return nil
	})
	if err != nil {
		if _, ok := WithdrawalReasonOf(err); !ok {
			config.LogError(s.Logger, "WithdrawalWorkflow.go", "SetWithdrawalStatus", "Settling withdrawal", map[string]string{
				"withdrawal_id": requestId,
				"status":        string(status),
			}, err)
		}
		return nil, err
	}
	return updated, nil
}

func (s *WithdrawalService) writeTransition(tx store.Tx, w *models.WithdrawalRequest, old models.WithdrawalStatus, actorId string, change BalanceChange, eventType, correlationId string, at time.Time) error {
	if err := tx.InsertWithdrawalAudit(&models.WithdrawalAuditLog{
		WithdrawalId:           w.ID,
		ActorId:                actorId,
		OldStatus:              old,
		NewStatus:              w.Status,
		AvailableBalanceBefore: change.Before.AvailableBalance,
		AvailableBalanceAfter:  change.After.AvailableBalance,
		FrozenBalanceBefore:    change.Before.FrozenBalance,
		FrozenBalanceAfter:     change.After.FrozenBalance,
		CreatedAt:              at,
	}); err != nil {
		return err
	}
	payload, err := json.Marshal(withdrawalEventPayload{Withdrawal: *w, Balance: change, ActorId: actorId})
	if err != nil {
		return err
	}
	return tx.EnqueueLedgerEvent(&models.LedgerEvent{
		EventType:     eventType,
		AggregateId:   w.ID,
		Payload:       payload,
		CorrelationId: correlationId,
	})
}

// ListWithdrawals returns the affiliate's requests, newest first.
func (s *WithdrawalService) ListWithdrawals(ctx context.Context, affiliateId string) ([]models.WithdrawalRequest, error) {
	var list []models.WithdrawalRequest
	err := s.Store.Transaction(ctx, func(tx store.Tx) error {
		a, err := tx.GetAffiliate(affiliateId)
		if err != nil {
			return err
		}
		list, err = tx.ListWithdrawalsByUser(a.LedgerKey())
		return err
	})
	return list, err
}
