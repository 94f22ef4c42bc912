package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/cashback_backend/config"
	"github.com/mmdatafocus/cashback_backend/models"
	"github.com/mmdatafocus/cashback_backend/store"
	"github.com/mmdatafocus/cashback_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DistributionHandlerName keys purchase idempotency rows.
const DistributionHandlerName = "commission.distribute"

// MinDirectReferrals is the downline an affiliate needs before earning from level 2 and deeper.
const MinDirectReferrals = 3

var (
	networkPoolRate  = decimal.RequireFromString("0.70")
	platformBaseRate = decimal.RequireFromString("0.30")
)

var ErrNoCommissionLevels = errors.New("no active commission levels")

// PurchaseEvent is the trigger for one distribution run.
type PurchaseEvent struct {
	PurchaseId   string
	CustomerId   string
	CustomerKind models.CustomerKind
	BaseCashback decimal.Decimal
}

// DistributionSummary describes what one run did. It is informational; callers never have to inspect it.
type DistributionSummary struct {
	PurchaseId       string          `json:"purchase_id"`
	Skipped          bool            `json:"skipped"`
	LevelsPaid       int             `json:"levels_paid"`
	TotalDistributed decimal.Decimal `json:"total_distributed"`
	PlatformShare    decimal.Decimal `json:"platform_share"`
	Aborted          bool            `json:"aborted"`
	AbortReason      string          `json:"abort_reason,omitempty"`
	// Retryable is set when the purchase is still open and a redelivery can finish it.
	Retryable bool `json:"retryable"`
}

// CommissionEngine walks the sponsor chain of a purchasing affiliate and splits the network pool.
type CommissionEngine struct {
	Store  store.Store
	Policy *CommissionPolicy
	Ledger *Ledger
	Locker AffiliateLocker
	Logger *logrus.Logger
	Tracer trace.Tracer
	Now    func() time.Time
}

func NewCommissionEngine(s store.Store, policy *CommissionPolicy, ledger *Ledger, locker AffiliateLocker, logger *logrus.Logger) *CommissionEngine {
	return &CommissionEngine{
		Store:  s,
		Policy: policy,
		Ledger: ledger,
		Locker: locker,
		Logger: logger,
		Tracer: otel.Tracer("cashback-commission"),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func (e *CommissionEngine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

// Distribute runs the split for one purchase. It never fails the caller: errors are logged,
// the walk stops, and whatever was committed for earlier levels stands.
// Redelivery of the same purchase does not pay twice. Retryable on the summary reports that
// nothing final was written and the message should be redelivered.
func (e *CommissionEngine) Distribute(ctx context.Context, ev PurchaseEvent) DistributionSummary {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, correlationId := utils.EnsureCorrelationId(ctx)
	tracer := e.Tracer
	if tracer == nil {
		tracer = otel.Tracer("cashback-commission")
	}
	ctx, span := tracer.Start(ctx, "CommissionEngine.Distribute", trace.WithAttributes(
		attribute.String("purchase_id", ev.PurchaseId),
		attribute.String("customer_id", ev.CustomerId),
	))
	defer span.End()

	summary := DistributionSummary{
		PurchaseId:       ev.PurchaseId,
		TotalDistributed: decimal.Zero,
		PlatformShare:    decimal.Zero,
	}
	if ev.CustomerKind != models.CustomerKindAffiliate {
		summary.Skipped = true
		return summary
	}

	levels, err := e.Policy.ActiveLevels(ctx)
	if err == nil && len(levels) == 0 {
		err = ErrNoCommissionLevels
	}
	if err != nil {
		e.logError("Loading commission levels", ev, err)
		span.SetStatus(codes.Error, err.Error())
		summary.Aborted = true
		summary.AbortReason = err.Error()
		summary.Retryable = true
		return summary
	}

	var skip bool
	err = e.Store.Transaction(ctx, func(tx store.Tx) error {
		var err error
		skip, err = BeginIdempotency(tx, DistributionHandlerName, ev.PurchaseId, e.now())
		return err
	})
	if err != nil {
		e.logError("BeginIdempotency", ev, err)
		span.SetStatus(codes.Error, err.Error())
		summary.Aborted = true
		summary.AbortReason = err.Error()
		summary.Retryable = true
		return summary
	}
	if skip {
		summary.Skipped = true
		return summary
	}

	base := ev.BaseCashback.Round(4)
	walkErr := e.walk(ctx, ev, base, levels, &summary)
	if walkErr != nil {
		e.logError("Walking sponsor chain", ev, walkErr)
		span.SetStatus(codes.Error, walkErr.Error())
		summary.Aborted = true
		summary.AbortReason = walkErr.Error()
	}

	// The platform row reconciles the purchase to exactly base cashback, even after an aborted walk.
	// Once it is written the run is final; only a failed platform write leaves the purchase open for redelivery.
	totalDistributable := base.Mul(networkPoolRate)
	undistributed := totalDistributable.Sub(summary.TotalDistributed)
	summary.PlatformShare = base.Mul(platformBaseRate).Add(undistributed)
	platformErr := e.writePlatformShare(ctx, ev, base, summary, correlationId)
	if platformErr != nil {
		e.logError("Writing platform share", ev, platformErr)
		span.SetStatus(codes.Error, platformErr.Error())
		summary.Retryable = true
	}

	err = e.Store.Transaction(ctx, func(tx store.Tx) error {
		if platformErr != nil {
			return MarkIdempotencyFailed(tx, DistributionHandlerName, ev.PurchaseId, platformErr)
		}
		return MarkIdempotencySucceeded(tx, DistributionHandlerName, ev.PurchaseId)
	})
	if err != nil {
		e.logError("Marking idempotency", ev, err)
	}

	span.SetAttributes(
		attribute.Int("levels_paid", summary.LevelsPaid),
		attribute.String("platform_share", summary.PlatformShare.String()),
	)
	return summary
}

func (e *CommissionEngine) walk(ctx context.Context, ev PurchaseEvent, base decimal.Decimal, levels []models.CommissionLevelSetting, summary *DistributionSummary) error {
	totalDistributable := base.Mul(networkPoolRate)
	currentId := ev.CustomerId

	for level := 0; currentId != "" && level < MaxCommissionLevel; level++ {
		pct, ok := percentageFor(levels, level)
		if !ok {
			return nil
		}
		amount := totalDistributable.Mul(pct).Div(hundred).Round(4)

		sponsorId, paid, err := e.payLevel(ctx, ev, base, currentId, level, pct, amount)
		if err != nil {
			return fmt.Errorf("level %d affiliate %s: %w", level, currentId, err)
		}
		summary.TotalDistributed = summary.TotalDistributed.Add(paid)
		summary.LevelsPaid++
		currentId = sponsorId
	}
	return nil
}

// payLevel writes one level's distribution row, credits the ledger, and releases blocked funds when
// eligible, as a single transaction holding the recipient's ledger row. It returns the next sponsor
// and the amount recorded for the level.
func (e *CommissionEngine) payLevel(ctx context.Context, ev PurchaseEvent, base decimal.Decimal, affiliateId string, level int, pct, amount decimal.Decimal) (string, decimal.Decimal, error) {
	var affiliate *models.Affiliate
	err := e.Store.Transaction(ctx, func(tx store.Tx) error {
		var err error
		affiliate, err = tx.GetAffiliate(affiliateId)
		return err
	})
	if err != nil {
		return "", decimal.Zero, err
	}

	locker := e.Locker
	if locker == nil {
		locker = noopLocker{}
	}
	release := locker.Lock(ctx, affiliate.LedgerKey())
	defer release()

	paid := amount
	err = e.Ledger.Transact(ctx, func(tx store.Tx) error {
		paid = amount
		// Ledger row first; every per-affiliate unit locks in this order.
		if _, err := tx.LockLedgerAccount(affiliate.LedgerKey()); err != nil {
			return err
		}
		// A row from an earlier partial run means this level is already paid.
		if existing, err := tx.FindDistribution(ev.PurchaseId, affiliate.ID, level); err == nil {
			paid = existing.CommissionAmount
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		eligible := level <= 1
		if !eligible {
			referrals, err := tx.CountActiveDirectReferrals(affiliate.ID)
			if err != nil {
				return err
			}
			eligible = referrals >= MinDirectReferrals
		}

		row := models.CommissionDistribution{
			PurchaseId:           ev.PurchaseId,
			AffiliateId:          affiliate.ID,
			Level:                level,
			CommissionAmount:     amount,
			CommissionPercentage: pct,
			BaseCashback:         base,
			IsBlocked:            !eligible,
		}
		if err := tx.InsertDistribution(&row); err != nil {
			return err
		}
		if _, err := e.Ledger.CreditTx(tx, affiliate.LedgerKey(), amount, eligible); err != nil {
			return err
		}
		if eligible {
			if _, _, err := e.Ledger.ReleaseBlockedTx(tx, affiliate.ID, affiliate.LedgerKey()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", decimal.Zero, err
	}
	return affiliate.Sponsor(), paid, nil
}

type distributedEventPayload struct {
	PurchaseId       string          `json:"purchase_id"`
	CustomerId       string          `json:"customer_id"`
	BaseCashback     decimal.Decimal `json:"base_cashback"`
	LevelsPaid       int             `json:"levels_paid"`
	TotalDistributed decimal.Decimal `json:"total_distributed"`
	PlatformShare    decimal.Decimal `json:"platform_share"`
	Aborted          bool            `json:"aborted"`
}

func (e *CommissionEngine) writePlatformShare(ctx context.Context, ev PurchaseEvent, base decimal.Decimal, summary DistributionSummary, correlationId string) error {
	payload, err := json.Marshal(distributedEventPayload{
		PurchaseId:       ev.PurchaseId,
		CustomerId:       ev.CustomerId,
		BaseCashback:     base,
		LevelsPaid:       summary.LevelsPaid,
		TotalDistributed: summary.TotalDistributed,
		PlatformShare:    summary.PlatformShare,
		Aborted:          summary.Aborted,
	})
	if err != nil {
		return err
	}
	return e.Store.Transaction(ctx, func(tx store.Tx) error {
		if _, err := tx.FindDistribution(ev.PurchaseId, models.PlatformAffiliateId, models.PlatformLevel); err == nil {
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := tx.InsertDistribution(&models.CommissionDistribution{
			PurchaseId:           ev.PurchaseId,
			AffiliateId:          models.PlatformAffiliateId,
			Level:                models.PlatformLevel,
			CommissionAmount:     summary.PlatformShare,
			CommissionPercentage: decimal.Zero,
			BaseCashback:         base,
			IsBlocked:            false,
		}); err != nil {
			return err
		}
		return tx.EnqueueLedgerEvent(&models.LedgerEvent{
			EventType:     models.LedgerEventCommissionDistributed,
			AggregateId:   ev.PurchaseId,
			Payload:       payload,
			CorrelationId: correlationId,
		})
	})
}

func (e *CommissionEngine) logError(step string, ev PurchaseEvent, err error) {
	config.LogError(e.Logger, "CommissionDistribution.go", "Distribute", step, map[string]string{
		"purchase_id":   ev.PurchaseId,
		"customer_id":   ev.CustomerId,
		"base_cashback": ev.BaseCashback.String(),
	}, err)
}
