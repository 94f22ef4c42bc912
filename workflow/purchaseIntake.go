package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mmdatafocus/cashback_backend/config"
	"github.com/mmdatafocus/cashback_backend/models"
	"github.com/mmdatafocus/cashback_backend/store"
	"github.com/shopspring/decimal"
)

var ErrInvalidPurchaseEvent = errors.New("invalid purchase event")

// PurchaseEventFromMessage validates a Pub/Sub purchase payload.
func PurchaseEventFromMessage(m config.PurchaseEventMessage) (PurchaseEvent, error) {
	if strings.TrimSpace(m.PurchaseId) == "" || strings.TrimSpace(m.CustomerId) == "" {
		return PurchaseEvent{}, fmt.Errorf("%w: purchase_id/customer_id required", ErrInvalidPurchaseEvent)
	}
	kind := models.ParseCustomerKind(m.CustomerType)
	base, err := decimal.NewFromString(strings.TrimSpace(m.BaseCashback))
	if err != nil {
		return PurchaseEvent{}, fmt.Errorf("%w: base_cashback: %v", ErrInvalidPurchaseEvent, err)
	}
	if base.IsNegative() {
		return PurchaseEvent{}, fmt.Errorf("%w: base_cashback must not be negative", ErrInvalidPurchaseEvent)
	}
	return PurchaseEvent{
		PurchaseId:   m.PurchaseId,
		CustomerId:   m.CustomerId,
		CustomerKind: kind,
		BaseCashback: base,
	}, nil
}

// RecordPurchase keeps a local copy of the purchase for reconciliation. Redelivered purchases are ignored.
func RecordPurchase(ctx context.Context, s store.Store, ev PurchaseEvent) error {
	err := s.Transaction(ctx, func(tx store.Tx) error {
		return tx.InsertPurchase(&models.Purchase{
			ID:           ev.PurchaseId,
			CustomerId:   ev.CustomerId,
			CustomerKind: ev.CustomerKind,
			BaseCashback: ev.BaseCashback,
		})
	})
	if errors.Is(err, store.ErrDuplicate) {
		return nil
	}
	return err
}
