package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/cashback_backend/config"
	"github.com/mmdatafocus/cashback_backend/models"
	"github.com/mmdatafocus/cashback_backend/store"
	"github.com/sirupsen/logrus"
)

// Publisher delivers one outbox event and returns the broker's message id.
type Publisher interface {
	Publish(ctx context.Context, ev models.LedgerEvent) (string, error)
}

// PubSubPublisher sends ledger events to LEDGER_EVENTS_TOPIC.
type PubSubPublisher struct{}

func (PubSubPublisher) Publish(ctx context.Context, ev models.LedgerEvent) (string, error) {
	return config.PublishLedgerEventWithResult(ctx, ev.Payload, map[string]string{
		"event_type":     ev.EventType,
		"aggregate_id":   ev.AggregateId,
		"correlation_id": ev.CorrelationId,
		"outbox_id":      fmt.Sprintf("%d", ev.ID),
	})
}

type OutboxDispatcher struct {
	Store        store.Store
	Publisher    Publisher
	Logger       *logrus.Logger
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	Now            func() time.Time
}

func NewOutboxDispatcher(s store.Store, publisher Publisher, logger *logrus.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		Store:          s,
		Publisher:      publisher,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

func (d *OutboxDispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims one batch and publishes it. It returns how many events were sent.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) int {
	if d.Store == nil || d.Publisher == nil {
		return 0
	}
	now := d.now()

	var claimed []models.LedgerEvent
	err := d.Store.Transaction(ctx, func(tx store.Tx) error {
		var err error
		claimed, err = tx.ClaimLedgerEvents(store.LedgerEventClaim{
			Now:          now,
			StaleBefore:  now.Add(-d.LockTimeout),
			Limit:        d.BatchSize,
			DispatcherId: d.DispatcherID,
			MaxAttempts:  d.MaxAttempts,
		})
		return err
	})
	if err != nil {
		config.LogError(d.Logger, "OutboxDispatcher.go", "DispatchOnce", "Claiming ledger events", nil, err)
		return 0
	}

	sent := 0
	for _, ev := range claimed {
		// Rows marked DEAD in the claim transaction are terminal.
		if ev.PublishStatus == models.OutboxPublishStatusDead {
			continue
		}
		pubID, pubErr := d.Publisher.Publish(ctx, ev)
		if pubErr != nil {
			d.markPublishFailed(ctx, ev, pubErr)
			continue
		}
		d.markPublishSent(ctx, ev, pubID, now)
		sent++
	}
	return sent
}

// Requeue makes a FAILED or DEAD event due on the next poll. It returns store.ErrNotFound for
// unknown ids and events that are pending or already sent.
func (d *OutboxDispatcher) Requeue(ctx context.Context, id int) error {
	return d.Store.Transaction(ctx, func(tx store.Tx) error {
		return tx.RequeueLedgerEvent(id, d.now())
	})
}

func (d *OutboxDispatcher) markPublishSent(ctx context.Context, ev models.LedgerEvent, pubsubMsgID string, at time.Time) {
	err := d.Store.Transaction(ctx, func(tx store.Tx) error {
		return tx.MarkLedgerEventSent(ev.ID, pubsubMsgID, at)
	})
	if err != nil {
		config.LogError(d.Logger, "OutboxDispatcher.go", "markPublishSent", "Marking ledger event sent", ev.ID, err)
	}
}

func (d *OutboxDispatcher) markPublishFailed(ctx context.Context, ev models.LedgerEvent, pubErr error) {
	attempt := ev.PublishAttempts
	dead := d.MaxAttempts > 0 && attempt >= d.MaxAttempts

	var next *time.Time
	if !dead {
		backoff := d.InitialBackoff
		for i := 1; i < attempt; i++ {
			backoff *= 2
			if backoff > time.Minute*10 {
				backoff = time.Minute * 10
				break
			}
		}
		t := d.now().Add(backoff)
		next = &t
	}

	err := d.Store.Transaction(ctx, func(tx store.Tx) error {
		return tx.MarkLedgerEventFailed(ev.ID, pubErr.Error(), next, dead)
	})
	if err != nil {
		config.LogError(d.Logger, "OutboxDispatcher.go", "markPublishFailed", "Marking ledger event failed", ev.ID, err)
	}

	if d.Logger == nil {
		return
	}
	fields := logrus.Fields{
		"field":      "OutboxDispatcher",
		"event_type": ev.EventType,
		"record_id":  ev.ID,
		"attempt":    attempt,
	}
	if dead {
		d.Logger.WithFields(fields).Error("outbox publish moved to DEAD after max attempts: " + pubErr.Error())
		return
	}
	fields["next_attempt_at"] = next.Format(time.RFC3339Nano)
	d.Logger.WithFields(fields).Error("outbox publish failed: " + pubErr.Error())
}
