package workflow

import (
	"errors"
	"time"

	"github.com/mmdatafocus/cashback_backend/models"
	"github.com/mmdatafocus/cashback_backend/store"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// A STARTED key older than this belongs to a crashed worker and may be taken over.
const idempotencyStaleAfter = 5 * time.Minute

// BeginIdempotency inserts STARTED. If SUCCEEDED exists, returns (true, nil) meaning "skip safely".
func BeginIdempotency(tx store.Tx, handlerName, messageId string, now time.Time) (skip bool, err error) {
	key := models.IdempotencyKey{
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusStarted,
	}
	if err := tx.CreateIdempotencyKey(&key); err == nil {
		return false, nil
	} else if !errors.Is(err, store.ErrDuplicate) {
		return false, err
	}

	existing, err := tx.GetIdempotencyKey(handlerName, messageId)
	if err != nil {
		return false, err
	}

	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return true, nil
	case models.IdempotencyStatusStarted:
		// Another worker is processing; if it went stale, take the row over.
		if now.Sub(existing.UpdatedAt) < idempotencyStaleAfter {
			return false, ErrIdempotencyInProgress
		}
	}
	existing.Status = models.IdempotencyStatusStarted
	existing.LastError = nil
	return false, tx.UpdateIdempotencyKey(existing)
}

func MarkIdempotencySucceeded(tx store.Tx, handlerName, messageId string) error {
	return tx.UpdateIdempotencyKey(&models.IdempotencyKey{
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusSucceeded,
	})
}

func MarkIdempotencyFailed(tx store.Tx, handlerName, messageId string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return tx.UpdateIdempotencyKey(&models.IdempotencyKey{
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusFailed,
		LastError:   &msg,
	})
}
