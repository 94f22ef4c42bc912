package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// AffiliateLocker serializes ledger work for one account across instances.
// The returned func releases the lock and is always safe to call.
type AffiliateLocker interface {
	Lock(ctx context.Context, userId string) (release func())
}

type noopLocker struct{}

func (noopLocker) Lock(context.Context, string) func() { return func() {} }

// RedisAffiliateLocker is a best-effort optimization over the row lock the ledger already takes.
// If Redis is unavailable or the lock cannot be obtained, work proceeds without it.
type RedisAffiliateLocker struct {
	Client *redislock.Client
	Logger *logrus.Logger
	TTL    time.Duration
	Wait   time.Duration
}

func NewRedisAffiliateLocker(client *redislock.Client, logger *logrus.Logger) *RedisAffiliateLocker {
	return &RedisAffiliateLocker{
		Client: client,
		Logger: logger,
		TTL:    30 * time.Second,
		Wait:   2 * time.Second,
	}
}

func affiliateLockKey(userId string) string {
	return fmt.Sprintf("affiliate-ledger:%s", userId)
}

func (l *RedisAffiliateLocker) Lock(ctx context.Context, userId string) func() {
	if l == nil || l.Client == nil {
		l.warn(userId, "redis lock not ready; proceeding without redis lock")
		return func() {}
	}
	step := 50 * time.Millisecond
	retries := int(l.Wait / step)
	lock, err := l.Client.Obtain(ctx, affiliateLockKey(userId), l.TTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(step), retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		l.warn(userId, "could not obtain redis lock; proceeding without redis lock")
		return func() {}
	} else if err != nil {
		l.warn(userId, "error obtaining redis lock; proceeding without redis lock: "+err.Error())
		return func() {}
	}
	return func() {
		if releaseErr := lock.Release(context.Background()); releaseErr != nil {
			l.warn(userId, "failed to release redis lock: "+releaseErr.Error())
		}
	}
}

func (l *RedisAffiliateLocker) warn(userId, msg string) {
	if l == nil || l.Logger == nil {
		return
	}
	l.Logger.WithFields(logrus.Fields{
		"field":   "AffiliateLocker",
		"user_id": userId,
	}).Warn(msg)
}
