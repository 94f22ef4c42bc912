package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/cashback_backend/config"
	"github.com/mmdatafocus/cashback_backend/models"
	"github.com/mmdatafocus/cashback_backend/store"
	"github.com/mmdatafocus/cashback_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var ErrInvalidPolicy = errors.New("invalid commission policy")

const (
	MaxCommissionLevel = 10
	policyCacheKey     = "commission-levels:active"
	policyCacheTTL     = 10 * time.Minute
)

var (
	hundred         = decimal.NewFromInt(100)
	policyTolerance = decimal.RequireFromString("0.01")
)

// LevelInput is one (level, percentage) pair submitted by an administrator.
type LevelInput struct {
	Level      int             `json:"level" validate:"required,min=1,max=10"`
	Percentage decimal.Decimal `json:"percentage" validate:"gte=0,lte=100"`
}

// DefaultCommissionLevels is the seed table: ten levels at 10% each.
func DefaultCommissionLevels() []LevelInput {
	levels := make([]LevelInput, 0, MaxCommissionLevel)
	for i := 1; i <= MaxCommissionLevel; i++ {
		levels = append(levels, LevelInput{Level: i, Percentage: decimal.NewFromInt(10)})
	}
	return levels
}

// PolicyCache holds the active level table between reads. Implementations may drop entries at any time.
type PolicyCache interface {
	Get(ctx context.Context) ([]models.CommissionLevelSetting, bool)
	Set(ctx context.Context, levels []models.CommissionLevelSetting)
	Invalidate(ctx context.Context)
}

// RedisPolicyCache stores the table through the shared Redis client; it is a no-op when Redis is not connected.
type RedisPolicyCache struct {
	Logger *logrus.Logger
}

func (c RedisPolicyCache) Get(ctx context.Context) ([]models.CommissionLevelSetting, bool) {
	var levels []models.CommissionLevelSetting
	found, err := config.GetRedisObject(policyCacheKey, &levels)
	if err != nil {
		config.LogError(c.Logger, "CommissionPolicy.go", "RedisPolicyCache.Get", "Reading cached levels", nil, err)
		return nil, false
	}
	return levels, found
}

func (c RedisPolicyCache) Set(ctx context.Context, levels []models.CommissionLevelSetting) {
	if err := config.SetRedisObject(policyCacheKey, levels, policyCacheTTL); err != nil {
		config.LogError(c.Logger, "CommissionPolicy.go", "RedisPolicyCache.Set", "Caching levels", nil, err)
	}
}

func (c RedisPolicyCache) Invalidate(ctx context.Context) {
	if err := config.RemoveRedisKey(policyCacheKey); err != nil {
		config.LogError(c.Logger, "CommissionPolicy.go", "RedisPolicyCache.Invalidate", "Removing cached levels", nil, err)
	}
}

// CommissionPolicy is the store of (level, percentage) pairs. The table is validated on write,
// not on every distribution.
type CommissionPolicy struct {
	Store  store.Store
	Cache  PolicyCache
	Logger *logrus.Logger
}

// ActiveLevels returns the active settings ordered by level.
func (p *CommissionPolicy) ActiveLevels(ctx context.Context) ([]models.CommissionLevelSetting, error) {
	if p.Cache != nil {
		if levels, ok := p.Cache.Get(ctx); ok && len(levels) > 0 {
			return levels, nil
		}
	}
	var levels []models.CommissionLevelSetting
	err := p.Store.Transaction(ctx, func(tx store.Tx) error {
		var err error
		levels, err = tx.ListActiveCommissionLevels()
		return err
	})
	if err != nil {
		return nil, err
	}
	if p.Cache != nil && len(levels) > 0 {
		p.Cache.Set(ctx, levels)
	}
	return levels, nil
}

// ValidateLevels checks levels are unique within 1..10, each percentage within 0..100,
// and the total is 100 within 0.01.
func ValidateLevels(levels []LevelInput) error {
	if len(levels) == 0 {
		return fmt.Errorf("%w: no levels", ErrInvalidPolicy)
	}
	seen := map[int]bool{}
	total := decimal.Zero
	for _, l := range levels {
		if err := utils.Validator().Struct(l); err != nil {
			return fmt.Errorf("%w: level %d: %v", ErrInvalidPolicy, l.Level, utils.ProcessValidationErrors(err))
		}
		if seen[l.Level] {
			return fmt.Errorf("%w: duplicate level %d", ErrInvalidPolicy, l.Level)
		}
		seen[l.Level] = true
		total = total.Add(l.Percentage)
	}
	if total.Sub(hundred).Abs().GreaterThan(policyTolerance) {
		return fmt.Errorf("%w: percentages sum to %s, want 100", ErrInvalidPolicy, total.String())
	}
	return nil
}

// Replace validates and atomically swaps the whole level table.
func (p *CommissionPolicy) Replace(ctx context.Context, levels []LevelInput) ([]models.CommissionLevelSetting, error) {
	if err := ValidateLevels(levels); err != nil {
		return nil, err
	}
	rows := make([]models.CommissionLevelSetting, 0, len(levels))
	for _, l := range levels {
		rows = append(rows, models.CommissionLevelSetting{
			Level:      l.Level,
			Percentage: l.Percentage,
			IsActive:   utils.NewTrue(),
		})
	}
	err := p.Store.Transaction(ctx, func(tx store.Tx) error {
		return tx.ReplaceCommissionLevels(rows)
	})
	if err != nil {
		config.LogError(p.Logger, "CommissionPolicy.go", "Replace", "Replacing commission levels", levels, err)
		return nil, err
	}
	if p.Cache != nil {
		p.Cache.Invalidate(ctx)
	}
	return rows, nil
}

// percentageFor resolves the rate paid at a chain level; the purchaser (level 0) is paid at level 1's rate.
func percentageFor(levels []models.CommissionLevelSetting, chainLevel int) (decimal.Decimal, bool) {
	want := chainLevel
	if want < 1 {
		want = 1
	}
	for _, l := range levels {
		if l.Level == want {
			return l.Percentage, true
		}
	}
	return decimal.Zero, false
}
