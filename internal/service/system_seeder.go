package service

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"asset-ledger/internal/domain"
	"asset-ledger/internal/usecase"
	"asset-ledger/pkg/xerrors"
)

// SystemSeeder installs the bootstrap conversion rules on first start so a
// fresh deployment can quote immediately. Seeding is idempotent: pairs that
// already have a version in force are left alone, so restarting the service
// never reprices anything.
type SystemSeeder struct {
	rules  *usecase.RuleService
	logger *zap.Logger
}

func NewSystemSeeder(rules *usecase.RuleService, logger *zap.Logger) *SystemSeeder {
	return &SystemSeeder{rules: rules, logger: logger}
}

// bootstrapRules are the pairs a fresh installation starts with. Operations
// teams reprice through the rules API afterwards; these never overwrite an
// existing version.
func bootstrapRules() []*domain.ConversionRule {
	return []*domain.ConversionRule{
		{
			FromAssetCode: "USD",
			ToAssetCode:   "USDT",
			FromAmount:    100,
			ToAmount:      100,
			FeeRate:       decimal.NewFromFloat(0.001),
			FeeMinAmount:  1,
			MinFromAmount: 100,
			RoundingMode:  domain.RoundFloor,
			IsEnabled:     true,
		},
		{
			FromAssetCode: "USDT",
			ToAssetCode:   "USD",
			FromAmount:    100,
			ToAmount:      100,
			FeeRate:       decimal.NewFromFloat(0.001),
			FeeMinAmount:  1,
			MinFromAmount: 100,
			RoundingMode:  domain.RoundFloor,
			IsEnabled:     true,
		},
		{
			FromAssetCode: "GOLD",
			ToAssetCode:   "USD",
			FromAmount:    1,
			ToAmount:      200,
			FeeRate:       decimal.NewFromFloat(0.005),
			FeeMinAmount:  10,
			MinFromAmount: 1,
			RoundingMode:  domain.RoundFloor,
			IsEnabled:     true,
		},
	}
}

// SeedRules creates the bootstrap versions for pairs that have none yet.
func (s *SystemSeeder) SeedRules(ctx context.Context) error {
	seeded := 0
	for _, rule := range bootstrapRules() {
		_, err := s.rules.Resolve(ctx, rule.FromAssetCode, rule.ToAssetCode, time.Now())
		if err == nil {
			continue
		}
		if !errors.Is(err, xerrors.ErrRuleNotFound) {
			return err
		}

		if _, err := s.rules.CreateVersion(ctx, rule); err != nil {
			return err
		}
		seeded++
	}

	s.logger.Info("bootstrap rules seeded", zap.Int("created", seeded))
	return nil
}
