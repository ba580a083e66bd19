package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"asset-ledger/internal/repository/memory"
	"asset-ledger/internal/usecase"
)

func TestSeedRulesIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	rules := usecase.NewRuleService(store, store, zap.NewNop())
	seeder := NewSystemSeeder(rules, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, seeder.SeedRules(ctx))

	firstRun, err := rules.History(ctx, "USD", "USDT")
	require.NoError(t, err)
	require.Len(t, firstRun, 1)

	// A second start must not publish new versions.
	require.NoError(t, seeder.SeedRules(ctx))

	secondRun, err := rules.History(ctx, "USD", "USDT")
	require.NoError(t, err)
	require.Len(t, secondRun, 1)
}

func TestSeedRulesEnablesQuoting(t *testing.T) {
	store := memory.NewStore()
	rules := usecase.NewRuleService(store, store, zap.NewNop())
	seeder := NewSystemSeeder(rules, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, seeder.SeedRules(ctx))

	rule, err := rules.Resolve(ctx, "GOLD", "USD", time.Now())
	require.NoError(t, err)
	require.True(t, rule.IsEnabled)

	q, err := rule.Quote(1)
	require.NoError(t, err)
	require.Equal(t, int64(200), q.GrossToAmount)
}
