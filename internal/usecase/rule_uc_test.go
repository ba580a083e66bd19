package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"asset-ledger/internal/domain"
	"asset-ledger/internal/repository/memory"
	"asset-ledger/pkg/xerrors"
)

func newTestRules(t *testing.T) (*memory.Store, *RuleService) {
	t.Helper()
	store := memory.NewStore()
	return store, NewRuleService(store, store, zap.NewNop())
}

func TestResolvePicksLatestEffectiveVersion(t *testing.T) {
	_, rules := newTestRules(t)
	ctx := context.Background()

	mk := func(toAmount int64, effectiveAt time.Time) {
		_, err := rules.CreateVersion(ctx, &domain.ConversionRule{
			FromAssetCode: "USD",
			ToAssetCode:   "USDT",
			FromAmount:    100,
			ToAmount:      toAmount,
			RoundingMode:  domain.RoundFloor,
			IsEnabled:     true,
			EffectiveAt:   effectiveAt,
		})
		require.NoError(t, err)
	}

	now := time.Now()
	mk(99, now.Add(-48*time.Hour))
	mk(100, now.Add(-1*time.Hour))
	mk(101, now.Add(24*time.Hour))

	rule, err := rules.Resolve(ctx, "USD", "USDT", now)
	require.NoError(t, err)
	require.Equal(t, int64(100), rule.ToAmount)

	// Time travel: the version in force two days ago.
	rule, err = rules.Resolve(ctx, "USD", "USDT", now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(99), rule.ToAmount)

	// The future version takes over once its effective_at passes.
	rule, err = rules.Resolve(ctx, "USD", "USDT", now.Add(48*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(101), rule.ToAmount)
}

func TestResolveBeforeAnyVersion(t *testing.T) {
	_, rules := newTestRules(t)
	ctx := context.Background()

	_, err := rules.CreateVersion(ctx, &domain.ConversionRule{
		FromAssetCode: "USD",
		ToAssetCode:   "USDT",
		FromAmount:    100,
		ToAmount:      100,
		RoundingMode:  domain.RoundFloor,
		EffectiveAt:   time.Now(),
	})
	require.NoError(t, err)

	_, err = rules.Resolve(ctx, "USD", "USDT", time.Now().Add(-time.Hour))
	require.ErrorIs(t, err, xerrors.ErrRuleNotFound)
}

func TestResolveReturnsDisabledVersions(t *testing.T) {
	// Disabling a pair is done by publishing a disabled version; resolution
	// still surfaces it so callers can report "disabled" instead of "unknown
	// pair".
	_, rules := newTestRules(t)
	ctx := context.Background()

	_, err := rules.CreateVersion(ctx, &domain.ConversionRule{
		FromAssetCode: "USD",
		ToAssetCode:   "USDT",
		FromAmount:    100,
		ToAmount:      100,
		RoundingMode:  domain.RoundFloor,
		IsEnabled:     false,
		EffectiveAt:   time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	rule, err := rules.Resolve(ctx, "USD", "USDT", time.Now())
	require.NoError(t, err)
	require.False(t, rule.IsEnabled)
}

func TestCreateVersionValidates(t *testing.T) {
	_, rules := newTestRules(t)

	_, err := rules.CreateVersion(context.Background(), &domain.ConversionRule{
		FromAssetCode: "USD",
		ToAssetCode:   "USD",
		FromAmount:    1,
		ToAmount:      1,
	})
	require.ErrorIs(t, err, xerrors.ErrSameAssetPair)
}

func TestHistoryNewestFirst(t *testing.T) {
	_, rules := newTestRules(t)
	ctx := context.Background()
	now := time.Now()

	for i, offset := range []time.Duration{-2 * time.Hour, -1 * time.Hour} {
		_, err := rules.CreateVersion(ctx, &domain.ConversionRule{
			FromAssetCode: "USD",
			ToAssetCode:   "USDT",
			FromAmount:    100,
			ToAmount:      int64(100 + i),
			FeeRate:       decimal.Zero,
			RoundingMode:  domain.RoundFloor,
			EffectiveAt:   now.Add(offset),
		})
		require.NoError(t, err)
	}

	history, err := rules.History(ctx, "USD", "USDT")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, int64(101), history[0].ToAmount)
	require.Equal(t, int64(100), history[1].ToAmount)
}
