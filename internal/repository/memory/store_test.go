package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"asset-ledger/internal/domain"
	"asset-ledger/pkg/xerrors"
)

func TestRollbackDiscardsStagedWrites(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)

	_, err = store.GetForUpdate(ctx, tx, 1, "USD")
	require.NoError(t, err)
	_, err = store.ApplyDelta(ctx, tx, 1, "USD", 100)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, tx, &domain.LedgerEntry{
		AccountID:    1,
		AssetCode:    "USD",
		Delta:        100,
		BusinessID:   "b-1",
		BusinessType: domain.BusinessTypeAdjust,
	}))

	require.NoError(t, tx.Rollback(ctx))

	_, err = store.Get(ctx, 1, "USD")
	require.ErrorIs(t, err, xerrors.ErrBalanceNotFound)
	require.Equal(t, 0, store.EntryCount())
	_, err = store.FindLeg(ctx, "b-1", domain.BusinessTypeAdjust)
	require.ErrorIs(t, err, xerrors.ErrEntryNotFound)
}

func TestCommitAppliesStagedWrites(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	_, err = store.GetForUpdate(ctx, tx, 1, "USD")
	require.NoError(t, err)
	_, err = store.ApplyDelta(ctx, tx, 1, "USD", 100)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	b, err := store.Get(ctx, 1, "USD")
	require.NoError(t, err)
	require.Equal(t, int64(100), b.Available)
	require.Equal(t, int64(1), b.Version)
}

func TestCommitRejectsDuplicateLegKey(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	entry := domain.LedgerEntry{
		AccountID:    1,
		AssetCode:    "USD",
		Delta:        100,
		BusinessID:   "b-1",
		BusinessType: domain.BusinessTypeAdjust,
	}

	first, err := store.BeginTx(ctx)
	require.NoError(t, err)
	e1 := entry
	require.NoError(t, store.Append(ctx, first, &e1))

	second, err := store.BeginTx(ctx)
	require.NoError(t, err)
	e2 := entry
	require.NoError(t, store.Append(ctx, second, &e2))

	require.NoError(t, first.Commit(ctx))
	err = second.Commit(ctx)
	require.ErrorIs(t, err, xerrors.ErrStore)
	require.Equal(t, 1, store.EntryCount())

	// The same key staged twice inside one transaction fails too.
	third, err := store.BeginTx(ctx)
	require.NoError(t, err)
	e3, e4 := entry, entry
	e3.BusinessID, e4.BusinessID = "b-2", "b-2"
	require.NoError(t, store.Append(ctx, third, &e3))
	require.NoError(t, store.Append(ctx, third, &e4))
	require.ErrorIs(t, third.Commit(ctx), xerrors.ErrStore)
	require.Equal(t, 1, store.EntryCount())
}

func TestRepoCallsRequireOwnTx(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	_, err := store.GetForUpdate(ctx, nil, 1, "USD")
	require.ErrorIs(t, err, xerrors.ErrTxRequired)

	other := NewStore()
	tx, err := other.BeginTx(ctx)
	require.NoError(t, err)
	_, err = store.GetForUpdate(ctx, tx, 1, "USD")
	require.Error(t, err)
}

func TestRowLockSerializesConcurrentDebits(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	_, err = store.GetForUpdate(ctx, tx, 1, "USD")
	require.NoError(t, err)
	_, err = store.ApplyDelta(ctx, tx, 1, "USD", 100)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	// 100 units, 20 goroutines each trying to debit 10: exactly ten succeed.
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := store.BeginTx(ctx)
			if err != nil {
				return
			}
			defer tx.Rollback(ctx)

			b, err := store.GetForUpdate(ctx, tx, 1, "USD")
			if err != nil {
				return
			}
			if b.Available < 10 {
				return
			}
			if _, err := store.ApplyDelta(ctx, tx, 1, "USD", -10); err != nil {
				return
			}
			if err := tx.Commit(ctx); err != nil {
				return
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 10, succeeded)
	b, err := store.Get(ctx, 1, "USD")
	require.NoError(t, err)
	require.Equal(t, int64(0), b.Available)
}
