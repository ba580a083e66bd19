package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"asset-ledger/internal/domain"
	"asset-ledger/internal/repository/memory"
	"asset-ledger/pkg/xerrors"
)

func newTestLedger(t *testing.T) (*memory.Store, *LedgerService) {
	t.Helper()
	store := memory.NewStore()
	guard := NewIdempotencyGuard(store)
	svc := NewLedgerService(store, store, store, guard, nil, nil, zap.NewNop())
	return store, svc
}

func seedBalance(t *testing.T, store *memory.Store, accountID int64, asset string, amount int64) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	_, err = store.GetForUpdate(ctx, tx, accountID, asset)
	require.NoError(t, err)
	_, err = store.ApplyDelta(ctx, tx, accountID, asset, amount)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
}

func TestChangeBalanceDebit(t *testing.T) {
	store, svc := newTestLedger(t)
	seedBalance(t, store, 7, "USD", 100)

	res, err := svc.ChangeBalance(context.Background(), &domain.ChangeRequest{
		AccountID:    7,
		AssetCode:    "USD",
		Delta:        -40,
		BusinessID:   "biz-1",
		BusinessType: domain.BusinessTypeAdjust,
		Meta:         domain.EntryMeta{Adjustment: &domain.AdjustmentMeta{Reason: "correction"}},
	})
	require.NoError(t, err)
	require.False(t, res.IsDuplicate)
	require.Equal(t, int64(60), res.Balance.Available)
	require.Equal(t, int64(100), res.Entry.BalanceBefore)
	require.Equal(t, int64(60), res.Entry.BalanceAfter)
	require.Equal(t, domain.MetaSchemaVersion, res.Entry.Meta.SchemaVersion)
	require.Equal(t, 1, store.EntryCount())
}

func TestChangeBalanceFirstCreditCreatesRow(t *testing.T) {
	store, svc := newTestLedger(t)

	_, err := store.Get(context.Background(), 9, "USDT")
	require.ErrorIs(t, err, xerrors.ErrBalanceNotFound)

	res, err := svc.ChangeBalance(context.Background(), &domain.ChangeRequest{
		AccountID:    9,
		AssetCode:    "USDT",
		Delta:        500,
		BusinessID:   "dep-1",
		BusinessType: domain.BusinessTypeAdjust,
		Meta:         domain.EntryMeta{Adjustment: &domain.AdjustmentMeta{Reason: "deposit"}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), res.Entry.BalanceBefore)
	require.Equal(t, int64(500), res.Entry.BalanceAfter)
	require.Equal(t, int64(500), res.Balance.Available)
}

func TestChangeBalanceDuplicateReplay(t *testing.T) {
	store, svc := newTestLedger(t)
	seedBalance(t, store, 7, "USD", 100)

	req := &domain.ChangeRequest{
		AccountID:    7,
		AssetCode:    "USD",
		Delta:        -40,
		BusinessID:   "biz-1",
		BusinessType: domain.BusinessTypeAdjust,
		Meta:         domain.EntryMeta{Adjustment: &domain.AdjustmentMeta{Reason: "correction"}},
	}

	first, err := svc.ChangeBalance(context.Background(), req)
	require.NoError(t, err)

	before := store.EntryCount()
	second, err := svc.ChangeBalance(context.Background(), req)
	require.NoError(t, err)
	require.True(t, second.IsDuplicate)
	require.Equal(t, first.Entry.ID, second.Entry.ID)
	require.Equal(t, before, store.EntryCount())
	require.Equal(t, int64(60), second.Balance.Available)
}

func TestChangeBalanceConflict(t *testing.T) {
	store, svc := newTestLedger(t)
	seedBalance(t, store, 7, "USD", 100)

	req := &domain.ChangeRequest{
		AccountID:    7,
		AssetCode:    "USD",
		Delta:        -40,
		BusinessID:   "biz-1",
		BusinessType: domain.BusinessTypeAdjust,
		Meta:         domain.EntryMeta{Adjustment: &domain.AdjustmentMeta{Reason: "correction"}},
	}
	_, err := svc.ChangeBalance(context.Background(), req)
	require.NoError(t, err)

	before := store.EntryCount()
	conflicting := *req
	conflicting.Delta = -41
	_, err = svc.ChangeBalance(context.Background(), &conflicting)
	require.ErrorIs(t, err, xerrors.ErrIdempotencyConflict)
	require.Equal(t, before, store.EntryCount())

	b, err := store.Get(context.Background(), 7, "USD")
	require.NoError(t, err)
	require.Equal(t, int64(60), b.Available)
}

func TestChangeBalanceConflictOnDifferentAccount(t *testing.T) {
	store, svc := newTestLedger(t)
	seedBalance(t, store, 7, "USD", 100)
	seedBalance(t, store, 8, "USD", 100)

	req := &domain.ChangeRequest{
		AccountID:    7,
		AssetCode:    "USD",
		Delta:        -40,
		BusinessID:   "biz-1",
		BusinessType: domain.BusinessTypeAdjust,
		Meta:         domain.EntryMeta{Adjustment: &domain.AdjustmentMeta{Reason: "correction"}},
	}
	_, err := svc.ChangeBalance(context.Background(), req)
	require.NoError(t, err)

	other := *req
	other.AccountID = 8
	_, err = svc.ChangeBalance(context.Background(), &other)
	require.ErrorIs(t, err, xerrors.ErrIdempotencyConflict)
}

func TestChangeBalanceInsufficientWritesNothing(t *testing.T) {
	store, svc := newTestLedger(t)
	seedBalance(t, store, 7, "USD", 10)

	before := store.EntryCount()
	_, err := svc.ChangeBalance(context.Background(), &domain.ChangeRequest{
		AccountID:    7,
		AssetCode:    "USD",
		Delta:        -20,
		BusinessID:   "biz-1",
		BusinessType: domain.BusinessTypeAdjust,
		Meta:         domain.EntryMeta{Adjustment: &domain.AdjustmentMeta{Reason: "correction"}},
	})
	require.ErrorIs(t, err, xerrors.ErrInsufficientBalance)
	require.Equal(t, before, store.EntryCount())

	b, err := store.Get(context.Background(), 7, "USD")
	require.NoError(t, err)
	require.Equal(t, int64(10), b.Available)
}

func TestChangeBalanceLosesInsertRaceThenReplays(t *testing.T) {
	store, svc := newTestLedger(t)
	seedBalance(t, store, 7, "USD", 100)
	ctx := context.Background()

	req := &domain.ChangeRequest{
		AccountID:    7,
		AssetCode:    "USD",
		Delta:        -40,
		BusinessID:   "biz-1",
		BusinessType: domain.BusinessTypeAdjust,
		Meta:         domain.EntryMeta{Adjustment: &domain.AdjustmentMeta{Reason: "correction"}},
	}

	// A concurrent writer commits the same key between this request's guard
	// check and its own commit, so the unique index fires at commit time.
	raced := false
	store.AppendHook = func(e *domain.LedgerEntry) error {
		if raced {
			return nil
		}
		raced = true
		tx, err := store.BeginTx(ctx)
		if err != nil {
			return err
		}
		winner := *e
		if err := store.Append(ctx, tx, &winner); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	_, err := svc.ChangeBalance(ctx, req)
	require.ErrorIs(t, err, xerrors.ErrStore)
	require.Equal(t, 1, store.EntryCount())

	// The retry resolves through the guard against the winner's row.
	store.AppendHook = nil
	res, err := svc.ChangeBalance(ctx, req)
	require.NoError(t, err)
	require.True(t, res.IsDuplicate)
	require.Equal(t, 1, store.EntryCount())
}

func TestApplyLegRequiresTx(t *testing.T) {
	_, svc := newTestLedger(t)

	_, err := svc.ApplyLeg(context.Background(), nil, &domain.ChangeRequest{
		AccountID:    7,
		AssetCode:    "USD",
		Delta:        5,
		BusinessID:   "biz-1",
		BusinessType: domain.BusinessTypeAdjust,
	})
	require.ErrorIs(t, err, xerrors.ErrTxRequired)
}

func TestFreezeAndUnfreeze(t *testing.T) {
	store, svc := newTestLedger(t)
	seedBalance(t, store, 7, "USD", 100)

	res, err := svc.Freeze(context.Background(), &domain.FreezeRequest{
		AccountID:  7,
		AssetCode:  "USD",
		Amount:     30,
		BusinessID: "frz-1",
	})
	require.NoError(t, err)
	require.Equal(t, int64(70), res.Balance.Available)
	require.Equal(t, int64(30), res.Balance.Frozen)
	require.Equal(t, int64(100), res.Balance.Total())
	require.Equal(t, int64(-30), res.Entry.Delta)

	res, err = svc.Unfreeze(context.Background(), &domain.FreezeRequest{
		AccountID:  7,
		AssetCode:  "USD",
		Amount:     30,
		BusinessID: "unfrz-1",
	})
	require.NoError(t, err)
	require.Equal(t, int64(100), res.Balance.Available)
	require.Equal(t, int64(0), res.Balance.Frozen)
}

func TestFreezeBeyondAvailable(t *testing.T) {
	store, svc := newTestLedger(t)
	seedBalance(t, store, 7, "USD", 20)

	_, err := svc.Freeze(context.Background(), &domain.FreezeRequest{
		AccountID:  7,
		AssetCode:  "USD",
		Amount:     21,
		BusinessID: "frz-1",
	})
	require.ErrorIs(t, err, xerrors.ErrInsufficientBalance)
}

func TestUnfreezeBeyondFrozen(t *testing.T) {
	store, svc := newTestLedger(t)
	seedBalance(t, store, 7, "USD", 100)

	_, err := svc.Freeze(context.Background(), &domain.FreezeRequest{
		AccountID: 7, AssetCode: "USD", Amount: 10, BusinessID: "frz-1",
	})
	require.NoError(t, err)

	_, err = svc.Unfreeze(context.Background(), &domain.FreezeRequest{
		AccountID: 7, AssetCode: "USD", Amount: 11, BusinessID: "unfrz-1",
	})
	require.ErrorIs(t, err, xerrors.ErrInsufficientFrozen)
}

func TestFreezeDuplicateReplay(t *testing.T) {
	store, svc := newTestLedger(t)
	seedBalance(t, store, 7, "USD", 100)

	req := &domain.FreezeRequest{AccountID: 7, AssetCode: "USD", Amount: 30, BusinessID: "frz-1"}
	_, err := svc.Freeze(context.Background(), req)
	require.NoError(t, err)

	res, err := svc.Freeze(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.IsDuplicate)
	require.Equal(t, int64(70), res.Balance.Available)
	require.Equal(t, int64(30), res.Balance.Frozen)
}

func TestAdjustValidation(t *testing.T) {
	_, svc := newTestLedger(t)

	_, err := svc.Adjust(context.Background(), &domain.AdjustRequest{
		AccountID:  7,
		AssetCode:  "USD",
		Delta:      10,
		BusinessID: "adj-1",
		// missing reason
	})
	require.ErrorIs(t, err, xerrors.ErrInvalidRequest)
}

func TestGetOperationReturnsAllLegs(t *testing.T) {
	store, svc := newTestLedger(t)
	seedBalance(t, store, 7, "USD", 100)

	_, err := svc.Freeze(context.Background(), &domain.FreezeRequest{
		AccountID: 7, AssetCode: "USD", Amount: 30, BusinessID: "op-1",
	})
	require.NoError(t, err)

	entries, err := svc.GetOperation(context.Background(), "op-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = svc.GetOperation(context.Background(), "missing")
	require.ErrorIs(t, err, xerrors.ErrNotFound)
}
