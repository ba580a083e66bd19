package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"asset-ledger/internal/domain"
	"asset-ledger/pkg/xerrors"
)

type BalanceRepository interface {
	// Get reads the current row without locking. Missing rows surface as
	// xerrors.ErrBalanceNotFound (a balance exists only after its first
	// mutation).
	Get(ctx context.Context, accountID int64, assetCode string) (*domain.AssetBalance, error)

	// GetForUpdate locks the (account, asset) row for the duration of tx,
	// creating a zero row first if none exists. This is the only lock the
	// ledger takes; disjoint pairs stay fully parallel.
	GetForUpdate(ctx context.Context, tx pgx.Tx, accountID int64, assetCode string) (*domain.AssetBalance, error)

	// ApplyDelta adds delta to the available amount of a row previously
	// locked by GetForUpdate in the same tx.
	ApplyDelta(ctx context.Context, tx pgx.Tx, accountID int64, assetCode string, delta int64) (*domain.AssetBalance, error)

	// Freeze moves amount from available to frozen; Unfreeze the reverse.
	// Both require the row lock held in tx.
	Freeze(ctx context.Context, tx pgx.Tx, accountID int64, assetCode string, amount int64) (*domain.AssetBalance, error)
	Unfreeze(ctx context.Context, tx pgx.Tx, accountID int64, assetCode string, amount int64) (*domain.AssetBalance, error)
}

type balanceRepo struct {
	db *pgxpool.Pool
}

func NewBalanceRepo(db *pgxpool.Pool) BalanceRepository {
	return &balanceRepo{db: db}
}

const balanceColumns = `account_id, asset_code, available_amount, frozen_amount, version, updated_at`

func scanBalance(row pgx.Row) (*domain.AssetBalance, error) {
	var b domain.AssetBalance
	err := row.Scan(
		&b.AccountID,
		&b.AssetCode,
		&b.Available,
		&b.Frozen,
		&b.Version,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *balanceRepo) Get(ctx context.Context, accountID int64, assetCode string) (*domain.AssetBalance, error) {
	b, err := scanBalance(r.db.QueryRow(ctx, `
		SELECT `+balanceColumns+`
		FROM asset_balances
		WHERE account_id = $1 AND asset_code = $2
	`, accountID, assetCode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrBalanceNotFound
		}
		return nil, xerrors.WrapStore("get balance", err)
	}
	return b, nil
}

func (r *balanceRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, accountID int64, assetCode string) (*domain.AssetBalance, error) {
	if tx == nil {
		return nil, xerrors.ErrTxRequired
	}

	// Lazy creation: make sure the row exists before locking it, so a first
	// credit and a concurrent first mutation race safely on the unique key.
	_, err := tx.Exec(ctx, `
		INSERT INTO asset_balances (account_id, asset_code, available_amount, frozen_amount, version, updated_at)
		VALUES ($1, $2, 0, 0, 0, $3)
		ON CONFLICT (account_id, asset_code) DO NOTHING
	`, accountID, assetCode, time.Now())
	if err != nil {
		return nil, xerrors.WrapStore("ensure balance row", err)
	}

	b, err := scanBalance(tx.QueryRow(ctx, `
		SELECT `+balanceColumns+`
		FROM asset_balances
		WHERE account_id = $1 AND asset_code = $2
		FOR UPDATE
	`, accountID, assetCode))
	if err != nil {
		return nil, xerrors.WrapStore("lock balance row", err)
	}
	return b, nil
}

func (r *balanceRepo) ApplyDelta(ctx context.Context, tx pgx.Tx, accountID int64, assetCode string, delta int64) (*domain.AssetBalance, error) {
	if tx == nil {
		return nil, xerrors.ErrTxRequired
	}

	b, err := scanBalance(tx.QueryRow(ctx, `
		UPDATE asset_balances
		SET available_amount = available_amount + $1,
		    version = version + 1,
		    updated_at = $2
		WHERE account_id = $3 AND asset_code = $4
		RETURNING `+balanceColumns+`
	`, delta, time.Now(), accountID, assetCode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrBalanceNotFound
		}
		return nil, xerrors.WrapStore("apply balance delta", err)
	}

	// The service checks funds under the row lock before applying; a negative
	// amount here means that check was bypassed.
	if b.Available < 0 {
		return nil, xerrors.ErrInsufficientBalance
	}
	return b, nil
}

func (r *balanceRepo) Freeze(ctx context.Context, tx pgx.Tx, accountID int64, assetCode string, amount int64) (*domain.AssetBalance, error) {
	return r.moveFrozen(ctx, tx, accountID, assetCode, amount, true)
}

func (r *balanceRepo) Unfreeze(ctx context.Context, tx pgx.Tx, accountID int64, assetCode string, amount int64) (*domain.AssetBalance, error) {
	return r.moveFrozen(ctx, tx, accountID, assetCode, amount, false)
}

func (r *balanceRepo) moveFrozen(ctx context.Context, tx pgx.Tx, accountID int64, assetCode string, amount int64, freeze bool) (*domain.AssetBalance, error) {
	if tx == nil {
		return nil, xerrors.ErrTxRequired
	}

	delta := amount
	if freeze {
		delta = -amount
	}

	b, err := scanBalance(tx.QueryRow(ctx, `
		UPDATE asset_balances
		SET available_amount = available_amount + $1,
		    frozen_amount = frozen_amount - $1,
		    version = version + 1,
		    updated_at = $2
		WHERE account_id = $3 AND asset_code = $4
		RETURNING `+balanceColumns+`
	`, delta, time.Now(), accountID, assetCode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrBalanceNotFound
		}
		return nil, xerrors.WrapStore("move frozen amount", err)
	}

	if b.Available < 0 {
		return nil, xerrors.ErrInsufficientBalance
	}
	if b.Frozen < 0 {
		return nil, xerrors.ErrInsufficientFrozen
	}
	return b, nil
}
