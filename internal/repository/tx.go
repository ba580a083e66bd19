package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"asset-ledger/pkg/xerrors"
)

// TxManager opens the database transaction that must span a whole composite
// operation. The ledger never opens transactions implicitly; every mutating
// path receives the pgx.Tx explicitly.
type TxManager interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
}

type pgTxManager struct {
	db *pgxpool.Pool
}

func NewTxManager(db *pgxpool.Pool) TxManager {
	return &pgTxManager{db: db}
}

func (m *pgTxManager) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := m.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, xerrors.WrapStore("begin transaction", err)
	}
	return tx, nil
}
