package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"asset-ledger/internal/domain"
	"asset-ledger/pkg/xerrors"
)

type EntryRepository interface {
	// Append writes one immutable ledger row inside tx and fills in the
	// generated ID and timestamp.
	Append(ctx context.Context, tx pgx.Tx, e *domain.LedgerEntry) error

	// FindLeg is the idempotency lookup: the unique leg written under
	// (business_id, business_type), or xerrors.ErrEntryNotFound. Callers
	// compare the recorded row against the incoming request; a row under the
	// same key with a different account or asset is a conflict, not a miss.
	FindLeg(ctx context.Context, businessID string, businessType domain.BusinessType) (*domain.LedgerEntry, error)

	// ListByBusinessID returns all legs of one logical operation in append
	// order.
	ListByBusinessID(ctx context.Context, businessID string) ([]*domain.LedgerEntry, error)

	// List returns filtered history, newest first.
	List(ctx context.Context, filter *domain.EntryFilter) ([]*domain.LedgerEntry, error)
}

type entryRepo struct {
	db *pgxpool.Pool
}

func NewEntryRepo(db *pgxpool.Pool) EntryRepository {
	return &entryRepo{db: db}
}

const entryColumns = `id, account_id, asset_code, delta_amount, balance_before, balance_after, business_id, business_type, meta, created_at`

func scanEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var (
		e    domain.LedgerEntry
		meta []byte
	)
	err := row.Scan(
		&e.ID,
		&e.AccountID,
		&e.AssetCode,
		&e.Delta,
		&e.BalanceBefore,
		&e.BalanceAfter,
		&e.BusinessID,
		&e.BusinessType,
		&meta,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Meta); err != nil {
			return nil, fmt.Errorf("decode entry meta: %w", err)
		}
	}
	return &e, nil
}

func (r *entryRepo) Append(ctx context.Context, tx pgx.Tx, e *domain.LedgerEntry) error {
	if tx == nil {
		return xerrors.ErrTxRequired
	}

	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("encode entry meta: %w", err)
	}

	e.CreatedAt = time.Now()
	err = tx.QueryRow(ctx, `
		INSERT INTO ledger_entries
			(account_id, asset_code, delta_amount, balance_before, balance_after, business_id, business_type, meta, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id
	`, e.AccountID, e.AssetCode, e.Delta, e.BalanceBefore, e.BalanceAfter,
		e.BusinessID, e.BusinessType, meta, e.CreatedAt).Scan(&e.ID)

	if err != nil {
		// Unique (business_id, business_type): a concurrent request won the
		// race for the same leg. Surface as retryable; on retry the guard
		// sees the committed row and resolves duplicate vs conflict.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return xerrors.WrapStore("append entry (concurrent duplicate)", err)
		}
		return xerrors.WrapStore("append entry", err)
	}
	return nil
}

func (r *entryRepo) FindLeg(ctx context.Context, businessID string, businessType domain.BusinessType) (*domain.LedgerEntry, error) {
	e, err := scanEntry(r.db.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE business_id = $1 AND business_type = $2
	`, businessID, businessType))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrEntryNotFound
		}
		return nil, xerrors.WrapStore("find leg", err)
	}
	return e, nil
}

func (r *entryRepo) ListByBusinessID(ctx context.Context, businessID string) ([]*domain.LedgerEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE business_id = $1
		ORDER BY id ASC
	`, businessID)
	if err != nil {
		return nil, xerrors.WrapStore("list by business id", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

func (r *entryRepo) List(ctx context.Context, filter *domain.EntryFilter) ([]*domain.LedgerEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE 1=1`
	args := []interface{}{}
	arg := 0

	next := func() string {
		arg++
		return fmt.Sprintf("$%d", arg)
	}

	if filter.AccountID != nil {
		query += ` AND account_id = ` + next()
		args = append(args, *filter.AccountID)
	}
	if filter.AssetCode != nil {
		query += ` AND asset_code = ` + next()
		args = append(args, *filter.AssetCode)
	}
	if filter.BusinessID != nil {
		query += ` AND business_id = ` + next()
		args = append(args, *filter.BusinessID)
	}
	if filter.BusinessType != nil {
		query += ` AND business_type = ` + next()
		args = append(args, *filter.BusinessType)
	}
	if filter.StartDate != nil {
		query += ` AND created_at >= ` + next()
		args = append(args, *filter.StartDate)
	}
	if filter.EndDate != nil {
		query += ` AND created_at <= ` + next()
		args = append(args, *filter.EndDate)
	}

	query += ` ORDER BY created_at DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` LIMIT ` + next()
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ` + next()
		args = append(args, filter.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, xerrors.WrapStore("list entries", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]*domain.LedgerEntry, error) {
	var entries []*domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.WrapStore("iterate entry rows", err)
	}
	return entries, nil
}
