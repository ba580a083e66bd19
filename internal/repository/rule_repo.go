package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"asset-ledger/internal/domain"
	"asset-ledger/pkg/xerrors"
)

type RuleRepository interface {
	// GetEffective returns the rule version for (from, to) with the greatest
	// effective_at <= asOf, regardless of enabled state; callers decide how
	// to treat a disabled version. xerrors.ErrRuleNotFound when no version
	// has taken effect yet.
	GetEffective(ctx context.Context, fromAsset, toAsset string, asOf time.Time) (*domain.ConversionRule, error)

	// Create inserts a new rule version. Versions are never updated in
	// place; repricing means inserting a row with a later effective_at.
	Create(ctx context.Context, tx pgx.Tx, rule *domain.ConversionRule) error

	// ListVersions returns the full version history for a pair, newest
	// effective_at first.
	ListVersions(ctx context.Context, fromAsset, toAsset string) ([]*domain.ConversionRule, error)
}

type ruleRepo struct {
	db *pgxpool.Pool
}

func NewRuleRepo(db *pgxpool.Pool) RuleRepository {
	return &ruleRepo{db: db}
}

const ruleColumns = `id, from_asset_code, to_asset_code, from_amount, to_amount, fee_rate::text, fee_min_amount, fee_asset_code, min_from_amount, max_from_amount, rounding_mode, is_enabled, effective_at, created_at`

func scanRule(row pgx.Row) (*domain.ConversionRule, error) {
	var (
		r       domain.ConversionRule
		feeRate string
	)
	err := row.Scan(
		&r.ID,
		&r.FromAssetCode,
		&r.ToAssetCode,
		&r.FromAmount,
		&r.ToAmount,
		&feeRate,
		&r.FeeMinAmount,
		&r.FeeAssetCode,
		&r.MinFromAmount,
		&r.MaxFromAmount,
		&r.RoundingMode,
		&r.IsEnabled,
		&r.EffectiveAt,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.FeeRate, err = decimal.NewFromString(feeRate)
	if err != nil {
		return nil, fmt.Errorf("parse fee rate %q: %w", feeRate, err)
	}
	return &r, nil
}

func (r *ruleRepo) GetEffective(ctx context.Context, fromAsset, toAsset string, asOf time.Time) (*domain.ConversionRule, error) {
	rule, err := scanRule(r.db.QueryRow(ctx, `
		SELECT `+ruleColumns+`
		FROM conversion_rules
		WHERE from_asset_code = $1 AND to_asset_code = $2 AND effective_at <= $3
		ORDER BY effective_at DESC, id DESC
		LIMIT 1
	`, fromAsset, toAsset, asOf))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrRuleNotFound
		}
		return nil, xerrors.WrapStore("get effective rule", err)
	}
	return rule, nil
}

func (r *ruleRepo) Create(ctx context.Context, tx pgx.Tx, rule *domain.ConversionRule) error {
	if tx == nil {
		return xerrors.ErrTxRequired
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	rule.CreatedAt = time.Now()
	if rule.EffectiveAt.IsZero() {
		rule.EffectiveAt = rule.CreatedAt
	}

	err := tx.QueryRow(ctx, `
		INSERT INTO conversion_rules
			(from_asset_code, to_asset_code, from_amount, to_amount, fee_rate, fee_min_amount, fee_asset_code,
			 min_from_amount, max_from_amount, rounding_mode, is_enabled, effective_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id
	`, rule.FromAssetCode, rule.ToAssetCode, rule.FromAmount, rule.ToAmount,
		rule.FeeRate.String(), rule.FeeMinAmount, rule.FeeAssetCode,
		rule.MinFromAmount, rule.MaxFromAmount, rule.RoundingMode,
		rule.IsEnabled, rule.EffectiveAt, rule.CreatedAt).Scan(&rule.ID)
	if err != nil {
		return xerrors.WrapStore("create rule version", err)
	}
	return nil
}

func (r *ruleRepo) ListVersions(ctx context.Context, fromAsset, toAsset string) ([]*domain.ConversionRule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM conversion_rules
		WHERE from_asset_code = $1 AND to_asset_code = $2
		ORDER BY effective_at DESC, id DESC
	`, fromAsset, toAsset)
	if err != nil {
		return nil, xerrors.WrapStore("list rule versions", err)
	}
	defer rows.Close()

	var rules []*domain.ConversionRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule row: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.WrapStore("iterate rule rows", err)
	}
	return rules, nil
}
