package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"asset-ledger/pkg/xerrors"
)

// RoundingMode is applied to fractional conversion results.
type RoundingMode string

const (
	RoundFloor  RoundingMode = "floor"
	RoundCeil   RoundingMode = "ceil"
	RoundHalfUp RoundingMode = "round"
)

// Apply rounds d to an integer amount per the mode. Unknown modes fall back
// to half-up, matching how the originating platform treated bad config.
func (m RoundingMode) Apply(d decimal.Decimal) int64 {
	switch m {
	case RoundFloor:
		return d.Floor().IntPart()
	case RoundCeil:
		return d.Ceil().IntPart()
	default:
		return d.Round(0).IntPart()
	}
}

// ConversionRule is one version of the pricing config for an asset pair.
// Versions are insert-only: the effective rule at time T is the one with the
// greatest effective_at <= T, and ledger entries keep a snapshot of the
// version that priced them.
type ConversionRule struct {
	ID            int64           `json:"id"`
	FromAssetCode string          `json:"from_asset_code"`
	ToAssetCode   string          `json:"to_asset_code"`
	FromAmount    int64           `json:"from_amount"`
	ToAmount      int64           `json:"to_amount"`
	FeeRate       decimal.Decimal `json:"fee_rate"`
	FeeMinAmount  int64           `json:"fee_min_amount"`
	FeeAssetCode  string          `json:"fee_asset_code"`
	MinFromAmount int64           `json:"min_from_amount"`
	MaxFromAmount int64           `json:"max_from_amount"` // 0 means no cap
	RoundingMode  RoundingMode    `json:"rounding_mode"`
	IsEnabled     bool            `json:"is_enabled"`
	EffectiveAt   time.Time       `json:"effective_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// RuleSnapshot is the audit copy of a rule embedded in entry meta.
type RuleSnapshot struct {
	RuleID        int64           `json:"rule_id"`
	FromAmount    int64           `json:"from_amount"`
	ToAmount      int64           `json:"to_amount"`
	FeeRate       decimal.Decimal `json:"fee_rate"`
	FeeMinAmount  int64           `json:"fee_min_amount"`
	FeeAssetCode  string          `json:"fee_asset_code"`
	RoundingMode  RoundingMode    `json:"rounding_mode"`
	EffectiveAt   time.Time       `json:"effective_at"`
}

func (r *ConversionRule) Snapshot() RuleSnapshot {
	return RuleSnapshot{
		RuleID:       r.ID,
		FromAmount:   r.FromAmount,
		ToAmount:     r.ToAmount,
		FeeRate:      r.FeeRate,
		FeeMinAmount: r.FeeMinAmount,
		FeeAssetCode: r.FeeAssetCode,
		RoundingMode: r.RoundingMode,
		EffectiveAt:  r.EffectiveAt,
	}
}

// Validate checks structural sanity of a rule version before it is stored.
func (r *ConversionRule) Validate() error {
	if r.FromAssetCode == "" || r.ToAssetCode == "" {
		return xerrors.ErrAssetCodeRequired
	}
	if r.FromAssetCode == r.ToAssetCode {
		return xerrors.ErrSameAssetPair
	}
	if r.FromAmount <= 0 || r.ToAmount <= 0 {
		return xerrors.ErrInvalidRequest
	}
	if r.FeeRate.IsNegative() || r.FeeMinAmount < 0 {
		return xerrors.ErrInvalidRequest
	}
	if r.MinFromAmount < 0 || (r.MaxFromAmount > 0 && r.MaxFromAmount < r.MinFromAmount) {
		return xerrors.ErrInvalidRequest
	}
	if r.FeeAssetCode == "" {
		r.FeeAssetCode = r.ToAssetCode
	}
	return nil
}

// Quote is the priced outcome of applying a rule to a from_amount.
type Quote struct {
	FromAmount    int64 `json:"from_amount"`
	GrossToAmount int64 `json:"gross_to_amount"`
	FeeAmount     int64 `json:"fee_amount"`
	NetToAmount   int64 `json:"net_to_amount"`
}

// Quote prices fromAmount against the rule:
//
//	gross = round(from / rule.from * rule.to)
//	fee   = round(max(gross * fee_rate, fee_min))
//	net   = gross - fee
//
// Limit checks come first so a disabled-range request never reaches pricing.
func (r *ConversionRule) Quote(fromAmount int64) (*Quote, error) {
	if fromAmount <= 0 {
		return nil, xerrors.ErrInvalidRequest
	}
	if fromAmount < r.MinFromAmount {
		return nil, xerrors.ErrAmountBelowMinimum
	}
	if r.MaxFromAmount > 0 && fromAmount > r.MaxFromAmount {
		return nil, xerrors.ErrAmountAboveMaximum
	}

	gross := r.RoundingMode.Apply(
		decimal.NewFromInt(fromAmount).
			Div(decimal.NewFromInt(r.FromAmount)).
			Mul(decimal.NewFromInt(r.ToAmount)),
	)

	feeDec := decimal.NewFromInt(gross).Mul(r.FeeRate)
	if feeMin := decimal.NewFromInt(r.FeeMinAmount); feeDec.LessThan(feeMin) {
		feeDec = feeMin
	}
	fee := r.RoundingMode.Apply(feeDec)

	net := gross - fee
	if net <= 0 {
		return nil, xerrors.ErrAmountBelowMinimum
	}

	return &Quote{
		FromAmount:    fromAmount,
		GrossToAmount: gross,
		FeeAmount:     fee,
		NetToAmount:   net,
	}, nil
}
