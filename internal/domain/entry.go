package domain

import (
	"fmt"
	"time"
)

// BusinessType discriminates the legs of a logical operation. Legs of one
// operation share a business_id and differ only by business_type.
type BusinessType string

const (
	BusinessTypeConvertDebit   BusinessType = "convert_debit"
	BusinessTypeConvertCredit  BusinessType = "convert_credit"
	BusinessTypeConvertFee     BusinessType = "convert_fee"
	BusinessTypeExchangeDebit  BusinessType = "exchange_debit"
	BusinessTypeExchangeCredit BusinessType = "exchange_credit"
	BusinessTypeExchangeFee    BusinessType = "exchange_fee"
	BusinessTypeAdjust         BusinessType = "adjust"
	BusinessTypeFreeze         BusinessType = "freeze"
	BusinessTypeUnfreeze       BusinessType = "unfreeze"
)

// LedgerEntry is one immutable row recording a single signed change to the
// available amount of an (account, asset) balance. Rows are appended once and
// never updated or deleted.
type LedgerEntry struct {
	ID            int64        `json:"id"`
	AccountID     int64        `json:"account_id"`
	AssetCode     string       `json:"asset_code"`
	Delta         int64        `json:"delta_amount"`
	BalanceBefore int64        `json:"balance_before"`
	BalanceAfter  int64        `json:"balance_after"`
	BusinessID    string       `json:"business_id"`
	BusinessType  BusinessType `json:"business_type"`
	Meta          EntryMeta    `json:"meta"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Fingerprint returns the semantic fingerprint of the request this entry
// realized. See EntryMeta.Fingerprint.
func (e *LedgerEntry) Fingerprint() string {
	return e.Meta.Fingerprint(e.BusinessType, e.Delta)
}

// EntryMeta is the structured audit payload stored with each entry. Exactly
// one variant should be set, matching the business_type of the entry. The
// payload is versioned so later schema changes stay readable.
type EntryMeta struct {
	SchemaVersion int    `json:"v"`
	Note          string `json:"note,omitempty"`
	RefCode       string `json:"ref_code,omitempty"`

	Conversion *ConversionMeta `json:"conversion,omitempty"`
	Adjustment *AdjustmentMeta `json:"adjustment,omitempty"`
	Freeze     *FreezeMeta     `json:"freeze,omitempty"`
}

// MetaSchemaVersion is stamped into every newly written EntryMeta.
const MetaSchemaVersion = 1

// ConversionMeta is shared by all legs of a convert/exchange operation and
// snapshots the rule that priced it, so rule edits never rewrite history.
type ConversionMeta struct {
	FromAssetCode string       `json:"from_asset_code"`
	ToAssetCode   string       `json:"to_asset_code"`
	FromAmount    int64        `json:"from_amount"`
	GrossToAmount int64        `json:"gross_to_amount"`
	FeeAmount     int64        `json:"fee_amount"`
	NetToAmount   int64        `json:"net_to_amount"`
	Rule          RuleSnapshot `json:"rule"`
}

// AdjustmentMeta records a risk-control or admin adjustment.
type AdjustmentMeta struct {
	Reason   string `json:"reason"`
	Operator string `json:"operator,omitempty"`
}

// FreezeMeta records an available<->frozen movement.
type FreezeMeta struct {
	Amount int64 `json:"amount"`
}

// Fingerprint reduces a request to the fields that define "the same business
// request" for duplicate-vs-conflict detection: the delta magnitude plus the
// operation-defining meta fields for the business type. This is NOT a deep
// equality of the whole payload: notes, operators and snapshots may differ
// between honest retries.
func (m *EntryMeta) Fingerprint(bt BusinessType, delta int64) string {
	abs := delta
	if abs < 0 {
		abs = -abs
	}

	switch {
	case m.Conversion != nil:
		return fmt.Sprintf("%s|%s>%s|%d|%d",
			bt, m.Conversion.FromAssetCode, m.Conversion.ToAssetCode, m.Conversion.FromAmount, abs)
	case m.Adjustment != nil:
		return fmt.Sprintf("%s|%s|%d", bt, m.Adjustment.Reason, abs)
	case m.Freeze != nil:
		return fmt.Sprintf("%s|%d|%d", bt, m.Freeze.Amount, abs)
	default:
		return fmt.Sprintf("%s|%d", bt, abs)
	}
}

// EntryFilter narrows ledger history queries.
type EntryFilter struct {
	AccountID    *int64
	AssetCode    *string
	BusinessID   *string
	BusinessType *BusinessType
	StartDate    *time.Time
	EndDate      *time.Time
	Limit        int
	Offset       int
}
