package domain

import (
	"asset-ledger/pkg/xerrors"
)

// maxAmount bounds every accepted amount and delta so balance arithmetic
// stays far from int64 overflow regardless of what the wire delivers.
const maxAmount = int64(1) << 53

// OperationState tracks a composite operation through its lifecycle. Each
// operation instance passes through the machine exactly once; the terminal
// states are DuplicateReturned, ConflictRejected, Success and Failed.
type OperationState string

const (
	StateRequested         OperationState = "REQUESTED"
	StateRuleResolved      OperationState = "RULE_RESOLVED"
	StateAmountValidated   OperationState = "AMOUNT_VALIDATED"
	StateDuplicateReturned OperationState = "DUPLICATE_RETURNED"
	StateConflictRejected  OperationState = "CONFLICT_REJECTED"
	StateSuccess           OperationState = "SUCCESS"
	StateFailed            OperationState = "FAILED"
)

// ChangeRequest is the input to the single-leg mutation primitive.
type ChangeRequest struct {
	AccountID    int64        `json:"account_id"`
	AssetCode    string       `json:"asset_code"`
	Delta        int64        `json:"delta_amount"`
	BusinessID   string       `json:"business_id"`
	BusinessType BusinessType `json:"business_type"`
	Meta         EntryMeta    `json:"meta"`
}

func (r *ChangeRequest) Validate() error {
	if r.AccountID <= 0 {
		return xerrors.ErrAccountIDRequired
	}
	if r.AssetCode == "" {
		return xerrors.ErrAssetCodeRequired
	}
	if r.Delta == 0 {
		return xerrors.ErrZeroDelta
	}
	if r.Delta > maxAmount || r.Delta < -maxAmount {
		return xerrors.ErrInvalidRequest
	}
	if r.BusinessID == "" {
		return xerrors.ErrBusinessIDRequired
	}
	if r.BusinessType == "" {
		return xerrors.ErrInvalidRequest
	}
	return nil
}

// Fingerprint of the requested effect, comparable against a stored entry's.
func (r *ChangeRequest) Fingerprint() string {
	return r.Meta.Fingerprint(r.BusinessType, r.Delta)
}

// ChangeResult is the outcome of one leg. On a duplicate replay Entry is the
// previously written row and Balance reflects the current row, untouched.
type ChangeResult struct {
	Balance     *AssetBalance `json:"balance"`
	Entry       *LedgerEntry  `json:"transaction_record"`
	IsDuplicate bool          `json:"is_duplicate"`
}

// ConvertRequest asks for a composite from->to conversion under one
// caller-generated idempotency key.
type ConvertRequest struct {
	AccountID     int64  `json:"account_id"`
	FromAssetCode string `json:"from_asset_code"`
	ToAssetCode   string `json:"to_asset_code"`
	FromAmount    int64  `json:"from_amount"`
	BusinessID    string `json:"business_id"`
	Operator      string `json:"operator,omitempty"`
}

func (r *ConvertRequest) Validate() error {
	if r.AccountID <= 0 {
		return xerrors.ErrAccountIDRequired
	}
	if r.FromAssetCode == "" || r.ToAssetCode == "" {
		return xerrors.ErrAssetCodeRequired
	}
	if r.FromAssetCode == r.ToAssetCode {
		return xerrors.ErrSameAssetPair
	}
	if r.FromAmount <= 0 || r.FromAmount > maxAmount {
		return xerrors.ErrInvalidRequest
	}
	if r.BusinessID == "" {
		return xerrors.ErrBusinessIDRequired
	}
	return nil
}

// ConvertResult reports the whole composite operation.
type ConvertResult struct {
	Success       bool            `json:"success"`
	State         OperationState  `json:"state"`
	RefCode       string          `json:"ref_code"`
	FromAmount    int64           `json:"from_amount"`
	GrossToAmount int64           `json:"gross_to_amount"`
	NetToAmount   int64           `json:"net_to_amount"`
	FeeAmount     int64           `json:"fee_amount"`
	LegEntryIDs   []int64         `json:"leg_transaction_ids"`
	Balances      []*AssetBalance `json:"resulting_balances"`
	IsDuplicate   bool            `json:"is_duplicate"`
}

// AdjustRequest is a single-leg signed adjustment (risk-control credits and
// debits, admin corrections).
type AdjustRequest struct {
	AccountID  int64  `json:"account_id"`
	AssetCode  string `json:"asset_code"`
	Delta      int64  `json:"delta_amount"`
	BusinessID string `json:"business_id"`
	Reason     string `json:"reason"`
	Operator   string `json:"operator,omitempty"`
}

func (r *AdjustRequest) Validate() error {
	if r.AccountID <= 0 {
		return xerrors.ErrAccountIDRequired
	}
	if r.AssetCode == "" {
		return xerrors.ErrAssetCodeRequired
	}
	if r.Delta == 0 {
		return xerrors.ErrZeroDelta
	}
	if r.Delta > maxAmount || r.Delta < -maxAmount {
		return xerrors.ErrInvalidRequest
	}
	if r.BusinessID == "" {
		return xerrors.ErrBusinessIDRequired
	}
	if r.Reason == "" {
		return xerrors.ErrInvalidRequest
	}
	return nil
}

// FreezeRequest moves amount between the available and frozen buckets of one
// balance row. Direction is fixed by the operation (freeze vs unfreeze).
type FreezeRequest struct {
	AccountID  int64  `json:"account_id"`
	AssetCode  string `json:"asset_code"`
	Amount     int64  `json:"amount"`
	BusinessID string `json:"business_id"`
	Note       string `json:"note,omitempty"`
}

func (r *FreezeRequest) Validate() error {
	if r.AccountID <= 0 {
		return xerrors.ErrAccountIDRequired
	}
	if r.AssetCode == "" {
		return xerrors.ErrAssetCodeRequired
	}
	if r.Amount <= 0 || r.Amount > maxAmount {
		return xerrors.ErrInvalidRequest
	}
	if r.BusinessID == "" {
		return xerrors.ErrBusinessIDRequired
	}
	return nil
}
