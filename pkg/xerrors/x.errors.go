package xerrors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ParsePGErrorCode extracts the SQLSTATE code from a postgres error.
func ParsePGErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code // e.g. 23505 for unique_violation
	}
	return "unknown"
}

// Generic
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrInternalServer = errors.New("internal server error")
	ErrNotFound       = errors.New("not found")
)

// Ledger mutation
var (
	ErrTxRequired          = errors.New("active transaction required")
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrInsufficientFrozen  = errors.New("insufficient frozen balance")
	ErrBalanceNotFound     = errors.New("balance not found")
	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrZeroDelta           = errors.New("delta amount must be non-zero")
	ErrBusinessIDRequired  = errors.New("business id required")
	ErrAssetCodeRequired   = errors.New("asset code required")
	ErrAccountIDRequired   = errors.New("positive account id required")
)

// Conversion rules
var (
	ErrRuleNotFound       = errors.New("conversion rule not found")
	ErrRuleDisabled       = errors.New("conversion rule disabled")
	ErrAmountBelowMinimum = errors.New("amount below rule minimum")
	ErrAmountAboveMaximum = errors.New("amount above rule maximum")
	ErrSameAssetPair      = errors.New("from and to asset must differ")
)

// Datastore failures that the caller may retry under the same business id.
var (
	ErrStore = errors.New("datastore failure")
)

// ConflictError is returned when an idempotency key is reused with different
// request semantics. It carries both fingerprints so the caller can see what
// changed between the original request and the retry.
type ConflictError struct {
	BusinessID   string
	BusinessType string
	Recorded     string
	Requested    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("idempotency conflict on %s/%s: recorded %q, requested %q",
		e.BusinessID, e.BusinessType, e.Recorded, e.Requested)
}

// ErrIdempotencyConflict lets callers match any ConflictError with errors.Is.
var ErrIdempotencyConflict = errors.New("idempotency key reused with different parameters")

func (e *ConflictError) Is(target error) bool {
	return target == ErrIdempotencyConflict
}

// StoreError wraps a driver-level failure (lock wait, deadlock, I/O) so the
// orchestrator's caller can distinguish retryable infrastructure faults from
// business rejections.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store failure during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

// WrapStore tags err as a retryable datastore failure. Nil stays nil.
func WrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
