package usecase

import (
	"context"
	"errors"

	"asset-ledger/internal/domain"
	"asset-ledger/internal/repository"
	"asset-ledger/pkg/xerrors"
)

// Outcome classifies a (business_id, business_type) key against the ledger.
type Outcome int

const (
	// OutcomeFresh means no entry exists under the key; the caller may write.
	OutcomeFresh Outcome = iota
	// OutcomeDuplicate means an entry exists and its recorded effect matches
	// the incoming request; the caller must replay the recorded result.
	OutcomeDuplicate
	// OutcomeConflict means an entry exists under the key but records a
	// different effect; the caller must reject without writing.
	OutcomeConflict
)

// IdempotencyGuard resolves retries against the append-only ledger itself:
// the entry row written under a key doubles as the idempotency record, so
// there is no separate key table to drift out of sync.
type IdempotencyGuard struct {
	entries repository.EntryRepository
}

func NewIdempotencyGuard(entries repository.EntryRepository) *IdempotencyGuard {
	return &IdempotencyGuard{entries: entries}
}

// Check classifies req's key. On OutcomeDuplicate the recorded entry is
// returned; on OutcomeConflict a *xerrors.ConflictError carrying both
// fingerprints is returned alongside it.
func (g *IdempotencyGuard) Check(ctx context.Context, req *domain.ChangeRequest) (Outcome, *domain.LedgerEntry, error) {
	recorded, err := g.entries.FindLeg(ctx, req.BusinessID, req.BusinessType)
	if err != nil {
		if errors.Is(err, xerrors.ErrEntryNotFound) {
			return OutcomeFresh, nil, nil
		}
		return OutcomeFresh, nil, err
	}

	// Same key pointing at a different row is never a replay, no matter how
	// the fingerprints compare.
	sameRow := recorded.AccountID == req.AccountID && recorded.AssetCode == req.AssetCode
	if !sameRow || recorded.Fingerprint() != req.Fingerprint() {
		return OutcomeConflict, recorded, &xerrors.ConflictError{
			BusinessID:   req.BusinessID,
			BusinessType: string(req.BusinessType),
			Recorded:     recorded.Fingerprint(),
			Requested:    req.Fingerprint(),
		}
	}

	return OutcomeDuplicate, recorded, nil
}
