package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"asset-ledger/internal/domain"
	"asset-ledger/internal/pub"
	"asset-ledger/internal/repository"
	"asset-ledger/pkg/xerrors"
)

const balanceCacheTTL = 30 * time.Second

// LedgerService owns the single-leg mutation primitive and the read paths.
// Every mutation follows the same shape: resolve the idempotency key, lock
// the balance row, append the entry, apply the delta, commit. The orchestrator
// in convert_uc.go reuses ApplyLeg to build composite operations out of the
// same primitive.
type LedgerService struct {
	txm      repository.TxManager
	balances repository.BalanceRepository
	entries  repository.EntryRepository
	guard    *IdempotencyGuard
	rdb      *redis.Client
	events   *pub.OperationEventPublisher
	logger   *zap.Logger
}

func NewLedgerService(
	txm repository.TxManager,
	balances repository.BalanceRepository,
	entries repository.EntryRepository,
	guard *IdempotencyGuard,
	rdb *redis.Client,
	events *pub.OperationEventPublisher,
	logger *zap.Logger,
) *LedgerService {
	return &LedgerService{
		txm:      txm,
		balances: balances,
		entries:  entries,
		guard:    guard,
		rdb:      rdb,
		events:   events,
		logger:   logger,
	}
}

// ChangeBalance applies one signed delta under an idempotency key. Replays of
// an identical request return the recorded entry with IsDuplicate set; key
// reuse with different parameters fails with xerrors.ErrIdempotencyConflict
// and writes nothing.
func (s *LedgerService) ChangeBalance(ctx context.Context, req *domain.ChangeRequest) (*domain.ChangeResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	outcome, recorded, err := s.guard.Check(ctx, req)
	if err != nil && outcome != OutcomeConflict {
		return nil, err
	}
	switch outcome {
	case OutcomeDuplicate:
		return s.replay(ctx, req, recorded)
	case OutcomeConflict:
		s.logger.Warn("idempotency conflict",
			zap.String("business_id", req.BusinessID),
			zap.String("business_type", string(req.BusinessType)))
		return nil, err
	}

	tx, err := s.txm.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	result, err := s.ApplyLeg(ctx, tx, req)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, xerrors.WrapStore("commit balance change", err)
	}

	s.afterCommit(ctx, result.Entry)
	return result, nil
}

// ApplyLeg performs one leg inside an already-open transaction. The caller
// owns commit and rollback; the guard check is also the caller's job, since
// composite operations resolve the whole key family up front.
func (s *LedgerService) ApplyLeg(ctx context.Context, tx pgx.Tx, req *domain.ChangeRequest) (*domain.ChangeResult, error) {
	if tx == nil {
		return nil, xerrors.ErrTxRequired
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	balance, err := s.balances.GetForUpdate(ctx, tx, req.AccountID, req.AssetCode)
	if err != nil {
		return nil, err
	}
	if req.Delta < 0 && balance.Available+req.Delta < 0 {
		return nil, xerrors.ErrInsufficientBalance
	}

	meta := req.Meta
	meta.SchemaVersion = domain.MetaSchemaVersion

	entry := &domain.LedgerEntry{
		AccountID:     req.AccountID,
		AssetCode:     req.AssetCode,
		Delta:         req.Delta,
		BalanceBefore: balance.Available,
		BalanceAfter:  balance.Available + req.Delta,
		BusinessID:    req.BusinessID,
		BusinessType:  req.BusinessType,
		Meta:          meta,
	}
	if err := s.entries.Append(ctx, tx, entry); err != nil {
		return nil, err
	}

	updated, err := s.balances.ApplyDelta(ctx, tx, req.AccountID, req.AssetCode, req.Delta)
	if err != nil {
		return nil, err
	}

	return &domain.ChangeResult{Balance: updated, Entry: entry}, nil
}

// Adjust is the admin/risk-control correction path: a free-form signed delta
// that must carry a reason for the audit trail.
func (s *LedgerService) Adjust(ctx context.Context, req *domain.AdjustRequest) (*domain.ChangeResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.ChangeBalance(ctx, &domain.ChangeRequest{
		AccountID:    req.AccountID,
		AssetCode:    req.AssetCode,
		Delta:        req.Delta,
		BusinessID:   req.BusinessID,
		BusinessType: domain.BusinessTypeAdjust,
		Meta: domain.EntryMeta{
			Adjustment: &domain.AdjustmentMeta{
				Reason:   req.Reason,
				Operator: req.Operator,
			},
		},
	})
}

// Freeze moves amount from available to frozen under an idempotency key.
// The total never changes; the ledger entry records the available-side delta.
func (s *LedgerService) Freeze(ctx context.Context, req *domain.FreezeRequest) (*domain.ChangeResult, error) {
	return s.moveFrozen(ctx, req, domain.BusinessTypeFreeze)
}

// Unfreeze moves amount back from frozen to available.
func (s *LedgerService) Unfreeze(ctx context.Context, req *domain.FreezeRequest) (*domain.ChangeResult, error) {
	return s.moveFrozen(ctx, req, domain.BusinessTypeUnfreeze)
}

func (s *LedgerService) moveFrozen(ctx context.Context, req *domain.FreezeRequest, bt domain.BusinessType) (*domain.ChangeResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	delta := -req.Amount
	if bt == domain.BusinessTypeUnfreeze {
		delta = req.Amount
	}
	change := &domain.ChangeRequest{
		AccountID:    req.AccountID,
		AssetCode:    req.AssetCode,
		Delta:        delta,
		BusinessID:   req.BusinessID,
		BusinessType: bt,
		Meta: domain.EntryMeta{
			Note:   req.Note,
			Freeze: &domain.FreezeMeta{Amount: req.Amount},
		},
	}

	outcome, recorded, err := s.guard.Check(ctx, change)
	if err != nil && outcome != OutcomeConflict {
		return nil, err
	}
	switch outcome {
	case OutcomeDuplicate:
		return s.replay(ctx, change, recorded)
	case OutcomeConflict:
		return nil, err
	}

	tx, err := s.txm.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	balance, err := s.balances.GetForUpdate(ctx, tx, req.AccountID, req.AssetCode)
	if err != nil {
		return nil, err
	}
	if bt == domain.BusinessTypeFreeze && balance.Available < req.Amount {
		return nil, xerrors.ErrInsufficientBalance
	}
	if bt == domain.BusinessTypeUnfreeze && balance.Frozen < req.Amount {
		return nil, xerrors.ErrInsufficientFrozen
	}

	meta := change.Meta
	meta.SchemaVersion = domain.MetaSchemaVersion
	entry := &domain.LedgerEntry{
		AccountID:     req.AccountID,
		AssetCode:     req.AssetCode,
		Delta:         delta,
		BalanceBefore: balance.Available,
		BalanceAfter:  balance.Available + delta,
		BusinessID:    req.BusinessID,
		BusinessType:  bt,
		Meta:          meta,
	}
	if err := s.entries.Append(ctx, tx, entry); err != nil {
		return nil, err
	}

	var updated *domain.AssetBalance
	if bt == domain.BusinessTypeFreeze {
		updated, err = s.balances.Freeze(ctx, tx, req.AccountID, req.AssetCode, req.Amount)
	} else {
		updated, err = s.balances.Unfreeze(ctx, tx, req.AccountID, req.AssetCode, req.Amount)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, xerrors.WrapStore("commit frozen move", err)
	}

	s.afterCommit(ctx, entry)
	return &domain.ChangeResult{Balance: updated, Entry: entry}, nil
}

// replay rebuilds the result of a previously committed request.
func (s *LedgerService) replay(ctx context.Context, req *domain.ChangeRequest, recorded *domain.LedgerEntry) (*domain.ChangeResult, error) {
	balance, err := s.balances.Get(ctx, req.AccountID, req.AssetCode)
	if err != nil {
		return nil, err
	}
	s.logger.Info("duplicate request replayed",
		zap.String("business_id", req.BusinessID),
		zap.String("business_type", string(req.BusinessType)),
		zap.Int64("entry_id", recorded.ID))
	return &domain.ChangeResult{Balance: balance, Entry: recorded, IsDuplicate: true}, nil
}

func (s *LedgerService) afterCommit(ctx context.Context, entry *domain.LedgerEntry) {
	s.invalidateBalanceCache(ctx, entry.AccountID, entry.AssetCode)
	s.events.PublishCompleted(ctx, entry)
	s.logger.Info("balance changed",
		zap.Int64("account_id", entry.AccountID),
		zap.String("asset_code", entry.AssetCode),
		zap.Int64("delta", entry.Delta),
		zap.String("business_id", entry.BusinessID),
		zap.String("business_type", string(entry.BusinessType)),
		zap.Int64("balance_after", entry.BalanceAfter))
}

// ===============================
// READS
// ===============================

func balanceCacheKey(accountID int64, assetCode string) string {
	return fmt.Sprintf("ledger:balance:%d:%s", accountID, assetCode)
}

// GetBalance reads through a short-lived redis cache. The ledger row is the
// source of truth; the cache only absorbs hot polling.
func (s *LedgerService) GetBalance(ctx context.Context, accountID int64, assetCode string) (*domain.AssetBalance, error) {
	if accountID <= 0 {
		return nil, xerrors.ErrAccountIDRequired
	}
	if assetCode == "" {
		return nil, xerrors.ErrAssetCodeRequired
	}

	key := balanceCacheKey(accountID, assetCode)
	if s.rdb != nil {
		if raw, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
			var b domain.AssetBalance
			if err := json.Unmarshal(raw, &b); err == nil {
				return &b, nil
			}
		}
	}

	b, err := s.balances.Get(ctx, accountID, assetCode)
	if err != nil {
		return nil, err
	}

	if s.rdb != nil {
		if raw, err := json.Marshal(b); err == nil {
			if err := s.rdb.Set(ctx, key, raw, balanceCacheTTL).Err(); err != nil {
				s.logger.Debug("balance cache set failed", zap.Error(err))
			}
		}
	}
	return b, nil
}

func (s *LedgerService) invalidateBalanceCache(ctx context.Context, accountID int64, assetCode string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, balanceCacheKey(accountID, assetCode)).Err(); err != nil {
		s.logger.Debug("balance cache invalidation failed", zap.Error(err))
	}
}

// GetTransactions returns filtered ledger history, newest first.
func (s *LedgerService) GetTransactions(ctx context.Context, filter *domain.EntryFilter) ([]*domain.LedgerEntry, error) {
	return s.entries.List(ctx, filter)
}

// GetOperation returns every leg committed under one business id, in append
// order.
func (s *LedgerService) GetOperation(ctx context.Context, businessID string) ([]*domain.LedgerEntry, error) {
	if businessID == "" {
		return nil, xerrors.ErrBusinessIDRequired
	}
	entries, err := s.entries.ListByBusinessID(ctx, businessID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, xerrors.ErrNotFound
	}
	return entries, nil
}
