package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"asset-ledger/internal/domain"
	"asset-ledger/internal/repository"
	"asset-ledger/pkg/xerrors"
)

// RuleService manages conversion rule versions. Pricing changes are always a
// new version with a later effective_at; nothing is edited in place, so
// historical quotes stay reproducible.
type RuleService struct {
	txm    repository.TxManager
	rules  repository.RuleRepository
	logger *zap.Logger
}

func NewRuleService(txm repository.TxManager, rules repository.RuleRepository, logger *zap.Logger) *RuleService {
	return &RuleService{txm: txm, rules: rules, logger: logger}
}

// CreateVersion stores a new rule version and returns it with ID and
// timestamps filled in.
func (s *RuleService) CreateVersion(ctx context.Context, rule *domain.ConversionRule) (*domain.ConversionRule, error) {
	tx, err := s.txm.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := s.rules.Create(ctx, tx, rule); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, xerrors.WrapStore("commit rule version", err)
	}

	s.logger.Info("rule version created",
		zap.Int64("rule_id", rule.ID),
		zap.String("pair", rule.FromAssetCode+">"+rule.ToAssetCode),
		zap.Time("effective_at", rule.EffectiveAt),
		zap.Bool("enabled", rule.IsEnabled))
	return rule, nil
}

// Resolve returns the version in force for the pair at asOf. A zero asOf
// means now. Disabled versions are returned as-is; whether a disabled rule
// blocks an operation is the caller's decision.
func (s *RuleService) Resolve(ctx context.Context, fromAsset, toAsset string, asOf time.Time) (*domain.ConversionRule, error) {
	if fromAsset == "" || toAsset == "" {
		return nil, xerrors.ErrAssetCodeRequired
	}
	if asOf.IsZero() {
		asOf = time.Now()
	}
	return s.rules.GetEffective(ctx, fromAsset, toAsset, asOf)
}

// History returns every version for the pair, newest first.
func (s *RuleService) History(ctx context.Context, fromAsset, toAsset string) ([]*domain.ConversionRule, error) {
	if fromAsset == "" || toAsset == "" {
		return nil, xerrors.ErrAssetCodeRequired
	}
	return s.rules.ListVersions(ctx, fromAsset, toAsset)
}
