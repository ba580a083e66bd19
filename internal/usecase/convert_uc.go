package usecase

import (
	"context"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"asset-ledger/internal/domain"
	"asset-ledger/internal/pub"
	"asset-ledger/internal/repository"
	"asset-ledger/pkg/xerrors"
)

// legProfile names the business types of the legs a composite operation
// writes. Convert and exchange share the executor and differ only here.
type legProfile struct {
	Debit  domain.BusinessType
	Credit domain.BusinessType
	Fee    domain.BusinessType
}

var (
	convertProfile = legProfile{
		Debit:  domain.BusinessTypeConvertDebit,
		Credit: domain.BusinessTypeConvertCredit,
		Fee:    domain.BusinessTypeConvertFee,
	}
	exchangeProfile = legProfile{
		Debit:  domain.BusinessTypeExchangeDebit,
		Credit: domain.BusinessTypeExchangeCredit,
		Fee:    domain.BusinessTypeExchangeFee,
	}
)

// ConversionUsecase orchestrates multi-leg asset conversions. All legs of one
// operation commit in a single database transaction; a failure at any point
// rolls back every leg, so the ledger never shows a partial conversion.
type ConversionUsecase struct {
	txm      repository.TxManager
	rules    repository.RuleRepository
	balances repository.BalanceRepository
	entries  repository.EntryRepository
	guard    *IdempotencyGuard
	ledger   *LedgerService
	events   *pub.OperationEventPublisher
	logger   *zap.Logger

	// feeAccountID receives every fee leg. Fees are ledgered like any other
	// credit so the books stay balanced against fee revenue reports.
	feeAccountID int64
}

func NewConversionUsecase(
	txm repository.TxManager,
	rules repository.RuleRepository,
	balances repository.BalanceRepository,
	entries repository.EntryRepository,
	guard *IdempotencyGuard,
	ledger *LedgerService,
	events *pub.OperationEventPublisher,
	logger *zap.Logger,
	feeAccountID int64,
) *ConversionUsecase {
	return &ConversionUsecase{
		txm:          txm,
		rules:        rules,
		balances:     balances,
		entries:      entries,
		guard:        guard,
		ledger:       ledger,
		events:       events,
		logger:       logger,
		feeAccountID: feeAccountID,
	}
}

// Convert performs a user-initiated conversion between two assets of one
// account under the caller's idempotency key.
func (u *ConversionUsecase) Convert(ctx context.Context, req *domain.ConvertRequest) (*domain.ConvertResult, error) {
	return u.execute(ctx, req, convertProfile)
}

// Exchange performs a market exchange. Same mechanics as Convert; the legs
// are recorded under the exchange business types so reporting can separate
// the two products.
func (u *ConversionUsecase) Exchange(ctx context.Context, req *domain.ConvertRequest) (*domain.ConvertResult, error) {
	return u.execute(ctx, req, exchangeProfile)
}

func (u *ConversionUsecase) execute(ctx context.Context, req *domain.ConvertRequest, profile legProfile) (*domain.ConvertResult, error) {
	state := domain.StateRequested
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// The debit leg is the anchor: it exists iff the whole operation
	// committed, so checking it resolves the entire key family. The
	// fingerprint needs nothing from the rule, which keeps an identical
	// retry replayable even after the pair has been repriced or disabled.
	keyCheck := &domain.ChangeRequest{
		AccountID:    req.AccountID,
		AssetCode:    req.FromAssetCode,
		Delta:        -req.FromAmount,
		BusinessID:   req.BusinessID,
		BusinessType: profile.Debit,
		Meta: domain.EntryMeta{
			Conversion: &domain.ConversionMeta{
				FromAssetCode: req.FromAssetCode,
				ToAssetCode:   req.ToAssetCode,
				FromAmount:    req.FromAmount,
			},
		},
	}
	outcome, recorded, err := u.guard.Check(ctx, keyCheck)
	if err != nil && outcome != OutcomeConflict {
		return nil, u.fail(ctx, req, profile, state, err)
	}
	switch outcome {
	case OutcomeDuplicate:
		return u.replay(ctx, req, profile, recorded)
	case OutcomeConflict:
		u.logger.Warn("conversion rejected",
			zap.String("state", string(domain.StateConflictRejected)),
			zap.String("business_id", req.BusinessID),
			zap.Int64("account_id", req.AccountID))
		return nil, err
	}

	rule, err := u.rules.GetEffective(ctx, req.FromAssetCode, req.ToAssetCode, time.Now())
	if err != nil {
		return nil, u.fail(ctx, req, profile, state, err)
	}
	if !rule.IsEnabled {
		return nil, u.fail(ctx, req, profile, state, xerrors.ErrRuleDisabled)
	}
	state = domain.StateRuleResolved

	quote, err := rule.Quote(req.FromAmount)
	if err != nil {
		return nil, u.fail(ctx, req, profile, state, err)
	}
	state = domain.StateAmountValidated

	refCode := ulid.Make().String()
	meta := domain.EntryMeta{
		RefCode: refCode,
		Note:    req.Operator,
		Conversion: &domain.ConversionMeta{
			FromAssetCode: req.FromAssetCode,
			ToAssetCode:   req.ToAssetCode,
			FromAmount:    req.FromAmount,
			GrossToAmount: quote.GrossToAmount,
			FeeAmount:     quote.FeeAmount,
			NetToAmount:   quote.NetToAmount,
			Rule:          rule.Snapshot(),
		},
	}

	debitReq := &domain.ChangeRequest{
		AccountID:    req.AccountID,
		AssetCode:    req.FromAssetCode,
		Delta:        -req.FromAmount,
		BusinessID:   req.BusinessID,
		BusinessType: profile.Debit,
		Meta:         meta,
	}

	tx, err := u.txm.BeginTx(ctx)
	if err != nil {
		return nil, u.fail(ctx, req, profile, state, err)
	}
	defer tx.Rollback(ctx)

	// Lock every balance row up front in deterministic order so two
	// operations touching the same rows in opposite directions never
	// deadlock. ApplyLeg re-locking a held row is a no-op.
	lockSet := []struct {
		account int64
		asset   string
	}{
		{req.AccountID, req.FromAssetCode},
		{req.AccountID, req.ToAssetCode},
	}
	if quote.FeeAmount > 0 {
		lockSet = append(lockSet, struct {
			account int64
			asset   string
		}{u.feeAccountID, rule.FeeAssetCode})
	}
	sort.Slice(lockSet, func(i, j int) bool {
		if lockSet[i].account != lockSet[j].account {
			return lockSet[i].account < lockSet[j].account
		}
		return lockSet[i].asset < lockSet[j].asset
	})
	for _, l := range lockSet {
		if _, err := u.balances.GetForUpdate(ctx, tx, l.account, l.asset); err != nil {
			return nil, u.fail(ctx, req, profile, state, err)
		}
	}

	debit, err := u.ledger.ApplyLeg(ctx, tx, debitReq)
	if err != nil {
		return nil, u.fail(ctx, req, profile, state, err)
	}

	credit, err := u.ledger.ApplyLeg(ctx, tx, &domain.ChangeRequest{
		AccountID:    req.AccountID,
		AssetCode:    req.ToAssetCode,
		Delta:        quote.NetToAmount,
		BusinessID:   req.BusinessID,
		BusinessType: profile.Credit,
		Meta:         meta,
	})
	if err != nil {
		return nil, u.fail(ctx, req, profile, state, err)
	}

	var legIDs []int64
	legIDs = append(legIDs, debit.Entry.ID, credit.Entry.ID)

	if quote.FeeAmount > 0 {
		fee, err := u.ledger.ApplyLeg(ctx, tx, &domain.ChangeRequest{
			AccountID:    u.feeAccountID,
			AssetCode:    rule.FeeAssetCode,
			Delta:        quote.FeeAmount,
			BusinessID:   req.BusinessID,
			BusinessType: profile.Fee,
			Meta:         meta,
		})
		if err != nil {
			return nil, u.fail(ctx, req, profile, state, err)
		}
		legIDs = append(legIDs, fee.Entry.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, u.fail(ctx, req, profile, state, xerrors.WrapStore("commit conversion", err))
	}
	state = domain.StateSuccess

	u.ledger.invalidateBalanceCache(ctx, req.AccountID, req.FromAssetCode)
	u.ledger.invalidateBalanceCache(ctx, req.AccountID, req.ToAssetCode)

	result := &domain.ConvertResult{
		Success:       true,
		State:         state,
		RefCode:       refCode,
		FromAmount:    req.FromAmount,
		GrossToAmount: quote.GrossToAmount,
		NetToAmount:   quote.NetToAmount,
		FeeAmount:     quote.FeeAmount,
		LegEntryIDs:   legIDs,
		Balances:      []*domain.AssetBalance{debit.Balance, credit.Balance},
	}

	u.events.PublishConversionCompleted(ctx, req.AccountID, req.BusinessID, refCode,
		profile.Debit, result, req.FromAssetCode, req.ToAssetCode)
	u.logger.Info("conversion committed",
		zap.String("ref_code", refCode),
		zap.String("business_id", req.BusinessID),
		zap.Int64("account_id", req.AccountID),
		zap.String("pair", req.FromAssetCode+">"+req.ToAssetCode),
		zap.Int64("from_amount", req.FromAmount),
		zap.Int64("net_to_amount", quote.NetToAmount),
		zap.Int64("fee_amount", quote.FeeAmount))

	return result, nil
}

// replay rebuilds a ConvertResult from the committed legs of an earlier
// identical request. Because all legs commit atomically, the presence of the
// debit leg guarantees its siblings are readable.
func (u *ConversionUsecase) replay(ctx context.Context, req *domain.ConvertRequest, profile legProfile, recorded *domain.LedgerEntry) (*domain.ConvertResult, error) {
	legs, err := u.entries.ListByBusinessID(ctx, req.BusinessID)
	if err != nil {
		return nil, err
	}

	conv := recorded.Meta.Conversion
	if conv == nil {
		return nil, xerrors.ErrInternalServer
	}

	var legIDs []int64
	for _, leg := range legs {
		legIDs = append(legIDs, leg.ID)
	}

	var balances []*domain.AssetBalance
	for _, asset := range []string{req.FromAssetCode, req.ToAssetCode} {
		b, err := u.balances.Get(ctx, req.AccountID, asset)
		if err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}

	u.logger.Info("duplicate conversion replayed",
		zap.String("business_id", req.BusinessID),
		zap.String("ref_code", recorded.Meta.RefCode),
		zap.Int64("account_id", req.AccountID))

	return &domain.ConvertResult{
		Success:       true,
		State:         domain.StateDuplicateReturned,
		RefCode:       recorded.Meta.RefCode,
		FromAmount:    conv.FromAmount,
		GrossToAmount: conv.GrossToAmount,
		NetToAmount:   conv.NetToAmount,
		FeeAmount:     conv.FeeAmount,
		LegEntryIDs:   legIDs,
		Balances:      balances,
		IsDuplicate:   true,
	}, nil
}

// fail logs the state the operation died in, emits a failure event, and
// passes the cause through unchanged.
func (u *ConversionUsecase) fail(ctx context.Context, req *domain.ConvertRequest, profile legProfile, state domain.OperationState, cause error) error {
	u.logger.Warn("conversion failed",
		zap.String("state", string(state)),
		zap.String("business_id", req.BusinessID),
		zap.Int64("account_id", req.AccountID),
		zap.String("pair", req.FromAssetCode+">"+req.ToAssetCode),
		zap.Error(cause))
	u.events.PublishFailed(ctx, req.AccountID, req.BusinessID, profile.Debit, cause)
	return cause
}
