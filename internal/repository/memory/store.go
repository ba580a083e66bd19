// Package memory provides an in-memory implementation of the ledger
// repositories with transactional staging, used by unit tests and local
// development without postgres. Writes stage inside a Tx and become visible
// only on Commit; Rollback discards them. Row locks serialize concurrent
// transactions touching the same (account, asset) pair, mirroring the
// FOR UPDATE behavior of the postgres repositories.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"asset-ledger/internal/domain"
	"asset-ledger/internal/repository"
	"asset-ledger/pkg/xerrors"
)

var (
	_ repository.TxManager         = (*Store)(nil)
	_ repository.BalanceRepository = (*Store)(nil)
	_ repository.EntryRepository   = (*Store)(nil)
	_ repository.RuleRepository    = (*Store)(nil)
)

type balKey struct {
	accountID int64
	assetCode string
}

type legKey struct {
	businessID   string
	businessType domain.BusinessType
}

// Store implements repository.BalanceRepository, repository.EntryRepository,
// repository.RuleRepository and repository.TxManager.
type Store struct {
	mu       sync.Mutex
	balances map[balKey]*domain.AssetBalance
	entries  []*domain.LedgerEntry
	legs     map[legKey]*domain.LedgerEntry
	rules    []*domain.ConversionRule
	nextID   int64

	locks map[balKey]*sync.Mutex

	// AppendHook, when set, runs before each staged entry append. Tests use
	// it to inject failures between legs of a composite operation.
	AppendHook func(e *domain.LedgerEntry) error
}

func NewStore() *Store {
	return &Store{
		balances: make(map[balKey]*domain.AssetBalance),
		legs:     make(map[legKey]*domain.LedgerEntry),
		locks:    make(map[balKey]*sync.Mutex),
		nextID:   1,
	}
}

func (s *Store) rowLock(k balKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[k]
	if !ok {
		l = &sync.Mutex{}
		s.locks[k] = l
	}
	return l
}

// ===============================
// TRANSACTIONS
// ===============================

func (s *Store) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return &Tx{
		store:    s,
		balances: make(map[balKey]*domain.AssetBalance),
		held:     make(map[balKey]*sync.Mutex),
	}, nil
}

// Tx is a staged in-memory transaction satisfying pgx.Tx. Only Commit and
// Rollback carry meaning; the SQL-level methods exist to satisfy the
// interface and fail loudly if reached.
type Tx struct {
	store    *Store
	balances map[balKey]*domain.AssetBalance
	entries  []*domain.LedgerEntry
	held     map[balKey]*sync.Mutex
	done     bool
}

var (
	errTxDone       = errors.New("memory: transaction already finished")
	errDuplicateLeg = errors.New("memory: duplicate (business_id, business_type)")
)

func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true

	s := t.store
	s.mu.Lock()

	// Enforce the unique (business_id, business_type) index the same way
	// postgres does: a second writer racing the same key fails its commit.
	seen := make(map[legKey]bool)
	for _, e := range t.entries {
		k := legKey{e.BusinessID, e.BusinessType}
		if seen[k] || s.legs[k] != nil {
			s.mu.Unlock()
			t.release()
			return xerrors.WrapStore("append entry (concurrent duplicate)", errDuplicateLeg)
		}
		seen[k] = true
	}

	for k, b := range t.balances {
		copied := *b
		s.balances[k] = &copied
	}
	for _, e := range t.entries {
		copied := *e
		s.entries = append(s.entries, &copied)
		s.legs[legKey{e.BusinessID, e.BusinessType}] = &copied
	}
	s.mu.Unlock()

	t.release()
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.release()
	return nil
}

func (t *Tx) release() {
	for _, l := range t.held {
		l.Unlock()
	}
	t.held = nil
}

// pgx.Tx interface stubs; the memory repositories never route SQL through
// the transaction handle.
func (t *Tx) Begin(ctx context.Context) (pgx.Tx, error) { return nil, errors.New("memory: nested tx unsupported") }
func (t *Tx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("memory: CopyFrom unsupported")
}
func (t *Tx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *Tx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("memory: Prepare unsupported")
}
func (t *Tx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("memory: Exec unsupported")
}
func (t *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("memory: Query unsupported")
}
func (t *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (t *Tx) Conn() *pgx.Conn                                              { return nil }

func (s *Store) asMemTx(tx pgx.Tx) (*Tx, error) {
	if tx == nil {
		return nil, xerrors.ErrTxRequired
	}
	mt, ok := tx.(*Tx)
	if !ok || mt.store != s {
		return nil, errors.New("memory: foreign transaction handle")
	}
	if mt.done {
		return nil, errTxDone
	}
	return mt, nil
}

// ===============================
// BALANCES
// ===============================

func (s *Store) Get(ctx context.Context, accountID int64, assetCode string) (*domain.AssetBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[balKey{accountID, assetCode}]
	if !ok {
		return nil, xerrors.ErrBalanceNotFound
	}
	copied := *b
	return &copied, nil
}

func (s *Store) GetForUpdate(ctx context.Context, tx pgx.Tx, accountID int64, assetCode string) (*domain.AssetBalance, error) {
	mt, err := s.asMemTx(tx)
	if err != nil {
		return nil, err
	}

	k := balKey{accountID, assetCode}
	if _, held := mt.held[k]; !held {
		l := s.rowLock(k)
		l.Lock()
		mt.held[k] = l
	}

	if b, ok := mt.balances[k]; ok {
		copied := *b
		return &copied, nil
	}

	s.mu.Lock()
	b, ok := s.balances[k]
	s.mu.Unlock()

	var working domain.AssetBalance
	if ok {
		working = *b
	} else {
		// Lazy creation, matching the postgres repo.
		working = domain.AssetBalance{AccountID: accountID, AssetCode: assetCode, UpdatedAt: time.Now()}
	}
	mt.balances[k] = &working

	copied := working
	return &copied, nil
}

func (s *Store) ApplyDelta(ctx context.Context, tx pgx.Tx, accountID int64, assetCode string, delta int64) (*domain.AssetBalance, error) {
	mt, err := s.asMemTx(tx)
	if err != nil {
		return nil, err
	}

	k := balKey{accountID, assetCode}
	b, ok := mt.balances[k]
	if !ok {
		return nil, xerrors.ErrBalanceNotFound
	}

	b.Available += delta
	b.Version++
	b.UpdatedAt = time.Now()
	if b.Available < 0 {
		return nil, xerrors.ErrInsufficientBalance
	}

	copied := *b
	return &copied, nil
}

func (s *Store) Freeze(ctx context.Context, tx pgx.Tx, accountID int64, assetCode string, amount int64) (*domain.AssetBalance, error) {
	return s.moveFrozen(ctx, tx, accountID, assetCode, amount, true)
}

func (s *Store) Unfreeze(ctx context.Context, tx pgx.Tx, accountID int64, assetCode string, amount int64) (*domain.AssetBalance, error) {
	return s.moveFrozen(ctx, tx, accountID, assetCode, amount, false)
}

func (s *Store) moveFrozen(ctx context.Context, tx pgx.Tx, accountID int64, assetCode string, amount int64, freeze bool) (*domain.AssetBalance, error) {
	mt, err := s.asMemTx(tx)
	if err != nil {
		return nil, err
	}

	k := balKey{accountID, assetCode}
	b, ok := mt.balances[k]
	if !ok {
		return nil, xerrors.ErrBalanceNotFound
	}

	if freeze {
		b.Available -= amount
		b.Frozen += amount
	} else {
		b.Available += amount
		b.Frozen -= amount
	}
	b.Version++
	b.UpdatedAt = time.Now()

	if b.Available < 0 {
		return nil, xerrors.ErrInsufficientBalance
	}
	if b.Frozen < 0 {
		return nil, xerrors.ErrInsufficientFrozen
	}

	copied := *b
	return &copied, nil
}

// ===============================
// LEDGER ENTRIES
// ===============================

func (s *Store) Append(ctx context.Context, tx pgx.Tx, e *domain.LedgerEntry) error {
	mt, err := s.asMemTx(tx)
	if err != nil {
		return err
	}

	if s.AppendHook != nil {
		if err := s.AppendHook(e); err != nil {
			return err
		}
	}

	s.mu.Lock()
	e.ID = s.nextID
	s.nextID++
	s.mu.Unlock()

	e.CreatedAt = time.Now()
	copied := *e
	mt.entries = append(mt.entries, &copied)
	return nil
}

func (s *Store) FindLeg(ctx context.Context, businessID string, businessType domain.BusinessType) (*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.legs[legKey{businessID, businessType}]
	if !ok {
		return nil, xerrors.ErrEntryNotFound
	}
	copied := *e
	return &copied, nil
}

func (s *Store) ListByBusinessID(ctx context.Context, businessID string) ([]*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.LedgerEntry
	for _, e := range s.entries {
		if e.BusinessID == businessID {
			copied := *e
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) List(ctx context.Context, filter *domain.EntryFilter) ([]*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*domain.LedgerEntry
	for _, e := range s.entries {
		if filter.AccountID != nil && e.AccountID != *filter.AccountID {
			continue
		}
		if filter.AssetCode != nil && e.AssetCode != *filter.AssetCode {
			continue
		}
		if filter.BusinessID != nil && e.BusinessID != *filter.BusinessID {
			continue
		}
		if filter.BusinessType != nil && e.BusinessType != *filter.BusinessType {
			continue
		}
		if filter.StartDate != nil && e.CreatedAt.Before(*filter.StartDate) {
			continue
		}
		if filter.EndDate != nil && e.CreatedAt.After(*filter.EndDate) {
			continue
		}
		copied := *e
		matched = append(matched, &copied)
	}

	// Newest first, like the postgres repo.
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := filter.Offset
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// EntryCount reports the number of committed ledger rows.
func (s *Store) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// ===============================
// CONVERSION RULES
// ===============================

func (s *Store) GetEffective(ctx context.Context, fromAsset, toAsset string, asOf time.Time) (*domain.ConversionRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *domain.ConversionRule
	for _, r := range s.rules {
		if r.FromAssetCode != fromAsset || r.ToAssetCode != toAsset || r.EffectiveAt.After(asOf) {
			continue
		}
		if best == nil || r.EffectiveAt.After(best.EffectiveAt) ||
			(r.EffectiveAt.Equal(best.EffectiveAt) && r.ID > best.ID) {
			best = r
		}
	}
	if best == nil {
		return nil, xerrors.ErrRuleNotFound
	}
	copied := *best
	return &copied, nil
}

func (s *Store) Create(ctx context.Context, tx pgx.Tx, rule *domain.ConversionRule) error {
	if _, err := s.asMemTx(tx); err != nil {
		return err
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rule.CreatedAt = time.Now()
	if rule.EffectiveAt.IsZero() {
		rule.EffectiveAt = rule.CreatedAt
	}
	rule.ID = s.nextID
	s.nextID++

	copied := *rule
	s.rules = append(s.rules, &copied)
	return nil
}

func (s *Store) ListVersions(ctx context.Context, fromAsset, toAsset string) ([]*domain.ConversionRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.ConversionRule
	for _, r := range s.rules {
		if r.FromAssetCode == fromAsset && r.ToAssetCode == toAsset {
			copied := *r
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EffectiveAt.Equal(out[j].EffectiveAt) {
			return out[i].EffectiveAt.After(out[j].EffectiveAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}
