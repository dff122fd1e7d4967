// Package memory is an in-process TransactionStore for tests and local runs.
// Data is lost on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/store"
)

const defaultListLimit = 200

// Store keeps transactions, flags and accounts in maps guarded by one mutex,
// so every method is a single atomic unit. Values are copied in and out.
type Store struct {
	mu         sync.RWMutex
	txs        map[string]*domain.Transaction
	byExternal map[string]string
	claims     map[string]store.Claim
	flags      []*domain.Flag
	accounts   map[string]*domain.Account
	// seq records insertion order; it breaks CreatedAt ties in claims.
	seq     map[string]uint64
	nextSeq uint64
	now     func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		txs:        make(map[string]*domain.Transaction),
		byExternal: make(map[string]string),
		claims:     make(map[string]store.Claim),
		accounts:   make(map[string]*domain.Account),
		seq:        make(map[string]uint64),
		now:        time.Now,
	}
}

// SetClock overrides the time source used for claim expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func accountKey(userID, externalAccountID string) string {
	return userID + "\x00" + externalAccountID
}

// ResolveAccount implements store.AccountResolver.
func (s *Store) ResolveAccount(ctx context.Context, userID, externalAccountID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[accountKey(userID, externalAccountID)]
	if !ok {
		return "", false, nil
	}
	return acc.ID, true, nil
}

// UpsertAccount returns the existing account id for (user, external id) or creates one.
func (s *Store) UpsertAccount(ctx context.Context, acc *domain.Account) (string, error) {
	if acc.UserID == "" || acc.ExternalAccountID == "" {
		return "", fmt.Errorf("UpsertAccount: user_id and external_account_id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := accountKey(acc.UserID, acc.ExternalAccountID)
	if existing, ok := s.accounts[key]; ok {
		return existing.ID, nil
	}
	c := *acc
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.accounts[key] = &c
	return c.ID, nil
}

// FindByExternalID returns nil, nil when no transaction has the external id.
func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byExternal[externalID]
	if !ok {
		return nil, nil
	}
	return s.txs[id].Clone(), nil
}

// GetTransaction returns domain.ErrNotFound for unknown ids and ids owned by another user.
func (s *Store) GetTransaction(ctx context.Context, userID, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txs[id]
	if !ok || tx.UserID != userID {
		return nil, fmt.Errorf("GetTransaction: %s: %w", id, domain.ErrNotFound)
	}
	return tx.Clone(), nil
}

func (s *Store) insertLocked(tx *domain.Transaction) error {
	if _, exists := s.byExternal[tx.ExternalID]; exists {
		return fmt.Errorf("insert %s: %w", tx.ExternalID, domain.ErrDuplicate)
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	now := s.now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	s.txs[tx.ID] = tx.Clone()
	s.byExternal[tx.ExternalID] = tx.ID
	s.nextSeq++
	s.seq[tx.ID] = s.nextSeq
	return nil
}

func (s *Store) appendFlagLocked(flag *domain.Flag, tx *domain.Transaction) {
	if flag == nil {
		return
	}
	if flag.ID == "" {
		flag.ID = uuid.NewString()
	}
	flag.TransactionID = tx.ID
	flag.UserID = tx.UserID
	if flag.CreatedAt.IsZero() {
		flag.CreatedAt = s.now()
	}
	s.flags = append(s.flags, flag.Clone())
}

// InsertScored implements store.TransactionStore.
func (s *Store) InsertScored(ctx context.Context, tx *domain.Transaction, flag *domain.Flag) error {
	if !tx.Scored() {
		return fmt.Errorf("InsertScored: transaction %s has no score", tx.ExternalID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.insertLocked(tx); err != nil {
		return fmt.Errorf("InsertScored: %w", err)
	}
	s.appendFlagLocked(flag, tx)
	return nil
}

// InsertUnscored implements store.TransactionStore.
func (s *Store) InsertUnscored(ctx context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.insertLocked(tx); err != nil {
		return fmt.Errorf("InsertUnscored: %w", err)
	}
	return nil
}

// History implements store.HistoryReader.
func (s *Store) History(ctx context.Context, q store.HistoryQuery) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	excluded := make(map[string]bool, len(q.ExcludeIDs))
	for _, id := range q.ExcludeIDs {
		excluded[id] = true
	}

	var out []*domain.Transaction
	for _, tx := range s.txs {
		if tx.UserID != q.UserID || !tx.Date.Before(q.Before) {
			continue
		}
		if excluded[tx.ID] || excluded[tx.ExternalID] {
			continue
		}
		out = append(out, tx.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) claimableLocked(tx *domain.Transaction, now time.Time) bool {
	if tx.Scored() {
		return false
	}
	c, held := s.claims[tx.ID]
	return !held || now.After(c.Until)
}

// ClaimUnscored implements store.TransactionStore.
func (s *Store) ClaimUnscored(ctx context.Context, claim store.Claim, limit int) ([]*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var pending []*domain.Transaction
	for _, tx := range s.txs {
		if s.claimableLocked(tx, now) {
			pending = append(pending, tx)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return s.seq[a.ID] < s.seq[b.ID]
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	out := make([]*domain.Transaction, 0, len(pending))
	for _, tx := range pending {
		s.claims[tx.ID] = claim
		out = append(out, tx.Clone())
	}
	return out, nil
}

// ClaimTransaction implements store.TransactionStore.
func (s *Store) ClaimTransaction(ctx context.Context, claim store.Claim, id string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("ClaimTransaction: %s: %w", id, domain.ErrNotFound)
	}
	if !s.claimableLocked(tx, s.now()) {
		return nil, fmt.Errorf("ClaimTransaction: %s: %w", id, domain.ErrConflict)
	}
	s.claims[id] = claim
	return tx.Clone(), nil
}

// ReleaseClaim drops the claim if token still holds it.
func (s *Store) ReleaseClaim(ctx context.Context, token, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.claims[id]; ok && c.Token == token {
		delete(s.claims, id)
	}
	return nil
}

// ApplyScore implements store.TransactionStore.
func (s *Store) ApplyScore(ctx context.Context, token string, tx *domain.Transaction, flag *domain.Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.txs[tx.ID]
	if !ok {
		return fmt.Errorf("ApplyScore: %s: %w", tx.ID, domain.ErrNotFound)
	}
	c, held := s.claims[tx.ID]
	if cur.Scored() || !held || c.Token != token {
		return fmt.Errorf("ApplyScore: %s: %w", tx.ID, domain.ErrConflict)
	}

	next := cur.Clone()
	next.RiskScore = tx.RiskScore
	next.IsFlagged = tx.IsFlagged
	next.FlaggedAt = tx.FlaggedAt
	next.Explanation = tx.Explanation.Clone()
	next.UpdatedAt = s.now()
	s.txs[tx.ID] = next
	delete(s.claims, tx.ID)
	s.appendFlagLocked(flag, next)
	return nil
}

// ApplyDecision implements store.TransactionStore.
func (s *Store) ApplyDecision(ctx context.Context, tx *domain.Transaction, flag *domain.Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.txs[tx.ID]
	if !ok || cur.UserID != tx.UserID {
		return fmt.Errorf("ApplyDecision: %s: %w", tx.ID, domain.ErrNotFound)
	}
	if cur.Decided() || !cur.Scored() {
		return fmt.Errorf("ApplyDecision: %s: %w", tx.ID, domain.ErrConflict)
	}

	next := cur.Clone()
	next.Decision = tx.Decision
	next.DecisionAt = tx.DecisionAt
	next.IsFlagged = tx.IsFlagged
	next.FlaggedAt = tx.FlaggedAt
	next.UpdatedAt = s.now()
	s.txs[tx.ID] = next
	s.appendFlagLocked(flag, next)
	return nil
}

// ListTransactions returns flagged rows by flagged_at desc, or all rows by created_at desc.
func (s *Store) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Transaction
	for _, tx := range s.txs {
		if filter.UserID != "" && tx.UserID != filter.UserID {
			continue
		}
		if filter.FlaggedOnly && !tx.IsFlagged {
			continue
		}
		out = append(out, tx.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if filter.FlaggedOnly {
			a, b := out[i].FlaggedAt, out[j].FlaggedAt
			if a != nil && b != nil && !a.Equal(*b) {
				return a.After(*b)
			}
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return truncate(out, filter.Limit), nil
}

// ListFlags returns flags newest first.
func (s *Store) ListFlags(ctx context.Context, filter store.FlagFilter) ([]*domain.Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Flag
	for i := len(s.flags) - 1; i >= 0; i-- {
		f := s.flags[i]
		if filter.TransactionID != "" && f.TransactionID != filter.TransactionID {
			continue
		}
		if filter.UserID != "" && f.UserID != filter.UserID {
			continue
		}
		if filter.FlagType != "" && f.FlagType != filter.FlagType {
			continue
		}
		out = append(out, f.Clone())
	}
	return truncate(out, filter.Limit), nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func truncate[T any](items []T, limit int) []T {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(items) > limit {
		return items[:limit]
	}
	return items
}

var _ store.TransactionStore = (*Store)(nil)
