// Package postgres implements store.TransactionStore on PostgreSQL through gorm.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/store"
)

const defaultListLimit = 200

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Store persists transactions, flags and accounts in the schema created by
// the postgres migrations.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to dsn. Unique violations surface as gorm.ErrDuplicatedKey.
func Open(dsn string, opts Options) (*Store, error) {
	db, err := gorm.Open(pgdriver.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("Open: connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("Open: getting sql.DB: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	return New(db), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB exposes the gorm handle for migrations.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) ResolveAccount(ctx context.Context, userID, externalAccountID string) (string, bool, error) {
	var m accountModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND external_account_id = ?", userID, externalAccountID).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("ResolveAccount: %w", err)
	}
	return m.ID, true, nil
}

func (s *Store) UpsertAccount(ctx context.Context, acc *domain.Account) (string, error) {
	if acc.UserID == "" || acc.ExternalAccountID == "" {
		return "", fmt.Errorf("UpsertAccount: user_id and external_account_id are required")
	}

	m := accountModel{
		ID:                acc.ID,
		UserID:            acc.UserID,
		ExternalAccountID: acc.ExternalAccountID,
		Name:              acc.Name,
		CreatedAt:         acc.CreatedAt,
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "external_account_id"}},
			DoNothing: true,
		}).
		Create(&m).Error
	if err != nil {
		return "", fmt.Errorf("UpsertAccount: inserting account: %w", err)
	}

	id, _, err := s.ResolveAccount(ctx, acc.UserID, acc.ExternalAccountID)
	if err != nil {
		return "", fmt.Errorf("UpsertAccount: %w", err)
	}
	return id, nil
}

func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	var m transactionModel
	err := s.db.WithContext(ctx).Where("external_id = ?", externalID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("FindByExternalID: %w", err)
	}
	return m.toDomain(), nil
}

func (s *Store) GetTransaction(ctx context.Context, userID, id string) (*domain.Transaction, error) {
	var m transactionModel
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("GetTransaction: %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetTransaction: %w", err)
	}
	return m.toDomain(), nil
}

// stamp fills generated fields on a copy so a failed insert leaves tx untouched.
func (s *Store) stamp(tx *domain.Transaction) *transactionModel {
	m := toTransactionModel(tx)
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := s.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	return m
}

func (s *Store) stampFlag(flag *domain.Flag, tx *transactionModel) *flagModel {
	m := toFlagModel(flag)
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.TransactionID = tx.ID
	m.UserID = tx.UserID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	return m
}

func copyBack(tx *domain.Transaction, m *transactionModel) {
	tx.ID = m.ID
	tx.CreatedAt = m.CreatedAt
	tx.UpdatedAt = m.UpdatedAt
}

func copyFlagBack(flag *domain.Flag, m *flagModel) {
	flag.ID = m.ID
	flag.TransactionID = m.TransactionID
	flag.UserID = m.UserID
	flag.CreatedAt = m.CreatedAt
}

func translate(op string, err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%s: %w", op, domain.ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Store) InsertScored(ctx context.Context, tx *domain.Transaction, flag *domain.Flag) error {
	if !tx.Scored() {
		return fmt.Errorf("InsertScored: transaction %s has no score", tx.ExternalID)
	}

	m := s.stamp(tx)
	var fm *flagModel
	if flag != nil {
		fm = s.stampFlag(flag, m)
	}

	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if err := db.Create(m).Error; err != nil {
			return err
		}
		if fm != nil {
			return db.Create(fm).Error
		}
		return nil
	})
	if err != nil {
		return translate("InsertScored", err)
	}

	copyBack(tx, m)
	if fm != nil {
		copyFlagBack(flag, fm)
	}
	return nil
}

func (s *Store) InsertUnscored(ctx context.Context, tx *domain.Transaction) error {
	m := s.stamp(tx)
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return translate("InsertUnscored", err)
	}
	copyBack(tx, m)
	return nil
}

// findHistory selects rows strictly before q.Before, dropping any row whose
// id or external id is excluded.
func findHistory(db *gorm.DB, q store.HistoryQuery, rows *[]transactionModel) *gorm.DB {
	db = db.Where("user_id = ? AND date < ?", q.UserID, q.Before.In(time.UTC))
	if len(q.ExcludeIDs) > 0 {
		db = db.Where("id NOT IN ? AND external_id NOT IN ?", q.ExcludeIDs, q.ExcludeIDs)
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	return db.Order("date DESC, created_at DESC").Find(rows)
}

func (s *Store) History(ctx context.Context, q store.HistoryQuery) ([]*domain.Transaction, error) {
	var rows []transactionModel
	if err := findHistory(s.db.WithContext(ctx), q, &rows).Error; err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	return toDomainList(rows), nil
}

// findClaimable locks up to limit unscored rows whose lease is absent or
// expired, oldest first. Rows locked by a concurrent claimer are skipped.
func findClaimable(db *gorm.DB, now time.Time, limit int, rows *[]transactionModel) *gorm.DB {
	db = db.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("risk_score IS NULL AND (claimed_until IS NULL OR claimed_until < ?)", now).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	return db.Find(rows)
}

func markClaimed(db *gorm.DB, claim store.Claim, ids ...string) *gorm.DB {
	return db.Model(&transactionModel{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"claim_token":   claim.Token,
			"claimed_until": claim.Until,
		})
}

func (s *Store) ClaimUnscored(ctx context.Context, claim store.Claim, limit int) ([]*domain.Transaction, error) {
	var rows []transactionModel
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if err := findClaimable(db, s.now(), limit, &rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]string, len(rows))
		for i := range rows {
			ids[i] = rows[i].ID
		}
		return markClaimed(db, claim, ids...).Error
	})
	if err != nil {
		return nil, fmt.Errorf("ClaimUnscored: %w", err)
	}
	return toDomainList(rows), nil
}

func lockTransaction(db *gorm.DB, id string, m *transactionModel) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(m)
}

func (s *Store) ClaimTransaction(ctx context.Context, claim store.Claim, id string) (*domain.Transaction, error) {
	var m transactionModel
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		err := lockTransaction(db, id, &m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if m.RiskScore != nil || (m.ClaimedUntil != nil && m.ClaimedUntil.After(s.now())) {
			return domain.ErrConflict
		}
		return markClaimed(db, claim, id).Error
	})
	if err != nil {
		return nil, fmt.Errorf("ClaimTransaction: %s: %w", id, err)
	}
	return m.toDomain(), nil
}

func (s *Store) ReleaseClaim(ctx context.Context, token, id string) error {
	err := s.db.WithContext(ctx).Model(&transactionModel{}).
		Where("id = ? AND claim_token = ?", id, token).
		Updates(map[string]interface{}{
			"claim_token":   nil,
			"claimed_until": nil,
		}).Error
	if err != nil {
		return fmt.Errorf("ReleaseClaim: %w", err)
	}
	return nil
}

func explanationExpr(e *domain.Explanation) (interface{}, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return gorm.Expr("?::jsonb", string(b)), nil
}

// updateScore writes the score fields only while the row is unscored and
// still held by token.
func updateScore(db *gorm.DB, token string, tx *domain.Transaction, explanation interface{}) *gorm.DB {
	return db.Model(&transactionModel{}).
		Where("id = ? AND claim_token = ? AND risk_score IS NULL", tx.ID, token).
		Updates(map[string]interface{}{
			"risk_score":    tx.RiskScore,
			"is_flagged":    tx.IsFlagged,
			"flagged_at":    tx.FlaggedAt,
			"explanation":   explanation,
			"claim_token":   nil,
			"claimed_until": nil,
		})
}

// updateDecision writes the decision fields only on a scored, undecided row
// owned by tx.UserID.
func updateDecision(db *gorm.DB, tx *domain.Transaction) *gorm.DB {
	return db.Model(&transactionModel{}).
		Where("id = ? AND user_id = ? AND decision = '' AND risk_score IS NOT NULL", tx.ID, tx.UserID).
		Updates(map[string]interface{}{
			"decision":    string(tx.Decision),
			"decision_at": tx.DecisionAt,
			"is_flagged":  tx.IsFlagged,
			"flagged_at":  tx.FlaggedAt,
		})
}

// missingOrConflict distinguishes a guard miss caused by an absent row from
// one caused by a lifecycle violation.
func missingOrConflict(db *gorm.DB, where string, args ...interface{}) error {
	var count int64
	if err := db.Model(&transactionModel{}).Where(where, args...).Count(&count).Error; err != nil {
		return err
	}
	return guardMiss(count)
}

func guardMiss(matching int64) error {
	if matching == 0 {
		return domain.ErrNotFound
	}
	return domain.ErrConflict
}

func (s *Store) ApplyScore(ctx context.Context, token string, tx *domain.Transaction, flag *domain.Flag) error {
	explanation, err := explanationExpr(tx.Explanation)
	if err != nil {
		return fmt.Errorf("ApplyScore: encoding explanation: %w", err)
	}

	m := toTransactionModel(tx)
	var fm *flagModel
	if flag != nil {
		fm = s.stampFlag(flag, m)
	}

	err = s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		res := updateScore(db, token, tx, explanation)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return missingOrConflict(db, "id = ?", tx.ID)
		}
		if fm != nil {
			return db.Create(fm).Error
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ApplyScore: %s: %w", tx.ID, err)
	}
	if fm != nil {
		copyFlagBack(flag, fm)
	}
	return nil
}

func (s *Store) ApplyDecision(ctx context.Context, tx *domain.Transaction, flag *domain.Flag) error {
	m := toTransactionModel(tx)
	var fm *flagModel
	if flag != nil {
		fm = s.stampFlag(flag, m)
	}

	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		res := updateDecision(db, tx)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return missingOrConflict(db, "id = ? AND user_id = ?", tx.ID, tx.UserID)
		}
		if fm != nil {
			return db.Create(fm).Error
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ApplyDecision: %s: %w", tx.ID, err)
	}
	if fm != nil {
		copyFlagBack(flag, fm)
	}
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]*domain.Transaction, error) {
	db := s.db.WithContext(ctx)
	if filter.UserID != "" {
		db = db.Where("user_id = ?", filter.UserID)
	}
	if filter.FlaggedOnly {
		db = db.Where("is_flagged").Order("flagged_at DESC NULLS LAST")
	}

	var rows []transactionModel
	err := db.Order("created_at DESC").Limit(listLimit(filter.Limit)).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: %w", err)
	}
	return toDomainList(rows), nil
}

func (s *Store) ListFlags(ctx context.Context, filter store.FlagFilter) ([]*domain.Flag, error) {
	db := s.db.WithContext(ctx)
	if filter.TransactionID != "" {
		db = db.Where("transaction_id = ?", filter.TransactionID)
	}
	if filter.UserID != "" {
		db = db.Where("user_id = ?", filter.UserID)
	}
	if filter.FlagType != "" {
		db = db.Where("flag_type = ?", string(filter.FlagType))
	}

	var rows []flagModel
	err := db.Order("created_at DESC").Limit(listLimit(filter.Limit)).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ListFlags: %w", err)
	}

	flags := make([]*domain.Flag, len(rows))
	for i := range rows {
		flags[i] = rows[i].toDomain()
	}
	return flags, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("Close: %w", err)
	}
	return sqlDB.Close()
}

func toDomainList(rows []transactionModel) []*domain.Transaction {
	out := make([]*domain.Transaction, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out
}

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

var _ store.TransactionStore = (*Store)(nil)
