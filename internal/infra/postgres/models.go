package postgres

import (
	"encoding/json"
	"time"

	"cloud.google.com/go/civil"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/fraud-tracker/internal/domain"
)

type accountModel struct {
	ID                string `gorm:"primaryKey"`
	UserID            string
	ExternalAccountID string
	Name              string
	CreatedAt         time.Time
}

func (accountModel) TableName() string { return "accounts" }

type transactionModel struct {
	ID              string `gorm:"primaryKey"`
	ExternalID      string
	UserID          string
	AccountID       *string
	Amount          decimal.Decimal `gorm:"type:numeric(14,2)"`
	Date            time.Time       `gorm:"type:date"`
	MerchantName    string
	Category        pq.StringArray `gorm:"type:text[]"`
	TransactionType string
	Raw             json.RawMessage `gorm:"serializer:json;type:jsonb"`

	RiskScore   *int
	IsFlagged   bool
	FlaggedAt   *time.Time
	Explanation *domain.Explanation `gorm:"serializer:json;type:jsonb"`

	Decision   string
	DecisionAt *time.Time

	ClaimToken   *string
	ClaimedUntil *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (transactionModel) TableName() string { return "transactions" }

type flagModel struct {
	ID            string `gorm:"primaryKey"`
	TransactionID string
	UserID        string
	FlagType      string
	Metadata      map[string]interface{} `gorm:"serializer:json;type:jsonb"`
	CreatedAt     time.Time
}

func (flagModel) TableName() string { return "flags" }

func toTransactionModel(tx *domain.Transaction) *transactionModel {
	category := pq.StringArray(tx.Category)
	if category == nil {
		category = pq.StringArray{}
	}
	return &transactionModel{
		ID:              tx.ID,
		ExternalID:      tx.ExternalID,
		UserID:          tx.UserID,
		AccountID:       tx.AccountID,
		Amount:          tx.Amount.Round(domain.AmountScale),
		Date:            tx.Date.In(time.UTC),
		MerchantName:    tx.MerchantName,
		Category:        category,
		TransactionType: tx.TransactionType,
		Raw:             tx.Raw,
		RiskScore:       tx.RiskScore,
		IsFlagged:       tx.IsFlagged,
		FlaggedAt:       tx.FlaggedAt,
		Explanation:     tx.Explanation,
		Decision:        string(tx.Decision),
		DecisionAt:      tx.DecisionAt,
		CreatedAt:       tx.CreatedAt,
		UpdatedAt:       tx.UpdatedAt,
	}
}

func (m *transactionModel) toDomain() *domain.Transaction {
	tx := &domain.Transaction{
		ID:              m.ID,
		ExternalID:      m.ExternalID,
		UserID:          m.UserID,
		AccountID:       m.AccountID,
		Amount:          m.Amount,
		Date:            civil.DateOf(m.Date),
		MerchantName:    m.MerchantName,
		TransactionType: m.TransactionType,
		Raw:             m.Raw,
		RiskScore:       m.RiskScore,
		IsFlagged:       m.IsFlagged,
		FlaggedAt:       m.FlaggedAt,
		Explanation:     m.Explanation,
		Decision:        domain.Decision(m.Decision),
		DecisionAt:      m.DecisionAt,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
	if len(m.Category) > 0 {
		tx.Category = []string(m.Category)
	}
	return tx
}

func toFlagModel(f *domain.Flag) *flagModel {
	return &flagModel{
		ID:            f.ID,
		TransactionID: f.TransactionID,
		UserID:        f.UserID,
		FlagType:      string(f.FlagType),
		Metadata:      f.Metadata,
		CreatedAt:     f.CreatedAt,
	}
}

func (m *flagModel) toDomain() *domain.Flag {
	return &domain.Flag{
		ID:            m.ID,
		TransactionID: m.TransactionID,
		UserID:        m.UserID,
		FlagType:      domain.FlagType(m.FlagType),
		Metadata:      m.Metadata,
		CreatedAt:     m.CreatedAt,
	}
}
