package scoring

import (
	"encoding/json"
	"fmt"

	"github.com/dvloznov/fraud-tracker/internal/domain"
)

// scoreRequest is the body posted to the scoring service.
type scoreRequest struct {
	UserID      string            `json:"user_id"`
	Transaction wireTransaction   `json:"transaction"`
	History     []wireTransaction `json:"history"`
}

type wireTransaction struct {
	ID              string   `json:"id,omitempty"`
	TxID            string   `json:"tx_id"`
	AccountID       *string  `json:"account_id"`
	Amount          float64  `json:"amount"`
	Date            string   `json:"date"`
	MerchantName    string   `json:"merchant_name"`
	Category        []string `json:"category"`
	TransactionType string   `json:"transaction_type"`
}

func toWire(tx *domain.Transaction) wireTransaction {
	category := tx.Category
	if category == nil {
		category = []string{}
	}
	return wireTransaction{
		ID:              tx.ID,
		TxID:            tx.ExternalID,
		AccountID:       tx.AccountID,
		Amount:          tx.Amount.Round(domain.AmountScale).InexactFloat64(),
		Date:            tx.Date.String(),
		MerchantName:    tx.MerchantName,
		Category:        category,
		TransactionType: tx.TransactionType,
	}
}

func newScoreRequest(req Request) scoreRequest {
	history := make([]wireTransaction, 0, len(req.History))
	for _, h := range req.History {
		history = append(history, toWire(h))
	}
	return scoreRequest{
		UserID:      req.UserID,
		Transaction: toWire(req.Transaction),
		History:     history,
	}
}

// scoreResponse mirrors the service's reply. Score is a pointer so a missing
// field is distinguishable from zero.
type scoreResponse struct {
	Score             *int                `json:"score"`
	Explanation       *domain.Explanation `json:"explanation"`
	RecommendedAction string              `json:"recommended_action"`
}

// decodeAssessment parses a response body. Range checks and action
// re-derivation happen in Resilient.
func decodeAssessment(body []byte) (domain.RiskAssessment, error) {
	var resp scoreResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.RiskAssessment{}, fmt.Errorf("decoding response: %v: %w", err, domain.ErrScorerUnavailable)
	}
	if resp.Score == nil {
		return domain.RiskAssessment{}, fmt.Errorf("response has no score: %w", domain.ErrScorerUnavailable)
	}

	a := domain.RiskAssessment{
		Score:             *resp.Score,
		RecommendedAction: domain.Action(resp.RecommendedAction),
	}
	if resp.Explanation != nil {
		a.Explanation = *resp.Explanation
	}
	return a, nil
}
