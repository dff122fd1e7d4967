package pipeline

import (
	"time"

	"github.com/dvloznov/fraud-tracker/internal/domain"
)

// Policy folds a risk assessment into a transaction.
type Policy struct {
	now func() time.Time
}

// NewPolicy creates a policy. now defaults to time.Now.
func NewPolicy(now func() time.Time) *Policy {
	if now == nil {
		now = time.Now
	}
	return &Policy{now: now}
}

// ApplyAssessment returns a scored copy of tx and, when the score reaches
// threshold, the risk flag that must be persisted with it. A nil assessment
// scores 0.
func (p *Policy) ApplyAssessment(tx *domain.Transaction, a *domain.RiskAssessment, threshold int) (*domain.Transaction, *domain.Flag) {
	next := tx.Clone()

	score := 0
	action := domain.ActionAllow
	var explanation *domain.Explanation
	if a != nil {
		score = a.Score
		action = a.RecommendedAction
		e := a.Explanation
		explanation = e.Clone()
	}

	next.RiskScore = &score
	next.Explanation = explanation
	next.IsFlagged = score >= threshold
	next.FlaggedAt = nil
	if !next.IsFlagged {
		return next, nil
	}

	now := p.now().UTC()
	next.FlaggedAt = &now
	flag := &domain.Flag{
		TransactionID: next.ID,
		UserID:        next.UserID,
		FlagType:      domain.FlagTypeRisk,
		Metadata: map[string]interface{}{
			"score":              score,
			"recommended_action": string(action),
		},
		CreatedAt: now,
	}
	return next, flag
}
