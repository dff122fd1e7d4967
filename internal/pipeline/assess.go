package pipeline

import (
	"context"

	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/scoring"
)

// Assessment is a transaction after history lookup, scoring and flagging,
// ready to persist.
type Assessment struct {
	Transaction *domain.Transaction
	Flag        *domain.Flag
	Outcome     scoring.Outcome
}

// Assessor runs history, scoring and the flagging policy for one
// transaction. The ingestion pipeline and the backlog worker share it so
// both paths score identically.
type Assessor struct {
	history *HistoryProvider
	scorer  *scoring.Resilient
	policy  *Policy
}

// NewAssessor wires the scoring stages.
func NewAssessor(history *HistoryProvider, scorer *scoring.Resilient, policy *Policy) *Assessor {
	return &Assessor{history: history, scorer: scorer, policy: policy}
}

// Assess scores tx against threshold. Only history reads can fail; scorer
// failures are absorbed by the fallback rules.
func (a *Assessor) Assess(ctx context.Context, tx *domain.Transaction, threshold int) (*Assessment, error) {
	history, err := a.history.ForTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}
	return a.assessWithHistory(ctx, tx, history, threshold), nil
}

func (a *Assessor) assessWithHistory(ctx context.Context, tx *domain.Transaction, history []*domain.Transaction, threshold int) *Assessment {
	outcome := a.scorer.Score(ctx, scoring.Request{
		UserID:      tx.UserID,
		Transaction: tx,
		History:     history,
		Threshold:   threshold,
	})
	scored, flag := a.policy.ApplyAssessment(tx, &outcome.Assessment, threshold)
	return &Assessment{Transaction: scored, Flag: flag, Outcome: outcome}
}
