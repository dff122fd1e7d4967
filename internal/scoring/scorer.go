// Package scoring produces risk assessments. A primary backend (the external
// HTTP scoring service or a Gemini model) is tried first; any failure falls
// through to the deterministic rule engine in fallback.go.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/logger"
	"github.com/dvloznov/fraud-tracker/internal/metrics"
)

// Request is the input to one scoring call.
type Request struct {
	UserID      string
	Transaction *domain.Transaction
	History     []*domain.Transaction
	// Threshold is used to derive a recommended action when the backend omits one.
	Threshold int
}

// Scorer is a primary scoring backend. Implementations return an error
// wrapping domain.ErrScorerUnavailable on any failure.
type Scorer interface {
	Score(ctx context.Context, req Request) (domain.RiskAssessment, error)
}

// Source names the path that produced an assessment.
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceFallback Source = "fallback"
)

// Outcome is a finished assessment plus where it came from. Cause is set
// when the fallback was used and explains why.
type Outcome struct {
	Assessment domain.RiskAssessment
	Source     Source
	Cause      error
}

var errNoPrimary = fmt.Errorf("no primary scorer configured: %w", domain.ErrScorerUnavailable)

// Resilient scores with the primary backend and falls back to the rule
// engine. It always yields an assessment.
type Resilient struct {
	primary Scorer
	metrics *metrics.Metrics
}

// NewResilient wraps primary. A nil primary means every call uses the fallback.
func NewResilient(primary Scorer, m *metrics.Metrics) *Resilient {
	return &Resilient{primary: primary, metrics: m}
}

// Score never returns ScorerUnavailable to the caller.
func (r *Resilient) Score(ctx context.Context, req Request) Outcome {
	cause := errNoPrimary
	if r.primary != nil {
		start := time.Now()
		a, err := r.primary.Score(ctx, req)
		if err == nil {
			err = checkAssessment(&a, req.Threshold)
		}
		r.metrics.ObservePrimary(time.Since(start), err)
		if err == nil {
			r.metrics.RecordScore(string(SourcePrimary))
			return Outcome{Assessment: a, Source: SourcePrimary}
		}
		cause = err

		log := logger.FromContext(ctx)
		log.Warn().
			Err(err).
			Str("user_id", req.UserID).
			Str("external_id", req.Transaction.ExternalID).
			Msg("Primary scorer failed, using fallback rules")
	}

	r.metrics.RecordScore(string(SourceFallback))
	return Outcome{
		Assessment: Fallback(req.Transaction, req.History, req.Threshold),
		Source:     SourceFallback,
		Cause:      cause,
	}
}

// checkAssessment rejects out-of-range scores and re-derives unknown actions.
func checkAssessment(a *domain.RiskAssessment, threshold int) error {
	if a.Score < domain.MinScore || a.Score > domain.MaxScore {
		return fmt.Errorf("score %d out of range: %w", a.Score, domain.ErrScorerUnavailable)
	}
	if !a.RecommendedAction.Valid() {
		a.RecommendedAction = domain.ActionFor(a.Score, threshold)
	}
	if a.Explanation.Flags == nil {
		a.Explanation.Flags = []string{}
	}
	if a.Explanation.TopFeatures == nil {
		a.Explanation.TopFeatures = []domain.Feature{}
	}
	return nil
}

// IsUnavailable reports whether err came from a failing scoring backend.
func IsUnavailable(err error) bool {
	return errors.Is(err, domain.ErrScorerUnavailable)
}
