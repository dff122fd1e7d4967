package scoring

import (
	"github.com/shopspring/decimal"

	"github.com/dvloznov/fraud-tracker/internal/domain"
)

// Reason codes emitted by the fallback rules.
const (
	ReasonMicroAmount = "micro-amount"
	ReasonHighAmount  = "high_amount"
	ReasonNewMerchant = "new_merchant"
)

const (
	microScore       = 5
	highAmountBase   = 60
	defaultBase      = 20
	newMerchantBonus = 30
	featureWeight    = 0.2
)

var (
	microAmountLimit = decimal.RequireFromString("5.00")
	highAmountLimit  = decimal.RequireFromString("200.00")
)

// Fallback scores tx from its amount and whether its merchant appears in
// history. The thresholds and weights are fixed; changing them changes
// every offline score.
func Fallback(tx *domain.Transaction, history []*domain.Transaction, threshold int) domain.RiskAssessment {
	amount := tx.Amount.Round(domain.AmountScale)

	if amount.LessThan(microAmountLimit) {
		return domain.RiskAssessment{
			Score: microScore,
			Explanation: domain.Explanation{
				Flags:       []string{ReasonMicroAmount},
				TopFeatures: []domain.Feature{},
			},
			RecommendedAction: domain.ActionAllow,
		}
	}

	flags := []string{}
	base := defaultBase
	if amount.GreaterThan(highAmountLimit) {
		base = highAmountBase
		flags = append(flags, ReasonHighAmount)
	}

	bonus := 0
	if !seenMerchant(tx.MerchantName, history) {
		bonus = newMerchantBonus
		flags = append(flags, ReasonNewMerchant)
	}

	score := base + bonus
	if score > domain.MaxScore {
		score = domain.MaxScore
	}

	features := make([]domain.Feature, 0, len(flags))
	for _, f := range flags {
		features = append(features, domain.Feature{Feature: f, Weight: featureWeight})
	}

	return domain.RiskAssessment{
		Score:             score,
		Explanation:       domain.Explanation{Flags: flags, TopFeatures: features},
		RecommendedAction: domain.ActionFor(score, threshold),
	}
}

func seenMerchant(name string, history []*domain.Transaction) bool {
	for _, h := range history {
		if h.MerchantName == name {
			return true
		}
	}
	return false
}
