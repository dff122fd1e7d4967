package domain

// Action is the scorer's recommendation for a transaction.
type Action string

const (
	ActionAllow Action = "allow"
	ActionFlag  Action = "flag"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	return a == ActionAllow || a == ActionFlag
}

// ActionFor derives the recommended action for score against threshold.
func ActionFor(score, threshold int) Action {
	if score >= threshold {
		return ActionFlag
	}
	return ActionAllow
}

// Feature is one weighted contributor to a score.
type Feature struct {
	Feature string   `json:"feature"`
	Weight  float64  `json:"weight"`
	Value   *float64 `json:"value,omitempty"`
}

// Explanation lists the reason codes and weighted features behind a score.
type Explanation struct {
	Flags       []string  `json:"flags"`
	TopFeatures []Feature `json:"top_features"`
}

// Clone returns a deep copy of e.
func (e *Explanation) Clone() *Explanation {
	if e == nil {
		return nil
	}
	c := &Explanation{
		Flags:       append([]string{}, e.Flags...),
		TopFeatures: make([]Feature, len(e.TopFeatures)),
	}
	for i, f := range e.TopFeatures {
		c.TopFeatures[i] = f
		if f.Value != nil {
			v := *f.Value
			c.TopFeatures[i].Value = &v
		}
	}
	return c
}

// RiskAssessment is a scorer's output. It is folded into the owning
// transaction and never persisted on its own.
type RiskAssessment struct {
	Score             int         `json:"score"`
	Explanation       Explanation `json:"explanation"`
	RecommendedAction Action      `json:"recommended_action"`
}

const (
	MinScore = 0
	MaxScore = 100
)
