package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/dvloznov/fraud-tracker/internal/domain"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// ContentGenerator is the subset of genai.Models used by GeminiScorer.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiScorer asks a Gemini model to score a transaction. It speaks the
// same request and response shape as the HTTP scoring service.
type GeminiScorer struct {
	models  ContentGenerator
	model   string
	timeout time.Duration
}

// NewGeminiScorer creates a scorer backed by the Gemini API using
// application default credentials or GOOGLE_API_KEY.
func NewGeminiScorer(ctx context.Context, model string, timeout time.Duration) (*GeminiScorer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("NewGeminiScorer: create genai client: %w", err)
	}
	return NewGeminiScorerWithGenerator(client.Models, model, timeout), nil
}

// NewGeminiScorerWithGenerator wires an existing generator, mainly for tests.
func NewGeminiScorerWithGenerator(g ContentGenerator, model string, timeout time.Duration) *GeminiScorer {
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiScorer{models: g, model: model, timeout: timeout}
}

const scoringPrompt = `You are a transaction fraud scorer.
Given a JSON object with "user_id", "transaction" and "history" (the user's prior transactions, most recent first),
return ONLY a JSON object of the form:
{"score": <integer 0-100>, "explanation": {"flags": [<reason codes>], "top_features": [{"feature": <name>, "weight": <0..1>}]}, "recommended_action": "allow" | "flag"}
Higher scores mean higher fraud risk. Use snake_case reason codes. Do not add prose or markdown.

Input:
`

// Score implements Scorer.
func (g *GeminiScorer) Score(ctx context.Context, req Request) (domain.RiskAssessment, error) {
	payload, err := json.Marshal(newScoreRequest(req))
	if err != nil {
		return domain.RiskAssessment{}, fmt.Errorf("GeminiScorer: encoding request: %v: %w", err, domain.ErrScorerUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	temperature := float32(0)
	contents := []*genai.Content{
		{
			Role:  "user",
			Parts: []*genai.Part{{Text: scoringPrompt + string(payload)}},
		},
	}
	resp, err := g.models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		Temperature:      &temperature,
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return domain.RiskAssessment{}, fmt.Errorf("GeminiScorer: generate content: %v: %w", err, domain.ErrScorerUnavailable)
	}

	raw := resp.Text()
	if raw == "" {
		return domain.RiskAssessment{}, fmt.Errorf("GeminiScorer: empty response from model: %w", domain.ErrScorerUnavailable)
	}

	a, err := decodeAssessment([]byte(cleanModelJSON(raw)))
	if err != nil {
		return domain.RiskAssessment{}, fmt.Errorf("GeminiScorer: %w", err)
	}
	return a, nil
}

// cleanModelJSON strips markdown fences and any text around the outermost object.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx != -1 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	return s
}
