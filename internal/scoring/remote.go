package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dvloznov/fraud-tracker/internal/domain"
)

const maxResponseBytes = 1 << 20

// BreakerSettings configures the circuit breaker around the scoring service.
type BreakerSettings struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// RemoteScorer calls the external scoring service at POST {baseURL}/score.
type RemoteScorer struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// RemoteOption customises a RemoteScorer.
type RemoteOption func(*RemoteScorer)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(s *RemoteScorer) { s.client = c }
}

// WithBreaker trips after MaxFailures consecutive failures and stays open for OpenTimeout.
func WithBreaker(bs BreakerSettings) RemoteOption {
	return func(s *RemoteScorer) {
		s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "risk-scorer",
			MaxRequests: 1,
			Timeout:     bs.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return bs.MaxFailures > 0 && counts.ConsecutiveFailures >= bs.MaxFailures
			},
		})
	}
}

// NewRemoteScorer creates a scorer with a per-call timeout.
func NewRemoteScorer(baseURL string, timeout time.Duration, opts ...RemoteOption) *RemoteScorer {
	s := &RemoteScorer{
		endpoint: strings.TrimRight(baseURL, "/") + "/score",
		timeout:  timeout,
		client:   &http.Client{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score implements Scorer.
func (s *RemoteScorer) Score(ctx context.Context, req Request) (domain.RiskAssessment, error) {
	if s.breaker == nil {
		return s.call(ctx, req)
	}

	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.call(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return domain.RiskAssessment{}, fmt.Errorf("RemoteScorer: %v: %w", err, domain.ErrScorerUnavailable)
		}
		return domain.RiskAssessment{}, err
	}
	return out.(domain.RiskAssessment), nil
}

func (s *RemoteScorer) call(ctx context.Context, req Request) (domain.RiskAssessment, error) {
	body, err := json.Marshal(newScoreRequest(req))
	if err != nil {
		return domain.RiskAssessment{}, fmt.Errorf("RemoteScorer: encoding request: %v: %w", err, domain.ErrScorerUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.RiskAssessment{}, fmt.Errorf("RemoteScorer: building request: %v: %w", err, domain.ErrScorerUnavailable)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return domain.RiskAssessment{}, fmt.Errorf("RemoteScorer: calling %s: %v: %w", s.endpoint, err, domain.ErrScorerUnavailable)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.RiskAssessment{}, fmt.Errorf("RemoteScorer: reading response: %v: %w", err, domain.ErrScorerUnavailable)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.RiskAssessment{}, fmt.Errorf("RemoteScorer: status %d: %w", resp.StatusCode, domain.ErrScorerUnavailable)
	}

	a, err := decodeAssessment(data)
	if err != nil {
		return domain.RiskAssessment{}, fmt.Errorf("RemoteScorer: %w", err)
	}
	return a, nil
}
