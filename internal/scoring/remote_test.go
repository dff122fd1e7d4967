package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/fraud-tracker/internal/domain"
)

func sampleRequest() Request {
	t := tx("250.00", "NewCo")
	t.Date = civil.Date{Year: 2024, Month: 1, Day: 2}
	t.Category = []string{"Shopping"}
	return Request{
		UserID:      "u1",
		Transaction: t,
		History:     []*domain.Transaction{{ExternalID: "h1", MerchantName: "Old", Date: civil.Date{Year: 2024, Month: 1, Day: 1}}},
		Threshold:   75,
	}
}

func TestRemoteScorer_Success(t *testing.T) {
	var got scoreRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/score" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"score": 42, "explanation": {"flags": ["velocity"], "top_features": [{"feature": "velocity", "weight": 0.7}]}, "recommended_action": "allow"}`))
	}))
	defer srv.Close()

	s := NewRemoteScorer(srv.URL+"/", time.Second)
	a, err := s.Score(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	if a.Score != 42 || a.RecommendedAction != domain.ActionAllow {
		t.Errorf("unexpected assessment: %+v", a)
	}
	if len(a.Explanation.TopFeatures) != 1 || a.Explanation.TopFeatures[0].Weight != 0.7 {
		t.Errorf("unexpected features: %+v", a.Explanation.TopFeatures)
	}
	if got.UserID != "u1" || got.Transaction.Amount != 250 || got.Transaction.Date != "2024-01-02" {
		t.Errorf("unexpected request body: %+v", got)
	}
	if len(got.History) != 1 || got.History[0].MerchantName != "Old" {
		t.Errorf("history not sent: %+v", got.History)
	}
}

func TestRemoteScorer_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"score": "high"`))
			},
		},
		{
			name: "missing score",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"recommended_action": "flag"}`))
			},
		},
		{
			name: "fractional score",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"score": 42.5}`))
			},
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-time.After(500 * time.Millisecond):
				case <-r.Context().Done():
				}
				_, _ = w.Write([]byte(`{"score": 1}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			s := NewRemoteScorer(srv.URL, 50*time.Millisecond)
			_, err := s.Score(context.Background(), sampleRequest())
			if !errors.Is(err, domain.ErrScorerUnavailable) {
				t.Errorf("expected ErrScorerUnavailable, got %v", err)
			}
		})
	}
}

func TestRemoteScorer_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := NewRemoteScorer(url, time.Second)
	if _, err := s.Score(context.Background(), sampleRequest()); !IsUnavailable(err) {
		t.Errorf("expected unavailable error, got %v", err)
	}
}

func TestRemoteScorer_BreakerOpens(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewRemoteScorer(srv.URL, time.Second, WithBreaker(BreakerSettings{MaxFailures: 2, OpenTimeout: time.Minute}))
	for i := 0; i < 5; i++ {
		if _, err := s.Score(context.Background(), sampleRequest()); !IsUnavailable(err) {
			t.Fatalf("call %d: expected unavailable error, got %v", i, err)
		}
	}

	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("expected breaker to stop calls after 2 failures, server saw %d", n)
	}
}

func TestResilient_WithRemoteTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	// Unblock the handler before Close waits on it.
	defer close(release)

	r := NewResilient(NewRemoteScorer(srv.URL, 20*time.Millisecond), nil)
	out := r.Score(context.Background(), sampleRequest())
	if out.Source != SourceFallback || out.Assessment.Score != 90 {
		t.Errorf("expected fallback score 90, got %+v", out)
	}
}
