package config

import (
	"fmt"
	"sync"
)

// RiskSettings holds the flag threshold for the running process. Admin
// actions write it through SetThreshold; the ingestion pipeline and backlog
// worker read it once per batch and pass the value down explicitly.
type RiskSettings struct {
	mu        sync.RWMutex
	threshold int
}

// NewRiskSettings returns settings initialised to threshold.
func NewRiskSettings(threshold int) (*RiskSettings, error) {
	if err := validateThreshold(threshold); err != nil {
		return nil, fmt.Errorf("NewRiskSettings: %w", err)
	}
	return &RiskSettings{threshold: threshold}, nil
}

// Threshold returns the current flag threshold.
func (s *RiskSettings) Threshold() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threshold
}

// SetThreshold replaces the flag threshold. Values outside 0..100 are rejected.
func (s *RiskSettings) SetThreshold(threshold int) error {
	if err := validateThreshold(threshold); err != nil {
		return fmt.Errorf("SetThreshold: %w", err)
	}
	s.mu.Lock()
	s.threshold = threshold
	s.mu.Unlock()
	return nil
}

func validateThreshold(v int) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("threshold %d outside 0..100", v)
	}
	return nil
}
