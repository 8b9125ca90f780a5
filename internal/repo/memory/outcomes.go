package memory

import (
	"context"
	"sync"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

type Outcomes struct {
	mu       sync.RWMutex
	outcomes map[string][]domain.Outcome
}

func NewOutcomes() *Outcomes {
	return &Outcomes{outcomes: map[string][]domain.Outcome{}}
}

func (s *Outcomes) FindAllByRuntimeID(_ context.Context, planExecutionID, runtimeID string) ([]domain.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Outcome{}, s.outcomes[planExecutionID+"/"+runtimeID]...), nil
}

// Save replaces outcomes by name; later values for the same name win.
func (s *Outcomes) Save(_ context.Context, planExecutionID, runtimeID string, outcomes []domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := planExecutionID + "/" + runtimeID
	existing := s.outcomes[key]
	for _, outcome := range outcomes {
		replaced := false
		for i := range existing {
			if existing[i].Name == outcome.Name {
				existing[i] = outcome
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, outcome)
		}
	}
	s.outcomes[key] = existing
	return nil
}
