package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

type PlanExecutions struct {
	mu    sync.RWMutex
	plans map[string]domain.PlanExecution
}

func NewPlanExecutions() *PlanExecutions {
	return &PlanExecutions{plans: map[string]domain.PlanExecution{}}
}

func (s *PlanExecutions) Create(_ context.Context, plan domain.PlanExecution) (domain.PlanExecution, error) {
	if err := plan.Validate(); err != nil {
		return domain.PlanExecution{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[plan.ID]; ok {
		return domain.PlanExecution{}, fmt.Errorf("plan execution %s: %w", plan.ID, repo.ErrAlreadyExists)
	}
	plan.Version = 1
	plan.UpdatedAt = utcNow()
	s.plans[plan.ID] = plan.Clone()
	return plan.Clone(), nil
}

func (s *PlanExecutions) Get(_ context.Context, id string) (domain.PlanExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[id]
	if !ok {
		return domain.PlanExecution{}, repo.ErrNotFound
	}
	return plan.Clone(), nil
}

func (s *PlanExecutions) UpdateIfVersion(_ context.Context, plan domain.PlanExecution, expectedVersion int64) (domain.PlanExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.plans[plan.ID]
	if !ok {
		return domain.PlanExecution{}, repo.ErrNotFound
	}
	if current.Version != expectedVersion {
		return domain.PlanExecution{}, fmt.Errorf("plan execution %s: %w", plan.ID, repo.ErrVersionConflict)
	}
	plan.Version = current.Version + 1
	plan.UpdatedAt = utcNow()
	s.plans[plan.ID] = plan.Clone()
	return plan.Clone(), nil
}
