package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

type Graphs struct {
	mu     sync.Mutex
	graphs map[string]domain.OrchestrationGraph
}

func NewGraphs() *Graphs {
	return &Graphs{graphs: map[string]domain.OrchestrationGraph{}}
}

func (s *Graphs) Get(_ context.Context, planExecutionID string) (domain.OrchestrationGraph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	graph, ok := s.graphs[planExecutionID]
	if !ok {
		return domain.OrchestrationGraph{}, repo.ErrNotFound
	}
	return graph.Clone(), nil
}

func (s *Graphs) Save(_ context.Context, graph domain.OrchestrationGraph, expectedOrder int64) (domain.OrchestrationGraph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.graphs[graph.PlanExecutionID]
	switch {
	case !ok && expectedOrder != 0:
		return domain.OrchestrationGraph{}, fmt.Errorf("graph %s missing: %w", graph.PlanExecutionID, repo.ErrStaleGraph)
	case ok && current.CacheContextOrder != expectedOrder:
		return domain.OrchestrationGraph{}, fmt.Errorf("graph %s at order %d, expected %d: %w",
			graph.PlanExecutionID, current.CacheContextOrder, expectedOrder, repo.ErrStaleGraph)
	}
	stored := graph.Clone()
	stored.CacheContextOrder = expectedOrder + 1
	s.graphs[stored.PlanExecutionID] = stored
	return stored.Clone(), nil
}

func (s *Graphs) Delete(_ context.Context, planExecutionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.graphs, planExecutionID)
	return nil
}

func (s *Graphs) ListArchivedBefore(_ context.Context, before time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0)
	for id, graph := range s.graphs {
		if graph.ArchivedAt != nil && graph.ArchivedAt.Before(before) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
