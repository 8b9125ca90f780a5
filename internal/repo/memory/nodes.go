// Package memory holds mutex-guarded map implementations of the repo
// interfaces. Every read and write deep-copies so callers never share state
// with the store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

type NodeExecutions struct {
	mu    sync.RWMutex
	nodes map[string]domain.NodeExecution
	now   func() time.Time
}

func NewNodeExecutions() *NodeExecutions {
	return &NodeExecutions{nodes: map[string]domain.NodeExecution{}, now: utcNow}
}

func (s *NodeExecutions) Create(_ context.Context, node domain.NodeExecution) (domain.NodeExecution, error) {
	if err := node.Validate(); err != nil {
		return domain.NodeExecution{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[node.RuntimeID]; ok {
		return domain.NodeExecution{}, fmt.Errorf("node execution %s: %w", node.RuntimeID, repo.ErrAlreadyExists)
	}
	now := s.now()
	stored := node.Clone()
	stored.Version = 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.nodes[stored.RuntimeID] = stored
	return stored.Clone(), nil
}

func (s *NodeExecutions) Get(_ context.Context, runtimeID string) (domain.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[strings.TrimSpace(runtimeID)]
	if !ok {
		return domain.NodeExecution{}, repo.ErrNotFound
	}
	return node.Clone(), nil
}

func (s *NodeExecutions) ListByPlan(_ context.Context, planExecutionID string) ([]domain.NodeExecution, error) {
	return s.filter(func(n domain.NodeExecution) bool { return n.PlanExecutionID == planExecutionID }), nil
}

func (s *NodeExecutions) ListChildren(_ context.Context, parentID string) ([]domain.NodeExecution, error) {
	if strings.TrimSpace(parentID) == "" {
		return nil, fmt.Errorf("parent id is required")
	}
	return s.filter(func(n domain.NodeExecution) bool { return n.ParentID == parentID }), nil
}

func (s *NodeExecutions) UpdateIfVersion(_ context.Context, node domain.NodeExecution, expectedVersion int64) (domain.NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.nodes[node.RuntimeID]
	if !ok {
		return domain.NodeExecution{}, repo.ErrNotFound
	}
	if current.Version != expectedVersion {
		return domain.NodeExecution{}, fmt.Errorf("node execution %s at version %d, expected %d: %w",
			node.RuntimeID, current.Version, expectedVersion, repo.ErrVersionConflict)
	}
	stored := node.Clone()
	stored.CreatedAt = current.CreatedAt
	stored.Version = current.Version + 1
	stored.UpdatedAt = s.now()
	s.nodes[stored.RuntimeID] = stored
	return stored.Clone(), nil
}

func (s *NodeExecutions) ListUnpropagated(_ context.Context, before time.Time, after repo.Cursor, limit int) ([]domain.NodeExecution, error) {
	return s.page(before, after, limit, domain.NodeExecution.NeedsPropagation), nil
}

func (s *NodeExecutions) ListLive(_ context.Context, before time.Time, after repo.Cursor, limit int) ([]domain.NodeExecution, error) {
	return s.page(before, after, limit, func(n domain.NodeExecution) bool {
		return n.IsLive() && !n.NeedsPropagation()
	}), nil
}

func (s *NodeExecutions) page(before time.Time, after repo.Cursor, limit int, keep func(domain.NodeExecution) bool) []domain.NodeExecution {
	out := s.filter(func(n domain.NodeExecution) bool {
		return n.UpdatedAt.Before(before) && after.Precedes(n.UpdatedAt, n.RuntimeID) && keep(n)
	})
	sort.Slice(out, func(i, j int) bool {
		return repo.CursorOf(out[i]).Precedes(out[j].UpdatedAt, out[j].RuntimeID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SetClock overrides the timestamp source.
func (s *NodeExecutions) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *NodeExecutions) filter(keep func(domain.NodeExecution) bool) []domain.NodeExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.NodeExecution, 0)
	for _, node := range s.nodes {
		if keep(node) {
			out = append(out, node.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RuntimeID < out[j].RuntimeID
	})
	return out
}

func utcNow() time.Time { return time.Now().UTC() }
