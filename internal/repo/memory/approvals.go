package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

type Approvals struct {
	mu        sync.RWMutex
	instances map[string]domain.ApprovalInstance
}

func NewApprovals() *Approvals {
	return &Approvals{instances: map[string]domain.ApprovalInstance{}}
}

func (s *Approvals) Create(_ context.Context, instance domain.ApprovalInstance) (domain.ApprovalInstance, error) {
	if err := instance.Validate(); err != nil {
		return domain.ApprovalInstance{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(instance.ID) == "" {
		instance.ID = uuid.NewString()
	}
	for _, existing := range s.instances {
		if existing.ID == instance.ID || existing.NodeExecutionID == instance.NodeExecutionID {
			return domain.ApprovalInstance{}, fmt.Errorf("approval for node %s: %w", instance.NodeExecutionID, repo.ErrAlreadyExists)
		}
	}
	now := utcNow()
	stored := instance.Clone()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.instances[stored.ID] = stored
	return stored.Clone(), nil
}

func (s *Approvals) Get(_ context.Context, id string) (domain.ApprovalInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	instance, ok := s.instances[id]
	if !ok {
		return domain.ApprovalInstance{}, repo.ErrNotFound
	}
	return instance.Clone(), nil
}

func (s *Approvals) GetByNode(_ context.Context, nodeExecutionID string) (domain.ApprovalInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, instance := range s.instances {
		if instance.NodeExecutionID == nodeExecutionID {
			return instance.Clone(), nil
		}
	}
	return domain.ApprovalInstance{}, repo.ErrNotFound
}

func (s *Approvals) UpdateIfVersion(_ context.Context, instance domain.ApprovalInstance, expectedVersion int64) (domain.ApprovalInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.instances[instance.ID]
	if !ok {
		return domain.ApprovalInstance{}, repo.ErrNotFound
	}
	if current.Version != expectedVersion {
		return domain.ApprovalInstance{}, fmt.Errorf("approval %s: %w", instance.ID, repo.ErrVersionConflict)
	}
	stored := instance.Clone()
	stored.CreatedAt = current.CreatedAt
	stored.Version = current.Version + 1
	stored.UpdatedAt = utcNow()
	s.instances[stored.ID] = stored
	return stored.Clone(), nil
}

func (s *Approvals) ListWaiting(_ context.Context, limit int) ([]domain.ApprovalInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ApprovalInstance, 0)
	for _, instance := range s.instances {
		if instance.Status == domain.ApprovalWaiting {
			out = append(out, instance.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
