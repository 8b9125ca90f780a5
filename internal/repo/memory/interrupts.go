package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

type claim struct {
	owner     string
	expiresAt time.Time
	token     int64
}

type Interrupts struct {
	mu         sync.Mutex
	seq        int64
	interrupts map[string]domain.Interrupt
	claims     map[string]claim
	now        func() time.Time
}

func NewInterrupts() *Interrupts {
	return &Interrupts{
		interrupts: map[string]domain.Interrupt{},
		claims:     map[string]claim{},
		now:        utcNow,
	}
}

func (s *Interrupts) Create(_ context.Context, interrupt domain.Interrupt) (domain.Interrupt, error) {
	if err := interrupt.Validate(); err != nil {
		return domain.Interrupt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(interrupt.ID) == "" {
		interrupt.ID = uuid.NewString()
	}
	if _, ok := s.interrupts[interrupt.ID]; ok {
		return domain.Interrupt{}, fmt.Errorf("interrupt %s: %w", interrupt.ID, repo.ErrAlreadyExists)
	}
	s.seq++
	interrupt.Seq = s.seq
	if interrupt.CreatedAt.IsZero() {
		interrupt.CreatedAt = s.now()
	}
	if interrupt.State == "" {
		interrupt.State = domain.InterruptRegistered
	}
	s.interrupts[interrupt.ID] = interrupt.Clone()
	return interrupt.Clone(), nil
}

func (s *Interrupts) Get(_ context.Context, id string) (domain.Interrupt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	interrupt, ok := s.interrupts[id]
	if !ok {
		return domain.Interrupt{}, repo.ErrNotFound
	}
	return interrupt.Clone(), nil
}

func (s *Interrupts) ListByPlan(_ context.Context, planExecutionID string) ([]domain.Interrupt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byPlanLocked(planExecutionID, false), nil
}

func (s *Interrupts) NextPending(_ context.Context, planExecutionID string) (domain.Interrupt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.byPlanLocked(planExecutionID, true)
	if len(pending) == 0 {
		return domain.Interrupt{}, repo.ErrNotFound
	}
	return pending[0], nil
}

func (s *Interrupts) UpdateState(_ context.Context, interrupt domain.Interrupt, from domain.InterruptState) (domain.Interrupt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.interrupts[interrupt.ID]
	if !ok {
		return domain.Interrupt{}, repo.ErrNotFound
	}
	if current.State != from {
		return domain.Interrupt{}, fmt.Errorf("interrupt %s in state %s, expected %s: %w",
			interrupt.ID, current.State, from, repo.ErrVersionConflict)
	}
	interrupt.Seq = current.Seq
	interrupt.CreatedAt = current.CreatedAt
	s.interrupts[interrupt.ID] = interrupt.Clone()
	return interrupt.Clone(), nil
}

func (s *Interrupts) ListPlansWithPending(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]struct{}{}
	out := make([]string, 0)
	for _, interrupt := range s.interrupts {
		if interrupt.State.IsFinal() {
			continue
		}
		if _, ok := seen[interrupt.PlanExecutionID]; ok {
			continue
		}
		seen[interrupt.PlanExecutionID] = struct{}{}
		out = append(out, interrupt.PlanExecutionID)
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Interrupts) ClaimPlan(_ context.Context, planExecutionID, owner string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	held, ok := s.claims[planExecutionID]
	if ok && held.owner != owner && now.Before(held.expiresAt) {
		return 0, fmt.Errorf("plan %s claimed by %s: %w", planExecutionID, held.owner, repo.ErrClaimHeld)
	}
	next := claim{owner: owner, expiresAt: now.Add(ttl), token: held.token + 1}
	s.claims[planExecutionID] = next
	return next.token, nil
}

func (s *Interrupts) RenewPlan(_ context.Context, planExecutionID, owner string, token int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.claims[planExecutionID]
	if !ok || held.owner != owner || held.token != token {
		return fmt.Errorf("plan %s token %d: %w", planExecutionID, token, repo.ErrClaimHeld)
	}
	held.expiresAt = s.now().Add(ttl)
	s.claims[planExecutionID] = held
	return nil
}

func (s *Interrupts) ReleasePlan(_ context.Context, planExecutionID, owner string, token int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.claims[planExecutionID]; ok && held.owner == owner && held.token == token {
		held.expiresAt = s.now()
		s.claims[planExecutionID] = held
	}
	return nil
}

// SetClock overrides the timestamp source.
func (s *Interrupts) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Interrupts) byPlanLocked(planExecutionID string, pendingOnly bool) []domain.Interrupt {
	out := make([]domain.Interrupt, 0)
	for _, interrupt := range s.interrupts {
		if interrupt.PlanExecutionID != planExecutionID {
			continue
		}
		if pendingOnly && interrupt.State.IsFinal() {
			continue
		}
		out = append(out, interrupt.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
