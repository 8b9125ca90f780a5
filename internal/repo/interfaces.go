package repo

import (
	"context"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

// NodeExecutionRepository stores node executions under per-row optimistic
// versioning. Version starts at 1 on Create and grows by one per update.
type NodeExecutionRepository interface {
	Create(ctx context.Context, node domain.NodeExecution) (domain.NodeExecution, error)
	Get(ctx context.Context, runtimeID string) (domain.NodeExecution, error)
	ListByPlan(ctx context.Context, planExecutionID string) ([]domain.NodeExecution, error)
	ListChildren(ctx context.Context, parentID string) ([]domain.NodeExecution, error)
	// UpdateIfVersion writes node when the stored version equals
	// expectedVersion and returns the stored row.
	UpdateIfVersion(ctx context.Context, node domain.NodeExecution, expectedVersion int64) (domain.NodeExecution, error)
	// ListUnpropagated returns nodes whose status still owes side effects,
	// untouched since before, in cursor order after the given position.
	ListUnpropagated(ctx context.Context, before time.Time, after Cursor, limit int) ([]domain.NodeExecution, error)
	// ListLive returns live nodes that owe nothing, untouched since before,
	// in cursor order after the given position.
	ListLive(ctx context.Context, before time.Time, after Cursor, limit int) ([]domain.NodeExecution, error)
}

// Cursor is a keyset position in (updated_at, runtime_id) order. The zero
// Cursor sorts before every row.
type Cursor struct {
	UpdatedAt time.Time
	RuntimeID string
}

func CursorOf(node domain.NodeExecution) Cursor {
	return Cursor{UpdatedAt: node.UpdatedAt, RuntimeID: node.RuntimeID}
}

// Precedes reports whether c sorts strictly before the row at
// (updatedAt, runtimeID).
func (c Cursor) Precedes(updatedAt time.Time, runtimeID string) bool {
	if !c.UpdatedAt.Equal(updatedAt) {
		return c.UpdatedAt.Before(updatedAt)
	}
	return c.RuntimeID < runtimeID
}

type PlanExecutionRepository interface {
	Create(ctx context.Context, plan domain.PlanExecution) (domain.PlanExecution, error)
	Get(ctx context.Context, id string) (domain.PlanExecution, error)
	UpdateIfVersion(ctx context.Context, plan domain.PlanExecution, expectedVersion int64) (domain.PlanExecution, error)
}

// InterruptRepository keeps the interrupt queue and the per-plan processing
// claim.
type InterruptRepository interface {
	// Create assigns Seq and returns the stored interrupt.
	Create(ctx context.Context, interrupt domain.Interrupt) (domain.Interrupt, error)
	Get(ctx context.Context, id string) (domain.Interrupt, error)
	ListByPlan(ctx context.Context, planExecutionID string) ([]domain.Interrupt, error)
	// NextPending returns the first non-final interrupt for the plan in
	// store-assigned Seq order, or ErrNotFound.
	NextPending(ctx context.Context, planExecutionID string) (domain.Interrupt, error)
	// UpdateState writes interrupt when the stored state equals from.
	UpdateState(ctx context.Context, interrupt domain.Interrupt, from domain.InterruptState) (domain.Interrupt, error)
	ListPlansWithPending(ctx context.Context, limit int) ([]string, error)

	// ClaimPlan takes the plan's processing lease when it is free, expired or
	// already held by owner. Every successful claim returns a new token.
	ClaimPlan(ctx context.Context, planExecutionID, owner string, ttl time.Duration) (int64, error)
	// RenewPlan extends the lease only while owner still holds token;
	// otherwise it returns ErrClaimHeld.
	RenewPlan(ctx context.Context, planExecutionID, owner string, token int64, ttl time.Duration) error
	ReleasePlan(ctx context.Context, planExecutionID, owner string, token int64) error
}

// GraphRepository persists orchestration graphs with compare-and-set on
// CacheContextOrder. An expected order of zero means the graph must not exist.
type GraphRepository interface {
	Get(ctx context.Context, planExecutionID string) (domain.OrchestrationGraph, error)
	Save(ctx context.Context, graph domain.OrchestrationGraph, expectedOrder int64) (domain.OrchestrationGraph, error)
	Delete(ctx context.Context, planExecutionID string) error
	ListArchivedBefore(ctx context.Context, before time.Time, limit int) ([]string, error)
}

type OutcomeRepository interface {
	FindAllByRuntimeID(ctx context.Context, planExecutionID, runtimeID string) ([]domain.Outcome, error)
	Save(ctx context.Context, planExecutionID, runtimeID string, outcomes []domain.Outcome) error
}

type ApprovalRepository interface {
	Create(ctx context.Context, instance domain.ApprovalInstance) (domain.ApprovalInstance, error)
	Get(ctx context.Context, id string) (domain.ApprovalInstance, error)
	GetByNode(ctx context.Context, nodeExecutionID string) (domain.ApprovalInstance, error)
	UpdateIfVersion(ctx context.Context, instance domain.ApprovalInstance, expectedVersion int64) (domain.ApprovalInstance, error)
	ListWaiting(ctx context.Context, limit int) ([]domain.ApprovalInstance, error)
}
