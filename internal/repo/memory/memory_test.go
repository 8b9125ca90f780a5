package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

func TestNodeExecutionsVersioning(t *testing.T) {
	ctx := context.Background()
	store := NewNodeExecutions()
	created, err := store.Create(ctx, domain.NodeExecution{RuntimeID: "n1", NodeID: "step", PlanExecutionID: "p1", Status: domain.StatusQueued})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("expected version 1 got %d", created.Version)
	}
	if _, err := store.Create(ctx, created); !errors.Is(err, repo.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	created.Status = domain.StatusRunning
	updated, err := store.UpdateIfVersion(ctx, created, 1)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2 got %d", updated.Version)
	}

	created.Status = domain.StatusFailed
	if _, err := store.UpdateIfVersion(ctx, created, 1); !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	got, _ := store.Get(ctx, "n1")
	if got.Status != domain.StatusRunning {
		t.Fatalf("stale write leaked: %s", got.Status)
	}
}

func TestNodeExecutionsStalePages(t *testing.T) {
	ctx := context.Background()
	store := NewNodeExecutions()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at := base
	store.SetClock(func() time.Time { return at })

	mustCreate := func(node domain.NodeExecution) {
		t.Helper()
		if _, err := store.Create(ctx, node); err != nil {
			t.Fatalf("create %s: %v", node.RuntimeID, err)
		}
	}
	mustCreate(domain.NodeExecution{RuntimeID: "live-b", NodeID: "a", PlanExecutionID: "p", Status: domain.StatusRunning, PropagatedStatus: domain.StatusRunning})
	mustCreate(domain.NodeExecution{RuntimeID: "live-a", NodeID: "a", PlanExecutionID: "p", Status: domain.StatusRunning, PropagatedStatus: domain.StatusRunning})
	mustCreate(domain.NodeExecution{RuntimeID: "done", NodeID: "b", PlanExecutionID: "p", Status: domain.StatusSucceeded, PropagatedStatus: domain.StatusSucceeded})
	at = base.Add(time.Second)
	mustCreate(domain.NodeExecution{RuntimeID: "owed", NodeID: "c", PlanExecutionID: "p", Status: domain.StatusFailed, PropagatedStatus: domain.StatusRunning})
	mustCreate(domain.NodeExecution{RuntimeID: "live-c", NodeID: "a", PlanExecutionID: "p", Status: domain.StatusPaused, PropagatedStatus: domain.StatusPaused})

	before := base.Add(time.Minute)
	owed, err := store.ListUnpropagated(ctx, before, repo.Cursor{}, 10)
	if err != nil {
		t.Fatalf("list unpropagated: %v", err)
	}
	if len(owed) != 1 || owed[0].RuntimeID != "owed" {
		t.Fatalf("unexpected unpropagated set: %v", runtimeIDs(owed))
	}

	first, _ := store.ListLive(ctx, before, repo.Cursor{}, 2)
	if got := runtimeIDs(first); len(got) != 2 || got[0] != "live-a" || got[1] != "live-b" {
		t.Fatalf("unexpected first live page: %v", got)
	}
	rest, _ := store.ListLive(ctx, before, repo.CursorOf(first[1]), 2)
	if got := runtimeIDs(rest); len(got) != 1 || got[0] != "live-c" {
		t.Fatalf("unexpected second live page: %v", got)
	}

	if recent, _ := store.ListLive(ctx, base, repo.Cursor{}, 10); len(recent) != 0 {
		t.Fatalf("expected nothing older than base, got %d", len(recent))
	}
}

func runtimeIDs(nodes []domain.NodeExecution) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.RuntimeID)
	}
	return out
}

func TestInterruptsOrderingAndClaims(t *testing.T) {
	ctx := context.Background()
	store := NewInterrupts()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return at })

	first, err := store.Create(ctx, domain.Interrupt{PlanExecutionID: "p", Type: domain.InterruptPauseAll})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// registered later by an instance whose clock runs behind
	second, err := store.Create(ctx, domain.Interrupt{PlanExecutionID: "p", Type: domain.InterruptResumeAll, CreatedAt: at.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	next, err := store.NextPending(ctx, "p")
	if err != nil || next.ID != first.ID {
		t.Fatalf("expected first interrupt next, got %v %v", next.ID, err)
	}

	first.State = domain.InterruptProcessedSuccessfully
	if _, err := store.UpdateState(ctx, first, domain.InterruptProcessing); !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
	if _, err := store.UpdateState(ctx, first, domain.InterruptRegistered); err != nil {
		t.Fatalf("update state: %v", err)
	}
	next, _ = store.NextPending(ctx, "p")
	if next.ID != second.ID {
		t.Fatalf("expected second interrupt next, got %s", next.ID)
	}

	tokenA, err := store.ClaimPlan(ctx, "p", "a", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.ClaimPlan(ctx, "p", "b", time.Minute); !errors.Is(err, repo.ErrClaimHeld) {
		t.Fatalf("expected ErrClaimHeld, got %v", err)
	}
	if err := store.RenewPlan(ctx, "p", "a", tokenA, time.Minute); err != nil {
		t.Fatalf("renew: %v", err)
	}
	at = at.Add(2 * time.Minute)
	tokenB, err := store.ClaimPlan(ctx, "p", "b", time.Minute)
	if err != nil {
		t.Fatalf("expected expired claim to be taken over: %v", err)
	}
	if tokenB <= tokenA {
		t.Fatalf("expected a newer token, got %d after %d", tokenB, tokenA)
	}
	if err := store.ReleasePlan(ctx, "p", "b", tokenB); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := store.RenewPlan(ctx, "p", "a", tokenA, time.Minute); !errors.Is(err, repo.ErrClaimHeld) {
		t.Fatalf("expected renewal of a superseded claim to fail, got %v", err)
	}
}

func TestGraphsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := NewGraphs()
	graph := domain.NewOrchestrationGraph("p", time.Now())

	saved, err := store.Save(ctx, graph, 0)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.CacheContextOrder != 1 {
		t.Fatalf("expected order 1 got %d", saved.CacheContextOrder)
	}
	if _, err := store.Save(ctx, graph, 0); !errors.Is(err, repo.ErrStaleGraph) {
		t.Fatalf("expected ErrStaleGraph on duplicate create, got %v", err)
	}
	if _, err := store.Save(ctx, saved, 1); err != nil {
		t.Fatalf("save at order 1: %v", err)
	}
	if _, err := store.Save(ctx, saved, 1); !errors.Is(err, repo.ErrStaleGraph) {
		t.Fatalf("expected ErrStaleGraph on stale write, got %v", err)
	}
}
