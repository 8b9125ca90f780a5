package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/advise"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/nodes"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

func (d *Dispatcher) onRunning(ctx context.Context, node domain.NodeExecution, effect *domain.InterruptEffect) error {
	if !node.IsRoot() {
		parent, err := d.nodes.Get(ctx, node.ParentID)
		if err != nil {
			return fmt.Errorf("load parent %s: %w", node.ParentID, err)
		}
		if wakesParent(parent) {
			if _, err := d.Dispatch(ctx, Event{NodeExecutionID: parent.RuntimeID, Status: domain.StatusRunning, Effect: effect}); err != nil {
				return err
			}
		}
	}
	// a resumed parent may already have every child settled
	if err := d.recomputeParent(ctx, node.RuntimeID, effect); err != nil {
		return err
	}
	return d.recomputePlan(ctx, node.PlanExecutionID)
}

func (d *Dispatcher) onSuspended(ctx context.Context, node domain.NodeExecution, _ *domain.InterruptEffect) error {
	return d.recomputePlan(ctx, node.PlanExecutionID)
}

func (d *Dispatcher) onInputWaiting(ctx context.Context, node domain.NodeExecution, effect *domain.InterruptEffect) error {
	if !node.IsRoot() {
		parent, err := d.nodes.Get(ctx, node.ParentID)
		if err != nil {
			return fmt.Errorf("load parent %s: %w", node.ParentID, err)
		}
		siblings, err := nodes.LatestChildren(ctx, d.nodes, parent.RuntimeID)
		if err != nil {
			return err
		}
		if parentAwaitsInput(parent, siblings) {
			if _, err := d.Dispatch(ctx, Event{NodeExecutionID: parent.RuntimeID, Status: domain.StatusInputWaiting, Effect: effect}); err != nil {
				return err
			}
		}
	}
	return d.recomputePlan(ctx, node.PlanExecutionID)
}

func (d *Dispatcher) onTerminal(ctx context.Context, node domain.NodeExecution, effect *domain.InterruptEffect) error {
	if node.IsRoot() {
		return d.recomputePlan(ctx, node.PlanExecutionID)
	}
	parent, err := d.nodes.Get(ctx, node.ParentID)
	if err != nil {
		return fmt.Errorf("load parent %s: %w", node.ParentID, err)
	}
	if shouldAdvise(node, parent, effect) {
		plan, err := d.plans.Get(ctx, node.PlanExecutionID)
		if err != nil {
			return fmt.Errorf("load plan %s: %w", node.PlanExecutionID, err)
		}
		advice, err := d.adviser.Advise(ctx, advise.Request{Node: node, Plan: plan})
		if err != nil {
			return fmt.Errorf("advise %s: %w", node.RuntimeID, err)
		}
		if err := d.execute(ctx, node, parent, advice); err != nil {
			return err
		}
	}
	if err := d.recomputeParent(ctx, node.ParentID, effect); err != nil {
		return err
	}
	return d.recomputePlan(ctx, node.PlanExecutionID)
}

// wakesParent reports whether a running child should move its parent to
// RUNNING. Paused parents stay paused until resumed.
func wakesParent(parent domain.NodeExecution) bool {
	if !parent.IsLive() {
		return false
	}
	switch parent.Status {
	case domain.StatusQueued, domain.StatusInputWaiting:
		return domain.CanTransition(parent.Status, domain.StatusRunning)
	default:
		return false
	}
}

// parentAwaitsInput reports whether every live child of a running parent
// is waiting for input.
func parentAwaitsInput(parent domain.NodeExecution, children []domain.NodeExecution) bool {
	if parent.Status != domain.StatusRunning || parent.OldRetry {
		return false
	}
	waiting := false
	for _, c := range children {
		if !c.IsLive() {
			continue
		}
		if c.Status != domain.StatusInputWaiting {
			return false
		}
		waiting = true
	}
	return waiting
}

// shouldAdvise is false for superseded attempts, interrupt-driven endings
// and children of a parent that has already ended.
func shouldAdvise(node, parent domain.NodeExecution, effect *domain.InterruptEffect) bool {
	return !node.OldRetry && !interruptDriven(node, effect) && parent.IsLive()
}

func interruptDriven(node domain.NodeExecution, effect *domain.InterruptEffect) bool {
	if effect != nil {
		return true
	}
	n := len(node.InterruptEffects)
	return n > 0 && node.InterruptEffects[n-1].ToStatus == node.Status
}

func (d *Dispatcher) execute(ctx context.Context, node, parent domain.NodeExecution, advice advise.Advice) error {
	switch advice.Action {
	case advise.ActionEnd, "":
		return nil
	case advise.ActionAdvance:
		return d.advance(ctx, node, parent, advice.Next)
	case advise.ActionRetry:
		_, err := d.RetryNode(ctx, node, nil)
		return err
	case advise.ActionFailParent:
		return d.failParent(ctx, node, parent)
	default:
		return fmt.Errorf("advise %s: unknown action %q", node.RuntimeID, advice.Action)
	}
}

func (d *Dispatcher) advance(ctx context.Context, node, parent domain.NodeExecution, next *domain.PlanNode) error {
	if next == nil {
		return fmt.Errorf("advance %s: no next node", node.RuntimeID)
	}
	_, err := d.createAndStart(ctx, childOf(parent, *next, node.RuntimeID))
	return err
}

// SpawnChild creates the first attempt of the layout node pn under parent
// and hands it to the task starter. Replays return the stored node.
func (d *Dispatcher) SpawnChild(ctx context.Context, parent domain.NodeExecution, pn domain.PlanNode) (domain.NodeExecution, error) {
	if parent.Status.IsTerminal() {
		return domain.NodeExecution{}, fmt.Errorf("spawn under %s: parent is %s", parent.RuntimeID, parent.Status)
	}
	return d.createAndStart(ctx, childOf(parent, pn, ""))
}

// StartRoot creates the root node of plan from the layout node pn.
func (d *Dispatcher) StartRoot(ctx context.Context, plan domain.PlanExecution, pn domain.PlanNode) (domain.NodeExecution, error) {
	id := advise.RuntimeID(plan.ID, pn.NodeID, 0)
	root := domain.NodeExecution{
		RuntimeID:       id,
		NodeID:          pn.NodeID,
		PlanExecutionID: plan.ID,
		Name:            pn.Name,
		Group:           pn.Group,
		StepType:        pn.StepType,
		Ambiance: plan.Ambiance.WithLevel(domain.Level{
			SetupID:   pn.NodeID,
			RuntimeID: id,
			StepType:  pn.StepType,
			Group:     pn.Group,
		}),
		Status:           domain.StatusQueued,
		PropagatedStatus: domain.StatusQueued,
	}
	return d.createAndStart(ctx, root)
}

func childOf(parent domain.NodeExecution, pn domain.PlanNode, previousID string) domain.NodeExecution {
	id := advise.RuntimeID(parent.RuntimeID, pn.NodeID, 0)
	return domain.NodeExecution{
		RuntimeID:       id,
		NodeID:          pn.NodeID,
		PlanExecutionID: parent.PlanExecutionID,
		ParentID:        parent.RuntimeID,
		PreviousID:      previousID,
		Name:            pn.Name,
		Group:           pn.Group,
		StepType:        pn.StepType,
		Ambiance: parent.Ambiance.WithLevel(domain.Level{
			SetupID:   pn.NodeID,
			RuntimeID: id,
			StepType:  pn.StepType,
			Group:     pn.Group,
		}),
		Status:           domain.StatusQueued,
		PropagatedStatus: domain.StatusQueued,
	}
}

// RetryNode creates the next attempt of node and then marks node as a
// superseded retry, so the parent always has a latest attempt to
// aggregate. Replays return the attempt already created.
func (d *Dispatcher) RetryNode(ctx context.Context, node domain.NodeExecution, effect *domain.InterruptEffect) (domain.NodeExecution, error) {
	base := domain.NewAmbiance(node.PlanExecutionID, node.Ambiance.Scope())
	if !node.IsRoot() {
		parent, err := d.nodes.Get(ctx, node.ParentID)
		if err != nil {
			return domain.NodeExecution{}, fmt.Errorf("load parent %s: %w", node.ParentID, err)
		}
		if !parent.IsLive() {
			return domain.NodeExecution{}, fmt.Errorf("retry %s: parent %s is %s", node.RuntimeID, parent.RuntimeID, parent.Status)
		}
		base = parent.Ambiance
	}

	id := advise.RuntimeID(node.ParentID, node.NodeID, node.RetryIndex+1)
	level, _ := node.Ambiance.CurrentLevel()
	level.RuntimeID = id
	if level.SetupID == "" {
		level.SetupID = node.NodeID
	}
	attempt := domain.NodeExecution{
		RuntimeID:        id,
		NodeID:           node.NodeID,
		PlanExecutionID:  node.PlanExecutionID,
		ParentID:         node.ParentID,
		PreviousID:       node.PreviousID,
		Name:             node.Name,
		Group:            node.Group,
		StepType:         node.StepType,
		Ambiance:         base.WithLevel(level),
		Status:           domain.StatusQueued,
		PropagatedStatus: domain.StatusQueued,
		NodeRunInfo:      node.NodeRunInfo,
		RetryIndex:       node.RetryIndex + 1,
	}
	if effect != nil {
		e := *effect
		e.FromStatus = node.Status
		e.ToStatus = domain.StatusQueued
		if e.At.IsZero() {
			e.At = d.now()
		}
		attempt.InterruptEffects = []domain.InterruptEffect{e}
	}

	created, err := d.create(ctx, attempt)
	if err != nil {
		return domain.NodeExecution{}, err
	}
	if _, err := d.updater.MarkOldRetry(ctx, node.RuntimeID); err != nil {
		return domain.NodeExecution{}, fmt.Errorf("mark %s old retry: %w", node.RuntimeID, err)
	}
	if err := d.graph.ApplyNodeEvent(ctx, created); err != nil && ctx.Err() == nil {
		d.logger.Warn("graph update failed", "node_execution_id", created.RuntimeID, "err", err)
	}
	if created.Status == domain.StatusQueued {
		if err := d.starter.Start(ctx, created); err != nil {
			return created, fmt.Errorf("start %s: %w", created.RuntimeID, err)
		}
	}
	return created, nil
}

// failParent fails the parent first so that aborting the siblings cannot
// complete it with a different status.
func (d *Dispatcher) failParent(ctx context.Context, node, parent domain.NodeExecution) error {
	info := node.FailureInfo.Clone()
	if info == nil {
		info = &domain.FailureInfo{Message: fmt.Sprintf("child %s ended %s", node.RuntimeID, node.Status)}
	}
	if _, err := d.Dispatch(ctx, Event{NodeExecutionID: parent.RuntimeID, Status: domain.StatusFailed, FailureInfo: info}); err != nil {
		return err
	}
	live, err := nodes.LiveSubtree(ctx, d.nodes, parent, false)
	if err != nil {
		return err
	}
	for _, n := range live {
		if n.Status == domain.StatusRunning {
			if err := d.canceller.Cancel(ctx, n); err != nil {
				d.logger.Warn("task cancel failed", "node_execution_id", n.RuntimeID, "err", err)
			}
		}
		if _, err := d.Dispatch(ctx, Event{NodeExecutionID: n.RuntimeID, Status: domain.StatusAborted}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) createAndStart(ctx context.Context, node domain.NodeExecution) (domain.NodeExecution, error) {
	created, err := d.create(ctx, node)
	if err != nil {
		return domain.NodeExecution{}, err
	}
	if err := d.graph.ApplyNodeEvent(ctx, created); err != nil && ctx.Err() == nil {
		d.logger.Warn("graph update failed", "node_execution_id", created.RuntimeID, "err", err)
	}
	if created.Status != domain.StatusQueued {
		return created, nil
	}
	if err := d.starter.Start(ctx, created); err != nil {
		return created, fmt.Errorf("start %s: %w", created.RuntimeID, err)
	}
	return created, nil
}

// create stores node, or returns the stored copy when a replay already
// created it.
func (d *Dispatcher) create(ctx context.Context, node domain.NodeExecution) (domain.NodeExecution, error) {
	created, err := d.nodes.Create(ctx, node)
	if errors.Is(err, repo.ErrAlreadyExists) {
		created, err = d.nodes.Get(ctx, node.RuntimeID)
	}
	if err != nil {
		return domain.NodeExecution{}, fmt.Errorf("create node %s: %w", node.RuntimeID, err)
	}
	return created, nil
}

// recomputeParent dispatches the aggregate status of parentID once the
// failure policy says its children are complete.
func (d *Dispatcher) recomputeParent(ctx context.Context, parentID string, effect *domain.InterruptEffect) error {
	parent, err := d.nodes.Get(ctx, parentID)
	if err != nil {
		return fmt.Errorf("load parent %s: %w", parentID, err)
	}
	if !parent.IsLive() || parent.Status == domain.StatusPaused {
		return nil
	}
	children, err := nodes.LatestChildren(ctx, d.nodes, parentID)
	if err != nil {
		return err
	}
	verdict := d.policy.Aggregate(parent, children)
	if !verdict.Complete {
		return nil
	}
	_, err = d.Dispatch(ctx, Event{
		NodeExecutionID: parentID,
		Status:          verdict.Status,
		FailureInfo:     verdict.FailureInfo,
		Effect:          effect,
	})
	return err
}
