package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/events"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/nodes"
	"github.com/animus-labs/animus-orchestrator/internal/platform/retry"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

// RecomputePlan derives the plan status from its nodes and moves the plan
// when it changed.
func (d *Dispatcher) RecomputePlan(ctx context.Context, planExecutionID string) error {
	return d.recomputePlan(ctx, planExecutionID)
}

func (d *Dispatcher) recomputePlan(ctx context.Context, planExecutionID string) error {
	all, err := d.nodes.ListByPlan(ctx, planExecutionID)
	if err != nil {
		return fmt.Errorf("list nodes of plan %s: %w", planExecutionID, err)
	}
	status, ok := domain.DerivePlanStatus(nodes.PlanRoot(all), all)
	if !ok {
		return nil
	}
	return d.movePlan(ctx, planExecutionID, status)
}

type planMove struct {
	plan  domain.PlanExecution
	from  domain.Status
	moved bool
}

func (d *Dispatcher) movePlan(ctx context.Context, planExecutionID string, to domain.Status) error {
	move, err := retry.Do(ctx, d.retry, retry.On(repo.ErrVersionConflict), func() (planMove, error) {
		current, err := d.plans.Get(ctx, planExecutionID)
		if err != nil {
			return planMove{}, fmt.Errorf("load plan %s: %w", planExecutionID, err)
		}
		if !domain.CanMovePlan(current.Status, to) {
			return planMove{plan: current}, nil
		}
		next := current.Clone()
		next.Status = to
		if to.IsTerminal() {
			now := d.now()
			next.EndTs = &now
		}
		stored, err := d.plans.UpdateIfVersion(ctx, next, current.Version)
		if err != nil {
			if errors.Is(err, repo.ErrVersionConflict) {
				d.metrics.VersionConflict("plan_execution")
			}
			return planMove{}, err
		}
		return planMove{plan: stored, from: current.Status, moved: true}, nil
	}, nil)
	if err != nil {
		return fmt.Errorf("move plan %s to %s: %w", planExecutionID, to, err)
	}

	plan := move.plan
	if move.moved {
		d.logger.Info("plan status changed", "plan_execution_id", plan.ID, "from", move.from, "to", plan.Status)
		d.events.Publish(ctx, events.Event{
			ID:              "plan.status_changed:" + plan.ID + ":" + string(plan.Status),
			Kind:            events.PlanStatusChanged,
			PlanExecutionID: plan.ID,
			Status:          plan.Status,
			PreviousStatus:  move.from,
			At:              d.now(),
		})
	}
	if !plan.Status.IsTerminal() || plan.Status != to {
		if move.moved {
			d.applyPlanGraph(ctx, plan)
		}
		return nil
	}

	// Terminal side effects repeat on replay; the event id keeps them
	// single within one process.
	d.events.Publish(ctx, events.Event{
		ID:              "plan.finished:" + plan.ID,
		Kind:            events.PlanFinished,
		PlanExecutionID: plan.ID,
		Status:          plan.Status,
		At:              endTime(plan, d.now()),
		Attrs:           map[string]any{"duration_ms": endTime(plan, d.now()).Sub(plan.StartTs).Milliseconds()},
	})
	d.applyPlanGraph(ctx, plan)
	return nil
}

func (d *Dispatcher) applyPlanGraph(ctx context.Context, plan domain.PlanExecution) {
	if err := d.graph.ApplyPlanStatus(ctx, plan); err != nil && ctx.Err() == nil {
		d.logger.Warn("graph plan update failed", "plan_execution_id", plan.ID, "status", plan.Status, "err", err)
	}
}

func endTime(plan domain.PlanExecution, fallback time.Time) time.Time {
	if plan.EndTs != nil {
		return *plan.EndTs
	}
	return fallback
}
