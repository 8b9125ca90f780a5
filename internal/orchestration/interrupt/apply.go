package interrupt

import (
	"context"
	"fmt"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/dispatch"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/nodes"
	"github.com/animus-labs/animus-orchestrator/internal/platform/retry"
)

func (e *Engine) apply(ctx context.Context, in domain.Interrupt) error {
	effect := &domain.InterruptEffect{InterruptID: in.ID, Type: in.Type, At: e.now()}

	switch in.Type {
	case domain.InterruptAbortAll, domain.InterruptAbort:
		return e.terminateAll(ctx, in, domain.StatusAborted, effect)
	case domain.InterruptExpire:
		return e.terminateAll(ctx, in, domain.StatusExpired, effect)
	case domain.InterruptPauseAll:
		return e.pauseAll(ctx, in, effect)
	case domain.InterruptResumeAll:
		return e.resumeAll(ctx, in, effect)
	case domain.InterruptRetry:
		return e.retryTarget(ctx, in, effect)
	case domain.InterruptMarkSuccess:
		return e.markTarget(ctx, in, domain.StatusSucceeded, nil, effect)
	case domain.InterruptMarkFailed:
		info := &domain.FailureInfo{
			Message:      "marked failed by " + actorOr(in.TriggeredBy, "system"),
			FailureTypes: []string{"USER_MARKED_FAILURE"},
		}
		return e.markTarget(ctx, in, domain.StatusFailed, info, effect)
	default:
		return fmt.Errorf("%w: unsupported type %s", ErrInterruptProcessing, in.Type)
	}
}

// scope returns the live nodes the interrupt covers: the whole plan, or
// the target and its live descendants.
func (e *Engine) scope(ctx context.Context, in domain.Interrupt) ([]domain.NodeExecution, error) {
	if in.TargetNodeExecutionID == "" {
		all, err := e.nodes.ListByPlan(ctx, in.PlanExecutionID)
		if err != nil {
			return nil, fmt.Errorf("list nodes of plan %s: %w", in.PlanExecutionID, err)
		}
		live := all[:0]
		for _, n := range all {
			if n.IsLive() {
				live = append(live, n)
			}
		}
		return live, nil
	}
	target, err := e.target(ctx, in)
	if err != nil {
		return nil, err
	}
	return nodes.LiveSubtree(ctx, e.nodes, target, true)
}

func (e *Engine) target(ctx context.Context, in domain.Interrupt) (domain.NodeExecution, error) {
	target, err := e.nodes.Get(ctx, in.TargetNodeExecutionID)
	if err != nil {
		return domain.NodeExecution{}, fmt.Errorf("load target %s: %w", in.TargetNodeExecutionID, err)
	}
	if target.PlanExecutionID != in.PlanExecutionID {
		return domain.NodeExecution{}, fmt.Errorf("%w: node %s is not part of plan %s", ErrInvalidTarget, target.RuntimeID, in.PlanExecutionID)
	}
	return target, nil
}

// terminateAll ends every covered node, leaves first, asking the task
// executor to cancel the ones still running.
func (e *Engine) terminateAll(ctx context.Context, in domain.Interrupt, to domain.Status, effect *domain.InterruptEffect) error {
	live, err := e.scope(ctx, in)
	if err != nil {
		return err
	}
	return e.terminate(ctx, in.PlanExecutionID, nodes.ByDepth(live, true), to, effect)
}

func (e *Engine) terminate(ctx context.Context, planID string, ordered []domain.NodeExecution, to domain.Status, effect *domain.InterruptEffect) error {
	for _, n := range ordered {
		// an earlier write may already have ended it through its children
		cur, err := e.nodes.Get(ctx, n.RuntimeID)
		if err != nil {
			return fmt.Errorf("%w: load %s: %w", ErrInterruptProcessing, n.RuntimeID, err)
		}
		if cur.Status.IsTerminal() {
			continue
		}
		if cur.Status == domain.StatusRunning {
			if err := e.canceller.Cancel(ctx, cur); err != nil {
				e.logger.Warn("task cancel failed", "node_execution_id", cur.RuntimeID, "err", err)
			}
		}
		if _, err := e.drive(ctx, planID, dispatch.Event{NodeExecutionID: cur.RuntimeID, Status: to, Effect: effect}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pauseAll(ctx context.Context, in domain.Interrupt, effect *domain.InterruptEffect) error {
	live, err := e.scope(ctx, in)
	if err != nil {
		return err
	}
	for _, n := range nodes.ByDepth(live, true) {
		if !n.Status.IsFlowing() {
			continue
		}
		if _, err := e.drive(ctx, in.PlanExecutionID, dispatch.Event{NodeExecutionID: n.RuntimeID, Status: domain.StatusPaused, Effect: effect}); err != nil {
			return err
		}
	}
	return nil
}

// resumeAll resumes paused nodes parents first. Leaves that were paused
// before their task ever started are handed to the task executor again.
func (e *Engine) resumeAll(ctx context.Context, in domain.Interrupt, effect *domain.InterruptEffect) error {
	live, err := e.scope(ctx, in)
	if err != nil {
		return err
	}
	for _, n := range nodes.ByDepth(live, false) {
		if n.Status != domain.StatusPaused {
			continue
		}
		res, err := e.drive(ctx, in.PlanExecutionID, dispatch.Event{NodeExecutionID: n.RuntimeID, Status: domain.StatusRunning, Effect: effect})
		if err != nil {
			return err
		}
		if res != dispatch.ResultApplied || n.StartTs != nil {
			continue
		}
		children, err := e.nodes.ListChildren(ctx, n.RuntimeID)
		if err != nil {
			return fmt.Errorf("list children of %s: %w", n.RuntimeID, err)
		}
		if len(children) > 0 {
			continue
		}
		resumed, err := e.nodes.Get(ctx, n.RuntimeID)
		if err != nil {
			return fmt.Errorf("load %s: %w", n.RuntimeID, err)
		}
		if err := e.starter.Start(ctx, resumed); err != nil {
			return fmt.Errorf("start %s: %w", n.RuntimeID, err)
		}
	}
	return nil
}

// retryTarget creates a new attempt of the target, then aborts whatever is
// still live under the superseded attempt.
func (e *Engine) retryTarget(ctx context.Context, in domain.Interrupt, effect *domain.InterruptEffect) error {
	target, err := e.target(ctx, in)
	if err != nil {
		return err
	}
	if target.OldRetry {
		return fmt.Errorf("%w: node %s is a superseded attempt", ErrInvalidTarget, target.RuntimeID)
	}
	if target.IsRoot() {
		return fmt.Errorf("%w: the plan root cannot be retried", ErrInvalidTarget)
	}
	live, err := nodes.LiveSubtree(ctx, e.nodes, target, true)
	if err != nil {
		return err
	}
	if err := e.renew(ctx, in.PlanExecutionID); err != nil {
		return err
	}
	if _, err := e.dispatcher.RetryNode(ctx, target, effect); err != nil {
		return err
	}
	return e.terminate(ctx, in.PlanExecutionID, live, domain.StatusAborted, effect)
}

// markTarget forces the target to a terminal status and aborts its live
// descendants.
func (e *Engine) markTarget(ctx context.Context, in domain.Interrupt, to domain.Status, info *domain.FailureInfo, effect *domain.InterruptEffect) error {
	target, err := e.target(ctx, in)
	if err != nil {
		return err
	}
	if !domain.CanTransition(target.Status, to) {
		return fmt.Errorf("%w: cannot mark %s node %s as %s", ErrInvalidTarget, target.Status, target.RuntimeID, to)
	}
	descendants, err := nodes.LiveSubtree(ctx, e.nodes, target, false)
	if err != nil {
		return err
	}
	res, err := e.drive(ctx, in.PlanExecutionID, dispatch.Event{NodeExecutionID: target.RuntimeID, Status: to, FailureInfo: info, Effect: effect})
	if err != nil {
		return err
	}
	if res == dispatch.ResultDropped {
		return fmt.Errorf("%w: node %s moved before it could be marked %s", ErrInterruptProcessing, target.RuntimeID, to)
	}
	return e.terminate(ctx, in.PlanExecutionID, descendants, domain.StatusAborted, effect)
}

// drive renews the plan claim, then dispatches ev, retrying when the
// node's versioned write kept losing races.
func (e *Engine) drive(ctx context.Context, planID string, ev dispatch.Event) (dispatch.Result, error) {
	if err := e.renew(ctx, planID); err != nil {
		return "", err
	}
	res, err := retry.Do(ctx, e.retry, retry.On(nodes.ErrConflictExhausted), func() (dispatch.Result, error) {
		return e.dispatcher.Dispatch(ctx, ev)
	}, func(err error, wait time.Duration) {
		e.logger.Warn("interrupt write conflicted, retrying", "node_execution_id", ev.NodeExecutionID, "wait_ms", wait.Milliseconds())
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s -> %s: %w", ErrInterruptProcessing, ev.NodeExecutionID, ev.Status, err)
	}
	return res, nil
}

func actorOr(actor, fallback string) string {
	if actor == "" {
		return fallback
	}
	return actor
}
