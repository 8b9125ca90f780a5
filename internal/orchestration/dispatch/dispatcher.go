// Package dispatch applies node status events and drives their side
// effects: parent and plan recomputation, adviser decisions, graph updates
// and lifecycle events.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/events"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/advise"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/nodes"
	"github.com/animus-labs/animus-orchestrator/internal/platform/retry"
	"github.com/animus-labs/animus-orchestrator/internal/platform/telemetry"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

// Event is one status report for a node, from the task executor, an
// interrupt or the dispatcher itself.
type Event struct {
	NodeExecutionID string
	Status          domain.Status
	FailureInfo     *domain.FailureInfo
	Outcomes        []domain.Outcome
	// Effect is set when an interrupt caused the transition.
	Effect *domain.InterruptEffect
}

type Result string

const (
	ResultApplied   Result = "applied"
	ResultRedriven  Result = "redriven"
	ResultDuplicate Result = "duplicate"
	ResultDropped   Result = "dropped"
)

// GraphApplier receives every applied node and plan change.
type GraphApplier interface {
	ApplyNodeEvent(ctx context.Context, node domain.NodeExecution) error
	ApplyPlanStatus(ctx context.Context, plan domain.PlanExecution) error
}

type nopGraph struct{}

func (nopGraph) ApplyNodeEvent(context.Context, domain.NodeExecution) error { return nil }
func (nopGraph) ApplyPlanStatus(context.Context, domain.PlanExecution) error { return nil }

type Options struct {
	Nodes     repo.NodeExecutionRepository
	Plans     repo.PlanExecutionRepository
	Outcomes  repo.OutcomeRepository
	Updater   *nodes.Updater
	Graph     GraphApplier
	Adviser   advise.Adviser
	Starter   advise.TaskStarter
	Canceller advise.TaskCanceller
	Policy    FailurePolicy
	Events    events.Publisher
	Retry     retry.Policy
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
}

type handlerFunc func(ctx context.Context, node domain.NodeExecution, effect *domain.InterruptEffect) error

type Dispatcher struct {
	nodes     repo.NodeExecutionRepository
	plans     repo.PlanExecutionRepository
	outcomes  repo.OutcomeRepository
	updater   *nodes.Updater
	graph     GraphApplier
	adviser   advise.Adviser
	starter   advise.TaskStarter
	canceller advise.TaskCanceller
	policy    FailurePolicy
	events    events.Publisher
	retry     retry.Policy
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time

	handlers map[domain.Status]handlerFunc
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Nodes == nil || opts.Plans == nil || opts.Updater == nil {
		return nil, errors.New("dispatch: node store, plan store and updater are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dispatch")

	d := &Dispatcher{
		nodes:     opts.Nodes,
		plans:     opts.Plans,
		outcomes:  opts.Outcomes,
		updater:   opts.Updater,
		graph:     opts.Graph,
		adviser:   opts.Adviser,
		starter:   opts.Starter,
		canceller: opts.Canceller,
		policy:    opts.Policy,
		events:    opts.Events,
		retry:     opts.Retry,
		logger:    logger,
		metrics:   opts.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if d.graph == nil {
		d.graph = nopGraph{}
	}
	if d.adviser == nil {
		d.adviser = advise.LayoutAdviser{}
	}
	if d.starter == nil || d.canceller == nil {
		fallback := advise.LoggingStarter{Logger: logger}
		if d.starter == nil {
			d.starter = fallback
		}
		if d.canceller == nil {
			d.canceller = fallback
		}
	}
	if d.policy == nil {
		d.policy = FailureStrategy{}
	}
	if d.events == nil {
		d.events = events.Discard{}
	}
	if d.retry.MaxAttempts == 0 {
		d.retry = retry.DefaultPolicy()
	}

	d.handlers = map[domain.Status]handlerFunc{
		domain.StatusRunning:         d.onRunning,
		domain.StatusPaused:          d.onSuspended,
		domain.StatusApprovalWaiting: d.onSuspended,
		domain.StatusInputWaiting:    d.onInputWaiting,
	}
	for _, s := range domain.TerminalStatuses() {
		d.handlers[s] = d.onTerminal
	}
	return d, nil
}

// SetClock overrides the clock used for plan timestamps.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Dispatch applies ev and runs the side effects of the resulting status.
// Stale events (older than the stored state) are logged and dropped with a
// nil error. Replaying an event whose side effects already completed is a
// no-op; replaying one whose side effects were interrupted re-runs them.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (result Result, err error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "dispatch.status",
		attribute.String("node_execution_id", ev.NodeExecutionID),
		attribute.String("status", string(ev.Status)),
	)
	defer func() {
		telemetry.EndSpan(span, err)
		if err == nil {
			d.metrics.ObserveDispatch(string(ev.Status), string(result), time.Since(start))
		} else {
			d.metrics.ObserveDispatch(string(ev.Status), "error", time.Since(start))
		}
	}()

	node, changed, err := d.updater.Transition(ctx, ev.NodeExecutionID, nodes.TransitionRequest{
		To:          ev.Status,
		FailureInfo: ev.FailureInfo,
		Effect:      ev.Effect,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			d.metrics.InvalidTransition(string(node.Status), string(ev.Status))
			d.logger.Info("stale status event dropped",
				"node_execution_id", ev.NodeExecutionID,
				"current", node.Status,
				"requested", ev.Status,
			)
			return ResultDropped, nil
		}
		return "", fmt.Errorf("dispatch %s %s: %w", ev.NodeExecutionID, ev.Status, err)
	}

	result = ResultApplied
	if !changed {
		if !node.NeedsPropagation() {
			return ResultDuplicate, nil
		}
		result = ResultRedriven
	}

	if err := d.applied(ctx, node, ev); err != nil {
		return "", err
	}
	if handler, ok := d.handlers[node.Status]; ok {
		if err := handler(ctx, node, ev.Effect); err != nil {
			return "", fmt.Errorf("handle %s %s: %w", node.RuntimeID, node.Status, err)
		}
	}
	if _, err := d.updater.MarkPropagated(ctx, node.RuntimeID, node.Status); err != nil {
		return "", fmt.Errorf("mark %s propagated: %w", node.RuntimeID, err)
	}
	return result, nil
}

// applied records the transition outside the node row: outcomes, the graph
// cache and the lifecycle event. All of it is safe to repeat.
func (d *Dispatcher) applied(ctx context.Context, node domain.NodeExecution, ev Event) error {
	if node.Status.IsTerminal() && len(ev.Outcomes) > 0 && d.outcomes != nil {
		if err := d.outcomes.Save(ctx, node.PlanExecutionID, node.RuntimeID, ev.Outcomes); err != nil {
			return fmt.Errorf("save outcomes for %s: %w", node.RuntimeID, err)
		}
	}
	if err := d.graph.ApplyNodeEvent(ctx, node); err != nil && ctx.Err() == nil {
		d.logger.Warn("graph update failed", "node_execution_id", node.RuntimeID, "status", node.Status, "err", err)
	}

	previous := domain.Status("")
	if n := len(node.InterruptEffects); n > 0 && node.InterruptEffects[n-1].ToStatus == node.Status {
		previous = node.InterruptEffects[n-1].FromStatus
	}
	event := events.Event{
		ID:              events.NodeEventID(node.RuntimeID, node.Status, node.Version),
		Kind:            events.NodeStatusChanged,
		PlanExecutionID: node.PlanExecutionID,
		NodeExecutionID: node.RuntimeID,
		StepType:        node.StepType,
		Status:          node.Status,
		PreviousStatus:  previous,
		At:              d.now(),
	}
	if ev.Effect != nil {
		event.InterruptID = ev.Effect.InterruptID
	}
	d.events.Publish(ctx, event)
	return nil
}

// Redrive finishes whatever a crashed or failed dispatch left undone for
// the node: unpropagated side effects, a parent whose children all ended,
// or a queued task that was never started.
func (d *Dispatcher) Redrive(ctx context.Context, runtimeID string) error {
	node, err := d.nodes.Get(ctx, runtimeID)
	if err != nil {
		return fmt.Errorf("redrive %s: %w", runtimeID, err)
	}
	if node.NeedsPropagation() {
		d.metrics.Redrive("unpropagated")
		_, err := d.Dispatch(ctx, Event{NodeExecutionID: node.RuntimeID, Status: node.Status})
		return err
	}
	if !node.IsLive() {
		return nil
	}
	children, err := nodes.LatestChildren(ctx, d.nodes, node.RuntimeID)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		if allTerminal(children) {
			d.metrics.Redrive("parent_recompute")
			return d.recomputeParent(ctx, node.RuntimeID, nil)
		}
		return nil
	}
	if node.Status == domain.StatusQueued {
		d.metrics.Redrive("start")
		if err := d.starter.Start(ctx, node); err != nil {
			return fmt.Errorf("start %s: %w", node.RuntimeID, err)
		}
	}
	return nil
}

func allTerminal(all []domain.NodeExecution) bool {
	for _, n := range all {
		if !n.Status.IsTerminal() {
			return false
		}
	}
	return true
}
