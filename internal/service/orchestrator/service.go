// Package orchestrator is the entry point callers use to run plans: it
// starts plans and nodes, feeds task-executor status reports to the
// dispatcher and exposes interrupts, approvals and read models.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/events"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/approval"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/dispatch"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnknownNode    = errors.New("node is not part of the plan layout")
)

type Dispatcher interface {
	Dispatch(ctx context.Context, ev dispatch.Event) (dispatch.Result, error)
	StartRoot(ctx context.Context, plan domain.PlanExecution, pn domain.PlanNode) (domain.NodeExecution, error)
	SpawnChild(ctx context.Context, parent domain.NodeExecution, pn domain.PlanNode) (domain.NodeExecution, error)
	Redrive(ctx context.Context, runtimeID string) error
}

type InterruptRegistrar interface {
	Register(ctx context.Context, in domain.Interrupt) (string, error)
}

type GraphStore interface {
	Get(ctx context.Context, planExecutionID string) (domain.OrchestrationGraph, error)
	ApplyPlanStatus(ctx context.Context, plan domain.PlanExecution) error
}

type Approvals interface {
	Start(ctx context.Context, req approval.StartRequest) (domain.ApprovalInstance, error)
	Submit(ctx context.Context, approvalID string, sub approval.Submission) (domain.ApprovalInstance, error)
}

type Options struct {
	Nodes      repo.NodeExecutionRepository
	Plans      repo.PlanExecutionRepository
	Interrupts repo.InterruptRepository
	Approvals  repo.ApprovalRepository
	Dispatcher Dispatcher
	Engine     InterruptRegistrar
	Graph      GraphStore
	Approval   Approvals
	Events     events.Publisher
	Logger     *slog.Logger
}

type Service struct {
	nodes      repo.NodeExecutionRepository
	plans      repo.PlanExecutionRepository
	interrupts repo.InterruptRepository
	approvals  repo.ApprovalRepository
	dispatcher Dispatcher
	engine     InterruptRegistrar
	graph      GraphStore
	approval   Approvals
	events     events.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

func New(opts Options) (*Service, error) {
	if opts.Nodes == nil || opts.Plans == nil || opts.Interrupts == nil || opts.Approvals == nil {
		return nil, errors.New("orchestrator: repositories are required")
	}
	if opts.Dispatcher == nil || opts.Engine == nil || opts.Graph == nil || opts.Approval == nil {
		return nil, errors.New("orchestrator: dispatcher, interrupt engine, graph and approval service are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		nodes:      opts.Nodes,
		plans:      opts.Plans,
		interrupts: opts.Interrupts,
		approvals:  opts.Approvals,
		dispatcher: opts.Dispatcher,
		engine:     opts.Engine,
		graph:      opts.Graph,
		approval:   opts.Approval,
		events:     opts.Events,
		logger:     logger.With("component", "orchestrator"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	if s.events == nil {
		s.events = events.Discard{}
	}
	return s, nil
}

func (s *Service) SetClock(now func() time.Time) { s.now = now }

type StartPlanRequest struct {
	// PlanExecutionID is generated when empty.
	PlanExecutionID string
	Scope           domain.Scope
	Layout          domain.PlanLayout
	RootNodeID      string
	TriggeredBy     string
}

// StartPlan creates a RUNNING plan and its root node and hands the root to
// the task executor. Starting a plan id that already exists resumes the
// root start instead of failing, so callers can retry.
func (s *Service) StartPlan(ctx context.Context, req StartPlanRequest) (domain.PlanExecution, domain.NodeExecution, error) {
	if err := req.Layout.Validate(); err != nil {
		return domain.PlanExecution{}, domain.NodeExecution{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	rootNode, ok := req.Layout.Lookup(strings.TrimSpace(req.RootNodeID))
	if !ok {
		return domain.PlanExecution{}, domain.NodeExecution{}, fmt.Errorf("%w: root %q", ErrUnknownNode, req.RootNodeID)
	}
	if strings.TrimSpace(req.Scope.AccountID) == "" {
		return domain.PlanExecution{}, domain.NodeExecution{}, fmt.Errorf("%w: account id is required", ErrInvalidRequest)
	}
	id := strings.TrimSpace(req.PlanExecutionID)
	if id == "" {
		id = uuid.NewString()
	}

	plan, err := s.plans.Create(ctx, domain.PlanExecution{
		ID:          id,
		Status:      domain.StatusRunning,
		Ambiance:    domain.NewAmbiance(id, req.Scope),
		TriggeredBy: strings.TrimSpace(req.TriggeredBy),
		Layout:      req.Layout.Clone(),
		StartTs:     s.now(),
	})
	if errors.Is(err, repo.ErrAlreadyExists) {
		plan, err = s.plans.Get(ctx, id)
	}
	if err != nil {
		return domain.PlanExecution{}, domain.NodeExecution{}, fmt.Errorf("create plan %s: %w", id, err)
	}
	if err := s.graph.ApplyPlanStatus(ctx, plan); err != nil && ctx.Err() == nil {
		s.logger.Warn("graph update failed", "plan_execution_id", plan.ID, "err", err)
	}
	s.events.Publish(ctx, events.Event{
		ID:              string(events.PlanStarted) + ":" + plan.ID,
		Kind:            events.PlanStarted,
		PlanExecutionID: plan.ID,
		Status:          plan.Status,
		Actor:           plan.TriggeredBy,
		At:              s.now(),
	})

	root, err := s.dispatcher.StartRoot(ctx, plan, rootNode)
	if err != nil {
		return plan, domain.NodeExecution{}, err
	}
	s.logger.Info("plan started", "plan_execution_id", plan.ID, "root", root.RuntimeID, "triggered_by", plan.TriggeredBy)
	return plan, root, nil
}

// StartNode creates the first attempt of the layout node nodeID under the
// parent node and starts it.
func (s *Service) StartNode(ctx context.Context, parentRuntimeID, nodeID string) (domain.NodeExecution, error) {
	parent, err := s.nodes.Get(ctx, strings.TrimSpace(parentRuntimeID))
	if err != nil {
		return domain.NodeExecution{}, fmt.Errorf("load parent %s: %w", parentRuntimeID, err)
	}
	plan, err := s.plans.Get(ctx, parent.PlanExecutionID)
	if err != nil {
		return domain.NodeExecution{}, fmt.Errorf("load plan %s: %w", parent.PlanExecutionID, err)
	}
	pn, ok := plan.Layout.Lookup(strings.TrimSpace(nodeID))
	if !ok {
		return domain.NodeExecution{}, fmt.Errorf("%w: %q", ErrUnknownNode, nodeID)
	}
	return s.dispatcher.SpawnChild(ctx, parent, pn)
}

// HandleStatusEvent applies one status report from the task executor.
func (s *Service) HandleStatusEvent(ctx context.Context, ev dispatch.Event) (dispatch.Result, error) {
	ev.NodeExecutionID = strings.TrimSpace(ev.NodeExecutionID)
	if ev.NodeExecutionID == "" {
		return "", fmt.Errorf("%w: node execution id is required", ErrInvalidRequest)
	}
	status, err := domain.ParseStatus(string(ev.Status))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	ev.Status = status
	return s.dispatcher.Dispatch(ctx, ev)
}

// Consume applies events from feed until it is closed or ctx ends. Events
// are sharded over workers by node id, so the events of one node apply in
// arrival order. A failed event is logged and left for the recovery sweep.
func (s *Service) Consume(ctx context.Context, feed <-chan dispatch.Event, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	shards := make([]chan dispatch.Event, workers)
	for i := range shards {
		shards[i] = make(chan dispatch.Event, 1)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, shard := range shards {
		g.Go(func() error {
			for ev := range shard {
				s.consumeOne(ctx, ev)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer func() {
			for _, shard := range shards {
				close(shard)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-feed:
				if !ok {
					return nil
				}
				select {
				case shards[shardOf(ev.NodeExecutionID, workers)] <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) consumeOne(ctx context.Context, ev dispatch.Event) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.HandleStatusEvent(ctx, ev); err != nil && ctx.Err() == nil {
		s.logger.Error("status event failed",
			"node_execution_id", ev.NodeExecutionID,
			"status", ev.Status,
			"err", err,
		)
	}
}

func shardOf(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

type InterruptRequest struct {
	PlanExecutionID string
	// NodeExecutionID is empty for plan-wide interrupts.
	NodeExecutionID string
	Type            string
	TriggeredBy     string
}

func (s *Service) RegisterInterrupt(ctx context.Context, req InterruptRequest) (domain.Interrupt, error) {
	typ, err := domain.ParseInterruptType(req.Type)
	if err != nil {
		return domain.Interrupt{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	id, err := s.engine.Register(ctx, domain.Interrupt{
		ID:                    uuid.NewString(),
		Type:                  typ,
		PlanExecutionID:       strings.TrimSpace(req.PlanExecutionID),
		TargetNodeExecutionID: strings.TrimSpace(req.NodeExecutionID),
		TriggeredBy:           strings.TrimSpace(req.TriggeredBy),
		CreatedAt:             s.now(),
	})
	if err != nil {
		return domain.Interrupt{}, err
	}
	return s.interrupts.Get(ctx, id)
}

func (s *Service) GetInterrupt(ctx context.Context, id string) (domain.Interrupt, error) {
	return s.interrupts.Get(ctx, strings.TrimSpace(id))
}

func (s *Service) GetExecutionGraph(ctx context.Context, planExecutionID string) (domain.OrchestrationGraph, error) {
	planExecutionID = strings.TrimSpace(planExecutionID)
	if _, err := s.plans.Get(ctx, planExecutionID); err != nil {
		return domain.OrchestrationGraph{}, err
	}
	return s.graph.Get(ctx, planExecutionID)
}

func (s *Service) GetNodeExecution(ctx context.Context, runtimeID string) (domain.NodeExecution, error) {
	return s.nodes.Get(ctx, strings.TrimSpace(runtimeID))
}

func (s *Service) GetPlanExecution(ctx context.Context, id string) (domain.PlanExecution, error) {
	return s.plans.Get(ctx, strings.TrimSpace(id))
}

func (s *Service) GetApproval(ctx context.Context, id string) (domain.ApprovalInstance, error) {
	return s.approvals.Get(ctx, strings.TrimSpace(id))
}

func (s *Service) StartApproval(ctx context.Context, req approval.StartRequest) (domain.ApprovalInstance, error) {
	return s.approval.Start(ctx, req)
}

func (s *Service) SubmitApproval(ctx context.Context, approvalID string, sub approval.Submission) (domain.ApprovalInstance, error) {
	return s.approval.Submit(ctx, strings.TrimSpace(approvalID), sub)
}

// Redrive re-runs the side effects a crashed dispatch left undone for one
// node. It is the manual counterpart of the recovery sweep.
func (s *Service) Redrive(ctx context.Context, runtimeID string) error {
	return s.dispatcher.Redrive(ctx, strings.TrimSpace(runtimeID))
}
