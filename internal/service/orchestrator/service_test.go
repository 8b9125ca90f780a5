package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/events"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/advise"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/approval"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/dispatch"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/graph"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/interrupt"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/nodes"
	"github.com/animus-labs/animus-orchestrator/internal/platform/retry"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
	"github.com/animus-labs/animus-orchestrator/internal/repo/memory"
)

var (
	fastRetry = retry.Policy{MaxAttempts: 5, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	t0        = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
)

type fixture struct {
	svc   *Service
	nodes *memory.NodeExecutions
	plans *memory.PlanExecutions
	tasks *advise.Recorder
	seen  []events.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	f := &fixture{
		nodes: memory.NewNodeExecutions(),
		plans: memory.NewPlanExecutions(),
		tasks: &advise.Recorder{},
	}
	interrupts := memory.NewInterrupts()
	approvals := memory.NewApprovals()

	bus := events.NewBus(logger)
	bus.Subscribe("test", func(_ context.Context, e events.Event) error {
		f.seen = append(f.seen, e)
		return nil
	}, events.PlanStarted, events.PlanFinished)

	cache, err := graph.New(graph.Options{
		Graphs:   memory.NewGraphs(),
		Outcomes: memory.NewOutcomes(),
		Retry:    fastRetry,
		Logger:   logger,
	})
	require.NoError(t, err)
	d, err := dispatch.New(dispatch.Options{
		Nodes:     f.nodes,
		Plans:     f.plans,
		Outcomes:  memory.NewOutcomes(),
		Updater:   nodes.NewUpdater(f.nodes, fastRetry, logger, nil),
		Graph:     cache,
		Starter:   f.tasks,
		Canceller: f.tasks,
		Events:    bus,
		Retry:     fastRetry,
		Logger:    logger,
	})
	require.NoError(t, err)
	engine, err := interrupt.New(interrupt.Options{
		Interrupts: interrupts,
		Nodes:      f.nodes,
		Plans:      f.plans,
		Dispatcher: d,
		Events:     bus,
		Retry:      fastRetry,
		Config:     interrupt.Config{Owner: "test", ClaimTTL: time.Minute, ScanInterval: time.Second, ScanBatch: 10, Workers: 1, QueueSize: 8},
		Logger:     logger,
	})
	require.NoError(t, err)
	approvalSvc, err := approval.New(approval.Options{
		Approvals:  approvals,
		Nodes:      f.nodes,
		Dispatcher: d,
		Events:     bus,
		Retry:      fastRetry,
		Config:     approval.Config{PollInterval: time.Second, PollBatch: 10, DefaultTimeout: time.Hour},
		Logger:     logger,
	})
	require.NoError(t, err)

	f.svc, err = New(Options{
		Nodes:      f.nodes,
		Plans:      f.plans,
		Interrupts: interrupts,
		Approvals:  approvals,
		Dispatcher: d,
		Engine:     engine,
		Graph:      cache,
		Approval:   approvalSvc,
		Events:     bus,
		Logger:     logger,
	})
	require.NoError(t, err)
	f.svc.SetClock(func() time.Time { return t0 })
	return f
}

func layout() domain.PlanLayout {
	return domain.NewPlanLayout(
		domain.PlanNode{NodeID: "pipeline", Name: "pipeline", Group: domain.GroupPipeline},
		domain.PlanNode{NodeID: "build", Name: "build", Group: domain.GroupStage},
		domain.PlanNode{NodeID: "compile", Name: "compile", Group: domain.GroupStep, StepType: "Run", NextID: "test"},
		domain.PlanNode{NodeID: "test", Name: "test", Group: domain.GroupStep, StepType: "Run"},
		domain.PlanNode{NodeID: "lint", Name: "lint", Group: domain.GroupStep, StepType: "Run"},
		domain.PlanNode{NodeID: "vet", Name: "vet", Group: domain.GroupStep, StepType: "Run"},
		domain.PlanNode{NodeID: "gate", Name: "gate", Group: domain.GroupStep, StepType: "HarnessApproval"},
	)
}

func (f *fixture) start(t *testing.T) (domain.PlanExecution, domain.NodeExecution, domain.NodeExecution) {
	t.Helper()
	ctx := context.Background()
	plan, root, err := f.svc.StartPlan(ctx, StartPlanRequest{
		PlanExecutionID: "plan-1",
		Scope:           domain.Scope{AccountID: "acct"},
		Layout:          layout(),
		RootNodeID:      "pipeline",
		TriggeredBy:     "alice",
	})
	require.NoError(t, err)
	f.report(t, root.RuntimeID, domain.StatusRunning)
	stage, err := f.svc.StartNode(ctx, root.RuntimeID, "build")
	require.NoError(t, err)
	return plan, root, stage
}

func (f *fixture) report(t *testing.T, id string, status domain.Status) {
	t.Helper()
	_, err := f.svc.HandleStatusEvent(context.Background(), dispatch.Event{NodeExecutionID: id, Status: status})
	require.NoError(t, err)
}

func (f *fixture) status(t *testing.T, id string) domain.Status {
	t.Helper()
	n, err := f.svc.GetNodeExecution(context.Background(), id)
	require.NoError(t, err)
	return n.Status
}

func TestPlanRunsToSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	plan, root, stage := f.start(t)

	assert.Equal(t, domain.StatusRunning, plan.Status)
	assert.Equal(t, "alice", plan.TriggeredBy)
	assert.Equal(t, t0, plan.StartTs)
	assert.True(t, root.IsRoot())
	assert.Equal(t, root.RuntimeID, stage.ParentID)

	compile, err := f.svc.StartNode(ctx, stage.RuntimeID, "compile")
	require.NoError(t, err)
	f.report(t, compile.RuntimeID, domain.StatusRunning)
	assert.Equal(t, domain.StatusRunning, f.status(t, stage.RuntimeID))

	f.report(t, compile.RuntimeID, domain.StatusSucceeded)
	testID := advise.RuntimeID(stage.RuntimeID, "test", 0)
	assert.Equal(t, domain.StatusQueued, f.status(t, testID))
	f.report(t, testID, domain.StatusRunning)
	f.report(t, testID, domain.StatusSucceeded)

	assert.Equal(t, domain.StatusSucceeded, f.status(t, stage.RuntimeID))
	assert.Equal(t, domain.StatusSucceeded, f.status(t, root.RuntimeID))
	got, err := f.svc.GetPlanExecution(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, got.Status)

	g, err := f.svc.GetExecutionGraph(ctx, plan.ID)
	require.NoError(t, err)
	assert.Len(t, g.Vertices, 4)
	assert.Equal(t, []string{root.RuntimeID}, g.RootNodeIDs)
	assert.Equal(t, domain.StatusSucceeded, g.Status)

	require.Len(t, f.seen, 2)
	assert.Equal(t, events.PlanStarted, f.seen[0].Kind)
	assert.Equal(t, "alice", f.seen[0].Actor)
	assert.Equal(t, events.PlanFinished, f.seen[1].Kind)
}

func TestStartPlanIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := StartPlanRequest{PlanExecutionID: "plan-1", Scope: domain.Scope{AccountID: "acct"}, Layout: layout(), RootNodeID: "pipeline"}

	_, first, err := f.svc.StartPlan(ctx, req)
	require.NoError(t, err)
	_, again, err := f.svc.StartPlan(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.RuntimeID, again.RuntimeID)
	all, err := f.nodes.ListByPlan(ctx, "plan-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Len(t, f.seen, 1)
}

func TestStartPlanValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, _, err := f.svc.StartPlan(ctx, StartPlanRequest{Scope: domain.Scope{AccountID: "acct"}, Layout: layout(), RootNodeID: "missing"})
	require.ErrorIs(t, err, ErrUnknownNode)

	_, _, err = f.svc.StartPlan(ctx, StartPlanRequest{Layout: layout(), RootNodeID: "pipeline"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	broken := domain.NewPlanLayout(domain.PlanNode{NodeID: "a", NextID: "nowhere"})
	_, _, err = f.svc.StartPlan(ctx, StartPlanRequest{Scope: domain.Scope{AccountID: "acct"}, Layout: broken, RootNodeID: "a"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	plan, _, err := f.svc.StartPlan(ctx, StartPlanRequest{Scope: domain.Scope{AccountID: "acct"}, Layout: layout(), RootNodeID: "pipeline"})
	require.NoError(t, err)
	assert.NotEmpty(t, plan.ID)
}

func TestStartNodeRejectsUnknownLayoutNode(t *testing.T) {
	f := newFixture(t)
	_, root, _ := f.start(t)

	_, err := f.svc.StartNode(context.Background(), root.RuntimeID, "deploy")
	require.ErrorIs(t, err, ErrUnknownNode)
	_, err = f.svc.StartNode(context.Background(), "nope", "build")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestHandleStatusEventValidation(t *testing.T) {
	f := newFixture(t)
	_, root, _ := f.start(t)

	_, err := f.svc.HandleStatusEvent(context.Background(), dispatch.Event{NodeExecutionID: root.RuntimeID, Status: "DONE"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.svc.HandleStatusEvent(context.Background(), dispatch.Event{Status: domain.StatusRunning})
	require.ErrorIs(t, err, ErrInvalidRequest)

	res, err := f.svc.HandleStatusEvent(context.Background(), dispatch.Event{NodeExecutionID: root.RuntimeID, Status: "running"})
	require.NoError(t, err)
	assert.Equal(t, dispatch.ResultDuplicate, res)
}

func TestConsumeKeepsPerNodeOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	plan, root, stage := f.start(t)

	var ids []string
	for _, name := range []string{"compile", "lint", "vet"} {
		n, err := f.svc.StartNode(ctx, stage.RuntimeID, name)
		require.NoError(t, err)
		ids = append(ids, n.RuntimeID)
	}
	// compile advances to test on success; keep it out of the feed.
	ids = ids[1:]

	feed := make(chan dispatch.Event, 8)
	for _, id := range ids {
		feed <- dispatch.Event{NodeExecutionID: id, Status: domain.StatusRunning}
	}
	for _, id := range ids {
		feed <- dispatch.Event{NodeExecutionID: id, Status: domain.StatusSucceeded}
	}
	close(feed)
	require.NoError(t, f.svc.Consume(ctx, feed, 3))

	for _, id := range ids {
		assert.Equal(t, domain.StatusSucceeded, f.status(t, id))
	}
	assert.Equal(t, domain.StatusQueued, f.status(t, advise.RuntimeID(stage.RuntimeID, "compile", 0)))
	assert.Equal(t, domain.StatusRunning, f.status(t, stage.RuntimeID))
	assert.Equal(t, domain.StatusRunning, f.status(t, root.RuntimeID))
	got, err := f.svc.GetPlanExecution(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
}

func TestConsumeStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Consume(ctx, make(chan dispatch.Event), 2) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not stop")
	}
}

func TestShardOfIsStable(t *testing.T) {
	for _, key := range []string{"a", "node-1", "3f2c"} {
		first := shardOf(key, 4)
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 4)
		assert.Equal(t, first, shardOf(key, 4))
	}
}

func TestRegisterInterrupt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	plan, _, stage := f.start(t)

	in, err := f.svc.RegisterInterrupt(ctx, InterruptRequest{PlanExecutionID: plan.ID, NodeExecutionID: stage.RuntimeID, Type: "abort", TriggeredBy: "bob"})
	require.NoError(t, err)
	assert.Equal(t, domain.InterruptAbort, in.Type)
	assert.Equal(t, domain.InterruptRegistered, in.State)
	assert.Equal(t, "bob", in.TriggeredBy)

	got, err := f.svc.GetInterrupt(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, in.ID, got.ID)

	_, err = f.svc.RegisterInterrupt(ctx, InterruptRequest{PlanExecutionID: plan.ID, Type: "explode"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.svc.RegisterInterrupt(ctx, InterruptRequest{PlanExecutionID: plan.ID, Type: "RETRY"})
	require.ErrorIs(t, err, interrupt.ErrInvalidTarget)
	_, err = f.svc.RegisterInterrupt(ctx, InterruptRequest{PlanExecutionID: "nope", Type: "ABORT_ALL"})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestApprovalThroughService(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, _, stage := f.start(t)
	gate, err := f.svc.StartNode(ctx, stage.RuntimeID, "gate")
	require.NoError(t, err)
	f.report(t, gate.RuntimeID, domain.StatusRunning)

	instance, err := f.svc.StartApproval(ctx, approval.StartRequest{
		NodeExecutionID: gate.RuntimeID,
		Type:            domain.ApprovalTypeUser,
		Approvers:       domain.Approvers{MinimumCount: 1},
		TriggeredBy:     "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApprovalWaiting, f.status(t, gate.RuntimeID))

	instance, err = f.svc.SubmitApproval(ctx, instance.ID, approval.Submission{Actor: "carol", Decision: domain.DecisionApprove})
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, instance.Status)
	assert.Equal(t, domain.StatusSucceeded, f.status(t, gate.RuntimeID))

	got, err := f.svc.GetApproval(ctx, instance.ID)
	require.NoError(t, err)
	assert.Len(t, got.Activities, 1)
}

func TestGetExecutionGraphUnknownPlan(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetExecutionGraph(context.Background(), "nope")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRedriveStartsQueuedLeaf(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, _, stage := f.start(t)
	before := len(f.tasks.Started())

	require.NoError(t, f.svc.Redrive(ctx, stage.RuntimeID))
	assert.Equal(t, append(f.tasks.Started()[:before:before], stage.RuntimeID), f.tasks.Started())
}
