package recovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/advise"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/dispatch"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/nodes"
	"github.com/animus-labs/animus-orchestrator/internal/platform/retry"
	"github.com/animus-labs/animus-orchestrator/internal/repo/memory"
)

const planID = "plan-1"

var testConfig = Config{Interval: 5 * time.Millisecond, StaleAfter: time.Minute, Batch: 50}

type settlerFunc func(ctx context.Context, node domain.NodeExecution) error

func (f settlerFunc) Settle(ctx context.Context, node domain.NodeExecution) error { return f(ctx, node) }

type fixture struct {
	nodes      *memory.NodeExecutions
	plans      *memory.PlanExecutions
	tasks      *advise.Recorder
	dispatcher *dispatch.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	f := &fixture{
		nodes: memory.NewNodeExecutions(),
		plans: memory.NewPlanExecutions(),
		tasks: &advise.Recorder{},
	}
	_, err := f.plans.Create(context.Background(), domain.PlanExecution{ID: planID, Status: domain.StatusRunning, StartTs: time.Now().UTC()})
	require.NoError(t, err)
	policy := retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	f.dispatcher, err = dispatch.New(dispatch.Options{
		Nodes:     f.nodes,
		Plans:     f.plans,
		Updater:   nodes.NewUpdater(f.nodes, policy, logger, nil),
		Starter:   f.tasks,
		Canceller: f.tasks,
		Retry:     policy,
		Logger:    logger,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) add(t *testing.T, id, parent string, status, propagated domain.Status) {
	_, err := f.nodes.Create(context.Background(), domain.NodeExecution{
		RuntimeID:        id,
		NodeID:           id,
		PlanExecutionID:  planID,
		ParentID:         parent,
		Status:           status,
		PropagatedStatus: propagated,
	})
	require.NoError(t, err)
}

func (f *fixture) status(t *testing.T, id string) domain.Status {
	n, err := f.nodes.Get(context.Background(), id)
	require.NoError(t, err)
	return n.Status
}

func (f *fixture) sweeper(settlers ...Settler) *Sweeper {
	s := NewSweeper(f.nodes, f.dispatcher, testConfig, slog.New(slog.NewJSONHandler(io.Discard, nil)), settlers...)
	s.SetClock(func() time.Time { return time.Now().UTC().Add(time.Hour) })
	return s
}

func TestSweepFinishesUnpropagatedFailure(t *testing.T) {
	f := newFixture(t)
	f.add(t, "root", "", domain.StatusRunning, domain.StatusRunning)
	f.add(t, "step", "root", domain.StatusFailed, domain.StatusRunning)

	n, err := f.sweeper().Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, domain.StatusFailed, f.status(t, "root"))
	step, err := f.nodes.Get(context.Background(), "step")
	require.NoError(t, err)
	assert.False(t, step.NeedsPropagation())

	plan, err := f.plans.Get(context.Background(), planID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, plan.Status)
}

func TestSweepStartsQueuedLeaf(t *testing.T) {
	f := newFixture(t)
	f.add(t, "root", "", domain.StatusRunning, domain.StatusRunning)
	f.add(t, "step", "root", domain.StatusQueued, domain.StatusQueued)

	_, err := f.sweeper().Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"step"}, f.tasks.Started())
}

func TestSweepSkipsFreshNodes(t *testing.T) {
	f := newFixture(t)
	f.add(t, "root", "", domain.StatusRunning, domain.StatusRunning)

	s := f.sweeper()
	s.SetClock(func() time.Time { return time.Now().UTC() })
	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepSettlesBeforeRedrive(t *testing.T) {
	f := newFixture(t)
	f.add(t, "root", "", domain.StatusRunning, domain.StatusRunning)
	f.add(t, "gate", "root", domain.StatusApprovalWaiting, domain.StatusApprovalWaiting)

	var mu sync.Mutex
	var settled []string
	settler := settlerFunc(func(ctx context.Context, node domain.NodeExecution) error {
		mu.Lock()
		settled = append(settled, node.RuntimeID)
		mu.Unlock()
		if node.RuntimeID != "gate" {
			return nil
		}
		_, err := f.dispatcher.Dispatch(ctx, dispatch.Event{NodeExecutionID: "gate", Status: domain.StatusSucceeded})
		return err
	})

	_, err := f.sweeper(settler).Sweep(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"root", "gate"}, settled)
	assert.Equal(t, domain.StatusSucceeded, f.status(t, "root"))
}

func TestSweepContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	f.add(t, "root", "", domain.StatusRunning, domain.StatusRunning)
	f.add(t, "step", "root", domain.StatusQueued, domain.StatusQueued)
	f.tasks.StartErr = errors.New("executor offline")

	n, err := f.sweeper().Sweep(context.Background())
	assert.Equal(t, 2, n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executor offline")
}

func TestSweepReachesOwedNodeBehindLongLivedNodes(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.nodes.SetClock(func() time.Time { return now.Add(-time.Hour) })
	f.add(t, "root", "", domain.StatusRunning, domain.StatusRunning)
	f.add(t, "long1", "root", domain.StatusRunning, domain.StatusRunning)
	f.add(t, "long2", "root", domain.StatusApprovalWaiting, domain.StatusApprovalWaiting)
	f.nodes.SetClock(func() time.Time { return now.Add(-50 * time.Minute) })
	f.add(t, "stuck", "root", domain.StatusFailed, domain.StatusRunning)
	f.nodes.SetClock(func() time.Time { return now })

	cfg := testConfig
	cfg.Batch = 2
	s := NewSweeper(f.nodes, f.dispatcher, cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	s.SetClock(func() time.Time { return now })

	_, err := s.Sweep(context.Background())
	require.NoError(t, err)
	stuck, err := f.nodes.Get(context.Background(), "stuck")
	require.NoError(t, err)
	assert.False(t, stuck.NeedsPropagation())
	assert.Equal(t, domain.StatusRunning, f.status(t, "root"))
}

func TestSweepPagesThroughLiveNodes(t *testing.T) {
	f := newFixture(t)
	at := time.Now().UTC().Add(-time.Hour)
	f.nodes.SetClock(func() time.Time { return at })
	f.add(t, "root", "", domain.StatusRunning, domain.StatusRunning)
	for _, id := range []string{"q1", "q2", "q3", "q4"} {
		f.add(t, id, "root", domain.StatusQueued, domain.StatusQueued)
	}

	cfg := testConfig
	cfg.Batch = 2
	s := NewSweeper(f.nodes, f.dispatcher, cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	var visited []int
	for i := 0; i < 4; i++ {
		n, err := s.Sweep(context.Background())
		require.NoError(t, err)
		visited = append(visited, n)
		if i == 1 {
			assert.ElementsMatch(t, []string{"q1", "q2", "q3", "q4"}, f.tasks.Started())
		}
	}
	assert.Equal(t, []int{2, 2, 1, 2}, visited)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.add(t, "root", "", domain.StatusRunning, domain.StatusRunning)
	f.add(t, "step", "root", domain.StatusQueued, domain.StatusQueued)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sweeper().Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.tasks.Started()) > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, testConfig.Validate())
	assert.Error(t, Config{Interval: time.Second, Batch: 1}.Validate())

	t.Setenv("ORCHESTRATOR_RECOVERY_BATCH", "-1")
	_, err := ConfigFromEnv()
	assert.Error(t, err)
}
