package advise

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

func testPlan() domain.PlanExecution {
	return domain.PlanExecution{
		ID:     "plan-1",
		Status: domain.StatusRunning,
		Layout: domain.NewPlanLayout(
			domain.PlanNode{NodeID: "build", Name: "build", NextID: "test"},
			domain.PlanNode{NodeID: "test", Name: "test", MaxRetries: 2, RetryOn: []string{"TIMEOUT"}},
		),
	}
}

func TestLayoutAdviser(t *testing.T) {
	ctx := context.Background()
	plan := testPlan()
	cases := []struct {
		name string
		node domain.NodeExecution
		want Action
	}{
		{"success advances", domain.NodeExecution{NodeID: "build", Status: domain.StatusSucceeded}, ActionAdvance},
		{"last success ends", domain.NodeExecution{NodeID: "test", Status: domain.StatusSucceeded}, ActionEnd},
		{"failure without retries ends", domain.NodeExecution{NodeID: "build", Status: domain.StatusFailed}, ActionEnd},
		{"matching failure retries", domain.NodeExecution{NodeID: "test", Status: domain.StatusFailed,
			FailureInfo: &domain.FailureInfo{FailureTypes: []string{"TIMEOUT"}}}, ActionRetry},
		{"other failure ends", domain.NodeExecution{NodeID: "test", Status: domain.StatusFailed,
			FailureInfo: &domain.FailureInfo{FailureTypes: []string{"AUTH"}}}, ActionEnd},
		{"retry budget spent", domain.NodeExecution{NodeID: "test", Status: domain.StatusErrored, RetryIndex: 2,
			FailureInfo: &domain.FailureInfo{FailureTypes: []string{"TIMEOUT"}}}, ActionEnd},
		{"abort ends", domain.NodeExecution{NodeID: "test", Status: domain.StatusAborted}, ActionEnd},
		{"unknown node ends", domain.NodeExecution{NodeID: "deploy", Status: domain.StatusSucceeded}, ActionEnd},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			advice, err := LayoutAdviser{}.Advise(ctx, Request{Node: tc.node, Plan: plan})
			require.NoError(t, err)
			assert.Equal(t, tc.want, advice.Action)
		})
	}
}

func TestLayoutAdviserRejectsLiveNode(t *testing.T) {
	_, err := LayoutAdviser{}.Advise(context.Background(), Request{
		Node: domain.NodeExecution{NodeID: "build", Status: domain.StatusRunning},
		Plan: testPlan(),
	})
	require.Error(t, err)
}

func TestRuntimeIDIsDeterministic(t *testing.T) {
	a := RuntimeID("stage-1", "test", 0)
	assert.Equal(t, a, RuntimeID("stage-1", "test", 0))
	assert.NotEqual(t, a, RuntimeID("stage-1", "test", 1))
	assert.NotEqual(t, a, RuntimeID("stage-2", "test", 0))
}
