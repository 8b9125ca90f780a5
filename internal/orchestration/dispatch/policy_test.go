package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/platform/policy"
)

func TestAggregateIncompleteWhileChildLive(t *testing.T) {
	parent := domain.NodeExecution{RuntimeID: "p", Status: domain.StatusRunning}
	v := FailureStrategy{}.Aggregate(parent, []domain.NodeExecution{
		{RuntimeID: "a", Status: domain.StatusSucceeded},
		{RuntimeID: "b", Status: domain.StatusPaused},
	})
	assert.False(t, v.Complete)
	assert.False(t, FailureStrategy{}.Aggregate(parent, nil).Complete)
}

func TestAggregateDominantFailure(t *testing.T) {
	parent := domain.NodeExecution{RuntimeID: "p", Status: domain.StatusRunning}
	v := FailureStrategy{}.Aggregate(parent, []domain.NodeExecution{
		{RuntimeID: "a", Status: domain.StatusFailed, FailureInfo: &domain.FailureInfo{Message: "exit 1"}},
		{RuntimeID: "b", Status: domain.StatusErrored, FailureInfo: &domain.FailureInfo{Message: "oom"}},
		{RuntimeID: "c", Status: domain.StatusSkipped},
	})
	require.True(t, v.Complete)
	assert.Equal(t, domain.StatusErrored, v.Status)
	assert.Equal(t, "oom", v.FailureInfo.Message)
}

func TestAbortedIsNeverIgnorable(t *testing.T) {
	s := FailureStrategy{
		Schema: FailureStrategySchema,
		Rules: []StrategyRule{{
			ID:     "all",
			Action: RuleIgnore,
			When:   policy.ConditionGroup{All: []policy.Condition{{Field: "node.status", Op: "exists"}}},
		}},
	}
	require.NoError(t, s.Validate())
	assert.True(t, s.Ignorable(domain.NodeExecution{Status: domain.StatusFailed}))
	assert.False(t, s.Ignorable(domain.NodeExecution{Status: domain.StatusAborted}))
}

func TestParseFailureStrategyRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"schema": "schema: other.v1\n",
		"action": `
schema: orchestrator.failure_strategy.v1
rules:
  - id: r1
    action: maybe
    when:
      all: [{field: node.name, op: eq, value: x}]
`,
		"duplicate": `
schema: orchestrator.failure_strategy.v1
rules:
  - id: r1
    action: fail
    when: {all: [{field: node.name, op: eq, value: x}]}
  - id: r1
    action: ignore
    when: {all: [{field: node.name, op: eq, value: y}]}
`,
		"empty when": `
schema: orchestrator.failure_strategy.v1
rules:
  - id: r1
    action: ignore
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFailureStrategy([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestFailureTypeRule(t *testing.T) {
	s, err := ParseFailureStrategy([]byte(`
schema: orchestrator.failure_strategy.v1
rules:
  - id: timeouts-fail
    action: fail
    when: {any: [{field: failure.types, op: in, values: [TIMEOUT]}]}
  - id: rest-ignored
    action: ignore
    when: {all: [{field: node.group, op: eq, value: STEP}]}
`))
	require.NoError(t, err)
	timeout := domain.NodeExecution{Group: "STEP", Status: domain.StatusFailed, FailureInfo: &domain.FailureInfo{FailureTypes: []string{"TIMEOUT"}}}
	other := domain.NodeExecution{Group: "STEP", Status: domain.StatusFailed, FailureInfo: &domain.FailureInfo{FailureTypes: []string{"AUTH"}}}
	assert.False(t, s.Ignorable(timeout))
	assert.True(t, s.Ignorable(other))
}

func TestAggregateMatchesChildren(t *testing.T) {
	terminal := domain.TerminalStatuses()
	rapid.Check(t, func(rt *rapid.T) {
		statuses := rapid.SliceOfN(rapid.SampledFrom(terminal), 1, 10).Draw(rt, "children")
		children := make([]domain.NodeExecution, len(statuses))
		allOK := true
		worst := 0
		for i, s := range statuses {
			children[i] = domain.NodeExecution{RuntimeID: string(rune('a' + i)), Status: s}
			if s != domain.StatusSucceeded && s != domain.StatusSkipped {
				allOK = false
			}
			worst = max(worst, failureWeight(s))
		}
		v := FailureStrategy{}.Aggregate(domain.NodeExecution{Status: domain.StatusRunning}, children)
		if !v.Complete {
			rt.Fatalf("all children terminal but verdict incomplete")
		}
		if allOK != (v.Status == domain.StatusSucceeded) {
			rt.Fatalf("statuses %v gave %s", statuses, v.Status)
		}
		if !allOK && failureWeight(v.Status) != worst {
			rt.Fatalf("statuses %v: %s is not dominant", statuses, v.Status)
		}
	})
}
