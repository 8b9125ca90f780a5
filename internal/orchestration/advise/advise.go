// Package advise decides what follows a terminal node and defines the task
// executor boundary.
package advise

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

type Action string

const (
	ActionAdvance    Action = "ADVANCE"
	ActionRetry      Action = "RETRY"
	ActionEnd        Action = "END"
	ActionFailParent Action = "FAIL_PARENT"
)

type Advice struct {
	Action Action
	// Next is set for ActionAdvance.
	Next *domain.PlanNode
}

// Request is what an Adviser sees: the terminal node and the plan it runs in.
type Request struct {
	Node domain.NodeExecution
	Plan domain.PlanExecution
}

// Adviser is a pure decision function.
type Adviser interface {
	Advise(ctx context.Context, req Request) (Advice, error)
}

// TaskStarter asks the task executor to run a QUEUED node. Implementations
// must tolerate repeated calls for the same runtime id.
type TaskStarter interface {
	Start(ctx context.Context, node domain.NodeExecution) error
}

// TaskCanceller asks the task executor to stop a node's task. The call is
// fire-and-forget; confirmation arrives, if ever, as a status event.
type TaskCanceller interface {
	Cancel(ctx context.Context, node domain.NodeExecution) error
}

// LayoutAdviser follows the plan layout: advance to NextID on success,
// retry broken nodes while the layout allows it, otherwise end the branch.
type LayoutAdviser struct{}

func (LayoutAdviser) Advise(ctx context.Context, req Request) (Advice, error) {
	node := req.Node
	if !node.Status.IsTerminal() {
		return Advice{}, fmt.Errorf("advise %s: status %s is not terminal", node.RuntimeID, node.Status)
	}
	planNode, ok := req.Plan.Layout.Lookup(node.NodeID)
	if !ok {
		return Advice{Action: ActionEnd}, nil
	}

	switch {
	case node.Status == domain.StatusSucceeded || node.Status == domain.StatusSkipped:
		if planNode.NextID == "" {
			return Advice{Action: ActionEnd}, nil
		}
		next, ok := req.Plan.Layout.Lookup(planNode.NextID)
		if !ok {
			return Advice{}, fmt.Errorf("advise %s: next node %q missing from layout", node.RuntimeID, planNode.NextID)
		}
		return Advice{Action: ActionAdvance, Next: &next}, nil
	case node.Status == domain.StatusAborted:
		return Advice{Action: ActionEnd}, nil
	case node.Status.IsBroken() && node.RetryIndex < planNode.MaxRetries && retryableFailure(node.FailureInfo, planNode.RetryOn):
		return Advice{Action: ActionRetry}, nil
	default:
		return Advice{Action: ActionEnd}, nil
	}
}

func retryableFailure(info *domain.FailureInfo, retryOn []string) bool {
	if len(retryOn) == 0 {
		return true
	}
	if info == nil {
		return false
	}
	for _, want := range retryOn {
		for _, got := range info.FailureTypes {
			if want == got {
				return true
			}
		}
	}
	return false
}

var runtimeIDNamespace = uuid.MustParse("6f1c1c1e-3b7a-5d0e-9a57-0a1f5e2c4b10")

// RuntimeID derives the id of an advised node so a replayed decision
// creates the same node instead of a duplicate.
func RuntimeID(parentRuntimeID, nodeID string, retryIndex int) string {
	name := parentRuntimeID + "/" + nodeID + "/" + strconv.Itoa(retryIndex)
	return uuid.NewSHA1(runtimeIDNamespace, []byte(name)).String()
}

// LoggingStarter only logs. It backs ORCHESTRATOR_TASK_EXECUTOR=none, where
// an external executor polls for QUEUED nodes itself.
type LoggingStarter struct {
	Logger *slog.Logger
}

func (s LoggingStarter) Start(ctx context.Context, node domain.NodeExecution) error {
	if s.Logger != nil {
		s.Logger.Info("node queued", "runtime_id", node.RuntimeID, "node_id", node.NodeID, "plan_execution_id", node.PlanExecutionID)
	}
	return nil
}

func (s LoggingStarter) Cancel(ctx context.Context, node domain.NodeExecution) error {
	if s.Logger != nil {
		s.Logger.Info("node cancel requested", "runtime_id", node.RuntimeID, "plan_execution_id", node.PlanExecutionID)
	}
	return nil
}

// Recorder remembers start and cancel requests. Used in tests.
type Recorder struct {
	mu        sync.Mutex
	started   []string
	cancelled []string
	StartErr  error
}

func (r *Recorder) Start(ctx context.Context, node domain.NodeExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StartErr != nil {
		return r.StartErr
	}
	r.started = append(r.started, node.RuntimeID)
	return nil
}

func (r *Recorder) Cancel(ctx context.Context, node domain.NodeExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, node.RuntimeID)
	return nil
}

func (r *Recorder) Started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

func (r *Recorder) Cancelled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cancelled...)
}
