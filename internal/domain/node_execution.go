package domain

import (
	"errors"
	"strings"
	"time"
)

// Step types with orchestration-specific behaviour.
const (
	StepTypeApproval = "Approval"
)

// FailureInfo is attached to a node on its terminal transition.
type FailureInfo struct {
	Message      string   `json:"message"`
	FailureTypes []string `json:"failure_types,omitempty"`
	ErrorCode    string   `json:"error_code,omitempty"`
}

func (f *FailureInfo) Clone() *FailureInfo {
	if f == nil {
		return nil
	}
	out := *f
	out.FailureTypes = append([]string(nil), f.FailureTypes...)
	return &out
}

// NodeRunInfo is the skip-evaluation result for a node.
type NodeRunInfo struct {
	WhenCondition string `json:"when_condition,omitempty"`
	Evaluated     bool   `json:"evaluated"`
	ShouldRun     bool   `json:"should_run"`
}

// NodeExecution is one runtime instance of a plan node.
type NodeExecution struct {
	RuntimeID       string
	NodeID          string
	PlanExecutionID string
	ParentID        string
	PreviousID      string
	Name            string
	Group           string
	StepType        string
	Ambiance        Ambiance
	Status          Status
	FailureInfo     *FailureInfo
	NodeRunInfo     NodeRunInfo
	RetryIndex      int
	OldRetry        bool

	// PropagatedStatus is the last status whose side effects (parent
	// propagation, advising) completed.
	PropagatedStatus Status
	InterruptEffects []InterruptEffect

	StartTs   *time.Time
	EndTs     *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

func (n NodeExecution) IsRoot() bool { return strings.TrimSpace(n.ParentID) == "" }

// IsLive reports whether the node still takes part in aggregation and can be
// targeted by interrupts.
func (n NodeExecution) IsLive() bool { return !n.OldRetry && !n.Status.IsTerminal() }

// NeedsPropagation reports whether the current status still owes side effects.
func (n NodeExecution) NeedsPropagation() bool { return n.PropagatedStatus != n.Status }

// HasInterruptEffect reports whether an interrupt already touched this node.
func (n NodeExecution) HasInterruptEffect(interruptID string) bool {
	for _, effect := range n.InterruptEffects {
		if effect.InterruptID == interruptID {
			return true
		}
	}
	return false
}

func (n NodeExecution) Validate() error {
	if strings.TrimSpace(n.RuntimeID) == "" {
		return errors.New("runtime id is required")
	}
	if strings.TrimSpace(n.NodeID) == "" {
		return errors.New("node id is required")
	}
	if strings.TrimSpace(n.PlanExecutionID) == "" {
		return errors.New("plan execution id is required")
	}
	if !n.Status.Valid() {
		return errors.New("status is invalid")
	}
	if n.RuntimeID == n.ParentID {
		return errors.New("node cannot be its own parent")
	}
	return nil
}

// Clone returns a deep copy safe to mutate.
func (n NodeExecution) Clone() NodeExecution {
	out := n
	out.FailureInfo = n.FailureInfo.Clone()
	out.StartTs = cloneTime(n.StartTs)
	out.EndTs = cloneTime(n.EndTs)
	if n.InterruptEffects != nil {
		out.InterruptEffects = append([]InterruptEffect(nil), n.InterruptEffects...)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
