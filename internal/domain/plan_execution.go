package domain

import (
	"errors"
	"strings"
	"time"
)

// PlanExecution is the root aggregate of one pipeline run. Its status is only
// ever derived from the node tree.
type PlanExecution struct {
	ID          string
	Status      Status
	Ambiance    Ambiance
	TriggeredBy string
	Layout      PlanLayout
	StartTs     time.Time
	EndTs       *time.Time
	UpdatedAt   time.Time
	Version     int64
}

func (p PlanExecution) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("plan execution id is required")
	}
	if !p.Status.Valid() {
		return errors.New("status is invalid")
	}
	return p.Layout.Validate()
}

func (p PlanExecution) Clone() PlanExecution {
	out := p
	out.Layout = p.Layout.Clone()
	if p.EndTs != nil {
		end := *p.EndTs
		out.EndTs = &end
	}
	return out
}

// CanMovePlan is looser than the node machine: a live plan may move between
// any live statuses, but a terminal plan is frozen.
func CanMovePlan(from, to Status) bool {
	if from == to || from.IsTerminal() || !to.Valid() {
		return false
	}
	if to == StatusQueued {
		return false
	}
	return true
}

// DerivePlanStatus computes the plan status from its node tree. The second
// return value is false when the nodes imply no change.
func DerivePlanStatus(root *NodeExecution, nodes []NodeExecution) (Status, bool) {
	if root != nil && root.Status.IsTerminal() {
		return root.Status, true
	}
	var approval, input, flowing, paused bool
	for _, node := range nodes {
		if !node.IsLive() {
			continue
		}
		switch {
		case node.Status == StatusApprovalWaiting:
			approval = true
		case node.Status == StatusInputWaiting:
			input = true
		case node.Status.IsFlowing():
			flowing = true
		case node.Status == StatusPaused:
			paused = true
		}
	}
	switch {
	case approval:
		return StatusApprovalWaiting, true
	case input:
		return StatusInputWaiting, true
	case flowing:
		return StatusRunning, true
	case paused:
		return StatusPaused, true
	default:
		return "", false
	}
}
