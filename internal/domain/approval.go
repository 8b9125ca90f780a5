package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type ApprovalType string

const (
	ApprovalTypeUser     ApprovalType = "USER"
	ApprovalTypeCriteria ApprovalType = "CRITERIA"
)

type ApprovalStatus string

const (
	ApprovalWaiting  ApprovalStatus = "WAITING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
	ApprovalFailed   ApprovalStatus = "FAILED"
	ApprovalAborted  ApprovalStatus = "ABORTED"
)

func (s ApprovalStatus) IsFinal() bool {
	return s != ApprovalWaiting && s != ""
}

// NodeStatus maps a final approval status onto the node state machine.
func (s ApprovalStatus) NodeStatus() (Status, bool) {
	switch s {
	case ApprovalApproved:
		return StatusSucceeded, true
	case ApprovalRejected:
		return StatusFailed, true
	case ApprovalExpired:
		return StatusExpired, true
	case ApprovalFailed:
		return StatusErrored, true
	case ApprovalAborted:
		return StatusAborted, true
	default:
		return "", false
	}
}

type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "APPROVE"
	DecisionReject  ApprovalDecision = "REJECT"
	DecisionPending ApprovalDecision = "PENDING"
	DecisionError   ApprovalDecision = "ERROR"
)

func ParseApprovalDecision(value string) (ApprovalDecision, error) {
	d := ApprovalDecision(strings.ToUpper(strings.TrimSpace(value)))
	switch d {
	case DecisionApprove, DecisionReject:
		return d, nil
	default:
		return "", fmt.Errorf("unknown approval decision %q", value)
	}
}

// Approvers configures a USER approval.
type Approvers struct {
	UserGroups       []string `json:"user_groups,omitempty"`
	MinimumCount     int      `json:"minimum_count"`
	DisallowExecutor bool     `json:"disallow_executor,omitempty"`
}

// ApprovalActivity is one actor interaction or poll result. Activities are
// append-only.
type ApprovalActivity struct {
	Seq      int               `json:"seq"`
	Actor    string            `json:"actor"`
	Decision ApprovalDecision  `json:"decision"`
	Comment  string            `json:"comment,omitempty"`
	Inputs   map[string]string `json:"inputs,omitempty"`
	At       time.Time         `json:"at"`
}

type ApprovalInstance struct {
	ID              string
	NodeExecutionID string
	PlanExecutionID string
	Ambiance        Ambiance
	Type            ApprovalType
	Status          ApprovalStatus
	Deadline        time.Time
	Approvers       Approvers
	CriteriaSpec    []byte
	TicketRef       string
	TriggeredBy     string
	Activities      []ApprovalActivity
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Version         int64
}

func (a ApprovalInstance) Validate() error {
	if strings.TrimSpace(a.NodeExecutionID) == "" {
		return errors.New("node execution id is required")
	}
	if strings.TrimSpace(a.PlanExecutionID) == "" {
		return errors.New("plan execution id is required")
	}
	switch a.Type {
	case ApprovalTypeUser:
		if a.Approvers.MinimumCount < 1 {
			return errors.New("approvers.minimum_count must be >= 1")
		}
	case ApprovalTypeCriteria:
		if len(a.CriteriaSpec) == 0 {
			return errors.New("criteria spec is required")
		}
		if strings.TrimSpace(a.TicketRef) == "" {
			return errors.New("ticket ref is required")
		}
	default:
		return fmt.Errorf("unknown approval type %q", a.Type)
	}
	if a.Deadline.IsZero() {
		return errors.New("deadline is required")
	}
	return nil
}

// ApproveCount counts distinct approving actors.
func (a ApprovalInstance) ApproveCount() int {
	seen := map[string]struct{}{}
	for _, act := range a.Activities {
		if act.Decision == DecisionApprove {
			seen[act.Actor] = struct{}{}
		}
	}
	return len(seen)
}

// WithActivity returns a copy with the activity appended and sequenced.
func (a ApprovalInstance) WithActivity(act ApprovalActivity) ApprovalInstance {
	out := a.Clone()
	act.Seq = len(out.Activities) + 1
	out.Activities = append(out.Activities, act)
	return out
}

func (a ApprovalInstance) Clone() ApprovalInstance {
	out := a
	out.CriteriaSpec = append([]byte(nil), a.CriteriaSpec...)
	out.Approvers.UserGroups = append([]string(nil), a.Approvers.UserGroups...)
	out.Activities = make([]ApprovalActivity, 0, len(a.Activities))
	for _, act := range a.Activities {
		if act.Inputs != nil {
			inputs := make(map[string]string, len(act.Inputs))
			for k, v := range act.Inputs {
				inputs[k] = v
			}
			act.Inputs = inputs
		}
		out.Activities = append(out.Activities, act)
	}
	return out
}
