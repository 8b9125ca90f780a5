package api

import (
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

type planView struct {
	ID          string            `json:"plan_execution_id"`
	Status      domain.Status     `json:"status"`
	Ambiance    domain.Ambiance   `json:"ambiance"`
	TriggeredBy string            `json:"triggered_by,omitempty"`
	Layout      domain.PlanLayout `json:"layout"`
	StartTs     time.Time         `json:"start_ts"`
	EndTs       *time.Time        `json:"end_ts,omitempty"`
	Version     int64             `json:"version"`
}

func toPlanView(p domain.PlanExecution) planView {
	return planView{
		ID:          p.ID,
		Status:      p.Status,
		Ambiance:    p.Ambiance,
		TriggeredBy: p.TriggeredBy,
		Layout:      p.Layout,
		StartTs:     p.StartTs,
		EndTs:       p.EndTs,
		Version:     p.Version,
	}
}

type nodeView struct {
	RuntimeID        string                   `json:"runtime_id"`
	NodeID           string                   `json:"node_id"`
	PlanExecutionID  string                   `json:"plan_execution_id"`
	ParentID         string                   `json:"parent_id,omitempty"`
	PreviousID       string                   `json:"previous_id,omitempty"`
	Name             string                   `json:"name"`
	Group            string                   `json:"group,omitempty"`
	StepType         string                   `json:"step_type,omitempty"`
	Ambiance         domain.Ambiance          `json:"ambiance"`
	Status           domain.Status            `json:"status"`
	FailureInfo      *domain.FailureInfo      `json:"failure_info,omitempty"`
	RetryIndex       int                      `json:"retry_index"`
	OldRetry         bool                     `json:"old_retry,omitempty"`
	InterruptEffects []domain.InterruptEffect `json:"interrupt_effects,omitempty"`
	StartTs          *time.Time               `json:"start_ts,omitempty"`
	EndTs            *time.Time               `json:"end_ts,omitempty"`
	Version          int64                    `json:"version"`
}

func toNodeView(n domain.NodeExecution) nodeView {
	return nodeView{
		RuntimeID:        n.RuntimeID,
		NodeID:           n.NodeID,
		PlanExecutionID:  n.PlanExecutionID,
		ParentID:         n.ParentID,
		PreviousID:       n.PreviousID,
		Name:             n.Name,
		Group:            n.Group,
		StepType:         n.StepType,
		Ambiance:         n.Ambiance,
		Status:           n.Status,
		FailureInfo:      n.FailureInfo,
		RetryIndex:       n.RetryIndex,
		OldRetry:         n.OldRetry,
		InterruptEffects: n.InterruptEffects,
		StartTs:          n.StartTs,
		EndTs:            n.EndTs,
		Version:          n.Version,
	}
}

type interruptView struct {
	ID                    string                `json:"interrupt_id"`
	Type                  domain.InterruptType  `json:"type"`
	PlanExecutionID       string                `json:"plan_execution_id"`
	TargetNodeExecutionID string                `json:"node_execution_id,omitempty"`
	State                 domain.InterruptState `json:"state"`
	TriggeredBy           string                `json:"triggered_by,omitempty"`
	Error                 string                `json:"error,omitempty"`
	AffectedNodeIDs       []string              `json:"affected_node_ids,omitempty"`
	CreatedAt             time.Time             `json:"created_at"`
	ProcessedAt           *time.Time            `json:"processed_at,omitempty"`
}

func toInterruptView(in domain.Interrupt) interruptView {
	return interruptView{
		ID:                    in.ID,
		Type:                  in.Type,
		PlanExecutionID:       in.PlanExecutionID,
		TargetNodeExecutionID: in.TargetNodeExecutionID,
		State:                 in.State,
		TriggeredBy:           in.TriggeredBy,
		Error:                 in.Error,
		AffectedNodeIDs:       in.AffectedNodeIDs,
		CreatedAt:             in.CreatedAt,
		ProcessedAt:           in.ProcessedAt,
	}
}

type approvalView struct {
	ID              string                    `json:"approval_id"`
	NodeExecutionID string                    `json:"node_execution_id"`
	PlanExecutionID string                    `json:"plan_execution_id"`
	Type            domain.ApprovalType       `json:"type"`
	Status          domain.ApprovalStatus     `json:"status"`
	Deadline        time.Time                 `json:"deadline"`
	Approvers       domain.Approvers          `json:"approvers"`
	TicketRef       string                    `json:"ticket_ref,omitempty"`
	TriggeredBy     string                    `json:"triggered_by,omitempty"`
	Activities      []domain.ApprovalActivity `json:"activities"`
	Version         int64                     `json:"version"`
}

func toApprovalView(a domain.ApprovalInstance) approvalView {
	activities := a.Activities
	if activities == nil {
		activities = []domain.ApprovalActivity{}
	}
	return approvalView{
		ID:              a.ID,
		NodeExecutionID: a.NodeExecutionID,
		PlanExecutionID: a.PlanExecutionID,
		Type:            a.Type,
		Status:          a.Status,
		Deadline:        a.Deadline,
		Approvers:       a.Approvers,
		TicketRef:       a.TicketRef,
		TriggeredBy:     a.TriggeredBy,
		Activities:      activities,
		Version:         a.Version,
	}
}
