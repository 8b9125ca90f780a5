package events

import (
	"context"
	"fmt"

	"github.com/animus-labs/animus-orchestrator/internal/platform/auditlog"
	"github.com/animus-labs/animus-orchestrator/internal/platform/telemetry"
)

const systemActor = "system"

// AuditKinds are the lifecycle events persisted to the audit trail.
var AuditKinds = []Kind{PlanStarted, PlanFinished, InterruptProcessed, ApprovalFinalized}

// AuditSink records lifecycle events through rec. Subscribe it with
// AuditKinds.
func AuditSink(rec auditlog.Recorder) Handler {
	return func(ctx context.Context, event Event) error {
		actor := event.Actor
		if actor == "" {
			actor = systemActor
		}
		resourceType, resourceID := "plan_execution", event.PlanExecutionID
		switch event.Kind {
		case InterruptProcessed:
			resourceType, resourceID = "interrupt", event.InterruptID
		case ApprovalFinalized:
			resourceType, resourceID = "approval_instance", fmt.Sprint(event.Attrs["approval_id"])
		}

		payload := map[string]any{
			"plan_execution_id": event.PlanExecutionID,
			"status":            string(event.Status),
		}
		if event.NodeExecutionID != "" {
			payload["node_execution_id"] = event.NodeExecutionID
		}
		for k, v := range event.Attrs {
			payload[k] = v
		}
		if err := rec.Record(ctx, auditlog.Event{
			OccurredAt:   event.At,
			Actor:        actor,
			Action:       string(event.Kind),
			ResourceType: resourceType,
			ResourceID:   resourceID,
			Payload:      payload,
		}); err != nil {
			return fmt.Errorf("record %s: %w", event.Kind, err)
		}
		return nil
	}
}

// MetricsSink counts plan and interrupt lifecycle events.
func MetricsSink(m *telemetry.Metrics) Handler {
	return func(ctx context.Context, event Event) error {
		switch event.Kind {
		case PlanStarted:
			m.PlanStarted()
		case PlanFinished:
			m.PlanFinished()
		case InterruptProcessed:
			m.InterruptProcessed(fmt.Sprint(event.Attrs["type"]), fmt.Sprint(event.Attrs["state"]))
		case ApprovalFinalized:
			m.ApprovalDecision(fmt.Sprint(event.Attrs["type"]), fmt.Sprint(event.Attrs["approval_status"]))
		}
		return nil
	}
}
