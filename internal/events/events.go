// Package events fans orchestration lifecycle events out to in-process
// subscribers.
package events

import (
	"context"
	"strconv"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

type Kind string

const (
	NodeStatusChanged  Kind = "node.status_changed"
	PlanStarted        Kind = "plan.started"
	PlanStatusChanged  Kind = "plan.status_changed"
	PlanFinished       Kind = "plan.finished"
	InterruptProcessed Kind = "interrupt.processed"
	ApprovalFinalized  Kind = "approval.finalized"
)

type Event struct {
	// ID deduplicates re-published events. Empty IDs are never deduplicated.
	ID              string
	Kind            Kind
	PlanExecutionID string
	NodeExecutionID string
	StepType        string
	Status          domain.Status
	PreviousStatus  domain.Status
	InterruptID     string
	Actor           string
	At              time.Time
	Attrs           map[string]any
}

type Handler func(ctx context.Context, event Event) error

// Publisher is the narrow view orchestration components depend on.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// NodeEventID identifies one applied node transition.
func NodeEventID(runtimeID string, status domain.Status, version int64) string {
	return string(NodeStatusChanged) + ":" + runtimeID + ":" + string(status) + ":" + strconv.FormatInt(version, 10)
}
