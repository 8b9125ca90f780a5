package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type InterruptType string

const (
	InterruptAbortAll    InterruptType = "ABORT_ALL"
	InterruptPauseAll    InterruptType = "PAUSE_ALL"
	InterruptResumeAll   InterruptType = "RESUME_ALL"
	InterruptAbort       InterruptType = "ABORT"
	InterruptRetry       InterruptType = "RETRY"
	InterruptMarkSuccess InterruptType = "MARK_SUCCESS"
	InterruptMarkFailed  InterruptType = "MARK_FAILED"
	InterruptExpire      InterruptType = "EXPIRE"
)

type InterruptState string

const (
	InterruptRegistered              InterruptState = "REGISTERED"
	InterruptProcessing              InterruptState = "PROCESSING"
	InterruptProcessedSuccessfully   InterruptState = "PROCESSED_SUCCESSFULLY"
	InterruptProcessedUnsuccessfully InterruptState = "PROCESSED_UNSUCCESSFULLY"
)

func (s InterruptState) IsFinal() bool {
	return s == InterruptProcessedSuccessfully || s == InterruptProcessedUnsuccessfully
}

// ParseInterruptType maps free-form input to a canonical interrupt type.
func ParseInterruptType(value string) (InterruptType, error) {
	t := InterruptType(strings.ToUpper(strings.TrimSpace(value)))
	switch t {
	case InterruptAbortAll, InterruptPauseAll, InterruptResumeAll, InterruptAbort,
		InterruptRetry, InterruptMarkSuccess, InterruptMarkFailed, InterruptExpire:
		return t, nil
	default:
		return "", fmt.Errorf("unknown interrupt type %q", value)
	}
}

// RequiresTarget reports interrupt types that only make sense for one node.
func (t InterruptType) RequiresTarget() bool {
	switch t {
	case InterruptAbort, InterruptRetry, InterruptMarkSuccess, InterruptMarkFailed:
		return true
	default:
		return false
	}
}

// Interrupt is a requested control operation on a plan or node subtree.
type Interrupt struct {
	ID                    string
	Seq                   int64
	Type                  InterruptType
	PlanExecutionID       string
	TargetNodeExecutionID string
	State                 InterruptState
	TriggeredBy           string
	Error                 string
	AffectedNodeIDs       []string
	CreatedAt             time.Time
	ProcessedAt           *time.Time
}

func (i Interrupt) Validate() error {
	if strings.TrimSpace(i.PlanExecutionID) == "" {
		return errors.New("plan execution id is required")
	}
	if _, err := ParseInterruptType(string(i.Type)); err != nil {
		return err
	}
	if i.Type.RequiresTarget() && strings.TrimSpace(i.TargetNodeExecutionID) == "" {
		return fmt.Errorf("interrupt %s requires a node execution target", i.Type)
	}
	return nil
}

func (i Interrupt) Clone() Interrupt {
	out := i
	out.AffectedNodeIDs = append([]string(nil), i.AffectedNodeIDs...)
	if i.ProcessedAt != nil {
		t := *i.ProcessedAt
		out.ProcessedAt = &t
	}
	return out
}

// InterruptEffect is the audit record an interrupt leaves on each node it moved.
type InterruptEffect struct {
	InterruptID string        `json:"interrupt_id"`
	Type        InterruptType `json:"type"`
	FromStatus  Status        `json:"from_status"`
	ToStatus    Status        `json:"to_status"`
	At          time.Time     `json:"at"`
}
