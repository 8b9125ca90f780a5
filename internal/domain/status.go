package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a node or plan execution.
type Status string

const (
	StatusQueued          Status = "QUEUED"
	StatusRunning         Status = "RUNNING"
	StatusPaused          Status = "PAUSED"
	StatusApprovalWaiting Status = "APPROVAL_WAITING"
	StatusInputWaiting    Status = "INPUT_WAITING"
	StatusSucceeded       Status = "SUCCEEDED"
	StatusFailed          Status = "FAILED"
	StatusErrored         Status = "ERRORED"
	StatusAborted         Status = "ABORTED"
	StatusSkipped         Status = "SKIPPED"
	StatusExpired         Status = "EXPIRED"
)

// ErrInvalidTransition marks a status event that is older than, or incompatible
// with, the current state. At-least-once delivery makes these expected.
var ErrInvalidTransition = errors.New("invalid status transition")

var allStatuses = []Status{
	StatusQueued,
	StatusRunning,
	StatusPaused,
	StatusApprovalWaiting,
	StatusInputWaiting,
	StatusSucceeded,
	StatusFailed,
	StatusErrored,
	StatusAborted,
	StatusSkipped,
	StatusExpired,
}

var terminalStatuses = []Status{
	StatusSucceeded,
	StatusFailed,
	StatusErrored,
	StatusAborted,
	StatusSkipped,
	StatusExpired,
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusQueued: setOf(append([]Status{StatusRunning, StatusPaused}, terminalStatuses...)...),
	StatusRunning: setOf(append([]Status{
		StatusPaused,
		StatusApprovalWaiting,
		StatusInputWaiting,
	}, terminalStatuses...)...),
	StatusPaused: setOf(StatusRunning, StatusAborted, StatusExpired),
	StatusApprovalWaiting: setOf(
		StatusRunning,
		StatusSucceeded,
		StatusFailed,
		StatusErrored,
		StatusAborted,
		StatusExpired,
	),
	StatusInputWaiting: setOf(
		StatusRunning,
		StatusSucceeded,
		StatusFailed,
		StatusErrored,
		StatusAborted,
		StatusExpired,
	),
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusErrored:   {},
	StatusAborted:   {},
	StatusSkipped:   {},
	StatusExpired:   {},
}

func setOf(statuses ...Status) map[Status]struct{} {
	out := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		out[s] = struct{}{}
	}
	return out
}

// AllStatuses returns every known status in declaration order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// TerminalStatuses returns the statuses a node can never leave.
func TerminalStatuses() []Status {
	out := make([]Status, len(terminalStatuses))
	copy(out, terminalStatuses)
	return out
}

// ParseStatus maps free-form input to a canonical status.
func ParseStatus(value string) (Status, error) {
	normalized := Status(strings.ToUpper(strings.TrimSpace(value)))
	if _, ok := allowedTransitions[normalized]; !ok {
		return "", fmt.Errorf("unknown status %q", value)
	}
	return normalized, nil
}

func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusErrored, StatusAborted, StatusSkipped, StatusExpired:
		return true
	default:
		return false
	}
}

// IsSuspended reports the intermediate states a running node may park in.
func (s Status) IsSuspended() bool {
	switch s {
	case StatusPaused, StatusApprovalWaiting, StatusInputWaiting:
		return true
	default:
		return false
	}
}

// IsFlowing reports statuses that are actively progressing.
func (s Status) IsFlowing() bool {
	return s == StatusQueued || s == StatusRunning
}

// IsBroken reports terminal statuses that count as a failure of the branch.
func (s Status) IsBroken() bool {
	switch s {
	case StatusFailed, StatusErrored, StatusAborted, StatusExpired:
		return true
	default:
		return false
	}
}

// Rank orders statuses in the partial order every transition must respect.
func (s Status) Rank() int {
	switch {
	case s == StatusQueued:
		return 0
	case s == StatusRunning || s.IsSuspended():
		return 1
	case s.IsTerminal():
		return 2
	default:
		return -1
	}
}

// CanTransition enforces the node state machine. A same-status write is not a
// transition and reports false.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ValidateTransition wraps ErrInvalidTransition with the offending pair.
func ValidateTransition(from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidateCausedTransition also checks what caused the move: a paused node
// only runs again through a RESUME_ALL interrupt, so late executor reports
// cannot undo a pause.
func ValidateCausedTransition(from, to Status, effect *InterruptEffect) error {
	if err := ValidateTransition(from, to); err != nil {
		return err
	}
	if from == StatusPaused && to == StatusRunning && (effect == nil || effect.Type != InterruptResumeAll) {
		return fmt.Errorf("%w: %s -> %s outside a resume", ErrInvalidTransition, from, to)
	}
	return nil
}
