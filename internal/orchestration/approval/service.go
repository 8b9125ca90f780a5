// Package approval runs approval nodes: it keeps one approval instance per
// node, collects decisions and finalizes the node through the dispatcher.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/events"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/dispatch"
	"github.com/animus-labs/animus-orchestrator/internal/platform/retry"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

var (
	ErrApprovalClosed = errors.New("approval already finalized")
	ErrNotApprover    = errors.New("actor is not an eligible approver")
	ErrAlreadyActed   = errors.New("actor already acted on this approval")
	ErrWrongType      = errors.New("operation not supported for this approval type")
	ErrNodeNotRunning = errors.New("node is not running")
	ErrInvalidRequest = errors.New("invalid approval request")
)

const systemActor = "system"

// Dispatcher is the part of the status dispatcher approvals drive.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev dispatch.Event) (dispatch.Result, error)
}

type Options struct {
	Approvals  repo.ApprovalRepository
	Nodes      repo.NodeExecutionRepository
	Dispatcher Dispatcher
	// Source is required only for CRITERIA approvals.
	Source CriteriaSource
	Events events.Publisher
	Retry  retry.Policy
	Config Config
	Logger *slog.Logger
}

type Service struct {
	approvals  repo.ApprovalRepository
	nodes      repo.NodeExecutionRepository
	dispatcher Dispatcher
	source     CriteriaSource
	events     events.Publisher
	retry      retry.Policy
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

func New(opts Options) (*Service, error) {
	if opts.Approvals == nil || opts.Nodes == nil || opts.Dispatcher == nil {
		return nil, errors.New("approval: repositories and dispatcher are required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		approvals:  opts.Approvals,
		nodes:      opts.Nodes,
		dispatcher: opts.Dispatcher,
		source:     opts.Source,
		events:     opts.Events,
		retry:      opts.Retry,
		cfg:        opts.Config,
		logger:     logger.With("component", "approval"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	if s.events == nil {
		s.events = events.Discard{}
	}
	if s.retry.MaxAttempts == 0 {
		s.retry = retry.DefaultPolicy()
	}
	return s, nil
}

func (s *Service) SetClock(now func() time.Time) { s.now = now }

type StartRequest struct {
	NodeExecutionID string
	Type            domain.ApprovalType
	Approvers       domain.Approvers
	CriteriaSpec    []byte
	TicketRef       string
	// Timeout defaults to Config.DefaultTimeout.
	Timeout     time.Duration
	TriggeredBy string
}

// Start opens the approval for a running node and parks the node in
// APPROVAL_WAITING. Starting an already opened approval returns the
// existing instance.
func (s *Service) Start(ctx context.Context, req StartRequest) (domain.ApprovalInstance, error) {
	node, err := s.nodes.Get(ctx, req.NodeExecutionID)
	if err != nil {
		return domain.ApprovalInstance{}, fmt.Errorf("load node %s: %w", req.NodeExecutionID, err)
	}
	if req.Type == domain.ApprovalTypeCriteria {
		if _, err := ParseCriteria(req.CriteriaSpec); err != nil {
			return domain.ApprovalInstance{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	instance, err := s.approvals.GetByNode(ctx, node.RuntimeID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		if node.Status != domain.StatusRunning {
			return domain.ApprovalInstance{}, fmt.Errorf("%w: %s is %s", ErrNodeNotRunning, node.RuntimeID, node.Status)
		}
		instance, err = s.create(ctx, node, req)
		if err != nil {
			return domain.ApprovalInstance{}, err
		}
	case err != nil:
		return domain.ApprovalInstance{}, fmt.Errorf("load approval for %s: %w", node.RuntimeID, err)
	}
	if instance.Status != domain.ApprovalWaiting {
		return instance, nil
	}

	res, err := s.dispatcher.Dispatch(ctx, dispatch.Event{NodeExecutionID: node.RuntimeID, Status: domain.StatusApprovalWaiting})
	if err != nil {
		return instance, fmt.Errorf("park %s for approval: %w", node.RuntimeID, err)
	}
	if res == dispatch.ResultDropped {
		s.logger.Warn("approval node moved on before it could wait", "node_execution_id", node.RuntimeID, "approval_id", instance.ID)
	}
	return instance, nil
}

func (s *Service) create(ctx context.Context, node domain.NodeExecution, req StartRequest) (domain.ApprovalInstance, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	draft := domain.ApprovalInstance{
		NodeExecutionID: node.RuntimeID,
		PlanExecutionID: node.PlanExecutionID,
		Ambiance:        node.Ambiance,
		Type:            req.Type,
		Status:          domain.ApprovalWaiting,
		Deadline:        s.now().Add(timeout),
		Approvers:       req.Approvers,
		CriteriaSpec:    req.CriteriaSpec,
		TicketRef:       req.TicketRef,
		TriggeredBy:     req.TriggeredBy,
	}
	if err := draft.Validate(); err != nil {
		return domain.ApprovalInstance{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	instance, err := s.approvals.Create(ctx, draft)
	if errors.Is(err, repo.ErrAlreadyExists) {
		return s.approvals.GetByNode(ctx, node.RuntimeID)
	}
	if err != nil {
		return domain.ApprovalInstance{}, fmt.Errorf("create approval for %s: %w", node.RuntimeID, err)
	}
	s.logger.Info("approval started",
		"approval_id", instance.ID,
		"type", instance.Type,
		"node_execution_id", instance.NodeExecutionID,
		"deadline", instance.Deadline,
	)
	return instance, nil
}

// Submission is one actor's decision on a USER approval.
type Submission struct {
	Actor    string
	Groups   []string
	Decision domain.ApprovalDecision
	Comment  string
	Inputs   map[string]string
}

// Submit records a decision. A rejection finalizes the approval at once;
// approvals finalize when Approvers.MinimumCount distinct actors approved.
func (s *Service) Submit(ctx context.Context, approvalID string, sub Submission) (domain.ApprovalInstance, error) {
	decision, err := domain.ParseApprovalDecision(string(sub.Decision))
	if err != nil {
		return domain.ApprovalInstance{}, err
	}
	actor := strings.TrimSpace(sub.Actor)
	if actor == "" {
		return domain.ApprovalInstance{}, fmt.Errorf("%w: actor is required", ErrNotApprover)
	}

	instance, err := s.update(ctx, approvalID, func(a *domain.ApprovalInstance) error {
		if a.Type != domain.ApprovalTypeUser {
			return fmt.Errorf("%w: submit on %s approval", ErrWrongType, a.Type)
		}
		if a.Status != domain.ApprovalWaiting {
			return fmt.Errorf("%w: %s is %s", ErrApprovalClosed, a.ID, a.Status)
		}
		if err := eligible(*a, actor, sub.Groups); err != nil {
			return err
		}
		*a = a.WithActivity(domain.ApprovalActivity{
			Actor:    actor,
			Decision: decision,
			Comment:  sub.Comment,
			Inputs:   sub.Inputs,
			At:       s.now(),
		})
		switch {
		case decision == domain.DecisionReject:
			a.Status = domain.ApprovalRejected
		case a.ApproveCount() >= a.Approvers.MinimumCount:
			a.Status = domain.ApprovalApproved
		}
		return nil
	})
	if err != nil {
		return domain.ApprovalInstance{}, err
	}
	s.logger.Info("approval activity recorded", "approval_id", instance.ID, "actor", actor, "decision", decision, "status", instance.Status)
	if instance.Status.IsFinal() {
		if err := s.complete(ctx, instance); err != nil {
			return instance, err
		}
	}
	return instance, nil
}

func eligible(a domain.ApprovalInstance, actor string, groups []string) error {
	if a.Approvers.DisallowExecutor && strings.EqualFold(actor, a.TriggeredBy) {
		return fmt.Errorf("%w: %s triggered the execution", ErrNotApprover, actor)
	}
	if len(a.Approvers.UserGroups) > 0 && !slices.ContainsFunc(groups, func(g string) bool {
		return slices.Contains(a.Approvers.UserGroups, g)
	}) {
		return fmt.Errorf("%w: %s is not in %v", ErrNotApprover, actor, a.Approvers.UserGroups)
	}
	for _, act := range a.Activities {
		if act.Actor == actor {
			return fmt.Errorf("%w: %s", ErrAlreadyActed, actor)
		}
	}
	return nil
}

// Finalize closes a waiting approval with status and moves its node to the
// matching terminal status. Finalizing again with the same status repeats
// the node update; a different status returns ErrApprovalClosed.
func (s *Service) Finalize(ctx context.Context, approvalID string, status domain.ApprovalStatus, actor, comment string) (domain.ApprovalInstance, error) {
	if !status.IsFinal() {
		return domain.ApprovalInstance{}, fmt.Errorf("finalize %s: %q is not a final status", approvalID, status)
	}
	instance, err := s.update(ctx, approvalID, func(a *domain.ApprovalInstance) error {
		if a.Status == status {
			return errUnchanged
		}
		if a.Status != domain.ApprovalWaiting {
			return fmt.Errorf("%w: %s is %s", ErrApprovalClosed, a.ID, a.Status)
		}
		if comment != "" {
			*a = a.WithActivity(domain.ApprovalActivity{
				Actor:    actorOr(actor),
				Decision: decisionFor(status),
				Comment:  comment,
				At:       s.now(),
			})
		}
		a.Status = status
		return nil
	})
	if err != nil {
		return domain.ApprovalInstance{}, err
	}
	return instance, s.complete(ctx, instance)
}

// Settle finishes a node whose approval was finalized but whose status
// update never landed. Nodes without a final approval are left alone.
func (s *Service) Settle(ctx context.Context, node domain.NodeExecution) error {
	if node.Status != domain.StatusApprovalWaiting {
		return nil
	}
	instance, err := s.approvals.GetByNode(ctx, node.RuntimeID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load approval for %s: %w", node.RuntimeID, err)
	}
	if !instance.Status.IsFinal() {
		return nil
	}
	return s.complete(ctx, instance)
}

// OnNodeEvent closes the waiting approval of a node that ended some other
// way, e.g. through an abort or expire interrupt. Subscribe it to
// events.NodeStatusChanged.
func (s *Service) OnNodeEvent(ctx context.Context, e events.Event) error {
	if e.Kind != events.NodeStatusChanged || !e.Status.IsTerminal() {
		return nil
	}
	instance, err := s.approvals.GetByNode(ctx, e.NodeExecutionID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load approval for %s: %w", e.NodeExecutionID, err)
	}
	if instance.Status != domain.ApprovalWaiting {
		return nil
	}
	status := domain.ApprovalAborted
	if e.Status == domain.StatusExpired {
		status = domain.ApprovalExpired
	}
	instance, err = s.update(ctx, instance.ID, func(a *domain.ApprovalInstance) error {
		if a.Status != domain.ApprovalWaiting {
			return errUnchanged
		}
		a.Status = status
		return nil
	})
	if err != nil {
		return err
	}
	if instance.Status == status {
		s.published(ctx, instance, e.Status)
	}
	return nil
}

// complete drives the node to the approval's outcome and announces it.
func (s *Service) complete(ctx context.Context, instance domain.ApprovalInstance) error {
	to, ok := instance.Status.NodeStatus()
	if !ok {
		return fmt.Errorf("approval %s has no node outcome for %s", instance.ID, instance.Status)
	}
	var info *domain.FailureInfo
	if to != domain.StatusSucceeded {
		info = &domain.FailureInfo{
			Message:      fmt.Sprintf("approval %s", strings.ToLower(string(instance.Status))),
			FailureTypes: []string{"APPROVAL_" + string(instance.Status)},
		}
	}
	res, err := s.dispatcher.Dispatch(ctx, dispatch.Event{NodeExecutionID: instance.NodeExecutionID, Status: to, FailureInfo: info})
	if err != nil {
		return fmt.Errorf("finish approval node %s: %w", instance.NodeExecutionID, err)
	}
	s.logger.Info("approval finalized",
		"approval_id", instance.ID,
		"status", instance.Status,
		"node_execution_id", instance.NodeExecutionID,
		"result", res,
	)
	s.published(ctx, instance, to)
	return nil
}

func (s *Service) published(ctx context.Context, instance domain.ApprovalInstance, nodeStatus domain.Status) {
	actor := systemActor
	if n := len(instance.Activities); n > 0 {
		actor = instance.Activities[n-1].Actor
	}
	s.events.Publish(ctx, events.Event{
		ID:              string(events.ApprovalFinalized) + ":" + instance.ID,
		Kind:            events.ApprovalFinalized,
		PlanExecutionID: instance.PlanExecutionID,
		NodeExecutionID: instance.NodeExecutionID,
		Status:          nodeStatus,
		Actor:           actor,
		At:              s.now(),
		Attrs: map[string]any{
			"approval_id":     instance.ID,
			"type":            string(instance.Type),
			"approval_status": string(instance.Status),
		},
	})
}

var errUnchanged = errors.New("approval unchanged")

// update applies mutate to a fresh copy until the versioned write lands.
// A mutate returning errUnchanged skips the write.
func (s *Service) update(ctx context.Context, id string, mutate func(*domain.ApprovalInstance) error) (domain.ApprovalInstance, error) {
	return retry.Do(ctx, s.retry, retry.On(repo.ErrVersionConflict), func() (domain.ApprovalInstance, error) {
		current, err := s.approvals.Get(ctx, id)
		if err != nil {
			return domain.ApprovalInstance{}, fmt.Errorf("load approval %s: %w", id, err)
		}
		next := current.Clone()
		if err := mutate(&next); err != nil {
			if errors.Is(err, errUnchanged) {
				return current, nil
			}
			return domain.ApprovalInstance{}, err
		}
		return s.approvals.UpdateIfVersion(ctx, next, current.Version)
	}, func(err error, wait time.Duration) {
		s.logger.Debug("approval write conflict, retrying", "approval_id", id, "wait_ms", wait.Milliseconds())
	})
}

func decisionFor(status domain.ApprovalStatus) domain.ApprovalDecision {
	switch status {
	case domain.ApprovalApproved:
		return domain.DecisionApprove
	case domain.ApprovalRejected:
		return domain.DecisionReject
	default:
		return domain.DecisionError
	}
}

func actorOr(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return systemActor
	}
	return actor
}
