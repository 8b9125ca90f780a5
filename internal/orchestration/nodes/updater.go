// Package nodes applies versioned writes to node executions.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/platform/retry"
	"github.com/animus-labs/animus-orchestrator/internal/platform/telemetry"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

// ErrConflictExhausted means a write kept losing version races until the
// retry budget ran out. It is always surfaced.
var ErrConflictExhausted = errors.New("node update conflict retries exhausted")

// ErrNoChange is returned by a Mutation to skip the write.
var ErrNoChange = errors.New("no change")

// Mutation edits a private copy of the current row.
type Mutation func(node *domain.NodeExecution) error

type Updater struct {
	repo    repo.NodeExecutionRepository
	policy  retry.Policy
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

func NewUpdater(nodes repo.NodeExecutionRepository, policy retry.Policy, logger *slog.Logger, metrics *telemetry.Metrics) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{
		repo:    nodes,
		policy:  policy,
		logger:  logger.With("component", "nodes"),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock used for StartTs/EndTs.
func (u *Updater) SetClock(now func() time.Time) { u.now = now }

type updateResult struct {
	node    domain.NodeExecution
	changed bool
}

// Update re-reads the node and applies mutate until the versioned write
// lands. changed is false when mutate returned ErrNoChange. On error the
// last row read, if any, is returned alongside it.
func (u *Updater) Update(ctx context.Context, runtimeID string, mutate Mutation) (domain.NodeExecution, bool, error) {
	var last domain.NodeExecution
	res, err := retry.Do(ctx, u.policy, retry.On(repo.ErrVersionConflict), func() (updateResult, error) {
		current, err := u.repo.Get(ctx, runtimeID)
		if err != nil {
			return updateResult{}, fmt.Errorf("load node %s: %w", runtimeID, err)
		}
		last = current
		next := current.Clone()
		if err := mutate(&next); err != nil {
			if errors.Is(err, ErrNoChange) {
				return updateResult{node: current}, nil
			}
			return updateResult{node: current}, err
		}
		stored, err := u.repo.UpdateIfVersion(ctx, next, current.Version)
		if err != nil {
			if errors.Is(err, repo.ErrVersionConflict) {
				u.metrics.VersionConflict("node_execution")
			}
			return updateResult{}, err
		}
		return updateResult{node: stored, changed: true}, nil
	}, func(err error, wait time.Duration) {
		u.logger.Debug("node write conflict, retrying", "runtime_id", runtimeID, "wait_ms", wait.Milliseconds())
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			return domain.NodeExecution{}, false, fmt.Errorf("%w: %s: %w", ErrConflictExhausted, runtimeID, err)
		}
		return last, false, err
	}
	return res.node, res.changed, nil
}

// TransitionRequest describes one status change.
type TransitionRequest struct {
	To          domain.Status
	FailureInfo *domain.FailureInfo
	Effect      *domain.InterruptEffect
}

// Transition moves the node to req.To. A node already in req.To reports
// changed=false; any other disallowed move returns domain.ErrInvalidTransition.
func (u *Updater) Transition(ctx context.Context, runtimeID string, req TransitionRequest) (domain.NodeExecution, bool, error) {
	return u.Update(ctx, runtimeID, func(node *domain.NodeExecution) error {
		if node.Status == req.To {
			return ErrNoChange
		}
		if err := domain.ValidateCausedTransition(node.Status, req.To, req.Effect); err != nil {
			return err
		}
		now := u.now()
		from := node.Status
		node.Status = req.To
		if req.To == domain.StatusRunning && node.StartTs == nil {
			node.StartTs = &now
		}
		if req.To.IsTerminal() {
			node.EndTs = &now
			if req.FailureInfo != nil {
				node.FailureInfo = req.FailureInfo.Clone()
			}
		}
		if req.Effect != nil && !node.HasInterruptEffect(req.Effect.InterruptID) {
			effect := *req.Effect
			if effect.At.IsZero() {
				effect.At = now
			}
			effect.FromStatus = from
			effect.ToStatus = req.To
			node.InterruptEffects = append(node.InterruptEffects, effect)
		}
		return nil
	})
}

// MarkPropagated records that the side effects of status completed. It is
// a no-op when the node has since moved on.
func (u *Updater) MarkPropagated(ctx context.Context, runtimeID string, status domain.Status) (domain.NodeExecution, error) {
	node, _, err := u.Update(ctx, runtimeID, func(node *domain.NodeExecution) error {
		if node.Status != status || node.PropagatedStatus == status {
			return ErrNoChange
		}
		node.PropagatedStatus = status
		return nil
	})
	return node, err
}

// MarkOldRetry flags a superseded attempt so aggregation ignores it.
func (u *Updater) MarkOldRetry(ctx context.Context, runtimeID string) (domain.NodeExecution, error) {
	node, _, err := u.Update(ctx, runtimeID, func(node *domain.NodeExecution) error {
		if node.OldRetry {
			return ErrNoChange
		}
		node.OldRetry = true
		return nil
	})
	return node, err
}
