package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

// Poller expires overdue approvals and evaluates CRITERIA approvals
// against their ticket.
type Poller struct {
	svc *Service
}

func NewPoller(svc *Service) *Poller { return &Poller{svc: svc} }

func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.svc.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.svc.logger.Error("approval poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll makes one pass over waiting approvals and returns how many it
// finalized.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	waiting, err := p.svc.approvals.ListWaiting(ctx, p.svc.cfg.PollBatch)
	if err != nil {
		return 0, fmt.Errorf("list waiting approvals: %w", err)
	}
	var (
		finalized int
		errs      []error
	)
	for _, instance := range waiting {
		if ctx.Err() != nil {
			break
		}
		done, err := p.pollOne(ctx, instance)
		if err != nil {
			errs = append(errs, fmt.Errorf("approval %s: %w", instance.ID, err))
			continue
		}
		if done {
			finalized++
		}
	}
	return finalized, errors.Join(errs...)
}

func (p *Poller) pollOne(ctx context.Context, instance domain.ApprovalInstance) (bool, error) {
	now := p.svc.now()
	if !now.Before(instance.Deadline) {
		_, err := p.svc.Finalize(ctx, instance.ID, domain.ApprovalExpired, systemActor, "deadline passed")
		return err == nil, ignoreClosed(err)
	}
	if instance.Type != domain.ApprovalTypeCriteria {
		return false, nil
	}
	if p.svc.source == nil {
		return false, ErrITSMDisabled
	}

	criteria, err := ParseCriteria(instance.CriteriaSpec)
	if err != nil {
		_, ferr := p.svc.Finalize(ctx, instance.ID, domain.ApprovalFailed, systemActor, err.Error())
		return ferr == nil, ignoreClosed(ferr)
	}

	activity := domain.ApprovalActivity{Actor: "criteria:" + instance.TicketRef, At: now}
	fields, err := p.svc.source.TicketFields(ctx, instance.TicketRef)
	if err != nil {
		activity.Decision = domain.DecisionError
		activity.Comment = err.Error()
	} else {
		activity.Decision = criteria.Evaluate(fields)
	}

	wrote := false
	updated, err := p.svc.update(ctx, instance.ID, func(a *domain.ApprovalInstance) error {
		wrote = false
		if a.Status != domain.ApprovalWaiting {
			return errUnchanged
		}
		wrote = true
		*a = a.WithActivity(activity)
		switch activity.Decision {
		case domain.DecisionApprove:
			a.Status = domain.ApprovalApproved
		case domain.DecisionReject:
			a.Status = domain.ApprovalRejected
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !wrote || updated.Status == domain.ApprovalWaiting {
		return false, nil
	}
	return true, p.svc.complete(ctx, updated)
}

func ignoreClosed(err error) error {
	if errors.Is(err, ErrApprovalClosed) {
		return nil
	}
	return err
}
