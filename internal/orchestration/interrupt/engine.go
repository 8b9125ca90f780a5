// Package interrupt registers control operations on running plans and
// applies them one plan at a time.
package interrupt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/events"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/advise"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/dispatch"
	"github.com/animus-labs/animus-orchestrator/internal/platform/retry"
	"github.com/animus-labs/animus-orchestrator/internal/platform/telemetry"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

var (
	// ErrInterruptProcessing marks an interrupt that could not be fully
	// applied. The interrupt is recorded PROCESSED_UNSUCCESSFULLY.
	ErrInterruptProcessing = errors.New("interrupt processing failed")
	ErrPlanFinished        = errors.New("plan execution already finished")
	ErrInvalidTarget       = errors.New("invalid interrupt target")
	// ErrClaimLost means another instance took the plan over mid-apply. The
	// interrupt is left PROCESSING for the new owner to finish.
	ErrClaimLost = errors.New("plan claim lost")
)

// Dispatcher is the part of the status dispatcher the engine drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev dispatch.Event) (dispatch.Result, error)
	RetryNode(ctx context.Context, node domain.NodeExecution, effect *domain.InterruptEffect) (domain.NodeExecution, error)
}

type Options struct {
	Interrupts repo.InterruptRepository
	Nodes      repo.NodeExecutionRepository
	Plans      repo.PlanExecutionRepository
	Dispatcher Dispatcher
	Starter    advise.TaskStarter
	Canceller  advise.TaskCanceller
	Events     events.Publisher
	Retry      retry.Policy
	Config     Config
	Logger     *slog.Logger
}

type Engine struct {
	interrupts repo.InterruptRepository
	nodes      repo.NodeExecutionRepository
	plans      repo.PlanExecutionRepository
	dispatcher Dispatcher
	starter    advise.TaskStarter
	canceller  advise.TaskCanceller
	events     events.Publisher
	retry      retry.Policy
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	queue   chan string
	running atomic.Bool

	mu sync.Mutex
	// inflight maps plans being processed here to their claim token.
	inflight map[string]int64
}

func New(opts Options) (*Engine, error) {
	if opts.Interrupts == nil || opts.Nodes == nil || opts.Plans == nil || opts.Dispatcher == nil {
		return nil, errors.New("interrupt: repositories and dispatcher are required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "interrupt")
	e := &Engine{
		interrupts: opts.Interrupts,
		nodes:      opts.Nodes,
		plans:      opts.Plans,
		dispatcher: opts.Dispatcher,
		starter:    opts.Starter,
		canceller:  opts.Canceller,
		events:     opts.Events,
		retry:      opts.Retry,
		cfg:        opts.Config,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		queue:      make(chan string, opts.Config.QueueSize),
		inflight:   map[string]int64{},
	}
	fallback := advise.LoggingStarter{Logger: logger}
	if e.starter == nil {
		e.starter = fallback
	}
	if e.canceller == nil {
		e.canceller = fallback
	}
	if e.events == nil {
		e.events = events.Discard{}
	}
	if e.retry.MaxAttempts == 0 {
		e.retry = retry.DefaultPolicy()
	}
	return e, nil
}

func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Register validates and stores the interrupt and queues its plan for
// processing. It returns the interrupt id.
func (e *Engine) Register(ctx context.Context, in domain.Interrupt) (string, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.State = domain.InterruptRegistered
	in.Error = ""
	in.AffectedNodeIDs = nil
	in.ProcessedAt = nil
	if err := in.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}

	plan, err := e.plans.Get(ctx, in.PlanExecutionID)
	if err != nil {
		return "", fmt.Errorf("load plan %s: %w", in.PlanExecutionID, err)
	}
	if plan.Status.IsTerminal() {
		return "", fmt.Errorf("plan %s is %s: %w", plan.ID, plan.Status, ErrPlanFinished)
	}
	if in.TargetNodeExecutionID != "" {
		target, err := e.nodes.Get(ctx, in.TargetNodeExecutionID)
		if err != nil {
			return "", fmt.Errorf("load target %s: %w", in.TargetNodeExecutionID, err)
		}
		if target.PlanExecutionID != plan.ID {
			return "", fmt.Errorf("%w: node %s is not part of plan %s", ErrInvalidTarget, target.RuntimeID, plan.ID)
		}
	}

	stored, err := e.interrupts.Create(ctx, in)
	if err != nil {
		return "", fmt.Errorf("register interrupt: %w", err)
	}
	e.logger.Info("interrupt registered",
		"interrupt_id", stored.ID,
		"type", stored.Type,
		"plan_execution_id", stored.PlanExecutionID,
		"target", stored.TargetNodeExecutionID,
		"triggered_by", stored.TriggeredBy,
	)
	e.enqueue(stored.PlanExecutionID)
	return stored.ID, nil
}

// IsControllerRunning reports whether Run is active in this process.
func (e *Engine) IsControllerRunning() bool { return e.running.Load() }

// Run consumes queued plans with Config.Workers workers and periodically
// scans for plans with pending interrupts, including those registered by
// other instances. It returns when ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("interrupt engine already running")
	}
	defer e.running.Store(false)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case planID := <-e.queue:
					if err := e.ProcessPlan(ctx, planID); err != nil && ctx.Err() == nil {
						e.logger.Error("interrupt processing failed", "plan_execution_id", planID, "err", err)
					}
				}
			}
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(e.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			e.scan(ctx)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	return g.Wait()
}

func (e *Engine) scan(ctx context.Context) {
	plans, err := e.interrupts.ListPlansWithPending(ctx, e.cfg.ScanBatch)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("scan pending interrupts failed", "err", err)
		}
		return
	}
	for _, id := range plans {
		e.enqueue(id)
	}
}

// enqueue never blocks; a full queue is drained by the next scan.
func (e *Engine) enqueue(planID string) {
	select {
	case e.queue <- planID:
	default:
	}
}

// ProcessPlan applies the plan's pending interrupts in registration order
// while holding the plan's processing claim. The claim is renewed before
// every node write; a claim held or taken over by another instance is not
// an error.
func (e *Engine) ProcessPlan(ctx context.Context, planID string) error {
	if !e.begin(planID) {
		return nil
	}
	defer e.end(planID)

	token, err := e.interrupts.ClaimPlan(ctx, planID, e.cfg.Owner, e.cfg.ClaimTTL)
	if err != nil {
		if errors.Is(err, repo.ErrClaimHeld) {
			e.logger.Debug("plan claimed elsewhere", "plan_execution_id", planID)
			return nil
		}
		return fmt.Errorf("claim plan %s: %w", planID, err)
	}
	e.setToken(planID, token)
	defer func() {
		if err := e.interrupts.ReleasePlan(context.WithoutCancel(ctx), planID, e.cfg.Owner, token); err != nil {
			e.logger.Warn("release plan claim failed", "plan_execution_id", planID, "err", err)
		}
	}()

	err = e.drain(ctx, planID)
	if errors.Is(err, ErrClaimLost) {
		e.logger.Warn("plan taken over by another instance", "plan_execution_id", planID, "err", err)
		return nil
	}
	return err
}

func (e *Engine) drain(ctx context.Context, planID string) error {
	for {
		in, err := e.interrupts.NextPending(ctx, planID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("next interrupt for %s: %w", planID, err)
		}
		if err := e.process(ctx, in); err != nil {
			return err
		}
		if err := e.renew(ctx, planID); err != nil {
			return err
		}
	}
}

// renew extends the claim taken by ProcessPlan. It fails with ErrClaimLost
// once any other instance has claimed the plan since.
func (e *Engine) renew(ctx context.Context, planID string) error {
	e.mu.Lock()
	token := e.inflight[planID]
	e.mu.Unlock()
	if err := e.interrupts.RenewPlan(ctx, planID, e.cfg.Owner, token, e.cfg.ClaimTTL); err != nil {
		if errors.Is(err, repo.ErrClaimHeld) {
			return fmt.Errorf("%w: %w", ErrClaimLost, err)
		}
		return fmt.Errorf("renew claim on %s: %w", planID, err)
	}
	return nil
}

func (e *Engine) begin(planID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[planID]; busy {
		return false
	}
	e.inflight[planID] = 0
	return true
}

func (e *Engine) setToken(planID string, token int64) {
	e.mu.Lock()
	e.inflight[planID] = token
	e.mu.Unlock()
}

func (e *Engine) end(planID string) {
	e.mu.Lock()
	delete(e.inflight, planID)
	e.mu.Unlock()
}

// process moves one interrupt through PROCESSING to a final state. Apply
// failures are recorded on the interrupt; only bookkeeping failures are
// returned.
func (e *Engine) process(ctx context.Context, in domain.Interrupt) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "interrupt.process",
		attribute.String("interrupt_id", in.ID),
		attribute.String("type", string(in.Type)),
		attribute.String("plan_execution_id", in.PlanExecutionID),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	if in.State == domain.InterruptRegistered {
		started := in.Clone()
		started.State = domain.InterruptProcessing
		in, err = e.interrupts.UpdateState(ctx, started, domain.InterruptRegistered)
		if err != nil {
			return fmt.Errorf("start interrupt %s: %w", started.ID, err)
		}
	}

	applyErr := e.apply(ctx, in)
	if errors.Is(applyErr, ErrClaimLost) {
		return applyErr
	}
	affected, err := e.affected(ctx, in)
	if err != nil {
		return err
	}

	done := in.Clone()
	now := e.now()
	done.ProcessedAt = &now
	done.AffectedNodeIDs = affected
	done.State = domain.InterruptProcessedSuccessfully
	if applyErr != nil {
		done.State = domain.InterruptProcessedUnsuccessfully
		done.Error = applyErr.Error()
		e.logger.Error("interrupt failed",
			"interrupt_id", in.ID,
			"type", in.Type,
			"plan_execution_id", in.PlanExecutionID,
			"affected", len(affected),
			"err", applyErr,
		)
	}
	done, err = e.interrupts.UpdateState(ctx, done, domain.InterruptProcessing)
	if err != nil {
		return fmt.Errorf("finish interrupt %s: %w", in.ID, err)
	}

	e.events.Publish(ctx, events.Event{
		ID:              string(events.InterruptProcessed) + ":" + done.ID,
		Kind:            events.InterruptProcessed,
		PlanExecutionID: done.PlanExecutionID,
		NodeExecutionID: done.TargetNodeExecutionID,
		InterruptID:     done.ID,
		Actor:           done.TriggeredBy,
		At:              now,
		Attrs: map[string]any{
			"type":     string(done.Type),
			"state":    string(done.State),
			"affected": len(done.AffectedNodeIDs),
			"error":    done.Error,
		},
	})
	return nil
}

// affected lists the nodes that carry this interrupt's effect.
func (e *Engine) affected(ctx context.Context, in domain.Interrupt) ([]string, error) {
	all, err := e.nodes.ListByPlan(ctx, in.PlanExecutionID)
	if err != nil {
		return nil, fmt.Errorf("list nodes of plan %s: %w", in.PlanExecutionID, err)
	}
	var out []string
	for _, n := range all {
		if n.HasInterruptEffect(in.ID) {
			out = append(out, n.RuntimeID)
		}
	}
	return out, nil
}
