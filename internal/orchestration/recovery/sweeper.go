// Package recovery finishes work that crashed or failed dispatches left
// behind.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/platform/env"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

type Config struct {
	Interval time.Duration
	// StaleAfter is how long a node must go untouched before it is
	// redriven.
	StaleAfter time.Duration
	Batch      int
}

func ConfigFromEnv() (Config, error) {
	interval, err := env.Duration("ORCHESTRATOR_RECOVERY_INTERVAL", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	stale, err := env.Duration("ORCHESTRATOR_RECOVERY_STALE_AFTER", 2*time.Minute)
	if err != nil {
		return Config{}, err
	}
	batch, err := env.Int("ORCHESTRATOR_RECOVERY_BATCH", 100)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{Interval: interval, StaleAfter: stale, Batch: batch}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("ORCHESTRATOR_RECOVERY_INTERVAL must be > 0")
	}
	if c.StaleAfter <= 0 {
		return errors.New("ORCHESTRATOR_RECOVERY_STALE_AFTER must be > 0")
	}
	if c.Batch <= 0 {
		return errors.New("ORCHESTRATOR_RECOVERY_BATCH must be > 0")
	}
	return nil
}

type Redriver interface {
	Redrive(ctx context.Context, runtimeID string) error
}

// Settler completes nodes parked on a decision that was already taken,
// such as a finalized approval.
type Settler interface {
	Settle(ctx context.Context, node domain.NodeExecution) error
}

type Sweeper struct {
	nodes    repo.NodeExecutionRepository
	redriver Redriver
	settlers []Settler
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	// positions carried across sweeps; a short page wraps back to the start
	owedFrom repo.Cursor
	liveFrom repo.Cursor
}

func NewSweeper(nodes repo.NodeExecutionRepository, redriver Redriver, cfg Config, logger *slog.Logger, settlers ...Settler) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		nodes:    nodes,
		redriver: redriver,
		settlers: settlers,
		cfg:      cfg,
		logger:   logger.With("component", "recovery"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

func (s *Sweeper) Run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("recovery sweep failed", "err", err)
			}
			if n > 0 {
				s.logger.Info("recovery sweep", "nodes", n)
			}
		}
	}
}

// Sweep redrives one page of nodes that still owe side effects and one
// page of live nodes, and returns how many it visited. Each kind is paged
// separately so long-lived healthy nodes cannot crowd out owed ones. A
// failing node does not stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	before := s.now().Add(-s.cfg.StaleAfter)
	owed, err := s.nodes.ListUnpropagated(ctx, before, s.owedFrom, s.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("list unpropagated nodes: %w", err)
	}
	live, err := s.nodes.ListLive(ctx, before, s.liveFrom, s.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("list live nodes: %w", err)
	}
	s.owedFrom = nextCursor(owed, s.cfg.Batch)
	s.liveFrom = nextCursor(live, s.cfg.Batch)

	visit := append(owed, live...)
	var errs []error
	for _, n := range visit {
		if ctx.Err() != nil {
			break
		}
		if err := s.redrive(ctx, n); err != nil {
			s.logger.Warn("redrive failed", "node_execution_id", n.RuntimeID, "status", n.Status, "err", err)
			errs = append(errs, err)
		}
	}
	return len(visit), errors.Join(errs...)
}

func nextCursor(page []domain.NodeExecution, limit int) repo.Cursor {
	if len(page) < limit {
		return repo.Cursor{}
	}
	return repo.CursorOf(page[len(page)-1])
}

func (s *Sweeper) redrive(ctx context.Context, n domain.NodeExecution) error {
	for _, settler := range s.settlers {
		if err := settler.Settle(ctx, n); err != nil {
			return fmt.Errorf("settle %s: %w", n.RuntimeID, err)
		}
	}
	if err := s.redriver.Redrive(ctx, n.RuntimeID); err != nil {
		return fmt.Errorf("redrive %s: %w", n.RuntimeID, err)
	}
	return nil
}
