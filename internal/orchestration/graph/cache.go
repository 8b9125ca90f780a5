// Package graph maintains the per-plan orchestration graph read model.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/platform/env"
	"github.com/animus-labs/animus-orchestrator/internal/platform/objectstore"
	"github.com/animus-labs/animus-orchestrator/internal/platform/retry"
	"github.com/animus-labs/animus-orchestrator/internal/platform/telemetry"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

type Config struct {
	ArchiveGrace    time.Duration
	JanitorInterval time.Duration
	JanitorBatch    int
}

func ConfigFromEnv() (Config, error) {
	grace, err := env.Duration("ORCHESTRATOR_GRAPH_ARCHIVE_GRACE", time.Hour)
	if err != nil {
		return Config{}, err
	}
	interval, err := env.Duration("ORCHESTRATOR_GRAPH_JANITOR_INTERVAL", time.Minute)
	if err != nil {
		return Config{}, err
	}
	batch, err := env.Int("ORCHESTRATOR_GRAPH_JANITOR_BATCH", 100)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{ArchiveGrace: grace, JanitorInterval: interval, JanitorBatch: batch}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.ArchiveGrace < 0 {
		return errors.New("ORCHESTRATOR_GRAPH_ARCHIVE_GRACE must be >= 0")
	}
	if c.JanitorInterval <= 0 {
		return errors.New("ORCHESTRATOR_GRAPH_JANITOR_INTERVAL must be > 0")
	}
	if c.JanitorBatch <= 0 {
		return errors.New("ORCHESTRATOR_GRAPH_JANITOR_BATCH must be > 0")
	}
	return nil
}

type Options struct {
	Graphs   repo.GraphRepository
	Outcomes repo.OutcomeRepository
	// Archive keeps finished graphs after eviction. Nil disables archiving
	// and, with it, eviction.
	Archive objectstore.Store
	Retry   retry.Policy
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

type Cache struct {
	graphs   repo.GraphRepository
	outcomes repo.OutcomeRepository
	archive  objectstore.Store
	retry    retry.Policy
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
}

func New(opts Options) (*Cache, error) {
	if opts.Graphs == nil {
		return nil, errors.New("graph: repository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	return &Cache{
		graphs:   opts.Graphs,
		outcomes: opts.Outcomes,
		archive:  opts.Archive,
		retry:    policy,
		logger:   logger.With("component", "graph"),
		metrics:  opts.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (c *Cache) SetClock(now func() time.Time) { c.now = now }

func ArchiveKey(planExecutionID string) string {
	return "graphs/" + planExecutionID + ".json"
}

// Get returns the plan's graph, reading the archive once the live copy has
// been evicted. The first call for an unknown plan stores an empty graph.
func (c *Cache) Get(ctx context.Context, planExecutionID string) (domain.OrchestrationGraph, error) {
	g, order, err := c.load(ctx, planExecutionID)
	if err != nil {
		return domain.OrchestrationGraph{}, err
	}
	if order > 0 || g.ArchivedAt != nil {
		return g, nil
	}
	stored, err := c.Save(ctx, g)
	if errors.Is(err, repo.ErrStaleGraph) {
		// created concurrently
		return c.graphs.Get(ctx, planExecutionID)
	}
	return stored, err
}

// Save writes g when the stored order still equals g.CacheContextOrder.
func (c *Cache) Save(ctx context.Context, g domain.OrchestrationGraph) (domain.OrchestrationGraph, error) {
	if err := g.CheckConsistency(); err != nil {
		c.metrics.GraphWrite("invalid")
		return domain.OrchestrationGraph{}, fmt.Errorf("save graph %s: %w", g.PlanExecutionID, err)
	}
	stored, err := c.graphs.Save(ctx, g, g.CacheContextOrder)
	switch {
	case errors.Is(err, repo.ErrStaleGraph):
		c.metrics.GraphWrite("stale")
		return domain.OrchestrationGraph{}, err
	case err != nil:
		c.metrics.GraphWrite("error")
		return domain.OrchestrationGraph{}, fmt.Errorf("save graph %s: %w", g.PlanExecutionID, err)
	}
	c.metrics.GraphWrite("ok")
	return stored, nil
}

// ApplyNodeEvent merges the node's current state into its plan's graph.
// Outcomes are read only for terminal nodes.
func (c *Cache) ApplyNodeEvent(ctx context.Context, node domain.NodeExecution) error {
	var outcomes []domain.Outcome
	if node.Status.IsTerminal() && c.outcomes != nil {
		var err error
		outcomes, err = c.outcomes.FindAllByRuntimeID(ctx, node.PlanExecutionID, node.RuntimeID)
		if err != nil {
			return fmt.Errorf("load outcomes for %s: %w", node.RuntimeID, err)
		}
	}
	return c.update(ctx, node.PlanExecutionID, func(g *domain.OrchestrationGraph) bool {
		return Merge(g, node, outcomes)
	})
}

// ApplyPlanStatus copies plan-level fields into the graph. A finished plan
// is archived to object storage and becomes eligible for eviction.
func (c *Cache) ApplyPlanStatus(ctx context.Context, plan domain.PlanExecution) error {
	return c.update(ctx, plan.ID, func(g *domain.OrchestrationGraph) bool {
		changed := g.Status != plan.Status || !g.StartTs.Equal(plan.StartTs) || !sameTime(g.EndTs, plan.EndTs)
		g.Status = plan.Status
		g.StartTs = plan.StartTs
		if plan.EndTs != nil {
			end := *plan.EndTs
			g.EndTs = &end
		}
		if plan.Status.IsTerminal() && c.archive != nil && g.ArchivedAt == nil {
			now := c.now()
			g.ArchivedAt = &now
			changed = true
		}
		return changed
	})
}

func (c *Cache) update(ctx context.Context, planExecutionID string, apply func(*domain.OrchestrationGraph) bool) error {
	_, err := retry.Do(ctx, c.retry, retry.On(repo.ErrStaleGraph), func() (struct{}, error) {
		g, _, err := c.load(ctx, planExecutionID)
		if err != nil {
			return struct{}{}, err
		}
		if !apply(&g) {
			return struct{}{}, nil
		}
		if g.ArchivedAt != nil {
			if err := c.writeArchive(ctx, g); err != nil {
				return struct{}{}, err
			}
		}
		_, err = c.Save(ctx, g)
		return struct{}{}, err
	}, nil)
	if err != nil {
		return fmt.Errorf("update graph %s: %w", planExecutionID, err)
	}
	return nil
}

// load returns the stored graph, else the archived one, else a new empty
// graph. Archived and new graphs come back with order zero so the next
// save recreates the row.
func (c *Cache) load(ctx context.Context, planExecutionID string) (domain.OrchestrationGraph, int64, error) {
	g, err := c.graphs.Get(ctx, planExecutionID)
	if err == nil {
		return g, g.CacheContextOrder, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.OrchestrationGraph{}, 0, fmt.Errorf("load graph %s: %w", planExecutionID, err)
	}
	if archived, ok, err := c.readArchive(ctx, planExecutionID); err != nil {
		return domain.OrchestrationGraph{}, 0, err
	} else if ok {
		archived.CacheContextOrder = 0
		return archived, 0, nil
	}
	return domain.NewOrchestrationGraph(planExecutionID, c.now()), 0, nil
}

func (c *Cache) writeArchive(ctx context.Context, g domain.OrchestrationGraph) error {
	if c.archive == nil {
		return nil
	}
	raw, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode graph %s: %w", g.PlanExecutionID, err)
	}
	if err := c.archive.Put(ctx, ArchiveKey(g.PlanExecutionID), raw, "application/json"); err != nil {
		return fmt.Errorf("archive graph %s: %w", g.PlanExecutionID, err)
	}
	return nil
}

func (c *Cache) readArchive(ctx context.Context, planExecutionID string) (domain.OrchestrationGraph, bool, error) {
	if c.archive == nil {
		return domain.OrchestrationGraph{}, false, nil
	}
	raw, err := c.archive.Get(ctx, ArchiveKey(planExecutionID))
	if errors.Is(err, objectstore.ErrObjectNotFound) {
		return domain.OrchestrationGraph{}, false, nil
	}
	if err != nil {
		return domain.OrchestrationGraph{}, false, fmt.Errorf("read archived graph %s: %w", planExecutionID, err)
	}
	var g domain.OrchestrationGraph
	if err := json.Unmarshal(raw, &g); err != nil {
		return domain.OrchestrationGraph{}, false, fmt.Errorf("decode archived graph %s: %w", planExecutionID, err)
	}
	return g, true, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
