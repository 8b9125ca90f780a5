package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

// Janitor evicts live graphs that were archived longer than the grace
// period ago. Reads fall back to the archive afterwards.
type Janitor struct {
	graphs repo.GraphRepository
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewJanitor(graphs repo.GraphRepository, cfg Config, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		graphs: graphs,
		cfg:    cfg,
		logger: logger.With("component", "graph_janitor"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := j.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				j.logger.Error("graph eviction failed", "err", err)
			} else if n > 0 {
				j.logger.Info("archived graphs evicted", "count", n)
			}
		}
	}
}

// Sweep evicts one batch and returns how many graphs were removed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	ids, err := j.graphs.ListArchivedBefore(ctx, j.now().Add(-j.cfg.ArchiveGrace), j.cfg.JanitorBatch)
	if err != nil {
		return 0, fmt.Errorf("list archived graphs: %w", err)
	}
	for i, id := range ids {
		if err := j.graphs.Delete(ctx, id); err != nil {
			return i, fmt.Errorf("evict graph %s: %w", id, err)
		}
	}
	return len(ids), nil
}
