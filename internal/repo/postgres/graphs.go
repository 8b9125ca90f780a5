package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

type GraphStore struct {
	db DB
}

const (
	selectGraphQuery = `SELECT graph, cache_context_order
	 FROM orchestration_graphs
	 WHERE plan_execution_id = $1`

	insertGraphQuery = `INSERT INTO orchestration_graphs (plan_execution_id, graph, cache_context_order, archived_at, updated_at)
	 VALUES ($1, $2, 1, $3, now())
	 ON CONFLICT (plan_execution_id) DO NOTHING`

	casGraphQuery = `UPDATE orchestration_graphs SET
		graph = $2,
		cache_context_order = cache_context_order + 1,
		archived_at = $3,
		updated_at = now()
	 WHERE plan_execution_id = $1 AND cache_context_order = $4`

	deleteGraphQuery = `DELETE FROM orchestration_graphs WHERE plan_execution_id = $1`

	listArchivedGraphsQuery = `SELECT plan_execution_id
	 FROM orchestration_graphs
	 WHERE archived_at IS NOT NULL AND archived_at < $1
	 ORDER BY archived_at ASC
	 LIMIT $2`
)

func NewGraphStore(db DB) *GraphStore {
	if db == nil {
		return nil
	}
	return &GraphStore{db: db}
}

func (s *GraphStore) Get(ctx context.Context, planExecutionID string) (domain.OrchestrationGraph, error) {
	if s == nil || s.db == nil {
		return domain.OrchestrationGraph{}, fmt.Errorf("graph store not initialized")
	}
	var (
		raw   []byte
		order int64
	)
	if err := s.db.QueryRowContext(ctx, selectGraphQuery, planExecutionID).Scan(&raw, &order); err != nil {
		return domain.OrchestrationGraph{}, handleNotFound(err)
	}
	var graph domain.OrchestrationGraph
	if err := json.Unmarshal(raw, &graph); err != nil {
		return domain.OrchestrationGraph{}, fmt.Errorf("decode graph: %w", err)
	}
	graph.CacheContextOrder = order
	return graph, nil
}

// Save stores graph when the row still carries expectedOrder. The stored
// order column is authoritative; the JSON copy is informational.
func (s *GraphStore) Save(ctx context.Context, graph domain.OrchestrationGraph, expectedOrder int64) (domain.OrchestrationGraph, error) {
	if s == nil || s.db == nil {
		return domain.OrchestrationGraph{}, fmt.Errorf("graph store not initialized")
	}
	next := graph.Clone()
	next.CacheContextOrder = expectedOrder + 1
	raw, err := json.Marshal(next)
	if err != nil {
		return domain.OrchestrationGraph{}, fmt.Errorf("marshal graph: %w", err)
	}

	var res sql.Result
	if expectedOrder == 0 {
		res, err = s.db.ExecContext(ctx, insertGraphQuery, graph.PlanExecutionID, raw, nullTime(graph.ArchivedAt))
	} else {
		res, err = s.db.ExecContext(ctx, casGraphQuery, graph.PlanExecutionID, raw, nullTime(graph.ArchivedAt), expectedOrder)
	}
	if err != nil {
		return domain.OrchestrationGraph{}, fmt.Errorf("save graph: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.OrchestrationGraph{}, fmt.Errorf("save graph: %w", err)
	}
	if affected == 0 {
		return domain.OrchestrationGraph{}, fmt.Errorf("graph %s at order %d: %w", graph.PlanExecutionID, expectedOrder, repo.ErrStaleGraph)
	}
	return next, nil
}

func (s *GraphStore) Delete(ctx context.Context, planExecutionID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("graph store not initialized")
	}
	if _, err := s.db.ExecContext(ctx, deleteGraphQuery, planExecutionID); err != nil {
		return fmt.Errorf("delete graph: %w", err)
	}
	return nil
}

func (s *GraphStore) ListArchivedBefore(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("graph store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, listArchivedGraphsQuery, before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list archived graphs: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan archived graph: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list archived graphs: %w", err)
	}
	return out, nil
}
