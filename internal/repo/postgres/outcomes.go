package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

type OutcomeStore struct {
	db DB
}

const (
	upsertOutcomeQuery = `INSERT INTO node_outcomes (plan_execution_id, runtime_id, name, value)
	 VALUES ($1, $2, $3, $4)
	 ON CONFLICT (plan_execution_id, runtime_id, name) DO UPDATE SET value = EXCLUDED.value`

	listOutcomesQuery = `SELECT name, value
	 FROM node_outcomes
	 WHERE plan_execution_id = $1 AND runtime_id = $2
	 ORDER BY created_at ASC, name ASC`
)

func NewOutcomeStore(db DB) *OutcomeStore {
	if db == nil {
		return nil
	}
	return &OutcomeStore{db: db}
}

func (s *OutcomeStore) FindAllByRuntimeID(ctx context.Context, planExecutionID, runtimeID string) ([]domain.Outcome, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("outcome store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listOutcomesQuery, strings.TrimSpace(planExecutionID), strings.TrimSpace(runtimeID))
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Outcome, 0)
	for rows.Next() {
		var outcome domain.Outcome
		if err := rows.Scan(&outcome.Name, &outcome.Value); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, outcome)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	return out, nil
}

func (s *OutcomeStore) Save(ctx context.Context, planExecutionID, runtimeID string, outcomes []domain.Outcome) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("outcome store not initialized")
	}
	for _, outcome := range outcomes {
		name := strings.TrimSpace(outcome.Name)
		if name == "" {
			return fmt.Errorf("outcome name is required")
		}
		value := []byte(outcome.Value)
		if len(value) == 0 {
			value = []byte("null")
		}
		if _, err := s.db.ExecContext(ctx, upsertOutcomeQuery, planExecutionID, runtimeID, name, value); err != nil {
			return fmt.Errorf("save outcome %s: %w", name, err)
		}
	}
	return nil
}
