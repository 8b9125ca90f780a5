package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

type PlanExecutionStore struct {
	db DB
}

const planExecutionColumns = `plan_execution_id, status, ambiance, triggered_by, layout, start_ts, end_ts, updated_at, version`

const (
	insertPlanExecutionQuery = `INSERT INTO plan_executions (` + planExecutionColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,now(),1)
	ON CONFLICT (plan_execution_id) DO NOTHING
	RETURNING ` + planExecutionColumns

	selectPlanExecutionQuery = `SELECT ` + planExecutionColumns + `
	 FROM plan_executions
	 WHERE plan_execution_id = $1`

	updatePlanExecutionQuery = `UPDATE plan_executions SET
		status = $2,
		end_ts = $3,
		updated_at = now(),
		version = version + 1
	 WHERE plan_execution_id = $1 AND version = $4
	 RETURNING ` + planExecutionColumns
)

func NewPlanExecutionStore(db DB) *PlanExecutionStore {
	if db == nil {
		return nil
	}
	return &PlanExecutionStore{db: db}
}

func (s *PlanExecutionStore) Create(ctx context.Context, plan domain.PlanExecution) (domain.PlanExecution, error) {
	if s == nil || s.db == nil {
		return domain.PlanExecution{}, fmt.Errorf("plan execution store not initialized")
	}
	if err := plan.Validate(); err != nil {
		return domain.PlanExecution{}, err
	}
	ambiance, err := encodeJSON(plan.Ambiance, "{}")
	if err != nil {
		return domain.PlanExecution{}, fmt.Errorf("marshal ambiance: %w", err)
	}
	layout, err := encodeJSON(plan.Layout, `{"nodes":{}}`)
	if err != nil {
		return domain.PlanExecution{}, fmt.Errorf("marshal layout: %w", err)
	}
	created, err := scanPlanExecution(s.db.QueryRowContext(
		ctx,
		insertPlanExecutionQuery,
		plan.ID,
		string(plan.Status),
		ambiance,
		strings.TrimSpace(plan.TriggeredBy),
		layout,
		normalizeTime(plan.StartTs),
		nullTime(plan.EndTs),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PlanExecution{}, fmt.Errorf("plan execution %s: %w", plan.ID, repo.ErrAlreadyExists)
		}
		return domain.PlanExecution{}, fmt.Errorf("insert plan execution: %w", err)
	}
	return created, nil
}

func (s *PlanExecutionStore) Get(ctx context.Context, id string) (domain.PlanExecution, error) {
	if s == nil || s.db == nil {
		return domain.PlanExecution{}, fmt.Errorf("plan execution store not initialized")
	}
	plan, err := scanPlanExecution(s.db.QueryRowContext(ctx, selectPlanExecutionQuery, strings.TrimSpace(id)))
	if err != nil {
		return domain.PlanExecution{}, handleNotFound(err)
	}
	return plan, nil
}

func (s *PlanExecutionStore) UpdateIfVersion(ctx context.Context, plan domain.PlanExecution, expectedVersion int64) (domain.PlanExecution, error) {
	if s == nil || s.db == nil {
		return domain.PlanExecution{}, fmt.Errorf("plan execution store not initialized")
	}
	updated, err := scanPlanExecution(s.db.QueryRowContext(
		ctx,
		updatePlanExecutionQuery,
		plan.ID,
		string(plan.Status),
		nullTime(plan.EndTs),
		expectedVersion,
	))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.PlanExecution{}, fmt.Errorf("update plan execution: %w", err)
	}
	if _, getErr := s.Get(ctx, plan.ID); getErr != nil {
		return domain.PlanExecution{}, getErr
	}
	return domain.PlanExecution{}, fmt.Errorf("plan execution %s: %w", plan.ID, repo.ErrVersionConflict)
}

func scanPlanExecution(scanner rowScanner) (domain.PlanExecution, error) {
	var (
		plan     domain.PlanExecution
		status   string
		ambiance []byte
		layout   []byte
		endTs    sql.NullTime
	)
	if err := scanner.Scan(
		&plan.ID,
		&status,
		&ambiance,
		&plan.TriggeredBy,
		&layout,
		&plan.StartTs,
		&endTs,
		&plan.UpdatedAt,
		&plan.Version,
	); err != nil {
		return domain.PlanExecution{}, err
	}
	plan.Status = domain.Status(status)
	plan.EndTs = timePtr(endTs)
	if err := decodeJSON(ambiance, &plan.Ambiance); err != nil {
		return domain.PlanExecution{}, fmt.Errorf("decode ambiance: %w", err)
	}
	if err := decodeJSON(layout, &plan.Layout); err != nil {
		return domain.PlanExecution{}, fmt.Errorf("decode layout: %w", err)
	}
	return plan, nil
}
