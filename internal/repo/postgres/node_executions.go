package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

type NodeExecutionStore struct {
	db DB
}

const nodeExecutionColumns = `runtime_id, node_id, plan_execution_id, parent_id, previous_id, name, node_group, step_type,
	ambiance, status, failure_info, node_run_info, retry_index, old_retry, propagated_status, interrupt_effects,
	start_ts, end_ts, created_at, updated_at, version`

const (
	insertNodeExecutionQuery = `INSERT INTO node_executions (` + nodeExecutionColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$19,1)
	ON CONFLICT (runtime_id) DO NOTHING
	RETURNING ` + nodeExecutionColumns

	selectNodeExecutionQuery = `SELECT ` + nodeExecutionColumns + `
	 FROM node_executions
	 WHERE runtime_id = $1`

	listNodeExecutionsByPlanQuery = `SELECT ` + nodeExecutionColumns + `
	 FROM node_executions
	 WHERE plan_execution_id = $1
	 ORDER BY created_at ASC, runtime_id ASC`

	listNodeExecutionChildrenQuery = `SELECT ` + nodeExecutionColumns + `
	 FROM node_executions
	 WHERE parent_id = $1
	 ORDER BY created_at ASC, runtime_id ASC`

	updateNodeExecutionQuery = `UPDATE node_executions SET
		status = $2,
		failure_info = $3,
		node_run_info = $4,
		old_retry = $5,
		propagated_status = $6,
		interrupt_effects = $7,
		start_ts = $8,
		end_ts = $9,
		ambiance = $10,
		updated_at = now(),
		version = version + 1
	 WHERE runtime_id = $1 AND version = $11
	 RETURNING ` + nodeExecutionColumns

	listUnpropagatedNodeExecutionsQuery = `SELECT ` + nodeExecutionColumns + `
	 FROM node_executions
	 WHERE updated_at < $1
	   AND propagated_status <> status
	   AND (updated_at, runtime_id) > ($2, $3)
	 ORDER BY updated_at ASC, runtime_id ASC
	 LIMIT $4`

	listLiveNodeExecutionsQuery = `SELECT ` + nodeExecutionColumns + `
	 FROM node_executions
	 WHERE updated_at < $1
	   AND old_retry = false
	   AND status NOT IN ('SUCCEEDED','FAILED','ERRORED','ABORTED','SKIPPED','EXPIRED')
	   AND propagated_status = status
	   AND (updated_at, runtime_id) > ($2, $3)
	 ORDER BY updated_at ASC, runtime_id ASC
	 LIMIT $4`
)

func NewNodeExecutionStore(db DB) *NodeExecutionStore {
	if db == nil {
		return nil
	}
	return &NodeExecutionStore{db: db}
}

func (s *NodeExecutionStore) Create(ctx context.Context, node domain.NodeExecution) (domain.NodeExecution, error) {
	if s == nil || s.db == nil {
		return domain.NodeExecution{}, fmt.Errorf("node execution store not initialized")
	}
	if err := node.Validate(); err != nil {
		return domain.NodeExecution{}, err
	}
	args, err := nodeWriteArgs(node)
	if err != nil {
		return domain.NodeExecution{}, err
	}

	created, err := scanNodeExecution(s.db.QueryRowContext(
		ctx,
		insertNodeExecutionQuery,
		node.RuntimeID,
		node.NodeID,
		node.PlanExecutionID,
		nullIfEmpty(node.ParentID),
		nullIfEmpty(node.PreviousID),
		node.Name,
		node.Group,
		node.StepType,
		args.ambiance,
		string(node.Status),
		args.failureInfo,
		args.runInfo,
		node.RetryIndex,
		node.OldRetry,
		string(node.PropagatedStatus),
		args.effects,
		nullTime(node.StartTs),
		nullTime(node.EndTs),
		normalizeTime(node.CreatedAt),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NodeExecution{}, fmt.Errorf("node execution %s: %w", node.RuntimeID, repo.ErrAlreadyExists)
		}
		return domain.NodeExecution{}, fmt.Errorf("insert node execution: %w", err)
	}
	return created, nil
}

func (s *NodeExecutionStore) Get(ctx context.Context, runtimeID string) (domain.NodeExecution, error) {
	if s == nil || s.db == nil {
		return domain.NodeExecution{}, fmt.Errorf("node execution store not initialized")
	}
	runtimeID = strings.TrimSpace(runtimeID)
	if runtimeID == "" {
		return domain.NodeExecution{}, fmt.Errorf("runtime id is required")
	}
	node, err := scanNodeExecution(s.db.QueryRowContext(ctx, selectNodeExecutionQuery, runtimeID))
	if err != nil {
		return domain.NodeExecution{}, handleNotFound(err)
	}
	return node, nil
}

func (s *NodeExecutionStore) ListByPlan(ctx context.Context, planExecutionID string) ([]domain.NodeExecution, error) {
	planExecutionID = strings.TrimSpace(planExecutionID)
	if planExecutionID == "" {
		return nil, fmt.Errorf("plan execution id is required")
	}
	return s.list(ctx, listNodeExecutionsByPlanQuery, planExecutionID)
}

func (s *NodeExecutionStore) ListChildren(ctx context.Context, parentID string) ([]domain.NodeExecution, error) {
	parentID = strings.TrimSpace(parentID)
	if parentID == "" {
		return nil, fmt.Errorf("parent id is required")
	}
	return s.list(ctx, listNodeExecutionChildrenQuery, parentID)
}

func (s *NodeExecutionStore) UpdateIfVersion(ctx context.Context, node domain.NodeExecution, expectedVersion int64) (domain.NodeExecution, error) {
	if s == nil || s.db == nil {
		return domain.NodeExecution{}, fmt.Errorf("node execution store not initialized")
	}
	args, err := nodeWriteArgs(node)
	if err != nil {
		return domain.NodeExecution{}, err
	}
	updated, err := scanNodeExecution(s.db.QueryRowContext(
		ctx,
		updateNodeExecutionQuery,
		node.RuntimeID,
		string(node.Status),
		args.failureInfo,
		args.runInfo,
		node.OldRetry,
		string(node.PropagatedStatus),
		args.effects,
		nullTime(node.StartTs),
		nullTime(node.EndTs),
		args.ambiance,
		expectedVersion,
	))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.NodeExecution{}, fmt.Errorf("update node execution: %w", err)
	}
	// No row matched: either the node is gone or the version moved.
	if _, getErr := s.Get(ctx, node.RuntimeID); getErr != nil {
		return domain.NodeExecution{}, getErr
	}
	return domain.NodeExecution{}, fmt.Errorf("node execution %s expected version %d: %w", node.RuntimeID, expectedVersion, repo.ErrVersionConflict)
}

func (s *NodeExecutionStore) ListUnpropagated(ctx context.Context, before time.Time, after repo.Cursor, limit int) ([]domain.NodeExecution, error) {
	return s.page(ctx, listUnpropagatedNodeExecutionsQuery, before, after, limit)
}

func (s *NodeExecutionStore) ListLive(ctx context.Context, before time.Time, after repo.Cursor, limit int) ([]domain.NodeExecution, error) {
	return s.page(ctx, listLiveNodeExecutionsQuery, before, after, limit)
}

func (s *NodeExecutionStore) page(ctx context.Context, query string, before time.Time, after repo.Cursor, limit int) ([]domain.NodeExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx, query, before.UTC(), after.UpdatedAt.UTC(), after.RuntimeID, limit)
}

func (s *NodeExecutionStore) list(ctx context.Context, query string, args ...any) ([]domain.NodeExecution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("node execution store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list node executions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.NodeExecution, 0)
	for rows.Next() {
		node, err := scanNodeExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list node executions: %w", err)
	}
	return out, nil
}

type nodeArgs struct {
	ambiance    []byte
	failureInfo []byte
	runInfo     []byte
	effects     []byte
}

func nodeWriteArgs(node domain.NodeExecution) (nodeArgs, error) {
	var (
		out nodeArgs
		err error
	)
	if out.ambiance, err = encodeJSON(node.Ambiance, "{}"); err != nil {
		return nodeArgs{}, fmt.Errorf("marshal ambiance: %w", err)
	}
	if node.FailureInfo != nil {
		if out.failureInfo, err = encodeJSON(node.FailureInfo, "null"); err != nil {
			return nodeArgs{}, fmt.Errorf("marshal failure info: %w", err)
		}
	}
	if out.runInfo, err = encodeJSON(node.NodeRunInfo, "{}"); err != nil {
		return nodeArgs{}, fmt.Errorf("marshal run info: %w", err)
	}
	if out.effects, err = encodeJSON(node.InterruptEffects, "[]"); err != nil {
		return nodeArgs{}, fmt.Errorf("marshal interrupt effects: %w", err)
	}
	return out, nil
}

func scanNodeExecution(scanner rowScanner) (domain.NodeExecution, error) {
	var (
		node        domain.NodeExecution
		parentID    sql.NullString
		previousID  sql.NullString
		status      string
		propagated  string
		ambiance    []byte
		failureInfo []byte
		runInfo     []byte
		effects     []byte
		startTs     sql.NullTime
		endTs       sql.NullTime
	)
	if err := scanner.Scan(
		&node.RuntimeID,
		&node.NodeID,
		&node.PlanExecutionID,
		&parentID,
		&previousID,
		&node.Name,
		&node.Group,
		&node.StepType,
		&ambiance,
		&status,
		&failureInfo,
		&runInfo,
		&node.RetryIndex,
		&node.OldRetry,
		&propagated,
		&effects,
		&startTs,
		&endTs,
		&node.CreatedAt,
		&node.UpdatedAt,
		&node.Version,
	); err != nil {
		return domain.NodeExecution{}, err
	}
	node.ParentID = parentID.String
	node.PreviousID = previousID.String
	node.Status = domain.Status(status)
	node.PropagatedStatus = domain.Status(propagated)
	node.StartTs = timePtr(startTs)
	node.EndTs = timePtr(endTs)
	if err := decodeJSON(ambiance, &node.Ambiance); err != nil {
		return domain.NodeExecution{}, fmt.Errorf("decode ambiance: %w", err)
	}
	if len(failureInfo) > 0 && string(failureInfo) != "null" {
		node.FailureInfo = &domain.FailureInfo{}
		if err := decodeJSON(failureInfo, node.FailureInfo); err != nil {
			return domain.NodeExecution{}, fmt.Errorf("decode failure info: %w", err)
		}
	}
	if err := decodeJSON(runInfo, &node.NodeRunInfo); err != nil {
		return domain.NodeExecution{}, fmt.Errorf("decode run info: %w", err)
	}
	if err := decodeJSON(effects, &node.InterruptEffects); err != nil {
		return domain.NodeExecution{}, fmt.Errorf("decode interrupt effects: %w", err)
	}
	return node, nil
}
