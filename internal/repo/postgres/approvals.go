package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

type ApprovalStore struct {
	db DB
}

const approvalColumns = `approval_id, node_execution_id, plan_execution_id, ambiance, approval_type, status, deadline,
	approvers, criteria_spec, ticket_ref, triggered_by, activities, created_at, updated_at, version`

const (
	insertApprovalQuery = `INSERT INTO approval_instances (` + approvalColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now(),now(),1)
	ON CONFLICT DO NOTHING
	RETURNING ` + approvalColumns

	selectApprovalQuery = `SELECT ` + approvalColumns + `
	 FROM approval_instances
	 WHERE approval_id = $1`

	selectApprovalByNodeQuery = `SELECT ` + approvalColumns + `
	 FROM approval_instances
	 WHERE node_execution_id = $1`

	updateApprovalQuery = `UPDATE approval_instances SET
		status = $2,
		activities = $3,
		updated_at = now(),
		version = version + 1
	 WHERE approval_id = $1 AND version = $4
	 RETURNING ` + approvalColumns

	listWaitingApprovalsQuery = `SELECT ` + approvalColumns + `
	 FROM approval_instances
	 WHERE status = 'WAITING'
	 ORDER BY deadline ASC
	 LIMIT $1`
)

func NewApprovalStore(db DB) *ApprovalStore {
	if db == nil {
		return nil
	}
	return &ApprovalStore{db: db}
}

func (s *ApprovalStore) Create(ctx context.Context, instance domain.ApprovalInstance) (domain.ApprovalInstance, error) {
	if s == nil || s.db == nil {
		return domain.ApprovalInstance{}, fmt.Errorf("approval store not initialized")
	}
	if err := instance.Validate(); err != nil {
		return domain.ApprovalInstance{}, err
	}
	id := strings.TrimSpace(instance.ID)
	if id == "" {
		id = uuid.NewString()
	}
	ambiance, err := encodeJSON(instance.Ambiance, "{}")
	if err != nil {
		return domain.ApprovalInstance{}, fmt.Errorf("marshal ambiance: %w", err)
	}
	approvers, err := encodeJSON(instance.Approvers, "{}")
	if err != nil {
		return domain.ApprovalInstance{}, fmt.Errorf("marshal approvers: %w", err)
	}
	activities, err := encodeJSON(instance.Activities, "[]")
	if err != nil {
		return domain.ApprovalInstance{}, fmt.Errorf("marshal activities: %w", err)
	}
	created, err := scanApproval(s.db.QueryRowContext(
		ctx,
		insertApprovalQuery,
		id,
		instance.NodeExecutionID,
		instance.PlanExecutionID,
		ambiance,
		string(instance.Type),
		string(instance.Status),
		instance.Deadline.UTC(),
		approvers,
		instance.CriteriaSpec,
		instance.TicketRef,
		instance.TriggeredBy,
		activities,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ApprovalInstance{}, fmt.Errorf("approval for node %s: %w", instance.NodeExecutionID, repo.ErrAlreadyExists)
		}
		return domain.ApprovalInstance{}, fmt.Errorf("insert approval: %w", err)
	}
	return created, nil
}

func (s *ApprovalStore) Get(ctx context.Context, id string) (domain.ApprovalInstance, error) {
	return s.getOne(ctx, selectApprovalQuery, id)
}

func (s *ApprovalStore) GetByNode(ctx context.Context, nodeExecutionID string) (domain.ApprovalInstance, error) {
	return s.getOne(ctx, selectApprovalByNodeQuery, nodeExecutionID)
}

func (s *ApprovalStore) UpdateIfVersion(ctx context.Context, instance domain.ApprovalInstance, expectedVersion int64) (domain.ApprovalInstance, error) {
	if s == nil || s.db == nil {
		return domain.ApprovalInstance{}, fmt.Errorf("approval store not initialized")
	}
	activities, err := encodeJSON(instance.Activities, "[]")
	if err != nil {
		return domain.ApprovalInstance{}, fmt.Errorf("marshal activities: %w", err)
	}
	updated, err := scanApproval(s.db.QueryRowContext(ctx, updateApprovalQuery, instance.ID, string(instance.Status), activities, expectedVersion))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.ApprovalInstance{}, fmt.Errorf("update approval: %w", err)
	}
	if _, getErr := s.Get(ctx, instance.ID); getErr != nil {
		return domain.ApprovalInstance{}, getErr
	}
	return domain.ApprovalInstance{}, fmt.Errorf("approval %s: %w", instance.ID, repo.ErrVersionConflict)
}

func (s *ApprovalStore) ListWaiting(ctx context.Context, limit int) ([]domain.ApprovalInstance, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("approval store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, listWaitingApprovalsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ApprovalInstance, 0)
	for rows.Next() {
		instance, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	return out, nil
}

func (s *ApprovalStore) getOne(ctx context.Context, query, key string) (domain.ApprovalInstance, error) {
	if s == nil || s.db == nil {
		return domain.ApprovalInstance{}, fmt.Errorf("approval store not initialized")
	}
	instance, err := scanApproval(s.db.QueryRowContext(ctx, query, strings.TrimSpace(key)))
	if err != nil {
		return domain.ApprovalInstance{}, handleNotFound(err)
	}
	return instance, nil
}

func scanApproval(scanner rowScanner) (domain.ApprovalInstance, error) {
	var (
		instance   domain.ApprovalInstance
		kind       string
		status     string
		ambiance   []byte
		approvers  []byte
		activities []byte
	)
	if err := scanner.Scan(
		&instance.ID,
		&instance.NodeExecutionID,
		&instance.PlanExecutionID,
		&ambiance,
		&kind,
		&status,
		&instance.Deadline,
		&approvers,
		&instance.CriteriaSpec,
		&instance.TicketRef,
		&instance.TriggeredBy,
		&activities,
		&instance.CreatedAt,
		&instance.UpdatedAt,
		&instance.Version,
	); err != nil {
		return domain.ApprovalInstance{}, err
	}
	instance.Type = domain.ApprovalType(kind)
	instance.Status = domain.ApprovalStatus(status)
	if err := decodeJSON(ambiance, &instance.Ambiance); err != nil {
		return domain.ApprovalInstance{}, fmt.Errorf("decode ambiance: %w", err)
	}
	if err := decodeJSON(approvers, &instance.Approvers); err != nil {
		return domain.ApprovalInstance{}, fmt.Errorf("decode approvers: %w", err)
	}
	if err := decodeJSON(activities, &instance.Activities); err != nil {
		return domain.ApprovalInstance{}, fmt.Errorf("decode activities: %w", err)
	}
	return instance, nil
}
