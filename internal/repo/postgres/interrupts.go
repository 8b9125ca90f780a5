package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

type InterruptStore struct {
	db DB
}

const interruptColumns = `interrupt_id, seq, interrupt_type, plan_execution_id, target_node_execution_id, state,
	triggered_by, error, affected_node_ids, created_at, processed_at`

const (
	insertInterruptQuery = `INSERT INTO interrupts (
		interrupt_id, interrupt_type, plan_execution_id, target_node_execution_id, state, triggered_by, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (interrupt_id) DO NOTHING
	RETURNING ` + interruptColumns

	selectInterruptQuery = `SELECT ` + interruptColumns + `
	 FROM interrupts
	 WHERE interrupt_id = $1`

	listInterruptsByPlanQuery = `SELECT ` + interruptColumns + `
	 FROM interrupts
	 WHERE plan_execution_id = $1
	 ORDER BY seq ASC`

	nextPendingInterruptQuery = `SELECT ` + interruptColumns + `
	 FROM interrupts
	 WHERE plan_execution_id = $1 AND state IN ('REGISTERED','PROCESSING')
	 ORDER BY seq ASC
	 LIMIT 1`

	updateInterruptStateQuery = `UPDATE interrupts SET
		state = $2,
		error = $3,
		affected_node_ids = $4,
		processed_at = $5
	 WHERE interrupt_id = $1 AND state = $6
	 RETURNING ` + interruptColumns

	listPlansWithPendingQuery = `SELECT DISTINCT plan_execution_id
	 FROM interrupts
	 WHERE state IN ('REGISTERED','PROCESSING')
	 ORDER BY plan_execution_id
	 LIMIT $1`

	claimPlanQuery = `INSERT INTO interrupt_claims (plan_execution_id, owner, expires_at, token)
	 VALUES ($1, $2, now() + $3::bigint * interval '1 millisecond', 1)
	 ON CONFLICT (plan_execution_id) DO UPDATE
	   SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at, token = interrupt_claims.token + 1
	   WHERE interrupt_claims.expires_at <= now() OR interrupt_claims.owner = EXCLUDED.owner
	 RETURNING token`

	renewPlanQuery = `UPDATE interrupt_claims
	 SET expires_at = now() + $4::bigint * interval '1 millisecond'
	 WHERE plan_execution_id = $1 AND owner = $2 AND token = $3
	 RETURNING token`

	// release keeps the row so the next claim still advances the token.
	releasePlanQuery = `UPDATE interrupt_claims SET expires_at = now()
	 WHERE plan_execution_id = $1 AND owner = $2 AND token = $3`
)

func NewInterruptStore(db DB) *InterruptStore {
	if db == nil {
		return nil
	}
	return &InterruptStore{db: db}
}

func (s *InterruptStore) Create(ctx context.Context, interrupt domain.Interrupt) (domain.Interrupt, error) {
	if s == nil || s.db == nil {
		return domain.Interrupt{}, fmt.Errorf("interrupt store not initialized")
	}
	if err := interrupt.Validate(); err != nil {
		return domain.Interrupt{}, err
	}
	id := strings.TrimSpace(interrupt.ID)
	if id == "" {
		id = uuid.NewString()
	}
	state := interrupt.State
	if state == "" {
		state = domain.InterruptRegistered
	}
	created, err := scanInterrupt(s.db.QueryRowContext(
		ctx,
		insertInterruptQuery,
		id,
		string(interrupt.Type),
		interrupt.PlanExecutionID,
		nullIfEmpty(interrupt.TargetNodeExecutionID),
		string(state),
		strings.TrimSpace(interrupt.TriggeredBy),
		normalizeTime(interrupt.CreatedAt),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Interrupt{}, fmt.Errorf("interrupt %s: %w", id, repo.ErrAlreadyExists)
		}
		return domain.Interrupt{}, fmt.Errorf("insert interrupt: %w", err)
	}
	return created, nil
}

func (s *InterruptStore) Get(ctx context.Context, id string) (domain.Interrupt, error) {
	if s == nil || s.db == nil {
		return domain.Interrupt{}, fmt.Errorf("interrupt store not initialized")
	}
	interrupt, err := scanInterrupt(s.db.QueryRowContext(ctx, selectInterruptQuery, strings.TrimSpace(id)))
	if err != nil {
		return domain.Interrupt{}, handleNotFound(err)
	}
	return interrupt, nil
}

func (s *InterruptStore) ListByPlan(ctx context.Context, planExecutionID string) ([]domain.Interrupt, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("interrupt store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listInterruptsByPlanQuery, strings.TrimSpace(planExecutionID))
	if err != nil {
		return nil, fmt.Errorf("list interrupts: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Interrupt, 0)
	for rows.Next() {
		interrupt, err := scanInterrupt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, interrupt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list interrupts: %w", err)
	}
	return out, nil
}

func (s *InterruptStore) NextPending(ctx context.Context, planExecutionID string) (domain.Interrupt, error) {
	if s == nil || s.db == nil {
		return domain.Interrupt{}, fmt.Errorf("interrupt store not initialized")
	}
	interrupt, err := scanInterrupt(s.db.QueryRowContext(ctx, nextPendingInterruptQuery, strings.TrimSpace(planExecutionID)))
	if err != nil {
		return domain.Interrupt{}, handleNotFound(err)
	}
	return interrupt, nil
}

func (s *InterruptStore) UpdateState(ctx context.Context, interrupt domain.Interrupt, from domain.InterruptState) (domain.Interrupt, error) {
	if s == nil || s.db == nil {
		return domain.Interrupt{}, fmt.Errorf("interrupt store not initialized")
	}
	affected, err := encodeJSON(interrupt.AffectedNodeIDs, "[]")
	if err != nil {
		return domain.Interrupt{}, fmt.Errorf("marshal affected nodes: %w", err)
	}
	updated, err := scanInterrupt(s.db.QueryRowContext(
		ctx,
		updateInterruptStateQuery,
		interrupt.ID,
		string(interrupt.State),
		nullIfEmpty(interrupt.Error),
		affected,
		nullTime(interrupt.ProcessedAt),
		string(from),
	))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Interrupt{}, fmt.Errorf("update interrupt: %w", err)
	}
	if _, getErr := s.Get(ctx, interrupt.ID); getErr != nil {
		return domain.Interrupt{}, getErr
	}
	return domain.Interrupt{}, fmt.Errorf("interrupt %s not in state %s: %w", interrupt.ID, from, repo.ErrVersionConflict)
}

func (s *InterruptStore) ListPlansWithPending(ctx context.Context, limit int) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("interrupt store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, listPlansWithPendingQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending plans: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending plan: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending plans: %w", err)
	}
	return out, nil
}

func (s *InterruptStore) ClaimPlan(ctx context.Context, planExecutionID, owner string, ttl time.Duration) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("interrupt store not initialized")
	}
	var token int64
	err := s.db.QueryRowContext(ctx, claimPlanQuery, planExecutionID, owner, ttl.Milliseconds()).Scan(&token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("plan %s: %w", planExecutionID, repo.ErrClaimHeld)
		}
		return 0, fmt.Errorf("claim plan: %w", err)
	}
	return token, nil
}

func (s *InterruptStore) RenewPlan(ctx context.Context, planExecutionID, owner string, token int64, ttl time.Duration) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("interrupt store not initialized")
	}
	var current int64
	err := s.db.QueryRowContext(ctx, renewPlanQuery, planExecutionID, owner, token, ttl.Milliseconds()).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("plan %s token %d: %w", planExecutionID, token, repo.ErrClaimHeld)
		}
		return fmt.Errorf("renew plan claim: %w", err)
	}
	return nil
}

func (s *InterruptStore) ReleasePlan(ctx context.Context, planExecutionID, owner string, token int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("interrupt store not initialized")
	}
	if _, err := s.db.ExecContext(ctx, releasePlanQuery, planExecutionID, owner, token); err != nil {
		return fmt.Errorf("release plan: %w", err)
	}
	return nil
}

func scanInterrupt(scanner rowScanner) (domain.Interrupt, error) {
	var (
		interrupt   domain.Interrupt
		kind        string
		state       string
		target      sql.NullString
		errText     sql.NullString
		affected    []byte
		processedAt sql.NullTime
	)
	if err := scanner.Scan(
		&interrupt.ID,
		&interrupt.Seq,
		&kind,
		&interrupt.PlanExecutionID,
		&target,
		&state,
		&interrupt.TriggeredBy,
		&errText,
		&affected,
		&interrupt.CreatedAt,
		&processedAt,
	); err != nil {
		return domain.Interrupt{}, err
	}
	interrupt.Type = domain.InterruptType(kind)
	interrupt.State = domain.InterruptState(state)
	interrupt.TargetNodeExecutionID = target.String
	interrupt.Error = errText.String
	interrupt.ProcessedAt = timePtr(processedAt)
	if err := decodeJSON(affected, &interrupt.AffectedNodeIDs); err != nil {
		return domain.Interrupt{}, fmt.Errorf("decode affected nodes: %w", err)
	}
	return interrupt, nil
}
