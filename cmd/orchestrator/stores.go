package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-orchestrator/internal/platform/auditlog"
	"github.com/animus-labs/animus-orchestrator/internal/platform/env"
	"github.com/animus-labs/animus-orchestrator/internal/platform/httpserver"
	"github.com/animus-labs/animus-orchestrator/internal/platform/postgres"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
	"github.com/animus-labs/animus-orchestrator/internal/repo/memory"
	repopg "github.com/animus-labs/animus-orchestrator/internal/repo/postgres"
)

const (
	storeMemory   = "memory"
	storePostgres = "postgres"
)

type stores struct {
	nodes      repo.NodeExecutionRepository
	plans      repo.PlanExecutionRepository
	interrupts repo.InterruptRepository
	graphs     repo.GraphRepository
	outcomes   repo.OutcomeRepository
	approvals  repo.ApprovalRepository
	audit      auditlog.Recorder
	checks     []httpserver.ReadinessCheck

	// db is nil for the memory store.
	db    *sql.DB
	close func() error
}

func storeKind() (string, error) {
	kind := strings.ToLower(env.String("ORCHESTRATOR_STORE", storePostgres))
	switch kind {
	case storeMemory, storePostgres:
		return kind, nil
	default:
		return "", fmt.Errorf("ORCHESTRATOR_STORE must be %s or %s, got %q", storeMemory, storePostgres, kind)
	}
}

func openStores(ctx context.Context, kind string) (stores, error) {
	if kind == storeMemory {
		return memoryStores(), nil
	}
	cfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return stores{}, fmt.Errorf("database config: %w", err)
	}
	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		return stores{}, fmt.Errorf("database unavailable: %w", err)
	}
	return postgresStores(db), nil
}

func memoryStores() stores {
	return stores{
		nodes:      memory.NewNodeExecutions(),
		plans:      memory.NewPlanExecutions(),
		interrupts: memory.NewInterrupts(),
		graphs:     memory.NewGraphs(),
		outcomes:   memory.NewOutcomes(),
		approvals:  memory.NewApprovals(),
		audit:      &auditlog.MemoryRecorder{},
		close:      func() error { return nil },
	}
}

func postgresStores(db *sql.DB) stores {
	return stores{
		nodes:      repopg.NewNodeExecutionStore(db),
		plans:      repopg.NewPlanExecutionStore(db),
		interrupts: repopg.NewInterruptStore(db),
		graphs:     repopg.NewGraphStore(db),
		outcomes:   repopg.NewOutcomeStore(db),
		approvals:  repopg.NewApprovalStore(db),
		audit:      auditlog.SQLRecorder{DB: db},
		checks: []httpserver.ReadinessCheck{
			{Name: "postgres", Check: db.PingContext},
		},
		db:    db,
		close: db.Close,
	}
}
