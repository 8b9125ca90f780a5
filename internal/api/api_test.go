package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/advise"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/approval"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/dispatch"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/graph"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/interrupt"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/nodes"
	"github.com/animus-labs/animus-orchestrator/internal/platform/auth"
	"github.com/animus-labs/animus-orchestrator/internal/platform/httpserver"
	"github.com/animus-labs/animus-orchestrator/internal/platform/retry"
	"github.com/animus-labs/animus-orchestrator/internal/repo/memory"
	"github.com/animus-labs/animus-orchestrator/internal/service/orchestrator"
)

var fastRetry = retry.Policy{MaxAttempts: 5, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

// headerAuthenticator picks the identity named by the X-Test-User header.
type headerAuthenticator map[string]auth.Identity

func (a headerAuthenticator) Authenticate(_ context.Context, r *http.Request) (auth.Identity, error) {
	identity, ok := a[r.Header.Get("X-Test-User")]
	if !ok {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	return identity, nil
}

var users = headerAuthenticator{
	"viewer":   {Subject: "v-1", Email: "viewer@example.com", Roles: []string{auth.RoleViewer}},
	"operator": {Subject: "o-1", Email: "ops@example.com", Roles: []string{auth.RoleOperator, "release"}},
	"admin":    {Subject: "a-1", Roles: []string{auth.RoleAdmin}},
}

type server struct {
	t      *testing.T
	h      http.Handler
	engine *interrupt.Engine
}

func newServer(t *testing.T) *server {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	nodeStore := memory.NewNodeExecutions()
	plans := memory.NewPlanExecutions()
	interrupts := memory.NewInterrupts()
	approvals := memory.NewApprovals()
	tasks := &advise.Recorder{}

	cache, err := graph.New(graph.Options{Graphs: memory.NewGraphs(), Outcomes: memory.NewOutcomes(), Retry: fastRetry, Logger: logger})
	require.NoError(t, err)
	d, err := dispatch.New(dispatch.Options{
		Nodes:     nodeStore,
		Plans:     plans,
		Outcomes:  memory.NewOutcomes(),
		Updater:   nodes.NewUpdater(nodeStore, fastRetry, logger, nil),
		Graph:     cache,
		Starter:   tasks,
		Canceller: tasks,
		Retry:     fastRetry,
		Logger:    logger,
	})
	require.NoError(t, err)
	engine, err := interrupt.New(interrupt.Options{
		Interrupts: interrupts,
		Nodes:      nodeStore,
		Plans:      plans,
		Dispatcher: d,
		Starter:    tasks,
		Canceller:  tasks,
		Retry:      fastRetry,
		Config:     interrupt.Config{Owner: "api-test", ClaimTTL: time.Minute, ScanInterval: time.Second, ScanBatch: 10, Workers: 1, QueueSize: 8},
		Logger:     logger,
	})
	require.NoError(t, err)
	approvalSvc, err := approval.New(approval.Options{
		Approvals:  approvals,
		Nodes:      nodeStore,
		Dispatcher: d,
		Retry:      fastRetry,
		Config:     approval.Config{PollInterval: time.Second, PollBatch: 10, DefaultTimeout: time.Hour},
		Logger:     logger,
	})
	require.NoError(t, err)
	svc, err := orchestrator.New(orchestrator.Options{
		Nodes:      nodeStore,
		Plans:      plans,
		Interrupts: interrupts,
		Approvals:  approvals,
		Dispatcher: d,
		Engine:     engine,
		Graph:      cache,
		Approval:   approvalSvc,
		Logger:     logger,
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	New(logger, svc).Register(mux)
	mw := auth.Middleware{Logger: logger, Authenticator: users, Authorize: auth.MethodRoleAuthorizer()}
	return &server{t: t, h: httpserver.Wrap(logger, "orchestrator", mw.Wrap(mux)), engine: engine}
}

func (s *server) do(user, method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Test-User", user)
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func planBody() map[string]any {
	return map[string]any{
		"plan_execution_id": "plan-1",
		"scope":             map[string]any{"account_id": "acct"},
		"root_node_id":      "pipeline",
		"nodes": []map[string]any{
			{"node_id": "pipeline", "name": "pipeline", "group": domain.GroupPipeline},
			{"node_id": "deploy", "name": "deploy", "group": domain.GroupStage},
			{"node_id": "rollout", "name": "rollout", "group": domain.GroupStep, "step_type": "K8sRollout"},
			{"node_id": "gate", "name": "gate", "group": domain.GroupStep, "step_type": "HarnessApproval"},
		},
	}
}

// running starts plan-1 and runs pipeline -> deploy -> leaf.
func (s *server) running(leaf string) (root, stage, step nodeView) {
	s.t.Helper()
	rec := s.do("operator", http.MethodPost, "/v1/plans", planBody())
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	root = decode[startPlanResponse](s.t, rec).Root

	rec = s.do("operator", http.MethodPost, "/v1/node-executions/"+root.RuntimeID+"/status", map[string]any{"status": "RUNNING"})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do("operator", http.MethodPost, "/v1/node-executions/"+root.RuntimeID+"/children", map[string]any{"node_id": "deploy"})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	stage = decode[nodeView](s.t, rec)
	rec = s.do("operator", http.MethodPost, "/v1/node-executions/"+stage.RuntimeID+"/children", map[string]any{"node_id": leaf})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	step = decode[nodeView](s.t, rec)
	rec = s.do("operator", http.MethodPost, "/v1/node-executions/"+step.RuntimeID+"/status", map[string]any{"status": "RUNNING"})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return root, stage, step
}

func TestStartPlanRecordsCaller(t *testing.T) {
	s := newServer(t)
	rec := s.do("operator", http.MethodPost, "/v1/plans", planBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got := decode[startPlanResponse](t, rec)
	assert.Equal(t, "plan-1", got.Plan.ID)
	assert.Equal(t, domain.StatusRunning, got.Plan.Status)
	assert.Equal(t, "ops@example.com", got.Plan.TriggeredBy)
	assert.Equal(t, domain.StatusQueued, got.Root.Status)
	assert.Equal(t, "acct", got.Root.Ambiance.Scope().AccountID)

	rec = s.do("viewer", http.MethodGet, "/v1/plans/plan-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "plan-1", decode[planView](t, rec).ID)
}

func TestAbortAllThroughAPI(t *testing.T) {
	s := newServer(t)
	_, _, step := s.running("rollout")

	rec := s.do("operator", http.MethodPost, "/v1/plans/plan-1/interrupts", map[string]any{"type": "ABORT_ALL"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	in := decode[interruptView](t, rec)
	assert.Equal(t, domain.InterruptRegistered, in.State)
	assert.Equal(t, "ops@example.com", in.TriggeredBy)

	require.NoError(t, s.engine.ProcessPlan(context.Background(), "plan-1"))

	rec = s.do("viewer", http.MethodGet, "/v1/interrupts/"+in.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	processed := decode[interruptView](t, rec)
	assert.Equal(t, domain.InterruptProcessedSuccessfully, processed.State)
	assert.Len(t, processed.AffectedNodeIDs, 3)

	rec = s.do("viewer", http.MethodGet, "/v1/node-executions/"+step.RuntimeID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.StatusAborted, decode[nodeView](t, rec).Status)

	rec = s.do("viewer", http.MethodGet, "/v1/plans/plan-1", nil)
	assert.Equal(t, domain.StatusAborted, decode[planView](t, rec).Status)

	rec = s.do("viewer", http.MethodGet, "/v1/plans/plan-1/graph", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	g := decode[domain.OrchestrationGraph](t, rec)
	assert.Len(t, g.Vertices, 3)
	assert.Equal(t, domain.StatusAborted, g.Vertices[step.RuntimeID].Status)

	rec = s.do("operator", http.MethodPost, "/v1/plans/plan-1/interrupts", map[string]any{"type": "PAUSE_ALL"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestApprovalThroughAPI(t *testing.T) {
	s := newServer(t)
	_, _, gate := s.running("gate")

	rec := s.do("operator", http.MethodPost, "/v1/node-executions/"+gate.RuntimeID+"/approval", map[string]any{
		"type":      "user",
		"approvers": map[string]any{"minimum_count": 1, "user_groups": []string{"release"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	instance := decode[approvalView](t, rec)
	assert.Equal(t, domain.ApprovalWaiting, instance.Status)
	assert.Empty(t, instance.Activities)

	rec = s.do("admin", http.MethodPost, "/v1/approvals/"+instance.ID+"/activities", map[string]any{"decision": "APPROVE"})
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = s.do("operator", http.MethodPost, "/v1/approvals/"+instance.ID+"/activities", map[string]any{"decision": "approve", "comment": "ship it"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.ApprovalApproved, decode[approvalView](t, rec).Status)

	rec = s.do("viewer", http.MethodGet, "/v1/node-executions/"+gate.RuntimeID, nil)
	assert.Equal(t, domain.StatusSucceeded, decode[nodeView](t, rec).Status)

	rec = s.do("operator", http.MethodPost, "/v1/approvals/"+instance.ID+"/activities", map[string]any{"decision": "REJECT"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do("viewer", http.MethodGet, "/v1/approvals/"+instance.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[approvalView](t, rec).Activities, 1)
}

func TestErrorMapping(t *testing.T) {
	s := newServer(t)
	_, _, step := s.running("rollout")

	cases := []struct {
		name   string
		user   string
		method string
		path   string
		body   any
		status int
	}{
		{"unknown plan", "viewer", http.MethodGet, "/v1/plans/nope", nil, http.StatusNotFound},
		{"unknown node", "viewer", http.MethodGet, "/v1/node-executions/nope", nil, http.StatusNotFound},
		{"unknown approval", "viewer", http.MethodGet, "/v1/approvals/nope", nil, http.StatusNotFound},
		{"unknown interrupt type", "operator", http.MethodPost, "/v1/plans/plan-1/interrupts", map[string]any{"type": "EXPLODE"}, http.StatusBadRequest},
		{"targeted without target", "operator", http.MethodPost, "/v1/plans/plan-1/interrupts", map[string]any{"type": "RETRY"}, http.StatusBadRequest},
		{"unknown field", "operator", http.MethodPost, "/v1/plans/plan-1/interrupts", map[string]any{"kind": "ABORT_ALL"}, http.StatusBadRequest},
		{"unknown status", "operator", http.MethodPost, "/v1/node-executions/" + step.RuntimeID + "/status", map[string]any{"status": "DONE"}, http.StatusBadRequest},
		{"unknown layout node", "operator", http.MethodPost, "/v1/node-executions/" + step.RuntimeID + "/children", map[string]any{"node_id": "nope"}, http.StatusBadRequest},
		{"approval without approvers", "operator", http.MethodPost, "/v1/node-executions/" + step.RuntimeID + "/approval", map[string]any{"type": "USER"}, http.StatusBadRequest},
		{"bad decision", "operator", http.MethodPost, "/v1/approvals/x/activities", map[string]any{"decision": "MAYBE"}, http.StatusBadRequest},
		{"viewer cannot write", "viewer", http.MethodPost, "/v1/plans/plan-1/interrupts", map[string]any{"type": "ABORT_ALL"}, http.StatusForbidden},
		{"anonymous", "", http.MethodGet, "/v1/plans/plan-1", nil, http.StatusUnauthorized},
		{"operator cannot redrive", "operator", http.MethodPost, "/v1/admin/node-executions/" + step.RuntimeID + "/redrive", nil, http.StatusForbidden},
		{"admin redrive", "admin", http.MethodPost, "/v1/admin/node-executions/" + step.RuntimeID + "/redrive", nil, http.StatusNoContent},
		{"stale status dropped", "operator", http.MethodPost, "/v1/node-executions/" + step.RuntimeID + "/status", map[string]any{"status": "QUEUED"}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(tc.user, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			if rec.Code >= 400 && rec.Code != http.StatusUnauthorized && rec.Code != http.StatusForbidden {
				body := decode[map[string]any](t, rec)
				assert.NotEmpty(t, body["request_id"])
			}
		})
	}
}

func TestStatusReportCarriesFailure(t *testing.T) {
	s := newServer(t)
	root, stage, step := s.running("rollout")

	rec := s.do("operator", http.MethodPost, "/v1/node-executions/"+step.RuntimeID+"/status", map[string]any{
		"status":       "FAILED",
		"failure_info": map[string]any{"message": "rollout timed out", "failure_types": []string{"TIMEOUT"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "applied", decode[map[string]any](t, rec)["result"])

	for _, id := range []string{step.RuntimeID, stage.RuntimeID, root.RuntimeID} {
		rec = s.do("viewer", http.MethodGet, "/v1/node-executions/"+id, nil)
		assert.Equal(t, domain.StatusFailed, decode[nodeView](t, rec).Status, id)
	}
	rec = s.do("viewer", http.MethodGet, "/v1/node-executions/"+step.RuntimeID, nil)
	got := decode[nodeView](t, rec)
	require.NotNil(t, got.FailureInfo)
	assert.Equal(t, []string{"TIMEOUT"}, got.FailureInfo.FailureTypes)
}
