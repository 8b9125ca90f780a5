// Package api serves the orchestrator's HTTP control surface: plan start,
// interrupts, approvals, task-executor status reports and read models.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/approval"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/dispatch"
	"github.com/animus-labs/animus-orchestrator/internal/orchestration/interrupt"
	"github.com/animus-labs/animus-orchestrator/internal/platform/auth"
	"github.com/animus-labs/animus-orchestrator/internal/platform/httpserver"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
	"github.com/animus-labs/animus-orchestrator/internal/service/orchestrator"
)

type API struct {
	logger *slog.Logger
	svc    *orchestrator.Service
}

func New(logger *slog.Logger, svc *orchestrator.Service) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{logger: logger.With("component", "api"), svc: svc}
}

func (api *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/plans", api.handleStartPlan)
	mux.HandleFunc("GET /v1/plans/{planExecutionId}", api.handleGetPlan)
	mux.HandleFunc("GET /v1/plans/{planExecutionId}/graph", api.handleGetGraph)
	mux.HandleFunc("POST /v1/plans/{planExecutionId}/interrupts", api.handleRegisterInterrupt)
	mux.HandleFunc("GET /v1/interrupts/{interruptId}", api.handleGetInterrupt)

	mux.HandleFunc("GET /v1/node-executions/{runtimeId}", api.handleGetNode)
	mux.HandleFunc("POST /v1/node-executions/{runtimeId}/children", api.handleStartNode)
	mux.HandleFunc("POST /v1/node-executions/{runtimeId}/status", api.handleStatus)
	mux.HandleFunc("POST /v1/node-executions/{runtimeId}/approval", api.handleStartApproval)

	mux.HandleFunc("GET /v1/approvals/{approvalId}", api.handleGetApproval)
	mux.HandleFunc("POST /v1/approvals/{approvalId}/activities", api.handleSubmitApproval)

	mux.HandleFunc("POST /v1/admin/node-executions/{runtimeId}/redrive", api.handleRedrive)
}

type startPlanRequest struct {
	PlanExecutionID string            `json:"plan_execution_id,omitempty"`
	Scope           domain.Scope      `json:"scope"`
	RootNodeID      string            `json:"root_node_id"`
	Nodes           []domain.PlanNode `json:"nodes"`
}

type startPlanResponse struct {
	Plan planView `json:"plan"`
	Root nodeView `json:"root"`
}

func (api *API) handleStartPlan(w http.ResponseWriter, r *http.Request) {
	var req startPlanRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if len(req.Nodes) == 0 {
		httpserver.WriteError(w, r, http.StatusBadRequest, "nodes_required", "")
		return
	}
	plan, root, err := api.svc.StartPlan(r.Context(), orchestrator.StartPlanRequest{
		PlanExecutionID: req.PlanExecutionID,
		Scope:           req.Scope,
		Layout:          domain.NewPlanLayout(req.Nodes...),
		RootNodeID:      req.RootNodeID,
		TriggeredBy:     actor(r),
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, startPlanResponse{Plan: toPlanView(plan), Root: toNodeView(root)})
}

func (api *API) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := api.svc.GetPlanExecution(r.Context(), r.PathValue("planExecutionId"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toPlanView(plan))
}

func (api *API) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	g, err := api.svc.GetExecutionGraph(r.Context(), r.PathValue("planExecutionId"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, g)
}

type interruptRequest struct {
	Type            string `json:"type"`
	NodeExecutionID string `json:"node_execution_id,omitempty"`
}

func (api *API) handleRegisterInterrupt(w http.ResponseWriter, r *http.Request) {
	var req interruptRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	in, err := api.svc.RegisterInterrupt(r.Context(), orchestrator.InterruptRequest{
		PlanExecutionID: r.PathValue("planExecutionId"),
		NodeExecutionID: req.NodeExecutionID,
		Type:            req.Type,
		TriggeredBy:     actor(r),
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, toInterruptView(in))
}

func (api *API) handleGetInterrupt(w http.ResponseWriter, r *http.Request) {
	in, err := api.svc.GetInterrupt(r.Context(), r.PathValue("interruptId"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toInterruptView(in))
}

func (api *API) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := api.svc.GetNodeExecution(r.Context(), r.PathValue("runtimeId"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toNodeView(node))
}

type startNodeRequest struct {
	NodeID string `json:"node_id"`
}

func (api *API) handleStartNode(w http.ResponseWriter, r *http.Request) {
	var req startNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	node, err := api.svc.StartNode(r.Context(), r.PathValue("runtimeId"), req.NodeID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, toNodeView(node))
}

type statusRequest struct {
	Status      string              `json:"status"`
	FailureInfo *domain.FailureInfo `json:"failure_info,omitempty"`
	Outcomes    []domain.Outcome    `json:"outcomes,omitempty"`
}

func (api *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	result, err := api.svc.HandleStatusEvent(r.Context(), dispatch.Event{
		NodeExecutionID: r.PathValue("runtimeId"),
		Status:          domain.Status(req.Status),
		FailureInfo:     req.FailureInfo,
		Outcomes:        req.Outcomes,
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"result": result})
}

type startApprovalRequest struct {
	Type      string           `json:"type"`
	Approvers domain.Approvers `json:"approvers"`
	// Criteria is the YAML criteria document for CRITERIA approvals.
	Criteria       string `json:"criteria,omitempty"`
	TicketRef      string `json:"ticket_ref,omitempty"`
	TimeoutSeconds int64  `json:"timeout_seconds,omitempty"`
}

func (api *API) handleStartApproval(w http.ResponseWriter, r *http.Request) {
	var req startApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	start := approval.StartRequest{
		NodeExecutionID: r.PathValue("runtimeId"),
		Type:            domain.ApprovalType(strings.ToUpper(strings.TrimSpace(req.Type))),
		Approvers:       req.Approvers,
		TicketRef:       req.TicketRef,
		Timeout:         time.Duration(req.TimeoutSeconds) * time.Second,
		TriggeredBy:     actor(r),
	}
	if req.Criteria != "" {
		start.CriteriaSpec = []byte(req.Criteria)
	}
	instance, err := api.svc.StartApproval(r.Context(), start)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, toApprovalView(instance))
}

func (api *API) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	instance, err := api.svc.GetApproval(r.Context(), r.PathValue("approvalId"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toApprovalView(instance))
}

type activityRequest struct {
	Decision string            `json:"decision"`
	Comment  string            `json:"comment,omitempty"`
	Inputs   map[string]string `json:"inputs,omitempty"`
}

func (api *API) handleSubmitApproval(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	decision, err := domain.ParseApprovalDecision(req.Decision)
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_decision", err.Error())
		return
	}
	identity, _ := auth.IdentityFromContext(r.Context())
	instance, err := api.svc.SubmitApproval(r.Context(), r.PathValue("approvalId"), approval.Submission{
		Actor:    identity.Actor(),
		Groups:   identity.Roles,
		Decision: decision,
		Comment:  req.Comment,
		Inputs:   req.Inputs,
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toApprovalView(instance))
}

func (api *API) handleRedrive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("runtimeId")
	if err := api.svc.Redrive(r.Context(), id); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.logger.Info("node redriven", "node_execution_id", id, "actor", actor(r))
	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError maps orchestration errors onto status codes. Anything
// unrecognised is a 500 and is logged.
func (api *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found", "")
	case errors.Is(err, orchestrator.ErrInvalidRequest),
		errors.Is(err, orchestrator.ErrUnknownNode),
		errors.Is(err, interrupt.ErrInvalidTarget),
		errors.Is(err, approval.ErrInvalidRequest):
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, approval.ErrNotApprover):
		httpserver.WriteError(w, r, http.StatusForbidden, "not_an_approver", err.Error())
	case errors.Is(err, interrupt.ErrPlanFinished),
		errors.Is(err, approval.ErrApprovalClosed),
		errors.Is(err, approval.ErrAlreadyActed),
		errors.Is(err, approval.ErrWrongType),
		errors.Is(err, approval.ErrNodeNotRunning):
		httpserver.WriteError(w, r, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, repo.ErrVersionConflict):
		httpserver.WriteError(w, r, http.StatusConflict, "version_conflict", "")
	default:
		api.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "")
	}
}

func actor(r *http.Request) string {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return ""
	}
	return identity.Actor()
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}
