package handlers

import (
	"net/http"

	"github.com/akmatori/riskwatch/internal/api"
	"github.com/akmatori/riskwatch/internal/database"
	"github.com/akmatori/riskwatch/internal/services"
)

// handleListExecutions handles GET /api/executions?status=&source=&alert_id=&policy_id=
func (h *APIHandler) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	policyID, err := api.QueryUint(r, "policy_id")
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := database.ExecutionStatus(q.Get("status"))
	switch status {
	case "", database.ExecutionStatusActive, database.ExecutionStatusResolved, database.ExecutionStatusCancelled:
	default:
		api.RespondError(w, http.StatusBadRequest, "status must be one of active, resolved, cancelled")
		return
	}
	params := api.ParsePagination(r)

	execs, total, err := h.engine.List(r.Context(), services.ExecutionFilter{
		Status:      status,
		AlertSource: q.Get("source"),
		AlertID:     q.Get("alert_id"),
		PolicyID:    policyID,
		Page:        params.Window(),
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondPaginated(w, api.ExecutionsToListItems(execs), params, total)
}

// handleGetExecution handles GET /api/executions/{uuid}
func (h *APIHandler) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.engine.Get(r.Context(), r.PathValue("uuid"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, exec)
}

// handleResolveExecution handles POST /api/executions/{uuid}/resolve
func (h *APIHandler) handleResolveExecution(w http.ResponseWriter, r *http.Request) {
	var req api.ResolveExecutionRequest
	if err := decodeOptional(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.ResolvedBy = actor(r, req.ResolvedBy)
	if !validateRequest(w, &req) {
		return
	}

	exec, err := h.engine.Resolve(r.Context(), r.PathValue("uuid"), req.ResolvedBy, h.now())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, exec)
}

// handleCancelExecution handles POST /api/executions/{uuid}/cancel
func (h *APIHandler) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	var req api.CancelExecutionRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	exec, err := h.engine.Cancel(r.Context(), r.PathValue("uuid"), req.Reason, h.now())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, exec)
}

// handleAssignExecution handles POST /api/executions/{uuid}/assign
func (h *APIHandler) handleAssignExecution(w http.ResponseWriter, r *http.Request) {
	var req api.AssignExecutionRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	exec, err := h.engine.Assign(r.Context(), r.PathValue("uuid"), req.AssignedTo, h.now())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, exec)
}

// handleAcknowledgeExecution handles POST /api/executions/{uuid}/acknowledge.
// Further levels stop; at the final level the execution resolves.
func (h *APIHandler) handleAcknowledgeExecution(w http.ResponseWriter, r *http.Request) {
	var req api.AcknowledgeRequest
	if err := decodeOptional(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.UserID = actor(r, req.UserID)
	if !validateRequest(w, &req) {
		return
	}

	exec, err := h.engine.Acknowledge(r.Context(), r.PathValue("uuid"), req.UserID, h.now())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, exec)
}
