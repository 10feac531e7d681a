package handlers

import (
	"net/http"

	"github.com/akmatori/riskwatch/internal/api"
	"github.com/akmatori/riskwatch/internal/services"
)

// handleListPolicies handles GET /api/policies?active=true
func (h *APIHandler) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.policies.ListPolicies(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, policies)
}

// handleCreatePolicy handles POST /api/policies. Level validation happens in
// the policy service and surfaces as 422.
func (h *APIHandler) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var in services.PolicyInput
	if err := api.DecodeJSON(r, &in); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	policy, err := h.policies.CreatePolicy(r.Context(), in)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.log.Infow("Escalation policy created", "policy", policy.Name, "by", actor(r, ""))
	api.RespondJSON(w, http.StatusCreated, policy)
}

// handleGetPolicy handles GET /api/policies/{id}
func (h *APIHandler) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	policy, err := h.policies.GetPolicy(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, policy)
}

// handleUpdatePolicy handles PUT /api/policies/{id}. Running executions keep
// the level snapshot they were started with.
func (h *APIHandler) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in services.PolicyInput
	if err := api.DecodeJSON(r, &in); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	policy, err := h.policies.UpdatePolicy(r.Context(), id, in)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.log.Infow("Escalation policy updated", "policy", policy.Name, "by", actor(r, ""))
	api.RespondJSON(w, http.StatusOK, policy)
}
