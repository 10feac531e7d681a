package handlers

import (
	"net/http"

	"github.com/akmatori/riskwatch/internal/api"
	"github.com/akmatori/riskwatch/internal/database"
	"github.com/akmatori/riskwatch/internal/services"
)

// handleListIncidents handles GET /api/incidents?status=&page=&per_page=
func (h *APIHandler) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	params := api.ParsePagination(r)
	status := database.IncidentStatus(r.URL.Query().Get("status"))

	incidents, total, err := h.incidents.ListIncidents(r.Context(), status, params.Window())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondPaginated(w, incidents, params, total)
}

// handleCreateIncident handles POST /api/incidents
func (h *APIHandler) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var req api.CreateIncidentRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	in := services.IncidentInput{
		Title:              req.Title,
		Description:        req.Description,
		Severity:           database.IncidentSeverity(req.Severity),
		ReportedBy:         actor(r, req.ReportedBy),
		SLAMinutes:         req.SLAMinutes,
		EscalationPolicyID: req.EscalationPolicyID,
		Context:            database.JSONB(req.Context),
	}
	if req.ReportedAt != nil {
		in.ReportedAt = req.ReportedAt.UTC()
	}

	incident, err := h.incidents.CreateIncident(r.Context(), in, h.now())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusCreated, incident)
}

// handleGetIncident handles GET /api/incidents/{uuid}
func (h *APIHandler) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	incident, err := h.incidents.GetIncident(r.Context(), r.PathValue("uuid"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, incident)
}

// handleAcknowledgeIncident handles POST /api/incidents/{uuid}/acknowledge.
// The SLA deadline is unaffected.
func (h *APIHandler) handleAcknowledgeIncident(w http.ResponseWriter, r *http.Request) {
	incident, err := h.incidents.AcknowledgeIncident(r.Context(), r.PathValue("uuid"), h.now())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, incident)
}

// handleResolveIncident handles POST /api/incidents/{uuid}/resolve. An active
// SLA escalation for the incident is resolved with it.
func (h *APIHandler) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	var req api.ResolveIncidentRequest
	if err := decodeOptional(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.ResolvedBy = actor(r, req.ResolvedBy)
	if !validateRequest(w, &req) {
		return
	}

	incident, err := h.incidents.ResolveIncident(r.Context(), r.PathValue("uuid"), req.ResolvedBy, h.now())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, incident)
}
