package handlers

import (
	"net/http"

	"github.com/akmatori/riskwatch/internal/api"
	"github.com/akmatori/riskwatch/internal/services"
)

// handleListBreaches handles GET /api/breaches?metric_id=&breach_type=&unacknowledged=true
func (h *APIHandler) handleListBreaches(w http.ResponseWriter, r *http.Request) {
	metricID, err := api.QueryUint(r, "metric_id")
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	params := api.ParsePagination(r)

	list, total, err := h.breaches.List(r.Context(), services.BreachFilter{
		MetricID:       metricID,
		BreachType:     r.URL.Query().Get("breach_type"),
		Unacknowledged: r.URL.Query().Get("unacknowledged") == "true",
		Page:           params.Window(),
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondPaginated(w, api.BreachesToListItems(list), params, total)
}

// handleGetBreach handles GET /api/breaches/{uuid}
func (h *APIHandler) handleGetBreach(w http.ResponseWriter, r *http.Request) {
	n, err := h.breaches.Get(r.Context(), r.PathValue("uuid"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, n)
}

// handleAcknowledgeBreach handles POST /api/breaches/{uuid}/acknowledge.
// Acknowledging a notification does not resolve its escalation.
func (h *APIHandler) handleAcknowledgeBreach(w http.ResponseWriter, r *http.Request) {
	var req api.AcknowledgeRequest
	if err := decodeOptional(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.UserID = actor(r, req.UserID)
	if !validateRequest(w, &req) {
		return
	}

	n, err := h.breaches.Acknowledge(r.Context(), r.PathValue("uuid"), req.UserID, h.now())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, n)
}
