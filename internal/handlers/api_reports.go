package handlers

import (
	"net/http"

	"github.com/akmatori/riskwatch/internal/api"
	"github.com/akmatori/riskwatch/internal/database"
	"github.com/akmatori/riskwatch/internal/services"
)

// handleSLAScan handles POST /api/sla/scan. A store failure rolls the cycle
// back and answers 503.
func (h *APIHandler) handleSLAScan(w http.ResponseWriter, r *http.Request) {
	if h.scanner == nil {
		api.RespondError(w, http.StatusServiceUnavailable, "SLA scanner is not running")
		return
	}
	summary, err := h.scanner.Scan(r.Context(), h.now())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, summary)
}

// handleEscalationReport handles GET /api/reports/escalations?policy_id=&source=&from=&to=
func (h *APIHandler) handleEscalationReport(w http.ResponseWriter, r *http.Request) {
	policyID, err := api.QueryUint(r, "policy_id")
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	source := r.URL.Query().Get("source")
	switch source {
	case "", database.AlertSourceMetric, database.AlertSourceIncident:
	default:
		api.RespondError(w, http.StatusBadRequest, "source must be metric or incident")
		return
	}
	from, err := api.QueryTime(r, "from")
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := api.QueryTime(r, "to")
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		api.RespondError(w, http.StatusBadRequest, "from must be before to")
		return
	}

	summary, err := h.reports.GetSummary(r.Context(),
		services.ReportScope{PolicyID: policyID, AlertSource: source},
		services.TimeRange{From: from, To: to})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, summary)
}
