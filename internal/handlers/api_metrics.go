package handlers

import (
	"net/http"

	"github.com/akmatori/riskwatch/internal/api"
	"github.com/akmatori/riskwatch/internal/services"
	"github.com/akmatori/riskwatch/internal/variance"
)

// handleListMetrics handles GET /api/metrics
func (h *APIHandler) handleListMetrics(w http.ResponseWriter, r *http.Request) {
	list, err := h.metrics.ListMetrics(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, list)
}

// handleCreateMetric handles POST /api/metrics
func (h *APIHandler) handleCreateMetric(w http.ResponseWriter, r *http.Request) {
	var req api.CreateMetricRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	metric, err := h.metrics.DefineMetric(r.Context(), services.MetricInput{
		Name:        req.Name,
		Description: req.Description,
		Unit:        req.Unit,
		ToleranceBand: variance.ToleranceBand{
			AppetiteThreshold:  req.AppetiteThreshold,
			WarningPercentage:  req.WarningPercentage,
			BreachPercentage:   req.BreachPercentage,
			CriticalPercentage: req.CriticalPercentage,
		},
		EscalationPolicyID: req.EscalationPolicyID,
		Recipients:         req.Recipients,
		Enabled:            req.Enabled,
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusCreated, metric)
}

// handleGetMetric handles GET /api/metrics/{id}
func (h *APIHandler) handleGetMetric(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	metric, err := h.metrics.GetMetric(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, metric)
}

// handleUpdateTolerance handles PUT /api/metrics/{id}/tolerance. The latest
// reading is re-classified against the new band.
func (h *APIHandler) handleUpdateTolerance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req api.UpdateToleranceRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	res, err := h.metrics.UpdateToleranceBand(r.Context(), id, variance.ToleranceBand{
		AppetiteThreshold:  req.AppetiteThreshold,
		WarningPercentage:  req.WarningPercentage,
		BreachPercentage:   req.BreachPercentage,
		CriticalPercentage: req.CriticalPercentage,
	}, h.now())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, res)
}

// handleIngestReading handles POST /api/metrics/{id}/readings.
// A replay of an existing reading answers 200 instead of 201.
func (h *APIHandler) handleIngestReading(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req api.IngestReadingRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	measuredAt, err := api.ParseTime(req.MeasurementDate)
	if err != nil {
		api.RespondValidationError(w, map[string]string{"measurement_date": err.Error()})
		return
	}

	source := req.Source
	if source == "" {
		source = actor(r, "api")
	}
	res, err := h.metrics.IngestReading(r.Context(), id, *req.Value, measuredAt, source, h.now())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	api.RespondJSON(w, status, res)
}

// handleListReadings handles GET /api/metrics/{id}/readings
func (h *APIHandler) handleListReadings(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.metrics.GetMetric(r.Context(), id); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	readings, err := h.metrics.ListReadings(r.Context(), id, api.ParseHistoryLimit(r))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, readings)
}

// handleListVariances handles GET /api/metrics/{id}/variances
func (h *APIHandler) handleListVariances(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	includeSuperseded := r.URL.Query().Get("include_superseded") == "true"
	records, err := h.metrics.ListVariances(r.Context(), id, includeSuperseded, api.ParseHistoryLimit(r))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, records)
}
