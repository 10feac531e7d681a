package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/akmatori/riskwatch/internal/api"
	"github.com/akmatori/riskwatch/internal/jobs"
	"github.com/akmatori/riskwatch/internal/middleware"
	"github.com/akmatori/riskwatch/internal/services"
	slackutil "github.com/akmatori/riskwatch/internal/slack"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SLAScanner runs one SLA scan cycle
type SLAScanner interface {
	Scan(ctx context.Context, now time.Time) (*jobs.ScanSummary, error)
}

// Services groups the domain services exposed over HTTP
type Services struct {
	Metrics   *services.MetricService
	Breaches  *services.BreachService
	Policies  *services.PolicyService
	Engine    *services.EscalationEngine
	Incidents *services.IncidentService
	Reports   *services.ReportService
	Scanner   SLAScanner
}

// APIHandler handles the JSON API
type APIHandler struct {
	metrics   *services.MetricService
	breaches  *services.BreachService
	policies  *services.PolicyService
	engine    *services.EscalationEngine
	incidents *services.IncidentService
	reports   *services.ReportService
	scanner   SLAScanner

	db           *gorm.DB
	slackManager *slackutil.Manager
	log          *zap.SugaredLogger
	now          func() time.Time
}

// NewAPIHandler creates a new API handler. slackManager may be nil.
func NewAPIHandler(svc Services, db *gorm.DB, slackManager *slackutil.Manager, log *zap.SugaredLogger) *APIHandler {
	return &APIHandler{
		metrics:      svc.Metrics,
		breaches:     svc.Breaches,
		policies:     svc.Policies,
		engine:       svc.Engine,
		incidents:    svc.Incidents,
		reports:      svc.Reports,
		scanner:      svc.Scanner,
		db:           db,
		slackManager: slackManager,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetupRoutes sets up all API routes
func (h *APIHandler) SetupRoutes(mux *http.ServeMux) {
	// Metrics and readings
	mux.HandleFunc("GET /api/metrics", h.handleListMetrics)
	mux.HandleFunc("POST /api/metrics", h.handleCreateMetric)
	mux.HandleFunc("GET /api/metrics/{id}", h.handleGetMetric)
	mux.HandleFunc("PUT /api/metrics/{id}/tolerance", h.handleUpdateTolerance)
	mux.HandleFunc("POST /api/metrics/{id}/readings", h.handleIngestReading)
	mux.HandleFunc("GET /api/metrics/{id}/readings", h.handleListReadings)
	mux.HandleFunc("GET /api/metrics/{id}/variances", h.handleListVariances)

	// Breach notifications
	mux.HandleFunc("GET /api/breaches", h.handleListBreaches)
	mux.HandleFunc("GET /api/breaches/{uuid}", h.handleGetBreach)
	mux.HandleFunc("POST /api/breaches/{uuid}/acknowledge", h.handleAcknowledgeBreach)

	// Escalation policies
	mux.HandleFunc("GET /api/policies", h.handleListPolicies)
	mux.HandleFunc("POST /api/policies", h.handleCreatePolicy)
	mux.HandleFunc("GET /api/policies/{id}", h.handleGetPolicy)
	mux.HandleFunc("PUT /api/policies/{id}", h.handleUpdatePolicy)

	// Escalation executions
	mux.HandleFunc("GET /api/executions", h.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{uuid}", h.handleGetExecution)
	mux.HandleFunc("POST /api/executions/{uuid}/resolve", h.handleResolveExecution)
	mux.HandleFunc("POST /api/executions/{uuid}/cancel", h.handleCancelExecution)
	mux.HandleFunc("POST /api/executions/{uuid}/assign", h.handleAssignExecution)
	mux.HandleFunc("POST /api/executions/{uuid}/acknowledge", h.handleAcknowledgeExecution)

	// Incidents and SLA scanning
	mux.HandleFunc("GET /api/incidents", h.handleListIncidents)
	mux.HandleFunc("POST /api/incidents", h.handleCreateIncident)
	mux.HandleFunc("GET /api/incidents/{uuid}", h.handleGetIncident)
	mux.HandleFunc("POST /api/incidents/{uuid}/acknowledge", h.handleAcknowledgeIncident)
	mux.HandleFunc("POST /api/incidents/{uuid}/resolve", h.handleResolveIncident)
	mux.HandleFunc("POST /api/sla/scan", h.handleSLAScan)

	// Reports
	mux.HandleFunc("GET /api/reports/escalations", h.handleEscalationReport)

	// Settings
	mux.HandleFunc("GET /api/settings/escalation", h.handleGetEscalationSettings)
	mux.HandleFunc("PUT /api/settings/escalation", h.handleUpdateEscalationSettings)
	mux.HandleFunc("GET /api/settings/slack", h.handleGetSlackSettings)
	mux.HandleFunc("PUT /api/settings/slack", h.handleUpdateSlackSettings)
}

// decodeRequest decodes and validates a JSON body, writing the error response on failure
func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := api.DecodeJSON(r, dst); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return validateRequest(w, dst)
}

func validateRequest(w http.ResponseWriter, dst interface{}) bool {
	if fieldErrors := api.Validate(dst); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return false
	}
	return true
}

// decodeOptional decodes a body that may be omitted entirely
func decodeOptional(r *http.Request, dst interface{}) error {
	if r.ContentLength == 0 {
		return nil
	}
	return api.DecodeJSON(r, dst)
}

// actor returns explicit if set, otherwise the authenticated user
func actor(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return middleware.GetUserFromContext(r.Context())
}

// respondServiceError maps service errors to HTTP status codes
func (h *APIHandler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var cfgErr *services.ConfigurationError
	var terminalErr *services.AlreadyTerminalError
	var conflictErr *services.ConflictError
	var storeErr *services.StoreUnavailableError

	switch {
	case errors.Is(err, services.ErrNotFound):
		api.RespondErrorWithCode(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &cfgErr):
		api.RespondErrorWithCode(w, http.StatusUnprocessableEntity, "configuration_error", err.Error())
	case errors.As(err, &terminalErr):
		api.RespondErrorWithCode(w, http.StatusConflict, "already_terminal", err.Error())
	case errors.As(err, &conflictErr):
		api.RespondErrorWithCode(w, http.StatusConflict, "conflict", err.Error())
	case errors.As(err, &storeErr):
		h.log.Errorw("Store unavailable", "path", r.URL.Path, "request_id", middleware.GetRequestID(r.Context()), "error", err)
		api.RespondErrorWithCode(w, http.StatusServiceUnavailable, "store_unavailable", "Store temporarily unavailable")
	default:
		h.log.Errorw("Request failed", "path", r.URL.Path, "request_id", middleware.GetRequestID(r.Context()), "error", err)
		api.RespondError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// pathID parses the numeric {id} path value, writing a 400 on failure
func pathID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := api.PathUint(r, "id")
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return id, true
}
