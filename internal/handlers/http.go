package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/akmatori/riskwatch/internal/api"
	"github.com/akmatori/riskwatch/internal/metrics"
	"gorm.io/gorm"
)

// Version is reported by the health endpoint
var Version = "dev"

const healthCheckTimeout = 2 * time.Second

// HTTPHandler handles the unauthenticated operational endpoints
type HTTPHandler struct {
	db     *gorm.DB
	events http.HandlerFunc
}

// NewHTTPHandler creates a new HTTP handler. db and events may be nil.
func NewHTTPHandler(db *gorm.DB, events http.HandlerFunc) *HTTPHandler {
	return &HTTPHandler{
		db:     db,
		events: events,
	}
}

// SetupRoutes configures all HTTP routes
func (h *HTTPHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	if h.events != nil {
		mux.HandleFunc("GET /ws/events", h.events)
	}
}

// handleHealth reports liveness and whether the store answers
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	response := map[string]string{
		"status":  "ok",
		"version": Version,
	}
	status := http.StatusOK

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			response["status"] = "degraded"
			response["database"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			response["database"] = "ok"
		}
	}

	api.RespondJSON(w, status, response)
}
