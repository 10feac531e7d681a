package handlers

import (
	"errors"
	"net/http"

	"github.com/akmatori/riskwatch/internal/api"
	"github.com/akmatori/riskwatch/internal/database"
	"github.com/akmatori/riskwatch/internal/services"
	"gorm.io/gorm"
)

// handleGetEscalationSettings handles GET /api/settings/escalation
func (h *APIHandler) handleGetEscalationSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := database.GetOrCreateEscalationSettings(h.db.WithContext(r.Context()))
	if err != nil {
		h.respondServiceError(w, r, &services.StoreUnavailableError{Op: "load escalation settings", Err: err})
		return
	}
	api.RespondJSON(w, http.StatusOK, settings)
}

// handleUpdateEscalationSettings handles PUT /api/settings/escalation.
// Interval changes are picked up by the running scanner and scheduler on their next tick.
func (h *APIHandler) handleUpdateEscalationSettings(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateEscalationSettingsRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	db := h.db.WithContext(r.Context())
	settings, err := database.GetOrCreateEscalationSettings(db)
	if err != nil {
		h.respondServiceError(w, r, &services.StoreUnavailableError{Op: "load escalation settings", Err: err})
		return
	}

	if req.DefaultPolicyID != nil {
		if _, err := h.policies.GetPolicy(r.Context(), *req.DefaultPolicyID); err != nil {
			if errors.Is(err, services.ErrNotFound) {
				err = &services.ConfigurationError{Reason: "default policy does not exist", Err: err}
			}
			h.respondServiceError(w, r, err)
			return
		}
		settings.DefaultPolicyID = req.DefaultPolicyID
	}
	if req.ClearDefaultPolicy {
		settings.DefaultPolicyID = nil
	}
	if req.SLAScanEnabled != nil {
		settings.SLAScanEnabled = *req.SLAScanEnabled
	}
	if req.SLAScanIntervalMinutes != nil {
		settings.SLAScanIntervalMinutes = *req.SLAScanIntervalMinutes
	}
	if req.TickIntervalSeconds != nil {
		settings.TickIntervalSeconds = *req.TickIntervalSeconds
	}
	if req.BreachEscalationEnabled != nil {
		settings.BreachEscalationEnabled = *req.BreachEscalationEnabled
	}
	if req.CriticalSLAMinutes != nil {
		settings.CriticalSLAMinutes = *req.CriticalSLAMinutes
	}
	if req.HighSLAMinutes != nil {
		settings.HighSLAMinutes = *req.HighSLAMinutes
	}
	if req.MediumSLAMinutes != nil {
		settings.MediumSLAMinutes = *req.MediumSLAMinutes
	}
	if req.LowSLAMinutes != nil {
		settings.LowSLAMinutes = *req.LowSLAMinutes
	}

	if err := database.UpdateEscalationSettings(db, settings); err != nil {
		h.respondServiceError(w, r, &services.StoreUnavailableError{Op: "update escalation settings", Err: err})
		return
	}
	h.log.Infow("Escalation settings updated", "by", actor(r, ""))
	api.RespondJSON(w, http.StatusOK, settings)
}

// handleGetSlackSettings handles GET /api/settings/slack
func (h *APIHandler) handleGetSlackSettings(w http.ResponseWriter, r *http.Request) {
	var settings database.SlackSettings
	if err := h.db.WithContext(r.Context()).First(&settings).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			api.RespondError(w, http.StatusNotFound, "Settings not found")
			return
		}
		h.respondServiceError(w, r, &services.StoreUnavailableError{Op: "load slack settings", Err: err})
		return
	}
	api.RespondJSON(w, http.StatusOK, api.SlackSettingsToResponse(&settings))
}

// handleUpdateSlackSettings handles PUT /api/settings/slack and hot-reloads
// the Slack connection
func (h *APIHandler) handleUpdateSlackSettings(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateSlackSettingsRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	db := h.db.WithContext(r.Context())
	var settings database.SlackSettings
	if err := db.First(&settings).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			api.RespondError(w, http.StatusNotFound, "Settings not found")
			return
		}
		h.respondServiceError(w, r, &services.StoreUnavailableError{Op: "load slack settings", Err: err})
		return
	}

	updates := make(map[string]interface{})
	if req.BotToken != nil {
		updates["bot_token"] = *req.BotToken
	}
	if req.SigningSecret != nil {
		updates["signing_secret"] = *req.SigningSecret
	}
	if req.AppToken != nil {
		updates["app_token"] = *req.AppToken
	}
	if req.NotificationChannel != nil {
		updates["notification_channel"] = *req.NotificationChannel
	}
	if req.Enabled != nil {
		updates["enabled"] = *req.Enabled
	}

	if len(updates) > 0 {
		if err := db.Model(&settings).Updates(updates).Error; err != nil {
			h.respondServiceError(w, r, &services.StoreUnavailableError{Op: "update slack settings", Err: err})
			return
		}
		if h.slackManager != nil {
			h.slackManager.TriggerReload()
			h.log.Info("Slack settings updated, triggering hot-reload")
		}
	}

	if err := db.First(&settings, settings.ID).Error; err != nil {
		h.respondServiceError(w, r, &services.StoreUnavailableError{Op: "load slack settings", Err: err})
		return
	}
	api.RespondJSON(w, http.StatusOK, api.SlackSettingsToResponse(&settings))
}
