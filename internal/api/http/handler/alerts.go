package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/gin-gonic/gin"
)

type AlertStore interface {
	ActiveAlerts(ctx context.Context, sessionID string) ([]fleet.Alert, error)
	AcknowledgeAlert(ctx context.Context, id int64) error
}

type AlertsHandler struct {
	store AlertStore
}

func NewAlertsHandler(store AlertStore) *AlertsHandler {
	return &AlertsHandler{store: store}
}

// ListAlerts returns unacknowledged alerts across the fleet
// GET /api/alerts
func (h *AlertsHandler) ListAlerts(c *gin.Context) {
	list, err := h.store.ActiveAlerts(c.Request.Context(), "")
	if err != nil {
		slog.Error("Failed to load alerts", "error", err)
		respondError(c, statusFor(err), "failed to load alerts")
		return
	}
	c.JSON(http.StatusOK, alertsResponse(list))
}

// Acknowledge marks an alert as handled
// POST /api/alerts/:id/acknowledge
func (h *AlertsHandler) Acknowledge(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid alert id")
		return
	}

	if err := h.store.AcknowledgeAlert(c.Request.Context(), id); err != nil {
		slog.Warn("Failed to acknowledge alert", "alert_id", id, "error", err)
		respondError(c, statusFor(err), "failed to acknowledge alert")
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true})
}
