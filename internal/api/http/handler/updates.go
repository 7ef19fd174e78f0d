package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/protocol"
	"github.com/EternisAI/silo-fleet/internal/updates"
	"github.com/gin-gonic/gin"
)

type Broadcaster interface {
	Broadcast(frame protocol.Frame) int
}

type ReleasePoller interface {
	CheckNow(ctx context.Context) (updates.Release, error)
	Last() (updates.Release, bool)
}

type StatusReader interface {
	Statuses() []updates.Status
}

type UpdatesHandler struct {
	broadcaster Broadcaster
	poller      ReleasePoller
	statuses    StatusReader
}

// NewUpdatesHandler builds the update endpoints. poller may be nil when
// release checks are disabled.
func NewUpdatesHandler(broadcaster Broadcaster, poller ReleasePoller, statuses StatusReader) *UpdatesHandler {
	return &UpdatesHandler{
		broadcaster: broadcaster,
		poller:      poller,
		statuses:    statuses,
	}
}

// UpdateAgents asks every connected agent to update
// POST /api/update-agents
func (h *UpdatesHandler) UpdateAgents(c *gin.Context) {
	n := h.broadcaster.Broadcast(protocol.UpdateRequest{})
	slog.Info("Update request broadcast", "agents_notified", n)
	c.JSON(http.StatusOK, dto.UpdateAgentsResponse{Success: true, AgentsNotified: n})
}

// UpdateCheck returns the latest release check, running one if none has
// completed yet or refresh=true is given
// GET /api/update-check
func (h *UpdatesHandler) UpdateCheck(c *gin.Context) {
	if h.poller == nil {
		respondError(c, http.StatusServiceUnavailable, "update checks are not configured")
		return
	}

	release, ok := h.poller.Last()
	if !ok || c.Query("refresh") == "true" {
		var err error
		release, err = h.poller.CheckNow(c.Request.Context())
		if err != nil {
			slog.Warn("Release check failed", "error", err)
			respondError(c, http.StatusBadGateway, err.Error())
			return
		}
	}
	c.JSON(http.StatusOK, release)
}

// UpdateStatus returns the last update status per host
// GET /api/update-status
func (h *UpdatesHandler) UpdateStatus(c *gin.Context) {
	list := h.statuses.Statuses()
	c.JSON(http.StatusOK, dto.UpdateStatusResponse{Statuses: list, Count: len(list)})
}
