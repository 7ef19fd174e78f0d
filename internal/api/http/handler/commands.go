package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/gin-gonic/gin"
)

type CommandCorrelator interface {
	Dispatch(ctx context.Context, sessionID, text string) (string, error)
	Collect(id string) (fleet.CommandResult, error)
}

type CommandsHandler struct {
	correlator CommandCorrelator
}

func NewCommandsHandler(correlator CommandCorrelator) *CommandsHandler {
	return &CommandsHandler{correlator: correlator}
}

// Dispatch sends a command to one machine and returns its correlation id
// POST /api/command
func (h *CommandsHandler) Dispatch(c *gin.Context) {
	var req dto.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "machineId and command are required")
		return
	}

	id, err := h.correlator.Dispatch(c.Request.Context(), req.MachineID, req.Command)
	if errors.Is(err, fleet.ErrSessionUnavailable) {
		respondError(c, http.StatusConflict, "Machine offline")
		return
	}
	if err != nil {
		slog.Error("Failed to dispatch command", "session_id", req.MachineID, "error", err)
		respondError(c, statusFor(err), "failed to dispatch command")
		return
	}

	c.JSON(http.StatusOK, dto.CommandResponse{Success: true, CommandID: id})
}

// CommandResult hands out a result once
// GET /api/command-result/:id
func (h *CommandsHandler) CommandResult(c *gin.Context) {
	result, err := h.correlator.Collect(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusNotFound, "Result not found or expired")
		return
	}
	c.JSON(http.StatusOK, dto.CommandResultResponse{Success: true, Result: result})
}
