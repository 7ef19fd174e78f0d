package handler

import (
	"net/http"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/gin-gonic/gin"
)

type OnlineCounter interface {
	OnlineSessions() []fleet.Session
}

type HealthHandler struct {
	sessions OnlineCounter
}

func NewHealthHandler(sessions OnlineCounter) *HealthHandler {
	return &HealthHandler{sessions: sessions}
}

func (h *HealthHandler) Check(ctx *gin.Context) {
	resp := dto.HealthResponse{Status: "ok"}
	if h.sessions != nil {
		resp.SessionsOnline = len(h.sessions.OnlineSessions())
	}
	ctx.JSON(http.StatusOK, resp)
}
