package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/protocol"
	"github.com/EternisAI/silo-fleet/internal/registry"
	"github.com/EternisAI/silo-fleet/internal/telemetry"
	"github.com/EternisAI/silo-fleet/internal/updates"
	"github.com/gin-gonic/gin"
)

const (
	defaultHistoryHours = 24
	defaultTrendHours   = 48
	maxHours            = 24 * 7
)

type SessionRegistry interface {
	ListSessions(f registry.Filter) []fleet.Session
	Session(id string) (fleet.Session, bool)
	Send(id string, frame protocol.Frame) error
	Cleanup(ctx context.Context) int
}

type MetricReader interface {
	MetricHistory(ctx context.Context, sessionID string, since time.Time) ([]fleet.Sample, error)
	ActiveAlerts(ctx context.Context, sessionID string) ([]fleet.Alert, error)
}

type TrendAnalyzer interface {
	Trend(ctx context.Context, sessionID string, metric fleet.Metric, window time.Duration) (telemetry.Trend, error)
}

type LogReader interface {
	Logs(hostname string) []updates.LogEntry
}

type MachinesHandler struct {
	sessions SessionRegistry
	metrics  MetricReader
	trends   TrendAnalyzer
	logs     LogReader
}

func NewMachinesHandler(sessions SessionRegistry, metrics MetricReader, trends TrendAnalyzer, logs LogReader) *MachinesHandler {
	return &MachinesHandler{
		sessions: sessions,
		metrics:  metrics,
		trends:   trends,
		logs:     logs,
	}
}

// ListMachines returns the registry snapshot
// GET /api/machines?status=online&platform=linux
func (h *MachinesHandler) ListMachines(c *gin.Context) {
	status := c.Query("status")
	if status != "" && status != string(fleet.StatusOnline) && status != string(fleet.StatusOffline) {
		respondError(c, http.StatusBadRequest, "status must be online or offline")
		return
	}

	sessions := h.sessions.ListSessions(registry.Filter{
		Status:   fleet.Status(status),
		Platform: c.Query("platform"),
	})

	machines := make([]dto.MachineResponse, len(sessions))
	for i, s := range sessions {
		machines[i] = dto.NewMachineResponse(s)
	}
	c.JSON(http.StatusOK, dto.MachinesResponse{Machines: machines, Count: len(machines)})
}

// GetMachine returns one session
// GET /api/machines/:id
func (h *MachinesHandler) GetMachine(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dto.NewMachineResponse(s))
}

// MetricHistory returns stored samples for the last hours
// GET /api/machines/:id/metrics?hours=24
func (h *MachinesHandler) MetricHistory(c *gin.Context) {
	id := c.Param("id")
	hours, err := parseHours(c, defaultHistoryHours)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	samples, err := h.metrics.MetricHistory(c.Request.Context(), id, time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		slog.Error("Failed to load metric history", "session_id", id, "error", err)
		respondError(c, statusFor(err), "failed to load metric history")
		return
	}

	resp := dto.MetricHistoryResponse{
		MachineID: id,
		Hours:     hours,
		Samples:   make([]dto.MetricSample, len(samples)),
	}
	for i, s := range samples {
		resp.Samples[i] = dto.MetricSample{
			CPUPercent:    s.CPUPercent,
			MemoryPercent: s.MemoryPercent,
			DiskPercent:   s.DiskPercent,
			ProcessCount:  s.ProcessCount,
			Timestamp:     s.Timestamp,
		}
	}
	c.JSON(http.StatusOK, resp)
}

// MachineAlerts returns unacknowledged alerts for one session
// GET /api/machines/:id/alerts
func (h *MachinesHandler) MachineAlerts(c *gin.Context) {
	id := c.Param("id")
	list, err := h.metrics.ActiveAlerts(c.Request.Context(), id)
	if err != nil {
		slog.Error("Failed to load alerts", "session_id", id, "error", err)
		respondError(c, statusFor(err), "failed to load alerts")
		return
	}
	c.JSON(http.StatusOK, alertsResponse(list))
}

// MachineLogs returns the agent log ring for one session
// GET /api/machines/:id/logs
func (h *MachinesHandler) MachineLogs(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	entries := h.logs.Logs(s.Hostname)
	resp := dto.LogsResponse{
		MachineID: s.ID,
		Hostname:  s.Hostname,
		Logs:      make([]dto.LogEntry, len(entries)),
	}
	for i, e := range entries {
		resp.Logs[i] = dto.LogEntry{Message: e.Message, Timestamp: e.Timestamp}
	}
	c.JSON(http.StatusOK, resp)
}

// MachineTrend fits a trend on demand
// GET /api/machines/:id/trend?metric=disk_percent&hours=48
func (h *MachinesHandler) MachineTrend(c *gin.Context) {
	id := c.Param("id")
	metric := fleet.Metric(c.DefaultQuery("metric", string(fleet.MetricDisk)))
	if !metric.Valid() {
		respondError(c, http.StatusBadRequest, fmt.Sprintf("unknown metric %q", metric))
		return
	}
	hours, err := parseHours(c, defaultTrendHours)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	trend, err := h.trends.Trend(c.Request.Context(), id, metric, time.Duration(hours)*time.Hour)
	if err != nil {
		slog.Error("Failed to compute trend", "session_id", id, "metric", metric, "error", err)
		respondError(c, statusFor(err), "failed to compute trend")
		return
	}

	resp := dto.TrendResponse{
		MachineID:   id,
		Metric:      metric,
		Hours:       hours,
		Slope:       trend.Slope,
		Intercept:   trend.Intercept,
		Current:     trend.Current(),
		SampleCount: trend.SampleCount,
	}
	if trend.HasPrediction {
		p := trend.Predicted
		resp.Predicted = &p
	}
	c.JSON(http.StatusOK, resp)
}

// Uninstall asks the agent to remove itself
// POST /api/machines/:id/uninstall
func (h *MachinesHandler) Uninstall(c *gin.Context) {
	id := c.Param("id")
	if err := h.sessions.Send(id, protocol.UninstallRequest{}); err != nil {
		respondError(c, statusFor(err), "Machine offline")
		return
	}
	slog.Info("Uninstall requested", "session_id", id)
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true, Message: "Uninstall request sent"})
}

// CleanupOffline drops offline sessions from the registry
// POST /api/cleanup-offline
func (h *MachinesHandler) CleanupOffline(c *gin.Context) {
	removed := h.sessions.Cleanup(c.Request.Context())
	c.JSON(http.StatusOK, dto.CleanupResponse{
		Success: true,
		Count:   removed,
		Message: fmt.Sprintf("Removed %d offline machines", removed),
	})
}

func (h *MachinesHandler) session(c *gin.Context) (fleet.Session, bool) {
	id := c.Param("id")
	s, ok := h.sessions.Session(id)
	if !ok {
		respondError(c, http.StatusNotFound, "machine not found")
		return fleet.Session{}, false
	}
	return s, true
}

func parseHours(c *gin.Context, def int) (int, error) {
	raw := c.Query("hours")
	if raw == "" {
		return def, nil
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours <= 0 || hours > maxHours {
		return 0, fmt.Errorf("hours must be between 1 and %d", maxHours)
	}
	return hours, nil
}

func alertsResponse(list []fleet.Alert) dto.AlertsResponse {
	resp := dto.AlertsResponse{Alerts: make([]dto.AlertResponse, len(list)), Count: len(list)}
	for i, a := range list {
		resp.Alerts[i] = dto.NewAlertResponse(a)
	}
	return resp
}
