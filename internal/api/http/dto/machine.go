package dto

import (
	"time"

	"github.com/EternisAI/silo-fleet/internal/fleet"
)

type MachineResponse struct {
	ID           string         `json:"id"`
	Hostname     string         `json:"hostname"`
	Platform     string         `json:"platform"`
	Group        string         `json:"group"`
	Status       fleet.Status   `json:"status"`
	RegisteredAt time.Time      `json:"registered_at"`
	LastSeen     time.Time      `json:"last_seen"`
	AgentVersion string         `json:"agent_version"`
	SystemInfo   map[string]any `json:"system_info"`
	Metrics      *fleet.Metrics `json:"metrics"`
}

func NewMachineResponse(s fleet.Session) MachineResponse {
	info := s.SystemInfo
	if info == nil {
		info = map[string]any{}
	}
	return MachineResponse{
		ID:           s.ID,
		Hostname:     s.Hostname,
		Platform:     s.Platform,
		Group:        s.Group(),
		Status:       s.Status,
		RegisteredAt: s.RegisteredAt,
		LastSeen:     s.LastSeenAt,
		AgentVersion: s.AgentVersion,
		SystemInfo:   info,
		Metrics:      s.LatestMetrics,
	}
}

type MachinesResponse struct {
	Machines []MachineResponse `json:"machines"`
	Count    int               `json:"count"`
}

type MetricSample struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	ProcessCount  int       `json:"process_count"`
	Timestamp     time.Time `json:"timestamp"`
}

type MetricHistoryResponse struct {
	MachineID string         `json:"machine_id"`
	Hours     int            `json:"hours"`
	Samples   []MetricSample `json:"samples"`
}

type TrendResponse struct {
	MachineID   string       `json:"machine_id"`
	Metric      fleet.Metric `json:"metric"`
	Hours       int          `json:"hours"`
	Slope       float64      `json:"slope"`
	Intercept   float64      `json:"intercept"`
	Current     float64      `json:"current"`
	Predicted   *float64     `json:"predicted"`
	SampleCount int          `json:"sample_count"`
}

type LogsResponse struct {
	MachineID string     `json:"machine_id"`
	Hostname  string     `json:"hostname"`
	Logs      []LogEntry `json:"logs"`
}

type LogEntry struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type CleanupResponse struct {
	Success bool   `json:"success"`
	Count   int    `json:"count"`
	Message string `json:"message"`
}

type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type HealthResponse struct {
	Status         string `json:"status"`
	SessionsOnline int    `json:"sessions_online"`
}
