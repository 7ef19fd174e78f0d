package fleet

import (
	"maps"
	"time"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// UnknownVersion is reported until the agent version has been discovered.
const UnknownVersion = "unknown"

const defaultGroup = "Unknown"

// Metric names a percentage column of a metric sample.
type Metric string

const (
	MetricCPU    Metric = "cpu_percent"
	MetricMemory Metric = "memory_percent"
	MetricDisk   Metric = "disk_percent"
)

// PercentMetrics lists the metrics checked against thresholds and baselines.
var PercentMetrics = []Metric{MetricCPU, MetricMemory, MetricDisk}

func (m Metric) Valid() bool {
	switch m {
	case MetricCPU, MetricMemory, MetricDisk:
		return true
	}
	return false
}

// Label is the human readable resource name used in alert messages.
func (m Metric) Label() string {
	switch m {
	case MetricCPU:
		return "CPU"
	case MetricMemory:
		return "Memory"
	case MetricDisk:
		return "Disk"
	}
	return string(m)
}

type Metrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	ProcessCount  int     `json:"process_count"`
}

func (m Metrics) Value(metric Metric) float64 {
	switch metric {
	case MetricCPU:
		return m.CPUPercent
	case MetricMemory:
		return m.MemoryPercent
	case MetricDisk:
		return m.DiskPercent
	}
	return 0
}

// Sample is one heartbeat's metrics attributed to a session.
type Sample struct {
	SessionID string
	Hostname  string
	Group     string
	Metrics
	Timestamp time.Time
}

// Point is a single metric value in a time-ordered series.
type Point struct {
	Value     float64
	Timestamp time.Time
}

type Baseline struct {
	Avg   float64
	Min   float64
	Max   float64
	Count int
}

// Session is the server-side view of one connected agent. Values handed out
// by the registry are copies and never alias registry state.
type Session struct {
	ID                  string
	Hostname            string
	Platform            string
	Status              Status
	RegisteredAt        time.Time
	LastSeenAt          time.Time
	SystemInfo          map[string]any
	AgentVersion        string
	LatestMetrics       *Metrics
	PendingVersionProbe string
}

func (s Session) Clone() Session {
	c := s
	if s.SystemInfo != nil {
		c.SystemInfo = maps.Clone(s.SystemInfo)
	}
	if s.LatestMetrics != nil {
		m := *s.LatestMetrics
		c.LatestMetrics = &m
	}
	return c
}

// Group returns the group the agent reported in its system info.
func (s Session) Group() string {
	if g, ok := s.SystemInfo["group"].(string); ok && g != "" {
		return g
	}
	return defaultGroup
}

type AlertKind string

const (
	AlertResource   AlertKind = "resource"
	AlertAnomaly    AlertKind = "anomaly"
	AlertPredictive AlertKind = "predictive"
	AlertTrend      AlertKind = "trend"
	AlertLiveness   AlertKind = "liveness"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Alert struct {
	ID           int64
	SessionID    string
	Hostname     string
	Group        string
	Kind         AlertKind
	Severity     Severity
	Metric       Metric
	Message      string
	Evidence     map[string]any
	Timestamp    time.Time
	Acknowledged bool
}

// CommandResult mirrors what agents report for an executed command.
type CommandResult struct {
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ReturnCode *int   `json:"returncode,omitempty"`
	Error      string `json:"error,omitempty"`
}

type Command struct {
	ID          string
	SessionID   string
	Hostname    string
	Text        string
	IssuedAt    time.Time
	Result      *CommandResult
	CompletedAt *time.Time
}
