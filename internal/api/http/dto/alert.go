package dto

import (
	"time"

	"github.com/EternisAI/silo-fleet/internal/fleet"
)

type AlertResponse struct {
	ID           int64           `json:"id"`
	MachineID    string          `json:"machine_id"`
	Hostname     string          `json:"hostname"`
	Group        string          `json:"group"`
	Kind         fleet.AlertKind `json:"kind"`
	Severity     fleet.Severity  `json:"severity"`
	Metric       fleet.Metric    `json:"metric,omitempty"`
	Message      string          `json:"message"`
	Evidence     map[string]any  `json:"evidence,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	Acknowledged bool            `json:"acknowledged"`
}

func NewAlertResponse(a fleet.Alert) AlertResponse {
	return AlertResponse{
		ID:           a.ID,
		MachineID:    a.SessionID,
		Hostname:     a.Hostname,
		Group:        a.Group,
		Kind:         a.Kind,
		Severity:     a.Severity,
		Metric:       a.Metric,
		Message:      a.Message,
		Evidence:     a.Evidence,
		CreatedAt:    a.Timestamp,
		Acknowledged: a.Acknowledged,
	}
}

type AlertsResponse struct {
	Alerts []AlertResponse `json:"alerts"`
	Count  int             `json:"count"`
}
