package dto

import "github.com/EternisAI/silo-fleet/internal/updates"

type UpdateAgentsResponse struct {
	Success        bool `json:"success"`
	AgentsNotified int  `json:"agentsNotified"`
}

type UpdateStatusResponse struct {
	Statuses []updates.Status `json:"statuses"`
	Count    int              `json:"count"`
}
