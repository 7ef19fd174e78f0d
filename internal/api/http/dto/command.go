package dto

import "github.com/EternisAI/silo-fleet/internal/fleet"

type CommandRequest struct {
	MachineID string `json:"machineId" binding:"required"`
	Command   string `json:"command" binding:"required"`
}

type CommandResponse struct {
	Success   bool   `json:"success"`
	CommandID string `json:"commandId"`
}

type CommandResultResponse struct {
	Success bool                `json:"success"`
	Result  fleet.CommandResult `json:"result"`
}
