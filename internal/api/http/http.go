package http

import "time"

type Config struct {
	Port        uint   `mapstructure:"port"`
	AdminAPIKey string `mapstructure:"admin_api_key"`

	// AgentReadTimeout drops websocket agents that send nothing for this
	// long. Zero disables it.
	AgentReadTimeout time.Duration `mapstructure:"agent_read_timeout"`
}
