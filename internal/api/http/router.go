package http

import (
	"github.com/EternisAI/silo-fleet/internal/agentconn"
	"github.com/EternisAI/silo-fleet/internal/api/http/handler"
	"github.com/EternisAI/silo-fleet/internal/api/http/middleware"
	"github.com/EternisAI/silo-fleet/internal/correlator"
	"github.com/EternisAI/silo-fleet/internal/registry"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/EternisAI/silo-fleet/internal/telemetry"
	"github.com/EternisAI/silo-fleet/internal/updates"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Services struct {
	Registry   *registry.Registry
	Correlator *correlator.Correlator
	Store      store.Store
	Analyzer   *telemetry.Analyzer
	Tracker    *updates.Tracker
	// Poller is nil when release checks are disabled.
	Poller   *updates.Poller
	Agents   *agentconn.Handler
	Gatherer prometheus.Gatherer
}

func SetupRoute(engine *gin.Engine, srvs *Services, cfg Config) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler(srvs.Registry)
	engine.GET("/health", healthHandler.Check)

	gatherer := srvs.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	if srvs.Agents != nil {
		wsHandler := handler.NewAgentWSHandler(srvs.Agents, cfg.AgentReadTimeout)
		engine.GET("/ws/agent", wsHandler.Connect)
	}

	api := engine.Group("/api")
	if cfg.AdminAPIKey != "" {
		api.Use(middleware.APIKeyAuth(cfg.AdminAPIKey))
	}

	machinesHandler := handler.NewMachinesHandler(srvs.Registry, srvs.Store, srvs.Analyzer, srvs.Tracker)
	api.GET("/machines", machinesHandler.ListMachines)
	api.GET("/machines/:id", machinesHandler.GetMachine)
	api.GET("/machines/:id/metrics", machinesHandler.MetricHistory)
	api.GET("/machines/:id/alerts", machinesHandler.MachineAlerts)
	api.GET("/machines/:id/logs", machinesHandler.MachineLogs)
	api.GET("/machines/:id/trend", machinesHandler.MachineTrend)
	api.POST("/machines/:id/uninstall", machinesHandler.Uninstall)
	api.POST("/cleanup-offline", machinesHandler.CleanupOffline)

	alertsHandler := handler.NewAlertsHandler(srvs.Store)
	api.GET("/alerts", alertsHandler.ListAlerts)
	api.POST("/alerts/:id/acknowledge", alertsHandler.Acknowledge)

	commandsHandler := handler.NewCommandsHandler(srvs.Correlator)
	api.POST("/command", commandsHandler.Dispatch)
	api.GET("/command-result/:id", commandsHandler.CommandResult)

	var poller handler.ReleasePoller
	if srvs.Poller != nil {
		poller = srvs.Poller
	}
	updatesHandler := handler.NewUpdatesHandler(srvs.Registry, poller, srvs.Tracker)
	api.POST("/update-agents", updatesHandler.UpdateAgents)
	api.GET("/update-check", updatesHandler.UpdateCheck)
	api.GET("/update-status", updatesHandler.UpdateStatus)
}
