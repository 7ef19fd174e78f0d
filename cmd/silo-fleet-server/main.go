package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agentconn"
	"github.com/EternisAI/silo-fleet/internal/alerts"
	internalhttp "github.com/EternisAI/silo-fleet/internal/api/http"
	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/correlator"
	"github.com/EternisAI/silo-fleet/internal/db"
	grpcserver "github.com/EternisAI/silo-fleet/internal/grpc/server"
	"github.com/EternisAI/silo-fleet/internal/liveness"
	"github.com/EternisAI/silo-fleet/internal/metrics"
	"github.com/EternisAI/silo-fleet/internal/notify"
	"github.com/EternisAI/silo-fleet/internal/registry"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/EternisAI/silo-fleet/internal/store/memory"
	"github.com/EternisAI/silo-fleet/internal/store/postgres"
	"github.com/EternisAI/silo-fleet/internal/telemetry"
	"github.com/EternisAI/silo-fleet/internal/updates"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Silo Fleet Server", "version", AppVersion)

	if err := config.Liveness.Validate(); err != nil {
		slog.Error("Invalid liveness configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, config.DB)
	if err != nil {
		slog.Error("Failed to open store", "driver", config.DB.Driver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	notifier, closeNotifier := buildNotifier(config.Notify, config.Alerts.NotifyTimeout)
	defer closeNotifier()

	dispatcher := alerts.NewDispatcher(st, notifier, config.Alerts, m)
	analyzer := telemetry.NewAnalyzer(st, dispatcher, config.Telemetry)
	reg := registry.New(st, analyzer, dispatcher, registry.WithMetrics(m))
	corr := correlator.New(reg, st, config.Commands, m)
	reg.SetProber(corr)

	tracker := updates.NewTracker(config.Updates.LogCapacity)
	var poller *updates.Poller
	if config.Updates.Enabled() {
		checker := updates.NewGitHubChecker(config.Updates.RepoOwner, config.Updates.RepoName, config.Updates.CurrentVersion)
		poller = updates.NewPoller(checker, reg, config.Updates)
	}

	agents := agentconn.NewHandler(reg, corr, tracker, dispatcher)
	sweeper := liveness.NewSweeper(reg, config.Liveness, liveness.WithMetrics(m))

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, &internalhttp.Services{
		Registry:   reg,
		Correlator: corr,
		Store:      st,
		Analyzer:   analyzer,
		Tracker:    tracker,
		Poller:     poller,
		Agents:     agents,
		Gatherer:   promRegistry,
	}, config.Http)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	var grpcSrv *grpcserver.Server
	if config.Grpc.Enabled {
		if err := ensureCertificates(config.Grpc.TLS); err != nil {
			slog.Error("Failed to prepare gRPC certificates", "error", err)
			os.Exit(1)
		}
		grpcSrv = grpcserver.NewServer(config.Grpc.Port, agents, &grpcserver.TLSConfig{
			Enabled:    config.Grpc.TLS.Enabled,
			CertFile:   config.Grpc.TLS.CertFile,
			KeyFile:    config.Grpc.TLS.KeyFile,
			CAFile:     config.Grpc.TLS.CAFile,
			ClientAuth: config.Grpc.TLS.ClientAuth,
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	if grpcSrv != nil {
		g.Go(func() error {
			if err := grpcSrv.Start(); err != nil {
				return fmt.Errorf("gRPC server error: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		analyzer.RunTrendLoop(gctx, reg)
		return nil
	})
	g.Go(func() error {
		store.RunRetention(gctx, st, config.Retention.Period, config.Retention.Interval)
		return nil
	})
	if poller != nil {
		g.Go(func() error {
			poller.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down servers...")
		reg.Stop()
		shutdown(httpServer, grpcSrv)
		dispatcher.Wait()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

func openStore(ctx context.Context, cfg db.Config) (store.Store, error) {
	switch cfg.Driver {
	case db.DriverMemory:
		slog.Warn("Using in-memory store, data is lost on restart")
		return memory.New(), nil
	case db.DriverPostgres, "":
		if err := db.RunMigrations(ctx, cfg); err != nil {
			return nil, err
		}
		pool, err := db.InitDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return postgres.New(pool), nil
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.Driver)
	}
}

func buildNotifier(cfg NotifyConfig, timeout time.Duration) (notify.Notifier, func()) {
	var targets notify.Multi
	closeFn := func() {}

	if cfg.WebhookURL != "" {
		targets = append(targets, notify.NewWebhook(cfg.WebhookURL, timeout))
		slog.Info("Webhook notifications enabled")
	}

	if cfg.NatsURL != "" {
		n, err := notify.NewNATS(cfg.NatsURL, cfg.NatsSubject)
		if err != nil {
			slog.Error("Failed to connect to NATS, continuing without it", "url", cfg.NatsURL, "error", err)
		} else {
			targets = append(targets, n)
			closeFn = n.Close
			slog.Info("NATS notifications enabled", "subject", cfg.NatsSubject)
		}
	}

	if len(targets) == 0 {
		slog.Warn("No notification targets configured")
		return notify.Nop{}, closeFn
	}
	return targets, closeFn
}

func shutdown(httpServer *http.Server, grpcSrv *grpcserver.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
			return err
		}
		slog.Info("HTTP server stopped")
		return nil
	})
	if grpcSrv != nil {
		g.Go(func() error {
			return grpcSrv.Stop(ctx)
		})
	}
	_ = g.Wait()
}

func ensureCertificates(cfg TLSConfig) error {
	if !cfg.Enabled || !cfg.AutoGenerate {
		return nil
	}
	authority, err := cert.Open(cert.Paths{
		CACert:     cfg.CAFile,
		CAKey:      cfg.CAKeyFile,
		ServerCert: cfg.CertFile,
		ServerKey:  cfg.KeyFile,
	}, cfg.Hosts)
	if err != nil {
		return err
	}
	return authority.EnsureServer()
}
