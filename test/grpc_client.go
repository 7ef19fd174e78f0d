package main

import (
	"flag"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/grpc/client"
)

var (
	address   = flag.String("address", "localhost:9090", "gRPC server address")
	hostname  = flag.String("hostname", "test-agent-1", "Hostname to register as")
	version   = flag.String("version", "", "Agent version to announce; empty triggers a version probe")
	interval  = flag.Duration("interval", 5*time.Second, "Heartbeat interval")
	execute   = flag.Bool("exec", false, "Run received commands through the local shell")
	cpuCenter = flag.Float64("cpu", 20, "Mean simulated CPU percent")

	useTLS     = flag.Bool("tls", false, "Connect with mutual TLS")
	caFile     = flag.String("ca", "certs/ca.crt", "CA certificate")
	caKeyFile  = flag.String("ca-key", "certs/ca.key", "CA key used to issue the agent certificate")
	serverName = flag.String("server-name", "localhost", "Expected server name in the server certificate")
)

func main() {
	flag.Parse()

	var runner client.CommandRunner
	if *execute {
		runner = client.NewShellRunner(0)
	}

	metrics := func() fleet.Metrics {
		return fleet.Metrics{
			CPUPercent:    jitter(*cpuCenter),
			MemoryPercent: jitter(45),
			DiskPercent:   jitter(60),
			ProcessCount:  150 + rand.IntN(20),
		}
	}

	cfg := client.Config{
		ServerAddr:        *address,
		Hostname:          *hostname,
		Platform:          runtime.GOOS,
		AgentVersion:      *version,
		HeartbeatInterval: *interval,
		SystemInfo:        map[string]any{"group": "test"},
	}
	if *useTLS {
		cfg.TLS = issueAgentCert()
	}

	c := client.NewClient(cfg, runner, metrics)

	log.Printf("Connecting to %s as %s", *address, *hostname)
	if err := c.Start(); err != nil {
		log.Fatalf("Failed to start client: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	if err := c.Stop(); err != nil {
		log.Printf("Error stopping client: %v", err)
	}
}

// issueAgentCert signs a throwaway client certificate with the local CA.
func issueAgentCert() *client.TLSConfig {
	authority, err := cert.Open(cert.Paths{CACert: *caFile, CAKey: *caKeyFile}, nil)
	if err != nil {
		log.Fatalf("Failed to open CA: %v", err)
	}

	dir, err := os.MkdirTemp("", "fleet-agent-")
	if err != nil {
		log.Fatalf("Failed to create certificate directory: %v", err)
	}
	certPath := filepath.Join(dir, "agent.crt")
	keyPath := filepath.Join(dir, "agent.key")
	if err := authority.IssueAgent(*hostname, certPath, keyPath); err != nil {
		log.Fatalf("Failed to issue agent certificate: %v", err)
	}

	return &client.TLSConfig{
		Enabled:            true,
		CertFile:           certPath,
		KeyFile:            keyPath,
		CAFile:             *caFile,
		ServerNameOverride: *serverName,
	}
}

func jitter(center float64) float64 {
	v := center + rand.Float64()*10 - 5
	return min(max(v, 0), 100)
}
