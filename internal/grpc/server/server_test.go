package server

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agentconn"
	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/correlator"
	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/grpc/client"
	"github.com/EternisAI/silo-fleet/internal/notify"
	"github.com/EternisAI/silo-fleet/internal/registry"
	"github.com/EternisAI/silo-fleet/internal/store/memory"
	"github.com/EternisAI/silo-fleet/internal/updates"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

type nopSink struct{}

func (nopSink) Ingest(context.Context, fleet.Sample) error { return nil }

type countingEmitter struct {
	mu     sync.Mutex
	alerts int
}

func (e *countingEmitter) Emit(context.Context, fleet.Alert) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alerts++
	return nil
}

func (e *countingEmitter) Notify(context.Context, notify.Message) {}

func (e *countingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alerts
}

type echoRunner struct{}

func (echoRunner) Run(ctx context.Context, command string) fleet.CommandResult {
	code := 0
	return fleet.CommandResult{Stdout: "ran: " + command, ReturnCode: &code}
}

func TestServer_AgentStreamEndToEnd(t *testing.T) {
	st := memory.New()
	em := &countingEmitter{}
	reg := registry.New(st, nopSink{}, em)
	corr := correlator.New(reg, st, correlator.Config{}, nil)
	handler := agentconn.NewHandler(reg, corr, updates.NewTracker(10), em)

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(0, handler, nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() { _ = srv.StopWithTimeout(time.Second) })

	cl := client.NewClient(client.Config{
		ServerAddr:        "passthrough:///bufnet",
		Hostname:          "grpc-01",
		Platform:          "linux",
		AgentVersion:      "1.4.0",
		HeartbeatInterval: 20 * time.Millisecond,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}, echoRunner{}, func() fleet.Metrics { return fleet.Metrics{CPUPercent: 7} })
	require.NoError(t, cl.Start())

	id := registry.SessionID("grpc-01")
	require.Eventually(t, func() bool { return cl.SessionID() == id }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		s, ok := reg.Session(id)
		return ok && s.LatestMetrics != nil && s.LatestMetrics.CPUPercent == 7
	}, 2*time.Second, 10*time.Millisecond)

	cmdID, err := corr.Dispatch(context.Background(), id, "hostname")
	require.NoError(t, err)

	var result fleet.CommandResult
	require.Eventually(t, func() bool {
		r, err := corr.Collect(cmdID)
		result = r
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ran: hostname", result.Stdout)

	require.NoError(t, cl.Stop())

	require.Eventually(t, func() bool {
		s, ok := reg.Session(id)
		return ok && s.Status == fleet.StatusOffline
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, em.count())
}

func TestServer_InvalidClientAuth(t *testing.T) {
	lis := bufconn.Listen(1024)
	defer lis.Close()

	srv := NewServer(0, nil, &TLSConfig{Enabled: true, ClientAuth: "sometimes"})
	err := srv.Serve(lis)
	assert.ErrorContains(t, err, "invalid client auth type")
}

func TestServer_StopBeforeStart(t *testing.T) {
	srv := NewServer(0, nil, nil)
	assert.NoError(t, srv.StopWithTimeout(time.Millisecond))
}

func TestServer_MutualTLS(t *testing.T) {
	dir := t.TempDir()
	paths := cert.Paths{
		CACert:     filepath.Join(dir, "ca.crt"),
		CAKey:      filepath.Join(dir, "ca.key"),
		ServerCert: filepath.Join(dir, "server.crt"),
		ServerKey:  filepath.Join(dir, "server.key"),
	}
	authority, err := cert.Open(paths, []string{"localhost"})
	require.NoError(t, err)
	require.NoError(t, authority.EnsureServer())
	agentCert := filepath.Join(dir, "agent.crt")
	agentKey := filepath.Join(dir, "agent.key")
	require.NoError(t, authority.IssueAgent("tls-01", agentCert, agentKey))

	st := memory.New()
	em := &countingEmitter{}
	reg := registry.New(st, nopSink{}, em)
	corr := correlator.New(reg, st, correlator.Config{}, nil)
	handler := agentconn.NewHandler(reg, corr, updates.NewTracker(10), em)

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(0, handler, &TLSConfig{
		Enabled:    true,
		CertFile:   paths.ServerCert,
		KeyFile:    paths.ServerKey,
		CAFile:     paths.CACert,
		ClientAuth: "require",
	})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() { _ = srv.StopWithTimeout(time.Second) })

	cl := client.NewClient(client.Config{
		ServerAddr:        "passthrough:///bufnet",
		Hostname:          "tls-01",
		Platform:          "linux",
		AgentVersion:      "1.4.0",
		HeartbeatInterval: 50 * time.Millisecond,
		TLS: &client.TLSConfig{
			Enabled:            true,
			CertFile:           agentCert,
			KeyFile:            agentKey,
			CAFile:             paths.CACert,
			ServerNameOverride: "localhost",
		},
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}, echoRunner{}, func() fleet.Metrics { return fleet.Metrics{} })
	require.NoError(t, cl.Start())
	t.Cleanup(func() { _ = cl.Stop() })

	id := registry.SessionID("tls-01")
	require.Eventually(t, func() bool { return cl.SessionID() == id }, 5*time.Second, 10*time.Millisecond)
}
