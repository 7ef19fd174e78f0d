package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	apihttp "github.com/EternisAI/silo-fleet/internal/api/http"
	"github.com/EternisAI/silo-fleet/internal/alerts"
	"github.com/EternisAI/silo-fleet/internal/correlator"
	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/protocol"
	"github.com/EternisAI/silo-fleet/internal/registry"
	"github.com/EternisAI/silo-fleet/internal/store/postgres"
	"github.com/EternisAI/silo-fleet/internal/telemetry"
	"github.com/EternisAI/silo-fleet/internal/updates"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transport struct {
	frames []protocol.Frame
	closed bool
}

func (t *transport) ID() string { return "engine-transport" }

func (t *transport) Send(f protocol.Frame) error {
	t.frames = append(t.frames, f)
	return nil
}

func (t *transport) Writable() bool { return !t.closed }

func (t *transport) Close() error {
	t.closed = true
	return nil
}

// TestEngine drives registration, telemetry and commands through the HTTP
// API with every write landing in postgres.
func TestEngine(t *testing.T, st *postgres.Store) {
	ctx := context.Background()

	dispatcher := alerts.NewDispatcher(st, nil, alerts.Config{}, nil)
	analyzer := telemetry.NewAnalyzer(st, dispatcher, telemetry.DefaultConfig())
	reg := registry.New(st, analyzer, dispatcher)
	corr := correlator.New(reg, st, correlator.Config{}, nil)
	reg.SetProber(corr)

	router := gin.New()
	apihttp.SetupRoute(router, &apihttp.Services{
		Registry:   reg,
		Correlator: corr,
		Store:      st,
		Analyzer:   analyzer,
		Tracker:    updates.NewTracker(10),
		Gatherer:   prometheus.NewRegistry(),
	}, apihttp.Config{})

	tr := &transport{}
	id, err := reg.Register(ctx, registry.Registration{
		Hostname:     "engine-01",
		Platform:     "linux",
		AgentVersion: "2.0.0",
		SystemInfo:   map[string]any{"group": "system"},
	}, tr)
	require.NoError(t, err)

	machine, err := st.Machine(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusOnline, machine.Status)
	assert.Equal(t, "2.0.0", machine.AgentVersion)

	reg.Heartbeat(ctx, id, fleet.Metrics{CPUPercent: 97, MemoryPercent: 20, DiskPercent: 30, ProcessCount: 80})

	t.Run("heartbeat persisted with resource alert", func(t *testing.T) {
		rr := do(router, http.MethodGet, "/api/machines/"+id+"/metrics?hours=1", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var body struct {
			Samples []struct {
				CPUPercent float64 `json:"cpu_percent"`
			} `json:"samples"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		require.Len(t, body.Samples, 1)
		assert.InDelta(t, 97.0, body.Samples[0].CPUPercent, 1e-9)

		active, err := st.ActiveAlerts(ctx, id)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, fleet.AlertResource, active[0].Kind)
		assert.Equal(t, fleet.SeverityCritical, active[0].Severity)
	})

	t.Run("command history", func(t *testing.T) {
		rr := do(router, http.MethodPost, "/api/command", map[string]string{"machineId": id, "command": "hostname"})
		require.Equal(t, http.StatusOK, rr.Code)
		var resp struct {
			CommandID string `json:"commandId"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.NotEmpty(t, resp.CommandID)

		require.NotEmpty(t, tr.frames)
		cmd, ok := tr.frames[len(tr.frames)-1].(protocol.Command)
		require.True(t, ok)
		assert.Equal(t, "hostname", cmd.Command)

		corr.Deliver(ctx, resp.CommandID, fleet.CommandResult{Stdout: "engine-01"})

		logged, err := st.Command(ctx, resp.CommandID)
		require.NoError(t, err)
		require.NotNil(t, logged.Result)
		assert.Equal(t, "engine-01", logged.Result.Stdout)

		rr = do(router, http.MethodGet, "/api/command-result/"+resp.CommandID, nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		rr = do(router, http.MethodGet, "/api/command-result/"+resp.CommandID, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("disconnect goes offline once", func(t *testing.T) {
		reg.Disconnect(ctx, tr)
		reg.Disconnect(ctx, tr)

		machine, err := st.Machine(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, fleet.StatusOffline, machine.Status)

		active, err := st.ActiveAlerts(ctx, id)
		require.NoError(t, err)
		var liveness int
		for _, a := range active {
			if a.Kind == fleet.AlertLiveness {
				liveness++
				assert.Equal(t, "system", a.Group)
			}
		}
		assert.Equal(t, 1, liveness)

		rr := do(router, http.MethodPost, "/api/cleanup-offline", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		_, ok := reg.Session(id)
		assert.False(t, ok)
	})
}

func do(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}
