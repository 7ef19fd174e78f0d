package tests

import (
	"context"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/EternisAI/silo-fleet/internal/store/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachines(t *testing.T, st *postgres.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	m := fleet.Session{
		ID:           "machine-1",
		Hostname:     "web-01",
		Platform:     "linux",
		Status:       fleet.StatusOnline,
		RegisteredAt: now,
		LastSeenAt:   now,
		SystemInfo:   map[string]any{"group": "lab"},
		AgentVersion: fleet.UnknownVersion,
	}
	require.NoError(t, st.UpsertMachine(ctx, m))

	t.Run("read back", func(t *testing.T) {
		got, err := st.Machine(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "web-01", got.Hostname)
		assert.Equal(t, fleet.StatusOnline, got.Status)
		assert.Equal(t, "lab", got.Group())
		assert.True(t, now.Equal(got.LastSeenAt))
	})

	t.Run("status and version", func(t *testing.T) {
		later := now.Add(time.Minute)
		require.NoError(t, st.UpdateMachineStatus(ctx, m.ID, fleet.StatusOffline, later))
		require.NoError(t, st.UpdateAgentVersion(ctx, m.ID, "1.4.2"))

		got, err := st.Machine(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, fleet.StatusOffline, got.Status)
		assert.Equal(t, "1.4.2", got.AgentVersion)
		assert.True(t, later.Equal(got.LastSeenAt))
	})

	t.Run("upsert replaces", func(t *testing.T) {
		m2 := m
		m2.Platform = "darwin"
		m2.SystemInfo = nil
		require.NoError(t, st.UpsertMachine(ctx, m2))

		got, err := st.Machine(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "darwin", got.Platform)
		assert.Empty(t, got.SystemInfo)
	})

	t.Run("unknown machine", func(t *testing.T) {
		_, err := st.Machine(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, st.UpdateMachineStatus(ctx, "nope", fleet.StatusOnline, now), store.ErrNotFound)
	})
}

func TestSamples(t *testing.T, st *postgres.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	for i := 0; i < 5; i++ {
		require.NoError(t, st.AppendSample(ctx, fleet.Sample{
			SessionID: "samples-1",
			Metrics: fleet.Metrics{
				CPUPercent:    float64(10 * (i + 1)),
				MemoryPercent: 40,
				DiskPercent:   float64(60 + i),
				ProcessCount:  100 + i,
			},
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	t.Run("baseline excludes upper bound", func(t *testing.T) {
		b, err := st.Baseline(ctx, "samples-1", fleet.MetricCPU, base, base.Add(4*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 4, b.Count)
		assert.InDelta(t, 25.0, b.Avg, 1e-9)
		assert.InDelta(t, 10.0, b.Min, 1e-9)
		assert.InDelta(t, 40.0, b.Max, 1e-9)
	})

	t.Run("empty baseline", func(t *testing.T) {
		b, err := st.Baseline(ctx, "other", fleet.MetricCPU, base, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, fleet.Baseline{}, b)
	})

	t.Run("unknown metric", func(t *testing.T) {
		_, err := st.Baseline(ctx, "samples-1", fleet.Metric("cpu; DROP TABLE metrics"), base, base.Add(time.Hour))
		assert.Error(t, err)
	})

	t.Run("series is ordered", func(t *testing.T) {
		points, err := st.Series(ctx, "samples-1", fleet.MetricDisk, base.Add(2*time.Minute))
		require.NoError(t, err)
		require.Len(t, points, 3)
		assert.InDelta(t, 62.0, points[0].Value, 1e-9)
		assert.InDelta(t, 64.0, points[2].Value, 1e-9)
		assert.True(t, points[0].Timestamp.Before(points[1].Timestamp))
	})

	t.Run("history", func(t *testing.T) {
		samples, err := st.MetricHistory(ctx, "samples-1", base)
		require.NoError(t, err)
		require.Len(t, samples, 5)
		assert.Equal(t, 104, samples[4].ProcessCount)
		assert.Equal(t, "samples-1", samples[0].SessionID)
	})
}

func TestAlerts(t *testing.T, st *postgres.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := st.SaveAlert(ctx, fleet.Alert{
		SessionID: "alerts-1",
		Hostname:  "db-01",
		Group:     "lab",
		Kind:      fleet.AlertResource,
		Severity:  fleet.SeverityWarning,
		Metric:    fleet.MetricCPU,
		Message:   "CPU: 93.0%",
		Evidence:  map[string]any{"value": 93.0},
		Timestamp: now.Add(-time.Minute),
	})
	require.NoError(t, err)
	second, err := st.SaveAlert(ctx, fleet.Alert{
		SessionID: "alerts-1",
		Hostname:  "db-01",
		Kind:      fleet.AlertLiveness,
		Severity:  fleet.SeverityCritical,
		Message:   "db-01 has gone offline",
		Timestamp: now,
	})
	require.NoError(t, err)
	_, err = st.SaveAlert(ctx, fleet.Alert{
		SessionID: "alerts-2",
		Kind:      fleet.AlertTrend,
		Severity:  fleet.SeverityInfo,
		Message:   "CPU trending up",
		Timestamp: now,
	})
	require.NoError(t, err)

	t.Run("per session newest first", func(t *testing.T) {
		active, err := st.ActiveAlerts(ctx, "alerts-1")
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, second, active[0].ID)
		assert.Equal(t, fleet.AlertLiveness, active[0].Kind)
		assert.Equal(t, fleet.MetricCPU, active[1].Metric)
		assert.InDelta(t, 93.0, active[1].Evidence["value"], 1e-9)
	})

	t.Run("fleet wide", func(t *testing.T) {
		active, err := st.ActiveAlerts(ctx, "")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(active), 3)
	})

	t.Run("acknowledge", func(t *testing.T) {
		require.NoError(t, st.AcknowledgeAlert(ctx, first))
		active, err := st.ActiveAlerts(ctx, "alerts-1")
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, second, active[0].ID)

		assert.ErrorIs(t, st.AcknowledgeAlert(ctx, 1<<40), store.ErrNotFound)
	})
}

func TestCommands(t *testing.T, st *postgres.Store) {
	ctx := context.Background()
	issued := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, st.LogCommand(ctx, fleet.Command{
		ID:        "cmd-1",
		SessionID: "machine-1",
		Hostname:  "web-01",
		Text:      "uptime",
		IssuedAt:  issued,
	}))

	cmd, err := st.Command(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, "uptime", cmd.Text)
	assert.Nil(t, cmd.Result)
	assert.Nil(t, cmd.CompletedAt)

	code := 0
	require.NoError(t, st.RecordCommandResult(ctx, "cmd-1", fleet.CommandResult{Stdout: "up 3 days", ReturnCode: &code}, issued.Add(time.Second)))

	cmd, err = st.Command(ctx, "cmd-1")
	require.NoError(t, err)
	require.NotNil(t, cmd.Result)
	assert.Equal(t, "up 3 days", cmd.Result.Stdout)
	require.NotNil(t, cmd.Result.ReturnCode)
	assert.Equal(t, 0, *cmd.Result.ReturnCode)
	require.NotNil(t, cmd.CompletedAt)

	err = st.RecordCommandResult(ctx, "missing", fleet.CommandResult{}, issued)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Command(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPurge(t *testing.T, st *postgres.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-8 * 24 * time.Hour)

	require.NoError(t, st.AppendSample(ctx, fleet.Sample{SessionID: "purge-1", Timestamp: old}))
	require.NoError(t, st.AppendSample(ctx, fleet.Sample{SessionID: "purge-1", Timestamp: now}))
	_, err := st.SaveAlert(ctx, fleet.Alert{
		SessionID: "purge-1",
		Kind:      fleet.AlertAnomaly,
		Severity:  fleet.SeverityWarning,
		Message:   "old",
		Timestamp: old,
	})
	require.NoError(t, err)

	removed, err := st.PurgeBefore(ctx, now.Add(-store.DefaultRetention))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, int64(2))

	samples, err := st.MetricHistory(ctx, "purge-1", old.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, samples, 1)

	active, err := st.ActiveAlerts(ctx, "purge-1")
	require.NoError(t, err)
	assert.Empty(t, active)
}
