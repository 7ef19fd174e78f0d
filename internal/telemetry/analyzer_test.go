package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 7, 10, 12, 0, 0, 0, time.UTC)

type recordingEmitter struct {
	mu     sync.Mutex
	alerts []fleet.Alert
}

func (r *recordingEmitter) Emit(ctx context.Context, a fleet.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingEmitter) ofKind(kind fleet.AlertKind) []fleet.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []fleet.Alert
	for _, a := range r.alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

type staticLister []fleet.Session

func (s staticLister) OnlineSessions() []fleet.Session { return s }

func newAnalyzer(t *testing.T) (*Analyzer, *memory.Store, *recordingEmitter) {
	t.Helper()
	st := memory.New()
	em := &recordingEmitter{}
	return NewAnalyzer(st, em, DefaultConfig(), WithClock(func() time.Time { return now })), st, em
}

func seed(t *testing.T, st *memory.Store, session string, step time.Duration, values []float64, set func(*fleet.Metrics, float64)) {
	t.Helper()
	start := now.Add(-step * time.Duration(len(values)))
	for i, v := range values {
		var m fleet.Metrics
		set(&m, v)
		require.NoError(t, st.AppendSample(context.Background(), fleet.Sample{
			SessionID: session,
			Metrics:   m,
			Timestamp: start.Add(step * time.Duration(i)),
		}))
	}
}

func setCPU(m *fleet.Metrics, v float64)  { m.CPUPercent = v }
func setDisk(m *fleet.Metrics, v float64) { m.DiskPercent = v }

func TestIngest_ThresholdAlert(t *testing.T) {
	a, st, em := newAnalyzer(t)

	err := a.Ingest(context.Background(), fleet.Sample{
		SessionID: "s1",
		Hostname:  "host-A",
		Group:     "web",
		Metrics:   fleet.Metrics{CPUPercent: 93, MemoryPercent: 89, DiskPercent: 40},
		Timestamp: now,
	})
	require.NoError(t, err)

	resource := em.ofKind(fleet.AlertResource)
	require.Len(t, resource, 1)
	assert.Equal(t, fleet.MetricCPU, resource[0].Metric)
	assert.Equal(t, "CPU: 93.0%", resource[0].Message)
	assert.Equal(t, "web", resource[0].Group)

	history, _ := st.MetricHistory(context.Background(), "s1", time.Time{})
	assert.Len(t, history, 1)
}

func TestIngest_AnomalyAboveMultiplier(t *testing.T) {
	a, st, em := newAnalyzer(t)
	seed(t, st, "s1", time.Hour, []float64{8, 10, 12, 10}, setCPU)

	require.NoError(t, a.Ingest(context.Background(), fleet.Sample{
		SessionID: "s1",
		Metrics:   fleet.Metrics{CPUPercent: 35},
		Timestamp: now,
	}))

	anomalies := em.ofKind(fleet.AlertAnomaly)
	require.Len(t, anomalies, 1)
	assert.Equal(t, fleet.MetricCPU, anomalies[0].Metric)
	assert.InDelta(t, 10, anomalies[0].Evidence["baseline_avg"], 1e-9)
	assert.Equal(t, 35.0, anomalies[0].Evidence["value"])
	assert.Equal(t, 3.0, anomalies[0].Evidence["multiplier"])
}

func TestIngest_NoAnomalyBelowMultiplier(t *testing.T) {
	a, st, em := newAnalyzer(t)
	seed(t, st, "s1", time.Hour, []float64{8, 10, 12, 10}, setCPU)

	require.NoError(t, a.Ingest(context.Background(), fleet.Sample{
		SessionID: "s1",
		Metrics:   fleet.Metrics{CPUPercent: 25},
		Timestamp: now,
	}))
	assert.Empty(t, em.ofKind(fleet.AlertAnomaly))
}

func TestIngest_NoAnomalyWithoutBaseline(t *testing.T) {
	a, _, em := newAnalyzer(t)

	require.NoError(t, a.Ingest(context.Background(), fleet.Sample{
		SessionID: "s1",
		Metrics:   fleet.Metrics{CPUPercent: 80, MemoryPercent: 80},
		Timestamp: now,
	}))
	assert.Empty(t, em.ofKind(fleet.AlertAnomaly))
}

func TestIngest_DiskAnomalyDisabledByDefault(t *testing.T) {
	a, st, em := newAnalyzer(t)
	seed(t, st, "s1", time.Hour, []float64{10, 10, 10}, setDisk)

	require.NoError(t, a.Ingest(context.Background(), fleet.Sample{
		SessionID: "s1",
		Metrics:   fleet.Metrics{DiskPercent: 80},
		Timestamp: now,
	}))
	assert.Empty(t, em.ofKind(fleet.AlertAnomaly))
}

func TestIngest_ConfigurableMultiplier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Multipliers = map[string]float64{string(fleet.MetricDisk): 2}
	st := memory.New()
	em := &recordingEmitter{}
	a := NewAnalyzer(st, em, cfg)
	seed(t, st, "s1", time.Hour, []float64{10, 10, 10}, setDisk)

	require.NoError(t, a.Ingest(context.Background(), fleet.Sample{
		SessionID: "s1",
		Metrics:   fleet.Metrics{DiskPercent: 25, CPUPercent: 90},
		Timestamp: now,
	}))

	anomalies := em.ofKind(fleet.AlertAnomaly)
	require.Len(t, anomalies, 1)
	assert.Equal(t, fleet.MetricDisk, anomalies[0].Metric)
}

type failingStore struct {
	*memory.Store
}

func (failingStore) AppendSample(context.Context, fleet.Sample) error {
	return errors.New("disk full")
}

func TestIngest_PersistenceFailureStillChecksThreshold(t *testing.T) {
	em := &recordingEmitter{}
	a := NewAnalyzer(failingStore{memory.New()}, em, DefaultConfig())

	err := a.Ingest(context.Background(), fleet.Sample{
		SessionID: "s1",
		Metrics:   fleet.Metrics{DiskPercent: 97},
		Timestamp: now,
	})
	assert.ErrorIs(t, err, fleet.ErrPersistence)
	require.Len(t, em.ofKind(fleet.AlertResource), 1)
	assert.Equal(t, fleet.SeverityCritical, em.ofKind(fleet.AlertResource)[0].Severity)
}

func risingDisk(n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = 59.5 + 0.5*float64(i)
	}
	return values
}

func TestAnalyzeTrends_PredictiveDiskAlert(t *testing.T) {
	a, st, em := newAnalyzer(t)
	// 12 samples two hours apart: +6%/day, ending at 65%, so 95% is five
	// days out.
	seed(t, st, "s1", 2*time.Hour, risingDisk(12), setDisk)

	s := fleet.Session{ID: "s1", Hostname: "host-A", SystemInfo: map[string]any{"group": "db"}}
	require.NoError(t, a.AnalyzeTrends(context.Background(), s))

	predictive := em.ofKind(fleet.AlertPredictive)
	require.Len(t, predictive, 1)
	assert.InDelta(t, 5, predictive[0].Evidence["days_remaining"], 0.01)
	assert.Equal(t, "db", predictive[0].Group)
	assert.Equal(t, fleet.MetricDisk, predictive[0].Metric)
}

func TestAnalyzeTrends_TooFewDiskSamples(t *testing.T) {
	a, st, em := newAnalyzer(t)
	values := []float64{60, 70, 80, 88, 93}
	seed(t, st, "s1", 2*time.Hour, values, setDisk)

	require.NoError(t, a.AnalyzeTrends(context.Background(), fleet.Session{ID: "s1"}))
	assert.Empty(t, em.ofKind(fleet.AlertPredictive))
}

func TestAnalyzeTrends_FlatDiskNoAlert(t *testing.T) {
	a, st, em := newAnalyzer(t)
	flat := make([]float64, 20)
	for i := range flat {
		flat[i] = 70
	}
	seed(t, st, "s1", time.Hour, flat, setDisk)

	require.NoError(t, a.AnalyzeTrends(context.Background(), fleet.Session{ID: "s1"}))
	assert.Empty(t, em.ofKind(fleet.AlertPredictive))
}

func TestAnalyzeTrends_DistantDiskNoAlert(t *testing.T) {
	a, st, em := newAnalyzer(t)
	slow := make([]float64, 12)
	for i := range slow {
		slow[i] = 40 + 0.01*float64(i)
	}
	seed(t, st, "s1", 2*time.Hour, slow, setDisk)

	require.NoError(t, a.AnalyzeTrends(context.Background(), fleet.Session{ID: "s1"}))
	assert.Empty(t, em.ofKind(fleet.AlertPredictive))
}

func TestAnalyzeTrends_CPUTrendAlert(t *testing.T) {
	a, st, em := newAnalyzer(t)
	// 22 hourly samples rising 0.5%/hour = 12%/day.
	values := make([]float64, 22)
	for i := range values {
		values[i] = 20 + 0.5*float64(i)
	}
	seed(t, st, "s1", time.Hour, values, setCPU)

	require.NoError(t, a.AnalyzeTrends(context.Background(), fleet.Session{ID: "s1", Hostname: "host-A"}))

	trend := em.ofKind(fleet.AlertTrend)
	require.Len(t, trend, 1)
	assert.InDelta(t, 12, trend[0].Evidence["per_day"], 0.01)
}

func TestAnalyzeTrends_CPUGate(t *testing.T) {
	a, st, em := newAnalyzer(t)
	values := make([]float64, 20)
	for i := range values {
		values[i] = 20 + 2*float64(i)
	}
	seed(t, st, "s1", time.Hour, values, setCPU)

	require.NoError(t, a.AnalyzeTrends(context.Background(), fleet.Session{ID: "s1"}))
	assert.Empty(t, em.ofKind(fleet.AlertTrend))
}

func TestAnalyzeTrends_ZeroCPUThresholdAlertsOnAnyRise(t *testing.T) {
	// 22 hourly samples rising 0.05%/hour = 1.2%/day.
	values := make([]float64, 22)
	for i := range values {
		values[i] = 20 + 0.05*float64(i)
	}

	a, st, em := newAnalyzer(t)
	seed(t, st, "s1", time.Hour, values, setCPU)
	require.NoError(t, a.AnalyzeTrends(context.Background(), fleet.Session{ID: "s1"}))
	assert.Empty(t, em.ofKind(fleet.AlertTrend))

	cfg := DefaultConfig()
	cfg.CPUDailyIncrease = 0
	em = &recordingEmitter{}
	a = NewAnalyzer(st, em, cfg, WithClock(func() time.Time { return now }))
	assert.Zero(t, a.Config().CPUDailyIncrease)

	require.NoError(t, a.AnalyzeTrends(context.Background(), fleet.Session{ID: "s1"}))
	trend := em.ofKind(fleet.AlertTrend)
	require.Len(t, trend, 1)
	assert.InDelta(t, 1.2, trend[0].Evidence["per_day"], 0.01)
}

func TestConfig_NegativeCPUThresholdUsesDefault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPUDailyIncrease = -1
	assert.Equal(t, DefaultConfig().CPUDailyIncrease, cfg.withDefaults().CPUDailyIncrease)
}

func TestAnalyzeAll_ContinuesPastFailures(t *testing.T) {
	a, st, em := newAnalyzer(t)
	seed(t, st, "s2", 2*time.Hour, risingDisk(12), setDisk)

	a.AnalyzeAll(context.Background(), staticLister{
		{ID: "s1", Hostname: "empty"},
		{ID: "s2", Hostname: "rising"},
	})
	require.Len(t, em.ofKind(fleet.AlertPredictive), 1)
	assert.Equal(t, "s2", em.ofKind(fleet.AlertPredictive)[0].SessionID)
}

func TestTrend_OnDemand(t *testing.T) {
	a, st, _ := newAnalyzer(t)
	seed(t, st, "s1", 2*time.Hour, risingDisk(12), setDisk)

	tr, err := a.Trend(context.Background(), "s1", fleet.MetricDisk, 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 12, tr.SampleCount)
	assert.InDelta(t, 0.5, tr.Slope, 1e-9)
	assert.True(t, tr.HasPrediction)
}

func TestSamplesPerDay_FallsBackToInterval(t *testing.T) {
	a, _, _ := newAnalyzer(t)
	assert.InDelta(t, 144, a.samplesPerDay(nil), 1e-9)
	assert.InDelta(t, 144, a.samplesPerDay([]fleet.Point{{Timestamp: now}, {Timestamp: now}}), 1e-9)
	assert.InDelta(t, 24, a.samplesPerDay([]fleet.Point{{Timestamp: now}, {Timestamp: now.Add(time.Hour)}}), 1e-9)
}
