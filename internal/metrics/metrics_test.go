package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetSessionsOnline(3)
	m.IncHeartbeats()
	m.IncHeartbeats()
	m.IncAlerts("liveness")
	m.IncCommandResults(false)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.SessionsOnline))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Heartbeats))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Alerts.WithLabelValues("liveness")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandResults.WithLabelValues("false")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetSessionsOnline(1)
		m.IncRegistrations()
		m.IncHeartbeats()
		m.IncCommandsDispatched()
		m.IncCommandResults(true)
		m.IncAlerts("trend")
		m.IncAlertsSuppressed()
		m.IncSweepTransitions()
		m.IncPersistenceErrors()
	})
}
