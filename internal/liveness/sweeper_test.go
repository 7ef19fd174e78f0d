package liveness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/notify"
	"github.com/EternisAI/silo-fleet/internal/protocol"
	"github.com/EternisAI/silo-fleet/internal/registry"
	"github.com/EternisAI/silo-fleet/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type transport struct{ id string }

func (t transport) ID() string                { return t.id }
func (t transport) Send(protocol.Frame) error { return nil }
func (t transport) Writable() bool            { return true }
func (t transport) Close() error              { return nil }

type emitter struct {
	mu     sync.Mutex
	alerts []fleet.Alert
}

func (e *emitter) Emit(ctx context.Context, a fleet.Alert) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alerts = append(e.alerts, a)
	return nil
}

func (e *emitter) Notify(context.Context, notify.Message) {}

func (e *emitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.alerts)
}

func setup(t *testing.T) (*registry.Registry, *memory.Store, *emitter, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)}
	st := memory.New()
	em := &emitter{}
	return registry.New(st, nil, em, registry.WithClock(c.Now)), st, em, c
}

func TestSweep_MarksStaleSessionOfflineOnce(t *testing.T) {
	reg, st, em, c := setup(t)
	ctx := context.Background()
	sw := NewSweeper(reg, Config{Timeout: 30 * time.Second}, WithClock(c.Now))

	id, err := reg.Register(ctx, registry.Registration{
		Hostname:     "host-A",
		SystemInfo:   map[string]any{"group": "edge"},
		AgentVersion: "1.0.0",
	}, transport{"t1"})
	require.NoError(t, err)

	for range 4 {
		c.Advance(5 * time.Second)
		reg.Heartbeat(ctx, id, fleet.Metrics{CPUPercent: 5})
		assert.Equal(t, 0, sw.Sweep(ctx))
	}

	c.Advance(35 * time.Second)
	assert.Equal(t, 1, sw.Sweep(ctx))

	for range 5 {
		c.Advance(10 * time.Second)
		assert.Equal(t, 0, sw.Sweep(ctx))
	}

	require.Equal(t, 1, em.count())
	assert.Equal(t, fleet.AlertLiveness, em.alerts[0].Kind)
	assert.Equal(t, "host-A", em.alerts[0].Hostname)
	assert.Equal(t, "edge", em.alerts[0].Group)

	s, _ := reg.Session(id)
	assert.Equal(t, fleet.StatusOffline, s.Status)
	assert.GreaterOrEqual(t, c.Now().Sub(s.LastSeenAt), 30*time.Second)

	m, err := st.Machine(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusOffline, m.Status)
}

func TestSweep_FreshSessionsUntouched(t *testing.T) {
	reg, _, em, c := setup(t)
	ctx := context.Background()
	sw := NewSweeper(reg, Config{Timeout: 30 * time.Second}, WithClock(c.Now))

	_, err := reg.Register(ctx, registry.Registration{Hostname: "host-A", AgentVersion: "1"}, transport{"t1"})
	require.NoError(t, err)

	c.Advance(30 * time.Second)
	assert.Equal(t, 0, sw.Sweep(ctx))
	assert.Equal(t, 0, em.count())
}

type racingRegistry struct {
	sessions []fleet.Session
	fresh    fleet.Session
	calls    int
}

func (r *racingRegistry) OnlineSessions() []fleet.Session { return r.sessions }

func (r *racingRegistry) MarkOffline(ctx context.Context, id, reason string, stale func(fleet.Session) bool) (fleet.Session, bool) {
	r.calls++
	// A heartbeat landed after the snapshot was taken.
	return fleet.Session{}, stale(r.fresh)
}

func TestSweep_RechecksAfterSnapshot(t *testing.T) {
	now := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	reg := &racingRegistry{
		sessions: []fleet.Session{{ID: "s1", Status: fleet.StatusOnline, LastSeenAt: now.Add(-time.Minute)}},
		fresh:    fleet.Session{ID: "s1", Status: fleet.StatusOnline, LastSeenAt: now},
	}
	sw := NewSweeper(reg, Config{}, WithClock(func() time.Time { return now }))

	assert.Equal(t, 0, sw.Sweep(context.Background()))
	assert.Equal(t, 1, reg.calls)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{Timeout: 30 * time.Second, HeartbeatPeriod: 15 * time.Second}.Validate())
	assert.Error(t, Config{Timeout: 20 * time.Second, HeartbeatPeriod: 15 * time.Second}.Validate())
}

func TestRun_StopsOnCancel(t *testing.T) {
	reg, _, _, _ := setup(t)
	sw := NewSweeper(reg, Config{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
