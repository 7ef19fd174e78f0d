package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/notify"
	"github.com/EternisAI/silo-fleet/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	id string

	mu       sync.Mutex
	sent     []protocol.Frame
	closed   bool
	readonly bool
}

func newTransport(id string) *fakeTransport {
	return &fakeTransport{id: id}
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) Send(frame protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) Writable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed && !f.readonly
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) frames() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Frame(nil), f.sent...)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type MockStore struct {
	mock.Mock
}

func (m *MockStore) UpsertMachine(ctx context.Context, s fleet.Session) error {
	args := m.Called(s)
	return args.Error(0)
}

func (m *MockStore) UpdateMachineStatus(ctx context.Context, id string, status fleet.Status, lastSeen time.Time) error {
	args := m.Called(id, status)
	return args.Error(0)
}

func (m *MockStore) UpdateAgentVersion(ctx context.Context, id, version string) error {
	args := m.Called(id, version)
	return args.Error(0)
}

func okStore() *MockStore {
	s := new(MockStore)
	s.On("UpsertMachine", mock.Anything).Return(nil)
	s.On("UpdateMachineStatus", mock.Anything, mock.Anything).Return(nil)
	s.On("UpdateAgentVersion", mock.Anything, mock.Anything).Return(nil)
	return s
}

type recordingSink struct {
	mu      sync.Mutex
	samples []fleet.Sample
}

func (r *recordingSink) Ingest(ctx context.Context, s fleet.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

type recordingEmitter struct {
	mu     sync.Mutex
	alerts []fleet.Alert
	msgs   []notify.Message
}

func (r *recordingEmitter) Emit(ctx context.Context, a fleet.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingEmitter) Notify(ctx context.Context, msg notify.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recordingEmitter) liveness() []fleet.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []fleet.Alert
	for _, a := range r.alerts {
		if a.Kind == fleet.AlertLiveness {
			out = append(out, a)
		}
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type MockProber struct {
	mock.Mock
}

func (m *MockProber) ProbeVersion(ctx context.Context, sessionID string) (string, error) {
	args := m.Called(sessionID)
	return args.String(0), args.Error(1)
}

type fixture struct {
	reg     *Registry
	store   *MockStore
	sink    *recordingSink
	emitter *recordingEmitter
	clock   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   okStore(),
		sink:    &recordingSink{},
		emitter: &recordingEmitter{},
		clock:   &fakeClock{t: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)},
	}
	f.reg = New(f.store, f.sink, f.emitter, WithClock(f.clock.Now))
	return f
}

func hostA() Registration {
	return Registration{
		Hostname:     "host-A",
		Platform:     "linux",
		SystemInfo:   map[string]any{"group": "web"},
		AgentVersion: "1.2.0",
	}
}

func TestRegister_CreatesOnlineSession(t *testing.T) {
	f := newFixture(t)
	tr := newTransport("t1")

	id, err := f.reg.Register(context.Background(), hostA(), tr)
	require.NoError(t, err)
	assert.Equal(t, SessionID("host-A"), id)

	s, ok := f.reg.Session(id)
	require.True(t, ok)
	assert.Equal(t, fleet.StatusOnline, s.Status)
	assert.Equal(t, "1.2.0", s.AgentVersion)
	assert.Equal(t, "web", s.Group())

	frames := tr.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.Registered{ID: id}, frames[0])
	f.store.AssertCalled(t, "UpsertMachine", mock.Anything)
}

func TestRegister_RequiresHostname(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Register(context.Background(), Registration{}, newTransport("t1"))
	assert.ErrorIs(t, err, ErrInvalidRegistration)
}

func TestSessionID_StableAndCaseInsensitive(t *testing.T) {
	assert.Equal(t, SessionID("host-A"), SessionID("HOST-a"))
	assert.NotEqual(t, SessionID("host-A"), SessionID("host-B"))
}

func TestRegister_LastRegistrationWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	oldT := newTransport("old")
	newT := newTransport("new")

	id, err := f.reg.Register(ctx, hostA(), oldT)
	require.NoError(t, err)
	_, err = f.reg.Register(ctx, hostA(), newT)
	require.NoError(t, err)

	assert.True(t, oldT.isClosed())
	assert.False(t, newT.isClosed())

	before, _ := f.reg.Session(id)
	f.clock.Advance(5 * time.Second)

	f.reg.HeartbeatVia(ctx, oldT, fleet.Metrics{CPUPercent: 50})
	after, _ := f.reg.Session(id)
	assert.Equal(t, before.LastSeenAt, after.LastSeenAt)
	assert.Nil(t, after.LatestMetrics)
	assert.Equal(t, 0, f.sink.count())

	// The replaced transport closing later must not take the new session down.
	f.reg.Disconnect(ctx, oldT)
	s, _ := f.reg.Session(id)
	assert.Equal(t, fleet.StatusOnline, s.Status)
	assert.Empty(t, f.emitter.liveness())

	require.NoError(t, f.reg.Send(id, protocol.UpdateRequest{}))
	assert.Contains(t, newT.frames(), protocol.Frame(protocol.UpdateRequest{}))
	assert.Len(t, f.reg.ListSessions(Filter{}), 1)
}

func TestRegister_SameTransportNewHostnameUnbindsPrevious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn := newTransport("conn-1")

	idA, err := f.reg.Register(ctx, hostA(), conn)
	require.NoError(t, err)
	idB, err := f.reg.Register(ctx, Registration{Hostname: "host-B", Platform: "linux", AgentVersion: "1.2.0"}, conn)
	require.NoError(t, err)

	a, _ := f.reg.Session(idA)
	assert.Equal(t, fleet.StatusOffline, a.Status)
	assert.False(t, conn.isClosed())
	require.Len(t, f.emitter.liveness(), 1)
	assert.Equal(t, idA, f.emitter.liveness()[0].SessionID)
	f.store.AssertCalled(t, "UpdateMachineStatus", idA, fleet.StatusOffline)

	err = f.reg.Send(idA, protocol.UpdateRequest{})
	assert.ErrorIs(t, err, fleet.ErrSessionUnavailable)
	require.NoError(t, f.reg.Send(idB, protocol.UpdateRequest{}))

	f.reg.Disconnect(ctx, conn)
	b, _ := f.reg.Session(idB)
	assert.Equal(t, fleet.StatusOffline, b.Status)
	a, _ = f.reg.Session(idA)
	assert.Equal(t, fleet.StatusOffline, a.Status)
	assert.Len(t, f.emitter.liveness(), 2)
}

func TestRegister_PersistenceFailureKeepsSession(t *testing.T) {
	store := new(MockStore)
	store.On("UpsertMachine", mock.Anything).Return(errors.New("db down"))
	reg := New(store, nil, nil)

	id, err := reg.Register(context.Background(), hostA(), newTransport("t1"))
	assert.ErrorIs(t, err, fleet.ErrPersistence)

	s, ok := reg.Session(id)
	require.True(t, ok)
	assert.Equal(t, fleet.StatusOnline, s.Status)
}

func TestRegister_UnknownVersionTriggersProbe(t *testing.T) {
	f := newFixture(t)
	prober := new(MockProber)
	prober.On("ProbeVersion", SessionID("host-A")).Return("cmd-1", nil)
	f.reg.SetProber(prober)

	reg := hostA()
	reg.AgentVersion = ""
	id, err := f.reg.Register(context.Background(), reg, newTransport("t1"))
	require.NoError(t, err)

	prober.AssertCalled(t, "ProbeVersion", id)
	s, _ := f.reg.Session(id)
	assert.Equal(t, fleet.UnknownVersion, s.AgentVersion)
}

func TestRegister_KnownVersionSkipsProbe(t *testing.T) {
	f := newFixture(t)
	prober := new(MockProber)
	f.reg.SetProber(prober)

	_, err := f.reg.Register(context.Background(), hostA(), newTransport("t1"))
	require.NoError(t, err)
	prober.AssertNotCalled(t, "ProbeVersion", mock.Anything)
}

func TestRegister_BackOnlineNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := newTransport("t1")

	_, err := f.reg.Register(ctx, hostA(), t1)
	require.NoError(t, err)
	f.reg.Disconnect(ctx, t1)

	_, err = f.reg.Register(ctx, hostA(), newTransport("t2"))
	require.NoError(t, err)

	f.emitter.mu.Lock()
	defer f.emitter.mu.Unlock()
	require.Len(t, f.emitter.msgs, 1)
	assert.Equal(t, "online", f.emitter.msgs[0].Kind)
}

func TestHeartbeat_RefreshesAndForwards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.reg.Register(ctx, hostA(), newTransport("t1"))

	f.clock.Advance(5 * time.Second)
	f.reg.Heartbeat(ctx, id, fleet.Metrics{CPUPercent: 12, MemoryPercent: 30, DiskPercent: 40, ProcessCount: 120})

	s, _ := f.reg.Session(id)
	assert.Equal(t, f.clock.Now(), s.LastSeenAt)
	require.NotNil(t, s.LatestMetrics)
	assert.Equal(t, 120, s.LatestMetrics.ProcessCount)

	require.Equal(t, 1, f.sink.count())
	assert.Equal(t, id, f.sink.samples[0].SessionID)
	assert.Equal(t, "host-A", f.sink.samples[0].Hostname)
}

func TestHeartbeat_UnknownSessionIsNoop(t *testing.T) {
	f := newFixture(t)
	f.reg.Heartbeat(context.Background(), "missing", fleet.Metrics{CPUPercent: 99})
	assert.Equal(t, 0, f.sink.count())
	assert.Empty(t, f.reg.ListSessions(Filter{}))
}

func TestDisconnect_ExactlyOneLivenessAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := newTransport("t1")
	id, _ := f.reg.Register(ctx, hostA(), tr)

	f.reg.Disconnect(ctx, tr)
	f.reg.Disconnect(ctx, tr)

	s, _ := f.reg.Session(id)
	assert.Equal(t, fleet.StatusOffline, s.Status)

	live := f.emitter.liveness()
	require.Len(t, live, 1)
	assert.Equal(t, "host-A", live[0].Hostname)
	assert.Equal(t, "web", live[0].Group)
	f.store.AssertCalled(t, "UpdateMachineStatus", id, fleet.StatusOffline)

	assert.ErrorIs(t, f.reg.Send(id, protocol.UpdateRequest{}), fleet.ErrSessionUnavailable)
}

func TestMarkOffline_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.reg.Register(ctx, hostA(), newTransport("t1"))
	always := func(fleet.Session) bool { return true }

	_, changed := f.reg.MarkOffline(ctx, id, "heartbeat timeout", always)
	assert.True(t, changed)
	_, changed = f.reg.MarkOffline(ctx, id, "heartbeat timeout", always)
	assert.False(t, changed)

	assert.Len(t, f.emitter.liveness(), 1)
}

func TestMarkOffline_ConditionRechecked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.reg.Register(ctx, hostA(), newTransport("t1"))

	_, changed := f.reg.MarkOffline(ctx, id, "heartbeat timeout", func(fleet.Session) bool { return false })
	assert.False(t, changed)

	s, _ := f.reg.Session(id)
	assert.Equal(t, fleet.StatusOnline, s.Status)
	assert.Empty(t, f.emitter.liveness())
}

func TestHeartbeat_RevivesOfflineSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.reg.Register(ctx, hostA(), newTransport("t1"))
	f.reg.MarkOffline(ctx, id, "heartbeat timeout", func(fleet.Session) bool { return true })

	f.reg.Heartbeat(ctx, id, fleet.Metrics{})

	s, _ := f.reg.Session(id)
	assert.Equal(t, fleet.StatusOnline, s.Status)
	f.store.AssertCalled(t, "UpdateMachineStatus", id, fleet.StatusOnline)
}

func TestCleanup_RemovesOnlyOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := newTransport("t1")
	_, _ = f.reg.Register(ctx, hostA(), t1)
	_, _ = f.reg.Register(ctx, Registration{Hostname: "host-B", Platform: "windows"}, newTransport("t2"))

	assert.Equal(t, 0, f.reg.Cleanup(ctx))

	f.reg.Disconnect(ctx, t1)
	assert.Equal(t, 1, f.reg.Cleanup(ctx))

	sessions := f.reg.ListSessions(Filter{})
	require.Len(t, sessions, 1)
	assert.Equal(t, "host-B", sessions[0].Hostname)
}

func TestListSessions_FilterAndCopies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.reg.Register(ctx, hostA(), newTransport("t1"))
	tb := newTransport("t2")
	_, _ = f.reg.Register(ctx, Registration{Hostname: "host-B", Platform: "windows"}, tb)
	f.reg.Disconnect(ctx, tb)

	online := f.reg.ListSessions(Filter{Status: fleet.StatusOnline})
	require.Len(t, online, 1)
	assert.Equal(t, "host-A", online[0].Hostname)

	windows := f.reg.ListSessions(Filter{Platform: "Windows"})
	require.Len(t, windows, 1)
	assert.Equal(t, "host-B", windows[0].Hostname)

	online[0].SystemInfo["group"] = "mutated"
	s, _ := f.reg.Session(online[0].ID)
	assert.Equal(t, "web", s.Group())
}

func TestSend_Unavailable(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.reg.Send("missing", protocol.UpdateRequest{}), fleet.ErrSessionUnavailable)

	tr := newTransport("t1")
	id, _ := f.reg.Register(context.Background(), hostA(), tr)
	tr.mu.Lock()
	tr.readonly = true
	tr.mu.Unlock()
	assert.ErrorIs(t, f.reg.Send(id, protocol.UpdateRequest{}), fleet.ErrSessionUnavailable)
}

func TestBroadcast_CountsWritableOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.reg.Register(ctx, hostA(), newTransport("t1"))
	_, _ = f.reg.Register(ctx, Registration{Hostname: "host-B"}, newTransport("t2"))
	tc := newTransport("t3")
	_, _ = f.reg.Register(ctx, Registration{Hostname: "host-C"}, tc)
	f.reg.Disconnect(ctx, tc)

	assert.Equal(t, 2, f.reg.Broadcast(protocol.UpdateRequest{}))
}

func TestSetAgentVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := hostA()
	reg.AgentVersion = ""
	id, _ := f.reg.Register(ctx, reg, newTransport("t1"))
	f.reg.SetPendingProbe(id, "cmd-1")

	require.NoError(t, f.reg.SetAgentVersion(ctx, id, "2.0.1"))
	s, _ := f.reg.Session(id)
	assert.Equal(t, "2.0.1", s.AgentVersion)
	assert.Empty(t, s.PendingVersionProbe)

	assert.ErrorIs(t, f.reg.SetAgentVersion(ctx, "missing", "1"), fleet.ErrSessionNotFound)
}

func TestRegister_ConcurrentDistinctIdentities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			host := fmt.Sprintf("host-%d", i)
			_, err := f.reg.Register(ctx, Registration{Hostname: host}, newTransport(host))
			assert.NoError(t, err)
			f.reg.Heartbeat(ctx, SessionID(host), fleet.Metrics{CPUPercent: 1})
		}()
	}
	wg.Wait()

	assert.Len(t, f.reg.OnlineSessions(), 50)
	assert.Equal(t, 50, f.sink.count())
}

func TestStop_ClosesTransportsWithoutAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := newTransport("t1")
	id, _ := f.reg.Register(ctx, hostA(), t1)

	f.reg.Stop()
	assert.True(t, t1.isClosed())

	// the connection goroutine reports the close afterwards
	f.reg.Disconnect(ctx, t1)

	s, ok := f.reg.Session(id)
	require.True(t, ok)
	assert.Equal(t, fleet.StatusOnline, s.Status)
	assert.Empty(t, f.emitter.liveness())
}
