package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) SaveAlert(ctx context.Context, alert fleet.Alert) (int64, error) {
	args := m.Called(alert)
	return args.Get(0).(int64), args.Error(1)
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
	gate chan struct{}
}

func (r *recordingNotifier) Notify(ctx context.Context, msg notify.Message) error {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recordingNotifier) messages() []notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Message(nil), r.msgs...)
}

func resourceAlert(session string) fleet.Alert {
	return fleet.Alert{
		SessionID: session,
		Hostname:  "host-A",
		Group:     "web",
		Kind:      fleet.AlertResource,
		Severity:  fleet.SeverityWarning,
		Metric:    fleet.MetricCPU,
		Message:   "CPU usage at 93.0%",
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEmit_PersistsThenNotifies(t *testing.T) {
	store := new(MockStore)
	store.On("SaveAlert", mock.Anything).Return(int64(7), nil)
	n := &recordingNotifier{}

	d := NewDispatcher(store, n, Config{}, nil)
	require.NoError(t, d.Emit(context.Background(), resourceAlert("s1")))
	d.Wait()

	store.AssertNumberOfCalls(t, "SaveAlert", 1)
	msgs := n.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "⚠️ High Resource Usage", msgs[0].Title)
	assert.Contains(t, msgs[0].Body, "host-A")
	assert.Contains(t, msgs[0].Body, "web")
}

func TestEmit_NotificationFailureIsSwallowed(t *testing.T) {
	store := new(MockStore)
	store.On("SaveAlert", mock.Anything).Return(int64(1), nil)
	n := &recordingNotifier{err: errors.New("channel down")}

	d := NewDispatcher(store, n, Config{}, nil)
	assert.NoError(t, d.Emit(context.Background(), resourceAlert("s1")))
	d.Wait()

	assert.Len(t, n.messages(), 1)
}

func TestEmit_DoesNotBlockOnSlowNotifier(t *testing.T) {
	store := new(MockStore)
	store.On("SaveAlert", mock.Anything).Return(int64(1), nil)
	n := &recordingNotifier{gate: make(chan struct{})}

	d := NewDispatcher(store, n, Config{NotifyTimeout: time.Minute}, nil)

	done := make(chan error, 1)
	go func() { done <- d.Emit(context.Background(), resourceAlert("s1")) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on notification delivery")
	}

	close(n.gate)
	d.Wait()
	assert.Len(t, n.messages(), 1)
}

func TestEmit_PersistenceFailureStillNotifies(t *testing.T) {
	store := new(MockStore)
	store.On("SaveAlert", mock.Anything).Return(int64(0), errors.New("db gone"))
	n := &recordingNotifier{}

	d := NewDispatcher(store, n, Config{}, nil)
	err := d.Emit(context.Background(), resourceAlert("s1"))
	d.Wait()

	assert.ErrorIs(t, err, fleet.ErrPersistence)
	assert.Len(t, n.messages(), 1)
}

func TestEmit_DedupWindow(t *testing.T) {
	store := new(MockStore)
	store.On("SaveAlert", mock.Anything).Return(int64(1), nil)
	n := &recordingNotifier{}

	d := NewDispatcher(store, n, Config{DedupWindow: time.Hour}, nil)
	ctx := context.Background()

	require.NoError(t, d.Emit(ctx, resourceAlert("s1")))
	require.NoError(t, d.Emit(ctx, resourceAlert("s1")))
	require.NoError(t, d.Emit(ctx, resourceAlert("s2")))

	other := resourceAlert("s1")
	other.Metric = fleet.MetricMemory
	require.NoError(t, d.Emit(ctx, other))
	d.Wait()

	store.AssertNumberOfCalls(t, "SaveAlert", 3)
	assert.Len(t, n.messages(), 3)
}

func TestEmit_FailedSaveDoesNotHoldDedupSlot(t *testing.T) {
	store := new(MockStore)
	store.On("SaveAlert", mock.Anything).Return(int64(0), errors.New("db gone")).Once()
	store.On("SaveAlert", mock.Anything).Return(int64(2), nil)

	d := NewDispatcher(store, nil, Config{DedupWindow: time.Hour}, nil)
	ctx := context.Background()

	assert.ErrorIs(t, d.Emit(ctx, resourceAlert("s1")), fleet.ErrPersistence)
	require.NoError(t, d.Emit(ctx, resourceAlert("s1")))
	require.NoError(t, d.Emit(ctx, resourceAlert("s1")))
	d.Wait()

	store.AssertNumberOfCalls(t, "SaveAlert", 2)
}

func TestEmit_LivenessNeverDeduped(t *testing.T) {
	store := new(MockStore)
	store.On("SaveAlert", mock.Anything).Return(int64(1), nil)

	d := NewDispatcher(store, nil, Config{DedupWindow: time.Hour}, nil)
	s := fleet.Session{ID: "s1", Hostname: "host-A"}
	now := time.Now()

	require.NoError(t, d.Emit(context.Background(), Liveness(s, "heartbeat timeout", now)))
	require.NoError(t, d.Emit(context.Background(), Liveness(s, "heartbeat timeout", now)))
	d.Wait()

	store.AssertNumberOfCalls(t, "SaveAlert", 2)
}

func TestLiveness_CarriesContext(t *testing.T) {
	s := fleet.Session{
		ID:         "s1",
		Hostname:   "host-A",
		SystemInfo: map[string]any{"group": "db"},
	}
	a := Liveness(s, "connection closed", time.Unix(100, 0))

	assert.Equal(t, fleet.AlertLiveness, a.Kind)
	assert.Equal(t, fleet.SeverityCritical, a.Severity)
	assert.Equal(t, "db", a.Group)
	assert.Equal(t, "host-A", a.Hostname)
	assert.Equal(t, "connection closed", a.Evidence["reason"])
	assert.Contains(t, a.Message, "host-A")

	msg := MessageFor(a)
	assert.Equal(t, "🔴 Machine Offline", msg.Title)
	assert.Equal(t, notify.ColorRed, msg.Color)
}

func TestUninstalledMessage_DefaultsGroup(t *testing.T) {
	msg := UninstalledMessage("host-B", "")
	assert.Contains(t, msg.Body, "(Unknown)")
	assert.Equal(t, "host-B", msg.Hostname)
}
