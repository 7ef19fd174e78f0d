// Package registry owns the set of agent sessions and the transports they
// are reachable on. All mutations are serialized by one lock; readers get
// copies.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/alerts"
	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/metrics"
	"github.com/EternisAI/silo-fleet/internal/notify"
	"github.com/EternisAI/silo-fleet/internal/protocol"
	"github.com/google/uuid"
)

// sessionNamespace scopes name-based session ids so that the same hostname
// always maps to the same id across restarts.
var sessionNamespace = uuid.MustParse("6f1c2a8e-3d4b-5c6d-8e7f-9a0b1c2d3e4f")

var ErrInvalidRegistration = errors.New("registration requires a hostname")

// Transport is the duplex channel a session is reachable on.
type Transport interface {
	ID() string
	Send(frame protocol.Frame) error
	Writable() bool
	Close() error
}

type Store interface {
	UpsertMachine(ctx context.Context, s fleet.Session) error
	UpdateMachineStatus(ctx context.Context, id string, status fleet.Status, lastSeen time.Time) error
	UpdateAgentVersion(ctx context.Context, id, version string) error
}

// SampleSink receives every accepted heartbeat sample.
type SampleSink interface {
	Ingest(ctx context.Context, sample fleet.Sample) error
}

type AlertEmitter interface {
	Emit(ctx context.Context, alert fleet.Alert) error
	Notify(ctx context.Context, msg notify.Message)
}

// VersionProber discovers the agent version of a session that registered
// without announcing one.
type VersionProber interface {
	ProbeVersion(ctx context.Context, sessionID string) (string, error)
}

type Registration struct {
	Hostname     string
	Platform     string
	SystemInfo   map[string]any
	AgentVersion string
}

type Filter struct {
	Status   fleet.Status
	Platform string
}

func (f Filter) match(s *fleet.Session) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Platform != "" && !strings.EqualFold(s.Platform, f.Platform) {
		return false
	}
	return true
}

type entry struct {
	session   *fleet.Session
	transport Transport
}

type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*entry
	byTransport map[string]string

	store   Store
	sink    SampleSink
	emitter AlertEmitter
	prober  VersionProber
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func New(store Store, sink SampleSink, emitter AlertEmitter, opts ...Option) *Registry {
	r := &Registry{
		sessions:    make(map[string]*entry),
		byTransport: make(map[string]string),
		store:       store,
		sink:        sink,
		emitter:     emitter,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetProber sets the VersionProber after creation. The prober usually
// depends on the registry itself.
func (r *Registry) SetProber(p VersionProber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prober = p
}

// SessionID derives the stable session id for a hostname.
func SessionID(hostname string) string {
	return uuid.NewSHA1(sessionNamespace, []byte(strings.ToLower(hostname))).String()
}

// Register creates or replaces the session for reg.Hostname and binds it to
// t. A previous transport for the same identity is closed. The returned
// error is non-nil only for invalid input or a persistence failure; in the
// latter case the session is registered regardless.
func (r *Registry) Register(ctx context.Context, reg Registration, t Transport) (string, error) {
	if reg.Hostname == "" {
		return "", ErrInvalidRegistration
	}

	id := SessionID(reg.Hostname)
	now := r.now()
	version := reg.AgentVersion
	if version == "" {
		version = fleet.UnknownVersion
	}

	session := &fleet.Session{
		ID:           id,
		Hostname:     reg.Hostname,
		Platform:     reg.Platform,
		Status:       fleet.StatusOnline,
		RegisteredAt: now,
		LastSeenAt:   now,
		SystemInfo:   reg.SystemInfo,
		AgentVersion: version,
	}
	if session.SystemInfo == nil {
		session.SystemInfo = map[string]any{}
	}

	r.mu.Lock()
	prev, existed := r.sessions[id]
	if existed && prev.transport != nil {
		delete(r.byTransport, prev.transport.ID())
	}
	// a transport carries one session; re-registering it under another
	// hostname unbinds the session it carried before
	var orphan *fleet.Session
	if boundID, bound := r.byTransport[t.ID()]; bound && boundID != id {
		other := r.sessions[boundID]
		other.transport = nil
		if other.session.Status == fleet.StatusOnline {
			other.session.Status = fleet.StatusOffline
			snap := other.session.Clone()
			orphan = &snap
		}
	}
	r.sessions[id] = &entry{session: session, transport: t}
	r.byTransport[t.ID()] = id
	online := r.countOnlineLocked()
	prober := r.prober
	snapshot := session.Clone()
	r.mu.Unlock()

	r.metrics.IncRegistrations()
	r.metrics.SetSessionsOnline(online)

	if orphan != nil {
		slog.Warn("Transport re-registered under another hostname",
			"session_id", orphan.ID,
			"hostname", orphan.Hostname,
			"new_hostname", reg.Hostname,
			"transport", t.ID())
		r.wentOffline(ctx, *orphan, "connection re-registered as "+reg.Hostname)
	}

	wasOffline := existed && prev.session.Status == fleet.StatusOffline
	if existed && prev.transport != nil && prev.transport.ID() != t.ID() {
		slog.Warn("Session already registered, replacing transport",
			"session_id", id,
			"hostname", reg.Hostname,
			"old_transport", prev.transport.ID())
		if err := prev.transport.Close(); err != nil {
			slog.Debug("Failed to close replaced transport", "session_id", id, "error", err)
		}
	}

	slog.Info("Machine registered",
		"session_id", id,
		"hostname", reg.Hostname,
		"platform", reg.Platform,
		"agent_version", version,
		"total_online", online)

	var persistErr error
	if err := r.store.UpsertMachine(ctx, snapshot); err != nil {
		slog.Error("Failed to persist machine", "session_id", id, "error", err)
		r.metrics.IncPersistenceErrors()
		persistErr = fmt.Errorf("%w: upsert machine: %v", fleet.ErrPersistence, err)
	}

	if err := t.Send(protocol.Registered{ID: id}); err != nil {
		slog.Warn("Failed to acknowledge registration", "session_id", id, "error", err)
	}

	if wasOffline && r.emitter != nil {
		r.emitter.Notify(ctx, alerts.OnlineMessage(snapshot))
	}

	if version == fleet.UnknownVersion && prober != nil {
		if _, err := prober.ProbeVersion(ctx, id); err != nil {
			slog.Warn("Failed to dispatch version probe", "session_id", id, "error", err)
		}
	}

	return id, persistErr
}

// Heartbeat refreshes the session and forwards the sample to the sink.
// Unknown ids are ignored.
func (r *Registry) Heartbeat(ctx context.Context, id string, m fleet.Metrics) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		slog.Debug("Heartbeat for unknown session ignored", "session_id", id)
		return
	}
	r.heartbeatLocked(ctx, e, m)
}

// HeartbeatVia is Heartbeat addressed by transport. A transport that has
// been replaced by a newer registration no longer resolves to a session.
func (r *Registry) HeartbeatVia(ctx context.Context, t Transport, m fleet.Metrics) {
	r.mu.Lock()
	id, ok := r.byTransport[t.ID()]
	if !ok {
		r.mu.Unlock()
		slog.Debug("Heartbeat on unbound transport ignored", "transport", t.ID())
		return
	}
	r.heartbeatLocked(ctx, r.sessions[id], m)
}

// heartbeatLocked must be called with r.mu held and releases it.
func (r *Registry) heartbeatLocked(ctx context.Context, e *entry, m fleet.Metrics) {
	now := r.now()
	s := e.session
	revived := s.Status == fleet.StatusOffline
	s.Status = fleet.StatusOnline
	s.LastSeenAt = now
	latest := m
	s.LatestMetrics = &latest

	sample := fleet.Sample{
		SessionID: s.ID,
		Hostname:  s.Hostname,
		Group:     s.Group(),
		Metrics:   m,
		Timestamp: now,
	}
	var online int
	if revived {
		online = r.countOnlineLocked()
	}
	r.mu.Unlock()

	r.metrics.IncHeartbeats()

	if revived {
		r.metrics.SetSessionsOnline(online)
		slog.Info("Session back online after heartbeat", "session_id", sample.SessionID, "hostname", sample.Hostname)
		if err := r.store.UpdateMachineStatus(ctx, sample.SessionID, fleet.StatusOnline, now); err != nil {
			slog.Error("Failed to persist machine status", "session_id", sample.SessionID, "error", err)
			r.metrics.IncPersistenceErrors()
		}
	}

	if r.sink == nil {
		return
	}
	if err := r.sink.Ingest(ctx, sample); err != nil {
		slog.Error("Failed to ingest heartbeat sample", "session_id", sample.SessionID, "error", err)
	}
}

// Disconnect handles a transport-level close. The session bound to t, if
// any and still Online, goes Offline and one Liveness alert is raised.
func (r *Registry) Disconnect(ctx context.Context, t Transport) {
	r.mu.Lock()
	id, ok := r.byTransport[t.ID()]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byTransport, t.ID())

	e := r.sessions[id]
	e.transport = nil
	if e.session.Status != fleet.StatusOnline {
		r.mu.Unlock()
		return
	}
	e.session.Status = fleet.StatusOffline
	snapshot := e.session.Clone()
	online := r.countOnlineLocked()
	r.mu.Unlock()

	r.metrics.SetSessionsOnline(online)
	slog.Info("Machine disconnected", "session_id", id, "hostname", snapshot.Hostname)

	r.wentOffline(ctx, snapshot, "connection closed")
}

// MarkOffline transitions the session to Offline if it is still Online and
// stale reports true for its current state. On transition the status is
// persisted and one Liveness alert is raised. It reports whether a
// transition happened, so repeated calls are no-ops.
func (r *Registry) MarkOffline(ctx context.Context, id, reason string, stale func(fleet.Session) bool) (fleet.Session, bool) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok || e.session.Status != fleet.StatusOnline || !stale(*e.session) {
		r.mu.Unlock()
		return fleet.Session{}, false
	}
	e.session.Status = fleet.StatusOffline
	snapshot := e.session.Clone()
	online := r.countOnlineLocked()
	r.mu.Unlock()

	r.metrics.SetSessionsOnline(online)
	r.wentOffline(ctx, snapshot, reason)
	return snapshot, true
}

func (r *Registry) wentOffline(ctx context.Context, s fleet.Session, reason string) {
	if err := r.store.UpdateMachineStatus(ctx, s.ID, fleet.StatusOffline, s.LastSeenAt); err != nil {
		slog.Error("Failed to persist machine status", "session_id", s.ID, "error", err)
		r.metrics.IncPersistenceErrors()
	}
	if r.emitter == nil {
		return
	}
	if err := r.emitter.Emit(ctx, alerts.Liveness(s, reason, r.now())); err != nil {
		slog.Error("Failed to emit liveness alert", "session_id", s.ID, "error", err)
	}
}

func (r *Registry) Session(id string) (fleet.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return fleet.Session{}, false
	}
	return e.session.Clone(), true
}

// SessionByHostname resolves a hostname reported inside a frame.
func (r *Registry) SessionByHostname(hostname string) (fleet.Session, bool) {
	return r.Session(SessionID(hostname))
}

// ListSessions returns copies of the sessions matching f, ordered by
// hostname.
func (r *Registry) ListSessions(f Filter) []fleet.Session {
	r.mu.RLock()
	out := make([]fleet.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		if f.match(e.session) {
			out = append(out, e.session.Clone())
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b fleet.Session) int {
		return strings.Compare(a.Hostname, b.Hostname)
	})
	return out
}

func (r *Registry) OnlineSessions() []fleet.Session {
	return r.ListSessions(Filter{Status: fleet.StatusOnline})
}

// Cleanup removes every Offline session from the active set and returns
// how many were removed.
func (r *Registry) Cleanup(ctx context.Context) int {
	var closing []Transport

	r.mu.Lock()
	removed := 0
	for id, e := range r.sessions {
		if e.session.Status != fleet.StatusOffline {
			continue
		}
		if e.transport != nil {
			delete(r.byTransport, e.transport.ID())
			closing = append(closing, e.transport)
		}
		delete(r.sessions, id)
		removed++
	}
	r.mu.Unlock()

	for _, t := range closing {
		_ = t.Close()
	}

	slog.Info("Offline sessions cleaned up", "removed", removed)
	return removed
}

// Send queues frame on the session's transport without waiting for it to be
// written.
func (r *Registry) Send(id string, frame protocol.Frame) error {
	r.mu.RLock()
	e, ok := r.sessions[id]
	var t Transport
	if ok {
		t = e.transport
	}
	r.mu.RUnlock()

	if t == nil || !t.Writable() {
		return fmt.Errorf("%w: %s", fleet.ErrSessionUnavailable, id)
	}
	if err := t.Send(frame); err != nil {
		return fmt.Errorf("%w: %s: %v", fleet.ErrSessionUnavailable, id, err)
	}
	return nil
}

// Broadcast sends frame to every Online session with a writable transport
// and returns how many accepted it.
func (r *Registry) Broadcast(frame protocol.Frame) int {
	r.mu.RLock()
	targets := make([]Transport, 0, len(r.sessions))
	for _, e := range r.sessions {
		if e.session.Status == fleet.StatusOnline && e.transport != nil && e.transport.Writable() {
			targets = append(targets, e.transport)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, t := range targets {
		if err := t.Send(frame); err != nil {
			slog.Warn("Broadcast send failed", "transport", t.ID(), "type", frame.Type(), "error", err)
			continue
		}
		sent++
	}
	return sent
}

func (r *Registry) SetPendingProbe(id, commandID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.sessions[id]; ok {
		e.session.PendingVersionProbe = commandID
	}
}

// SetAgentVersion records a discovered agent version and clears any pending
// probe.
func (r *Registry) SetAgentVersion(ctx context.Context, id, version string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		e.session.AgentVersion = version
		e.session.PendingVersionProbe = ""
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", fleet.ErrSessionNotFound, id)
	}

	slog.Info("Agent version discovered", "session_id", id, "agent_version", version)
	if err := r.store.UpdateAgentVersion(ctx, id, version); err != nil {
		r.metrics.IncPersistenceErrors()
		return fmt.Errorf("%w: update agent version: %v", fleet.ErrPersistence, err)
	}
	return nil
}

// Stop detaches and closes every transport. Sessions keep their status, so
// the closes raise no liveness alerts.
func (r *Registry) Stop() {
	r.mu.Lock()
	transports := make([]Transport, 0, len(r.sessions))
	for _, e := range r.sessions {
		if e.transport != nil {
			transports = append(transports, e.transport)
			delete(r.byTransport, e.transport.ID())
			e.transport = nil
		}
	}
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
}

func (r *Registry) countOnlineLocked() int {
	n := 0
	for _, e := range r.sessions {
		if e.session.Status == fleet.StatusOnline {
			n++
		}
	}
	return n
}
