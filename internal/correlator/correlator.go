// Package correlator matches command results arriving from agents with the
// commands operators dispatched.
package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/metrics"
	"github.com/EternisAI/silo-fleet/internal/protocol"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

const (
	DefaultResultTTL       = 10 * time.Minute
	DefaultJanitorInterval = time.Minute
)

var versionPattern = regexp.MustCompile(`\d+\.\d+\.\d+(?:[-+][0-9A-Za-z.-]+)?`)

// Sessions is the part of the registry the correlator talks to.
type Sessions interface {
	Session(id string) (fleet.Session, bool)
	Send(id string, frame protocol.Frame) error
	SetPendingProbe(id, commandID string)
	SetAgentVersion(ctx context.Context, id, version string) error
}

// History records commands for auditing. It is optional.
type History interface {
	LogCommand(ctx context.Context, cmd fleet.Command) error
	RecordCommandResult(ctx context.Context, id string, result fleet.CommandResult, at time.Time) error
}

type Config struct {
	ResultTTL       time.Duration `mapstructure:"result_ttl"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

type pending struct {
	SessionID string
	Hostname  string
	Text      string
	IssuedAt  time.Time
	Probe     bool
}

// Correlator tracks in-flight commands and holds their results until they
// are collected or expire.
type Correlator struct {
	sessions Sessions
	history  History
	metrics  *metrics.Metrics
	now      func() time.Time

	// collectMu makes Collect's read-then-delete atomic, pendingMu does the
	// same for Deliver.
	collectMu sync.Mutex
	pendingMu sync.Mutex
	pending   *cache.Cache
	results   *cache.Cache
}

func New(sessions Sessions, history History, cfg Config, m *metrics.Metrics) *Correlator {
	ttl := cfg.ResultTTL
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	janitor := cfg.JanitorInterval
	if janitor <= 0 {
		janitor = DefaultJanitorInterval
	}

	c := &Correlator{
		sessions: sessions,
		history:  history,
		metrics:  m,
		now:      time.Now,
		pending:  cache.New(ttl, janitor),
		results:  cache.New(ttl, janitor),
	}
	return c
}

// Dispatch sends text to the session as a command frame and returns the
// command id. It does not wait for the frame to be written.
func (c *Correlator) Dispatch(ctx context.Context, sessionID, text string) (string, error) {
	return c.dispatch(ctx, sessionID, text, false)
}

func (c *Correlator) dispatch(ctx context.Context, sessionID, text string, probe bool) (string, error) {
	s, ok := c.sessions.Session(sessionID)
	if !ok {
		return "", fmt.Errorf("%w: %s", fleet.ErrSessionUnavailable, sessionID)
	}

	id := uuid.NewString()
	p := pending{
		SessionID: sessionID,
		Hostname:  s.Hostname,
		Text:      text,
		IssuedAt:  c.now(),
		Probe:     probe,
	}
	// the history row must exist before the agent can answer
	if c.history != nil {
		cmd := fleet.Command{
			ID:        id,
			SessionID: sessionID,
			Hostname:  s.Hostname,
			Text:      text,
			IssuedAt:  p.IssuedAt,
		}
		if err := c.history.LogCommand(ctx, cmd); err != nil {
			slog.Error("Failed to log command", "command_id", id, "error", err)
			c.metrics.IncPersistenceErrors()
		}
	}

	c.pending.SetDefault(id, p)
	if probe {
		c.sessions.SetPendingProbe(sessionID, id)
	}

	if err := c.sessions.Send(sessionID, protocol.Command{ID: id, Command: text}); err != nil {
		c.pending.Delete(id)
		if probe {
			c.sessions.SetPendingProbe(sessionID, "")
		}
		c.recordNotSent(ctx, id, err)
		return "", err
	}

	c.metrics.IncCommandsDispatched()
	slog.Info("Command dispatched",
		"command_id", id,
		"session_id", sessionID,
		"hostname", s.Hostname,
		"probe", probe)

	return id, nil
}

// recordNotSent closes the history row of a command that never reached the
// agent.
func (c *Correlator) recordNotSent(ctx context.Context, id string, sendErr error) {
	if c.history == nil {
		return
	}
	result := fleet.CommandResult{Error: "not delivered: " + sendErr.Error()}
	if err := c.history.RecordCommandResult(ctx, id, result, c.now()); err != nil {
		slog.Error("Failed to record undelivered command", "command_id", id, "error", err)
		c.metrics.IncPersistenceErrors()
	}
}

// ProbeVersion asks the agent to print its installed package manifest. The
// result is routed to the session's agent version when it arrives.
func (c *Correlator) ProbeVersion(ctx context.Context, sessionID string) (string, error) {
	s, ok := c.sessions.Session(sessionID)
	if !ok {
		return "", fmt.Errorf("%w: %s", fleet.ErrSessionUnavailable, sessionID)
	}

	return c.dispatch(ctx, sessionID, ProbeCommand(s.Platform), true)
}

// ProbeCommand returns the shell command that prints the agent manifest on
// the given platform.
func ProbeCommand(platform string) string {
	if strings.HasPrefix(strings.ToLower(platform), "win") {
		return `type "C:\Program Files\SysWatch\package.json"`
	}
	return "cat /opt/syswatch/package.json"
}

// Deliver stores a result under id. Results with no matching dispatch are
// kept as well.
func (c *Correlator) Deliver(ctx context.Context, id string, result fleet.CommandResult) {
	if id == "" {
		slog.Warn("Command result without id dropped")
		return
	}

	v, matched := c.takePending(id)
	c.results.SetDefault(id, result)
	c.metrics.IncCommandResults(matched)

	if !matched {
		slog.Debug("Command result with no pending dispatch stored", "command_id", id)
		return
	}

	p := v.(pending)
	slog.Info("Command result received", "command_id", id, "session_id", p.SessionID)

	if p.Probe {
		version := ParseVersion(result)
		if err := c.sessions.SetAgentVersion(ctx, p.SessionID, version); err != nil {
			slog.Error("Failed to record agent version", "session_id", p.SessionID, "error", err)
		}
	}

	if c.history != nil {
		if err := c.history.RecordCommandResult(ctx, id, result, c.now()); err != nil {
			slog.Error("Failed to record command result", "command_id", id, "error", err)
			c.metrics.IncPersistenceErrors()
		}
	}
}

// takePending removes and returns the pending entry for id. Of several
// deliveries for one id only the first sees it.
func (c *Correlator) takePending(id string) (any, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	v, ok := c.pending.Get(id)
	if ok {
		c.pending.Delete(id)
	}
	return v, ok
}

// Collect returns and removes the result for id. Of several concurrent
// callers at most one gets the result.
func (c *Correlator) Collect(id string) (fleet.CommandResult, error) {
	c.collectMu.Lock()
	defer c.collectMu.Unlock()

	v, ok := c.results.Get(id)
	if !ok {
		return fleet.CommandResult{}, fmt.Errorf("%w: %s", fleet.ErrCorrelationNotFound, id)
	}
	c.results.Delete(id)
	return v.(fleet.CommandResult), nil
}

// Pending returns the number of dispatched commands still awaiting a result.
func (c *Correlator) Pending() int {
	return c.pending.ItemCount()
}

// ParseVersion extracts an agent version from a probe result. The manifest
// JSON is tried first, then anything that looks like a semantic version.
func ParseVersion(result fleet.CommandResult) string {
	if result.Error != "" {
		return fleet.UnknownVersion
	}
	out := strings.TrimSpace(result.Stdout)
	if out == "" {
		return fleet.UnknownVersion
	}

	var manifest struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal([]byte(out), &manifest); err == nil && manifest.Version != "" {
		return manifest.Version
	}

	if v := versionPattern.FindString(out); v != "" {
		return v
	}
	return fleet.UnknownVersion
}
