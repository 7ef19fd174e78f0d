// Package liveness marks sessions Offline when their heartbeats stop.
package liveness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/metrics"
)

const (
	DefaultInterval        = 10 * time.Second
	DefaultTimeout         = 30 * time.Second
	DefaultHeartbeatPeriod = 15 * time.Second

	reasonTimeout = "heartbeat timeout"
)

type Config struct {
	Interval        time.Duration `mapstructure:"interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
	HeartbeatPeriod time.Duration `mapstructure:"heartbeat_period"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.HeartbeatPeriod <= 0 {
		c.HeartbeatPeriod = DefaultHeartbeatPeriod
	}
	return c
}

// Validate rejects a timeout shorter than two heartbeat periods.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.Timeout < 2*c.HeartbeatPeriod {
		return fmt.Errorf("liveness timeout %s must be at least twice the heartbeat period %s", c.Timeout, c.HeartbeatPeriod)
	}
	return nil
}

// Registry is the registry surface the sweeper needs.
type Registry interface {
	OnlineSessions() []fleet.Session
	MarkOffline(ctx context.Context, id, reason string, stale func(fleet.Session) bool) (fleet.Session, bool)
}

type Sweeper struct {
	cfg      Config
	registry Registry
	metrics  *metrics.Metrics
	now      func() time.Time
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

func NewSweeper(registry Registry, cfg Config, opts ...Option) *Sweeper {
	s := &Sweeper{
		cfg:      cfg.withDefaults(),
		registry: registry,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep marks every stale Online session Offline and returns how many were
// transitioned. Sessions refreshed between the snapshot and the transition
// are left alone.
func (s *Sweeper) Sweep(ctx context.Context) int {
	now := s.now()
	stale := func(sess fleet.Session) bool {
		return now.Sub(sess.LastSeenAt) > s.cfg.Timeout
	}

	transitioned := 0
	for _, sess := range s.registry.OnlineSessions() {
		if !stale(sess) {
			continue
		}
		updated, ok := s.registry.MarkOffline(ctx, sess.ID, reasonTimeout, stale)
		if !ok {
			continue
		}
		transitioned++
		s.metrics.IncSweepTransitions()
		slog.Warn("Machine went offline",
			"session_id", updated.ID,
			"hostname", updated.Hostname,
			"group", updated.Group(),
			"last_seen", updated.LastSeenAt)
	}
	return transitioned
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	slog.Info("Liveness sweeper started", "interval", s.cfg.Interval, "timeout", s.cfg.Timeout)
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			slog.Info("Liveness sweeper stopped")
			return
		}
	}
}
