package updates

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/protocol"
)

const DefaultCheckInterval = 30 * time.Minute

type Config struct {
	RepoOwner      string        `mapstructure:"repo_owner"`
	RepoName       string        `mapstructure:"repo_name"`
	CurrentVersion string        `mapstructure:"current_version"`
	Interval       time.Duration `mapstructure:"interval"`
	AutoNotify     bool          `mapstructure:"auto_notify"`
	LogCapacity    int           `mapstructure:"log_capacity"`
}

// Enabled reports whether a release feed is configured.
func (c Config) Enabled() bool {
	return c.RepoOwner != "" && c.RepoName != ""
}

type Broadcaster interface {
	Broadcast(frame protocol.Frame) int
}

// Poller checks the release feed periodically and, when auto notify is on,
// asks every connected agent to update once per new version.
type Poller struct {
	checker     ReleaseChecker
	broadcaster Broadcaster
	interval    time.Duration
	autoNotify  bool

	mu       sync.RWMutex
	last     *Release
	notified string
}

func NewPoller(checker ReleaseChecker, broadcaster Broadcaster, cfg Config) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Poller{
		checker:     checker,
		broadcaster: broadcaster,
		interval:    interval,
		autoNotify:  cfg.AutoNotify,
	}
}

// CheckNow queries the release feed and records the result.
func (p *Poller) CheckNow(ctx context.Context) (Release, error) {
	rel, err := p.checker.Check(ctx)
	if err != nil {
		return Release{}, err
	}

	p.mu.Lock()
	p.last = &rel
	shouldNotify := p.autoNotify && rel.HasUpdate && p.notified != rel.LatestVersion
	if shouldNotify {
		p.notified = rel.LatestVersion
	}
	p.mu.Unlock()

	if rel.HasUpdate {
		slog.Info("Update available",
			"current_version", rel.CurrentVersion,
			"latest_version", rel.LatestVersion)
	}
	if shouldNotify {
		n := p.NotifyAgents()
		slog.Info("Agents asked to update", "latest_version", rel.LatestVersion, "notified", n)
	}
	return rel, nil
}

// Last returns the most recent successful check.
func (p *Poller) Last() (Release, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return Release{}, false
	}
	return *p.last, true
}

// NotifyAgents sends an update request to every connected agent and
// returns how many accepted it.
func (p *Poller) NotifyAgents() int {
	return p.broadcaster.Broadcast(protocol.UpdateRequest{})
}

func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("Update checker started", "interval", p.interval, "auto_notify", p.autoNotify)
	for {
		select {
		case <-ticker.C:
			if _, err := p.CheckNow(ctx); err != nil {
				slog.Error("Update check failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
