// Package store defines the durable state the fleet engine reads and
// writes: machines, metric samples, alerts and command history.
package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-fleet/internal/fleet"
)

const (
	DefaultRetention         = 7 * 24 * time.Hour
	DefaultRetentionInterval = 24 * time.Hour
)

var ErrNotFound = errors.New("not found")

type Store interface {
	UpsertMachine(ctx context.Context, s fleet.Session) error
	UpdateMachineStatus(ctx context.Context, id string, status fleet.Status, lastSeen time.Time) error
	UpdateAgentVersion(ctx context.Context, id, version string) error
	Machine(ctx context.Context, id string) (fleet.Session, error)

	AppendSample(ctx context.Context, sample fleet.Sample) error
	Baseline(ctx context.Context, sessionID string, metric fleet.Metric, from, to time.Time) (fleet.Baseline, error)
	Series(ctx context.Context, sessionID string, metric fleet.Metric, since time.Time) ([]fleet.Point, error)
	MetricHistory(ctx context.Context, sessionID string, since time.Time) ([]fleet.Sample, error)

	SaveAlert(ctx context.Context, alert fleet.Alert) (int64, error)
	// ActiveAlerts lists unacknowledged alerts, newest first. An empty
	// sessionID lists the whole fleet.
	ActiveAlerts(ctx context.Context, sessionID string) ([]fleet.Alert, error)
	AcknowledgeAlert(ctx context.Context, id int64) error

	LogCommand(ctx context.Context, cmd fleet.Command) error
	RecordCommandResult(ctx context.Context, id string, result fleet.CommandResult, at time.Time) error

	// PurgeBefore deletes samples and alerts older than cutoff and returns
	// how many rows were removed.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RunRetention purges data older than retention once immediately and then
// every interval until ctx is done.
func RunRetention(ctx context.Context, p Purger, retention, interval time.Duration) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}

	purge := func() {
		removed, err := p.PurgeBefore(ctx, time.Now().Add(-retention))
		if err != nil {
			slog.Error("Retention purge failed", "error", err)
			return
		}
		slog.Info("Retention purge completed", "removed", removed, "retention", retention)
	}

	purge()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			purge()
		case <-ctx.Done():
			return
		}
	}
}
