// Package alerts records fleet alerts and forwards them to the notification
// channel.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/metrics"
	"github.com/EternisAI/silo-fleet/internal/notify"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultNotifyTimeout = 10 * time.Second
	dedupCapacity        = 4096
)

type Store interface {
	SaveAlert(ctx context.Context, alert fleet.Alert) (int64, error)
}

type Config struct {
	// DedupWindow suppresses repeats of the same (session, kind, metric)
	// alert. Zero disables suppression. Liveness alerts are never suppressed.
	DedupWindow   time.Duration `mapstructure:"dedup_window"`
	NotifyTimeout time.Duration `mapstructure:"notify_timeout"`
}

type Dispatcher struct {
	store    Store
	notifier notify.Notifier
	metrics  *metrics.Metrics
	timeout  time.Duration

	mu    sync.Mutex
	dedup *expirable.LRU[string, struct{}]

	inflight sync.WaitGroup
}

func NewDispatcher(store Store, notifier notify.Notifier, cfg Config, m *metrics.Metrics) *Dispatcher {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	timeout := cfg.NotifyTimeout
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}

	d := &Dispatcher{
		store:    store,
		notifier: notifier,
		metrics:  m,
		timeout:  timeout,
	}
	if cfg.DedupWindow > 0 {
		d.dedup = expirable.NewLRU[string, struct{}](dedupCapacity, nil, cfg.DedupWindow)
	}
	return d
}

// Emit persists the alert and then notifies asynchronously. The returned
// error only reflects persistence; notification failures are logged.
func (d *Dispatcher) Emit(ctx context.Context, alert fleet.Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	if d.suppressed(alert) {
		slog.Debug("Alert suppressed by dedup window",
			"session_id", alert.SessionID,
			"kind", alert.Kind,
			"metric", alert.Metric)
		d.metrics.IncAlertsSuppressed()
		return nil
	}

	var persistErr error
	id, err := d.store.SaveAlert(ctx, alert)
	if err != nil {
		slog.Error("Failed to persist alert",
			"session_id", alert.SessionID,
			"kind", alert.Kind,
			"error", err)
		d.metrics.IncPersistenceErrors()
		d.forget(alert)
		persistErr = fmt.Errorf("%w: save alert: %v", fleet.ErrPersistence, err)
	} else {
		alert.ID = id
	}

	d.metrics.IncAlerts(string(alert.Kind))
	slog.Info("Alert raised",
		"session_id", alert.SessionID,
		"hostname", alert.Hostname,
		"kind", alert.Kind,
		"severity", alert.Severity,
		"message", alert.Message)

	d.Notify(ctx, MessageFor(alert))
	return persistErr
}

// Notify sends msg on a background goroutine bounded by the notify timeout.
// It never blocks the caller on delivery.
func (d *Dispatcher) Notify(ctx context.Context, msg notify.Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()

		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		if err := d.notifier.Notify(nctx, msg); err != nil {
			slog.Warn("Notification failed",
				"title", msg.Title,
				"hostname", msg.Hostname,
				"error", err)
		}
	}()
}

// Wait blocks until all in-flight notifications have finished.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

func dedupKey(alert fleet.Alert) string {
	return alert.SessionID + "|" + string(alert.Kind) + "|" + string(alert.Metric)
}

// suppressed claims the dedup slot for alert, or reports that an earlier
// alert holds it.
func (d *Dispatcher) suppressed(alert fleet.Alert) bool {
	if d.dedup == nil || alert.Kind == fleet.AlertLiveness {
		return false
	}
	key := dedupKey(alert)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dedup.Contains(key) {
		return true
	}
	d.dedup.Add(key, struct{}{})
	return false
}

// forget releases the dedup slot of an alert that was not stored.
func (d *Dispatcher) forget(alert fleet.Alert) {
	if d.dedup == nil || alert.Kind == fleet.AlertLiveness {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dedup.Remove(dedupKey(alert))
}
