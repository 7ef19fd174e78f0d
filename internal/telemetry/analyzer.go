// Package telemetry stores heartbeat samples and turns them into resource,
// anomaly, predictive and trend alerts.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/sourcegraph/conc/pool"
)

type Store interface {
	AppendSample(ctx context.Context, sample fleet.Sample) error
	// Baseline aggregates metric over samples with from <= timestamp < to.
	Baseline(ctx context.Context, sessionID string, metric fleet.Metric, from, to time.Time) (fleet.Baseline, error)
	// Series returns metric values since the given time, oldest first.
	Series(ctx context.Context, sessionID string, metric fleet.Metric, since time.Time) ([]fleet.Point, error)
}

type Emitter interface {
	Emit(ctx context.Context, alert fleet.Alert) error
}

// SessionLister yields the sessions trend analysis runs for.
type SessionLister interface {
	OnlineSessions() []fleet.Session
}

type Analyzer struct {
	cfg     Config
	store   Store
	emitter Emitter
	now     func() time.Time
}

type Option func(*Analyzer)

func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

func NewAnalyzer(store Store, emitter Emitter, cfg Config, opts ...Option) *Analyzer {
	a := &Analyzer{
		cfg:     cfg.withDefaults(),
		store:   store,
		emitter: emitter,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Analyzer) Config() Config {
	return a.cfg
}

// Ingest persists the sample and runs the per-sample checks. A failed
// append does not stop the checks; all errors are joined.
func (a *Analyzer) Ingest(ctx context.Context, sample fleet.Sample) error {
	var errs []error

	if err := a.store.AppendSample(ctx, sample); err != nil {
		slog.Error("Failed to persist metric sample", "session_id", sample.SessionID, "error", err)
		errs = append(errs, fmt.Errorf("%w: append sample: %v", fleet.ErrPersistence, err))
	}

	errs = append(errs, a.checkThresholds(ctx, sample))
	errs = append(errs, a.checkBaselines(ctx, sample))
	return errors.Join(errs...)
}

func (a *Analyzer) checkThresholds(ctx context.Context, sample fleet.Sample) error {
	var errs []error
	for _, metric := range fleet.PercentMetrics {
		v := sample.Value(metric)
		if v <= a.cfg.HighWaterMark {
			continue
		}

		severity := fleet.SeverityWarning
		if v >= a.cfg.CapacityThreshold {
			severity = fleet.SeverityCritical
		}
		alert := fleet.Alert{
			SessionID: sample.SessionID,
			Hostname:  sample.Hostname,
			Group:     sample.Group,
			Kind:      fleet.AlertResource,
			Severity:  severity,
			Metric:    metric,
			Message:   fmt.Sprintf("%s: %.1f%%", metric.Label(), v),
			Evidence: map[string]any{
				"value":     v,
				"threshold": a.cfg.HighWaterMark,
			},
			Timestamp: sample.Timestamp,
		}
		if err := a.emitter.Emit(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Analyzer) checkBaselines(ctx context.Context, sample fleet.Sample) error {
	var errs []error
	from := sample.Timestamp.Add(-a.cfg.BaselineWindow)

	for _, metric := range fleet.PercentMetrics {
		mult := a.cfg.multiplier(metric)
		if mult <= 0 {
			continue
		}

		base, err := a.store.Baseline(ctx, sample.SessionID, metric, from, sample.Timestamp)
		if err != nil {
			slog.Error("Failed to compute baseline",
				"session_id", sample.SessionID,
				"metric", metric,
				"error", err)
			errs = append(errs, fmt.Errorf("%w: baseline %s: %v", fleet.ErrPersistence, metric, err))
			continue
		}
		if base.Count == 0 || base.Avg <= 0 {
			continue
		}

		v := sample.Value(metric)
		if v <= base.Avg*mult {
			continue
		}

		alert := fleet.Alert{
			SessionID: sample.SessionID,
			Hostname:  sample.Hostname,
			Group:     sample.Group,
			Kind:      fleet.AlertAnomaly,
			Severity:  fleet.SeverityWarning,
			Metric:    metric,
			Message: fmt.Sprintf("%s usage %.1f%% is %.1fx the %s baseline of %.1f%%",
				metric.Label(), v, v/base.Avg, humanWindow(a.cfg.BaselineWindow), base.Avg),
			Evidence: map[string]any{
				"value":          v,
				"baseline_avg":   base.Avg,
				"baseline_min":   base.Min,
				"baseline_max":   base.Max,
				"baseline_count": base.Count,
				"multiplier":     mult,
			},
			Timestamp: sample.Timestamp,
		}
		if err := a.emitter.Emit(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AnalyzeTrends runs the disk capacity prediction and the CPU degradation
// check for one session.
func (a *Analyzer) AnalyzeTrends(ctx context.Context, s fleet.Session) error {
	return errors.Join(
		a.analyzeDisk(ctx, s),
		a.analyzeCPU(ctx, s),
	)
}

func (a *Analyzer) analyzeDisk(ctx context.Context, s fleet.Session) error {
	now := a.now()
	points, err := a.store.Series(ctx, s.ID, fleet.MetricDisk, now.Add(-a.cfg.DiskWindow))
	if err != nil {
		return fmt.Errorf("%w: disk series: %v", fleet.ErrPersistence, err)
	}
	if len(points) <= a.cfg.DiskMinSamples {
		return nil
	}

	spd := a.samplesPerDay(points)
	trend := LinearRegression(values(points), a.horizonSamples(spd))
	if !trend.HasPrediction || trend.Slope <= 0 {
		return nil
	}

	current := trend.Current()
	if current >= a.cfg.CapacityThreshold {
		return nil
	}
	perDay := trend.Slope * spd
	days := (a.cfg.CapacityThreshold - current) / perDay
	if days <= 0 || days >= a.cfg.HorizonDays {
		return nil
	}

	severity := fleet.SeverityWarning
	if days < 2 {
		severity = fleet.SeverityCritical
	}
	return a.emitter.Emit(ctx, fleet.Alert{
		SessionID: s.ID,
		Hostname:  s.Hostname,
		Group:     s.Group(),
		Kind:      fleet.AlertPredictive,
		Severity:  severity,
		Metric:    fleet.MetricDisk,
		Message: fmt.Sprintf("Disk projected to reach %.0f%% in %.1f days (currently %.1f%%, +%.2f%%/day)",
			a.cfg.CapacityThreshold, days, current, perDay),
		Evidence: map[string]any{
			"days_remaining": days,
			"current":        current,
			"slope":          trend.Slope,
			"per_day":        perDay,
			"predicted":      trend.Predicted,
			"sample_count":   trend.SampleCount,
		},
		Timestamp: now,
	})
}

func (a *Analyzer) analyzeCPU(ctx context.Context, s fleet.Session) error {
	now := a.now()
	points, err := a.store.Series(ctx, s.ID, fleet.MetricCPU, now.Add(-a.cfg.CPUWindow))
	if err != nil {
		return fmt.Errorf("%w: cpu series: %v", fleet.ErrPersistence, err)
	}
	if len(points) <= a.cfg.CPUMinSamples {
		return nil
	}

	spd := a.samplesPerDay(points)
	trend := LinearRegression(values(points), a.horizonSamples(spd))
	perDay := trend.Slope * spd
	if !trend.HasPrediction || perDay <= a.cfg.CPUDailyIncrease {
		return nil
	}

	return a.emitter.Emit(ctx, fleet.Alert{
		SessionID: s.ID,
		Hostname:  s.Hostname,
		Group:     s.Group(),
		Kind:      fleet.AlertTrend,
		Severity:  fleet.SeverityWarning,
		Metric:    fleet.MetricCPU,
		Message:   fmt.Sprintf("CPU usage rising %.1f%% per day over the last %s", perDay, humanWindow(a.cfg.CPUWindow)),
		Evidence: map[string]any{
			"per_day":      perDay,
			"slope":        trend.Slope,
			"current":      trend.Current(),
			"predicted":    trend.Predicted,
			"sample_count": trend.SampleCount,
		},
		Timestamp: now,
	})
}

// Trend fits the given metric over window on demand.
func (a *Analyzer) Trend(ctx context.Context, sessionID string, metric fleet.Metric, window time.Duration) (Trend, error) {
	points, err := a.store.Series(ctx, sessionID, metric, a.now().Add(-window))
	if err != nil {
		return Trend{}, fmt.Errorf("%w: %s series: %v", fleet.ErrPersistence, metric, err)
	}
	return LinearRegression(values(points), a.horizonSamples(a.samplesPerDay(points))), nil
}

// AnalyzeAll runs trend analysis for every online session on a bounded
// worker pool. A failure for one session is logged and does not stop the
// others.
func (a *Analyzer) AnalyzeAll(ctx context.Context, sessions SessionLister) {
	p := pool.New().WithMaxGoroutines(a.cfg.Workers)
	for _, s := range sessions.OnlineSessions() {
		if ctx.Err() != nil {
			break
		}
		p.Go(func() {
			if err := a.AnalyzeTrends(ctx, s); err != nil {
				slog.Error("Trend analysis failed", "session_id", s.ID, "hostname", s.Hostname, "error", err)
			}
		})
	}
	p.Wait()
}

// RunTrendLoop calls AnalyzeAll every trend interval until ctx is done.
func (a *Analyzer) RunTrendLoop(ctx context.Context, sessions SessionLister) {
	ticker := time.NewTicker(a.cfg.TrendInterval)
	defer ticker.Stop()

	slog.Info("Trend analysis loop started", "interval", a.cfg.TrendInterval)
	for {
		select {
		case <-ticker.C:
			a.AnalyzeAll(ctx, sessions)
		case <-ctx.Done():
			slog.Info("Trend analysis loop stopped")
			return
		}
	}
}

// samplesPerDay estimates the sampling rate from the series span, falling
// back to the configured interval when the span is unusable.
func (a *Analyzer) samplesPerDay(points []fleet.Point) float64 {
	interval := a.cfg.SampleInterval
	if n := len(points); n >= 2 {
		span := points[n-1].Timestamp.Sub(points[0].Timestamp)
		if span > 0 {
			interval = span / time.Duration(n-1)
		}
	}
	return float64(24*time.Hour) / float64(interval)
}

func (a *Analyzer) horizonSamples(spd float64) int {
	return int(spd * a.cfg.PredictionHorizon.Hours() / 24)
}

func values(points []fleet.Point) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Value
	}
	return out
}

func humanWindow(d time.Duration) string {
	if d >= 24*time.Hour && d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	}
	return d.String()
}
