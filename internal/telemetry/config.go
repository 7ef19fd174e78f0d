package telemetry

import (
	"time"

	"github.com/EternisAI/silo-fleet/internal/fleet"
)

type Config struct {
	HighWaterMark  float64       `mapstructure:"high_water_mark"`
	BaselineWindow time.Duration `mapstructure:"baseline_window"`

	// Multipliers maps a metric name to the factor over its baseline
	// average that counts as an anomaly. Zero or missing disables the
	// check for that metric.
	Multipliers map[string]float64 `mapstructure:"multipliers"`

	TrendInterval     time.Duration `mapstructure:"trend_interval"`
	DiskWindow        time.Duration `mapstructure:"disk_window"`
	DiskMinSamples    int           `mapstructure:"disk_min_samples"`
	CPUWindow         time.Duration `mapstructure:"cpu_window"`
	CPUMinSamples     int           `mapstructure:"cpu_min_samples"`
	CapacityThreshold float64       `mapstructure:"capacity_threshold"`
	HorizonDays       float64       `mapstructure:"horizon_days"`
	// CPUDailyIncrease is the per-day CPU rise above which a trend alert
	// is raised. Zero alerts on any rise; a negative value uses the default.
	CPUDailyIncrease  float64       `mapstructure:"cpu_daily_increase"`
	SampleInterval    time.Duration `mapstructure:"sample_interval"`
	PredictionHorizon time.Duration `mapstructure:"prediction_horizon"`

	// Workers bounds how many sessions are analyzed concurrently.
	Workers int `mapstructure:"workers"`
}

func DefaultConfig() Config {
	return Config{
		HighWaterMark:  89,
		BaselineWindow: 7 * 24 * time.Hour,
		Multipliers: map[string]float64{
			string(fleet.MetricCPU):    3,
			string(fleet.MetricMemory): 2.5,
		},
		TrendInterval:     30 * time.Minute,
		DiskWindow:        48 * time.Hour,
		DiskMinSamples:    10,
		CPUWindow:         24 * time.Hour,
		CPUMinSamples:     20,
		CapacityThreshold: 95,
		HorizonDays:       7,
		CPUDailyIncrease:  5,
		SampleInterval:    10 * time.Minute,
		PredictionHorizon: 24 * time.Hour,
		Workers:           4,
	}
}

// withDefaults fills zero values from DefaultConfig. Multipliers are taken
// as given when set so that a metric can be disabled.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HighWaterMark <= 0 {
		c.HighWaterMark = d.HighWaterMark
	}
	if c.BaselineWindow <= 0 {
		c.BaselineWindow = d.BaselineWindow
	}
	if c.Multipliers == nil {
		c.Multipliers = d.Multipliers
	}
	if c.TrendInterval <= 0 {
		c.TrendInterval = d.TrendInterval
	}
	if c.DiskWindow <= 0 {
		c.DiskWindow = d.DiskWindow
	}
	if c.DiskMinSamples <= 0 {
		c.DiskMinSamples = d.DiskMinSamples
	}
	if c.CPUWindow <= 0 {
		c.CPUWindow = d.CPUWindow
	}
	if c.CPUMinSamples <= 0 {
		c.CPUMinSamples = d.CPUMinSamples
	}
	if c.CapacityThreshold <= 0 {
		c.CapacityThreshold = d.CapacityThreshold
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = d.HorizonDays
	}
	if c.CPUDailyIncrease < 0 {
		c.CPUDailyIncrease = d.CPUDailyIncrease
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = d.SampleInterval
	}
	if c.PredictionHorizon <= 0 {
		c.PredictionHorizon = d.PredictionHorizon
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	return c
}

func (c Config) multiplier(m fleet.Metric) float64 {
	return c.Multipliers[string(m)]
}
