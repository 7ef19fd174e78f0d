package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/EternisAI/silo-fleet/internal/alerts"
	"github.com/EternisAI/silo-fleet/internal/api/http"
	"github.com/EternisAI/silo-fleet/internal/correlator"
	"github.com/EternisAI/silo-fleet/internal/db"
	"github.com/EternisAI/silo-fleet/internal/liveness"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/EternisAI/silo-fleet/internal/telemetry"
	"github.com/EternisAI/silo-fleet/internal/updates"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log       LogConfig         `mapstructure:"log"`
	Http      http.Config       `mapstructure:"http"`
	Grpc      GrpcConfig        `mapstructure:"grpc"`
	DB        db.Config         `mapstructure:"db"`
	Liveness  liveness.Config   `mapstructure:"liveness"`
	Telemetry telemetry.Config  `mapstructure:"telemetry"`
	Alerts    alerts.Config     `mapstructure:"alerts"`
	Commands  correlator.Config `mapstructure:"commands"`
	Notify    NotifyConfig      `mapstructure:"notify"`
	Updates   updates.Config    `mapstructure:"updates"`
	Retention RetentionConfig   `mapstructure:"retention"`
}

type GrpcConfig struct {
	Enabled bool      `mapstructure:"enabled"`
	Port    int       `mapstructure:"port"`
	TLS     TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	CAFile     string `mapstructure:"ca_file"`
	ClientAuth string `mapstructure:"client_auth"`

	// AutoGenerate creates the CA and server certificate at the paths
	// above when they do not exist yet.
	AutoGenerate bool     `mapstructure:"auto_generate"`
	CAKeyFile    string   `mapstructure:"ca_key_file"`
	Hosts        []string `mapstructure:"hosts"`
}

type NotifyConfig struct {
	WebhookURL  string `mapstructure:"webhook_url"`
	NatsURL     string `mapstructure:"nats_url"`
	NatsSubject string `mapstructure:"nats_subject"`
}

type RetentionConfig struct {
	Period   time.Duration `mapstructure:"period"`
	Interval time.Duration `mapstructure:"interval"`
}

var config Config

// setDefaults registers every key so that environment variables override
// them even when application.yaml omits the key.
func setDefaults() {
	t := telemetry.DefaultConfig()

	viper.SetDefault("log.level", LOG_LEVEL_INFO)
	viper.SetDefault("log.format", "text")
	viper.SetDefault("http.port", 8080)
	viper.SetDefault("http.admin_api_key", "")
	viper.SetDefault("http.agent_read_timeout", 2*liveness.DefaultTimeout)
	viper.SetDefault("grpc.enabled", true)
	viper.SetDefault("grpc.port", 9090)
	viper.SetDefault("grpc.tls.enabled", false)
	viper.SetDefault("grpc.tls.client_auth", "none")
	viper.SetDefault("grpc.tls.auto_generate", false)
	viper.SetDefault("grpc.tls.cert_file", "certs/server.crt")
	viper.SetDefault("grpc.tls.key_file", "certs/server.key")
	viper.SetDefault("grpc.tls.ca_file", "certs/ca.crt")
	viper.SetDefault("grpc.tls.ca_key_file", "certs/ca.key")
	viper.SetDefault("grpc.tls.hosts", []string{"localhost", "127.0.0.1"})
	viper.SetDefault("db.driver", db.DriverPostgres)
	viper.SetDefault("db.url", "")
	viper.SetDefault("db.schema", "fleet")
	viper.SetDefault("liveness.interval", liveness.DefaultInterval)
	viper.SetDefault("liveness.timeout", liveness.DefaultTimeout)
	viper.SetDefault("liveness.heartbeat_period", liveness.DefaultHeartbeatPeriod)
	viper.SetDefault("telemetry.high_water_mark", t.HighWaterMark)
	viper.SetDefault("telemetry.baseline_window", t.BaselineWindow)
	viper.SetDefault("telemetry.multipliers", t.Multipliers)
	viper.SetDefault("telemetry.trend_interval", t.TrendInterval)
	viper.SetDefault("telemetry.disk_window", t.DiskWindow)
	viper.SetDefault("telemetry.disk_min_samples", t.DiskMinSamples)
	viper.SetDefault("telemetry.cpu_window", t.CPUWindow)
	viper.SetDefault("telemetry.cpu_min_samples", t.CPUMinSamples)
	viper.SetDefault("telemetry.capacity_threshold", t.CapacityThreshold)
	viper.SetDefault("telemetry.horizon_days", t.HorizonDays)
	viper.SetDefault("telemetry.cpu_daily_increase", t.CPUDailyIncrease)
	viper.SetDefault("telemetry.sample_interval", t.SampleInterval)
	viper.SetDefault("telemetry.prediction_horizon", t.PredictionHorizon)
	viper.SetDefault("telemetry.workers", t.Workers)
	viper.SetDefault("alerts.dedup_window", 30*time.Minute)
	viper.SetDefault("alerts.notify_timeout", 10*time.Second)
	viper.SetDefault("commands.result_ttl", correlator.DefaultResultTTL)
	viper.SetDefault("commands.janitor_interval", correlator.DefaultJanitorInterval)
	viper.SetDefault("notify.webhook_url", "")
	viper.SetDefault("notify.nats_url", "")
	viper.SetDefault("notify.nats_subject", "fleet.alerts")
	viper.SetDefault("updates.repo_owner", "")
	viper.SetDefault("updates.repo_name", "")
	viper.SetDefault("updates.current_version", "")
	viper.SetDefault("updates.interval", 30*time.Minute)
	viper.SetDefault("updates.auto_notify", true)
	viper.SetDefault("updates.log_capacity", 200)
	viper.SetDefault("retention.period", store.DefaultRetention)
	viper.SetDefault("retention.interval", store.DefaultRetentionInterval)
}

func InitConfig() {
	_ = godotenv.Load()

	setDefaults()
	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-fleet-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("db.url", "DATABASE_URL")
	_ = viper.BindEnv("notify.webhook_url", "DISCORD_WEBHOOK_URL")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(err)
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		redacted := config
		if redacted.Http.AdminAPIKey != "" {
			redacted.Http.AdminAPIKey = "***"
		}
		configJSON, err := json.MarshalIndent(redacted, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
