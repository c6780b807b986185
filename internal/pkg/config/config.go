package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage backends accepted by storage.backend.
const (
	StorageValkey   = "valkey"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Valkey     ValkeyConfig     `mapstructure:"valkey"`
	TransitAPI TransitAPIConfig `mapstructure:"transit_api"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Tracking   TrackingConfig   `mapstructure:"tracking"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Temporal   TemporalConfig   `mapstructure:"temporal"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port         int `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout  int `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout int `mapstructure:"write_timeout" validate:"gt=0"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=valkey postgres memory"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname" validate:"required"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns" validate:"gte=0"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type NATSConfig struct {
	URL             string `mapstructure:"url" validate:"required"`
	AlertsSubject   string `mapstructure:"alerts_subject" validate:"required"`
	PushSubject     string `mapstructure:"push_subject" validate:"required"`
	PushDurableName string `mapstructure:"push_durable" validate:"required"`
}

type ValkeyConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// TransitAPIConfig configures the remote transit API client.
type TransitAPIConfig struct {
	BaseURL   string        `mapstructure:"base_url" validate:"required,url"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RateLimit float64       `mapstructure:"rate_limit" validate:"gt=0"`
	Burst     int           `mapstructure:"burst" validate:"gt=0"`
}

// FeedConfig configures the GTFS-RT vehicle positions feed.
type FeedConfig struct {
	VehiclePositionsURL string        `mapstructure:"vehicle_positions_url" validate:"omitempty,url"`
	Timeout             time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type TrackingConfig struct {
	PollInterval         time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	PassedClearDelay     time.Duration `mapstructure:"passed_clear_delay" validate:"gt=0"`
	PushPassedClearDelay time.Duration `mapstructure:"push_passed_clear_delay" validate:"gt=0"`
	StaleAfter           time.Duration `mapstructure:"stale_after" validate:"gt=0"`
}

type CacheConfig struct {
	ShapeBudgetMB      float64       `mapstructure:"shape_budget_mb" validate:"gt=0"`
	ResetHour          int           `mapstructure:"reset_hour" validate:"min=0,max=23"`
	ResetCheckInterval time.Duration `mapstructure:"reset_check_interval" validate:"gt=0"`
}

type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	TempoAddr   string `mapstructure:"tempo_addr"`
	Enabled     bool   `mapstructure:"enabled"`
}

type TemporalConfig struct {
	HostPort  string        `mapstructure:"host_port" validate:"required"`
	TaskQueue string        `mapstructure:"task_queue" validate:"required"`
	Interval  time.Duration `mapstructure:"interval" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json text"`
}

// Load reads configuration from .env, an optional config file and
// environment variables, in increasing order of precedence.
func Load(service string) (*Config, error) {
	_ = godotenv.Load() // OK if missing

	v := viper.New()
	setDefaults(v, service)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	_ = v.ReadInConfig()

	// Environment variables: BILBOTRACK_TRACKING_POLL_INTERVAL → tracking.poll_interval
	v.SetEnvPrefix("BILBOTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper, service string) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10)
	v.SetDefault("server.write_timeout", 10)
	v.SetDefault("storage.backend", StorageValkey)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "transit")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "bilbotrack")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.alerts_subject", "tracking.alerts.changed")
	v.SetDefault("nats.push_subject", "tracking.push.proximity")
	v.SetDefault("nats.push_durable", "tracker-push")
	v.SetDefault("valkey.addr", "localhost:6379")
	v.SetDefault("transit_api.base_url", "http://localhost:3000")
	v.SetDefault("transit_api.timeout", 10*time.Second)
	v.SetDefault("transit_api.rate_limit", 10.0)
	v.SetDefault("transit_api.burst", 5)
	v.SetDefault("feed.vehicle_positions_url", "")
	v.SetDefault("feed.timeout", 10*time.Second)
	v.SetDefault("tracking.poll_interval", 30*time.Second)
	v.SetDefault("tracking.passed_clear_delay", 60*time.Second)
	v.SetDefault("tracking.push_passed_clear_delay", 120*time.Second)
	v.SetDefault("tracking.stale_after", 10*time.Minute)
	v.SetDefault("cache.shape_budget_mb", 5.0)
	v.SetDefault("cache.reset_hour", 3)
	v.SetDefault("cache.reset_check_interval", time.Hour)
	v.SetDefault("telemetry.service_name", service)
	v.SetDefault("telemetry.tempo_addr", "tempo:4317")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.task_queue", "cache-maintenance")
	v.SetDefault("temporal.interval", time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

var validate = validator.New()

// Validate checks that required configuration fields are present and sane.
// All violations are reported together.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}

	errs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, describe(fe))
	}
	return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "url":
		return fmt.Sprintf("%s must be a valid URL, got %q", field, fe.Value())
	case "gt":
		return fmt.Sprintf("%s must be positive", field)
	default:
		return fmt.Sprintf("%s failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
	}
}
