// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. ARREST_DB_DSN.
const EnvPrefix = "ARREST"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	DB          DBConfig          `mapstructure:"db"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Enrichment  EnrichmentConfig  `mapstructure:"enrichment"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Headless    HeadlessConfig    `mapstructure:"headless"`
	Render      RenderConfig      `mapstructure:"render"`
	Storage     StorageConfig     `mapstructure:"storage"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls the coordinator HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// CoordinatorConfig tells workers where the coordinator lives and how the
// lease and reference caches behave.
type CoordinatorConfig struct {
	URL                string        `mapstructure:"url"`
	Timeout            time.Duration `mapstructure:"timeout"`
	LeaseTTL           time.Duration `mapstructure:"lease_ttl"`
	ReferencePollEvery time.Duration `mapstructure:"reference_poll_interval"`
}

// WorkerConfig identifies a worker process.
type WorkerConfig struct {
	ID           string        `mapstructure:"id"`
	RestartDelay time.Duration `mapstructure:"restart_delay"`
	FlagPoll     time.Duration `mapstructure:"flag_poll_interval"`
}

// DiscoveryConfig governs search pagination.
type DiscoveryConfig struct {
	PageSize    int           `mapstructure:"page_size"`
	FatalStatus int           `mapstructure:"fatal_status"`
	PageDelay   time.Duration `mapstructure:"page_delay"`
	IdleDelay   time.Duration `mapstructure:"idle_delay"`
	ErrorDelay  time.Duration `mapstructure:"error_delay"`
	Timezone    string        `mapstructure:"timezone"`
}

// EnrichmentConfig governs detail page processing.
type EnrichmentConfig struct {
	BatchSize   int           `mapstructure:"batch_size"`
	RecordDelay time.Duration `mapstructure:"record_delay"`
	IdleDelay   time.Duration `mapstructure:"idle_delay"`
	ErrorDelay  time.Duration `mapstructure:"error_delay"`
	Timezone    string        `mapstructure:"timezone"`
	Archive     bool          `mapstructure:"archive"`
}

// RetryConfig bounds transient-failure retries.
type RetryConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	ReadyMaxAttempts int           `mapstructure:"ready_max_attempts"`
	ReadyInterval    time.Duration `mapstructure:"ready_interval"`
}

// HeadlessConfig configures the Chrome renderer.
type HeadlessConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	ExecPath   string        `mapstructure:"exec_path"`
	NavTimeout time.Duration `mapstructure:"nav_timeout"`
}

// RenderConfig selects the render engine and its pacing.
type RenderConfig struct {
	Engine       string        `mapstructure:"engine"`
	UserAgent    string        `mapstructure:"user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RateLimitRPS float64       `mapstructure:"rate_limit_rps"`
	RateBurst    int           `mapstructure:"rate_burst"`
}

// Render engines.
const (
	EngineHeadless = "headless"
	EngineStatic   = "static"
)

// StorageConfig sets where archived detail pages go.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// Storage backends.
const (
	BackendNone   = "none"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// PubSubConfig holds metadata for record completion notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SchedulerConfig controls daily batch creation.
type SchedulerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
	Timezone       string        `mapstructure:"timezone"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from .env files, an optional config file, and the
// environment.
func Load(path string) (Config, error) {
	if err := loadEnvFiles(); err != nil {
		return Config{}, err
	}
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadEnvFiles loads ENV_FILE when set, else .env.local and .env. Missing
// files are ignored and existing variables win.
func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("coordinator.url", "http://localhost:8080")
	v.SetDefault("coordinator.timeout", "30s")
	v.SetDefault("coordinator.lease_ttl", "2m")
	v.SetDefault("coordinator.reference_poll_interval", "1m")
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.restart_delay", "3s")
	v.SetDefault("worker.flag_poll_interval", "10s")
	v.SetDefault("discovery.page_size", 56)
	v.SetDefault("discovery.fatal_status", 500)
	v.SetDefault("discovery.page_delay", "2s")
	v.SetDefault("discovery.idle_delay", "5s")
	v.SetDefault("discovery.error_delay", "30s")
	v.SetDefault("discovery.timezone", "America/Chicago")
	v.SetDefault("enrichment.batch_size", 50)
	v.SetDefault("enrichment.record_delay", "0s")
	v.SetDefault("enrichment.idle_delay", "5s")
	v.SetDefault("enrichment.error_delay", "30s")
	v.SetDefault("enrichment.timezone", "America/Chicago")
	v.SetDefault("enrichment.archive", false)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("retry.ready_max_attempts", 60)
	v.SetDefault("retry.ready_interval", "1s")
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.nav_timeout", "60s")
	v.SetDefault("render.engine", EngineHeadless)
	v.SetDefault("render.user_agent", "")
	v.SetDefault("render.timeout", "30s")
	v.SetDefault("render.rate_limit_rps", 1.0)
	v.SetDefault("render.rate_burst", 1)
	v.SetDefault("storage.backend", BackendNone)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.local_dir", "data/archive")
	v.SetDefault("storage.prefix", "detail")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.reload_interval", "1m")
	v.SetDefault("scheduler.timezone", "America/Chicago")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Coordinator.LeaseTTL <= 0 {
		return fmt.Errorf("coordinator.lease_ttl must be > 0")
	}
	if c.Discovery.PageSize <= 0 {
		return fmt.Errorf("discovery.page_size must be > 0")
	}
	if c.Discovery.FatalStatus < 100 || c.Discovery.FatalStatus > 599 {
		return fmt.Errorf("discovery.fatal_status must be an HTTP status code")
	}
	if c.Enrichment.BatchSize <= 0 || c.Enrichment.BatchSize > 500 {
		return fmt.Errorf("enrichment.batch_size must be between 1 and 500")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.ReadyMaxAttempts <= 0 {
		return fmt.Errorf("retry.ready_max_attempts must be > 0")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.base_delay")
	}
	switch c.Render.Engine {
	case EngineHeadless, EngineStatic:
	default:
		return fmt.Errorf("render.engine must be %q or %q", EngineHeadless, EngineStatic)
	}
	if c.Render.RateLimitRPS < 0 {
		return fmt.Errorf("render.rate_limit_rps must be >= 0")
	}
	switch c.Storage.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	for key, tz := range map[string]string{
		"discovery.timezone":  c.Discovery.Timezone,
		"enrichment.timezone": c.Enrichment.Timezone,
		"scheduler.timezone":  c.Scheduler.Timezone,
	} {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// Location resolves a validated time zone name.
func Location(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DiscoveryLocation is the time zone search windows are cut in.
func (c Config) DiscoveryLocation() *time.Location {
	return Location(c.Discovery.Timezone)
}

// EnrichmentLocation is the time zone detail pages report in.
func (c Config) EnrichmentLocation() *time.Location {
	return Location(c.Enrichment.Timezone)
}

// SchedulerLocation is the time zone cron expressions run in.
func (c Config) SchedulerLocation() *time.Location {
	return Location(c.Scheduler.Timezone)
}

// WorkerID returns the configured worker id or derives one from the host
// name and role.
func (c Config) WorkerID(role string) string {
	if c.Worker.ID != "" {
		return c.Worker.ID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + role
}
