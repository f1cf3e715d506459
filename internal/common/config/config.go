// Package config provides configuration management for the gateway.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the gateway.
type Config struct {
	Server     ServerConfig             `mapstructure:"server"`
	Store      StoreConfig              `mapstructure:"store"`
	Database   DatabaseConfig           `mapstructure:"database"`
	NATS       NATSConfig               `mapstructure:"nats"`
	Scheduler  SchedulerConfig          `mapstructure:"scheduler"`
	EngineLock EngineLockConfig         `mapstructure:"engineLock"`
	Queue      QueueConfig              `mapstructure:"queue"`
	Coalesce   CoalesceConfig           `mapstructure:"coalesce"`
	Lifecycle  LifecycleConfig          `mapstructure:"lifecycle"`
	Agents     AgentsConfig             `mapstructure:"agents"`
	Channels   map[string]ChannelConfig `mapstructure:"channels"`
	Logging    LoggingConfig            `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// Store backends.
const (
	StoreBackendMemory   = "memory"
	StoreBackendSQLite   = "sqlite"
	StoreBackendPostgres = "postgres"
)

// StoreConfig selects the durable state backend.
type StoreConfig struct {
	// Backend is one of: memory, sqlite, postgres.
	Backend string `mapstructure:"backend"`

	// SQLitePath is the database file used when backend is sqlite.
	SQLitePath string `mapstructure:"sqlitePath"`

	// SweepInterval is how often expired rows (chat TTL, pending
	// compaction TTL) are reaped, in seconds.
	SweepInterval int `mapstructure:"sweepInterval"`
}

// DatabaseConfig holds PostgreSQL connection configuration, used when
// store.backend is postgres.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SchedulerConfig holds admission-control configuration.
type SchedulerConfig struct {
	// MaxConcurrentRuns bounds the number of runs holding a slot at once.
	MaxConcurrentRuns int `mapstructure:"maxConcurrentRuns"`

	// AutoResume attaches the stored chat resume token to jobs that
	// arrive without one.
	AutoResume bool `mapstructure:"autoResume"`

	// SlotStaleMs is how long a slot request may wait before it is
	// garbage-collected as stale.
	SlotStaleMs int `mapstructure:"slotStaleMs"`
}

// EngineLockConfig holds the per-session engine mutex configuration.
type EngineLockConfig struct {
	// Require turns locking on. When false, acquire grants immediately.
	Require bool `mapstructure:"require"`

	// TimeoutMs bounds how long a run waits for the lock.
	TimeoutMs int `mapstructure:"timeoutMs"`

	// MaxAgeMs force-releases a holder after this long. A safety valve,
	// not a correctness mechanism.
	MaxAgeMs int `mapstructure:"maxAgeMs"`
}

// QueueConfig holds per-session queue configuration.
type QueueConfig struct {
	// Mode is the default queue mode for jobs that do not specify one.
	Mode string `mapstructure:"mode"`

	// Cap bounds the queue length per session. Zero means unlimited.
	Cap int `mapstructure:"cap"`

	// Drop selects which entry to evict when the cap is exceeded:
	// oldest or newest.
	Drop string `mapstructure:"drop"`
}

// CoalesceConfig holds stream coalescing thresholds.
type CoalesceConfig struct {
	MinChars     int `mapstructure:"minChars"`
	IdleMs       int `mapstructure:"idleMs"`
	MaxLatencyMs int `mapstructure:"maxLatencyMs"`
}

// LifecycleConfig holds run lifecycle timing configuration.
type LifecycleConfig struct {
	FollowupDebounceMs    int `mapstructure:"followupDebounceMs"`
	IdleWatchdogMs        int `mapstructure:"idleWatchdogMs"`
	IdleWatchdogConfirmMs int `mapstructure:"idleWatchdogConfirmMs"`
	EngineDeathGraceMs    int `mapstructure:"engineDeathGraceMs"`
}

// AgentsConfig holds agent profile configuration.
type AgentsConfig struct {
	// ProfilesPath is the YAML file declaring agent profiles. Empty means
	// only the built-in default profile exists.
	ProfilesPath string `mapstructure:"profilesPath"`

	// DefaultEngine is the engine used when nothing else selects one.
	DefaultEngine string `mapstructure:"defaultEngine"`

	// DefaultModel is the model used when nothing else selects one.
	DefaultModel string `mapstructure:"defaultModel"`
}

// ChannelConfig describes one channel's delivery capabilities. Channels
// absent from the map fall back to conservative defaults: no edits,
// built-in length and batch limits.
type ChannelConfig struct {
	// SupportsEdit marks channels whose delivered messages can be edited
	// in place. Edit-capable channels get streaming answer edits and a
	// live tool-status message.
	SupportsEdit bool `mapstructure:"supportsEdit"`

	// MaxMessageChars caps outbound message length. Zero means the
	// built-in default.
	MaxMessageChars int `mapstructure:"maxMessageChars"`

	// FileBatchSize is how many file artifacts one payload may carry.
	// Zero means the built-in default.
	FileBatchSize int `mapstructure:"fileBatchSize"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SweepIntervalDuration returns the expiry sweep interval as a time.Duration.
func (s *StoreConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(s.SweepInterval) * time.Second
}

// SlotStale returns the stale slot-request threshold as a time.Duration.
func (s *SchedulerConfig) SlotStale() time.Duration {
	return time.Duration(s.SlotStaleMs) * time.Millisecond
}

// Timeout returns the lock acquire timeout as a time.Duration.
func (e *EngineLockConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

// MaxAge returns the stale-holder threshold as a time.Duration.
func (e *EngineLockConfig) MaxAge() time.Duration {
	return time.Duration(e.MaxAgeMs) * time.Millisecond
}

// Idle returns the flush idle threshold as a time.Duration.
func (c *CoalesceConfig) Idle() time.Duration {
	return time.Duration(c.IdleMs) * time.Millisecond
}

// MaxLatency returns the flush latency bound as a time.Duration.
func (c *CoalesceConfig) MaxLatency() time.Duration {
	return time.Duration(c.MaxLatencyMs) * time.Millisecond
}

// FollowupDebounce returns the followup merge window as a time.Duration.
func (l *LifecycleConfig) FollowupDebounce() time.Duration {
	return time.Duration(l.FollowupDebounceMs) * time.Millisecond
}

// IdleWatchdog returns the run idle threshold as a time.Duration.
func (l *LifecycleConfig) IdleWatchdog() time.Duration {
	return time.Duration(l.IdleWatchdogMs) * time.Millisecond
}

// IdleWatchdogConfirm returns the keepalive confirmation window as a time.Duration.
func (l *LifecycleConfig) IdleWatchdogConfirm() time.Duration {
	return time.Duration(l.IdleWatchdogConfirmMs) * time.Millisecond
}

// EngineDeathGrace returns the engine-lost grace window as a time.Duration.
func (l *LifecycleConfig) EngineDeathGrace() time.Duration {
	return time.Duration(l.EngineDeathGraceMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("LEMONGATE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Store defaults
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.sqlitePath", "lemongate.db")
	v.SetDefault("store.sweepInterval", 300)

	// Database defaults (postgres backend)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "lemongate")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "lemongate")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "lemongate")
	v.SetDefault("nats.maxReconnects", 10)

	// Scheduler defaults
	v.SetDefault("scheduler.maxConcurrentRuns", 2)
	v.SetDefault("scheduler.autoResume", true)
	v.SetDefault("scheduler.slotStaleMs", 30_000)

	// Engine lock defaults
	v.SetDefault("engineLock.require", true)
	v.SetDefault("engineLock.timeoutMs", 60_000)
	v.SetDefault("engineLock.maxAgeMs", 120_000)

	// Queue defaults - zero cap means unlimited
	v.SetDefault("queue.mode", "collect")
	v.SetDefault("queue.cap", 0)
	v.SetDefault("queue.drop", "oldest")

	// Coalescing defaults
	v.SetDefault("coalesce.minChars", 48)
	v.SetDefault("coalesce.idleMs", 400)
	v.SetDefault("coalesce.maxLatencyMs", 1200)

	// Lifecycle defaults
	v.SetDefault("lifecycle.followupDebounceMs", 500)
	v.SetDefault("lifecycle.idleWatchdogMs", 7_200_000)
	v.SetDefault("lifecycle.idleWatchdogConfirmMs", 300_000)
	v.SetDefault("lifecycle.engineDeathGraceMs", 200)

	// Agents defaults
	v.SetDefault("agents.profilesPath", "")
	v.SetDefault("agents.defaultEngine", "lemon")
	v.SetDefault("agents.defaultModel", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix LEMONGATE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/lemongate/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("LEMONGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("scheduler.maxConcurrentRuns", "LEMONGATE_SCHEDULER_MAX_CONCURRENT_RUNS")
	_ = v.BindEnv("scheduler.autoResume", "LEMONGATE_SCHEDULER_AUTO_RESUME")
	_ = v.BindEnv("engineLock.timeoutMs", "LEMONGATE_ENGINE_LOCK_TIMEOUT_MS")
	_ = v.BindEnv("engineLock.maxAgeMs", "LEMONGATE_ENGINE_LOCK_MAX_AGE_MS")
	_ = v.BindEnv("store.sqlitePath", "LEMONGATE_STORE_SQLITE_PATH")
	_ = v.BindEnv("agents.defaultEngine", "LEMONGATE_AGENTS_DEFAULT_ENGINE")
	_ = v.BindEnv("agents.profilesPath", "LEMONGATE_AGENTS_PROFILES_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/lemongate/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Store validation
	switch cfg.Store.Backend {
	case StoreBackendMemory, StoreBackendSQLite, StoreBackendPostgres:
	default:
		errs = append(errs, "store.backend must be one of: memory, sqlite, postgres")
	}
	if cfg.Store.Backend == StoreBackendSQLite && cfg.Store.SQLitePath == "" {
		errs = append(errs, "store.sqlitePath is required when store.backend is sqlite")
	}
	if cfg.Store.Backend == StoreBackendPostgres {
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required when store.backend is postgres")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when store.backend is postgres")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when store.backend is postgres")
		}
	}

	// Scheduler validation
	if cfg.Scheduler.MaxConcurrentRuns <= 0 {
		errs = append(errs, "scheduler.maxConcurrentRuns must be positive")
	}

	// Queue validation
	switch cfg.Queue.Drop {
	case "oldest", "newest":
	default:
		errs = append(errs, "queue.drop must be one of: oldest, newest")
	}
	if cfg.Queue.Cap < 0 {
		errs = append(errs, "queue.cap must be zero or positive")
	}

	// Coalescing validation
	if cfg.Coalesce.MinChars <= 0 {
		errs = append(errs, "coalesce.minChars must be positive")
	}
	if cfg.Coalesce.IdleMs <= 0 || cfg.Coalesce.MaxLatencyMs <= 0 {
		errs = append(errs, "coalesce.idleMs and coalesce.maxLatencyMs must be positive")
	}

	// Lifecycle validation
	if cfg.Lifecycle.EngineDeathGraceMs < 0 {
		errs = append(errs, "lifecycle.engineDeathGraceMs must be zero or positive")
	}

	// Agents validation
	if cfg.Agents.DefaultEngine == "" {
		errs = append(errs, "agents.defaultEngine is required")
	}

	// Channel validation
	for id, ch := range cfg.Channels {
		if ch.MaxMessageChars < 0 || ch.FileBatchSize < 0 {
			errs = append(errs, fmt.Sprintf("channels.%s limits must be zero or positive", id))
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
