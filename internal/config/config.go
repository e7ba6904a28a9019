package config

import (
	"embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config represents the complete castfeed configuration
type Config struct {
	Hub       Hub       `yaml:"hub"`
	Storage   Storage   `yaml:"storage"`
	Documents Documents `yaml:"documents"`
	Caching   Caching   `yaml:"caching"`
	Queue     Queue     `yaml:"queue"`
	Ingest    Ingest    `yaml:"ingest"`
	Feeds     Feeds     `yaml:"feeds"`
	Reconcile Reconcile `yaml:"reconcile"`
	API       API       `yaml:"api"`
	Metrics   Metrics   `yaml:"metrics"`
	Backup    Backup    `yaml:"backup"`
	Logging   Logging   `yaml:"logging"`
}

// Hub contains upstream hub RPC settings
type Hub struct {
	URL               string  `yaml:"url"`
	TimeoutMs         int     `yaml:"timeout_ms"`
	RequestsPerSecond float64 `yaml:"requests_per_second"` // 0 = unlimited
	Burst             int     `yaml:"burst"`
	MaxConns          int     `yaml:"max_conns"`
	PageSize          int     `yaml:"page_size"`
}

// Timeout returns the per-request deadline
func (h Hub) Timeout() time.Duration {
	return time.Duration(h.TimeoutMs) * time.Millisecond
}

// Storage contains relational store settings
type Storage struct {
	Driver      string `yaml:"driver"` // sqlite|postgres
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	MaxOpenConn int    `yaml:"max_open_conns"`
}

// Documents contains document store settings
type Documents struct {
	Engine    string `yaml:"engine"` // memory|surrealdb
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
	Database  string `yaml:"database"`
	Username  string `yaml:"username"`
	Password  string `yaml:"-"` // CASTFEED_SURREAL_PASSWORD
}

// Caching contains cache settings
type Caching struct {
	Engine   string `yaml:"engine"` // memory|redis
	RedisURL string `yaml:"redis_url"`
	Prefix   string `yaml:"prefix"`
}

// Queue contains job queue settings
type Queue struct {
	Engine        string `yaml:"engine"` // memory|redis
	RedisURL      string `yaml:"redis_url"`
	Name          string `yaml:"name"`
	MaxAttempts   int    `yaml:"max_attempts"`
	PollTimeoutMs int    `yaml:"poll_timeout_ms"`
	Capacity      int    `yaml:"capacity"` // memory engine only
}

// PollTimeout returns how long a dequeue blocks before reporting empty
func (q Queue) PollTimeout() time.Duration {
	return time.Duration(q.PollTimeoutMs) * time.Millisecond
}

// Ingest contains live ingestion settings
type Ingest struct {
	Workers      int `yaml:"workers"`
	MaxRootDepth int `yaml:"max_root_depth"`
}

// Feeds contains fan-out settings
type Feeds struct {
	FanoutConcurrency int      `yaml:"fanout_concurrency"`
	CuratedName       string   `yaml:"curated_name"`
	CuratedFids       []uint64 `yaml:"curated_fids"`
	PageSize          int      `yaml:"page_size"`
}

// Reconcile contains cross-store reconciliation settings
type Reconcile struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression
}

// API contains read API server settings
type API struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

// Metrics contains prometheus exporter settings
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

// Backup contains periodic sqlite snapshot settings
type Backup struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	IntervalHours int    `yaml:"interval_hours"`
	KeepDays      int    `yaml:"keep_days"` // 0 = keep forever
}

// Interval returns the time between snapshots
func (b Backup) Interval() time.Duration {
	return time.Duration(b.IntervalHours) * time.Hour
}

// Logging contains logging configuration
type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// applyDefaults fills in missing configuration fields with sensible defaults
func applyDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Hub.URL == "" {
		cfg.Hub.URL = defaults.Hub.URL
	}
	if cfg.Hub.TimeoutMs == 0 {
		cfg.Hub.TimeoutMs = defaults.Hub.TimeoutMs
	}
	if cfg.Hub.Burst == 0 {
		cfg.Hub.Burst = defaults.Hub.Burst
	}
	if cfg.Hub.MaxConns == 0 {
		cfg.Hub.MaxConns = defaults.Hub.MaxConns
	}
	if cfg.Hub.PageSize == 0 {
		cfg.Hub.PageSize = defaults.Hub.PageSize
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = defaults.Storage.Driver
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = defaults.Storage.SQLitePath
	}

	if cfg.Documents.Engine == "" {
		cfg.Documents.Engine = defaults.Documents.Engine
	}
	if cfg.Documents.Namespace == "" {
		cfg.Documents.Namespace = defaults.Documents.Namespace
	}
	if cfg.Documents.Database == "" {
		cfg.Documents.Database = defaults.Documents.Database
	}

	if cfg.Caching.Engine == "" {
		cfg.Caching.Engine = defaults.Caching.Engine
	}
	if cfg.Caching.Prefix == "" {
		cfg.Caching.Prefix = defaults.Caching.Prefix
	}

	if cfg.Queue.Engine == "" {
		cfg.Queue.Engine = defaults.Queue.Engine
	}
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = defaults.Queue.Name
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = defaults.Queue.MaxAttempts
	}
	if cfg.Queue.PollTimeoutMs == 0 {
		cfg.Queue.PollTimeoutMs = defaults.Queue.PollTimeoutMs
	}
	if cfg.Queue.Capacity == 0 {
		cfg.Queue.Capacity = defaults.Queue.Capacity
	}
	// Share the cache connection when the queue has none of its own
	if cfg.Queue.RedisURL == "" {
		cfg.Queue.RedisURL = cfg.Caching.RedisURL
	}

	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = defaults.Ingest.Workers
	}
	if cfg.Ingest.MaxRootDepth == 0 {
		cfg.Ingest.MaxRootDepth = defaults.Ingest.MaxRootDepth
	}

	if cfg.Feeds.FanoutConcurrency == 0 {
		cfg.Feeds.FanoutConcurrency = defaults.Feeds.FanoutConcurrency
	}
	if cfg.Feeds.CuratedName == "" {
		cfg.Feeds.CuratedName = defaults.Feeds.CuratedName
	}
	if cfg.Feeds.PageSize == 0 {
		cfg.Feeds.PageSize = defaults.Feeds.PageSize
	}

	if cfg.Reconcile.Schedule == "" {
		cfg.Reconcile.Schedule = defaults.Reconcile.Schedule
	}

	if cfg.API.Bind == "" {
		cfg.API.Bind = defaults.API.Bind
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = defaults.API.Port
	}
	if cfg.Metrics.Bind == "" {
		cfg.Metrics.Bind = defaults.Metrics.Bind
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = defaults.Metrics.Port
	}

	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = defaults.Backup.Dir
	}
	if cfg.Backup.IntervalHours == 0 {
		cfg.Backup.IntervalHours = defaults.Backup.IntervalHours
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
}

// Load reads and parses a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults for missing fields
	applyDefaults(&cfg)

	// Apply environment variable overrides
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadDotEnv loads a .env file into the process environment if one exists.
// Variables already set are left alone.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("CASTFEED_HUB_URL"); v != "" {
		cfg.Hub.URL = v
	}
	if v := os.Getenv("CASTFEED_REDIS_URL"); v != "" {
		cfg.Caching.RedisURL = v
		cfg.Queue.RedisURL = v
	}
	if v := os.Getenv("CASTFEED_POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv("CASTFEED_SURREAL_URL"); v != "" {
		cfg.Documents.URL = v
	}
	if v := os.Getenv("CASTFEED_SURREAL_PASSWORD"); v != "" {
		cfg.Documents.Password = v
	}
	if v := os.Getenv("CASTFEED_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("CASTFEED_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CASTFEED_WORKERS must be an integer: %w", err)
		}
		cfg.Ingest.Workers = n
	}

	return nil
}

// GetExampleConfig returns the embedded example configuration
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Hub: Hub{
			URL:       "http://localhost:2281",
			TimeoutMs: 5000,
			Burst:     10,
			MaxConns:  64,
			PageSize:  100,
		},
		Storage: Storage{
			Driver:     "sqlite",
			SQLitePath: "./data/castfeed.db",
		},
		Documents: Documents{
			Engine:    "memory",
			Namespace: "castfeed",
			Database:  "castfeed",
			Username:  "root",
		},
		Caching: Caching{
			Engine: "memory",
			Prefix: "castfeed:",
		},
		Queue: Queue{
			Engine:        "memory",
			Name:          "castfeed:jobs",
			MaxAttempts:   5,
			PollTimeoutMs: 1000,
			Capacity:      10000,
		},
		Ingest: Ingest{
			Workers:      4,
			MaxRootDepth: 256,
		},
		Feeds: Feeds{
			FanoutConcurrency: 16,
			CuratedName:       "trending",
			CuratedFids:       []uint64{},
			PageSize:          25,
		},
		Reconcile: Reconcile{
			Enabled:  false,
			Schedule: "0 3 * * *",
		},
		API: API{
			Enabled: true,
			Bind:    "0.0.0.0",
			Port:    8080,
		},
		Metrics: Metrics{
			Enabled: false,
			Bind:    "127.0.0.1",
			Port:    9090,
		},
		Backup: Backup{
			Enabled:       false,
			Dir:           "./data/backups",
			IntervalHours: 24,
			KeepDays:      7,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// validLogLevels defines allowed log levels
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// validStorageDrivers defines allowed storage drivers
var validStorageDrivers = map[string]bool{
	"sqlite":   true,
	"postgres": true,
}

// validEngines defines allowed cache, queue and document engines
var validEngines = map[string]bool{
	"memory": true,
	"redis":  true,
}

var validDocumentEngines = map[string]bool{
	"memory":    true,
	"surrealdb": true,
}

// Validate checks if a configuration is valid
func Validate(cfg *Config) error {
	if cfg.Hub.URL == "" {
		return fmt.Errorf("hub.url is required")
	}
	if !strings.HasPrefix(cfg.Hub.URL, "http://") && !strings.HasPrefix(cfg.Hub.URL, "https://") {
		return fmt.Errorf("hub.url must start with http:// or https://: %s", cfg.Hub.URL)
	}
	if cfg.Hub.TimeoutMs < 1 {
		return fmt.Errorf("hub.timeout_ms must be positive")
	}
	if cfg.Hub.RequestsPerSecond < 0 {
		return fmt.Errorf("hub.requests_per_second must not be negative")
	}

	// Validate storage driver
	if !validStorageDrivers[cfg.Storage.Driver] {
		return fmt.Errorf("invalid storage driver: %s (must be one of: sqlite, postgres)", cfg.Storage.Driver)
	}
	if cfg.Storage.Driver == "postgres" && cfg.Storage.PostgresDSN == "" {
		return fmt.Errorf("storage.postgres_dsn is required when storage.driver is postgres")
	}

	if !validDocumentEngines[cfg.Documents.Engine] {
		return fmt.Errorf("invalid document engine: %s (must be one of: memory, surrealdb)", cfg.Documents.Engine)
	}
	if cfg.Documents.Engine == "surrealdb" && cfg.Documents.URL == "" {
		return fmt.Errorf("documents.url is required when documents.engine is surrealdb")
	}

	// Validate cache engine
	if !validEngines[cfg.Caching.Engine] {
		return fmt.Errorf("invalid cache engine: %s (must be one of: memory, redis)", cfg.Caching.Engine)
	}
	if cfg.Caching.Engine == "redis" && cfg.Caching.RedisURL == "" {
		return fmt.Errorf("caching.redis_url is required when caching.engine is redis")
	}

	if !validEngines[cfg.Queue.Engine] {
		return fmt.Errorf("invalid queue engine: %s (must be one of: memory, redis)", cfg.Queue.Engine)
	}
	if cfg.Queue.Engine == "redis" && cfg.Queue.RedisURL == "" {
		return fmt.Errorf("queue.redis_url is required when queue.engine is redis")
	}
	if cfg.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}

	if cfg.Ingest.Workers < 1 || cfg.Ingest.Workers > 1024 {
		return fmt.Errorf("ingest.workers must be between 1 and 1024")
	}
	if cfg.Ingest.MaxRootDepth < 1 {
		return fmt.Errorf("ingest.max_root_depth must be at least 1")
	}

	if cfg.Feeds.FanoutConcurrency < 1 {
		return fmt.Errorf("feeds.fanout_concurrency must be at least 1")
	}
	if cfg.Feeds.PageSize < 1 || cfg.Feeds.PageSize > 500 {
		return fmt.Errorf("feeds.page_size must be between 1 and 500")
	}

	if cfg.Reconcile.Enabled {
		if cfg.Reconcile.Schedule == "" {
			return fmt.Errorf("reconcile.schedule is required when reconcile.enabled is true")
		}
		if !gronx.New().IsValid(cfg.Reconcile.Schedule) {
			return fmt.Errorf("invalid reconcile.schedule: %q", cfg.Reconcile.Schedule)
		}
	}

	// Validate ports
	if cfg.API.Enabled && (cfg.API.Port < 1 || cfg.API.Port > 65535) {
		return fmt.Errorf("api port must be between 1 and 65535")
	}
	if cfg.Metrics.Enabled && (cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("metrics port must be between 1 and 65535")
	}

	if cfg.Backup.Enabled {
		if cfg.Storage.Driver != "sqlite" {
			return fmt.Errorf("backup.enabled requires storage.driver sqlite")
		}
		if cfg.Backup.IntervalHours < 1 {
			return fmt.Errorf("backup.interval_hours must be at least 1")
		}
		if cfg.Backup.KeepDays < 0 {
			return fmt.Errorf("backup.keep_days must not be negative")
		}
	}

	// Validate log level
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", cfg.Logging.Level)
	}
	if !validLogFormats[cfg.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be one of: text, json)", cfg.Logging.Format)
	}

	return nil
}
