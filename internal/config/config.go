package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Backend names accepted by database.backend.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Relay names accepted by notify.relay.
const (
	RelayNone  = "none"
	RelayRedis = "redis"
)

// DevAPIKey and DevProject form the fallback credential used when no
// API_KEYS are configured, so the service runs out of the box.
const (
	DevAPIKey  = "tenant-key-123"
	DevProject = "tenant1"
)

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{"config.yaml", "config.yml"}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// Config contains runtime configuration required by the service.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Queue     QueueConfig     `koanf:"queue"`
	Retention RetentionConfig `koanf:"retention"`
	Window    WindowConfig    `koanf:"window"`
	Notify    NotifyConfig    `koanf:"notify"`
	Auth      AuthConfig      `koanf:"auth"`
	Log       LogConfig       `koanf:"log"`

	// APIKeys maps apiKey -> projectID, parsed from Auth.APIKeys.
	APIKeys map[string]string `koanf:"-"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Backend  string `koanf:"backend"`
	URL      string `koanf:"url"`
	MaxConns int32  `koanf:"max_conns"`
}

// QueueConfig tunes the ingestion queue and the size of each worker pool.
type QueueConfig struct {
	PollInterval      time.Duration `koanf:"poll_interval"`
	VisibilityTimeout time.Duration `koanf:"visibility_timeout"`
	ReapInterval      time.Duration `koanf:"reap_interval"`
	BackoffBase       time.Duration `koanf:"backoff_base"`
	MaxAttempts       int           `koanf:"max_attempts"`

	EventConcurrency       int `koanf:"event_concurrency"`
	BatchConcurrency       int `koanf:"batch_concurrency"`
	AggregationConcurrency int `koanf:"aggregation_concurrency"`
	CleanupConcurrency     int `koanf:"cleanup_concurrency"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Schedule string `koanf:"schedule"`
}

// WindowConfig sets the zone in which daily buckets start at midnight
// (empty means the server's local zone) and the payload field aggregated
// into sum/min/max/avg.
type WindowConfig struct {
	Location   string `koanf:"location"`
	ValueField string `koanf:"value_field"`
}

type NotifyConfig struct {
	Buffer    int    `koanf:"buffer"`
	Relay     string `koanf:"relay"`
	RedisAddr string `koanf:"redis_addr"`
}

type AuthConfig struct {
	APIKeys       string `koanf:"api_keys"`
	RatePerMinute int    `koanf:"rate_per_minute"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Backend:  BackendPostgres,
			MaxConns: 10,
		},
		Queue: QueueConfig{
			PollInterval:           500 * time.Millisecond,
			VisibilityTimeout:      30 * time.Second,
			ReapInterval:           15 * time.Second,
			BackoffBase:            2 * time.Second,
			MaxAttempts:            3,
			EventConcurrency:       10,
			BatchConcurrency:       5,
			AggregationConcurrency: 5,
			CleanupConcurrency:     1,
		},
		Retention: RetentionConfig{
			Days:     90,
			Schedule: "0 2 * * *",
		},
		Window: WindowConfig{
			ValueField: "value",
		},
		Notify: NotifyConfig{
			Buffer: 64,
			Relay:  RelayNone,
		},
		Auth: AuthConfig{
			RatePerMinute: 1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load layers defaults, an optional YAML file and environment variables,
// in that order of precedence.
func Load() (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	keys, err := ParseAPIKeys(cfg.Auth.APIKeys)
	if err != nil {
		return Config{}, err
	}
	// Local dev fallback so the service runs out-of-the-box.
	if len(keys) == 0 {
		keys[DevAPIKey] = DevProject
	}
	cfg.APIKeys = keys

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var envMappings = map[string]string{
	"http_addr":                "server.addr",
	"shutdown_timeout":         "server.shutdown_timeout",
	"db_url":                   "database.url",
	"db_max_conns":             "database.max_conns",
	"storage_backend":          "database.backend",
	"queue_poll_interval":      "queue.poll_interval",
	"queue_visibility_timeout": "queue.visibility_timeout",
	"queue_reap_interval":      "queue.reap_interval",
	"queue_backoff_base":       "queue.backoff_base",
	"queue_max_attempts":       "queue.max_attempts",
	"event_concurrency":        "queue.event_concurrency",
	"batch_concurrency":        "queue.batch_concurrency",
	"aggregation_concurrency":  "queue.aggregation_concurrency",
	"cleanup_concurrency":      "queue.cleanup_concurrency",
	"retention_days":           "retention.days",
	"cleanup_schedule":         "retention.schedule",
	"window_location":          "window.location",
	"window_value_field":       "window.value_field",
	"notify_buffer":            "notify.buffer",
	"notify_relay":             "notify.relay",
	"redis_addr":               "notify.redis_addr",
	"api_keys":                 "auth.api_keys",
	"rate_per_minute":          "auth.rate_per_minute",
	"log_level":                "log.level",
	"log_format":               "log.format",
}

// envKey maps recognised variables onto config paths. Anything else is
// dropped so unrelated environment does not leak into the config.
func envKey(key string) string {
	return envMappings[strings.ToLower(key)]
}

// ParseAPIKeys reads "project:key,project:key" into apiKey -> projectID.
func ParseAPIKeys(raw string) (map[string]string, error) {
	keys := map[string]string{}
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			return nil, errors.New(`API_KEYS must be "project:key,project:key"`)
		}
		project := strings.TrimSpace(parts[0])
		key := strings.TrimSpace(parts[1])
		if project == "" || key == "" {
			return nil, errors.New(`API_KEYS must be "project:key,project:key"`)
		}
		keys[key] = project
	}
	return keys, nil
}

// Location resolves Window.Location, defaulting to the server zone.
func (c Config) Location() (*time.Location, error) {
	if c.Window.Location == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Window.Location)
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error

	switch c.Database.Backend {
	case BackendPostgres:
		if strings.TrimSpace(c.Database.URL) == "" {
			errs = append(errs, errors.New("DB_URL required"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("database.backend must be %s or %s, got %q", BackendPostgres, BackendMemory, c.Database.Backend))
	}

	switch c.Notify.Relay {
	case RelayNone, "":
	case RelayRedis:
		if c.Notify.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR required when notify.relay is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.relay must be %s or %s, got %q", RelayNone, RelayRedis, c.Notify.Relay))
	}

	if c.Retention.Days < 1 {
		errs = append(errs, errors.New("retention.days must be positive"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue.max_attempts must be positive"))
	}
	for name, n := range map[string]int{
		"event_concurrency":       c.Queue.EventConcurrency,
		"batch_concurrency":       c.Queue.BatchConcurrency,
		"aggregation_concurrency": c.Queue.AggregationConcurrency,
		"cleanup_concurrency":     c.Queue.CleanupConcurrency,
	} {
		if n < 1 {
			errs = append(errs, fmt.Errorf("queue.%s must be positive", name))
		}
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("window.location: %w", err))
	}

	return errors.Join(errs...)
}
