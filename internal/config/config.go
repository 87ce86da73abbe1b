package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/moatmetrics/moatmetrics/internal/notify"
	"github.com/moatmetrics/moatmetrics/internal/store"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultTenant         = "default"
	DefaultLogLevel       = "info"
	DefaultBackend        = BackendMemory
	DefaultDaemonInterval = time.Hour
	DefaultDaemonWindow   = 30 * 24 * time.Hour
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config is the top-level configuration. Fields map 1:1 to
// config.example.yaml.
type Config struct {
	// Tenant is used when a command does not name one.
	Tenant string `yaml:"tenant"`

	Log        LogConfig        `yaml:"log"`
	Storage    StorageConfig    `yaml:"storage"`
	Governance GovernanceConfig `yaml:"governance"`
	Ingestion  IngestionConfig  `yaml:"ingestion"`
	Notify     NotifyConfig     `yaml:"notify"`
	Retry      RetryConfig      `yaml:"retry"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level"`
}

// StorageConfig selects the store backend.
type StorageConfig struct {
	// Backend is one of: memory | sqlite.
	Backend string `yaml:"backend"`

	// Path is the SQLite database file. Required for sqlite.
	Path string `yaml:"path"`

	// Journal, when set with the memory backend, mirrors the audit ledger to
	// an append-only JSONL file.
	Journal string `yaml:"journal"`
}

// GovernanceConfig points at the policy file.
type GovernanceConfig struct {
	// PolicyFile is the YAML policy. Empty means the built-in default policy.
	PolicyFile string `yaml:"policy_file"`
}

// IngestionConfig locates entity batches.
type IngestionConfig struct {
	// BatchFile is a YAML or JSON batch path; "{tenant}" is replaced by the
	// tenant name.
	BatchFile string `yaml:"batch_file"`
}

// NotifyConfig configures governance event delivery.
type NotifyConfig struct {
	// Log emits every event as a structured log line.
	Log      bool            `yaml:"log"`
	PubSub   PubSubConfig    `yaml:"pubsub"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// PubSubConfig enables the Google Cloud Pub/Sub emitter when Topic is set.
type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	Topic     string `yaml:"topic"`
}

// Enabled reports whether Pub/Sub publishing is configured.
func (p PubSubConfig) Enabled() bool { return p.Topic != "" }

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: slack | teams | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable holding the webhook URL.
	URLEnv string `yaml:"url_env"`

	// Events limits delivery to these event types. Empty means all.
	Events []string `yaml:"events"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// Target converts the config into a notify target.
func (w WebhookConfig) Target() notify.Target {
	return notify.Target{Type: w.Type, URL: w.URL(), Events: w.Events}
}

// RetryConfig tunes storage read retries.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Initial  time.Duration `yaml:"initial"`
	Max      time.Duration `yaml:"max"`
}

// Store returns the retry policy for the store package.
func (r RetryConfig) Store() store.Retry {
	return store.Retry{Attempts: r.Attempts, Initial: r.Initial, Max: r.Max}
}

// DaemonConfig controls the periodic run loop.
type DaemonConfig struct {
	// Interval between runs.
	Interval time.Duration `yaml:"interval"`

	// Window is the trailing period each run covers.
	Window time.Duration `yaml:"window"`

	// Actor runs are attributed to.
	Actor string `yaml:"actor"`
}

// MetricsConfig controls the Prometheus textfile export.
type MetricsConfig struct {
	// Out is the .prom file written after every daemon run. Empty disables.
	Out string `yaml:"out"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config pre-populated with default values. It is what
// commands use when no config file is given.
func Default() *Config {
	return &Config{
		Tenant:  DefaultTenant,
		Log:     LogConfig{Level: DefaultLogLevel},
		Storage: StorageConfig{Backend: DefaultBackend},
		Retry: RetryConfig{
			Attempts: store.DefaultRetryAttempts,
			Initial:  store.DefaultRetryInitial,
			Max:      store.DefaultRetryMax,
		},
		Daemon: DaemonConfig{
			Interval: DefaultDaemonInterval,
			Window:   DefaultDaemonWindow,
			Actor:    "system",
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if cfg.Tenant == "" {
		return fmt.Errorf("tenant must not be empty")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", cfg.Log.Level)
	}
	switch cfg.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", cfg.Storage.Backend)
	}
	if cfg.Notify.PubSub.Enabled() && cfg.Notify.PubSub.ProjectID == "" {
		return fmt.Errorf("notify.pubsub.project_id is required when a topic is set")
	}
	for i, wh := range cfg.Notify.Webhooks {
		switch wh.Type {
		case notify.WebhookSlack, notify.WebhookTeams, notify.WebhookHTTP:
		default:
			return fmt.Errorf("notify.webhooks[%d]: unknown type %q", i, wh.Type)
		}
		if wh.URLEnv == "" {
			return fmt.Errorf("notify.webhooks[%d]: url_env is required", i)
		}
	}
	if cfg.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1")
	}
	if cfg.Retry.Initial <= 0 {
		return fmt.Errorf("retry.initial must be positive")
	}
	if cfg.Retry.Max < cfg.Retry.Initial {
		return fmt.Errorf("retry.max must not be below retry.initial")
	}
	if cfg.Daemon.Interval <= 0 {
		return fmt.Errorf("daemon.interval must be positive")
	}
	if cfg.Daemon.Window <= 0 {
		return fmt.Errorf("daemon.window must be positive")
	}
	return nil
}
