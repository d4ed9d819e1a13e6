package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/hamed0406/devopsguardian/internal/archive"
	"github.com/hamed0406/devopsguardian/internal/domain"
	"github.com/hamed0406/devopsguardian/internal/notify"
)

type Config struct {
	API          APIConfig           `yaml:"api"`
	Log          LogConfig           `yaml:"log"`
	Storage      StorageConfig       `yaml:"storage"`
	Monitoring   MonitoringConfig    `yaml:"monitoring"`
	Notify       NotifyConfig        `yaml:"notify"`
	Archive      ArchiveConfig       `yaml:"archive"`
	Transactions []TransactionConfig `yaml:"transactions"`
}

type APIConfig struct {
	Addr           string   `yaml:"addr"` // e.g. "127.0.0.1:8080" or ":8080" in Docker
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

type StorageConfig struct {
	Driver       string        `yaml:"driver"` // sqlite | postgres | memory
	DSN          string        `yaml:"dsn"`    // sqlite file path or postgres URL
	WriteRetries int           `yaml:"write_retries"`
	WriteBackoff time.Duration `yaml:"write_backoff"`
}

// MonitoringConfig holds the application-wide defaults. Interval, timeout
// and delay are whole seconds.
type MonitoringConfig struct {
	DefaultCheckInterval int           `yaml:"default_check_interval"`
	DefaultTimeout       int           `yaml:"default_timeout"`
	DefaultMaxRetries    int           `yaml:"default_max_retries"`
	DefaultRetryDelay    int           `yaml:"default_retry_delay"`
	MetricRetention      int           `yaml:"metric_retention"` // days
	PruneSchedule        string        `yaml:"prune_schedule"`
	DownThreshold        int           `yaml:"down_threshold"`
	MaxConcurrent        int           `yaml:"max_concurrent"`
	RefreshInterval      time.Duration `yaml:"refresh_interval"`
	ShutdownGrace        time.Duration `yaml:"shutdown_grace"`
}

type NotifyConfig struct {
	SlackWebhook string      `yaml:"slack_webhook"`
	WebhookURL   string      `yaml:"webhook_url"`
	Kafka        KafkaConfig `yaml:"kafka"`
	WebSocket    bool        `yaml:"websocket"`
	QueueSize    int         `yaml:"queue_size"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// TransactionConfig is a definition as written by an operator. Nil fields
// fall back to the monitoring defaults.
type TransactionConfig struct {
	ID            string `yaml:"id"`
	Type          string `yaml:"type"`
	Target        string `yaml:"target"`
	CheckInterval *int   `yaml:"check_interval,omitempty"`
	Timeout       *int   `yaml:"timeout,omitempty"`
	MaxRetries    *int   `yaml:"max_retries,omitempty"`
	RetryDelay    *int   `yaml:"retry_delay,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{Addr: "127.0.0.1:8080"},
		Log: LogConfig{Dir: "logs", Level: "info"},
		Storage: StorageConfig{
			Driver:       "sqlite",
			DSN:          "guardian.db",
			WriteRetries: 3,
			WriteBackoff: 200 * time.Millisecond,
		},
		Monitoring: MonitoringConfig{
			DefaultCheckInterval: 300,
			DefaultTimeout:       30,
			DefaultMaxRetries:    3,
			DefaultRetryDelay:    5,
			MetricRetention:      365,
			PruneSchedule:        "@daily",
			DownThreshold:        domain.DefaultDownThreshold,
			RefreshInterval:      time.Minute,
			ShutdownGrace:        30 * time.Second,
		},
		Notify: NotifyConfig{QueueSize: 256},
	}
}

// Load reads a YAML file over the defaults, applies environment overrides
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(strings.TrimSpace(string(b))) == 0 {
			return nil, errors.New("config file is empty")
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv is DefaultConfig with environment overrides, for running without
// a config file.
func FromEnv() Config {
	cfg := DefaultConfig()
	ApplyEnv(cfg)
	return *cfg
}

func ApplyEnv(cfg *Config) {
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		cfg.Log.Dir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	// DATABASE_URL alone means postgres; STORAGE_DRIVER wins if both are set
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DSN = v
		cfg.Storage.Driver = "postgres"
	}
	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}

	if v := os.Getenv("MAX_CONCURRENT_CHECKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Monitoring.MaxConcurrent = n
		}
	}
	if v := os.Getenv("DEFAULT_CHECK_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Monitoring.DefaultCheckInterval = n
		}
	}

	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Notify.SlackWebhook = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Notify.Kafka.Brokers = splitCSV(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Notify.Kafka.Topic = v
	}

	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks process-level settings and reports every problem at once.
// Individual transaction definitions are checked when they are scheduled, so
// one bad definition never blocks startup.
func Validate(cfg *Config) error {
	var err error
	if strings.TrimSpace(cfg.API.Addr) == "" {
		err = multierr.Append(err, errors.New("api.addr is required"))
	}
	switch cfg.Storage.Driver {
	case "sqlite", "memory":
	case "postgres":
		if cfg.Storage.DSN == "" {
			err = multierr.Append(err, errors.New("storage.dsn is required for postgres"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("storage.driver %q: want sqlite, postgres or memory", cfg.Storage.Driver))
	}
	if cfg.Storage.WriteRetries < 1 {
		err = multierr.Append(err, errors.New("storage.write_retries must be >= 1"))
	}

	m := cfg.Monitoring
	if m.DefaultCheckInterval <= 0 {
		err = multierr.Append(err, errors.New("monitoring.default_check_interval must be > 0"))
	}
	if m.DefaultTimeout <= 0 {
		err = multierr.Append(err, errors.New("monitoring.default_timeout must be > 0"))
	}
	if m.DefaultMaxRetries < 0 {
		err = multierr.Append(err, errors.New("monitoring.default_max_retries must be >= 0"))
	}
	if m.DefaultRetryDelay < 0 {
		err = multierr.Append(err, errors.New("monitoring.default_retry_delay must be >= 0"))
	}
	if m.MetricRetention <= 0 {
		err = multierr.Append(err, errors.New("monitoring.metric_retention must be > 0 days"))
	}
	if m.DownThreshold < 1 {
		err = multierr.Append(err, errors.New("monitoring.down_threshold must be >= 1"))
	}
	if m.MaxConcurrent < 0 {
		err = multierr.Append(err, errors.New("monitoring.max_concurrent must be >= 0"))
	}

	k := cfg.Notify.Kafka
	if len(k.Brokers) > 0 && strings.TrimSpace(k.Topic) == "" {
		err = multierr.Append(err, errors.New("notify.kafka.topic is required when brokers are set"))
	}
	if cfg.Archive.Enabled && (cfg.Archive.Endpoint == "" || cfg.Archive.Bucket == "") {
		err = multierr.Append(err, errors.New("archive.endpoint and archive.bucket are required when archive is enabled"))
	}
	return err
}

// Resolve turns one operator definition into a domain transaction, filling
// unset fields from the monitoring defaults. The type is normalised but not
// checked here.
func (m MonitoringConfig) Resolve(tc TransactionConfig) domain.Transaction {
	pick := func(v *int, def int) int {
		if v != nil {
			return *v
		}
		return def
	}
	return domain.Transaction{
		ID:            domain.TransactionID(strings.TrimSpace(tc.ID)),
		Type:          domain.TransactionType(strings.ToLower(strings.TrimSpace(tc.Type))),
		Target:        tc.Target,
		CheckInterval: time.Duration(pick(tc.CheckInterval, m.DefaultCheckInterval)) * time.Second,
		Timeout:       time.Duration(pick(tc.Timeout, m.DefaultTimeout)) * time.Second,
		MaxRetries:    pick(tc.MaxRetries, m.DefaultMaxRetries),
		RetryDelay:    time.Duration(pick(tc.RetryDelay, m.DefaultRetryDelay)) * time.Second,
	}
}

// TransactionList resolves every configured definition.
func (c *Config) TransactionList() []domain.Transaction {
	out := make([]domain.Transaction, 0, len(c.Transactions))
	for _, tc := range c.Transactions {
		out = append(out, c.Monitoring.Resolve(tc))
	}
	return out
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Monitoring.MetricRetention) * 24 * time.Hour
}

// Capabilities resolves which notification sinks are available.
func (c *Config) Capabilities() notify.Capabilities {
	return notify.Capabilities{
		SlackWebhook: c.Notify.SlackWebhook,
		WebhookURL:   c.Notify.WebhookURL,
		KafkaBrokers: c.Notify.Kafka.Brokers,
		KafkaTopic:   c.Notify.Kafka.Topic,
		LiveEvents:   c.Notify.WebSocket,
	}
}

func (a ArchiveConfig) S3() archive.Config {
	return archive.Config{
		Endpoint:  a.Endpoint,
		AccessKey: a.AccessKey,
		SecretKey: a.SecretKey,
		Region:    a.Region,
		Bucket:    a.Bucket,
		Prefix:    a.Prefix,
		UseSSL:    a.UseSSL,
	}
}
