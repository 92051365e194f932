package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"claimwatch/internal/errs"
	"claimwatch/internal/lock"
	"claimwatch/internal/retry"
	"claimwatch/internal/telemetry"
)

// Config models claimwatch.yml.
type Config struct {
	Database struct {
		Path        string        `yaml:"path"`
		BusyTimeout time.Duration `yaml:"busy_timeout"`
	} `yaml:"database"`
	Defaults     RepositoryConfig              `yaml:"defaults"`
	Repositories map[string]RepositoryOverride `yaml:"repositories"`
	Lock         LockConfig                    `yaml:"lock"`
	Retry        struct {
		Lock retry.Policy `yaml:"lock"`
		Jobs retry.Policy `yaml:"jobs"`
	} `yaml:"retry"`
	Worker    WorkerConfig     `yaml:"worker"`
	GitHub    GitHubConfig     `yaml:"github"`
	Notify    NotifyConfig     `yaml:"notify"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Server    ServerConfig     `yaml:"server"`
}

// RepositoryConfig is the effective per-repository policy.
type RepositoryConfig struct {
	GracePeriodDays       int           `yaml:"grace_period_days" json:"grace_period_days"`
	ConfidenceThreshold   int           `yaml:"confidence_threshold" json:"confidence_threshold"`
	MaxNudges             int           `yaml:"max_nudges" json:"max_nudges"`
	ProgressCheckInterval time.Duration `yaml:"progress_check_interval" json:"progress_check_interval"`
	Monitored             bool          `yaml:"monitored" json:"monitored"`
	Maintainers           []string      `yaml:"maintainers" json:"maintainers,omitempty"`
}

// RepositoryOverride replaces only the fields it sets.
type RepositoryOverride struct {
	GracePeriodDays       *int           `yaml:"grace_period_days"`
	ConfidenceThreshold   *int           `yaml:"confidence_threshold"`
	MaxNudges             *int           `yaml:"max_nudges"`
	ProgressCheckInterval *time.Duration `yaml:"progress_check_interval"`
	Monitored             *bool          `yaml:"monitored"`
	Maintainers           []string       `yaml:"maintainers"`
}

type LockConfig struct {
	// Backend is "sql" or "redis".
	Backend string           `yaml:"backend"`
	TTL     time.Duration    `yaml:"ttl"`
	Redis   lock.RedisConfig `yaml:"redis"`
}

type WorkerConfig struct {
	ID              string        `yaml:"id"`
	Concurrency     int           `yaml:"concurrency"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	Lease           time.Duration `yaml:"lease"`
	MaxAttempts     int           `yaml:"max_attempts"`
	ReapInterval    time.Duration `yaml:"reap_interval"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	CleanupAfter    time.Duration `yaml:"cleanup_after"`
	ProgressTimeout time.Duration `yaml:"progress_timeout"`
}

type GitHubConfig struct {
	Token             string  `yaml:"token"`
	BaseURL           string  `yaml:"base_url"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	Login             string  `yaml:"login"`
}

type NotifyConfig struct {
	// Channels enabled for claimant and maintainer messages, in order.
	Channels []string `yaml:"channels"`
	Operator struct {
		Channel   string `yaml:"channel"`
		Recipient string `yaml:"recipient"`
	} `yaml:"operator"`
	Email   EmailConfig   `yaml:"email"`
	Webhook WebhookConfig `yaml:"webhook"`
}

type EmailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	// Addresses maps GitHub logins (and the operator recipient) to e-mail addresses.
	Addresses map[string]string `yaml:"addresses"`
}

type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Secret  string        `yaml:"secret"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
	// JWTSecret, when set, verifies HS256 bearer tokens on mutating endpoints.
	JWTSecret string `yaml:"jwt_secret"`
}

var knownChannels = map[string]bool{"log": true, "email": true, "issue_comment": true, "webhook": true}

// Validate checks a repository policy.
func (r RepositoryConfig) Validate() error {
	switch {
	case r.GracePeriodDays < 1:
		return fmt.Errorf("grace_period_days must be >= 1, got %d: %w", r.GracePeriodDays, errs.ErrInvalidConfiguration)
	case r.ConfidenceThreshold < 0 || r.ConfidenceThreshold > 100:
		return fmt.Errorf("confidence_threshold must be within [0,100], got %d: %w", r.ConfidenceThreshold, errs.ErrInvalidConfiguration)
	case r.MaxNudges < 0:
		return fmt.Errorf("max_nudges must be >= 0, got %d: %w", r.MaxNudges, errs.ErrInvalidConfiguration)
	case r.ProgressCheckInterval <= 0:
		return fmt.Errorf("progress_check_interval must be positive: %w", errs.ErrInvalidConfiguration)
	}
	return nil
}

// Grace returns the grace period as a duration.
func (r RepositoryConfig) Grace() time.Duration {
	return time.Duration(r.GracePeriodDays) * 24 * time.Hour
}

// IsMaintainer reports whether login is listed as a maintainer.
func (r RepositoryConfig) IsMaintainer(login string) bool {
	for _, m := range r.Maintainers {
		if strings.EqualFold(m, login) {
			return true
		}
	}
	return false
}

// Repository resolves the effective config for owner/name and validates it.
// Unlisted repositories get the defaults.
func (c *Config) Repository(name string) (RepositoryConfig, error) {
	rc := c.Defaults
	rc.Maintainers = append([]string(nil), c.Defaults.Maintainers...)
	if o, ok := c.Repositories[name]; ok {
		if o.GracePeriodDays != nil {
			rc.GracePeriodDays = *o.GracePeriodDays
		}
		if o.ConfidenceThreshold != nil {
			rc.ConfidenceThreshold = *o.ConfidenceThreshold
		}
		if o.MaxNudges != nil {
			rc.MaxNudges = *o.MaxNudges
		}
		if o.ProgressCheckInterval != nil {
			rc.ProgressCheckInterval = *o.ProgressCheckInterval
		}
		if o.Monitored != nil {
			rc.Monitored = *o.Monitored
		}
		rc.Maintainers = append(rc.Maintainers, o.Maintainers...)
	}
	if err := rc.Validate(); err != nil {
		return rc, fmt.Errorf("repository %s: %w", name, err)
	}
	return rc, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("config.defaults: %w", err)
	}
	names := make([]string, 0, len(c.Repositories))
	for name := range c.Repositories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if owner, repo, ok := strings.Cut(name, "/"); !ok || owner == "" || repo == "" {
			return fmt.Errorf("config.repositories: %q is not owner/name: %w", name, errs.ErrInvalidConfiguration)
		}
		if _, err := c.Repository(name); err != nil {
			return fmt.Errorf("config.repositories: %w", err)
		}
	}
	switch c.Lock.Backend {
	case "sql", "":
	case "redis":
		if c.Lock.Redis.Addr == "" {
			return fmt.Errorf("config.lock.redis.addr is required for the redis backend: %w", errs.ErrInvalidConfiguration)
		}
	default:
		return fmt.Errorf("config.lock.backend must be sql or redis, got %q: %w", c.Lock.Backend, errs.ErrInvalidConfiguration)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("config.worker.concurrency must be >= 1: %w", errs.ErrInvalidConfiguration)
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("config.worker.max_attempts must be >= 1: %w", errs.ErrInvalidConfiguration)
	}
	if c.Worker.ProgressTimeout >= c.Lock.TTL {
		return fmt.Errorf("config.worker.progress_timeout (%s) must be shorter than config.lock.ttl (%s): %w", c.Worker.ProgressTimeout, c.Lock.TTL, errs.ErrInvalidConfiguration)
	}
	for _, ch := range c.Notify.Channels {
		if !knownChannels[ch] {
			return fmt.Errorf("config.notify.channels: unknown channel %q: %w", ch, errs.ErrInvalidConfiguration)
		}
	}
	if op := c.Notify.Operator.Channel; op != "" && !knownChannels[op] {
		return fmt.Errorf("config.notify.operator.channel: unknown channel %q: %w", op, errs.ErrInvalidConfiguration)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "claimwatch.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cw config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `database:
  path: .claimwatch/claimwatch.db
  busy_timeout: 5s

defaults:
  grace_period_days: 7
  confidence_threshold: 75
  max_nudges: 2
  progress_check_interval: 24h
  monitored: true

repositories: {}

lock:
  backend: sql
  ttl: 30s

retry:
  lock:
    base: 200ms
    multiplier: 2
    max_attempts: 5
    jitter: 0.1
    max: 5s
  jobs:
    base: 30s
    multiplier: 2
    max_attempts: 5
    jitter: 0.1
    max: 1h

worker:
  concurrency: 4
  poll_interval: 2s
  lease: 2m
  max_attempts: 5
  reap_interval: 1m
  sweep_interval: 10m
  cleanup_after: 168h
  progress_timeout: 10s

github:
  requests_per_second: 5
  burst: 10

notify:
  channels: [log]
  operator:
    channel: log
    recipient: operator
  webhook:
    timeout: 5s

telemetry:
  enabled: false

server:
  addr: ":8080"
  base_path: /v0
`
