package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultDataDir is the default directory for per-run workspaces.
	DefaultDataDir = "./data"

	// DefaultReportsDir is the shared directory test containers write raw reports to.
	DefaultReportsDir = "./reports"

	// DefaultPullPolicy is the default image pull policy.
	DefaultPullPolicy = "if-not-present"

	// DefaultMaxConcurrent bounds simultaneous sandbox runs.
	DefaultMaxConcurrent = 2

	// DefaultQueueTickSeconds is the worker pool scheduling interval.
	DefaultQueueTickSeconds = 1

	// DefaultFeedbackDelaySeconds separates the short feedback message from
	// the detailed follow-up document.
	DefaultFeedbackDelaySeconds = 2

	// DefaultMonitorIntervalSeconds is the container stats sampling interval.
	DefaultMonitorIntervalSeconds = 5

	// DefaultJamTickSeconds is the jam scheduler control loop interval.
	DefaultJamTickSeconds = 60

	// DefaultMessagesPerMinute is the notifier delivery rate limit.
	DefaultMessagesPerMinute = 20
)

// Config is the root configuration for codejam-bot.
type Config struct {
	Global     GlobalConfig      `yaml:"global"`
	Database   DatabaseConfig    `yaml:"database"`
	Queue      QueueConfig       `yaml:"queue"`
	Sandbox    SandboxConfig     `yaml:"sandbox"`
	Challenges []ChallengeConfig `yaml:"challenges"`
	Jam        JamConfig         `yaml:"jam"`
	Notify     NotifyConfig      `yaml:"notify"`
	API        APIConfig         `yaml:"api"`
	Archive    *ArchiveConfig    `yaml:"archive,omitempty"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel       string `yaml:"log_level"`
	DataDir        string `yaml:"data_dir"`
	ReportsDir     string `yaml:"reports_dir"`
	CleanupOnStart bool   `yaml:"cleanup_on_start"`
}

// DatabaseConfig selects and configures the persistence driver.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig configures the SQLite driver.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig configures the Postgres driver.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// QueueConfig contains worker pool settings.
type QueueConfig struct {
	MaxConcurrent        int `yaml:"max_concurrent"`
	TickSeconds          int `yaml:"tick_seconds"`
	FeedbackDelaySeconds int `yaml:"feedback_delay_seconds"`
}

// SandboxConfig contains sandbox executor settings.
type SandboxConfig struct {
	PullPolicy             string `yaml:"pull_policy"`
	MonitorIntervalSeconds int    `yaml:"monitor_interval_seconds"`
	DefaultTimeoutSeconds  int    `yaml:"default_timeout_seconds"`
}

// ChallengeConfig defines one challenge test: the container image and
// entrypoint that exercise a submission for a given language.
type ChallengeConfig struct {
	ID             string   `yaml:"id"`
	Language       string   `yaml:"language"`
	Image          string   `yaml:"image"`
	Entrypoint     []string `yaml:"entrypoint,omitempty"`
	MountDest      string   `yaml:"mount_dest"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Points         int      `yaml:"points,omitempty"`
}

// JamConfig contains jam scheduler settings.
type JamConfig struct {
	Enabled     bool `yaml:"enabled"`
	TickSeconds int  `yaml:"tick_seconds"`
}

// NotifyConfig contains feedback delivery settings.
type NotifyConfig struct {
	MessagesPerMinute int `yaml:"messages_per_minute"`
}

// APIConfig contains status API server settings.
type APIConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Host              string   `yaml:"host"`
	Port              int      `yaml:"port"`
	CORSOrigins       []string `yaml:"cors_origins,omitempty"`
	RequestsPerMinute int      `yaml:"requests_per_minute"`
}

// ArchiveConfig configures the optional S3 archive for detailed report
// documents.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix,omitempty"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Global.DataDir == "" {
		c.Global.DataDir = DefaultDataDir
	}

	if c.Global.ReportsDir == "" {
		c.Global.ReportsDir = DefaultReportsDir
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = "./codejam.db"
	}

	if c.Queue.MaxConcurrent <= 0 {
		c.Queue.MaxConcurrent = DefaultMaxConcurrent
	}

	if c.Queue.TickSeconds <= 0 {
		c.Queue.TickSeconds = DefaultQueueTickSeconds
	}

	if c.Queue.FeedbackDelaySeconds <= 0 {
		c.Queue.FeedbackDelaySeconds = DefaultFeedbackDelaySeconds
	}

	if c.Sandbox.PullPolicy == "" {
		c.Sandbox.PullPolicy = DefaultPullPolicy
	}

	if c.Sandbox.MonitorIntervalSeconds <= 0 {
		c.Sandbox.MonitorIntervalSeconds = DefaultMonitorIntervalSeconds
	}

	if c.Jam.TickSeconds <= 0 {
		c.Jam.TickSeconds = DefaultJamTickSeconds
	}

	if c.Notify.MessagesPerMinute <= 0 {
		c.Notify.MessagesPerMinute = DefaultMessagesPerMinute
	}

	if c.API.RequestsPerMinute <= 0 {
		c.API.RequestsPerMinute = 60
	}

	for i := range c.Challenges {
		if c.Challenges[i].Points <= 0 {
			c.Challenges[i].Points = 10
		}
	}
}

// validDrivers is the set of supported database drivers.
var validDrivers = map[string]struct{}{
	"sqlite":   {},
	"postgres": {},
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, ok := validDrivers[c.Database.Driver]; !ok {
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if len(c.Challenges) == 0 {
		return fmt.Errorf("at least one challenge must be configured")
	}

	seen := make(map[string]struct{}, len(c.Challenges))

	for i, ch := range c.Challenges {
		if ch.ID == "" {
			return fmt.Errorf("challenge %d: id is required", i)
		}

		key := ch.ID + "/" + ch.Language

		if _, exists := seen[key]; exists {
			return fmt.Errorf("challenge %d: duplicate id %q for language %q", i, ch.ID, ch.Language)
		}

		seen[key] = struct{}{}

		if ch.Language == "" {
			return fmt.Errorf("challenge %q: language is required", ch.ID)
		}

		if ch.Image == "" {
			return fmt.Errorf("challenge %q: image is required", ch.ID)
		}

		if ch.MountDest == "" {
			return fmt.Errorf("challenge %q: mount_dest is required", ch.ID)
		}
	}

	if c.Archive != nil && c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive: bucket is required when enabled")
		}

		if c.Archive.AccessKey == "" || c.Archive.SecretKey == "" {
			return fmt.Errorf("archive: access_key and secret_key are required when enabled")
		}
	}

	if dir := filepath.Dir(c.Global.DataDir); dir != "." && dir != ".." {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return fmt.Errorf("data directory parent %q does not exist", dir)
		}
	}

	return nil
}

// QueueTick returns the worker pool scheduling interval as a duration.
func (c *Config) QueueTick() time.Duration {
	return time.Duration(c.Queue.TickSeconds) * time.Second
}

// FeedbackDelay returns the inter-message delivery delay as a duration.
func (c *Config) FeedbackDelay() time.Duration {
	return time.Duration(c.Queue.FeedbackDelaySeconds) * time.Second
}

// MonitorInterval returns the stats sampling interval as a duration.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Sandbox.MonitorIntervalSeconds) * time.Second
}

// JamTick returns the jam scheduler interval as a duration.
func (c *Config) JamTick() time.Duration {
	return time.Duration(c.Jam.TickSeconds) * time.Second
}
