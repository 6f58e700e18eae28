// Package config loads and validates msgbridge configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/msgbridge/internal/logging"
	"github.com/JakeFAU/msgbridge/internal/telemetry"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Deployment DeploymentConfig `mapstructure:"deployment"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Logging    logging.Config   `mapstructure:"logging"`
	Telemetry  telemetry.Config `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	APIKeys []string `mapstructure:"api_keys"`
}

// RateLimitConfig selects and tunes the request limiter.
type RateLimitConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Backend   string        `mapstructure:"backend"`
	RPS       float64       `mapstructure:"rps"`
	Burst     int           `mapstructure:"burst"`
	Window    time.Duration `mapstructure:"window"`
	RedisAddr string        `mapstructure:"redis_addr"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// DeploymentConfig names the environment markers used to pick an install strategy.
// Mode "auto" detects from the markers; "local" and "cloud" force a branch.
type DeploymentConfig struct {
	Mode          string `mapstructure:"mode"`
	CloudEnv      string `mapstructure:"cloud_env"`
	ProductionEnv string `mapstructure:"production_env"`
}

// BrowserConfig governs how a headless browser is provisioned and verified.
type BrowserConfig struct {
	FetchStrategy  string        `mapstructure:"fetch_strategy"`
	InstallCommand []string      `mapstructure:"install_command"`
	InstallTimeout time.Duration `mapstructure:"install_timeout"`
	SessionDir     string        `mapstructure:"session_dir"`
	Browsers       []string      `mapstructure:"browsers"`
	ExecPath       string        `mapstructure:"exec_path"`
	VerifyTimeout  time.Duration `mapstructure:"verify_timeout"`
	InstallOnBoot  bool          `mapstructure:"install_on_boot"`
}

// StorageConfig sets the blob backend and object layout.
type StorageConfig struct {
	Backend        string `mapstructure:"backend"`
	Bucket         string `mapstructure:"bucket"`
	LocalBaseDir   string `mapstructure:"local_base_dir"`
	UploadPrefix   string `mapstructure:"upload_prefix"`
	ExportPrefix   string `mapstructure:"export_prefix"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`
}

// DBConfig controls access to the relational job store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// QueueConfig sizes the export job queue and worker pool.
type QueueConfig struct {
	Depth      int           `mapstructure:"depth"`
	Workers    int           `mapstructure:"workers"`
	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MSGBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	// Managed platforms inject PORT; the prefixed variable still wins when both are set.
	if err := v.BindEnv("server.port", "MSGBRIDGE_SERVER_PORT", "PORT"); err != nil {
		return Config{}, fmt.Errorf("bind port env: %w", err)
	}

	if err := readConfigFile(v, path); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Commands validate the sections they read; see Validate and ValidateBrowser.
	return cfg, nil
}

// readConfigFile reads path when given. Otherwise it searches the working directory,
// /etc/msgbridge and $HOME/.msgbridge for msgbridge.{yaml,json,toml}; finding none is fine.
func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		return nil
	}
	v.SetConfigName("msgbridge")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/msgbridge/")
	v.AddConfigPath("$HOME/.msgbridge")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", "5s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.rps", 5)
	v.SetDefault("ratelimit.burst", 10)
	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("ratelimit.key_prefix", "msgbridge:ratelimit:")
	v.SetDefault("deployment.mode", "auto")
	v.SetDefault("deployment.cloud_env", "RENDER")
	v.SetDefault("deployment.production_env", "APP_ENV")
	v.SetDefault("browser.fetch_strategy", "command")
	v.SetDefault("browser.install_command", []string{"npx", "--yes", "playwright", "install", "chromium"})
	v.SetDefault("browser.install_timeout", "10m")
	v.SetDefault("browser.session_dir", "data/sessions")
	v.SetDefault("browser.browsers", []string{"chromium"})
	v.SetDefault("browser.verify_timeout", "2m")
	v.SetDefault("browser.install_on_boot", true)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_base_dir", "data/blobs")
	v.SetDefault("storage.upload_prefix", "uploads")
	v.SetDefault("storage.export_prefix", "exports")
	v.SetDefault("storage.max_upload_bytes", 10<<20)
	v.SetDefault("db.table", "export_jobs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("queue.depth", 64)
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.job_timeout", "2m")
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "msgbridge")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.exporter", "none")
}

// Validate enforces required values and reasonable limits for the server.
func (c Config) Validate() error {
	if err := c.ValidateBrowser(); err != nil {
		return err
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be > 0")
	}
	if c.Queue.Depth <= 0 {
		return fmt.Errorf("queue.depth must be > 0")
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.api_keys must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if strings.TrimSpace(c.Storage.LocalBaseDir) == "" {
			return fmt.Errorf("storage.local_base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	if c.Storage.MaxUploadBytes <= 0 {
		return fmt.Errorf("storage.max_upload_bytes must be > 0")
	}
	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case "memory":
		case "redis":
			if c.RateLimit.RedisAddr == "" {
				return fmt.Errorf("ratelimit.redis_addr must be set for the redis backend")
			}
			if c.RateLimit.Window <= 0 {
				return fmt.Errorf("ratelimit.window must be > 0 for the redis backend")
			}
		default:
			return fmt.Errorf("ratelimit.backend %q is not one of memory, redis", c.RateLimit.Backend)
		}
		if c.RateLimit.Burst <= 0 {
			return fmt.Errorf("ratelimit.burst must be > 0")
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	switch c.Telemetry.Exporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("telemetry.exporter %q is not one of none, stdout", c.Telemetry.Exporter)
	}
	return nil
}

// ValidateBrowser checks only the deployment and browser sections, which is all the
// install and verify commands read.
func (c Config) ValidateBrowser() error {
	switch c.Deployment.Mode {
	case "", "auto", "local", "cloud", "managed-cloud":
	default:
		return fmt.Errorf("deployment.mode %q is not one of auto, local, cloud", c.Deployment.Mode)
	}
	switch c.Browser.FetchStrategy {
	case "command":
		if len(c.Browser.InstallCommand) == 0 {
			return fmt.Errorf("browser.install_command must be set for the command strategy")
		}
	case "playwright":
	default:
		return fmt.Errorf("browser.fetch_strategy %q is not one of command, playwright", c.Browser.FetchStrategy)
	}
	if strings.TrimSpace(c.Browser.SessionDir) == "" {
		return fmt.Errorf("browser.session_dir must be set")
	}
	return nil
}

// ShutdownBudget returns the graceful shutdown timeout with a floor.
func (c Config) ShutdownBudget() time.Duration {
	if c.Server.ShutdownTimeout <= 0 {
		return 10 * time.Second
	}
	return c.Server.ShutdownTimeout
}
