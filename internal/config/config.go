// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config captures all pipeline configuration knobs loaded via Viper.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	DB       DBConfig       `mapstructure:"db"`
	CSV      CSVConfig      `mapstructure:"csv"`
	DVC      DVCConfig      `mapstructure:"dvc"`
	Git      GitConfig      `mapstructure:"git"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Server   ServerConfig   `mapstructure:"server"`
	Mirror   MirrorConfig   `mapstructure:"mirror"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// APIConfig points the fetcher at the APOD endpoint.
type APIConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Key            string `mapstructure:"key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// DBConfig controls access to the relational store.
type DBConfig struct {
	Driver     string `mapstructure:"driver"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Name       string `mapstructure:"name"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	SSLMode    string `mapstructure:"sslmode"`
	Table      string `mapstructure:"table"`
	MaxConns   int32  `mapstructure:"max_conns"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// CSVConfig locates the flat file.
type CSVConfig struct {
	Path string `mapstructure:"path"`
}

// DVCConfig configures the snapshot recorder.
type DVCConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Binary      string `mapstructure:"binary"`
	WorkDir     string `mapstructure:"work_dir"`
	MetadataExt string `mapstructure:"metadata_ext"`
}

// GitConfig configures the change recorder.
type GitConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Binary        string `mapstructure:"binary"`
	WorkDir       string `mapstructure:"work_dir"`
	UserName      string `mapstructure:"user_name"`
	UserEmail     string `mapstructure:"user_email"`
	MessagePrefix string `mapstructure:"message_prefix"`
}

// RunnerConfig sets the per-stage retry policy.
type RunnerConfig struct {
	MaxRetries        int `mapstructure:"max_retries"`
	RetryDelaySeconds int `mapstructure:"retry_delay_seconds"`
	StageTimeoutSecs  int `mapstructure:"stage_timeout_seconds"`
}

// ScheduleConfig controls the long-running scheduler loop.
type ScheduleConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	RunOnBoot bool          `mapstructure:"run_on_boot"`
}

// ServerConfig controls the scheduler's HTTP surface.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// MirrorConfig optionally copies the merged CSV to GCS or a local directory.
type MirrorConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// NotifyConfig optionally publishes run summaries to Pub/Sub.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("APOD")
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "https://api.nasa.gov/planetary/apod")
	v.SetDefault("api.key", "DEMO_KEY")
	v.SetDefault("api.timeout_seconds", 30)
	v.SetDefault("api.user_agent", "apod-pipeline/1.0")
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.host", "postgres")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "apod_db")
	v.SetDefault("db.user", "apod_user")
	v.SetDefault("db.password", "apod_password")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.table", "apod_data")
	v.SetDefault("db.max_conns", 2)
	v.SetDefault("db.sqlite_path", "data/apod.db")
	v.SetDefault("csv.path", "data/apod_data.csv")
	v.SetDefault("dvc.enabled", true)
	v.SetDefault("dvc.binary", "dvc")
	v.SetDefault("dvc.work_dir", ".")
	v.SetDefault("dvc.metadata_ext", ".dvc")
	v.SetDefault("git.enabled", true)
	v.SetDefault("git.binary", "git")
	v.SetDefault("git.work_dir", ".")
	v.SetDefault("git.user_name", "apod-pipeline")
	v.SetDefault("git.user_email", "apod-pipeline@example.com")
	v.SetDefault("git.message_prefix", "Add DVC metadata for APOD data")
	v.SetDefault("runner.max_retries", 1)
	v.SetDefault("runner.retry_delay_seconds", 300)
	v.SetDefault("runner.stage_timeout_seconds", 600)
	v.SetDefault("schedule.interval", "24h")
	v.SetDefault("schedule.run_on_boot", true)
	v.SetDefault("server.port", 8080)
	// Keys without a default are invisible to AutomaticEnv during Unmarshal.
	v.SetDefault("mirror.gcs_bucket", "")
	v.SetDefault("mirror.local_dir", "")
	v.SetDefault("mirror.prefix", "apod")
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if _, err := url.ParseRequestURI(c.API.BaseURL); err != nil {
		return fmt.Errorf("api.base_url is invalid: %w", err)
	}
	if c.API.Key == "" {
		return fmt.Errorf("api.key is required")
	}
	if c.API.TimeoutSeconds <= 0 {
		return fmt.Errorf("api.timeout_seconds must be > 0")
	}
	switch c.DB.Driver {
	case "postgres":
		if c.DB.Host == "" || c.DB.Name == "" {
			return fmt.Errorf("db.host and db.name are required for the postgres driver")
		}
		if c.DB.Port <= 0 {
			return fmt.Errorf("db.port must be > 0")
		}
	case "sqlite":
		if c.DB.SQLitePath == "" {
			return fmt.Errorf("db.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown db.driver %q", c.DB.Driver)
	}
	if !validTableName.MatchString(c.DB.Table) {
		return fmt.Errorf("invalid db.table %q", c.DB.Table)
	}
	if c.CSV.Path == "" {
		return fmt.Errorf("csv.path is required")
	}
	if c.DVC.Enabled && !strings.HasPrefix(c.DVC.MetadataExt, ".") {
		return fmt.Errorf("dvc.metadata_ext must start with '.'")
	}
	if c.Runner.MaxRetries < 0 {
		return fmt.Errorf("runner.max_retries must be >= 0")
	}
	if c.Runner.RetryDelaySeconds < 0 {
		return fmt.Errorf("runner.retry_delay_seconds must be >= 0")
	}
	if c.Schedule.Interval <= 0 {
		return fmt.Errorf("schedule.interval must be > 0")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Mirror.GCSBucket != "" && c.Mirror.LocalDir != "" {
		return fmt.Errorf("mirror.gcs_bucket and mirror.local_dir are mutually exclusive")
	}
	if (c.Notify.ProjectID == "") != (c.Notify.Topic == "") {
		return fmt.Errorf("notify.project_id and notify.topic must be set together")
	}
	return nil
}

// FetchTimeout returns the fetcher's request timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// RetryDelay returns the delay between stage attempts.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Runner.RetryDelaySeconds) * time.Second
}

// StageTimeout bounds one stage attempt; zero disables the bound.
func (c Config) StageTimeout() time.Duration {
	return time.Duration(c.Runner.StageTimeoutSecs) * time.Second
}

// MetadataPath returns the snapshot metadata path for a flat file.
func (c Config) MetadataPath(csvPath string) string {
	return csvPath + c.DVC.MetadataExt
}
