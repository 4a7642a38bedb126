package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

const appName = "attachdl"

// Duration is a time.Duration that decodes from strings like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds application configuration.
type Config struct {
	ListenAddr string `toml:"listen_addr" env:"LISTEN_ADDR"`
	// Secret enables request signing on the control API.
	Secret   string `toml:"secret" env:"SECRET"`
	LogLevel string `toml:"log_level" env:"LOG_LEVEL"`

	DBPath         string `toml:"db" env:"DB"`
	AttachmentsDir string `toml:"attachments_dir" env:"ATTACHMENTS_DIR"`
	TempDir        string `toml:"temp_dir" env:"TEMP_DIR"`
	DownloadsDir   string `toml:"downloads_dir" env:"DOWNLOADS_DIR"`

	TransitBaseURL string   `toml:"transit_base_url" env:"TRANSIT_BASE_URL"`
	BackupBaseURL  string   `toml:"backup_base_url" env:"BACKUP_BASE_URL"`
	FetchTimeout   Duration `toml:"fetch_timeout" env:"FETCH_TIMEOUT"`

	MaxConcurrentJobs        int      `toml:"max_concurrent_jobs" env:"MAX_CONCURRENT_JOBS"`
	TickInterval             Duration `toml:"tick_interval" env:"TICK_INTERVAL"`
	MaxAttachmentSizeKiB     int64    `toml:"max_attachment_size_kib" env:"MAX_ATTACHMENT_SIZE_KIB"`
	MaxTextAttachmentSizeKiB int64    `toml:"max_text_attachment_size_kib" env:"MAX_TEXT_ATTACHMENT_SIZE_KIB"`
	MessageQueueTime         Duration `toml:"message_queue_time" env:"MESSAGE_QUEUE_TIME"`
	HasMediaBackups          bool     `toml:"has_media_backups" env:"HAS_MEDIA_BACKUPS"`

	Redis    RedisConfig    `toml:"redis" envPrefix:"REDIS_"`
	Backfill BackfillConfig `toml:"backfill" envPrefix:"BACKFILL_"`
}

// RedisConfig locates the backfill transport. An empty Addr disables it.
type RedisConfig struct {
	Addr        string `toml:"addr" env:"ADDR"`
	Password    string `toml:"password" env:"PASSWORD"`
	RequestKey  string `toml:"request_key" env:"REQUEST_KEY"`
	ResponseKey string `toml:"response_key" env:"RESPONSE_KEY"`
}

type BackfillConfig struct {
	Enabled bool     `toml:"enabled" env:"ENABLED"`
	Timeout Duration `toml:"timeout" env:"TIMEOUT"`
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	return filepath.Join(xdgDir("XDG_CACHE_HOME", ".cache"), appName, "jobs.db")
}

// DefaultAttachmentsDir returns the default attachment directory using XDG_DATA_HOME.
func DefaultAttachmentsDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), appName, "attachments")
}

// DefaultConfigPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), appName, "config.toml")
}

func xdgDir(envVar, fallback string) string {
	if dir := os.Getenv(envVar); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, fallback)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:               ":8080",
		LogLevel:                 "info",
		DBPath:                   DefaultDBPath(),
		AttachmentsDir:           DefaultAttachmentsDir(),
		TempDir:                  os.TempDir(),
		FetchTimeout:             Duration{2 * time.Minute},
		MaxConcurrentJobs:        3,
		TickInterval:             Duration{15 * time.Second},
		MaxAttachmentSizeKiB:     100 * 1024,
		MaxTextAttachmentSizeKiB: 5 * 1024,
		MessageQueueTime:         Duration{45 * 24 * time.Hour},
		Backfill:                 BackfillConfig{Timeout: Duration{10 * time.Second}},
	}
}

// Load builds Config from defaults, the TOML file, .env, the environment
// and command line flags, in increasing precedence.
func Load(args []string) (*Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	configPath := fs.String("config", DefaultConfigPath(), "TOML config file")
	envFile := fs.String("env-file", ".env", "dotenv file")
	listen := fs.String("listen", cfg.ListenAddr, "HTTP listen address")
	db := fs.String("db", cfg.DBPath, "SQLite database path")
	attachments := fs.String("attachments-dir", cfg.AttachmentsDir, "Attachment storage directory")
	concurrency := fs.Int("max-concurrent", cfg.MaxConcurrentJobs, "Maximum concurrent downloads")
	logLevel := fs.String("log-level", cfg.LogLevel, "Log level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if err := loadFile(cfg, *configPath, set["config"]); err != nil {
		return nil, err
	}
	if err := loadEnvFile(*envFile, set["env-file"]); err != nil {
		return nil, err
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "ATTACHDL_"}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if set["listen"] {
		cfg.ListenAddr = *listen
	}
	if set["db"] {
		cfg.DBPath = *db
	}
	if set["attachments-dir"] {
		cfg.AttachmentsDir = *attachments
	}
	if set["max-concurrent"] {
		cfg.MaxConcurrentJobs = *concurrency
	}
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}
	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = filepath.Join(cfg.AttachmentsDir, "downloads")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile decodes the TOML file at path into cfg. A missing file is only an
// error when it was asked for explicitly.
func loadFile(cfg *Config, path string, explicit bool) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("load config %s: %w", path, err)
	}
	return nil
}

func loadEnvFile(path string, explicit bool) error {
	if _, err := os.Stat(path); err != nil {
		if explicit {
			return fmt.Errorf("load %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Validate rejects impossible values.
func (c *Config) Validate() error {
	var err error
	if c.ListenAddr == "" {
		err = multierr.Append(err, errors.New("listen address is required"))
	}
	if c.DBPath == "" {
		err = multierr.Append(err, errors.New("database path is required"))
	}
	if c.AttachmentsDir == "" {
		err = multierr.Append(err, errors.New("attachments directory is required"))
	}
	if c.MaxConcurrentJobs < 1 {
		err = multierr.Append(err, fmt.Errorf("max concurrent jobs must be positive, got %d", c.MaxConcurrentJobs))
	}
	if c.TickInterval.Duration <= 0 {
		err = multierr.Append(err, errors.New("tick interval must be positive"))
	}
	if c.MaxAttachmentSizeKiB <= 0 || c.MaxTextAttachmentSizeKiB <= 0 {
		err = multierr.Append(err, errors.New("attachment size limits must be positive"))
	}
	if c.TransitBaseURL == "" && c.BackupBaseURL == "" {
		err = multierr.Append(err, errors.New("at least one of transit_base_url or backup_base_url is required"))
	}
	if c.Backfill.Enabled && c.Redis.Addr == "" {
		err = multierr.Append(err, errors.New("backfill requires redis.addr"))
	}
	return err
}
