package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Version is injected at build time via ldflags.
var Version = "dev"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Downloads DownloadsConfig `mapstructure:"downloads"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds the download journal location.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// StorageConfig describes where downloads land.
// The first vault directory is the default placement target.
type StorageConfig struct {
	CacheDir  string   `mapstructure:"cache_dir"`
	TempDir   string   `mapstructure:"temp_dir"`
	VaultDirs []string `mapstructure:"vault_dirs"`
	InboxDir  string   `mapstructure:"inbox_dir"`
}

// DownloadsConfig holds worker pool widths and transfer policy.
type DownloadsConfig struct {
	DownloadWorkers  int         `mapstructure:"download_workers"`
	ThumbnailWorkers int         `mapstructure:"thumbnail_workers"`
	ImageWorkers     int         `mapstructure:"image_workers"`
	FileWorkers      int         `mapstructure:"file_workers"`
	IncrementBytes   int         `mapstructure:"increment_bytes"`
	MaxBytesPerSec   int64       `mapstructure:"max_bytes_per_sec"`
	MinFreeBytes     uint64      `mapstructure:"min_free_bytes"`
	ChunkRetry       RetryConfig `mapstructure:"chunk_retry"`
	BlobRetry        RetryConfig `mapstructure:"blob_retry"`
}

// RetryConfig configures automatic resubmission of failed transfers.
// MaxAttempts of zero disables automatic retry.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// SchedulerConfig holds maintenance task schedules.
type SchedulerConfig struct {
	TempSweepCron      string        `mapstructure:"temp_sweep_cron"`
	TempSweepGrace     time.Duration `mapstructure:"temp_sweep_grace"`
	JournalCleanupCron string        `mapstructure:"journal_cleanup_cron"`
	JournalRetention   int           `mapstructure:"journal_retention_days"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8686,
		},
		Database: DatabaseConfig{
			Path: "./data/vaultfetch.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Storage: StorageConfig{
			CacheDir: defaultCacheDir(),
			TempDir:  filepath.Join(os.TempDir(), "vaultfetch"),
		},
		Downloads: DownloadsConfig{
			DownloadWorkers:  5,
			ThumbnailWorkers: 5,
			ImageWorkers:     5,
			FileWorkers:      1,
			IncrementBytes:   64 * 1024,
			ChunkRetry:       RetryConfig{MaxAttempts: 0, InitialDelay: 2 * time.Second, MaxDelay: time.Minute, Multiplier: 2},
			BlobRetry:        RetryConfig{MaxAttempts: 3, InitialDelay: 2 * time.Second, MaxDelay: time.Minute, Multiplier: 2},
		},
		Scheduler: SchedulerConfig{
			TempSweepCron:      "30 * * * *",
			TempSweepGrace:     time.Hour,
			JournalCleanupCron: "0 3 * * *",
			JournalRetention:   30,
		},
	}
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults
func Load(configPath string) (*Config, error) {
	// A missing .env is the common case.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.vaultfetch")
	}

	v.SetEnvPrefix("VAULTFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Env vars cannot express lists, so accept a path-list form too.
	if len(cfg.Storage.VaultDirs) == 1 && strings.ContainsRune(cfg.Storage.VaultDirs[0], os.PathListSeparator) {
		cfg.Storage.VaultDirs = filepath.SplitList(cfg.Storage.VaultDirs[0])
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("storage.cache_dir", d.Storage.CacheDir)
	v.SetDefault("storage.temp_dir", d.Storage.TempDir)
	v.SetDefault("storage.vault_dirs", []string{})
	v.SetDefault("storage.inbox_dir", "")

	v.SetDefault("downloads.download_workers", d.Downloads.DownloadWorkers)
	v.SetDefault("downloads.thumbnail_workers", d.Downloads.ThumbnailWorkers)
	v.SetDefault("downloads.image_workers", d.Downloads.ImageWorkers)
	v.SetDefault("downloads.file_workers", d.Downloads.FileWorkers)
	v.SetDefault("downloads.increment_bytes", d.Downloads.IncrementBytes)
	v.SetDefault("downloads.max_bytes_per_sec", 0)
	v.SetDefault("downloads.min_free_bytes", 0)
	setRetryDefaults(v, "downloads.chunk_retry", d.Downloads.ChunkRetry)
	setRetryDefaults(v, "downloads.blob_retry", d.Downloads.BlobRetry)

	v.SetDefault("scheduler.temp_sweep_cron", d.Scheduler.TempSweepCron)
	v.SetDefault("scheduler.temp_sweep_grace", d.Scheduler.TempSweepGrace)
	v.SetDefault("scheduler.journal_cleanup_cron", d.Scheduler.JournalCleanupCron)
	v.SetDefault("scheduler.journal_retention_days", d.Scheduler.JournalRetention)
}

func setRetryDefaults(v *viper.Viper, prefix string, r RetryConfig) {
	v.SetDefault(prefix+".max_attempts", r.MaxAttempts)
	v.SetDefault(prefix+".initial_delay", r.InitialDelay)
	v.SetDefault(prefix+".max_delay", r.MaxDelay)
	v.SetDefault(prefix+".multiplier", r.Multiplier)
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "vaultfetch")
	}
	return "./data/cache"
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DefaultVault returns the first configured vault directory, or "".
func (s *StorageConfig) DefaultVault() string {
	if len(s.VaultDirs) == 0 {
		return ""
	}
	return s.VaultDirs[0]
}
