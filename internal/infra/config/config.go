package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Download DownloadConfig `mapstructure:"download" yaml:"download"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`

	Port string `mapstructure:"port" yaml:"port"`
}

type DownloadConfig struct {
	SaveDir        string        `mapstructure:"save_dir" yaml:"save_dir"`
	MaxConcurrent  int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	PageTimeout    time.Duration `mapstructure:"page_timeout" yaml:"page_timeout"`
	MediaTimeout   time.Duration `mapstructure:"media_timeout" yaml:"media_timeout"`
	PageRetries    int           `mapstructure:"page_retries" yaml:"page_retries"`
	MediaRetries   int           `mapstructure:"media_retries" yaml:"media_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	EvictFinished  bool          `mapstructure:"evict_finished" yaml:"evict_finished"`
	UserAgent      string        `mapstructure:"user_agent" yaml:"user_agent"`

	// Episode link policy of the web app, empty values accept everything
	AllowedHosts      []string `mapstructure:"allowed_hosts" yaml:"allowed_hosts"`
	EpisodePathPrefix string   `mapstructure:"episode_path_prefix" yaml:"episode_path_prefix"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver" yaml:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
}

const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("download.save_dir", "./downloads")
	v.SetDefault("download.max_concurrent", 4)
	v.SetDefault("download.page_timeout", "30s")
	v.SetDefault("download.media_timeout", "0s")
	v.SetDefault("download.page_retries", 0)
	v.SetDefault("download.media_retries", 3)
	v.SetDefault("download.retry_base_delay", "500ms")
	v.SetDefault("download.evict_finished", false)
	v.SetDefault("download.user_agent", "gopod/1.0")
	v.SetDefault("download.allowed_hosts", []string{})
	v.SetDefault("download.episode_path_prefix", "")
	v.SetDefault("log.path", "gopod.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)
	v.SetDefault("store.driver", StoreDriverSQLite)
	v.SetDefault("store.sqlite_path", "./data/gopod.db")
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// Defaults always decode
	_ = v.Unmarshal(&cfg)
	_ = cfg.validate()
	return &cfg
}

func Load(path string) (*Config, error) {

	if path == "" {
		path = "config.yaml"
	}

	// 1. Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// FALLBACK: in Docker the file is mounted at /config/config.yaml
		if path == "config.yaml" {
			if _, errEx := os.Stat("/config/config.yaml"); errEx == nil {
				path = "/config/config.yaml"
			} else if _, errEx := os.Stat("config.yaml.example"); errEx == nil {
				// If config.yaml is missing but example exists, give a helpful error
				return nil, fmt.Errorf("configuration file 'config.yaml' not found\n\n" +
					"To fix this, run:\n" +
					"  cp config.yaml.example config.yaml\n" +
					"Then adjust the download directory.")
			} else {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
		} else {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	v := viper.New()
	setDefaults(v)

	// Read config File
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	// Support Environment Variables
	v.SetEnvPrefix("GOPOD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Download.SaveDir == "" {
		c.Download.SaveDir = "./downloads"
	}

	if c.Download.MaxConcurrent < 0 {
		// Negative means "no limit", same as zero
		c.Download.MaxConcurrent = 0
	}

	if c.Download.PageTimeout < 0 || c.Download.MediaTimeout < 0 {
		return errors.New("download timeouts must not be negative")
	}

	if c.Download.PageRetries < 0 || c.Download.MediaRetries < 0 {
		return errors.New("download retries must not be negative")
	}

	if c.Download.RetryBaseDelay <= 0 {
		c.Download.RetryBaseDelay = 500 * time.Millisecond
	}

	switch c.Store.Driver {
	case "", StoreDriverSQLite:
		c.Store.Driver = StoreDriverSQLite
		if c.Store.SQLitePath == "" {
			c.Store.SQLitePath = "./data/gopod.db"
		}
	case StoreDriverPostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("store: postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store: unknown driver %q", c.Store.Driver)
	}

	return nil
}
