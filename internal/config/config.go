package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level TOML structure for the daemon.
type Config struct {
	DataDir string `toml:"data_dir" mapstructure:"data_dir"`

	Store       StoreConfig       `toml:"store" mapstructure:"store"`
	Server      ServerConfig      `toml:"server" mapstructure:"server"`
	Log         LogConfig         `toml:"log" mapstructure:"log"`
	Supervisor  SupervisorConfig  `toml:"supervisor" mapstructure:"supervisor"`
	Scheduler   SchedulerConfig   `toml:"scheduler" mapstructure:"scheduler"`
	Provisioner ProvisionerConfig `toml:"provisioner" mapstructure:"provisioner"`
	History     HistoryConfig     `toml:"history" mapstructure:"history"`
}

// StoreConfig selects the persistence backend by DSN.
// "sqlite://<path>", "postgres://..." or a bare path (sqlite).
type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// LogConfig configures daemon logging and the rotation parameters of
// per-execution capture files (lumberjack semantics).
type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Color      bool   `toml:"color" mapstructure:"color"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// SupervisorConfig tunes the monitor loop for perpetual apps.
type SupervisorConfig struct {
	GracePeriod     time.Duration `toml:"grace_period" mapstructure:"grace_period"`
	MonitorInterval time.Duration `toml:"monitor_interval" mapstructure:"monitor_interval"`
}

// SchedulerConfig tunes scheduled execution.
type SchedulerConfig struct {
	DefaultTimeout time.Duration `toml:"default_timeout" mapstructure:"default_timeout"`
	DefaultMisfire string        `toml:"default_misfire" mapstructure:"default_misfire"`
}

// ProvisionerConfig tunes isolated environment provisioning.
type ProvisionerConfig struct {
	Interpreter    string        `toml:"interpreter" mapstructure:"interpreter"`
	InstallTimeout time.Duration `toml:"install_timeout" mapstructure:"install_timeout"`
}

// HistoryConfig configures an optional execution-event export sink.
type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Type    string `toml:"type" mapstructure:"type"` // "clickhouse"
	DSN     string `toml:"dsn" mapstructure:"dsn"`
	Table   string `toml:"table" mapstructure:"table"`
}

// Default returns a Config with defaults applied on top of zero values;
// Load applies the same defaults after decoding.
func Default() Config {
	c := Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/appstead"
	}
	if c.Store.DSN == "" {
		c.Store.DSN = "sqlite://" + c.DataDir + "/appstead.db"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8420"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/api"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Supervisor.GracePeriod <= 0 {
		c.Supervisor.GracePeriod = 10 * time.Second
	}
	if c.Supervisor.MonitorInterval <= 0 {
		c.Supervisor.MonitorInterval = 500 * time.Millisecond
	}
	if c.Scheduler.DefaultMisfire == "" {
		c.Scheduler.DefaultMisfire = "skip"
	}
	if c.Provisioner.Interpreter == "" {
		c.Provisioner.Interpreter = "python3"
	}
	if c.Provisioner.InstallTimeout <= 0 {
		c.Provisioner.InstallTimeout = 5 * time.Minute
	}
	if c.History.Table == "" {
		c.History.Table = "appstead_executions"
	}
}

// Paths derives the on-disk layout from the configured data directory.
func (c *Config) Paths() Paths { return Paths{DataDir: c.DataDir} }

// Load reads a TOML config file and applies defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	c.applyDefaults()
	return &c, nil
}
