// Package config provides YAML-based configuration loading for Buildbay.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Buildbay configuration, loaded from config.yaml.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Builds   BuildsConfig   `yaml:"builds"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port        int    `yaml:"port"`
	PreviewHost string `yaml:"preview_host"` // host used when synthesizing preview URLs
}

// DatabaseConfig selects the GORM driver and its connection settings.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" (default) or "mysql"
	Path   string `yaml:"path"`   // sqlite file path
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Name   string `yaml:"name"`
	User   string `yaml:"user"`
}

// BuildsConfig holds worker-pool and pipeline settings.
type BuildsConfig struct {
	MaxConcurrent    int    `yaml:"max_concurrent"`
	MaxJobsPerOwner  int    `yaml:"max_jobs_per_owner"`
	PortMin          int    `yaml:"port_min"`
	PortMax          int    `yaml:"port_max"`
	DataDir          string `yaml:"data_dir"`
	ReadyTimeoutSec  int    `yaml:"ready_timeout_seconds"`
	StepTimeoutSec   int    `yaml:"step_timeout_seconds"`
	PollIntervalSec  int    `yaml:"poll_interval_seconds"`
	SweepIntervalSec int    `yaml:"sweep_interval_seconds"`
}

// NotifyConfig controls optional push delivery of terminal build events.
type NotifyConfig struct {
	Command string        `yaml:"command"` // shell command template, e.g. "notify-send 'Buildbay' '{{.Message}}'"
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack delivery settings.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig holds Discord delivery settings.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config with all defaults applied, for running without a
// config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// ReadyTimeout returns the preview-readiness wait bound.
func (c *Config) ReadyTimeout() time.Duration {
	return time.Duration(c.Builds.ReadyTimeoutSec) * time.Second
}

// StepTimeout returns the bound applied to install/build subprocess steps.
func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.Builds.StepTimeoutSec) * time.Second
}

// PollInterval returns how often the scheduler loop re-checks the queue.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Builds.PollIntervalSec) * time.Second
}

// SweepInterval returns how often stale staging directories are swept.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Builds.SweepIntervalSec) * time.Second
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.PreviewHost == "" {
		c.Server.PreviewHost = "localhost"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "buildbay.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Name == "" {
		c.Database.Name = "buildbay"
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Builds.MaxConcurrent == 0 {
		c.Builds.MaxConcurrent = 3
	}
	if c.Builds.MaxJobsPerOwner == 0 {
		c.Builds.MaxJobsPerOwner = 3
	}
	if c.Builds.PortMin == 0 {
		c.Builds.PortMin = 3000
	}
	if c.Builds.PortMax == 0 {
		c.Builds.PortMax = 3999
	}
	if c.Builds.DataDir == "" {
		c.Builds.DataDir = "data"
	}
	if c.Builds.ReadyTimeoutSec == 0 {
		c.Builds.ReadyTimeoutSec = 30
	}
	if c.Builds.StepTimeoutSec == 0 {
		c.Builds.StepTimeoutSec = 600
	}
	if c.Builds.PollIntervalSec == 0 {
		c.Builds.PollIntervalSec = 10
	}
	if c.Builds.SweepIntervalSec == 0 {
		c.Builds.SweepIntervalSec = 300
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Database.Driver != "sqlite" && c.Database.Driver != "mysql" {
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql)", c.Database.Driver))
	}
	if c.Builds.PortMin > c.Builds.PortMax {
		errs = append(errs, fmt.Sprintf("builds.port_min %d exceeds builds.port_max %d", c.Builds.PortMin, c.Builds.PortMax))
	}
	if c.Builds.MaxConcurrent < 1 {
		errs = append(errs, "builds.max_concurrent must be at least 1")
	}
	if c.Builds.MaxJobsPerOwner < 1 {
		errs = append(errs, "builds.max_jobs_per_owner must be at least 1")
	}
	if c.Notify.Slack.BotToken != "" && c.Notify.Slack.ChannelID == "" {
		errs = append(errs, "notify.slack.channel_id is required when a bot token is set")
	}
	if c.Notify.Discord.BotToken != "" && c.Notify.Discord.ChannelID == "" {
		errs = append(errs, "notify.discord.channel_id is required when a bot token is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
