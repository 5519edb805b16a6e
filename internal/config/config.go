package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Pipeline      PipelineConfig      `toml:"pipeline"`
	Pool          PoolConfig          `toml:"pool"`
	Watchdog      WatchdogConfig      `toml:"watchdog"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DataDir      string `toml:"data_dir"`
	DatabasePath string `toml:"database_path"`
}

// PipelineConfig holds stage execution settings
type PipelineConfig struct {
	// StageCommand is the shell command run for every stage; it reads its
	// assignment from the environment.
	StageCommand        string `toml:"stage_command"`
	StageTimeoutSeconds int    `toml:"stage_timeout_seconds"`
	JobTTLSeconds       int    `toml:"job_ttl_seconds"`
}

// PoolConfig holds runner pool settings
type PoolConfig struct {
	EmbeddedMaxJobs          int `toml:"embedded_max_jobs"`
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  int `toml:"heartbeat_timeout_seconds"`
}

// WatchdogConfig holds stuck-job sweep settings
type WatchdogConfig struct {
	Schedule             string `toml:"schedule"`
	StageDeadlineSeconds int    `toml:"stage_deadline_seconds"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds HTTP server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DataDir:      filepath.Join(home, ".pipeline-orchestrator", "runs"),
			DatabasePath: filepath.Join(home, ".pipeline-orchestrator", "registry.db"),
		},
		Pipeline: PipelineConfig{
			StageCommand:        "pipeline-stage",
			StageTimeoutSeconds: 1800,
			JobTTLSeconds:       3600,
		},
		Pool: PoolConfig{
			EmbeddedMaxJobs:          4,
			HeartbeatIntervalSeconds: 30,
			HeartbeatTimeoutSeconds:  90,
		},
		Watchdog: WatchdogConfig{
			Schedule:             "@every 1m",
			StageDeadlineSeconds: 1800,
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8420,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "pipeline-orchestrator", "config.toml")
}
