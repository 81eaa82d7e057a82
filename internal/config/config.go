package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Agent         AgentConfig         `toml:"agent"`
	Web           WebConfig           `toml:"web"`
	GC            GCConfig            `toml:"gc"`
	Autopilot     AutopilotConfig     `toml:"autopilot"`
	Notifications NotificationsConfig `toml:"notifications"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	ProjectID    string `toml:"project_id"`
	ProjectRoot  string `toml:"project_root"`
	WorkspaceDir string `toml:"workspace_dir"`
	DatabasePath string `toml:"database_path"`
	BaseBranch   string `toml:"base_branch"`
	BranchPrefix string `toml:"branch_prefix"`
	MaxParallel  int    `toml:"max_parallel"`
	ProfilesPath string `toml:"profiles_path"`
}

// AgentConfig holds the default agent command settings
type AgentConfig struct {
	Command            string   `toml:"command"`
	Args               []string `toml:"args"`
	GracePeriodSeconds int      `toml:"grace_period_seconds"`
}

// GracePeriod returns the kill-escalation window as a duration
func (a AgentConfig) GracePeriod() time.Duration {
	return time.Duration(a.GracePeriodSeconds) * time.Second
}

// WebConfig holds HTTP server settings
type WebConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// GCConfig holds garbage collector settings
type GCConfig struct {
	Cron          string `toml:"cron"`
	MinAgeMinutes int    `toml:"min_age_minutes"`
	Limit         int    `toml:"limit"`
}

// AutopilotConfig holds autopilot batching settings
type AutopilotConfig struct {
	BatchSize int `toml:"batch_size"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			ProjectID:    "default",
			ProjectRoot:  "",
			WorkspaceDir: filepath.Join(home, ".agent-factory", "workspaces"),
			DatabasePath: filepath.Join(home, ".agent-factory", "factory.db"),
			BaseBranch:   "main",
			BranchPrefix: "factory",
			MaxParallel:  3,
			ProfilesPath: filepath.Join(home, ".agent-factory", "profiles.yaml"),
		},
		Agent: AgentConfig{
			Command:            "claude",
			Args:               []string{"--print", "--dangerously-skip-permissions"},
			GracePeriodSeconds: 10,
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		GC: GCConfig{
			Cron:          "*/10 * * * *",
			MinAgeMinutes: 30,
			Limit:         50,
		},
		Autopilot: AutopilotConfig{
			BatchSize: 10,
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

	cfg.General.ProjectRoot = ExpandPath(cfg.General.ProjectRoot)
	cfg.General.WorkspaceDir = ExpandPath(cfg.General.WorkspaceDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.ProfilesPath = ExpandPath(cfg.General.ProfilesPath)

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
	return filepath.Join(home, ".config", "agent-factory", "config.toml")
}
