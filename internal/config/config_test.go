package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.MaxParallel != 3 {
		t.Errorf("max_parallel = %d, want 3", cfg.General.MaxParallel)
	}
	if cfg.General.BaseBranch != "main" || cfg.General.BranchPrefix != "factory" {
		t.Errorf("branch defaults: %+v", cfg.General)
	}
	if cfg.Agent.Command != "claude" {
		t.Errorf("agent command = %q", cfg.Agent.Command)
	}
	if cfg.GC.Cron == "" || cfg.GC.Limit != 50 {
		t.Errorf("gc defaults: %+v", cfg.GC)
	}
	if cfg.Autopilot.BatchSize != 10 {
		t.Errorf("batch_size = %d, want 10", cfg.Autopilot.BatchSize)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[general]
project_id = "acme"
project_root = "/repos/acme"
base_branch = "develop"
max_parallel = 7

[agent]
command = "my-agent"
args = ["--yes"]
grace_period_seconds = 30

[web]
port = 9999

[notifications]
slack_webhook = "https://hooks.slack.example/x"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.ProjectID != "acme" || cfg.General.MaxParallel != 7 {
		t.Errorf("general: %+v", cfg.General)
	}
	if cfg.General.BaseBranch != "develop" {
		t.Errorf("base_branch = %q", cfg.General.BaseBranch)
	}
	if cfg.Agent.Command != "my-agent" || len(cfg.Agent.Args) != 1 {
		t.Errorf("agent: %+v", cfg.Agent)
	}
	if cfg.Agent.GracePeriod() != 30*time.Second {
		t.Errorf("grace_period = %v", cfg.Agent.GracePeriod())
	}
	if cfg.Web.Port != 9999 {
		t.Errorf("port = %d", cfg.Web.Port)
	}
	if cfg.Notifications.SlackWebhook == "" {
		t.Error("slack webhook not loaded")
	}
	// Untouched sections keep defaults
	if cfg.GC.MinAgeMinutes != 30 {
		t.Errorf("gc min age = %d, want default 30", cfg.GC.MinAgeMinutes)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandPath("~/x/y"); got != filepath.Join(home, "x/y") {
		t.Errorf("ExpandPath(~/x/y) = %q", got)
	}
	if got := ExpandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandPath(/abs/path) = %q", got)
	}
}
