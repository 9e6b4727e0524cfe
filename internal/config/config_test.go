package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"BACKHAULCTL_CONFIG_DIR",
		"BACKHAULCTL_BIN_PATH",
		"BACKHAULCTL_DATA_DIR",
		"BACKHAULCTL_UNIT_DIR",
		"BACKHAULCTL_LOG_LEVEL",
		"BACKHAULCTL_REPO",
		"BACKHAULCTL_API_URL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BACKHAULCTL_CONFIG", filepath.Join(dir, "config.toml"))
	clearEnv(t)

	cfg := Load()

	if cfg.ConfigDir != "/etc/backhaul" {
		t.Errorf("ConfigDir = %q, want /etc/backhaul", cfg.ConfigDir)
	}
	if cfg.BinPath != "/usr/local/bin/backhaul" {
		t.Errorf("BinPath = %q, want /usr/local/bin/backhaul", cfg.BinPath)
	}
	if cfg.Core.Repo != "Musixal/Backhaul" {
		t.Errorf("Core.Repo = %q, want Musixal/Backhaul", cfg.Core.Repo)
	}
	if cfg.Core.APIBaseURL != "https://api.github.com" {
		t.Errorf("Core.APIBaseURL = %q, want https://api.github.com", cfg.Core.APIBaseURL)
	}
	if cfg.Restart.PollInterval != time.Second {
		t.Errorf("Restart.PollInterval = %s, want 1s", cfg.Restart.PollInterval)
	}
	if cfg.Restart.Timeout != 20*time.Second {
		t.Errorf("Restart.Timeout = %s, want 20s", cfg.Restart.Timeout)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Hooks.Enabled {
		t.Error("Hooks.Enabled = true, want false by default")
	}
}

func TestLoadCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	t.Setenv("BACKHAULCTL_CONFIG", path)
	clearEnv(t)

	cfg := Load()

	data, err := os.ReadFile(path) //nolint:gosec // test file, path is from t.TempDir()
	if err != nil {
		t.Fatalf("expected config file to be created: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "# config_dir") {
		t.Error("expected config file to contain '# config_dir'")
	}
	if !strings.Contains(content, "# bin_path") {
		t.Error("expected config file to contain '# bin_path'")
	}

	// All defaults should still apply (file is all comments).
	if cfg.DataDir != "/var/lib/backhaulctl" {
		t.Errorf("DataDir = %q, want default", cfg.DataDir)
	}
}

func TestLoadUsesConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `config_dir = "/srv/tunnels"
log_level = "DEBUG"

[core]
repo = "example/fork"
download_timeout = "3m"

[restart]
poll_interval = "250ms"

[watch]
schedule = "@every 30s"

[hooks]
enabled = true
on_enable = "logger tunnel-up"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BACKHAULCTL_CONFIG", path)
	clearEnv(t)

	cfg := Load()

	if cfg.ConfigDir != "/srv/tunnels" {
		t.Errorf("ConfigDir = %q, want /srv/tunnels", cfg.ConfigDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug (lowercased)", cfg.LogLevel)
	}
	if cfg.Core.Repo != "example/fork" {
		t.Errorf("Core.Repo = %q, want example/fork", cfg.Core.Repo)
	}
	if cfg.Core.DownloadTimeout != 3*time.Minute {
		t.Errorf("Core.DownloadTimeout = %s, want 3m", cfg.Core.DownloadTimeout)
	}
	if cfg.Restart.PollInterval != 250*time.Millisecond {
		t.Errorf("Restart.PollInterval = %s, want 250ms", cfg.Restart.PollInterval)
	}
	if cfg.Watch.Schedule != "@every 30s" {
		t.Errorf("Watch.Schedule = %q, want @every 30s", cfg.Watch.Schedule)
	}
	if !cfg.Hooks.Enabled {
		t.Error("Hooks.Enabled = false, want true from file")
	}
	if cfg.Hooks.OnEnable != "logger tunnel-up" {
		t.Errorf("Hooks.OnEnable = %q, want logger tunnel-up", cfg.Hooks.OnEnable)
	}
	// Untouched values keep defaults.
	if cfg.Restart.Timeout != 20*time.Second {
		t.Errorf("Restart.Timeout = %s, want default 20s", cfg.Restart.Timeout)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `config_dir = "/srv/tunnels"

[core]
repo = "example/fork"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BACKHAULCTL_CONFIG", path)
	clearEnv(t)
	t.Setenv("BACKHAULCTL_CONFIG_DIR", "/opt/backhaul")
	t.Setenv("BACKHAULCTL_REPO", "example/other")
	t.Setenv("BACKHAULCTL_API_URL", "https://ghe.example.com/api/v3/")

	cfg := Load()

	if cfg.ConfigDir != "/opt/backhaul" {
		t.Errorf("ConfigDir = %q, want /opt/backhaul", cfg.ConfigDir)
	}
	if cfg.Core.Repo != "example/other" {
		t.Errorf("Core.Repo = %q, want example/other", cfg.Core.Repo)
	}
	if cfg.Core.APIBaseURL != "https://ghe.example.com/api/v3" {
		t.Errorf("Core.APIBaseURL = %q, want trailing slash trimmed", cfg.Core.APIBaseURL)
	}
}

func TestLoadDoesNotOverwriteExistingConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	original := `config_dir = "/srv/tunnels"
`
	if err := os.WriteFile(path, []byte(original), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BACKHAULCTL_CONFIG", path)
	clearEnv(t)

	cfg := Load()

	data, err := os.ReadFile(path) //nolint:gosec // test file, path is from t.TempDir()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != original {
		t.Errorf("config file was overwritten: got %q", string(data))
	}
	if cfg.ConfigDir != "/srv/tunnels" {
		t.Errorf("ConfigDir = %q, want /srv/tunnels", cfg.ConfigDir)
	}
}

func TestLoadIgnoresMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("not toml = = ["), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BACKHAULCTL_CONFIG", path)
	clearEnv(t)

	cfg := Load()

	if cfg.ConfigDir != "/etc/backhaul" {
		t.Errorf("ConfigDir = %q, want default after malformed file", cfg.ConfigDir)
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	t.Parallel()

	var d duration
	if err := d.UnmarshalText([]byte(" 90s ")); err != nil {
		t.Fatalf("UnmarshalText(90s) error: %v", err)
	}
	if time.Duration(d) != 90*time.Second {
		t.Fatalf("duration = %s, want 90s", time.Duration(d))
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Fatal("UnmarshalText(soon) expected error")
	}
}
