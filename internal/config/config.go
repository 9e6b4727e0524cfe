package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	// ConfigDir holds one <name>.toml record per tunnel instance.
	ConfigDir string
	// BinPath is the canonical install path of the tunnel core executable.
	BinPath string
	// DataDir holds backhaulctl's own state (operation journal).
	DataDir string
	// UnitDir is where the systemd template unit is installed.
	UnitDir  string
	LogLevel string

	Core    CoreConfig
	Restart RestartConfig
	Watch   WatchConfig
	Hooks   HooksConfig
}

type CoreConfig struct {
	// Repo is the upstream GitHub project in owner/name form.
	Repo            string
	APIBaseURL      string
	DownloadTimeout time.Duration
}

type RestartConfig struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

type WatchConfig struct {
	Schedule string
}

type HooksConfig struct {
	Enabled   bool
	Timeout   time.Duration
	OnEnable  string
	OnDisable string
	OnRestart string
	OnDelete  string
	OnInstall string
}

const defaultConfigContent = `# backhaulctl configuration
# All values shown are defaults. Uncomment and edit to customize.

# Directory holding one <name>.toml record per tunnel instance.
# Environment variable: BACKHAULCTL_CONFIG_DIR
# config_dir = "/etc/backhaul"

# Install path of the tunnel core executable.
# Environment variable: BACKHAULCTL_BIN_PATH
# bin_path = "/usr/local/bin/backhaul"

# State directory (operation journal).
# Environment variable: BACKHAULCTL_DATA_DIR
# data_dir = "/var/lib/backhaulctl"

# Systemd unit directory for the backhaul@.service template.
# Environment variable: BACKHAULCTL_UNIT_DIR
# unit_dir = "/etc/systemd/system"

# Log level: debug, info, warn, error.
# Environment variable: BACKHAULCTL_LOG_LEVEL
# log_level = "info"

# [core]
# Upstream release feed (owner/name) and API endpoint.
# Environment variables: BACKHAULCTL_REPO, BACKHAULCTL_API_URL
# repo = "Musixal/Backhaul"
# api_base_url = "https://api.github.com"
# download_timeout = "10m"

# [restart]
# poll_interval = "1s"
# timeout = "20s"

# [watch]
# Cron expression or @every interval for the watch command.
# schedule = "@every 1m"

# [hooks]
# Shell snippets fired after lifecycle operations. Disabled by default.
# enabled = false
# timeout = "15s"
# on_enable = ""
# on_disable = ""
# on_restart = ""
# on_delete = ""
# on_install = ""
`

// duration lets TOML carry values like "90s" in plain strings.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

type fileConfig struct {
	ConfigDir string `toml:"config_dir"`
	BinPath   string `toml:"bin_path"`
	DataDir   string `toml:"data_dir"`
	UnitDir   string `toml:"unit_dir"`
	LogLevel  string `toml:"log_level"`

	Core struct {
		Repo            string   `toml:"repo"`
		APIBaseURL      string   `toml:"api_base_url"`
		DownloadTimeout duration `toml:"download_timeout"`
	} `toml:"core"`

	Restart struct {
		PollInterval duration `toml:"poll_interval"`
		Timeout      duration `toml:"timeout"`
	} `toml:"restart"`

	Watch struct {
		Schedule string `toml:"schedule"`
	} `toml:"watch"`

	Hooks struct {
		Enabled   bool     `toml:"enabled"`
		Timeout   duration `toml:"timeout"`
		OnEnable  string   `toml:"on_enable"`
		OnDisable string   `toml:"on_disable"`
		OnRestart string   `toml:"on_restart"`
		OnDelete  string   `toml:"on_delete"`
		OnInstall string   `toml:"on_install"`
	} `toml:"hooks"`
}

func Load() Config {
	cfg := Config{
		ConfigDir: "/etc/backhaul",
		BinPath:   "/usr/local/bin/backhaul",
		DataDir:   "/var/lib/backhaulctl",
		UnitDir:   "/etc/systemd/system",
		LogLevel:  "info",
		Core: CoreConfig{
			Repo:            "Musixal/Backhaul",
			APIBaseURL:      "https://api.github.com",
			DownloadTimeout: 10 * time.Minute,
		},
		Restart: RestartConfig{
			PollInterval: time.Second,
			Timeout:      20 * time.Second,
		},
		Watch: WatchConfig{Schedule: "@every 1m"},
		Hooks: HooksConfig{Timeout: 15 * time.Second},
	}

	path := configPath()

	// Create default config file if it does not exist.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		writeDefaultConfig(path)
	}

	// Load config file (values act as defaults below env).
	var file fileConfig
	if _, err := toml.DecodeFile(path, &file); err != nil && !os.IsNotExist(err) {
		slog.Warn("config file ignored", "path", path, "err", err)
	}

	if v := file.ConfigDir; v != "" {
		cfg.ConfigDir = v
	}
	if v := file.BinPath; v != "" {
		cfg.BinPath = v
	}
	if v := file.DataDir; v != "" {
		cfg.DataDir = v
	}
	if v := file.UnitDir; v != "" {
		cfg.UnitDir = v
	}
	if v := file.LogLevel; v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := file.Core.Repo; v != "" {
		cfg.Core.Repo = v
	}
	if v := file.Core.APIBaseURL; v != "" {
		cfg.Core.APIBaseURL = strings.TrimRight(v, "/")
	}
	if v := time.Duration(file.Core.DownloadTimeout); v > 0 {
		cfg.Core.DownloadTimeout = v
	}
	if v := time.Duration(file.Restart.PollInterval); v > 0 {
		cfg.Restart.PollInterval = v
	}
	if v := time.Duration(file.Restart.Timeout); v > 0 {
		cfg.Restart.Timeout = v
	}
	if v := file.Watch.Schedule; v != "" {
		cfg.Watch.Schedule = v
	}
	cfg.Hooks.Enabled = file.Hooks.Enabled
	if v := time.Duration(file.Hooks.Timeout); v > 0 {
		cfg.Hooks.Timeout = v
	}
	cfg.Hooks.OnEnable = file.Hooks.OnEnable
	cfg.Hooks.OnDisable = file.Hooks.OnDisable
	cfg.Hooks.OnRestart = file.Hooks.OnRestart
	cfg.Hooks.OnDelete = file.Hooks.OnDelete
	cfg.Hooks.OnInstall = file.Hooks.OnInstall

	// Environment overrides: env > file > default.
	if v := strings.TrimSpace(os.Getenv("BACKHAULCTL_CONFIG_DIR")); v != "" {
		cfg.ConfigDir = v
	}
	if v := strings.TrimSpace(os.Getenv("BACKHAULCTL_BIN_PATH")); v != "" {
		cfg.BinPath = v
	}
	if v := strings.TrimSpace(os.Getenv("BACKHAULCTL_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("BACKHAULCTL_UNIT_DIR")); v != "" {
		cfg.UnitDir = v
	}
	if v := strings.TrimSpace(os.Getenv("BACKHAULCTL_LOG_LEVEL")); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("BACKHAULCTL_REPO")); v != "" {
		cfg.Core.Repo = v
	}
	if v := strings.TrimSpace(os.Getenv("BACKHAULCTL_API_URL")); v != "" {
		cfg.Core.APIBaseURL = strings.TrimRight(v, "/")
	}

	return cfg
}

// configPath resolves the app config file location. The environment
// variable exists so tests and non-root setups can relocate it.
func configPath() string {
	if v := strings.TrimSpace(os.Getenv("BACKHAULCTL_CONFIG")); v != "" {
		return v
	}
	return "/etc/backhaulctl/config.toml"
}

// writeDefaultConfig creates the config file with commented-out defaults.
// Best-effort: errors are silently ignored.
func writeDefaultConfig(path string) {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	_ = os.WriteFile(path, []byte(defaultConfigContent), 0o644) //nolint:gosec // fixed content, not user input
}
