package systemd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// TemplateUnitName is the instantiated template every instance runs
	// under: backhaul@<instance>.service.
	TemplateUnitName = "backhaul@.service"

	unitPrefix = "backhaul@"
	unitSuffix = ".service"
)

// UnitFor maps an instance name to its systemd unit. Pure and stable: the
// same name always yields the same unit, and distinct names never collide.
func UnitFor(name string) string {
	return unitPrefix + name + unitSuffix
}

// InstanceNameFromUnit inverts UnitFor. Units outside the template report !ok.
func InstanceNameFromUnit(unit string) (string, bool) {
	if !strings.HasPrefix(unit, unitPrefix) || !strings.HasSuffix(unit, unitSuffix) {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(unit, unitPrefix), unitSuffix)
	if name == "" {
		return "", false
	}
	return name, true
}

// TemplatePath is where the template unit lives under the gateway's unit
// directory.
func (g *Gateway) TemplatePath() string {
	return filepath.Join(g.unitDir, TemplateUnitName)
}

// EnsureTemplateInstalled writes the template unit and reloads the daemon.
// Idempotent: when the on-disk content already matches, nothing is written
// and no reload happens. Reports whether a write occurred.
func (g *Gateway) EnsureTemplateInstalled(ctx context.Context) (bool, error) {
	unit := renderTemplateUnit(g.binPath, g.configDir)
	path := g.TemplatePath()

	if current, err := os.ReadFile(path); err == nil && string(current) == unit { //nolint:gosec // fixed unit path
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create unit directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(unit), 0o644); err != nil { //nolint:gosec // systemd requires world-readable units
		return false, fmt.Errorf("write unit template: %w", err)
	}
	if err := g.DaemonReload(ctx); err != nil {
		return true, err
	}
	return true, nil
}

func renderTemplateUnit(binPath, configDir string) string {
	return fmt.Sprintf(`[Unit]
Description=Backhaul reverse tunnel (%%i)
Documentation=https://github.com/Musixal/Backhaul
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
WorkingDirectory=%s
ExecStart=%s -c %s/%%i.toml
Restart=always
RestartSec=3
LimitNOFILE=1048576
NoNewPrivileges=true

[Install]
WantedBy=multi-user.target
`, configDir, escapeSystemdExec(binPath), escapeSystemdExec(configDir))
}

func escapeSystemdExec(path string) string {
	path = strings.ReplaceAll(path, "\\", "\\\\")
	return strings.ReplaceAll(path, " ", "\\x20")
}
