// Package systemd is the gateway to the host service manager. All systemd
// interaction goes through subprocess calls behind an injectable runner so
// the rest of the tool never shells out directly.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

const (
	defaultLogLines = 100
	maxLogLines     = 1000
)

// ErrUnavailable reports a host without a usable systemctl.
var ErrUnavailable = errors.New("systemctl was not found in PATH")

type commandRunner func(ctx context.Context, name string, args ...string) (string, error)

// RuntimeState is the observed execution state of an instance unit.
type RuntimeState string

const (
	StateRunning       RuntimeState = "running"
	StateStopped       RuntimeState = "stopped"
	StateFailed        RuntimeState = "failed"
	StateTransitioning RuntimeState = "transitioning"
	StateUnknown       RuntimeState = "unknown"
)

// EnablementState is the boot-time activation state of an instance unit.
type EnablementState string

const (
	EnablementEnabled  EnablementState = "enabled"
	EnablementDisabled EnablementState = "disabled"
	EnablementUnknown  EnablementState = "unknown"
)

// Gateway drives systemctl and journalctl for instance units.
type Gateway struct {
	unitDir   string
	binPath   string
	configDir string
	runner    commandRunner
}

func NewGateway(unitDir, binPath, configDir string) *Gateway {
	return &Gateway{
		unitDir:   unitDir,
		binPath:   binPath,
		configDir: configDir,
		runner:    runCommand,
	}
}

// EnsureSupported verifies the host can run instance commands at all.
func EnsureSupported() error {
	if runtime.GOOS != "linux" {
		return errors.New("tunnel instance commands are supported on Linux only")
	}
	if _, err := exec.LookPath("systemctl"); err != nil {
		return ErrUnavailable
	}
	return nil
}

// RuntimeState classifies `systemctl is-active` output. Never errors: a
// query failure is an Unknown state, reported as such and logged by callers.
func (g *Gateway) RuntimeState(ctx context.Context, unit string) RuntimeState {
	out, _ := g.runner(ctx, "systemctl", "is-active", unit)
	return classifyRuntime(out)
}

// Enablement classifies `systemctl is-enabled` output.
func (g *Gateway) Enablement(ctx context.Context, unit string) EnablementState {
	out, _ := g.runner(ctx, "systemctl", "is-enabled", unit)
	return classifyEnablement(out)
}

func classifyRuntime(out string) RuntimeState {
	switch strings.ToLower(strings.TrimSpace(out)) {
	case "active":
		return StateRunning
	case "inactive":
		return StateStopped
	case "failed":
		return StateFailed
	case "activating", "deactivating", "reloading", "refreshing":
		return StateTransitioning
	default:
		return StateUnknown
	}
}

func classifyEnablement(out string) EnablementState {
	switch strings.ToLower(strings.TrimSpace(out)) {
	case "enabled", "enabled-runtime":
		return EnablementEnabled
	case "disabled":
		return EnablementDisabled
	default:
		return EnablementUnknown
	}
}

// EnableAndStart enables the unit for boot and starts it now. Idempotent:
// systemd treats repeats as no-ops.
func (g *Gateway) EnableAndStart(ctx context.Context, unit string) error {
	if _, err := g.runner(ctx, "systemctl", "enable", "--now", unit); err != nil {
		return fmt.Errorf("enable %s: %w", unit, err)
	}
	return nil
}

// DisableAndStop is the combined verb; callers fall back to Stop/Disable
// when it fails so one failing half cannot mask the other.
func (g *Gateway) DisableAndStop(ctx context.Context, unit string) error {
	if _, err := g.runner(ctx, "systemctl", "disable", "--now", unit); err != nil {
		return fmt.Errorf("disable %s: %w", unit, err)
	}
	return nil
}

func (g *Gateway) Restart(ctx context.Context, unit string) error {
	if _, err := g.runner(ctx, "systemctl", "restart", unit); err != nil {
		return fmt.Errorf("restart %s: %w", unit, err)
	}
	return nil
}

func (g *Gateway) Stop(ctx context.Context, unit string) error {
	if _, err := g.runner(ctx, "systemctl", "stop", unit); err != nil {
		return fmt.Errorf("stop %s: %w", unit, err)
	}
	return nil
}

func (g *Gateway) Disable(ctx context.Context, unit string) error {
	if _, err := g.runner(ctx, "systemctl", "disable", unit); err != nil {
		return fmt.Errorf("disable %s: %w", unit, err)
	}
	return nil
}

func (g *Gateway) DaemonReload(ctx context.Context) error {
	if _, err := g.runner(ctx, "systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	return nil
}

// TailLogs returns recent journal output for the unit. Line count is
// clamped; a unit with no entries yields journalctl's placeholder, not an
// error.
func (g *Gateway) TailLogs(ctx context.Context, unit string, lines int) (string, error) {
	if lines <= 0 {
		lines = defaultLogLines
	}
	if lines > maxLogLines {
		lines = maxLogLines
	}
	out, err := g.runner(ctx, "journalctl",
		"-u", unit,
		"--no-pager",
		"-n", fmt.Sprintf("%d", lines),
		"--output=short-iso",
	)
	if err != nil {
		return "", fmt.Errorf("journalctl failed: %w", err)
	}
	return out, nil
}

// Show returns selected unit properties for the detailed status view.
func (g *Gateway) Show(ctx context.Context, unit string) (map[string]string, error) {
	out, err := g.runner(ctx, "systemctl",
		"show",
		unit,
		"--no-pager",
		"--property=Id,Description,LoadState,UnitFileState,ActiveState,SubState,FragmentPath,ExecMainPID,NRestarts,ActiveEnterTimestamp",
	)
	if err != nil {
		return nil, fmt.Errorf("systemctl show failed: %w", err)
	}
	return parseShow(out), nil
}

func parseShow(raw string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		props[key] = value
	}
	return props
}

// runCommand executes and returns trimmed combined output. On failure the
// output still comes back alongside the error: state queries classify
// whatever systemctl printed even when it exited non-zero.
func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	msg := strings.TrimSpace(string(out))
	if err != nil {
		if msg == "" {
			return "", fmt.Errorf("%s %s failed: %w", name, strings.Join(args, " "), err)
		}
		return msg, fmt.Errorf("%s %s failed: %s", name, strings.Join(args, " "), msg)
	}
	return msg, nil
}
