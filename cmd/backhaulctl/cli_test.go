package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/backhaul-tools/backhaulctl/internal/config"
	"github.com/backhaul-tools/backhaulctl/internal/installer"
	"github.com/backhaul-tools/backhaulctl/internal/journal"
	"github.com/backhaul-tools/backhaulctl/internal/registry"
	"github.com/backhaul-tools/backhaulctl/internal/systemd"
)

// fakeGateway records systemctl verbs and serves canned state. State
// queries are deliberately not recorded so ordering assertions only see
// mutations.
type fakeGateway struct {
	calls         []string
	runtime       map[string]systemd.RuntimeState
	enablement    map[string]systemd.EnablementState
	failVerbs     map[string]error
	restartLeaves systemd.RuntimeState
	logs          string
	show          map[string]string
	unitDir       string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	return &fakeGateway{
		runtime:    make(map[string]systemd.RuntimeState),
		enablement: make(map[string]systemd.EnablementState),
		failVerbs:  make(map[string]error),
		unitDir:    t.TempDir(),
	}
}

func (g *fakeGateway) record(verb string) { g.calls = append(g.calls, verb) }

func (g *fakeGateway) EnsureTemplateInstalled(context.Context) (bool, error) {
	g.record("ensure-template")
	return true, g.failVerbs["ensure-template"]
}

func (g *fakeGateway) TemplatePath() string {
	return filepath.Join(g.unitDir, systemd.TemplateUnitName)
}

func (g *fakeGateway) EnableAndStart(_ context.Context, unit string) error {
	g.record("enable --now " + unit)
	if err := g.failVerbs["enable"]; err != nil {
		return err
	}
	g.runtime[unit] = systemd.StateRunning
	g.enablement[unit] = systemd.EnablementEnabled
	return nil
}

func (g *fakeGateway) DisableAndStop(_ context.Context, unit string) error {
	g.record("disable --now " + unit)
	if err := g.failVerbs["disable --now"]; err != nil {
		return err
	}
	g.runtime[unit] = systemd.StateStopped
	g.enablement[unit] = systemd.EnablementDisabled
	return nil
}

func (g *fakeGateway) Restart(_ context.Context, unit string) error {
	g.record("restart " + unit)
	if err := g.failVerbs["restart"]; err != nil {
		return err
	}
	if g.restartLeaves != "" {
		g.runtime[unit] = g.restartLeaves
	} else {
		g.runtime[unit] = systemd.StateRunning
	}
	return nil
}

func (g *fakeGateway) Stop(_ context.Context, unit string) error {
	g.record("stop " + unit)
	if err := g.failVerbs["stop"]; err != nil {
		return err
	}
	g.runtime[unit] = systemd.StateStopped
	return nil
}

func (g *fakeGateway) Disable(_ context.Context, unit string) error {
	g.record("disable " + unit)
	if err := g.failVerbs["disable"]; err != nil {
		return err
	}
	g.enablement[unit] = systemd.EnablementDisabled
	return nil
}

func (g *fakeGateway) DaemonReload(context.Context) error {
	g.record("daemon-reload")
	return g.failVerbs["daemon-reload"]
}

func (g *fakeGateway) RuntimeState(_ context.Context, unit string) systemd.RuntimeState {
	if st, ok := g.runtime[unit]; ok {
		return st
	}
	return systemd.StateStopped
}

func (g *fakeGateway) Enablement(_ context.Context, unit string) systemd.EnablementState {
	if st, ok := g.enablement[unit]; ok {
		return st
	}
	return systemd.EnablementDisabled
}

func (g *fakeGateway) TailLogs(_ context.Context, unit string, lines int) (string, error) {
	g.record(fmt.Sprintf("logs -n %d %s", lines, unit))
	return g.logs, g.failVerbs["logs"]
}

func (g *fakeGateway) Show(_ context.Context, unit string) (map[string]string, error) {
	g.record("show " + unit)
	if err := g.failVerbs["show"]; err != nil {
		return nil, err
	}
	return g.show, nil
}

// setupCLI points every seam at a fake gateway and a throwaway config tree.
// The registry, journal and installer run for real underneath.
func setupCLI(t *testing.T) (*fakeGateway, config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		ConfigDir: filepath.Join(dir, "instances"),
		BinPath:   filepath.Join(dir, "bin", "backhaul"),
		DataDir:   filepath.Join(dir, "data"),
		UnitDir:   filepath.Join(dir, "units"),
		LogLevel:  "error",
		Core: config.CoreConfig{
			Repo:            "Musixal/Backhaul",
			APIBaseURL:      "https://api.github.com",
			DownloadTimeout: time.Minute,
		},
		Restart: config.RestartConfig{PollInterval: time.Millisecond, Timeout: 50 * time.Millisecond},
		Watch:   config.WatchConfig{Schedule: "@every 1m"},
		Hooks:   config.HooksConfig{Timeout: time.Second},
	}
	gw := newFakeGateway(t)

	origLoad := loadConfigFn
	origGateway := newGatewayFn
	origSupported := ensureSupportedFn
	t.Cleanup(func() {
		loadConfigFn = origLoad
		newGatewayFn = origGateway
		ensureSupportedFn = origSupported
	})
	loadConfigFn = func() config.Config { return cfg }
	newGatewayFn = func(config.Config) gatewayAPI { return gw }
	ensureSupportedFn = func() error { return nil }

	return gw, cfg
}

func seedServer(t *testing.T, cfg config.Config, port int) registry.Instance {
	t.Helper()
	inst, err := registry.NewStore(cfg.ConfigDir).WriteServer(port, "secret")
	if err != nil {
		t.Fatalf("seed server: %v", err)
	}
	return inst
}

func seedClient(t *testing.T, cfg config.Config, ip string, port int) registry.Instance {
	t.Helper()
	inst, err := registry.NewStore(cfg.ConfigDir).WriteClient(ip, port, "secret", 4)
	if err != nil {
		t.Fatalf("seed client: %v", err)
	}
	return inst
}

func journalEntries(t *testing.T, cfg config.Config, instance string) []journal.Entry {
	t.Helper()
	rec, err := journal.Open(filepath.Join(cfg.DataDir, "backhaulctl.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer func() { _ = rec.Close() }()
	entries, err := rec.Recent(context.Background(), 50, instance)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	return entries
}

func TestRunCLINoArgsShowsHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	code := runCLI(nil, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	for _, fragment := range []string{"Usage:", "backhaulctl create", "doctor"} {
		if !strings.Contains(out.String(), fragment) {
			t.Fatalf("help missing %q:\n%s", fragment, out.String())
		}
	}
}

func TestRunCLIVersion(t *testing.T) {
	origVersion := currentVersionFn
	t.Cleanup(func() { currentVersionFn = origVersion })
	currentVersionFn = func() string { return "9.9.9" }

	var out, errOut bytes.Buffer
	code := runCLI([]string{"version"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if got := out.String(); got != "backhaulctl version 9.9.9\n" {
		t.Fatalf("version output = %q", got)
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := runCLI([]string{"frobnicate"}, strings.NewReader(""), &out, &errOut)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "unknown command: frobnicate") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestRunCLICreateClient(t *testing.T) {
	_, cfg := setupCLI(t)

	var out, errOut bytes.Buffer
	code := runCLI([]string{"create", "client", "-ip", "203.0.113.5", "-port", "443", "-token", "tok"},
		strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	if !strings.Contains(out.String(), "created client 203.0.113.5_443") {
		t.Fatalf("stdout = %q", out.String())
	}
	if _, err := os.Stat(filepath.Join(cfg.ConfigDir, "203.0.113.5_443.toml")); err != nil {
		t.Fatalf("record not written: %v", err)
	}

	entries := journalEntries(t, cfg, "203.0.113.5_443")
	if len(entries) != 1 || entries[0].Op != "create-client" {
		t.Fatalf("journal entries = %+v", entries)
	}
}

func TestRunCLICreateClientRejectsBadInput(t *testing.T) {
	_, cfg := setupCLI(t)

	var out, errOut bytes.Buffer
	code := runCLI([]string{"create", "client", "-ip", "999.1.1.1", "-port", "443", "-token", "tok"},
		strings.NewReader(""), &out, &errOut)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "invalid ip") {
		t.Fatalf("stderr = %q", errOut.String())
	}
	instances, err := registry.NewStore(cfg.ConfigDir).List()
	if err != nil || len(instances) != 0 {
		t.Fatalf("registry after rejected create: %v, %v", instances, err)
	}
}

func TestRunCLICreateServer(t *testing.T) {
	_, cfg := setupCLI(t)

	var out, errOut bytes.Buffer
	code := runCLI([]string{"create", "server", "-port", "443", "-token", "tok"},
		strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	if !strings.Contains(out.String(), "created server iran_443") {
		t.Fatalf("stdout = %q", out.String())
	}
	if _, err := os.Stat(filepath.Join(cfg.ConfigDir, "iran_443.toml")); err != nil {
		t.Fatalf("record not written: %v", err)
	}
}

func TestRunCLICreateWithoutRole(t *testing.T) {
	setupCLI(t)

	var out, errOut bytes.Buffer
	code := runCLI([]string{"create"}, strings.NewReader(""), &out, &errOut)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "Usage:") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestRunCLIListEmpty(t *testing.T) {
	setupCLI(t)

	var out, errOut bytes.Buffer
	code := runCLI([]string{"list"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	if !strings.Contains(out.String(), "no instances declared") {
		t.Fatalf("stdout = %q", out.String())
	}
}

func TestRunCLIListShowsStates(t *testing.T) {
	gw, cfg := setupCLI(t)
	seedServer(t, cfg, 443)
	seedClient(t, cfg, "203.0.113.5", 8443)
	gw.runtime[systemd.UnitFor("iran_443")] = systemd.StateRunning
	gw.enablement[systemd.UnitFor("iran_443")] = systemd.EnablementEnabled

	var out, errOut bytes.Buffer
	code := runCLI([]string{"list"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	for _, fragment := range []string{
		"iran_443\trole=server\tstate=running\tenabled=enabled",
		"203.0.113.5_8443\trole=client\tstate=stopped\tenabled=disabled",
	} {
		if !strings.Contains(out.String(), fragment) {
			t.Fatalf("list output missing %q:\n%s", fragment, out.String())
		}
	}
}

func TestRunCLISummaryCounts(t *testing.T) {
	gw, cfg := setupCLI(t)
	seedServer(t, cfg, 443)
	seedClient(t, cfg, "203.0.113.5", 8443)
	gw.runtime[systemd.UnitFor("iran_443")] = systemd.StateRunning
	gw.runtime[systemd.UnitFor("203.0.113.5_8443")] = systemd.StateFailed

	var out, errOut bytes.Buffer
	code := runCLI([]string{"summary"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	for _, fragment := range []string{
		"instances: 2",
		"running: 1",
		"failed: 1",
		"stopped: 0",
	} {
		if !strings.Contains(out.String(), fragment) {
			t.Fatalf("summary missing %q:\n%s", fragment, out.String())
		}
	}
}

func TestRunCLIEnableByName(t *testing.T) {
	gw, cfg := setupCLI(t)
	seedServer(t, cfg, 443)

	var out, errOut bytes.Buffer
	code := runCLI([]string{"enable", "iran_443"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}

	want := []string{"ensure-template", "enable --now backhaul@iran_443.service"}
	if len(gw.calls) != len(want) {
		t.Fatalf("gateway calls = %v, want %v", gw.calls, want)
	}
	for i, verb := range want {
		if gw.calls[i] != verb {
			t.Fatalf("call %d = %q, want %q", i, gw.calls[i], verb)
		}
	}
	if !strings.Contains(out.String(), "iran_443 enabled (running)") {
		t.Fatalf("stdout = %q", out.String())
	}

	entries := journalEntries(t, cfg, "iran_443")
	if len(entries) != 1 || entries[0].Op != "enable-start" || entries[0].Outcome != "succeeded" {
		t.Fatalf("journal entries = %+v", entries)
	}
}

func TestRunCLIEnableFailure(t *testing.T) {
	gw, cfg := setupCLI(t)
	seedServer(t, cfg, 443)
	gw.failVerbs["enable"] = errors.New("unit masked")

	var out, errOut bytes.Buffer
	code := runCLI([]string{"enable", "iran_443"}, strings.NewReader(""), &out, &errOut)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "enable iran_443 failed") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestRunCLIEnableUnknownInstance(t *testing.T) {
	setupCLI(t)

	var out, errOut bytes.Buffer
	code := runCLI([]string{"enable", "iran_9999"}, strings.NewReader(""), &out, &errOut)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "instance not found: iran_9999") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestRunCLIEnableForeignName(t *testing.T) {
	gw, _ := setupCLI(t)

	var out, errOut bytes.Buffer
	code := runCLI([]string{"enable", "totally_bogus"}, strings.NewReader(""), &out, &errOut)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "invalid name") {
		t.Fatalf("stderr = %q", errOut.String())
	}
	if len(gw.calls) != 0 {
		t.Fatalf("gateway touched for invalid name: %v", gw.calls)
	}
}

func TestRunCLIEnableRequiresSystemd(t *testing.T) {
	setupCLI(t)
	ensureSupportedFn = func() error { return systemd.ErrUnavailable }

	var out, errOut bytes.Buffer
	code := runCLI([]string{"enable", "iran_443"}, strings.NewReader(""), &out, &errOut)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "systemctl") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestRunCLIEnableViaPicker(t *testing.T) {
	gw, cfg := setupCLI(t)
	seedClient(t, cfg, "203.0.113.5", 443)
	seedServer(t, cfg, 443)

	var out, errOut bytes.Buffer
	// Instances sort by name, so 1 is the client.
	code := runCLI([]string{"enable"}, strings.NewReader("1\n"), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	if !strings.Contains(errOut.String(), "Select instance") {
		t.Fatalf("menu not on stderr: %q", errOut.String())
	}
	if !strings.HasPrefix(out.String(), "203.0.113.5_443\n") {
		t.Fatalf("picked name not echoed first: %q", out.String())
	}
	joined := strings.Join(gw.calls, ";")
	if !strings.Contains(joined, "enable --now backhaul@203.0.113.5_443.service") {
		t.Fatalf("gateway calls = %v", gw.calls)
	}
}

func TestRunCLIPickerCancelled(t *testing.T) {
	gw, cfg := setupCLI(t)
	seedServer(t, cfg, 443)

	var out, errOut bytes.Buffer
	code := runCLI([]string{"enable"}, strings.NewReader("0\n"), &out, &errOut)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "selection cancelled") {
		t.Fatalf("stderr = %q", errOut.String())
	}
	for _, call := range gw.calls {
		if strings.HasPrefix(call, "enable") {
			t.Fatalf("enable ran after cancel: %v", gw.calls)
		}
	}
}

func TestRunCLIPickerEmptyFleet(t *testing.T) {
	setupCLI(t)

	var out, errOut bytes.Buffer
	code := runCLI([]string{"enable"}, strings.NewReader(""), &out, &errOut)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "no instances declared") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestRunCLIDisablePartialFallback(t *testing.T) {
	gw, cfg := setupCLI(t)
	seedServer(t, cfg, 443)
	gw.failVerbs["disable --now"] = errors.New("masked")

	var out, errOut bytes.Buffer
	code := runCLI([]string{"disable", "iran_443"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	text := out.String()
	if !strings.Contains(text, "iran_443 disabled partially") || !strings.Contains(text, "disable failed") {
		t.Fatalf("stdout = %q", text)
	}
	joined := strings.Join(gw.calls, ";")
	if !strings.Contains(joined, "disable --now backhaul@iran_443.service;stop backhaul@iran_443.service") {
		t.Fatalf("gateway calls = %v", gw.calls)
	}
}

func TestRunCLIRestartSuccess(t *testing.T) {
	gw, cfg := setupCLI(t)
	seedServer(t, cfg, 443)
	gw.runtime[systemd.UnitFor("iran_443")] = systemd.StateFailed

	var out, errOut bytes.Buffer
	code := runCLI([]string{"restart", "iran_443"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	if !strings.Contains(out.String(), "iran_443 restarted (running)") {
		t.Fatalf("stdout = %q", out.String())
	}
	if !strings.Contains(errOut.String(), "state=running") {
		t.Fatalf("progress not on stderr: %q", errOut.String())
	}
}

func TestRunCLIRestartWarningStillExitsZero(t *testing.T) {
	gw, cfg := setupCLI(t)
	seedServer(t, cfg, 443)
	gw.restartLeaves = systemd.StateTransitioning

	var out, errOut bytes.Buffer
	code := runCLI([]string{"restart", "iran_443"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	if !strings.Contains(out.String(), "iran_443 restarted with a warning") {
		t.Fatalf("stdout = %q", out.String())
	}
}

func TestRunCLIDeleteConfirmed(t *testing.T) {
	gw, cfg := setupCLI(t)
	inst := seedServer(t, cfg, 443)

	var out, errOut bytes.Buffer
	code := runCLI([]string{"delete", "iran_443"}, strings.NewReader("delete\n"), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	if !strings.Contains(errOut.String(), `type "delete" to confirm`) {
		t.Fatalf("prompt not on stderr: %q", errOut.String())
	}
	if !strings.Contains(out.String(), "iran_443 deleted") {
		t.Fatalf("stdout = %q", out.String())
	}
	if _, err := os.Stat(inst.ConfigPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("record still present after delete: %v", err)
	}

	want := []string{
		"stop backhaul@iran_443.service",
		"disable backhaul@iran_443.service",
		"daemon-reload",
	}
	if len(gw.calls) != len(want) {
		t.Fatalf("gateway calls = %v, want %v", gw.calls, want)
	}
	for i, verb := range want {
		if gw.calls[i] != verb {
			t.Fatalf("call %d = %q, want %q", i, gw.calls[i], verb)
		}
	}
}

func TestRunCLIDeleteAbortsOnWrongConfirmation(t *testing.T) {
	gw, cfg := setupCLI(t)
	inst := seedServer(t, cfg, 443)

	var out, errOut bytes.Buffer
	code := runCLI([]string{"delete", "iran_443"}, strings.NewReader("nope\n"), &out, &errOut)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "delete aborted") {
		t.Fatalf("stderr = %q", errOut.String())
	}
	if _, err := os.Stat(inst.ConfigPath); err != nil {
		t.Fatalf("record should survive an aborted delete: %v", err)
	}
	if len(gw.calls) != 0 {
		t.Fatalf("gateway touched after abort: %v", gw.calls)
	}
}

func TestRunCLIDeleteYesSkipsPrompt(t *testing.T) {
	_, cfg := setupCLI(t)
	inst := seedServer(t, cfg, 443)

	var out, errOut bytes.Buffer
	code := runCLI([]string{"delete", "-yes", "iran_443"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	if strings.Contains(errOut.String(), "confirm") {
		t.Fatalf("prompt shown despite -yes: %q", errOut.String())
	}
	if _, err := os.Stat(inst.ConfigPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("record still present after delete: %v", err)
	}
}

// The picker and the confirmation prompt read consecutive lines from one
// stdin stream; the pick must not swallow the confirmation.
func TestRunCLIDeleteViaPickerSharesStdin(t *testing.T) {
	_, cfg := setupCLI(t)
	client := seedClient(t, cfg, "203.0.113.5", 443)
	server := seedServer(t, cfg, 443)

	var out, errOut bytes.Buffer
	code := runCLI([]string{"delete"}, strings.NewReader("2\ndelete\n"), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	if _, err := os.Stat(server.ConfigPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("picked record still present: %v", err)
	}
	if _, err := os.Stat(client.ConfigPath); err != nil {
		t.Fatalf("unpicked record should survive: %v", err)
	}
}

func TestRunCLIStatusShowsUnitDetail(t *testing.T) {
	gw, cfg := setupCLI(t)
	seedServer(t, cfg, 443)
	gw.show = map[string]string{
		"ActiveState":   "active",
		"SubState":      "running",
		"LoadState":     "loaded",
		"UnitFileState": "enabled",
		"ExecMainPID":   "4242",
		"NRestarts":     "2",
	}

	var out, errOut bytes.Buffer
	code := runCLI([]string{"status", "iran_443"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	for _, fragment := range []string{
		"iran_443",
		"role: server",
		"unit: backhaul@iran_443.service",
		"transport: tcp",
		"endpoint: 0.0.0.0:443",
		"active: active",
		"main pid: 4242",
		"restarts: 2",
		"unit file: -",
	} {
		if !strings.Contains(out.String(), fragment) {
			t.Fatalf("status missing %q:\n%s", fragment, out.String())
		}
	}
}

func TestRunCLILogs(t *testing.T) {
	gw, cfg := setupCLI(t)
	seedServer(t, cfg, 443)
	gw.logs = "line one\nline two"

	var out, errOut bytes.Buffer
	code := runCLI([]string{"logs", "-n", "7", "iran_443"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	if !strings.Contains(out.String(), "line one\nline two") {
		t.Fatalf("stdout = %q", out.String())
	}
	joined := strings.Join(gw.calls, ";")
	if !strings.Contains(joined, "logs -n 7 backhaul@iran_443.service") {
		t.Fatalf("gateway calls = %v", gw.calls)
	}
}

func TestRunCLILogsEmptyJournal(t *testing.T) {
	gw, cfg := setupCLI(t)
	seedServer(t, cfg, 443)
	gw.logs = "  \n"

	var out, errOut bytes.Buffer
	code := runCLI([]string{"logs", "iran_443"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	if !strings.Contains(out.String(), "no log entries") {
		t.Fatalf("stdout = %q", out.String())
	}
}

func TestRunCLIHistory(t *testing.T) {
	_, cfg := setupCLI(t)
	rec, err := journal.Open(filepath.Join(cfg.DataDir, "backhaulctl.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if err := rec.Append(context.Background(), journal.Entry{Op: "enable-start", Instance: "iran_443", Outcome: "succeeded"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := rec.Append(context.Background(), journal.Entry{Op: "core-install", Outcome: "succeeded", Detail: "v0.6.6"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = rec.Close()

	var out, errOut bytes.Buffer
	code := runCLI([]string{"history"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	for _, fragment := range []string{"enable-start", "core-install", "v0.6.6"} {
		if !strings.Contains(out.String(), fragment) {
			t.Fatalf("history missing %q:\n%s", fragment, out.String())
		}
	}

	out.Reset()
	errOut.Reset()
	code = runCLI([]string{"history", "-instance", "iran_443"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	if strings.Contains(out.String(), "core-install") {
		t.Fatalf("filter leaked foreign entries:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "enable-start") {
		t.Fatalf("filtered history missing instance entry:\n%s", out.String())
	}
}

func TestRunCLIHistoryEmpty(t *testing.T) {
	setupCLI(t)

	var out, errOut bytes.Buffer
	code := runCLI([]string{"history"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	if !strings.Contains(out.String(), "journal is empty") {
		t.Fatalf("stdout = %q", out.String())
	}
}

func elfPayload(note string) []byte {
	return append([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}, []byte(note)...)
}

func coreArchive(t *testing.T, member string, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	if err := tw.WriteHeader(&tar.Header{Name: member, Mode: 0o755, Size: int64(len(payload))}); err != nil {
		t.Fatalf("tar header: %v", err)
	}
	if _, err := tw.Write(payload); err != nil {
		t.Fatalf("tar payload: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

// releaseFeed serves a latest-release document plus downloadable assets.
func releaseFeed(t *testing.T, tag string, assets map[string][]byte) *httptest.Server {
	t.Helper()
	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/Musixal/Backhaul/releases/latest", func(w http.ResponseWriter, _ *http.Request) {
		type assetDoc struct {
			Name string `json:"name"`
			URL  string `json:"browser_download_url"`
			Size int64  `json:"size"`
		}
		doc := struct {
			TagName string     `json:"tag_name"`
			Assets  []assetDoc `json:"assets"`
		}{TagName: tag}
		for name, body := range assets {
			doc.Assets = append(doc.Assets, assetDoc{
				Name: name,
				URL:  server.URL + "/dl/" + name,
				Size: int64(len(body)),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	})
	mux.HandleFunc("/dl/", func(w http.ResponseWriter, r *http.Request) {
		body, ok := assets[strings.TrimPrefix(r.URL.Path, "/dl/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	})
	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func hostArchKeyword(t *testing.T) string {
	t.Helper()
	keyword, err := installer.NormalizeArch(runtime.GOARCH)
	if err != nil {
		t.Skipf("host architecture %s has no release asset keyword", runtime.GOARCH)
	}
	return keyword
}

func TestRunCLICoreLatest(t *testing.T) {
	_, cfg := setupCLI(t)
	keyword := hostArchKeyword(t)

	assetName := fmt.Sprintf("backhaul_%s_%s.tar.gz", runtime.GOOS, keyword)
	server := releaseFeed(t, "v0.6.6", map[string][]byte{
		assetName:             bytes.Repeat([]byte{1}, 64),
		"backhaul_plan9_mips": {1},
	})
	cfg.Core.APIBaseURL = server.URL
	loadConfigFn = func() config.Config { return cfg }

	var out, errOut bytes.Buffer
	code := runCLI([]string{"core", "latest"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	for _, fragment := range []string{
		"latest: v0.6.6",
		"asset: " + assetName,
		"installed: not installed",
	} {
		if !strings.Contains(out.String(), fragment) {
			t.Fatalf("core latest missing %q:\n%s", fragment, out.String())
		}
	}
}

func TestRunCLICoreInstall(t *testing.T) {
	_, cfg := setupCLI(t)
	keyword := hostArchKeyword(t)

	payload := elfPayload("backhaul core v0.6.6")
	assetName := fmt.Sprintf("backhaul_%s_%s.tar.gz", runtime.GOOS, keyword)
	server := releaseFeed(t, "v0.6.6", map[string][]byte{
		assetName: coreArchive(t, "backhaul", payload),
	})
	cfg.Core.APIBaseURL = server.URL
	loadConfigFn = func() config.Config { return cfg }

	var out, errOut bytes.Buffer
	code := runCLI([]string{"core", "install"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	if !strings.Contains(out.String(), "installed backhaul v0.6.6") {
		t.Fatalf("stdout = %q", out.String())
	}

	installed, err := os.ReadFile(cfg.BinPath)
	if err != nil {
		t.Fatalf("read installed binary: %v", err)
	}
	if !bytes.Equal(installed, payload) {
		t.Fatal("installed binary does not match archive payload")
	}

	entries := journalEntries(t, cfg, "")
	if len(entries) != 1 || entries[0].Op != "core-install" || entries[0].Outcome != "succeeded" {
		t.Fatalf("journal entries = %+v", entries)
	}
}

func TestRunCLICoreRemove(t *testing.T) {
	_, cfg := setupCLI(t)
	if err := os.MkdirAll(filepath.Dir(cfg.BinPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(cfg.BinPath, elfPayload("old"), 0o755); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	var out, errOut bytes.Buffer
	code := runCLI([]string{"core", "remove"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	if !strings.Contains(out.String(), "removed "+cfg.BinPath) {
		t.Fatalf("stdout = %q", out.String())
	}
	if _, err := os.Stat(cfg.BinPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("binary still present: %v", err)
	}
}

func TestRunCLICoreUnknownSubcommand(t *testing.T) {
	setupCLI(t)

	var out, errOut bytes.Buffer
	code := runCLI([]string{"core", "upgrade"}, strings.NewReader(""), &out, &errOut)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "unknown core command: upgrade") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestRunCLIWatchOnce(t *testing.T) {
	gw, cfg := setupCLI(t)
	seedClient(t, cfg, "203.0.113.5", 8443)
	seedServer(t, cfg, 443)
	gw.runtime[systemd.UnitFor("203.0.113.5_8443")] = systemd.StateRunning
	gw.runtime[systemd.UnitFor("iran_443")] = systemd.StateFailed

	var out, errOut bytes.Buffer
	code := runCLI([]string{"watch", "-once"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	if !strings.Contains(out.String(), "2 instances checked, 1 failed, 1 recovered, 0 unrecovered") {
		t.Fatalf("stdout = %q", out.String())
	}
	joined := strings.Join(gw.calls, ";")
	if !strings.Contains(joined, "restart backhaul@iran_443.service") {
		t.Fatalf("gateway calls = %v", gw.calls)
	}
	if strings.Contains(joined, "restart backhaul@203.0.113.5_8443.service") {
		t.Fatalf("running instance restarted: %v", gw.calls)
	}
}

func TestRunCLIWatchRejectsBadSchedule(t *testing.T) {
	setupCLI(t)

	var out, errOut bytes.Buffer
	code := runCLI([]string{"watch", "-schedule", "every minute please", "-once"}, strings.NewReader(""), &out, &errOut)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "parse watch schedule") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestRunCLIDoctor(t *testing.T) {
	_, cfg := setupCLI(t)
	seedServer(t, cfg, 443)

	var out, errOut bytes.Buffer
	code := runCLI([]string{"doctor"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	for _, fragment := range []string{
		"backhaulctl doctor report",
		"supported host: true",
		"config dir: " + cfg.ConfigDir,
		"instances: 1",
		"core version: not installed",
		"data dir: " + cfg.DataDir,
		"watch schedule: @every 1m",
		"hooks enabled: false",
	} {
		if !strings.Contains(out.String(), fragment) {
			t.Fatalf("doctor missing %q:\n%s", fragment, out.String())
		}
	}
}

func TestRunCLIUnexpectedPositionalArgs(t *testing.T) {
	setupCLI(t)

	var out, errOut bytes.Buffer
	code := runCLI([]string{"enable", "iran_443", "extra"}, strings.NewReader(""), &out, &errOut)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "unexpected argument(s): extra") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}
