package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/backhaul-tools/backhaulctl/internal/config"
	"github.com/backhaul-tools/backhaulctl/internal/fleet"
	"github.com/backhaul-tools/backhaulctl/internal/hooks"
	"github.com/backhaul-tools/backhaulctl/internal/installer"
	"github.com/backhaul-tools/backhaulctl/internal/journal"
	"github.com/backhaul-tools/backhaulctl/internal/lifecycle"
	"github.com/backhaul-tools/backhaulctl/internal/picker"
	"github.com/backhaul-tools/backhaulctl/internal/registry"
	"github.com/backhaul-tools/backhaulctl/internal/systemd"
	"github.com/backhaul-tools/backhaulctl/internal/watchdog"
)

var (
	loadConfigFn      = config.Load
	ensureSupportedFn = systemd.EnsureSupported
	newGatewayFn      = newGateway
	currentVersionFn  = currentVersion
)

const (
	cmdHelp       = "help"
	flagHelpShort = "-h"
	flagHelpLong  = "--help"
)

func writef(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

func writeln(w io.Writer, args ...any) {
	_, _ = fmt.Fprintln(w, args...)
}

// gatewayAPI is everything commands need from the systemd gateway. The
// indirection exists for the tests; production always talks to the real one.
type gatewayAPI interface {
	EnsureTemplateInstalled(ctx context.Context) (bool, error)
	TemplatePath() string
	EnableAndStart(ctx context.Context, unit string) error
	DisableAndStop(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Disable(ctx context.Context, unit string) error
	DaemonReload(ctx context.Context) error
	RuntimeState(ctx context.Context, unit string) systemd.RuntimeState
	Enablement(ctx context.Context, unit string) systemd.EnablementState
	TailLogs(ctx context.Context, unit string, lines int) (string, error)
	Show(ctx context.Context, unit string) (map[string]string, error)
}

func newGateway(cfg config.Config) gatewayAPI {
	return systemd.NewGateway(cfg.UnitDir, cfg.BinPath, cfg.ConfigDir)
}

// toolbox bundles the backends every instance command needs.
type toolbox struct {
	cfg     config.Config
	store   *registry.Store
	gateway gatewayAPI
	fleet   *fleet.Aggregator
}

func newToolbox() toolbox {
	cfg := loadConfigFn()
	initLogger(cfg.LogLevel)
	gw := newGatewayFn(cfg)
	st := registry.NewStore(cfg.ConfigDir)
	return toolbox{
		cfg:     cfg,
		store:   st,
		gateway: gw,
		fleet:   fleet.NewAggregator(st, gw),
	}
}

// openJournal is best effort: a broken journal degrades to a warning, it
// never blocks an operation.
func (tb toolbox) openJournal() *journal.Journal {
	rec, err := journal.Open(filepath.Join(tb.cfg.DataDir, "backhaulctl.db"))
	if err != nil {
		writef(os.Stderr, "journal unavailable: %v\n", err)
		return nil
	}
	return rec
}

func (tb toolbox) controller(rec *journal.Journal) *lifecycle.Controller {
	return lifecycle.NewController(tb.store, tb.gateway, lifecycle.Config{
		RestartPoll:    tb.cfg.Restart.PollInterval,
		RestartTimeout: tb.cfg.Restart.Timeout,
		Recorder:       rec,
		Hooks:          hookRunnerFromConfig(tb.cfg.Hooks),
	})
}

func hookRunnerFromConfig(cfg config.HooksConfig) *hooks.Runner {
	return hooks.NewRunner(cfg.Enabled, cfg.Timeout, map[hooks.Event]string{
		hooks.EventEnable:  cfg.OnEnable,
		hooks.EventDisable: cfg.OnDisable,
		hooks.EventRestart: cfg.OnRestart,
		hooks.EventDelete:  cfg.OnDelete,
		hooks.EventInstall: cfg.OnInstall,
	})
}

func newInstaller(cfg config.Config) *installer.Installer {
	releases := installer.NewReleaseClient(cfg.Core.Repo, cfg.Core.APIBaseURL)
	return installer.New(cfg.BinPath, releases, cfg.Core.DownloadTimeout)
}

func runCLI(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	ctx := commandContext{stdin: bufio.NewReader(stdin), stdout: stdout, stderr: stderr}

	if len(args) == 0 {
		printRootHelp(stdout)
		return 0
	}

	switch args[0] {
	case "-v", "--version", "version":
		writef(stdout, "backhaulctl version %s\n", currentVersionFn())
		return 0
	case "create":
		return runCreateCommand(ctx, args[1:])
	case "list":
		return runListCommand(ctx, args[1:])
	case "summary":
		return runSummaryCommand(ctx, args[1:])
	case "enable":
		return runEnableCommand(ctx, args[1:])
	case "disable":
		return runDisableCommand(ctx, args[1:])
	case "restart":
		return runRestartCommand(ctx, args[1:])
	case "delete":
		return runDeleteCommand(ctx, args[1:])
	case "status":
		return runStatusCommand(ctx, args[1:])
	case "logs":
		return runLogsCommand(ctx, args[1:])
	case "core":
		return runCoreCommand(ctx, args[1:])
	case "watch":
		return runWatchCommand(ctx, args[1:])
	case "history":
		return runHistoryCommand(ctx, args[1:])
	case "doctor":
		return runDoctorCommand(ctx, args[1:])
	case cmdHelp, flagHelpShort, flagHelpLong:
		printRootHelp(stdout)
		return 0
	default:
		writef(stderr, "unknown command: %s\n\n", args[0])
		printRootHelp(stderr)
		return 2
	}
}

func runCreateCommand(ctx commandContext, args []string) int {
	if len(args) == 0 {
		printCreateHelp(ctx.stderr)
		return 2
	}

	switch args[0] {
	case "client":
		return runCreateClientCommand(ctx, args[1:])
	case "server":
		return runCreateServerCommand(ctx, args[1:])
	case cmdHelp, flagHelpShort, flagHelpLong:
		printCreateHelp(ctx.stdout)
		return 0
	default:
		writef(ctx.stderr, "unknown create role: %s\n\n", args[0])
		printCreateHelp(ctx.stderr)
		return 2
	}
}

func runCreateClientCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("create client", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	ip := fs.String("ip", "", "IPv4 address of the server endpoint")
	port := fs.Int("port", 0, "tunnel port on the server endpoint")
	token := fs.String("token", "", "shared authentication token")
	pool := fs.Int("pool", 8, "connection pool size")
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		printCreateClientHelp(ctx.stdout)
		return 0
	}
	if fs.NArg() > 0 {
		writef(ctx.stderr, "unexpected argument(s): %s\n", strings.Join(fs.Args(), " "))
		printCreateClientHelp(ctx.stderr)
		return 2
	}

	tb := newToolbox()
	rec := tb.openJournal()
	if rec != nil {
		defer func() { _ = rec.Close() }()
	}
	opCtx, stop := interruptibleContext()
	defer stop()

	inst, err := tb.controller(rec).CreateClient(opCtx, *ip, *port, *token, *pool)
	if err != nil {
		return reportCreateError(ctx, err)
	}
	printNotice(ctx.stdout, fmt.Sprintf("created client %s", inst.Name))
	writef(ctx.stdout, "config: %s\n", inst.ConfigPath)
	writef(ctx.stdout, "start it with: backhaulctl enable %s\n", inst.Name)
	return 0
}

func runCreateServerCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("create server", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	port := fs.Int("port", 0, "tunnel port to listen on")
	token := fs.String("token", "", "shared authentication token")
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		printCreateServerHelp(ctx.stdout)
		return 0
	}
	if fs.NArg() > 0 {
		writef(ctx.stderr, "unexpected argument(s): %s\n", strings.Join(fs.Args(), " "))
		printCreateServerHelp(ctx.stderr)
		return 2
	}

	tb := newToolbox()
	rec := tb.openJournal()
	if rec != nil {
		defer func() { _ = rec.Close() }()
	}
	opCtx, stop := interruptibleContext()
	defer stop()

	inst, err := tb.controller(rec).CreateServer(opCtx, *port, *token)
	if err != nil {
		return reportCreateError(ctx, err)
	}
	printNotice(ctx.stdout, fmt.Sprintf("created server %s", inst.Name))
	writef(ctx.stdout, "config: %s\n", inst.ConfigPath)
	writef(ctx.stdout, "start it with: backhaulctl enable %s\n", inst.Name)
	return 0
}

func reportCreateError(ctx commandContext, err error) int {
	var verr *registry.ValidationError
	if errors.As(err, &verr) {
		writef(ctx.stderr, "%v\n", err)
		return 2
	}
	writef(ctx.stderr, "create failed: %v\n", err)
	return 1
}

func runListCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		printListHelp(ctx.stdout)
		return 0
	}
	if fs.NArg() > 0 {
		writef(ctx.stderr, "unexpected argument(s): %s\n", strings.Join(fs.Args(), " "))
		printListHelp(ctx.stderr)
		return 2
	}

	tb := newToolbox()
	opCtx, stop := interruptibleContext()
	defer stop()

	snap, err := tb.fleet.Snapshot(opCtx)
	if err != nil {
		writef(ctx.stderr, "list failed: %v\n", err)
		return 1
	}
	if snap.Total == 0 {
		writeln(ctx.stdout, "no instances declared")
		return 0
	}
	for _, row := range snap.Instances {
		writef(ctx.stdout, "%s\trole=%s\tstate=%s\tenabled=%s\n",
			row.Instance.Name, row.Instance.Role, row.Runtime, row.Enablement)
	}
	return 0
}

func runSummaryCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("summary", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		printSummaryHelp(ctx.stdout)
		return 0
	}
	if fs.NArg() > 0 {
		writef(ctx.stderr, "unexpected argument(s): %s\n", strings.Join(fs.Args(), " "))
		printSummaryHelp(ctx.stderr)
		return 2
	}

	tb := newToolbox()
	opCtx, stop := interruptibleContext()
	defer stop()

	snap, err := tb.fleet.Snapshot(opCtx)
	if err != nil {
		writef(ctx.stderr, "summary failed: %v\n", err)
		return 1
	}

	printHeading(ctx.stdout, "Backhaul fleet")
	rows := []outputRow{
		{Key: "instances", Value: strconv.Itoa(snap.Total)},
		{Key: "running", Value: strconv.Itoa(snap.Running)},
		{Key: "stopped", Value: strconv.Itoa(snap.Stopped)},
		{Key: "failed", Value: strconv.Itoa(snap.Failed)},
		{Key: "transitioning", Value: strconv.Itoa(snap.Transitioning)},
		{Key: "enabled", Value: strconv.Itoa(snap.Enabled)},
		{Key: "disabled", Value: strconv.Itoa(snap.Disabled)},
	}
	if snap.EnablementUnknown > 0 {
		rows = append(rows, outputRow{Key: "enablement unknown", Value: strconv.Itoa(snap.EnablementUnknown)})
	}
	printRows(ctx.stdout, rows)
	return 0
}

func runEnableCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("enable", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		printEnableHelp(ctx.stdout)
		return 0
	}
	if fs.NArg() > 1 {
		writef(ctx.stderr, "unexpected argument(s): %s\n", strings.Join(fs.Args()[1:], " "))
		printEnableHelp(ctx.stderr)
		return 2
	}
	if err := ensureSupportedFn(); err != nil {
		writef(ctx.stderr, "%v\n", err)
		return 1
	}

	tb := newToolbox()
	inst, code := resolveInstance(ctx, tb, fs.Arg(0))
	if code >= 0 {
		return code
	}
	rec := tb.openJournal()
	if rec != nil {
		defer func() { _ = rec.Close() }()
	}
	opCtx, stop := interruptibleContext()
	defer stop()

	res, err := tb.controller(rec).EnableAndStart(opCtx, inst)
	return reportResult(ctx, res, err, "enable", "enabled")
}

func runDisableCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("disable", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		printDisableHelp(ctx.stdout)
		return 0
	}
	if fs.NArg() > 1 {
		writef(ctx.stderr, "unexpected argument(s): %s\n", strings.Join(fs.Args()[1:], " "))
		printDisableHelp(ctx.stderr)
		return 2
	}
	if err := ensureSupportedFn(); err != nil {
		writef(ctx.stderr, "%v\n", err)
		return 1
	}

	tb := newToolbox()
	inst, code := resolveInstance(ctx, tb, fs.Arg(0))
	if code >= 0 {
		return code
	}
	rec := tb.openJournal()
	if rec != nil {
		defer func() { _ = rec.Close() }()
	}
	opCtx, stop := interruptibleContext()
	defer stop()

	res, err := tb.controller(rec).DisableAndStop(opCtx, inst)
	return reportResult(ctx, res, err, "disable", "disabled")
}

func runRestartCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("restart", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		printRestartHelp(ctx.stdout)
		return 0
	}
	if fs.NArg() > 1 {
		writef(ctx.stderr, "unexpected argument(s): %s\n", strings.Join(fs.Args()[1:], " "))
		printRestartHelp(ctx.stderr)
		return 2
	}
	if err := ensureSupportedFn(); err != nil {
		writef(ctx.stderr, "%v\n", err)
		return 1
	}

	tb := newToolbox()
	inst, code := resolveInstance(ctx, tb, fs.Arg(0))
	if code >= 0 {
		return code
	}
	rec := tb.openJournal()
	if rec != nil {
		defer func() { _ = rec.Close() }()
	}
	opCtx, stop := interruptibleContext()
	defer stop()

	// Convergence updates go to stderr so stdout stays a single verdict.
	var last systemd.RuntimeState
	progress := func(state systemd.RuntimeState) {
		if state == last {
			return
		}
		last = state
		writef(ctx.stderr, "state=%s\n", state)
	}

	res, err := tb.controller(rec).Restart(opCtx, inst, progress)
	return reportResult(ctx, res, err, "restart", "restarted")
}

func runDeleteCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		printDeleteHelp(ctx.stdout)
		return 0
	}
	if fs.NArg() > 1 {
		writef(ctx.stderr, "unexpected argument(s): %s\n", strings.Join(fs.Args()[1:], " "))
		printDeleteHelp(ctx.stderr)
		return 2
	}
	if err := ensureSupportedFn(); err != nil {
		writef(ctx.stderr, "%v\n", err)
		return 1
	}

	tb := newToolbox()
	inst, code := resolveInstance(ctx, tb, fs.Arg(0))
	if code >= 0 {
		return code
	}

	if !*yes {
		writef(ctx.stderr, "about to stop %s and remove %s\n", inst.Name, inst.ConfigPath)
		writef(ctx.stderr, "type %q to confirm: ", lifecycle.DeleteConfirmation)
		line, _ := ctx.stdin.ReadString('\n')
		if err := lifecycle.ParseDeleteConfirmation(line); err != nil {
			writeln(ctx.stderr, "delete aborted")
			return 1
		}
	}

	rec := tb.openJournal()
	if rec != nil {
		defer func() { _ = rec.Close() }()
	}
	opCtx, stop := interruptibleContext()
	defer stop()

	res, err := tb.controller(rec).Delete(opCtx, inst.Name)
	return reportResult(ctx, res, err, "delete", "deleted")
}

func runStatusCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		printStatusHelp(ctx.stdout)
		return 0
	}
	if fs.NArg() > 1 {
		writef(ctx.stderr, "unexpected argument(s): %s\n", strings.Join(fs.Args()[1:], " "))
		printStatusHelp(ctx.stderr)
		return 2
	}
	if err := ensureSupportedFn(); err != nil {
		writef(ctx.stderr, "%v\n", err)
		return 1
	}

	tb := newToolbox()
	inst, code := resolveInstance(ctx, tb, fs.Arg(0))
	if code >= 0 {
		return code
	}
	opCtx, stop := interruptibleContext()
	defer stop()

	unit := systemd.UnitFor(inst.Name)
	props, err := tb.gateway.Show(opCtx, unit)
	if err != nil {
		writef(ctx.stderr, "status failed: %v\n", err)
		return 1
	}

	rows := []outputRow{
		{Key: "role", Value: string(inst.Role)},
		{Key: "unit", Value: unit},
		{Key: "config", Value: inst.ConfigPath},
	}
	if rec, err := tb.store.Load(inst.Name); err != nil {
		writef(ctx.stderr, "record unreadable: %v\n", err)
	} else {
		rows = append(rows,
			outputRow{Key: "transport", Value: orDash(recordTransport(rec))},
			outputRow{Key: "endpoint", Value: orDash(recordEndpoint(rec))},
		)
	}
	rows = append(rows,
		outputRow{Key: "active", Value: orDash(props["ActiveState"])},
		outputRow{Key: "sub-state", Value: orDash(props["SubState"])},
		outputRow{Key: "loaded", Value: orDash(props["LoadState"])},
		outputRow{Key: "enabled", Value: orDash(props["UnitFileState"])},
		outputRow{Key: "unit file", Value: orDash(props["FragmentPath"])},
		outputRow{Key: "main pid", Value: orDash(props["ExecMainPID"])},
		outputRow{Key: "restarts", Value: orDash(props["NRestarts"])},
		outputRow{Key: "active since", Value: orDash(props["ActiveEnterTimestamp"])},
	)
	printHeading(ctx.stdout, inst.Name)
	printRows(ctx.stdout, rows)
	return 0
}

func recordTransport(rec registry.Record) string {
	switch {
	case rec.Client != nil:
		return rec.Client.Transport
	case rec.Server != nil:
		return rec.Server.Transport
	}
	return ""
}

func recordEndpoint(rec registry.Record) string {
	switch {
	case rec.Client != nil:
		return rec.Client.RemoteAddr
	case rec.Server != nil:
		return rec.Server.BindAddr
	}
	return ""
}

func runLogsCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	lines := fs.Int("n", 100, "journal lines to show")
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		printLogsHelp(ctx.stdout)
		return 0
	}
	if fs.NArg() > 1 {
		writef(ctx.stderr, "unexpected argument(s): %s\n", strings.Join(fs.Args()[1:], " "))
		printLogsHelp(ctx.stderr)
		return 2
	}
	if err := ensureSupportedFn(); err != nil {
		writef(ctx.stderr, "%v\n", err)
		return 1
	}

	tb := newToolbox()
	inst, code := resolveInstance(ctx, tb, fs.Arg(0))
	if code >= 0 {
		return code
	}
	opCtx, stop := interruptibleContext()
	defer stop()

	out, err := tb.gateway.TailLogs(opCtx, systemd.UnitFor(inst.Name), *lines)
	if err != nil {
		writef(ctx.stderr, "logs failed: %v\n", err)
		return 1
	}
	if strings.TrimSpace(out) == "" {
		writeln(ctx.stdout, "no log entries")
		return 0
	}
	writeln(ctx.stdout, out)
	return 0
}

func runCoreCommand(ctx commandContext, args []string) int {
	if len(args) == 0 {
		printCoreHelp(ctx.stderr)
		return 2
	}

	switch args[0] {
	case "install":
		return runCoreInstallCommand(ctx, args[1:])
	case "remove":
		return runCoreRemoveCommand(ctx, args[1:])
	case "latest":
		return runCoreLatestCommand(ctx, args[1:])
	case cmdHelp, flagHelpShort, flagHelpLong:
		printCoreHelp(ctx.stdout)
		return 0
	default:
		writef(ctx.stderr, "unknown core command: %s\n\n", args[0])
		printCoreHelp(ctx.stderr)
		return 2
	}
}

func runCoreInstallCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("core install", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		printCoreInstallHelp(ctx.stdout)
		return 0
	}
	if fs.NArg() > 0 {
		writef(ctx.stderr, "unexpected argument(s): %s\n", strings.Join(fs.Args(), " "))
		printCoreInstallHelp(ctx.stderr)
		return 2
	}

	tb := newToolbox()
	rec := tb.openJournal()
	if rec != nil {
		defer func() { _ = rec.Close() }()
	}
	opCtx, stop := interruptibleContext()
	defer stop()

	writef(ctx.stderr, "resolving latest %s release...\n", tb.cfg.Core.Repo)
	report, err := newInstaller(tb.cfg).InstallLatest(opCtx)
	if err != nil {
		recordCoreOp(opCtx, rec, "core-install", lifecycle.OutcomeFailed, err.Error())
		writef(ctx.stderr, "core install failed: %v\n", err)
		return 1
	}
	recordCoreOp(opCtx, rec, "core-install", lifecycle.OutcomeSucceeded, report.Tag)
	hookRunnerFromConfig(tb.cfg.Hooks).Fire(opCtx, hooks.EventInstall, map[string]string{
		"BACKHAUL_VERSION": report.Tag,
	})

	printNotice(ctx.stdout, fmt.Sprintf("installed backhaul %s at %s", report.Tag, tb.cfg.BinPath))
	writef(ctx.stdout, "asset: %s (%s)\n", report.Asset, report.Format)
	if report.Replaced {
		writef(ctx.stdout, "previous binary saved as %s.bak\n", tb.cfg.BinPath)
		writeln(ctx.stdout, "restart running instances to pick up the new binary")
	}
	return 0
}

func runCoreRemoveCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("core remove", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		printCoreRemoveHelp(ctx.stdout)
		return 0
	}
	if fs.NArg() > 0 {
		writef(ctx.stderr, "unexpected argument(s): %s\n", strings.Join(fs.Args(), " "))
		printCoreRemoveHelp(ctx.stderr)
		return 2
	}

	tb := newToolbox()
	rec := tb.openJournal()
	if rec != nil {
		defer func() { _ = rec.Close() }()
	}
	opCtx, stop := interruptibleContext()
	defer stop()

	if err := newInstaller(tb.cfg).Remove(); err != nil {
		recordCoreOp(opCtx, rec, "core-remove", lifecycle.OutcomeFailed, err.Error())
		writef(ctx.stderr, "core remove failed: %v\n", err)
		return 1
	}
	recordCoreOp(opCtx, rec, "core-remove", lifecycle.OutcomeSucceeded, "")
	printNotice(ctx.stdout, fmt.Sprintf("removed %s", tb.cfg.BinPath))
	return 0
}

func runCoreLatestCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("core latest", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		printCoreLatestHelp(ctx.stdout)
		return 0
	}
	if fs.NArg() > 0 {
		writef(ctx.stderr, "unexpected argument(s): %s\n", strings.Join(fs.Args(), " "))
		printCoreLatestHelp(ctx.stderr)
		return 2
	}

	tb := newToolbox()
	opCtx, stop := interruptibleContext()
	defer stop()

	inst := newInstaller(tb.cfg)
	rel, asset, err := inst.Latest(opCtx)
	if err != nil {
		writef(ctx.stderr, "core latest failed: %v\n", err)
		return 1
	}

	rows := []outputRow{
		{Key: "latest", Value: rel.Tag},
		{Key: "asset", Value: asset.Name},
		{Key: "size", Value: formatSize(asset.Size)},
	}
	installed, verr := inst.InstalledVersion(opCtx)
	switch {
	case verr == nil:
		rows = append(rows, outputRow{Key: "installed", Value: installed})
	case errors.Is(verr, os.ErrNotExist):
		rows = append(rows, outputRow{Key: "installed", Value: "not installed"})
	default:
		rows = append(rows, outputRow{Key: "installed", Value: "unknown"})
	}
	printRows(ctx.stdout, rows)
	return 0
}

func recordCoreOp(ctx context.Context, rec *journal.Journal, op string, outcome lifecycle.Outcome, detail string) {
	if rec == nil {
		return
	}
	err := rec.Append(ctx, journal.Entry{Op: op, Outcome: string(outcome), Detail: detail})
	if err != nil {
		writef(os.Stderr, "journal append failed: %v\n", err)
	}
}

func runWatchCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	schedule := fs.String("schedule", "", "cron expression or @every interval (defaults to config)")
	once := fs.Bool("once", false, "run a single sweep and exit")
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		printWatchHelp(ctx.stdout)
		return 0
	}
	if fs.NArg() > 0 {
		writef(ctx.stderr, "unexpected argument(s): %s\n", strings.Join(fs.Args(), " "))
		printWatchHelp(ctx.stderr)
		return 2
	}
	if err := ensureSupportedFn(); err != nil {
		writef(ctx.stderr, "%v\n", err)
		return 1
	}

	tb := newToolbox()
	spec := strings.TrimSpace(*schedule)
	if spec == "" {
		spec = tb.cfg.Watch.Schedule
	}
	rec := tb.openJournal()
	if rec != nil {
		defer func() { _ = rec.Close() }()
	}

	w, err := watchdog.New(spec, tb.fleet, tb.controller(rec), rec)
	if err != nil {
		writef(ctx.stderr, "%v\n", err)
		return 2
	}
	opCtx, stop := interruptibleContext()
	defer stop()

	if *once {
		report, err := w.RunOnce(opCtx)
		if err != nil {
			writef(ctx.stderr, "watch sweep failed: %v\n", err)
			return 1
		}
		writef(ctx.stdout, "%d instances checked, %d failed, %d recovered, %d unrecovered\n",
			report.Total, len(report.Failed), len(report.Recovered), len(report.Unrecovered))
		if len(report.Unrecovered) > 0 {
			writef(ctx.stdout, "unrecovered: %s\n", strings.Join(report.Unrecovered, ", "))
		}
		return 0
	}

	writef(ctx.stdout, "watching instances on %s (next sweep %s)\n",
		w.Spec(), w.NextSweep(time.Now()).Format(time.RFC3339))
	if err := w.Run(opCtx); err != nil {
		writef(ctx.stderr, "watchdog stopped: %v\n", err)
		return 1
	}
	writeln(ctx.stdout, "watchdog stopped")
	return 0
}

func runHistoryCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	limit := fs.Int("n", 50, "maximum entries to print")
	instance := fs.String("instance", "", "filter to one instance")
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		printHistoryHelp(ctx.stdout)
		return 0
	}
	if fs.NArg() > 0 {
		writef(ctx.stderr, "unexpected argument(s): %s\n", strings.Join(fs.Args(), " "))
		printHistoryHelp(ctx.stderr)
		return 2
	}

	tb := newToolbox()
	rec, err := journal.Open(filepath.Join(tb.cfg.DataDir, "backhaulctl.db"))
	if err != nil {
		writef(ctx.stderr, "journal unavailable: %v\n", err)
		return 1
	}
	defer func() { _ = rec.Close() }()

	entries, err := rec.Recent(context.Background(), *limit, *instance)
	if err != nil {
		writef(ctx.stderr, "read journal: %v\n", err)
		return 1
	}
	if len(entries) == 0 {
		if strings.TrimSpace(*instance) != "" {
			writef(ctx.stdout, "no journal entries for %s\n", strings.TrimSpace(*instance))
		} else {
			writeln(ctx.stdout, "journal is empty")
		}
		return 0
	}
	for _, e := range entries {
		instanceLabel := e.Instance
		if instanceLabel == "" {
			instanceLabel = "-"
		}
		writef(ctx.stdout, "%s\t%s\t%s\t%s", e.OccurredAt.Format(time.RFC3339), e.Op, e.Outcome, instanceLabel)
		if e.Detail != "" {
			writef(ctx.stdout, "\t%s", e.Detail)
		}
		writeln(ctx.stdout)
	}
	return 0
}

func runDoctorCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		printDoctorHelp(ctx.stdout)
		return 0
	}
	if fs.NArg() > 0 {
		writef(ctx.stderr, "unexpected argument(s): %s\n", strings.Join(fs.Args(), " "))
		printDoctorHelp(ctx.stderr)
		return 2
	}

	tb := newToolbox()
	systemctlPath, systemctlErr := exec.LookPath("systemctl")

	writeln(ctx.stdout, "backhaulctl doctor report")
	writeln(ctx.stdout, "-------------------------")
	writef(ctx.stdout, "os: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	if keyword, err := installer.NormalizeArch(runtime.GOARCH); err == nil {
		writef(ctx.stdout, "release arch: %s\n", keyword)
	} else {
		writeln(ctx.stdout, "release arch: unsupported")
	}
	writef(ctx.stdout, "supported host: %t\n", ensureSupportedFn() == nil)
	if systemctlErr == nil {
		writef(ctx.stdout, "systemctl: %s\n", systemctlPath)
	} else {
		writeln(ctx.stdout, "systemctl: not found")
	}
	writef(ctx.stdout, "config dir: %s\n", tb.cfg.ConfigDir)
	if instances, err := tb.store.List(); err == nil {
		writef(ctx.stdout, "instances: %d\n", len(instances))
	} else {
		writef(ctx.stdout, "instances: unavailable (%v)\n", err)
	}
	writef(ctx.stdout, "core binary: %s\n", tb.cfg.BinPath)
	version, verr := newInstaller(tb.cfg).InstalledVersion(context.Background())
	switch {
	case verr == nil:
		writef(ctx.stdout, "core version: %s\n", version)
	case errors.Is(verr, os.ErrNotExist):
		writeln(ctx.stdout, "core version: not installed")
	default:
		writef(ctx.stdout, "core version: unavailable (%v)\n", verr)
	}
	writef(ctx.stdout, "unit template: %s\n", tb.gateway.TemplatePath())
	_, templateErr := os.Stat(tb.gateway.TemplatePath())
	writef(ctx.stdout, "template installed: %t\n", templateErr == nil)
	writef(ctx.stdout, "data dir: %s\n", tb.cfg.DataDir)
	writef(ctx.stdout, "watch schedule: %s\n", tb.cfg.Watch.Schedule)
	writef(ctx.stdout, "hooks enabled: %t\n", tb.cfg.Hooks.Enabled)
	return 0
}

// resolveInstance turns an optional positional name into a concrete
// instance, falling back to the interactive picker. A negative code means
// proceed; anything else is the exit code to return.
func resolveInstance(ctx commandContext, tb toolbox, name string) (registry.Instance, int) {
	name = strings.TrimSpace(name)
	if name != "" {
		inst, err := tb.store.Get(name)
		if err != nil {
			return registry.Instance{}, reportResolveError(ctx, name, err)
		}
		return inst, -1
	}

	snap, err := tb.fleet.Snapshot(context.Background())
	if err != nil {
		writef(ctx.stderr, "list instances: %v\n", err)
		return registry.Instance{}, 1
	}
	inst, err := picker.New(ctx.stderr, ctx.stdin).Select(snap.Instances)
	switch {
	case errors.Is(err, picker.ErrNoInstances):
		writeln(ctx.stderr, "no instances declared")
		return registry.Instance{}, 1
	case errors.Is(err, picker.ErrCancelled):
		writeln(ctx.stderr, "selection cancelled")
		return registry.Instance{}, 1
	case err != nil:
		writef(ctx.stderr, "selection failed: %v\n", err)
		return registry.Instance{}, 1
	}
	// Echo the pick so scripts capturing stdout see which instance ran.
	writeln(ctx.stdout, inst.Name)
	return inst, -1
}

func reportResolveError(ctx commandContext, name string, err error) int {
	var verr *registry.ValidationError
	if errors.As(err, &verr) {
		writef(ctx.stderr, "%s: %v\n", name, err)
		return 2
	}
	if errors.Is(err, registry.ErrNotFound) {
		writef(ctx.stderr, "instance not found: %s\n", name)
		return 1
	}
	writef(ctx.stderr, "resolve %s: %v\n", name, err)
	return 1
}

// reportResult renders a lifecycle result. Partial and warning outcomes
// still exit 0: the operation ran, the message says what is left over.
func reportResult(ctx commandContext, res lifecycle.Result, err error, verb, done string) int {
	name := res.Instance.Name
	if err != nil {
		writef(ctx.stderr, "%s %s failed: %v\n", verb, name, err)
		return 1
	}
	switch res.Outcome {
	case lifecycle.OutcomePartial:
		writef(ctx.stdout, "%s %s partially: %s\n", name, done, res.Detail)
	case lifecycle.OutcomeWarning:
		writef(ctx.stdout, "%s %s with a warning: %s\n", name, done, res.Detail)
	default:
		if res.Runtime != "" {
			printNotice(ctx.stdout, fmt.Sprintf("%s %s (%s)", name, done, res.Runtime))
		} else {
			printNotice(ctx.stdout, fmt.Sprintf("%s %s", name, done))
		}
	}
	return 0
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func formatSize(size int64) string {
	if size <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f MiB", float64(size)/(1024*1024))
}

func printRootHelp(w io.Writer) {
	writeln(w, "backhaulctl manages Backhaul reverse tunnel instances as systemd services")
	writeln(w, "")
	writeln(w, "Usage:")
	writeln(w, "  backhaulctl create <client|server> [flags]")
	writeln(w, "  backhaulctl <enable|disable|restart|status> [NAME]")
	writeln(w, "  backhaulctl delete [-yes] [NAME]")
	writeln(w, "  backhaulctl logs [-n 100] [NAME]")
	writeln(w, "  backhaulctl list")
	writeln(w, "  backhaulctl summary")
	writeln(w, "  backhaulctl core <install|remove|latest>")
	writeln(w, "  backhaulctl watch [-schedule SPEC] [-once]")
	writeln(w, "  backhaulctl history [-n 50] [-instance NAME]")
	writeln(w, "  backhaulctl doctor")
	writeln(w, "")
	writeln(w, "Commands:")
	writeln(w, "  create     Declare a tunnel instance (no unit is started)")
	writeln(w, "  enable     Enable an instance at boot and start it now")
	writeln(w, "  disable    Stop an instance and disable it at boot")
	writeln(w, "  restart    Restart an instance and wait for it to settle")
	writeln(w, "  delete     Tear an instance down and remove its config")
	writeln(w, "  status     Show detailed unit state for one instance")
	writeln(w, "  logs       Show recent journal output for one instance")
	writeln(w, "  list       List declared instances with runtime state")
	writeln(w, "  summary    Aggregate fleet counters")
	writeln(w, "  core       Manage the shared tunnel core binary")
	writeln(w, "  watch      Periodically restart failed instances")
	writeln(w, "  history    Show the recorded operation journal")
	writeln(w, "  doctor     Check host prerequisites and configuration")
	writeln(w, "")
	writeln(w, "Commands taking [NAME] prompt for an instance when it is omitted.")
}

func printCreateHelp(w io.Writer) {
	writeln(w, "Usage:")
	writeln(w, "  backhaulctl create client -ip IP -port PORT -token TOKEN [-pool 8]")
	writeln(w, "  backhaulctl create server -port PORT -token TOKEN")
}

func printCreateClientHelp(w io.Writer) {
	writeln(w, "Usage:")
	writeln(w, "  backhaulctl create client -ip IP -port PORT -token TOKEN [-pool 8]")
	writeln(w, "")
	writeln(w, "Declares a client instance named IP_PORT that dials the given server.")
}

func printCreateServerHelp(w io.Writer) {
	writeln(w, "Usage:")
	writeln(w, "  backhaulctl create server -port PORT -token TOKEN")
	writeln(w, "")
	writeln(w, "Declares a server instance named iran_PORT listening on the given port.")
}

func printListHelp(w io.Writer) {
	writeln(w, "Usage:")
	writeln(w, "  backhaulctl list")
}

func printSummaryHelp(w io.Writer) {
	writeln(w, "Usage:")
	writeln(w, "  backhaulctl summary")
}

func printEnableHelp(w io.Writer) {
	writeln(w, "Usage:")
	writeln(w, "  backhaulctl enable [NAME]")
}

func printDisableHelp(w io.Writer) {
	writeln(w, "Usage:")
	writeln(w, "  backhaulctl disable [NAME]")
}

func printRestartHelp(w io.Writer) {
	writeln(w, "Usage:")
	writeln(w, "  backhaulctl restart [NAME]")
}

func printDeleteHelp(w io.Writer) {
	writeln(w, "Usage:")
	writeln(w, "  backhaulctl delete [-yes] [NAME]")
	writeln(w, "")
	writef(w, "Without -yes, asks to type %q before destroying anything.\n", lifecycle.DeleteConfirmation)
}

func printStatusHelp(w io.Writer) {
	writeln(w, "Usage:")
	writeln(w, "  backhaulctl status [NAME]")
}

func printLogsHelp(w io.Writer) {
	writeln(w, "Usage:")
	writeln(w, "  backhaulctl logs [-n 100] [NAME]")
}

func printCoreHelp(w io.Writer) {
	writeln(w, "Usage:")
	writeln(w, "  backhaulctl core install")
	writeln(w, "  backhaulctl core remove")
	writeln(w, "  backhaulctl core latest")
}

func printCoreInstallHelp(w io.Writer) {
	writeln(w, "Usage:")
	writeln(w, "  backhaulctl core install")
	writeln(w, "")
	writeln(w, "Downloads the latest upstream release and installs it atomically.")
}

func printCoreRemoveHelp(w io.Writer) {
	writeln(w, "Usage:")
	writeln(w, "  backhaulctl core remove")
}

func printCoreLatestHelp(w io.Writer) {
	writeln(w, "Usage:")
	writeln(w, "  backhaulctl core latest")
}

func printWatchHelp(w io.Writer) {
	writeln(w, "Usage:")
	writeln(w, "  backhaulctl watch [-schedule SPEC] [-once]")
	writeln(w, "")
	writeln(w, "SPEC is a cron expression or @every interval, e.g. \"@every 1m\".")
}

func printHistoryHelp(w io.Writer) {
	writeln(w, "Usage:")
	writeln(w, "  backhaulctl history [-n 50] [-instance NAME]")
}

func printDoctorHelp(w io.Writer) {
	writeln(w, "Usage:")
	writeln(w, "  backhaulctl doctor")
}

func currentVersion() string {
	if bi, ok := debug.ReadBuildInfo(); ok {
		if strings.TrimSpace(bi.Main.Version) != "" && bi.Main.Version != "(devel)" {
			return bi.Main.Version
		}
	}
	return "dev"
}
