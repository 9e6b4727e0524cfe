// Package lifecycle drives instance state transitions: declare, enable,
// disable, restart, delete. Every operation is idempotent and reports
// success, partial success, or failure distinctly.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/backhaul-tools/backhaulctl/internal/hooks"
	"github.com/backhaul-tools/backhaulctl/internal/journal"
	"github.com/backhaul-tools/backhaulctl/internal/registry"
	"github.com/backhaul-tools/backhaulctl/internal/systemd"
)

// DeleteConfirmation is the literal an operator must type to destroy an
// instance. Fixed, never derived from the instance name.
const DeleteConfirmation = "delete"

// ErrConfirmationAborted reports a delete stopped at the confirmation gate,
// before any side effect.
var ErrConfirmationAborted = errors.New("delete aborted: confirmation mismatch")

// ParseDeleteConfirmation accepts exactly the confirmation literal,
// whitespace-trimmed. Anything else aborts.
func ParseDeleteConfirmation(input string) error {
	if strings.TrimSpace(input) == DeleteConfirmation {
		return nil
	}
	return ErrConfirmationAborted
}

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomePartial   Outcome = "partial"
	OutcomeWarning   Outcome = "warning"
	OutcomeFailed    Outcome = "failed"
)

// Result describes a completed (or refused) transition.
type Result struct {
	Op       string
	Instance registry.Instance
	Outcome  Outcome
	Runtime  systemd.RuntimeState
	Detail   string
}

const (
	opCreateClient = "create-client"
	opCreateServer = "create-server"
	opEnableStart  = "enable-start"
	opDisableStop  = "disable-stop"
	opRestart      = "restart"
	opDelete       = "delete"
)

type instanceRegistry interface {
	WriteClient(ip string, port int, token string, pool int) (registry.Instance, error)
	WriteServer(port int, token string) (registry.Instance, error)
	Delete(name string) error
}

type serviceGateway interface {
	EnsureTemplateInstalled(ctx context.Context) (bool, error)
	EnableAndStart(ctx context.Context, unit string) error
	DisableAndStop(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Disable(ctx context.Context, unit string) error
	DaemonReload(ctx context.Context) error
	RuntimeState(ctx context.Context, unit string) systemd.RuntimeState
}

type recorder interface {
	Append(ctx context.Context, e journal.Entry) error
}

type hookRunner interface {
	Fire(ctx context.Context, event hooks.Event, env map[string]string)
}

// Config carries the optional collaborators and tuning knobs.
type Config struct {
	RestartPoll    time.Duration
	RestartTimeout time.Duration
	Recorder       *journal.Journal
	Hooks          *hooks.Runner
}

type Controller struct {
	registry instanceRegistry
	gateway  serviceGateway
	recorder recorder
	hooks    hookRunner

	restartPoll    time.Duration
	restartTimeout time.Duration
}

func NewController(reg instanceRegistry, gw serviceGateway, cfg Config) *Controller {
	c := &Controller{
		registry:       reg,
		gateway:        gw,
		restartPoll:    cfg.RestartPoll,
		restartTimeout: cfg.RestartTimeout,
	}
	if c.restartPoll <= 0 {
		c.restartPoll = time.Second
	}
	if c.restartTimeout <= 0 {
		c.restartTimeout = 20 * time.Second
	}
	if cfg.Recorder != nil {
		c.recorder = cfg.Recorder
	}
	if cfg.Hooks != nil {
		c.hooks = cfg.Hooks
	}
	return c
}

// CreateClient declares a client instance. Declaration only: no unit is
// touched until enable.
func (c *Controller) CreateClient(ctx context.Context, ip string, port int, token string, pool int) (registry.Instance, error) {
	inst, err := c.registry.WriteClient(ip, port, token, pool)
	if err != nil {
		return registry.Instance{}, err
	}
	slog.Info("instance declared", "instance", inst.Name, "role", inst.Role)
	c.record(ctx, opCreateClient, inst.Name, OutcomeSucceeded, "")
	return inst, nil
}

// CreateServer declares a server instance.
func (c *Controller) CreateServer(ctx context.Context, port int, token string) (registry.Instance, error) {
	inst, err := c.registry.WriteServer(port, token)
	if err != nil {
		return registry.Instance{}, err
	}
	slog.Info("instance declared", "instance", inst.Name, "role", inst.Role)
	c.record(ctx, opCreateServer, inst.Name, OutcomeSucceeded, "")
	return inst, nil
}

// EnableAndStart makes sure the unit template exists, then enables and
// starts the instance unit.
func (c *Controller) EnableAndStart(ctx context.Context, inst registry.Instance) (Result, error) {
	res := Result{Op: opEnableStart, Instance: inst}
	if _, err := c.gateway.EnsureTemplateInstalled(ctx); err != nil {
		return c.fail(ctx, res, fmt.Errorf("install unit template: %w", err))
	}

	unit := systemd.UnitFor(inst.Name)
	if err := c.gateway.EnableAndStart(ctx, unit); err != nil {
		return c.fail(ctx, res, err)
	}
	res.Runtime = c.gateway.RuntimeState(ctx, unit)
	res.Outcome = OutcomeSucceeded
	slog.Info("instance enabled", "instance", inst.Name, "runtime", res.Runtime)
	c.finish(ctx, res, hooks.EventEnable)
	return res, nil
}

// DisableAndStop tries the combined verb first. When it fails, a bare stop
// still counts as partial success: the tunnel is down even if boot-time
// enablement could not be cleared.
func (c *Controller) DisableAndStop(ctx context.Context, inst registry.Instance) (Result, error) {
	res := Result{Op: opDisableStop, Instance: inst}
	unit := systemd.UnitFor(inst.Name)

	err := c.gateway.DisableAndStop(ctx, unit)
	if err == nil {
		res.Runtime = c.gateway.RuntimeState(ctx, unit)
		res.Outcome = OutcomeSucceeded
		slog.Info("instance disabled", "instance", inst.Name)
		c.finish(ctx, res, hooks.EventDisable)
		return res, nil
	}

	slog.Warn("combined disable+stop failed, falling back to stop", "instance", inst.Name, "err", err)
	if stopErr := c.gateway.Stop(ctx, unit); stopErr != nil {
		return c.fail(ctx, res, errors.Join(err, stopErr))
	}
	res.Runtime = c.gateway.RuntimeState(ctx, unit)
	res.Outcome = OutcomePartial
	res.Detail = "stopped, but disable failed: " + err.Error()
	c.finish(ctx, res, hooks.EventDisable)
	return res, nil
}

// Restart issues the restart verb and polls until the unit settles or the
// convergence window closes. A non-running final state is a warning, not an
// error; only the restart verb itself failing is an error.
func (c *Controller) Restart(ctx context.Context, inst registry.Instance, progress func(systemd.RuntimeState)) (Result, error) {
	res := Result{Op: opRestart, Instance: inst}
	unit := systemd.UnitFor(inst.Name)

	if err := c.gateway.Restart(ctx, unit); err != nil {
		return c.fail(ctx, res, err)
	}

	state, err := c.awaitSettled(ctx, unit, progress)
	res.Runtime = state
	if err != nil {
		res.Outcome = OutcomeWarning
		res.Detail = "restart issued, convergence wait interrupted"
		c.record(ctx, res.Op, inst.Name, res.Outcome, res.Detail)
		return res, err
	}

	if state == systemd.StateRunning {
		res.Outcome = OutcomeSucceeded
	} else {
		res.Outcome = OutcomeWarning
		res.Detail = fmt.Sprintf("instance settled %s after restart", state)
	}
	slog.Info("instance restarted", "instance", inst.Name, "runtime", state)
	c.finish(ctx, res, hooks.EventRestart)
	return res, nil
}

// awaitSettled polls the runtime state until it leaves the transitioning
// phase, the convergence window closes, or ctx is cancelled. The observed
// state is returned either way.
func (c *Controller) awaitSettled(ctx context.Context, unit string, progress func(systemd.RuntimeState)) (systemd.RuntimeState, error) {
	deadline := time.NewTimer(c.restartTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.restartPoll)
	defer ticker.Stop()

	state := c.gateway.RuntimeState(ctx, unit)
	for {
		if progress != nil {
			progress(state)
		}
		switch state {
		case systemd.StateRunning, systemd.StateFailed, systemd.StateStopped:
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-deadline.C:
			return state, nil
		case <-ticker.C:
		}
		state = c.gateway.RuntimeState(ctx, unit)
	}
}

// Delete tears an instance down in fixed order: stop, disable, remove the
// config record, daemon-reload. Unit steps are best effort and accumulate
// into a partial outcome; only a record removal failure (other than an
// already absent record) is hard.
func (c *Controller) Delete(ctx context.Context, name string) (Result, error) {
	role, ok := registry.ParseName(name)
	if !ok {
		return Result{}, &registry.ValidationError{Field: "name", Reason: "not a recognized instance name"}
	}
	inst := registry.Instance{Name: name, Role: role}
	res := Result{Op: opDelete, Instance: inst}
	unit := systemd.UnitFor(name)

	var failures, notes []string
	if err := c.gateway.Stop(ctx, unit); err != nil {
		slog.Warn("stop failed during delete", "instance", name, "err", err)
		failures = append(failures, "stop: "+err.Error())
	}
	if err := c.gateway.Disable(ctx, unit); err != nil {
		slog.Warn("disable failed during delete", "instance", name, "err", err)
		failures = append(failures, "disable: "+err.Error())
	}

	if err := c.registry.Delete(name); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			notes = append(notes, "record already absent")
		} else {
			res.Detail = strings.Join(append(failures, "remove record: "+err.Error()), "; ")
			return c.fail(ctx, res, fmt.Errorf("remove record %s: %w", name, err))
		}
	}

	if err := c.gateway.DaemonReload(ctx); err != nil {
		slog.Warn("daemon-reload failed during delete", "err", err)
		failures = append(failures, "daemon-reload: "+err.Error())
	}

	res.Detail = strings.Join(append(failures, notes...), "; ")
	if len(failures) > 0 {
		res.Outcome = OutcomePartial
	} else {
		res.Outcome = OutcomeSucceeded
	}
	slog.Info("instance deleted", "instance", name, "outcome", res.Outcome)
	c.finish(ctx, res, hooks.EventDelete)
	return res, nil
}

func (c *Controller) fail(ctx context.Context, res Result, err error) (Result, error) {
	res.Outcome = OutcomeFailed
	if res.Detail == "" {
		res.Detail = err.Error()
	}
	c.record(ctx, res.Op, res.Instance.Name, OutcomeFailed, res.Detail)
	return res, err
}

func (c *Controller) finish(ctx context.Context, res Result, event hooks.Event) {
	c.record(ctx, res.Op, res.Instance.Name, res.Outcome, res.Detail)
	c.fire(ctx, event, res)
}

func (c *Controller) record(ctx context.Context, op, instance string, outcome Outcome, detail string) {
	if c.recorder == nil {
		return
	}
	err := c.recorder.Append(ctx, journal.Entry{
		Op:       op,
		Instance: instance,
		Outcome:  string(outcome),
		Detail:   detail,
	})
	if err != nil {
		slog.Warn("journal append failed", "op", op, "err", err)
	}
}

func (c *Controller) fire(ctx context.Context, event hooks.Event, res Result) {
	if c.hooks == nil {
		return
	}
	c.hooks.Fire(ctx, event, map[string]string{
		"BACKHAUL_INSTANCE": res.Instance.Name,
		"BACKHAUL_OUTCOME":  string(res.Outcome),
	})
}
