// Package hooks runs operator-configured shell snippets after lifecycle
// operations. Snippets execute in an embedded interpreter so hooks work even
// on hosts without /bin/sh.
package hooks

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// Event identifies which lifecycle operation completed.
type Event string

const (
	EventEnable  Event = "enable"
	EventDisable Event = "disable"
	EventRestart Event = "restart"
	EventDelete  Event = "delete"
	EventInstall Event = "install"
)

const defaultTimeout = 15 * time.Second

// Runner holds the configured snippets. A nil Runner is valid and fires
// nothing.
type Runner struct {
	enabled  bool
	timeout  time.Duration
	snippets map[Event]string
}

func NewRunner(enabled bool, timeout time.Duration, snippets map[Event]string) *Runner {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Runner{enabled: enabled, timeout: timeout, snippets: snippets}
}

// Fire runs the snippet configured for event, if any. Hooks observe
// operations, they never gate them: failures are logged and swallowed.
func (r *Runner) Fire(ctx context.Context, event Event, env map[string]string) {
	if r == nil || !r.enabled {
		return
	}
	snippet := strings.TrimSpace(r.snippets[event])
	if snippet == "" {
		return
	}
	if err := r.run(ctx, event, snippet, env); err != nil {
		slog.Warn("hook failed", "event", event, "err", err)
		return
	}
	slog.Debug("hook completed", "event", event)
}

func (r *Runner) run(ctx context.Context, event Event, snippet string, env map[string]string) error {
	file, err := syntax.NewParser().Parse(strings.NewReader(snippet), string(event)+"-hook")
	if err != nil {
		return fmt.Errorf("parse hook: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	environ := append(os.Environ(), "BACKHAUL_EVENT="+string(event))
	for k, v := range env {
		environ = append(environ, k+"="+v)
	}

	var out bytes.Buffer
	runner, err := interp.New(
		interp.StdIO(nil, &out, &out),
		interp.Env(expand.ListEnviron(environ...)),
	)
	if err != nil {
		return fmt.Errorf("init hook interpreter: %w", err)
	}
	if err := runner.Run(ctx, file); err != nil {
		if msg := strings.TrimSpace(out.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	if msg := strings.TrimSpace(out.String()); msg != "" {
		slog.Debug("hook output", "event", event, "output", msg)
	}
	return nil
}
