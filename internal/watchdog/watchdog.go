package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/backhaul-tools/backhaulctl/internal/fleet"
	"github.com/backhaul-tools/backhaulctl/internal/journal"
	"github.com/backhaul-tools/backhaulctl/internal/lifecycle"
	"github.com/backhaul-tools/backhaulctl/internal/registry"
	"github.com/backhaul-tools/backhaulctl/internal/systemd"
)

// DefaultSchedule sweeps often enough to catch a flapping tunnel quickly
// without hammering systemd.
const DefaultSchedule = "@every 1m"

type snapshotter interface {
	Snapshot(ctx context.Context) (fleet.Snapshot, error)
}

type restarter interface {
	Restart(ctx context.Context, inst registry.Instance, progress func(systemd.RuntimeState)) (lifecycle.Result, error)
}

type recorder interface {
	Append(ctx context.Context, e journal.Entry) error
}

// Watchdog periodically sweeps the fleet and restarts instances whose units
// sit in the failed state. Stopped instances are left alone: an operator
// stopped them on purpose.
type Watchdog struct {
	fleet    snapshotter
	control  restarter
	recorder recorder
	schedule cron.Schedule
	spec     string
}

func New(spec string, fl snapshotter, control restarter, rec *journal.Journal) (*Watchdog, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse watch schedule %q: %w", spec, err)
	}
	w := &Watchdog{
		fleet:    fl,
		control:  control,
		schedule: schedule,
		spec:     spec,
	}
	if rec != nil {
		w.recorder = rec
	}
	return w, nil
}

// Spec returns the schedule expression the watchdog runs on.
func (w *Watchdog) Spec() string { return w.spec }

// NextSweep reports when the schedule fires next after the given time.
func (w *Watchdog) NextSweep(after time.Time) time.Time {
	return w.schedule.Next(after)
}

// SweepReport summarizes one pass over the fleet.
type SweepReport struct {
	At          time.Time
	Total       int
	Failed      []string
	Recovered   []string
	Unrecovered []string
}

// Run executes sweeps on the schedule until the context is cancelled, which
// is a clean stop, not an error. Sweep failures are logged and the loop
// keeps going.
func (w *Watchdog) Run(ctx context.Context) error {
	slog.Info("watchdog started", "schedule", w.spec)
	for {
		timer := time.NewTimer(time.Until(w.schedule.Next(time.Now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("watchdog stopped")
			return nil
		case <-timer.C:
		}

		report, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("watchdog stopped")
				return nil
			}
			slog.Warn("watchdog sweep failed", "err", err)
			continue
		}
		if len(report.Failed) > 0 {
			slog.Info("watchdog sweep finished",
				"failed", len(report.Failed),
				"recovered", len(report.Recovered),
				"unrecovered", len(report.Unrecovered))
		}
	}
}

// RunOnce performs a single sweep: snapshot the fleet, then restart every
// instance observed in the failed state.
func (w *Watchdog) RunOnce(ctx context.Context) (SweepReport, error) {
	snap, err := w.fleet.Snapshot(ctx)
	if err != nil {
		return SweepReport{}, fmt.Errorf("watchdog snapshot: %w", err)
	}

	report := SweepReport{At: snap.CollectedAt, Total: snap.Total}
	for _, row := range snap.Instances {
		if row.Runtime != systemd.StateFailed {
			continue
		}
		report.Failed = append(report.Failed, row.Instance.Name)

		res, err := w.control.Restart(ctx, row.Instance, nil)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			slog.Warn("watchdog restart failed", "instance", row.Instance.Name, "err", err)
			report.Unrecovered = append(report.Unrecovered, row.Instance.Name)
			continue
		}
		if res.Runtime == systemd.StateRunning {
			slog.Info("watchdog recovered instance", "instance", row.Instance.Name)
			report.Recovered = append(report.Recovered, row.Instance.Name)
		} else {
			slog.Warn("watchdog restart did not recover instance",
				"instance", row.Instance.Name, "state", string(res.Runtime))
			report.Unrecovered = append(report.Unrecovered, row.Instance.Name)
		}
	}

	w.record(ctx, report)
	return report, nil
}

// record writes one journal row per sweep that touched anything. Quiet
// sweeps stay out of the journal.
func (w *Watchdog) record(ctx context.Context, report SweepReport) {
	if w.recorder == nil || len(report.Failed) == 0 {
		return
	}
	outcome := "succeeded"
	if len(report.Unrecovered) > 0 {
		outcome = "partial"
	}
	entry := journal.Entry{
		Op:      "watch-sweep",
		Outcome: outcome,
		Detail: fmt.Sprintf("restarted %d of %d failed instances",
			len(report.Recovered), len(report.Failed)),
	}
	if err := w.recorder.Append(ctx, entry); err != nil {
		slog.Warn("watchdog journal append failed", "err", err)
	}
}
