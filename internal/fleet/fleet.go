// Package fleet aggregates per-instance systemd state into a whole-host
// snapshot for summary and selection views.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/backhaul-tools/backhaulctl/internal/registry"
	"github.com/backhaul-tools/backhaulctl/internal/systemd"
)

type instanceLister interface {
	List() ([]registry.Instance, error)
}

type stateProber interface {
	RuntimeState(ctx context.Context, unit string) systemd.RuntimeState
	Enablement(ctx context.Context, unit string) systemd.EnablementState
}

// InstanceStatus is one fleet row. Runtime keeps Unknown distinct even
// though the snapshot buckets it under stopped.
type InstanceStatus struct {
	Instance   registry.Instance
	Unit       string
	Runtime    systemd.RuntimeState
	Enablement systemd.EnablementState
}

// Snapshot is a fresh point-in-time aggregation. Every instance lands in
// exactly one runtime bucket and exactly one enablement bucket, so each
// bucket axis sums to Total.
type Snapshot struct {
	Total         int
	Running       int
	Stopped       int
	Failed        int
	Transitioning int

	Enabled           int
	Disabled          int
	EnablementUnknown int

	CollectedAt time.Time
	Instances   []InstanceStatus
}

type Aggregator struct {
	registry instanceLister
	gateway  stateProber
	nowFn    func() time.Time
}

func NewAggregator(reg instanceLister, gw stateProber) *Aggregator {
	return &Aggregator{registry: reg, gateway: gw, nowFn: time.Now}
}

// Snapshot scans the registry and probes both state axes per instance.
// Individual probe failures degrade to Unknown rows; only a failed registry
// scan aborts. Results are never cached.
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	instances, err := a.registry.List()
	if err != nil {
		return Snapshot{}, fmt.Errorf("list instances: %w", err)
	}

	snap := Snapshot{CollectedAt: a.nowFn().UTC()}
	for _, inst := range instances {
		unit := systemd.UnitFor(inst.Name)
		snap.add(InstanceStatus{
			Instance:   inst,
			Unit:       unit,
			Runtime:    a.gateway.RuntimeState(ctx, unit),
			Enablement: a.gateway.Enablement(ctx, unit),
		})
	}
	return snap, nil
}

func (s *Snapshot) add(st InstanceStatus) {
	s.Total++
	s.Instances = append(s.Instances, st)

	switch st.Runtime {
	case systemd.StateRunning:
		s.Running++
	case systemd.StateFailed:
		s.Failed++
	case systemd.StateTransitioning:
		s.Transitioning++
	case systemd.StateUnknown:
		slog.Warn("runtime state unknown, counting as stopped", "instance", st.Instance.Name, "unit", st.Unit)
		s.Stopped++
	default:
		s.Stopped++
	}

	switch st.Enablement {
	case systemd.EnablementEnabled:
		s.Enabled++
	case systemd.EnablementDisabled:
		s.Disabled++
	default:
		s.EnablementUnknown++
	}
}
