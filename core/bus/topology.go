package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// ProvisionStep records one ensure or remove call made by the TopologyManager.
type ProvisionStep struct {
	Kind   string // root, subscription or binding
	Name   string
	Result ProvisionResult
	Err    error
}

type ProvisionReport struct {
	Steps []ProvisionStep
}

// Err joins the errors of all failed steps.
func (r ProvisionReport) Err() error {
	var errs []error
	for _, s := range r.Steps {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", s.Kind, s.Name, s.Err))
		}
	}
	return errors.Join(errs...)
}

// Count returns how many steps ended with res.
func (r ProvisionReport) Count(res ProvisionResult) int {
	n := 0
	for _, s := range r.Steps {
		if s.Result == res {
			n++
		}
	}
	return n
}

type TopologyConfig struct {
	Log         *slog.Logger
	Provisioner Provisioner
	Topology    Topology
	// PruneBindings removes bindings of configured subscriptions that are
	// no longer configured.
	PruneBindings bool
	Metrics       BusMetrics
}

// TopologyManager provisions a Topology idempotently. Configure may run on
// every start and from several instances at once.
type TopologyManager struct {
	log     *slog.Logger
	prov    Provisioner
	topo    Topology
	prune   bool
	metrics BusMetrics
}

func NewTopologyManager(cfg TopologyConfig) (*TopologyManager, error) {
	if cfg.Provisioner == nil {
		return nil, fmt.Errorf("%w: topology manager needs a provisioner", ErrInvalidConfig)
	}
	topo := Topology{Root: cfg.Topology.Root}
	for _, s := range cfg.Topology.Subscriptions {
		topo.Subscriptions = append(topo.Subscriptions, s.WithDefaults())
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = NopBusMetrics()
	}
	return &TopologyManager{
		log:     log.With(slog.String("component", "topology"), slog.String("root", topo.Root)),
		prov:    cfg.Provisioner,
		topo:    topo,
		prune:   cfg.PruneBindings,
		metrics: m,
	}, nil
}

func (m *TopologyManager) Topology() Topology { return m.topo }

func (m *TopologyManager) record(report *ProvisionReport, kind, name string, res ProvisionResult, err error) bool {
	if err != nil {
		res = Failed
	}
	if res == Failed && err == nil {
		err = errors.New("provisioning failed")
	}
	report.Steps = append(report.Steps, ProvisionStep{Kind: kind, Name: name, Result: res, Err: err})
	m.metrics.Provisioned(kind, res)

	switch res {
	case Failed:
		m.log.Error("provisioning failed", slog.String("kind", kind), slog.String("name", name), slog.Any("error", err))
	case Created, Removed:
		m.log.Info(res.String(), slog.String("kind", kind), slog.String("name", name))
	default:
		m.log.Debug(res.String(), slog.String("kind", kind), slog.String("name", name))
	}
	return res != Failed
}

// Configure ensures the root, every subscription and every binding exist.
// Objects that already exist are left alone. A failed subscription skips its
// bindings; the others are still provisioned. The returned error joins all
// failures.
func (m *TopologyManager) Configure(ctx context.Context) (ProvisionReport, error) {
	var report ProvisionReport

	res, err := m.prov.EnsureRoot(ctx, m.topo.Root)
	if !m.record(&report, "root", m.topo.Root, res, err) {
		return report, report.Err()
	}

	for _, sub := range m.topo.Subscriptions {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		res, err := m.prov.EnsureSubscription(ctx, m.topo.Root, sub)
		if !m.record(&report, "subscription", sub.Name, res, err) {
			continue
		}

		for _, b := range sub.Bindings {
			res, err := m.prov.EnsureBinding(ctx, m.topo.Root, sub.Name, b)
			m.record(&report, "binding", sub.Name+"/"+b.RoutingKey(), res, err)
		}

		if m.prune {
			m.pruneBindings(ctx, &report, sub)
		}
	}

	return report, report.Err()
}

func (m *TopologyManager) pruneBindings(ctx context.Context, report *ProvisionReport, sub Subscription) {
	existing, err := m.prov.ListBindings(ctx, m.topo.Root, sub.Name)
	if err != nil {
		m.record(report, "binding", sub.Name+"/*", Failed, err)
		return
	}
	want := sub.RoutingKeys()
	for _, b := range existing {
		if slices.Contains(want, b.RoutingKey()) {
			continue
		}
		res, err := m.prov.RemoveBinding(ctx, m.topo.Root, sub.Name, b)
		m.record(report, "binding", sub.Name+"/"+b.RoutingKey(), res, err)
	}
}

// Remove deletes the named subscription. A missing one is AlreadyAbsent.
func (m *TopologyManager) Remove(ctx context.Context, name string) (ProvisionResult, error) {
	var report ProvisionReport
	res, err := m.prov.RemoveSubscription(ctx, m.topo.Root, name)
	m.record(&report, "subscription", name, res, err)
	return report.Steps[0].Result, report.Err()
}

// ListBindings returns the bindings the broker holds for the named subscription.
func (m *TopologyManager) ListBindings(ctx context.Context, name string) ([]Binding, error) {
	return m.prov.ListBindings(ctx, m.topo.Root, name)
}
