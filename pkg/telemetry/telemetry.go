// Package telemetry wraps prometheus/client_golang for the daemon's components. The
// registry is constructed once by cmd/centaurd and passed to each component constructor
// as a functional option; nothing here is global.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// NewRegistry returns a fresh, empty registry for a single daemon process.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Counters is a small named bundle of counters for a single component, registered
// against a shared registry at construction time.
type Counters struct {
	reg  *prometheus.Registry
	vecs map[string]*prometheus.CounterVec
}

// NewCounters builds and registers a CounterVec for every name in defs, labeled by
// "component" (fixed to component) and an optional "reason" label. Safe to call with a
// nil registry, in which case metrics are tracked in-process but never exported.
func NewCounters(reg *prometheus.Registry, component string, defs map[string]string) *Counters {
	c := &Counters{reg: reg, vecs: map[string]*prometheus.CounterVec{}}
	for name, help := range defs {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "centaurmods",
			Subsystem:   component,
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"component": component},
		}, []string{"reason"})
		if reg != nil {
			reg.MustRegister(vec)
		}
		c.vecs[name] = vec
	}
	return c
}

// Inc increments the named counter for the given reason (empty string for unlabeled use).
func (c *Counters) Inc(name, reason string) {
	if c == nil {
		return
	}
	if vec, ok := c.vecs[name]; ok {
		vec.WithLabelValues(reason).Inc()
	}
}

// Gauges mirrors Counters for gauge-valued metrics (e.g. waiter-installed presence).
type Gauges struct {
	vecs map[string]prometheus.Gauge
}

func NewGauges(reg *prometheus.Registry, component string, defs map[string]string) *Gauges {
	g := &Gauges{vecs: map[string]prometheus.Gauge{}}
	for name, help := range defs {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "centaurmods",
			Subsystem:   component,
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"component": component},
		})
		if reg != nil {
			reg.MustRegister(gauge)
		}
		g.vecs[name] = gauge
	}
	return g
}

func (g *Gauges) Set(name string, v float64) {
	if g == nil {
		return
	}
	if gauge, ok := g.vecs[name]; ok {
		gauge.Set(v)
	}
}
