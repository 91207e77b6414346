// Package metrics provides the Prometheus-backed core.Metrics
// implementation. The lock/queue packages only ever see core.Metrics;
// wiring a concrete sink is a deployment decision, kept out of core the
// same way the cache/bus backends are.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oliveiracleidson/distwork/core"
)

// Prometheus is a core.Metrics sink backed by a *prometheus.Registry.
// Counters/gauges/timers are created lazily and cached by name+tags so
// repeated Counter(name) calls return the same collector.
type Prometheus struct {
	registry *prometheus.Registry
	mu       sync.Mutex
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	timers   map[string]prometheus.Histogram
}

func NewPrometheus(registry *prometheus.Registry) *Prometheus {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &Prometheus{
		registry: registry,
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
		timers:   make(map[string]prometheus.Histogram),
	}
}

func metricKey(name string, tags []string) string {
	if len(tags) == 0 {
		return name
	}
	return name + "{" + strings.Join(tags, ",") + "}"
}

func (p *Prometheus) Counter(name string, tags ...string) core.MetricsCounter {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := metricKey(name, tags)
	c, ok := p.counters[key]
	if !ok {
		c = prometheus.NewCounter(prometheus.CounterOpts{Name: sanitize(name), Help: name})
		p.registry.MustRegister(c)
		p.counters[key] = c
	}
	return promCounter{c}
}

func (p *Prometheus) Gauge(name string, tags ...string) core.MetricsGauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := metricKey(name, tags)
	g, ok := p.gauges[key]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{Name: sanitize(name), Help: name})
		p.registry.MustRegister(g)
		p.gauges[key] = g
	}
	return promGauge{g}
}

func (p *Prometheus) Timer(name string, tags ...string) core.MetricsTimer {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := metricKey(name, tags)
	h, ok := p.timers[key]
	if !ok {
		h = prometheus.NewHistogram(prometheus.HistogramOpts{Name: sanitize(name), Help: name})
		p.registry.MustRegister(h)
		p.timers[key] = h
	}
	return promTimer{h}
}

func sanitize(name string) string {
	r := strings.NewReplacer(":", "_", "-", "_", ".", "_")
	return r.Replace(name)
}

type promCounter struct{ c prometheus.Counter }

func (p promCounter) Inc(delta int64) { p.c.Add(float64(delta)) }

type promGauge struct{ g prometheus.Gauge }

func (p promGauge) Set(value float64) { p.g.Set(value) }

type promTimer struct{ h prometheus.Histogram }

func (p promTimer) Record(d time.Duration) { p.h.Observe(d.Seconds()) }
