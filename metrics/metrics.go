// Package metrics exposes guardianmesh activity as Prometheus metrics. The
// collectors are fed by subscribing to a core.Dispatcher, so components
// stay unaware of Prometheus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hupe1980/guardianmesh/cache"
	"github.com/hupe1980/guardianmesh/core"
)

const namespace = "guardianmesh"

// Metrics holds the collectors updated from events.
type Metrics struct {
	Tokens          *prometheus.CounterVec
	Cost            *prometheus.CounterVec
	BudgetAlerts    *prometheus.CounterVec
	BudgetRatio     prometheus.Gauge
	Routes          *prometheus.CounterVec
	RouteConfidence prometheus.Histogram
	Outcomes        *prometheus.CounterVec
	MemoryEvents    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg uses
// the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens recorded per agent and pricing model",
		}, []string{"agent", "model"}),

		Cost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Estimated spend in USD per agent",
		}, []string{"agent"}),

		BudgetAlerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_alerts_total",
			Help:      "Budget threshold crossings by level",
		}, []string{"level"}),

		BudgetRatio: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_used_ratio",
			Help:      "Share of the token budget already spent",
		}),

		Routes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_total",
			Help:      "Routing decisions per agent",
		}, []string{"agent", "fallback"}),

		RouteConfidence: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_confidence",
			Help:      "Confidence of routing decisions",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),

		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Task outcomes by result",
		}, []string{"result"}),

		MemoryEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_events_total",
			Help:      "Memory store and context bank events by type",
		}, []string{"type"}),
	}
}

// Attach subscribes m to every event of d.
func (m *Metrics) Attach(d *core.Dispatcher) {
	d.Subscribe(core.EventAny, m)
}

// Handle implements core.Listener.
func (m *Metrics) Handle(_ context.Context, ev core.Event) {
	switch ev.Type {
	case core.EventUsageRecorded:
		model, _ := ev.Data["model"].(string)
		if tokens, ok := ev.Data["tokens"].(int64); ok {
			m.Tokens.WithLabelValues(ev.AgentID, model).Add(float64(tokens))
		}
		if cost, ok := ev.Data["cost"].(float64); ok {
			m.Cost.WithLabelValues(ev.AgentID).Add(cost)
		}
		if ratio, ok := ev.Data["budgetRatio"].(float64); ok {
			m.BudgetRatio.Set(ratio)
		}
	case core.EventBudgetWarning, core.EventBudgetCritical:
		level := "warning"
		if ev.Type == core.EventBudgetCritical {
			level = "critical"
		}
		m.BudgetAlerts.WithLabelValues(level).Inc()
		if ratio, ok := ev.Data["ratio"].(float64); ok {
			m.BudgetRatio.Set(ratio)
		}
	case core.EventGuardianRouted:
		fallback, _ := ev.Data["fallback"].(bool)
		label := "false"
		if fallback {
			label = "true"
		}
		m.Routes.WithLabelValues(ev.AgentID, label).Inc()
		if conf, ok := ev.Data["confidence"].(float64); ok {
			m.RouteConfidence.Observe(conf)
		}
	case core.EventOutcomeRecorded:
		result, _ := ev.Data["result"].(string)
		m.Outcomes.WithLabelValues(result).Inc()
	case core.EventMemoryStored, core.EventMemoryExpired, core.EventNamespaceCleared,
		core.EventSessionClosed, core.EventContextAnomaly:
		m.MemoryEvents.WithLabelValues(string(ev.Type)).Inc()
	}
}

// CacheCollector exports the counters of a cache.Cache.
type CacheCollector struct {
	stats func() cache.Stats

	size      *prometheus.Desc
	maxSize   *prometheus.Desc
	hits      *prometheus.Desc
	misses    *prometheus.Desc
	evictions *prometheus.Desc
	hitRate   *prometheus.Desc
}

// NewCacheCollector returns a collector that reads stats on every scrape.
// name becomes the "cache" label.
func NewCacheCollector(name string, stats func() cache.Stats) *CacheCollector {
	labels := prometheus.Labels{"cache": name}
	desc := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", metric), help, nil, labels)
	}
	return &CacheCollector{
		stats:     stats,
		size:      desc("size", "Slots currently held"),
		maxSize:   desc("max_size", "Slot capacity"),
		hits:      desc("hits_total", "Lifetime cache hits"),
		misses:    desc("misses_total", "Lifetime cache misses"),
		evictions: desc("evictions_total", "LRU evictions since the last clear"),
		hitRate:   desc("hit_rate", "Hit rate since the last clear"),
	}
}

// Describe implements prometheus.Collector.
func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.maxSize
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.hitRate
}

// Collect implements prometheus.Collector.
func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats()
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(st.Size))
	ch <- prometheus.MustNewConstMetric(c.maxSize, prometheus.GaugeValue, float64(st.MaxSize))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(st.LifetimeHits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(st.LifetimeMisses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.GaugeValue, float64(st.Evictions))
	ch <- prometheus.MustNewConstMetric(c.hitRate, prometheus.GaugeValue, st.HitRate)
}
