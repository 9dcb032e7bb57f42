// Package metrics exposes dispatch and task-engine counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"postpilot/internal/post"
)

const namespace = "postpilot"

// Metrics implements post.Metrics. A nil *Metrics is a valid no-op.
type Metrics struct {
	reg *prometheus.Registry

	Publishes       *prometheus.CounterVec
	PublishDuration *prometheus.HistogramVec
	Cycles          *prometheus.CounterVec
	CyclePosts      *prometheus.CounterVec
	CycleDuration   prometheus.Histogram
	LastCycle       prometheus.Gauge
	DueBacklog      prometheus.Gauge
}

// New registers every collector on a fresh registry, plus the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Adapter publish attempts by platform and outcome.",
		}, []string{"platform", "outcome"}),
		PublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Adapter publish latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"platform"}),
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "due_cycles_total",
			Help:      "Due cycles by result (ok or error).",
		}, []string{"result"}),
		CyclePosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "due_cycle_posts_total",
			Help:      "Posts handled by due cycles, by outcome.",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "due_cycle_duration_seconds",
			Help:      "Wall time of one due cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		LastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_due_cycle_timestamp_seconds",
			Help:      "Unix time of the last finished due cycle.",
		}),
		DueBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "due_cycle_last_due_posts",
			Help:      "Posts found due by the last cycle.",
		}),
	}
	m.reg.MustRegister(
		m.Publishes, m.PublishDuration, m.Cycles, m.CyclePosts, m.CycleDuration, m.LastCycle, m.DueBacklog,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry is what the ops server serves on /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// MustRegister adds extra collectors, such as task engine gauges.
func (m *Metrics) MustRegister(cs ...prometheus.Collector) {
	if m == nil {
		return
	}
	m.reg.MustRegister(cs...)
}

func (m *Metrics) ObservePublish(platform, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.Publishes.WithLabelValues(platform, outcome).Inc()
	m.PublishDuration.WithLabelValues(platform).Observe(took.Seconds())
}

func (m *Metrics) ObserveCycle(r post.CycleReport, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Cycles.WithLabelValues(result).Inc()
	m.CyclePosts.WithLabelValues("published").Add(float64(r.Published))
	m.CyclePosts.WithLabelValues("failed").Add(float64(r.Failed))
	m.CyclePosts.WithLabelValues("conflict").Add(float64(r.Conflicts))
	m.CyclePosts.WithLabelValues("deferred").Add(float64(r.Deferred))
	m.CycleDuration.Observe(r.Duration.Seconds())
	m.DueBacklog.Set(float64(r.Due))
	m.LastCycle.Set(float64(r.Now.Unix()))
}

var _ post.Metrics = (*Metrics)(nil)
