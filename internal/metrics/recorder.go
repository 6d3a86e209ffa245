// Package metrics exposes reconciliation counters to Prometheus.
package metrics

import (
	"context"
	"net/http"

	"hostsync/internal/reconcile"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var _ reconcile.CycleObserver = (*Recorder)(nil)

const namespace = "hostsync"

// Recorder turns cycle reports into metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	cycles      *prometheus.CounterVec
	actions     *prometheus.CounterVec
	duration    prometheus.Histogram
	controlled  prometheus.Gauge
	probeErrors prometheus.Counter
}

// NewRecorder registers the hostsync metrics and the Go runtime collectors on
// a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Reconciliation cycles by result (ok, partial, fatal).",
			},
			[]string{"result"},
		),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Container actions by kind and result.",
			},
			[]string{"action", "result"},
		),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a reconciliation cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		controlled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "controlled_containers",
			Help:      "Managed containers seen at the end of the last reported cycle.",
		}),
		probeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_probe_failures_total",
			Help:      "Image freshness checks that could not complete.",
		}),
	}
	r.registry.MustRegister(
		r.cycles, r.actions, r.duration, r.controlled, r.probeErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveCycle implements reconcile.CycleObserver.
func (r *Recorder) ObserveCycle(_ context.Context, report reconcile.CycleReport) {
	r.cycles.WithLabelValues(cycleResult(report)).Inc()
	if d := report.Duration(); d > 0 {
		r.duration.Observe(d.Seconds())
	}
	for _, o := range report.Outcomes {
		result := "ok"
		if o.Failed() {
			result = "error"
		}
		r.actions.WithLabelValues(o.Kind.String(), result).Inc()
	}
	r.probeErrors.Add(float64(len(report.ProbeFailures)))
	if report.Fatal == nil {
		n := report.Observed
		if report.Snapshot != nil {
			n = len(report.Snapshot)
		}
		r.controlled.Set(float64(n))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func cycleResult(report reconcile.CycleReport) string {
	switch {
	case report.Fatal != nil:
		return "fatal"
	case len(report.Failed()) > 0:
		return "partial"
	default:
		return "ok"
	}
}
