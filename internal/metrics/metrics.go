// Package metrics records dispatcher and coordinator outcomes in Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is safe to use as a nil pointer, in which case every call is a
// no-op.
type Recorder struct {
	registry          *prometheus.Registry
	delegationsTotal  *prometheus.CounterVec
	conflictsTotal    prometheus.Counter
	tasksTotal        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	busyAgents        prometheus.Gauge
	idleAgents        prometheus.Gauge
	averageScore      prometheus.Gauge
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		delegationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpool_delegations_total",
				Help: "Task delegations by task type and outcome",
			},
			[]string{"type", "outcome"},
		),
		conflictsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agentpool_assign_conflicts_total",
				Help: "Agent claims lost to a concurrent assignment",
			},
		),
		tasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpool_tasks_finished_total",
				Help: "Tasks that reached a terminal state, by status and reason",
			},
			[]string{"status", "reason"},
		),
		executionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentpool_execution_duration_seconds",
				Help:    "Time from assignment to closure of a task",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"status"},
		),
		busyAgents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentpool_agents_busy",
				Help: "Agents currently holding a task",
			},
		),
		idleAgents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentpool_agents_idle",
				Help: "Active agents without a task",
			},
		),
		averageScore: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentpool_performance_score_average",
				Help: "Average performance score across agents",
			},
		),
	}
}

func (r *Recorder) ObserveDelegation(taskType, outcome string) {
	if r == nil {
		return
	}
	r.delegationsTotal.WithLabelValues(taskType, outcome).Inc()
}

func (r *Recorder) IncConflict() {
	if r == nil {
		return
	}
	r.conflictsTotal.Inc()
}

// ObserveTask records a task that reached a terminal state.
func (r *Recorder) ObserveTask(status, reason string, duration time.Duration) {
	if r == nil {
		return
	}
	r.tasksTotal.WithLabelValues(status, reason).Inc()
	if duration > 0 {
		r.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
	}
}

func (r *Recorder) SetPool(busy, idle int, avgScore float64) {
	if r == nil {
		return
	}
	r.busyAgents.Set(float64(busy))
	r.idleAgents.Set(float64(idle))
	r.averageScore.Set(avgScore)
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
