// ABOUTME: Prometheus collectors for admission, tasks, broadcast and approval.
// ABOUTME: Nil-safe recording helpers and an HTTP handler over a private registry.

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven_conductor"

// Broadcast delivery paths.
const (
	PathLocal   = "local"
	PathChannel = "channel"
	PathRemote  = "remote"
)

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	AdmissionInUse   *prometheus.GaugeVec
	AdmissionTotal   prometheus.Gauge
	AdmissionWaiting prometheus.Gauge
	AcquireWait      prometheus.Histogram

	TasksFinished *prometheus.CounterVec
	TasksSwept    prometheus.Counter
	Notifications *prometheus.CounterVec

	BroadcastMessages *prometheus.CounterVec
	SendFailures      prometheus.Counter

	ApprovalOutcomes *prometheus.CounterVec
}

// New creates collectors registered on a fresh registry, together with the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		AdmissionInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "in_use",
			Help:      "Slots held per agent class.",
		}, []string{"agent_class"}),
		AdmissionTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "in_use_total",
			Help:      "Slots held across all agent classes.",
		}),
		AdmissionWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "waiting",
			Help:      "Callers blocked waiting for a slot.",
		}),
		AcquireWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting for a slot.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Tasks that left RUNNING, by final status.",
		}, []string{"status"}),
		TasksSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "swept_total",
			Help:      "Tasks pruned by the TTL sweeper.",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "notifications_total",
			Help:      "Completion notifications by result (delivered, failed, dropped).",
		}, []string{"result"}),
		BroadcastMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "messages_total",
			Help:      "Broadcast messages by delivery path.",
		}, []string{"path"}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "send_failures_total",
			Help:      "Failed sends to local connections and failed channel publishes.",
		}),
		ApprovalOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "outcomes_total",
			Help:      "Approval gate outcomes.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.AdmissionInUse,
		m.AdmissionTotal,
		m.AdmissionWaiting,
		m.AcquireWait,
		m.TasksFinished,
		m.TasksSwept,
		m.Notifications,
		m.BroadcastMessages,
		m.SendFailures,
		m.ApprovalOutcomes,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetAdmission records a snapshot of admission state.
func (m *Metrics) SetAdmission(perAgent map[string]int, total, waiting int) {
	if m == nil {
		return
	}
	m.AdmissionInUse.Reset()
	for class, n := range perAgent {
		m.AdmissionInUse.WithLabelValues(class).Set(float64(n))
	}
	m.AdmissionTotal.Set(float64(total))
	m.AdmissionWaiting.Set(float64(waiting))
}

// ObserveAcquireWait records how long an Acquire blocked.
func (m *Metrics) ObserveAcquireWait(d time.Duration) {
	if m == nil {
		return
	}
	m.AcquireWait.Observe(d.Seconds())
}

// TaskFinished counts a task leaving RUNNING.
func (m *Metrics) TaskFinished(status string) {
	if m == nil {
		return
	}
	m.TasksFinished.WithLabelValues(status).Inc()
}

// TaskSwept counts a task pruned by the sweeper.
func (m *Metrics) TaskSwept() {
	if m == nil {
		return
	}
	m.TasksSwept.Inc()
}

// Notification counts a completion notification result.
func (m *Metrics) Notification(result string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(result).Inc()
}

// Broadcast counts a message on a delivery path.
func (m *Metrics) Broadcast(path string) {
	if m == nil {
		return
	}
	m.BroadcastMessages.WithLabelValues(path).Inc()
}

// SendFailed counts a failed send or publish.
func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}

// ApprovalOutcome counts an approval gate result.
func (m *Metrics) ApprovalOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ApprovalOutcomes.WithLabelValues(outcome).Inc()
}
