package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics — Prometheus метрики движка.
//
// Все методы безопасны для nil: компоненты без метрик передают nil.
type Metrics struct {
	received   *prometheus.CounterVec
	finished   *prometheus.CounterVec
	retried    *prometheus.CounterVec
	replaced   *prometheus.CounterVec
	duplicates *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	chords     *prometheus.CounterVec
	submitted  prometheus.Counter
	publishErr prometheus.Counter
}

// NewMetrics регистрирует метрики в reg.
// Для глобального реестра передайте prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		received: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_tasks_received_total",
			Help: "Messages received by workers",
		}, []string{"task", "queue"}),
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_tasks_finished_total",
			Help: "Invocations that reached a terminal state",
		}, []string{"task", "state"}),
		retried: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_tasks_retried_total",
			Help: "Invocations scheduled for retry",
		}, []string{"task"}),
		replaced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_tasks_replaced_total",
			Help: "Invocations that replaced themselves with a workflow",
		}, []string{"task"}),
		duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_tasks_duplicate_total",
			Help: "Deliveries of invocations that were already finished or owned",
		}, []string{"task"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conveyor_task_duration_seconds",
			Help:    "Handler execution time",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		chords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_chords_fired_total",
			Help: "Chord bodies fired or failed",
		}, []string{"outcome"}),
		submitted: f.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_submissions_total",
			Help: "Workflows submitted",
		}),
		publishErr: f.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_publish_retries_total",
			Help: "Broker publish attempts that failed and were retried",
		}),
	}
}

func (m *Metrics) Received(task, queue string) {
	if m != nil {
		m.received.WithLabelValues(task, queue).Inc()
	}
}

func (m *Metrics) Finished(task, state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(task, state).Inc()
	if elapsed > 0 {
		m.duration.WithLabelValues(task).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) Retried(task string) {
	if m != nil {
		m.retried.WithLabelValues(task).Inc()
	}
}

func (m *Metrics) Replaced(task string) {
	if m != nil {
		m.replaced.WithLabelValues(task).Inc()
	}
}

func (m *Metrics) Duplicate(task string) {
	if m != nil {
		m.duplicates.WithLabelValues(task).Inc()
	}
}

// ChordFired учитывает срабатывание chord: outcome "fired" или "failed".
func (m *Metrics) ChordFired(outcome string) {
	if m != nil {
		m.chords.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Submitted() {
	if m != nil {
		m.submitted.Inc()
	}
}

func (m *Metrics) PublishRetry() {
	if m != nil {
		m.publishErr.Inc()
	}
}
