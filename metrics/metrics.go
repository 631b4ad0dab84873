// Package metrics exposes counters and gauges for the coordination layer.
// A prometheus-backed collector is provided for production and a no-op
// collector for tests and embedders that bring their own instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector records coordination-layer activity.
type Collector interface {
	// RecordEnqueue records a mail enqueued on the named queue.
	RecordEnqueue(queue string)

	// RecordDequeue records a mail dequeued from the named queue.
	RecordDequeue(queue string)

	// RecordTaskExecuted records a work-queue task attempt.
	RecordTaskExecuted(success bool)

	// RecordCancelRequest records a task cancellation broadcast.
	RecordCancelRequest()

	// SetQueueSize sets the last observed depth of the named queue.
	SetQueueSize(queue string, size float64)
}

// PrometheusCollector implements Collector on a prometheus registry.
type PrometheusCollector struct {
	enqueued       *prometheus.CounterVec
	dequeued       *prometheus.CounterVec
	tasksExecuted  *prometheus.CounterVec
	cancelRequests prometheus.Counter
	queueSize      *prometheus.GaugeVec
}

// NewPrometheusCollector creates a collector and registers its metrics with
// reg. Passing prometheus.DefaultRegisterer is the common case.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailhive_mailqueue_enqueued_total",
			Help: "Mails enqueued per mail queue.",
		}, []string{"queue"}),
		dequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailhive_mailqueue_dequeued_total",
			Help: "Mails dequeued per mail queue.",
		}, []string{"queue"}),
		tasksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailhive_workqueue_tasks_total",
			Help: "Work queue task attempts by outcome.",
		}, []string{"outcome"}),
		cancelRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailhive_workqueue_cancel_requests_total",
			Help: "Task cancellation broadcasts published.",
		}),
		queueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailhive_mailqueue_size",
			Help: "Last observed depth per mail queue.",
		}, []string{"queue"}),
	}

	reg.MustRegister(c.enqueued, c.dequeued, c.tasksExecuted, c.cancelRequests, c.queueSize)

	return c
}

func (c *PrometheusCollector) RecordEnqueue(queue string) {
	c.enqueued.WithLabelValues(queue).Inc()
}

func (c *PrometheusCollector) RecordDequeue(queue string) {
	c.dequeued.WithLabelValues(queue).Inc()
}

func (c *PrometheusCollector) RecordTaskExecuted(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.tasksExecuted.WithLabelValues(outcome).Inc()
}

func (c *PrometheusCollector) RecordCancelRequest() {
	c.cancelRequests.Inc()
}

func (c *PrometheusCollector) SetQueueSize(queue string, size float64) {
	c.queueSize.WithLabelValues(queue).Set(size)
}

// NoOpCollector discards all recordings.
type NoOpCollector struct{}

func (NoOpCollector) RecordEnqueue(queue string)             {}
func (NoOpCollector) RecordDequeue(queue string)             {}
func (NoOpCollector) RecordTaskExecuted(success bool)        {}
func (NoOpCollector) RecordCancelRequest()                   {}
func (NoOpCollector) SetQueueSize(queue string, size float64) {}
