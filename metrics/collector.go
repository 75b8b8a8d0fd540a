// Package metrics exports request/reply metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/mmate-rpc/messaging"
)

const namespace = "mmate"

// Collector implements messaging.MetricsCollector on Prometheus vectors. It
// also satisfies interceptors.MetricsCollector.
type Collector struct {
	registry *prometheus.Registry

	publishTotal    *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	outcomes        *prometheus.CounterVec
	droppedReplies  *prometheus.CounterVec
	handledTotal    *prometheus.CounterVec
	handleDuration  *prometheus.HistogramVec
}

// NewCollector creates a collector with its own registry, which also carries
// the Go runtime and process collectors
func NewCollector(service string) *Collector {
	labels := prometheus.Labels{"service": service}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "publish_total",
			Help:        "Records published, by topic and result.",
			ConstLabels: labels,
		}, []string{"topic", "result"}),
		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "publish_duration_seconds",
			Help:        "Time until the transport acknowledged a publish.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"topic"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "requests_in_flight",
			Help:        "Pending request/reply calls.",
			ConstLabels: labels,
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "request_outcomes_total",
			Help:        "Request/reply calls by how they ended.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		droppedReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "dropped_replies_total",
			Help:        "Reply records that resolved no pending call.",
			ConstLabels: labels,
		}, []string{"reason"}),
		handledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "handled_total",
			Help:        "Requests handled by the responder, by command and result.",
			ConstLabels: labels,
		}, []string{"command", "result"}),
		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "handle_duration_seconds",
			Help:        "Responder handler latency.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"command"}),
	}

	c.registry.MustRegister(
		c.publishTotal, c.publishDuration, c.inFlight, c.outcomes,
		c.droppedReplies, c.handledTotal, c.handleDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordPublish implements messaging.MetricsCollector
func (c *Collector) RecordPublish(topic string, duration time.Duration, success bool) {
	c.publishTotal.WithLabelValues(topic, result(success)).Inc()
	if success {
		c.publishDuration.WithLabelValues(topic).Observe(duration.Seconds())
	}
}

// RecordInFlight implements messaging.MetricsCollector
func (c *Collector) RecordInFlight(n int) {
	c.inFlight.Set(float64(n))
}

// RecordOutcome implements messaging.MetricsCollector
func (c *Collector) RecordOutcome(outcome messaging.Outcome) {
	c.outcomes.WithLabelValues(string(outcome)).Inc()
}

// RecordDroppedReply implements messaging.MetricsCollector
func (c *Collector) RecordDroppedReply(reason string) {
	c.droppedReplies.WithLabelValues(reason).Inc()
}

// RecordHandled implements messaging.MetricsCollector
func (c *Collector) RecordHandled(command string, duration time.Duration, success bool) {
	if command == "" {
		command = "unknown"
	}
	c.handledTotal.WithLabelValues(command, result(success)).Inc()
	c.handleDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// Registry returns the underlying Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
