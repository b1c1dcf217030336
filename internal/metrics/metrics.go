// Package metrics exposes Prometheus metrics for the AS2 server. Metrics
// implements as2.EventSink, so it counts traffic from the events the engine
// emits; failures are counted from handler results.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sirosfoundation/go-as2/pkg/as2"
)

const namespace = "as2"

// Metrics holds all Prometheus metrics for the AS2 server
type Metrics struct {
	registry *prometheus.Registry

	// Inbound metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  prometheus.Histogram
	PayloadsReceived *prometheus.CounterVec
	Duplicates       prometheus.Counter

	// Outbound metrics
	MessagesSent *prometheus.CounterVec
	MessageSize  prometheus.Histogram

	// Receipt metrics
	MDNsReceived *prometheus.CounterVec
	AsyncMDNs    prometheus.Counter

	// Failures by error kind and MDN code
	Failures *prometheus.CounterVec
}

// New creates the metrics on a fresh registry that also carries the Go and
// process collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of inbound AS2 transmissions by type",
		}, []string{"type"}),
		RequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent handling inbound AS2 transmissions",
			Buckets:   prometheus.DefBuckets,
		}),
		PayloadsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_received_total",
			Help:      "Total number of payloads delivered from received messages",
		}, []string{"from"}),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_messages_total",
			Help:      "Total number of messages received with a known Message-ID",
		}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of messages accepted by partners",
		}, []string{"to"}),
		MessageSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_size_bytes",
			Help:      "Size of encoded outbound messages",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		MDNsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mdns_received_total",
			Help:      "Total number of MDNs received by disposition",
		}, []string{"disposition"}),
		AsyncMDNs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "async_mdns_scheduled_total",
			Help:      "Total number of MDNs scheduled for asynchronous delivery",
		}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Total number of processing failures by error kind and code",
		}, []string{"kind", "code"}),
	}
}

// Handle implements as2.EventSink
func (m *Metrics) Handle(_ context.Context, ev as2.Event) {
	switch e := ev.(type) {
	case as2.MessageReceived:
		m.PayloadsReceived.WithLabelValues(e.FromID).Inc()
	case as2.OutgoingMessage:
		m.MessageSize.Observe(float64(len(e.Content)))
	case as2.MessageSent:
		m.MessagesSent.WithLabelValues(e.Message.To().ID).Inc()
	case as2.MdnReceived:
		m.MDNsReceived.WithLabelValues(e.MDN.DispositionType()).Inc()
	}
}

// ObserveResult counts a handled transmission
func (m *Metrics) ObserveResult(res *as2.Result, elapsed time.Duration) {
	m.RequestDuration.Observe(elapsed.Seconds())

	typ := "rejected"
	switch res.Object.(type) {
	case *as2.Message:
		typ = "message"
	case *as2.MDN:
		typ = "mdn"
	case *as2.Malformed:
		typ = "malformed"
	}
	m.RequestsTotal.WithLabelValues(typ).Inc()

	if res.Duplicate {
		m.Duplicates.Inc()
	}
	if res.Async {
		m.AsyncMDNs.Inc()
	}
	if res.Err != nil {
		m.ObserveError(res.Err)
	}
}

// ObserveError counts a failure by its kind and MDN code
func (m *Metrics) ObserveError(err error) {
	kind, code := "unknown", ""
	var pe *as2.Error
	if errors.As(err, &pe) {
		kind, code = pe.Kind.String(), pe.Code
	}
	m.Failures.WithLabelValues(kind, code).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
