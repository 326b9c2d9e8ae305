// Package metrics exposes Prometheus collectors for the dock engine.
//
// All methods are safe to call on a nil *Metrics so components can be built
// without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "ncx").
	Namespace string

	// Subsystem is the metrics subsystem (default: "dock").
	Subsystem string

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics holds the dock engine collectors.
type Metrics struct {
	bytesReceived  *prometheus.CounterVec
	bytesSent      *prometheus.CounterVec
	eventsReceived *prometheus.CounterVec
	eventsSent     *prometheus.CounterVec
	framingErrors  *prometheus.CounterVec
	connections    *prometheus.CounterVec
	activeEndpoint *prometheus.GaugeVec
	sendDuration   *prometheus.HistogramVec
}

// New registers the collectors and returns them.
func New(opts ...Option) *Metrics {
	config := Config{
		Namespace: "ncx",
		Subsystem: "dock",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)

	return &Metrics{
		bytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "bytes_received_total",
			Help:      "Total bytes read from the connected transport",
		}, []string{"transport"}),

		bytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "bytes_sent_total",
			Help:      "Total bytes written to the connected transport",
		}, []string{"transport"}),

		eventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "events_received_total",
			Help:      "Total dock events decoded from the wire",
		}, []string{"tag"}),

		eventsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "events_sent_total",
			Help:      "Total dock events written to the wire",
		}, []string{"tag", "status"}),

		framingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "framing_errors_total",
			Help:      "Total framing and payload-shape errors",
		}, []string{"kind"}),

		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "connections_total",
			Help:      "Total connections accepted per transport",
		}, []string{"transport"}),

		activeEndpoint: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "active_endpoint",
			Help:      "1 while the transport holds the active connection",
		}, []string{"transport"}),

		sendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "send_duration_seconds",
			Help:      "Time taken to write one dock event",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tag"}),
	}
}

// BytesReceived counts bytes read on a transport.
func (m *Metrics) BytesReceived(transport string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesReceived.WithLabelValues(transport).Add(float64(n))
}

// BytesSent counts bytes written on a transport.
func (m *Metrics) BytesSent(transport string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesSent.WithLabelValues(transport).Add(float64(n))
}

// EventReceived counts one decoded event.
func (m *Metrics) EventReceived(tag string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(tag).Inc()
}

// EventSent records one outbound event and how long it took.
func (m *Metrics) EventSent(tag, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.eventsSent.WithLabelValues(tag, status).Inc()
	m.sendDuration.WithLabelValues(tag).Observe(d.Seconds())
}

// FramingError counts one framing or payload-shape error.
func (m *Metrics) FramingError(kind string) {
	if m == nil {
		return
	}
	m.framingErrors.WithLabelValues(kind).Inc()
}

// Connected records a transport winning the listen race.
func (m *Metrics) Connected(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Inc()
	m.activeEndpoint.WithLabelValues(transport).Set(1)
}

// Disconnected clears the active flag of a transport.
func (m *Metrics) Disconnected(transport string) {
	if m == nil {
		return
	}
	m.activeEndpoint.WithLabelValues(transport).Set(0)
}
