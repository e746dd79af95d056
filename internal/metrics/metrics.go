// Package metrics holds the Prometheus collectors for the real-time layer.
//
// A *Metrics value is safe to use when nil; every recording method is a no-op
// in that case so packages can accept an optional collector set.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	// ConnectAttempts counts transport open attempts.
	// Labels: result (success|error|timeout|reused)
	ConnectAttempts *prometheus.CounterVec

	// ConnectionOpen is 1 while the shared transport is open.
	ConnectionOpen prometheus.Gauge

	// Subscribers tracks registered connection-state subscribers.
	Subscribers prometheus.Gauge

	// Frames counts inbound frames by classification.
	Frames *prometheus.CounterVec

	// Notifications counts ingestion outcomes.
	// Labels: outcome (accepted|duplicate|dropped)
	Notifications *prometheus.CounterVec

	// RESTRequests counts webhook registry calls.
	// Labels: operation, status (HTTP status code or "error")
	RESTRequests *prometheus.CounterVec

	// ReceiptQueueDepth is the number of pending mark-as-read calls.
	ReceiptQueueDepth prometheus.Gauge
}

// New creates the collectors on a private registry so independent instances
// can coexist in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ConnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "panelsync_connect_attempts_total",
				Help: "Push transport connect attempts by result",
			},
			[]string{"result"},
		),
		ConnectionOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "panelsync_connection_open",
			Help: "Whether the shared push transport is open",
		}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "panelsync_connection_subscribers",
			Help: "Registered connection-state subscribers",
		}),
		Frames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "panelsync_frames_total",
				Help: "Inbound push frames by kind",
			},
			[]string{"kind"},
		),
		Notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "panelsync_notifications_total",
				Help: "Notification ingestion outcomes",
			},
			[]string{"outcome"},
		),
		RESTRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "panelsync_rest_requests_total",
				Help: "Webhook registry REST calls by operation and status",
			},
			[]string{"operation", "status"},
		),
		ReceiptQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "panelsync_receipt_queue_depth",
			Help: "Pending mark-as-read calls",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectResult(result string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) SetConnected(open bool) {
	if m == nil {
		return
	}
	if open {
		m.ConnectionOpen.Set(1)
		return
	}
	m.ConnectionOpen.Set(0)
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

func (m *Metrics) Frame(kind string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(kind).Inc()
}

func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) REST(operation, status string) {
	if m == nil {
		return
	}
	m.RESTRequests.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) SetReceiptQueueDepth(n int) {
	if m == nil {
		return
	}
	m.ReceiptQueueDepth.Set(float64(n))
}
