// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

// Package metrics provides Prometheus instrumentation for gcoap-test.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for gcoap-test. Each instance
// carries its own registry.
type Metrics struct {
	// Message metrics
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	Retransmits      prometheus.Counter
	Timeouts         prometheus.Counter
	Malformed        prometheus.Counter

	// Exchange metrics
	ExchangeDuration  *prometheus.HistogramVec
	ExchangesInFlight prometheus.Gauge

	// Server metrics
	ServerRequests *prometheus.CounterVec
	RateLimited    prometheus.Counter

	// Observe metrics
	Notifications        *prometheus.CounterVec
	ObserveRegistrations prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics instance with all counters, gauges, and
// histograms registered on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gcoaptest"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Total number of CoAP messages sent",
			},
			[]string{"type", "code"},
		),
		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of CoAP messages received",
			},
			[]string{"type", "code"},
		),
		Retransmits: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retransmits_total",
				Help:      "Total number of confirmable retransmissions",
			},
		),
		Timeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timeouts_total",
				Help:      "Total number of exchanges that timed out",
			},
		),
		Malformed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "malformed_messages_total",
				Help:      "Total number of datagrams that failed to parse",
			},
		),
		ExchangeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "exchange_duration_seconds",
				Help:      "Request/response exchange duration in seconds",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"type"},
		),
		ExchangesInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "exchanges_in_flight",
				Help:      "Number of exchanges awaiting a response",
			},
		),
		ServerRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "server_requests_total",
				Help:      "Total number of requests served",
			},
			[]string{"method", "path", "code"},
		),
		RateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Total number of rate limited requests",
			},
		),
		Notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of observe notifications received",
			},
			[]string{"type", "action"},
		),
		ObserveRegistrations: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "observe_registrations",
				Help:      "Number of active observe registrations",
			},
		),
	}

	return m
}

// Registry exposes the underlying registry, for scraping and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveExchange tracks one exchange: the in-flight gauge while f
// runs and the duration histogram when it returns.
func (m *Metrics) ObserveExchange(msgType string, f func() error) error {
	m.ExchangesInFlight.Inc()
	defer m.ExchangesInFlight.Dec()

	start := time.Now()
	defer func() {
		m.ExchangeDuration.WithLabelValues(msgType).Observe(time.Since(start).Seconds())
	}()

	return f()
}

// RecordSent counts an outbound message.
func (m *Metrics) RecordSent(msgType, code string) {
	m.MessagesSent.WithLabelValues(msgType, code).Inc()
}

// RecordReceived counts an inbound message.
func (m *Metrics) RecordReceived(msgType, code string) {
	m.MessagesReceived.WithLabelValues(msgType, code).Inc()
}

// RecordServed counts a request handled by the test server.
func (m *Metrics) RecordServed(method, path, code string) {
	m.ServerRequests.WithLabelValues(method, path, code).Inc()
}
