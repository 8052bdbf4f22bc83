// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/vdmabuf/lib/wire"
)

// Metrics holds the broker's Prometheus collectors. Each Broker owns a
// private registry so independent brokers in one process never collide.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	sessionsRejected prometheus.Counter
	requests         *prometheus.CounterVec
	protocolErrors   prometheus.Counter
	deviceEvents     *prometheus.CounterVec
	exportedBuffers  prometheus.Gauge
}

func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vdmabuf",
			Name:      "sessions_active",
			Help:      "Connected client sessions.",
		}),
		sessionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vdmabuf",
			Name:      "sessions_rejected_total",
			Help:      "Connections closed at accept because the session table was full.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vdmabuf",
			Name:      "requests_total",
			Help:      "Requests answered, by command and response status.",
		}, []string{"command", "status"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vdmabuf",
			Name:      "protocol_errors_total",
			Help:      "Malformed frames dropped.",
		}),
		deviceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vdmabuf",
			Name:      "device_events_total",
			Help:      "Event records read from each device.",
		}, []string{"vm"}),
		exportedBuffers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vdmabuf",
			Name:      "exported_buffers",
			Help:      "BufferIds currently owned by connected sessions.",
		}),
	}
	m.registry.MustRegister(
		m.sessionsActive,
		m.sessionsRejected,
		m.requests,
		m.protocolErrors,
		m.deviceEvents,
		m.exportedBuffers,
	)
	return m
}

// Registry returns the registry to serve, for example with
// promhttp.HandlerFor.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) request(command wire.Command, status wire.Status) {
	m.requests.WithLabelValues(command.String(), status.String()).Inc()
}

// deviceLabel is the vm label for a device; the front-end device has
// no VM name.
func deviceLabel(name string) string {
	if name == "" {
		return "frontend"
	}
	return name
}
