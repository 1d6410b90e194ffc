// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the router.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the router.
type Metrics struct {
	// Data-plane metrics
	ActiveConnections  *prometheus.GaugeVec
	HandledConnections *prometheus.CounterVec
	ConnectionErrors   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec
	BytesTransferred   *prometheus.CounterVec
	BlockedClients     *prometheus.CounterVec
	RefusedConnections *prometheus.CounterVec

	// Topology metrics
	MetadataRefreshes  *prometheus.CounterVec
	ReplicasetStatus   *prometheus.GaugeVec
	ReplicasetMembers  *prometheus.GaugeVec
	DestinationErrors  *prometheus.CounterVec
}

// New creates a new Metrics instance with all counters, gauges, and
// histograms registered on the default registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "mysqlrouter"
	}

	m := &Metrics{
		ActiveConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently routed connections",
			},
			[]string{"route"},
		),
		HandledConnections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handled_connections_total",
				Help:      "Total number of routed connections",
			},
			[]string{"route"},
		),
		ConnectionErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_errors_total",
				Help:      "Total number of connection errors",
			},
			[]string{"route", "error_type"},
		),
		ConnectionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Routed connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"route"},
		),
		BytesTransferred: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_transferred_total",
				Help:      "Bytes forwarded per route and direction",
			},
			[]string{"route", "direction"},
		),
		BlockedClients: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocked_clients_total",
				Help:      "Client hosts that transitioned to blocked, plus connections refused because their host is blocked",
			},
			[]string{"route"},
		),
		RefusedConnections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refused_connections_total",
				Help:      "Connections refused at accept time",
			},
			[]string{"route", "reason"},
		),
		MetadataRefreshes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "metadata_refreshes_total",
				Help:      "Topology cache refresh attempts",
			},
			[]string{"cluster", "status"},
		),
		ReplicasetStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "replicaset_status",
				Help:      "Replicaset status (0=unavailable, 1=read_only, 2=writable)",
			},
			[]string{"replicaset"},
		),
		ReplicasetMembers: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "replicaset_members",
				Help:      "Members published per replicaset and mode",
			},
			[]string{"replicaset", "mode"},
		),
		DestinationErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "destination_errors_total",
				Help:      "Backend connect failures per route",
			},
			[]string{"route"},
		),
	}

	return m
}

// ObserveConnection tracks one routed connection lifecycle: the
// active-connections gauge for its duration and the duration
// histogram on completion. Handled counts come from the accept hook.
func (m *Metrics) ObserveConnection(route string, f func() error) error {
	m.ActiveConnections.WithLabelValues(route).Inc()
	defer m.ActiveConnections.WithLabelValues(route).Dec()

	start := time.Now()
	defer func() {
		m.ConnectionDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}()

	return f()
}
