// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connhook

import (
	"context"

	"github.com/svagner/mysql-router/pkg/metrics"
)

// MetricsHooks feeds connection lifecycle events into Prometheus.
type MetricsHooks struct {
	m *metrics.Metrics
}

var _ Hooks = (*MetricsHooks)(nil)

// NewMetricsHooks creates metrics-backed hooks.
func NewMetricsHooks(m *metrics.Metrics) *MetricsHooks {
	return &MetricsHooks{m: m}
}

func (h *MetricsHooks) OnAccept(ctx context.Context, s *Session) error {
	h.m.HandledConnections.WithLabelValues(s.Route).Inc()
	return nil
}

func (h *MetricsHooks) OnBlocked(ctx context.Context, s *Session) error {
	h.m.BlockedClients.WithLabelValues(s.Route).Inc()
	return nil
}

func (h *MetricsHooks) OnHandshakeFailed(ctx context.Context, s *Session) error {
	h.m.ConnectionErrors.WithLabelValues(s.Route, "handshake").Inc()
	return nil
}

func (h *MetricsHooks) OnDisconnect(ctx context.Context, s *Session, bytesUp, bytesDown uint64) error {
	h.m.BytesTransferred.WithLabelValues(s.Route, "up").Add(float64(bytesUp))
	h.m.BytesTransferred.WithLabelValues(s.Route, "down").Add(float64(bytesDown))
	return nil
}
