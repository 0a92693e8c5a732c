package peerapi

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type handlerMetrics struct {
	requests metric.Int64Counter
}

func newHandlerMetrics(logger pslog.Logger) *handlerMetrics {
	meter := otel.Meter("pkt.systems/gitd/peerapi")
	m := &handlerMetrics{}
	var err error
	m.requests, err = meter.Int64Counter(
		"gitd.peerapi.requests",
		metric.WithDescription("Peer API requests by operation and status"),
	)
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "gitd.peerapi.requests", "error", err)
	}
	return m
}

func (m *handlerMetrics) recordRequest(ctx context.Context, operation string, status int) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gitd.operation", operation),
		attribute.String("gitd.status", strconv.Itoa(status)),
	))
}
