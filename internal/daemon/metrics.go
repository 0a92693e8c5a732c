package daemon

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type daemonMetrics struct {
	active   metric.Int64UpDownCounter
	sessions metric.Int64Counter
	packs    metric.Int64Counter
}

func newDaemonMetrics(logger pslog.Logger) *daemonMetrics {
	meter := otel.Meter("pkt.systems/gitd/daemon")
	m := &daemonMetrics{}
	var err error

	m.active, err = meter.Int64UpDownCounter(
		"gitd.daemon.sessions.active",
		metric.WithDescription("Daemon sessions in progress"),
	)
	logMetricInitError(logger, "gitd.daemon.sessions.active", err)

	m.sessions, err = meter.Int64Counter(
		"gitd.daemon.sessions",
		metric.WithDescription("Completed daemon sessions by service and result"),
	)
	logMetricInitError(logger, "gitd.daemon.sessions", err)

	m.packs, err = meter.Int64Counter(
		"gitd.daemon.packs.rejected",
		metric.WithDescription("Uploaded packs that could not be read or stored"),
	)
	logMetricInitError(logger, "gitd.daemon.packs.rejected", err)

	return m
}

func (m *daemonMetrics) sessionStarted(ctx context.Context) {
	if m == nil || m.active == nil {
		return
	}
	m.active.Add(ctx, 1)
}

func (m *daemonMetrics) sessionEnded(ctx context.Context, service, result string) {
	if m == nil {
		return
	}
	if m.active != nil {
		m.active.Add(ctx, -1)
	}
	if m.sessions != nil {
		m.sessions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("gitd.service", service),
			attribute.String("gitd.result", result),
		))
	}
}

func (m *daemonMetrics) packRejected(ctx context.Context) {
	if m == nil || m.packs == nil {
		return
	}
	m.packs.Add(ctx, 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
