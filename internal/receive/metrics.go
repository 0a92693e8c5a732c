package receive

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type receiveMetrics struct {
	pushes metric.Int64Counter
}

var (
	metricsOnce sync.Once
	metricsInst *receiveMetrics
)

func defaultMetrics(logger pslog.Logger) *receiveMetrics {
	metricsOnce.Do(func() {
		meter := otel.Meter("pkt.systems/gitd/receive")
		counter, err := meter.Int64Counter(
			"gitd.receive.gated_pushes",
			metric.WithDescription("Leader-gated pushes by outcome"),
		)
		if err != nil && logger != nil {
			logger.Warn("telemetry.metric.init_failed", "name", "gitd.receive.gated_pushes", "error", err)
		}
		metricsInst = &receiveMetrics{pushes: counter}
	})
	return metricsInst
}

func (m *receiveMetrics) record(ctx context.Context, outcome string) {
	if m == nil || m.pushes == nil {
		return
	}
	m.pushes.Add(ctx, 1, metric.WithAttributes(attribute.String("gitd.outcome", outcome)))
}
