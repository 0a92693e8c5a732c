package leadercache

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type cacheMetrics struct {
	actors        metric.Int64ObservableGauge
	lookups       metric.Int64Counter
	constructions metric.Int64Counter
	invalidations metric.Int64Counter
}

func newCacheMetrics(logger pslog.Logger, cache *Cache) *cacheMetrics {
	meter := otel.Meter("pkt.systems/gitd/leadercache")
	m := &cacheMetrics{}
	var err error

	m.actors, err = meter.Int64ObservableGauge(
		"gitd.leadercache.actors",
		metric.WithDescription("Live leader actors"),
	)
	logMetricInitError(logger, "gitd.leadercache.actors", err)

	m.lookups, err = meter.Int64Counter(
		"gitd.leadercache.lookups",
		metric.WithDescription("Leader lookups by result (hit, miss)"),
	)
	logMetricInitError(logger, "gitd.leadercache.lookups", err)

	m.constructions, err = meter.Int64Counter(
		"gitd.leadercache.constructions",
		metric.WithDescription("Leader actor constructions by result"),
	)
	logMetricInitError(logger, "gitd.leadercache.constructions", err)

	m.invalidations, err = meter.Int64Counter(
		"gitd.leadercache.invalidations",
		metric.WithDescription("Leader actors dropped from the cache by reason"),
	)
	logMetricInitError(logger, "gitd.leadercache.invalidations", err)

	if m.actors != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			if cache != nil {
				o.ObserveInt64(m.actors, int64(cache.Len()))
			}
			return nil
		}, m.actors); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "gitd.leadercache.actors", "error", err)
		}
	}
	return m
}

func (m *cacheMetrics) recordLookup(ctx context.Context, result string) {
	if m == nil || m.lookups == nil {
		return
	}
	m.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("gitd.result", result)))
}

func (m *cacheMetrics) recordConstruction(ctx context.Context, result string) {
	if m == nil || m.constructions == nil {
		return
	}
	m.constructions.Add(ctx, 1, metric.WithAttributes(attribute.String("gitd.result", result)))
}

func (m *cacheMetrics) recordInvalidation(ctx context.Context, reason string) {
	if m == nil || m.invalidations == nil {
		return
	}
	m.invalidations.Add(ctx, 1, metric.WithAttributes(attribute.String("gitd.reason", reason)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
