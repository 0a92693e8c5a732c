package leader

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type nodeMetrics struct {
	proposals    metric.Int64Counter
	elections    metric.Int64Counter
	stepDowns    metric.Int64Counter
	replicaFails metric.Int64Counter
	applies      metric.Int64Counter
}

func newNodeMetrics(logger pslog.Logger) *nodeMetrics {
	meter := otel.Meter("pkt.systems/gitd/leader")
	m := &nodeMetrics{}
	var err error

	m.proposals, err = meter.Int64Counter(
		"gitd.leader.proposals",
		metric.WithDescription("Write proposals by outcome"),
	)
	logMetricInitError(logger, "gitd.leader.proposals", err)

	m.elections, err = meter.Int64Counter(
		"gitd.leader.elections",
		metric.WithDescription("Election rounds by result"),
	)
	logMetricInitError(logger, "gitd.leader.elections", err)

	m.stepDowns, err = meter.Int64Counter(
		"gitd.leader.step_downs",
		metric.WithDescription("Times a leader gave up its lease"),
	)
	logMetricInitError(logger, "gitd.leader.step_downs", err)

	m.replicaFails, err = meter.Int64Counter(
		"gitd.leader.replication.failures",
		metric.WithDescription("Follower replication attempts that did not ack"),
	)
	logMetricInitError(logger, "gitd.leader.replication.failures", err)

	m.applies, err = meter.Int64Counter(
		"gitd.follower.applies",
		metric.WithDescription("Replicated writes applied or refused on this node"),
	)
	logMetricInitError(logger, "gitd.follower.applies", err)

	return m
}

func (m *nodeMetrics) recordProposal(ctx context.Context, outcome Outcome) {
	if m == nil || m.proposals == nil {
		return
	}
	m.proposals.Add(ctx, 1, metric.WithAttributes(attribute.String("gitd.leader.outcome", outcome.String())))
}

func (m *nodeMetrics) recordElection(ctx context.Context, won bool) {
	if m == nil || m.elections == nil {
		return
	}
	result := "lost"
	if won {
		result = "won"
	}
	m.elections.Add(ctx, 1, metric.WithAttributes(attribute.String("gitd.leader.result", result)))
}

func (m *nodeMetrics) recordStepDown(ctx context.Context) {
	if m == nil || m.stepDowns == nil {
		return
	}
	m.stepDowns.Add(ctx, 1)
}

func (m *nodeMetrics) recordReplicaFailure(ctx context.Context, peer, reason string) {
	if m == nil || m.replicaFails == nil {
		return
	}
	m.replicaFails.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gitd.leader.peer", peer),
		attribute.String("gitd.leader.reason", reason),
	))
}

func (m *nodeMetrics) recordApply(ctx context.Context, result string) {
	if m == nil || m.applies == nil {
		return
	}
	m.applies.Add(ctx, 1, metric.WithAttributes(attribute.String("gitd.follower.result", result)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
