package convergence

import (
	"go.opentelemetry.io/otel/metric"
)

type nodeMetrics struct {
	commits       metric.Int64Counter
	records       metric.Int64Counter
	pushes        metric.Int64Counter
	roundDuration metric.Float64Histogram
}

func newNodeMetrics(meter metric.Meter) (*nodeMetrics, error) {
	commits, err := meter.Int64Counter(
		"versiondb.convergence.commits_total",
		metric.WithDescription("Local commits, by path (fast or serialized)."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	records, err := meter.Int64Counter(
		"versiondb.gossip.records_total",
		metric.WithDescription("Commit records received over gossip, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	pushes, err := meter.Int64Counter(
		"versiondb.gossip.pushes_total",
		metric.WithDescription("Gossip pushes to peers, by result."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	roundDuration, err := meter.Float64Histogram(
		"versiondb.gossip.round.duration",
		metric.WithDescription("Duration of a gossip round across all peers."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return &nodeMetrics{
		commits:       commits,
		records:       records,
		pushes:        pushes,
		roundDuration: roundDuration,
	}, nil
}
