package transaction

import (
	"go.opentelemetry.io/otel/metric"
)

// managerMetrics holds the metric instruments of the transaction manager.
type managerMetrics struct {
	begun          metric.Int64Counter
	committed      metric.Int64Counter
	aborted        metric.Int64Counter
	conflicts      metric.Int64Counter
	active         metric.Int64UpDownCounter
	commitDuration metric.Float64Histogram
	recovered      metric.Int64Counter
}

func newManagerMetrics(meter metric.Meter) (*managerMetrics, error) {
	begun, err := meter.Int64Counter(
		"versiondb.txn.begun_total",
		metric.WithDescription("Total number of transactions started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	committed, err := meter.Int64Counter(
		"versiondb.txn.committed_total",
		metric.WithDescription("Total number of transactions committed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	aborted, err := meter.Int64Counter(
		"versiondb.txn.aborted_total",
		metric.WithDescription("Total number of transactions aborted, by reason."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	conflicts, err := meter.Int64Counter(
		"versiondb.txn.conflicts_total",
		metric.WithDescription("Write conflicts detected, by detection layer."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter(
		"versiondb.txn.active",
		metric.WithDescription("Number of active transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	commitDuration, err := meter.Float64Histogram(
		"versiondb.txn.commit.duration",
		metric.WithDescription("Latency of commit calls."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	recovered, err := meter.Int64Counter(
		"versiondb.txn.recovered_total",
		metric.WithDescription("Pending commit intents resolved by recovery, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	return &managerMetrics{
		begun:          begun,
		committed:      committed,
		aborted:        aborted,
		conflicts:      conflicts,
		active:         active,
		commitDuration: commitDuration,
		recovered:      recovered,
	}, nil
}
