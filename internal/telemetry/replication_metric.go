package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// MonitorPositions is the minimal read-only view the replication metrics
// need from a running pipeline to publish last_left gauges, so this
// package never imports core/replication/pipeline directly.
type MonitorPositions interface {
	LocalLastLeft() int64
	ApplyLastLeft() int64
	CommitLastLeft() int64
}

// ReplicationMetrics holds the metric instruments for the replication
// pipeline, mirroring GrpcGatewayMetrics's shape: one struct of
// pre-registered instruments built once at startup and threaded through
// the code that drives the counters.
type ReplicationMetrics struct {
	ReplicatedCounter     metric.Int64Counter
	LocalCommitsCounter   metric.Int64Counter
	LocalRollbacksCounter metric.Int64Counter
	CertFailuresCounter   metric.Int64Counter
	BFAbortsCounter       metric.Int64Counter
	ReplaysCounter        metric.Int64Counter

	CertificationLatencyHistogram metric.Int64Histogram

	localLastLeft  metric.Int64ObservableGauge
	applyLastLeft  metric.Int64ObservableGauge
	commitLastLeft metric.Int64ObservableGauge
}

// NewReplicationMetrics creates and registers all the replication
// pipeline metrics against meter. positions is polled on every
// collection to publish the three monitors' last_left gauges; it may be
// nil if the caller only wants the counters and histogram (e.g. a test
// harness with no live pipeline).
func NewReplicationMetrics(meter metric.Meter, positions MonitorPositions) (*ReplicationMetrics, error) {
	replicatedCounter, err := meter.Int64Counter(
		"gojodb.replication.replicated_total",
		metric.WithDescription("Total number of transactions submitted for total-order replication."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	localCommitsCounter, err := meter.Int64Counter(
		"gojodb.replication.local_commits_total",
		metric.WithDescription("Total number of transactions committed through the pipeline."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	localRollbacksCounter, err := meter.Int64Counter(
		"gojodb.replication.local_rollbacks_total",
		metric.WithDescription("Total number of transactions rolled back after certification or apply."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	certFailuresCounter, err := meter.Int64Counter(
		"gojodb.replication.cert_failures_total",
		metric.WithDescription("Total number of transactions that failed certification."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	bfAbortsCounter, err := meter.Int64Counter(
		"gojodb.replication.bf_aborts_total",
		metric.WithDescription("Total number of transactions brute-force aborted by a higher-priority local trx."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	replaysCounter, err := meter.Int64Counter(
		"gojodb.replication.replays_total",
		metric.WithDescription("Total number of transactions replayed after a brute-force abort."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	certificationLatencyHistogram, err := meter.Int64Histogram(
		"gojodb.replication.certification.duration",
		metric.WithDescription("Latency of certification index lookups against the write-set conflict window."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	rm := &ReplicationMetrics{
		ReplicatedCounter:             replicatedCounter,
		LocalCommitsCounter:           localCommitsCounter,
		LocalRollbacksCounter:         localRollbacksCounter,
		CertFailuresCounter:           certFailuresCounter,
		BFAbortsCounter:               bfAbortsCounter,
		ReplaysCounter:                replaysCounter,
		CertificationLatencyHistogram: certificationLatencyHistogram,
	}

	localLastLeft, err := meter.Int64ObservableGauge(
		"gojodb.replication.local_monitor.last_left",
		metric.WithDescription("Highest contiguous seqno that has left the local (certification) monitor."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	applyLastLeft, err := meter.Int64ObservableGauge(
		"gojodb.replication.apply_monitor.last_left",
		metric.WithDescription("Highest contiguous seqno that has left the apply monitor."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	commitLastLeft, err := meter.Int64ObservableGauge(
		"gojodb.replication.commit_monitor.last_left",
		metric.WithDescription("Highest contiguous seqno that has left the commit monitor."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	rm.localLastLeft = localLastLeft
	rm.applyLastLeft = applyLastLeft
	rm.commitLastLeft = commitLastLeft

	if positions != nil {
		_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(rm.localLastLeft, positions.LocalLastLeft())
			o.ObserveInt64(rm.applyLastLeft, positions.ApplyLastLeft())
			o.ObserveInt64(rm.commitLastLeft, positions.CommitLastLeft())
			return nil
		}, rm.localLastLeft, rm.applyLastLeft, rm.commitLastLeft)
		if err != nil {
			return nil, err
		}
	}

	return rm, nil
}

// The methods below satisfy pipeline.MetricsSink structurally, so
// Pipeline.SetMetrics can take a *ReplicationMetrics directly without
// this package importing core/replication/pipeline.

func (rm *ReplicationMetrics) Replicated(ctx context.Context)    { rm.ReplicatedCounter.Add(ctx, 1) }
func (rm *ReplicationMetrics) LocalCommit(ctx context.Context)   { rm.LocalCommitsCounter.Add(ctx, 1) }
func (rm *ReplicationMetrics) LocalRollback(ctx context.Context) { rm.LocalRollbacksCounter.Add(ctx, 1) }
func (rm *ReplicationMetrics) CertFailure(ctx context.Context)   { rm.CertFailuresCounter.Add(ctx, 1) }
func (rm *ReplicationMetrics) BFAborted(ctx context.Context)     { rm.BFAbortsCounter.Add(ctx, 1) }
func (rm *ReplicationMetrics) Replayed(ctx context.Context)      { rm.ReplaysCounter.Add(ctx, 1) }

func (rm *ReplicationMetrics) CertificationLatency(ctx context.Context, micros int64) {
	rm.CertificationLatencyHistogram.Record(ctx, micros)
}
