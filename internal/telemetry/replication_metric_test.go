package internaltelemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fakePositions struct {
	local, apply, commit int64
}

func (f fakePositions) LocalLastLeft() int64  { return f.local }
func (f fakePositions) ApplyLastLeft() int64  { return f.apply }
func (f fakePositions) CommitLastLeft() int64 { return f.commit }

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func TestReplicationMetrics_CountersIncrement(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("test")

	rm, err := NewReplicationMetrics(meter, fakePositions{local: 5, apply: 7, commit: 9})
	require.NoError(t, err)

	rm.ReplicatedCounter.Add(context.Background(), 3)
	rm.CertFailuresCounter.Add(context.Background(), 1)

	data := collect(t, reader)

	replicated, ok := findMetric(data, "gojodb.replication.replicated_total")
	require.True(t, ok)
	sum, ok := replicated.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	require.Equal(t, int64(3), sum.DataPoints[0].Value)

	certFailures, ok := findMetric(data, "gojodb.replication.cert_failures_total")
	require.True(t, ok)
	sum, ok = certFailures.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Equal(t, int64(1), sum.DataPoints[0].Value)
}

func TestReplicationMetrics_LastLeftGaugesReflectPositionsSource(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("test")

	_, err := NewReplicationMetrics(meter, fakePositions{local: 5, apply: 7, commit: 9})
	require.NoError(t, err)

	data := collect(t, reader)

	localGauge, ok := findMetric(data, "gojodb.replication.local_monitor.last_left")
	require.True(t, ok)
	gauge, ok := localGauge.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Equal(t, int64(5), gauge.DataPoints[0].Value)

	commitGauge, ok := findMetric(data, "gojodb.replication.commit_monitor.last_left")
	require.True(t, ok)
	gauge, ok = commitGauge.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Equal(t, int64(9), gauge.DataPoints[0].Value)
}

func TestReplicationMetrics_SinkMethodsDriveTheirCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("test")

	rm, err := NewReplicationMetrics(meter, nil)
	require.NoError(t, err)

	ctx := context.Background()
	rm.Replicated(ctx)
	rm.LocalCommit(ctx)
	rm.LocalRollback(ctx)
	rm.CertFailure(ctx)
	rm.BFAborted(ctx)
	rm.Replayed(ctx)
	rm.CertificationLatency(ctx, 42)

	data := collect(t, reader)

	for _, tc := range []struct {
		metric string
		want   int64
	}{
		{"gojodb.replication.replicated_total", 1},
		{"gojodb.replication.local_commits_total", 1},
		{"gojodb.replication.local_rollbacks_total", 1},
		{"gojodb.replication.cert_failures_total", 1},
		{"gojodb.replication.bf_aborts_total", 1},
		{"gojodb.replication.replays_total", 1},
	} {
		m, ok := findMetric(data, tc.metric)
		require.True(t, ok, "missing metric %s", tc.metric)
		sum, ok := m.Data.(metricdata.Sum[int64])
		require.True(t, ok, "metric %s is not a counter", tc.metric)
		require.Equal(t, tc.want, sum.DataPoints[0].Value)
	}

	latency, ok := findMetric(data, "gojodb.replication.certification.duration")
	require.True(t, ok)
	hist, ok := latency.Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Equal(t, uint64(1), hist.DataPoints[0].Count)
	require.Equal(t, int64(42), hist.DataPoints[0].Sum)
}

func TestReplicationMetrics_NilPositionsSkipsGaugeRegistrationWithoutError(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("test")

	rm, err := NewReplicationMetrics(meter, nil)
	require.NoError(t, err)
	require.NotNil(t, rm.ReplicatedCounter)
}
