package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "helm-durable", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	ctx, finish := p.TrackOperation(context.Background(), "oplog.append", WorkerOperation("cart/user-1", 4)...)
	require.NotNil(t, ctx)
	finish(errors.New("boom"))
	p.RecordCommit(ctx, 3, false)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProviderIsNoop(t *testing.T) {
	var p *Provider
	ctx, finish := p.TrackOperation(context.Background(), "oplog.append")
	require.NotNil(t, ctx)
	finish(errors.New("ignored"))
	p.RecordEntries(ctx, 3)
	p.RecordCommit(ctx, 3, true)
	require.NotNil(t, p.Tracer())
	require.NoError(t, p.Shutdown(ctx))
}

func TestErrorClass(t *testing.T) {
	cases := map[string]error{
		"":           nil,
		"cancelled":  fmt.Errorf("read: %w", context.Canceled),
		"divergence": fmt.Errorf("replay: %w", oplog.ErrDivergence),
		"integrity":  &oplog.IntegrityError{Worker: oplog.WorkerID{ComponentID: "c", WorkerName: "w"}, Err: oplog.ErrOutOfOrder},
		"capacity":   &oplog.CapacityError{Limit: 5, Actual: 10, Err: oplog.ErrPayloadTooLarge},
		"transient":  oplog.Transient("append", errors.New("connection reset")),
		"other":      errors.New("boom"),
	}
	for want, err := range cases {
		require.Equal(t, want, ErrorClass(err), "%v", err)
	}
}

func metricsProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	p := &Provider{config: DefaultConfig(), logger: slog.Default()}
	require.NoError(t, p.useMeter(mp.Meter("test")))
	return p, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestTrackOperation_RecordsMetrics(t *testing.T) {
	p, reader := metricsProvider(t)
	ctx := context.Background()

	_, finish := p.TrackOperation(ctx, "oplog.append", AttrWorker.String("cart/user-1"))
	finish(nil)
	_, finish = p.TrackOperation(ctx, "oplog.append", AttrWorker.String("cart/user-1"))
	finish(oplog.Transient("append", errors.New("reset")))
	p.RecordEntries(ctx, 5, AttrOperation.String("append"))
	p.RecordCommit(ctx, 5, false)

	metrics := collect(t, reader)

	ops := metrics["oplog.operations.total"].Data.(metricdata.Sum[int64])
	require.Len(t, ops.DataPoints, 1)
	require.Equal(t, int64(2), ops.DataPoints[0].Value)

	failures := metrics["oplog.errors.total"].Data.(metricdata.Sum[int64])
	require.Len(t, failures.DataPoints, 1)
	class, ok := failures.DataPoints[0].Attributes.Value(AttrErrorClass)
	require.True(t, ok)
	require.Equal(t, attribute.StringValue("transient"), class)

	active := metrics["oplog.operations.active"].Data.(metricdata.Sum[int64])
	require.Equal(t, int64(0), active.DataPoints[0].Value)

	entries := metrics["oplog.entries.total"].Data.(metricdata.Sum[int64])
	require.Equal(t, int64(5), entries.DataPoints[0].Value)

	commits := metrics["oplog.commit.entries"].Data.(metricdata.Histogram[int64])
	require.Equal(t, uint64(1), commits.DataPoints[0].Count)
}
