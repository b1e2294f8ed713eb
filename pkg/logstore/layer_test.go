package logstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

// runLayerSuite exercises the IndexedLayer contract against any backend.
func runLayerSuite(t *testing.T, layer IndexedLayer, w oplog.WorkerID) {
	t.Helper()
	ctx := context.Background()

	ok, err := layer.Exists(ctx, w)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = layer.Last(ctx, w)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, layer.AppendBatch(ctx, w, sampleRecords(t, 0, 5)))
	require.NoError(t, layer.AppendBatch(ctx, w, sampleRecords(t, 5, 5)))

	last, ok, err := layer.Last(ctx, w)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, oplog.Index(9), last)

	got, err := layer.Read(ctx, w, 3, 4)
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, oplog.Index(3), got[0].Index)
	require.Equal(t, oplog.Index(6), got[3].Index)
	require.True(t, got[0].Timestamp.Equal(baseTime.Add(3*time.Second)))

	all, err := layer.Read(ctx, w, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 10)

	n, err := layer.Count(ctx, w)
	require.NoError(t, err)
	require.Equal(t, 10, n)

	require.NoError(t, layer.SetBoundary(ctx, w, 4))
	require.NoError(t, layer.DeleteBelow(ctx, w, 4))
	b, err := layer.Boundary(ctx, w)
	require.NoError(t, err)
	require.Equal(t, oplog.Index(4), b)
	got, err = layer.Read(ctx, w, 0, 0)
	require.NoError(t, err)
	require.Equal(t, oplog.Index(4), got[0].Index)

	require.NoError(t, layer.DeleteFrom(ctx, w, 8))
	last, _, err = layer.Last(ctx, w)
	require.NoError(t, err)
	require.Equal(t, oplog.Index(7), last)

	workers, err := layer.Workers(ctx)
	require.NoError(t, err)
	require.Contains(t, workers, w)

	require.NoError(t, layer.DeleteWorker(ctx, w))
	ok, err = layer.Exists(ctx, w)
	require.NoError(t, err)
	require.False(t, ok)
	b, err = layer.Boundary(ctx, w)
	require.NoError(t, err)
	require.Equal(t, oplog.InitialIndex, b)
}

func TestMemoryLayer(t *testing.T) {
	runLayerSuite(t, NewMemoryLayer(), oplog.WorkerID{ComponentID: "cart", WorkerName: "user-1"})
}

func TestSQLiteLayer(t *testing.T) {
	layer, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "oplog.db"))
	require.NoError(t, err)
	defer func() { _ = layer.Close() }()

	runLayerSuite(t, layer, oplog.WorkerID{ComponentID: "cart", WorkerName: "user-1"})
}

func TestSQLiteLayer_DuplicateIndexRejected(t *testing.T) {
	ctx := context.Background()
	layer, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "oplog.db"))
	require.NoError(t, err)
	defer func() { _ = layer.Close() }()

	w := oplog.WorkerID{ComponentID: "cart", WorkerName: "user-1"}
	require.NoError(t, layer.AppendBatch(ctx, w, sampleRecords(t, 0, 3)))

	// The whole batch is rejected, including the new index 3.
	require.Error(t, layer.AppendBatch(ctx, w, sampleRecords(t, 2, 2)))
	n, err := layer.Count(ctx, w)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

// TestRedisLayer_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisLayer_Integration(t *testing.T) {
	layer := NewRedisLayer("localhost:6379", "", 0)
	defer func() { _ = layer.Close() }()
	if err := layer.Ping(context.Background()); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	w := oplog.WorkerID{ComponentID: "logstore-test", WorkerName: time.Now().Format("20060102150405.000000000")}
	defer func() { _ = layer.DeleteWorker(context.Background(), w) }()
	runLayerSuite(t, layer, w)
}

func TestRedisMember_RoundTrip(t *testing.T) {
	rec := Record{Index: 42, Timestamp: baseTime, Data: []byte(`{"x":1}`)}
	got, err := decodeMember(encodeMember(rec))
	require.NoError(t, err)
	require.Equal(t, rec.Index, got.Index)
	require.True(t, rec.Timestamp.Equal(got.Timestamp))
	require.Equal(t, rec.Data, got.Data)

	_, err = decodeMember("short")
	require.Error(t, err)
}
