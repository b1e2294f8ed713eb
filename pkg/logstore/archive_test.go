package logstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-durable/pkg/blob"
	"github.com/Mindburn-Labs/helm-durable/pkg/compress"
	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

func newArchive(t *testing.T, typ compress.Type) (*BlobArchive, blob.Store) {
	t.Helper()
	store, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	codec, err := compress.New(typ)
	require.NoError(t, err)
	return NewBlobArchive(store, codec), store
}

func TestBlobArchive_WriteReadChunk(t *testing.T) {
	for _, typ := range []compress.Type{compress.None, compress.Snappy, compress.LZ4, compress.Zstd} {
		t.Run(string(typ), func(t *testing.T) {
			ctx := context.Background()
			a, _ := newArchive(t, typ)
			w := oplog.WorkerID{ComponentID: "cart", WorkerName: "user-1"}

			first, err := a.WriteChunk(ctx, w, sampleRecords(t, 0, 4))
			require.NoError(t, err)
			require.Equal(t, "cart/user-1/00000000000000000000-00000000000000000003.chunk", first.Key)
			_, err = a.WriteChunk(ctx, w, sampleRecords(t, 4, 3))
			require.NoError(t, err)

			ok, err := a.HasChunk(ctx, w, first)
			require.NoError(t, err)
			require.True(t, ok)

			chunks, err := a.Chunks(ctx, w)
			require.NoError(t, err)
			require.Len(t, chunks, 2)
			require.Equal(t, oplog.Index(4), chunks[1].First)
			require.Equal(t, oplog.Index(6), chunks[1].Last)

			records, err := a.ReadChunk(ctx, w, chunks[1])
			require.NoError(t, err)
			require.Len(t, records, 3)
			e, err := oplog.Decode(records[2].Data)
			require.NoError(t, err)
			require.Equal(t, oplog.Index(6), e.Index)
			require.True(t, records[0].Timestamp.Equal(sampleEntries(5)[4].Timestamp))
		})
	}
}

func TestBlobArchive_ReadsChunksWrittenWithAnotherCodec(t *testing.T) {
	ctx := context.Background()
	store, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	zstd, err := compress.New(compress.Zstd)
	require.NoError(t, err)
	lz4, err := compress.New(compress.LZ4)
	require.NoError(t, err)

	w := oplog.WorkerID{ComponentID: "cart", WorkerName: "user-1"}
	chunk, err := NewBlobArchive(store, zstd).WriteChunk(ctx, w, sampleRecords(t, 0, 3))
	require.NoError(t, err)

	records, err := NewBlobArchive(store, lz4).ReadChunk(ctx, w, chunk)
	require.NoError(t, err)
	require.Len(t, records, 3)
}

func TestBlobArchive_CorruptChunkIsIntegrityError(t *testing.T) {
	ctx := context.Background()
	a, store := newArchive(t, compress.None)
	w := oplog.WorkerID{ComponentID: "cart", WorkerName: "user-1"}

	chunk, err := a.WriteChunk(ctx, w, sampleRecords(t, 0, 3))
	require.NoError(t, err)

	data, err := store.Get(ctx, chunk.Key)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, store.Put(ctx, chunk.Key, data))

	_, err = a.ReadChunk(ctx, w, chunk)
	require.True(t, oplog.IsIntegrity(err))
	require.ErrorIs(t, err, oplog.ErrChecksumMismatch)

	require.NoError(t, store.Delete(ctx, chunk.Key))
	_, err = a.ReadChunk(ctx, w, chunk)
	require.True(t, oplog.IsIntegrity(err))
}

func TestBlobArchive_RejectsGaps(t *testing.T) {
	a, _ := newArchive(t, compress.None)
	recs := append(sampleRecords(t, 0, 2), sampleRecords(t, 3, 1)...)
	_, err := a.WriteChunk(context.Background(), oplog.WorkerID{ComponentID: "c", WorkerName: "w"}, recs)
	require.ErrorIs(t, err, oplog.ErrOutOfOrder)
}

func TestParseChunkKey(t *testing.T) {
	info, ok := parseChunkKey("c/w/", "c/w/00000000000000000010-00000000000000000019.chunk")
	require.True(t, ok)
	require.Equal(t, oplog.Index(10), info.First)
	require.Equal(t, oplog.Index(19), info.Last)

	_, ok = parseChunkKey("c/w/", "c/w/nested/00000000000000000010-00000000000000000019.chunk")
	require.False(t, ok)
	_, ok = parseChunkKey("c/w/", "c/w/manifest.json")
	require.False(t, ok)
}
