package logstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/Mindburn-Labs/helm-durable/pkg/blob"
	"github.com/Mindburn-Labs/helm-durable/pkg/compress"
	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

// Chunk layout: magic, version, codec name, blake2b-256 of the raw body, then
// the compressed body. The raw body is a sequence of
// (uvarint index, varint unix nanos, uvarint length, bytes).
var chunkMagic = []byte("OPLC")

const (
	chunkVersion = 1
	chunkSuffix  = ".chunk"
)

// BlobArchive implements ArchivalLayer over a blob.Store. Chunks are named
// <component>/<worker>/<first>-<last>.chunk with zero-padded indices, so a
// prefix listing yields them in index order.
type BlobArchive struct {
	store blob.Store
	codec compress.Compressor
}

func NewBlobArchive(store blob.Store, codec compress.Compressor) *BlobArchive {
	return &BlobArchive{store: store, codec: codec}
}

func (a *BlobArchive) Name() string { return "archive" }

func workerPrefix(w oplog.WorkerID) string {
	return w.ComponentID + "/" + w.WorkerName + "/"
}

func chunkKey(w oplog.WorkerID, first, last oplog.Index) string {
	return fmt.Sprintf("%s%020d-%020d%s", workerPrefix(w), uint64(first), uint64(last), chunkSuffix)
}

func parseChunkKey(prefix, key string) (ChunkInfo, bool) {
	name := strings.TrimSuffix(strings.TrimPrefix(key, prefix), chunkSuffix)
	if name == key || strings.Contains(name, "/") {
		return ChunkInfo{}, false
	}
	firstStr, lastStr, ok := strings.Cut(name, "-")
	if !ok {
		return ChunkInfo{}, false
	}
	first, err1 := strconv.ParseUint(firstStr, 10, 64)
	last, err2 := strconv.ParseUint(lastStr, 10, 64)
	if err1 != nil || err2 != nil || last < first {
		return ChunkInfo{}, false
	}
	return ChunkInfo{First: oplog.Index(first), Last: oplog.Index(last), Key: key}, true
}

func (a *BlobArchive) WriteChunk(ctx context.Context, worker oplog.WorkerID, records []Record) (ChunkInfo, error) {
	if len(records) == 0 {
		return ChunkInfo{}, errors.New("write chunk: no records")
	}
	var raw bytes.Buffer
	var scratch [binary.MaxVarintLen64]byte
	for i, r := range records {
		if i > 0 && r.Index != records[i-1].Index.Next() {
			return ChunkInfo{}, fmt.Errorf("write chunk: %w: %d follows %d", oplog.ErrOutOfOrder, r.Index, records[i-1].Index)
		}
		raw.Write(scratch[:binary.PutUvarint(scratch[:], uint64(r.Index))])
		raw.Write(scratch[:binary.PutVarint(scratch[:], r.Timestamp.UnixNano())])
		raw.Write(scratch[:binary.PutUvarint(scratch[:], uint64(len(r.Data)))])
		raw.Write(r.Data)
	}

	body, err := a.codec.Compress(raw.Bytes())
	if err != nil {
		return ChunkInfo{}, fmt.Errorf("write chunk: %w", err)
	}
	digest := blake2b.Sum256(raw.Bytes())
	codecName := string(a.codec.Type())

	var out bytes.Buffer
	out.Write(chunkMagic)
	out.WriteByte(chunkVersion)
	out.WriteByte(byte(len(codecName)))
	out.WriteString(codecName)
	out.Write(digest[:])
	out.Write(body)

	info := ChunkInfo{
		First: records[0].Index,
		Last:  records[len(records)-1].Index,
	}
	info.Key = chunkKey(worker, info.First, info.Last)
	if err := a.store.Put(ctx, info.Key, out.Bytes()); err != nil {
		return ChunkInfo{}, oplog.Transient("archive write", err)
	}
	return info, nil
}

func (a *BlobArchive) HasChunk(ctx context.Context, _ oplog.WorkerID, chunk ChunkInfo) (bool, error) {
	ok, err := a.store.Exists(ctx, chunk.Key)
	if err != nil {
		return false, oplog.Transient("archive exists", err)
	}
	return ok, nil
}

func (a *BlobArchive) Chunks(ctx context.Context, worker oplog.WorkerID) ([]ChunkInfo, error) {
	prefix := workerPrefix(worker)
	keys, err := a.store.List(ctx, prefix)
	if err != nil {
		return nil, oplog.Transient("archive list", err)
	}
	out := make([]ChunkInfo, 0, len(keys))
	for _, k := range keys {
		if info, ok := parseChunkKey(prefix, k); ok {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].First != out[j].First {
			return out[i].First < out[j].First
		}
		return out[i].Last < out[j].Last
	})
	return out, nil
}

func (a *BlobArchive) ReadChunk(ctx context.Context, worker oplog.WorkerID, chunk ChunkInfo) ([]Record, error) {
	data, err := a.store.Get(ctx, chunk.Key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, &oplog.IntegrityError{Worker: worker, Index: chunk.First, Err: fmt.Errorf("archived chunk %s missing", chunk.Key)}
		}
		return nil, oplog.Transient("archive read", err)
	}
	records, err := a.decodeChunk(data)
	if err != nil {
		return nil, &oplog.IntegrityError{Worker: worker, Index: chunk.First, Err: fmt.Errorf("chunk %s: %w", chunk.Key, err)}
	}
	if len(records) == 0 || records[0].Index != chunk.First || records[len(records)-1].Index != chunk.Last {
		return nil, &oplog.IntegrityError{Worker: worker, Index: chunk.First, Err: fmt.Errorf("chunk %s content does not match its name", chunk.Key)}
	}
	return records, nil
}

func (a *BlobArchive) decodeChunk(data []byte) ([]Record, error) {
	r := bytes.NewReader(data)
	magic := make([]byte, len(chunkMagic))
	if _, err := io.ReadFull(r, magic); err != nil || !bytes.Equal(magic, chunkMagic) {
		return nil, errors.New("bad chunk magic")
	}
	version, err := r.ReadByte()
	if err != nil || version != chunkVersion {
		return nil, fmt.Errorf("unsupported chunk version %d", version)
	}
	nameLen, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, err
	}
	var digest [blake2b.Size256]byte
	if _, err := io.ReadFull(r, digest[:]); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	codec := a.codec
	if compress.Type(name) != codec.Type() {
		codec, err = compress.New(compress.Type(name))
		if err != nil {
			return nil, err
		}
	}
	raw, err := codec.Decompress(body)
	if err != nil {
		return nil, err
	}
	if blake2b.Sum256(raw) != digest {
		return nil, oplog.ErrChecksumMismatch
	}

	var out []Record
	br := bytes.NewReader(raw)
	for br.Len() > 0 {
		idx, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, err
		}
		ts, err := binary.ReadVarint(br)
		if err != nil {
			return nil, err
		}
		n, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, err
		}
		if n > uint64(br.Len()) {
			return nil, io.ErrUnexpectedEOF
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(br, payload); err != nil {
			return nil, err
		}
		out = append(out, Record{Index: oplog.Index(idx), Timestamp: time.Unix(0, ts).UTC(), Data: payload})
	}
	return out, nil
}

func (a *BlobArchive) DeleteChunk(ctx context.Context, _ oplog.WorkerID, chunk ChunkInfo) error {
	if err := a.store.Delete(ctx, chunk.Key); err != nil {
		return oplog.Transient("archive delete", err)
	}
	return nil
}
