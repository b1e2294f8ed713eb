// Package logstore persists worker oplogs across two tiers: a fast indexed
// layer holding the recent tail of every log and an archival layer holding
// compressed, immutable chunks of older entries. The Store façade merges the
// tiers so readers see one contiguous log per worker.
package logstore

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

// Record is one encoded entry as the layers store it. Timestamp is kept
// alongside the bytes so retention can age entries without decoding them.
type Record struct {
	Index     oplog.Index
	Timestamp time.Time
	Data      []byte
}

// IndexedLayer holds the recent part of every worker's log.
//
// Every layer keeps a per-worker boundary: the first index it is responsible
// for. Everything below the boundary lives in the archival layer.
type IndexedLayer interface {
	// AppendBatch stores records atomically: either all become visible or none.
	AppendBatch(ctx context.Context, worker oplog.WorkerID, records []Record) error
	// Read returns up to max records with Index >= from, ordered by index.
	Read(ctx context.Context, worker oplog.WorkerID, from oplog.Index, max int) ([]Record, error)
	// Last returns the highest stored index; ok is false when the layer holds
	// no records for the worker.
	Last(ctx context.Context, worker oplog.WorkerID) (idx oplog.Index, ok bool, err error)
	// DeleteBelow removes records with Index < idx.
	DeleteBelow(ctx context.Context, worker oplog.WorkerID, idx oplog.Index) error
	// DeleteFrom removes records with Index >= idx.
	DeleteFrom(ctx context.Context, worker oplog.WorkerID, idx oplog.Index) error
	Boundary(ctx context.Context, worker oplog.WorkerID) (oplog.Index, error)
	SetBoundary(ctx context.Context, worker oplog.WorkerID, idx oplog.Index) error
	Count(ctx context.Context, worker oplog.WorkerID) (int, error)
	// Exists reports whether the worker has records or a boundary.
	Exists(ctx context.Context, worker oplog.WorkerID) (bool, error)
	Workers(ctx context.Context) ([]oplog.WorkerID, error)
	DeleteWorker(ctx context.Context, worker oplog.WorkerID) error
	Name() string
}

// ChunkInfo describes one archived chunk.
type ChunkInfo struct {
	First oplog.Index
	Last  oplog.Index
	Key   string
}

// ArchivalLayer holds immutable chunks of older entries.
type ArchivalLayer interface {
	// WriteChunk stores a contiguous run of records as one chunk.
	WriteChunk(ctx context.Context, worker oplog.WorkerID, records []Record) (ChunkInfo, error)
	// HasChunk verifies that a chunk is durably readable.
	HasChunk(ctx context.Context, worker oplog.WorkerID, chunk ChunkInfo) (bool, error)
	// Chunks lists a worker's chunks ordered by First.
	Chunks(ctx context.Context, worker oplog.WorkerID) ([]ChunkInfo, error)
	ReadChunk(ctx context.Context, worker oplog.WorkerID, chunk ChunkInfo) ([]Record, error)
	DeleteChunk(ctx context.Context, worker oplog.WorkerID, chunk ChunkInfo) error
	Name() string
}
