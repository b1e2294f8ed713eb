package logstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/helm-durable/pkg/observability"
	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
	"github.com/Mindburn-Labs/helm-durable/pkg/retry"
)

// ErrNoArchive is returned by archival operations on a store without an
// archival layer.
var ErrNoArchive = errors.New("no archival layer configured")

// DefaultChunkSize caps the number of entries per archived chunk.
const DefaultChunkSize = 1024

type workerLocks struct {
	append  sync.Mutex
	archive sync.Mutex
}

// Store is the tiered oplog store. Appends go to the indexed layer; the
// archiver moves old entries into the archival layer; reads merge both.
type Store struct {
	indexed        IndexedLayer
	archive        ArchivalLayer
	retrier        *retry.Retrier
	obs            *observability.Provider
	logger         *slog.Logger
	maxPayloadSize int
	chunkSize      int

	mu    sync.Mutex
	locks map[oplog.WorkerID]*workerLocks
}

// Option configures a Store.
type Option func(*Store)

func WithArchive(a ArchivalLayer) Option { return func(s *Store) { s.archive = a } }

func WithRetrier(r *retry.Retrier) Option { return func(s *Store) { s.retrier = r } }

func WithObservability(p *observability.Provider) Option { return func(s *Store) { s.obs = p } }

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithMaxPayloadSize rejects entries whose encoded size exceeds n bytes.
func WithMaxPayloadSize(n int) Option { return func(s *Store) { s.maxPayloadSize = n } }

func WithChunkSize(n int) Option { return func(s *Store) { s.chunkSize = n } }

func New(indexed IndexedLayer, opts ...Option) *Store {
	s := &Store{
		indexed:   indexed,
		logger:    slog.Default().With("component", "logstore"),
		chunkSize: DefaultChunkSize,
		locks:     make(map[oplog.WorkerID]*workerLocks),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.chunkSize <= 0 {
		s.chunkSize = DefaultChunkSize
	}
	return s
}

// HasArchive reports whether an archival layer is configured.
func (s *Store) HasArchive() bool { return s.archive != nil }

func (s *Store) lock(w oplog.WorkerID) *workerLocks {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[w]
	if !ok {
		l = &workerLocks{}
		s.locks[w] = l
	}
	return l
}

func (s *Store) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if s.retrier == nil {
		return fn(ctx)
	}
	return s.retrier.Do(ctx, op, fn)
}

// NextIndex returns the index the next appended entry must carry. It is
// InitialIndex for a worker without a log.
func (s *Store) NextIndex(ctx context.Context, w oplog.WorkerID) (oplog.Index, error) {
	var next oplog.Index
	err := s.do(ctx, "next index", func(ctx context.Context) error {
		last, ok, err := s.indexed.Last(ctx, w)
		if err != nil {
			return err
		}
		if ok {
			next = last.Next()
			return nil
		}
		next, err = s.indexed.Boundary(ctx, w)
		return err
	})
	return next, err
}

// Exists reports whether the worker has a log.
func (s *Store) Exists(ctx context.Context, w oplog.WorkerID) (bool, error) {
	next, err := s.NextIndex(ctx, w)
	if err != nil {
		return false, err
	}
	return next > oplog.InitialIndex, nil
}

// Last returns the index of the newest entry; ok is false for an empty log.
func (s *Store) Last(ctx context.Context, w oplog.WorkerID) (oplog.Index, bool, error) {
	next, err := s.NextIndex(ctx, w)
	if err != nil || next == oplog.InitialIndex {
		return 0, false, err
	}
	return next.Previous(), true, nil
}

// Append commits entries as one atomic batch and returns the index of the
// last one. The first entry must carry NextIndex and the batch must be
// gap-free; a new log must start with Create.
func (s *Store) Append(ctx context.Context, w oplog.WorkerID, entries ...oplog.Entry) (last oplog.Index, err error) {
	if len(entries) == 0 {
		return 0, errors.New("append: no entries")
	}
	if err := w.Validate(); err != nil {
		return 0, err
	}
	l := s.lock(w)
	l.append.Lock()
	defer l.append.Unlock()

	ctx, done := s.obs.TrackOperation(ctx, "oplog.append",
		observability.WorkerOperation(w.String(), uint64(entries[0].Index))...)
	defer func() { done(err) }()

	next, err := s.NextIndex(ctx, w)
	if err != nil {
		return 0, err
	}
	if err := oplog.ValidateSequence(w, next, entries); err != nil {
		return 0, err
	}

	records := make([]Record, len(entries))
	for i, e := range entries {
		if err := oplog.CheckSize(e, s.maxPayloadSize); err != nil {
			return 0, err
		}
		data, err := oplog.Encode(e)
		if err != nil {
			return 0, err
		}
		records[i] = Record{Index: e.Index, Timestamp: e.Timestamp, Data: data}
	}
	last = records[len(records)-1].Index

	attempt := 0
	err = s.do(ctx, "append", func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			// A failed attempt may still have committed.
			stored, ok, err := s.indexed.Last(ctx, w)
			if err != nil {
				return err
			}
			if ok && stored >= last {
				return nil
			}
		}
		return s.indexed.AppendBatch(ctx, w, records)
	})
	if err != nil {
		return 0, fmt.Errorf("append %s at %d: %w", w, next, err)
	}
	s.obs.RecordEntries(ctx, len(records), observability.AttrOperation.String("append"))
	return last, nil
}

// ReadRange returns up to max entries starting at from, strictly decoded.
// A max of zero reads to the end of the log.
func (s *Store) ReadRange(ctx context.Context, w oplog.WorkerID, from oplog.Index, max int) ([]oplog.Entry, error) {
	return s.read(ctx, w, from, max, oplog.Decode)
}

// ReadRangeLenient is ReadRange for display paths: unknown kinds come back
// as *oplog.Unknown instead of failing.
func (s *Store) ReadRangeLenient(ctx context.Context, w oplog.WorkerID, from oplog.Index, max int) ([]oplog.Entry, error) {
	return s.read(ctx, w, from, max, oplog.DecodeLenient)
}

// ReadAll returns the whole log, strictly decoded.
func (s *Store) ReadAll(ctx context.Context, w oplog.WorkerID) ([]oplog.Entry, error) {
	return s.ReadRange(ctx, w, oplog.InitialIndex, 0)
}

// ReadPage reads count entries from the cursor position. A nil cursor starts
// at the beginning of the log. The returned cursor is nil once the end of
// the log has been reached.
func (s *Store) ReadPage(ctx context.Context, w oplog.WorkerID, cursor *Cursor, count int) ([]oplog.Entry, *Cursor, error) {
	from := oplog.InitialIndex
	if cursor != nil {
		if cursor.Worker != w {
			return nil, nil, fmt.Errorf("cursor belongs to %s, not %s", cursor.Worker, w)
		}
		from = cursor.Next
	}
	entries, err := s.ReadRangeLenient(ctx, w, from, count)
	if err != nil {
		return nil, nil, err
	}
	if len(entries) == 0 {
		return nil, nil, nil
	}
	nextIdx := entries[len(entries)-1].Index.Next()
	end, err := s.NextIndex(ctx, w)
	if err != nil {
		return nil, nil, err
	}
	if nextIdx >= end {
		return entries, nil, nil
	}
	return entries, &Cursor{Worker: w, Next: nextIdx}, nil
}

func (s *Store) read(ctx context.Context, w oplog.WorkerID, from oplog.Index, max int,
	decode func([]byte) (oplog.Entry, error),
) (entries []oplog.Entry, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "oplog.read", observability.WorkerOperation(w.String(), uint64(from))...)
	defer func() { done(err) }()

	records, err := s.readRecords(ctx, w, from, max)
	if err != nil {
		return nil, err
	}
	entries = make([]oplog.Entry, 0, len(records))
	for _, r := range records {
		e, err := decode(r.Data)
		if err != nil {
			var ie *oplog.IntegrityError
			if errors.As(err, &ie) {
				ie.Worker = w
				if ie.Index == 0 {
					ie.Index = r.Index
				}
			}
			return nil, err
		}
		if e.Index != r.Index {
			return nil, &oplog.IntegrityError{Worker: w, Index: r.Index,
				Err: fmt.Errorf("%w: stored under %d but encodes %d", oplog.ErrOutOfOrder, r.Index, e.Index)}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// readRecords merges both layers. The indexed layer is read first: archival
// copies before it deletes, so anything missing from the indexed read is
// already in the archive.
func (s *Store) readRecords(ctx context.Context, w oplog.WorkerID, from oplog.Index, max int) ([]Record, error) {
	var indexed []Record
	if err := s.do(ctx, "read", func(ctx context.Context) error {
		var err error
		indexed, err = s.indexed.Read(ctx, w, from, max)
		return err
	}); err != nil {
		return nil, err
	}

	gapEnd := from
	if len(indexed) > 0 {
		gapEnd = indexed[0].Index
	} else {
		next, err := s.NextIndex(ctx, w)
		if err != nil {
			return nil, err
		}
		gapEnd = next
	}

	var out []Record
	if from < gapEnd {
		if s.archive == nil {
			return nil, &oplog.IntegrityError{Worker: w, Index: from,
				Err: fmt.Errorf("entries [%d..%d] are not in the indexed layer and no archive is configured", from, gapEnd-1)}
		}
		archived, err := s.readArchived(ctx, w, from, gapEnd, max)
		if err != nil {
			return nil, err
		}
		out = archived
	}
	out = append(out, indexed...)
	if max > 0 && len(out) > max {
		out = out[:max]
	}

	for i, r := range out {
		if r.Index != from+oplog.Index(i) {
			return nil, &oplog.IntegrityError{Worker: w, Index: r.Index,
				Err: fmt.Errorf("%w: expected %d", oplog.ErrOutOfOrder, from+oplog.Index(i))}
		}
	}
	return out, nil
}

// readArchived returns archived records in [from, until). Chunks may
// overlap when a pass died between writing a chunk and moving the boundary;
// each index is taken from the first chunk that holds it.
func (s *Store) readArchived(ctx context.Context, w oplog.WorkerID, from, until oplog.Index, max int) ([]Record, error) {
	var chunks []ChunkInfo
	if err := s.do(ctx, "archive list", func(ctx context.Context) error {
		var err error
		chunks, err = s.archive.Chunks(ctx, w)
		return err
	}); err != nil {
		return nil, err
	}

	var out []Record
	next := from
	for _, c := range chunks {
		if c.Last < next || c.First >= until {
			continue
		}
		var records []Record
		if err := s.do(ctx, "archive read", func(ctx context.Context) error {
			var err error
			records, err = s.archive.ReadChunk(ctx, w, c)
			return err
		}); err != nil {
			return nil, err
		}
		for _, r := range records {
			if r.Index >= next && r.Index < until {
				out = append(out, r)
				next = r.Index.Next()
			}
		}
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

// IndexedRecords returns up to max raw records still held by the indexed
// layer, oldest first.
func (s *Store) IndexedRecords(ctx context.Context, w oplog.WorkerID, max int) ([]Record, error) {
	var out []Record
	err := s.do(ctx, "read", func(ctx context.Context) error {
		boundary, err := s.indexed.Boundary(ctx, w)
		if err != nil {
			return err
		}
		out, err = s.indexed.Read(ctx, w, boundary, max)
		return err
	})
	return out, err
}

// IndexedCount returns the number of entries held by the indexed layer.
func (s *Store) IndexedCount(ctx context.Context, w oplog.WorkerID) (int, error) {
	var n int
	err := s.do(ctx, "count", func(ctx context.Context) error {
		var err error
		n, err = s.indexed.Count(ctx, w)
		return err
	})
	return n, err
}

// Workers lists every worker with a log.
func (s *Store) Workers(ctx context.Context) ([]oplog.WorkerID, error) {
	var out []oplog.WorkerID
	err := s.do(ctx, "workers", func(ctx context.Context) error {
		var err error
		out, err = s.indexed.Workers(ctx)
		return err
	})
	return out, err
}

// Archive moves indexed entries with Index <= upTo into the archival layer
// and returns how many moved. Each chunk is written and verified before the
// boundary moves, and indexed entries are deleted only after that.
func (s *Store) Archive(ctx context.Context, w oplog.WorkerID, upTo oplog.Index) (moved int, err error) {
	if s.archive == nil {
		return 0, ErrNoArchive
	}
	l := s.lock(w)
	l.archive.Lock()
	defer l.archive.Unlock()

	ctx, done := s.obs.TrackOperation(ctx, "oplog.archive", observability.WorkerOperation(w.String(), uint64(upTo))...)
	defer func() { done(err) }()

	if err := s.dropOrphanChunks(ctx, w); err != nil {
		return 0, err
	}

	for {
		boundary, err := s.indexed.Boundary(ctx, w)
		if err != nil {
			return moved, err
		}
		if boundary > upTo {
			break
		}
		limit := uint64(upTo-boundary) + 1
		if limit > uint64(s.chunkSize) {
			limit = uint64(s.chunkSize)
		}
		var records []Record
		if err := s.do(ctx, "read", func(ctx context.Context) error {
			records, err = s.indexed.Read(ctx, w, boundary, int(limit)) //nolint:gosec
			return err
		}); err != nil {
			return moved, err
		}
		if len(records) == 0 {
			break
		}
		if records[0].Index != boundary {
			return moved, &oplog.IntegrityError{Worker: w, Index: boundary,
				Err: fmt.Errorf("%w: indexed layer starts at %d", oplog.ErrOutOfOrder, records[0].Index)}
		}

		var chunk ChunkInfo
		if err := s.do(ctx, "archive write", func(ctx context.Context) error {
			chunk, err = s.archive.WriteChunk(ctx, w, records)
			if err != nil {
				return err
			}
			ok, err := s.archive.HasChunk(ctx, w, chunk)
			if err != nil {
				return err
			}
			if !ok {
				return oplog.Transient("archive verify", fmt.Errorf("chunk %s not visible after write", chunk.Key))
			}
			return nil
		}); err != nil {
			return moved, err
		}

		newBoundary := chunk.Last.Next()
		if err := s.do(ctx, "boundary", func(ctx context.Context) error {
			return s.indexed.SetBoundary(ctx, w, newBoundary)
		}); err != nil {
			return moved, err
		}
		if err := s.do(ctx, "delete", func(ctx context.Context) error {
			return s.indexed.DeleteBelow(ctx, w, newBoundary)
		}); err != nil {
			return moved, err
		}
		moved += len(records)
		s.logger.DebugContext(ctx, "archived chunk", "worker", w.String(), "first", chunk.First, "last", chunk.Last)
	}
	s.obs.RecordEntries(ctx, moved, observability.AttrOperation.String("archive"))
	return moved, nil
}

// dropOrphanChunks deletes chunks that start at or above the boundary. They
// were written by a pass that never moved the boundary, so the indexed layer
// still owns their entries.
func (s *Store) dropOrphanChunks(ctx context.Context, w oplog.WorkerID) error {
	boundary, err := s.indexed.Boundary(ctx, w)
	if err != nil {
		return err
	}
	var chunks []ChunkInfo
	if err := s.do(ctx, "archive list", func(ctx context.Context) error {
		chunks, err = s.archive.Chunks(ctx, w)
		return err
	}); err != nil {
		return err
	}
	for _, c := range chunks {
		if c.First < boundary {
			continue
		}
		if err := s.do(ctx, "archive delete", func(ctx context.Context) error {
			return s.archive.DeleteChunk(ctx, w, c)
		}); err != nil {
			return err
		}
		s.logger.WarnContext(ctx, "removed orphan chunk", "worker", w.String(), "first", c.First, "last", c.Last)
	}
	return nil
}

// Truncate removes every entry with Index >= from in both layers. It exists
// to roll back a half-written fork and must never be used on a live worker's
// history; reverts append a marker instead.
func (s *Store) Truncate(ctx context.Context, w oplog.WorkerID, from oplog.Index) (err error) {
	l := s.lock(w)
	l.append.Lock()
	defer l.append.Unlock()
	l.archive.Lock()
	defer l.archive.Unlock()

	ctx, done := s.obs.TrackOperation(ctx, "oplog.truncate", observability.WorkerOperation(w.String(), uint64(from))...)
	defer func() { done(err) }()

	if s.archive != nil {
		chunks, err := s.archive.Chunks(ctx, w)
		if err != nil {
			return err
		}
		for _, c := range chunks {
			switch {
			case c.Last < from:
				continue
			case c.First >= from:
				if err := s.archive.DeleteChunk(ctx, w, c); err != nil {
					return err
				}
			default:
				records, err := s.archive.ReadChunk(ctx, w, c)
				if err != nil {
					return err
				}
				keep := records[:from-c.First]
				if _, err := s.archive.WriteChunk(ctx, w, keep); err != nil {
					return err
				}
				if err := s.archive.DeleteChunk(ctx, w, c); err != nil {
					return err
				}
			}
		}
	}

	if err := s.do(ctx, "delete", func(ctx context.Context) error {
		return s.indexed.DeleteFrom(ctx, w, from)
	}); err != nil {
		return err
	}
	boundary, err := s.indexed.Boundary(ctx, w)
	if err != nil {
		return err
	}
	if boundary > from {
		return s.indexed.SetBoundary(ctx, w, from)
	}
	return nil
}

// CopyPrefix copies entries [0..cutoff] of src into a new log dst. The
// entries are re-validated on the way. dst must not exist; on failure the
// partial copy is removed.
func (s *Store) CopyPrefix(ctx context.Context, src, dst oplog.WorkerID, cutoff oplog.Index) (err error) {
	if err := dst.Validate(); err != nil {
		return err
	}
	exists, err := s.Exists(ctx, dst)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", oplog.ErrWorkerExists, dst)
	}

	ctx, done := s.obs.TrackOperation(ctx, "oplog.copy_prefix", observability.WorkerOperation(src.String(), uint64(cutoff))...)
	defer func() { done(err) }()

	defer func() {
		if err != nil {
			if derr := s.Delete(context.WithoutCancel(ctx), dst); derr != nil {
				s.logger.ErrorContext(ctx, "failed to roll back partial fork", "target", dst.String(), "error", derr)
			}
		}
	}()

	from := oplog.InitialIndex
	for from <= cutoff {
		batch := uint64(cutoff-from) + 1
		if batch > uint64(s.chunkSize) {
			batch = uint64(s.chunkSize)
		}
		entries, err := s.ReadRange(ctx, src, from, int(batch)) //nolint:gosec
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("copy %s: cutoff %d beyond end of log at %d", src, cutoff, from)
		}
		if _, err := s.Append(ctx, dst, entries...); err != nil {
			return err
		}
		from = entries[len(entries)-1].Index.Next()
	}
	return nil
}

// Delete removes a worker's log from both layers.
func (s *Store) Delete(ctx context.Context, w oplog.WorkerID) error {
	if s.archive != nil {
		chunks, err := s.archive.Chunks(ctx, w)
		if err != nil {
			return err
		}
		for _, c := range chunks {
			if err := s.archive.DeleteChunk(ctx, w, c); err != nil {
				return err
			}
		}
	}
	return s.do(ctx, "delete", func(ctx context.Context) error {
		return s.indexed.DeleteWorker(ctx, w)
	})
}
