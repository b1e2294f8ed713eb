// Package writer buffers the entries a live worker emits and commits them to
// the log store in batches. Atomic regions and remote-write batches are
// committed as a whole or not at all.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-durable/pkg/observability"
	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

const (
	DefaultMaxOperationsBeforeCommit          = 128
	DefaultMaxOperationsBeforeCommitEphemeral = 512
)

// ErrUnbalancedRegion is returned when a region close does not match the
// innermost open region.
var ErrUnbalancedRegion = errors.New("unbalanced region close")

// State is the commit state of a writer.
type State string

const (
	StateIdle            State = "idle"
	StateBufferingRegion State = "buffering-region"
	StateCommitting      State = "committing"
)

// Appender is the part of the log store a writer needs.
type Appender interface {
	NextIndex(ctx context.Context, w oplog.WorkerID) (oplog.Index, error)
	Append(ctx context.Context, w oplog.WorkerID, entries ...oplog.Entry) (oplog.Index, error)
}

// Options configures a Writer.
type Options struct {
	MaxOperationsBeforeCommit          int
	MaxOperationsBeforeCommitEphemeral int
	MaxPayloadSize                     int
	Ephemeral                          bool
	PersistenceLevel                   oplog.PersistenceLevel
	Clock                              func() time.Time
	Logger                             *slog.Logger
	Observability                      *observability.Provider
}

func (o Options) threshold() int {
	if o.Ephemeral {
		if o.MaxOperationsBeforeCommitEphemeral > 0 {
			return o.MaxOperationsBeforeCommitEphemeral
		}
		return DefaultMaxOperationsBeforeCommitEphemeral
	}
	if o.MaxOperationsBeforeCommit > 0 {
		return o.MaxOperationsBeforeCommit
	}
	return DefaultMaxOperationsBeforeCommit
}

// Writer is the single writer of one worker's log.
type Writer struct {
	mu        sync.Mutex
	store     Appender
	worker    oplog.WorkerID
	opts      Options
	threshold int
	clock     func() time.Time
	logger    *slog.Logger

	next      oplog.Index
	committed oplog.Index
	pending   []oplog.Entry
	atomic    []oplog.Index
	remote    []oplog.Index
	level     oplog.PersistenceLevel
	state     State
}

// Open creates a writer that continues the worker's log after its last
// committed entry.
func Open(ctx context.Context, store Appender, w oplog.WorkerID, opts Options) (*Writer, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	next, err := store.NextIndex(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("open writer for %s: %w", w, err)
	}
	level := opts.PersistenceLevel
	if level == "" {
		level = oplog.PersistSmart
	}
	if !level.Valid() {
		return nil, fmt.Errorf("open writer for %s: invalid persistence level %q", w, level)
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:     store,
		worker:    w,
		opts:      opts,
		threshold: opts.threshold(),
		clock:     clock,
		logger:    logger.With("component", "writer", "worker", w.String()),
		next:      next,
		committed: next,
		level:     level,
		state:     StateIdle,
	}, nil
}

// Worker returns the worker this writer appends to.
func (w *Writer) Worker() oplog.WorkerID { return w.worker }

// Emit assigns the next index to p and buffers it. The entry is durable
// once a later commit succeeds. Oversized payloads are rejected here with a
// *oplog.CapacityError and never buffered.
func (w *Writer) Emit(ctx context.Context, p oplog.Payload) (oplog.Index, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx, _, err := w.emit(ctx, p)
	return idx, err
}

// emit reports buffered=true once the entry holds an index, even if the
// commit that followed failed.
func (w *Writer) emit(ctx context.Context, p oplog.Payload) (idx oplog.Index, buffered bool, err error) {
	if p == nil {
		return 0, false, errors.New("emit: nil payload")
	}
	if _, isCreate := p.(*oplog.Create); isCreate != (w.next == oplog.InitialIndex) {
		if isCreate {
			return 0, false, fmt.Errorf("emit create for %s: %w", w.worker, oplog.ErrWorkerExists)
		}
		return 0, false, &oplog.IntegrityError{Worker: w.worker, Index: w.next, Err: oplog.ErrMissingCreate}
	}

	entry := oplog.Entry{Index: w.next, Timestamp: w.clock().UTC(), Payload: p}
	if err := oplog.CheckSize(entry, w.opts.MaxPayloadSize); err != nil {
		return 0, false, err
	}
	switch p := p.(type) {
	case *oplog.EndAtomicRegion:
		if err := closeRegion(&w.atomic, p.BeginIndex); err != nil {
			return 0, false, err
		}
	case *oplog.EndRemoteWrite:
		if err := closeRegion(&w.remote, p.BeginIndex); err != nil {
			return 0, false, err
		}
	}

	w.pending = append(w.pending, entry)
	w.next = w.next.Next()

	flush := false
	switch p := p.(type) {
	case *oplog.BeginAtomicRegion:
		w.atomic = append(w.atomic, entry.Index)
	case *oplog.BeginRemoteWrite:
		w.remote = append(w.remote, entry.Index)
	case *oplog.EndAtomicRegion, *oplog.EndRemoteWrite:
		flush = !w.inRegion()
	case *oplog.Create, *oplog.Suspend, *oplog.Exited, *oplog.Interrupted, *oplog.Revert:
		flush = true
	case *oplog.ChangePersistenceLevel:
		w.level = p.Level
	}
	if !flush && !w.inRegion() && len(w.pending) > w.threshold {
		flush = true
	}
	w.updateState()

	if flush && !w.inRegion() {
		if err := w.commit(ctx); err != nil {
			return entry.Index, true, err
		}
	}
	return entry.Index, true, nil
}

func closeRegion(stack *[]oplog.Index, begin oplog.Index) error {
	open := *stack
	if len(open) == 0 || open[len(open)-1] != begin {
		return fmt.Errorf("%w: no open region begins at %d", ErrUnbalancedRegion, begin)
	}
	*stack = open[:len(open)-1]
	return nil
}

func (w *Writer) inRegion() bool { return len(w.atomic) > 0 || len(w.remote) > 0 }

func (w *Writer) updateState() {
	if w.inRegion() {
		w.state = StateBufferingRegion
		return
	}
	w.state = StateIdle
}

// Commit flushes buffered entries. It refuses to split an open region.
func (w *Writer) Commit(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inRegion() {
		return fmt.Errorf("commit %s: %d atomic and %d remote-write regions still open",
			w.worker, len(w.atomic), len(w.remote))
	}
	return w.commit(ctx)
}

func (w *Writer) commit(ctx context.Context) (err error) {
	if len(w.pending) == 0 {
		return nil
	}
	w.state = StateCommitting
	defer w.updateState()

	ctx, done := w.opts.Observability.TrackOperation(ctx, "oplog.commit",
		observability.WorkerOperation(w.worker.String(), uint64(w.pending[0].Index))...)
	defer func() { done(err) }()

	last, err := w.store.Append(ctx, w.worker, w.pending...)
	if err != nil {
		w.logger.ErrorContext(ctx, "commit failed", "pending", len(w.pending), "error", err)
		return fmt.Errorf("commit %s: %w", w.worker, err)
	}
	w.logger.DebugContext(ctx, "committed", "count", len(w.pending), "last", last)
	w.opts.Observability.RecordCommit(ctx, len(w.pending), w.opts.Ephemeral)
	w.pending = w.pending[:0]
	w.committed = last.Next()
	return nil
}

// BeginAtomicRegion opens an atomic region and returns its begin index.
func (w *Writer) BeginAtomicRegion(ctx context.Context) (oplog.Index, error) {
	return w.Emit(ctx, &oplog.BeginAtomicRegion{})
}

// EndAtomicRegion closes the region opened at begin. Closing the outermost
// region commits it.
func (w *Writer) EndAtomicRegion(ctx context.Context, begin oplog.Index) error {
	_, err := w.Emit(ctx, &oplog.EndAtomicRegion{BeginIndex: begin})
	return err
}

// BeginRemoteWrite opens a batched remote write.
func (w *Writer) BeginRemoteWrite(ctx context.Context) (oplog.Index, error) {
	return w.Emit(ctx, &oplog.BeginRemoteWrite{})
}

// EndRemoteWrite closes the batch opened at begin.
func (w *Writer) EndRemoteWrite(ctx context.Context, begin oplog.Index) error {
	_, err := w.Emit(ctx, &oplog.EndRemoteWrite{BeginIndex: begin})
	return err
}

// Suspend records a suspension and commits.
func (w *Writer) Suspend(ctx context.Context) error {
	_, err := w.Emit(ctx, &oplog.Suspend{})
	return err
}

// Exit records a normal exit and commits.
func (w *Writer) Exit(ctx context.Context) error {
	_, err := w.Emit(ctx, &oplog.Exited{})
	return err
}

// SetPersistenceLevel records a level change; it governs everything emitted
// after it.
func (w *Writer) SetPersistenceLevel(ctx context.Context, level oplog.PersistenceLevel) error {
	if !level.Valid() {
		return fmt.Errorf("invalid persistence level %q", level)
	}
	_, err := w.Emit(ctx, &oplog.ChangePersistenceLevel{Level: level})
	return err
}

// PersistenceLevel returns the level in effect.
func (w *Writer) PersistenceLevel() oplog.PersistenceLevel {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.level
}

// ShouldRecord reports whether an imported call of type ft is recorded
// under the current persistence level.
func (w *Writer) ShouldRecord(ft oplog.WrappedFunctionType) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Records(w.level, ft)
}

// Records reports whether level keeps an imported call of type ft.
func Records(level oplog.PersistenceLevel, ft oplog.WrappedFunctionType) bool {
	switch level {
	case oplog.PersistNothing:
		return false
	case oplog.PersistSmart:
		return ft.IsRemote() || ft.IsWrite()
	default:
		return true
	}
}

// RecordImported emits call if the persistence level asks for it. recorded
// is false when the call was dropped.
func (w *Writer) RecordImported(ctx context.Context, call *oplog.ImportedFunctionInvoked) (idx oplog.Index, recorded bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !Records(w.level, call.FunctionType) {
		return 0, false, nil
	}
	return w.emit(ctx, call)
}

// CurrentIndex returns the index of the most recently emitted entry.
func (w *Writer) CurrentIndex() oplog.Index {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.next.Previous()
}

// NextIndex returns the index the next emitted entry will carry.
func (w *Writer) NextIndex() oplog.Index {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.next
}

// CommittedIndex returns the first index not yet durable.
func (w *Writer) CommittedIndex() oplog.Index {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed
}

// Pending returns the number of buffered entries.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// State returns the writer's commit state.
func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}
