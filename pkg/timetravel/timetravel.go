// Package timetravel implements the operations that look at or rewrite a
// worker's history: search, fork, revert and invocation cancellation.
//
// None of them mutate committed entries. Revert and cancel append a marker;
// fork copies a prefix into a new worker.
package timetravel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helm-durable/pkg/logstore"
	"github.com/Mindburn-Labs/helm-durable/pkg/observability"
	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
	"github.com/Mindburn-Labs/helm-durable/pkg/replay"
)

var (
	// ErrCutoffOutOfRange is returned for a fork or revert point past the end of the log.
	ErrCutoffOutOfRange = errors.New("index is beyond the end of the oplog")
	// ErrOpenRegion is returned when a fork point falls inside an unclosed atomic region.
	ErrOpenRegion = errors.New("index falls inside an open atomic region")
	// ErrNothingToRevert is returned when a revert would drop no entries.
	ErrNothingToRevert = errors.New("nothing to revert")
	// ErrInvocationInProgress is returned when cancelling an invocation that already started.
	ErrInvocationInProgress = errors.New("invocation already in progress")
)

// Store is the log store surface time-travel operations need.
type Store interface {
	NextIndex(ctx context.Context, w oplog.WorkerID) (oplog.Index, error)
	Append(ctx context.Context, w oplog.WorkerID, entries ...oplog.Entry) (oplog.Index, error)
	ReadAll(ctx context.Context, w oplog.WorkerID) ([]oplog.Entry, error)
	ReadPage(ctx context.Context, w oplog.WorkerID, cursor *logstore.Cursor, count int) ([]oplog.Entry, *logstore.Cursor, error)
	CopyPrefix(ctx context.Context, src, dst oplog.WorkerID, cutoff oplog.Index) error
}

// Manager runs time-travel operations against a store. Callers serialize
// operations per worker.
type Manager struct {
	store    Store
	replay   []replay.Option
	obs      *observability.Provider
	logger   *slog.Logger
	clock    func() time.Time
	pageSize int
}

// Option configures a Manager.
type Option func(*Manager)

func WithReplayOptions(opts ...replay.Option) Option {
	return func(m *Manager) { m.replay = append(m.replay, opts...) }
}

func WithObservability(p *observability.Provider) Option { return func(m *Manager) { m.obs = p } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithClock overrides the clock used to stamp appended markers.
func WithClock(clock func() time.Time) Option { return func(m *Manager) { m.clock = clock } }

// WithPageSize sets how many entries a search reads per store round trip.
func WithPageSize(n int) Option { return func(m *Manager) { m.pageSize = n } }

// New creates a Manager.
func New(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		logger:   slog.Default().With("component", "timetravel"),
		clock:    time.Now,
		pageSize: 256,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.pageSize <= 0 {
		m.pageSize = 256
	}
	return m
}

func (m *Manager) state(ctx context.Context, w oplog.WorkerID) ([]oplog.Entry, *replay.State, error) {
	entries, err := m.store.ReadAll(ctx, w)
	if err != nil {
		return nil, nil, err
	}
	if len(entries) == 0 {
		return nil, nil, fmt.Errorf("%s: %w", w, oplog.ErrNotFound)
	}
	state, err := replay.Replay(ctx, w, entries, m.replay...)
	if err != nil {
		return nil, nil, err
	}
	return entries, state, nil
}

// appendMarker commits p on its own after the current end of the log.
func (m *Manager) appendMarker(ctx context.Context, w oplog.WorkerID, p oplog.Payload) (oplog.Index, error) {
	next, err := m.store.NextIndex(ctx, w)
	if err != nil {
		return 0, err
	}
	return m.store.Append(ctx, w, oplog.Entry{Index: next, Timestamp: m.clock().UTC(), Payload: p})
}
