package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/helm-durable/pkg/observability"
	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

// Source provides the full log of a worker, merged across storage tiers.
type Source interface {
	ReadAll(ctx context.Context, w oplog.WorkerID) ([]oplog.Entry, error)
}

// Engine rebuilds worker state from a Source.
type Engine struct {
	source Source
	opts   []Option
	obs    *observability.Provider
	logger *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithReplayOptions(opts ...Option) EngineOption {
	return func(e *Engine) { e.opts = append(e.opts, opts...) }
}

func WithEngineObservability(p *observability.Provider) EngineOption {
	return func(e *Engine) { e.obs = p }
}

func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a replay engine over source.
func NewEngine(source Source, opts ...EngineOption) *Engine {
	e := &Engine{
		source: source,
		logger: slog.Default().With("component", "replay"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) read(ctx context.Context, w oplog.WorkerID) ([]oplog.Entry, error) {
	entries, err := e.source.ReadAll(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("read oplog of %s: %w", w, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("replay %s: %w", w, oplog.ErrNotFound)
	}
	return entries, nil
}

// Rebuild returns the state of w as of its last committed entry.
func (e *Engine) Rebuild(ctx context.Context, w oplog.WorkerID) (state *State, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "oplog.replay", observability.AttrWorker.String(w.String()))
	defer func() { done(err) }()

	entries, err := e.read(ctx, w)
	if err != nil {
		return nil, err
	}
	state, err = Replay(ctx, w, entries, e.opts...)
	if err != nil {
		e.logIntegrity(ctx, w, err)
		return nil, err
	}
	return state, nil
}

// Activate rebuilds w and returns a cursor for re-executing it.
func (e *Engine) Activate(ctx context.Context, w oplog.WorkerID) (state *State, cursor *Cursor, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "oplog.activate", observability.AttrWorker.String(w.String()))
	defer func() { done(err) }()

	entries, err := e.read(ctx, w)
	if err != nil {
		return nil, nil, err
	}
	state, cursor, err = Activate(ctx, w, entries, e.opts...)
	if err != nil {
		e.logIntegrity(ctx, w, err)
		return nil, nil, err
	}
	e.logger.InfoContext(ctx, "worker activated",
		"worker", w.String(),
		"last_index", state.LastIndex,
		"status", state.Status,
		"to_replay", cursor.Remaining(),
	)
	return state, cursor, nil
}

// Verify replays w twice and reports the fingerprint, failing if the two
// runs disagree.
func (e *Engine) Verify(ctx context.Context, w oplog.WorkerID) (string, error) {
	entries, err := e.read(ctx, w)
	if err != nil {
		return "", err
	}
	var prints [2]string
	for i := range prints {
		state, err := Replay(ctx, w, entries, e.opts...)
		if err != nil {
			return "", err
		}
		if prints[i], err = state.Fingerprint(); err != nil {
			return "", err
		}
	}
	if prints[0] != prints[1] {
		return "", fmt.Errorf("%w: %s replays to %s and %s", oplog.ErrDivergence, w, prints[0], prints[1])
	}
	return prints[0], nil
}

func (e *Engine) logIntegrity(ctx context.Context, w oplog.WorkerID, err error) {
	var ie *oplog.IntegrityError
	if errors.As(err, &ie) {
		e.logger.ErrorContext(ctx, "oplog integrity violation",
			"worker", w.String(), "index", ie.Index, "error", ie.Err)
	}
}
