package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-durable/pkg/logstore"
	"github.com/Mindburn-Labs/helm-durable/pkg/observability"
	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
	"github.com/Mindburn-Labs/helm-durable/pkg/replay"
	"github.com/Mindburn-Labs/helm-durable/pkg/tape"
	"github.com/Mindburn-Labs/helm-durable/pkg/timetravel"
	"github.com/Mindburn-Labs/helm-durable/pkg/writer"
)

// DefaultPageSize is used by GetOplog and SearchOplog when count is zero.
const DefaultPageSize = 100

// Store is the log store surface the service needs.
type Store interface {
	NextIndex(ctx context.Context, w oplog.WorkerID) (oplog.Index, error)
	Append(ctx context.Context, w oplog.WorkerID, entries ...oplog.Entry) (oplog.Index, error)
	ReadAll(ctx context.Context, w oplog.WorkerID) ([]oplog.Entry, error)
	ReadPage(ctx context.Context, w oplog.WorkerID, cursor *logstore.Cursor, count int) ([]oplog.Entry, *logstore.Cursor, error)
	CopyPrefix(ctx context.Context, source, target oplog.WorkerID, upTo oplog.Index) error
}

// Page is one page of entries plus the token for the next page. Next is
// empty once the end of the log has been reached.
type Page struct {
	Entries []oplog.Entry
	Next    string
}

type slot struct {
	mu   sync.Mutex
	host *Host
}

// Service serialises every log-mutating operation of a worker behind one
// per-worker lock, so each worker has a single writer.
type Service struct {
	store  Store
	engine *replay.Engine
	travel *timetravel.Manager
	wopts  writer.Options
	policy oplog.RetryPolicy
	logger *slog.Logger
	obs    *observability.Provider

	mu    sync.Mutex
	slots map[oplog.WorkerID]*slot
}

type serviceConfig struct {
	wopts  writer.Options
	policy oplog.RetryPolicy
	obs    *observability.Provider
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures a Service.
type Option func(*serviceConfig)

// WithWriterOptions sets the options every worker writer is opened with.
func WithWriterOptions(o writer.Options) Option {
	return func(c *serviceConfig) { c.wopts = o }
}

// WithDefaultRetryPolicy sets the policy of workers whose log never
// changed it.
func WithDefaultRetryPolicy(p oplog.RetryPolicy) Option {
	return func(c *serviceConfig) { c.policy = p }
}

func WithObservability(p *observability.Provider) Option {
	return func(c *serviceConfig) { c.obs = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *serviceConfig) { c.logger = l }
}

func WithClock(clock func() time.Time) Option {
	return func(c *serviceConfig) { c.clock = clock }
}

// NewService creates a service over store.
func NewService(store Store, opts ...Option) *Service {
	cfg := serviceConfig{
		policy: oplog.DefaultRetryPolicy(),
		logger: slog.Default().With("component", "worker"),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.wopts.Logger == nil {
		cfg.wopts.Logger = cfg.logger
	}
	if cfg.wopts.Observability == nil {
		cfg.wopts.Observability = cfg.obs
	}
	if cfg.wopts.Clock == nil {
		cfg.wopts.Clock = cfg.clock
	}
	policy := replay.WithDefaultRetryPolicy(cfg.policy)
	return &Service{
		store: store,
		engine: replay.NewEngine(store,
			replay.WithReplayOptions(policy),
			replay.WithEngineObservability(cfg.obs),
			replay.WithEngineLogger(cfg.logger),
		),
		travel: timetravel.New(store,
			timetravel.WithReplayOptions(policy),
			timetravel.WithObservability(cfg.obs),
			timetravel.WithLogger(cfg.logger),
			timetravel.WithClock(cfg.clock),
		),
		wopts:  cfg.wopts,
		policy: cfg.policy,
		logger: cfg.logger,
		obs:    cfg.obs,
		slots:  make(map[oplog.WorkerID]*slot),
	}
}

func (s *Service) slot(w oplog.WorkerID) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[w]
	if !ok {
		sl = &slot{}
		s.slots[w] = sl
	}
	return sl
}

// Create writes the Create entry of a new worker and returns its live host.
func (s *Service) Create(ctx context.Context, w oplog.WorkerID, create *oplog.Create) (*Host, error) {
	if create == nil {
		return nil, fmt.Errorf("create %s: nil create payload", w)
	}
	sl := s.slot(w)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	opts := s.wopts
	opts.Ephemeral = create.Ephemeral
	wr, err := writer.Open(ctx, s.store, w, opts)
	if err != nil {
		return nil, err
	}
	if _, err := wr.Emit(ctx, create); err != nil {
		return nil, err
	}
	state := &replay.State{
		RetryPolicy:      s.policy,
		PersistenceLevel: wr.PersistenceLevel(),
		NextResourceID:   1,
		Plugins:          create.InitialActivePlugins,
	}
	sl.host = newHost(w, s.store, opts, wr, nil, state, s.logger)
	s.logger.InfoContext(ctx, "worker created", "worker", w.String(), "component_version", create.ComponentVersion)
	return sl.host, nil
}

// Activate rebuilds a worker from its log and returns a host positioned to
// re-execute it. An unclosed bracket at the tail of the log is retracted
// with a Revert entry before the host goes live, so later activations see
// the same history.
func (s *Service) Activate(ctx context.Context, w oplog.WorkerID) (*Host, *replay.State, error) {
	sl := s.slot(w)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.host != nil {
		if err := sl.host.close(ctx); err != nil {
			return nil, nil, fmt.Errorf("activate %s: release previous host: %w", w, err)
		}
		sl.host = nil
	}

	state, cursor, err := s.engine.Activate(ctx, w)
	if err != nil {
		return nil, nil, err
	}
	opts := s.wopts
	opts.Ephemeral = state.Ephemeral
	opts.PersistenceLevel = state.PersistenceLevel
	wr, err := writer.Open(ctx, s.store, w, opts)
	if err != nil {
		return nil, nil, err
	}
	if dropped := state.DroppedRegion; dropped != nil {
		if _, err := wr.Emit(ctx, &oplog.Revert{DroppedRegion: *dropped}); err != nil {
			return nil, nil, fmt.Errorf("activate %s: retract open region %s: %w", w, dropped, err)
		}
		s.logger.WarnContext(ctx, "retracted unfinished region", "worker", w.String(), "region", dropped.String())
	}
	sl.host = newHost(w, s.store, opts, wr, cursor, state, s.logger)
	return sl.host, state, nil
}

// Release commits and closes the worker's host, if any.
func (s *Service) Release(ctx context.Context, w oplog.WorkerID) error {
	sl := s.slot(w)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.host == nil {
		return nil
	}
	err := sl.host.close(ctx)
	sl.host = nil
	return err
}

// GetOplog returns a page of committed entries. An empty token starts at
// the beginning of the log.
func (s *Service) GetOplog(ctx context.Context, w oplog.WorkerID, token string, count int) (Page, error) {
	cursor, err := parseToken(w, token)
	if err != nil {
		return Page{}, err
	}
	entries, next, err := s.store.ReadPage(ctx, w, cursor, pageSize(count))
	if err != nil {
		return Page{}, err
	}
	return page(entries, next), nil
}

// SearchOplog returns the next page of entries matching query.
func (s *Service) SearchOplog(ctx context.Context, w oplog.WorkerID, query, token string, count int) (Page, error) {
	cursor, err := parseToken(w, token)
	if err != nil {
		return Page{}, err
	}
	res, err := s.travel.Search(ctx, w, query, cursor, pageSize(count))
	if err != nil {
		return Page{}, err
	}
	return page(res.Matches, res.Next), nil
}

// Fork copies source up to and including cutoff into the new worker target.
func (s *Service) Fork(ctx context.Context, source, target oplog.WorkerID, cutoff oplog.Index) error {
	first, second := s.slot(source), s.slot(target)
	if target.String() < source.String() {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if first != second {
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	src := s.slot(source)
	if src.host != nil {
		return src.host.exclusive(ctx, func() error {
			return s.travel.Fork(ctx, source, target, cutoff)
		})
	}
	return s.travel.Fork(ctx, source, target, cutoff)
}

// Revert retracts part of a worker's history. Any host of the worker is
// closed, since its in-memory state no longer matches the log; the caller
// activates the worker again.
func (s *Service) Revert(ctx context.Context, w oplog.WorkerID, target timetravel.RevertTarget, opts timetravel.RevertOptions) (oplog.Index, oplog.Region, error) {
	sl := s.slot(w)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.host != nil {
		if err := sl.host.close(ctx); err != nil {
			return 0, oplog.Region{}, fmt.Errorf("revert %s: release host: %w", w, err)
		}
		sl.host = nil
	}
	return s.travel.Revert(ctx, w, target, opts)
}

// CancelInvocation cancels a pending invocation of w.
func (s *Service) CancelInvocation(ctx context.Context, w oplog.WorkerID, key oplog.IdempotencyKey) error {
	sl := s.slot(w)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.host != nil {
		return sl.host.exclusive(ctx, func() error {
			return s.travel.CancelInvocation(ctx, w, key)
		})
	}
	return s.travel.CancelInvocation(ctx, w, key)
}

// State rebuilds the state of w from its committed log.
func (s *Service) State(ctx context.Context, w oplog.WorkerID) (*replay.State, error) {
	return s.engine.Rebuild(ctx, w)
}

// Verify replays w twice and returns its state fingerprint.
func (s *Service) Verify(ctx context.Context, w oplog.WorkerID) (string, error) {
	return s.engine.Verify(ctx, w)
}

// Manifest summarises every imported call the guest will be served on
// replay.
func (s *Service) Manifest(ctx context.Context, w oplog.WorkerID) (tape.Manifest, error) {
	state, err := s.engine.Rebuild(ctx, w)
	if err != nil {
		return tape.Manifest{}, err
	}
	return tape.BuildManifest(w, state.Tape), nil
}

func parseToken(w oplog.WorkerID, token string) (*logstore.Cursor, error) {
	if token == "" {
		return nil, nil
	}
	c, err := logstore.ParseCursor(token)
	if err != nil {
		return nil, err
	}
	if c.Worker != w {
		return nil, fmt.Errorf("cursor belongs to %s, not %s", c.Worker, w)
	}
	return &c, nil
}

func pageSize(count int) int {
	if count <= 0 {
		return DefaultPageSize
	}
	return count
}

func page(entries []oplog.Entry, next *logstore.Cursor) Page {
	p := Page{Entries: entries}
	if next != nil {
		p.Next = next.Token()
	}
	return p
}
