// Package archiver moves old entries from the indexed layer into the
// archival layer in the background.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm-durable/pkg/logstore"
	"github.com/Mindburn-Labs/helm-durable/pkg/observability"
	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

// Store is the log store surface the archiver needs.
type Store interface {
	Workers(ctx context.Context) ([]oplog.WorkerID, error)
	IndexedCount(ctx context.Context, w oplog.WorkerID) (int, error)
	IndexedRecords(ctx context.Context, w oplog.WorkerID, max int) ([]logstore.Record, error)
	Archive(ctx context.Context, w oplog.WorkerID, upTo oplog.Index) (int, error)
}

// Config controls when entries are archived.
type Config struct {
	// Interval between passes.
	Interval time.Duration
	// EntryCountLimit is the indexed entry count above which a worker is
	// considered for archival.
	EntryCountLimit int
	// ArchiveAge is the minimum age of an archived entry.
	ArchiveAge time.Duration
	// KeepInIndexed newest entries always stay in the indexed layer.
	KeepInIndexed int
	// Rate limits workers processed per second; zero means unlimited.
	Rate  float64
	Burst int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		EntryCountLimit: 1024,
		ArchiveAge:      time.Hour,
		KeepInIndexed:   128,
		Rate:            10,
		Burst:           1,
	}
}

// Report summarises one pass.
type Report struct {
	Scanned  int
	Archived map[oplog.WorkerID]int
	Failed   map[oplog.WorkerID]error
}

// Total is the number of entries moved in the pass.
func (r Report) Total() int {
	n := 0
	for _, v := range r.Archived {
		n += v
	}
	return n
}

// Archiver periodically archives eligible workers.
type Archiver struct {
	store   Store
	cfg     Config
	limiter *rate.Limiter
	clock   func() time.Time
	logger  *slog.Logger
	obs     *observability.Provider
}

// Option configures an Archiver.
type Option func(*Archiver)

func WithClock(clock func() time.Time) Option { return func(a *Archiver) { a.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(a *Archiver) { a.logger = l } }

func WithObservability(p *observability.Provider) Option { return func(a *Archiver) { a.obs = p } }

// New creates an archiver.
func New(store Store, cfg Config, opts ...Option) *Archiver {
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	a := &Archiver{
		store:   store,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		clock:   time.Now,
		logger:  slog.Default().With("component", "archiver"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run archives on every tick until ctx is cancelled. Failed workers are
// logged and picked up again on the next tick.
func (a *Archiver) Run(ctx context.Context) error {
	if a.cfg.Interval <= 0 {
		return fmt.Errorf("archiver: interval must be positive, got %s", a.cfg.Interval)
	}
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.logger.InfoContext(ctx, "archiver started", "interval", a.cfg.Interval)
	for {
		if _, err := a.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.ErrorContext(ctx, "archive pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			a.logger.InfoContext(ctx, "archiver stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce makes a single pass over every worker.
func (a *Archiver) RunOnce(ctx context.Context) (report Report, err error) {
	ctx, done := a.obs.TrackOperation(ctx, "oplog.archive_pass")
	defer func() { done(err) }()

	report = Report{
		Archived: make(map[oplog.WorkerID]int),
		Failed:   make(map[oplog.WorkerID]error),
	}
	workers, err := a.store.Workers(ctx)
	if err != nil {
		return report, fmt.Errorf("list workers: %w", err)
	}
	for _, w := range workers {
		if err := a.limiter.Wait(ctx); err != nil {
			return report, err
		}
		report.Scanned++
		moved, err := a.archiveWorker(ctx, w)
		if err != nil {
			report.Failed[w] = err
			a.logger.WarnContext(ctx, "worker archival failed", "worker", w.String(), "error", err)
			continue
		}
		if moved > 0 {
			report.Archived[w] = moved
			a.logger.InfoContext(ctx, "worker archived", "worker", w.String(), "entries", moved)
		}
	}
	return report, nil
}

func (a *Archiver) archiveWorker(ctx context.Context, w oplog.WorkerID) (int, error) {
	count, err := a.store.IndexedCount(ctx, w)
	if err != nil {
		return 0, err
	}
	if count <= a.cfg.EntryCountLimit {
		return 0, nil
	}
	candidates := count - a.cfg.KeepInIndexed
	if candidates <= 0 {
		return 0, nil
	}
	records, err := a.store.IndexedRecords(ctx, w, candidates)
	if err != nil {
		return 0, err
	}
	upTo, ok := a.cutoff(records)
	if !ok {
		return 0, nil
	}
	return a.store.Archive(ctx, w, upTo)
}

// cutoff returns the last index of the leading run of records older than
// ArchiveAge.
func (a *Archiver) cutoff(records []logstore.Record) (oplog.Index, bool) {
	threshold := a.clock().Add(-a.cfg.ArchiveAge)
	var upTo oplog.Index
	found := false
	for _, r := range records {
		if r.Timestamp.After(threshold) {
			break
		}
		upTo = r.Index
		found = true
	}
	return upTo, found
}
