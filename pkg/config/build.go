package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/helm-durable/pkg/archiver"
	"github.com/Mindburn-Labs/helm-durable/pkg/blob"
	"github.com/Mindburn-Labs/helm-durable/pkg/compress"
	"github.com/Mindburn-Labs/helm-durable/pkg/logstore"
	"github.com/Mindburn-Labs/helm-durable/pkg/observability"
	"github.com/Mindburn-Labs/helm-durable/pkg/retry"
	"github.com/Mindburn-Labs/helm-durable/pkg/worker"
)

// Stack is the set of components described by a Config.
type Stack struct {
	Store    *logstore.Store
	Service  *worker.Service
	Archiver *archiver.Archiver
	Obs      *observability.Provider

	closers []io.Closer
}

// Build opens the layers named by c and wires the service and archiver on
// top of them. Close releases everything Build opened.
func Build(ctx context.Context, c Config, logger *slog.Logger) (*Stack, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stack{}
	obs, err := observability.New(ctx, c.ObservabilityConfig())
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	s.Obs = obs

	indexed, closer, err := c.OpenIndexed(ctx)
	if err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	if closer != nil {
		s.closers = append(s.closers, closer)
	}

	opts := []logstore.Option{
		logstore.WithRetrier(retry.New(c.RetryPolicy())),
		logstore.WithObservability(obs),
		logstore.WithLogger(logger.With("component", "logstore")),
		logstore.WithMaxPayloadSize(c.Writer.MaxPayloadSize),
		logstore.WithChunkSize(c.Archive.ChunkSize),
	}
	archive, err := c.OpenArchive(ctx)
	if err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	if archive != nil {
		opts = append(opts, logstore.WithArchive(archive))
	}
	s.Store = logstore.New(indexed, opts...)

	s.Service = worker.NewService(s.Store,
		worker.WithWriterOptions(c.WriterOptions()),
		worker.WithDefaultRetryPolicy(c.RetryPolicy()),
		worker.WithObservability(obs),
		worker.WithLogger(logger.With("component", "worker")),
	)
	if archive != nil {
		s.Archiver = archiver.New(s.Store, c.ArchiverConfig(),
			archiver.WithObservability(obs),
			archiver.WithLogger(logger.With("component", "archiver")),
		)
	}
	logger.InfoContext(ctx, "oplog stack ready",
		"indexed", indexed.Name(),
		"archive", c.Archive.Backend,
		"compression", c.Archive.Compression,
	)
	return s, nil
}

// OpenIndexed opens the indexed layer. The closer is nil for layers that
// hold no external resources.
func (c Config) OpenIndexed(ctx context.Context) (logstore.IndexedLayer, io.Closer, error) {
	switch c.Store.Backend {
	case BackendMemory:
		return logstore.NewMemoryLayer(), nil, nil
	case BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(c.Store.SQLitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		l, err := logstore.OpenSQLite(ctx, c.Store.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", c.Store.SQLitePath, err)
		}
		return l, l, nil
	case BackendPostgres:
		l, err := logstore.OpenPostgres(ctx, c.Store.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return l, l, nil
	case BackendRedis:
		l := logstore.NewRedisLayer(c.Store.RedisAddr, c.Store.RedisPassword, c.Store.RedisDB)
		if err := l.Ping(ctx); err != nil {
			_ = l.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", c.Store.RedisAddr, err)
		}
		return l, l, nil
	default:
		return nil, nil, fmt.Errorf("unknown indexed backend %q", c.Store.Backend)
	}
}

// OpenArchive opens the archival layer, or returns nil when archiving is
// disabled.
func (c Config) OpenArchive(ctx context.Context) (*logstore.BlobArchive, error) {
	if c.Archive.Backend == ArchiveNone {
		return nil, nil
	}
	store, err := blob.Open(ctx, c.BlobOptions())
	if err != nil {
		return nil, fmt.Errorf("open %s archive: %w", c.Archive.Backend, err)
	}
	codec, err := compress.New(compress.Type(c.Archive.Compression))
	if err != nil {
		return nil, err
	}
	return logstore.NewBlobArchive(store, codec), nil
}

// Close releases the layers and flushes telemetry.
func (s *Stack) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	s.closers = nil
	if s.Obs != nil {
		errs = append(errs, s.Obs.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
