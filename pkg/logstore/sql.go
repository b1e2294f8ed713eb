package logstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

// Dialect selects placeholder style and column types.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLLayer implements IndexedLayer using database/sql.
// It supports both Postgres and SQLite.
type SQLLayer struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLLayer(db *sql.DB, dialect Dialect) *SQLLayer {
	return &SQLLayer{db: db, dialect: dialect}
}

// OpenSQLite opens (or creates) a sqlite database file and initializes the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLLayer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// sqlite allows a single writer; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	l := NewSQLLayer(db, DialectSQLite)
	if err := l.Init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init sqlite oplog: %w", err)
	}
	return l, nil
}

// OpenPostgres connects to dsn and initializes the schema.
func OpenPostgres(ctx context.Context, dsn string) (*SQLLayer, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	l := NewSQLLayer(db, DialectPostgres)
	if err := l.Init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init postgres oplog: %w", err)
	}
	return l, nil
}

func (s *SQLLayer) Name() string { return string(s.dialect) }

// Close closes the underlying database.
func (s *SQLLayer) Close() error { return s.db.Close() }

func (s *SQLLayer) schema() string {
	blobType := "BLOB"
	if s.dialect == DialectPostgres {
		blobType = "BYTEA"
	}
	return `
CREATE TABLE IF NOT EXISTS oplog_workers (
	worker TEXT PRIMARY KEY,
	boundary BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS oplog_entries (
	worker TEXT NOT NULL,
	idx BIGINT NOT NULL,
	ts BIGINT NOT NULL,
	entry ` + blobType + ` NOT NULL,
	PRIMARY KEY (worker, idx)
);
`
}

func (s *SQLLayer) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.schema())
	return err
}

// rebind rewrites ? placeholders into $n for Postgres.
func (s *SQLLayer) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLLayer) AppendBatch(ctx context.Context, worker oplog.WorkerID, records []Record) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	key := worker.String()
	if _, err = tx.ExecContext(ctx,
		s.rebind(`INSERT INTO oplog_workers (worker, boundary) VALUES (?, 0) ON CONFLICT (worker) DO NOTHING`),
		key); err != nil {
		return s.classify("append", err)
	}

	insert := s.rebind(`INSERT INTO oplog_entries (worker, idx, ts, entry) VALUES (?, ?, ?, ?)`)
	for _, r := range records {
		if _, err = tx.ExecContext(ctx, insert, key, int64(r.Index), r.Timestamp.UnixNano(), r.Data); err != nil { //nolint:gosec // indices stay far below 2^63
			return s.classify("append", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return s.classify("commit", err)
	}
	return nil
}

func (s *SQLLayer) Read(ctx context.Context, worker oplog.WorkerID, from oplog.Index, max int) ([]Record, error) {
	query := `SELECT idx, ts, entry FROM oplog_entries WHERE worker = ? AND idx >= ? ORDER BY idx`
	args := []any{worker.String(), int64(from)} //nolint:gosec
	if max > 0 {
		query += ` LIMIT ?`
		args = append(args, max)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.classify("read", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			idx  int64
			ts   int64
			data []byte
		)
		if err := rows.Scan(&idx, &ts, &data); err != nil {
			return nil, s.classify("read", err)
		}
		out = append(out, Record{Index: oplog.Index(idx), Timestamp: time.Unix(0, ts).UTC(), Data: data}) //nolint:gosec
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("read", err)
	}
	return out, nil
}

func (s *SQLLayer) Last(ctx context.Context, worker oplog.WorkerID) (oplog.Index, bool, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT MAX(idx) FROM oplog_entries WHERE worker = ?`), worker.String()).Scan(&last)
	if err != nil {
		return 0, false, s.classify("last", err)
	}
	if !last.Valid {
		return 0, false, nil
	}
	return oplog.Index(last.Int64), true, nil //nolint:gosec
}

func (s *SQLLayer) DeleteBelow(ctx context.Context, worker oplog.WorkerID, idx oplog.Index) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM oplog_entries WHERE worker = ? AND idx < ?`), worker.String(), int64(idx)) //nolint:gosec
	return s.classify("delete", err)
}

func (s *SQLLayer) DeleteFrom(ctx context.Context, worker oplog.WorkerID, idx oplog.Index) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM oplog_entries WHERE worker = ? AND idx >= ?`), worker.String(), int64(idx)) //nolint:gosec
	return s.classify("delete", err)
}

func (s *SQLLayer) Boundary(ctx context.Context, worker oplog.WorkerID) (oplog.Index, error) {
	var boundary int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT boundary FROM oplog_workers WHERE worker = ?`), worker.String()).Scan(&boundary)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return oplog.InitialIndex, nil
		}
		return 0, s.classify("boundary", err)
	}
	return oplog.Index(boundary), nil //nolint:gosec
}

func (s *SQLLayer) SetBoundary(ctx context.Context, worker oplog.WorkerID, idx oplog.Index) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO oplog_workers (worker, boundary) VALUES (?, ?)
		ON CONFLICT (worker) DO UPDATE SET boundary = excluded.boundary`),
		worker.String(), int64(idx)) //nolint:gosec
	return s.classify("boundary", err)
}

func (s *SQLLayer) Count(ctx context.Context, worker oplog.WorkerID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM oplog_entries WHERE worker = ?`), worker.String()).Scan(&n)
	if err != nil {
		return 0, s.classify("count", err)
	}
	return n, nil
}

func (s *SQLLayer) Exists(ctx context.Context, worker oplog.WorkerID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM oplog_workers WHERE worker = ?`), worker.String()).Scan(&n)
	if err != nil {
		return false, s.classify("exists", err)
	}
	return n > 0, nil
}

func (s *SQLLayer) Workers(ctx context.Context) ([]oplog.WorkerID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT worker FROM oplog_workers ORDER BY worker`)
	if err != nil {
		return nil, s.classify("workers", err)
	}
	defer func() { _ = rows.Close() }()

	var out []oplog.WorkerID
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, s.classify("workers", err)
		}
		w, err := oplog.ParseWorkerID(key)
		if err != nil {
			return nil, fmt.Errorf("corrupt worker row %q: %w", key, err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("workers", err)
	}
	return out, nil
}

func (s *SQLLayer) DeleteWorker(ctx context.Context, worker oplog.WorkerID) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM oplog_entries WHERE worker = ?`), worker.String()); err != nil {
		return s.classify("delete", err)
	}
	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM oplog_workers WHERE worker = ?`), worker.String()); err != nil {
		return s.classify("delete", err)
	}
	if err = tx.Commit(); err != nil {
		return s.classify("commit", err)
	}
	return nil
}

// SQLite result codes that indicate lock contention.
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// classify marks connection-level and contention failures as transient.
func (s *SQLLayer) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	op = "sql " + op
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return oplog.Transient(op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08", // connection exception
			pqErr.Code == "40001", // serialization_failure
			pqErr.Code == "40P01", // deadlock_detected
			pqErr.Code == "57P03": // cannot_connect_now
			return oplog.Transient(op, err)
		}
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return oplog.Transient(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
