package archiver

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-durable/pkg/blob"
	"github.com/Mindburn-Labs/helm-durable/pkg/compress"
	"github.com/Mindburn-Labs/helm-durable/pkg/logstore"
	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func tieredStore(t *testing.T) *logstore.Store {
	t.Helper()
	files, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	codec, err := compress.New(compress.LZ4)
	require.NoError(t, err)
	return logstore.New(logstore.NewMemoryLayer(),
		logstore.WithArchive(logstore.NewBlobArchive(files, codec)),
		logstore.WithChunkSize(8),
	)
}

// seed writes n entries whose timestamps step one minute apart and end at
// newest.
func seed(t *testing.T, s *logstore.Store, w oplog.WorkerID, n int, newest time.Time) {
	t.Helper()
	entries := make([]oplog.Entry, n)
	for i := range entries {
		entries[i] = oplog.Entry{
			Index:     oplog.Index(i),
			Timestamp: newest.Add(-time.Duration(n-1-i) * time.Minute),
			Payload:   &oplog.Log{Message: fmt.Sprintf("line %d", i)},
		}
	}
	entries[0].Payload = &oplog.Create{}
	_, err := s.Append(context.Background(), w, entries...)
	require.NoError(t, err)
}

func testConfig() Config {
	return Config{
		Interval:        time.Millisecond,
		EntryCountLimit: 10,
		ArchiveAge:      30 * time.Minute,
		KeepInIndexed:   5,
	}
}

func TestRunOnce_ArchivesOldEntries(t *testing.T) {
	ctx := context.Background()
	s := tieredStore(t)
	old := oplog.WorkerID{ComponentID: "c", WorkerName: "old"}
	small := oplog.WorkerID{ComponentID: "c", WorkerName: "small"}
	fresh := oplog.WorkerID{ComponentID: "c", WorkerName: "fresh"}

	// 40 entries, the oldest 35 minutes before now: indices 0..5 are at
	// least 30 minutes old.
	seed(t, s, old, 40, now.Add(4*time.Minute))
	seed(t, s, small, 5, now.Add(-2*time.Hour))
	seed(t, s, fresh, 40, now)

	a := New(s, testConfig(), WithClock(func() time.Time { return now }))
	report, err := a.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, report.Scanned)
	require.Empty(t, report.Failed)
	require.NotContains(t, report.Archived, small)

	count, err := s.IndexedCount(ctx, old)
	require.NoError(t, err)
	require.Equal(t, 40-report.Archived[old], count)
	require.Equal(t, 6, report.Archived[old])

	// The freshest worker keeps only its last 30 minutes plus one.
	require.Equal(t, 10, report.Archived[fresh])
	require.Equal(t, 16, report.Total())

	entries, err := s.ReadAll(ctx, old)
	require.NoError(t, err)
	require.Len(t, entries, 40)
}

func TestRunOnce_KeepsNewestEntries(t *testing.T) {
	ctx := context.Background()
	s := tieredStore(t)
	w := oplog.WorkerID{ComponentID: "c", WorkerName: "ancient"}
	seed(t, s, w, 20, now.Add(-24*time.Hour))

	a := New(s, testConfig(), WithClock(func() time.Time { return now }))
	report, err := a.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 15, report.Archived[w])

	count, err := s.IndexedCount(ctx, w)
	require.NoError(t, err)
	require.Equal(t, 5, count)

	// A second pass has nothing left to do.
	report, err = a.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Total())
}

type brokenStore struct {
	*logstore.Store
	broken oplog.WorkerID
}

func (b *brokenStore) Archive(ctx context.Context, w oplog.WorkerID, upTo oplog.Index) (int, error) {
	if w == b.broken {
		return 0, errors.New("bucket unavailable")
	}
	return b.Store.Archive(ctx, w, upTo)
}

func TestRunOnce_ContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	s := tieredStore(t)
	bad := oplog.WorkerID{ComponentID: "c", WorkerName: "a-bad"}
	good := oplog.WorkerID{ComponentID: "c", WorkerName: "b-good"}
	seed(t, s, bad, 20, now.Add(-24*time.Hour))
	seed(t, s, good, 20, now.Add(-24*time.Hour))

	a := New(&brokenStore{Store: s, broken: bad}, testConfig(), WithClock(func() time.Time { return now }))
	report, err := a.RunOnce(ctx)
	require.NoError(t, err)
	require.Contains(t, report.Failed, bad)
	require.Equal(t, 15, report.Archived[good])
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := tieredStore(t)
	w := oplog.WorkerID{ComponentID: "c", WorkerName: "w"}
	seed(t, s, w, 20, now.Add(-24*time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	a := New(s, testConfig(), WithClock(func() time.Time { return now }))

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		count, err := s.IndexedCount(context.Background(), w)
		return err == nil && count == 5
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("archiver did not stop")
	}
}

func TestRun_RejectsZeroInterval(t *testing.T) {
	a := New(tieredStore(t), Config{})
	require.Error(t, a.Run(context.Background()))
}
