package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-durable/pkg/config"
	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

var cart = oplog.WorkerID{ComponentID: "cart", WorkerName: "user-1"}

type decodedPage struct {
	Entries []struct {
		Index   oplog.Index     `json:"index"`
		Kind    oplog.Kind      `json:"kind"`
		Hint    bool            `json:"hint"`
		Payload json.RawMessage `json:"payload"`
	} `json:"entries"`
	Next string `json:"next"`
}

// seed points the environment at a fresh sqlite database and writes a
// worker with two completed invocations and one pending.
func seed(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("OPLOG_INDEXED_BACKEND", "sqlite")
	t.Setenv("OPLOG_SQLITE_PATH", filepath.Join(dir, "oplog.db"))
	t.Setenv("OPLOG_ARCHIVE_DIR", filepath.Join(dir, "archive"))
	t.Setenv("LOG_LEVEL", "error")

	ctx := context.Background()
	cfg, err := config.Load()
	require.NoError(t, err)
	stack, err := config.Build(ctx, cfg, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, stack.Close(ctx)) }()

	h, err := stack.Service.Create(ctx, cart, &oplog.Create{ComponentVersion: 3})
	require.NoError(t, err)
	for i, key := range []oplog.IdempotencyKey{"order-1", "order-2"} {
		_, err := h.BeginInvocation(ctx, key, "checkout", json.RawMessage(`{}`), "")
		require.NoError(t, err)
		resp, err := h.RecordImportedCall(ctx, "rand", nil,
			oplog.WrappedFunctionType{Class: oplog.ReadRemote},
			func(context.Context) (json.RawMessage, error) { return json.RawMessage(`4`), nil })
		require.NoError(t, err)
		_, err = h.CompleteInvocation(ctx, resp, int64(i+1))
		require.NoError(t, err)
	}
	_, err = h.Enqueue(ctx, "order-3", "checkout", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, stack.Service.Release(ctx, cart))
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_GetJSON(t *testing.T) {
	seed(t)
	code, out, stderr := run(t, "get", "cart/user-1", "--format", "json")
	require.Equal(t, 0, code, stderr)

	var page decodedPage
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	require.Len(t, page.Entries, 8)
	require.Equal(t, oplog.KindCreate, page.Entries[0].Kind)
	require.Equal(t, oplog.KindPendingWorkerInvocation, page.Entries[7].Kind)
	require.True(t, page.Entries[7].Hint)
	require.Empty(t, page.Next)
}

func TestRun_GetFollowsPages(t *testing.T) {
	seed(t)
	code, out, stderr := run(t, "get", "cart/user-1", "--count", "3")
	require.Equal(t, 0, code, stderr)
	require.Contains(t, out, "next: ")

	code, out, stderr = run(t, "get", "cart/user-1", "--count", "3", "--all")
	require.Equal(t, 0, code, stderr)
	require.NotContains(t, out, "next: ")
	require.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 8)
}

func TestRun_Search(t *testing.T) {
	seed(t)
	code, out, stderr := run(t, "search", "cart/user-1", "fn:rand")
	require.Equal(t, 0, code, stderr)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		require.Contains(t, line, string(oplog.KindImportedFunctionInvoked))
	}
}

func TestRun_CancelThenReplayState(t *testing.T) {
	seed(t)
	code, _, stderr := run(t, "cancel", "cart/user-1", "order-3")
	require.Equal(t, 0, code, stderr)

	code, out, stderr := run(t, "replay", "cart/user-1", "--format", "json")
	require.Equal(t, 0, code, stderr)
	var state struct {
		Pending   []json.RawMessage          `json:"pending"`
		Completed map[string]json.RawMessage `json:"completed"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	require.Empty(t, state.Pending)
	require.Len(t, state.Completed, 2)
}

func TestRun_ReplayFingerprintAndManifest(t *testing.T) {
	seed(t)
	code, out, stderr := run(t, "replay", "cart/user-1", "--show", "fingerprint")
	require.Equal(t, 0, code, stderr)
	require.True(t, strings.HasPrefix(out, "fingerprint: "))

	code, out, stderr = run(t, "replay", "cart/user-1", "--show", "manifest")
	require.Equal(t, 0, code, stderr)
	require.Equal(t, 2, strings.Count(out, "rand"))
}

func TestRun_ForkAndRevert(t *testing.T) {
	seed(t)
	code, _, stderr := run(t, "fork", "cart/user-1", "cart/user-2", "--cutoff", "3")
	require.Equal(t, 0, code, stderr)

	code, out, stderr := run(t, "get", "cart/user-2", "--format", "json")
	require.Equal(t, 0, code, stderr)
	var page decodedPage
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	require.Len(t, page.Entries, 4)

	code, out, stderr = run(t, "revert", "cart/user-1", "--last-invocations", "1")
	require.Equal(t, 0, code, stderr)
	require.Contains(t, out, "dropped: [4..7]")
}

func TestRun_UsageErrors(t *testing.T) {
	seed(t)
	for name, args := range map[string][]string{
		"bad worker":    {"get", "cart"},
		"bad format":    {"get", "cart/user-1", "--format", "yaml"},
		"bad range":     {"revert", "cart/user-1", "--range", "9..3"},
		"no target":     {"revert", "cart/user-1"},
		"bad show":      {"replay", "cart/user-1", "--show", "tape"},
		"missing fork":  {"fork", "cart/user-1", "cart/user-3", "--cutoff", "99"},
		"unknown query": {"search", "cart/user-1", "cel:entry.nope("},
	} {
		t.Run(name, func(t *testing.T) {
			code, _, stderr := run(t, args...)
			require.Equal(t, 2, code)
			require.Contains(t, stderr, "Error:")
		})
	}
}

func TestRun_ArchivePass(t *testing.T) {
	seed(t)
	t.Setenv("OPLOG_ENTRY_COUNT_LIMIT", "0")
	t.Setenv("OPLOG_KEEP_IN_INDEXED", "2")
	t.Setenv("OPLOG_ARCHIVE_AGE", "0s")

	code, out, stderr := run(t, "archive")
	require.Equal(t, 0, code, stderr)
	require.Contains(t, out, "archived: 6")

	// Archived entries are still served by get.
	code, out, stderr = run(t, "get", "cart/user-1", "--format", "json")
	require.Equal(t, 0, code, stderr)
	var page decodedPage
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	require.Len(t, page.Entries, 8)
}

func TestParseRegion(t *testing.T) {
	r, err := parseRegion("5..9")
	require.NoError(t, err)
	require.Equal(t, oplog.Region{Start: 5, End: 9}, r)

	for _, bad := range []string{"5", "a..9", "5..b", "9..5"} {
		_, err := parseRegion(bad)
		require.Error(t, err, bad)
	}
}

