package replay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-durable/pkg/logstore"
	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

func addRandLog() []oplog.Entry {
	return build(
		&oplog.Create{ComponentVersion: 1, Args: []string{"--fast"}},
		&oplog.ExportedFunctionInvoked{FunctionName: "add", IdempotencyKey: "K", Request: json.RawMessage(`[2]`)},
		&oplog.ImportedFunctionInvoked{FunctionName: "rand", Response: json.RawMessage(`7`),
			FunctionType: oplog.WrappedFunctionType{Class: oplog.ReadLocal}},
		&oplog.ExportedFunctionCompleted{Response: json.RawMessage(`9`), ConsumedFuel: 12},
	)
}

func TestReplay_AddRandExample(t *testing.T) {
	ctx := context.Background()
	state, err := Replay(ctx, testWorker, addRandLog())
	require.NoError(t, err)

	last, ok := state.LastCompleted("add")
	require.True(t, ok)
	require.JSONEq(t, `9`, string(last.Response))
	require.Equal(t, StatusIdle, state.Status)
	require.Nil(t, state.InFlight)
	require.Equal(t, int64(12), state.TotalFuel)
	require.Equal(t, []string{"--fast"}, state.Args)

	require.Len(t, state.Tape, 1)
	require.Equal(t, "rand", state.Tape[0].FunctionName)
	require.JSONEq(t, `7`, string(state.Tape[0].Response))

	// A future re-execution gets 7 back without calling rand.
	_, cursor, err := Activate(ctx, testWorker, addRandLog())
	require.NoError(t, err)
	inv, idx, err := cursor.NextExportedInvoked()
	require.NoError(t, err)
	require.Equal(t, oplog.Index(1), idx)
	require.Equal(t, "add", inv.FunctionName)

	resp, idx, err := cursor.NextImported("rand", nil)
	require.NoError(t, err)
	require.Equal(t, oplog.Index(2), idx)
	require.JSONEq(t, `7`, string(resp))

	done, _, err := cursor.NextExportedCompleted()
	require.NoError(t, err)
	require.JSONEq(t, `9`, string(done.Response))
	require.True(t, cursor.IsLive())

	_, _, err = cursor.NextImported("rand", nil)
	require.ErrorIs(t, err, ErrLive)
}

func TestReplay_ChangeRetryPolicyExample(t *testing.T) {
	strict := oplog.DefaultRetryPolicy()
	strict.MaxAttempts = 1

	entries := build(
		&oplog.Create{ComponentVersion: 1},
		&oplog.ExportedFunctionInvoked{FunctionName: "charge", IdempotencyKey: "K"},
		&oplog.NoOp{},
		&oplog.NoOp{},
		&oplog.NoOp{},
		&oplog.ChangeRetryPolicy{Policy: strict},
		&oplog.Error{Error: "card declined"},
	)
	state, err := Replay(context.Background(), testWorker, entries)
	require.NoError(t, err)
	require.Equal(t, uint32(1), state.RetryPolicy.MaxAttempts)
	require.Equal(t, uint32(1), state.ErrorCount)
	require.Equal(t, "card declined", state.LastError)
	require.Equal(t, StatusFailed, state.Status)

	// Under the default policy the same failure would still be retried.
	entries[5].Payload = &oplog.NoOp{}
	state, err = Replay(context.Background(), testWorker, entries)
	require.NoError(t, err)
	require.Equal(t, oplog.DefaultRetryPolicy().MaxAttempts, state.RetryPolicy.MaxAttempts)
	require.Equal(t, StatusRetrying, state.Status)
}

func TestReplay_DefaultRetryPolicyOption(t *testing.T) {
	policy := oplog.DefaultRetryPolicy()
	policy.MaxAttempts = 9
	state, err := Replay(context.Background(), testWorker, build(&oplog.Create{}), WithDefaultRetryPolicy(policy))
	require.NoError(t, err)
	require.Equal(t, uint32(9), state.RetryPolicy.MaxAttempts)
}

func TestReplay_IntegrityFailures(t *testing.T) {
	ctx := context.Background()

	_, err := Replay(ctx, testWorker, nil)
	require.ErrorIs(t, err, oplog.ErrMissingCreate)

	_, err = Replay(ctx, testWorker, build(&oplog.NoOp{}))
	require.ErrorIs(t, err, oplog.ErrMissingCreate)

	gap := build(&oplog.Create{}, &oplog.NoOp{})
	gap[1].Index = 5
	_, err = Replay(ctx, testWorker, gap)
	require.ErrorIs(t, err, oplog.ErrOutOfOrder)

	_, err = Replay(ctx, testWorker, build(&oplog.Create{}, &oplog.Unknown{RawKind: "teleport"}))
	require.ErrorIs(t, err, oplog.ErrUnknownKind)
	require.True(t, oplog.IsIntegrity(err))

	_, err = Replay(ctx, testWorker, build(&oplog.Create{}, &oplog.ExportedFunctionCompleted{}))
	require.True(t, oplog.IsIntegrity(err))

	_, err = Replay(ctx, testWorker, build(&oplog.Create{}, &oplog.DropResource{ID: 3}))
	require.True(t, oplog.IsIntegrity(err))
}

func TestReplay_RevertExcludesRange(t *testing.T) {
	entries := build(
		&oplog.Create{},
		&oplog.ExportedFunctionInvoked{FunctionName: "add", IdempotencyKey: "a"},
		&oplog.ExportedFunctionCompleted{Response: json.RawMessage(`1`)},
		&oplog.ExportedFunctionInvoked{FunctionName: "add", IdempotencyKey: "b"},
		&oplog.ImportedFunctionInvoked{FunctionName: "rand", Response: json.RawMessage(`4`),
			FunctionType: oplog.WrappedFunctionType{Class: oplog.ReadLocal}},
		&oplog.ExportedFunctionCompleted{Response: json.RawMessage(`5`)},
		&oplog.Revert{DroppedRegion: oplog.Region{Start: 3, End: 5}},
		&oplog.ExportedFunctionInvoked{FunctionName: "add", IdempotencyKey: "c"},
		&oplog.ExportedFunctionCompleted{Response: json.RawMessage(`2`)},
	)
	state, cursor, err := Activate(context.Background(), testWorker, entries)
	require.NoError(t, err)

	require.Equal(t, oplog.Index(8), state.LastIndex)
	require.Contains(t, state.Completed, oplog.IdempotencyKey("a"))
	require.NotContains(t, state.Completed, oplog.IdempotencyKey("b"))
	require.Contains(t, state.Completed, oplog.IdempotencyKey("c"))
	require.Empty(t, state.Tape)
	require.True(t, state.IsDeleted(4))
	require.False(t, state.IsDeleted(7))

	last, ok := state.LastCompleted("add")
	require.True(t, ok)
	require.JSONEq(t, `2`, string(last.Response))

	// a-invoked, a-completed, c-invoked, c-completed
	require.Equal(t, 4, cursor.Remaining())
}

func TestReplay_TrailingAtomicRegionDropped(t *testing.T) {
	entries := build(
		&oplog.Create{},
		&oplog.ExportedFunctionInvoked{FunctionName: "transfer", IdempotencyKey: "t1"},
		&oplog.BeginAtomicRegion{},
		&oplog.ImportedFunctionInvoked{FunctionName: "debit", Response: json.RawMessage(`true`),
			FunctionType: oplog.WrappedFunctionType{Class: oplog.WriteRemote}},
		&oplog.EndAtomicRegion{BeginIndex: 2},
		&oplog.BeginAtomicRegion{},
		&oplog.ImportedFunctionInvoked{FunctionName: "credit", Response: json.RawMessage(`true`),
			FunctionType: oplog.WrappedFunctionType{Class: oplog.WriteRemote}},
	)
	state, cursor, err := Activate(context.Background(), testWorker, entries)
	require.NoError(t, err)

	require.Equal(t, &oplog.Region{Start: 5, End: 6}, state.DroppedRegion)
	require.NotNil(t, state.InFlight)
	require.True(t, state.InFlight.Reattempt)
	require.Equal(t, oplog.Index(5), state.InFlight.ResumeFrom)
	require.Equal(t, StatusRunning, state.Status)
	require.Len(t, state.Tape, 1)
	require.Equal(t, "debit", state.Tape[0].FunctionName)

	_, _, err = cursor.NextExportedInvoked()
	require.NoError(t, err)
	_, err = cursor.Expect(oplog.KindBeginAtomicRegion)
	require.NoError(t, err)
	_, _, err = cursor.NextImported("debit", nil)
	require.NoError(t, err)
	_, err = cursor.Expect(oplog.KindEndAtomicRegion)
	require.NoError(t, err)
	require.True(t, cursor.IsLive())
}

func TestReplay_ClosedRegionMovesResumePoint(t *testing.T) {
	entries := build(
		&oplog.Create{},
		&oplog.ExportedFunctionInvoked{FunctionName: "transfer", IdempotencyKey: "t1"},
		&oplog.BeginAtomicRegion{},
		&oplog.EndAtomicRegion{BeginIndex: 2},
		&oplog.Log{Message: "between regions"},
	)
	state, err := Replay(context.Background(), testWorker, entries)
	require.NoError(t, err)
	require.Nil(t, state.DroppedRegion)
	require.False(t, state.InFlight.Reattempt)
	require.Equal(t, oplog.Index(4), state.InFlight.ResumeFrom)
}

func TestReplay_PendingAndCancelled(t *testing.T) {
	target := oplog.ComponentVersion(2)
	entries := build(
		&oplog.Create{ComponentVersion: 1},
		&oplog.PendingWorkerInvocation{IdempotencyKey: "p1", FunctionName: "add"},
		&oplog.PendingWorkerInvocation{IdempotencyKey: "p2", FunctionName: "add"},
		&oplog.PendingWorkerInvocation{IdempotencyKey: "u1", ManualUpdate: &target},
		&oplog.CancelInvocation{IdempotencyKey: "p1"},
		&oplog.PendingWorkerInvocation{IdempotencyKey: "p1", FunctionName: "add"},
		&oplog.ExportedFunctionInvoked{FunctionName: "add", IdempotencyKey: "p2"},
		&oplog.PendingUpdate{Description: oplog.UpdateDescription{Mode: oplog.UpdateSnapshot, TargetVersion: 2}},
		&oplog.SuccessfulUpdate{TargetVersion: 2, NewComponentSize: 4096},
	)
	state, err := Replay(context.Background(), testWorker, entries)
	require.NoError(t, err)

	require.Empty(t, state.Pending)
	require.True(t, state.Cancelled["p1"])
	require.Equal(t, oplog.IdempotencyKey("p2"), state.InFlight.IdempotencyKey)
	require.Equal(t, oplog.ComponentVersion(2), state.ComponentVersion)
	require.Equal(t, uint64(4096), state.ComponentSize)
	require.Empty(t, state.PendingUpdates)
	require.Len(t, state.SuccessfulUpdates, 1)

	completed, cancelled, known := state.InvocationStatus("p1")
	require.False(t, completed)
	require.True(t, cancelled)
	require.True(t, known)
	_, _, known = state.InvocationStatus("nope")
	require.False(t, known)
}

func TestReplay_Projections(t *testing.T) {
	entries := build(
		&oplog.Create{
			InitialTotalLinearMemorySize: 65536,
			InitialActivePlugins:         []oplog.PluginInstallationDescription{{ID: "p-a", Name: "audit", Version: "1.0.0"}},
		},
		&oplog.ActivatePlugin{Plugin: oplog.PluginInstallationDescription{ID: "p-b", Name: "quota", Version: "0.3.0"}},
		&oplog.ActivatePlugin{Plugin: oplog.PluginInstallationDescription{ID: "p-a", Name: "audit", Version: "1.1.0"}},
		&oplog.DeactivatePlugin{Plugin: "p-b"},
		&oplog.CreateResource{ID: 1, Name: "counter"},
		&oplog.CreateResource{ID: 2, Name: "cache", Params: []string{"16"}},
		&oplog.DescribeResource{ID: 2, Name: "cache", Params: []string{"32"}},
		&oplog.DropResource{ID: 1},
		&oplog.GrowMemory{Delta: 65536},
		&oplog.StartSpan{SpanID: "s1", Parent: "caller", ExternalParent: true},
		&oplog.StartSpan{SpanID: "s2", Parent: "s1"},
		&oplog.SetSpanAttribute{SpanID: "s2", Key: "phase", Value: "load"},
		&oplog.FinishSpan{SpanID: "s2"},
		&oplog.ChangePersistenceLevel{Level: oplog.PersistNothing},
		&oplog.ImportedFunctionInvoked{FunctionName: "rand", FunctionType: oplog.WrappedFunctionType{Class: oplog.ReadLocal}},
		&oplog.ChangePersistenceLevel{Level: oplog.PersistSmart},
	)
	state, err := Replay(context.Background(), testWorker, entries)
	require.NoError(t, err)

	require.Equal(t, []oplog.PluginInstallationDescription{{ID: "p-a", Name: "audit", Version: "1.1.0"}}, state.Plugins)
	require.Len(t, state.Resources, 1)
	require.Equal(t, []string{"32"}, state.Resources[2].Params)
	require.Equal(t, oplog.ResourceID(3), state.NextResourceID)
	require.Equal(t, uint64(131072), state.TotalLinearMemorySize)
	require.Len(t, state.Spans, 1)
	require.Equal(t, oplog.SpanID("s1"), state.Spans[0].ID)
	require.Empty(t, state.Tape)
	require.Equal(t, oplog.PersistSmart, state.PersistenceLevel)

	_, err = Replay(context.Background(), testWorker, build(&oplog.Create{}, &oplog.StartSpan{SpanID: "x", Parent: "ghost"}))
	require.True(t, oplog.IsIntegrity(err))

	_, err = Replay(context.Background(), testWorker, build(&oplog.Create{},
		&oplog.CreateResource{ID: 4}, &oplog.DropResource{ID: 4}, &oplog.CreateResource{ID: 4}))
	require.True(t, oplog.IsIntegrity(err))
}

func TestCursor_DivergenceAndLogs(t *testing.T) {
	entries := build(
		&oplog.Create{},
		&oplog.ExportedFunctionInvoked{FunctionName: "add", IdempotencyKey: "K"},
		&oplog.Log{Level: oplog.LogInfo, Message: "adding"},
		&oplog.ImportedFunctionInvoked{FunctionName: "rand", Response: json.RawMessage(`7`),
			FunctionType: oplog.WrappedFunctionType{Class: oplog.ReadLocal}},
	)
	_, cursor, err := Activate(context.Background(), testWorker, entries)
	require.NoError(t, err)

	_, _, err = cursor.NextImported("rand", nil)
	require.ErrorIs(t, err, oplog.ErrDivergence)

	_, _, err = cursor.NextExportedInvoked()
	require.NoError(t, err)
	_, _, err = cursor.NextImported("now", nil)
	require.ErrorIs(t, err, oplog.ErrDivergence)

	next, ok := cursor.Peek()
	require.True(t, ok)
	require.Equal(t, oplog.Index(3), next.Index)

	require.True(t, cursor.SeenLog(oplog.LogInfo, "", "adding"))
	require.False(t, cursor.SeenLog(oplog.LogInfo, "", "adding"))
}

func TestCursor_LogLinesBelongToTheirWindow(t *testing.T) {
	entries := build(
		&oplog.Create{},
		&oplog.ExportedFunctionInvoked{FunctionName: "add", IdempotencyKey: "K"},
		&oplog.Log{Level: oplog.LogInfo, Message: "tick"},
		&oplog.ImportedFunctionInvoked{FunctionName: "rand", Response: json.RawMessage(`7`),
			FunctionType: oplog.WrappedFunctionType{Class: oplog.ReadLocal}},
		&oplog.Log{Level: oplog.LogInfo, Message: "tick"},
		&oplog.ExportedFunctionCompleted{},
	)
	_, cursor, err := Activate(context.Background(), testWorker, entries)
	require.NoError(t, err)
	require.Equal(t, 3, cursor.Remaining())

	_, _, err = cursor.NextExportedInvoked()
	require.NoError(t, err)
	require.True(t, cursor.SeenLog(oplog.LogInfo, "", "tick"))
	// The second line was written after the imported call.
	require.False(t, cursor.SeenLog(oplog.LogInfo, "", "tick"))

	_, _, err = cursor.NextImported("rand", nil)
	require.NoError(t, err)
	require.True(t, cursor.SeenLog(oplog.LogInfo, "", "tick"))
	require.False(t, cursor.SeenLog(oplog.LogInfo, "", "tick"))

	_, _, err = cursor.NextExportedCompleted()
	require.NoError(t, err)
	require.True(t, cursor.IsLive())
	require.Zero(t, cursor.Remaining())
}

func TestCursor_ErrorCountPerAttempt(t *testing.T) {
	entries := build(
		&oplog.Create{},
		&oplog.ExportedFunctionInvoked{FunctionName: "add", IdempotencyKey: "K1"},
		&oplog.Error{Error: "boom"},
		&oplog.ExportedFunctionInvoked{FunctionName: "add", IdempotencyKey: "K1"},
		&oplog.Error{Error: "boom"},
		&oplog.ExportedFunctionInvoked{FunctionName: "add", IdempotencyKey: "K1"},
		&oplog.ExportedFunctionCompleted{},
		&oplog.ExportedFunctionInvoked{FunctionName: "add", IdempotencyKey: "K2"},
		&oplog.Error{Error: "boom"},
	)
	_, cursor, err := Activate(context.Background(), testWorker, entries)
	require.NoError(t, err)
	require.Equal(t, uint32(1), cursor.ErrorCount(2))
	require.Equal(t, uint32(2), cursor.ErrorCount(4))
	require.Equal(t, uint32(1), cursor.ErrorCount(8))

	for range 3 {
		_, _, err = cursor.NextExportedInvoked()
		require.NoError(t, err)
		_, ok := cursor.Claim(oplog.KindError, nil)
		if !ok {
			_, _, err = cursor.NextExportedCompleted()
			require.NoError(t, err)
		}
	}
	_, _, err = cursor.NextExportedInvoked()
	require.NoError(t, err)
	require.True(t, cursor.IsLive())

	// Once live, hints the guest moved past are dropped.
	cursor.Settle()
	_, ok := cursor.Claim(oplog.KindError, nil)
	require.False(t, ok)
}

func TestReplay_SameLogSameFingerprint(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)
	properties.Property("replaying the same log yields the same fingerprint", prop.ForAll(
		replaysIdentically,
		gen.SliceOf(gen.IntRange(0, 1000)),
	))
	properties.TestingRun(t)
}

func TestFingerprint_StableAcrossTiers(t *testing.T) {
	ctx := context.Background()
	first, err := Replay(ctx, testWorker, addRandLog())
	require.NoError(t, err)
	second, err := Replay(ctx, testWorker, addRandLog())
	require.NoError(t, err)

	a, err := first.Fingerprint()
	require.NoError(t, err)
	b, err := second.Fingerprint()
	require.NoError(t, err)
	require.Equal(t, a, b)

	changed := addRandLog()
	changed[3].Payload = &oplog.ExportedFunctionCompleted{Response: json.RawMessage(`10`)}
	third, err := Replay(ctx, testWorker, changed)
	require.NoError(t, err)
	c, err := third.Fingerprint()
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestEngine_RebuildFromStore(t *testing.T) {
	ctx := context.Background()
	store := logstore.New(logstore.NewMemoryLayer())
	_, err := store.Append(ctx, testWorker, addRandLog()...)
	require.NoError(t, err)

	engine := NewEngine(store)
	state, err := engine.Rebuild(ctx, testWorker)
	require.NoError(t, err)
	require.Equal(t, oplog.Index(3), state.LastIndex)

	_, cursor, err := engine.Activate(ctx, testWorker)
	require.NoError(t, err)
	require.Equal(t, 3, cursor.Remaining())

	fp, err := engine.Verify(ctx, testWorker)
	require.NoError(t, err)
	want, err := state.Fingerprint()
	require.NoError(t, err)
	require.Equal(t, want, fp)

	_, err = engine.Rebuild(ctx, oplog.WorkerID{ComponentID: "calc", WorkerName: "ghost"})
	require.ErrorIs(t, err, oplog.ErrNotFound)
}
