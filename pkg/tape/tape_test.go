package tape

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

var testWorker = oplog.WorkerID{ComponentID: "calc", WorkerName: "w1"}

func TestRecorder_RecordAndManifest(t *testing.T) {
	r := NewRecorder(testWorker)
	call := Call("rand", nil, json.RawMessage(`7`), oplog.WrappedFunctionType{Class: oplog.ReadLocal})
	entry := r.Record(4, call)

	require.Equal(t, oplog.Index(4), entry.Index)
	require.Equal(t, "rand", entry.FunctionName)
	require.Empty(t, entry.RequestHash)
	require.Equal(t, 1, r.Count())

	m := r.BuildManifest()
	require.Equal(t, testWorker, m.Worker)
	require.Len(t, m.Entries, 1)
	require.Equal(t, oplog.ReadLocal, m.Entries[0].Class)
	require.Equal(t, int64(1), m.Entries[0].SizeBytes)
	require.Len(t, m.Entries[0].SHA256, 64)
}

func TestReplayer_ServesInOrder(t *testing.T) {
	entries := FromOplog([]oplog.Entry{
		{Index: 0, Payload: &oplog.Create{}},
		{Index: 1, Payload: &oplog.ExportedFunctionInvoked{FunctionName: "add"}},
		{Index: 2, Payload: Call("rand", nil, json.RawMessage(`7`), oplog.WrappedFunctionType{Class: oplog.ReadLocal})},
		{Index: 3, Payload: Call("http-get", json.RawMessage(`{"url":"https://example.com"}`), json.RawMessage(`"ok"`),
			oplog.WrappedFunctionType{Class: oplog.ReadRemote})},
	})
	require.Len(t, entries, 2)

	r := NewReplayer(entries)
	got, err := r.Next("rand", nil)
	require.NoError(t, err)
	require.JSONEq(t, `7`, string(got.Response))

	got, err = r.Next("http-get", json.RawMessage(`{ "url": "https://example.com" }`))
	require.NoError(t, err)
	require.Equal(t, oplog.Index(3), got.Index)
	require.Zero(t, r.Remaining())

	_, err = r.Next("rand", nil)
	require.ErrorIs(t, err, oplog.ErrDivergence)
}

func TestReplayer_FailsClosedOnMismatch(t *testing.T) {
	r := NewReplayer([]Entry{
		{Index: 2, FunctionName: "rand", Response: json.RawMessage(`7`)},
	})

	_, err := r.Next("now", nil)
	require.ErrorIs(t, err, oplog.ErrDivergence)
	require.Equal(t, 1, r.Remaining())

	r = NewReplayer(FromOplog([]oplog.Entry{{Index: 2, Payload: Call("kv-put", json.RawMessage(`{"k":"a"}`), nil,
		oplog.WrappedFunctionType{Class: oplog.WriteRemote})}}))
	_, err = r.Next("kv-put", json.RawMessage(`{"k":"b"}`))
	require.ErrorIs(t, err, oplog.ErrDivergence)
}

func TestReplayer_Lookup(t *testing.T) {
	r := NewReplayer([]Entry{{Index: 9, FunctionName: "rand", Response: json.RawMessage(`1`)}})

	e, err := r.Lookup(9)
	require.NoError(t, err)
	require.Equal(t, "rand", e.FunctionName)

	_, err = r.Lookup(10)
	require.ErrorIs(t, err, oplog.ErrDivergence)
	require.Equal(t, 1, r.Count())
}
