package oplog

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCodec_PreservesPayload(t *testing.T) {
	ts := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	entry := Entry{
		Index:     2,
		Timestamp: ts,
		Payload: &ImportedFunctionInvoked{
			FunctionName: "rand",
			Response:     json.RawMessage(`7`),
			FunctionType: WrappedFunctionType{Class: ReadLocal},
		},
	}

	data, err := Encode(entry)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, Index(2), decoded.Index)
	require.True(t, decoded.Timestamp.Equal(ts))
	call, ok := decoded.Payload.(*ImportedFunctionInvoked)
	require.True(t, ok)
	require.Equal(t, "rand", call.FunctionName)
	require.JSONEq(t, `7`, string(call.Response))
}

func TestDecode_UnknownKindIsIntegrityError(t *testing.T) {
	data := []byte(`{"index":3,"ts":"2026-01-01T00:00:00Z","kind":"from-the-future","v":1,"payload":{}}`)
	data = resign(t, data, 3, "from-the-future", `{}`)

	_, err := Decode(data)
	require.Error(t, err)
	require.True(t, IsIntegrity(err))
	require.ErrorIs(t, err, ErrUnknownKind)

	lenient, err := DecodeLenient(data)
	require.NoError(t, err)
	require.Equal(t, Kind("from-the-future"), lenient.Kind())
}

func TestDecode_ChecksumMismatch(t *testing.T) {
	data, err := Encode(Entry{Index: 1, Payload: &Log{Level: LogInfo, Message: "hello"}})
	require.NoError(t, err)

	tampered := strings.Replace(string(data), "hello", "jello", 1)
	_, err = Decode([]byte(tampered))
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestCheckSize(t *testing.T) {
	entry := Entry{Index: 1, Payload: &Log{Message: strings.Repeat("x", 1024)}}
	require.NoError(t, CheckSize(entry, 0))
	require.NoError(t, CheckSize(entry, 1<<20))

	err := CheckSize(entry, 128)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	var capErr *CapacityError
	require.True(t, errors.As(err, &capErr))
	require.Equal(t, 128, capErr.Limit)
}

func TestValidateSequence(t *testing.T) {
	w := WorkerID{ComponentID: "c", WorkerName: "w"}
	ok := []Entry{
		{Index: 0, Payload: &Create{}},
		{Index: 1, Payload: &NoOp{}},
	}
	require.NoError(t, ValidateSequence(w, 0, ok))

	gap := []Entry{
		{Index: 0, Payload: &Create{}},
		{Index: 2, Payload: &NoOp{}},
	}
	require.ErrorIs(t, ValidateSequence(w, 0, gap), ErrOutOfOrder)

	noCreate := []Entry{{Index: 0, Payload: &NoOp{}}}
	require.ErrorIs(t, ValidateSequence(w, 0, noCreate), ErrMissingCreate)

	unknown := []Entry{{Index: 5, Payload: &Unknown{RawKind: "x"}}}
	require.ErrorIs(t, ValidateSequence(w, 5, unknown), ErrUnknownKind)
}

func TestEntry_IsHint(t *testing.T) {
	require.True(t, Entry{Payload: &Log{}}.IsHint())
	require.True(t, Entry{Payload: &ChangePersistenceLevel{Level: PersistSmart}}.IsHint())
	require.False(t, Entry{Payload: &ChangePersistenceLevel{Level: PersistNothing}}.IsHint())
	require.False(t, Entry{Payload: &ImportedFunctionInvoked{}}.IsHint())
	require.False(t, Entry{Payload: &ExportedFunctionCompleted{}}.IsHint())
}

func TestDeletedRegions(t *testing.T) {
	d := NewDeletedRegions(Region{Start: 10, End: 12}, Region{Start: 3, End: 5})
	require.True(t, d.Contains(4))
	require.False(t, d.Contains(6))
	require.True(t, d.Contains(12))

	d.Add(Region{Start: 6, End: 9})
	require.Equal(t, []Region{{Start: 3, End: 12}}, d.Regions())

	next, ok := d.FindNext(1)
	require.True(t, ok)
	require.Equal(t, Index(3), next.Start)

	_, ok = d.FindNext(13)
	require.False(t, ok)

	require.Equal(t, []Region{{Start: 3, End: 7}}, d.Truncated(7).Regions())
}

func TestWorkerID_Parse(t *testing.T) {
	id, err := ParseWorkerID("shopping-cart/user-1")
	require.NoError(t, err)
	require.Equal(t, WorkerID{ComponentID: "shopping-cart", WorkerName: "user-1"}, id)

	_, err = ParseWorkerID("no-separator")
	require.Error(t, err)
}

func TestRetryPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultRetryPolicy().Validate())

	bad := DefaultRetryPolicy()
	bad.MaxDelay = bad.MinDelay / 2
	require.Error(t, bad.Validate())
}

// resign rewrites the checksum of a hand-built envelope.
func resign(t *testing.T, data []byte, idx Index, kind Kind, payload string) []byte {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	env.Checksum = checksum(idx, kind, []byte(payload))
	out, err := json.Marshal(env)
	require.NoError(t, err)
	return out
}
