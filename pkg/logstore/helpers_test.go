package logstore

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// sampleEntries builds a Create followed by n-1 log lines starting at index 0.
func sampleEntries(n int) []oplog.Entry {
	out := make([]oplog.Entry, n)
	for i := range out {
		e := oplog.Entry{Index: oplog.Index(i), Timestamp: baseTime.Add(time.Duration(i) * time.Second)}
		if i == 0 {
			e.Payload = &oplog.Create{ComponentVersion: 1}
		} else {
			e.Payload = &oplog.Log{Level: oplog.LogInfo, Message: fmt.Sprintf("line %d", i)}
		}
		out[i] = e
	}
	return out
}

func sampleRecords(t *testing.T, from, n int) []Record {
	t.Helper()
	all := sampleEntries(from + n)
	out := make([]Record, 0, n)
	for _, e := range all[from:] {
		data, err := oplog.Encode(e)
		require.NoError(t, err)
		out = append(out, Record{Index: e.Index, Timestamp: e.Timestamp, Data: data})
	}
	return out
}

func indices(entries []oplog.Entry) []oplog.Index {
	out := make([]oplog.Index, len(entries))
	for i, e := range entries {
		out[i] = e.Index
	}
	return out
}

func span(from, to int) []oplog.Index {
	var out []oplog.Index
	for i := from; i <= to; i++ {
		out = append(out, oplog.Index(i))
	}
	return out
}
