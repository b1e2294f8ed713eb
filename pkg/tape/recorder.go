package tape

import (
	"encoding/json"
	"sync"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

// Recorder captures the imported calls a worker makes while live.
type Recorder struct {
	mu      sync.Mutex
	worker  oplog.WorkerID
	entries []Entry
}

// NewRecorder creates an empty recorder for worker.
func NewRecorder(worker oplog.WorkerID) *Recorder {
	return &Recorder{worker: worker}
}

// Call builds the oplog payload for a completed imported call.
func Call(fn string, req, resp json.RawMessage, ft oplog.WrappedFunctionType) *oplog.ImportedFunctionInvoked {
	return &oplog.ImportedFunctionInvoked{
		FunctionName: fn,
		Request:      req,
		Response:     resp,
		FunctionType: ft,
	}
}

// Record remembers call as emitted at idx.
func (r *Recorder) Record(idx oplog.Index, call *oplog.ImportedFunctionInvoked) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := fromCall(idx, call)
	r.entries = append(r.entries, entry)
	return entry
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Count returns the number of recorded calls.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// BuildManifest summarises the recorded calls.
func (r *Recorder) BuildManifest() Manifest {
	return BuildManifest(r.worker, r.Entries())
}

// BuildManifest summarises entries for worker.
func BuildManifest(worker oplog.WorkerID, entries []Entry) Manifest {
	m := Manifest{Worker: worker, Entries: make([]ManifestItem, 0, len(entries))}
	for _, e := range entries {
		m.Entries = append(m.Entries, ManifestItem{
			Index:        e.Index,
			FunctionName: e.FunctionName,
			Class:        e.FunctionType.Class,
			SHA256:       digest(e.Response),
			SizeBytes:    int64(len(e.Response)),
		})
	}
	return m
}
