// Package tape captures imported (host) function calls during live
// execution and serves the recorded responses during replay. Playback is
// fail-closed: a call that does not match the tape ends replay with
// oplog.ErrDivergence instead of reaching the outside world.
package tape

import (
	"encoding/json"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

// Entry is one recorded imported call.
type Entry struct {
	Index        oplog.Index               `json:"index"`
	FunctionName string                    `json:"function_name"`
	FunctionType oplog.WrappedFunctionType `json:"function_type"`
	RequestHash  string                    `json:"request_hash,omitempty"`
	Request      json.RawMessage           `json:"request,omitempty"`
	Response     json.RawMessage           `json:"response,omitempty"`
}

// Manifest lists the calls of a tape without their bodies.
type Manifest struct {
	Worker  oplog.WorkerID `json:"worker"`
	Entries []ManifestItem `json:"entries"`
}

// ManifestItem references a tape entry by index and response digest.
type ManifestItem struct {
	Index        oplog.Index       `json:"index"`
	FunctionName string            `json:"function_name"`
	Class        oplog.EffectClass `json:"class"`
	SHA256       string            `json:"sha256"`
	SizeBytes    int64             `json:"size_bytes"`
}

// FromOplog builds tape entries from recorded ImportedFunctionInvoked
// entries, in index order. Other kinds are ignored.
func FromOplog(entries []oplog.Entry) []Entry {
	var out []Entry
	for _, e := range entries {
		call, ok := e.Payload.(*oplog.ImportedFunctionInvoked)
		if !ok {
			continue
		}
		out = append(out, fromCall(e.Index, call))
	}
	return out
}

func fromCall(idx oplog.Index, call *oplog.ImportedFunctionInvoked) Entry {
	return Entry{
		Index:        idx,
		FunctionName: call.FunctionName,
		FunctionType: call.FunctionType,
		RequestHash:  RequestHash(call.Request),
		Request:      call.Request,
		Response:     call.Response,
	}
}
