package tape

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

// Replayer serves recorded responses in order.
type Replayer struct {
	mu      sync.Mutex
	entries []Entry
	byIndex map[oplog.Index]int
	pos     int
}

// NewReplayer creates a replayer over entries, which must be in index order.
func NewReplayer(entries []Entry) *Replayer {
	byIndex := make(map[oplog.Index]int, len(entries))
	for i, e := range entries {
		byIndex[e.Index] = i
	}
	return &Replayer{entries: entries, byIndex: byIndex}
}

// Next returns the recorded response for the next call. The function name
// must match the tape; when req is non-empty and a request was recorded,
// the canonical request digests must match too.
func (r *Replayer) Next(fn string, req json.RawMessage) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pos >= len(r.entries) {
		return Entry{}, fmt.Errorf("%w: tape exhausted before call to %q", oplog.ErrDivergence, fn)
	}
	entry := r.entries[r.pos]
	if err := Verify(entry, fn, req); err != nil {
		return Entry{}, err
	}
	r.pos++
	return entry, nil
}

// Lookup returns the entry recorded at idx.
func (r *Replayer) Lookup(idx oplog.Index) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.byIndex[idx]
	if !ok {
		return Entry{}, fmt.Errorf("%w: no imported call recorded at index %d", oplog.ErrDivergence, idx)
	}
	return r.entries[i], nil
}

// Remaining returns how many calls are still to be served.
func (r *Replayer) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries) - r.pos
}

// Count returns the total number of taped calls.
func (r *Replayer) Count() int {
	return len(r.entries)
}

// Verify checks that a replayed call matches the recorded entry.
func Verify(entry Entry, fn string, req json.RawMessage) error {
	if entry.FunctionName != fn {
		return fmt.Errorf("%w: index %d recorded %q, replay called %q",
			oplog.ErrDivergence, entry.Index, entry.FunctionName, fn)
	}
	if len(req) > 0 && entry.RequestHash != "" && RequestHash(req) != entry.RequestHash {
		return fmt.Errorf("%w: index %d: request to %q differs from the recorded one",
			oplog.ErrDivergence, entry.Index, fn)
	}
	return nil
}
