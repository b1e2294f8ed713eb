package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
	"github.com/Mindburn-Labs/helm-durable/pkg/tape"
)

// ErrLive is returned when the cursor is asked for history after it has
// served the last recorded entry.
var ErrLive = errors.New("replay cursor is live")

type step struct {
	entry oplog.Entry
	hint  bool
}

// Cursor walks a log in order. Guest-facing entries are served one by one;
// the hint entries that follow each of them are stepped over together and
// kept in a window, where the host can claim the ones the guest repeats
// instead of writing them again. Deleted regions and a dropped trailing
// region are never visited. Once every entry has been passed the cursor is
// live and the worker records new entries.
type Cursor struct {
	mu     sync.Mutex
	worker oplog.WorkerID
	steps  []step
	pos    int
	facing int
	window []oplog.Entry
	tape   *tape.Replayer
}

func newCursor(w oplog.WorkerID, steps []step, taped []tape.Entry) *Cursor {
	c := &Cursor{
		worker: w,
		steps:  steps,
		tape:   tape.NewReplayer(taped),
	}
	for _, s := range steps {
		if !s.hint {
			c.facing++
		}
	}
	c.skipHints()
	return c
}

// skipHints opens a new window holding the hints up to the next
// guest-facing entry.
func (c *Cursor) skipHints() {
	c.window = nil
	for c.pos < len(c.steps) && c.steps[c.pos].hint {
		c.window = append(c.window, c.steps[c.pos].entry)
		c.pos++
	}
}

func (c *Cursor) advance() {
	c.pos++
	c.facing--
	c.skipHints()
}

// IsLive reports whether all recorded history has been passed.
func (c *Cursor) IsLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos >= len(c.steps)
}

// Remaining returns the number of guest-facing entries left to serve.
func (c *Cursor) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.facing
}

// Peek returns the next guest-facing entry without consuming it.
func (c *Cursor) Peek() (oplog.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pos >= len(c.steps) {
		return oplog.Entry{}, false
	}
	return c.steps[c.pos].entry, true
}

// Expect consumes the next entry, which must be of kind k.
func (c *Cursor) Expect(k oplog.Kind) (oplog.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pos >= len(c.steps) {
		return oplog.Entry{}, fmt.Errorf("%w: expected %s", ErrLive, k)
	}
	e := c.steps[c.pos].entry
	if e.Kind() != k {
		return oplog.Entry{}, fmt.Errorf("%w: %s at index %d: expected %s, found %s",
			oplog.ErrDivergence, c.worker, e.Index, k, e.Kind())
	}
	c.advance()
	return e, nil
}

// NextExportedInvoked consumes the next invocation start.
func (c *Cursor) NextExportedInvoked() (*oplog.ExportedFunctionInvoked, oplog.Index, error) {
	e, err := c.Expect(oplog.KindExportedFunctionInvoked)
	if err != nil {
		return nil, 0, err
	}
	return e.Payload.(*oplog.ExportedFunctionInvoked), e.Index, nil
}

// NextExportedCompleted consumes the next invocation completion.
func (c *Cursor) NextExportedCompleted() (*oplog.ExportedFunctionCompleted, oplog.Index, error) {
	e, err := c.Expect(oplog.KindExportedFunctionCompleted)
	if err != nil {
		return nil, 0, err
	}
	return e.Payload.(*oplog.ExportedFunctionCompleted), e.Index, nil
}

// NextImported serves the recorded response of the next imported call. A
// call that does not match the recording fails with oplog.ErrDivergence.
func (c *Cursor) NextImported(fn string, req json.RawMessage) (json.RawMessage, oplog.Index, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pos >= len(c.steps) {
		return nil, 0, fmt.Errorf("%w: expected %s", ErrLive, oplog.KindImportedFunctionInvoked)
	}
	if k := c.steps[c.pos].entry.Kind(); k != oplog.KindImportedFunctionInvoked {
		return nil, 0, fmt.Errorf("%w: %s at index %d: guest called %q, log has %s",
			oplog.ErrDivergence, c.worker, c.steps[c.pos].entry.Index, fn, k)
	}
	entry, err := c.tape.Next(fn, req)
	if err != nil {
		return nil, 0, err
	}
	c.advance()
	return entry.Response, entry.Index, nil
}

// Claim takes the first hint of kind k in the current window that match
// accepts. A nil match accepts any payload of that kind. A claimed hint is
// already in the log and must not be written again.
func (c *Cursor) Claim(k oplog.Kind, match func(oplog.Payload) bool) (oplog.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.window {
		if e.Kind() != k || (match != nil && !match(e.Payload)) {
			continue
		}
		c.window = append(c.window[:i:i], c.window[i+1:]...)
		return e, true
	}
	return oplog.Entry{}, false
}

// SeenLog reports whether an identical log line was recorded since the last
// guest-facing entry, and claims it so the guest's replayed output is not
// emitted twice.
func (c *Cursor) SeenLog(level oplog.LogLevel, context, message string) bool {
	_, ok := c.Claim(oplog.KindLog, func(p oplog.Payload) bool {
		l := p.(*oplog.Log)
		return l.Level == level && l.Context == context && l.Message == message
	})
	return ok
}

// ErrorCount returns the number of failures recorded for the invocation
// attempt that ends at idx: Error entries since the last completion or
// restart, idx included.
func (c *Cursor) ErrorCount(idx oplog.Index) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n uint32
	for i := len(c.steps) - 1; i >= 0; i-- {
		e := c.steps[i].entry
		if e.Index > idx {
			continue
		}
		switch e.Payload.(type) {
		case *oplog.Error:
			n++
		case *oplog.ExportedFunctionCompleted, *oplog.Restart:
			return n
		}
	}
	return n
}

// Settle forgets unclaimed hints once the cursor is live. The host calls it
// before writing anything new, since the guest has moved past them.
func (c *Cursor) Settle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pos >= len(c.steps) {
		c.window = nil
	}
}
