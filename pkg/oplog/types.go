// Package oplog defines the per-worker operation log: the entry model, its
// wire codec, deleted regions and the error taxonomy shared by the store,
// the writer and the replay engine.
//
// Every externally observable effect and every nondeterministic decision of
// a worker is captured as an Entry. Entries are immutable once committed and
// totally ordered by Index; replay semantics depend solely on Index, never on
// Timestamp.
package oplog

import (
	"fmt"
	"strings"
	"time"
)

// Index is the position of an entry in a worker's oplog.
// The first entry of every oplog is at InitialIndex and is always a Create.
type Index uint64

// InitialIndex is the index of the Create entry.
const InitialIndex Index = 0

// Next returns the following index.
func (i Index) Next() Index { return i + 1 }

// Previous returns the preceding index. InitialIndex has no predecessor and
// is returned unchanged.
func (i Index) Previous() Index {
	if i == InitialIndex {
		return i
	}
	return i - 1
}

// RangeEnd returns the last index of a range of count entries starting at i.
func (i Index) RangeEnd(count uint64) Index {
	if count == 0 {
		return i
	}
	return i + Index(count) - 1
}

// WorkerID identifies a worker: one instance of a deployed component.
type WorkerID struct {
	ComponentID string `json:"component_id"`
	WorkerName  string `json:"worker_name"`
}

// String renders the worker id as component/name.
func (w WorkerID) String() string {
	return w.ComponentID + "/" + w.WorkerName
}

// Validate reports whether both parts are set and contain no separators.
func (w WorkerID) Validate() error {
	if w.ComponentID == "" || w.WorkerName == "" {
		return fmt.Errorf("invalid worker id %q: component and name are required", w.String())
	}
	if strings.Contains(w.ComponentID, "/") || strings.Contains(w.WorkerName, "/") {
		return fmt.Errorf("invalid worker id %q: '/' is not allowed", w.String())
	}
	return nil
}

// ParseWorkerID parses the component/name form produced by String.
func ParseWorkerID(s string) (WorkerID, error) {
	component, name, ok := strings.Cut(s, "/")
	if !ok {
		return WorkerID{}, fmt.Errorf("invalid worker id %q: expected component/name", s)
	}
	id := WorkerID{ComponentID: component, WorkerName: name}
	return id, id.Validate()
}

// ComponentVersion is the version of a deployed component.
type ComponentVersion uint64

// IdempotencyKey deduplicates an invocation across retries.
type IdempotencyKey string

// ResourceID identifies a live resource handle owned by a worker.
type ResourceID uint64

// SpanID identifies a tracing span opened by, or propagated into, a worker.
type SpanID string

// PluginInstallationID identifies a plugin installation.
type PluginInstallationID string

// PersistenceLevel governs which subsequent effects are recorded.
type PersistenceLevel string

const (
	PersistNothing           PersistenceLevel = "persist-nothing"
	PersistRemoteSideEffects PersistenceLevel = "persist-remote-side-effects"
	PersistSmart             PersistenceLevel = "smart"
)

// Valid reports whether l is one of the known levels.
func (l PersistenceLevel) Valid() bool {
	switch l {
	case PersistNothing, PersistRemoteSideEffects, PersistSmart:
		return true
	}
	return false
}

// EffectClass classifies an imported (host) function call.
type EffectClass string

const (
	ReadLocal          EffectClass = "read-local"
	WriteLocal         EffectClass = "write-local"
	ReadRemote         EffectClass = "read-remote"
	WriteRemote        EffectClass = "write-remote"
	WriteRemoteBatched EffectClass = "write-remote-batched"
)

// WrappedFunctionType is the effect classification recorded with every
// imported call. BatchBegin is only meaningful for WriteRemoteBatched and
// points at the BeginRemoteWrite entry of the batch, if any.
type WrappedFunctionType struct {
	Class      EffectClass `json:"class"`
	BatchBegin *Index      `json:"batch_begin,omitempty"`
}

// IsRemote reports whether the call reaches outside the worker.
func (t WrappedFunctionType) IsRemote() bool {
	switch t.Class {
	case ReadRemote, WriteRemote, WriteRemoteBatched:
		return true
	}
	return false
}

// IsWrite reports whether the call has side effects.
func (t WrappedFunctionType) IsWrite() bool {
	switch t.Class {
	case WriteLocal, WriteRemote, WriteRemoteBatched:
		return true
	}
	return false
}

// RetryPolicy controls how the execution core retries failed invocations.
type RetryPolicy struct {
	MaxAttempts  uint32        `json:"max_attempts" yaml:"max_attempts"`
	MinDelay     time.Duration `json:"min_delay" yaml:"min_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`
	JitterFactor float64       `json:"jitter_factor" yaml:"jitter_factor"`
}

// DefaultRetryPolicy mirrors the platform defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		MinDelay:     100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   3,
		JitterFactor: 0.15,
	}
}

// Validate rejects policies that cannot produce a schedule.
func (p RetryPolicy) Validate() error {
	if p.MinDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("retry policy: delays must not be negative")
	}
	if p.MaxDelay < p.MinDelay {
		return fmt.Errorf("retry policy: max_delay %s is below min_delay %s", p.MaxDelay, p.MinDelay)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry policy: multiplier must be >= 1, got %v", p.Multiplier)
	}
	if p.JitterFactor < 0 || p.JitterFactor > 1 {
		return fmt.Errorf("retry policy: jitter_factor must be within [0,1], got %v", p.JitterFactor)
	}
	return nil
}

// PluginInstallationDescription describes one activated plugin. Order of the
// active set is the call-chain wrapping order.
type PluginInstallationDescription struct {
	ID         PluginInstallationID `json:"id"`
	Name       string               `json:"name"`
	Version    string               `json:"version"`
	Parameters map[string]string    `json:"parameters,omitempty"`
	Registered bool                 `json:"registered"`
}

// UpdateMode distinguishes automatic updates from snapshot-based ones.
type UpdateMode string

const (
	UpdateAutomatic UpdateMode = "automatic"
	UpdateSnapshot  UpdateMode = "snapshot-based"
)

// UpdateDescription is either an automatic-update marker or an opaque
// state snapshot the new component version restores from.
type UpdateDescription struct {
	Mode          UpdateMode       `json:"mode"`
	TargetVersion ComponentVersion `json:"target_version"`
	Snapshot      []byte           `json:"snapshot,omitempty"`
}

// LogLevel is the severity of a guest log line.
type LogLevel string

const (
	LogTrace    LogLevel = "trace"
	LogDebug    LogLevel = "debug"
	LogInfo     LogLevel = "info"
	LogWarn     LogLevel = "warn"
	LogError    LogLevel = "error"
	LogCritical LogLevel = "critical"
	LogStdout   LogLevel = "stdout"
	LogStderr   LogLevel = "stderr"
)
