package oplog

import (
	"encoding/json"
	"sort"
	"time"
)

// Kind is the variant tag of an entry.
type Kind string

// Lifecycle.
const (
	KindCreate      Kind = "create"
	KindExited      Kind = "exited"
	KindInterrupted Kind = "interrupted"
	KindRestart     Kind = "restart"
	KindNoOp        Kind = "no-op"
	KindSuspend     Kind = "suspend"
	KindJump        Kind = "jump"
)

// Invocation boundaries.
const (
	KindExportedFunctionInvoked   Kind = "exported-function-invoked"
	KindExportedFunctionCompleted Kind = "exported-function-completed"
	KindPendingWorkerInvocation   Kind = "pending-worker-invocation"
	KindCancelInvocation          Kind = "cancel-invocation"
)

// Nondeterminism capture.
const (
	KindImportedFunctionInvoked Kind = "imported-function-invoked"
)

// Consistency brackets.
const (
	KindBeginAtomicRegion Kind = "begin-atomic-region"
	KindEndAtomicRegion   Kind = "end-atomic-region"
	KindBeginRemoteWrite  Kind = "begin-remote-write"
	KindEndRemoteWrite    Kind = "end-remote-write"
)

// Failures, resources, updates, plugins, tracing and control.
const (
	KindError                  Kind = "error"
	KindChangeRetryPolicy      Kind = "change-retry-policy"
	KindCreateResource         Kind = "create-resource"
	KindDropResource           Kind = "drop-resource"
	KindDescribeResource       Kind = "describe-resource"
	KindPendingUpdate          Kind = "pending-update"
	KindSuccessfulUpdate       Kind = "successful-update"
	KindFailedUpdate           Kind = "failed-update"
	KindGrowMemory             Kind = "grow-memory"
	KindActivatePlugin         Kind = "activate-plugin"
	KindDeactivatePlugin       Kind = "deactivate-plugin"
	KindStartSpan              Kind = "start-span"
	KindFinishSpan             Kind = "finish-span"
	KindSetSpanAttribute       Kind = "set-span-attribute"
	KindChangePersistenceLevel Kind = "change-persistence-level"
	KindRevert                 Kind = "revert"
	KindLog                    Kind = "log"
)

// Payload is the closed set of entry variants.
type Payload interface {
	Kind() Kind
	isPayload()
}

// Entry is one committed record of a worker's oplog.
type Entry struct {
	Index     Index
	Timestamp time.Time
	Payload   Payload
}

// Kind returns the variant tag of the entry's payload.
func (e Entry) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// IsHint reports whether the entry only carries bookkeeping for derived
// projections and is never consumed by the guest-facing replay cursor.
func (e Entry) IsHint() bool {
	switch p := e.Payload.(type) {
	case *Suspend, *Error, *Interrupted, *Exited, *PendingWorkerInvocation,
		*PendingUpdate, *SuccessfulUpdate, *FailedUpdate, *GrowMemory,
		*CreateResource, *DropResource, *DescribeResource, *Log, *Restart,
		*ActivatePlugin, *DeactivatePlugin, *Revert, *CancelInvocation,
		*NoOp, *StartSpan, *FinishSpan, *SetSpanAttribute:
		return true
	case *ChangePersistenceLevel:
		return p.Level != PersistNothing
	}
	return false
}

// Create establishes the identity of a worker.
type Create struct {
	ComponentVersion             ComponentVersion                `json:"component_version"`
	Args                         []string                        `json:"args,omitempty"`
	Env                          map[string]string               `json:"env,omitempty"`
	Ephemeral                    bool                            `json:"ephemeral,omitempty"`
	ComponentSize                uint64                          `json:"component_size,omitempty"`
	InitialTotalLinearMemorySize uint64                          `json:"initial_total_linear_memory_size,omitempty"`
	InitialActivePlugins         []PluginInstallationDescription `json:"initial_active_plugins,omitempty"`
}

type Exited struct{}
type Interrupted struct{}
type Restart struct{}
type NoOp struct{}
type Suspend struct{}

// Jump is the legacy deleted-region marker written by manual updates.
type Jump struct {
	Jump Region `json:"jump"`
}

// ExportedFunctionInvoked opens a guest-visible invocation.
type ExportedFunctionInvoked struct {
	FunctionName   string          `json:"function_name"`
	Request        json.RawMessage `json:"request,omitempty"`
	IdempotencyKey IdempotencyKey  `json:"idempotency_key"`
	TraceID        string          `json:"trace_id,omitempty"`
}

// ExportedFunctionCompleted closes the innermost open invocation.
type ExportedFunctionCompleted struct {
	Response     json.RawMessage `json:"response,omitempty"`
	ConsumedFuel int64           `json:"consumed_fuel"`
}

// PendingWorkerInvocation queues an invocation that has not started yet.
// ManualUpdate is set when the queued item is a snapshot-based update
// rather than an exported function call.
type PendingWorkerInvocation struct {
	IdempotencyKey IdempotencyKey    `json:"idempotency_key"`
	FunctionName   string            `json:"function_name,omitempty"`
	Request        json.RawMessage   `json:"request,omitempty"`
	ManualUpdate   *ComponentVersion `json:"manual_update,omitempty"`
}

// CancelInvocation marks a pending invocation as terminally cancelled.
type CancelInvocation struct {
	IdempotencyKey IdempotencyKey `json:"idempotency_key"`
}

// ImportedFunctionInvoked records a host call together with its response,
// so replay can serve the response without re-executing the call.
type ImportedFunctionInvoked struct {
	FunctionName string              `json:"function_name"`
	Request      json.RawMessage     `json:"request,omitempty"`
	Response     json.RawMessage     `json:"response,omitempty"`
	FunctionType WrappedFunctionType `json:"function_type"`
}

type BeginAtomicRegion struct{}

type EndAtomicRegion struct {
	BeginIndex Index `json:"begin_index"`
}

type BeginRemoteWrite struct{}

type EndRemoteWrite struct {
	BeginIndex Index `json:"begin_index"`
}

// Error records a guest-reported failure of the current invocation.
type Error struct {
	Error string `json:"error"`
}

type ChangeRetryPolicy struct {
	Policy RetryPolicy `json:"policy"`
}

type CreateResource struct {
	ID     ResourceID `json:"id"`
	Name   string     `json:"name,omitempty"`
	Params []string   `json:"params,omitempty"`
}

type DropResource struct {
	ID ResourceID `json:"id"`
}

type DescribeResource struct {
	ID     ResourceID `json:"id"`
	Name   string     `json:"name"`
	Params []string   `json:"params,omitempty"`
}

type PendingUpdate struct {
	Description UpdateDescription `json:"description"`
}

type SuccessfulUpdate struct {
	TargetVersion    ComponentVersion                `json:"target_version"`
	NewComponentSize uint64                          `json:"new_component_size,omitempty"`
	NewActivePlugins []PluginInstallationDescription `json:"new_active_plugins,omitempty"`
}

type FailedUpdate struct {
	TargetVersion ComponentVersion `json:"target_version"`
	Details       string           `json:"details,omitempty"`
}

type GrowMemory struct {
	Delta uint64 `json:"delta"`
}

type ActivatePlugin struct {
	Plugin PluginInstallationDescription `json:"plugin"`
}

type DeactivatePlugin struct {
	Plugin PluginInstallationID `json:"plugin"`
}

// StartSpan opens a span. Parent is either a span on the worker's own stack
// or, when ExternalParent is set, a span owned by the caller's trace.
type StartSpan struct {
	SpanID         SpanID            `json:"span_id"`
	Parent         SpanID            `json:"parent,omitempty"`
	ExternalParent bool              `json:"external_parent,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

type FinishSpan struct {
	SpanID SpanID `json:"span_id"`
}

type SetSpanAttribute struct {
	SpanID SpanID `json:"span_id"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

type ChangePersistenceLevel struct {
	Level PersistenceLevel `json:"level"`
}

// Revert retracts DroppedRegion. The entries stay in storage; replay treats
// them as absent.
type Revert struct {
	DroppedRegion Region `json:"dropped_region"`
}

// Log is a guest log line. Replay uses it to suppress re-emitted logs.
type Log struct {
	Level   LogLevel `json:"level"`
	Context string   `json:"context,omitempty"`
	Message string   `json:"message"`
}

func (*Create) Kind() Kind                    { return KindCreate }
func (*Exited) Kind() Kind                    { return KindExited }
func (*Interrupted) Kind() Kind               { return KindInterrupted }
func (*Restart) Kind() Kind                   { return KindRestart }
func (*NoOp) Kind() Kind                      { return KindNoOp }
func (*Suspend) Kind() Kind                   { return KindSuspend }
func (*Jump) Kind() Kind                      { return KindJump }
func (*ExportedFunctionInvoked) Kind() Kind   { return KindExportedFunctionInvoked }
func (*ExportedFunctionCompleted) Kind() Kind { return KindExportedFunctionCompleted }
func (*PendingWorkerInvocation) Kind() Kind   { return KindPendingWorkerInvocation }
func (*CancelInvocation) Kind() Kind          { return KindCancelInvocation }
func (*ImportedFunctionInvoked) Kind() Kind   { return KindImportedFunctionInvoked }
func (*BeginAtomicRegion) Kind() Kind         { return KindBeginAtomicRegion }
func (*EndAtomicRegion) Kind() Kind           { return KindEndAtomicRegion }
func (*BeginRemoteWrite) Kind() Kind          { return KindBeginRemoteWrite }
func (*EndRemoteWrite) Kind() Kind            { return KindEndRemoteWrite }
func (*Error) Kind() Kind                     { return KindError }
func (*ChangeRetryPolicy) Kind() Kind         { return KindChangeRetryPolicy }
func (*CreateResource) Kind() Kind            { return KindCreateResource }
func (*DropResource) Kind() Kind              { return KindDropResource }
func (*DescribeResource) Kind() Kind          { return KindDescribeResource }
func (*PendingUpdate) Kind() Kind             { return KindPendingUpdate }
func (*SuccessfulUpdate) Kind() Kind          { return KindSuccessfulUpdate }
func (*FailedUpdate) Kind() Kind              { return KindFailedUpdate }
func (*GrowMemory) Kind() Kind                { return KindGrowMemory }
func (*ActivatePlugin) Kind() Kind            { return KindActivatePlugin }
func (*DeactivatePlugin) Kind() Kind          { return KindDeactivatePlugin }
func (*StartSpan) Kind() Kind                 { return KindStartSpan }
func (*FinishSpan) Kind() Kind                { return KindFinishSpan }
func (*SetSpanAttribute) Kind() Kind          { return KindSetSpanAttribute }
func (*ChangePersistenceLevel) Kind() Kind    { return KindChangePersistenceLevel }
func (*Revert) Kind() Kind                    { return KindRevert }
func (*Log) Kind() Kind                       { return KindLog }

func (*Create) isPayload()                    {}
func (*Exited) isPayload()                    {}
func (*Interrupted) isPayload()               {}
func (*Restart) isPayload()                   {}
func (*NoOp) isPayload()                      {}
func (*Suspend) isPayload()                   {}
func (*Jump) isPayload()                      {}
func (*ExportedFunctionInvoked) isPayload()   {}
func (*ExportedFunctionCompleted) isPayload() {}
func (*PendingWorkerInvocation) isPayload()   {}
func (*CancelInvocation) isPayload()          {}
func (*ImportedFunctionInvoked) isPayload()   {}
func (*BeginAtomicRegion) isPayload()         {}
func (*EndAtomicRegion) isPayload()           {}
func (*BeginRemoteWrite) isPayload()          {}
func (*EndRemoteWrite) isPayload()            {}
func (*Error) isPayload()                     {}
func (*ChangeRetryPolicy) isPayload()         {}
func (*CreateResource) isPayload()            {}
func (*DropResource) isPayload()              {}
func (*DescribeResource) isPayload()          {}
func (*PendingUpdate) isPayload()             {}
func (*SuccessfulUpdate) isPayload()          {}
func (*FailedUpdate) isPayload()              {}
func (*GrowMemory) isPayload()                {}
func (*ActivatePlugin) isPayload()            {}
func (*DeactivatePlugin) isPayload()          {}
func (*StartSpan) isPayload()                 {}
func (*FinishSpan) isPayload()                {}
func (*SetSpanAttribute) isPayload()          {}
func (*ChangePersistenceLevel) isPayload()    {}
func (*Revert) isPayload()                    {}
func (*Log) isPayload()                       {}

// registry maps every known kind to a constructor for its payload.
var registry = map[Kind]func() Payload{
	KindCreate:                    func() Payload { return &Create{} },
	KindExited:                    func() Payload { return &Exited{} },
	KindInterrupted:               func() Payload { return &Interrupted{} },
	KindRestart:                   func() Payload { return &Restart{} },
	KindNoOp:                      func() Payload { return &NoOp{} },
	KindSuspend:                   func() Payload { return &Suspend{} },
	KindJump:                      func() Payload { return &Jump{} },
	KindExportedFunctionInvoked:   func() Payload { return &ExportedFunctionInvoked{} },
	KindExportedFunctionCompleted: func() Payload { return &ExportedFunctionCompleted{} },
	KindPendingWorkerInvocation:   func() Payload { return &PendingWorkerInvocation{} },
	KindCancelInvocation:          func() Payload { return &CancelInvocation{} },
	KindImportedFunctionInvoked:   func() Payload { return &ImportedFunctionInvoked{} },
	KindBeginAtomicRegion:         func() Payload { return &BeginAtomicRegion{} },
	KindEndAtomicRegion:           func() Payload { return &EndAtomicRegion{} },
	KindBeginRemoteWrite:          func() Payload { return &BeginRemoteWrite{} },
	KindEndRemoteWrite:            func() Payload { return &EndRemoteWrite{} },
	KindError:                     func() Payload { return &Error{} },
	KindChangeRetryPolicy:         func() Payload { return &ChangeRetryPolicy{} },
	KindCreateResource:            func() Payload { return &CreateResource{} },
	KindDropResource:              func() Payload { return &DropResource{} },
	KindDescribeResource:          func() Payload { return &DescribeResource{} },
	KindPendingUpdate:             func() Payload { return &PendingUpdate{} },
	KindSuccessfulUpdate:          func() Payload { return &SuccessfulUpdate{} },
	KindFailedUpdate:              func() Payload { return &FailedUpdate{} },
	KindGrowMemory:                func() Payload { return &GrowMemory{} },
	KindActivatePlugin:            func() Payload { return &ActivatePlugin{} },
	KindDeactivatePlugin:          func() Payload { return &DeactivatePlugin{} },
	KindStartSpan:                 func() Payload { return &StartSpan{} },
	KindFinishSpan:                func() Payload { return &FinishSpan{} },
	KindSetSpanAttribute:          func() Payload { return &SetSpanAttribute{} },
	KindChangePersistenceLevel:    func() Payload { return &ChangePersistenceLevel{} },
	KindRevert:                    func() Payload { return &Revert{} },
	KindLog:                       func() Payload { return &Log{} },
}

// Known reports whether k is a kind this build understands.
func Known(k Kind) bool {
	_, ok := registry[k]
	return ok
}

// Kinds returns every known kind.
func Kinds() []Kind {
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
