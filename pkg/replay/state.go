// Package replay rebuilds a worker's state by folding its oplog, and hands
// the execution core a cursor that serves recorded history until the worker
// catches up and goes live.
//
// The fold is pure: the same entries always produce the same State and the
// same fingerprint, regardless of wall-clock time or storage tier.
package replay

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
	"github.com/Mindburn-Labs/helm-durable/pkg/tape"
)

// Status is the lifecycle status derived from the log.
type Status string

const (
	StatusRunning     Status = "running"
	StatusIdle        Status = "idle"
	StatusSuspended   Status = "suspended"
	StatusInterrupted Status = "interrupted"
	StatusRetrying    Status = "retrying"
	StatusExited      Status = "exited"
	StatusFailed      Status = "failed"
)

// Invocation is the exported call in flight at the end of the log.
type Invocation struct {
	IdempotencyKey oplog.IdempotencyKey `json:"idempotency_key"`
	FunctionName   string               `json:"function_name"`
	Request        json.RawMessage      `json:"request,omitempty"`
	TraceID        string               `json:"trace_id,omitempty"`
	StartIndex     oplog.Index          `json:"start_index"`

	// ResumeFrom is the first index whose effects are not yet known to be
	// complete: right after the last closed atomic region, or the start of
	// a dropped trailing region.
	ResumeFrom oplog.Index `json:"resume_from"`
	Reattempt  bool        `json:"reattempt,omitempty"`
}

// CompletedInvocation is a finished exported call.
type CompletedInvocation struct {
	FunctionName string          `json:"function_name"`
	Response     json.RawMessage `json:"response,omitempty"`
	Index        oplog.Index     `json:"index"`
	ConsumedFuel int64           `json:"consumed_fuel"`
}

// PendingInvocation is a queued invocation that has not started.
type PendingInvocation struct {
	IdempotencyKey oplog.IdempotencyKey    `json:"idempotency_key"`
	FunctionName   string                  `json:"function_name,omitempty"`
	Request        json.RawMessage         `json:"request,omitempty"`
	ManualUpdate   *oplog.ComponentVersion `json:"manual_update,omitempty"`
	Index          oplog.Index             `json:"index"`
}

// Resource is a live resource handle.
type Resource struct {
	Name      string      `json:"name,omitempty"`
	Params    []string    `json:"params,omitempty"`
	CreatedAt oplog.Index `json:"created_at"`
}

// Span is an open tracing span.
type Span struct {
	ID             oplog.SpanID      `json:"id"`
	Parent         oplog.SpanID      `json:"parent,omitempty"`
	ExternalParent bool              `json:"external_parent,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// State is everything derivable from a worker's oplog. CompletionOrder
// lists completed idempotency keys oldest first.
type State struct {
	Worker                oplog.WorkerID         `json:"worker"`
	ComponentVersion      oplog.ComponentVersion `json:"component_version"`
	Args                  []string               `json:"args,omitempty"`
	Env                   map[string]string      `json:"env,omitempty"`
	Ephemeral             bool                   `json:"ephemeral,omitempty"`
	ComponentSize         uint64                 `json:"component_size"`
	TotalLinearMemorySize uint64                 `json:"total_linear_memory_size"`

	Status    Status      `json:"status"`
	LastIndex oplog.Index `json:"last_index"`

	RetryPolicy      oplog.RetryPolicy      `json:"retry_policy"`
	PersistenceLevel oplog.PersistenceLevel `json:"persistence_level"`
	LastError        string                 `json:"last_error,omitempty"`
	ErrorCount       uint32                 `json:"error_count"`

	InFlight        *Invocation                                  `json:"in_flight,omitempty"`
	Completed       map[oplog.IdempotencyKey]CompletedInvocation `json:"completed"`
	CompletionOrder []oplog.IdempotencyKey                       `json:"completion_order"`
	Pending         []PendingInvocation                          `json:"pending"`
	Cancelled       map[oplog.IdempotencyKey]bool                `json:"cancelled"`
	TotalFuel       int64                                        `json:"total_fuel"`

	Tape []tape.Entry `json:"tape"`

	Plugins        []oplog.PluginInstallationDescription `json:"plugins"`
	Resources      map[oplog.ResourceID]Resource         `json:"resources"`
	NextResourceID oplog.ResourceID                      `json:"next_resource_id"`
	Spans          []Span                                `json:"spans"`

	PendingUpdates    []oplog.UpdateDescription `json:"pending_updates"`
	SuccessfulUpdates []oplog.SuccessfulUpdate  `json:"successful_updates"`
	FailedUpdates     []oplog.FailedUpdate      `json:"failed_updates"`

	DeletedRegions []oplog.Region `json:"deleted_regions"`

	// DroppedRegion is the unclosed bracket at the tail of the log, if any.
	// Its entries are ignored by the fold.
	DroppedRegion *oplog.Region `json:"dropped_region,omitempty"`
}

func newState(w oplog.WorkerID, policy oplog.RetryPolicy) *State {
	return &State{
		Worker:           w,
		RetryPolicy:      policy,
		PersistenceLevel: oplog.PersistSmart,
		Completed:        make(map[oplog.IdempotencyKey]CompletedInvocation),
		Cancelled:        make(map[oplog.IdempotencyKey]bool),
		Resources:        make(map[oplog.ResourceID]Resource),
		NextResourceID:   1,
	}
}

// LastCompleted returns the most recent completed call to fn.
func (s *State) LastCompleted(fn string) (CompletedInvocation, bool) {
	for i := len(s.CompletionOrder) - 1; i >= 0; i-- {
		c := s.Completed[s.CompletionOrder[i]]
		if c.FunctionName == fn {
			return c, true
		}
	}
	return CompletedInvocation{}, false
}

// InvocationStatus reports what the log knows about key.
func (s *State) InvocationStatus(key oplog.IdempotencyKey) (completed, cancelled, known bool) {
	if _, ok := s.Completed[key]; ok {
		return true, false, true
	}
	if s.Cancelled[key] {
		return false, true, true
	}
	if s.InFlight != nil && s.InFlight.IdempotencyKey == key {
		return false, false, true
	}
	for _, p := range s.Pending {
		if p.IdempotencyKey == key {
			return false, false, true
		}
	}
	return false, false, false
}

// IsDeleted reports whether idx lies in a reverted or jumped-over region.
func (s *State) IsDeleted(idx oplog.Index) bool {
	return oplog.NewDeletedRegions(s.DeletedRegions...).Contains(idx)
}

// Fingerprint is the SHA-256 of the state's canonical JSON (RFC 8785).
func (s *State) Fingerprint() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", s.Worker, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", s.Worker, err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
