package replay

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
	"github.com/Mindburn-Labs/helm-durable/pkg/retry"
	"github.com/Mindburn-Labs/helm-durable/pkg/tape"
)

type settings struct {
	policy oplog.RetryPolicy
}

// Option configures a replay.
type Option func(*settings)

// WithDefaultRetryPolicy sets the policy in effect until the log changes it.
func WithDefaultRetryPolicy(p oplog.RetryPolicy) Option {
	return func(s *settings) { s.policy = p }
}

// Replay folds entries, which must start at oplog.InitialIndex, into a State.
func Replay(ctx context.Context, w oplog.WorkerID, entries []oplog.Entry, opts ...Option) (*State, error) {
	res, err := fold(ctx, w, entries, opts)
	if err != nil {
		return nil, err
	}
	return res.state, nil
}

// Activate folds entries and returns a cursor positioned at the first
// guest-facing entry after Create.
func Activate(ctx context.Context, w oplog.WorkerID, entries []oplog.Entry, opts ...Option) (*State, *Cursor, error) {
	res, err := fold(ctx, w, entries, opts)
	if err != nil {
		return nil, nil, err
	}
	return res.state, newCursor(w, res.steps, res.state.Tape), nil
}

type result struct {
	state *State
	steps []step
}

func fold(ctx context.Context, w oplog.WorkerID, entries []oplog.Entry, opts []Option) (*result, error) {
	cfg := settings{policy: oplog.DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(entries) == 0 {
		return nil, &oplog.IntegrityError{Worker: w, Err: oplog.ErrMissingCreate}
	}
	if err := oplog.ValidateSequence(w, oplog.InitialIndex, entries); err != nil {
		return nil, err
	}

	deleted := collectDeleted(entries)
	cut, hasCut := trailingOpenRegion(entries, deleted)

	f := &folder{
		worker: w,
		state:  newState(w, cfg.policy),
		res:    &result{},
	}
	f.res.state = f.state
	f.state.DeletedRegions = deleted.Regions()
	f.state.LastIndex = entries[len(entries)-1].Index

	for i, e := range entries {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if hasCut && e.Index >= cut {
			break
		}
		if deleted.Contains(e.Index) {
			continue
		}
		if err := f.apply(e); err != nil {
			return nil, err
		}
	}

	if hasCut {
		f.state.DroppedRegion = &oplog.Region{Start: cut, End: f.state.LastIndex}
		if f.state.InFlight != nil {
			f.state.InFlight.ResumeFrom = cut
			f.state.InFlight.Reattempt = true
		}
	}
	return f.res, nil
}

// collectDeleted unions every region retracted by Revert or skipped by Jump.
func collectDeleted(entries []oplog.Entry) oplog.DeletedRegions {
	var d oplog.DeletedRegions
	for _, e := range entries {
		switch p := e.Payload.(type) {
		case *oplog.Revert:
			d.Add(p.DroppedRegion)
		case *oplog.Jump:
			d.Add(p.Jump)
		}
	}
	return d
}

// trailingOpenRegion finds the outermost atomic region or remote-write batch
// that is still open at the end of the live log.
func trailingOpenRegion(entries []oplog.Entry, deleted oplog.DeletedRegions) (oplog.Index, bool) {
	var atomic, remote []oplog.Index
	for _, e := range entries {
		if deleted.Contains(e.Index) {
			continue
		}
		switch p := e.Payload.(type) {
		case *oplog.BeginAtomicRegion:
			atomic = append(atomic, e.Index)
		case *oplog.EndAtomicRegion:
			atomic = popTo(atomic, p.BeginIndex)
		case *oplog.BeginRemoteWrite:
			remote = append(remote, e.Index)
		case *oplog.EndRemoteWrite:
			remote = popTo(remote, p.BeginIndex)
		}
	}
	switch {
	case len(atomic) > 0 && len(remote) > 0:
		return min(atomic[0], remote[0]), true
	case len(atomic) > 0:
		return atomic[0], true
	case len(remote) > 0:
		return remote[0], true
	}
	return 0, false
}

func popTo(stack []oplog.Index, begin oplog.Index) []oplog.Index {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == begin {
			return stack[:i]
		}
	}
	return stack
}

type folder struct {
	worker oplog.WorkerID
	state  *State
	res    *result
}

func (f *folder) integrity(idx oplog.Index, format string, args ...any) error {
	return &oplog.IntegrityError{Worker: f.worker, Index: idx, Err: fmt.Errorf(format, args...)}
}

// guestFacing reports whether the replay cursor serves e back to the guest.
// Every other entry after Create is a hint the cursor steps over.
func (f *folder) guestFacing(e oplog.Entry) bool {
	if e.IsHint() || e.Index == oplog.InitialIndex {
		return false
	}
	switch e.Payload.(type) {
	case *oplog.Jump:
		return false
	case *oplog.ImportedFunctionInvoked:
		return f.state.PersistenceLevel != oplog.PersistNothing
	}
	return true
}

func (f *folder) apply(e oplog.Entry) error {
	s := f.state
	if e.Index != oplog.InitialIndex {
		f.res.steps = append(f.res.steps, step{entry: e, hint: !f.guestFacing(e)})
	}

	switch p := e.Payload.(type) {
	case *oplog.Create:
		if e.Index != oplog.InitialIndex {
			return f.integrity(e.Index, "%w: create at index %d", oplog.ErrOutOfOrder, e.Index)
		}
		s.ComponentVersion = p.ComponentVersion
		s.Args = p.Args
		s.Env = p.Env
		s.Ephemeral = p.Ephemeral
		s.ComponentSize = p.ComponentSize
		s.TotalLinearMemorySize = p.InitialTotalLinearMemorySize
		s.Plugins = append([]oplog.PluginInstallationDescription(nil), p.InitialActivePlugins...)
		s.Status = StatusIdle

	case *oplog.ExportedFunctionInvoked:
		s.InFlight = &Invocation{
			IdempotencyKey: p.IdempotencyKey,
			FunctionName:   p.FunctionName,
			Request:        p.Request,
			TraceID:        p.TraceID,
			StartIndex:     e.Index,
			ResumeFrom:     e.Index.Next(),
		}
		s.Pending = removePending(s.Pending, p.IdempotencyKey)
		s.Status = StatusRunning

	case *oplog.ExportedFunctionCompleted:
		if s.InFlight == nil {
			return f.integrity(e.Index, "completion without an open invocation")
		}
		key := s.InFlight.IdempotencyKey
		if _, seen := s.Completed[key]; !seen {
			s.CompletionOrder = append(s.CompletionOrder, key)
		}
		s.Completed[key] = CompletedInvocation{
			FunctionName: s.InFlight.FunctionName,
			Response:     p.Response,
			Index:        e.Index,
			ConsumedFuel: p.ConsumedFuel,
		}
		s.TotalFuel += p.ConsumedFuel
		s.InFlight = nil
		s.ErrorCount = 0
		s.LastError = ""
		s.Status = StatusIdle

	case *oplog.PendingWorkerInvocation:
		if s.Cancelled[p.IdempotencyKey] {
			break
		}
		if _, done := s.Completed[p.IdempotencyKey]; done {
			break
		}
		s.Pending = append(s.Pending, PendingInvocation{
			IdempotencyKey: p.IdempotencyKey,
			FunctionName:   p.FunctionName,
			Request:        p.Request,
			ManualUpdate:   p.ManualUpdate,
			Index:          e.Index,
		})

	case *oplog.CancelInvocation:
		s.Cancelled[p.IdempotencyKey] = true
		s.Pending = removePending(s.Pending, p.IdempotencyKey)

	case *oplog.ImportedFunctionInvoked:
		if s.PersistenceLevel == oplog.PersistNothing {
			break
		}
		s.Tape = append(s.Tape, tape.FromOplog([]oplog.Entry{e})...)

	case *oplog.EndAtomicRegion:
		if s.InFlight != nil && p.BeginIndex >= s.InFlight.StartIndex {
			s.InFlight.ResumeFrom = e.Index.Next()
		}

	case *oplog.Error:
		s.LastError = p.Error
		s.ErrorCount++
		if retry.Decide(s.RetryPolicy, s.ErrorCount, f.worker.String()).Retry {
			s.Status = StatusRetrying
		} else {
			s.Status = StatusFailed
		}

	case *oplog.Interrupted:
		s.Status = StatusInterrupted
	case *oplog.Suspend:
		s.Status = StatusSuspended
	case *oplog.Exited:
		s.Status = StatusExited
	case *oplog.Restart:
		s.ErrorCount = 0
		s.LastError = ""
		if s.InFlight != nil {
			s.Status = StatusRunning
		} else {
			s.Status = StatusIdle
		}

	case *oplog.ChangeRetryPolicy:
		s.RetryPolicy = p.Policy
	case *oplog.ChangePersistenceLevel:
		s.PersistenceLevel = p.Level

	case *oplog.CreateResource:
		if _, exists := s.Resources[p.ID]; exists {
			return f.integrity(e.Index, "resource %d created twice", p.ID)
		}
		if p.ID < s.NextResourceID {
			return f.integrity(e.Index, "resource id %d reused", p.ID)
		}
		s.Resources[p.ID] = Resource{Name: p.Name, Params: p.Params, CreatedAt: e.Index}
		s.NextResourceID = p.ID + 1
	case *oplog.DropResource:
		if _, exists := s.Resources[p.ID]; !exists {
			return f.integrity(e.Index, "drop of unknown resource %d", p.ID)
		}
		delete(s.Resources, p.ID)
	case *oplog.DescribeResource:
		r, exists := s.Resources[p.ID]
		if !exists {
			return f.integrity(e.Index, "describe of unknown resource %d", p.ID)
		}
		r.Name = p.Name
		r.Params = p.Params
		s.Resources[p.ID] = r

	case *oplog.PendingUpdate:
		s.PendingUpdates = append(s.PendingUpdates, p.Description)
	case *oplog.SuccessfulUpdate:
		s.ComponentVersion = p.TargetVersion
		if p.NewComponentSize > 0 {
			s.ComponentSize = p.NewComponentSize
		}
		if p.NewActivePlugins != nil {
			s.Plugins = append([]oplog.PluginInstallationDescription(nil), p.NewActivePlugins...)
		}
		s.PendingUpdates = removeUpdate(s.PendingUpdates, p.TargetVersion)
		s.Pending = removeManualUpdate(s.Pending, p.TargetVersion)
		s.SuccessfulUpdates = append(s.SuccessfulUpdates, *p)
	case *oplog.FailedUpdate:
		s.PendingUpdates = removeUpdate(s.PendingUpdates, p.TargetVersion)
		s.Pending = removeManualUpdate(s.Pending, p.TargetVersion)
		s.FailedUpdates = append(s.FailedUpdates, *p)
	case *oplog.GrowMemory:
		s.TotalLinearMemorySize += p.Delta

	case *oplog.ActivatePlugin:
		s.Plugins = upsertPlugin(s.Plugins, p.Plugin)
	case *oplog.DeactivatePlugin:
		s.Plugins = removePlugin(s.Plugins, p.Plugin)

	case *oplog.StartSpan:
		if !p.ExternalParent && p.Parent != "" && !hasSpan(s.Spans, p.Parent) {
			return f.integrity(e.Index, "span %q opened under unknown parent %q", p.SpanID, p.Parent)
		}
		s.Spans = append(s.Spans, Span{
			ID:             p.SpanID,
			Parent:         p.Parent,
			ExternalParent: p.ExternalParent,
			Attributes:     copyAttrs(p.Attributes),
		})
	case *oplog.FinishSpan:
		s.Spans = removeSpan(s.Spans, p.SpanID)
	case *oplog.SetSpanAttribute:
		for i := range s.Spans {
			if s.Spans[i].ID == p.SpanID {
				if s.Spans[i].Attributes == nil {
					s.Spans[i].Attributes = make(map[string]string)
				}
				s.Spans[i].Attributes[p.Key] = p.Value
			}
		}

	case *oplog.BeginAtomicRegion, *oplog.BeginRemoteWrite, *oplog.EndRemoteWrite,
		*oplog.NoOp, *oplog.Jump, *oplog.Revert, *oplog.Log:
		// Markers and log lines carry no state; deleted regions were collected up front.

	default:
		return f.integrity(e.Index, "%w: %q", oplog.ErrUnknownKind, e.Kind())
	}
	return nil
}

func removePending(pending []PendingInvocation, key oplog.IdempotencyKey) []PendingInvocation {
	out := pending[:0]
	for _, p := range pending {
		if p.IdempotencyKey != key {
			out = append(out, p)
		}
	}
	return out
}

func removeManualUpdate(pending []PendingInvocation, target oplog.ComponentVersion) []PendingInvocation {
	out := pending[:0]
	for _, p := range pending {
		if p.ManualUpdate == nil || *p.ManualUpdate != target {
			out = append(out, p)
		}
	}
	return out
}

func removeUpdate(updates []oplog.UpdateDescription, target oplog.ComponentVersion) []oplog.UpdateDescription {
	out := updates[:0]
	for _, u := range updates {
		if u.TargetVersion != target {
			out = append(out, u)
		}
	}
	return out
}

// upsertPlugin replaces an installation in place, keeping chain order, or
// appends it.
func upsertPlugin(plugins []oplog.PluginInstallationDescription, p oplog.PluginInstallationDescription) []oplog.PluginInstallationDescription {
	for i := range plugins {
		if plugins[i].ID == p.ID {
			plugins[i] = p
			return plugins
		}
	}
	return append(plugins, p)
}

func removePlugin(plugins []oplog.PluginInstallationDescription, id oplog.PluginInstallationID) []oplog.PluginInstallationDescription {
	out := plugins[:0]
	for _, p := range plugins {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}

func hasSpan(spans []Span, id oplog.SpanID) bool {
	for _, s := range spans {
		if s.ID == id {
			return true
		}
	}
	return false
}

func removeSpan(spans []Span, id oplog.SpanID) []Span {
	for i := len(spans) - 1; i >= 0; i-- {
		if spans[i].ID == id {
			return append(spans[:i], spans[i+1:]...)
		}
	}
	return spans
}

func copyAttrs(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
