// Package worker is the boundary between the log core and the rest of the
// platform. A Host is what the execution core drives while one worker runs;
// the Service is what the RPC layer calls to inspect and rewrite histories.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
	"github.com/Mindburn-Labs/helm-durable/pkg/replay"
	"github.com/Mindburn-Labs/helm-durable/pkg/retry"
	"github.com/Mindburn-Labs/helm-durable/pkg/tape"
	"github.com/Mindburn-Labs/helm-durable/pkg/writer"
)

var (
	// ErrHostClosed is returned by a Host that was released or whose history
	// was rewritten underneath it.
	ErrHostClosed = errors.New("worker host closed")
	// ErrNoInvocation is returned when completing with no invocation open.
	ErrNoInvocation = errors.New("no invocation in progress")
	// ErrInvocationOpen is returned when starting a second invocation.
	ErrInvocationOpen = errors.New("invocation already in progress")
	// ErrUnknownResource is returned for a resource handle the worker does not hold.
	ErrUnknownResource = errors.New("unknown resource")
	// ErrUnknownSpan is returned for a span that is not open.
	ErrUnknownSpan = errors.New("unknown span")
	// ErrUnknownPlugin is returned when deactivating a plugin that is not active.
	ErrUnknownPlugin = errors.New("unknown plugin")
	// ErrBusy is returned when an operation needs the writer while an
	// atomic region or remote-write batch is still open.
	ErrBusy = errors.New("worker is inside an open region")
)

// Executor performs an imported call and returns its response.
type Executor func(ctx context.Context) (json.RawMessage, error)

// Host records one worker's execution. While its replay cursor still holds
// history, calls are checked against the log and recorded responses are
// served back; hints the guest repeats are claimed from the log instead of
// written again. Once the cursor is live, calls are emitted through the
// writer.
type Host struct {
	mu       sync.Mutex
	worker   oplog.WorkerID
	store    writer.Appender
	wopts    writer.Options
	writer   *writer.Writer
	cursor   *replay.Cursor
	recorder *tape.Recorder
	logger   *slog.Logger
	closed   bool

	level      oplog.PersistenceLevel
	policy     oplog.RetryPolicy
	errorCount uint32
	invocation *oplog.ExportedFunctionInvoked
	spans      []oplog.SpanID
	plugins    map[oplog.PluginInstallationID]oplog.PluginInstallationDescription

	resources    map[oplog.ResourceID]struct{}
	nextResource oplog.ResourceID
	liveResource oplog.ResourceID
}

func newHost(w oplog.WorkerID, store writer.Appender, wopts writer.Options, wr *writer.Writer,
	cursor *replay.Cursor, state *replay.State, logger *slog.Logger,
) *Host {
	h := &Host{
		worker:       w,
		store:        store,
		wopts:        wopts,
		writer:       wr,
		cursor:       cursor,
		recorder:     tape.NewRecorder(w),
		logger:       logger.With("worker", w.String()),
		level:        oplog.PersistSmart,
		policy:       oplog.DefaultRetryPolicy(),
		plugins:      make(map[oplog.PluginInstallationID]oplog.PluginInstallationDescription),
		resources:    make(map[oplog.ResourceID]struct{}),
		nextResource: 1,
		liveResource: 1,
	}
	if state != nil {
		h.policy = state.RetryPolicy
		h.errorCount = state.ErrorCount
		h.liveResource = state.NextResourceID
		for _, p := range state.Plugins {
			h.plugins[p.ID] = p
		}
		for _, sp := range state.Spans {
			h.spans = append(h.spans, sp.ID)
		}
		if cursor == nil {
			h.level = state.PersistenceLevel
		}
	}
	return h
}

// Worker returns the worker this host records.
func (h *Host) Worker() oplog.WorkerID { return h.worker }

// Replaying reports whether recorded history is still being re-executed.
func (h *Host) Replaying() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.replaying()
}

func (h *Host) replaying() bool {
	return h.cursor != nil && !h.cursor.IsLive()
}

// Manifest summarises the imported calls recorded since the host went live.
func (h *Host) Manifest() tape.Manifest { return h.recorder.BuildManifest() }

// CommittedIndex returns the first index not yet durable.
func (h *Host) CommittedIndex() oplog.Index {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writer.CommittedIndex()
}

func (h *Host) check() error {
	if h.closed {
		return fmt.Errorf("%s: %w", h.worker, ErrHostClosed)
	}
	return nil
}

func (h *Host) diverged(idx oplog.Index, format string, args ...any) error {
	err := fmt.Errorf("%w: %s at index %d: %s", oplog.ErrDivergence, h.worker, idx, fmt.Sprintf(format, args...))
	h.logger.Error("replay diverged", "index", idx, "error", err)
	return err
}

// claim takes a recorded hint the guest is repeating. Claimed hints are
// not written again.
func (h *Host) claim(k oplog.Kind, match func(oplog.Payload) bool) (oplog.Entry, bool) {
	if h.cursor == nil {
		return oplog.Entry{}, false
	}
	return h.cursor.Claim(k, match)
}

// settle is called before every live write: recorded hints the guest did
// not repeat can no longer be claimed.
func (h *Host) settle() {
	if h.cursor != nil {
		h.cursor.Settle()
	}
}

func (h *Host) emit(ctx context.Context, p oplog.Payload) (oplog.Index, error) {
	h.settle()
	return h.writer.Emit(ctx, p)
}

func (h *Host) commitIfIdle(ctx context.Context) error {
	if h.writer.State() == writer.StateBufferingRegion {
		return nil
	}
	return h.writer.Commit(ctx)
}

// BeginInvocation starts an exported call. An empty key gets a generated
// one; during replay the recorded key is returned.
func (h *Host) BeginInvocation(ctx context.Context, key oplog.IdempotencyKey, fn string, req json.RawMessage, traceID string) (oplog.IdempotencyKey, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return "", err
	}
	if h.invocation != nil {
		return "", fmt.Errorf("begin %s: %w: %s", fn, ErrInvocationOpen, h.invocation.IdempotencyKey)
	}

	if h.replaying() {
		p, idx, err := h.cursor.NextExportedInvoked()
		if err != nil {
			return "", err
		}
		if p.FunctionName != fn {
			return "", h.diverged(idx, "invoked %q, log has %q", fn, p.FunctionName)
		}
		if key != "" && key != p.IdempotencyKey {
			return "", h.diverged(idx, "idempotency key %q, log has %q", key, p.IdempotencyKey)
		}
		h.invocation = p
		return p.IdempotencyKey, nil
	}

	if key == "" {
		key = oplog.IdempotencyKey(uuid.NewString())
	}
	p := &oplog.ExportedFunctionInvoked{
		FunctionName:   fn,
		Request:        req,
		IdempotencyKey: key,
		TraceID:        traceID,
	}
	if _, err := h.emit(ctx, p); err != nil {
		return "", err
	}
	h.invocation = p
	return key, nil
}

// RecordImportedCall performs a host call on behalf of the guest. During
// replay a recorded response is served and exec is not run. Calls the
// persistence level does not record are always executed.
func (h *Host) RecordImportedCall(ctx context.Context, fn string, req json.RawMessage, ft oplog.WrappedFunctionType, exec Executor) (json.RawMessage, error) {
	h.mu.Lock()
	if err := h.check(); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	replaying := h.replaying()
	if replaying && writer.Records(h.level, ft) {
		defer h.mu.Unlock()
		resp, _, err := h.cursor.NextImported(fn, req)
		return resp, err
	}
	h.mu.Unlock()

	resp, err := exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("imported call %s: %w", fn, err)
	}
	if replaying {
		return resp, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return nil, err
	}
	h.settle()
	call := tape.Call(fn, req, resp, ft)
	idx, recorded, err := h.writer.RecordImported(ctx, call)
	if recorded {
		h.recorder.Record(idx, call)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// CompleteInvocation finishes the open invocation and commits. During
// replay the recorded response is returned in place of resp.
func (h *Host) CompleteInvocation(ctx context.Context, resp json.RawMessage, fuel int64) (json.RawMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return nil, err
	}
	if h.invocation == nil {
		return nil, fmt.Errorf("complete %s: %w", h.worker, ErrNoInvocation)
	}

	if h.replaying() {
		p, _, err := h.cursor.NextExportedCompleted()
		if err != nil {
			return nil, err
		}
		h.invocation = nil
		h.errorCount = 0
		return p.Response, nil
	}

	if _, err := h.emit(ctx, &oplog.ExportedFunctionCompleted{Response: resp, ConsumedFuel: fuel}); err != nil {
		return nil, err
	}
	h.invocation = nil
	h.errorCount = 0
	return resp, h.commitIfIdle(ctx)
}

// FailInvocation records a guest failure and returns whether the retry
// policy allows another attempt.
func (h *Host) FailInvocation(ctx context.Context, cause error) (retry.Decision, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return retry.Decision{}, err
	}
	if cause == nil {
		return retry.Decision{}, errors.New("fail invocation: nil error")
	}
	if e, ok := h.claim(oplog.KindError, nil); ok {
		// A failure already on the log: the count replay folded stands.
		h.errorCount = h.cursor.ErrorCount(e.Index)
		h.invocation = nil
		return retry.Decide(h.policy, h.errorCount, h.worker.String()), nil
	}
	if h.replaying() {
		next, _ := h.cursor.Peek()
		return retry.Decision{}, h.diverged(next.Index, "invocation failed with %q, log continues with %s", cause, next.Kind())
	}
	if _, err := h.emit(ctx, &oplog.Error{Error: cause.Error()}); err != nil {
		return retry.Decision{}, err
	}
	h.errorCount++
	h.invocation = nil
	decision := retry.Decide(h.policy, h.errorCount, h.worker.String())
	h.logger.WarnContext(ctx, "invocation failed",
		"error", cause, "attempt", h.errorCount, "retry", decision.Retry, "delay", decision.Delay)
	return decision, h.commitIfIdle(ctx)
}

// Enqueue queues an invocation that has not started yet.
func (h *Host) Enqueue(ctx context.Context, key oplog.IdempotencyKey, fn string, req json.RawMessage) (oplog.IdempotencyKey, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return "", err
	}
	if key == "" {
		key = oplog.IdempotencyKey(uuid.NewString())
	}
	p := &oplog.PendingWorkerInvocation{IdempotencyKey: key, FunctionName: fn, Request: req}
	if _, err := h.emit(ctx, p); err != nil {
		return "", err
	}
	return key, h.commitIfIdle(ctx)
}

// RequestUpdate records a pending update. Snapshot-based updates are also
// queued as a manual-update invocation.
func (h *Host) RequestUpdate(ctx context.Context, desc oplog.UpdateDescription) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}
	switch desc.Mode {
	case oplog.UpdateAutomatic:
	case oplog.UpdateSnapshot:
		if len(desc.Snapshot) == 0 {
			return fmt.Errorf("update to %d: snapshot-based update without a snapshot", desc.TargetVersion)
		}
	default:
		return fmt.Errorf("update to %d: unknown mode %q", desc.TargetVersion, desc.Mode)
	}

	if _, err := h.emit(ctx, &oplog.PendingUpdate{Description: desc}); err != nil {
		return err
	}
	if desc.Mode == oplog.UpdateSnapshot {
		target := desc.TargetVersion
		p := &oplog.PendingWorkerInvocation{
			IdempotencyKey: oplog.IdempotencyKey(uuid.NewString()),
			ManualUpdate:   &target,
		}
		if _, err := h.emit(ctx, p); err != nil {
			return err
		}
	}
	return h.commitIfIdle(ctx)
}

// UpdateSucceeded records that the worker now runs target.
func (h *Host) UpdateSucceeded(ctx context.Context, target oplog.ComponentVersion, size uint64, plugins []oplog.PluginInstallationDescription) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}
	p := &oplog.SuccessfulUpdate{TargetVersion: target, NewComponentSize: size, NewActivePlugins: plugins}
	if _, err := h.emit(ctx, p); err != nil {
		return err
	}
	if plugins != nil {
		clear(h.plugins)
		for _, pl := range plugins {
			h.plugins[pl.ID] = pl
		}
	}
	return h.commitIfIdle(ctx)
}

// UpdateFailed records a failed update attempt.
func (h *Host) UpdateFailed(ctx context.Context, target oplog.ComponentVersion, details string) error {
	return h.emitHint(ctx, &oplog.FailedUpdate{TargetVersion: target, Details: details}, true)
}

// ActivatePlugin adds or replaces an active plugin. Plugin versions must be
// valid semantic versions.
func (h *Host) ActivatePlugin(ctx context.Context, plugin oplog.PluginInstallationDescription) error {
	if plugin.ID == "" || plugin.Name == "" {
		return errors.New("activate plugin: id and name are required")
	}
	if _, err := semver.NewVersion(plugin.Version); err != nil {
		return fmt.Errorf("activate plugin %s: invalid version %q: %w", plugin.ID, plugin.Version, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}
	if _, err := h.emit(ctx, &oplog.ActivatePlugin{Plugin: plugin}); err != nil {
		return err
	}
	h.plugins[plugin.ID] = plugin
	return h.commitIfIdle(ctx)
}

// DeactivatePlugin removes an active plugin.
func (h *Host) DeactivatePlugin(ctx context.Context, id oplog.PluginInstallationID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}
	if _, ok := h.plugins[id]; !ok {
		return fmt.Errorf("deactivate %s: %w", id, ErrUnknownPlugin)
	}
	if _, err := h.emit(ctx, &oplog.DeactivatePlugin{Plugin: id}); err != nil {
		return err
	}
	delete(h.plugins, id)
	return h.commitIfIdle(ctx)
}

// Plugins returns the active plugins ordered by id.
func (h *Host) Plugins() []oplog.PluginInstallationDescription {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]oplog.PluginInstallationDescription, 0, len(h.plugins))
	for _, id := range slices.Sorted(maps.Keys(h.plugins)) {
		out = append(out, h.plugins[id])
	}
	return out
}

// OpenSpan opens a span under the innermost open span, or under external
// when it names a span owned by the caller's trace. A span the log already
// records is reopened under its recorded id. Spans missing from the log are
// written even during replay, since later entries may name them as parent.
func (h *Host) OpenSpan(ctx context.Context, external oplog.SpanID, attrs map[string]string) (oplog.SpanID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return "", err
	}
	if e, ok := h.claim(oplog.KindStartSpan, func(p oplog.Payload) bool {
		sp := p.(*oplog.StartSpan)
		return sp.ExternalParent == (external != "") && (external == "" || sp.Parent == external)
	}); ok {
		id := e.Payload.(*oplog.StartSpan).SpanID
		if !slices.Contains(h.spans, id) {
			h.spans = append(h.spans, id)
		}
		return id, nil
	}
	p := &oplog.StartSpan{SpanID: oplog.SpanID(uuid.NewString()), Attributes: attrs}
	switch {
	case external != "":
		p.Parent = external
		p.ExternalParent = true
	case len(h.spans) > 0:
		p.Parent = h.spans[len(h.spans)-1]
	}
	if _, err := h.emit(ctx, p); err != nil {
		return "", err
	}
	h.spans = append(h.spans, p.SpanID)
	return p.SpanID, nil
}

// CloseSpan finishes an open span.
func (h *Host) CloseSpan(ctx context.Context, id oplog.SpanID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}
	i := slices.Index(h.spans, id)
	if i < 0 {
		return fmt.Errorf("close span %s: %w", id, ErrUnknownSpan)
	}
	if _, ok := h.claim(oplog.KindFinishSpan, func(p oplog.Payload) bool {
		return p.(*oplog.FinishSpan).SpanID == id
	}); !ok {
		if _, err := h.emit(ctx, &oplog.FinishSpan{SpanID: id}); err != nil {
			return err
		}
	}
	h.spans = slices.Delete(h.spans, i, i+1)
	return nil
}

// SetSpanAttribute sets an attribute on an open span.
func (h *Host) SetSpanAttribute(ctx context.Context, id oplog.SpanID, key, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}
	if !slices.Contains(h.spans, id) {
		return fmt.Errorf("set attribute on span %s: %w", id, ErrUnknownSpan)
	}
	if _, ok := h.claim(oplog.KindSetSpanAttribute, func(p oplog.Payload) bool {
		a := p.(*oplog.SetSpanAttribute)
		return a.SpanID == id && a.Key == key && a.Value == value
	}); ok {
		return nil
	}
	_, err := h.emit(ctx, &oplog.SetSpanAttribute{SpanID: id, Key: key, Value: value})
	return err
}

// CreateResource allocates a resource handle. Handles are assigned in
// creation order so a replayed guest gets back the ids it saw before.
func (h *Host) CreateResource(ctx context.Context, name string, params []string) (oplog.ResourceID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return 0, err
	}
	e, recorded := h.claim(oplog.KindCreateResource, func(p oplog.Payload) bool {
		return p.(*oplog.CreateResource).Name == name
	})
	replaying := h.replaying()
	id := h.nextResource
	switch {
	case recorded:
		id = e.Payload.(*oplog.CreateResource).ID
	case !replaying && id < h.liveResource:
		id = h.liveResource
	}
	if id == math.MaxUint64 {
		return 0, fmt.Errorf("create resource for %s: %w", h.worker, oplog.ErrResourceIDExhausted)
	}
	if !recorded && !replaying {
		if _, err := h.emit(ctx, &oplog.CreateResource{ID: id, Name: name, Params: params}); err != nil {
			return 0, err
		}
	}
	h.nextResource = id + 1
	h.resources[id] = struct{}{}
	return id, nil
}

// DropResource releases a resource handle.
func (h *Host) DropResource(ctx context.Context, id oplog.ResourceID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}
	if _, ok := h.resources[id]; !ok {
		return fmt.Errorf("drop resource %d: %w", id, ErrUnknownResource)
	}
	_, recorded := h.claim(oplog.KindDropResource, func(p oplog.Payload) bool {
		return p.(*oplog.DropResource).ID == id
	})
	if !recorded && !h.replaying() {
		if _, err := h.emit(ctx, &oplog.DropResource{ID: id}); err != nil {
			return err
		}
	}
	delete(h.resources, id)
	return nil
}

// DescribeResource updates the recorded name and parameters of a handle.
func (h *Host) DescribeResource(ctx context.Context, id oplog.ResourceID, name string, params []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}
	if _, ok := h.resources[id]; !ok {
		return fmt.Errorf("describe resource %d: %w", id, ErrUnknownResource)
	}
	if _, ok := h.claim(oplog.KindDescribeResource, func(p oplog.Payload) bool {
		return p.(*oplog.DescribeResource).ID == id
	}); ok || h.replaying() {
		return nil
	}
	_, err := h.emit(ctx, &oplog.DescribeResource{ID: id, Name: name, Params: params})
	return err
}

// ChangeRetryPolicy replaces the policy applied to later failures.
func (h *Host) ChangeRetryPolicy(ctx context.Context, policy oplog.RetryPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}
	if h.replaying() {
		e, err := h.cursor.Expect(oplog.KindChangeRetryPolicy)
		if err != nil {
			return err
		}
		if recorded := e.Payload.(*oplog.ChangeRetryPolicy).Policy; recorded != policy {
			return h.diverged(e.Index, "retry policy %+v, log has %+v", policy, recorded)
		}
	} else if _, err := h.emit(ctx, &oplog.ChangeRetryPolicy{Policy: policy}); err != nil {
		return err
	}
	h.policy = policy
	return nil
}

// ChangePersistenceLevel governs which later imported calls are recorded.
func (h *Host) ChangePersistenceLevel(ctx context.Context, level oplog.PersistenceLevel) error {
	if !level.Valid() {
		return fmt.Errorf("invalid persistence level %q", level)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}
	sameLevel := func(p oplog.Payload) bool { return p.(*oplog.ChangePersistenceLevel).Level == level }
	switch {
	case level != oplog.PersistNothing && h.cursor != nil:
		// Any other level is a hint: claimed if recorded, never written
		// while history remains.
		if _, ok := h.claim(oplog.KindChangePersistenceLevel, sameLevel); !ok && !h.replaying() {
			h.settle()
			if err := h.writer.SetPersistenceLevel(ctx, level); err != nil {
				return err
			}
		}
	case h.replaying():
		e, err := h.cursor.Expect(oplog.KindChangePersistenceLevel)
		if err != nil {
			return err
		}
		if recorded := e.Payload.(*oplog.ChangePersistenceLevel).Level; recorded != level {
			return h.diverged(e.Index, "persistence level %s, log has %s", level, recorded)
		}
	default:
		h.settle()
		if err := h.writer.SetPersistenceLevel(ctx, level); err != nil {
			return err
		}
	}
	h.level = level
	return nil
}

// BeginAtomicRegion opens an atomic region and returns its begin index.
func (h *Host) BeginAtomicRegion(ctx context.Context) (oplog.Index, error) {
	return h.begin(ctx, oplog.KindBeginAtomicRegion, (*writer.Writer).BeginAtomicRegion)
}

// EndAtomicRegion closes the region opened at begin.
func (h *Host) EndAtomicRegion(ctx context.Context, begin oplog.Index) error {
	return h.end(ctx, oplog.KindEndAtomicRegion, begin, (*writer.Writer).EndAtomicRegion)
}

// BeginRemoteWrite opens a batched remote write.
func (h *Host) BeginRemoteWrite(ctx context.Context) (oplog.Index, error) {
	return h.begin(ctx, oplog.KindBeginRemoteWrite, (*writer.Writer).BeginRemoteWrite)
}

// EndRemoteWrite closes the batch opened at begin.
func (h *Host) EndRemoteWrite(ctx context.Context, begin oplog.Index) error {
	return h.end(ctx, oplog.KindEndRemoteWrite, begin, (*writer.Writer).EndRemoteWrite)
}

func (h *Host) begin(ctx context.Context, kind oplog.Kind, live func(*writer.Writer, context.Context) (oplog.Index, error)) (oplog.Index, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return 0, err
	}
	if h.replaying() {
		e, err := h.cursor.Expect(kind)
		if err != nil {
			return 0, err
		}
		return e.Index, nil
	}
	h.settle()
	return live(h.writer, ctx)
}

func (h *Host) end(ctx context.Context, kind oplog.Kind, begin oplog.Index, live func(*writer.Writer, context.Context, oplog.Index) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}
	if !h.replaying() {
		h.settle()
		return live(h.writer, ctx, begin)
	}
	e, err := h.cursor.Expect(kind)
	if err != nil {
		return err
	}
	var recorded oplog.Index
	switch p := e.Payload.(type) {
	case *oplog.EndAtomicRegion:
		recorded = p.BeginIndex
	case *oplog.EndRemoteWrite:
		recorded = p.BeginIndex
	}
	if recorded != begin {
		return h.diverged(e.Index, "closed region begun at %d, log closes %d", begin, recorded)
	}
	return nil
}

// Log records a guest log line. It reports whether the line should be
// forwarded to the worker's output; lines already emitted before a replay
// are suppressed.
func (h *Host) Log(ctx context.Context, level oplog.LogLevel, logContext, message string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return false, err
	}
	if h.cursor != nil && h.cursor.SeenLog(level, logContext, message) {
		return false, nil
	}
	if h.replaying() {
		return true, nil
	}
	if _, err := h.emit(ctx, &oplog.Log{Level: level, Context: logContext, Message: message}); err != nil {
		return false, err
	}
	return true, nil
}

// GrowMemory records a linear memory increase. Growth the log already
// holds is not recorded again.
func (h *Host) GrowMemory(ctx context.Context, delta uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}
	if _, ok := h.claim(oplog.KindGrowMemory, func(p oplog.Payload) bool {
		return p.(*oplog.GrowMemory).Delta == delta
	}); ok || h.replaying() {
		return nil
	}
	_, err := h.emit(ctx, &oplog.GrowMemory{Delta: delta})
	return err
}

// Suspend records a suspension and commits.
func (h *Host) Suspend(ctx context.Context) error {
	return h.emitHint(ctx, &oplog.Suspend{}, false)
}

// Interrupt records an external interruption and commits.
func (h *Host) Interrupt(ctx context.Context) error {
	return h.emitHint(ctx, &oplog.Interrupted{}, false)
}

// Restart records a manual restart, which clears the error count.
func (h *Host) Restart(ctx context.Context) error {
	if err := h.emitHint(ctx, &oplog.Restart{}, true); err != nil {
		return err
	}
	h.mu.Lock()
	h.errorCount = 0
	h.mu.Unlock()
	return nil
}

// Exit records a normal exit, commits and closes the host.
func (h *Host) Exit(ctx context.Context) error {
	if err := h.emitHint(ctx, &oplog.Exited{}, false); err != nil {
		return err
	}
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

// Commit flushes buffered entries.
func (h *Host) Commit(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}
	return h.writer.Commit(ctx)
}

func (h *Host) emitHint(ctx context.Context, p oplog.Payload, commit bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}
	if _, err := h.emit(ctx, p); err != nil {
		return err
	}
	if commit {
		return h.commitIfIdle(ctx)
	}
	return nil
}

// close commits what can be committed and refuses further calls. Entries
// of a region still open are dropped, as a crash would drop them.
func (h *Host) close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.writer.State() == writer.StateBufferingRegion {
		h.logger.WarnContext(ctx, "closing host inside an open region", "dropped", h.writer.Pending())
		return nil
	}
	return h.writer.Commit(ctx)
}

// exclusive flushes the writer, runs fn while nothing else can write, then
// reopens the writer after whatever fn appended.
func (h *Host) exclusive(ctx context.Context, fn func() error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fn()
	}
	if h.writer.State() == writer.StateBufferingRegion {
		return fmt.Errorf("%s: %w", h.worker, ErrBusy)
	}
	if err := h.writer.Commit(ctx); err != nil {
		return err
	}
	fnErr := fn()

	opts := h.wopts
	opts.PersistenceLevel = h.writer.PersistenceLevel()
	wr, err := writer.Open(ctx, h.store, h.worker, opts)
	if err != nil {
		h.closed = true
		return errors.Join(fnErr, fmt.Errorf("reopen writer: %w", err))
	}
	h.writer = wr
	return fnErr
}
