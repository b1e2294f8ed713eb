package timetravel

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/helm-durable/pkg/observability"
	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

// CancelInvocation marks a pending invocation as cancelled. Cancelling an
// already cancelled invocation is a no-op; a completed or running one
// cannot be cancelled.
func (m *Manager) CancelInvocation(ctx context.Context, w oplog.WorkerID, key oplog.IdempotencyKey) (err error) {
	ctx, done := m.obs.TrackOperation(ctx, "oplog.cancel", observability.AttrWorker.String(w.String()))
	defer func() { done(err) }()

	_, state, err := m.state(ctx, w)
	if err != nil {
		return err
	}
	completed, cancelled, known := state.InvocationStatus(key)
	switch {
	case completed:
		return fmt.Errorf("cancel %q on %s: %w", key, w, oplog.ErrInvocationCompleted)
	case cancelled:
		return nil
	case !known:
		return fmt.Errorf("cancel %q on %s: %w", key, w, oplog.ErrInvocationNotFound)
	case state.InFlight != nil && state.InFlight.IdempotencyKey == key:
		return fmt.Errorf("cancel %q on %s: %w", key, w, ErrInvocationInProgress)
	}

	idx, err := m.appendMarker(ctx, w, &oplog.CancelInvocation{IdempotencyKey: key})
	if err != nil {
		return fmt.Errorf("cancel %q on %s: %w", key, w, err)
	}
	m.logger.InfoContext(ctx, "invocation cancelled", "worker", w.String(), "key", string(key), "index", idx)
	return nil
}
