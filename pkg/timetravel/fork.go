package timetravel

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/helm-durable/pkg/observability"
	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
	"github.com/Mindburn-Labs/helm-durable/pkg/replay"
)

// Fork creates target with a copy of source's entries [0..cutoff]. The two
// logs are independent afterwards. A cutoff inside an atomic region that is
// still open at that point is rejected.
func (m *Manager) Fork(ctx context.Context, source, target oplog.WorkerID, cutoff oplog.Index) (err error) {
	ctx, done := m.obs.TrackOperation(ctx, "oplog.fork",
		observability.WorkerOperation(source.String(), uint64(cutoff))...)
	defer func() { done(err) }()

	if source == target {
		return fmt.Errorf("fork %s: source and target are the same worker", source)
	}
	entries, _, err := m.state(ctx, source)
	if err != nil {
		return err
	}
	last := entries[len(entries)-1].Index
	if cutoff > last {
		return fmt.Errorf("fork %s at %d: %w (last is %d)", source, cutoff, ErrCutoffOutOfRange, last)
	}

	prefix, err := replay.Replay(ctx, source, entries[:cutoff+1], m.replay...)
	if err != nil {
		return err
	}
	if prefix.DroppedRegion != nil {
		return fmt.Errorf("fork %s at %d: %w starting at %d", source, cutoff, ErrOpenRegion, prefix.DroppedRegion.Start)
	}

	if err := m.store.CopyPrefix(ctx, source, target, cutoff); err != nil {
		return fmt.Errorf("fork %s into %s: %w", source, target, err)
	}
	m.logger.InfoContext(ctx, "worker forked", "source", source.String(), "target", target.String(), "cutoff", cutoff)
	return nil
}
