package timetravel

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/helm-durable/pkg/observability"
	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
	"github.com/Mindburn-Labs/helm-durable/pkg/replay"
)

type targetKind int

const (
	toIndex targetKind = iota
	lastInvocations
	explicitRange
)

// RevertTarget selects what a revert drops.
type RevertTarget struct {
	kind   targetKind
	index  oplog.Index
	count  int
	region oplog.Region
}

// ToIndex keeps entries [0..i] and drops everything after.
func ToIndex(i oplog.Index) RevertTarget { return RevertTarget{kind: toIndex, index: i} }

// LastInvocations drops the n most recent invocations and everything after
// the first of them.
func LastInvocations(n int) RevertTarget { return RevertTarget{kind: lastInvocations, count: n} }

// Range drops an explicit region. Anything but a suffix of the log is an
// interior revert.
func Range(r oplog.Region) RevertTarget { return RevertTarget{kind: explicitRange, region: r} }

func (t RevertTarget) String() string {
	switch t.kind {
	case toIndex:
		return fmt.Sprintf("to index %d", t.index)
	case lastInvocations:
		return fmt.Sprintf("last %d invocations", t.count)
	default:
		return "range " + t.region.String()
	}
}

// RevertOptions tunes Revert.
type RevertOptions struct {
	// AllowInterior permits dropping a region that is not a suffix.
	AllowInterior bool
}

// Revert appends a single Revert marker retracting the selected region. The
// dropped entries stay in storage; replay skips them. It returns the index
// of the marker and the dropped region.
func (m *Manager) Revert(ctx context.Context, w oplog.WorkerID, target RevertTarget, opts RevertOptions) (marker oplog.Index, dropped oplog.Region, err error) {
	ctx, done := m.obs.TrackOperation(ctx, "oplog.revert", observability.AttrWorker.String(w.String()))
	defer func() { done(err) }()

	entries, state, err := m.state(ctx, w)
	if err != nil {
		return 0, oplog.Region{}, err
	}
	last := entries[len(entries)-1].Index

	switch target.kind {
	case toIndex:
		if target.index > last {
			return 0, oplog.Region{}, fmt.Errorf("revert %s %s: %w", w, target, ErrCutoffOutOfRange)
		}
		dropped = oplog.Region{Start: target.index.Next(), End: last}
	case lastInvocations:
		start, ok := nthLastInvocation(entries, state, target.count)
		if !ok {
			return 0, oplog.Region{}, fmt.Errorf("revert %s %s: %w: not enough invocations", w, target, ErrNothingToRevert)
		}
		dropped = oplog.Region{Start: start, End: last}
	case explicitRange:
		dropped = target.region
		if dropped.End > last {
			return 0, oplog.Region{}, fmt.Errorf("revert %s %s: %w", w, target, ErrCutoffOutOfRange)
		}
		if dropped.End < last && !opts.AllowInterior {
			return 0, oplog.Region{}, fmt.Errorf("revert %s %s: %w", w, target, oplog.ErrInteriorRevert)
		}
	}
	if dropped.Start == oplog.InitialIndex {
		return 0, oplog.Region{}, fmt.Errorf("revert %s %s: the create entry cannot be reverted", w, target)
	}
	if dropped.Start > dropped.End || dropped.Start > last {
		return 0, oplog.Region{}, fmt.Errorf("revert %s %s: %w", w, target, ErrNothingToRevert)
	}

	marker, err = m.appendMarker(ctx, w, &oplog.Revert{DroppedRegion: dropped})
	if err != nil {
		return 0, oplog.Region{}, fmt.Errorf("revert %s: %w", w, err)
	}
	m.logger.InfoContext(ctx, "worker reverted", "worker", w.String(), "dropped", dropped.String(), "marker", marker)
	return marker, dropped, nil
}

// nthLastInvocation returns the index of the n-th most recent live
// invocation start.
func nthLastInvocation(entries []oplog.Entry, state *replay.State, n int) (oplog.Index, bool) {
	if n <= 0 {
		return 0, false
	}
	seen := 0
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if _, ok := e.Payload.(*oplog.ExportedFunctionInvoked); !ok || state.IsDeleted(e.Index) {
			continue
		}
		seen++
		if seen == n {
			return e.Index, true
		}
	}
	return 0, false
}
