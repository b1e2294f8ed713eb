package oplog

import (
	"fmt"
	"sort"
)

// Region is an inclusive range of oplog indices.
type Region struct {
	Start Index `json:"start"`
	End   Index `json:"end"`
}

// Contains reports whether idx falls inside the region.
func (r Region) Contains(idx Index) bool {
	return idx >= r.Start && idx <= r.End
}

// Len is the number of indices covered.
func (r Region) Len() uint64 {
	return uint64(r.End-r.Start) + 1
}

func (r Region) String() string {
	return fmt.Sprintf("[%d..%d]", r.Start, r.End)
}

// DeletedRegions is a sorted set of non-overlapping regions that replay
// treats as absent.
type DeletedRegions struct {
	regions []Region
}

// NewDeletedRegions builds a set from arbitrary, possibly overlapping regions.
func NewDeletedRegions(regions ...Region) DeletedRegions {
	var d DeletedRegions
	for _, r := range regions {
		d.Add(r)
	}
	return d
}

// Add inserts r, merging it with any region it overlaps or touches.
func (d *DeletedRegions) Add(r Region) {
	if r.End < r.Start {
		return
	}
	merged := make([]Region, 0, len(d.regions)+1)
	for _, existing := range d.regions {
		if existing.End.Next() < r.Start || r.End.Next() < existing.Start {
			merged = append(merged, existing)
			continue
		}
		if existing.Start < r.Start {
			r.Start = existing.Start
		}
		if existing.End > r.End {
			r.End = existing.End
		}
	}
	merged = append(merged, r)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Start < merged[j].Start })
	d.regions = merged
}

// Contains reports whether idx is inside any deleted region.
func (d DeletedRegions) Contains(idx Index) bool {
	i := sort.Search(len(d.regions), func(i int) bool { return d.regions[i].End >= idx })
	return i < len(d.regions) && d.regions[i].Contains(idx)
}

// FindNext returns the first region that ends at or after idx.
func (d DeletedRegions) FindNext(idx Index) (Region, bool) {
	i := sort.Search(len(d.regions), func(i int) bool { return d.regions[i].End >= idx })
	if i == len(d.regions) {
		return Region{}, false
	}
	return d.regions[i], true
}

// Regions returns a copy of the sorted regions.
func (d DeletedRegions) Regions() []Region {
	out := make([]Region, len(d.regions))
	copy(out, d.regions)
	return out
}

// IsEmpty reports whether nothing is deleted.
func (d DeletedRegions) IsEmpty() bool { return len(d.regions) == 0 }

// Truncated returns the regions clipped to end at or before last.
func (d DeletedRegions) Truncated(last Index) DeletedRegions {
	var out DeletedRegions
	for _, r := range d.regions {
		if r.Start > last {
			break
		}
		if r.End > last {
			r.End = last
		}
		out.regions = append(out.regions, r)
	}
	return out
}
