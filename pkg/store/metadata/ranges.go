package metadata

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Range is a half-open interval [Start, End) of item indices known to be
// durably persisted. It marshals as a two-element JSON array.
type Range struct {
	Start uint64
	End   uint64
}

// MarshalJSON encodes the range as [start, end].
func (r Range) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]uint64{r.Start, r.End})
}

// UnmarshalJSON decodes a [start, end] pair.
func (r *Range) UnmarshalJSON(data []byte) error {
	var pair [2]uint64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if pair[1] < pair[0] {
		return fmt.Errorf("reversed range [%d, %d)", pair[0], pair[1])
	}
	r.Start, r.End = pair[0], pair[1]
	return nil
}

// Len returns the number of items in the range.
func (r Range) Len() uint64 { return r.End - r.Start }

// Ranges is an ordered list of disjoint, non-adjacent covered ranges.
// All mutating operations return a coalesced copy; the invariant (disjoint,
// sorted, adjacent ranges merged) holds after every write.
type Ranges []Range

// Add returns the ranges with r merged in, coalescing overlaps and adjacency.
func (rs Ranges) Add(r Range) Ranges {
	if r.Len() == 0 {
		return rs
	}
	out := make(Ranges, len(rs), len(rs)+1)
	copy(out, rs)
	out = append(out, r)
	return out.coalesce()
}

// coalesce sorts the ranges and merges overlapping or adjacent entries.
func (rs Ranges) coalesce() Ranges {
	if len(rs) <= 1 {
		return rs
	}
	sorted := make(Ranges, len(rs))
	copy(sorted, rs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := Ranges{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Contains reports whether [start, end) is fully covered by a single range.
// Coalescing guarantees any fully-covered interval lies inside one entry.
func (rs Ranges) Contains(start, end uint64) bool {
	if end <= start {
		return false
	}
	for _, r := range rs {
		if r.Start <= start && end <= r.End {
			return true
		}
	}
	return false
}

// Intersects reports whether [start, end) overlaps any covered range.
func (rs Ranges) Intersects(start, end uint64) bool {
	for _, r := range rs {
		if start < r.End && r.Start < end {
			return true
		}
	}
	return false
}

// MaxEnd returns the highest covered item index (exclusive), or zero when
// nothing is covered.
func (rs Ranges) MaxEnd() uint64 {
	var max uint64
	for _, r := range rs {
		if r.End > max {
			max = r.End
		}
	}
	return max
}

// Total returns the number of covered items across all ranges.
func (rs Ranges) Total() uint64 {
	var total uint64
	for _, r := range rs {
		total += r.Len()
	}
	return total
}
