package horizondb

import "sort"

// TimeRange is a half-open interval [Lower, Upper) of timestamps expressed
// in the owning series' unit. Partition boundaries and query ranges use this
// form; block headers record the closed range of timestamps they contain and
// reuse the same struct with Upper set to the maximum contained timestamp.
type TimeRange struct {
	Lower int64
	Upper int64
}

// Contains reports whether ts falls within the half-open interval.
func (r TimeRange) Contains(ts int64) bool {
	return ts >= r.Lower && ts < r.Upper
}

// Overlaps reports whether the half-open intervals r and other intersect.
func (r TimeRange) Overlaps(other TimeRange) bool {
	return r.Lower < other.Upper && other.Lower < r.Upper
}

func (r TimeRange) empty() bool {
	return r.Upper <= r.Lower
}

// RangeSet is an ascending list of disjoint time ranges. The zero value
// matches nothing; use AllTime for an unbounded scan.
type RangeSet struct {
	ranges []TimeRange
}

// AllTime spans the timestamps in [-2^62, 2^62-1); timestamps outside that
// interval are not matched.
func AllTime() RangeSet {
	return NewRangeSet(TimeRange{Lower: minTimestamp, Upper: maxTimestamp})
}

const (
	minTimestamp = int64(-1) << 62
	maxTimestamp = int64(1)<<62 - 1
)

// NewRangeSet normalises the given ranges: empty or inverted ranges are
// dropped, overlapping and adjacent ones are merged, and the result is
// sorted ascending. An inverted BETWEEN therefore yields an empty set
// rather than an error.
func NewRangeSet(ranges ...TimeRange) RangeSet {
	kept := make([]TimeRange, 0, len(ranges))
	for _, r := range ranges {
		if !r.empty() {
			kept = append(kept, r)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Lower < kept[j].Lower })
	merged := kept[:0]
	for _, r := range kept {
		if n := len(merged); n > 0 && r.Lower <= merged[n-1].Upper {
			if r.Upper > merged[n-1].Upper {
				merged[n-1].Upper = r.Upper
			}
			continue
		}
		merged = append(merged, r)
	}
	return RangeSet{ranges: merged}
}

// IsEmpty reports whether the set matches no timestamp.
func (s RangeSet) IsEmpty() bool {
	return len(s.ranges) == 0
}

// Contains reports whether ts is covered by the set.
func (s RangeSet) Contains(ts int64) bool {
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].Upper > ts })
	return i < len(s.ranges) && s.ranges[i].Contains(ts)
}

// Overlaps reports whether any range in the set intersects r.
func (s RangeSet) Overlaps(r TimeRange) bool {
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].Upper > r.Lower })
	return i < len(s.ranges) && s.ranges[i].Overlaps(r)
}

// OverlapsClosed reports whether any range in the set intersects the closed
// interval [min, max], the form block headers carry.
func (s RangeSet) OverlapsClosed(min, max int64) bool {
	return s.Overlaps(TimeRange{Lower: min, Upper: max + 1})
}

// Bounds returns the lowest lower bound and the highest upper bound, or
// false if the set is empty.
func (s RangeSet) Bounds() (TimeRange, bool) {
	if len(s.ranges) == 0 {
		return TimeRange{}, false
	}
	return TimeRange{Lower: s.ranges[0].Lower, Upper: s.ranges[len(s.ranges)-1].Upper}, true
}
