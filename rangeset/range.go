// Package rangeset implements half-open integer intervals and ordered,
// coalescing sets of them, used throughout the engine to describe which
// guest addresses are instrumented, pending invalidation, or covered by a
// translated block.
package rangeset

import "fmt"

// Range is a half-open interval [Start, End). An empty range has
// Start >= End and is legal; all set operations ignore empty ranges.
type Range struct {
	Start uint64
	End   uint64
}

// NewRange builds a Range, normalising an inverted Start/End into an empty
// range rather than rejecting it.
func NewRange(start, end uint64) Range {
	if end < start {
		end = start
	}
	return Range{Start: start, End: end}
}

// Empty reports whether the range contains no points.
func (r Range) Empty() bool {
	return r.End <= r.Start
}

// Size returns the number of integer points covered.
func (r Range) Size() uint64 {
	if r.Empty() {
		return 0
	}
	return r.End - r.Start
}

// Contains reports whether point lies within the range.
func (r Range) Contains(point uint64) bool {
	return point >= r.Start && point < r.End
}

// ContainsRange reports whether other is entirely covered by r.
func (r Range) ContainsRange(other Range) bool {
	if other.Empty() {
		return true
	}
	return other.Start >= r.Start && other.End <= r.End
}

// Overlaps reports whether r and other share at least one point.
func (r Range) Overlaps(other Range) bool {
	if r.Empty() || other.Empty() {
		return false
	}
	return r.Start < other.End && other.Start < r.End
}

// Adjacent reports whether r and other touch or overlap, i.e. whether they
// could be coalesced into a single range.
func (r Range) Adjacent(other Range) bool {
	if r.Empty() || other.Empty() {
		return false
	}
	return r.Start <= other.End && other.Start <= r.End
}

func (r Range) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", r.Start, r.End)
}

// Set is a sorted, disjoint, coalesced list of Ranges.
type Set struct {
	ranges []Range
}

// New builds an empty Set.
func New() *Set {
	return &Set{}
}

// Ranges returns a defensive copy of the set's maximal disjoint ranges, in
// ascending order.
func (s *Set) Ranges() []Range {
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Empty reports whether the set has no ranges.
func (s *Set) Empty() bool {
	return len(s.ranges) == 0
}

// Size returns the sum of the sizes of the set's maximal disjoint ranges.
func (s *Set) Size() uint64 {
	var total uint64
	for _, r := range s.ranges {
		total += r.Size()
	}
	return total
}

// Clear empties the set.
func (s *Set) Clear() {
	s.ranges = s.ranges[:0]
}

// Add inserts r into the set, extending or merging any adjacent or
// overlapping ranges so the set stays sorted, disjoint and coalesced.
func (s *Set) Add(r Range) {
	if r.Empty() {
		return
	}

	// Find the first range that could be adjacent to or overlap r.
	insertAt := 0
	for insertAt < len(s.ranges) && s.ranges[insertAt].End < r.Start {
		insertAt++
	}

	merged := r
	removeTo := insertAt
	for removeTo < len(s.ranges) && s.ranges[removeTo].Start <= merged.End {
		if s.ranges[removeTo].Start < merged.Start {
			merged.Start = s.ranges[removeTo].Start
		}
		if s.ranges[removeTo].End > merged.End {
			merged.End = s.ranges[removeTo].End
		}
		removeTo++
	}

	tail := append([]Range{}, s.ranges[removeTo:]...)
	s.ranges = append(s.ranges[:insertAt], merged)
	s.ranges = append(s.ranges, tail...)
}

// Remove deletes r from the set, splitting any range that strictly contains
// the removed interval.
func (s *Set) Remove(r Range) {
	if r.Empty() || len(s.ranges) == 0 {
		return
	}

	result := make([]Range, 0, len(s.ranges)+1)
	for _, cur := range s.ranges {
		if !cur.Overlaps(r) {
			result = append(result, cur)
			continue
		}
		if cur.Start < r.Start {
			result = append(result, Range{Start: cur.Start, End: r.Start})
		}
		if cur.End > r.End {
			result = append(result, Range{Start: r.End, End: cur.End})
		}
	}
	s.ranges = result
}

// Contains reports whether point falls inside any range of the set.
func (s *Set) Contains(point uint64) bool {
	for _, r := range s.ranges {
		if point < r.Start {
			return false
		}
		if r.Contains(point) {
			return true
		}
	}
	return false
}

// ContainsRange reports whether other is entirely covered by a single
// maximal range of the set.
func (s *Set) ContainsRange(other Range) bool {
	for _, r := range s.ranges {
		if r.ContainsRange(other) {
			return true
		}
	}
	return false
}

// Overlaps reports whether other shares at least one point with the set.
func (s *Set) Overlaps(other Range) bool {
	for _, r := range s.ranges {
		if r.Start >= other.End {
			return false
		}
		if r.Overlaps(other) {
			return true
		}
	}
	return false
}

// OverlappingRanges returns every maximal range of the set that overlaps
// other, in ascending order.
func (s *Set) OverlappingRanges(other Range) []Range {
	var out []Range
	for _, r := range s.ranges {
		if r.Overlaps(other) {
			out = append(out, r)
		}
	}
	return out
}

// Clone returns an independent copy of the set.
func (s *Set) Clone() *Set {
	c := &Set{ranges: make([]Range, len(s.ranges))}
	copy(c.ranges, s.ranges)
	return c
}

// Intersect returns a new Set containing exactly the points present in both
// s and other. Intersect is commutative.
func (s *Set) Intersect(other *Set) *Set {
	result := New()
	for _, a := range s.ranges {
		for _, b := range other.ranges {
			if b.Start >= a.End {
				break
			}
			lo, hi := a.Start, a.End
			if b.Start > lo {
				lo = b.Start
			}
			if b.End < hi {
				hi = b.End
			}
			if lo < hi {
				result.Add(Range{Start: lo, End: hi})
			}
		}
	}
	return result
}

// Union returns a new Set containing every point present in s or other.
func (s *Set) Union(other *Set) *Set {
	result := s.Clone()
	for _, r := range other.ranges {
		result.Add(r)
	}
	return result
}
