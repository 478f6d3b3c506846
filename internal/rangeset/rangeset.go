// Package rangeset implements canonical interval arithmetic over
// half-open [start, end) byte ranges.
//
// The sorted-slice-plus-binary-search shape is the same one the teacher
// uses for byteRangeList (see byterange.go in the reference pack): ranges
// are kept disjoint, sorted by start, and merged ("incorporated") whenever
// a write touches or overlaps a neighbor. RangeSet drops the payload and
// keeps only the interval bookkeeping.
package rangeset

import (
	"slices"
	"sort"
)

// Range is a half-open byte interval [Start, End).
type Range struct {
	Start, End int64
}

func (r Range) empty() bool { return r.Start >= r.End }

// Len returns End - Start.
func (r Range) Len() int64 { return r.End - r.Start }

// RangeSet is a canonical (sorted, disjoint, non-touching) list of ranges.
type RangeSet struct {
	ranges []Range
}

// New builds a canonical RangeSet from arbitrary input ranges.
func New(rs ...Range) RangeSet {
	var s RangeSet
	for _, r := range rs {
		s.Add(r)
	}
	return s
}

// Ranges returns the canonical ranges in sorted order. The caller must not
// mutate the returned slice.
func (s *RangeSet) Ranges() []Range {
	return s.ranges
}

// Empty reports whether the set has no ranges.
func (s *RangeSet) Empty() bool { return len(s.ranges) == 0 }

// Add merges r into the set, coalescing with any touching or overlapping
// neighbors.
func (s *RangeSet) Add(r Range) {
	if r.empty() {
		return
	}

	i, hit := slices.BinarySearchFunc(s.ranges, r, func(a, b Range) int {
		switch {
		case a.End < b.Start:
			return -1
		case a.Start > b.End:
			return 1
		default:
			return 0
		}
	})

	if !hit {
		s.ranges = slices.Insert(s.ranges, i, r)
	} else {
		s.ranges[i] = union1(s.ranges[i], r)
	}

	// Sweep forward, coalescing any now-touching neighbors.
	for i+1 < len(s.ranges) {
		merged, ok := tryUnion(s.ranges[i], s.ranges[i+1])
		if !ok {
			break
		}
		s.ranges[i] = merged
		s.ranges = slices.Delete(s.ranges, i+1, i+2)
	}
	// Sweep backward too: BinarySearchFunc's comparator treats touching
	// ranges as equal, but a fresh insert can still newly touch its left
	// neighbor when hit was false and i > 0.
	for i > 0 {
		merged, ok := tryUnion(s.ranges[i-1], s.ranges[i])
		if !ok {
			break
		}
		s.ranges[i-1] = merged
		s.ranges = slices.Delete(s.ranges, i, i+1)
		i--
	}
}

// Contains reports whether q is fully covered by some element of the set.
func (s *RangeSet) Contains(q Range) bool {
	if q.empty() {
		return true
	}
	// Last range whose Start <= q.Start.
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Start > q.Start
	}) - 1
	if i < 0 {
		return false
	}
	return q.End <= s.ranges[i].End
}

// Union returns the canonical union of a and b.
func Union(a, b RangeSet) RangeSet {
	var out RangeSet
	for _, r := range a.ranges {
		out.Add(r)
	}
	for _, r := range b.ranges {
		out.Add(r)
	}
	return out
}

// Subtract returns the canonical set of bytes in a that are not in b.
func Subtract(a, b RangeSet) RangeSet {
	var out RangeSet
	for _, ar := range a.ranges {
		remaining := []Range{ar}
		for _, br := range b.ranges {
			var next []Range
			for _, r := range remaining {
				next = append(next, subtract1(r, br)...)
			}
			remaining = next
		}
		for _, r := range remaining {
			out.Add(r)
		}
	}
	return out
}

// Missing returns the canonical complement of ranges, intersected with
// bound: the sub-ranges of bound not covered by any element of ranges.
func Missing(bound Range, ranges RangeSet) RangeSet {
	var boundedRanges RangeSet
	for _, r := range ranges.ranges {
		if c, ok := intersect(r, bound); ok {
			boundedRanges.Add(c)
		}
	}
	return Subtract(New(bound), boundedRanges)
}

func union1(a, b Range) Range {
	m, ok := tryUnion(a, b)
	if !ok {
		// Disjoint and non-touching: caller (Add's BinarySearchFunc hit)
		// guarantees this cannot happen for elements already stored at
		// the hit index, but guard defensively by keeping the widest
		// span; the sweep passes above fix up any resulting overlap.
		return Range{min(a.Start, b.Start), max(a.End, b.End)}
	}
	return m
}

func tryUnion(a, b Range) (Range, bool) {
	if a.End < b.Start || b.End < a.Start {
		return Range{}, false
	}
	return Range{min(a.Start, b.Start), max(a.End, b.End)}, true
}

func subtract1(a, b Range) []Range {
	c, ok := intersect(a, b)
	if !ok {
		return []Range{a}
	}
	var out []Range
	if a.Start < c.Start {
		out = append(out, Range{a.Start, c.Start})
	}
	if c.End < a.End {
		out = append(out, Range{c.End, a.End})
	}
	return out
}

func intersect(a, b Range) (Range, bool) {
	r := Range{max(a.Start, b.Start), min(a.End, b.End)}
	if r.empty() {
		return Range{}, false
	}
	return r, true
}
