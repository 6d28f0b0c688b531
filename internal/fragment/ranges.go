package fragment

import "sort"

// Interval is a half-open byte range [Start, End).
type Interval struct {
	Start uint64
	End   uint64
}

// Len returns the number of bytes in the interval.
func (iv Interval) Len() uint64 {
	if iv.End <= iv.Start {
		return 0
	}
	return iv.End - iv.Start
}

// Ranges is a minimal set of merged, non-overlapping intervals ordered by Start.
// Adjacent intervals are coalesced. The zero value is an empty set.
type Ranges struct {
	ivs   []Interval
	total uint64
}

// Add inserts [start, end) and merges it with any overlapping or adjacent interval.
func (r *Ranges) Add(start, end uint64) {
	if end <= start {
		return
	}
	// first interval whose End reaches start
	i := sort.Search(len(r.ivs), func(i int) bool { return r.ivs[i].End >= start })
	j := i
	for j < len(r.ivs) && r.ivs[j].Start <= end {
		if r.ivs[j].Start < start {
			start = r.ivs[j].Start
		}
		if r.ivs[j].End > end {
			end = r.ivs[j].End
		}
		r.total -= r.ivs[j].Len()
		j++
	}
	merged := Interval{Start: start, End: end}
	r.total += merged.Len()
	switch {
	case i == j:
		r.ivs = append(r.ivs, Interval{})
		copy(r.ivs[i+1:], r.ivs[i:])
		r.ivs[i] = merged
	default:
		r.ivs[i] = merged
		r.ivs = append(r.ivs[:i+1], r.ivs[j:]...)
	}
}

// Len returns the total number of bytes covered.
func (r *Ranges) Len() uint64 {
	return r.total
}

// Count returns the number of disjoint intervals.
func (r *Ranges) Count() int {
	return len(r.ivs)
}

// Covers reports whether every byte of [start, end) is in the set.
func (r *Ranges) Covers(start, end uint64) bool {
	if end <= start {
		return true
	}
	i := sort.Search(len(r.ivs), func(i int) bool { return r.ivs[i].End > start })
	return i < len(r.ivs) && r.ivs[i].Start <= start && r.ivs[i].End >= end
}

// Overlaps reports whether any byte of [start, end) is in the set.
func (r *Ranges) Overlaps(start, end uint64) bool {
	if end <= start {
		return false
	}
	i := sort.Search(len(r.ivs), func(i int) bool { return r.ivs[i].End > start })
	return i < len(r.ivs) && r.ivs[i].Start < end
}

// CoveredWithin returns how many bytes of [start, end) are in the set.
func (r *Ranges) CoveredWithin(start, end uint64) uint64 {
	if end <= start {
		return 0
	}
	var n uint64
	i := sort.Search(len(r.ivs), func(i int) bool { return r.ivs[i].End > start })
	for ; i < len(r.ivs) && r.ivs[i].Start < end; i++ {
		s, e := r.ivs[i].Start, r.ivs[i].End
		if s < start {
			s = start
		}
		if e > end {
			e = end
		}
		n += e - s
	}
	return n
}

// Clip drops every byte at or beyond end.
func (r *Ranges) Clip(end uint64) {
	i := sort.Search(len(r.ivs), func(i int) bool { return r.ivs[i].End > end })
	for k := i; k < len(r.ivs); k++ {
		r.total -= r.ivs[k].Len()
	}
	if i < len(r.ivs) && r.ivs[i].Start < end {
		r.ivs[i].End = end
		r.total += r.ivs[i].Len()
		i++
	}
	r.ivs = r.ivs[:i]
}

// End returns the end of the highest interval, or 0 when empty.
func (r *Ranges) End() uint64 {
	if len(r.ivs) == 0 {
		return 0
	}
	return r.ivs[len(r.ivs)-1].End
}

// Intervals returns a copy of the merged intervals in ascending order.
func (r *Ranges) Intervals() []Interval {
	out := make([]Interval, len(r.ivs))
	copy(out, r.ivs)
	return out
}

// Reset empties the set.
func (r *Ranges) Reset() {
	r.ivs = r.ivs[:0]
	r.total = 0
}
