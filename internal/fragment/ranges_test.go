package fragment

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRangesMergeOverlappingAndAdjacent(t *testing.T) {
	var r Ranges
	r.Add(10, 20)
	r.Add(30, 40)
	r.Add(20, 25) // adjacent to [10,20)
	r.Add(0, 5)
	r.Add(35, 50) // overlaps [30,40)

	want := []Interval{{0, 5}, {10, 25}, {30, 50}}
	if diff := cmp.Diff(want, r.Intervals()); diff != "" {
		t.Fatalf("intervals mismatch (-want +got):\n%s", diff)
	}
	if r.Len() != 5+15+20 {
		t.Fatalf("Len = %d, want 40", r.Len())
	}

	r.Add(4, 31)
	want = []Interval{{0, 50}}
	if diff := cmp.Diff(want, r.Intervals()); diff != "" {
		t.Fatalf("intervals mismatch after bridging add (-want +got):\n%s", diff)
	}
	if r.Len() != 50 {
		t.Fatalf("Len = %d, want 50", r.Len())
	}
}

func TestRangesIgnoresEmpty(t *testing.T) {
	var r Ranges
	r.Add(5, 5)
	r.Add(7, 3)
	if r.Count() != 0 || r.Len() != 0 {
		t.Fatalf("expected empty set, got %v", r.Intervals())
	}
}

func TestRangesCoverage(t *testing.T) {
	var r Ranges
	r.Add(0, 10)
	r.Add(20, 30)

	if !r.Covers(0, 10) || !r.Covers(2, 8) || !r.Covers(20, 30) {
		t.Fatalf("expected covered ranges")
	}
	if r.Covers(0, 11) || r.Covers(5, 25) || r.Covers(10, 20) {
		t.Fatalf("unexpected coverage")
	}
	if !r.Covers(7, 7) {
		t.Fatalf("empty range should be covered")
	}
	if got := r.CoveredWithin(5, 25); got != 10 {
		t.Fatalf("CoveredWithin(5,25) = %d, want 10", got)
	}
	if got := r.CoveredWithin(0, 100); got != 20 {
		t.Fatalf("CoveredWithin(0,100) = %d, want 20", got)
	}
	if !r.Overlaps(9, 21) || r.Overlaps(10, 20) {
		t.Fatalf("Overlaps mismatch")
	}
}

func TestRangesClip(t *testing.T) {
	var r Ranges
	r.Add(0, 10)
	r.Add(20, 30)
	r.Add(40, 50)

	r.Clip(25)
	want := []Interval{{0, 10}, {20, 25}}
	if diff := cmp.Diff(want, r.Intervals()); diff != "" {
		t.Fatalf("clip mismatch (-want +got):\n%s", diff)
	}
	if r.Len() != 15 {
		t.Fatalf("Len = %d, want 15", r.Len())
	}
	if r.End() != 25 {
		t.Fatalf("End = %d, want 25", r.End())
	}

	r.Clip(10)
	want = []Interval{{0, 10}}
	if diff := cmp.Diff(want, r.Intervals()); diff != "" {
		t.Fatalf("clip at boundary mismatch (-want +got):\n%s", diff)
	}
}

func TestRangesOrderIndependent(t *testing.T) {
	writes := []Interval{{50, 60}, {0, 8}, {8, 16}, {55, 70}, {100, 101}, {16, 20}, {0, 8}}
	var forward, backward Ranges
	for _, w := range writes {
		forward.Add(w.Start, w.End)
	}
	for i := len(writes) - 1; i >= 0; i-- {
		backward.Add(writes[i].Start, writes[i].End)
	}
	if diff := cmp.Diff(forward.Intervals(), backward.Intervals()); diff != "" {
		t.Fatalf("order dependent result (-forward +backward):\n%s", diff)
	}
	if forward.Len() != backward.Len() {
		t.Fatalf("Len mismatch: %d vs %d", forward.Len(), backward.Len())
	}
}
