package rtree

import (
	"sort"
	"testing"
)

func TestAddSplitNonOverlap(t *testing.T) {
	tr := New()
	tr.AddSplit(Range{0, 100}, 0)
	tr.AddSplit(Range{40, 60}, 1000)

	var got []Entry
	tr.Walk(func(e Entry) bool {
		got = append(got, e)
		return true
	})
	sort.Slice(got, func(i, j int) bool { return got[i].Range.Start < got[j].Range.Start })

	if len(got) != 3 {
		t.Fatalf("expected 3 entries after split-insert, got %d: %+v", len(got), got)
	}
	want := []Entry{
		{Range: Range{0, 40}, DataLogOffset: 0},
		{Range: Range{40, 60}, DataLogOffset: 1000},
		{Range: Range{60, 100}, DataLogOffset: 60},
	}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], w)
		}
	}

	// non-overlap invariant
	for i := 0; i < len(got); i++ {
		for j := i + 1; j < len(got); j++ {
			if got[i].Range.overlaps(got[j].Range) {
				t.Errorf("entries %+v and %+v overlap", got[i], got[j])
			}
		}
	}
}

func TestAddSplitInvalidPropagation(t *testing.T) {
	tr := New()
	tr.AddSplit(Range{0, 100}, Invalid)
	tr.AddSplit(Range{40, 60}, 5)

	var left, right Entry
	tr.Overlap(Range{0, 40}, func(e Entry) bool { left = e; return true })
	tr.Overlap(Range{60, 100}, func(e Entry) bool { right = e; return true })

	if left.DataLogOffset != Invalid {
		t.Errorf("left residue offset = %d, want Invalid", left.DataLogOffset)
	}
	if right.DataLogOffset != Invalid {
		t.Errorf("right residue offset = %d, want Invalid", right.DataLogOffset)
	}
}

func TestAddSplitRangeSizePreserved(t *testing.T) {
	tr := New()
	tr.AddSplit(Range{0, 100}, 0)
	if tr.RangeSize() != 100 {
		t.Fatalf("rangesize = %d, want 100", tr.RangeSize())
	}
	tr.AddSplit(Range{40, 60}, 1000)
	if tr.RangeSize() != 100 {
		t.Fatalf("rangesize after overlapping insert = %d, want 100 (coalesced, not summed)", tr.RangeSize())
	}
}

func TestOverlapQuery(t *testing.T) {
	tr := New()
	tr.AddSplit(Range{0, 10}, 0)
	tr.AddSplit(Range{20, 30}, 100)
	tr.AddSplit(Range{40, 50}, 200)

	var hits []Range
	tr.Overlap(Range{5, 45}, func(e Entry) bool {
		hits = append(hits, e.Range)
		return true
	})
	if len(hits) != 3 {
		t.Fatalf("expected 3 overlap hits, got %d: %+v", len(hits), hits)
	}
}

func TestFindExact(t *testing.T) {
	tr := New()
	tr.Add(Range{10, 20}, 42)
	e, ok := tr.Find(Range{10, 20})
	if !ok || e.DataLogOffset != 42 {
		t.Fatalf("Find returned %+v, %v; want offset 42, true", e, ok)
	}
	if _, ok := tr.Find(Range{10, 21}); ok {
		t.Fatalf("Find matched a non-exact range")
	}
}

func TestRemoveShrinksRoot(t *testing.T) {
	tr := New()
	for i := 0; i < 20; i++ {
		tr.Add(Range{int64(i * 10), int64(i*10 + 5)}, int64(i))
	}
	if tr.Count() != 20 {
		t.Fatalf("count = %d, want 20", tr.Count())
	}
	for i := 0; i < 20; i++ {
		off, ok := tr.Remove(Range{int64(i * 10), int64(i*10 + 5)})
		if !ok || off != int64(i) {
			t.Fatalf("Remove(%d) = %d, %v; want %d, true", i, off, ok, i)
		}
	}
	if !tr.Empty() {
		t.Fatalf("tree not empty after removing all entries: count=%d", tr.Count())
	}
	if tr.Depth() != 0 {
		t.Fatalf("depth = %d, want 0 after full drain", tr.Depth())
	}
}

func TestSplitKeepsFanoutBounds(t *testing.T) {
	tr := New()
	for i := 0; i < 200; i++ {
		tr.Add(Range{int64(i * 10), int64(i*10 + 5)}, int64(i))
	}
	var walk func(id nodeID)
	walk = func(id nodeID) {
		n := tr.node(id)
		if n.count > maxChild {
			t.Fatalf("node %d has count %d > maxChild %d", id, n.count, maxChild)
		}
		if !n.isLeaf {
			for i := int8(0); i < n.count; i++ {
				walk(n.children[i])
			}
		}
	}
	walk(tr.root)
	if tr.Count() != 200 {
		t.Fatalf("count = %d, want 200", tr.Count())
	}
}

func TestWalkAscending(t *testing.T) {
	tr := New()
	offsets := []int64{5, 1, 3, 4, 2, 0}
	for _, i := range offsets {
		tr.Add(Range{i * 10, i*10 + 5}, i)
	}
	var prev int64 = -1
	tr.Walk(func(e Entry) bool {
		if e.Range.Start < prev {
			t.Fatalf("walk produced out-of-order start %d after %d", e.Range.Start, prev)
		}
		prev = e.Range.Start
		return true
	})
}

func TestCopyIndependence(t *testing.T) {
	tr := New()
	tr.Add(Range{0, 10}, 1)
	clone := tr.Copy(func(off int64) int64 { return off + 1000 })

	tr.Add(Range{20, 30}, 2)
	if clone.Count() != 1 {
		t.Fatalf("mutating original affected clone: clone.Count() = %d", clone.Count())
	}
	e, ok := clone.Find(Range{0, 10})
	if !ok || e.DataLogOffset != 1001 {
		t.Fatalf("clone entry = %+v, %v; want offset 1001 remapped", e, ok)
	}
}

func TestClear(t *testing.T) {
	tr := New()
	tr.Add(Range{0, 10}, 1)
	tr.Add(Range{20, 30}, 2)
	tr.Clear()
	if !tr.Empty() || tr.Count() != 0 || tr.RangeSize() != 0 {
		t.Fatalf("tree not reset after Clear: count=%d size=%d", tr.Count(), tr.RangeSize())
	}
	tr.Add(Range{0, 5}, 9)
	if tr.Count() != 1 {
		t.Fatalf("tree unusable after Clear")
	}
}
