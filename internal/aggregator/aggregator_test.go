package aggregator

import "testing"

func stripe() Stripe {
	return Stripe{StripeSize: 1024, StripeCount: 4, CBNodes: 2, RankList: []int{5, 7}}
}

func TestAggregatorForCyclesRankList(t *testing.T) {
	s := stripe()
	cases := []struct {
		offset int64
		want   int
	}{
		{0, 5},
		{1023, 5},
		{1024, 7},
		{2047, 7},
		{2048, 5},
	}
	for _, c := range cases {
		if got := s.AggregatorFor(c.offset); got != c.want {
			t.Errorf("AggregatorFor(%d) = %d, want %d", c.offset, got, c.want)
		}
	}
}

func TestAvailableBeforeStopsAtStripeBoundary(t *testing.T) {
	s := stripe()
	if got := s.AvailableBefore(512); got != 512 {
		t.Fatalf("AvailableBefore(512) = %d, want 512", got)
	}
	if got := s.AvailableBefore(0); got != 1024 {
		t.Fatalf("AvailableBefore(0) = %d, want 1024", got)
	}
}

func TestBuildRequestMapSplitsAcrossStripes(t *testing.T) {
	s := stripe()
	// a single 1536-byte request starting mid-stripe spans two aggregators.
	reqs := []Request{{Offset: 512, Length: 1536, BufIndex: 0}}
	got := BuildRequestMap(s, reqs)

	if len(got[5]) != 1 || got[5][0].Offset != 512 || got[5][0].Length != 512 {
		t.Fatalf("rank 5 pieces = %+v", got[5])
	}
	if len(got[7]) != 1 || got[7][0].Offset != 1024 || got[7][0].Length != 1024 {
		t.Fatalf("rank 7 pieces = %+v", got[7])
	}
}

func TestBuildRequestMapSkipsZeroLength(t *testing.T) {
	s := stripe()
	got := BuildRequestMap(s, []Request{{Offset: 0, Length: 0}})
	if len(got) != 0 {
		t.Fatalf("expected no aggregator entries for a zero-length request, got %+v", got)
	}
}

func TestDocollectRespectsBigRequestThreshold(t *testing.T) {
	if !Docollect(1000, 10, 200) {
		t.Fatalf("avg 100 <= threshold 200 should collect")
	}
	if Docollect(100000, 10, 200) {
		t.Fatalf("avg 10000 > threshold 200 should not collect")
	}
	if !Docollect(100000, 10, 0) {
		t.Fatalf("threshold 0 means unconditionally collect")
	}
	if !Docollect(0, 0, 200) {
		t.Fatalf("zero access count should default to collect")
	}
}
