package replay

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/launix-de/logfs/backing/osfile"
	"github.com/launix-de/logfs/internal/aggregator"
	"github.com/launix-de/logfs/internal/group"
	"github.com/launix-de/logfs/internal/logfile"
	"github.com/launix-de/logfs/internal/rtree"
	"github.com/launix-de/logfs/internal/writering"
)

func TestExpandSegmentsIdentityForEmptyFiletype(t *testing.T) {
	got := expandSegments(10, 5, logfile.TypeLayout{})
	want := []rtree.Range{{Start: 10, Stop: 15}}
	if len(got) != 1 || got[0] != want[0] {
		t.Fatalf("expandSegments = %+v, want %+v", got, want)
	}
}

func TestExpandSegmentsStridedS2(t *testing.T) {
	// S2: blocklen=128, stride=256, count=4 -> four 128-byte blocks 256 apart.
	ft := logfile.TypeLayout{
		Indices:   []int64{0, 256, 512, 768},
		Blocklens: []int64{128, 128, 128, 128},
	}
	// a 256-byte write at etype-stream offset 0 covers block 0 in full (0-128)
	// and then jumps the stride gap to reach block 1 (256-384).
	got := expandSegments(0, 256, ft)
	want := []rtree.Range{{Start: 0, Stop: 128}, {Start: 256, Stop: 384}}
	if len(got) != len(want) {
		t.Fatalf("expandSegments = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("segment %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	// a 256-byte write at etype-stream offset 128 starts at block 1 (256-384)
	// and continues into block 2 (512-640).
	got2 := expandSegments(128, 256, ft)
	want2 := []rtree.Range{{Start: 256, Stop: 384}, {Start: 512, Stop: 640}}
	for i := range want2 {
		if got2[i] != want2[i] {
			t.Fatalf("segment %d = %+v, want %+v", i, got2[i], want2[i])
		}
	}
}

func newTestEngine(t *testing.T, dir string) *logfile.Engine {
	t.Helper()
	metaOps := osfile.New(filepath.Join(dir, "meta.log"))
	dataOps := osfile.New(filepath.Join(dir, "data.log"))
	metaRing := writering.New(256, 8, metaOps, true, true)
	dataRing := writering.New(256, 8, dataOps, true, true)
	if err := metaRing.Init(); err != nil {
		t.Fatalf("metaRing.Init: %v", err)
	}
	if err := dataRing.Init(); err != nil {
		t.Fatalf("dataRing.Init: %v", err)
	}
	t.Cleanup(func() { metaRing.Done(); dataRing.Done() })
	return logfile.New(metaRing, dataRing)
}

func TestRebuildTreeContiguousWrites(t *testing.T) {
	dir := t.TempDir()
	eng := newTestEngine(t, dir)

	contig := logfile.TypeLayout{Indices: []int64{0}, Blocklens: []int64{1}}
	eng.RecordView(0, contig, contig, "native")
	eng.RecordSetSize(100)
	if _, err := eng.RecordWrite([]byte("hello"), 0); err != nil {
		t.Fatalf("RecordWrite: %v", err)
	}
	if _, err := eng.RecordWrite([]byte("world!"), 5); err != nil {
		t.Fatalf("RecordWrite 2: %v", err)
	}
	if err := eng.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	tree, err := RebuildTree(context.Background(), eng)
	if err != nil {
		t.Fatalf("RebuildTree: %v", err)
	}
	if tree.Count() != 2 {
		t.Fatalf("tree.Count() = %d, want 2", tree.Count())
	}
	if tree.RangeSize() != 11 {
		t.Fatalf("tree.RangeSize() = %d, want 11", tree.RangeSize())
	}
	// the data log's 64-byte header puts the first payload at offset 64.
	e, ok := tree.Find(rtree.Range{Start: 0, Stop: 5})
	if !ok || e.DataLogOffset != 64 {
		t.Fatalf("entry [0,5) = %+v, ok=%v", e, ok)
	}
}

func TestRebuildTreeOverlapKeepsLatestWrite(t *testing.T) {
	// S2-shaped scenario, simplified to a contiguous view: two overlapping
	// writes over the same canonical region must leave the tree showing the
	// second write's bytes for the overlap, per AddSplit semantics.
	dir := t.TempDir()
	eng := newTestEngine(t, dir)

	contig := logfile.TypeLayout{Indices: []int64{0}, Blocklens: []int64{1}}
	eng.RecordView(0, contig, contig, "native")
	eng.RecordSetSize(256)
	if _, err := eng.RecordWrite(make([]byte, 256), 0); err != nil {
		t.Fatalf("RecordWrite 1: %v", err)
	}
	if _, err := eng.RecordWrite(make([]byte, 256), 128); err != nil {
		t.Fatalf("RecordWrite 2: %v", err)
	}
	if err := eng.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	tree, err := RebuildTree(context.Background(), eng)
	if err != nil {
		t.Fatalf("RebuildTree: %v", err)
	}
	if tree.RangeSize() != 384 {
		t.Fatalf("tree.RangeSize() = %d, want 384 (0-128 from write1, 128-384 from write2)", tree.RangeSize())
	}
}

type nopCallbacks struct{}

func (nopCallbacks) Start(collective bool) error { return nil }
func (nopCallbacks) Stop() error                 { return nil }

func TestFlushIndependentWritesCanonicalBytes(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "data")
	canonPath := filepath.Join(dir, "canonical")

	dataOps := osfile.New(dataPath)
	if err := dataOps.Init(true, true); err != nil {
		t.Fatalf("dataOps.Init: %v", err)
	}
	defer dataOps.Done()
	canonOps := osfile.New(canonPath)
	if err := canonOps.Init(true, true); err != nil {
		t.Fatalf("canonOps.Init: %v", err)
	}
	defer canonOps.Done()

	payload := []byte("abcdefgh")
	if err := dataOps.StartWrite(0, payload); err != nil {
		t.Fatalf("dataOps.StartWrite: %v", err)
	}
	if _, err := dataOps.WaitWrite(); err != nil {
		t.Fatalf("dataOps.WaitWrite: %v", err)
	}

	tree := rtree.New()
	tree.AddSplit(rtree.Range{Start: 100, Stop: 108}, 0)

	newSize, err := Flush(context.Background(), nil, tree, dataOps, canonOps, 1024, nil, false, nopCallbacks{})
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if newSize != 108 {
		t.Fatalf("newSize = %d, want 108", newSize)
	}

	got := make([]byte, 8)
	if err := canonOps.StartRead(100, got); err != nil {
		t.Fatalf("canonOps.StartRead: %v", err)
	}
	if _, err := canonOps.WaitRead(); err != nil {
		t.Fatalf("canonOps.WaitRead: %v", err)
	}
	if string(got) != "abcdefgh" {
		t.Fatalf("canonical bytes = %q, want %q", got, "abcdefgh")
	}
}

func TestFlushCollectiveBalancesLoopsAcrossRanks(t *testing.T) {
	dir := t.TempDir()
	const n = 2
	err := group.RunLocal(n, func(ctx context.Context, g group.Group, rank int) error {
		rankDir := dir
		dataOps := osfile.New(filepath.Join(rankDir, "data."+string(rune('0'+rank))))
		if err := dataOps.Init(true, true); err != nil {
			return err
		}
		defer dataOps.Done()
		canonOps := osfile.New(filepath.Join(rankDir, "canonical."+string(rune('0'+rank))))
		if err := canonOps.Init(true, true); err != nil {
			return err
		}
		defer canonOps.Done()

		tree := rtree.New()
		if rank == 0 {
			// rank 0 has 2 buffers' worth of data (bufSize=4): needs 2 loops.
			payload := []byte("12345678")
			if err := dataOps.StartWrite(0, payload); err != nil {
				return err
			}
			if _, err := dataOps.WaitWrite(); err != nil {
				return err
			}
			tree.AddSplit(rtree.Range{Start: 0, Stop: 8}, 0)
		}
		// rank 1 contributes nothing and must still participate in rank 0's
		// second round via the zero-byte sentinel writes.

		newSize, err := Flush(ctx, g, tree, dataOps, canonOps, 4, nil, true, nopCallbacks{})
		if err != nil {
			return err
		}
		if newSize != 8 {
			t.Errorf("rank %d: newSize = %d, want 8 (max-reduced across ranks)", rank, newSize)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunLocal: %v", err)
	}
}

// recordingOps wraps an osfile.Ops, additionally recording every StartWrite
// offset/length so a test can assert on write ordering without the backing
// medium itself needing to understand stripes.
type recordingOps struct {
	*osfile.Ops
	writes []rtree.Range
}

func (r *recordingOps) StartWrite(offset int64, data []byte) error {
	r.writes = append(r.writes, rtree.Range{Start: offset, Stop: offset + int64(len(data))})
	return r.Ops.StartWrite(offset, data)
}

func TestFlushStripeGroupsWritesByAggregator(t *testing.T) {
	dir := t.TempDir()
	dataOps := osfile.New(filepath.Join(dir, "data"))
	if err := dataOps.Init(true, true); err != nil {
		t.Fatalf("dataOps.Init: %v", err)
	}
	defer dataOps.Done()
	canonOps := &recordingOps{Ops: osfile.New(filepath.Join(dir, "canonical"))}
	if err := canonOps.Init(true, true); err != nil {
		t.Fatalf("canonOps.Init: %v", err)
	}
	defer canonOps.Done()

	// Four 4-byte stripes, two aggregator ranks (stripes 0/2 -> rank 0,
	// stripes 1/3 -> rank 1): a tree holding one entry per stripe, added in
	// interleaved order, should flush out grouped by aggregator rank.
	payload := []byte("0123456789abcdef")
	if err := dataOps.StartWrite(0, payload); err != nil {
		t.Fatalf("dataOps.StartWrite: %v", err)
	}
	if _, err := dataOps.WaitWrite(); err != nil {
		t.Fatalf("dataOps.WaitWrite: %v", err)
	}

	tree := rtree.New()
	tree.AddSplit(rtree.Range{Start: 12, Stop: 16}, 12) // stripe 3 -> aggregator 1
	tree.AddSplit(rtree.Range{Start: 0, Stop: 4}, 0)    // stripe 0 -> aggregator 0
	tree.AddSplit(rtree.Range{Start: 8, Stop: 12}, 8)   // stripe 2 -> aggregator 0
	tree.AddSplit(rtree.Range{Start: 4, Stop: 8}, 4)    // stripe 1 -> aggregator 1

	stripe := &aggregator.Stripe{StripeSize: 4, StripeCount: 4, CBNodes: 2, RankList: []int{0, 1}}
	newSize, err := Flush(context.Background(), nil, tree, dataOps, canonOps, 1024, stripe, false, nopCallbacks{})
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if newSize != 16 {
		t.Fatalf("newSize = %d, want 16", newSize)
	}

	if len(canonOps.writes) != 4 {
		t.Fatalf("got %d writes, want 4", len(canonOps.writes))
	}
	for i, w := range canonOps.writes {
		if w.Size() != 4 {
			t.Fatalf("write %d spans %+v, crosses a stripe boundary", i, w)
		}
	}
	for i := 0; i < 2; i++ {
		if stripe.AggregatorFor(canonOps.writes[i].Start) != 0 {
			t.Fatalf("write %d at %+v, want aggregator-0 stripe ahead of aggregator-1's", i, canonOps.writes[i])
		}
	}
	for i := 2; i < 4; i++ {
		if stripe.AggregatorFor(canonOps.writes[i].Start) != 1 {
			t.Fatalf("write %d at %+v, want aggregator-1 stripe", i, canonOps.writes[i])
		}
	}

	got := make([]byte, len(payload))
	if err := canonOps.StartRead(0, got); err != nil {
		t.Fatalf("canonOps.StartRead: %v", err)
	}
	if _, err := canonOps.WaitRead(); err != nil {
		t.Fatalf("canonOps.WaitRead: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("canonical bytes = %q, want %q", got, payload)
	}
}
