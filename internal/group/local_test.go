package group

import (
	"context"
	"sync/atomic"
	"testing"
)

func TestBarrierReleasesAllRanks(t *testing.T) {
	const n = 5
	var before, after int32
	err := RunLocal(n, func(ctx context.Context, g Group, rank int) error {
		atomic.AddInt32(&before, 1)
		if err := g.Barrier(ctx); err != nil {
			return err
		}
		atomic.AddInt32(&after, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("RunLocal: %v", err)
	}
	if before != n || after != n {
		t.Fatalf("before=%d after=%d, want both %d", before, after, n)
	}
}

func TestBroadcastFromRankZero(t *testing.T) {
	const n = 4
	results := make([][]byte, n)
	err := RunLocal(n, func(ctx context.Context, g Group, rank int) error {
		var payload []byte
		if rank == 0 {
			payload = []byte("hello from zero")
		}
		got, err := g.Broadcast(ctx, payload)
		if err != nil {
			return err
		}
		results[rank] = got
		return nil
	})
	if err != nil {
		t.Fatalf("RunLocal: %v", err)
	}
	for r, got := range results {
		if string(got) != "hello from zero" {
			t.Fatalf("rank %d got %q, want %q", r, got, "hello from zero")
		}
	}
}

func TestAllreduceMax(t *testing.T) {
	const n = 4
	results := make([]int64, n)
	err := RunLocal(n, func(ctx context.Context, g Group, rank int) error {
		got, err := g.AllreduceMax(ctx, int64(rank*10))
		if err != nil {
			return err
		}
		results[rank] = got
		return nil
	})
	if err != nil {
		t.Fatalf("RunLocal: %v", err)
	}
	for r, got := range results {
		if got != 30 {
			t.Fatalf("rank %d AllreduceMax = %d, want 30", r, got)
		}
	}
}

func TestRankFromContextInsideRunLocal(t *testing.T) {
	const n = 3
	seen := make([]int, n)
	err := RunLocal(n, func(ctx context.Context, g Group, rank int) error {
		r, ok := RankFromContext()
		if !ok {
			t.Errorf("rank %d: RankFromContext not ok", rank)
		}
		seen[rank] = r
		return nil
	})
	if err != nil {
		t.Fatalf("RunLocal: %v", err)
	}
	for r, got := range seen {
		if got != r {
			t.Fatalf("seen[%d] = %d", r, got)
		}
	}
}
