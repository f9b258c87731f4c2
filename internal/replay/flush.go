/*
Copyright (C) 2024  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package replay implements the C5 flush engine: it walks an internal/rtree
// in key order, stages sorted/compacted extents through buffer-sized
// batches, and issues the corresponding reads against a rank's data log and
// writes against the canonical file — collectively if requested, via
// internal/group. Grounded on original_source's ad_logfs_wrcoll.c /
// logfs.c flush routine for the loop-count allreduce and the
// zero-byte-sentinel-write balancing algorithm.
package replay

import (
	"context"
	"sort"

	"github.com/launix-de/logfs/backing"
	"github.com/launix-de/logfs/internal/aggregator"
	"github.com/launix-de/logfs/internal/group"
	"github.com/launix-de/logfs/internal/rtree"
)

// Callbacks brackets one Flush call the way the original driver's
// start(collective)/stop hooks do (used by the coordinator to toggle
// read/write enablement on the rings around a replay pass).
type Callbacks interface {
	Start(collective bool) error
	Stop() error
}

// dataReader/canonicalWriter are the minimal slices of backing.Ops Flush
// actually drives; kept as named aliases only for readability at call sites.

func readAt(ops backing.Ops, offset int64, buf []byte) error {
	if err := ops.StartRead(offset, buf); err != nil {
		return err
	}
	n, err := ops.WaitRead()
	if err != nil {
		return err
	}
	if n < len(buf) {
		return backing.ErrIO
	}
	return nil
}

func writeAt(ops backing.Ops, offset int64, buf []byte) error {
	if err := ops.StartWrite(offset, buf); err != nil {
		return err
	}
	n, err := ops.WaitWrite()
	if err != nil {
		return err
	}
	if n < len(buf) {
		return backing.ErrIO
	}
	return nil
}

// Flush moves every entry of tree from the data log (dataOps — the rank's
// already-flushed data-log backing file) into canonicalOps as sorted,
// buffer-sized extents. In collective mode every rank in g participates in
// the same number of rounds regardless of how much data it individually
// holds, padding with zero-byte writes per steps 4-5 of the algorithm.
//
// stripe is optional (nil for an unstriped backing such as backing/osfile or
// backing/s3's single-object mirror). When set, pending extents are never
// allowed to straddle a stripe boundary — each buffered piece is additionally
// capped by stripe.AvailableBefore so it lands on one aggregator's stripe —
// and a batch is written out in aggregator-rank order rather than raw
// DataLogOffset order, so a striped canonicalOps (e.g. backing/ceph against a
// striped pool) sees its writes grouped by the node that actually owns each
// stripe instead of arriving in whatever order this rank happened to buffer
// them.
func Flush(ctx context.Context, g group.Group, tree *rtree.Tree, dataOps backing.Ops,
	canonicalOps backing.Ops, bufSize int64, stripe *aggregator.Stripe, collective bool, cb Callbacks) (newSize int64, err error) {
	if bufSize <= 0 {
		bufSize = 1 << 20
	}
	if err := cb.Start(collective); err != nil {
		return 0, err
	}

	loops := (tree.RangeSize() + bufSize - 1) / bufSize
	if collective {
		loops, err = g.AllreduceMax(ctx, loops)
		if err != nil {
			return 0, err
		}
	}

	var pending []rtree.Entry
	var writesize int64

	// flushBatch writes out the pending batch, decrements loops and — in
	// collective mode — barriers. Every round a rank performs, whether it
	// carries real data (an in-loop call, triggered the moment a buffer
	// fills) or nothing at all (a padding round in step 5), is itself a
	// synchronization point: logfs_rtree_replay_startwrite in
	// logfs_rtree.c calls cb->writestart/writewait unconditionally on
	// every invocation, real data or a zero-size dummy filetype alike,
	// and that write is collective. Pairing every loops decrement with a
	// Barrier here, rather than only barriering the step-5 padding loop,
	// is what keeps a rank whose data happens to fill bufSize-sized
	// batches exactly (or that holds no data at all) in lockstep with a
	// rank that has genuine leftover data: both end up calling Barrier
	// exactly `loops` (post-allreduce) times in total, regardless of how
	// many of those rounds carried real bytes.
	flushBatch := func() error {
		batch := pending
		if stripe != nil {
			sort.Slice(batch, func(i, j int) bool {
				ai, aj := stripe.AggregatorFor(batch[i].Range.Start), stripe.AggregatorFor(batch[j].Range.Start)
				if ai != aj {
					return ai < aj
				}
				return batch[i].Range.Start < batch[j].Range.Start
			})
		} else {
			sort.Slice(batch, func(i, j int) bool { return batch[i].DataLogOffset < batch[j].DataLogOffset })
		}
		for _, e := range batch {
			length := e.Range.Size()
			buf := make([]byte, length)
			if err := readAt(dataOps, e.DataLogOffset, buf); err != nil {
				return err
			}
			if err := writeAt(canonicalOps, e.Range.Start, buf); err != nil {
				return err
			}
			if e.Range.Stop > newSize {
				newSize = e.Range.Stop
			}
		}
		pending = pending[:0]
		writesize = 0
		loops--
		if collective {
			if err := g.Barrier(ctx); err != nil {
				return err
			}
		}
		return nil
	}

	var walkErr error
	tree.Walk(func(e rtree.Entry) bool {
		remaining := e
		for remaining.Range.Size() > 0 {
			space := bufSize - writesize
			if space <= 0 {
				if err := flushBatch(); err != nil {
					walkErr = err
					return false
				}
				space = bufSize
			}
			take := remaining.Range.Size()
			if take > space {
				take = space
			}
			if stripe != nil {
				if avail := stripe.AvailableBefore(remaining.Range.Start); avail < take {
					take = avail
				}
			}
			piece := rtree.Entry{
				Range:         rtree.Range{Start: remaining.Range.Start, Stop: remaining.Range.Start + take},
				DataLogOffset: remaining.DataLogOffset,
			}
			pending = append(pending, piece)
			writesize += take
			remaining.Range.Start += take
			if remaining.DataLogOffset != rtree.Invalid {
				remaining.DataLogOffset += take
			}
			if writesize == bufSize {
				if err := flushBatch(); err != nil {
					walkErr = err
					return false
				}
			}
		}
		return true
	})
	if walkErr != nil {
		return 0, walkErr
	}

	// step 4: flush whatever partial buffer is left over. Unlike the
	// in-loop calls this one may run with nothing pending (a rank with no
	// data at all, or one whose data divided evenly into bufSize-sized
	// batches already flushed in-loop) — in that case there's nothing of
	// this rank's own to write, and step 5 below is what keeps it in
	// lockstep with ranks that still owe rounds.
	if len(pending) > 0 {
		if err := flushBatch(); err != nil {
			return 0, err
		}
	}

	// step 5: every rank must still issue exactly `loops` collective
	// rounds (the post-allreduce value, shared by every rank) in total
	// across steps 1-5 combined. A rank that has already consumed its
	// full quota via flushBatch's in-loop/step-4 Barrier calls runs zero
	// iterations here; a rank with fewer or no rounds of its own (an
	// empty tree, say) pads the remainder with zero-byte writes, one
	// Barrier per round, matching logfs_rtree_flush_add's forcewrite
	// write-and-decrement semantics for "nothing left to contribute but
	// still must participate".
	if collective {
		for ; loops > 0; loops-- {
			if err := writeAt(canonicalOps, newSize, nil); err != nil {
				return 0, err
			}
			if err := g.Barrier(ctx); err != nil {
				return 0, err
			}
		}
	}

	if collective {
		newSize, err = g.AllreduceMax(ctx, newSize)
		if err != nil {
			return 0, err
		}
	}

	if err := cb.Stop(); err != nil {
		return 0, err
	}
	return newSize, nil
}
