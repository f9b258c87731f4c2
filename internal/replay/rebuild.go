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

package replay

import (
	"context"

	"github.com/launix-de/logfs/internal/logfile"
	"github.com/launix-de/logfs/internal/rtree"
)

// ExpandSegments is the exported form of expandSegments, for callers outside
// this package that need the same etype/filetype stream-to-canonical-range
// mapping applied at replay time — namely the coordinator's write_data,
// which must enumerate the same segments to update the rtree incrementally
// instead of waiting for a full RebuildTree pass.
func ExpandSegments(pos, length int64, ft logfile.TypeLayout) []rtree.Range {
	return expandSegments(pos, length, ft)
}

// expandSegments maps a contiguous [pos, pos+length) run of the logical
// etype stream through a repeating filetype ft, splitting at filetype
// segment and repeat boundaries, and returns the resulting (possibly
// several) contiguous byte ranges relative to the view's displacement. An
// empty or degenerate ft is treated as the identity mapping (native,
// contiguous view).
func expandSegments(pos, length int64, ft logfile.TypeLayout) []rtree.Range {
	if length <= 0 {
		return nil
	}
	perRepeat := ft.Size()
	extent := ft.Extent()
	// A gapless filetype (one block, or several blocks that already abut)
	// tiles with no seam between repeats, so it is indistinguishable from a
	// plain contiguous native view: skip the repeat/segment walk entirely
	// rather than re-deriving the same identity mapping one block at a time.
	if len(ft.Indices) == 0 || perRepeat <= 0 || extent <= 0 || (ft.Continuous() && extent == perRepeat) {
		return []rtree.Range{{Start: pos, Stop: pos + length}}
	}

	var out []rtree.Range
	cur, remaining := pos, length
	for remaining > 0 {
		repeat := cur / perRepeat
		rem := cur % perRepeat

		segIdx, acc := 0, int64(0)
		for segIdx < len(ft.Blocklens) && rem >= acc+ft.Blocklens[segIdx] {
			acc += ft.Blocklens[segIdx]
			segIdx++
		}
		if segIdx == len(ft.Blocklens) {
			// malformed layout: fall back to identity for the remainder
			// rather than looping forever.
			out = append(out, rtree.Range{Start: cur, Stop: cur + remaining})
			break
		}

		withinSeg := rem - acc
		availInSeg := ft.Blocklens[segIdx] - withinSeg
		take := remaining
		if take > availInSeg {
			take = availInSeg
		}
		fileStart := repeat*extent + ft.Indices[segIdx] + withinSeg
		out = append(out, rtree.Range{Start: fileStart, Stop: fileStart + take})
		cur += take
		remaining -= take
	}
	return out
}

// rebuildOps accumulates a fresh rtree while replaying a rank's meta log
// from the beginning, applying RebuildTree's "tree construction before
// flush" rule: each DATA record induces one or more AddSplit calls using
// the view that was active at the time it was recorded.
type rebuildOps struct {
	tree         *rtree.Tree
	displacement int64
	etype, ftype logfile.TypeLayout
}

func (r *rebuildOps) Init() error {
	r.tree = rtree.New()
	return nil
}

func (r *rebuildOps) StartEpoch(epoch int32) error { return nil }

func (r *rebuildOps) SetView(displacement int64, etype, ftype logfile.TypeLayout, datarep string) error {
	r.displacement = displacement
	r.etype = etype
	r.ftype = ftype
	return nil
}

func (r *rebuildOps) SetSize(size int64) error { return nil }

func (r *rebuildOps) Write(fileOffset int64, size int, dataLogOffset int64) (bool, error) {
	etypeSize := r.etype.Size()
	if etypeSize <= 0 {
		etypeSize = 1
	}
	streamStart := fileOffset * etypeSize
	consumed := int64(0)
	for _, seg := range expandSegments(streamStart, int64(size), r.ftype) {
		length := seg.Stop - seg.Start
		canon := rtree.Range{Start: r.displacement + seg.Start, Stop: r.displacement + seg.Stop}
		r.tree.AddSplit(canon, dataLogOffset+consumed)
		consumed += length
	}
	return true, nil
}

func (r *rebuildOps) Done() error { return nil }

// RebuildTree replays eng's entire meta log from the header and returns the
// resulting rtree, for use when the coordinator's cached tree has gone
// stale (logfs_file_replay's full-log pass, §4.4 "tree construction before
// flush").
func RebuildTree(ctx context.Context, eng *logfile.Engine) (*rtree.Tree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ops := &rebuildOps{tree: rtree.New()}
	if _, err := eng.Replay(false, ops); err != nil {
		return nil, err
	}
	return ops.tree, nil
}
