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

// Package logfs implements the per-file coordinator: the activate/
// deactivate/write_data/read_data/set_view/resize/sync/replay state machine
// that drives C2 (writering), C3 (logfile.Engine), C4 (superblock), and C5
// (replay.Flush) on behalf of one group of cooperating ranks. Grounded on
// original_source's logfs.c (the activate/deactivate sequencing) and
// ad_logfs_open.c / ad_logfs_close.c / ad_logfs_iread.c / ad_logfs_resize.c /
// ad_logfs_fcntl.c for the per-operation semantics.
package logfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/launix-de/logfs/backing"
	"github.com/launix-de/logfs/backing/osfile"
	"github.com/launix-de/logfs/internal/aggregator"
	"github.com/launix-de/logfs/internal/group"
	"github.com/launix-de/logfs/internal/logfile"
	"github.com/launix-de/logfs/internal/replay"
	"github.com/launix-de/logfs/internal/rtree"
	"github.com/launix-de/logfs/internal/superblock"
	"github.com/launix-de/logfs/internal/writering"
)

// TypeLayout is the view-layout shape the coordinator, the log-file engine,
// and the replay engine all speak.
type TypeLayout = logfile.TypeLayout

// File is one activated logfs file on this rank: its own log-file engine,
// rtree, retained view, and the group state shared with the other ranks
// that activated the same real_filename. The zero value is not usable; use
// Activate.
type File struct {
	id   uuid.UUID
	g    group.Group
	rank int
	size int

	realFilename   string
	superblockName string
	lockfileName   string
	logfileBase    string
	metaPath       string
	dataPath       string

	lock *superblock.Lockfile // non-nil only on rank 0
	sb   superblock.Superblock

	hints    Hints
	settings settings

	metaOps, dataOps backing.Ops
	metaRing         *writering.Ring
	dataRing         *writering.Ring
	eng              *logfile.Engine

	tree       *rtree.Tree
	rtreeValid bool
	fileValid  bool
	filesize   int64

	displacement int64
	etype, ftype TypeLayout
	datarep      string

	canonical  backing.Ops
	standalone bool
	readOnly   bool

	active bool
}

func sanitizeName(name string) string {
	return strings.TrimPrefix(name, "logfs:")
}

func (f *File) debugf(format string, args ...interface{}) {
	if !f.settings.Debug {
		return
	}
	fmt.Fprintf(os.Stderr, "logfs[%s]: "+format+"\n", append([]interface{}{f.id}, args...)...)
}

// activationStatus tells every rank, in the single broadcast that carries
// the agreed superblock, whether Activate should proceed, abort on a
// group-size mismatch, or abort because a read-only open found outstanding
// un-replayed epochs (Open Question #2).
type activationStatus byte

const (
	activationOK activationStatus = iota
	activationGroupMismatch
	activationReplayRequired
	activationIOError
)

// activationResult is the status+superblock pair rank 0 broadcasts during
// Activate step 3, so every rank learns both the agreed-upon superblock and
// whether the activation must abort in one round trip.
type activationResult struct {
	status activationStatus
	sb     superblock.Superblock
}

func encodeActivationResult(r activationResult) []byte {
	buf := make([]byte, 1+len(r.sb.Encode()))
	buf[0] = byte(r.status)
	copy(buf[1:], r.sb.Encode())
	return buf
}

func decodeActivationResult(buf []byte) (activationResult, error) {
	if len(buf) < 1 {
		return activationResult{}, ErrCorrupt
	}
	sb, err := superblock.Decode(buf[1:])
	if err != nil {
		return activationResult{}, err
	}
	return activationResult{status: activationStatus(buf[0]), sb: sb}, nil
}

// Activate performs the group-collective activation sequence of §4.5
// ("activate" steps 1-6): lockfile acquisition, superblock load/create and
// broadcast, per-rank log-file construction, and an initial empty rtree.
// canonical is the already-open handle to the canonical file in layered
// mode, or nil to select standalone mode (§4.5.2), in which case Activate
// opens realFilename itself via backing/osfile.
func Activate(ctx context.Context, g group.Group, realFilename string, hints Hints, canonical backing.Ops) (*File, error) {
	rank, size := g.Rank(), g.Size()
	real := sanitizeName(realFilename)

	set, err := ParseHints(hints)
	if err != nil {
		return nil, err
	}

	f := &File{
		id:             uuid.New(),
		g:              g,
		rank:           rank,
		size:           size,
		realFilename:   real,
		superblockName: real + ".logfs",
		lockfileName:   real + ".logfslock",
		hints:          cloneHints(hints),
		settings:       set,
	}
	f.debugf("activating %s", real)

	// Step 2: acquire lockfile on rank 0, abort the whole group on failure.
	var lockFailed bool
	if rank == 0 {
		lf, err := superblock.Lock(f.lockfileName)
		if err != nil {
			lockFailed = true
		} else {
			f.lock = lf
		}
	}
	lockStatus := []byte{0}
	if lockFailed {
		lockStatus[0] = 1
	}
	lockStatus, err = g.Broadcast(ctx, lockStatus)
	if err != nil {
		return nil, err
	}
	if err := g.Barrier(ctx); err != nil {
		return nil, err
	}
	if lockStatus[0] == 1 {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, f.lockfileName)
	}

	// Step 3: rank 0 loads or creates the superblock, bumps the epoch,
	// validates group size, and determines logfile_base. rank0OpenSuperblock
	// never returns an error: every failure folds into an activationStatus
	// so rank 0 still reaches the broadcast below and every rank aborts
	// together, instead of rank 0 bailing out and stranding the rest of the
	// group inside a collective call no one else will ever complete.
	var result activationResult
	if rank == 0 {
		result = f.rank0OpenSuperblock(size)
	}
	resBuf, err := g.Broadcast(ctx, encodeActivationResult(result))
	if err != nil {
		return nil, err
	}
	result, err = decodeActivationResult(resBuf)
	if err != nil {
		return nil, err
	}
	switch result.status {
	case activationGroupMismatch:
		if rank == 0 {
			f.lock.Unlock()
		}
		return nil, fmt.Errorf("%w: %s has logfile_count %d, group has %d",
			ErrGroupMismatch, f.superblockName, result.sb.LogfileCount, size)
	case activationReplayRequired:
		if rank == 0 {
			f.lock.Unlock()
		}
		return nil, ErrReplayRequired
	case activationIOError:
		if rank == 0 {
			f.lock.Unlock()
		}
		return nil, ErrBackingIO
	}
	f.sb = result.sb
	f.logfileBase = f.sb.LogfileBase
	f.readOnly = f.settings.ReadOnly

	// Step 4: per-rank log-file paths.
	f.metaPath = fmt.Sprintf("%s.%d.meta", f.logfileBase, rank)
	f.dataPath = fmt.Sprintf("%s.%d.data", f.logfileBase, rank)

	// Step 5: writerings + log-file engine.
	f.metaOps = osfile.New(f.metaPath)
	f.dataOps = osfile.New(f.dataPath)
	metaRing := writering.New(int(f.settings.MetaBlockSize), f.settings.MetaBlockCount, f.metaOps, true, true)
	metaRing.SetSyncMode(f.settings.Sync)
	if err := metaRing.Init(); err != nil {
		return nil, errors.Join(ErrBackingIO, err)
	}
	dataRing := writering.New(int(f.settings.DataBlockSize), f.settings.DataBlockCount, f.dataOps, true, true)
	dataRing.SetSyncMode(f.settings.Sync)
	if err := dataRing.Init(); err != nil {
		return nil, errors.Join(ErrBackingIO, err)
	}
	f.metaRing = metaRing
	f.dataRing = dataRing
	f.eng = logfile.New(metaRing, dataRing)
	f.eng.Debug = f.settings.Debug
	f.eng.SetEpoch(f.sb.Epoch)

	// Step 6: empty valid rtree; file_valid := 0 unless standalone.
	f.tree = rtree.New()
	f.rtreeValid = true
	f.fileValid = false
	f.datarep = "native"

	if canonical == nil {
		f.standalone = true
		canonicalOps := osfile.New(real)
		if err := canonicalOps.Init(true, true); err != nil {
			return nil, errors.Join(ErrBackingIO, err)
		}
		sz, err := canonicalOps.GetSize()
		if err != nil {
			return nil, errors.Join(ErrBackingIO, err)
		}
		f.canonical = canonicalOps
		f.filesize = sz
	} else {
		f.canonical = canonical
	}

	if rank == 0 && !registerActive(f.realFilename, f) {
		return nil, fmt.Errorf("logfs: %s is already active in this process", f.realFilename)
	}

	f.active = true
	f.debugf("activated, epoch=%d logfile_base=%s", f.sb.Epoch, f.logfileBase)
	return f, nil
}

func (f *File) rank0OpenSuperblock(groupSize int) activationResult {
	existing, ok, err := superblock.Read(f.superblockName)
	if err != nil {
		f.debugf("rank0OpenSuperblock: read %s: %v", f.superblockName, err)
		return activationResult{status: activationIOError}
	}

	sb := existing
	if ok {
		sb.Epoch = existing.Epoch + 1
		if existing.LogfileCount != int32(groupSize) {
			return activationResult{status: activationGroupMismatch, sb: existing}
		}
		if f.settings.ReadOnly && existing.Flags&superblock.FlagReplay != 0 {
			return activationResult{status: activationReplayRequired, sb: existing}
		}
	} else {
		sb = superblock.Superblock{LogfileCount: int32(groupSize), Epoch: 0}
	}
	sb.Flags |= superblock.FlagActive

	base := f.settings.LogBase
	if base == "" {
		base = sb.LogfileBase
	}
	if base == "" {
		base = f.realFilename
	}
	sb.LogfileBase = base

	if err := superblock.Write(f.superblockName, sb); err != nil {
		f.debugf("rank0OpenSuperblock: write %s: %v", f.superblockName, err)
		return activationResult{status: activationIOError}
	}
	return activationResult{status: activationOK, sb: sb}
}

func cloneHints(h Hints) Hints {
	out := make(Hints, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// WriteData implements §4.5 "write_data" steps 1-6: append a DATA record,
// then — depending on readmode — either incrementally update the rtree with
// the segments this write touches in canonical-file space, or just track
// the high-water mark of filesize.
func (f *File) WriteData(ctx context.Context, offsetEtypes int64, buf []byte, count int, memtype TypeLayout, collective bool) error {
	if !f.active {
		return ErrNotActive
	}
	if collective {
		if err := f.g.Barrier(ctx); err != nil {
			return err
		}
	}

	dataLogOffset, err := f.eng.RecordWrite(buf, offsetEtypes)
	if err != nil {
		return errors.Join(ErrBackingIO, err)
	}

	trackFilesize := f.settings.ReadMode > ReadNone
	updateTree := f.settings.ReadMode == ReadFull

	if f.rtreeValid && !updateTree {
		f.tree = rtree.New()
		f.rtreeValid = false
	}

	if updateTree || trackFilesize {
		etypeSize := f.etype.Size()
		if etypeSize <= 0 {
			etypeSize = 1
		}
		streamStart := offsetEtypes * etypeSize
		consumed := int64(0)
		for _, seg := range replay.ExpandSegments(streamStart, int64(len(buf)), f.ftype) {
			length := seg.Stop - seg.Start
			canon := rtree.Range{Start: f.displacement + seg.Start, Stop: f.displacement + seg.Stop}
			if updateTree {
				f.tree.AddSplit(canon, dataLogOffset+consumed)
			}
			if canon.Stop > f.filesize {
				f.filesize = canon.Stop
			}
			consumed += length
		}
	}

	if count > 0 {
		f.fileValid = false
		f.sb.Flags |= superblock.FlagReplay
	}
	return nil
}

// ReadData implements §4.5 "read_data" steps 1-2: materializing a stale
// canonical file via a replay-helper pass before serving the read.
func (f *File) ReadData(ctx context.Context, offsetBytes int64, buf []byte, count int, memtype TypeLayout, collective bool) (int, error) {
	if !f.active {
		return 0, ErrNotActive
	}
	if collective {
		if err := f.g.Barrier(ctx); err != nil {
			return 0, err
		}
	}

	if !f.fileValid {
		if f.readOnly {
			return 0, ErrReplayRequired
		}
		if err := f.doReplay(ctx, collective); err != nil {
			return 0, err
		}
		f.fileValid = true
	}

	if err := f.canonical.StartRead(offsetBytes, buf); err != nil {
		return 0, errors.Join(ErrBackingIO, err)
	}
	n, err := f.canonical.WaitRead()
	if err != nil {
		return 0, errors.Join(ErrBackingIO, err)
	}
	return n, nil
}

// SetView implements §4.5 "set_view": record a VIEW entry and replace the
// retained displacement/etype/filetype.
func (f *File) SetView(displacement int64, etype, filetype TypeLayout, datarep string) error {
	if !f.active {
		return ErrNotActive
	}
	f.eng.RecordView(displacement, etype, filetype, "native")
	f.displacement = displacement
	f.etype = etype
	f.ftype = filetype
	f.datarep = "native"
	return nil
}

// Resize implements §4.5 "resize": record a SETSIZE entry and update the
// tracked filesize.
func (f *File) Resize(ctx context.Context, size int64) error {
	if !f.active {
		return ErrNotActive
	}
	f.eng.RecordSetSize(size)
	f.filesize = size
	return nil
}

// GetFilesize returns the coordinator's current tracked filesize.
func (f *File) GetFilesize() int64 {
	return f.filesize
}

// Sync implements §4.5 "sync": record a SYNC entry (bumping the epoch),
// all-reduce the filesize high-water mark when writes track it per rank
// (readmode above none), clear the rtree back to empty-but-valid, and
// flush both the log-file engine and (if standalone) the canonical handle.
func (f *File) Sync(ctx context.Context) error {
	if !f.active {
		return ErrNotActive
	}
	if err := f.g.Barrier(ctx); err != nil {
		return err
	}

	f.eng.RecordSync()
	if f.settings.ReadMode > ReadNone {
		mx, err := f.g.AllreduceMax(ctx, f.filesize)
		if err != nil {
			return err
		}
		f.filesize = mx
	}
	f.tree = rtree.New()
	f.rtreeValid = true

	if err := f.eng.Flush(); err != nil {
		return errors.Join(ErrBackingIO, err)
	}
	if f.standalone {
		if err := f.canonical.Flush(); err != nil {
			return errors.Join(ErrBackingIO, err)
		}
	}
	return nil
}

// Flush implements the C5 replay/flush engine non-collectively: it
// materializes this rank's own outstanding writes into the canonical file
// without synchronizing loop counts across the group.
func (f *File) Flush(ctx context.Context) error {
	if !f.active {
		return ErrNotActive
	}
	return f.doReplay(ctx, false)
}

// Replay implements §4.5's collective replay entry point: a full C5 flush
// pass across the group, followed by logfile.Engine.Clear(last) to reclaim
// the logs of whatever was just materialized.
func (f *File) Replay(ctx context.Context, last bool) error {
	if !f.active {
		return ErrNotActive
	}
	if err := f.doReplay(ctx, true); err != nil {
		return err
	}
	f.sb.Flags &^= superblock.FlagReplay
	if err := f.eng.Clear(last); err != nil {
		return errors.Join(ErrBackingIO, err)
	}
	return nil
}

// stripe builds the aggregator.Stripe a collective-mode Flush should group
// its writes by, per §4.6: a Stripe is only in effect once a host has
// configured logfs_stripe_size and logfs_cb_nodes (both default to 0, i.e.
// off — an unstriped backing like backing/osfile or backing/s3's
// single-object mirror has no aggregator concept to honor). RankList cycles
// the group's own ranks 0..CBNodes-1, clamped to the group's actual size,
// matching original_source's default contiguous cb_nodes selection.
func (f *File) stripe() *aggregator.Stripe {
	if f.settings.StripeSize <= 0 || f.settings.CBNodes <= 0 {
		return nil
	}
	cbNodes := f.settings.CBNodes
	if size := f.g.Size(); cbNodes > size {
		cbNodes = size
	}
	if cbNodes <= 0 {
		return nil
	}
	rankList := make([]int, cbNodes)
	for i := range rankList {
		rankList[i] = i
	}
	return &aggregator.Stripe{
		StripeSize:  f.settings.StripeSize,
		StripeCount: f.settings.StripeCount,
		CBNodes:     cbNodes,
		RankList:    rankList,
	}
}

// doReplay is the shared "replay-helper" used by Flush, Replay, and a stale
// ReadData: rebuild the rtree from the meta log if it has gone stale, run
// C5's Flush, and fold the resulting canonical size back into filesize.
func (f *File) doReplay(ctx context.Context, collective bool) error {
	if !f.rtreeValid {
		tree, err := replay.RebuildTree(ctx, f.eng)
		if err != nil {
			return errors.Join(ErrCorrupt, err)
		}
		f.tree = tree
		f.rtreeValid = true
	}

	newSize, err := replay.Flush(ctx, f.g, f.tree, f.dataOps, f.canonical, f.settings.FlushBlockSize, f.stripe(), collective, f)
	if err != nil {
		return errors.Join(ErrBackingIO, err)
	}
	if newSize > f.filesize {
		f.filesize = newSize
	}
	f.tree = rtree.New()
	f.rtreeValid = true
	f.fileValid = true
	return nil
}

// Start implements replay.Callbacks: before the flush walk begins, the
// meta/data rings must be durably flushed, since C5 reads the rank's data
// log straight off the backing Ops, bypassing the ring's in-memory blocks.
func (f *File) Start(collective bool) error {
	return f.eng.Flush()
}

// Stop implements replay.Callbacks; no rollback bookkeeping is needed on
// the success path, so this is a no-op.
func (f *File) Stop() error {
	return nil
}

// Deactivate implements §4.5 "deactivate": an optional collective replay,
// clearing the ACTIVE flag, updating or deleting the superblock and
// per-rank logs, and releasing the lockfile.
func (f *File) Deactivate(ctx context.Context, replayOnClose bool) error {
	if !f.active {
		return ErrNotActive
	}

	if replayOnClose && !f.readOnly {
		if err := f.doReplay(ctx, true); err != nil {
			return err
		}
		f.sb.Flags &^= superblock.FlagReplay
	}

	f.sb.Flags &^= superblock.FlagActive

	if err := f.metaRing.Done(); err != nil {
		return errors.Join(ErrBackingIO, err)
	}
	if err := f.dataRing.Done(); err != nil {
		return errors.Join(ErrBackingIO, err)
	}

	if replayOnClose {
		os.Remove(f.metaPath)
		os.Remove(f.dataPath)
	}

	if f.standalone {
		if err := f.canonical.Done(); err != nil {
			return errors.Join(ErrBackingIO, err)
		}
	}

	if err := f.g.Barrier(ctx); err != nil {
		return err
	}

	if f.rank == 0 {
		if replayOnClose {
			os.Remove(f.superblockName)
		} else if err := superblock.Write(f.superblockName, f.sb); err != nil {
			return errors.Join(ErrBackingIO, err)
		}
		if f.lock != nil {
			if err := f.lock.Unlock(); err != nil {
				return errors.Join(ErrBackingIO, err)
			}
		}
	}

	unregisterActive(f.realFilename)
	f.active = false
	return nil
}

// Delete removes an inactive logfs file's superblock, lockfile, and every
// rank's per-rank logs. It refuses to run against a file still active in
// this process.
func Delete(ctx context.Context, g group.Group, realFilename string) error {
	real := sanitizeName(realFilename)
	if probeActive(real) {
		return fmt.Errorf("logfs: cannot delete %s: still active", real)
	}

	rank := g.Rank()
	var sb superblock.Superblock
	var found bool
	var readErr error
	if rank == 0 {
		sb, found, readErr = superblock.Read(real + ".logfs")
	}

	foundByte := []byte{0}
	if readErr != nil {
		foundByte[0] = 2
	} else if found {
		foundByte[0] = 1
	}
	buf := append(foundByte, sb.Encode()...)
	buf, err := g.Broadcast(ctx, buf)
	if err != nil {
		return err
	}
	if buf[0] == 2 {
		return errors.Join(ErrCorrupt, readErr)
	}
	if buf[0] == 1 {
		sb, err = superblock.Decode(buf[1:])
		if err != nil {
			return errors.Join(ErrCorrupt, err)
		}
		base := sb.LogfileBase
		os.Remove(fmt.Sprintf("%s.%d.meta", base, rank))
		os.Remove(fmt.Sprintf("%s.%d.data", base, rank))
	}

	if rank == 0 {
		os.Remove(real + ".logfs")
		os.Remove(real + ".logfslock")
	}
	return g.Barrier(ctx)
}

// Probe reports whether realFilename has a persisted superblock, and
// whether it is currently active in this process.
func Probe(realFilename string) (exists bool, active bool) {
	real := sanitizeName(realFilename)
	_, ok, _ := superblock.Read(real + ".logfs")
	return ok, probeActive(real)
}

// SetInfo merges hints into the file's hint dictionary and re-parses the
// mutable settings (readmode, debug, timereplay, sync, replayonclose).
// Settings baked into already-opened rings (block sizes/counts) can't
// retroactively change, mirroring storage/settings.go's ChangeSettings:
// warn under debug rather than silently ignore or hard-fail.
func (f *File) SetInfo(hints Hints) {
	merged := cloneHints(f.hints)
	for k, v := range hints {
		merged[k] = v
	}
	next, err := ParseHints(merged)
	if err != nil {
		f.debugf("SetInfo: %v", err)
		return
	}
	if next.DataBlockSize != f.settings.DataBlockSize || next.DataBlockCount != f.settings.DataBlockCount ||
		next.MetaBlockSize != f.settings.MetaBlockSize || next.MetaBlockCount != f.settings.MetaBlockCount {
		f.debugf("SetInfo: block size/count hints ignored on an already-activated file")
		next.DataBlockSize, next.DataBlockCount = f.settings.DataBlockSize, f.settings.DataBlockCount
		next.MetaBlockSize, next.MetaBlockCount = f.settings.MetaBlockSize, f.settings.MetaBlockCount
	}
	f.settings = next
	f.hints = merged
	f.eng.Debug = f.settings.Debug
	f.metaRing.SetSyncMode(f.settings.Sync)
	f.dataRing.SetSyncMode(f.settings.Sync)
}

// TransferHints returns a copy of the hint dictionary this file was most
// recently activated or reconfigured with, for a caller propagating hints
// to a sibling file (e.g. a layered driver's own Activate call).
func (f *File) TransferHints() Hints {
	return cloneHints(f.hints)
}
