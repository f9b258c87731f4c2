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

// Package writering wraps a single backing.Ops medium with a bounded-memory
// bank of blocks and at most one in-flight non-blocking read plus one
// in-flight non-blocking write. Unlike storage.CacheManager in the teacher,
// which serializes concurrent callers onto a private goroutine reached
// through an opChan because many connections genuinely share one
// CacheManager, a Ring has exactly one owner: the single per-rank
// coordinator goroutine that activated the file (internal/group.RunLocal
// runs one rank per goroutine, and a rank never touches its own Ring from
// more than one goroutine at a time). With no concurrent callers to
// serialize, a plain synchronous struct gives the same "at most one write
// active, at most one read active" property as a field invariant, without
// paying for a channel hop on every call.
package writering

import (
	"errors"

	"github.com/google/btree"
	"github.com/launix-de/logfs/backing"
)

// LockState describes whether a block is free or has an in-flight operation
// against the backing medium.
type LockState int

const (
	Free LockState = iota
	WriteActive
	ReadActive
)

// Block is one cached window [Start, Start+len(Data)) of the backing medium.
// Used tracks how many leading bytes of Data hold valid data; Dirty marks
// bytes that still need to be written back.
type Block struct {
	Data  []byte
	Start int64
	Used  int
	Dirty bool
	Lock  LockState
}

func (b *Block) empty() bool { return b.Used == 0 && !b.Dirty }

// Ring is the bounded-memory block cache. The zero value is not usable; use
// New.
type Ring struct {
	blockSize int
	maxBlocks int
	ops       backing.Ops
	readEnabled, writeEnabled bool
	syncMode  bool

	blocks []*Block
	dir    *btree.BTreeG[*Block]

	filesize int64

	writeActive *Block
	readActive  *Block
	lastRead    int64 // Start of the most recently loaded read block, for read-phase reclaim ordering
}

var blockLess = func(a, b *Block) bool { return a.Start < b.Start }

// New constructs a Ring over ops. blockSize is the fixed window size of every
// block; maxBlocks bounds how many windows are cached simultaneously.
func New(blockSize, maxBlocks int, ops backing.Ops, readEnabled, writeEnabled bool) *Ring {
	return &Ring{
		blockSize:    blockSize,
		maxBlocks:    maxBlocks,
		ops:          ops,
		readEnabled:  readEnabled,
		writeEnabled: writeEnabled,
		dir:          btree.NewG(32, blockLess),
	}
}

// Size returns the tracked logical filesize.
func (r *Ring) Size() int64 { return r.filesize }

// SetSyncMode toggles synchronous passthrough mode (logfs_sync hint): every
// write/read bypasses the block cache and goes straight to the backing
// medium.
func (r *Ring) SetSyncMode(enabled bool) { r.syncMode = enabled }

// Init opens the backing medium and primes the tracked filesize.
func (r *Ring) Init() error {
	if err := r.ops.Init(r.readEnabled, r.writeEnabled); err != nil {
		return err
	}
	sz, err := r.ops.GetSize()
	if err != nil {
		return err
	}
	r.filesize = sz
	return nil
}

// Done flushes and releases the backing medium.
func (r *Ring) Done() error {
	if err := r.Flush(); err != nil {
		return err
	}
	return r.ops.Done()
}

func (r *Ring) alignDown(offset int64) int64 {
	bs := int64(r.blockSize)
	return (offset / bs) * bs
}

func (r *Ring) blockAt(start int64) (*Block, bool) {
	b, ok := r.dir.Get(&Block{Start: start})
	return b, ok
}

// reclaim returns a block ready to be repurposed for a new window, per the
// policy in §4.2: prefer an empty block, then the best non-dirty block, else
// synchronously flush the best dirty block. writePhase selects "smallest" /
// "fullest" tie-breaks; the read phase selects "earliest/latest in file".
func (r *Ring) reclaim(writePhase bool) (*Block, error) {
	if len(r.blocks) < r.maxBlocks {
		b := &Block{Data: make([]byte, r.blockSize)}
		r.blocks = append(r.blocks, b)
		return b, nil
	}

	for _, b := range r.blocks {
		if b.Lock == Free && b.empty() {
			return r.evict(b)
		}
	}

	if b := r.pickNonDirty(writePhase); b != nil {
		return r.evict(b)
	}

	b := r.pickDirty(writePhase)
	if b == nil {
		return nil, errors.New("writering: no reclaimable block (all locked)")
	}
	if b.Lock != Free {
		if err := r.waitForBlock(b); err != nil {
			return nil, err
		}
	}
	if err := r.flushBlock(b); err != nil {
		return nil, err
	}
	return r.evict(b)
}

func (r *Ring) pickNonDirty(writePhase bool) *Block {
	var best *Block
	for _, b := range r.blocks {
		if b.Lock != Free || b.Dirty {
			continue
		}
		if best == nil {
			best = b
			continue
		}
		if writePhase {
			if b.Used < best.Used {
				best = b
			}
		} else {
			if b.Start < r.lastRead && (best.Start >= r.lastRead || b.Start < best.Start) {
				best = b
			}
		}
	}
	return best
}

func (r *Ring) pickDirty(writePhase bool) *Block {
	var best *Block
	for _, b := range r.blocks {
		if best == nil {
			best = b
			continue
		}
		if writePhase {
			if b.Used > best.Used {
				best = b
			}
		} else {
			if b.Start > best.Start {
				best = b
			}
		}
	}
	return best
}

// evict removes b from the directory and clears it for reuse, preserving its
// backing Data slice.
func (r *Ring) evict(b *Block) (*Block, error) {
	r.dir.Delete(b)
	b.Used = 0
	b.Dirty = false
	b.Lock = Free
	return b, nil
}

func (r *Ring) waitForBlock(b *Block) error {
	switch b.Lock {
	case WriteActive:
		_, err := r.ops.WaitWrite()
		b.Lock = Free
		r.writeActive = nil
		return err
	case ReadActive:
		_, err := r.ops.WaitRead()
		b.Lock = Free
		r.readActive = nil
		return err
	}
	return nil
}
