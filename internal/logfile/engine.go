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

// Package logfile implements the per-rank record-level log: a meta channel
// (view/size/sync/data-pointer records) and a data channel (raw payload
// bytes), each wrapping its own internal/writering.Ring. Three dirty flags —
// view, size, sync — defer state changes until the next data write observes
// and flushes them in a fixed order, collapsing a burst of view/size/epoch
// changes into a single persisted record the way original_source's
// logfs_file.c does.
package logfile

import (
	"time"

	"github.com/launix-de/logfs/internal/writering"
)

// Engine drives one rank's meta/data log pair.
type Engine struct {
	meta, data *writering.Ring
	Debug      bool

	active bool // header written, offsets valid

	metaOffset, dataOffset         int64
	dataEpochStart, metaEpochStart int64
	epoch, lastEpoch               int32

	dirtyView, dirtySize, dirtySync bool

	displacement int64
	etype, ftype TypeLayout
	datarep      string
	filesize     int64

	readPos int64
}

// New constructs an Engine over an already-Init'd meta ring and data ring.
func New(metaRing, dataRing *writering.Ring) *Engine {
	return &Engine{meta: metaRing, data: dataRing}
}

func (e *Engine) ensureOpen() error {
	if e.active {
		return nil
	}
	e.active = true

	var hdr [headerMagicSize]byte
	n, err := e.meta.Read(0, hdr[:], len(hdr))
	if err == nil && n == len(hdr) && hdr == headerMagic {
		e.metaOffset = e.meta.Size()
		e.dataOffset = e.data.Size()
		return nil
	}

	if err := e.meta.Reset(0); err != nil {
		return err
	}
	e.metaOffset = 0
	if err := e.data.Reset(0); err != nil {
		return err
	}
	e.dataOffset = 0
	return e.writeHeader()
}

func (e *Engine) writeHeader() error {
	if err := e.writeMeta(headerMagic[:]); err != nil {
		return err
	}
	return e.writeData(headerMagic[:])
}

func (e *Engine) writeMeta(buf []byte) error {
	if err := e.meta.Write(e.metaOffset, buf, len(buf)); err != nil {
		return err
	}
	e.metaOffset += int64(len(buf))
	return nil
}

func (e *Engine) writeData(buf []byte) error {
	if err := e.data.Write(e.dataOffset, buf, len(buf)); err != nil {
		return err
	}
	e.dataOffset += int64(len(buf))
	return nil
}

func (e *Engine) writeRecordHeader(tag RecordTag) error {
	return e.writeMeta(encodeRecordHeader(tag, float64(time.Now().UnixNano())/1e9, e.Debug))
}

// RecordView defers a file-view change until the next RecordWrite.
func (e *Engine) RecordView(displacement int64, etype, ftype TypeLayout, datarep string) {
	e.displacement = displacement
	e.etype = etype
	e.ftype = ftype
	e.datarep = datarep
	e.dirtyView = true
}

// RecordSetSize defers a filesize change until the next RecordWrite.
func (e *Engine) RecordSetSize(size int64) {
	e.filesize = size
	if size == 0 {
		e.epoch = 0
	}
	e.dirtySize = true
}

// RecordSync bumps the epoch counter and defers a sync record until the next
// RecordWrite.
func (e *Engine) RecordSync() {
	e.epoch++
	e.dirtySync = true
}

// SetEpoch sets the epoch number directly (used when joining an existing
// group consensus on epoch number).
func (e *Engine) SetEpoch(epoch int32) {
	e.epoch = epoch
	e.dirtySync = true
}

func (e *Engine) flushView() error {
	if err := e.writeRecordHeader(TagView); err != nil {
		return err
	}
	buf := make([]byte, 8)
	putInt64(buf, e.displacement)
	if err := e.writeMeta(buf); err != nil {
		return err
	}
	if err := e.writeMeta(encodeTypeLayout(e.etype)); err != nil {
		return err
	}
	if err := e.writeMeta(encodeTypeLayout(e.ftype)); err != nil {
		return err
	}
	e.dirtyView = false
	return nil
}

func (e *Engine) flushSize() error {
	if err := e.writeRecordHeader(TagSetSize); err != nil {
		return err
	}
	buf := make([]byte, 8)
	putInt64(buf, e.filesize)
	if err := e.writeMeta(buf); err != nil {
		return err
	}
	e.dirtySize = false
	return nil
}

func (e *Engine) flushSync() error {
	e.dataEpochStart = e.dataOffset
	e.metaEpochStart = e.metaOffset
	e.lastEpoch = e.epoch

	if err := e.writeRecordHeader(TagSync); err != nil {
		return err
	}
	buf := make([]byte, 4)
	putUint32(buf, uint32(e.epoch))
	if err := e.writeMeta(buf); err != nil {
		return err
	}
	e.dirtySync = false
	return nil
}

// RecordWrite flushes any pending view/size/sync state (in that order), then
// emits a DATA record and streams buf into the data channel. offset is the
// caller's file offset (in etypes, relative to the current view
// displacement); it returns the offset in the data log where the payload
// begins.
func (e *Engine) RecordWrite(buf []byte, offset int64) (int64, error) {
	if err := e.ensureOpen(); err != nil {
		return 0, err
	}
	if e.dirtyView {
		if err := e.flushView(); err != nil {
			return 0, err
		}
	}
	if e.dirtySize {
		if err := e.flushSize(); err != nil {
			return 0, err
		}
	}
	if e.dirtySync {
		if err := e.flushSync(); err != nil {
			return 0, err
		}
	}

	if err := e.writeRecordHeader(TagData); err != nil {
		return 0, err
	}

	size := len(buf)
	sizeBuf := make([]byte, 8)
	putInt64(sizeBuf, int64(size))
	if err := e.writeMeta(sizeBuf); err != nil {
		return 0, err
	}

	offBuf := make([]byte, 8)
	putInt64(offBuf, offset)
	if err := e.writeMeta(offBuf); err != nil {
		return 0, err
	}

	dataOffset := e.dataOffset
	dofsBuf := make([]byte, 8)
	putInt64(dofsBuf, dataOffset)
	if err := e.writeMeta(dofsBuf); err != nil {
		return 0, err
	}

	if err := e.writeData(buf); err != nil {
		return 0, err
	}

	return dataOffset, nil
}

// Flush durably persists both channels.
func (e *Engine) Flush() error {
	if e.dirtySize {
		if err := e.flushSize(); err != nil {
			return err
		}
	}
	if err := e.meta.Flush(); err != nil {
		return err
	}
	return e.data.Flush()
}

// Clear truncates the logs. last==true rewinds to the recorded epoch start
// (only if the current epoch was never actually written); last==false wipes
// both channels back to a fresh header and marks all state dirty so the next
// write re-emits it.
func (e *Engine) Clear(last bool) error {
	if !e.active {
		return nil
	}
	if last {
		if e.epoch != e.lastEpoch {
			return nil
		}
		if err := e.meta.Reset(e.metaEpochStart); err != nil {
			return err
		}
		e.metaOffset = e.metaEpochStart
		if err := e.data.Reset(e.dataEpochStart); err != nil {
			return err
		}
		e.dataOffset = e.dataEpochStart
		return nil
	}

	e.epoch = 0
	e.dirtyView = true
	e.dirtySize = true
	e.dirtySync = true

	if err := e.meta.Reset(0); err != nil {
		return err
	}
	e.metaOffset = 0
	if err := e.data.Reset(0); err != nil {
		return err
	}
	e.dataOffset = 0
	return e.writeHeader()
}
