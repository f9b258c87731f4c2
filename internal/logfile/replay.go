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

package logfile

// ReplayOps receives the decoded record stream during Replay, in the same
// shape as original_source's logfs_file_replayops vtable.
type ReplayOps interface {
	Init() error
	StartEpoch(epoch int32) error
	SetView(displacement int64, etype, ftype TypeLayout, datarep string) error
	SetSize(size int64) error
	// Write reports a DATA record; returning keepGoing=false aborts replay.
	Write(fileOffset int64, size int, dataLogOffset int64) (keepGoing bool, err error)
	Done() error
}

func (e *Engine) readMeta(n int) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	for got < n {
		m, err := e.meta.Read(e.readPos, buf[got:], n-got)
		if err != nil {
			return nil, err
		}
		if m == 0 {
			break
		}
		got += m
		e.readPos += int64(m)
	}
	return buf[:got], nil
}

func (e *Engine) readTypeLayout() (TypeLayout, error) {
	countBuf, err := e.readMeta(8)
	if err != nil {
		return TypeLayout{}, err
	}
	if len(countBuf) < 8 {
		return TypeLayout{}, nil
	}
	count := int(getInt64(countBuf))
	var t TypeLayout
	t.Indices = make([]int64, count)
	t.Blocklens = make([]int64, count)
	for i := 0; i < count; i++ {
		b, err := e.readMeta(8)
		if err != nil {
			return TypeLayout{}, err
		}
		t.Indices[i] = getInt64(b)
	}
	for i := 0; i < count; i++ {
		b, err := e.readMeta(8)
		if err != nil {
			return TypeLayout{}, err
		}
		t.Blocklens[i] = getInt64(b)
	}
	return t, nil
}

// Replay walks the meta log and dispatches decoded records to ops.
// last==true replays only the most-recently-synced epoch (and returns
// immediately if the current epoch was never actually committed); last==false
// replays the whole log from the header onward.
func (e *Engine) Replay(last bool, ops ReplayOps) (bool, error) {
	if !e.active && last {
		return true, nil
	}

	if last {
		if e.epoch != e.lastEpoch {
			return true, nil
		}
		e.readPos = e.metaEpochStart
	} else {
		e.readPos = 0
		if _, err := e.readMeta(headerMagicSize); err != nil {
			return false, err
		}
	}

	started := false
	cont := true
	headerSize := recordHeaderWireSize(e.Debug)

	for cont {
		hdrBuf, err := e.readMeta(headerSize)
		if err != nil {
			return false, err
		}
		if len(hdrBuf) < headerSize {
			break // EOF
		}
		hdr, err := decodeRecordHeader(hdrBuf, e.Debug)
		if err != nil {
			return false, err
		}

		if !started {
			started = true
			if err := ops.Init(); err != nil {
				return false, err
			}
		}

		switch hdr.Tag {
		case TagView:
			dispBuf, err := e.readMeta(8)
			if err != nil {
				return false, err
			}
			displacement := getInt64(dispBuf)
			etype, err := e.readTypeLayout()
			if err != nil {
				return false, err
			}
			ftype, err := e.readTypeLayout()
			if err != nil {
				return false, err
			}
			if err := ops.SetView(displacement, etype, ftype, "native"); err != nil {
				return false, err
			}
		case TagData:
			sizeBuf, err := e.readMeta(8)
			if err != nil {
				return false, err
			}
			offBuf, err := e.readMeta(8)
			if err != nil {
				return false, err
			}
			dofsBuf, err := e.readMeta(8)
			if err != nil {
				return false, err
			}
			size := int(getInt64(sizeBuf))
			fileOffset := getInt64(offBuf)
			dataLogOffset := getInt64(dofsBuf)
			cont, err = ops.Write(fileOffset, size, dataLogOffset)
			if err != nil {
				return false, err
			}
		case TagSync:
			epochBuf, err := e.readMeta(4)
			if err != nil {
				return false, err
			}
			if err := ops.StartEpoch(int32(getUint32(epochBuf))); err != nil {
				return false, err
			}
		case TagSetSize:
			sizeBuf, err := e.readMeta(8)
			if err != nil {
				return false, err
			}
			if err := ops.SetSize(getInt64(sizeBuf)); err != nil {
				return false, err
			}
		default:
			return false, ErrCorruptFence
		}
	}

	if started {
		if err := ops.Done(); err != nil {
			return false, err
		}
	}
	return cont, nil
}
