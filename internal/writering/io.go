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

package writering

// Write copies buf[:n] into the block covering offset, reclaiming or
// back-filling as needed, and extends the tracked logical filesize.
func (r *Ring) Write(offset int64, buf []byte, n int) error {
	if r.syncMode {
		if err := r.ops.StartWrite(offset, buf[:n]); err != nil {
			return err
		}
		if _, err := r.ops.WaitWrite(); err != nil {
			return err
		}
		if offset+int64(n) > r.filesize {
			r.filesize = offset + int64(n)
		}
		return nil
	}

	start := r.alignDown(offset)
	b, ok := r.blockAt(start)
	if !ok {
		var err error
		b, err = r.reclaim(true)
		if err != nil {
			return err
		}
		b.Start = start
		r.dir.ReplaceOrInsert(b)
	}

	rel := int(offset - start)
	if rel > b.Used {
		if err := r.backfill(b, rel); err != nil {
			return err
		}
	}

	copy(b.Data[rel:], buf[:n])
	filled := rel + n
	if filled > b.Used {
		b.Used = filled
	}
	b.Dirty = true

	if offset+int64(n) > r.filesize {
		r.filesize = offset + int64(n)
	}
	return nil
}

// backfill loads the hole [b.Used, upto) of block b from the backing medium,
// zero-filling any portion past EOF, before an out-of-order append would
// otherwise leave undefined bytes in the middle of the block.
func (r *Ring) backfill(b *Block, upto int) error {
	gapStart := b.Start + int64(b.Used)
	gapLen := upto - b.Used
	avail := r.filesize - gapStart
	readLen := gapLen
	if int64(readLen) > avail {
		readLen = int(avail)
	}
	if readLen > 0 {
		if err := r.ops.StartRead(gapStart, b.Data[b.Used:b.Used+readLen]); err != nil {
			return err
		}
		if _, err := r.ops.WaitRead(); err != nil {
			return err
		}
	}
	for i := b.Used + readLen; i < upto; i++ {
		b.Data[i] = 0
	}
	b.Used = upto
	return nil
}

// Read copies up to n bytes starting at offset into buf, returning the
// number of bytes produced (0 at EOF).
func (r *Ring) Read(offset int64, buf []byte, n int) (int, error) {
	if r.syncMode {
		if err := r.ops.StartRead(offset, buf[:n]); err != nil {
			return 0, err
		}
		return r.ops.WaitRead()
	}

	if offset >= r.filesize {
		return 0, nil
	}

	start := r.alignDown(offset)
	b, ok := r.blockAt(start)
	if !ok {
		var err error
		b, err = r.reclaim(false)
		if err != nil {
			return 0, err
		}
		b.Start = start

		avail := r.filesize - start
		want := int64(r.blockSize)
		if avail < want {
			want = avail
		}
		if want > 0 {
			if err := r.ops.StartRead(start, b.Data[:want]); err != nil {
				return 0, err
			}
			b.Lock = ReadActive
			r.readActive = b
			got, err := r.ops.WaitRead()
			b.Lock = Free
			r.readActive = nil
			if err != nil {
				return 0, err
			}
			for i := got; i < int(want); i++ {
				b.Data[i] = 0
			}
		}
		b.Used = int(want)
		b.Dirty = false
		r.dir.ReplaceOrInsert(b)
		r.lastRead = start
	}

	rel := int(offset - start)
	avail := b.Used - rel
	if avail <= 0 {
		return 0, nil
	}
	if avail < n {
		n = avail
	}
	copy(buf[:n], b.Data[rel:rel+n])
	return n, nil
}

// Flush drains every dirty block synchronously (write-flush) and waits any
// in-flight read, dropping all non-dirty blocks (read-flush).
func (r *Ring) Flush() error {
	for _, b := range r.blocks {
		if b.Lock != Free {
			if err := r.waitForBlock(b); err != nil {
				return err
			}
		}
		if b.Dirty {
			if err := r.flushBlock(b); err != nil {
				return err
			}
		}
	}
	if err := r.ops.Flush(); err != nil {
		return err
	}

	kept := r.blocks[:0]
	for _, b := range r.blocks {
		if b.Dirty {
			kept = append(kept, b)
			continue
		}
		r.dir.Delete(b)
	}
	r.blocks = kept
	return nil
}

func (r *Ring) flushBlock(b *Block) error {
	if err := r.ops.StartWrite(b.Start, b.Data[:b.Used]); err != nil {
		return err
	}
	b.Lock = WriteActive
	r.writeActive = b
	if _, err := r.ops.WaitWrite(); err != nil {
		return err
	}
	b.Lock = Free
	r.writeActive = nil
	b.Dirty = false
	return nil
}

// Reset truncates the backing medium to size and discards cached state at or
// past it, truncating Used in place for any block straddling the boundary.
func (r *Ring) Reset(size int64) error {
	if err := r.ops.Reset(size); err != nil {
		return err
	}
	r.filesize = size

	kept := r.blocks[:0]
	for _, b := range r.blocks {
		if b.Start >= size {
			r.dir.Delete(b)
			continue
		}
		if b.Start+int64(b.Used) > size {
			b.Used = int(size - b.Start)
		}
		kept = append(kept, b)
	}
	r.blocks = kept
	return nil
}

// Progress performs one non-blocking tick: poll any in-flight read, poll any
// in-flight write, and if nothing is in flight, start a write on the
// earliest full-dirty block.
func (r *Ring) Progress() error {
	if r.readActive != nil {
		_, done, err := r.ops.TestRead()
		if err != nil {
			return err
		}
		if done {
			r.readActive.Lock = Free
			r.readActive = nil
		}
	}
	if r.writeActive != nil {
		_, done, err := r.ops.TestWrite()
		if err != nil {
			return err
		}
		if done {
			r.writeActive.Dirty = false
			r.writeActive.Lock = Free
			r.writeActive = nil
		}
		return nil
	}

	var best *Block
	for _, b := range r.blocks {
		if b.Lock != Free || !b.Dirty || b.Used < r.blockSize {
			continue
		}
		if best == nil || b.Start < best.Start {
			best = b
		}
	}
	if best == nil {
		return nil
	}
	if err := r.ops.StartWrite(best.Start, best.Data[:best.Used]); err != nil {
		return err
	}
	best.Lock = WriteActive
	r.writeActive = best
	return nil
}
