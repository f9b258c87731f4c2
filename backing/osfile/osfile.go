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

// Package osfile implements backing.Ops against a local-disk file, the
// default medium used by tests and cmd/logfsdemo. Reads and writes are
// synchronous under the hood (os.File has no native AIO) but are still
// split into Start/Test/Wait so the writering above never has to special-
// case which medium it is driving: Start performs the transfer immediately
// and records the outcome; Test/Wait just hand that outcome back.
package osfile

import (
	"errors"
	"io"
	"os"

	"github.com/launix-de/logfs/backing"
)

// Ops is a local-disk backing.Ops implementation, grounded on the teacher's
// FileStorage.OpenLog idiom: create-if-missing, O_RDWR.
type Ops struct {
	path string
	f    *os.File

	pendingWrite bool
	writeN       int
	writeErr     error
	pendingRead  bool
	readN        int
	readErr      error
}

// New returns an Ops bound to path. The file is not opened until Init.
func New(path string) *Ops {
	return &Ops{path: path}
}

func (o *Ops) Init(read, write bool) error {
	flag := os.O_CREATE | os.O_RDWR
	f, err := os.OpenFile(o.path, flag, 0750)
	if err != nil {
		return errors.Join(backing.ErrIO, err)
	}
	o.f = f
	return nil
}

func (o *Ops) Done() error {
	if o.f == nil {
		return nil
	}
	err := o.f.Close()
	o.f = nil
	if err != nil {
		return errors.Join(backing.ErrIO, err)
	}
	return nil
}

func (o *Ops) StartWrite(offset int64, data []byte) error {
	n, err := o.f.WriteAt(data, offset)
	o.pendingWrite = true
	o.writeN = n
	o.writeErr = err
	return nil
}

func (o *Ops) TestWrite() (int, bool, error) {
	if !o.pendingWrite {
		return 0, true, nil
	}
	return o.writeN, true, o.wrapWriteErr()
}

func (o *Ops) WaitWrite() (int, error) {
	o.pendingWrite = false
	return o.writeN, o.wrapWriteErr()
}

func (o *Ops) wrapWriteErr() error {
	if o.writeErr == nil {
		return nil
	}
	return errors.Join(backing.ErrIO, o.writeErr)
}

func (o *Ops) StartRead(offset int64, buf []byte) error {
	n, err := o.f.ReadAt(buf, offset)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	o.pendingRead = true
	o.readN = n
	o.readErr = err
	return nil
}

func (o *Ops) TestRead() (int, bool, error) {
	if !o.pendingRead {
		return 0, true, nil
	}
	return o.readN, true, o.wrapReadErr()
}

func (o *Ops) WaitRead() (int, error) {
	o.pendingRead = false
	return o.readN, o.wrapReadErr()
}

func (o *Ops) wrapReadErr() error {
	if o.readErr == nil {
		return nil
	}
	return errors.Join(backing.ErrIO, o.readErr)
}

func (o *Ops) Flush() error {
	if err := o.f.Sync(); err != nil {
		return errors.Join(backing.ErrIO, err)
	}
	return nil
}

func (o *Ops) Reset(size int64) error {
	if err := o.f.Truncate(size); err != nil {
		return errors.Join(backing.ErrIO, err)
	}
	return nil
}

func (o *Ops) GetSize() (int64, error) {
	fi, err := o.f.Stat()
	if err != nil {
		return 0, errors.Join(backing.ErrIO, err)
	}
	return fi.Size(), nil
}
