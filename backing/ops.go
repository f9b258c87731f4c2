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

// Package backing defines the ops vtable that every concrete storage medium
// (local disk, S3, Ceph/RADOS) implements, and that the writering and
// log-file engines drive against without knowing which medium is behind it.
package backing

import "errors"

// ErrIO wraps every fatal backing-medium failure (§7: backing I/O errors
// abort rather than retry).
var ErrIO = errors.New("backing: I/O error")

// Ops is the non-blocking ops vtable a writering drives. Start* begins an
// operation; Test* polls it without blocking; Wait* blocks until it
// completes. A given Ops value has at most one outstanding read and one
// outstanding write in flight at a time — callers (the writering) enforce
// that invariant, not the implementation.
type Ops interface {
	// Init opens or creates the backing medium. read/write report which
	// directions the caller intends to use.
	Init(read, write bool) error
	// Done releases any resources Init acquired.
	Done() error

	StartWrite(offset int64, data []byte) error
	TestWrite() (written int, done bool, err error)
	WaitWrite() (written int, err error)

	StartRead(offset int64, buf []byte) error
	TestRead() (read int, done bool, err error)
	WaitRead() (read int, err error)

	// Flush durably persists any writes accepted so far.
	Flush() error
	// Reset truncates the backing medium to size.
	Reset(size int64) error
	// GetSize returns the medium's current logical size.
	GetSize() (int64, error)
}
