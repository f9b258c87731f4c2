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

package logfs

import (
	"sync"

	"github.com/launix-de/NonLockingReadMap"
)

// registryEntry is the value type stored in the process-wide activation
// registry, satisfying NonLockingReadMap's KeyGetter[string] constraint.
type registryEntry struct {
	filename string
	file     *File
}

func (e registryEntry) GetKey() string    { return e.filename }
func (e registryEntry) ComputeSize() uint { return uint(len(e.filename)) + 16 }

// activeFiles tracks the rank-0 *File of every group currently activated
// in this process, keyed by real filename (the other ranks of an in-process
// group share that entry rather than registering their own). It exists alongside the cross-process lockfile
// (internal/superblock.Lockfile) to catch a second in-process Activate on
// the same file cheaply, and to back Probe's "active" bit without shelling
// out to the filesystem a second time. Grounded on the teacher's
// NonLockingReadMap-backed registries (storage/transaction.go,
// storage/compute_proxy.go), which favor this read-mostly map over a
// mutex-guarded Go map for exactly this kind of rarely-written index.
var activeFiles NonLockingReadMap.NonLockingReadMap[registryEntry, string]
var activeFilesOnce sync.Once

func registry() *NonLockingReadMap.NonLockingReadMap[registryEntry, string] {
	activeFilesOnce.Do(func() {
		activeFiles = NonLockingReadMap.New[registryEntry, string]()
	})
	return &activeFiles
}

// registerActive records f as active under realFilename, returning false if
// another *File is already registered under that name in this process.
func registerActive(realFilename string, f *File) bool {
	r := registry()
	if existing := r.Get(realFilename); existing != nil {
		return false
	}
	entry := registryEntry{filename: realFilename, file: f}
	r.Set(&entry)
	return true
}

func unregisterActive(realFilename string) {
	registry().Remove(realFilename)
}

// probeActive reports whether realFilename is currently active in this
// process.
func probeActive(realFilename string) bool {
	return registry().Get(realFilename) != nil
}
