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

// Package superblock implements the rank-0-owned persistent header shared by
// a group of ranks activating the same logfs file, and the whole-file
// advisory lockfile that guards a single activation at a time. Grounded on
// original_source's logfs_logfsfile_header and the lockfile create/delete
// sequence in logfs.c.
package superblock

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"

	"github.com/dc0d/onexit"
)

const magic = "logfs-logfsfile\n"
const magicSize = 64
const logfileBaseSize = 255

// Flags bitmask for Superblock.Flags.
const (
	FlagReplay uint32 = 1 << iota
	FlagActive
)

// ErrLockHeld is returned by Lock when another activation already holds the
// lockfile.
var ErrLockHeld = errors.New("superblock: lockfile already held")

// ErrCorrupt is returned when an on-disk superblock's magic doesn't match.
var ErrCorrupt = errors.New("superblock: corrupt or missing magic")

// Superblock is the persistent, rank-0-owned shared header.
type Superblock struct {
	Flags        uint32
	LogfileCount int32
	Epoch        int32
	LogfileBase  string
}

const wireSize = magicSize + 4 + 4 + 4 + logfileBaseSize

// Encode serializes s into the on-disk wire format.
func (s Superblock) Encode() []byte {
	buf := make([]byte, wireSize)
	copy(buf[0:magicSize], magic)
	binary.LittleEndian.PutUint32(buf[magicSize:magicSize+4], s.Flags)
	binary.LittleEndian.PutUint32(buf[magicSize+4:magicSize+8], uint32(s.LogfileCount))
	binary.LittleEndian.PutUint32(buf[magicSize+8:magicSize+12], uint32(s.Epoch))
	copy(buf[magicSize+12:], s.LogfileBase)
	return buf
}

// Decode parses buf into a Superblock, returning ErrCorrupt if the magic
// doesn't match.
func Decode(buf []byte) (Superblock, error) {
	if len(buf) != wireSize || !bytes.HasPrefix(buf, []byte(magic)) {
		return Superblock{}, ErrCorrupt
	}
	var s Superblock
	s.Flags = binary.LittleEndian.Uint32(buf[magicSize : magicSize+4])
	s.LogfileCount = int32(binary.LittleEndian.Uint32(buf[magicSize+4 : magicSize+8]))
	s.Epoch = int32(binary.LittleEndian.Uint32(buf[magicSize+8 : magicSize+12]))
	base := buf[magicSize+12:]
	if i := bytes.IndexByte(base, 0); i >= 0 {
		base = base[:i]
	}
	s.LogfileBase = string(base)
	return s, nil
}

// Read loads and decodes the superblock at path. It reports (zero, false,
// nil) if the file doesn't exist, and (zero, false, ErrCorrupt) if it exists
// but fails to parse.
func Read(path string) (Superblock, bool, error) {
	buf, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Superblock{}, false, nil
	}
	if err != nil {
		return Superblock{}, false, err
	}
	s, err := Decode(buf)
	if err != nil {
		return Superblock{}, false, err
	}
	return s, true, nil
}

// Write persists s to path, creating or truncating as needed.
func Write(path string, s Superblock) error {
	return os.WriteFile(path, s.Encode(), 0640)
}

// Lockfile is a whole-file advisory exclusion: a create-exclusive marker
// file deleted on Close. Grounded on logfs.c's
// logfs_lockfile_{islocked,lock,unlock} and on the teacher's
// storage/persistence-files.go os.Create/os.Remove lockfile idiom, with
// github.com/dc0d/onexit registering a best-effort cleanup so a crashed
// process doesn't strand the lock.
type Lockfile struct {
	path     string
	f        *os.File
	unlocked bool
}

// Lock creates path exclusively. It returns ErrLockHeld if the file already
// exists. A best-effort onexit hook removes the lockfile if the process dies
// without calling Unlock, so a crash doesn't permanently strand the lock.
func Lock(path string) (*Lockfile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLockHeld
		}
		return nil, err
	}
	lf := &Lockfile{path: path, f: f}
	onexit.Register(func() { lf.forceUnlink() })
	return lf, nil
}

// IsLocked reports whether path is currently held, without acquiring it.
func IsLocked(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (lf *Lockfile) forceUnlink() {
	if lf.unlocked {
		return
	}
	lf.f.Close()
	os.Remove(lf.path)
}

// Unlock closes and removes the lockfile.
func (lf *Lockfile) Unlock() error {
	lf.unlocked = true
	if err := lf.f.Close(); err != nil {
		os.Remove(lf.path)
		return err
	}
	return os.Remove(lf.path)
}
