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

import "errors"

// The four fatal error categories from §7, each sentinel-wrapped so a caller
// can errors.Is against the category while still seeing the underlying
// cause via errors.Join.
var (
	// ErrCorrupt marks a corrupt or missing on-disk structure: bad
	// superblock magic, unknown record tag, a fence mismatch.
	ErrCorrupt = errors.New("logfs: corrupt or missing on-disk structure")
	// ErrGroupMismatch marks a reopen with a different rank count than the
	// file was created with.
	ErrGroupMismatch = errors.New("logfs: group size does not match the file's logfile_count")
	// ErrLockHeld marks a lock conflict: the lockfile already exists.
	ErrLockHeld = errors.New("logfs: lockfile already held by another activation")
	// ErrBackingIO marks a fatal backing-medium I/O failure.
	ErrBackingIO = errors.New("logfs: backing I/O error")
	// ErrReplayRequired is returned by Activate when a read-only-intent
	// open finds outstanding un-replayed epochs in the superblock: serving
	// a read against that state would silently return stale data instead
	// of the materialized canonical file (Open Question #2).
	ErrReplayRequired = errors.New("logfs: file has un-replayed epochs, a collective replay is required before read-only reopen")
	// ErrNotActive is returned by the per-file operations that return an
	// error (all but GetFilesize, SetInfo and TransferHints) when called
	// after Deactivate, or before Activate has completed.
	ErrNotActive = errors.New("logfs: file is not active")
)
