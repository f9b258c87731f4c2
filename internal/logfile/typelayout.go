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

// TypeLayout is the flattened index/blocklen representation of an MPI
// datatype, exactly the shape logfs_file_typeinfo ports to Go: a list of
// (index, blocklen) pairs describing the datatype's byte layout relative to
// its own base.
type TypeLayout struct {
	Indices   []int64
	Blocklens []int64
}

// Extent is the span from the first index to the end of the last block.
func (t TypeLayout) Extent() int64 {
	if len(t.Indices) == 0 {
		return 0
	}
	last := len(t.Indices) - 1
	return t.Indices[last] + t.Blocklens[last] - t.Indices[0]
}

// Size is the sum of all block lengths.
func (t TypeLayout) Size() int64 {
	var sz int64
	for _, b := range t.Blocklens {
		sz += b
	}
	return sz
}

// Continuous reports whether the blocks abut with no gaps, i.e. the layout
// describes a single contiguous run.
func (t TypeLayout) Continuous() bool {
	if len(t.Indices) == 0 {
		return true
	}
	next := t.Indices[0] + t.Blocklens[0]
	for i := 1; i < len(t.Indices); i++ {
		if t.Indices[i] != next {
			return false
		}
		next += t.Blocklens[i]
	}
	return true
}
