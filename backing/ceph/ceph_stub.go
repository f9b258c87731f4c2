//go:build !ceph

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

package ceph

// Config is a stub when Ceph support is not compiled in.
// Build with -tags=ceph to enable Ceph support.
type Config struct {
	UserName    string
	ClusterName string
	ConfFile    string
	Pool        string
	Object      string
}

// Ops is never constructed in a non-ceph build; New panics so a caller that
// forgets the build tag fails loudly instead of silently dropping writes.
type Ops struct{}

func New(cfg Config) *Ops {
	panic("ceph support not compiled in. Build with: go build -tags=ceph")
}
