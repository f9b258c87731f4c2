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
	"fmt"
	"os"
	"strconv"

	"github.com/docker/go-units"
)

// ReadMode controls how aggressively write_data keeps the rtree current
// (and, transitively, whether a read needs a materializing replay first).
type ReadMode int

const (
	ReadNone ReadMode = iota
	ReadSome
	ReadPhased
	ReadFull
)

// Hints is the flat string-keyed hint dictionary a host passes in, the
// same shape an MPI_Info object would hand over.
type Hints map[string]string

// settings is the parsed, typed form of Hints, grounded on
// storage/settings.go's SettingsT / ChangeSettings shape (a flat typed
// struct populated from a generic string-keyed input, unknown-key warnings
// gated on a debug flag rather than hard failures).
type settings struct {
	ReadMode                       ReadMode
	Debug, TimeReplay, Sync        bool
	DataBlockCount, MetaBlockCount int
	DataBlockSize, MetaBlockSize   int64
	FlushBlockSize                 int64
	LogBase                        string
	ReplayOnClose                  bool
	ReadOnly                       bool

	// StripeSize/StripeCount/CBNodes configure a striped canonical backing
	// (e.g. backing/ceph against a striped pool). StripeSize <= 0 or
	// CBNodes <= 0 leaves flushing unstriped (the pre-§4.6 behavior).
	StripeSize  int64
	StripeCount int
	CBNodes     int
}

func defaultSettings() settings {
	return settings{
		ReadMode:       ReadSome,
		TimeReplay:     true,
		DataBlockCount: 2,
		MetaBlockCount: 2,
		DataBlockSize:  4 << 20,
		MetaBlockSize:  64 << 10,
		FlushBlockSize: 1 << 20,
	}
}

func parseBool(s string) bool {
	switch s {
	case "1", "t", "true", "T", "True", "TRUE", "yes", "y":
		return true
	}
	b, _ := strconv.ParseBool(s)
	return b
}

// parseByteSize accepts both a bare integer and a unit-suffixed string
// ("4MiB", "64KiB") via docker/go-units.RAMInBytes — the idiomatic choice
// the rest of the pack reaches for rather than a hand-rolled suffix parser.
func parseByteSize(s string) (int64, error) {
	return units.RAMInBytes(s)
}

// ParseHints converts a flat hint dictionary into settings, applying
// LOGFSTMP/LOGFS_DEBUG/LOGFS_TIMEREPLAY environment overrides only where
// the corresponding hint key is absent (hint > env > default, per §6).
func ParseHints(h Hints) (settings, error) {
	s := defaultSettings()

	debugHinted := false
	if v, ok := h["logfs_debug"]; ok {
		s.Debug = parseBool(v)
		debugHinted = true
	}

	warn := func(format string, args ...interface{}) {
		if s.Debug {
			fmt.Fprintf(os.Stderr, "logfs: warning: "+format+"\n", args...)
		}
	}

	for key, v := range h {
		switch key {
		case "logfs_readmode":
			switch v {
			case "track_none":
				s.ReadMode = ReadNone
			case "track_some":
				s.ReadMode = ReadSome
			case "track_phased":
				s.ReadMode = ReadPhased
			case "track_all":
				s.ReadMode = ReadFull
			default:
				warn("unknown logfs_readmode value %q, keeping default", v)
			}
		case "logfs_debug":
			// handled above
		case "logfs_timereplay":
			s.TimeReplay = parseBool(v)
		case "logfs_datablockcount":
			n, err := strconv.Atoi(v)
			if err != nil {
				warn("logfs_datablockcount %q is not an integer: %v", v, err)
				continue
			}
			s.DataBlockCount = n
		case "logfs_metablockcount":
			n, err := strconv.Atoi(v)
			if err != nil {
				warn("logfs_metablockcount %q is not an integer: %v", v, err)
				continue
			}
			s.MetaBlockCount = n
		case "logfs_datablocksize":
			n, err := parseByteSize(v)
			if err != nil {
				warn("logfs_datablocksize %q: %v", v, err)
				continue
			}
			s.DataBlockSize = n
		case "logfs_metablocksize":
			n, err := parseByteSize(v)
			if err != nil {
				warn("logfs_metablocksize %q: %v", v, err)
				continue
			}
			s.MetaBlockSize = n
		case "logfs_flushblocksize":
			n, err := parseByteSize(v)
			if err != nil {
				warn("logfs_flushblocksize %q: %v", v, err)
				continue
			}
			s.FlushBlockSize = n
		case "logfs_sync":
			s.Sync = parseBool(v)
		case "logfs_info_logbase":
			s.LogBase = v
		case "logfs_replayonclose":
			s.ReplayOnClose = parseBool(v)
		case "logfs_readonly":
			s.ReadOnly = parseBool(v)
		case "logfs_stripe_size":
			n, err := parseByteSize(v)
			if err != nil {
				warn("logfs_stripe_size %q: %v", v, err)
				continue
			}
			s.StripeSize = n
		case "logfs_stripe_count":
			n, err := strconv.Atoi(v)
			if err != nil {
				warn("logfs_stripe_count %q is not an integer: %v", v, err)
				continue
			}
			s.StripeCount = n
		case "logfs_cb_nodes":
			n, err := strconv.Atoi(v)
			if err != nil {
				warn("logfs_cb_nodes %q is not an integer: %v", v, err)
				continue
			}
			s.CBNodes = n
		default:
			warn("unknown hint key %q ignored", key)
		}
	}

	if !debugHinted && parseBool(os.Getenv("LOGFS_DEBUG")) {
		s.Debug = true
	}
	if _, ok := h["logfs_timereplay"]; !ok && parseBool(os.Getenv("LOGFS_TIMEREPLAY")) {
		s.TimeReplay = true
	}
	if _, ok := h["logfs_info_logbase"]; !ok {
		if v := os.Getenv("LOGFSTMP"); v != "" {
			s.LogBase = v
		}
	}

	return s, nil
}
