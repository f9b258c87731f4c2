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
/*
	logfsdemo drives a tiny activate/write/sync/close/replay sequence across
	a handful of simulated ranks (internal/group.RunLocal) against a local
	file (backing/osfile), so the coordinator can be exercised without an
	actual MPI job.
*/
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/launix-de/logfs/internal/group"
	"github.com/launix-de/logfs/logfs"
)

const ranks = 3
const chunkSize = 4096

func main() {
	fmt.Print(`logfs demo  Copyright (C) 2024  Carl-Philip Hänsch
    This program comes with ABSOLUTELY NO WARRANTY;
    This is free software, and you are welcome to redistribute it
    under certain conditions;
`)

	path := "logfsdemo.bin"
	os.Remove(path)

	fmt.Printf("activating %s across %d simulated ranks\n", path, ranks)
	err := group.RunLocal(ranks, func(ctx context.Context, g group.Group, rank int) error {
		f, err := logfs.Activate(ctx, g, path, logfs.Hints{"logfs_debug": "true"}, nil)
		if err != nil {
			return fmt.Errorf("rank %d activate: %w", rank, err)
		}

		buf := make([]byte, chunkSize)
		for i := range buf {
			buf[i] = byte(rank)
		}
		if err := f.WriteData(ctx, int64(rank*chunkSize), buf, len(buf), logfs.TypeLayout{}, false); err != nil {
			return fmt.Errorf("rank %d write_data: %w", rank, err)
		}

		if err := f.Sync(ctx); err != nil {
			return fmt.Errorf("rank %d sync: %w", rank, err)
		}

		if err := f.Deactivate(ctx, true); err != nil {
			return fmt.Errorf("rank %d deactivate: %w", rank, err)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logfsdemo:", err)
		os.Exit(1)
	}

	fi, err := os.Stat(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logfsdemo:", err)
		os.Exit(1)
	}
	fmt.Printf("replay complete: %s is now %d bytes\n", path, fi.Size())
}
