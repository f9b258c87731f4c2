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
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/launix-de/logfs/internal/group"
)

// TestContiguousMultiRankReplay is scenario S1: four ranks each append a
// distinct contiguous 1KiB slice of a shared file, then deactivate with
// replay_on_close. The materialized canonical file must contain every
// rank's slice at the right offset once every rank has closed.
func TestContiguousMultiRankReplay(t *testing.T) {
	const ranks = 4
	const chunk = 1024
	path := filepath.Join(t.TempDir(), "s1.bin")

	err := group.RunLocal(ranks, func(ctx context.Context, g group.Group, rank int) error {
		f, err := Activate(ctx, g, path, Hints{}, nil)
		if err != nil {
			return err
		}
		buf := bytes.Repeat([]byte{byte(rank)}, chunk)
		if err := f.WriteData(ctx, int64(rank*chunk), buf, len(buf), TypeLayout{}, false); err != nil {
			return err
		}
		return f.Deactivate(ctx, true)
	})
	if err != nil {
		t.Fatalf("RunLocal: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != ranks*chunk {
		t.Fatalf("got %d bytes, want %d", len(got), ranks*chunk)
	}
	for i, b := range got {
		want := byte(i / chunk)
		if b != want {
			t.Fatalf("byte %d = %d, want %d", i, b, want)
		}
	}

	if exists, active := Probe(path); exists || active {
		t.Fatalf("Probe after replay-on-close delete: exists=%v active=%v, want false,false", exists, active)
	}
}

// TestReopenAppendsAcrossEpochs is scenario S4: a single rank writes,
// deactivates without replay (keeping the logs and superblock around), then
// reactivates the same file and writes again, so the second writes land in
// a later epoch. The final replay must materialize both epochs' writes.
func TestReopenAppendsAcrossEpochs(t *testing.T) {
	const half = 512
	path := filepath.Join(t.TempDir(), "s4.bin")

	err := group.RunLocal(1, func(ctx context.Context, g group.Group, rank int) error {
		f, err := Activate(ctx, g, path, Hints{}, nil)
		if err != nil {
			return err
		}
		first := bytes.Repeat([]byte{0xAA}, half)
		if err := f.WriteData(ctx, 0, first, len(first), TypeLayout{}, false); err != nil {
			return err
		}
		return f.Deactivate(ctx, false)
	})
	if err != nil {
		t.Fatalf("first RunLocal: %v", err)
	}

	err = group.RunLocal(1, func(ctx context.Context, g group.Group, rank int) error {
		f, err := Activate(ctx, g, path, Hints{}, nil)
		if err != nil {
			return err
		}
		second := bytes.Repeat([]byte{0xBB}, half)
		if err := f.WriteData(ctx, int64(half), second, len(second), TypeLayout{}, false); err != nil {
			return err
		}
		return f.Deactivate(ctx, true)
	})
	if err != nil {
		t.Fatalf("second RunLocal: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != 2*half {
		t.Fatalf("got %d bytes, want %d", len(got), 2*half)
	}
	for i := 0; i < half; i++ {
		if got[i] != 0xAA {
			t.Fatalf("byte %d = %#x, want 0xAA (first epoch)", i, got[i])
		}
	}
	for i := half; i < 2*half; i++ {
		if got[i] != 0xBB {
			t.Fatalf("byte %d = %#x, want 0xBB (second epoch)", i, got[i])
		}
	}
}

// TestGroupMismatchAborts is scenario S5: reopening a file with a different
// rank count than it was created with must abort every rank with
// ErrGroupMismatch rather than silently reinterpreting the per-rank logs.
func TestGroupMismatchAborts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s5.bin")

	err := group.RunLocal(4, func(ctx context.Context, g group.Group, rank int) error {
		f, err := Activate(ctx, g, path, Hints{}, nil)
		if err != nil {
			return err
		}
		return f.Deactivate(ctx, false)
	})
	if err != nil {
		t.Fatalf("create with 4 ranks: %v", err)
	}

	err = group.RunLocal(2, func(ctx context.Context, g group.Group, rank int) error {
		_, err := Activate(ctx, g, path, Hints{}, nil)
		return err
	})
	if err == nil {
		t.Fatal("Activate with mismatched group size succeeded, want ErrGroupMismatch")
	}
	if !errors.Is(err, ErrGroupMismatch) {
		t.Fatalf("Activate error = %v, want ErrGroupMismatch", err)
	}
}
