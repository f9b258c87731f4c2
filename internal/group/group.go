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

// Package group stands in for the MPI communicator the original driver was
// written against: just enough collective surface (rank identity, barrier,
// broadcast, allreduce-max) for Activate/Deactivate/Sync/Replay to stay
// group-collective the way logfs.c assumes throughout.
package group

import "context"

// Group is the minimal collective surface a group of cooperating ranks
// needs. Every method blocks until every rank in the group has called it,
// mirroring the original driver's "group-collective calls include an
// implicit barrier" assumption.
type Group interface {
	Rank() int
	Size() int
	Barrier(ctx context.Context) error
	// Broadcast sends buf from rank 0 to every rank, returning the
	// broadcast value. Ranks other than 0 pass a nil or ignored buf.
	Broadcast(ctx context.Context, buf []byte) ([]byte, error)
	// AllreduceMax returns the maximum of v across all ranks.
	AllreduceMax(ctx context.Context, v int64) (int64, error)
}
