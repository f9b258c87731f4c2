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

package group

import (
	"context"
	"math"
	"sync"

	"github.com/jtolds/gls"
)

// mgr tags every local-harness goroutine with its rank, the way
// storage/compute.go tags worker goroutines via gls.Go so deep call chains
// can report "[rank N] ..." without threading a rank argument through every
// helper.
var mgr = gls.NewContextManager()

const rankKey = "logfs-rank"

// RankFromContext returns the rank of the calling goroutine if it was
// spawned by RunLocal, or ok=false otherwise.
func RankFromContext() (rank int, ok bool) {
	v, found := mgr.GetValue(rankKey)
	if !found {
		return 0, false
	}
	return v.(int), true
}

// hub is the shared rendezvous point for one local group.
type hub struct {
	size    int
	mu      sync.Mutex
	cond    *sync.Cond
	arrived int
	gen     int
	result  interface{}

	pendingBroadcast []byte
	reduceVals       []int64
}

func newHub(size int) *hub {
	h := &hub{size: size, reduceVals: make([]int64, size)}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// rendezvous blocks every caller until all h.size ranks have called it for
// the current generation, then returns the value produce returned on
// whichever rank happened to be the last to arrive, to every rank.
func (h *hub) rendezvous(produce func() interface{}) interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	gen := h.gen
	h.arrived++
	if h.arrived == h.size {
		h.result = produce()
		h.arrived = 0
		h.gen++
		h.cond.Broadcast()
	} else {
		for h.gen == gen {
			h.cond.Wait()
		}
	}
	return h.result
}

// Local is an in-process Group backed by goroutines, standing in for an MPI
// communicator in tests.
type Local struct {
	rank int
	hub  *hub
}

// NewLocalGroup builds size Local Groups sharing one rendezvous hub, one per
// rank.
func NewLocalGroup(size int) []*Local {
	h := newHub(size)
	groups := make([]*Local, size)
	for r := 0; r < size; r++ {
		groups[r] = &Local{rank: r, hub: h}
	}
	return groups
}

// RunLocal spawns one gls-tagged goroutine per rank running fn, and waits
// for all of them to return. The first non-nil error is returned; fn is
// still allowed to run to completion on every rank (mirroring a real MPI job,
// where one rank erroring doesn't unilaterally kill the others).
func RunLocal(size int, fn func(ctx context.Context, g Group, rank int) error) error {
	groups := NewLocalGroup(size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	wg.Add(size)
	for r := 0; r < size; r++ {
		r := r
		gls.Go(func() {
			defer wg.Done()
			mgr.SetValues(gls.Values{rankKey: r}, func() {
				errs[r] = fn(context.Background(), groups[r], r)
			})
		})
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *Local) Rank() int { return l.rank }
func (l *Local) Size() int { return l.hub.size }

func (l *Local) Barrier(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.hub.rendezvous(func() interface{} { return nil })
	return nil
}

func (l *Local) Broadcast(ctx context.Context, buf []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.rank == 0 {
		l.hub.mu.Lock()
		l.hub.pendingBroadcast = append([]byte(nil), buf...)
		l.hub.mu.Unlock()
	}
	result := l.hub.rendezvous(func() interface{} {
		return append([]byte(nil), l.hub.pendingBroadcast...)
	})
	return result.([]byte), nil
}

func (l *Local) AllreduceMax(ctx context.Context, v int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.hub.mu.Lock()
	l.hub.reduceVals[l.rank] = v
	l.hub.mu.Unlock()
	result := l.hub.rendezvous(func() interface{} {
		max := int64(math.MinInt64)
		for _, x := range l.hub.reduceVals {
			if x > max {
				max = x
			}
		}
		return max
	})
	return result.(int64), nil
}
