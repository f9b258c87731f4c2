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

// Package aggregator implements the stripe-aware aggregator assignment used
// by a collective flush over a striped backing store, ported from
// original_source's ad_lustre_aggregate.c (ADIOI_LUSTRE_Calc_aggregator /
// ADIOI_LUSTRE_Calc_my_req).
package aggregator

// Stripe describes a striped backing store's layout: StripeSize bytes per
// stripe, StripeCount stripes wide, with CBNodes of RankList available to
// aggregate I/O.
type Stripe struct {
	StripeSize  int64
	StripeCount int
	CBNodes     int
	RankList    []int
}

// AggregatorFor returns the rank responsible for aggregating the byte at
// offset, cycling through RankList by stripe index modulo CBNodes —
// ADIOI_LUSTRE_Calc_aggregator's "stripe-contiguous pattern".
func (s Stripe) AggregatorFor(offset int64) int {
	rankIndex := int((offset / s.StripeSize) % int64(s.CBNodes))
	return s.RankList[rankIndex]
}

// AvailableBefore returns how many bytes starting at offset belong to the
// same stripe AggregatorFor(offset) is responsible for, before crossing into
// the next aggregator's stripe.
func (s Stripe) AvailableBefore(offset int64) int64 {
	return (offset/s.StripeSize+1)*s.StripeSize - offset
}

// Request is one contiguous access within a collective I/O call: Length
// bytes starting at Offset, BufIndex giving the byte offset of this piece
// within the caller's buffer (so a receiver can place incoming data at the
// right spot without an extra copy).
type Request struct {
	Offset, Length int64
	BufIndex       int
}

// BuildRequestMap splits reqs at stripe boundaries and groups the pieces by
// the aggregator rank each piece belongs to, mirroring
// ADIOI_LUSTRE_Calc_my_req in a single pass (the C version's separate count
// pass only sizes its allocations, which Go's slices don't need). The input
// BufIndex values are ignored: each output piece's BufIndex is the running
// byte offset of that piece across all of reqs, in order.
func BuildRequestMap(s Stripe, reqs []Request) map[int][]Request {
	out := make(map[int][]Request)
	var bufCursor int64

	for _, req := range reqs {
		if req.Length == 0 {
			continue
		}
		off := req.Offset
		remaining := req.Length
		for remaining != 0 {
			avail := s.AvailableBefore(off)
			if avail > remaining {
				avail = remaining
			}
			proc := s.AggregatorFor(off)
			out[proc] = append(out[proc], Request{
				Offset:   off,
				Length:   avail,
				BufIndex: int(bufCursor),
			})
			bufCursor += avail
			off += avail
			remaining -= avail
		}
	}
	return out
}

// Docollect decides whether a collective round is worth running at all,
// mirroring ADIOI_LUSTRE_Docollect: if the average request size across all
// ranks already exceeds the backing store's declared "big request"
// threshold, per-rank independent I/O is preferred over paying for
// aggregation.
func Docollect(totalReqSize int64, totalAccessCount int, bigReqSize int64) bool {
	if totalAccessCount == 0 {
		return true
	}
	avgReqSize := totalReqSize / int64(totalAccessCount)
	if bigReqSize > 0 && avgReqSize > bigReqSize {
		return false
	}
	return true
}
