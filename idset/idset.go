// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package idset provides compact sets over element IDs: per-client squashed
// clock ranges (IDSet) and per-client high-water marks (StateVector).
//
// Both types are plain maps. Callers own synchronization.
package idset

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/AleutianAI/kodiak/block"
)

// ClockRange is a half-open clock interval [Start, End).
type ClockRange struct {
	Start block.Clock
	End   block.Clock
}

// Len returns the number of clocks the range covers.
func (r ClockRange) Len() block.Clock {
	return r.End - r.Start
}

// Contains reports whether clock falls inside the range.
func (r ClockRange) Contains(clock block.Clock) bool {
	return clock >= r.Start && clock < r.End
}

func (r ClockRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// IDSet maps each client to a sorted, squashed list of clock ranges: no two
// ranges in a list touch or overlap. Delete sets and garbage-collection
// summaries are IDSets.
type IDSet map[block.ClientID][]ClockRange

// New returns an empty IDSet.
func New() IDSet {
	return make(IDSet)
}

// Insert adds the half-open range [start, end) for client, squashing it with
// any ranges it touches. Empty ranges are ignored.
func (s IDSet) Insert(client block.ClientID, start, end block.Clock) {
	if end <= start {
		return
	}
	ranges := s[client]
	// First range whose end reaches our start: the leftmost candidate to
	// squash with.
	lo := sort.Search(len(ranges), func(i int) bool {
		return ranges[i].End >= start
	})
	// First range starting past our end: one past the rightmost candidate.
	hi := sort.Search(len(ranges), func(i int) bool {
		return ranges[i].Start > end
	})
	if lo == hi {
		s[client] = slices.Insert(ranges, lo, ClockRange{Start: start, End: end})
		return
	}
	merged := ClockRange{Start: min(start, ranges[lo].Start), End: max(end, ranges[hi-1].End)}
	ranges[lo] = merged
	s[client] = slices.Delete(ranges, lo+1, hi)
}

// InsertRange adds a block range to the set.
func (s IDSet) InsertRange(r block.Range) {
	s.Insert(r.Head.Client, r.Head.Clock, r.Head.Clock+r.Len)
}

// InsertID adds the length clocks starting at id.
func (s IDSet) InsertID(id block.ID, length block.Clock) {
	s.Insert(id.Client, id.Clock, id.Clock+length)
}

// Contains reports whether id is covered by the set.
func (s IDSet) Contains(id block.ID) bool {
	ranges := s[id.Client]
	i := sort.Search(len(ranges), func(i int) bool {
		return ranges[i].End > id.Clock
	})
	return i < len(ranges) && ranges[i].Contains(id.Clock)
}

// Merge folds every range of other into s.
func (s IDSet) Merge(other IDSet) {
	for client, ranges := range other {
		for _, r := range ranges {
			s.Insert(client, r.Start, r.End)
		}
	}
}

// Invert returns, per client in state, the clocks below the client's state
// entry that s does not cover. Inverting a delete set against the state
// vector yields the visible clocks.
func (s IDSet) Invert(state StateVector) IDSet {
	out := New()
	for client, limit := range state {
		cur := block.Clock(0)
		for _, r := range s[client] {
			if r.Start >= limit {
				break
			}
			if r.Start > cur {
				out.Insert(client, cur, r.Start)
			}
			if r.End > cur {
				cur = r.End
			}
		}
		if cur < limit {
			out.Insert(client, cur, limit)
		}
	}
	return out
}

// IsEmpty reports whether the set covers no clocks.
func (s IDSet) IsEmpty() bool {
	for _, ranges := range s {
		if len(ranges) > 0 {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (s IDSet) Clone() IDSet {
	out := make(IDSet, len(s))
	for client, ranges := range s {
		out[client] = slices.Clone(ranges)
	}
	return out
}

// Clients returns the client IDs in ascending order. Encoders use this for
// deterministic output.
func (s IDSet) Clients() []block.ClientID {
	clients := make([]block.ClientID, 0, len(s))
	for client := range s {
		clients = append(clients, client)
	}
	slices.Sort(clients)
	return clients
}

// RangeCount returns the total number of ranges across all clients.
func (s IDSet) RangeCount() int {
	n := 0
	for _, ranges := range s {
		n += len(ranges)
	}
	return n
}

func (s IDSet) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, client := range s.Clients() {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%d:", client)
		for _, r := range s[client] {
			sb.WriteString(r.String())
		}
	}
	sb.WriteByte('}')
	return sb.String()
}
