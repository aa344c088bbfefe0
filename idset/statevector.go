// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package idset

import (
	"maps"
	"slices"

	"github.com/AleutianAI/kodiak/block"
)

// StateVector records, per client, the number of contiguous clocks the
// document has seen: the value is the next clock the document does NOT know.
// A client absent from the map has seen nothing.
type StateVector map[block.ClientID]block.Clock

// NewStateVector returns an empty state vector.
func NewStateVector() StateVector {
	return make(StateVector)
}

// Get returns the next unknown clock for client, zero when absent.
func (v StateVector) Get(client block.ClientID) block.Clock {
	return v[client]
}

// Set records that clocks [0, clock) are known for client.
func (v StateVector) Set(client block.ClientID, clock block.Clock) {
	v[client] = clock
}

// SetMax raises the client's entry to clock if it is higher.
func (v StateVector) SetMax(client block.ClientID, clock block.Clock) {
	if clock > v[client] {
		v[client] = clock
	}
}

// SetMin lowers the client's entry to clock if it is lower. Absent entries
// are already zero and stay absent.
func (v StateVector) SetMin(client block.ClientID, clock block.Clock) {
	if cur, ok := v[client]; ok && clock < cur {
		v[client] = clock
	}
}

// IncBy advances the client's entry by delta clocks.
func (v StateVector) IncBy(client block.ClientID, delta block.Clock) {
	if delta > 0 {
		v[client] += delta
	}
}

// Contains reports whether the element id is known.
func (v StateVector) Contains(id block.ID) bool {
	return id.Clock < v[id.Client]
}

// ContainsRange reports whether every element of r is known.
func (v StateVector) ContainsRange(r block.Range) bool {
	return r.Head.Clock+r.Len <= v[r.Head.Client]
}

// Clone returns a copy.
func (v StateVector) Clone() StateVector {
	return maps.Clone(v)
}

// Merge raises every entry of v to at least the matching entry of other.
func (v StateVector) Merge(other StateVector) {
	for client, clock := range other {
		v.SetMax(client, clock)
	}
}

// Clients returns the client IDs in ascending order.
func (v StateVector) Clients() []block.ClientID {
	clients := make([]block.ClientID, 0, len(v))
	for client := range v {
		clients = append(clients, client)
	}
	slices.Sort(clients)
	return clients
}

// Ordering is the result of comparing two state vectors.
type Ordering int

const (
	// OrderEqual means both vectors describe the same knowledge.
	OrderEqual Ordering = iota
	// OrderLess means v knows strictly less than other.
	OrderLess
	// OrderGreater means v knows strictly more than other.
	OrderGreater
	// OrderConcurrent means each side knows something the other lacks.
	OrderConcurrent
)

func (o Ordering) String() string {
	switch o {
	case OrderEqual:
		return "equal"
	case OrderLess:
		return "less"
	case OrderGreater:
		return "greater"
	default:
		return "concurrent"
	}
}

// Compare relates v to other. Zero entries and absent entries are
// equivalent.
func (v StateVector) Compare(other StateVector) Ordering {
	var less, greater bool
	for client, clock := range v {
		o := other[client]
		if clock > o {
			greater = true
		} else if clock < o {
			less = true
		}
	}
	for client, clock := range other {
		if clock > v[client] {
			less = true
		}
	}
	switch {
	case less && greater:
		return OrderConcurrent
	case less:
		return OrderLess
	case greater:
		return OrderGreater
	default:
		return OrderEqual
	}
}

// Snapshot pairs a state vector with the deletions known when it was taken.
// It answers visibility questions about a past document state.
type Snapshot struct {
	State   StateVector
	Deleted IDSet
}

// IsVisible reports whether the element id existed and was not deleted at
// the time the snapshot was taken.
func (s Snapshot) IsVisible(id block.ID) bool {
	return s.State.Contains(id) && !s.Deleted.Contains(id)
}

// MissingFrom returns, per client, the clock ranges v knows that remote does
// not: the content a diff update must carry.
func (v StateVector) MissingFrom(remote StateVector) IDSet {
	missing := New()
	for client, clock := range v {
		if have := remote[client]; have < clock {
			missing.Insert(client, have, clock)
		}
	}
	return missing
}
