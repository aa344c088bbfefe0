// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package block defines the identity model and the block record format for
// Kodiak documents.
//
// Every element in a document carries an ID: a (ClientID, Clock) pair that is
// unique for the lifetime of the document. A block is a run of consecutive
// elements produced by one client; the block is addressed by the ID of its
// first element and spans ClockLen logical elements.
//
// Thread Safety: the types in this package are plain values with no internal
// locking. Callers own synchronization.
package block

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
)

// ClientID identifies one editing site. IDs are drawn randomly at document
// open so that two replicas practically never collide.
type ClientID uint32

// RootClient is reserved for virtual elements owned by the document itself,
// such as root node identities. No editing client may use it.
const RootClient ClientID = 0

// NewRandomClientID returns a uniformly random client ID, never RootClient.
func NewRandomClientID() ClientID {
	for {
		if c := ClientID(rand.Uint32()); c != RootClient {
			return c
		}
	}
}

// Clock is a per-client logical counter. The pair (client, clock) of the
// first element addresses a block; clocks within a block are consecutive.
type Clock = uint32

// IDSize is the encoded size of an ID in bytes.
const IDSize = 8

// ID addresses a single logical element.
type ID struct {
	Client ClientID
	Clock  Clock
}

// NewID builds an ID from its parts.
func NewID(client ClientID, clock Clock) ID {
	return ID{Client: client, Clock: clock}
}

// Bytes returns the 8-byte big-endian encoding (client then clock). Keys
// built from this encoding sort first by client, then by clock, which the
// store relies on for range scans.
func (id ID) Bytes() [IDSize]byte {
	var b [IDSize]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(id.Client))
	binary.BigEndian.PutUint32(b[4:8], id.Clock)
	return b
}

// ParseID decodes an ID from the first 8 bytes of b.
func ParseID(b []byte) ID {
	return ID{
		Client: ClientID(binary.BigEndian.Uint32(b[0:4])),
		Clock:  binary.BigEndian.Uint32(b[4:8]),
	}
}

func (id ID) String() string {
	return fmt.Sprintf("<%d:%d>", id.Client, id.Clock)
}

// Add returns the ID offset clocks later in the same client's sequence.
func (id ID) Add(offset Clock) ID {
	return ID{Client: id.Client, Clock: id.Clock + offset}
}

// NodeID identifies a node (a shared container such as a text, list, or
// map). Root nodes are addressed by name: the client half is RootClient and
// the clock half is the interned hash of the name. Nested nodes reuse the ID
// of the block that carries them.
type NodeID ID

// RootNodeID builds the identity of a named root node from the interned
// 32-bit hash of its name.
func RootNodeID(nameHash uint32) NodeID {
	return NodeID{Client: RootClient, Clock: nameHash}
}

// NestedNodeID builds the identity of a node embedded in the document body.
func NestedNodeID(id ID) NodeID {
	return NodeID(id)
}

// IsRoot reports whether the node is a named root rather than a nested node.
func (n NodeID) IsRoot() bool {
	return n.Client == RootClient
}

// Bytes returns the same 8-byte big-endian encoding used for element IDs.
func (n NodeID) Bytes() [IDSize]byte {
	return ID(n).Bytes()
}

// ParseNodeID decodes a NodeID from the first 8 bytes of b.
func ParseNodeID(b []byte) NodeID {
	return NodeID(ParseID(b))
}

func (n NodeID) String() string {
	if n.IsRoot() {
		return fmt.Sprintf("<root:%#x>", n.Clock)
	}
	return ID(n).String()
}

// Range is a half-open run of clocks [Head.Clock, Head.Clock+Len) owned by
// one client. Updates carry ranges for garbage-collected regions and for
// delete sets.
type Range struct {
	Head ID
	Len  Clock
}

// End returns the first clock past the range.
func (r Range) End() Clock {
	return r.Head.Clock + r.Len
}

// Contains reports whether id falls inside the range.
func (r Range) Contains(id ID) bool {
	return id.Client == r.Head.Client &&
		id.Clock >= r.Head.Clock && id.Clock < r.End()
}
