// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package block

import (
	"encoding/binary"
	"fmt"
)

// ContentType tags the payload a block carries. The numeric values are part
// of both the storage format and the update wire format.
type ContentType uint8

const (
	// ContentGC marks a clock range whose blocks were garbage collected.
	// It appears only on the wire, never in the store.
	ContentGC ContentType = 0
	// ContentDeleted is a tombstone: a run of deleted elements whose
	// payload was discarded. ClockLen counts the deleted elements.
	ContentDeleted ContentType = 1
	// ContentJSON is a run of JSON-encoded values, one element each.
	ContentJSON ContentType = 2
	// ContentBinary is a single opaque byte payload.
	ContentBinary ContentType = 3
	// ContentString is UTF-8 text; ClockLen counts UTF-16 code units.
	ContentString ContentType = 4
	// ContentEmbed is a single embedded JSON object (rich-text embeds).
	ContentEmbed ContentType = 5
	// ContentFormat is a rich-text formatting marker (key + JSON value).
	ContentFormat ContentType = 6
	// ContentNode wraps a nested node (map, list, text, ...).
	ContentNode ContentType = 7
	// ContentAtom is a run of opaque atoms, one element each.
	ContentAtom ContentType = 8
	// ContentDoc wraps a nested subdocument reference.
	ContentDoc ContentType = 9
	// ContentSkip encodes a gap in an update. Wire only.
	ContentSkip ContentType = 10

	contentTypeCount = 11
)

var contentNames = [contentTypeCount]string{
	"gc", "deleted", "json", "binary", "string", "embed",
	"format", "node", "atom", "doc", "skip",
}

func (t ContentType) String() string {
	if int(t) < len(contentNames) {
		return contentNames[t]
	}
	return fmt.Sprintf("content(%d)", uint8(t))
}

// Valid reports whether t is a known content type tag.
func (t ContentType) Valid() bool {
	return int(t) < contentTypeCount
}

// contentCaps is the capability table. Countable content contributes its
// element count to the visible length of its parent node. Mergeable content
// allows two adjacent compatible blocks to squash into one record.
// Splittable content can be cut at an element boundary.
var contentCaps = [contentTypeCount]struct {
	countable  bool
	mergeable  bool
	splittable bool
}{
	ContentGC:      {countable: false, mergeable: true, splittable: false},
	ContentDeleted: {countable: false, mergeable: true, splittable: true},
	ContentJSON:    {countable: true, mergeable: true, splittable: true},
	ContentBinary:  {countable: true, mergeable: false, splittable: false},
	ContentString:  {countable: true, mergeable: true, splittable: true},
	ContentEmbed:   {countable: true, mergeable: false, splittable: false},
	ContentFormat:  {countable: false, mergeable: false, splittable: false},
	ContentNode:    {countable: true, mergeable: false, splittable: false},
	ContentAtom:    {countable: true, mergeable: true, splittable: true},
	ContentDoc:     {countable: true, mergeable: false, splittable: false},
	ContentSkip:    {countable: false, mergeable: false, splittable: false},
}

// Countable reports whether elements of this type count toward the parent's
// visible length.
func (t ContentType) Countable() bool {
	return t.Valid() && contentCaps[t].countable
}

// Mergeable reports whether adjacent blocks of this type may be squashed.
func (t ContentType) Mergeable() bool {
	return t.Valid() && contentCaps[t].mergeable
}

// Splittable reports whether a block of this type can be cut mid-run.
func (t ContentType) Splittable() bool {
	return t.Valid() && contentCaps[t].splittable
}

// ============================================================================
// UTF-16 length accounting
// ============================================================================

// String content measures its clock length in UTF-16 code units so that IDs
// interoperate with peers that index text that way. Runes outside the basic
// multilingual plane count as two units.

// UTF16Len returns the number of UTF-16 code units needed to encode s.
func UTF16Len(s string) Clock {
	var n Clock
	for _, r := range s {
		n++
		if r > 0xFFFF {
			n++
		}
	}
	return n
}

// UTF16ByteOffset converts a UTF-16 code-unit offset into a byte offset in
// s. It returns an error when off lands inside a surrogate pair or past the
// end of the string.
func UTF16ByteOffset(s string, off Clock) (int, error) {
	var units Clock
	for i, r := range s {
		if units == off {
			return i, nil
		}
		if units > off {
			return 0, fmt.Errorf("utf-16 offset %d splits a surrogate pair", off)
		}
		units++
		if r > 0xFFFF {
			units++
		}
	}
	if units == off {
		return len(s), nil
	}
	return 0, fmt.Errorf("utf-16 offset %d beyond text length %d", off, units)
}

// ============================================================================
// Multi-element payload framing
// ============================================================================

// JSON and atom runs hold one payload per element. In memory and in block
// records the elements are framed: a 4-byte little-endian length followed by
// the element bytes. The overflow content table unpacks frames into one row
// per element so that splits never rewrite payloads.

// FrameElems frames the given elements into a single payload.
func FrameElems(elems [][]byte) []byte {
	size := 0
	for _, e := range elems {
		size += 4 + len(e)
	}
	buf := make([]byte, 0, size)
	var lenb [4]byte
	for _, e := range elems {
		binary.LittleEndian.PutUint32(lenb[:], uint32(len(e)))
		buf = append(buf, lenb[:]...)
		buf = append(buf, e...)
	}
	return buf
}

// SplitFrames decodes a framed payload back into its elements.
func SplitFrames(data []byte) ([][]byte, error) {
	var elems [][]byte
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("truncated element frame: %d trailing bytes", len(data))
		}
		n := binary.LittleEndian.Uint32(data[0:4])
		data = data[4:]
		if uint32(len(data)) < n {
			return nil, fmt.Errorf("element frame wants %d bytes, %d available", n, len(data))
		}
		elems = append(elems, data[:n:n])
		data = data[n:]
	}
	return elems, nil
}

// CutFrames splits a framed payload after the first n elements and returns
// the two halves.
func CutFrames(data []byte, n Clock) (left, right []byte, err error) {
	rest := data
	for i := Clock(0); i < n; i++ {
		if len(rest) < 4 {
			return nil, nil, fmt.Errorf("frame cut at element %d: payload exhausted", i)
		}
		size := binary.LittleEndian.Uint32(rest[0:4])
		if uint32(len(rest)-4) < size {
			return nil, nil, fmt.Errorf("frame cut at element %d: truncated frame", i)
		}
		rest = rest[4+size:]
	}
	return data[:len(data)-len(rest)], rest, nil
}

// ============================================================================
// Nested node payloads
// ============================================================================

// NodeKind tags what a nested or root node contains.
type NodeKind uint8

const (
	NodeMap  NodeKind = 0
	NodeList NodeKind = 1
	NodeText NodeKind = 2
	NodeXML  NodeKind = 3
)

// A node payload stores the node kind, an optional pointer to the first
// block of its sequence body, the node's visible element count, and for
// root nodes the node's name:
//
//	kind(1) | hasStart(1) | start ID(8) | length(4) | name bytes
//
// The length lives in the payload rather than in the block's ClockLen: a
// node block spans exactly one clock of its own client, while the node it
// wraps grows without bound.
const nodeHeaderSize = 14

// NewNodeContent builds the payload for a node block.
func NewNodeContent(kind NodeKind, name string) []byte {
	buf := make([]byte, nodeHeaderSize, nodeHeaderSize+len(name))
	buf[0] = byte(kind)
	return append(buf, name...)
}

// NodeContentKind reads the node kind from a node payload.
func NodeContentKind(payload []byte) (NodeKind, error) {
	if len(payload) < nodeHeaderSize {
		return 0, fmt.Errorf("node payload too short: %d bytes", len(payload))
	}
	return NodeKind(payload[0]), nil
}

// NodeContentName reads the node name from a node payload. Nested nodes have
// an empty name.
func NodeContentName(payload []byte) (string, error) {
	if len(payload) < nodeHeaderSize {
		return "", fmt.Errorf("node payload too short: %d bytes", len(payload))
	}
	return string(payload[nodeHeaderSize:]), nil
}

// NodeContentStart reads the pointer to the first sequence block, if set.
func NodeContentStart(payload []byte) (ID, bool, error) {
	if len(payload) < nodeHeaderSize {
		return ID{}, false, fmt.Errorf("node payload too short: %d bytes", len(payload))
	}
	if payload[1] == 0 {
		return ID{}, false, nil
	}
	return ParseID(payload[2 : 2+IDSize]), true, nil
}

// SetNodeContentStart writes the pointer to the first sequence block in
// place.
func SetNodeContentStart(payload []byte, start ID) error {
	if len(payload) < nodeHeaderSize {
		return fmt.Errorf("node payload too short: %d bytes", len(payload))
	}
	payload[1] = 1
	b := start.Bytes()
	copy(payload[2:2+IDSize], b[:])
	return nil
}

// NodeContentLen reads the node's visible element count.
func NodeContentLen(payload []byte) (Clock, error) {
	if len(payload) < nodeHeaderSize {
		return 0, fmt.Errorf("node payload too short: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint32(payload[10:14]), nil
}

// AddNodeContentLen adjusts the node's visible element count in place.
// Negative deltas must not underflow.
func AddNodeContentLen(payload []byte, delta int64) error {
	length, err := NodeContentLen(payload)
	if err != nil {
		return err
	}
	next := int64(length) + delta
	if next < 0 {
		return fmt.Errorf("node length underflow: %d%+d", length, delta)
	}
	binary.BigEndian.PutUint32(payload[10:14], uint32(next))
	return nil
}
