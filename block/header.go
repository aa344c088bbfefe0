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

// Flags is the presence and state bitset of a block header.
type Flags uint8

const (
	// FlagHasParent marks the parent field as meaningful.
	FlagHasParent Flags = 1 << 0
	// FlagCountable mirrors ContentType.Countable for cheap scans.
	FlagCountable Flags = 1 << 1
	// FlagDeleted marks the whole block as tombstoned.
	FlagDeleted Flags = 1 << 2
	// FlagInline marks that the payload follows the record in place
	// rather than living in the overflow content table.
	FlagInline Flags = 1 << 3
	// FlagRight marks the right-neighbor pointer as meaningful.
	FlagRight Flags = 1 << 4
	// FlagLeft marks the left-neighbor pointer as meaningful.
	FlagLeft Flags = 1 << 5
	// FlagOriginRight marks the immutable right origin as meaningful.
	FlagOriginRight Flags = 1 << 6
	// FlagOriginLeft marks the immutable left origin as meaningful.
	FlagOriginLeft Flags = 1 << 7
)

// HeaderSize is the fixed encoded size of a block header.
const HeaderSize = 48

// InlineContentCapacity bounds payloads stored inside the block record
// itself. Larger payloads move to the overflow content table.
const InlineContentCapacity = 128

// MaxEntryKeyLen bounds map entry keys; the length is stored in one byte.
const MaxEntryKeyLen = 255

// FormatVersion is the current block record version.
const FormatVersion = 1

// Header is the fixed-size portion of a block record.
//
// The neighbor pointers left and right are mutable and maintained by
// integration; the origins are immutable once the block exists. Pointer
// fields are only meaningful when the matching flag is set.
type Header struct {
	ClockLen Clock
	Flags    Flags
	Type     ContentType
	KeyLen   uint8
	Version  uint8

	left        ID
	right       ID
	parent      NodeID
	originLeft  ID
	originRight ID
}

// Left returns the mutable left-neighbor pointer. It addresses the last
// element of the neighboring block, not necessarily a block head.
func (h *Header) Left() (ID, bool) {
	return h.left, h.Flags&FlagLeft != 0
}

// SetLeft sets the mutable left-neighbor pointer.
func (h *Header) SetLeft(id ID) {
	h.left = id
	h.Flags |= FlagLeft
}

// ClearLeft removes the left-neighbor pointer.
func (h *Header) ClearLeft() {
	h.Flags &^= FlagLeft
}

// Right returns the mutable right-neighbor pointer. It always addresses a
// block head.
func (h *Header) Right() (ID, bool) {
	return h.right, h.Flags&FlagRight != 0
}

// SetRight sets the mutable right-neighbor pointer.
func (h *Header) SetRight(id ID) {
	h.right = id
	h.Flags |= FlagRight
}

// ClearRight removes the right-neighbor pointer.
func (h *Header) ClearRight() {
	h.Flags &^= FlagRight
}

// OriginLeft returns the immutable left origin: the element the block was
// inserted after, fixed at creation time.
func (h *Header) OriginLeft() (ID, bool) {
	return h.originLeft, h.Flags&FlagOriginLeft != 0
}

// SetOriginLeft fixes the left origin. Only block construction and splits
// may call this.
func (h *Header) SetOriginLeft(id ID) {
	h.originLeft = id
	h.Flags |= FlagOriginLeft
}

// OriginRight returns the immutable right origin: the element the block was
// inserted before, fixed at creation time.
func (h *Header) OriginRight() (ID, bool) {
	return h.originRight, h.Flags&FlagOriginRight != 0
}

// SetOriginRight fixes the right origin.
func (h *Header) SetOriginRight(id ID) {
	h.originRight = id
	h.Flags |= FlagOriginRight
}

// Parent returns the node this block belongs to.
func (h *Header) Parent() (NodeID, bool) {
	return h.parent, h.Flags&FlagHasParent != 0
}

// SetParent assigns the block to a node.
func (h *Header) SetParent(n NodeID) {
	h.parent = n
	h.Flags |= FlagHasParent
}

// ClearParent detaches the block from any node.
func (h *Header) ClearParent() {
	h.Flags &^= FlagHasParent
}

// Deleted reports whether the block is tombstoned.
func (h *Header) Deleted() bool {
	return h.Flags&FlagDeleted != 0
}

// MarkDeleted tombstones the block. Tombstoning is irreversible.
func (h *Header) MarkDeleted() {
	h.Flags |= FlagDeleted
}

// Countable reports whether the block's elements count toward the visible
// length of its parent.
func (h *Header) Countable() bool {
	return h.Flags&FlagCountable != 0
}

// Inline reports whether the payload is stored inside the record.
func (h *Header) Inline() bool {
	return h.Flags&FlagInline != 0
}

// EncodeTo writes the 48-byte header encoding into dst.
func (h *Header) EncodeTo(dst []byte) {
	_ = dst[HeaderSize-1]
	binary.BigEndian.PutUint32(dst[0:4], h.ClockLen)
	dst[4] = byte(h.Flags)
	dst[5] = byte(h.Type)
	putID(dst[6:14], h.left)
	putID(dst[14:22], h.right)
	putID(dst[22:30], ID(h.parent))
	dst[30] = h.KeyLen
	dst[31] = h.Version
	putID(dst[32:40], h.originLeft)
	putID(dst[40:48], h.originRight)
}

// ParseHeader decodes a header from the first 48 bytes of src.
func ParseHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, fmt.Errorf("block header needs %d bytes, got %d", HeaderSize, len(src))
	}
	h := Header{
		ClockLen:    binary.BigEndian.Uint32(src[0:4]),
		Flags:       Flags(src[4]),
		Type:        ContentType(src[5]),
		left:        ParseID(src[6:14]),
		right:       ParseID(src[14:22]),
		parent:      ParseNodeID(src[22:30]),
		KeyLen:      src[30],
		Version:     src[31],
		originLeft:  ParseID(src[32:40]),
		originRight: ParseID(src[40:48]),
	}
	if !h.Type.Valid() {
		return Header{}, fmt.Errorf("unknown content type %d", src[5])
	}
	if h.Version != FormatVersion {
		return Header{}, fmt.Errorf("unsupported block version %d", h.Version)
	}
	return h, nil
}

func putID(dst []byte, id ID) {
	b := id.Bytes()
	copy(dst, b[:])
}
