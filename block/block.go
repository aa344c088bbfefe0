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
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrNotMergeable is returned when Merge is asked to squash two
	// blocks that fail the merge preconditions.
	ErrNotMergeable = errors.New("blocks are not mergeable")
	// ErrNotSplittable is returned when a block's content cannot be cut.
	ErrNotSplittable = errors.New("block content is not splittable")
	// ErrBadSplitOffset is returned for split offsets outside (0, len).
	ErrBadSplitOffset = errors.New("split offset outside block interior")
	// ErrKeyTooLong is returned for entry keys longer than MaxEntryKeyLen.
	ErrKeyTooLong = errors.New("entry key exceeds 255 bytes")
)

// Block is a run of consecutive elements from one client, together with its
// CRDT metadata. It is the in-memory form of one block record.
//
// The payload field may be nil for tombstones and for records whose payload
// lives in the overflow content table; the store resolves overflow payloads
// on demand.
type Block struct {
	Header

	id      ID
	key     []byte
	payload []byte
}

// NewBlock builds a block of the given type around a raw payload. The caller
// must set ClockLen afterwards unless a typed constructor applies.
func NewBlock(id ID, typ ContentType, payload []byte) *Block {
	b := &Block{id: id, payload: payload}
	b.Type = typ
	b.Version = FormatVersion
	b.ClockLen = 1
	if typ.Countable() {
		b.Flags |= FlagCountable
	}
	return b
}

// NewStringBlock builds a text run. ClockLen is the UTF-16 length of text.
func NewStringBlock(id ID, text string) *Block {
	b := NewBlock(id, ContentString, []byte(text))
	b.ClockLen = UTF16Len(text)
	return b
}

// NewFramedBlock builds a JSON or atom run with one element per frame.
func NewFramedBlock(id ID, typ ContentType, elems [][]byte) *Block {
	b := NewBlock(id, typ, FrameElems(elems))
	b.ClockLen = Clock(len(elems))
	return b
}

// NewNodeBlock builds a block wrapping a nested or root node.
func NewNodeBlock(id ID, kind NodeKind, name string) *Block {
	return NewBlock(id, ContentNode, NewNodeContent(kind, name))
}

// NewTombstone builds a run of deleted elements with no payload.
func NewTombstone(id ID, length Clock) *Block {
	b := NewBlock(id, ContentDeleted, nil)
	b.ClockLen = length
	b.MarkDeleted()
	return b
}

// ID returns the ID of the block's first element.
func (b *Block) ID() ID {
	return b.id
}

// LastID returns the ID of the block's final element.
func (b *Block) LastID() ID {
	return b.id.Add(b.ClockLen - 1)
}

// Contains reports whether id addresses an element inside this block.
func (b *Block) Contains(id ID) bool {
	return id.Client == b.id.Client &&
		id.Clock >= b.id.Clock && id.Clock < b.id.Clock+b.ClockLen
}

// Range returns the clock range the block covers.
func (b *Block) Range() Range {
	return Range{Head: b.id, Len: b.ClockLen}
}

// Key returns the map entry key, empty for sequence blocks.
func (b *Block) Key() string {
	return string(b.key)
}

// SetKey attaches a map entry key to the block.
func (b *Block) SetKey(key string) error {
	if len(key) > MaxEntryKeyLen {
		return fmt.Errorf("%w: %d bytes", ErrKeyTooLong, len(key))
	}
	b.key = []byte(key)
	b.KeyLen = uint8(len(key))
	return nil
}

// Payload returns the in-memory payload bytes, nil when the payload lives in
// the overflow table or the block has none.
func (b *Block) Payload() []byte {
	return b.payload
}

// SetPayload replaces the in-memory payload bytes.
func (b *Block) SetPayload(p []byte) {
	b.payload = p
}

// ============================================================================
// Record encoding
// ============================================================================

// EncodeRecord serializes the block as stored: header, entry key, and the
// payload when the Inline flag is set. The caller decides inline placement
// before encoding.
func (b *Block) EncodeRecord() []byte {
	size := HeaderSize + len(b.key)
	if b.Inline() {
		size += len(b.payload)
	}
	rec := make([]byte, size)
	b.Header.EncodeTo(rec[:HeaderSize])
	copy(rec[HeaderSize:], b.key)
	if b.Inline() {
		copy(rec[HeaderSize+len(b.key):], b.payload)
	}
	return rec
}

// DecodeRecord parses a stored block record addressed by id.
func DecodeRecord(id ID, rec []byte) (*Block, error) {
	h, err := ParseHeader(rec)
	if err != nil {
		return nil, fmt.Errorf("block %v: %w", id, err)
	}
	body := rec[HeaderSize:]
	if len(body) < int(h.KeyLen) {
		return nil, fmt.Errorf("block %v: record truncated before entry key", id)
	}
	b := &Block{Header: h, id: id}
	if h.KeyLen > 0 {
		b.key = bytes.Clone(body[:h.KeyLen])
	}
	if h.Inline() {
		b.payload = bytes.Clone(body[h.KeyLen:])
	}
	return b, nil
}

// ============================================================================
// Merge
// ============================================================================

// CanMerge reports whether other can be squashed onto the tail of b. The
// preconditions: same client, clock contiguity, b's right pointer already
// names other, other's left origin is b's last element, identical right
// origins, identical deleted state, identical mergeable content type, and no
// entry key on other.
func (b *Block) CanMerge(other *Block) bool {
	if b.id.Client != other.id.Client {
		return false
	}
	if other.id.Clock != b.id.Clock+b.ClockLen {
		return false
	}
	if r, ok := b.Right(); !ok || r != other.id {
		return false
	}
	if ol, ok := other.OriginLeft(); !ok || ol != b.LastID() {
		return false
	}
	bor, bok := b.OriginRight()
	oor, ook := other.OriginRight()
	if bok != ook || (bok && bor != oor) {
		return false
	}
	if b.Deleted() != other.Deleted() {
		return false
	}
	if b.Type != other.Type || !b.Type.Mergeable() {
		return false
	}
	if other.KeyLen != 0 {
		return false
	}
	return true
}

// Merge squashes other onto the tail of b. Payloads are concatenated when
// both sides carry them in memory; otherwise the caller reconciles overflow
// rows. The store must drop other's record after a successful merge.
func (b *Block) Merge(other *Block) error {
	if !b.CanMerge(other) {
		return fmt.Errorf("%w: %v + %v", ErrNotMergeable, b.id, other.id)
	}
	b.ClockLen += other.ClockLen
	if r, ok := other.Right(); ok {
		b.SetRight(r)
	} else {
		b.ClearRight()
	}
	if b.payload != nil && other.payload != nil {
		b.payload = append(b.payload, other.payload...)
	} else if other.payload != nil {
		b.payload = nil
	}
	return nil
}

// ============================================================================
// Split
// ============================================================================

// Splice cuts the block at offset elements, mutating b into the left half
// and returning the new right half. The right half's left origin and left
// pointer both name the left half's last element; everything else is
// inherited. Offsets at or beyond the block boundary are rejected.
func (b *Block) Splice(offset Clock) (*Block, error) {
	if offset == 0 || offset >= b.ClockLen {
		return nil, fmt.Errorf("%w: offset %d of %d", ErrBadSplitOffset, offset, b.ClockLen)
	}
	if !b.Type.Splittable() {
		return nil, fmt.Errorf("%w: %s", ErrNotSplittable, b.Type)
	}

	right := &Block{id: b.id.Add(offset)}
	right.Header = b.Header
	right.ClockLen = b.ClockLen - offset
	cut := b.id.Add(offset - 1)
	right.SetOriginLeft(cut)
	right.SetLeft(cut)
	right.KeyLen = 0

	if b.payload != nil {
		left, rest, err := b.cutPayload(offset)
		if err != nil {
			return nil, err
		}
		b.payload = left
		right.payload = rest
	} else {
		right.Flags &^= FlagInline
	}

	b.ClockLen = offset
	b.SetRight(right.id)
	return right, nil
}

func (b *Block) cutPayload(offset Clock) (left, right []byte, err error) {
	switch b.Type {
	case ContentString:
		at, err := UTF16ByteOffset(string(b.payload), offset)
		if err != nil {
			return nil, nil, fmt.Errorf("split %v: %w", b.id, err)
		}
		return b.payload[:at:at], b.payload[at:], nil
	case ContentJSON, ContentAtom:
		l, r, err := CutFrames(b.payload, offset)
		if err != nil {
			return nil, nil, fmt.Errorf("split %v: %w", b.id, err)
		}
		return l, r, nil
	case ContentDeleted:
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrNotSplittable, b.Type)
	}
}
