// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wire

import (
	"fmt"
	"math"
	"slices"

	"github.com/AleutianAI/kodiak/block"
	"github.com/AleutianAI/kodiak/idset"
)

// An update is encoded as:
//
//	varuint clientCount
//	clientCount × { varuint blockCount, varuint client, varuint startClock,
//	                blockCount × blockBody }
//	idset deleteSet
//
// Client sections appear in ascending client order and the carriers of a
// section cover a contiguous clock run starting at startClock; gaps are
// filled with skip carriers. Each blockBody starts with an info byte: the
// low five bits are the content type tag, 0x80 marks a left origin, 0x40 a
// right origin, and 0x20 an entry key. When neither origin is present the
// parent follows explicitly; otherwise the receiver derives it from a
// neighbor. The same encoding serves full diffs and incremental updates.
const (
	infoTagMask     = 0x1F
	infoOriginLeft  = 0x80
	infoOriginRight = 0x40
	infoEntryKey    = 0x20
)

// CarrierKind distinguishes what one wire slot transports.
type CarrierKind uint8

const (
	// CarrierBlock transports a live block or a tombstone.
	CarrierBlock CarrierKind = iota
	// CarrierGC transports a garbage-collected clock range.
	CarrierGC
	// CarrierSkip marks a clock range the sender chose not to send.
	CarrierSkip
)

// Carrier is one slot of an update's block section.
type Carrier struct {
	Kind  CarrierKind
	Block *block.Block // Kind == CarrierBlock
	Range block.Range  // Kind == CarrierGC or CarrierSkip

	// ParentName is the root node name, set when the block carries an
	// explicit named parent.
	ParentName string
}

// ID returns the first element ID the carrier covers.
func (c Carrier) ID() block.ID {
	if c.Kind == CarrierBlock {
		return c.Block.ID()
	}
	return c.Range.Head
}

// Len returns the number of clocks the carrier covers.
func (c Carrier) Len() block.Clock {
	if c.Kind == CarrierBlock {
		return c.Block.ClockLen
	}
	return c.Range.Len
}

// Update is the decoded form of one update payload: per-client carrier runs
// plus the delete set.
type Update struct {
	Blocks    map[block.ClientID][]Carrier
	DeleteSet idset.IDSet
}

// NewUpdate returns an empty update.
func NewUpdate() *Update {
	return &Update{
		Blocks:    make(map[block.ClientID][]Carrier),
		DeleteSet: idset.New(),
	}
}

// IsEmpty reports whether the update carries neither blocks nor deletions.
func (u *Update) IsEmpty() bool {
	return len(u.Blocks) == 0 && u.DeleteSet.IsEmpty()
}

// Append adds a carrier to its client's section.
func (u *Update) Append(c Carrier) {
	client := c.ID().Client
	u.Blocks[client] = append(u.Blocks[client], c)
}

// Encode serializes the update. Every block carrier must have its payload
// loaded in memory.
func (u *Update) Encode() ([]byte, error) {
	e := NewEncoder()
	clients := make([]block.ClientID, 0, len(u.Blocks))
	for client := range u.Blocks {
		clients = append(clients, client)
	}
	slices.Sort(clients)

	e.WriteVarUint(uint64(len(clients)))
	for _, client := range clients {
		carriers := u.Blocks[client]
		e.WriteVarUint(uint64(len(carriers)))
		e.WriteVarUint(uint64(client))
		e.WriteVarUint(uint64(carriers[0].ID().Clock))
		clock := carriers[0].ID().Clock
		for _, c := range carriers {
			if c.ID() != block.NewID(client, clock) {
				return nil, fmt.Errorf("%w: carrier %v breaks contiguity at clock %d",
					ErrMalformed, c.ID(), clock)
			}
			if err := encodeCarrier(e, c); err != nil {
				return nil, err
			}
			clock += c.Len()
		}
	}
	WriteIDSet(e, u.DeleteSet)
	return e.Bytes(), nil
}

func encodeCarrier(e *Encoder, c Carrier) error {
	switch c.Kind {
	case CarrierGC:
		e.WriteUint8(uint8(block.ContentGC))
		e.WriteVarUint(uint64(c.Range.Len))
		return nil
	case CarrierSkip:
		e.WriteUint8(uint8(block.ContentSkip))
		e.WriteVarUint(uint64(c.Range.Len))
		return nil
	}

	b := c.Block
	info := uint8(b.Type) & infoTagMask
	ol, hasOL := b.OriginLeft()
	or, hasOR := b.OriginRight()
	if hasOL {
		info |= infoOriginLeft
	}
	if hasOR {
		info |= infoOriginRight
	}
	if b.KeyLen > 0 {
		info |= infoEntryKey
	}
	e.WriteUint8(info)
	if hasOL {
		writeID(e, ol)
	}
	if hasOR {
		writeID(e, or)
	}
	if !hasOL && !hasOR {
		if c.ParentName != "" {
			e.WriteUint8(1)
			e.WriteString(c.ParentName)
		} else {
			parent, ok := b.Parent()
			if !ok {
				return fmt.Errorf("%w: block %v has no origin and no parent", ErrMalformed, b.ID())
			}
			e.WriteUint8(0)
			writeID(e, block.ID(parent))
		}
	}
	if b.KeyLen > 0 {
		e.WriteString(b.Key())
	}
	return encodePayload(e, b)
}

func encodePayload(e *Encoder, b *block.Block) error {
	switch b.Type {
	case block.ContentDeleted:
		e.WriteVarUint(uint64(b.ClockLen))
		return nil
	case block.ContentJSON, block.ContentAtom:
		elems, err := block.SplitFrames(b.Payload())
		if err != nil {
			return fmt.Errorf("block %v: %w", b.ID(), err)
		}
		if block.Clock(len(elems)) != b.ClockLen {
			return fmt.Errorf("%w: block %v has %d elements for clock length %d",
				ErrMalformed, b.ID(), len(elems), b.ClockLen)
		}
		e.WriteVarUint(uint64(len(elems)))
		for _, elem := range elems {
			e.WriteBytes(elem)
		}
		return nil
	case block.ContentString, block.ContentBinary, block.ContentEmbed,
		block.ContentFormat, block.ContentDoc:
		e.WriteBytes(b.Payload())
		return nil
	case block.ContentNode:
		kind, err := block.NodeContentKind(b.Payload())
		if err != nil {
			return fmt.Errorf("block %v: %w", b.ID(), err)
		}
		e.WriteUint8(uint8(kind))
		return nil
	default:
		return fmt.Errorf("%w: content type %s cannot travel as a block", ErrMalformed, b.Type)
	}
}

// DecodeUpdate parses an update payload.
func DecodeUpdate(data []byte) (*Update, error) {
	d := NewDecoder(data)
	u := NewUpdate()

	clientCount, err := d.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("update header: %w", err)
	}
	for range clientCount {
		blockCount, err := d.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("client section header: %w", err)
		}
		clientRaw, err := d.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("client section header: %w", err)
		}
		client := block.ClientID(clientRaw)
		clock, err := d.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("client section header: %w", err)
		}
		for range blockCount {
			c, err := decodeCarrier(d, block.NewID(client, clock))
			if err != nil {
				return nil, fmt.Errorf("client %d clock %d: %w", client, clock, err)
			}
			if uint64(clock)+uint64(c.Len()) > math.MaxUint32 {
				return nil, fmt.Errorf("%w: carrier %v overflows clock space",
					ErrMalformed, c.ID())
			}
			u.Append(c)
			clock += c.Len()
		}
	}

	u.DeleteSet, err = ReadIDSet(d)
	if err != nil {
		return nil, fmt.Errorf("delete set: %w", err)
	}
	return u, nil
}

func decodeCarrier(d *Decoder, id block.ID) (Carrier, error) {
	info, err := d.ReadUint8()
	if err != nil {
		return Carrier{}, err
	}
	tag := block.ContentType(info & infoTagMask)
	if !tag.Valid() {
		return Carrier{}, fmt.Errorf("%w: content tag %d", ErrMalformed, info&infoTagMask)
	}

	if tag == block.ContentGC || tag == block.ContentSkip {
		length, err := d.ReadUint32()
		if err != nil {
			return Carrier{}, err
		}
		kind := CarrierGC
		if tag == block.ContentSkip {
			kind = CarrierSkip
		}
		return Carrier{Kind: kind, Range: block.Range{Head: id, Len: length}}, nil
	}

	b := block.NewBlock(id, tag, nil)
	c := Carrier{Kind: CarrierBlock, Block: b}
	if info&infoOriginLeft != 0 {
		ol, err := readID(d)
		if err != nil {
			return Carrier{}, err
		}
		b.SetOriginLeft(ol)
	}
	if info&infoOriginRight != 0 {
		or, err := readID(d)
		if err != nil {
			return Carrier{}, err
		}
		b.SetOriginRight(or)
	}
	if info&(infoOriginLeft|infoOriginRight) == 0 {
		isRoot, err := d.ReadUint8()
		if err != nil {
			return Carrier{}, err
		}
		if isRoot == 1 {
			c.ParentName, err = d.ReadString()
			if err != nil {
				return Carrier{}, err
			}
			if c.ParentName == "" {
				return Carrier{}, fmt.Errorf("%w: empty root parent name", ErrMalformed)
			}
		} else {
			parent, err := readID(d)
			if err != nil {
				return Carrier{}, err
			}
			b.SetParent(block.NestedNodeID(parent))
		}
	}
	if info&infoEntryKey != 0 {
		key, err := d.ReadString()
		if err != nil {
			return Carrier{}, err
		}
		if err := b.SetKey(key); err != nil {
			return Carrier{}, err
		}
	}
	if err := decodePayload(d, b); err != nil {
		return Carrier{}, err
	}
	return c, nil
}

func decodePayload(d *Decoder, b *block.Block) error {
	switch b.Type {
	case block.ContentDeleted:
		length, err := d.ReadUint32()
		if err != nil {
			return err
		}
		if length == 0 {
			return fmt.Errorf("%w: empty tombstone", ErrMalformed)
		}
		b.ClockLen = length
		b.MarkDeleted()
		return nil
	case block.ContentJSON, block.ContentAtom:
		count, err := d.ReadUint32()
		if err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("%w: empty element run", ErrMalformed)
		}
		elems := make([][]byte, count)
		for i := range elems {
			if elems[i], err = d.ReadBytes(); err != nil {
				return err
			}
		}
		b.SetPayload(block.FrameElems(elems))
		b.ClockLen = count
		return nil
	case block.ContentString:
		text, err := d.ReadBytes()
		if err != nil {
			return err
		}
		if len(text) == 0 {
			return fmt.Errorf("%w: empty text run", ErrMalformed)
		}
		b.SetPayload(slices.Clone(text))
		b.ClockLen = block.UTF16Len(string(text))
		return nil
	case block.ContentBinary, block.ContentEmbed, block.ContentFormat, block.ContentDoc:
		payload, err := d.ReadBytes()
		if err != nil {
			return err
		}
		b.SetPayload(slices.Clone(payload))
		b.ClockLen = 1
		return nil
	case block.ContentNode:
		kind, err := d.ReadUint8()
		if err != nil {
			return err
		}
		b.SetPayload(block.NewNodeContent(block.NodeKind(kind), ""))
		b.ClockLen = 1
		return nil
	default:
		return fmt.Errorf("%w: content type %s cannot travel as a block", ErrMalformed, b.Type)
	}
}

// ----------------------------------------------------------------------------
// ID set and state vector sections
// ----------------------------------------------------------------------------

// WriteIDSet appends the encoding of s: a varuint client count, then per
// client (ascending) the client ID, range count, and (start, length) pairs.
func WriteIDSet(e *Encoder, s idset.IDSet) {
	clients := s.Clients()
	e.WriteVarUint(uint64(len(clients)))
	for _, client := range clients {
		ranges := s[client]
		e.WriteVarUint(uint64(client))
		e.WriteVarUint(uint64(len(ranges)))
		for _, r := range ranges {
			e.WriteVarUint(uint64(r.Start))
			e.WriteVarUint(uint64(r.Len()))
		}
	}
}

// ReadIDSet parses an ID set section.
func ReadIDSet(d *Decoder) (idset.IDSet, error) {
	s := idset.New()
	clientCount, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	for range clientCount {
		client, err := d.ReadUint32()
		if err != nil {
			return nil, err
		}
		rangeCount, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		for range rangeCount {
			start, err := d.ReadUint32()
			if err != nil {
				return nil, err
			}
			length, err := d.ReadUint32()
			if err != nil {
				return nil, err
			}
			if uint64(start)+uint64(length) > math.MaxUint32 {
				return nil, fmt.Errorf("%w: range [%d,+%d) overflows clock space",
					ErrMalformed, start, length)
			}
			s.Insert(block.ClientID(client), start, start+length)
		}
	}
	return s, nil
}

// EncodeIDSet serializes s standalone.
func EncodeIDSet(s idset.IDSet) []byte {
	e := NewEncoder()
	WriteIDSet(e, s)
	return e.Bytes()
}

// DecodeIDSet parses a standalone ID set.
func DecodeIDSet(data []byte) (idset.IDSet, error) {
	return ReadIDSet(NewDecoder(data))
}

// EncodeStateVector serializes v: a varuint client count then (client,
// clock) pairs in ascending client order.
func EncodeStateVector(v idset.StateVector) []byte {
	e := NewEncoder()
	clients := v.Clients()
	e.WriteVarUint(uint64(len(clients)))
	for _, client := range clients {
		e.WriteVarUint(uint64(client))
		e.WriteVarUint(uint64(v[client]))
	}
	return e.Bytes()
}

// DecodeStateVector parses a standalone state vector.
func DecodeStateVector(data []byte) (idset.StateVector, error) {
	d := NewDecoder(data)
	v := idset.NewStateVector()
	count, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	for range count {
		client, err := d.ReadUint32()
		if err != nil {
			return nil, err
		}
		clock, err := d.ReadUint32()
		if err != nil {
			return nil, err
		}
		v.Set(block.ClientID(client), clock)
	}
	return v, nil
}

func writeID(e *Encoder, id block.ID) {
	e.WriteVarUint(uint64(id.Client))
	e.WriteVarUint(uint64(id.Clock))
}

func readID(d *Decoder) (block.ID, error) {
	client, err := d.ReadUint32()
	if err != nil {
		return block.ID{}, err
	}
	clock, err := d.ReadUint32()
	if err != nil {
		return block.ID{}, err
	}
	return block.NewID(block.ClientID(client), clock), nil
}
