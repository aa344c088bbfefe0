// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/kodiak/block"
)

// ----------------------------------------------------------------------------
// Block records
// ----------------------------------------------------------------------------

// InsertBlock writes a new block record, spilling its payload to the
// overflow content table when it does not fit inline.
func (t *Tx) InsertBlock(b *block.Block) error {
	if err := t.PutBlock(b); err != nil {
		return err
	}
	blocksInsertedTotal.Inc()
	return nil
}

// PutBlock rewrites a block record in place. Payload placement is decided
// here: a loaded payload within InlineContentCapacity stays inline,
// anything larger moves to the overflow table.
func (t *Tx) PutBlock(b *block.Block) error {
	if b.Payload() != nil {
		if err := t.putPayload(b); err != nil {
			return err
		}
	}
	return t.txn.Set(blockKey(b.ID()), b.EncodeRecord())
}

// GetBlock reads the block whose head is exactly id.
func (t *Tx) GetBlock(id block.ID) (*block.Block, error) {
	val, ok, err := t.get(blockKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrBlockNotFound, id)
	}
	b, err := block.DecodeRecord(id, val)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return b, nil
}

// BlockContaining resolves id to the block covering it. With directOnly the
// ID must be a block head; otherwise the client's table is scanned backwards
// to the nearest head at or before id.
func (t *Tx) BlockContaining(id block.ID, directOnly bool) (*block.Block, error) {
	if directOnly {
		return t.GetBlock(id)
	}

	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = clientPrefix(tagBlock, id.Client)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	it.Seek(blockKey(id))
	if !it.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrBlockNotFound, id)
	}
	head, err := parseIDKey(tagBlock, it.Item().Key())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	val, err := it.Item().ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	b, err := block.DecodeRecord(head, val)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if !b.Contains(id) {
		return nil, fmt.Errorf("%w: %v", ErrBlockNotFound, id)
	}
	return b, nil
}

// HasBlock reports whether any block covers id.
func (t *Tx) HasBlock(id block.ID) (bool, error) {
	_, err := t.BlockContaining(id, false)
	if errors.Is(err, ErrBlockNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Blocks visits the client's blocks whose head clock is >= from, in clock
// order. A block containing `from` mid-run is not visited; resolve it with
// BlockContaining first.
func (t *Tx) Blocks(client block.ClientID, from block.Clock, fn func(*block.Block) error) error {
	prefix := clientPrefix(tagBlock, client)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(blockKey(block.NewID(client, from))); it.Valid(); it.Next() {
		b, err := t.decodeItem(it.Item())
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

// AllBlocks visits every block in (client, clock) order.
func (t *Tx) AllBlocks(fn func(*block.Block) error) error {
	prefix := []byte{tagBlock}
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.Valid(); it.Next() {
		b, err := t.decodeItem(it.Item())
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) decodeItem(item *badger.Item) (*block.Block, error) {
	head, err := parseIDKey(tagBlock, item.Key())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	b, err := block.DecodeRecord(head, val)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return b, nil
}

// ----------------------------------------------------------------------------
// Payload placement
// ----------------------------------------------------------------------------

func (t *Tx) putPayload(b *block.Block) error {
	payload := b.Payload()
	switch b.Type {
	case block.ContentJSON, block.ContentAtom:
		// Multi-element runs spill one row per element so that splits
		// never rewrite payload bytes: each element row is keyed by
		// its own clock.
		if b.ClockLen == 1 && len(payload) <= block.InlineContentCapacity {
			b.Flags |= block.FlagInline
			return nil
		}
		elems, err := block.SplitFrames(payload)
		if err != nil {
			return fmt.Errorf("block %v: %w", b.ID(), err)
		}
		if block.Clock(len(elems)) != b.ClockLen {
			return fmt.Errorf("%w: block %v has %d elements for clock length %d",
				ErrCorrupt, b.ID(), len(elems), b.ClockLen)
		}
		for i, elem := range elems {
			if err := t.txn.Set(contentKey(b.ID().Add(block.Clock(i))), elem); err != nil {
				return err
			}
		}
		b.Flags &^= block.FlagInline
		overflowPayloadsTotal.Inc()
		return nil
	default:
		if len(payload) <= block.InlineContentCapacity {
			b.Flags |= block.FlagInline
			return nil
		}
		if err := t.txn.Set(contentKey(b.ID()), payload); err != nil {
			return err
		}
		b.Flags &^= block.FlagInline
		overflowPayloadsTotal.Inc()
		return nil
	}
}

// LoadPayload faults a block's payload into memory from the overflow table.
// Inline payloads and payload-free blocks are left as they are.
func (t *Tx) LoadPayload(b *block.Block) error {
	if b.Payload() != nil || b.Inline() {
		return nil
	}
	switch b.Type {
	case block.ContentDeleted, block.ContentGC, block.ContentSkip:
		return nil
	case block.ContentJSON, block.ContentAtom:
		elems := make([][]byte, 0, b.ClockLen)
		for i := block.Clock(0); i < b.ClockLen; i++ {
			val, ok, err := t.get(contentKey(b.ID().Add(i)))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: block %v missing element row %d", ErrCorrupt, b.ID(), i)
			}
			elems = append(elems, val)
		}
		b.SetPayload(block.FrameElems(elems))
		return nil
	default:
		val, ok, err := t.get(contentKey(b.ID()))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: block %v missing payload row", ErrCorrupt, b.ID())
		}
		b.SetPayload(val)
		return nil
	}
}

// deletePayloadRows drops a block's overflow rows ahead of a re-placement.
func (t *Tx) deletePayloadRows(b *block.Block) error {
	if b.Inline() {
		return nil
	}
	switch b.Type {
	case block.ContentJSON, block.ContentAtom:
		for i := block.Clock(0); i < b.ClockLen; i++ {
			if err := t.txn.Delete(contentKey(b.ID().Add(i))); err != nil {
				return err
			}
		}
		return nil
	case block.ContentDeleted, block.ContentGC, block.ContentSkip:
		return nil
	default:
		return t.txn.Delete(contentKey(b.ID()))
	}
}

// ----------------------------------------------------------------------------
// Split and merge
// ----------------------------------------------------------------------------

// SplitBlock cuts the block containing id so that id becomes a block head.
// It returns the two halves, or (nil, block) when id already heads a block.
// Neighbor pointers of surrounding blocks stay valid: they address elements,
// which BlockContaining still resolves after the cut.
func (t *Tx) SplitBlock(id block.ID) (left, right *block.Block, err error) {
	b, err := t.BlockContaining(id, false)
	if err != nil {
		return nil, nil, err
	}
	if b.ID() == id {
		return nil, b, nil
	}

	if err := t.LoadPayload(b); err != nil {
		return nil, nil, err
	}
	if err := t.deletePayloadRows(b); err != nil {
		return nil, nil, err
	}
	right, err = b.Splice(id.Clock - b.ID().Clock)
	if err != nil {
		return nil, nil, err
	}
	if err := t.PutBlock(b); err != nil {
		return nil, nil, err
	}
	if err := t.InsertBlock(right); err != nil {
		return nil, nil, err
	}
	blockSplitsTotal.Inc()
	return b, right, nil
}

// MergeBlocks squashes right onto the tail of left and drops right's
// record. The caller must have verified CanMerge.
func (t *Tx) MergeBlocks(left, right *block.Block) error {
	if !left.CanMerge(right) {
		return fmt.Errorf("%w: %v + %v", block.ErrNotMergeable, left.ID(), right.ID())
	}
	if err := t.LoadPayload(left); err != nil {
		return err
	}
	if err := t.LoadPayload(right); err != nil {
		return err
	}
	if err := t.deletePayloadRows(left); err != nil {
		return err
	}
	if err := t.deletePayloadRows(right); err != nil {
		return err
	}
	if err := t.txn.Delete(blockKey(right.ID())); err != nil {
		return err
	}
	if err := left.Merge(right); err != nil {
		return err
	}
	if err := t.PutBlock(left); err != nil {
		return err
	}
	blockMergesTotal.Inc()
	return nil
}
