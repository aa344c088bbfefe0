// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package doc

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/kodiak/block"
	"github.com/AleutianAI/kodiak/store"
)

// ErrNoAnchor marks a block whose neighborhood resolves to no node: every
// block it could attach through was garbage collected away. integrate keeps
// such blocks as unlinked tombstones instead of surfacing the error.
var ErrNoAnchor = errors.New("block has no anchor")

// integrate places b into the document. The block's origins name the
// neighbors it was created between; when other blocks were inserted there
// concurrently, the conflict scan walks the contested region and picks the
// position every replica agrees on. offset trims a prefix of b that the
// document already knows.
//
// Two blocks with the same left origin order by client ID: the lower client
// goes left. A block whose origin lies outside the contested region ends
// the scan. This is the standard list CRDT resolution; any two documents
// integrating the same blocks in any order converge on the same sequence.
func (t *Transaction) integrate(b *block.Block, parentName string, offset block.Clock) error {
	if offset > 0 {
		rest, err := b.Splice(offset)
		if err != nil {
			return fmt.Errorf("trim known prefix of %v: %w", b.ID(), err)
		}
		b = rest
	}

	// Resolve the left origin to a block ending exactly there.
	var left *block.Block
	if ol, ok := b.OriginLeft(); ok {
		lb, err := t.st.BlockContaining(ol, false)
		if err != nil {
			return fmt.Errorf("left origin of %v: %w", b.ID(), err)
		}
		if lb.LastID() != ol {
			if lb, _, err = t.st.SplitBlock(ol.Add(1)); err != nil {
				return err
			}
		}
		left = lb
	}
	// Make the right origin a block head.
	originRight, hasOriginRight := b.OriginRight()
	if hasOriginRight {
		if _, _, err := t.st.SplitBlock(originRight); err != nil {
			return fmt.Errorf("right origin of %v: %w", b.ID(), err)
		}
	}

	pb, err := t.resolveParent(b, parentName, left)
	if err != nil {
		if errors.Is(err, ErrNoAnchor) {
			// The sender's history around b was garbage collected: its
			// anchors survive only as bare tombstones with no parent.
			// Nothing remains to attach b to, so only its clocks matter.
			return t.integrateOrphan(b)
		}
		return err
	}
	parent := block.NodeID(pb.ID())
	b.SetParent(parent)

	// Seed the conflict scan at the first possibly contested block.
	var (
		o          *block.Block
		chainStart *block.ID
	)
	switch {
	case left != nil:
		if r, ok := left.Right(); ok {
			if o, err = t.st.GetBlock(r); err != nil {
				return err
			}
		}
	case b.KeyLen > 0:
		if chainStart, err = t.entryChainStart(parent, b.Key()); err != nil {
			return err
		}
		if chainStart != nil {
			if o, err = t.st.GetBlock(*chainStart); err != nil {
				return err
			}
		}
	default:
		start, ok, err := block.NodeContentStart(pb.Payload())
		if err != nil {
			return err
		}
		if ok {
			if o, err = t.st.GetBlock(start); err != nil {
				return err
			}
		}
	}

	scanned := false
	conflicting := make(map[block.ID]struct{})
	before := make(map[block.ID]struct{})
	for o != nil && (!hasOriginRight || o.ID() != originRight) {
		scanned = true
		before[o.ID()] = struct{}{}
		conflicting[o.ID()] = struct{}{}

		if sameOrigin(o.OriginLeft())(b.OriginLeft()) {
			if o.ID().Client < b.ID().Client {
				left = o
				clear(conflicting)
			} else if sameOrigin(o.OriginRight())(b.OriginRight()) {
				// o and b agree on both origins and o wins the
				// tie-break; b belongs directly before this run.
				break
			}
		} else if oOL, ok := o.OriginLeft(); ok {
			origin, err := t.st.BlockContaining(oOL, false)
			if err != nil {
				return fmt.Errorf("origin of contested block %v: %w", o.ID(), err)
			}
			if _, seen := before[origin.ID()]; seen {
				if _, conf := conflicting[origin.ID()]; !conf {
					left = o
					clear(conflicting)
				}
			} else {
				break
			}
		} else {
			break
		}

		r, ok := o.Right()
		if !ok {
			o = nil
			continue
		}
		if o, err = t.st.GetBlock(r); err != nil {
			return err
		}
	}
	if scanned {
		conflictsResolvedTotal.Inc()
	}

	// Wire b between its final neighbors.
	touchedParent := false
	if left != nil {
		b.SetLeft(left.LastID())
		if r, ok := left.Right(); ok {
			b.SetRight(r)
		} else {
			b.ClearRight()
		}
		left.SetRight(b.ID())
		if err := t.st.PutBlock(left); err != nil {
			return err
		}
	} else {
		b.ClearLeft()
		if b.KeyLen > 0 {
			if chainStart != nil {
				b.SetRight(*chainStart)
			} else {
				b.ClearRight()
			}
		} else {
			if start, ok, err := block.NodeContentStart(pb.Payload()); err != nil {
				return err
			} else if ok {
				b.SetRight(start)
			} else {
				b.ClearRight()
			}
			if err := block.SetNodeContentStart(pb.Payload(), b.ID()); err != nil {
				return err
			}
			touchedParent = true
		}
	}
	if r, ok := b.Right(); ok {
		rb, err := t.st.GetBlock(r)
		if err != nil {
			return err
		}
		rb.SetLeft(b.LastID())
		if err := t.st.PutBlock(rb); err != nil {
			return err
		}
	}
	if b.KeyLen > 0 {
		if _, ok := b.Right(); !ok {
			// b is the right-most entry of its chain: the winner.
			if err := t.st.SetEntry(parent, b.Key(), b.ID()); err != nil {
				return err
			}
		}
	}

	if b.Countable() && !b.Deleted() {
		if err := block.AddNodeContentLen(pb.Payload(), int64(b.ClockLen)); err != nil {
			return fmt.Errorf("node %v: %w", parent, err)
		}
		touchedParent = true
	}
	if touchedParent {
		if err := t.st.PutBlock(pb); err != nil {
			return err
		}
	}

	if b.Deleted() {
		t.txDeletes.InsertID(b.ID(), b.ClockLen)
		t.recordDeleted(b.ID(), b.ClockLen)
	}
	if err := t.st.InsertBlock(b); err != nil {
		return err
	}
	blocksIntegratedTotal.Inc()

	// A deletion may have arrived before the block it targets. Apply any
	// overlap with the persistent delete set now.
	if !b.Deleted() {
		if err := t.applyRecordedDeletes(b); err != nil {
			return err
		}
	}
	return nil
}

// integrateOrphan keeps a block whose entire neighborhood was collected.
// The block survives as an unlinked tombstone: its clocks stay addressable
// for later origins and count as deleted, and sequence reads never visit it.
func (t *Transaction) integrateOrphan(b *block.Block) error {
	tomb := block.NewTombstone(b.ID(), b.ClockLen)
	if err := t.st.InsertBlock(tomb); err != nil {
		return err
	}
	t.txDeletes.InsertID(tomb.ID(), tomb.ClockLen)
	t.recordDeleted(tomb.ID(), tomb.ClockLen)
	blocksIntegratedTotal.Inc()
	return nil
}

// sameOrigin compares two optional origin IDs.
func sameOrigin(a block.ID, aOK bool) func(block.ID, bool) bool {
	return func(b block.ID, bOK bool) bool {
		return aOK == bOK && (!aOK || a == b)
	}
}

// resolveParent finds the node block b belongs to: an explicit parent, a
// named root, or the parent of a neighbor.
func (t *Transaction) resolveParent(b *block.Block, parentName string, left *block.Block) (*block.Block, error) {
	if parent, ok := b.Parent(); ok {
		return t.parentBlock(parent)
	}
	if parentName != "" {
		nb, _, err := t.st.GetOrCreateRootNode(parentName, kindFor(b))
		if err != nil {
			return nil, err
		}
		if err := t.st.LoadPayload(nb); err != nil {
			return nil, err
		}
		return nb, nil
	}
	if left != nil {
		if parent, ok := left.Parent(); ok {
			return t.parentBlock(parent)
		}
	}
	if or, ok := b.OriginRight(); ok {
		rb, err := t.st.GetBlock(or)
		if err != nil {
			return nil, err
		}
		if parent, ok := rb.Parent(); ok {
			return t.parentBlock(parent)
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrNoAnchor, b.ID())
}

// kindFor guesses the node kind for a root created implicitly by an
// incoming block. Only the first reference decides; later blocks join the
// existing node.
func kindFor(b *block.Block) block.NodeKind {
	switch {
	case b.KeyLen > 0:
		return block.NodeMap
	case b.Type == block.ContentString || b.Type == block.ContentFormat:
		return block.NodeText
	default:
		return block.NodeList
	}
}

// entryChainStart walks a map entry chain to its left-most block.
func (t *Transaction) entryChainStart(parent block.NodeID, key string) (*block.ID, error) {
	head, err := t.st.Entry(parent, key)
	if errors.Is(err, store.ErrEntryNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b, err := t.st.GetBlock(head)
	if err != nil {
		return nil, err
	}
	for {
		l, ok := b.Left()
		if !ok {
			id := b.ID()
			return &id, nil
		}
		if b, err = t.st.BlockContaining(l, false); err != nil {
			return nil, err
		}
	}
}

// applyRecordedDeletes tombstones the parts of a freshly integrated block
// that the delete set already covers.
func (t *Transaction) applyRecordedDeletes(b *block.Block) error {
	id := b.ID()
	end := id.Clock + b.ClockLen
	for _, r := range t.deleted[id.Client] {
		if r.End <= id.Clock || r.Start >= end {
			continue
		}
		if err := t.markDeleted(id.Client, max(r.Start, id.Clock), min(r.End, end)); err != nil {
			return err
		}
	}
	return nil
}
