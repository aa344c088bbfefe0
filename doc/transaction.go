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

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/kodiak/block"
	"github.com/AleutianAI/kodiak/idset"
	"github.com/AleutianAI/kodiak/store"
	"github.com/AleutianAI/kodiak/wire"
)

var (
	// ErrReadOnly is returned when a mutation runs in a read transaction.
	ErrReadOnly = errors.New("transaction is read-only")
	// ErrFinished is returned when a finished transaction is reused.
	ErrFinished = errors.New("transaction already finished")
	// ErrBadRange is returned for malformed delete ranges.
	ErrBadRange = errors.New("malformed range")
)

// Transaction is one unit of document work. Writers see and produce a
// consistent snapshot: either every change commits or none does.
//
// Thread Safety: a Transaction is single-owner, like the store transaction
// underneath it.
type Transaction struct {
	doc      *Doc
	txn      *badger.Txn
	st       *store.Tx
	writable bool
	origin   []byte

	begin     idset.StateVector
	state     idset.StateVector
	txDeletes idset.IDSet

	// deleted is the document's persistent delete set, merged with this
	// transaction's deletions. Written back at commit when dirty.
	deleted      idset.IDSet
	deletedDirty bool

	finished bool
}

func newTransaction(d *Doc, txn *badger.Txn, writable bool, origin []byte) (*Transaction, error) {
	st := store.NewTx(txn)
	vector, err := st.StateVector()
	if err != nil {
		return nil, err
	}
	state := idset.StateVector(vector)

	deleted := idset.New()
	raw, err := st.Meta(metaDeleteSet)
	if err == nil {
		if deleted, err = wire.DecodeIDSet(raw); err != nil {
			return nil, fmt.Errorf("%w: delete set: %v", store.ErrCorrupt, err)
		}
	} else if !errors.Is(err, store.ErrMetaNotFound) {
		return nil, err
	}

	return &Transaction{
		doc:       d,
		txn:       txn,
		st:        st,
		writable:  writable,
		origin:    origin,
		begin:     state.Clone(),
		state:     state,
		txDeletes: idset.New(),
		deleted:   deleted,
	}, nil
}

// Origin returns the opaque tag the transaction was started with.
func (t *Transaction) Origin() []byte {
	return t.origin
}

// StateVector returns the state the transaction currently sees.
func (t *Transaction) StateVector() idset.StateVector {
	return t.state.Clone()
}

// DeleteSet returns the document's delete set as of this transaction.
func (t *Transaction) DeleteSet() idset.IDSet {
	return t.deleted.Clone()
}

// Snapshot captures the transaction's state vector and delete set. The
// result answers IsVisible for any element ID against this point in the
// document's history.
func (t *Transaction) Snapshot() idset.Snapshot {
	return idset.Snapshot{State: t.state.Clone(), Deleted: t.deleted.Clone()}
}

// Store exposes the underlying table view for inspection tooling.
func (t *Transaction) Store() *store.Tx {
	return t.st
}

// Commit persists the transaction. When the document has update
// subscribers, the transaction's incremental update is captured first and
// delivered after the commit succeeds.
func (t *Transaction) Commit() error {
	if t.finished {
		return ErrFinished
	}

	var update []byte
	if t.writable && t.doc.hasSubscribers() {
		var err error
		if update, err = t.IncrementalUpdate(); err != nil {
			t.finished = true
			t.txn.Discard()
			return err
		}
	}

	t.finished = true
	defer t.txn.Discard()

	if t.writable && t.deletedDirty {
		if err := t.st.SetMeta(metaDeleteSet, wire.EncodeIDSet(t.deleted)); err != nil {
			return err
		}
	}
	if err := t.txn.Commit(); err != nil {
		return err
	}
	if update != nil {
		t.doc.notify(update, t.origin)
	}
	return nil
}

// Rollback discards the transaction. Safe to call after Commit.
func (t *Transaction) Rollback() {
	if t.finished {
		return
	}
	t.finished = true
	t.txn.Discard()
}

func (t *Transaction) mutable() error {
	if t.finished {
		return ErrFinished
	}
	if !t.writable {
		return ErrReadOnly
	}
	return nil
}

// ----------------------------------------------------------------------------
// Content specification for local inserts
// ----------------------------------------------------------------------------

// Content describes what a local insert puts into the document.
type Content struct {
	typ   block.ContentType
	text  string
	elems [][]byte
	data  []byte
	kind  block.NodeKind
}

// Text inserts a UTF-8 text run.
func Text(s string) Content {
	return Content{typ: block.ContentString, text: s}
}

// JSONValues inserts one element per JSON-encoded value.
func JSONValues(elems ...[]byte) Content {
	return Content{typ: block.ContentJSON, elems: elems}
}

// Atoms inserts one element per opaque atom.
func Atoms(elems ...[]byte) Content {
	return Content{typ: block.ContentAtom, elems: elems}
}

// Binary inserts a single opaque payload.
func Binary(data []byte) Content {
	return Content{typ: block.ContentBinary, data: data}
}

// Embed inserts a single embedded object.
func Embed(data []byte) Content {
	return Content{typ: block.ContentEmbed, data: data}
}

// Nested inserts a nested node of the given kind.
func Nested(kind block.NodeKind) Content {
	return Content{typ: block.ContentNode, kind: kind}
}

func (c Content) span() (block.Clock, error) {
	switch c.typ {
	case block.ContentString:
		n := block.UTF16Len(c.text)
		if n == 0 {
			return 0, errors.New("empty text insert")
		}
		return n, nil
	case block.ContentJSON, block.ContentAtom:
		if len(c.elems) == 0 {
			return 0, errors.New("empty element insert")
		}
		return block.Clock(len(c.elems)), nil
	case block.ContentBinary, block.ContentEmbed, block.ContentNode:
		return 1, nil
	default:
		return 0, fmt.Errorf("content type %s cannot be inserted", c.typ)
	}
}

func (c Content) build(id block.ID) *block.Block {
	switch c.typ {
	case block.ContentString:
		return block.NewStringBlock(id, c.text)
	case block.ContentJSON, block.ContentAtom:
		return block.NewFramedBlock(id, c.typ, c.elems)
	case block.ContentNode:
		return block.NewNodeBlock(id, c.kind, "")
	default:
		return block.NewBlock(id, c.typ, c.data)
	}
}

// ----------------------------------------------------------------------------
// Local edits
// ----------------------------------------------------------------------------

// Root resolves a named root node, creating it on first use.
func (t *Transaction) Root(name string, kind block.NodeKind) (block.NodeID, error) {
	if t.finished {
		return block.NodeID{}, ErrFinished
	}
	if !t.writable {
		b, err := t.st.RootNode(name)
		if err != nil {
			return block.NodeID{}, err
		}
		return block.NodeID(b.ID()), nil
	}
	b, _, err := t.st.GetOrCreateRootNode(name, kind)
	if err != nil {
		return block.NodeID{}, err
	}
	return block.NodeID(b.ID()), nil
}

// InsertAfter inserts content into parent's sequence after the element
// left, or at the head of the sequence when left is nil. It returns the ID
// of the first inserted element.
func (t *Transaction) InsertAfter(parent block.NodeID, left *block.ID, c Content) (block.ID, error) {
	if err := t.mutable(); err != nil {
		return block.ID{}, err
	}
	span, err := c.span()
	if err != nil {
		return block.ID{}, err
	}
	id, err := t.st.AllocateID(t.doc.client, span)
	if err != nil {
		return block.ID{}, err
	}

	b := c.build(id)
	b.SetParent(parent)
	if left != nil {
		lb, err := t.st.BlockContaining(*left, false)
		if err != nil {
			return block.ID{}, err
		}
		b.SetOriginLeft(*left)
		// The element after left becomes the right origin: either the
		// rest of left's own block or the next block's head.
		if lb.LastID() != *left {
			b.SetOriginRight(left.Add(1))
		} else if r, ok := lb.Right(); ok {
			b.SetOriginRight(r)
		}
	} else {
		pb, err := t.parentBlock(parent)
		if err != nil {
			return block.ID{}, err
		}
		if start, ok, err := block.NodeContentStart(pb.Payload()); err != nil {
			return block.ID{}, err
		} else if ok {
			b.SetOriginRight(start)
		}
	}

	if err := t.integrate(b, "", 0); err != nil {
		return block.ID{}, err
	}
	t.state.SetMax(id.Client, id.Clock+span)
	if err := t.tryMergeLeft(b); err != nil {
		return block.ID{}, err
	}
	return id, nil
}

// SetMapEntry writes a map entry of parent. The new value chains onto the
// previous one; concurrent writes converge on the same winner everywhere.
func (t *Transaction) SetMapEntry(parent block.NodeID, key string, c Content) (block.ID, error) {
	if err := t.mutable(); err != nil {
		return block.ID{}, err
	}
	span, err := c.span()
	if err != nil {
		return block.ID{}, err
	}
	// Entry heads must never split apart from their key, so values are a
	// single element.
	if span != 1 {
		return block.ID{}, fmt.Errorf("map entry %q: value spans %d elements, want 1", key, span)
	}
	id, err := t.st.AllocateID(t.doc.client, span)
	if err != nil {
		return block.ID{}, err
	}

	b := c.build(id)
	b.SetParent(parent)
	if err := b.SetKey(key); err != nil {
		return block.ID{}, err
	}
	if head, err := t.st.Entry(parent, key); err == nil {
		latest, err := t.st.GetBlock(head)
		if err != nil {
			return block.ID{}, err
		}
		b.SetOriginLeft(latest.LastID())
	} else if !errors.Is(err, store.ErrEntryNotFound) {
		return block.ID{}, err
	}

	if err := t.integrate(b, "", 0); err != nil {
		return block.ID{}, err
	}
	t.state.SetMax(id.Client, id.Clock+span)
	return id, nil
}

// DeleteRange tombstones the elements from from to to, inclusive. Both ends
// must belong to the same client and be integrated.
func (t *Transaction) DeleteRange(from, to block.ID) error {
	if err := t.mutable(); err != nil {
		return err
	}
	if from.Client != to.Client || to.Clock < from.Clock {
		return fmt.Errorf("%w: %v..%v", ErrBadRange, from, to)
	}
	end := to.Clock + 1
	if end > t.state.Get(from.Client) {
		return fmt.Errorf("%w: %v..%v not integrated", store.ErrBlockNotFound, from, to)
	}
	return t.markDeleted(from.Client, from.Clock, end)
}

// markDeleted tombstones every integrated element in [start, end) for
// client, splitting boundary blocks as needed. Ranges past the state vector
// are clipped by the caller.
func (t *Transaction) markDeleted(client block.ClientID, start, end block.Clock) error {
	clock := start
	for clock < end {
		b, err := t.st.BlockContaining(block.NewID(client, clock), false)
		if err != nil {
			return err
		}
		if b.ID().Clock < clock {
			if _, b, err = t.st.SplitBlock(block.NewID(client, clock)); err != nil {
				return err
			}
		}
		if b.ID().Clock+b.ClockLen > end {
			if b, _, err = t.st.SplitBlock(block.NewID(client, end)); err != nil {
				return err
			}
		}
		if !b.Deleted() {
			b.MarkDeleted()
			if b.Countable() {
				if err := t.adjustParentLen(b, -int64(b.ClockLen)); err != nil {
					return err
				}
			}
			if err := t.st.PutBlock(b); err != nil {
				return err
			}
			deletesAppliedTotal.Inc()
		}
		t.txDeletes.InsertID(b.ID(), b.ClockLen)
		t.recordDeleted(b.ID(), b.ClockLen)
		clock = b.ID().Clock + b.ClockLen
	}
	return nil
}

func (t *Transaction) recordDeleted(id block.ID, length block.Clock) {
	t.deleted.InsertID(id, length)
	t.deletedDirty = true
}

// tryMergeLeft squashes a freshly inserted block into its left neighbor
// when the merge preconditions hold. Local append-heavy editing collapses
// into a handful of records this way.
func (t *Transaction) tryMergeLeft(b *block.Block) error {
	l, ok := b.Left()
	if !ok {
		return nil
	}
	lb, err := t.st.BlockContaining(l, false)
	if err != nil {
		return err
	}
	if !lb.CanMerge(b) {
		return nil
	}
	return t.st.MergeBlocks(lb, b)
}

// parentBlock resolves a node's block with its payload loaded.
func (t *Transaction) parentBlock(parent block.NodeID) (*block.Block, error) {
	pb, err := t.st.GetBlock(block.ID(parent))
	if err != nil {
		return nil, err
	}
	if err := t.st.LoadPayload(pb); err != nil {
		return nil, err
	}
	return pb, nil
}

func (t *Transaction) adjustParentLen(b *block.Block, delta int64) error {
	parent, ok := b.Parent()
	if !ok {
		return nil
	}
	pb, err := t.parentBlock(parent)
	if err != nil {
		return err
	}
	if err := block.AddNodeContentLen(pb.Payload(), delta); err != nil {
		return fmt.Errorf("node %v: %w", parent, err)
	}
	return t.st.PutBlock(pb)
}

// ----------------------------------------------------------------------------
// Reads
// ----------------------------------------------------------------------------

// Element is one visible sequence element group, as stored in a single
// block.
type Element struct {
	Head block.ID
	Type block.ContentType
	// Data holds the raw payload: UTF-8 text for strings, framed
	// elements for JSON and atom runs, the payload itself otherwise.
	Data []byte
}

// Sequence visits the visible blocks of a node's sequence in document
// order.
func (t *Transaction) Sequence(node block.NodeID, fn func(Element) error) error {
	pb, err := t.parentBlock(node)
	if err != nil {
		return err
	}
	start, ok, err := block.NodeContentStart(pb.Payload())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	for {
		b, err := t.st.GetBlock(start)
		if err != nil {
			return err
		}
		if !b.Deleted() && b.Countable() {
			if err := t.st.LoadPayload(b); err != nil {
				return err
			}
			if err := fn(Element{Head: b.ID(), Type: b.Type, Data: b.Payload()}); err != nil {
				return err
			}
		}
		r, ok := b.Right()
		if !ok {
			return nil
		}
		start = r
	}
}

// Text reads the visible text of a node.
func (t *Transaction) Text(node block.NodeID) (string, error) {
	var out []byte
	err := t.Sequence(node, func(e Element) error {
		if e.Type == block.ContentString {
			out = append(out, e.Data...)
		}
		return nil
	})
	return string(out), err
}

// List reads the visible elements of a node's sequence.
func (t *Transaction) List(node block.NodeID) ([]Element, error) {
	var out []Element
	err := t.Sequence(node, func(e Element) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// NodeLen reads a node's visible element count.
func (t *Transaction) NodeLen(node block.NodeID) (block.Clock, error) {
	pb, err := t.parentBlock(node)
	if err != nil {
		return 0, err
	}
	return block.NodeContentLen(pb.Payload())
}

// MapGet reads the winning value of a map entry. It returns false when the
// entry does not exist or was deleted.
func (t *Transaction) MapGet(node block.NodeID, key string) (Element, bool, error) {
	head, err := t.st.Entry(node, key)
	if errors.Is(err, store.ErrEntryNotFound) {
		return Element{}, false, nil
	}
	if err != nil {
		return Element{}, false, err
	}
	b, err := t.st.GetBlock(head)
	if err != nil {
		return Element{}, false, err
	}
	if b.Deleted() {
		return Element{}, false, nil
	}
	if err := t.st.LoadPayload(b); err != nil {
		return Element{}, false, err
	}
	return Element{Head: b.ID(), Type: b.Type, Data: b.Payload()}, true, nil
}

// MapKeys visits every live map entry of node in key order.
func (t *Transaction) MapKeys(node block.NodeID, fn func(key string, e Element) error) error {
	return t.st.Entries(node, func(key string, head block.ID) error {
		e, ok, err := t.MapGet(node, key)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return fn(key, e)
	})
}

// ----------------------------------------------------------------------------
// Text offset helpers
// ----------------------------------------------------------------------------

// elementAt locates the visible element at the given UTF-16 offset in the
// node's sequence, returning the element before the offset, or nil when the
// offset is zero.
func (t *Transaction) elementBefore(node block.NodeID, offset block.Clock) (*block.ID, error) {
	if offset == 0 {
		return nil, nil
	}
	var (
		seen  block.Clock
		found *block.ID
	)
	err := t.Sequence(node, func(e Element) error {
		b, err := t.st.GetBlock(e.Head)
		if err != nil {
			return err
		}
		if seen+b.ClockLen >= offset {
			id := e.Head.Add(offset - seen - 1)
			found = &id
			return errStopWalk
		}
		seen += b.ClockLen
		return nil
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: offset %d beyond sequence length %d", ErrBadRange, offset, seen)
	}
	return found, nil
}

var errStopWalk = errors.New("stop walk")

// TextInsert inserts text at a UTF-16 offset of the node's visible text.
func (t *Transaction) TextInsert(node block.NodeID, offset block.Clock, s string) (block.ID, error) {
	left, err := t.elementBefore(node, offset)
	if err != nil {
		return block.ID{}, err
	}
	return t.InsertAfter(node, left, Text(s))
}

// TextDelete tombstones length UTF-16 units starting at a visible offset.
func (t *Transaction) TextDelete(node block.NodeID, offset, length block.Clock) error {
	if err := t.mutable(); err != nil {
		return err
	}
	for length > 0 {
		at, err := t.elementBefore(node, offset+1)
		if err != nil {
			return err
		}
		b, err := t.st.BlockContaining(*at, false)
		if err != nil {
			return err
		}
		// Delete to the end of this block or of the requested range,
		// whichever comes first.
		run := min(length, b.ID().Clock+b.ClockLen-at.Clock)
		if err := t.DeleteRange(*at, at.Add(run-1)); err != nil {
			return err
		}
		length -= run
	}
	return nil
}
