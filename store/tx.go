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

// Tx exposes the document's tables on top of one Badger transaction. A Tx
// is only valid for the lifetime of the transaction that produced it.
//
// Thread Safety: a Tx must not be shared between goroutines; Badger
// transactions are single-owner.
type Tx struct {
	txn *badger.Txn
}

// NewTx wraps a Badger transaction.
func NewTx(txn *badger.Txn) *Tx {
	return &Tx{txn: txn}
}

// get reads a key, reporting absence without an error.
func (t *Tx) get(key []byte) ([]byte, bool, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// ----------------------------------------------------------------------------
// Metadata
// ----------------------------------------------------------------------------

// SetMeta stores a named metadata value.
func (t *Tx) SetMeta(name string, value []byte) error {
	return t.txn.Set(metaKey(name), value)
}

// Meta reads a named metadata value.
func (t *Tx) Meta(name string) ([]byte, error) {
	val, ok, err := t.get(metaKey(name))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMetaNotFound, name)
	}
	return val, nil
}

// ----------------------------------------------------------------------------
// Map entries
// ----------------------------------------------------------------------------

// SetEntry points a map entry of node at the head of its block chain.
func (t *Tx) SetEntry(node block.NodeID, key string, head block.ID) error {
	if len(key) > block.MaxEntryKeyLen {
		return fmt.Errorf("%w: %d bytes", block.ErrKeyTooLong, len(key))
	}
	hb := head.Bytes()
	return t.txn.Set(entryKey(node, key), hb[:])
}

// Entry returns the chain head of a map entry.
func (t *Tx) Entry(node block.NodeID, key string) (block.ID, error) {
	val, ok, err := t.get(entryKey(node, key))
	if err != nil {
		return block.ID{}, err
	}
	if !ok {
		return block.ID{}, fmt.Errorf("%w: node %v key %q", ErrEntryNotFound, node, key)
	}
	if len(val) != block.IDSize {
		return block.ID{}, fmt.Errorf("%w: entry value has %d bytes", ErrCorrupt, len(val))
	}
	return block.ParseID(val), nil
}

// Entries visits every map entry of node in key order.
func (t *Tx) Entries(node block.NodeID, fn func(key string, head block.ID) error) error {
	prefix := entryKey(node, "")
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.Valid(); it.Next() {
		item := it.Item()
		key := string(item.Key()[len(prefix):])
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(val) != block.IDSize {
			return fmt.Errorf("%w: entry value has %d bytes", ErrCorrupt, len(val))
		}
		if err := fn(key, block.ParseID(val)); err != nil {
			return err
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// Pending stash
// ----------------------------------------------------------------------------

// SetPending stashes an opaque payload for a block whose dependencies have
// not arrived yet.
func (t *Tx) SetPending(id block.ID, data []byte) error {
	return t.txn.Set(pendingKey(id), data)
}

// DeletePending drops a stashed payload.
func (t *Tx) DeletePending(id block.ID) error {
	return t.txn.Delete(pendingKey(id))
}

// Pending visits every stashed payload in ID order.
func (t *Tx) Pending(fn func(id block.ID, data []byte) error) error {
	prefix := []byte{tagPending}
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.Valid(); it.Next() {
		item := it.Item()
		id, err := parseIDKey(tagPending, item.Key())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(id, val); err != nil {
			return err
		}
	}
	return nil
}
