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
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/kodiak/block"
)

// InternHash computes the 32-bit hash under which a string interns. The
// full xxhash is truncated so the hash fits the clock half of a root node
// ID; every replica computes the same value.
func InternHash(s string) uint32 {
	return uint32(xxhash.Sum64String(s))
}

// Intern stores s in the intern table and returns its hash. The table is
// insert-only: a hash that already maps to a different string is a
// collision the document cannot represent.
func (t *Tx) Intern(s string) (uint32, error) {
	hash := InternHash(s)
	existing, ok, err := t.get(internKey(hash))
	if err != nil {
		return 0, err
	}
	if ok {
		if string(existing) != s {
			internCollisionsTotal.Inc()
			return 0, fmt.Errorf("%w: %q and %q both hash to %#x",
				ErrHashCollision, existing, s, hash)
		}
		return hash, nil
	}
	if err := t.txn.Set(internKey(hash), []byte(s)); err != nil {
		return 0, err
	}
	return hash, nil
}

// Interns visits every interned string in hash order.
func (t *Tx) Interns(fn func(hash uint32, s string) error) error {
	prefix := []byte{tagIntern}
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.Valid(); it.Next() {
		item := it.Item()
		key := item.Key()
		if len(key) != 5 {
			return fmt.Errorf("%w: intern key has %d bytes", ErrCorrupt, len(key))
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(binary.BigEndian.Uint32(key[1:]), string(val)); err != nil {
			return err
		}
	}
	return nil
}

// InternedString resolves a hash back to its string.
func (t *Tx) InternedString(hash uint32) (string, error) {
	val, ok, err := t.get(internKey(hash))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: hash %#x not interned", ErrMetaNotFound, hash)
	}
	return string(val), nil
}

// ----------------------------------------------------------------------------
// Root node registry
// ----------------------------------------------------------------------------

// RootNode resolves a named root node, without creating it.
func (t *Tx) RootNode(name string) (*block.Block, error) {
	return t.GetBlock(block.ID(block.RootNodeID(InternHash(name))))
}

// GetOrCreateRootNode resolves a named root node, creating its node block
// on first use. Root node blocks live under RootClient and never travel in
// updates; every replica derives the same identity from the name.
func (t *Tx) GetOrCreateRootNode(name string, kind block.NodeKind) (*block.Block, bool, error) {
	hash, err := t.Intern(name)
	if err != nil {
		return nil, false, err
	}
	id := block.ID(block.RootNodeID(hash))
	b, err := t.GetBlock(id)
	if err == nil {
		return b, false, nil
	}
	if !errors.Is(err, ErrBlockNotFound) {
		return nil, false, err
	}
	b = block.NewNodeBlock(id, kind, name)
	if err := t.InsertBlock(b); err != nil {
		return nil, false, err
	}
	return b, true, nil
}
