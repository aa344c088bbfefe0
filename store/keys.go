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
	"fmt"

	"github.com/AleutianAI/kodiak/block"
)

// Every key starts with a one-byte table tag. Within a table, keys embed
// IDs in big-endian form, so iteration order is (client, clock) order.
const (
	// tagMeta holds document metadata and options by name.
	tagMeta byte = 0x00
	// tagIntern maps 32-bit name hashes to the interned strings.
	tagIntern byte = 0x01
	// tagBlock maps a block's head ID to its record.
	tagBlock byte = 0x02
	// tagContent holds overflow payloads keyed by element ID.
	tagContent byte = 0x03
	// tagEntry maps (node, key) to the head of a map entry chain.
	tagEntry byte = 0x04
	// tagStateVector maps each client to its contiguous clock count.
	tagStateVector byte = 0x05
	// tagPending stashes blocks whose dependencies have not arrived.
	tagPending byte = 0x06
)

func metaKey(name string) []byte {
	return append([]byte{tagMeta}, name...)
}

func internKey(hash uint32) []byte {
	key := make([]byte, 5)
	key[0] = tagIntern
	binary.BigEndian.PutUint32(key[1:], hash)
	return key
}

func blockKey(id block.ID) []byte {
	return idKey(tagBlock, id)
}

func contentKey(id block.ID) []byte {
	return idKey(tagContent, id)
}

func entryKey(node block.NodeID, key string) []byte {
	out := make([]byte, 0, 1+block.IDSize+len(key))
	out = append(out, tagEntry)
	nb := node.Bytes()
	out = append(out, nb[:]...)
	return append(out, key...)
}

func stateVectorKey(client block.ClientID) []byte {
	key := make([]byte, 5)
	key[0] = tagStateVector
	binary.BigEndian.PutUint32(key[1:], uint32(client))
	return key
}

func pendingKey(id block.ID) []byte {
	return idKey(tagPending, id)
}

func idKey(tag byte, id block.ID) []byte {
	key := make([]byte, 1+block.IDSize)
	key[0] = tag
	ib := id.Bytes()
	copy(key[1:], ib[:])
	return key
}

// parseIDKey recovers the ID from a tagged 9-byte key.
func parseIDKey(tag byte, key []byte) (block.ID, error) {
	if len(key) != 1+block.IDSize || key[0] != tag {
		return block.ID{}, fmt.Errorf("malformed key %x for table %#x", key, tag)
	}
	return block.ParseID(key[1:]), nil
}

// clientPrefix returns the block-table prefix covering one client.
func clientPrefix(tag byte, client block.ClientID) []byte {
	key := make([]byte, 5)
	key[0] = tag
	binary.BigEndian.PutUint32(key[1:], uint32(client))
	return key
}
