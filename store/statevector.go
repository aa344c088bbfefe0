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
	"math"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/kodiak/block"
)

// The state vector table holds one 4-byte big-endian value per client: the
// number of contiguous clocks the document has integrated. The value is
// also the next clock to allocate for a local client.

// Clock reads a client's contiguous clock count, zero when unknown.
func (t *Tx) Clock(client block.ClientID) (block.Clock, error) {
	val, ok, err := t.get(stateVectorKey(client))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if len(val) != 4 {
		return 0, fmt.Errorf("%w: state vector value has %d bytes", ErrCorrupt, len(val))
	}
	return binary.BigEndian.Uint32(val), nil
}

// SetClock writes a client's contiguous clock count.
func (t *Tx) SetClock(client block.ClientID, clock block.Clock) error {
	var val [4]byte
	binary.BigEndian.PutUint32(val[:], clock)
	return t.txn.Set(stateVectorKey(client), val[:])
}

// AllocateID reserves span consecutive clocks for a local client and
// returns the ID of the first.
func (t *Tx) AllocateID(client block.ClientID, span block.Clock) (block.ID, error) {
	if span == 0 {
		return block.ID{}, fmt.Errorf("allocate zero clocks for client %d", client)
	}
	next, err := t.Clock(client)
	if err != nil {
		return block.ID{}, err
	}
	if uint64(next)+uint64(span) > math.MaxUint32 {
		return block.ID{}, fmt.Errorf("%w: client %d at clock %d", ErrClockExhausted, client, next)
	}
	if err := t.SetClock(client, next+span); err != nil {
		return block.ID{}, err
	}
	return block.NewID(client, next), nil
}

// ObserveBlock raises the client's clock count past the given block's last
// element. Callers guarantee contiguity before observing.
func (t *Tx) ObserveBlock(last block.ID) error {
	next, err := t.Clock(last.Client)
	if err != nil {
		return err
	}
	if last.Clock+1 > next {
		return t.SetClock(last.Client, last.Clock+1)
	}
	return nil
}

// StateVector assembles the full persisted state vector.
func (t *Tx) StateVector() (map[block.ClientID]block.Clock, error) {
	vector := make(map[block.ClientID]block.Clock)
	prefix := []byte{tagStateVector}
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.Valid(); it.Next() {
		item := it.Item()
		key := item.Key()
		if len(key) != 5 {
			return nil, fmt.Errorf("%w: state vector key %x", ErrCorrupt, key)
		}
		client := block.ClientID(binary.BigEndian.Uint32(key[1:]))
		val, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		if len(val) != 4 {
			return nil, fmt.Errorf("%w: state vector value has %d bytes", ErrCorrupt, len(val))
		}
		vector[client] = binary.BigEndian.Uint32(val)
	}
	return vector, nil
}
