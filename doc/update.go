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
	"slices"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/kodiak/block"
	"github.com/AleutianAI/kodiak/idset"
	"github.com/AleutianAI/kodiak/store"
	"github.com/AleutianAI/kodiak/wire"
)

// ApplyUpdate integrates a remote update payload. Updates may arrive out of
// order, duplicated, or overlapping previously seen ones: blocks whose
// clocks or dependencies are not known yet are stashed and retried whenever
// a later update fills the gap, already-known spans are skipped, and
// partially known blocks are trimmed to their unknown suffix. Applying the
// same update twice is a no-op.
func (t *Transaction) ApplyUpdate(data []byte) error {
	if err := t.mutable(); err != nil {
		return err
	}
	timer := prometheus.NewTimer(updateApplyDuration)
	defer timer.ObserveDuration()

	u, err := wire.DecodeUpdate(data)
	if err != nil {
		return fmt.Errorf("decode update: %w", err)
	}
	for _, client := range sortedCarrierClients(u.Blocks) {
		for _, c := range u.Blocks[client] {
			applied, err := t.applyCarrier(c)
			if err != nil {
				return err
			}
			if !applied {
				if err := t.stashCarrier(c); err != nil {
					return err
				}
			}
		}
	}
	if err := t.applyDeleteSet(u.DeleteSet); err != nil {
		return err
	}
	return t.drainPending()
}

// applyCarrier integrates one carrier if the document is ready for it.
// It reports false when the carrier has to wait for missing clocks or
// dependencies.
func (t *Transaction) applyCarrier(c wire.Carrier) (bool, error) {
	switch c.Kind {
	case wire.CarrierSkip:
		return true, nil
	case wire.CarrierGC:
		return t.applyGC(c.Range)
	default:
	}

	b := c.Block
	id := b.ID()
	known := t.state.Get(id.Client)
	if id.Clock+b.ClockLen <= known {
		return true, nil
	}
	if id.Clock > known {
		return false, nil
	}
	if t.missingDependency(b) {
		return false, nil
	}

	last := b.LastID()
	if err := t.integrate(b, c.ParentName, known-id.Clock); err != nil {
		return false, err
	}
	if err := t.st.ObserveBlock(last); err != nil {
		return false, err
	}
	t.state.SetMax(id.Client, last.Clock+1)
	return true, nil
}

// applyGC handles a carrier for a range whose content the sender already
// garbage collected. The blocks will never arrive; the clocks are recorded
// as known and tombstoned so later origins can still resolve into them.
func (t *Transaction) applyGC(r block.Range) (bool, error) {
	client := r.Head.Client
	start := r.Head.Clock
	end := r.End()
	known := t.state.Get(client)
	if start > known {
		return false, nil
	}
	if cut := min(end, known); cut > start {
		if err := t.markDeleted(client, start, cut); err != nil {
			return false, err
		}
	}
	if end > known {
		// The tail has no block records anywhere. Store a bare tombstone
		// so the clocks stay addressable.
		tail := block.NewTombstone(block.NewID(client, known), end-known)
		if err := t.st.InsertBlock(tail); err != nil {
			return false, err
		}
		if err := t.st.ObserveBlock(tail.LastID()); err != nil {
			return false, err
		}
		t.state.SetMax(client, end)
		t.txDeletes.InsertID(tail.ID(), tail.ClockLen)
		t.recordDeleted(tail.ID(), tail.ClockLen)
	}
	return true, nil
}

// missingDependency reports whether any ID the block refers to is still
// unknown. Named roots and root node IDs are always resolvable.
func (t *Transaction) missingDependency(b *block.Block) bool {
	if ol, ok := b.OriginLeft(); ok && !t.state.Contains(ol) {
		return true
	}
	if or, ok := b.OriginRight(); ok && !t.state.Contains(or) {
		return true
	}
	if parent, ok := b.Parent(); ok && !parent.IsRoot() {
		if !t.state.Contains(block.ID(parent)) {
			return true
		}
	}
	return false
}

// stashCarrier parks a carrier in the pending table until the clocks it
// depends on arrive.
func (t *Transaction) stashCarrier(c wire.Carrier) error {
	u := wire.NewUpdate()
	u.Append(c)
	data, err := u.Encode()
	if err != nil {
		return err
	}
	if err := t.st.SetPending(c.ID(), data); err != nil {
		return err
	}
	pendingStashedTotal.Inc()
	return nil
}

// applyDeleteSet tombstones every range of the remote delete set. Ranges
// past the state vector stay recorded; integrate applies them when the
// blocks arrive.
func (t *Transaction) applyDeleteSet(s idset.IDSet) error {
	for _, client := range s.Clients() {
		known := t.state.Get(client)
		for _, r := range s[client] {
			if cut := min(r.End, known); cut > r.Start {
				if err := t.markDeleted(client, r.Start, cut); err != nil {
					return err
				}
			}
			if r.End > known {
				ahead := block.NewID(client, max(r.Start, known))
				t.txDeletes.InsertID(ahead, r.End-ahead.Clock)
				t.recordDeleted(ahead, r.End-ahead.Clock)
			}
		}
	}
	return nil
}

// drainPending retries stashed carriers until a full pass makes no
// progress. Every integrated block can unblock others, so the loop runs to
// a fixpoint.
func (t *Transaction) drainPending() error {
	for {
		type stashed struct {
			id   block.ID
			data []byte
		}
		var items []stashed
		err := t.st.Pending(func(id block.ID, data []byte) error {
			items = append(items, stashed{id, append([]byte(nil), data...)})
			return nil
		})
		if err != nil {
			return err
		}

		progress := false
		for _, it := range items {
			u, err := wire.DecodeUpdate(it.data)
			if err != nil {
				return fmt.Errorf("%w: pending block %v: %v", store.ErrCorrupt, it.id, err)
			}
			for _, carriers := range u.Blocks {
				for _, c := range carriers {
					applied, err := t.applyCarrier(c)
					if err != nil {
						return err
					}
					if !applied {
						continue
					}
					if err := t.st.DeletePending(it.id); err != nil {
						return err
					}
					pendingIntegratedTotal.Inc()
					progress = true
				}
			}
		}
		if !progress {
			return nil
		}
	}
}

// ----------------------------------------------------------------------------
// Update encoding
// ----------------------------------------------------------------------------

// DiffUpdate encodes every block the document knows beyond the given remote
// state vector, plus the full delete set. Boundary blocks are sent whole;
// the receiver trims the prefix it already has.
func (t *Transaction) DiffUpdate(since idset.StateVector) ([]byte, error) {
	if t.finished {
		return nil, ErrFinished
	}
	u, err := t.buildUpdate(since, t.deleted)
	if err != nil {
		return nil, err
	}
	return u.Encode()
}

// IncrementalUpdate encodes what this transaction changed so far: blocks
// inserted past the transaction's starting state vector and the deletions
// it performed. The result is a regular update any replica can apply.
func (t *Transaction) IncrementalUpdate() ([]byte, error) {
	if t.finished {
		return nil, ErrFinished
	}
	u, err := t.buildUpdate(t.begin, t.txDeletes)
	if err != nil {
		return nil, err
	}
	if u.IsEmpty() {
		return nil, nil
	}
	return u.Encode()
}

func (t *Transaction) buildUpdate(since idset.StateVector, deletes idset.IDSet) (*wire.Update, error) {
	u := wire.NewUpdate()
	for _, client := range t.state.Clients() {
		cur := t.state.Get(client)
		from := since.Get(client)
		if from >= cur {
			continue
		}
		start := from
		if from > 0 {
			b, err := t.st.BlockContaining(block.NewID(client, from), false)
			if err != nil {
				return nil, err
			}
			start = b.ID().Clock
		}
		err := t.st.Blocks(client, start, func(b *block.Block) error {
			if isCollectedRemnant(b) {
				// Bare tombstones left by GC carriers have no anchors to
				// travel with; relay them the way they arrived.
				u.Append(wire.Carrier{
					Kind:  wire.CarrierGC,
					Range: block.Range{Head: b.ID(), Len: b.ClockLen},
				})
				return nil
			}
			if err := t.st.LoadPayload(b); err != nil {
				return err
			}
			name, err := t.carrierParentName(b)
			if err != nil {
				return err
			}
			u.Append(wire.Carrier{Kind: wire.CarrierBlock, Block: b, ParentName: name})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	u.DeleteSet = deletes.Clone()
	return u, nil
}

// isCollectedRemnant reports whether b is an unlinked tombstone standing in
// for garbage-collected clocks: deleted content with no origin and no
// parent.
func isCollectedRemnant(b *block.Block) bool {
	if b.Type != block.ContentDeleted {
		return false
	}
	if _, ok := b.OriginLeft(); ok {
		return false
	}
	if _, ok := b.OriginRight(); ok {
		return false
	}
	_, ok := b.Parent()
	return !ok
}

// carrierParentName resolves the root name for blocks that travel with a
// named parent: those anchored directly to a root node with no origins.
func (t *Transaction) carrierParentName(b *block.Block) (string, error) {
	if _, ok := b.OriginLeft(); ok {
		return "", nil
	}
	if _, ok := b.OriginRight(); ok {
		return "", nil
	}
	parent, ok := b.Parent()
	if !ok || !parent.IsRoot() {
		return "", nil
	}
	name, err := t.st.InternedString(parent.Clock)
	if err != nil {
		if errors.Is(err, store.ErrMetaNotFound) {
			return "", fmt.Errorf("%w: unnamed root %v", store.ErrCorrupt, parent)
		}
		return "", err
	}
	return name, nil
}

func sortedCarrierClients(m map[block.ClientID][]wire.Carrier) []block.ClientID {
	clients := make([]block.ClientID, 0, len(m))
	for c := range m {
		clients = append(clients, c)
	}
	slices.Sort(clients)
	return clients
}
