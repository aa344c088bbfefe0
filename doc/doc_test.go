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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kodiak/block"
	"github.com/AleutianAI/kodiak/idset"
	"github.com/AleutianAI/kodiak/wire"
)

func openTestDoc(t *testing.T, name string) *Doc {
	t.Helper()
	db, err := Open(InMemoryOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	d, err := db.Doc(name)
	require.NoError(t, err)
	return d
}

func insertText(t *testing.T, d *Doc, root string, offset block.Clock, s string) {
	t.Helper()
	err := d.WithTxn(context.Background(), func(tx *Transaction) error {
		node, err := tx.Root(root, block.NodeText)
		if err != nil {
			return err
		}
		_, err = tx.TextInsert(node, offset, s)
		return err
	})
	require.NoError(t, err)
}

func readText(t *testing.T, d *Doc, root string) string {
	t.Helper()
	var out string
	err := d.WithReadTxn(context.Background(), func(tx *Transaction) error {
		node, err := tx.Root(root, block.NodeText)
		if err != nil {
			return err
		}
		out, err = tx.Text(node)
		return err
	})
	require.NoError(t, err)
	return out
}

// syncDocs exchanges diff updates in both directions.
func syncDocs(t *testing.T, a, b *Doc) {
	t.Helper()
	ctx := context.Background()
	for range 2 {
		sv, err := b.StateVector(ctx)
		require.NoError(t, err)
		u, err := a.DiffUpdate(ctx, sv)
		require.NoError(t, err)
		require.NoError(t, b.ApplyUpdate(ctx, u))
		a, b = b, a
	}
}

func TestTextInsertAndRead(t *testing.T) {
	d := openTestDoc(t, "notes")
	insertText(t, d, "body", 0, "hello")
	insertText(t, d, "body", 5, " world")
	assert.Equal(t, "hello world", readText(t, d, "body"))

	err := d.WithReadTxn(context.Background(), func(tx *Transaction) error {
		node, err := tx.Root("body", block.NodeText)
		require.NoError(t, err)
		n, err := tx.NodeLen(node)
		require.NoError(t, err)
		assert.Equal(t, block.Clock(11), n)
		return nil
	})
	require.NoError(t, err)
}

func TestTextInsertMiddle(t *testing.T) {
	d := openTestDoc(t, "notes")
	insertText(t, d, "body", 0, "helloworld")
	insertText(t, d, "body", 5, " ")
	assert.Equal(t, "hello world", readText(t, d, "body"))
}

func TestTextDelete(t *testing.T) {
	d := openTestDoc(t, "notes")
	insertText(t, d, "body", 0, "hello world")
	err := d.WithTxn(context.Background(), func(tx *Transaction) error {
		node, err := tx.Root("body", block.NodeText)
		if err != nil {
			return err
		}
		return tx.TextDelete(node, 5, 6)
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", readText(t, d, "body"))
}

func TestSnapshotVisibility(t *testing.T) {
	d := openTestDoc(t, "notes")
	insertText(t, d, "body", 0, "abc")

	client := d.ClientID()
	var before idset.Snapshot
	err := d.WithReadTxn(context.Background(), func(tx *Transaction) error {
		before = tx.Snapshot()
		return nil
	})
	require.NoError(t, err)
	assert.True(t, before.IsVisible(block.NewID(client, 1)))

	err = d.WithTxn(context.Background(), func(tx *Transaction) error {
		node, err := tx.Root("body", block.NodeText)
		if err != nil {
			return err
		}
		return tx.TextDelete(node, 1, 1)
	})
	require.NoError(t, err)

	var after idset.Snapshot
	err = d.WithReadTxn(context.Background(), func(tx *Transaction) error {
		after = tx.Snapshot()
		return nil
	})
	require.NoError(t, err)

	assert.False(t, after.IsVisible(block.NewID(client, 1)), "deleted element drops out")
	assert.True(t, after.IsVisible(block.NewID(client, 0)))
	assert.True(t, after.IsVisible(block.NewID(client, 2)))
	assert.False(t, after.IsVisible(block.NewID(client, 3)), "never-written clock")

	// The earlier snapshot still answers for its own point in history.
	assert.True(t, before.IsVisible(block.NewID(client, 1)))
}

func TestTextInsertBeyondEnd(t *testing.T) {
	d := openTestDoc(t, "notes")
	insertText(t, d, "body", 0, "ab")
	err := d.WithTxn(context.Background(), func(tx *Transaction) error {
		node, err := tx.Root("body", block.NodeText)
		if err != nil {
			return err
		}
		_, err = tx.TextInsert(node, 5, "x")
		return err
	})
	require.ErrorIs(t, err, ErrBadRange)
}

func TestTextInsertInsideSurrogatePair(t *testing.T) {
	d := openTestDoc(t, "notes")
	insertText(t, d, "body", 0, "a\U0001F600b")
	err := d.WithTxn(context.Background(), func(tx *Transaction) error {
		node, err := tx.Root("body", block.NodeText)
		if err != nil {
			return err
		}
		_, err = tx.TextInsert(node, 2, "x")
		return err
	})
	require.Error(t, err)
	assert.Equal(t, "a\U0001F600b", readText(t, d, "body"))
}

func TestSequentialAppendsMerge(t *testing.T) {
	d := openTestDoc(t, "notes")
	insertText(t, d, "body", 0, "a")
	insertText(t, d, "body", 1, "b")
	insertText(t, d, "body", 2, "c")
	assert.Equal(t, "abc", readText(t, d, "body"))

	err := d.WithReadTxn(context.Background(), func(tx *Transaction) error {
		var blocks int
		err := tx.st.Blocks(d.ClientID(), 0, func(*block.Block) error {
			blocks++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, blocks)
		return nil
	})
	require.NoError(t, err)
}

func TestListInsert(t *testing.T) {
	d := openTestDoc(t, "notes")
	var first block.ID
	err := d.WithTxn(context.Background(), func(tx *Transaction) error {
		node, err := tx.Root("items", block.NodeList)
		if err != nil {
			return err
		}
		if first, err = tx.InsertAfter(node, nil, JSONValues([]byte(`1`), []byte(`3`))); err != nil {
			return err
		}
		// Squeeze a value between the two existing elements.
		_, err = tx.InsertAfter(node, &first, JSONValues([]byte(`2`)))
		return err
	})
	require.NoError(t, err)

	err = d.WithReadTxn(context.Background(), func(tx *Transaction) error {
		node, err := tx.Root("items", block.NodeList)
		require.NoError(t, err)
		var elems [][]byte
		err = tx.Sequence(node, func(e Element) error {
			parts, err := block.SplitFrames(e.Data)
			if err != nil {
				return err
			}
			elems = append(elems, parts...)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte(`1`), []byte(`2`), []byte(`3`)}, elems)
		return nil
	})
	require.NoError(t, err)
}

func TestMapSetAndOverwrite(t *testing.T) {
	d := openTestDoc(t, "notes")
	ctx := context.Background()
	err := d.WithTxn(ctx, func(tx *Transaction) error {
		node, err := tx.Root("meta", block.NodeMap)
		if err != nil {
			return err
		}
		if _, err := tx.SetMapEntry(node, "title", JSONValues([]byte(`"v1"`))); err != nil {
			return err
		}
		_, err = tx.SetMapEntry(node, "title", JSONValues([]byte(`"v2"`)))
		return err
	})
	require.NoError(t, err)

	err = d.WithReadTxn(ctx, func(tx *Transaction) error {
		node, err := tx.Root("meta", block.NodeMap)
		require.NoError(t, err)
		e, ok, err := tx.MapGet(node, "title")
		require.NoError(t, err)
		require.True(t, ok)
		parts, err := block.SplitFrames(e.Data)
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte(`"v2"`)}, parts)
		_, ok, err = tx.MapGet(node, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestMapValueSingleElement(t *testing.T) {
	d := openTestDoc(t, "notes")
	err := d.WithTxn(context.Background(), func(tx *Transaction) error {
		node, err := tx.Root("meta", block.NodeMap)
		if err != nil {
			return err
		}
		_, err = tx.SetMapEntry(node, "tags", JSONValues([]byte(`"a"`), []byte(`"b"`)))
		assert.Error(t, err, "multi-element map values must be rejected")
		return nil
	})
	require.NoError(t, err)
}

func TestSyncTwoReplicas(t *testing.T) {
	a := openTestDoc(t, "shared")
	b := openTestDoc(t, "shared")
	insertText(t, a, "body", 0, "from a")
	syncDocs(t, a, b)
	assert.Equal(t, "from a", readText(t, b, "body"))

	insertText(t, b, "body", 6, ", hi b")
	syncDocs(t, a, b)
	assert.Equal(t, "from a, hi b", readText(t, a, "body"))
	assert.Equal(t, readText(t, a, "body"), readText(t, b, "body"))
}

func TestConcurrentInsertsConverge(t *testing.T) {
	a := openTestDoc(t, "shared")
	b := openTestDoc(t, "shared")
	insertText(t, a, "body", 0, "abc")
	insertText(t, b, "body", 0, "xyz")
	syncDocs(t, a, b)

	ta, tb := readText(t, a, "body"), readText(t, b, "body")
	assert.Equal(t, ta, tb)
	// Same left origin on both sides: the lower client ID goes first.
	want := "abcxyz"
	if b.ClientID() < a.ClientID() {
		want = "xyzabc"
	}
	assert.Equal(t, want, ta)
}

func TestConcurrentMapWritesConverge(t *testing.T) {
	ctx := context.Background()
	a := openTestDoc(t, "shared")
	b := openTestDoc(t, "shared")
	set := func(d *Doc, val string) {
		err := d.WithTxn(ctx, func(tx *Transaction) error {
			node, err := tx.Root("meta", block.NodeMap)
			if err != nil {
				return err
			}
			_, err = tx.SetMapEntry(node, "owner", JSONValues([]byte(val)))
			return err
		})
		require.NoError(t, err)
	}
	get := func(d *Doc) string {
		var out string
		err := d.WithReadTxn(ctx, func(tx *Transaction) error {
			node, err := tx.Root("meta", block.NodeMap)
			require.NoError(t, err)
			e, ok, err := tx.MapGet(node, "owner")
			require.NoError(t, err)
			require.True(t, ok)
			parts, err := block.SplitFrames(e.Data)
			require.NoError(t, err)
			out = string(parts[0])
			return nil
		})
		require.NoError(t, err)
		return out
	}

	set(a, `"alice"`)
	set(b, `"bob"`)
	syncDocs(t, a, b)
	assert.Equal(t, get(a), get(b))

	// A later write beats both once it propagates.
	set(a, `"carol"`)
	syncDocs(t, a, b)
	assert.Equal(t, `"carol"`, get(a))
	assert.Equal(t, `"carol"`, get(b))
}

func TestApplyUpdateIdempotent(t *testing.T) {
	ctx := context.Background()
	a := openTestDoc(t, "shared")
	b := openTestDoc(t, "shared")
	insertText(t, a, "body", 0, "stable")

	u, err := a.DiffUpdate(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, b.ApplyUpdate(ctx, u))
	require.NoError(t, b.ApplyUpdate(ctx, u))

	assert.Equal(t, "stable", readText(t, b, "body"))
	sva, err := a.StateVector(ctx)
	require.NoError(t, err)
	svb, err := b.StateVector(ctx)
	require.NoError(t, err)
	assert.Equal(t, sva, svb)
}

func TestOutOfOrderUpdatesStashed(t *testing.T) {
	ctx := context.Background()
	a := openTestDoc(t, "shared")
	b := openTestDoc(t, "shared")

	var updates [][]byte
	defer a.OnUpdate(func(update, origin []byte) {
		updates = append(updates, update)
	})()

	insertText(t, a, "body", 0, "he")
	insertText(t, a, "body", 2, "llo")
	require.Len(t, updates, 2)

	// The second update arrives first: its blocks wait in the stash.
	require.NoError(t, b.ApplyUpdate(ctx, updates[1]))
	sv, err := b.StateVector(ctx)
	require.NoError(t, err)
	assert.Equal(t, block.Clock(0), sv.Get(a.ClientID()))

	require.NoError(t, b.ApplyUpdate(ctx, updates[0]))
	assert.Equal(t, "hello", readText(t, b, "body"))
}

func TestPermutedUpdatesConverge(t *testing.T) {
	ctx := context.Background()
	a := openTestDoc(t, "shared")
	b := openTestDoc(t, "shared")

	var updates [][]byte
	defer a.OnUpdate(func(update, origin []byte) {
		updates = append(updates, update)
	})()

	insertText(t, a, "body", 0, "one ")
	insertText(t, a, "body", 4, "two ")
	insertText(t, a, "body", 8, "three")
	require.Len(t, updates, 3)

	for _, i := range []int{2, 0, 1} {
		require.NoError(t, b.ApplyUpdate(ctx, updates[i]))
	}
	assert.Equal(t, "one two three", readText(t, b, "body"))
}

func TestDeleteArrivesBeforeInsert(t *testing.T) {
	ctx := context.Background()
	a := openTestDoc(t, "shared")
	b := openTestDoc(t, "shared")

	var updates [][]byte
	defer a.OnUpdate(func(update, origin []byte) {
		updates = append(updates, update)
	})()

	insertText(t, a, "body", 0, "hello")
	err := a.WithTxn(ctx, func(tx *Transaction) error {
		node, err := tx.Root("body", block.NodeText)
		if err != nil {
			return err
		}
		return tx.TextDelete(node, 1, 3)
	})
	require.NoError(t, err)
	require.Len(t, updates, 2)

	// The deletion is recorded first; the text arrives already tombstoned.
	require.NoError(t, b.ApplyUpdate(ctx, updates[1]))
	require.NoError(t, b.ApplyUpdate(ctx, updates[0]))
	assert.Equal(t, "ho", readText(t, b, "body"))
	assert.Equal(t, "ho", readText(t, a, "body"))
}

func TestDeleteSyncs(t *testing.T) {
	a := openTestDoc(t, "shared")
	b := openTestDoc(t, "shared")
	insertText(t, a, "body", 0, "hello world")
	syncDocs(t, a, b)

	err := b.WithTxn(context.Background(), func(tx *Transaction) error {
		node, err := tx.Root("body", block.NodeText)
		if err != nil {
			return err
		}
		return tx.TextDelete(node, 0, 6)
	})
	require.NoError(t, err)
	syncDocs(t, a, b)
	assert.Equal(t, "world", readText(t, a, "body"))
}

func TestConcurrentEditAndDeleteConverge(t *testing.T) {
	a := openTestDoc(t, "shared")
	b := openTestDoc(t, "shared")
	insertText(t, a, "body", 0, "shared base")
	syncDocs(t, a, b)

	// a deletes "base" while b extends it.
	err := a.WithTxn(context.Background(), func(tx *Transaction) error {
		node, err := tx.Root("body", block.NodeText)
		if err != nil {
			return err
		}
		return tx.TextDelete(node, 7, 4)
	})
	require.NoError(t, err)
	insertText(t, b, "body", 11, "line")
	syncDocs(t, a, b)

	assert.Equal(t, readText(t, a, "body"), readText(t, b, "body"))
	assert.Equal(t, "shared line", readText(t, a, "body"))
}

// encodeTestUpdate packs hand-built carriers into one update payload.
func encodeTestUpdate(t *testing.T, carriers ...wire.Carrier) []byte {
	t.Helper()
	u := wire.NewUpdate()
	for _, c := range carriers {
		u.Append(c)
	}
	data, err := u.Encode()
	require.NoError(t, err)
	return data
}

func TestGCCarrierKnownPrefix(t *testing.T) {
	ctx := context.Background()
	a := openTestDoc(t, "shared")
	b := openTestDoc(t, "shared")
	insertText(t, a, "body", 0, "hello")
	syncDocs(t, a, b)

	gc := encodeTestUpdate(t, wire.Carrier{
		Kind:  wire.CarrierGC,
		Range: block.Range{Head: block.NewID(a.ClientID(), 0), Len: 3},
	})
	require.NoError(t, b.ApplyUpdate(ctx, gc))
	assert.Equal(t, "lo", readText(t, b, "body"))

	// The carrier is idempotent.
	require.NoError(t, b.ApplyUpdate(ctx, gc))
	assert.Equal(t, "lo", readText(t, b, "body"))
}

func TestGCCarrierUnknownTail(t *testing.T) {
	ctx := context.Background()
	d := openTestDoc(t, "shared")

	gc := encodeTestUpdate(t, wire.Carrier{
		Kind:  wire.CarrierGC,
		Range: block.Range{Head: block.NewID(42, 0), Len: 5},
	})
	require.NoError(t, d.ApplyUpdate(ctx, gc))

	sv, err := d.StateVector(ctx)
	require.NoError(t, err)
	assert.Equal(t, block.Clock(5), sv.Get(42), "collected clocks count as known")

	err = d.WithReadTxn(ctx, func(tx *Transaction) error {
		assert.True(t, tx.DeleteSet().Contains(block.NewID(42, 0)))
		assert.True(t, tx.DeleteSet().Contains(block.NewID(42, 4)))
		return nil
	})
	require.NoError(t, err)
}

// A sender that garbage-collected its history may still emit live blocks
// anchored inside the collected range. Such blocks have no surviving node
// to attach to and are kept as unlinked tombstones; the rest of the update
// applies normally.
func TestOriginIntoCollectedRange(t *testing.T) {
	ctx := context.Background()
	d := openTestDoc(t, "shared")

	gc := encodeTestUpdate(t, wire.Carrier{
		Kind:  wire.CarrierGC,
		Range: block.Range{Head: block.NewID(42, 0), Len: 5},
	})
	require.NoError(t, d.ApplyUpdate(ctx, gc))

	orphan := block.NewStringBlock(block.NewID(42, 5), "z")
	orphan.SetOriginLeft(block.NewID(42, 4))
	update := encodeTestUpdate(t,
		wire.Carrier{Kind: wire.CarrierBlock, Block: orphan},
		wire.Carrier{
			Kind:       wire.CarrierBlock,
			Block:      block.NewStringBlock(block.NewID(7, 0), "a"),
			ParentName: "body",
		},
	)
	require.NoError(t, d.ApplyUpdate(ctx, update))

	sv, err := d.StateVector(ctx)
	require.NoError(t, err)
	assert.Equal(t, block.Clock(6), sv.Get(42))
	assert.Equal(t, block.Clock(1), sv.Get(7))
	assert.Equal(t, "a", readText(t, d, "body"), "unrelated blocks still apply")

	err = d.WithReadTxn(ctx, func(tx *Transaction) error {
		snap := tx.Snapshot()
		assert.False(t, snap.IsVisible(block.NewID(42, 5)),
			"the anchorless block survives only as a tombstone")
		return nil
	})
	require.NoError(t, err)

	// The collected history can be relayed onward.
	other := openTestDoc(t, "shared")
	diff, err := d.DiffUpdate(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, other.ApplyUpdate(ctx, diff))
	sv, err = other.StateVector(ctx)
	require.NoError(t, err)
	assert.Equal(t, block.Clock(6), sv.Get(42))
	assert.Equal(t, "a", readText(t, other, "body"))
}

func TestSkipCarrierInRun(t *testing.T) {
	ctx := context.Background()
	d := openTestDoc(t, "shared")

	head := block.NewStringBlock(block.NewID(42, 0), "ab")
	tail := block.NewStringBlock(block.NewID(42, 5), "z")
	tail.SetOriginLeft(block.NewID(42, 4))
	first := encodeTestUpdate(t,
		wire.Carrier{Kind: wire.CarrierBlock, Block: head, ParentName: "body"},
		wire.Carrier{Kind: wire.CarrierSkip, Range: block.Range{Head: block.NewID(42, 2), Len: 3}},
		wire.Carrier{Kind: wire.CarrierBlock, Block: tail},
	)
	require.NoError(t, d.ApplyUpdate(ctx, first))
	assert.Equal(t, "ab", readText(t, d, "body"))
	sv, err := d.StateVector(ctx)
	require.NoError(t, err)
	assert.Equal(t, block.Clock(2), sv.Get(42), "a skip must not advance the clock")

	// The skipped clocks arrive; the block stashed behind them drains.
	mid := block.NewStringBlock(block.NewID(42, 2), "cde")
	mid.SetOriginLeft(block.NewID(42, 1))
	require.NoError(t, d.ApplyUpdate(ctx, encodeTestUpdate(t,
		wire.Carrier{Kind: wire.CarrierBlock, Block: mid})))
	assert.Equal(t, "abcdez", readText(t, d, "body"))
}

func TestNestedNodes(t *testing.T) {
	ctx := context.Background()
	a := openTestDoc(t, "shared")
	b := openTestDoc(t, "shared")

	var inner block.NodeID
	err := a.WithTxn(ctx, func(tx *Transaction) error {
		root, err := tx.Root("sections", block.NodeList)
		if err != nil {
			return err
		}
		id, err := tx.InsertAfter(root, nil, Nested(block.NodeText))
		if err != nil {
			return err
		}
		inner = block.NestedNodeID(id)
		_, err = tx.TextInsert(inner, 0, "heading")
		return err
	})
	require.NoError(t, err)
	syncDocs(t, a, b)

	err = b.WithReadTxn(ctx, func(tx *Transaction) error {
		text, err := tx.Text(inner)
		require.NoError(t, err)
		assert.Equal(t, "heading", text)
		return nil
	})
	require.NoError(t, err)
}

func TestOriginReachesSubscribers(t *testing.T) {
	ctx := context.Background()
	d := openTestDoc(t, "notes")

	var origins [][]byte
	unsubscribe := d.OnUpdate(func(update, origin []byte) {
		origins = append(origins, origin)
	})

	tx, err := d.WriteTransaction(ctx, []byte("sync"))
	require.NoError(t, err)
	node, err := tx.Root("body", block.NodeText)
	require.NoError(t, err)
	_, err = tx.TextInsert(node, 0, "x")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.Len(t, origins, 1)
	assert.Equal(t, []byte("sync"), origins[0])

	// No changes, no notification.
	require.NoError(t, d.WithTxn(ctx, func(*Transaction) error { return nil }))
	assert.Len(t, origins, 1)

	unsubscribe()
	insertText(t, d, "body", 1, "y")
	assert.Len(t, origins, 1)
}

func TestClientIDPersists(t *testing.T) {
	db, err := Open(DefaultOptions(t.TempDir()))
	require.NoError(t, err)
	d, err := db.Doc("notes")
	require.NoError(t, err)
	client := d.ClientID()
	insertText(t, d, "body", 0, "persisted")
	require.NoError(t, db.Close())

	db, err = Open(DefaultOptions(db.opts.Dir))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	d, err = db.Doc("notes")
	require.NoError(t, err)
	assert.Equal(t, client, d.ClientID())
	assert.Equal(t, "persisted", readText(t, d, "body"))
}

func TestDocNameValidation(t *testing.T) {
	db, err := Open(InMemoryOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for _, name := range []string{"", ".", "..", "a/b", `a\b`} {
		_, err := db.Doc(name)
		assert.Error(t, err, "name %q", name)
	}
}

func TestReadTransactionRejectsWrites(t *testing.T) {
	d := openTestDoc(t, "notes")
	insertText(t, d, "body", 0, "x")
	err := d.WithReadTxn(context.Background(), func(tx *Transaction) error {
		node, err := tx.Root("body", block.NodeText)
		require.NoError(t, err)
		_, err = tx.TextInsert(node, 0, "y")
		return err
	})
	require.ErrorIs(t, err, ErrReadOnly)
}
