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
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kodiak/block"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenPersistent(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.GCInterval = 0
	db, err := Open(cfg)
	require.NoError(t, err)
	assert.False(t, db.InMemory())
	assert.Equal(t, cfg.Path, db.Path())
	require.NoError(t, db.Close())
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{}.Validate(), "persistent config needs a path")
	assert.NoError(t, InMemoryConfig().Validate())

	cfg := DefaultConfig("/tmp/x")
	cfg.GCDiscardRatio = 1.5
	assert.Error(t, cfg.Validate())
}

func TestMeta(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.WithTxn(ctx, func(tx *Tx) error {
		return tx.SetMeta("name", []byte("doc-1"))
	}))
	require.NoError(t, db.WithReadTxn(ctx, func(tx *Tx) error {
		val, err := tx.Meta("name")
		require.NoError(t, err)
		assert.Equal(t, []byte("doc-1"), val)

		_, err = tx.Meta("missing")
		assert.ErrorIs(t, err, ErrMetaNotFound)
		return nil
	}))
}

// TestAllocateAndObserve walks the clock table through interleaved local
// allocations and remote observations.
func TestAllocateAndObserve(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	const a, b, c = block.ClientID(1), block.ClientID(2), block.ClientID(3)
	require.NoError(t, db.WithTxn(ctx, func(tx *Tx) error {
		for _, client := range []block.ClientID{a, a, b, a, b, c} {
			if _, err := tx.AllocateID(client, 1); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.WithReadTxn(ctx, func(tx *Tx) error {
		vector, err := tx.StateVector()
		require.NoError(t, err)
		assert.Equal(t, map[block.ClientID]block.Clock{a: 3, b: 2, c: 1}, vector)
		return nil
	}))

	// Observing an already-covered block is a no-op; observing past the
	// frontier raises it.
	require.NoError(t, db.WithTxn(ctx, func(tx *Tx) error {
		require.NoError(t, tx.ObserveBlock(block.NewID(a, 1)))
		clock, err := tx.Clock(a)
		require.NoError(t, err)
		assert.Equal(t, block.Clock(3), clock)

		require.NoError(t, tx.ObserveBlock(block.NewID(a, 9)))
		clock, err = tx.Clock(a)
		require.NoError(t, err)
		assert.Equal(t, block.Clock(10), clock)
		return nil
	}))
}

func TestAllocateSpans(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.WithTxn(ctx, func(tx *Tx) error {
		id, err := tx.AllocateID(7, 5)
		require.NoError(t, err)
		assert.Equal(t, block.NewID(7, 0), id)

		id, err = tx.AllocateID(7, 2)
		require.NoError(t, err)
		assert.Equal(t, block.NewID(7, 5), id)

		_, err = tx.AllocateID(7, 0)
		assert.Error(t, err)
		return nil
	}))
}

func TestBlockRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	b := block.NewStringBlock(block.NewID(1, 0), "hello")
	b.SetParent(block.RootNodeID(9))

	require.NoError(t, db.WithTxn(ctx, func(tx *Tx) error {
		return tx.InsertBlock(b)
	}))
	require.NoError(t, db.WithReadTxn(ctx, func(tx *Tx) error {
		got, err := tx.GetBlock(block.NewID(1, 0))
		require.NoError(t, err)
		assert.True(t, got.Inline())
		assert.Equal(t, []byte("hello"), got.Payload())
		assert.Equal(t, block.Clock(5), got.ClockLen)
		return nil
	}))
}

func TestOverflowStringPayload(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	text := strings.Repeat("x", block.InlineContentCapacity+50)
	b := block.NewStringBlock(block.NewID(1, 0), text)

	require.NoError(t, db.WithTxn(ctx, func(tx *Tx) error {
		return tx.InsertBlock(b)
	}))
	require.NoError(t, db.WithReadTxn(ctx, func(tx *Tx) error {
		got, err := tx.GetBlock(block.NewID(1, 0))
		require.NoError(t, err)
		assert.False(t, got.Inline())
		assert.Nil(t, got.Payload(), "record must not carry the payload")

		require.NoError(t, tx.LoadPayload(got))
		assert.Equal(t, []byte(text), got.Payload())
		return nil
	}))
}

func TestOverflowElementRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	elems := [][]byte{[]byte(`"a"`), []byte(`"b"`), []byte(`"c"`)}
	b := block.NewFramedBlock(block.NewID(4, 10), block.ContentJSON, elems)

	require.NoError(t, db.WithTxn(ctx, func(tx *Tx) error {
		return tx.InsertBlock(b)
	}))
	require.NoError(t, db.WithReadTxn(ctx, func(tx *Tx) error {
		got, err := tx.GetBlock(block.NewID(4, 10))
		require.NoError(t, err)
		assert.False(t, got.Inline(), "multi-element runs spill per element")

		require.NoError(t, tx.LoadPayload(got))
		gotElems, err := block.SplitFrames(got.Payload())
		require.NoError(t, err)
		assert.Equal(t, elems, gotElems)
		return nil
	}))
}

func TestBlockContaining(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.WithTxn(ctx, func(tx *Tx) error {
		return tx.InsertBlock(block.NewStringBlock(block.NewID(1, 10), "abcde"))
	}))

	require.NoError(t, db.WithReadTxn(ctx, func(tx *Tx) error {
		got, err := tx.BlockContaining(block.NewID(1, 13), false)
		require.NoError(t, err)
		assert.Equal(t, block.NewID(1, 10), got.ID())

		_, err = tx.BlockContaining(block.NewID(1, 13), true)
		assert.ErrorIs(t, err, ErrBlockNotFound, "direct lookup needs the head ID")

		_, err = tx.BlockContaining(block.NewID(1, 15), false)
		assert.ErrorIs(t, err, ErrBlockNotFound, "past the end of the block")

		_, err = tx.BlockContaining(block.NewID(1, 9), false)
		assert.ErrorIs(t, err, ErrBlockNotFound, "before the first block")

		_, err = tx.BlockContaining(block.NewID(2, 10), false)
		assert.ErrorIs(t, err, ErrBlockNotFound, "other clients are not scanned")

		ok, err := tx.HasBlock(block.NewID(1, 14))
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	}))
}

func TestSplitBlock(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.WithTxn(ctx, func(tx *Tx) error {
		return tx.InsertBlock(block.NewStringBlock(block.NewID(1, 0), "hello"))
	}))

	require.NoError(t, db.WithTxn(ctx, func(tx *Tx) error {
		left, right, err := tx.SplitBlock(block.NewID(1, 2))
		require.NoError(t, err)
		assert.Equal(t, block.NewID(1, 0), left.ID())
		assert.Equal(t, block.NewID(1, 2), right.ID())
		return nil
	}))

	require.NoError(t, db.WithReadTxn(ctx, func(tx *Tx) error {
		left, err := tx.GetBlock(block.NewID(1, 0))
		require.NoError(t, err)
		assert.Equal(t, []byte("he"), left.Payload())
		r, ok := left.Right()
		require.True(t, ok)
		assert.Equal(t, block.NewID(1, 2), r)

		right, err := tx.GetBlock(block.NewID(1, 2))
		require.NoError(t, err)
		assert.Equal(t, []byte("llo"), right.Payload())
		ol, ok := right.OriginLeft()
		require.True(t, ok)
		assert.Equal(t, block.NewID(1, 1), ol)
		return nil
	}))

	// Splitting at an existing head is a no-op.
	require.NoError(t, db.WithTxn(ctx, func(tx *Tx) error {
		left, right, err := tx.SplitBlock(block.NewID(1, 2))
		require.NoError(t, err)
		assert.Nil(t, left)
		assert.Equal(t, block.NewID(1, 2), right.ID())
		return nil
	}))
}

func TestSplitOverflowBlock(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	text := strings.Repeat("ab", block.InlineContentCapacity)
	require.NoError(t, db.WithTxn(ctx, func(tx *Tx) error {
		return tx.InsertBlock(block.NewStringBlock(block.NewID(1, 0), text))
	}))

	cut := block.Clock(len(text) / 2)
	require.NoError(t, db.WithTxn(ctx, func(tx *Tx) error {
		_, _, err := tx.SplitBlock(block.NewID(1, cut))
		return err
	}))

	require.NoError(t, db.WithReadTxn(ctx, func(tx *Tx) error {
		left, err := tx.GetBlock(block.NewID(1, 0))
		require.NoError(t, err)
		require.NoError(t, tx.LoadPayload(left))
		right, err := tx.GetBlock(block.NewID(1, cut))
		require.NoError(t, err)
		require.NoError(t, tx.LoadPayload(right))
		assert.Equal(t, text, string(left.Payload())+string(right.Payload()))
		return nil
	}))
}

func TestMergeBlocks(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.WithTxn(ctx, func(tx *Tx) error {
		if err := tx.InsertBlock(block.NewStringBlock(block.NewID(1, 0), "hello")); err != nil {
			return err
		}
		_, _, err := tx.SplitBlock(block.NewID(1, 2))
		return err
	}))

	require.NoError(t, db.WithTxn(ctx, func(tx *Tx) error {
		left, err := tx.GetBlock(block.NewID(1, 0))
		require.NoError(t, err)
		right, err := tx.GetBlock(block.NewID(1, 2))
		require.NoError(t, err)
		return tx.MergeBlocks(left, right)
	}))

	require.NoError(t, db.WithReadTxn(ctx, func(tx *Tx) error {
		merged, err := tx.GetBlock(block.NewID(1, 0))
		require.NoError(t, err)
		assert.Equal(t, block.Clock(5), merged.ClockLen)
		assert.Equal(t, []byte("hello"), merged.Payload())

		_, err = tx.GetBlock(block.NewID(1, 2))
		assert.ErrorIs(t, err, ErrBlockNotFound, "right record must be gone")
		return nil
	}))
}

func TestIntern(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.WithTxn(ctx, func(tx *Tx) error {
		h1, err := tx.Intern("title")
		require.NoError(t, err)
		h2, err := tx.Intern("title")
		require.NoError(t, err)
		assert.Equal(t, h1, h2)

		s, err := tx.InternedString(h1)
		require.NoError(t, err)
		assert.Equal(t, "title", s)

		_, err = tx.InternedString(h1 + 1)
		assert.ErrorIs(t, err, ErrMetaNotFound)
		return nil
	}))
}

func TestInterns(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.WithTxn(ctx, func(tx *Tx) error {
		for _, s := range []string{"title", "body", "tags"} {
			if _, err := tx.Intern(s); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.WithReadTxn(ctx, func(tx *Tx) error {
		seen := make(map[uint32]string)
		require.NoError(t, tx.Interns(func(hash uint32, s string) error {
			seen[hash] = s
			return nil
		}))
		assert.Equal(t, map[uint32]string{
			InternHash("title"): "title",
			InternHash("body"):  "body",
			InternHash("tags"):  "tags",
		}, seen)
		return nil
	}))
}

func TestInternCollision(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.WithTxn(ctx, func(tx *Tx) error {
		// Plant a conflicting string under the hash "title" interns to.
		require.NoError(t, tx.txn.Set(internKey(InternHash("title")), []byte("other")))
		_, err := tx.Intern("title")
		assert.ErrorIs(t, err, ErrHashCollision)
		return nil
	}))
}

func TestRootNodeRegistry(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.WithTxn(ctx, func(tx *Tx) error {
		node, created, err := tx.GetOrCreateRootNode("body", block.NodeText)
		require.NoError(t, err)
		assert.True(t, created)
		assert.True(t, block.NodeID(node.ID()).IsRoot())

		again, created, err := tx.GetOrCreateRootNode("body", block.NodeText)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, node.ID(), again.ID())

		name, err := block.NodeContentName(again.Payload())
		require.NoError(t, err)
		assert.Equal(t, "body", name)
		return nil
	}))
}

func TestEntries(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	node := block.RootNodeID(InternHash("meta"))

	require.NoError(t, db.WithTxn(ctx, func(tx *Tx) error {
		require.NoError(t, tx.SetEntry(node, "b", block.NewID(1, 0)))
		require.NoError(t, tx.SetEntry(node, "a", block.NewID(2, 5)))
		return nil
	}))

	require.NoError(t, db.WithReadTxn(ctx, func(tx *Tx) error {
		head, err := tx.Entry(node, "a")
		require.NoError(t, err)
		assert.Equal(t, block.NewID(2, 5), head)

		_, err = tx.Entry(node, "zzz")
		assert.ErrorIs(t, err, ErrEntryNotFound)

		var keys []string
		require.NoError(t, tx.Entries(node, func(key string, head block.ID) error {
			keys = append(keys, key)
			return nil
		}))
		assert.Equal(t, []string{"a", "b"}, keys, "entries iterate in key order")
		return nil
	}))
}

func TestPendingStash(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.WithTxn(ctx, func(tx *Tx) error {
		require.NoError(t, tx.SetPending(block.NewID(2, 7), []byte("second")))
		require.NoError(t, tx.SetPending(block.NewID(1, 3), []byte("first")))
		return nil
	}))

	require.NoError(t, db.WithTxn(ctx, func(tx *Tx) error {
		var ids []block.ID
		require.NoError(t, tx.Pending(func(id block.ID, data []byte) error {
			ids = append(ids, id)
			return nil
		}))
		assert.Equal(t, []block.ID{block.NewID(1, 3), block.NewID(2, 7)}, ids)

		require.NoError(t, tx.DeletePending(block.NewID(1, 3)))
		ids = ids[:0]
		require.NoError(t, tx.Pending(func(id block.ID, data []byte) error {
			ids = append(ids, id)
			return nil
		}))
		assert.Equal(t, []block.ID{block.NewID(2, 7)}, ids)
		return nil
	}))
}
