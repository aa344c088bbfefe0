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
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/kodiak/block"
	"github.com/AleutianAI/kodiak/idset"
	"github.com/AleutianAI/kodiak/store"
	"github.com/AleutianAI/kodiak/wire"
)

const (
	metaClientID  = "client"
	metaDeleteSet = "deleteset"
)

// conflictRetries bounds transparent retries of transactions that lose a
// serialization conflict.
const conflictRetries = 5

// Doc is one open document. All reads and writes go through transactions.
//
// Thread Safety: safe for concurrent use; conflicting writers are
// serialized by the store and retried.
type Doc struct {
	name   string
	db     *store.DB
	client block.ClientID
	logger *slog.Logger

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(update, origin []byte)
}

func newDoc(name string, sdb *store.DB, logger *slog.Logger) (*Doc, error) {
	d := &Doc{
		name:   name,
		db:     sdb,
		logger: logger.With(slog.String("doc", name)),
	}

	// Adopt the persisted client identity, or mint one on first open.
	err := sdb.WithTxn(context.Background(), func(tx *store.Tx) error {
		val, err := tx.Meta(metaClientID)
		if err == nil {
			if len(val) != 4 {
				return fmt.Errorf("%w: client id has %d bytes", store.ErrCorrupt, len(val))
			}
			d.client = block.ClientID(binary.BigEndian.Uint32(val))
			return nil
		}
		if !errors.Is(err, store.ErrMetaNotFound) {
			return err
		}
		d.client = block.NewRandomClientID()
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(d.client))
		return tx.SetMeta(metaClientID, buf[:])
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap document %q: %w", name, err)
	}
	return d, nil
}

// Name returns the document name.
func (d *Doc) Name() string {
	return d.name
}

// ClientID returns this replica's identity for the document.
func (d *Doc) ClientID() block.ClientID {
	return d.client
}

func (d *Doc) close() error {
	return d.db.Close()
}

// OnUpdate registers fn to run after every committed write transaction that
// produced changes. fn receives the transaction's incremental update and
// its origin tag; feeding the update to other replicas keeps them in sync.
// The returned function removes the subscription.
func (d *Doc) OnUpdate(fn func(update, origin []byte)) func() {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	if d.subs == nil {
		d.subs = make(map[int]func(update, origin []byte))
	}
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	return func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		delete(d.subs, id)
	}
}

func (d *Doc) hasSubscribers() bool {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	return len(d.subs) > 0
}

func (d *Doc) notify(update, origin []byte) {
	d.subMu.Lock()
	subs := make([]func(update, origin []byte), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	d.subMu.Unlock()
	for _, fn := range subs {
		fn(update, origin)
	}
}

// WriteTransaction starts a read-write transaction. origin is an opaque
// caller tag carried on the transaction, useful to distinguish local edits
// from sync traffic in callbacks and logs.
func (d *Doc) WriteTransaction(ctx context.Context, origin []byte) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	txn := d.db.NewTransaction(true)
	t, err := newTransaction(d, txn, true, origin)
	if err != nil {
		txn.Discard()
		return nil, err
	}
	return t, nil
}

// ReadTransaction starts a read-only transaction.
func (d *Doc) ReadTransaction(ctx context.Context) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	txn := d.db.NewTransaction(false)
	t, err := newTransaction(d, txn, false, nil)
	if err != nil {
		txn.Discard()
		return nil, err
	}
	return t, nil
}

// WithTxn runs fn inside a write transaction and commits it, retrying a
// bounded number of times when the commit loses a serialization conflict.
func (d *Doc) WithTxn(ctx context.Context, fn func(t *Transaction) error) error {
	for attempt := 0; ; attempt++ {
		t, err := d.WriteTransaction(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			t.Rollback()
			return err
		}
		err = t.Commit()
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) || attempt+1 >= conflictRetries {
			return err
		}
		d.logger.Debug("transaction conflict, retrying",
			slog.Int("attempt", attempt+1))
	}
}

// WithReadTxn runs fn inside a read-only transaction.
func (d *Doc) WithReadTxn(ctx context.Context, fn func(t *Transaction) error) error {
	t, err := d.ReadTransaction(ctx)
	if err != nil {
		return err
	}
	defer t.Rollback()
	return fn(t)
}

// ApplyUpdate integrates a remote update payload.
func (d *Doc) ApplyUpdate(ctx context.Context, data []byte) error {
	return d.WithTxn(ctx, func(t *Transaction) error {
		return t.ApplyUpdate(data)
	})
}

// StateVector reads the document's current state vector.
func (d *Doc) StateVector(ctx context.Context) (idset.StateVector, error) {
	var vector idset.StateVector
	err := d.WithReadTxn(ctx, func(t *Transaction) error {
		vector = t.StateVector()
		return nil
	})
	return vector, err
}

// DiffUpdate encodes everything the document knows beyond the given remote
// state vector, plus the full delete set.
func (d *Doc) DiffUpdate(ctx context.Context, since idset.StateVector) ([]byte, error) {
	var data []byte
	err := d.WithReadTxn(ctx, func(t *Transaction) error {
		var err error
		data, err = t.DiffUpdate(since)
		return err
	})
	return data, err
}

// EncodeStateVector serializes a state vector for a sync handshake.
func EncodeStateVector(v idset.StateVector) []byte {
	return wire.EncodeStateVector(v)
}

// DecodeStateVector parses a state vector from a sync handshake.
func DecodeStateVector(data []byte) (idset.StateVector, error) {
	return wire.DecodeStateVector(data)
}
