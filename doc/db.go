// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package doc is the engine surface: it manages documents, runs local edits
// and remote update integration inside store transactions, and produces
// updates for other replicas.
package doc

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/kodiak/store"
)

// Options configures a document database.
type Options struct {
	// Dir is the base directory; every document gets a subdirectory.
	// Required unless InMemory is set.
	Dir string

	// InMemory keeps all documents in memory. Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// GCInterval is how often each document runs value log GC.
	// Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio before GC runs.
	GCDiscardRatio float64

	// Logger receives engine and storage log output. Nil disables
	// logging.
	Logger *slog.Logger
}

// DefaultOptions returns production defaults rooted at dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:            dir,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryOptions returns defaults for testing.
func InMemoryOptions() Options {
	return Options{InMemory: true}
}

// Validate checks the options for obvious misuse.
func (o Options) Validate() error {
	if !o.InMemory && o.Dir == "" {
		return errors.New("dir is required for persistent databases")
	}
	return nil
}

// DB manages the open documents of one database directory.
//
// Thread Safety: safe for concurrent use.
type DB struct {
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	docs map[string]*Doc
}

// Open prepares a document database. Documents open lazily on first use.
func Open(opts Options) (*DB, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DB{
		opts:   opts,
		logger: logger,
		docs:   make(map[string]*Doc),
	}, nil
}

// Doc opens the named document, creating it on first use. Repeated calls
// return the same handle.
func (d *DB) Doc(name string) (*Doc, error) {
	if err := validateDocName(name); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if doc, ok := d.docs[name]; ok {
		return doc, nil
	}

	cfg := store.Config{
		InMemory:       d.opts.InMemory,
		SyncWrites:     d.opts.SyncWrites,
		GCInterval:     d.opts.GCInterval,
		GCDiscardRatio: d.opts.GCDiscardRatio,
		Logger:         d.opts.Logger,
	}
	if !d.opts.InMemory {
		cfg.Path = filepath.Join(d.opts.Dir, name)
	}
	sdb, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open document %q: %w", name, err)
	}

	doc, err := newDoc(name, sdb, d.logger)
	if err != nil {
		_ = sdb.Close()
		return nil, err
	}
	d.docs[name] = doc
	d.logger.Info("document opened",
		slog.String("doc", name),
		slog.Uint64("client", uint64(doc.ClientID())))
	return doc, nil
}

// Close closes every open document.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for name, doc := range d.docs {
		if err := doc.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close document %q: %w", name, err)
		}
		delete(d.docs, name)
	}
	return firstErr
}

func validateDocName(name string) error {
	if name == "" {
		return errors.New("document name must not be empty")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("document name %q must not be a path", name)
	}
	return nil
}
