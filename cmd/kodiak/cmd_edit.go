// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kodiak/block"
	"github.com/AleutianAI/kodiak/doc"
	"github.com/AleutianAI/kodiak/logging"
)

// openDoc opens the configured document, exiting on failure. The returned
// cleanup closes the whole store.
func openDoc() (*doc.Doc, func()) {
	level := logging.LevelWarn
	if verbose {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  logDir,
		Service: "kodiak",
	})

	opts := doc.DefaultOptions(dataDir)
	opts.Logger = logger.Slog()
	db, err := doc.Open(opts)
	if err != nil {
		log.Fatalf("Could not open store at %s: %v", dataDir, err)
	}
	d, err := db.Doc(docName)
	if err != nil {
		log.Fatalf("Could not open document %q: %v", docName, err)
	}
	return d, func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing store: %v", err)
		}
		_ = logger.Close()
	}
}

func runCat(cmd *cobra.Command, args []string) {
	d, cleanup := openDoc()
	defer cleanup()

	var text string
	err := d.WithReadTxn(context.Background(), func(tx *doc.Transaction) error {
		node, err := tx.Root(args[0], block.NodeText)
		if err != nil {
			return err
		}
		text, err = tx.Text(node)
		return err
	})
	if err != nil {
		log.Fatalf("Could not read %q: %v", args[0], err)
	}
	fmt.Println(text)
}

func runInsert(cmd *cobra.Command, args []string) {
	d, cleanup := openDoc()
	defer cleanup()

	err := d.WithTxn(context.Background(), func(tx *doc.Transaction) error {
		node, err := tx.Root(args[0], block.NodeText)
		if err != nil {
			return err
		}
		_, err = tx.TextInsert(node, block.Clock(atOffset), args[1])
		return err
	})
	if err != nil {
		log.Fatalf("Insert failed: %v", err)
	}
}

func runDelete(cmd *cobra.Command, args []string) {
	d, cleanup := openDoc()
	defer cleanup()

	err := d.WithTxn(context.Background(), func(tx *doc.Transaction) error {
		node, err := tx.Root(args[0], block.NodeText)
		if err != nil {
			return err
		}
		return tx.TextDelete(node, block.Clock(atOffset), block.Clock(delLength))
	})
	if err != nil {
		log.Fatalf("Delete failed: %v", err)
	}
}

func runSet(cmd *cobra.Command, args []string) {
	if !json.Valid([]byte(args[2])) {
		log.Fatalf("Value %q is not valid JSON", args[2])
	}
	d, cleanup := openDoc()
	defer cleanup()

	err := d.WithTxn(context.Background(), func(tx *doc.Transaction) error {
		node, err := tx.Root(args[0], block.NodeMap)
		if err != nil {
			return err
		}
		_, err = tx.SetMapEntry(node, args[1], doc.JSONValues([]byte(args[2])))
		return err
	})
	if err != nil {
		log.Fatalf("Set failed: %v", err)
	}
}

func runGet(cmd *cobra.Command, args []string) {
	d, cleanup := openDoc()
	defer cleanup()

	err := d.WithReadTxn(context.Background(), func(tx *doc.Transaction) error {
		node, err := tx.Root(args[0], block.NodeMap)
		if err != nil {
			return err
		}
		e, ok, err := tx.MapGet(node, args[1])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no entry %q", args[1])
		}
		elems, err := block.SplitFrames(e.Data)
		if err != nil {
			return err
		}
		for _, elem := range elems {
			fmt.Println(string(elem))
		}
		return nil
	})
	if err != nil {
		log.Fatalf("Get failed: %v", err)
	}
}
