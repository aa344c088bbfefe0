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
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kodiak/block"
	"github.com/AleutianAI/kodiak/doc"
	"github.com/AleutianAI/kodiak/store"
)

func emitJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatalf("Could not encode output: %v", err)
	}
}

type blockRow struct {
	ID      string `json:"id"`
	Len     uint32 `json:"len"`
	Type    string `json:"type"`
	Deleted bool   `json:"deleted,omitempty"`
	Key     string `json:"key,omitempty"`
	Left    string `json:"left,omitempty"`
	Right   string `json:"right,omitempty"`
	Parent  string `json:"parent,omitempty"`
}

func collectBlocks(tx *doc.Transaction) ([]blockRow, error) {
	var rows []blockRow
	err := tx.Store().AllBlocks(func(b *block.Block) error {
		row := blockRow{
			ID:      b.ID().String(),
			Len:     uint32(b.ClockLen),
			Type:    b.Type.String(),
			Deleted: b.Deleted(),
			Key:     b.Key(),
		}
		if l, ok := b.Left(); ok {
			row.Left = l.String()
		}
		if r, ok := b.Right(); ok {
			row.Right = r.String()
		}
		if p, ok := b.Parent(); ok {
			row.Parent = p.String()
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

func collectDeletes(tx *doc.Transaction) map[string][][2]uint32 {
	s := tx.DeleteSet()
	deletes := make(map[string][][2]uint32, len(s))
	for _, client := range s.Clients() {
		ranges := make([][2]uint32, 0, len(s[client]))
		for _, r := range s[client] {
			ranges = append(ranges, [2]uint32{uint32(r.Start), uint32(r.End)})
		}
		deletes[fmt.Sprintf("%d", client)] = ranges
	}
	return deletes
}

// collectEntries gathers every named root node's map entries, keyed by the
// root name. Roots without entries are omitted.
func collectEntries(tx *doc.Transaction) (map[string]map[string]string, error) {
	st := tx.Store()
	entries := make(map[string]map[string]string)
	err := st.Interns(func(hash uint32, name string) error {
		node, err := st.RootNode(name)
		if errors.Is(err, store.ErrBlockNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		perKey := make(map[string]string)
		err = st.Entries(block.NodeID(node.ID()), func(key string, head block.ID) error {
			perKey[key] = head.String()
			return nil
		})
		if err != nil {
			return err
		}
		if len(perKey) > 0 {
			entries[name] = perKey
		}
		return nil
	})
	return entries, err
}

func runState(cmd *cobra.Command, args []string) {
	d, cleanup := openDoc()
	defer cleanup()

	sv, err := d.StateVector(context.Background())
	if err != nil {
		log.Fatalf("Could not read state vector: %v", err)
	}
	if jsonOutput {
		out := make(map[string]uint32, len(sv))
		for _, client := range sv.Clients() {
			out[fmt.Sprintf("%d", client)] = uint32(sv.Get(client))
		}
		emitJSON(out)
		return
	}
	fmt.Printf("document %q, client %d\n", d.Name(), d.ClientID())
	for _, client := range sv.Clients() {
		fmt.Printf("  client %10d: %d clocks\n", client, sv.Get(client))
	}
}

func runBlocks(cmd *cobra.Command, args []string) {
	d, cleanup := openDoc()
	defer cleanup()

	var rows []blockRow
	err := d.WithReadTxn(context.Background(), func(tx *doc.Transaction) error {
		var err error
		rows, err = collectBlocks(tx)
		return err
	})
	if err != nil {
		log.Fatalf("Could not walk blocks: %v", err)
	}
	if jsonOutput {
		emitJSON(rows)
		return
	}
	for _, row := range rows {
		flags := ""
		if row.Deleted {
			flags = " deleted"
		}
		fmt.Printf("%-14s len=%-5d %-8s parent=%-14s left=%-14s right=%-14s key=%s%s\n",
			row.ID, row.Len, row.Type, row.Parent, row.Left, row.Right, row.Key, flags)
	}
}

func runDeletes(cmd *cobra.Command, args []string) {
	d, cleanup := openDoc()
	defer cleanup()

	var deletes map[string][][2]uint32
	err := d.WithReadTxn(context.Background(), func(tx *doc.Transaction) error {
		deletes = collectDeletes(tx)
		return nil
	})
	if err != nil {
		log.Fatalf("Could not read delete set: %v", err)
	}
	if jsonOutput {
		emitJSON(deletes)
		return
	}
	for client, ranges := range deletes {
		fmt.Printf("client %s:", client)
		for _, r := range ranges {
			fmt.Printf(" [%d,%d)", r[0], r[1])
		}
		fmt.Println()
	}
}

type inspectReport struct {
	Document string                       `json:"document"`
	ClientID uint32                       `json:"client_id"`
	State    map[string]uint32            `json:"state"`
	Interns  map[string]string            `json:"interns"`
	Blocks   []blockRow                   `json:"blocks"`
	Entries  map[string]map[string]string `json:"entries,omitempty"`
	Deletes  map[string][][2]uint32       `json:"deletes,omitempty"`
}

func runInspect(cmd *cobra.Command, args []string) {
	d, cleanup := openDoc()
	defer cleanup()

	report := inspectReport{
		Document: d.Name(),
		ClientID: uint32(d.ClientID()),
		State:    make(map[string]uint32),
		Interns:  make(map[string]string),
	}
	err := d.WithReadTxn(context.Background(), func(tx *doc.Transaction) error {
		for client, clock := range tx.StateVector() {
			report.State[fmt.Sprintf("%d", client)] = uint32(clock)
		}
		err := tx.Store().Interns(func(hash uint32, name string) error {
			report.Interns[fmt.Sprintf("%#x", hash)] = name
			return nil
		})
		if err != nil {
			return err
		}
		if report.Blocks, err = collectBlocks(tx); err != nil {
			return err
		}
		if report.Entries, err = collectEntries(tx); err != nil {
			return err
		}
		report.Deletes = collectDeletes(tx)
		return nil
	})
	if err != nil {
		log.Fatalf("Could not inspect document: %v", err)
	}
	if jsonOutput {
		emitJSON(report)
		return
	}

	fmt.Printf("document %q, client %d\n", report.Document, report.ClientID)
	fmt.Printf("state:\n")
	for client, clock := range report.State {
		fmt.Printf("  client %s: %d clocks\n", client, clock)
	}
	fmt.Printf("interned names:\n")
	for hash, name := range report.Interns {
		fmt.Printf("  %s %q\n", hash, name)
	}
	fmt.Printf("blocks (%d):\n", len(report.Blocks))
	for _, row := range report.Blocks {
		flags := ""
		if row.Deleted {
			flags = " deleted"
		}
		fmt.Printf("  %-14s len=%-5d %-8s parent=%-14s key=%s%s\n",
			row.ID, row.Len, row.Type, row.Parent, row.Key, flags)
	}
	if len(report.Entries) > 0 {
		fmt.Printf("map entries:\n")
		for root, perKey := range report.Entries {
			for key, head := range perKey {
				fmt.Printf("  %s.%s -> %s\n", root, key, head)
			}
		}
	}
	if len(report.Deletes) > 0 {
		fmt.Printf("deletes:\n")
		for client, ranges := range report.Deletes {
			fmt.Printf("  client %s:", client)
			for _, r := range ranges {
				fmt.Printf(" [%d,%d)", r[0], r[1])
			}
			fmt.Println()
		}
	}
}
