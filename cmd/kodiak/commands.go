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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	dataDir    string
	docName    string
	logDir     string
	verbose    bool
	jsonOutput bool
	atOffset   uint32
	delLength  uint32
	outFile    string
	sinceFile  string

	rootCmd = &cobra.Command{
		Use:   "kodiak",
		Short: "A cli to edit and inspect kodiak collaborative documents",
		Long: `Kodiak stores conflict-free collaborative documents in a local
				key-value store. Replicas exchange compact binary updates and
				converge without coordination.`,
	}

	// --- Editing ---
	catCmd = &cobra.Command{
		Use:   "cat [root]",
		Short: "Print the visible text of a root node",
		Args:  cobra.ExactArgs(1),
		Run:   runCat, // Defined in cmd_edit.go
	}
	insertCmd = &cobra.Command{
		Use:   "insert [root] [text]",
		Short: "Insert text into a root node at a UTF-16 offset",
		Args:  cobra.ExactArgs(2),
		Run:   runInsert, // Defined in cmd_edit.go
	}
	deleteCmd = &cobra.Command{
		Use:   "delete [root]",
		Short: "Delete a span of a root node's visible text",
		Args:  cobra.ExactArgs(1),
		Run:   runDelete, // Defined in cmd_edit.go
	}
	setCmd = &cobra.Command{
		Use:   "set [root] [key] [json-value]",
		Short: "Set a map entry on a root node",
		Args:  cobra.ExactArgs(3),
		Run:   runSet, // Defined in cmd_edit.go
	}
	getCmd = &cobra.Command{
		Use:   "get [root] [key]",
		Short: "Read the winning value of a map entry",
		Args:  cobra.ExactArgs(2),
		Run:   runGet, // Defined in cmd_edit.go
	}

	// --- Sync ---
	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Exchange updates with other replicas",
	}
	syncDiffCmd = &cobra.Command{
		Use:   "diff",
		Short: "Write an update with everything a remote state vector is missing",
		Run:   runSyncDiff, // Defined in cmd_sync.go
	}
	syncApplyCmd = &cobra.Command{
		Use:   "apply [update-file]",
		Short: "Apply an update produced by another replica",
		Args:  cobra.ExactArgs(1),
		Run:   runSyncApply, // Defined in cmd_sync.go
	}
	syncStateCmd = &cobra.Command{
		Use:   "state",
		Short: "Write this replica's state vector for a remote diff",
		Run:   runSyncState, // Defined in cmd_sync.go
	}

	// --- Inspection ---
	inspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "Dump the document's metadata, blocks, entries, and delete set",
		Run:   runInspect, // Defined in cmd_inspect.go
	}
	stateCmd = &cobra.Command{
		Use:   "state",
		Short: "Show the document's state vector",
		Run:   runState, // Defined in cmd_inspect.go
	}
	blocksCmd = &cobra.Command{
		Use:   "blocks",
		Short: "Dump the document's block table",
		Run:   runBlocks, // Defined in cmd_inspect.go
	}
	deletesCmd = &cobra.Command{
		Use:   "deletes",
		Short: "Show the document's delete set",
		Run:   runDeletes, // Defined in cmd_inspect.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "dir", "./kodiak-data",
		"Directory holding the document stores")
	rootCmd.PersistentFlags().StringVar(&docName, "doc", "default",
		"Document to operate on")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "",
		"Directory for JSON log files; empty disables file logging")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false,
		"Enable debug logging")

	rootCmd.AddCommand(catCmd)

	rootCmd.AddCommand(insertCmd)
	insertCmd.Flags().Uint32Var(&atOffset, "at", 0, "UTF-16 offset to insert at")

	rootCmd.AddCommand(deleteCmd)
	deleteCmd.Flags().Uint32Var(&atOffset, "at", 0, "UTF-16 offset to delete from")
	deleteCmd.Flags().Uint32Var(&delLength, "len", 1, "Number of UTF-16 units to delete")

	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(getCmd)

	rootCmd.AddCommand(syncCmd)
	syncCmd.AddCommand(syncDiffCmd)
	syncDiffCmd.Flags().StringVar(&sinceFile, "since", "",
		"File with the remote state vector; empty means send everything")
	syncDiffCmd.Flags().StringVar(&outFile, "out", "update.bin", "Where to write the update")
	syncCmd.AddCommand(syncApplyCmd)
	syncCmd.AddCommand(syncStateCmd)
	syncStateCmd.Flags().StringVar(&outFile, "out", "state.bin", "Where to write the state vector")

	rootCmd.AddCommand(inspectCmd)
	inspectCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit JSON")
	inspectCmd.AddCommand(stateCmd)
	inspectCmd.AddCommand(blocksCmd)
	inspectCmd.AddCommand(deletesCmd)
}
