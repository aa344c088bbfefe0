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
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kodiak/doc"
	"github.com/AleutianAI/kodiak/idset"
)

func runSyncState(cmd *cobra.Command, args []string) {
	d, cleanup := openDoc()
	defer cleanup()

	sv, err := d.StateVector(context.Background())
	if err != nil {
		log.Fatalf("Could not read state vector: %v", err)
	}
	if err := os.WriteFile(outFile, doc.EncodeStateVector(sv), 0o600); err != nil {
		log.Fatalf("Could not write %s: %v", outFile, err)
	}
	fmt.Printf("Wrote state vector for %d clients to %s\n", len(sv), outFile)
}

func runSyncDiff(cmd *cobra.Command, args []string) {
	d, cleanup := openDoc()
	defer cleanup()

	since := idset.NewStateVector()
	if sinceFile != "" {
		raw, err := os.ReadFile(sinceFile)
		if err != nil {
			log.Fatalf("Could not read %s: %v", sinceFile, err)
		}
		if since, err = doc.DecodeStateVector(raw); err != nil {
			log.Fatalf("Could not parse state vector: %v", err)
		}
	}

	update, err := d.DiffUpdate(context.Background(), since)
	if err != nil {
		log.Fatalf("Could not build update: %v", err)
	}
	if err := os.WriteFile(outFile, update, 0o600); err != nil {
		log.Fatalf("Could not write %s: %v", outFile, err)
	}
	fmt.Printf("Wrote %d byte update to %s\n", len(update), outFile)
}

func runSyncApply(cmd *cobra.Command, args []string) {
	d, cleanup := openDoc()
	defer cleanup()

	update, err := os.ReadFile(args[0])
	if err != nil {
		log.Fatalf("Could not read %s: %v", args[0], err)
	}
	if err := d.ApplyUpdate(context.Background(), update); err != nil {
		log.Fatalf("Apply failed: %v", err)
	}
	fmt.Printf("Applied %d byte update to %q\n", len(update), docName)
}
