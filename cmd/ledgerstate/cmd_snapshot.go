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
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/cache"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/ledger"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/schema"
	badgerstore "github.com/AleutianAI/AleutianLedger/services/ledgerstate/storage/badger"
)

func runSnapshotInspect(cmd *cobra.Command, args []string) {
	dir := cfg.Cache.SnapshotPath
	if len(args) == 1 {
		dir = args[0]
	}
	if dir == "" {
		log.Fatalf("No snapshot store: pass a directory or set cache.snapshot_path")
	}

	store, err := badgerstore.NewStore(badgerstore.DefaultConfig(dir))
	if err != nil {
		log.Fatalf("Failed to open snapshot store %s: %v", dir, err)
	}
	defer store.Close()

	data, err := store.Load(context.Background())
	if errors.Is(err, cache.ErrNoSnapshot) {
		fmt.Println("Store is empty: no snapshot has been written yet")
		return
	}
	if err != nil {
		log.Fatalf("Failed to load snapshot: %v", err)
	}

	info, err := cache.Inspect(data)
	if err != nil {
		log.Fatalf("Failed to parse snapshot: %v", err)
	}

	fmt.Printf("Snapshot v%d, captured %s, %d record(s), %d bytes on disk",
		info.Version, info.CapturedAt.Format(time.RFC3339), len(info.Entries), len(data))
	if info.Compressed {
		fmt.Print(", compressed")
	}
	fmt.Println()

	if len(info.Entries) == 0 {
		return
	}
	fmt.Printf("%-44s  %-20s  %12s  %8s\n", "ACCOUNT", "SCHEMA", "SLOT", "BYTES")
	for _, e := range info.Entries {
		fmt.Printf("%-44s  %-20s  %12d  %8d\n",
			e.Account.String(), fmt.Sprintf("%s@%d", e.Schema, e.Version), e.Slot, e.PayloadSize)
	}
}

// runSnapshotRestore is a restore drill: it decodes the snapshot
// through a fresh engine, which needs the schemas (and the sealing
// key, via the config) that inspect does not.
func runSnapshotRestore(cmd *cobra.Command, args []string) {
	if len(args) == 1 {
		cfg.Cache.SnapshotPath = args[0]
	}
	if cfg.Cache.SnapshotPath == "" {
		log.Fatalf("No snapshot store: pass a directory or set cache.snapshot_path")
	}

	ctx := context.Background()
	source := ledger.NewMemorySource()
	defer source.Close()

	svc, err := ledgerstate.New(cfg, source, ledgerstate.WithLogger(logger.Logger))
	if err != nil {
		log.Fatalf("Failed to build the state engine: %v", err)
	}

	for _, path := range schemaFiles {
		s, err := schema.FromYAMLFile(path)
		if err != nil {
			log.Fatalf("Failed to load schema: %v", err)
		}
		if err := svc.RegisterSchema(ctx, s, schema.RegisterOptions{}); err != nil {
			log.Fatalf("Failed to register %s v%d: %v", s.Name, s.Version, err)
		}
	}

	if err := svc.Start(ctx); err != nil {
		log.Fatalf("Failed to restore: %v", err)
	}

	stats := svc.Stats()
	fmt.Printf("Restored %d record(s) from %s\n", stats.Cache.Entries, cfg.Cache.SnapshotPath)
	for _, name := range stats.Schemas {
		fmt.Printf("  %-20s %d indexed\n", name, stats.Index[name])
	}

	if err := svc.Close(ctx); err != nil {
		log.Fatalf("Failed to close cleanly: %v", err)
	}
}
