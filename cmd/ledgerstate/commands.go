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
	configPath  string
	strictMode  bool   // schema validate: reject unreferenced definitions
	outPath     string // record encode: write raw bytes here instead of hex
	inPath      string // record decode: read raw bytes here instead of hex
	schemaFiles []string
	trackSpecs  []string
	ledgerDir   string // CLI override for ledger.source=dir
	ledgerURL   string // CLI override for ledger.source=ws
	traceStdout bool   // CLI override for telemetry.stdout_traces

	rootCmd = &cobra.Command{
		Use:   "ledgerstate",
		Short: "A cli to manage the Aleutian ledger state engine",
		Long: `Ledgerstate keeps a local, queryable mirror of versioned account
				records published on a remote ledger. The cli validates schema
				definitions, encodes and decodes record payloads, inspects
				snapshots, and runs the synchronization daemon.`,
	}

	// --- Schemas ---
	schemaCmd = &cobra.Command{
		Use:   "schema",
		Short: "Validate and inspect schema definitions",
	}
	schemaValidateCmd = &cobra.Command{
		Use:   "validate [schema.yaml]",
		Short: "Check a schema definition file for structural violations",
		Run:   runSchemaValidate, // Defined in cmd_schema.go
	}
	schemaLayoutCmd = &cobra.Command{
		Use:   "layout [schema.yaml]",
		Short: "Print the computed binary layout of a schema",
		Run:   runSchemaLayout, // Defined in cmd_schema.go
	}
	schemaDiffCmd = &cobra.Command{
		Use:   "diff [old.yaml] [new.yaml]",
		Short: "Compare two schema versions and report breaking changes",
		Run:   runSchemaDiff, // Defined in cmd_schema.go
	}

	// --- Records ---
	recordCmd = &cobra.Command{
		Use:   "record",
		Short: "Encode and decode record payloads",
	}
	recordEncodeCmd = &cobra.Command{
		Use:   "encode [schema.yaml] [record.yaml]",
		Short: "Encode a YAML record document into its binary form",
		Run:   runRecordEncode, // Defined in cmd_record.go
	}
	recordDecodeCmd = &cobra.Command{
		Use:   "decode [schema.yaml] [hex]",
		Short: "Decode a binary record back into YAML",
		Run:   runRecordDecode, // Defined in cmd_record.go
	}

	// --- Snapshots ---
	snapshotCmd = &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect persisted cache snapshots",
	}
	snapshotInspectCmd = &cobra.Command{
		Use:   "inspect [store-dir]",
		Short: "Print the contents of a snapshot store without restoring it",
		Run:   runSnapshotInspect, // Defined in cmd_snapshot.go
	}
	snapshotRestoreCmd = &cobra.Command{
		Use:   "restore [store-dir]",
		Short: "Restore the snapshot into a fresh engine and report what it holds",
		Run:   runSnapshotRestore, // Defined in cmd_snapshot.go
	}

	// --- Config ---
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage the engine configuration file",
	}
	configInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file if none exists",
		Run:   runConfigInit, // Defined in cmd_config.go
	}
	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after defaults apply",
		Run:   runConfigShow, // Defined in cmd_config.go
	}

	// --- Daemon ---
	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Run the synchronization daemon against the configured ledger",
		Run:   runSync, // Defined in cmd_sync.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml",
		"Path to the engine configuration file")

	// schema commands
	rootCmd.AddCommand(schemaCmd)
	schemaCmd.AddCommand(schemaValidateCmd)
	schemaCmd.AddCommand(schemaLayoutCmd)
	schemaCmd.AddCommand(schemaDiffCmd)
	schemaValidateCmd.Flags().BoolVar(&strictMode, "strict", false,
		"Also reject definitions that no field references")

	// record commands
	rootCmd.AddCommand(recordCmd)
	recordCmd.AddCommand(recordEncodeCmd)
	recordCmd.AddCommand(recordDecodeCmd)
	recordEncodeCmd.Flags().StringVar(&outPath, "out", "",
		"Write raw bytes to this file instead of printing hex")
	recordDecodeCmd.Flags().StringVar(&inPath, "in", "",
		"Read raw bytes from this file instead of a hex argument")

	// snapshot commands
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotInspectCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)
	snapshotRestoreCmd.Flags().StringSliceVar(&schemaFiles, "schema", nil,
		"Schema definition file needed to decode the snapshot (repeatable)")

	// config commands
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	// sync daemon
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().StringSliceVar(&schemaFiles, "schema", nil,
		"Schema definition file to register before syncing (repeatable)")
	syncCmd.Flags().StringSliceVar(&trackSpecs, "track", nil,
		"Account to mirror, as Schema:base58-account (repeatable)")
	syncCmd.Flags().StringVar(&ledgerDir, "ledger-dir", "",
		"Mirror records from a watched directory, overriding the config")
	syncCmd.Flags().StringVar(&ledgerURL, "ledger-url", "",
		"Mirror records from a websocket endpoint, overriding the config")
	syncCmd.Flags().BoolVar(&traceStdout, "trace-stdout", false,
		"Print spans to stdout regardless of the config")
}
