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
	"log"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLedger/pkg/logging"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/config"
)

var (
	cfg    config.Config
	logger *logging.Logger
)

func main() {
	// Execute the root command. Cobra handles parsing the arguments.
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
	if logger != nil {
		logger.Close()
	}
}

func init() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if err := config.EnsureDefault(configPath); err != nil {
			log.Fatalf("Error writing default config %s: %v", configPath, err)
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("Error loading %s: %v", configPath, err)
		}
		cfg = loaded

		lg, err := logging.New(logging.Config{
			Level:     cfg.Logging.Level,
			Format:    cfg.Logging.Format,
			AddSource: cfg.Logging.AddSource,
			LogDir:    cfg.Logging.Dir,
			Service:   cfg.Telemetry.ServiceName,
		})
		if err != nil {
			log.Fatalf("Error building the logger: %v", err)
		}
		logger = lg
		slog.SetDefault(logger.Logger)
	}
}
