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
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLedger/pkg/telemetry"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/ledger"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/schema"
)

func runSync(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: "1.0.0",
		StdoutTraces:   cfg.Telemetry.StdoutTraces || traceStdout,
		Metrics:        cfg.Telemetry.MetricsAddr != "",
	})
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer shutdown(context.Background())

	source, err := buildSource(ctx)
	if err != nil {
		log.Fatalf("Failed to open the ledger source: %v", err)
	}
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
		fmt.Printf("Registered schema %s v%d\n", s.Name, s.Version)
	}

	if err := svc.Start(ctx); err != nil {
		log.Fatalf("Failed to restore state: %v", err)
	}

	for _, spec := range trackSpecs {
		name, id, err := splitTrackSpec(spec)
		if err != nil {
			log.Fatalf("Bad --track %q: %v", spec, err)
		}
		if err := svc.Track(ctx, id, name); err != nil {
			log.Fatalf("Failed to track %s: %v", spec, err)
		}
		fmt.Printf("Tracking %s as %s\n", id, name)
	}

	metricsSrv := startMetricsServer()

	stats := svc.Stats()
	fmt.Printf("State engine running with %d schema(s), %d tracked account(s). Press Ctrl+C to stop.\n",
		len(stats.Schemas), stats.Tracked)
	<-ctx.Done()

	fmt.Println("\nShutting down...")
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(closeCtx); err != nil {
			log.Printf("Error stopping the metrics server: %v", err)
		}
	}
	if err := svc.Close(closeCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
}

// buildSource picks the ledger boundary from the config, with the
// --ledger-dir and --ledger-url flags overriding it.
func buildSource(ctx context.Context) (ledger.Source, error) {
	kind, dir, url := cfg.Ledger.Source, cfg.Ledger.Dir, cfg.Ledger.URL
	if ledgerDir != "" && ledgerURL != "" {
		return nil, errors.New("--ledger-dir and --ledger-url are mutually exclusive")
	}
	if ledgerDir != "" {
		kind, dir = "dir", ledgerDir
	}
	if ledgerURL != "" {
		kind, url = "ws", ledgerURL
	}

	switch kind {
	case "dir":
		return ledger.NewDirSource(dir, ledger.WithDirLogger(logger.Logger))
	case "ws":
		return ledger.NewWSSource(ctx, url, ledger.WithWSLogger(logger.Logger))
	default:
		return ledger.NewMemorySource(), nil
	}
}

func splitTrackSpec(spec string) (string, record.AccountID, error) {
	name, b58, found := strings.Cut(spec, ":")
	if !found || name == "" {
		return "", record.AccountID{}, errors.New("want Schema:base58-account")
	}
	id, err := record.ParseAccountID(b58)
	if err != nil {
		return "", record.AccountID{}, err
	}
	return name, id, nil
}

func startMetricsServer() *http.Server {
	handler := telemetry.MetricsHandler()
	if handler == nil || cfg.Telemetry.MetricsAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: cfg.Telemetry.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server stopped: %v", err)
		}
	}()
	fmt.Printf("Serving metrics on %s/metrics\n", cfg.Telemetry.MetricsAddr)
	return srv
}
