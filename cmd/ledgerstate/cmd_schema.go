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
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/layout"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/schema"
)

func runSchemaValidate(cmd *cobra.Command, args []string) {
	if len(args) != 1 {
		log.Fatalf("Usage: ledgerstate schema validate <schema.yaml>")
	}

	s, err := schema.FromYAMLFile(args[0])
	if err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			fmt.Printf("Schema %s v%d failed validation:\n", verr.Schema, verr.Version)
			for _, v := range verr.Violations {
				fmt.Printf("  - %s\n", v.String())
			}
			os.Exit(1)
		}
		log.Fatalf("Failed to load schema: %v", err)
	}

	if strictMode {
		if violations := schema.Validate(s, true); len(violations) > 0 {
			fmt.Printf("Schema %s v%d failed strict validation:\n", s.Name, s.Version)
			for _, v := range violations {
				fmt.Printf("  - %s\n", v.String())
			}
			os.Exit(1)
		}
	}

	fmt.Printf("Schema %s v%d is valid (%d fields)\n", s.Name, s.Version, len(s.Fields))
	if s.HasDiscriminator() {
		fmt.Printf("Discriminator: %d\n", *s.Discriminator)
	}
}

func runSchemaLayout(cmd *cobra.Command, args []string) {
	if len(args) != 1 {
		log.Fatalf("Usage: ledgerstate schema layout <schema.yaml>")
	}

	s, err := schema.FromYAMLFile(args[0])
	if err != nil {
		log.Fatalf("Failed to load schema: %v", err)
	}

	l, err := layout.NewEngine().Compute(context.Background(), s)
	if err != nil {
		log.Fatalf("Failed to compute layout: %v", err)
	}
	fmt.Print(l.String())
}

func runSchemaDiff(cmd *cobra.Command, args []string) {
	if len(args) != 2 {
		log.Fatalf("Usage: ledgerstate schema diff <old.yaml> <new.yaml>")
	}

	from, err := schema.FromYAMLFile(args[0])
	if err != nil {
		log.Fatalf("Failed to load %s: %v", args[0], err)
	}
	to, err := schema.FromYAMLFile(args[1])
	if err != nil {
		log.Fatalf("Failed to load %s: %v", args[1], err)
	}

	compat := schema.Check(from, to)
	fmt.Printf("Comparing %s v%d -> %s v%d\n", from.Name, from.Version, to.Name, to.Version)
	printList("Added", compat.AddedFields)
	printList("Removed", compat.RemovedFields)
	printList("Modified", compat.ModifiedFields)

	if compat.Compatible {
		fmt.Println("Result: compatible, existing records migrate without loss")
		return
	}
	fmt.Println("Result: INCOMPATIBLE")
	for _, bc := range compat.BreakingChanges {
		fmt.Printf("  ! %s\n", bc.String())
	}
	os.Exit(1)
}

func printList(label string, fields []string) {
	if len(fields) == 0 {
		return
	}
	fmt.Printf("%s:\n", label)
	for _, f := range fields {
		fmt.Printf("  - %s\n", f)
	}
}
