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
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func runConfigInit(cmd *cobra.Command, args []string) {
	// PersistentPreRun already wrote the default file when none
	// existed, so all that is left is telling the user where it is.
	fmt.Printf("Configuration file ready at %s\n", configPath)
}

func runConfigShow(cmd *cobra.Command, args []string) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		log.Fatalf("Failed to render config: %v", err)
	}
	fmt.Print(string(out))
}
