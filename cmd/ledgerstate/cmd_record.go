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
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/codec"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/schema"
)

func runRecordEncode(cmd *cobra.Command, args []string) {
	if len(args) != 2 {
		log.Fatalf("Usage: ledgerstate record encode <schema.yaml> <record.yaml>")
	}

	s, err := schema.FromYAMLFile(args[0])
	if err != nil {
		log.Fatalf("Failed to load schema: %v", err)
	}
	doc, err := os.ReadFile(args[1])
	if err != nil {
		log.Fatalf("Failed to read record file: %v", err)
	}
	v, err := schema.ValueFromYAML(s, doc)
	if err != nil {
		log.Fatalf("Failed to build the record: %v", err)
	}

	c := codec.New(nil)
	if err := c.Validate(s, v); err != nil {
		log.Fatalf("Record violates %s v%d: %v", s.Name, s.Version, err)
	}
	buf, err := c.Encode(context.Background(), s, v)
	if err != nil {
		log.Fatalf("Failed to encode: %v", err)
	}

	if outPath != "" {
		if err := os.WriteFile(outPath, buf, 0o644); err != nil {
			log.Fatalf("Failed to write %s: %v", outPath, err)
		}
		fmt.Printf("Wrote %d bytes to %s\n", len(buf), outPath)
		return
	}
	fmt.Println(hex.EncodeToString(buf))
}

func runRecordDecode(cmd *cobra.Command, args []string) {
	if len(args) < 1 {
		log.Fatalf("Usage: ledgerstate record decode <schema.yaml> <hex> (or --in <file>)")
	}

	s, err := schema.FromYAMLFile(args[0])
	if err != nil {
		log.Fatalf("Failed to load schema: %v", err)
	}

	var buf []byte
	switch {
	case inPath != "":
		buf, err = os.ReadFile(inPath)
		if err != nil {
			log.Fatalf("Failed to read %s: %v", inPath, err)
		}
	case len(args) == 2:
		buf, err = hex.DecodeString(strings.TrimSpace(args[1]))
		if err != nil {
			log.Fatalf("Failed to parse hex payload: %v", err)
		}
	default:
		log.Fatalf("Usage: ledgerstate record decode <schema.yaml> <hex> (or --in <file>)")
	}

	v, err := codec.New(nil).Decode(context.Background(), s, buf)
	if err != nil {
		log.Fatalf("Failed to decode: %v", err)
	}

	node, err := structNode(s, v)
	if err != nil {
		log.Fatalf("Failed to render the record: %v", err)
	}
	out, err := yaml.Marshal(node)
	if err != nil {
		log.Fatalf("Failed to render yaml: %v", err)
	}
	fmt.Print(string(out))
}

// structNode renders a decoded value as a YAML mapping whose keys
// follow the schema's declaration order. Plain yaml.Marshal of a map
// would sort them.
func structNode(s *schema.Schema, v record.Value) (*yaml.Node, error) {
	n := &yaml.Node{Kind: yaml.MappingNode}
	for i := range s.Fields {
		f := &s.Fields[i]
		fv, ok := v.Field(f.Name)
		if !ok {
			continue
		}
		vn, err := valueNode(f.Type, fv)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		n.Content = append(n.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: f.Name}, vn)
	}
	return n, nil
}

func valueNode(ft schema.FieldType, v record.Value) (*yaml.Node, error) {
	switch ft.Kind {
	case record.KindStruct:
		return structNode(ft.Schema, v)
	case record.KindArray:
		n := &yaml.Node{Kind: yaml.SequenceNode}
		for _, item := range v.Items() {
			in, err := valueNode(*ft.Elem, item)
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, in)
		}
		return n, nil
	case record.KindAccount:
		id, _ := v.AsAccount()
		return scalarNode(id.String())
	case record.KindBool:
		b, _ := v.AsBool()
		return scalarNode(b)
	case record.KindString:
		s, _ := v.AsString()
		return scalarNode(s)
	case record.KindBytes:
		raw, _ := v.AsBytes()
		return scalarNode(raw)
	case record.KindI8, record.KindI16, record.KindI32, record.KindI64:
		i, _ := v.Int()
		return scalarNode(i)
	default:
		u, _ := v.Uint()
		return scalarNode(u)
	}
}

func scalarNode(v any) (*yaml.Node, error) {
	n := &yaml.Node{}
	if err := n.Encode(v); err != nil {
		return nil, err
	}
	return n, nil
}
