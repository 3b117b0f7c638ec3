// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
)

func testID(n byte) record.AccountID {
	var id record.AccountID
	id[0] = n
	id[31] = n
	return id
}

func TestMemorySourceGetRecord(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	defer src.Close()

	owner := testID(7)
	src.SetRecord(testID(1), []byte("payload"), Meta{Slot: 42, Owner: owner})

	payload, meta, err := src.GetRecord(ctx, testID(1))
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if !bytes.Equal(payload, []byte("payload")) {
		t.Errorf("payload = %q, want %q", payload, "payload")
	}
	if meta.Slot != 42 {
		t.Errorf("slot = %d, want 42", meta.Slot)
	}
	if meta.Owner != owner {
		t.Errorf("owner = %s, want %s", meta.Owner, owner)
	}
}

func TestMemorySourceNotFound(t *testing.T) {
	src := NewMemorySource()
	defer src.Close()

	_, _, err := src.GetRecord(context.Background(), testID(9))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecord() error = %v, want ErrNotFound", err)
	}

	src.SetRecord(testID(9), []byte("x"), Meta{Slot: 1})
	src.DeleteRecord(testID(9))
	_, _, err = src.GetRecord(context.Background(), testID(9))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecord() after delete error = %v, want ErrNotFound", err)
	}
}

func TestMemorySourcePayloadIsolation(t *testing.T) {
	src := NewMemorySource()
	defer src.Close()

	buf := []byte("mutable")
	src.SetRecord(testID(1), buf, Meta{Slot: 1})
	buf[0] = 'X'

	payload, _, err := src.GetRecord(context.Background(), testID(1))
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if !bytes.Equal(payload, []byte("mutable")) {
		t.Errorf("stored payload changed with the caller's buffer: %q", payload)
	}

	payload[0] = 'Y'
	again, _, _ := src.GetRecord(context.Background(), testID(1))
	if !bytes.Equal(again, []byte("mutable")) {
		t.Errorf("returned payload aliases the stored one: %q", again)
	}
}

func TestMemorySourceNotifies(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	defer src.Close()

	type note struct {
		id      record.AccountID
		payload []byte
		meta    Meta
	}
	got := make([]note, 0, 2)

	handle, err := src.Subscribe(ctx, testID(1), func(id record.AccountID, payload []byte, meta Meta) {
		got = append(got, note{id: id, payload: payload, meta: meta})
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	src.SetRecord(testID(1), []byte("v1"), Meta{Slot: 1})
	src.SetRecord(testID(2), []byte("other"), Meta{Slot: 1})
	src.SetRecord(testID(1), []byte("v2"), Meta{Slot: 2})

	if len(got) != 2 {
		t.Fatalf("got %d notifications, want 2 (only the subscribed account)", len(got))
	}
	if !bytes.Equal(got[0].payload, []byte("v1")) || got[0].meta.Slot != 1 {
		t.Errorf("first notification = %q slot %d", got[0].payload, got[0].meta.Slot)
	}
	if !bytes.Equal(got[1].payload, []byte("v2")) || got[1].meta.Slot != 2 {
		t.Errorf("second notification = %q slot %d", got[1].payload, got[1].meta.Slot)
	}

	if err := src.Unsubscribe(handle); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	src.SetRecord(testID(1), []byte("v3"), Meta{Slot: 3})
	if len(got) != 2 {
		t.Errorf("notified after unsubscribe: %d notifications", len(got))
	}
}

func TestMemorySourceUnsubscribeUnknown(t *testing.T) {
	src := NewMemorySource()
	defer src.Close()

	if err := src.Unsubscribe("no-such-handle"); !errors.Is(err, ErrUnknownSubscription) {
		t.Errorf("Unsubscribe() error = %v, want ErrUnknownSubscription", err)
	}
}

func TestMemorySourceClose(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()

	src.SetRecord(testID(1), []byte("x"), Meta{Slot: 1})
	if _, err := src.Subscribe(ctx, testID(1), func(record.AccountID, []byte, Meta) {}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := src.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, _, err := src.GetRecord(ctx, testID(1)); !errors.Is(err, ErrClosed) {
		t.Errorf("GetRecord() after close error = %v, want ErrClosed", err)
	}
	if _, err := src.Subscribe(ctx, testID(1), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe() after close error = %v, want ErrClosed", err)
	}
	if n := src.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount() after close = %d, want 0", n)
	}
}
