// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no live entry exists for the
	// requested account.
	ErrNotFound = errors.New("record not cached")

	// ErrClosed is returned for operations after Close.
	ErrClosed = errors.New("cache manager is closed")

	// ErrTaskTimeout is returned when a seal or unseal task exceeds
	// the pool's per-task deadline. The task is abandoned, never
	// retried.
	ErrTaskTimeout = errors.New("seal task exceeded its deadline")

	// ErrQueueFull is returned when the seal pool's queue stays full
	// for the whole task deadline. The task never started.
	ErrQueueFull = errors.New("seal queue is full")

	// ErrIntegrity is returned when a stored payload fails its
	// authentication tag or checksum.
	ErrIntegrity = errors.New("payload integrity check failed")

	// ErrNoSnapshot is returned by stores with nothing persisted.
	// Restore treats it as an empty cache.
	ErrNoSnapshot = errors.New("no snapshot stored")

	// ErrCorruptSnapshot is returned when a persisted snapshot fails
	// structural or integrity verification. The restore is rejected
	// whole, never partially applied.
	ErrCorruptSnapshot = errors.New("snapshot is corrupt")
)

// OpError reports a failed cache operation with the account it was
// operating on.
type OpError struct {
	Op  string
	Key string

	// Cause is the underlying failure.
	Cause error
}

func (e *OpError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Key, e.Cause)
}

func (e *OpError) Unwrap() error { return e.Cause }
