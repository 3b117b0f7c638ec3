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
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestSealRoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	key := []byte("master secret for round trip tests")

	cases := []struct {
		name     string
		compress bool
		key      []byte
	}{
		{name: "plain", compress: false, key: nil},
		{name: "compressed", compress: true, key: nil},
		{name: "encrypted", compress: false, key: key},
		{name: "compressed encrypted", compress: true, key: key},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blob, err := sealPayload(tc.compress, tc.key, payload)
			if err != nil {
				t.Fatalf("sealPayload() error = %v", err)
			}
			if len(tc.key) > 0 && bytes.Contains(blob, payload) {
				t.Error("encrypted envelope still contains the raw payload")
			}

			got, err := openPayload(tc.key, blob)
			if err != nil {
				t.Fatalf("openPayload() error = %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("openPayload() = %q, want %q", got, payload)
			}
		})
	}
}

func TestSealCompressionShrinksRepetitivePayload(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 512)

	blob, err := sealPayload(true, nil, payload)
	if err != nil {
		t.Fatalf("sealPayload() error = %v", err)
	}
	if len(blob) >= len(payload) {
		t.Errorf("compressed envelope is %d bytes, want fewer than %d", len(blob), len(payload))
	}
}

func TestOpenRejectsTamperedPayload(t *testing.T) {
	payload := []byte("payload that must not survive a bit flip")
	key := []byte("tamper test key")

	t.Run("plain checksum", func(t *testing.T) {
		blob, err := sealPayload(false, nil, payload)
		if err != nil {
			t.Fatalf("sealPayload() error = %v", err)
		}
		blob[len(blob)-1] ^= 0x01

		if _, err := openPayload(nil, blob); !errors.Is(err, ErrIntegrity) {
			t.Errorf("openPayload() error = %v, want ErrIntegrity", err)
		}
	})

	t.Run("encrypted tag", func(t *testing.T) {
		blob, err := sealPayload(false, key, payload)
		if err != nil {
			t.Fatalf("sealPayload() error = %v", err)
		}
		blob[len(blob)-1] ^= 0x01

		if _, err := openPayload(key, blob); !errors.Is(err, ErrIntegrity) {
			t.Errorf("openPayload() error = %v, want ErrIntegrity", err)
		}
	})
}

func TestOpenRejectsWrongKey(t *testing.T) {
	blob, err := sealPayload(false, []byte("key one"), []byte("secret"))
	if err != nil {
		t.Fatalf("sealPayload() error = %v", err)
	}

	if _, err := openPayload([]byte("key two"), blob); !errors.Is(err, ErrIntegrity) {
		t.Errorf("openPayload() error = %v, want ErrIntegrity", err)
	}
}

func TestOpenEncryptedWithoutKey(t *testing.T) {
	blob, err := sealPayload(false, []byte("only the writer has this"), []byte("secret"))
	if err != nil {
		t.Fatalf("sealPayload() error = %v", err)
	}

	_, err = openPayload(nil, blob)
	if err == nil {
		t.Fatal("openPayload() succeeded without the key")
	}
	if errors.Is(err, ErrIntegrity) {
		t.Error("missing key should be a configuration error, not an integrity failure")
	}
	if !strings.Contains(err.Error(), "no key") {
		t.Errorf("openPayload() error = %v, want mention of the missing key", err)
	}
}

func TestOpenRejectsTruncatedBlobs(t *testing.T) {
	for _, blob := range [][]byte{nil, {}, {flagEncrypted}, {0, 1, 2}} {
		if _, err := openPayload([]byte("k"), blob); !errors.Is(err, ErrIntegrity) {
			t.Errorf("openPayload(%v) error = %v, want ErrIntegrity", blob, err)
		}
	}
}

func TestSealerClampsWorkers(t *testing.T) {
	low := newSealer(false, nil, 1, time.Second)
	defer low.close()
	if got := cap(low.tasks); got != 4 {
		t.Errorf("task queue capacity = %d, want 4 for a clamped 2-worker pool", got)
	}

	high := newSealer(false, nil, 16, time.Second)
	defer high.close()
	if got := cap(high.tasks); got != 8 {
		t.Errorf("task queue capacity = %d, want 8 for a clamped 4-worker pool", got)
	}
}

func TestSealerTaskTimeout(t *testing.T) {
	s := newSealer(false, nil, 2, 20*time.Millisecond)
	defer s.close()

	release := make(chan struct{})
	_, err := s.submit(context.Background(), "seal", func() ([]byte, error) {
		<-release
		return nil, nil
	})
	close(release)

	if !errors.Is(err, ErrTaskTimeout) {
		t.Errorf("submit() error = %v, want ErrTaskTimeout", err)
	}
}

func TestSealerRejectsWhenQueueStaysFull(t *testing.T) {
	s := newSealer(false, nil, 2, 30*time.Millisecond)
	defer s.close()

	// Two workers plus a 4-slot queue: six stalled tasks saturate the
	// pool so the seventh cannot even enqueue before its deadline. The
	// six were accepted and fail as timeouts; the seventh never was.
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.submit(context.Background(), "seal", func() ([]byte, error) {
				<-release
				return nil, nil
			})
			if !errors.Is(err, ErrTaskTimeout) {
				t.Errorf("stalled submit() error = %v, want ErrTaskTimeout", err)
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)

	_, err := s.submit(context.Background(), "seal", func() ([]byte, error) {
		return nil, nil
	})
	close(release)
	wg.Wait()

	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("submit() on a saturated pool error = %v, want ErrQueueFull", err)
	}
}

func TestSealerCancelledContext(t *testing.T) {
	s := newSealer(false, nil, 2, time.Second)
	defer s.close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	release := make(chan struct{})
	defer close(release)
	for i := 0; i < 6; i++ {
		go s.submit(context.Background(), "seal", func() ([]byte, error) {
			<-release
			return nil, nil
		})
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := s.submit(ctx, "seal", func() ([]byte, error) { return nil, nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("submit() error = %v, want context.Canceled", err)
	}
}

func TestSealerConcurrentRoundTrips(t *testing.T) {
	s := newSealer(true, []byte("concurrent test key"), 4, time.Second)
	defer s.close()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte(n)}, 128)
			blob, err := s.sealIn(context.Background(), payload)
			if err != nil {
				errs <- err
				return
			}
			got, err := s.openIn(context.Background(), blob)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(got, payload) {
				errs <- errors.New("round trip mismatch")
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent round trip: %v", err)
	}
}
