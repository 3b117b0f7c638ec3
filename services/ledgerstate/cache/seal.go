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
	"compress/flate"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Sealed payload envelope: one flags byte, then either
// salt || nonce || ciphertext+tag (encrypted) or a CRC-32 of the body
// followed by the body (plain). Compression, when flagged, applies to
// the body before encryption or checksumming.
const (
	flagCompressed byte = 1 << 0
	flagEncrypted  byte = 1 << 1

	saltSize = 16
)

// hkdfInfo domain-separates cache subkeys from any other use of the
// master key.
var hkdfInfo = []byte("ledgerstate.cache.v1")

// deriveKey stretches the master key into a per-entry AES-256 subkey.
func deriveKey(master, salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, master, salt, hkdfInfo)
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}
	return key, nil
}

func deflateBytes(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(p); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflateBytes(p []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(p))
	defer r.Close()
	return io.ReadAll(r)
}

func encryptBody(master, body []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key, err := deriveKey(master, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(body)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, body, nil), nil
}

func decryptBody(master, blob []byte) ([]byte, error) {
	if len(blob) < saltSize {
		return nil, ErrIntegrity
	}
	salt, rest := blob[:saltSize], blob[saltSize:]
	key, err := deriveKey(master, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrIntegrity
	}
	nonce, ct := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	body, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		// Fail closed: a bad tag and a wrong key are indistinguishable.
		return nil, ErrIntegrity
	}
	return body, nil
}

// sealPayload wraps payload in the envelope format. With an empty key
// the body is checksummed instead of encrypted.
func sealPayload(compress bool, key, payload []byte) ([]byte, error) {
	body := payload
	flags := byte(0)
	if compress {
		c, err := deflateBytes(payload)
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		body = c
		flags |= flagCompressed
	}

	if len(key) > 0 {
		enc, err := encryptBody(key, body)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 0, 1+len(enc))
		out = append(out, flags|flagEncrypted)
		return append(out, enc...), nil
	}

	out := make([]byte, 5+len(body))
	out[0] = flags
	binary.LittleEndian.PutUint32(out[1:5], crc32.ChecksumIEEE(body))
	copy(out[5:], body)
	return out, nil
}

// openPayload verifies and unwraps an envelope produced by
// sealPayload. Integrity is checked before anything is trusted.
func openPayload(key, blob []byte) ([]byte, error) {
	if len(blob) < 1 {
		return nil, ErrIntegrity
	}
	flags, rest := blob[0], blob[1:]

	var body []byte
	if flags&flagEncrypted != 0 {
		if len(key) == 0 {
			return nil, errors.New("payload is encrypted and no key is configured")
		}
		b, err := decryptBody(key, rest)
		if err != nil {
			return nil, err
		}
		body = b
	} else {
		if len(rest) < 4 {
			return nil, ErrIntegrity
		}
		want := binary.LittleEndian.Uint32(rest[:4])
		body = rest[4:]
		if crc32.ChecksumIEEE(body) != want {
			return nil, ErrIntegrity
		}
	}

	if flags&flagCompressed != 0 {
		p, err := inflateBytes(body)
		if err != nil {
			return nil, fmt.Errorf("inflate: %w", err)
		}
		return p, nil
	}
	return body, nil
}

// =============================================================================
// Seal Worker Pool
// =============================================================================

type sealResult struct {
	data []byte
	err  error
}

type sealTask struct {
	run  func() ([]byte, error)
	done chan sealResult
}

// sealer runs compression and encryption on a small fixed pool so
// CPU-bound work never rides a caller's goroutine unbounded. Each
// submitted task carries a hard deadline covering queueing and
// execution. A task the queue never accepted fails with ErrQueueFull;
// one that was accepted but missed the deadline fails with
// ErrTaskTimeout and the worker's eventual result is discarded.
type sealer struct {
	compress bool
	key      []byte
	timeout  time.Duration

	tasks     chan sealTask
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newSealer(compress bool, key []byte, workers int, timeout time.Duration) *sealer {
	if workers < 2 {
		workers = 2
	}
	if workers > 4 {
		workers = 4
	}
	s := &sealer{
		compress: compress,
		key:      key,
		timeout:  timeout,
		tasks:    make(chan sealTask, workers*2),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

func (s *sealer) worker() {
	defer s.wg.Done()
	for task := range s.tasks {
		data, err := task.run()
		// done is buffered; an abandoned task's send never blocks.
		task.done <- sealResult{data: data, err: err}
	}
}

func (s *sealer) close() {
	s.closeOnce.Do(func() {
		close(s.tasks)
	})
	s.wg.Wait()
}

func (s *sealer) submit(ctx context.Context, op string, run func() ([]byte, error)) ([]byte, error) {
	start := time.Now()
	task := sealTask{run: run, done: make(chan sealResult, 1)}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case s.tasks <- task:
	case <-timer.C:
		sealRejections.WithLabelValues(op).Inc()
		return nil, ErrQueueFull
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-task.done:
		sealDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		return res.data, res.err
	case <-timer.C:
		sealTimeouts.WithLabelValues(op).Inc()
		return nil, ErrTaskTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *sealer) sealIn(ctx context.Context, payload []byte) ([]byte, error) {
	return s.submit(ctx, "seal", func() ([]byte, error) {
		return sealPayload(s.compress, s.key, payload)
	})
}

func (s *sealer) openIn(ctx context.Context, blob []byte) ([]byte, error) {
	return s.submit(ctx, "open", func() ([]byte, error) {
		return openPayload(s.key, blob)
	})
}
