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
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
)

// Record file layout: 4-byte magic, 8-byte LE slot, 32-byte owner,
// then the raw payload. The file name is the account's base58 form
// plus RecordFileExt.
const (
	// RecordFileExt is the extension DirSource watches for.
	RecordFileExt = ".rec"

	recordHeaderSize = 4 + 8 + record.AccountIDLen
)

var recordMagic = [4]byte{'A', 'L', 'R', 'C'}

// EncodeRecordFile produces the on-disk form of one record.
func EncodeRecordFile(payload []byte, meta Meta) []byte {
	out := make([]byte, 0, recordHeaderSize+len(payload))
	out = append(out, recordMagic[:]...)
	out = binary.LittleEndian.AppendUint64(out, meta.Slot)
	out = append(out, meta.Owner[:]...)
	return append(out, payload...)
}

// WriteRecordFile writes a record file into dir under the account's
// base58 name. The write goes through a temp file and rename so
// watchers never observe a half-written record.
func WriteRecordFile(dir string, id record.AccountID, payload []byte, meta Meta) error {
	final := filepath.Join(dir, id.String()+RecordFileExt)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, EncodeRecordFile(payload, meta), 0644); err != nil {
		return fmt.Errorf("write record file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("publish record file: %w", err)
	}
	return nil
}

func parseRecordFile(data []byte) ([]byte, Meta, error) {
	if len(data) < recordHeaderSize {
		return nil, Meta{}, fmt.Errorf("record file is %d bytes, want at least %d", len(data), recordHeaderSize)
	}
	if [4]byte(data[:4]) != recordMagic {
		return nil, Meta{}, errors.New("record file has a bad magic")
	}
	var meta Meta
	meta.Slot = binary.LittleEndian.Uint64(data[4:12])
	copy(meta.Owner[:], data[12:recordHeaderSize])
	payload := append([]byte(nil), data[recordHeaderSize:]...)
	return payload, meta, nil
}

type dirSub struct {
	id record.AccountID
	fn NotifyFunc
}

// DirOption configures a DirSource.
type DirOption func(*DirSource)

// WithDirLogger sets the structured logger.
func WithDirLogger(l *slog.Logger) DirOption {
	return func(s *DirSource) {
		if l != nil {
			s.logger = l
		}
	}
}

// DirSource serves records from a directory of record files and
// turns file writes into change notifications.
//
// Description:
//
//	Each account lives in one <base58>.rec file. GetRecord reads the
//	file; Subscribe watches it through fsnotify. Producers should
//	write through WriteRecordFile (temp file + rename); a file that
//	fails to parse mid-write is skipped with a warning and picked up
//	on its next write event. Duplicate notifications per save are
//	normal.
//
// Thread Safety: DirSource is safe for concurrent use.
type DirSource struct {
	dir     string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	subs   map[string]dirSub
	closed bool

	done chan struct{}
}

// NewDirSource opens dir (creating it if missing) and starts the
// watch loop. Callers own the source and must Close it.
func NewDirSource(dir string, opts ...DirOption) (*DirSource, error) {
	if dir == "" {
		return nil, errors.New("ledger dir is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create ledger dir %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch ledger dir %s: %w", dir, err)
	}

	s := &DirSource{
		dir:     dir,
		logger:  slog.Default(),
		watcher: watcher,
		subs:    make(map[string]dirSub),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.watchLoop()
	return s, nil
}

func (s *DirSource) GetRecord(ctx context.Context, id record.AccountID) ([]byte, Meta, error) {
	if err := ctx.Err(); err != nil {
		return nil, Meta{}, err
	}

	data, err := os.ReadFile(filepath.Join(s.dir, id.String()+RecordFileExt))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Meta{}, ErrNotFound
	}
	if err != nil {
		return nil, Meta{}, fmt.Errorf("read record file: %w", err)
	}

	payload, meta, err := parseRecordFile(data)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("record %s: %w", id.Short(), err)
	}
	return payload, meta, nil
}

func (s *DirSource) Subscribe(ctx context.Context, id record.AccountID, fn NotifyFunc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	handle := uuid.New().String()
	s.subs[handle] = dirSub{id: id, fn: fn}
	return handle, nil
}

func (s *DirSource) Unsubscribe(handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[handle]; !ok {
		return ErrUnknownSubscription
	}
	delete(s.subs, handle)
	return nil
}

func (s *DirSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.subs = make(map[string]dirSub)
	s.mu.Unlock()

	err := s.watcher.Close()
	<-s.done
	return err
}

func (s *DirSource) watchLoop() {
	defer close(s.done)

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleWatchEvent(event)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("ledger dir watcher error", "error", err)
		}
	}
}

func (s *DirSource) handleWatchEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	name := filepath.Base(event.Name)
	if filepath.Ext(name) != RecordFileExt {
		return
	}

	id, err := record.ParseAccountID(strings.TrimSuffix(name, RecordFileExt))
	if err != nil {
		s.logger.Debug("ignoring non-record file in ledger dir", "file", name)
		return
	}

	data, err := os.ReadFile(event.Name)
	if err != nil {
		// The file may have been renamed away between event and read.
		s.logger.Debug("record file vanished before read", "file", name, "error", err)
		return
	}
	payload, meta, err := parseRecordFile(data)
	if err != nil {
		s.logger.Warn("skipping unparseable record file",
			"file", name,
			"error", err,
		)
		return
	}

	s.mu.Lock()
	var notify []NotifyFunc
	for _, sub := range s.subs {
		if sub.id == id {
			notify = append(notify, sub.fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range notify {
		fn(id, append([]byte(nil), payload...), meta)
	}
}
