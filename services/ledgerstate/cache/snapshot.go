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
	"container/list"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/events"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
)

// Snapshot container: an 8-byte header (magic, version, flags,
// reserved), a body holding the capture timestamp and every entry in
// recency order, and a CRC-32 trailer over header plus body. The body
// as a whole is deflate-compressed when the container flag says so.
// Each entry carries its own envelope, so restore verifies integrity
// twice: once for the container, once per entry.
const (
	snapshotVersion = 1

	containerDeflated byte = 1 << 0

	snapshotHeaderSize = 8
)

var snapshotMagic = [4]byte{'A', 'L', 'S', 'N'}

// snapEntry is one entry lifted out of the LRU under the lock.
type snapEntry struct {
	key      record.AccountID
	meta     record.Metadata
	storedAt time.Time
	rec      *record.Record
	sealed   []byte
	size     int
}

// Snapshot persists the full cache state to the configured store.
func (m *Manager) Snapshot(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()
	return m.snapshot(ctx)
}

func (m *Manager) snapshot(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "cache.snapshot")
	defer span.End()

	if m.store == nil {
		return &OpError{Op: "snapshot", Cause: errors.New("no snapshot store configured")}
	}

	start := time.Now()
	entries := m.collectEntries()

	data, err := m.encodeSnapshot(ctx, entries)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return &OpError{Op: "snapshot", Cause: err}
	}
	if err := m.store.Save(ctx, data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return &OpError{Op: "snapshot", Cause: err}
	}

	took := time.Since(start)
	m.lastSnapshot.Store(time.Now().UnixNano())
	snapshotBytes.Set(float64(len(data)))

	m.logger.Info("cache snapshot persisted",
		"entries", len(entries),
		"bytes", len(data),
		"took", took,
	)
	m.bus.Emit(events.TypeCacheSnapshot, events.SnapshotData{
		Entries: len(entries),
		Bytes:   len(data),
		Took:    took,
	})
	return nil
}

// Restore re-hydrates the cache from the configured store. A missing
// snapshot leaves the cache empty; a snapshot that fails container or
// per-entry verification is rejected whole and the cache keeps its
// current contents.
func (m *Manager) Restore(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "cache.restore")
	defer span.End()

	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()

	if m.store == nil {
		return &OpError{Op: "restore", Cause: errors.New("no snapshot store configured")}
	}

	data, err := m.store.Load(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		m.logger.Info("no cache snapshot to restore")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return &OpError{Op: "restore", Cause: err}
	}

	entries, err := m.decodeSnapshot(ctx, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot rejected")
		return err
	}

	m.mu.Lock()
	m.items = make(map[record.AccountID]*list.Element, len(entries))
	m.order.Init()
	m.bytes = 0
	for _, e := range entries {
		m.items[e.key] = m.order.PushBack(e)
		m.bytes += int64(e.size)
	}
	dropped := m.evictLocked()
	m.gaugesLocked()
	m.mu.Unlock()

	m.announce(dropped)
	m.logger.Info("cache restored from snapshot",
		"entries", len(entries),
		"bytes", len(data),
	)
	return nil
}

// collectEntries copies the live entries, most recent first.
func (m *Manager) collectEntries() []snapEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]snapEntry, 0, m.order.Len())
	for elem := m.order.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		out = append(out, snapEntry{
			key:      e.key,
			meta:     e.meta,
			storedAt: e.storedAt,
			rec:      e.rec,
			sealed:   e.sealed,
			size:     e.size,
		})
	}
	return out
}

func (m *Manager) encodeSnapshot(ctx context.Context, entries []snapEntry) ([]byte, error) {
	body := binary.LittleEndian.AppendUint64(nil, uint64(time.Now().UnixNano()))
	body = binary.LittleEndian.AppendUint32(body, uint32(len(entries)))

	for i := range entries {
		e := &entries[i]
		blob := e.sealed
		if blob == nil {
			payload, err := m.encodeRecord(ctx, e.rec)
			if err != nil {
				return nil, fmt.Errorf("entry %s: %w", e.key.Short(), err)
			}
			blob, err = sealPayload(false, nil, payload)
			if err != nil {
				return nil, fmt.Errorf("entry %s: %w", e.key.Short(), err)
			}
		}

		body = append(body, e.key[:]...)
		body = binary.LittleEndian.AppendUint16(body, uint16(len(e.meta.SchemaName)))
		body = append(body, e.meta.SchemaName...)
		body = binary.LittleEndian.AppendUint32(body, e.meta.SchemaVersion)
		body = binary.LittleEndian.AppendUint64(body, e.meta.Slot)
		body = append(body, e.meta.Owner[:]...)
		body = binary.LittleEndian.AppendUint64(body, uint64(e.meta.LastUpdate.UnixNano()))
		body = binary.LittleEndian.AppendUint64(body, uint64(e.storedAt.UnixNano()))
		body = binary.LittleEndian.AppendUint32(body, uint32(len(blob)))
		body = append(body, blob...)
	}

	flags := byte(0)
	if m.compress {
		c, err := deflateBytes(body)
		if err != nil {
			return nil, fmt.Errorf("deflate container: %w", err)
		}
		body = c
		flags |= containerDeflated
	}

	out := make([]byte, 0, snapshotHeaderSize+len(body)+4)
	out = append(out, snapshotMagic[:]...)
	out = append(out, snapshotVersion, flags, 0, 0)
	out = append(out, body...)
	return binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(out)), nil
}

func (m *Manager) encodeRecord(ctx context.Context, rec *record.Record) ([]byte, error) {
	s, err := m.registry.GetVersion(rec.Meta.SchemaName, rec.Meta.SchemaVersion)
	if err != nil {
		return nil, err
	}
	return m.codec.Encode(ctx, s, rec.Value)
}

func (m *Manager) decodeSnapshot(ctx context.Context, data []byte) ([]*entry, error) {
	if len(data) < snapshotHeaderSize+4 {
		return nil, fmt.Errorf("container too short: %w", ErrCorruptSnapshot)
	}
	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(trailer) {
		return nil, fmt.Errorf("container checksum mismatch: %w", ErrCorruptSnapshot)
	}
	if [4]byte(body[:4]) != snapshotMagic {
		return nil, fmt.Errorf("bad magic: %w", ErrCorruptSnapshot)
	}
	if body[4] != snapshotVersion {
		return nil, fmt.Errorf("unsupported container version %d: %w", body[4], ErrCorruptSnapshot)
	}
	flags := body[5]
	body = body[snapshotHeaderSize:]

	if flags&containerDeflated != 0 {
		b, err := inflateBytes(body)
		if err != nil {
			return nil, fmt.Errorf("inflate container: %w", ErrCorruptSnapshot)
		}
		body = b
	}

	r := snapReader{buf: body}
	r.u64() // capture timestamp, informational
	count := int(r.u32())

	out := make([]*entry, 0, count)
	for i := 0; i < count; i++ {
		var e entry
		copy(e.key[:], r.take(32))
		e.meta.SchemaName = string(r.take(int(r.u16())))
		e.meta.SchemaVersion = r.u32()
		e.meta.Slot = r.u64()
		copy(e.meta.Owner[:], r.take(32))
		e.meta.LastUpdate = time.Unix(0, int64(r.u64()))
		e.storedAt = time.Unix(0, int64(r.u64()))
		blob := r.take(int(r.u32()))
		if r.failed {
			return nil, fmt.Errorf("truncated at entry %d: %w", i, ErrCorruptSnapshot)
		}

		payload, err := openPayload(m.key, blob)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %v: %w", e.key.Short(), err, ErrCorruptSnapshot)
		}

		if m.sealer != nil {
			e.sealed = append([]byte(nil), blob...)
			e.size = len(e.sealed)
		} else {
			rec, err := m.decodeRecord(ctx, e.key, e.meta, payload)
			if err != nil {
				return nil, &OpError{Op: "restore", Key: e.key.Short(), Cause: err}
			}
			e.rec = rec
			e.size = rec.ByteSize()
		}
		out = append(out, &e)
	}
	if r.failed || len(r.buf) != 0 {
		return nil, fmt.Errorf("trailing garbage: %w", ErrCorruptSnapshot)
	}
	return out, nil
}

func (m *Manager) decodeRecord(ctx context.Context, id record.AccountID, meta record.Metadata, payload []byte) (*record.Record, error) {
	s, err := m.registry.GetVersion(meta.SchemaName, meta.SchemaVersion)
	if err != nil {
		return nil, err
	}
	val, err := m.codec.Decode(ctx, s, payload)
	if err != nil {
		return nil, err
	}
	return &record.Record{Account: id, Value: val, Meta: meta}, nil
}

// SnapshotInfo summarizes a snapshot container.
type SnapshotInfo struct {
	Version    int
	Compressed bool
	CapturedAt time.Time
	Entries    []SnapshotEntry
}

// SnapshotEntry is the metadata of one stored record.
type SnapshotEntry struct {
	Account     record.AccountID
	Schema      string
	Version     uint32
	Slot        uint64
	Owner       record.AccountID
	LastUpdate  time.Time
	StoredAt    time.Time
	PayloadSize int
}

// Inspect parses a snapshot container's header and entry metadata
// without opening the payload envelopes, so it needs neither a schema
// registry nor the sealing key. Container checksum and framing are
// still verified; payload contents are not.
func Inspect(data []byte) (*SnapshotInfo, error) {
	if len(data) < snapshotHeaderSize+4 {
		return nil, fmt.Errorf("container too short: %w", ErrCorruptSnapshot)
	}
	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(trailer) {
		return nil, fmt.Errorf("container checksum mismatch: %w", ErrCorruptSnapshot)
	}
	if [4]byte(body[:4]) != snapshotMagic {
		return nil, fmt.Errorf("bad magic: %w", ErrCorruptSnapshot)
	}
	if body[4] != snapshotVersion {
		return nil, fmt.Errorf("unsupported container version %d: %w", body[4], ErrCorruptSnapshot)
	}
	info := &SnapshotInfo{
		Version:    int(body[4]),
		Compressed: body[5]&containerDeflated != 0,
	}
	body = body[snapshotHeaderSize:]

	if info.Compressed {
		b, err := inflateBytes(body)
		if err != nil {
			return nil, fmt.Errorf("inflate container: %w", ErrCorruptSnapshot)
		}
		body = b
	}

	r := snapReader{buf: body}
	info.CapturedAt = time.Unix(0, int64(r.u64()))
	count := int(r.u32())

	info.Entries = make([]SnapshotEntry, 0, count)
	for i := 0; i < count; i++ {
		var e SnapshotEntry
		copy(e.Account[:], r.take(32))
		e.Schema = string(r.take(int(r.u16())))
		e.Version = r.u32()
		e.Slot = r.u64()
		copy(e.Owner[:], r.take(32))
		e.LastUpdate = time.Unix(0, int64(r.u64()))
		e.StoredAt = time.Unix(0, int64(r.u64()))
		e.PayloadSize = int(r.u32())
		r.take(e.PayloadSize)
		if r.failed {
			return nil, fmt.Errorf("truncated at entry %d: %w", i, ErrCorruptSnapshot)
		}
		info.Entries = append(info.Entries, e)
	}
	if r.failed || len(r.buf) != 0 {
		return nil, fmt.Errorf("trailing garbage: %w", ErrCorruptSnapshot)
	}
	return info, nil
}

// snapReader walks the snapshot body, latching the first underrun
// instead of panicking on corrupt lengths.
type snapReader struct {
	buf    []byte
	failed bool
}

func (r *snapReader) take(n int) []byte {
	if r.failed || n < 0 || n > len(r.buf) {
		r.failed = true
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *snapReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *snapReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *snapReader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}
