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
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/codec"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/events"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/schema"
)

func acct(n byte) record.AccountID {
	var id record.AccountID
	id[0] = n
	id[31] = n
	return id
}

func tokenRec(n byte, supply uint64) *record.Record {
	return &record.Record{
		Account: acct(n),
		Value: record.Struct(map[string]record.Value{
			"mint":   record.Account(acct(n)),
			"supply": record.U64(supply),
		}),
		Meta: record.Metadata{
			SchemaName:    "Token",
			SchemaVersion: 1,
			Slot:          uint64(n),
			LastUpdate:    time.Unix(1700000000, 0).UTC(),
		},
	}
}

// sealedFixture builds a registry and codec that can round-trip the
// token records through the envelope path.
func sealedFixture(t *testing.T) (*schema.Registry, *codec.Codec) {
	t.Helper()
	s, err := schema.NewBuilder("Token", 1).
		AutoDiscriminator().
		Account("mint", schema.Required()).
		U64("supply", schema.Required()).
		Build()
	require.NoError(t, err)

	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(context.Background(), s, schema.RegisterOptions{}))
	return reg, codec.New(nil)
}

func newTestCache(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(nil, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func TestCachePutGet(t *testing.T) {
	ctx := context.Background()
	m := newTestCache(t)

	rec := tokenRec(1, 500)
	require.NoError(t, m.Put(ctx, rec))

	got, err := m.Get(ctx, acct(1))
	require.NoError(t, err)
	assert.Same(t, rec, got, "plain mode serves the stored record")

	st := m.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(0), st.Misses)
	assert.Equal(t, int64(rec.ByteSize()), st.Bytes)
}

func TestCacheGetMiss(t *testing.T) {
	m := newTestCache(t)

	_, err := m.Get(context.Background(), acct(9))
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(1), m.Stats().Misses)
}

func TestCachePutNilRecord(t *testing.T) {
	m := newTestCache(t)

	err := m.Put(context.Background(), nil)
	require.Error(t, err)
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "put", opErr.Op)
}

func TestCachePutReplacesEntry(t *testing.T) {
	ctx := context.Background()
	m := newTestCache(t)

	require.NoError(t, m.Put(ctx, tokenRec(1, 100)))
	require.NoError(t, m.Put(ctx, tokenRec(1, 200)))

	assert.Equal(t, 1, m.Len())

	got, err := m.Get(ctx, acct(1))
	require.NoError(t, err)
	supply, ok := got.Value.Field("supply")
	require.True(t, ok)
	assert.True(t, supply.Equal(record.U64(200)))
	assert.Equal(t, int64(got.ByteSize()), m.Stats().Bytes, "replacement accounts bytes once")
}

func TestCacheEntryCountEviction(t *testing.T) {
	ctx := context.Background()
	bus := events.NewMock()
	m := newTestCache(t, WithMaxEntries(2), WithMaxBytes(0), WithPublisher(bus))

	require.NoError(t, m.Put(ctx, tokenRec(1, 100)))
	require.NoError(t, m.Put(ctx, tokenRec(2, 200)))
	require.NoError(t, m.Put(ctx, tokenRec(3, 300)))

	assert.Equal(t, 2, m.Len())
	_, err := m.Get(ctx, acct(1))
	assert.ErrorIs(t, err, ErrNotFound, "least recent entry is gone")
	_, err = m.Get(ctx, acct(2))
	assert.NoError(t, err)
	_, err = m.Get(ctx, acct(3))
	assert.NoError(t, err)

	evs := bus.ByType(events.TypeCacheEvicted)
	require.Len(t, evs, 1)
	data, ok := evs[0].Data.(events.EvictionData)
	require.True(t, ok)
	assert.Equal(t, acct(1).String(), data.Account)
	assert.Equal(t, "capacity", data.Reason)
	assert.Equal(t, int64(1), m.Stats().Evictions)
}

func TestCacheGetRefreshesRecency(t *testing.T) {
	ctx := context.Background()
	m := newTestCache(t, WithMaxEntries(2), WithMaxBytes(0))

	require.NoError(t, m.Put(ctx, tokenRec(1, 100)))
	require.NoError(t, m.Put(ctx, tokenRec(2, 200)))

	_, err := m.Get(ctx, acct(1))
	require.NoError(t, err)

	require.NoError(t, m.Put(ctx, tokenRec(3, 300)))

	_, err = m.Get(ctx, acct(1))
	assert.NoError(t, err, "touched entry survives")
	_, err = m.Get(ctx, acct(2))
	assert.ErrorIs(t, err, ErrNotFound, "untouched entry was the eviction victim")
}

func TestCacheByteBoundEviction(t *testing.T) {
	ctx := context.Background()
	size := int64(tokenRec(1, 100).ByteSize())
	m := newTestCache(t, WithMaxEntries(0), WithMaxBytes(2*size))

	require.NoError(t, m.Put(ctx, tokenRec(1, 100)))
	require.NoError(t, m.Put(ctx, tokenRec(2, 200)))
	require.NoError(t, m.Put(ctx, tokenRec(3, 300)))

	assert.Equal(t, 2, m.Len())
	assert.LessOrEqual(t, m.Stats().Bytes, 2*size)
	_, err := m.Get(ctx, acct(1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCacheMaxAgeExpiry(t *testing.T) {
	ctx := context.Background()
	bus := events.NewMock()
	m := newTestCache(t, WithMaxAge(40*time.Millisecond), WithUpdateAgeOnGet(false), WithPublisher(bus))

	require.NoError(t, m.Put(ctx, tokenRec(1, 100)))
	time.Sleep(60 * time.Millisecond)

	_, err := m.Get(ctx, acct(1))
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, m.Len())

	evs := bus.ByType(events.TypeCacheEvicted)
	require.Len(t, evs, 1)
	data, ok := evs[0].Data.(events.EvictionData)
	require.True(t, ok)
	assert.Equal(t, "expired", data.Reason)

	st := m.Stats()
	assert.Equal(t, int64(1), st.Evictions)
	assert.Equal(t, int64(1), st.Misses)
}

func TestCacheGetRefreshesAge(t *testing.T) {
	ctx := context.Background()
	m := newTestCache(t, WithMaxAge(150*time.Millisecond))

	require.NoError(t, m.Put(ctx, tokenRec(1, 100)))

	// Five touches spread past the raw age bound keep the entry alive
	// because each read restarts the countdown.
	for i := 0; i < 5; i++ {
		time.Sleep(50 * time.Millisecond)
		_, err := m.Get(ctx, acct(1))
		require.NoError(t, err, "touch %d", i)
	}
}

func TestCacheDelete(t *testing.T) {
	ctx := context.Background()
	bus := events.NewMock()
	m := newTestCache(t, WithPublisher(bus))

	require.NoError(t, m.Put(ctx, tokenRec(1, 100)))

	assert.True(t, m.Delete(acct(1)))
	assert.False(t, m.Delete(acct(1)), "second delete finds nothing")
	assert.Equal(t, 0, m.Len())

	evs := bus.ByType(events.TypeCacheEvicted)
	require.Len(t, evs, 1)
	data, ok := evs[0].Data.(events.EvictionData)
	require.True(t, ok)
	assert.Equal(t, "invalidated", data.Reason)
}

func TestCachePurge(t *testing.T) {
	ctx := context.Background()
	m := newTestCache(t)

	for n := byte(1); n <= 3; n++ {
		require.NoError(t, m.Put(ctx, tokenRec(n, 100)))
	}
	_, err := m.Get(ctx, acct(1))
	require.NoError(t, err)

	m.Purge()

	st := m.Stats()
	assert.Equal(t, 0, st.Entries)
	assert.Equal(t, int64(0), st.Bytes)
	assert.Equal(t, int64(0), st.Hits)
	assert.Equal(t, int64(0), st.Misses)
}

func TestCacheKeys(t *testing.T) {
	ctx := context.Background()
	m := newTestCache(t)

	for _, n := range []byte{7, 2, 5} {
		require.NoError(t, m.Put(ctx, tokenRec(n, 100)))
	}

	keys := m.Keys()
	require.Len(t, keys, 3)
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1].String(), keys[i].String(), "keys sorted by base58 form")
	}
	for _, n := range []byte{2, 5, 7} {
		assert.Contains(t, keys, acct(n))
	}
}

func TestCacheKeysSkipsExpired(t *testing.T) {
	ctx := context.Background()
	m := newTestCache(t, WithMaxAge(40*time.Millisecond), WithUpdateAgeOnGet(false))

	require.NoError(t, m.Put(ctx, tokenRec(1, 100)))
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, m.Put(ctx, tokenRec(2, 100)))

	keys := m.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, acct(2), keys[0])
}

func TestCacheSealedRoundTrip(t *testing.T) {
	key := []byte("cache encryption master key")
	cases := []struct {
		name string
		opts []Option
	}{
		{name: "compressed", opts: []Option{WithCompression()}},
		{name: "encrypted", opts: []Option{WithEncryption(key)}},
		{name: "compressed encrypted", opts: []Option{WithCompression(), WithEncryption(key)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			reg, c := sealedFixture(t)
			m, err := NewManager(reg, c, tc.opts...)
			require.NoError(t, err)
			t.Cleanup(func() { m.Close(ctx) })

			rec := tokenRec(1, 12345)
			require.NoError(t, m.Put(ctx, rec))

			m.mu.Lock()
			e := m.items[acct(1)].Value.(*entry)
			m.mu.Unlock()
			assert.NotNil(t, e.sealed, "sealed mode stores the envelope")
			assert.Nil(t, e.rec, "sealed mode does not keep the decoded record")

			got, err := m.Get(ctx, acct(1))
			require.NoError(t, err)
			assert.NotSame(t, rec, got, "sealed mode rebuilds the record on read")
			assert.True(t, got.Value.Equal(rec.Value))
			assert.Equal(t, rec.Meta, got.Meta)
			assert.Equal(t, rec.Account, got.Account)
		})
	}
}

func TestCacheSealedUnknownSchema(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(nil, nil, WithCompression())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close(ctx) })

	err = m.Put(ctx, tokenRec(1, 100))
	require.Error(t, err, "sealing needs the record's schema registered")
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "put", opErr.Op)
	assert.Equal(t, 0, m.Len(), "failed put leaves the cache unchanged")
}

func TestCacheEncryptionRequiresKey(t *testing.T) {
	_, err := NewManager(nil, nil, WithEncryption(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-empty key")
}

func TestCacheCloseRejectsOperations(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.Put(ctx, tokenRec(1, 100)))
	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx), "second close is a no-op")

	assert.ErrorIs(t, m.Put(ctx, tokenRec(2, 200)), ErrClosed)
	_, err = m.Get(ctx, acct(1))
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, m.Delete(acct(1)))
	assert.ErrorIs(t, m.Snapshot(ctx), ErrClosed)
}

func TestCacheConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	m := newTestCache(t, WithMaxEntries(64))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				n := byte(g*8 + i%8)
				if err := m.Put(ctx, tokenRec(n, uint64(i))); err != nil {
					t.Error(fmt.Errorf("put %d: %w", n, err))
					return
				}
				if _, err := m.Get(ctx, acct(n)); err != nil && err != ErrNotFound {
					t.Error(fmt.Errorf("get %d: %w", n, err))
					return
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, m.Len(), 64)
	assert.Positive(t, m.Stats().Hits)
}
