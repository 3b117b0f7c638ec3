// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/index"
)

// cacheKey hashes the full query shape: schema, every predicate,
// every ordering key, page, and page size. Two requests share a key
// exactly when they produce the same response.
func cacheKey(schemaName string, where []index.Where, orderBy []index.Sort, page, pageSize int) string {
	var b strings.Builder
	b.WriteString(schemaName)
	b.WriteByte('|')
	for i := range where {
		w := &where[i]
		b.WriteString(w.Field)
		b.WriteByte(':')
		b.WriteString(string(w.Op))
		b.WriteByte(':')
		if w.Op == index.OpIn {
			for _, v := range w.Values {
				b.WriteString(v.String())
				b.WriteByte(',')
			}
		} else {
			b.WriteString(w.Value.String())
		}
		b.WriteByte(';')
	}
	b.WriteByte('|')
	for _, s := range orderBy {
		b.WriteString(s.Field)
		if s.Desc {
			b.WriteString(":desc")
		}
		b.WriteByte(';')
	}
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(page))
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(pageSize))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

type cacheEntry struct {
	resp      *Response
	expiresAt time.Time
}

// resultCache is the TTL-bounded response cache. Expired entries are
// dropped lazily on read and in bulk by the background sweep.
type resultCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*cacheEntry
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{
		ttl:     ttl,
		entries: make(map[string]*cacheEntry),
	}
}

func (c *resultCache) get(key string) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.resp, true
}

func (c *resultCache) put(key string, resp *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{resp: resp, expiresAt: time.Now().Add(c.ttl)}
}

// sweep drops every expired entry, returning how many were dropped
// and how many remain.
func (c *resultCache) sweep() (expired, remaining int) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			expired++
		}
	}
	return expired, len(c.entries)
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *resultCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

type failEntry struct {
	err       error
	expiresAt time.Time
}

// failCache remembers recent loader failures by query shape, so a hot
// query against a broken loader is answered from memory until the
// entry expires instead of re-driving the loader on every call.
type failCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]failEntry
}

func newFailCache(ttl time.Duration) *failCache {
	return &failCache{
		ttl:     ttl,
		entries: make(map[string]failEntry),
	}
}

// remembered returns the stored failure for key, if one is still
// fresh.
func (c *failCache) remembered(key string) (error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.err, true
}

func (c *failCache) put(key string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = failEntry{err: err, expiresAt: time.Now().Add(c.ttl)}
}

func (c *failCache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}

func (c *failCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]failEntry)
}
