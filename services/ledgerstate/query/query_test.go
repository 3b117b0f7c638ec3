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
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/events"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/index"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
)

func acct(n byte) record.AccountID {
	var id record.AccountID
	for i := range id {
		id[i] = n
	}
	return id
}

func tokenRec(n byte, supply uint64, symbol string) *record.Record {
	return &record.Record{
		Account: acct(n),
		Value: record.Struct(map[string]record.Value{
			"supply": record.U64(supply),
			"symbol": record.String(symbol),
		}),
		Meta: record.Metadata{SchemaName: "token", SchemaVersion: 1, Slot: uint64(n), LastUpdate: time.Now()},
	}
}

func seededIndexer(t *testing.T, n int) *index.Indexer {
	t.Helper()
	idx := index.NewIndexer(nil, nil)
	for i := 1; i <= n; i++ {
		require.NoError(t, idx.IndexRecord(context.Background(), tokenRec(byte(i), uint64(i)*100, "TOK")))
	}
	return idx
}

func newTestManager(t *testing.T, idx *index.Indexer, opts ...Option) *Manager {
	t.Helper()
	m := New(idx, opts...)
	t.Cleanup(m.Close)
	return m
}

func TestQueryPaginates(t *testing.T) {
	m := newTestManager(t, seededIndexer(t, 5))

	p1, err := m.Query(context.Background(), "token", Request{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, p1.Total)
	assert.Equal(t, 1, p1.Page)
	assert.Equal(t, 2, p1.PageSize)
	assert.True(t, p1.HasMore)
	require.Len(t, p1.Data, 2)
	assert.Equal(t, acct(1), p1.Data[0].Account)
	assert.Equal(t, acct(2), p1.Data[1].Account)

	p3, err := m.Query(context.Background(), "token", Request{Page: 3, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, p3.Data, 1)
	assert.Equal(t, acct(5), p3.Data[0].Account)
	assert.False(t, p3.HasMore)

	p4, err := m.Query(context.Background(), "token", Request{Page: 4, PageSize: 2})
	require.NoError(t, err)
	assert.Empty(t, p4.Data)
	assert.Equal(t, 5, p4.Total)
	assert.False(t, p4.HasMore)
}

func TestQueryNormalizesPageAndSize(t *testing.T) {
	m := newTestManager(t, seededIndexer(t, 3), WithDefaultPageSize(2))

	resp, err := m.Query(context.Background(), "token", Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, 2, resp.PageSize)
	assert.Len(t, resp.Data, 2)
	assert.True(t, resp.HasMore)
}

func TestQueryServesSecondCallFromCache(t *testing.T) {
	m := newTestManager(t, seededIndexer(t, 3))
	req := Request{PageSize: 10}

	first, err := m.Query(context.Background(), "token", req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := m.Query(context.Background(), "token", req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, first.Total, second.Total)

	st := m.Stats()
	assert.EqualValues(t, 2, st.TotalQueries)
	assert.EqualValues(t, 1, st.CacheHits)
	assert.EqualValues(t, 1, st.CacheMisses)
	assert.Equal(t, 1, st.CacheEntries)
}

func TestQueryShapeChangesMissCache(t *testing.T) {
	m := newTestManager(t, seededIndexer(t, 4))

	base := Request{PageSize: 2}
	_, err := m.Query(context.Background(), "token", base)
	require.NoError(t, err)

	filtered := Request{PageSize: 2, Where: []index.Where{
		{Field: "supply", Op: index.OpGte, Value: record.U64(300)},
	}}
	resp, err := m.Query(context.Background(), "token", filtered)
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, 2, resp.Total)

	nextPage := Request{Page: 2, PageSize: 2}
	resp, err = m.Query(context.Background(), "token", nextPage)
	require.NoError(t, err)
	assert.False(t, resp.Cached)

	assert.Equal(t, 3, m.Stats().CacheEntries)
}

func TestQueryRebuildsRecordsFromEntries(t *testing.T) {
	m := newTestManager(t, seededIndexer(t, 1))

	resp, err := m.Query(context.Background(), "token", Request{})
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)

	rec := resp.Data[0]
	assert.Equal(t, acct(1), rec.Account)
	assert.Equal(t, "token", rec.Meta.SchemaName)
	assert.Equal(t, uint32(1), rec.Meta.SchemaVersion)
	assert.Equal(t, uint64(1), rec.Meta.Slot)

	supply, ok := rec.Value.Field("supply")
	require.True(t, ok)
	assert.True(t, supply.Equal(record.U64(100)))
}

func TestQueryLoaderMaterializesPageOnly(t *testing.T) {
	var calls int32
	loader := func(ctx context.Context, e *index.Entry) (*record.Record, error) {
		atomic.AddInt32(&calls, 1)
		return &record.Record{
			Account: e.Account,
			Value:   e.Value,
			Meta:    record.Metadata{SchemaName: "token", SchemaVersion: e.SchemaVersion, Slot: e.Slot + 1000},
		}, nil
	}
	m := newTestManager(t, seededIndexer(t, 5), WithLoader(loader))

	resp, err := m.Query(context.Background(), "token", Request{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, resp.Data, 2)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.Equal(t, uint64(1001), resp.Data[0].Meta.Slot)
	assert.Equal(t, uint64(1002), resp.Data[1].Meta.Slot)
}

func TestQueryParallelMaterialization(t *testing.T) {
	var inFlight, peak int32
	loader := func(ctx context.Context, e *index.Entry) (*record.Record, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return &record.Record{Account: e.Account, Value: e.Value}, nil
	}
	m := newTestManager(t, seededIndexer(t, 4), WithLoader(loader), WithParallelism(4))

	resp, err := m.Query(context.Background(), "token", Request{PageSize: 4, Parallel: true})
	require.NoError(t, err)
	require.Len(t, resp.Data, 4)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	for i, rec := range resp.Data {
		assert.Equal(t, acct(byte(i+1)), rec.Account)
	}
}

func TestQueryLoaderFailureIsRemembered(t *testing.T) {
	var calls int32
	var failing int32 = 1
	loader := func(ctx context.Context, e *index.Entry) (*record.Record, error) {
		atomic.AddInt32(&calls, 1)
		if atomic.LoadInt32(&failing) == 1 && e.Account == acct(2) {
			return nil, errors.New("ledger offline")
		}
		return &record.Record{Account: e.Account, Value: e.Value}, nil
	}
	m := newTestManager(t, seededIndexer(t, 2), WithLoader(loader))
	req := Request{PageSize: 10}

	_, err := m.Query(context.Background(), "token", req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "materialize")
	assert.Equal(t, 0, m.Stats().CacheEntries)
	after := atomic.LoadInt32(&calls)

	// The second identical query is answered from failure memory
	// without driving the loader again.
	_, err = m.Query(context.Background(), "token", req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger offline")
	assert.Equal(t, after, atomic.LoadInt32(&calls))
	assert.EqualValues(t, 1, m.Stats().NegativeHits)

	// Invalidate forgets failures along with results, so a healed
	// loader is reached immediately.
	atomic.StoreInt32(&failing, 0)
	m.Invalidate()
	resp, err := m.Query(context.Background(), "token", req)
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	require.Len(t, resp.Data, 2)
	assert.Greater(t, atomic.LoadInt32(&calls), after)
}

func TestQueryNegativeEntryExpires(t *testing.T) {
	var failing int32 = 1
	loader := func(ctx context.Context, e *index.Entry) (*record.Record, error) {
		if atomic.LoadInt32(&failing) == 1 {
			return nil, errors.New("ledger offline")
		}
		return &record.Record{Account: e.Account, Value: e.Value}, nil
	}
	m := newTestManager(t, seededIndexer(t, 2), WithLoader(loader), WithNegativeTTL(20*time.Millisecond))
	req := Request{PageSize: 10}

	_, err := m.Query(context.Background(), "token", req)
	require.Error(t, err)

	atomic.StoreInt32(&failing, 0)
	time.Sleep(40 * time.Millisecond)

	resp, err := m.Query(context.Background(), "token", req)
	require.NoError(t, err)
	require.Len(t, resp.Data, 2)
}

func TestQueryNegativeCacheDisabled(t *testing.T) {
	var failing int32 = 1
	loader := func(ctx context.Context, e *index.Entry) (*record.Record, error) {
		if atomic.LoadInt32(&failing) == 1 {
			return nil, errors.New("ledger offline")
		}
		return &record.Record{Account: e.Account, Value: e.Value}, nil
	}
	m := newTestManager(t, seededIndexer(t, 2), WithLoader(loader), WithNegativeTTL(0))
	req := Request{PageSize: 10}

	_, err := m.Query(context.Background(), "token", req)
	require.Error(t, err)

	// With failure memory off, a healed loader succeeds on the very
	// next call.
	atomic.StoreInt32(&failing, 0)
	resp, err := m.Query(context.Background(), "token", req)
	require.NoError(t, err)
	require.Len(t, resp.Data, 2)
	assert.EqualValues(t, 0, m.Stats().NegativeHits)
}

func TestQueryCancellationIsNotRemembered(t *testing.T) {
	var failing int32 = 1
	loader := func(ctx context.Context, e *index.Entry) (*record.Record, error) {
		if atomic.LoadInt32(&failing) == 1 {
			return nil, context.Canceled
		}
		return &record.Record{Account: e.Account, Value: e.Value}, nil
	}
	m := newTestManager(t, seededIndexer(t, 2), WithLoader(loader))
	req := Request{PageSize: 10}

	_, err := m.Query(context.Background(), "token", req)
	require.ErrorIs(t, err, context.Canceled)

	atomic.StoreInt32(&failing, 0)
	resp, err := m.Query(context.Background(), "token", req)
	require.NoError(t, err)
	require.Len(t, resp.Data, 2)
	assert.EqualValues(t, 0, m.Stats().NegativeHits)
}

func TestQueryParallelLoaderErrorPropagates(t *testing.T) {
	loader := func(ctx context.Context, e *index.Entry) (*record.Record, error) {
		if e.Account == acct(3) {
			return nil, errors.New("decode failed")
		}
		return &record.Record{Account: e.Account, Value: e.Value}, nil
	}
	m := newTestManager(t, seededIndexer(t, 4), WithLoader(loader))

	_, err := m.Query(context.Background(), "token", Request{PageSize: 10, Parallel: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode failed")
}

func TestQueryCacheExpiresAfterTTL(t *testing.T) {
	m := newTestManager(t, seededIndexer(t, 2), WithTTL(20*time.Millisecond))
	req := Request{PageSize: 10}

	_, err := m.Query(context.Background(), "token", req)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	resp, err := m.Query(context.Background(), "token", req)
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.EqualValues(t, 2, m.Stats().CacheMisses)
}

func TestQuerySweepEmitsEvent(t *testing.T) {
	mock := events.NewMock()
	m := newTestManager(t, seededIndexer(t, 2),
		WithTTL(10*time.Millisecond),
		WithSweepInterval(15*time.Millisecond),
		WithPublisher(mock),
	)

	_, err := m.Query(context.Background(), "token", Request{PageSize: 10})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(mock.ByType(events.TypeQueryCacheSwept)) > 0
	}, 2*time.Second, 5*time.Millisecond)

	swept := mock.ByType(events.TypeQueryCacheSwept)
	data, ok := swept[0].Data.(events.SweepData)
	require.True(t, ok)
	assert.Equal(t, 1, data.Expired)
	assert.Equal(t, 0, data.Remaining)
}

func TestQueryInvalidateDropsCache(t *testing.T) {
	m := newTestManager(t, seededIndexer(t, 2))
	req := Request{PageSize: 10}

	_, err := m.Query(context.Background(), "token", req)
	require.NoError(t, err)
	cached, err := m.Query(context.Background(), "token", req)
	require.NoError(t, err)
	require.True(t, cached.Cached)

	m.Invalidate()
	assert.Equal(t, 0, m.Stats().CacheEntries)

	resp, err := m.Query(context.Background(), "token", req)
	require.NoError(t, err)
	assert.False(t, resp.Cached)
}

func TestQueryConcurrentIdenticalCollapse(t *testing.T) {
	var firstPageLoads int32
	loader := func(ctx context.Context, e *index.Entry) (*record.Record, error) {
		if e.Account == acct(1) {
			atomic.AddInt32(&firstPageLoads, 1)
		}
		time.Sleep(50 * time.Millisecond)
		return &record.Record{Account: e.Account, Value: e.Value}, nil
	}
	m := newTestManager(t, seededIndexer(t, 2), WithLoader(loader))

	const callers = 8
	var wg sync.WaitGroup
	responses := make([]*Response, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			responses[i], errs[i] = m.Query(context.Background(), "token", Request{PageSize: 10})
		}()
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 2, responses[i].Total)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&firstPageLoads))
}

func TestQueryInvalidPredicateErrors(t *testing.T) {
	m := newTestManager(t, seededIndexer(t, 1))

	_, err := m.Query(context.Background(), "token", Request{
		Where: []index.Where{{Field: "supply", Op: index.Op("between"), Value: record.U64(1)}},
	})
	require.Error(t, err)
	var qerr *index.QueryError
	require.ErrorAs(t, err, &qerr)
}

func TestQueryStatsTrackExecutionTimes(t *testing.T) {
	loader := func(ctx context.Context, e *index.Entry) (*record.Record, error) {
		time.Sleep(2 * time.Millisecond)
		return &record.Record{Account: e.Account, Value: e.Value}, nil
	}
	m := newTestManager(t, seededIndexer(t, 2), WithLoader(loader))

	reqA := Request{PageSize: 1}
	reqB := Request{Page: 2, PageSize: 1}
	_, err := m.Query(context.Background(), "token", reqA)
	require.NoError(t, err)
	_, err = m.Query(context.Background(), "token", reqA)
	require.NoError(t, err)
	_, err = m.Query(context.Background(), "token", reqB)
	require.NoError(t, err)

	st := m.Stats()
	assert.EqualValues(t, 3, st.TotalQueries)
	assert.EqualValues(t, 1, st.CacheHits)
	assert.EqualValues(t, 2, st.CacheMisses)
	assert.Greater(t, st.MinExecution, time.Duration(0))
	assert.GreaterOrEqual(t, st.AvgExecution, st.MinExecution)
	assert.GreaterOrEqual(t, st.MaxExecution, st.AvgExecution)
}
