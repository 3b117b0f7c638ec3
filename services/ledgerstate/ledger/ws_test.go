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
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
)

// fakeNode is a minimal in-process ledger RPC endpoint.
type fakeNode struct {
	upgrader websocket.Upgrader
	srv      *httptest.Server

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	records map[string]recordResult
	subs    map[uint64]string
	nextSub uint64

	// silentOn swallows getRecord calls for this account, never
	// responding. killOn drops the whole connection instead.
	silentOn string
	killOn   string
}

func newFakeNode(t *testing.T) *fakeNode {
	n := &fakeNode{
		records: make(map[string]recordResult),
		subs:    make(map[uint64]string),
	}
	n.srv = httptest.NewServer(http.HandlerFunc(n.handle))
	t.Cleanup(n.srv.Close)
	return n
}

func (n *fakeNode) url() string {
	return "ws" + strings.TrimPrefix(n.srv.URL, "http")
}

func (n *fakeNode) setRecord(id record.AccountID, payload []byte, slot uint64, owner record.AccountID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	res := recordResult{Payload: base64.StdEncoding.EncodeToString(payload), Slot: slot}
	if !owner.IsZero() {
		res.Owner = owner.String()
	}
	n.records[id.String()] = res
}

func (n *fakeNode) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	n.mu.Lock()
	n.conn = conn
	n.mu.Unlock()

	for {
		var req rpcRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if !n.serve(conn, req) {
			return
		}
	}
}

func (n *fakeNode) serve(conn *websocket.Conn, req rpcRequest) bool {
	params, _ := req.Params.([]any)

	switch req.Method {
	case methodGetRecord:
		acct, _ := params[0].(string)
		if acct == n.silentOn {
			return true
		}
		if acct == n.killOn {
			conn.Close()
			return false
		}
		n.mu.Lock()
		res, ok := n.records[acct]
		n.mu.Unlock()
		if !ok {
			n.write(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": nil})
			return true
		}
		n.write(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": res})

	case methodSubscribe:
		acct, _ := params[0].(string)
		n.mu.Lock()
		n.nextSub++
		subID := n.nextSub
		n.subs[subID] = acct
		n.mu.Unlock()
		n.write(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": subID})

	case methodUnsubscribe:
		n.write(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": true})

	default:
		n.write(map[string]any{"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]any{"code": -32601, "message": "method not found"}})
	}
	return true
}

func (n *fakeNode) notify(subID uint64, payload []byte, slot uint64) {
	n.write(map[string]any{
		"jsonrpc": "2.0",
		"method":  methodNotify,
		"params": map[string]any{
			"subscription": subID,
			"result": recordResult{
				Payload: base64.StdEncoding.EncodeToString(payload),
				Slot:    slot,
			},
		},
	})
}

func (n *fakeNode) write(v any) {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return
	}
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	conn.WriteJSON(v)
}

func newWSSource(t *testing.T, node *fakeNode) *WSSource {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	src, err := NewWSSource(ctx, node.url())
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })
	return src
}

func TestWSSourceGetRecord(t *testing.T) {
	node := newFakeNode(t)
	owner := testID(7)
	node.setRecord(testID(1), []byte("remote payload"), 99, owner)

	src := newWSSource(t, node)

	payload, meta, err := src.GetRecord(context.Background(), testID(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("remote payload"), payload)
	assert.Equal(t, uint64(99), meta.Slot)
	assert.Equal(t, owner, meta.Owner)
}

func TestWSSourceGetRecordNotFound(t *testing.T) {
	node := newFakeNode(t)
	src := newWSSource(t, node)

	_, _, err := src.GetRecord(context.Background(), testID(9))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWSSourceRPCError(t *testing.T) {
	node := newFakeNode(t)
	src := newWSSource(t, node)

	// The fake answers unknown methods with a JSON-RPC error; drive
	// one through the internal call path.
	_, err := src.call(context.Background(), "bogusMethod", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method not found")
}

func TestWSSourceSubscribeNotifies(t *testing.T) {
	node := newFakeNode(t)
	src := newWSSource(t, node)

	sink := &noteSink{}
	_, err := src.Subscribe(context.Background(), testID(1), sink.fn)
	require.NoError(t, err)

	node.notify(1, []byte("pushed"), 7)
	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(7), sink.last().Slot)
}

func TestWSSourceUnsubscribeStopsDispatch(t *testing.T) {
	node := newFakeNode(t)
	src := newWSSource(t, node)

	sink := &noteSink{}
	handle, err := src.Subscribe(context.Background(), testID(1), sink.fn)
	require.NoError(t, err)
	require.NoError(t, src.Unsubscribe(handle))
	assert.ErrorIs(t, src.Unsubscribe(handle), ErrUnknownSubscription)

	// The node may keep pushing after the unsubscribe races ahead;
	// the client must drop those on the floor.
	node.notify(1, []byte("late"), 8)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, sink.count())
}

func TestWSSourceCallTimeout(t *testing.T) {
	node := newFakeNode(t)
	node.silentOn = testID(5).String()
	src := newWSSource(t, node)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, _, err := src.GetRecord(ctx, testID(5))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWSSourceConnectionDropFailsCall(t *testing.T) {
	node := newFakeNode(t)
	node.killOn = testID(6).String()
	src := newWSSource(t, node)

	_, _, err := src.GetRecord(context.Background(), testID(6))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection closed")

	// The source is unusable from here on.
	_, _, err = src.GetRecord(context.Background(), testID(1))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWSSourceClose(t *testing.T) {
	node := newFakeNode(t)
	src, err := NewWSSource(context.Background(), node.url())
	require.NoError(t, err)

	require.NoError(t, src.Close())
	require.NoError(t, src.Close(), "second close is a no-op")

	_, _, err = src.GetRecord(context.Background(), testID(1))
	assert.ErrorIs(t, err, ErrClosed)
}
