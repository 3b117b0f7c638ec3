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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
)

var tracer = otel.Tracer("ledgerstate.ledger")

const (
	methodGetRecord   = "getRecord"
	methodSubscribe   = "recordSubscribe"
	methodUnsubscribe = "recordUnsubscribe"
	methodNotify      = "recordNotification"

	wsWriteWait = 10 * time.Second
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcEnvelope covers both call responses (ID set) and server
// notifications (Method set).
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// recordResult is the wire form of one record: base64 payload plus
// provenance. A null result means the account does not exist.
type recordResult struct {
	Payload string `json:"payload"`
	Slot    uint64 `json:"slot"`
	Owner   string `json:"owner,omitempty"`
}

type notifyParams struct {
	Subscription uint64       `json:"subscription"`
	Result       recordResult `json:"result"`
}

type wsSub struct {
	handle string
	id     record.AccountID
	srvID  uint64
	fn     NotifyFunc
}

// WSOption configures a WSSource.
type WSOption func(*WSSource)

// WithWSLogger sets the structured logger.
func WithWSLogger(l *slog.Logger) WSOption {
	return func(s *WSSource) {
		if l != nil {
			s.logger = l
		}
	}
}

// WSSource speaks JSON-RPC 2.0 over a WebSocket to a ledger node.
//
// Description:
//
//	Calls are id-correlated: getRecord and recordSubscribe requests
//	carry a client-chosen id the node echoes back. A read loop owns
//	the connection's receive side and routes responses to waiting
//	callers and recordNotification messages to subscription
//	callbacks. Notifications dispatch on their own goroutines so a
//	slow consumer never stalls the connection.
//
//	The source does not reconnect. A dropped connection fails every
//	outstanding call and future calls with ErrClosed; the owner
//	rebuilds the source and re-subscribes.
//
// Thread Safety: WSSource is safe for concurrent use.
type WSSource struct {
	url    string
	logger *slog.Logger
	conn   *websocket.Conn

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan rpcEnvelope
	subs    map[string]*wsSub
	bySrv   map[uint64]*wsSub
	closed  bool

	done chan struct{}
}

// NewWSSource dials url and starts the read loop. Callers own the
// source and must Close it.
func NewWSSource(ctx context.Context, url string, opts ...WSOption) (*WSSource, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial ledger node %s: %w", url, err)
	}

	s := &WSSource{
		url:     url,
		logger:  slog.Default(),
		conn:    conn,
		pending: make(map[uint64]chan rpcEnvelope),
		subs:    make(map[string]*wsSub),
		bySrv:   make(map[uint64]*wsSub),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.readLoop()
	s.logger.Info("connected to ledger node", "url", url)
	return s, nil
}

func (s *WSSource) GetRecord(ctx context.Context, id record.AccountID) ([]byte, Meta, error) {
	raw, err := s.call(ctx, methodGetRecord, []any{id.String()})
	if err != nil {
		return nil, Meta{}, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, Meta{}, ErrNotFound
	}

	var res recordResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, Meta{}, fmt.Errorf("malformed getRecord result: %w", err)
	}
	return decodeRecordResult(id, res)
}

func (s *WSSource) Subscribe(ctx context.Context, id record.AccountID, fn NotifyFunc) (string, error) {
	raw, err := s.call(ctx, methodSubscribe, []any{id.String()})
	if err != nil {
		return "", err
	}
	var srvID uint64
	if err := json.Unmarshal(raw, &srvID); err != nil {
		return "", fmt.Errorf("malformed recordSubscribe result: %w", err)
	}

	sub := &wsSub{handle: uuid.New().String(), id: id, srvID: srvID, fn: fn}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.subs[sub.handle] = sub
	s.bySrv[srvID] = sub
	s.mu.Unlock()

	return sub.handle, nil
}

func (s *WSSource) Unsubscribe(handle string) error {
	s.mu.Lock()
	sub, ok := s.subs[handle]
	if ok {
		delete(s.subs, handle)
		delete(s.bySrv, sub.srvID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownSubscription
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsWriteWait)
	defer cancel()
	if _, err := s.call(ctx, methodUnsubscribe, []any{sub.srvID}); err != nil {
		// Local state is already released; the node will drop the
		// subscription when the connection goes.
		s.logger.Warn("recordUnsubscribe failed",
			"account", sub.id.Short(),
			"error", err,
		)
	}
	return nil
}

func (s *WSSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.subs = make(map[string]*wsSub)
	s.bySrv = make(map[uint64]*wsSub)
	s.mu.Unlock()

	err := s.conn.Close()
	<-s.done
	return err
}

// call sends one request and waits for its response.
func (s *WSSource) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "ledger.call")
	defer span.End()
	span.SetAttributes(attribute.String("rpc.method", method))

	id := s.nextID.Add(1)
	ch := make(chan rpcEnvelope, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.pending[id] = ch
	s.mu.Unlock()

	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err := s.conn.WriteJSON(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	s.writeMu.Unlock()
	if err != nil {
		s.dropPending(id)
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case env := <-ch:
		if env.Error != nil {
			span.RecordError(env.Error)
			span.SetStatus(codes.Error, "rpc error")
			return nil, fmt.Errorf("%s: %w", method, env.Error)
		}
		return env.Result, nil
	case <-ctx.Done():
		s.dropPending(id)
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	}
}

func (s *WSSource) dropPending(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *WSSource) readLoop() {
	defer close(s.done)
	defer s.failPending()

	for {
		var env rpcEnvelope
		if err := s.conn.ReadJSON(&env); err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Warn("ledger connection lost", "url", s.url, "error", err)
			}
			return
		}

		switch {
		case env.ID != nil:
			s.mu.Lock()
			ch, ok := s.pending[*env.ID]
			delete(s.pending, *env.ID)
			s.mu.Unlock()
			if ok {
				ch <- env
			}

		case env.Method == methodNotify:
			s.dispatchNotification(env.Params)

		default:
			s.logger.Debug("ignoring unexpected ledger message", "method", env.Method)
		}
	}
}

func (s *WSSource) dispatchNotification(params json.RawMessage) {
	var p notifyParams
	if err := json.Unmarshal(params, &p); err != nil {
		s.logger.Warn("malformed ledger notification", "error", err)
		return
	}

	s.mu.Lock()
	sub, ok := s.bySrv[p.Subscription]
	s.mu.Unlock()
	if !ok {
		// Races with Unsubscribe are expected; the node may deliver a
		// few more notifications after the unsubscribe call.
		return
	}

	payload, meta, err := decodeRecordResult(sub.id, p.Result)
	if err != nil {
		s.logger.Warn("dropping undecodable notification",
			"account", sub.id.Short(),
			"error", err,
		)
		return
	}
	go sub.fn(sub.id, payload, meta)
}

// failPending wakes every caller still waiting on a response after
// the connection is gone.
func (s *WSSource) failPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[uint64]chan rpcEnvelope)
	s.closed = true
	s.mu.Unlock()

	for id, ch := range pending {
		ch <- rpcEnvelope{ID: &id, Error: &rpcError{Code: -32000, Message: "connection closed"}}
	}
}

func decodeRecordResult(id record.AccountID, res recordResult) ([]byte, Meta, error) {
	payload, err := base64.StdEncoding.DecodeString(res.Payload)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("decode payload for %s: %w", id.Short(), err)
	}
	meta := Meta{Slot: res.Slot}
	if res.Owner != "" {
		owner, err := record.ParseAccountID(res.Owner)
		if err != nil {
			return nil, Meta{}, fmt.Errorf("decode owner for %s: %w", id.Short(), err)
		}
		meta.Owner = owner
	}
	return payload, meta, nil
}
