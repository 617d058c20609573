// Copyright 2025 The Tiller Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tiller

import (
	"context"
	stdjson "encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/tillerproject/go-tiller/cdp"
	"github.com/tillerproject/go-tiller/internal/util"
)

// rawSender is the slice of the connection manager the multiplexer
// needs: accept one serialized envelope for ordered delivery.
type rawSender interface {
	sendRaw(ctx context.Context, text string) error
}

type callResult struct {
	result stdjson.RawMessage
	err    error
}

// pendingCall is a command that has been sent but not yet resolved. Its
// channel is buffered so the resolving side never blocks on a caller
// that abandoned the wait.
type pendingCall struct {
	id     int64
	method string
	ch     chan callResult
	timer  *time.Timer
}

// mux is the command core. It is the only component that knows about
// request ids: it allocates them, parks callers, correlates replies,
// fires timeouts, and classifies everything else inbound as an event.
type mux struct {
	sender rawSender
	router *eventRouter
	cfg    *Config
	logger *slog.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingCall
	down    error // set once the connection is lost or the client closes
}

func newMux(sender rawSender, router *eventRouter, cfg *Config, logger *slog.Logger) *mux {
	return &mux{
		sender:  sender,
		router:  router,
		cfg:     cfg,
		logger:  logger,
		pending: make(map[int64]*pendingCall),
	}
}

// Call sends one command and blocks until it resolves: a response from
// the endpoint, the per-command timeout, or connection loss. Cancelling
// ctx abandons the wait but does not retract the command; the reply, if
// any, is discarded when it arrives.
func (x *mux) Call(ctx context.Context, sessionID, method string, params any) (stdjson.RawMessage, error) {
	// params defaults to the empty object on the wire.
	raw := stdjson.RawMessage("{}")
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, errorf(KindInvalidParameters, "encoding %s params: %v", method, err)
		}
		raw = data
	}

	x.mu.Lock()
	if x.down != nil {
		err := x.down
		x.mu.Unlock()
		return nil, err
	}
	x.nextID++
	id := x.nextID
	x.mu.Unlock()

	envelope, err := cdp.EncodeMessage(&cdp.Message{
		ID:        id,
		Method:    method,
		Params:    raw,
		SessionID: sessionID,
	})
	if err != nil {
		return nil, errorf(KindInvalidParameters, "encoding %s: %v", method, err)
	}

	call := &pendingCall{id: id, method: method, ch: make(chan callResult, 1)}
	x.mu.Lock()
	if x.down != nil {
		err := x.down
		x.mu.Unlock()
		return nil, err
	}
	x.pending[id] = call
	call.timer = time.AfterFunc(x.cfg.CommandTimeout, func() { x.onTimeout(id) })
	x.mu.Unlock()

	if err := x.sender.sendRaw(ctx, string(envelope)); err != nil {
		x.take(id)
		call.timer.Stop()
		return nil, err
	}

	select {
	case res := <-call.ch:
		return res.result, res.err
	case <-ctx.Done():
		// The command is on the wire; the pending record stays until
		// the response, the timeout, or connection loss claims it.
		return nil, ctx.Err()
	}
}

// take removes and returns the pending record for id, or nil if it has
// already been resolved. Removal under the lock is what makes
// resolution exactly-once.
func (x *mux) take(id int64) *pendingCall {
	x.mu.Lock()
	defer x.mu.Unlock()
	call, ok := x.pending[id]
	if !ok {
		return nil
	}
	delete(x.pending, id)
	return call
}

// handleInbound is the connection manager's inbound recipient. Parse
// failures never tear the connection down; they surface as a synthetic
// event.
func (x *mux) handleInbound(text string) {
	msg, err := cdp.DecodeMessage([]byte(text))
	if err != nil {
		x.logger.Debug("undecodable inbound message", "err", err)
		x.publishRaw(cdp.MethodDeserializeError, text)
		return
	}
	switch msg.Classify() {
	case cdp.KindResponse:
		x.resolve(msg)
	case cdp.KindEvent:
		x.router.publish(Event{Method: msg.Method, SessionID: msg.SessionID, Params: msg.Params})
	case cdp.KindError:
		data, err := json.Marshal(msg.Error)
		if err != nil {
			data = []byte("{}")
		}
		x.router.publish(Event{Method: cdp.MethodProtocolError, SessionID: msg.SessionID, Params: data})
	default:
		x.logger.Debug("malformed inbound message", "text", text)
		x.publishRaw(cdp.MethodDeserializeError, text)
	}
}

func (x *mux) publishRaw(method, text string) {
	data, err := json.Marshal(struct {
		Raw string `json:"raw"`
	}{Raw: text})
	if err != nil {
		data = []byte("{}")
	}
	x.router.publish(Event{Method: method, Params: data})
}

func (x *mux) resolve(msg *cdp.Message) {
	call := x.take(msg.ID)
	if call == nil {
		// Late reply after a timeout, or a peer bug. Dropped.
		x.logger.Debug("dropping reply with no pending request", "id", msg.ID)
		return
	}
	util.Assert(call.id == msg.ID, "pending map corrupted")
	call.timer.Stop()
	if msg.Error != nil {
		call.ch <- callResult{err: fmt.Errorf("%s: %w", call.method, msg.Error)}
		return
	}
	result := msg.Result
	if result == nil {
		result = stdjson.RawMessage("null")
	}
	call.ch <- callResult{result: result}
}

func (x *mux) onTimeout(id int64) {
	call := x.take(id)
	if call == nil {
		return
	}
	x.logger.Debug("command timed out", "id", id, "method", call.method)
	call.ch <- callResult{err: fmt.Errorf("%s after %v: %w", call.method, x.cfg.CommandTimeout, errTimeout)}
}

// onStatus reacts to connection state transitions. A terminal state
// fails every pending command with the transport error.
func (x *mux) onStatus(u StatusUpdate) {
	if !u.State.Terminal() {
		return
	}
	cause := u.Err
	if cause == nil {
		cause = errNotConnected
	}
	x.fail(cause)
}

// shutdown fails all pending commands with a cancellation error and
// rejects future calls.
func (x *mux) shutdown() {
	x.fail(errClientClosed)
}

func (x *mux) fail(cause error) {
	x.mu.Lock()
	if x.down == nil {
		x.down = cause
	}
	calls := make([]*pendingCall, 0, len(x.pending))
	for _, call := range x.pending {
		calls = append(calls, call)
	}
	x.pending = make(map[int64]*pendingCall)
	x.mu.Unlock()

	for _, call := range calls {
		call.timer.Stop()
		call.ch <- callResult{err: fmt.Errorf("%s: %w", call.method, cause)}
	}
}
