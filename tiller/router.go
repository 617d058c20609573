// Copyright 2025 The Tiller Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tiller

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// An Event is one unsolicited notification from the endpoint, or a
// synthetic one published locally (see the cdp.Method* constants).
type Event struct {
	// Method is the event name, e.g. "Page.loadEventFired".
	Method string
	// SessionID is the session the event is scoped to; empty for
	// browser-level events.
	SessionID string
	// Params is the raw event payload.
	Params json.RawMessage
}

// A Subscription receives events matching one (method, session) pair. A
// subscription made with an empty session id is a wildcard: it matches
// the method regardless of session.
type Subscription struct {
	method    string
	sessionID string
	ch        chan Event
	external  bool // channel owned by the subscriber, never closed here
	router    *eventRouter
	closeOnce sync.Once
}

// Events returns the subscription's channel. The channel is closed when
// the subscription is removed or the router shuts down.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Unsubscribe removes the subscription and closes its channel.
// Idempotent.
func (s *Subscription) Unsubscribe() { s.router.unsubscribe(s) }

type subKey struct {
	method    string
	sessionID string
}

// eventRouter fans inbound events out to subscribers. Delivery is
// best-effort and non-blocking: each sink is a buffered channel, and a
// sink whose buffer is full has that event dropped rather than stalling
// the others. Events delivered to a single sink preserve publication
// order.
type eventRouter struct {
	logger  *slog.Logger
	bufSize int

	mu     sync.Mutex
	subs   map[subKey]map[*Subscription]struct{}
	closed bool
}

func newEventRouter(bufSize int, logger *slog.Logger) *eventRouter {
	return &eventRouter{
		logger:  logger,
		bufSize: bufSize,
		subs:    make(map[subKey]map[*Subscription]struct{}),
	}
}

// subscribe registers a sink for (method, sessionID). An empty sessionID
// subscribes to the method across all sessions.
func (r *eventRouter) subscribe(method, sessionID string) *Subscription {
	return r.add(&Subscription{
		method:    method,
		sessionID: sessionID,
		ch:        make(chan Event, r.bufSize),
		router:    r,
	})
}

// subscribeChan registers a caller-owned channel as the sink, so several
// subscriptions can feed one channel. The router never closes it; the
// caller decides when to stop reading.
func (r *eventRouter) subscribeChan(method, sessionID string, ch chan Event) *Subscription {
	return r.add(&Subscription{
		method:    method,
		sessionID: sessionID,
		ch:        ch,
		external:  true,
		router:    r,
	})
}

func (r *eventRouter) add(s *Subscription) *Subscription {
	key := subKey{s.method, s.sessionID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		// Router already shut down; hand back a closed subscription so
		// range loops over it terminate immediately.
		s.close()
		return s
	}
	set, ok := r.subs[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		r.subs[key] = set
	}
	set[s] = struct{}{}
	return s
}

// close closes the subscription's channel unless the subscriber owns it.
func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		if !s.external {
			close(s.ch)
		}
	})
}

func (r *eventRouter) unsubscribe(s *Subscription) {
	key := subKey{s.method, s.sessionID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.subs[key]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(r.subs, key)
		}
	}
	s.close()
}

// publish delivers ev to every sink registered under (method, session)
// and, when the event is session-scoped, to the method's wildcard sinks.
func (r *eventRouter) publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.deliver(subKey{ev.Method, ev.SessionID}, ev)
	if ev.SessionID != "" {
		r.deliver(subKey{ev.Method, ""}, ev)
	}
}

func (r *eventRouter) deliver(key subKey, ev Event) {
	for s := range r.subs[key] {
		select {
		case s.ch <- ev:
		default:
			r.logger.Warn("event subscriber too slow, dropping event",
				"method", ev.Method, "sessionID", ev.SessionID)
		}
	}
}

// close drops every subscription and closes its channel. Publishing
// after close is a no-op.
func (r *eventRouter) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, set := range r.subs {
		for s := range set {
			s.close()
		}
	}
	r.subs = make(map[subKey]map[*Subscription]struct{})
}
