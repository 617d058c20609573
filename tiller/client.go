// Copyright 2025 The Tiller Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package tiller is a client for browsers that expose a remote
// debugging protocol over a WebSocket endpoint. It multiplexes typed
// commands over a single connection, correlates asynchronous replies,
// and fans unsolicited events out to subscribers.
//
// The usual entry point is [Connect], which dials the endpoint and
// returns a [*Browser]:
//
//	browser, err := tiller.Connect(ctx, "ws://127.0.0.1:9222/devtools/browser/...", nil)
//	if err != nil { ... }
//	defer browser.Disconnect()
//	page, err := browser.NewPage(ctx)
package tiller

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Client composes the connection manager, the multiplexer and the event
// router for one debugging session, owns their lifecycle, and arbitrates
// shutdown. Most programs use it only through [Browser] and [Page].
type Client struct {
	id     string
	cfg    *Config
	logger *slog.Logger

	router *eventRouter
	mux    *mux
	conn   *connManager

	group  *errgroup.Group
	cancel context.CancelFunc

	closeMu   sync.Mutex
	onRelease []func()
	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient assembles a client around the given transport without
// connecting it. Connect is the usual way in; NewClient exists for
// callers that construct their own transport.
func NewClient(transport Transport, cfg *Config) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		id:     uuid.NewString(),
		cfg:    cfg,
		closed: make(chan struct{}),
	}
	c.logger = cfg.Logger.With("client", c.id)

	// Wiring order: router first, then the connection manager with the
	// multiplexer's inbound recipient (resolved at call time), then the
	// multiplexer holding both. Both directions are wired before
	// anything connects; nothing runs until Start.
	c.router = newEventRouter(cfg.EventBufferSize, c.logger)
	c.conn = newConnManager(transport, func(text string) { c.mux.handleInbound(text) }, cfg, c.logger)
	c.mux = newMux(c.conn, c.router, cfg, c.logger)
	return c
}

// Start connects the transport and runs the client until Close or
// connection loss. It returns once the connection is established, or
// with the handshake error. ctx bounds only the handshake; the running
// client is detached from it.
func (c *Client) Start(ctx context.Context) error {
	// Both subscriptions exist before the connection runs, so neither
	// loop can miss the transitions it cares about.
	startStatus := c.conn.subscribeStatus(8)
	muxStatus := c.conn.subscribeStatus(8)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.group, runCtx = errgroup.WithContext(runCtx)
	c.group.Go(func() error { return c.conn.run(runCtx) })

	// The watcher calls Close, which waits on the group; it runs
	// outside the group so that wait cannot be on itself.
	go c.watchStatus(muxStatus)

	for {
		select {
		case u := <-startStatus:
			switch {
			case u.State == StateConnected:
				return nil
			case u.State.Terminal():
				c.Close()
				if u.Err != nil {
					return u.Err
				}
				return errNotConnected
			}
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		}
	}
}

// watchStatus propagates connection state into the multiplexer and
// triggers cleanup when the connection reaches a terminal state.
func (c *Client) watchStatus(status <-chan StatusUpdate) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("status watcher panicked", "panic", r, "stack", string(debug.Stack()))
			c.Close()
		}
	}()
	for {
		select {
		case u := <-status:
			c.mux.onStatus(u)
			if u.State.Terminal() {
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Events subscribes to protocol events by name. An empty sessionID is a
// wildcard matching the event in every session.
func (c *Client) Events(method, sessionID string) *Subscription {
	return c.router.subscribe(method, sessionID)
}

// Call sends one command and waits for its result. A sessionID scopes
// the command to an attached target; empty means browser-level.
func (c *Client) Call(ctx context.Context, sessionID, method string, params any) ([]byte, error) {
	res, err := c.mux.Call(ctx, sessionID, method, params)
	if err != nil {
		return nil, apiError(err)
	}
	return res, nil
}

// State reports the connection state.
func (c *Client) State() State {
	s, _ := c.conn.status()
	return s
}

// StatusUpdates returns a channel carrying connection state transitions
// observed after the call. Delivery is non-blocking; a reader that
// falls behind misses intermediate transitions but always sees the
// terminal one if it keeps reading.
func (c *Client) StatusUpdates() <-chan StatusUpdate {
	return c.conn.subscribeStatus(8)
}

// Done is closed when the client has fully shut down.
func (c *Client) Done() <-chan struct{} { return c.closed }

// addRelease registers fn to run during shutdown, before the router and
// connection stop. Used by the browser handle to release its pages.
func (c *Client) addRelease(fn func()) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	c.onRelease = append(c.onRelease, fn)
}

// Close shuts the client down: pending commands fail with a
// cancellation error, handles are released, and the connection and
// router stop. Idempotent, and also invoked internally when the
// connection reaches a terminal state.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.logger.Debug("client closing")
		c.mux.shutdown()

		c.closeMu.Lock()
		release := c.onRelease
		c.onRelease = nil
		c.closeMu.Unlock()
		for _, fn := range release {
			fn()
		}

		c.conn.stop()
		if c.cancel != nil {
			c.cancel()
		}
		close(c.closed)
		if c.group != nil {
			c.group.Wait()
		}
		c.router.close()
	})
}

// Connect dials the debugging endpoint at rawurl, starts the client
// runtime, and returns a browser handle bound to it. cfg may be nil for
// defaults. The context bounds the handshake and the browser handle's
// initialization commands.
func Connect(ctx context.Context, rawurl string, cfg *Config) (*Browser, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, apiError(err)
	}
	transport, err := newTransport(rawurl, cfg)
	if err != nil {
		return nil, apiError(err)
	}
	client := NewClient(transport, cfg)
	if err := client.Start(ctx); err != nil {
		return nil, apiError(err)
	}
	browser := newBrowser(client)
	if err := browser.init(ctx); err != nil {
		client.Close()
		return nil, apiError(err)
	}
	return browser, nil
}
