// Copyright 2025 The Tiller Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tiller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/time/rate"
)

// State is the connection lifecycle state. Once a terminal state is
// reached no further transitions occur.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateFailedToStart
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateFailedToStart:
		return "failed to start"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can occur.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailedToStart
}

// A StatusUpdate is one connection state transition. Err is set for
// Disconnected after a failure and for FailedToStart.
type StatusUpdate struct {
	State State
	Err   error
}

// connManager owns the transport and pumps messages in both directions.
// Outbound text is queued on a bounded channel and written in acceptance
// order by a single goroutine; inbound text is forwarded, in arrival
// order, to the handler configured at construction.
type connManager struct {
	transport Transport
	inbound   func(text string)
	cfg       *Config
	logger    *slog.Logger
	limiter   *rate.Limiter // nil when no send rate limit is configured

	outbound chan string

	mu       sync.Mutex
	state    State
	stateErr error
	watchers []chan StatusUpdate

	stopOnce sync.Once
	stopped  chan struct{}
}

func newConnManager(transport Transport, inbound func(string), cfg *Config, logger *slog.Logger) *connManager {
	var limiter *rate.Limiter
	if cfg.SendRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRateLimit), 1)
	}
	return &connManager{
		transport: transport,
		inbound:   inbound,
		cfg:       cfg,
		logger:    logger,
		limiter:   limiter,
		outbound:  make(chan string, cfg.OutboundCapacity),
		state:     StateIdle,
		stopped:   make(chan struct{}),
	}
}

// subscribeStatus registers a status sink. Updates are delivered
// non-blocking: a subscriber that falls more than bufSize transitions
// behind misses the intermediate ones.
func (m *connManager) subscribeStatus(bufSize int) <-chan StatusUpdate {
	ch := make(chan StatusUpdate, bufSize)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, ch)
	return ch
}

func (m *connManager) status() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.stateErr
}

func (m *connManager) setState(s State, err error) {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.stateErr = err
	watchers := make([]chan StatusUpdate, len(m.watchers))
	copy(watchers, m.watchers)
	m.mu.Unlock()

	m.logger.Debug("connection state", "state", s.String(), "err", err)
	for _, ch := range watchers {
		select {
		case ch <- StatusUpdate{State: s, Err: err}:
		default:
			m.logger.Warn("status subscriber too slow, dropping update", "state", s.String())
		}
	}
}

// sendRaw queues one outbound message. It blocks when the outbound
// channel is full (backpressure) and fails immediately when the
// connection is not in the Connected state.
func (m *connManager) sendRaw(ctx context.Context, text string) error {
	if s, _ := m.status(); s != StateConnected {
		return errNotConnected
	}
	select {
	case m.outbound <- text:
		return nil
	case <-m.stopped:
		return errNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run connects the transport and drives the duplex loop until the
// connection ends. It returns the error that terminated the connection,
// or nil after a graceful close.
func (m *connManager) run(ctx context.Context) error {
	m.setState(StateConnecting, nil)

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	err := m.transport.Connect(cctx)
	cancel()
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			err = errTimeout
		}
		m.setState(StateFailedToStart, err)
		return err
	}
	m.setState(StateConnected, nil)

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	readErr := make(chan error, 1)
	writeErr := make(chan error, 1)
	go func() { readErr <- m.runPump(ctx, m.readPump) }()
	go func() { writeErr <- m.runPump(ctx, m.writePump) }()

	var cause error
	select {
	case cause = <-readErr:
	case cause = <-writeErr:
	case <-m.stopped:
		m.setState(StateDisconnecting, nil)
	case <-ctx.Done():
	}

	stop()
	m.transport.Close()

	if errors.Is(cause, io.EOF) || errors.Is(cause, context.Canceled) {
		cause = nil
	}
	m.setState(StateDisconnected, cause)
	return cause
}

// runPump converts a panic in a pump (or anything it calls, such as
// the inbound recipient) into a connection error, so a bug tears the
// connection down with the usual cleanup instead of the process.
func (m *connManager) runPump(ctx context.Context, pump func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connection pump panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()
	return pump(ctx)
}

func (m *connManager) readPump(ctx context.Context) error {
	for {
		text, err := m.transport.Receive(ctx)
		if err != nil {
			return err
		}
		m.logger.Debug("recv", "text", text)
		m.inbound(text)
	}
}

func (m *connManager) writePump(ctx context.Context) error {
	for {
		select {
		case text := <-m.outbound:
			if m.limiter != nil {
				if err := m.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			m.logger.Debug("send", "text", text)
			if err := m.transport.Send(ctx, text); err != nil {
				return err
			}
		case <-m.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stop requests shutdown. Messages still queued on the outbound channel
// are dropped; delivery of messages already handed to the transport is
// not guaranteed. Idempotent.
func (m *connManager) stop() {
	m.stopOnce.Do(func() {
		close(m.stopped)
		// run may never have been invoked (construction raced a
		// failure); make the terminal state observable regardless.
		if s, _ := m.status(); s == StateIdle {
			m.setState(StateDisconnected, nil)
			m.transport.Close()
		}
	})
}
