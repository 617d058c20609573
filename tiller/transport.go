// Copyright 2025 The Tiller Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tiller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tillerproject/go-tiller/internal/util"
)

// A Transport is a framed duplex stream of UTF-8 text messages. The
// connection manager is its only user: one goroutine calls Send, one
// calls Receive. Transports are single-use; Connect may be called once.
type Transport interface {
	// Connect establishes the stream. Calling Connect on a transport
	// that is already connected or closed fails.
	Connect(ctx context.Context) error

	// Send writes one text message.
	Send(ctx context.Context, text string) error

	// Receive blocks until the next inbound text message. It returns
	// io.EOF when the remote closes gracefully. Control frames and
	// binary frames are handled transparently and never surface.
	Receive(ctx context.Context) (string, error)

	// Close tears the stream down, sending a close frame when the
	// protocol has one. It is idempotent and never fails fatally.
	Close() error
}

// newTransport selects a transport implementation from the URL scheme.
// Schemes are matched case-insensitively; only ws and wss are known.
func newTransport(rawurl string, cfg *Config) (Transport, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		if util.InsecureEndpoint(u.Scheme, u.Host) {
			cfg.Logger.Warn("cleartext connection to a non-loopback endpoint", "host", u.Host)
		}
		return newWSTransport(rawurl, cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", errInvalidURL, u.Scheme)
	}
}

// wsTransport is the WebSocket transport, on gorilla/websocket. The
// debugging endpoint speaks text frames only; gorilla answers pings for
// us, and Receive skips any binary frame.
type wsTransport struct {
	url    string
	id     string
	dialer *websocket.Dialer
	header http.Header
	logger *slog.Logger

	maxMessageSize int64

	mu        sync.Mutex
	conn      *websocket.Conn
	dialed    bool
	closeOnce sync.Once
}

func newWSTransport(rawurl string, cfg *Config) *wsTransport {
	id := util.RandText()
	return &wsTransport{
		url: rawurl,
		id:  id,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		header:         cfg.Header,
		logger:         cfg.Logger.With("transport", id),
		maxMessageSize: cfg.MaxMessageSize,
	}
}

func (t *wsTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dialed {
		return errAlreadyStarted
	}
	t.dialed = true

	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: %v (status: %d)", errConnectFailed, err, resp.StatusCode)
		}
		return fmt.Errorf("%w: %v", errConnectFailed, err)
	}
	conn.SetReadLimit(t.maxMessageSize)
	t.conn = conn
	t.logger.Debug("websocket connected", "url", t.url)
	return nil
}

func (t *wsTransport) connected() (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, errNotConnected
	}
	return t.conn, nil
}

func (t *wsTransport) Send(ctx context.Context, text string) error {
	conn, err := t.connected()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("%w: %v", errSendFailed, err)
	}
	return nil
}

func (t *wsTransport) Receive(ctx context.Context) (string, error) {
	conn, err := t.connected()
	if err != nil {
		return "", err
	}

	// Unblock the read when the context goes away. gorilla reads have no
	// context form; closing the connection is the documented way out.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "", io.EOF
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("%w: %v", errReceiveFailed, err)
		}
		if messageType != websocket.TextMessage {
			// Binary frames never carry protocol data.
			continue
		}
		return string(data), nil
	}
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		conn := t.conn
		t.dialed = true // a closed transport cannot be connected
		t.mu.Unlock()
		if conn == nil {
			return
		}
		// Best effort close handshake; the endpoint rarely answers it.
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
		t.logger.Debug("websocket closed")
	})
	return nil
}
