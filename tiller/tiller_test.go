// Copyright 2025 The Tiller Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tiller

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tillerproject/go-tiller/cdp"
)

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func timeAfterSecond() time.Time {
	return time.Now().Add(time.Second)
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testConfig() *Config {
	cfg := &Config{Logger: testLogger()}
	return cfg.withDefaults()
}

// peer is an in-process debugging endpoint. Each inbound command is
// offered to onCommand; returning false (or a nil handler) gets the
// default reply of an empty result, which satisfies the handle wiring
// commands.
type peer struct {
	t   *testing.T
	srv *httptest.Server
	url string

	onCommand func(pc *peerConn, msg *cdp.Message) bool

	mu    sync.Mutex
	conns []*peerConn
}

func newPeer(t *testing.T, onCommand func(*peerConn, *cdp.Message) bool) *peer {
	t.Helper()
	p := &peer{t: t, onCommand: onCommand}
	upgrader := websocket.Upgrader{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		pc := &peerConn{t: t, conn: conn}
		p.mu.Lock()
		p.conns = append(p.conns, pc)
		p.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := cdp.DecodeMessage(data)
			if err != nil {
				continue
			}
			if p.onCommand != nil && p.onCommand(pc, msg) {
				continue
			}
			pc.reply(msg.ID, struct{}{})
		}
	}))
	t.Cleanup(p.srv.Close)
	p.url = "ws" + strings.TrimPrefix(p.srv.URL, "http")
	return p
}

// conn returns the first accepted connection, for tests that push
// events outside a command handler.
func (p *peer) conn() *peerConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil
	}
	return p.conns[0]
}

type peerConn struct {
	t    *testing.T
	mu   sync.Mutex
	conn *websocket.Conn
}

func (pc *peerConn) send(m *cdp.Message) {
	pc.t.Helper()
	data, err := cdp.EncodeMessage(m)
	if err != nil {
		pc.t.Fatalf("encoding peer message: %v", err)
	}
	pc.sendText(string(data))
}

func (pc *peerConn) sendText(text string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (pc *peerConn) reply(id int64, result any) {
	pc.t.Helper()
	pc.send(&cdp.Message{ID: id, Result: mustJSON(pc.t, result)})
}

func (pc *peerConn) replyError(id int64, code int64, message string) {
	pc.send(&cdp.Message{ID: id, Error: &cdp.Error{Code: code, Message: message}})
}

func (pc *peerConn) event(method, sessionID string, params any) {
	pc.t.Helper()
	pc.send(&cdp.Message{Method: method, SessionID: sessionID, Params: mustJSON(pc.t, params)})
}

func (pc *peerConn) close() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), timeAfterSecond())
	pc.conn.Close()
}
