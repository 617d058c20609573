// Copyright 2025 The Tiller Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tiller

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tillerproject/go-tiller/cdp"
	"github.com/tillerproject/go-tiller/internal/strict"
)

// seen records values observed inside peer handlers, which run on the
// server goroutine.
type seen struct {
	mu sync.Mutex
	m  map[string]string
}

func newSeen() *seen { return &seen{m: make(map[string]string)} }

func (s *seen) set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

func (s *seen) get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[key]
}

// scriptedPage connects a browser against a peer that serves one page
// target and answers the session-scoped page vocabulary via handle.
func scriptedPage(t *testing.T, handle func(pc *peerConn, msg *cdp.Message) bool) (*peer, *Page) {
	t.Helper()
	p := newPeer(t, func(pc *peerConn, msg *cdp.Message) bool {
		switch msg.Method {
		case "Target.createTarget":
			pc.reply(msg.ID, map[string]string{"targetId": "T1"})
			pc.event("Target.attachedToTarget", "", map[string]any{
				"sessionId": "S1",
				"targetInfo": map[string]any{
					"targetId": "T1", "type": "page", "url": "about:blank", "title": "", "attached": true,
				},
			})
			return true
		}
		if handle != nil {
			return handle(pc, msg)
		}
		return false
	})
	browser, err := Connect(context.Background(), p.url, &Config{Logger: testLogger()})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(browser.Disconnect)
	page, err := browser.NewPage(context.Background())
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	return p, page
}

func TestNavigate(t *testing.T) {
	got := newSeen()
	_, page := scriptedPage(t, func(pc *peerConn, msg *cdp.Message) bool {
		if msg.Method == "Page.navigate" {
			var params navigateParams
			strict.Unmarshal(msg.Params, &params)
			got.set("url", params.URL)
			got.set("session", msg.SessionID)
			pc.reply(msg.ID, map[string]string{"frameId": "F1"})
			return true
		}
		return false
	})

	if err := page.Navigate(context.Background(), "https://example.test/"); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if url := got.get("url"); url != "https://example.test/" {
		t.Errorf("navigated to %q", url)
	}
	if session := got.get("session"); session != "S1" {
		t.Errorf("command scoped to session %q, want S1", session)
	}
	if s := page.State(); s != PageNavigating {
		t.Errorf("state = %v, want navigating until the load event", s)
	}
}

func TestNavigateErrorText(t *testing.T) {
	_, page := scriptedPage(t, func(pc *peerConn, msg *cdp.Message) bool {
		if msg.Method == "Page.navigate" {
			pc.reply(msg.ID, map[string]string{"frameId": "F1", "errorText": "net::ERR_NAME_NOT_RESOLVED"})
			return true
		}
		return false
	})

	err := page.Navigate(context.Background(), "https://no.such.host/")
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Kind != KindProtocolError {
		t.Fatalf("err = %v, want protocol error", err)
	}
}

func TestLoadEventReturnsPageToIdle(t *testing.T) {
	p, page := scriptedPage(t, func(pc *peerConn, msg *cdp.Message) bool {
		if msg.Method == "Page.navigate" {
			pc.reply(msg.ID, map[string]string{"frameId": "F1"})
			return true
		}
		return false
	})

	if err := page.Navigate(context.Background(), "https://example.test/"); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	p.conn().event("Page.loadEventFired", "S1", map[string]float64{"timestamp": 1})

	deadline := time.Now().Add(2 * time.Second)
	for page.State() != PageIdle {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want idle after load event", page.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEvaluateScript(t *testing.T) {
	_, page := scriptedPage(t, func(pc *peerConn, msg *cdp.Message) bool {
		if msg.Method == "Runtime.evaluate" {
			pc.reply(msg.ID, map[string]any{
				"result": map[string]any{"type": "number", "value": 4},
			})
			return true
		}
		return false
	})

	raw, err := page.EvaluateScript(context.Background(), "2+2")
	if err != nil {
		t.Fatalf("EvaluateScript: %v", err)
	}
	if string(raw) != "4" {
		t.Errorf("result = %s, want 4", raw)
	}
}

func TestEvaluateScriptException(t *testing.T) {
	_, page := scriptedPage(t, func(pc *peerConn, msg *cdp.Message) bool {
		if msg.Method == "Runtime.evaluate" {
			pc.reply(msg.ID, map[string]any{
				"result": map[string]any{"type": "object", "subtype": "error"},
				"exceptionDetails": map[string]any{
					"text":      "Uncaught",
					"exception": map[string]any{"type": "object", "description": "ReferenceError: nope is not defined"},
				},
			})
			return true
		}
		return false
	})

	_, err := page.EvaluateScript(context.Background(), "nope()")
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Kind != KindProtocolError {
		t.Fatalf("err = %v, want protocol error", err)
	}
	if !strings.Contains(apiErr.Error(), "ReferenceError") {
		t.Errorf("error text %q lacks the exception description", apiErr.Error())
	}
}

func TestTitleAndURL(t *testing.T) {
	_, page := scriptedPage(t, func(pc *peerConn, msg *cdp.Message) bool {
		if msg.Method != "Runtime.evaluate" {
			return false
		}
		var params evaluateParams
		strict.Unmarshal(msg.Params, &params)
		value := ""
		switch {
		case strings.Contains(params.Expression, "document.title"):
			value = "Example Domain"
		case strings.Contains(params.Expression, "location.href"):
			value = "https://example.test/"
		}
		pc.reply(msg.ID, map[string]any{
			"result": map[string]any{"type": "string", "value": value},
		})
		return true
	})

	title, err := page.Title(context.Background())
	if err != nil {
		t.Fatalf("Title: %v", err)
	}
	if title != "Example Domain" {
		t.Errorf("title = %q", title)
	}
	url, err := page.URL(context.Background())
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if url != "https://example.test/" {
		t.Errorf("url = %q", url)
	}
}

func TestCallFunction(t *testing.T) {
	got := newSeen()
	_, page := scriptedPage(t, func(pc *peerConn, msg *cdp.Message) bool {
		if msg.Method == "Runtime.evaluate" {
			var params evaluateParams
			strict.Unmarshal(msg.Params, &params)
			got.set("expression", params.Expression)
			pc.reply(msg.ID, map[string]any{
				"result": map[string]any{"type": "number", "value": 3},
			})
			return true
		}
		return false
	})

	raw, err := page.CallFunction(context.Background(), "function(a, b) { return a + b; }", 1, 2)
	if err != nil {
		t.Fatalf("CallFunction: %v", err)
	}
	if string(raw) != "3" {
		t.Errorf("result = %s", raw)
	}
	if expr := got.get("expression"); !strings.Contains(expr, "[1,2]") {
		t.Errorf("arguments not inlined: %q", expr)
	}
}

func TestQuerySelector(t *testing.T) {
	var found atomic.Bool
	found.Store(true)
	_, page := scriptedPage(t, func(pc *peerConn, msg *cdp.Message) bool {
		if msg.Method == "Runtime.evaluate" {
			result := map[string]any{"type": "object", "subtype": "null", "value": nil}
			if found.Load() {
				result = map[string]any{"type": "string", "value": "div#main"}
			}
			pc.reply(msg.ID, map[string]any{"result": result})
			return true
		}
		return false
	})

	el, err := page.QuerySelector(context.Background(), "#main")
	if err != nil {
		t.Fatalf("QuerySelector: %v", err)
	}
	if el == nil || el.Description != "div#main" {
		t.Errorf("element = %+v", el)
	}

	found.Store(false)
	el, err = page.QuerySelector(context.Background(), "#missing")
	if err != nil {
		t.Fatalf("QuerySelector: %v", err)
	}
	if el != nil {
		t.Errorf("element = %+v, want nil", el)
	}
}

func TestWaitForSelectorTimeout(t *testing.T) {
	_, page := scriptedPage(t, func(pc *peerConn, msg *cdp.Message) bool {
		if msg.Method == "Runtime.evaluate" {
			pc.reply(msg.ID, map[string]any{
				"result": map[string]any{"type": "object", "subtype": "null", "value": nil},
			})
			return true
		}
		return false
	})

	_, err := page.WaitForSelector(context.Background(), "#never", 150*time.Millisecond)
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Kind != KindTimeout {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestScreenshot(t *testing.T) {
	imageBytes := []byte{0x89, 'P', 'N', 'G'}
	got := newSeen()
	_, page := scriptedPage(t, func(pc *peerConn, msg *cdp.Message) bool {
		if msg.Method == "Page.captureScreenshot" {
			var params captureScreenshotParams
			strict.Unmarshal(msg.Params, &params)
			got.set("format", params.Format)
			pc.reply(msg.ID, map[string]string{
				"data": base64.StdEncoding.EncodeToString(imageBytes),
			})
			return true
		}
		return false
	})

	data, err := page.Screenshot(context.Background(), ScreenshotPNG, ScreenshotOptions{})
	if err != nil {
		t.Fatalf("Screenshot: %v", err)
	}
	if string(data) != string(imageBytes) {
		t.Errorf("data = %x", data)
	}
	if format := got.get("format"); format != "png" {
		t.Errorf("format = %q", format)
	}
}

func TestPageClose(t *testing.T) {
	got := newSeen()
	_, page := scriptedPage(t, func(pc *peerConn, msg *cdp.Message) bool {
		if msg.Method == "Target.closeTarget" {
			var params closeTargetParams
			strict.Unmarshal(msg.Params, &params)
			got.set("target", params.TargetID)
			pc.reply(msg.ID, map[string]bool{"success": true})
			return true
		}
		return false
	})

	if err := page.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if target := got.get("target"); target != "T1" {
		t.Errorf("closed target %q", target)
	}
	if page.State() != PageClosed {
		t.Errorf("state = %v", page.State())
	}
	if err := page.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestCrashedTargetSurfacesBrowserCrashed(t *testing.T) {
	p, page := scriptedPage(t, nil)
	p.conn().event("Inspector.targetCrashed", "S1", struct{}{})

	deadline := time.Now().Add(2 * time.Second)
	for page.State() != PageClosed {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v", page.State())
		}
		time.Sleep(time.Millisecond)
	}
	_, err := page.EvaluateScript(context.Background(), "1")
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Kind != KindBrowserCrashed {
		t.Fatalf("err = %v, want browser crashed", err)
	}
}
