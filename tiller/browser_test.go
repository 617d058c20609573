// Copyright 2025 The Tiller Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tiller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tillerproject/go-tiller/cdp"
)

// pagePeer scripts the target vocabulary: createTarget answers with
// target id T1 and fires the attachment event afterwards, the way the
// real endpoint does.
func pagePeer(t *testing.T, attachDelay time.Duration) *peer {
	return newPeer(t, func(pc *peerConn, msg *cdp.Message) bool {
		switch msg.Method {
		case "Target.createTarget":
			pc.reply(msg.ID, map[string]string{"targetId": "T1"})
			go func() {
				time.Sleep(attachDelay)
				pc.event("Target.attachedToTarget", "", map[string]any{
					"sessionId": "S1",
					"targetInfo": map[string]any{
						"targetId": "T1",
						"type":     "page",
						"url":      "about:blank",
						"title":    "",
						"attached": true,
					},
					"waitingForDebugger": false,
				})
			}()
			return true
		}
		return false
	})
}

func TestNewPageCompound(t *testing.T) {
	p := pagePeer(t, 20*time.Millisecond)
	browser, err := Connect(context.Background(), p.url, &Config{Logger: testLogger()})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer browser.Disconnect()

	page, err := browser.NewPage(context.Background())
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	if page.ID() != "T1" {
		t.Errorf("page id = %q, want T1", page.ID())
	}
	if page.SessionID() != "S1" {
		t.Errorf("session id = %q, want S1", page.SessionID())
	}

	// The browser's bookkeeping maps the target to its session.
	browser.mu.Lock()
	rec := browser.targets["T1"]
	browser.mu.Unlock()
	if rec == nil || rec.sessionID != "S1" {
		t.Errorf("target record = %+v", rec)
	}
}

func TestNewPageAttachmentBeforeResponse(t *testing.T) {
	// The attachment event can overtake the createTarget response in
	// the handle's view; NewPage must tolerate it.
	p := pagePeer(t, 0)
	browser, err := Connect(context.Background(), p.url, &Config{Logger: testLogger()})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer browser.Disconnect()

	for i := 0; i < 5; i++ {
		page, err := browser.NewPage(context.Background())
		if err != nil {
			t.Fatalf("NewPage: %v", err)
		}
		if page.SessionID() != "S1" {
			t.Errorf("session id = %q", page.SessionID())
		}
	}
}

func TestNewPageTimeoutWithoutAttachment(t *testing.T) {
	p := newPeer(t, func(pc *peerConn, msg *cdp.Message) bool {
		if msg.Method == "Target.createTarget" {
			pc.reply(msg.ID, map[string]string{"targetId": "T-orphan"})
			return true // no attachment ever arrives
		}
		return false
	})
	cfg := &Config{CommandTimeout: 100 * time.Millisecond, Logger: testLogger()}
	browser, err := Connect(context.Background(), p.url, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer browser.Disconnect()

	_, err = browser.NewPage(context.Background())
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Kind != KindTimeout {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestPagesAttachesUnattachedTargets(t *testing.T) {
	p := newPeer(t, func(pc *peerConn, msg *cdp.Message) bool {
		switch msg.Method {
		case "Target.getTargets":
			pc.reply(msg.ID, map[string]any{
				"targetInfos": []map[string]any{
					{"targetId": "T1", "type": "page", "url": "https://a.example", "title": "A", "attached": false},
					{"targetId": "W1", "type": "service_worker", "url": "", "title": "", "attached": false},
				},
			})
			return true
		case "Target.attachToTarget":
			pc.reply(msg.ID, map[string]string{"sessionId": "S-T1"})
			return true
		}
		return false
	})
	browser, err := Connect(context.Background(), p.url, &Config{Logger: testLogger()})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer browser.Disconnect()

	pages, err := browser.Pages(context.Background())
	if err != nil {
		t.Fatalf("Pages: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("got %d pages, want 1 (workers excluded)", len(pages))
	}
	if pages[0].ID() != "T1" || pages[0].SessionID() != "S-T1" {
		t.Errorf("page = %q/%q", pages[0].ID(), pages[0].SessionID())
	}
}

func TestDetachClosesPage(t *testing.T) {
	p := pagePeer(t, 0)
	browser, err := Connect(context.Background(), p.url, &Config{Logger: testLogger()})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer browser.Disconnect()

	page, err := browser.NewPage(context.Background())
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}

	p.conn().event("Target.detachedFromTarget", "", map[string]string{
		"sessionId": "S1",
		"targetId":  "T1",
	})

	deadline := time.Now().Add(2 * time.Second)
	for page.State() != PageClosed {
		if time.Now().After(deadline) {
			t.Fatalf("page state = %v, want closed", page.State())
		}
		time.Sleep(time.Millisecond)
	}

	// The record is gone and later operations report the detachment.
	browser.mu.Lock()
	_, ok := browser.targets["T1"]
	browser.mu.Unlock()
	if ok {
		t.Error("target record survived detach")
	}
	_, err = page.EvaluateScript(context.Background(), "1")
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Kind != KindTargetDetached {
		t.Errorf("err = %v, want target detached", err)
	}
}

func TestReleaseOnDisconnectClosesPages(t *testing.T) {
	p := pagePeer(t, 0)
	browser, err := Connect(context.Background(), p.url, &Config{Logger: testLogger()})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	page, err := browser.NewPage(context.Background())
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}

	browser.Disconnect()
	deadline := time.Now().Add(2 * time.Second)
	for page.State() != PageClosed {
		if time.Now().After(deadline) {
			t.Fatalf("page state = %v after disconnect", page.State())
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := browser.NewPage(context.Background()); err == nil {
		t.Error("NewPage succeeded after disconnect")
	}
}
