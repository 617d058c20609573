// Copyright 2025 The Tiller Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tiller

import (
	"context"
	"encoding/base64"
	stdjson "encoding/json"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/tillerproject/go-tiller/internal/strict"
)

// PageState is the page handle's lifecycle state.
type PageState int

const (
	PageInitializing PageState = iota
	PageIdle
	PageNavigating
	PageEvaluating
	PageClosing
	PageClosed
)

func (s PageState) String() string {
	switch s {
	case PageInitializing:
		return "initializing"
	case PageIdle:
		return "idle"
	case PageNavigating:
		return "navigating"
	case PageEvaluating:
		return "evaluating"
	case PageClosing:
		return "closing"
	case PageClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Page is the handle for one page target. It holds the target and
// session ids and forwards typed operations as session-scoped commands.
type Page struct {
	browser   *Browser
	client    *Client
	targetID  string
	sessionID string
	logger    *slog.Logger

	mu       sync.Mutex
	state    PageState
	detached error // why the page became unusable, nil while alive
	info     TargetInfo

	events chan Event
	subs   []*Subscription
	done   chan struct{}
	once   sync.Once
}

func newPage(browser *Browser, targetID, sessionID string, info TargetInfo) *Page {
	p := &Page{
		browser:   browser,
		client:    browser.client,
		targetID:  targetID,
		sessionID: sessionID,
		logger:    browser.logger.With("target", targetID),
		state:     PageInitializing,
		info:      info,
		events:    make(chan Event, browser.client.cfg.EventBufferSize),
		done:      make(chan struct{}),
	}
	for _, method := range []string{eventPageLoadEventFired, eventInspectorTargetCrashed} {
		p.subs = append(p.subs, p.client.router.subscribeChan(method, sessionID, p.events))
	}
	go p.eventLoop()
	go p.enableDomains()
	return p
}

// enableDomains switches on the page and runtime domains for the
// session. Best effort: a failure leaves the handle usable for the
// commands that do not need them.
func (p *Page) enableDomains() {
	ctx, cancel := context.WithTimeout(context.Background(), p.client.cfg.CommandTimeout)
	defer cancel()
	for _, method := range []string{methodPageEnable, methodRuntimeEnable} {
		if _, err := p.client.Call(ctx, p.sessionID, method, nil); err != nil {
			p.logger.Debug("enable failed", "method", method, "err", err)
			break
		}
	}
	p.mu.Lock()
	if p.state == PageInitializing {
		p.state = PageIdle
	}
	p.mu.Unlock()
}

func (p *Page) eventLoop() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("page event loop panicked", "panic", r, "stack", string(debug.Stack()))
			p.client.Close()
		}
	}()
	for {
		select {
		case ev := <-p.events:
			switch ev.Method {
			case eventPageLoadEventFired:
				p.mu.Lock()
				if p.state == PageNavigating {
					p.state = PageIdle
				}
				p.mu.Unlock()
			case eventInspectorTargetCrashed:
				p.logger.Warn("target crashed")
				p.markDetached(errTargetCrashed)
			}
		case <-p.done:
			return
		}
	}
}

// ID returns the page's target id.
func (p *Page) ID() string { return p.targetID }

// SessionID returns the session the page's commands are scoped to.
func (p *Page) SessionID() string { return p.sessionID }

// State reports the handle's lifecycle state.
func (p *Page) State() PageState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// updateInfo refreshes the cached target metadata (url, title).
func (p *Page) updateInfo(info TargetInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info = info
}

// markDetached makes the handle terminal. Later operations fail with
// the given cause mapped onto the public taxonomy.
func (p *Page) markDetached(cause error) {
	p.mu.Lock()
	if p.state != PageClosed {
		p.state = PageClosed
		p.detached = cause
	}
	p.mu.Unlock()
	p.once.Do(func() {
		close(p.done)
		for _, sub := range p.subs {
			sub.Unsubscribe()
		}
	})
}

// enter moves the handle into a transient state for the duration of an
// operation, failing if the page is gone.
func (p *Page) enter(state PageState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PageClosed || p.state == PageClosing {
		cause := p.detached
		if cause == nil {
			cause = errTargetDetached
		}
		return apiError(cause)
	}
	if p.state == PageIdle || p.state == PageInitializing {
		p.state = state
	}
	return nil
}

func (p *Page) leave(state PageState) {
	p.mu.Lock()
	if p.state == state {
		p.state = PageIdle
	}
	p.mu.Unlock()
}

// call sends one session-scoped command and decodes its result into out
// (which may be nil).
func (p *Page) call(ctx context.Context, method string, params, out any) error {
	res, err := p.client.Call(ctx, p.sessionID, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := strict.Unmarshal(res, out); err != nil {
		return apiError(err)
	}
	return nil
}

// Navigate drives the page to url. It returns once the browser accepts
// the navigation; the load event is tracked by the handle's state.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.enter(PageNavigating); err != nil {
		return err
	}
	var res navigateResult
	if err := p.call(ctx, methodPageNavigate, navigateParams{URL: url}, &res); err != nil {
		p.leave(PageNavigating)
		return err
	}
	if res.ErrorText != "" {
		p.leave(PageNavigating)
		return errorf(KindProtocolError, "navigation to %s failed: %s", url, res.ErrorText)
	}
	return nil
}

// Reload reloads the current page.
func (p *Page) Reload(ctx context.Context) error {
	if err := p.enter(PageNavigating); err != nil {
		return err
	}
	return p.call(ctx, methodPageReload, nil, nil)
}

// GoBack navigates one entry back in the page's history.
func (p *Page) GoBack(ctx context.Context) error {
	return p.navigateHistory(ctx, -1)
}

// GoForward navigates one entry forward in the page's history.
func (p *Page) GoForward(ctx context.Context) error {
	return p.navigateHistory(ctx, +1)
}

func (p *Page) navigateHistory(ctx context.Context, delta int) error {
	if err := p.enter(PageNavigating); err != nil {
		return err
	}
	var history navigationHistoryResult
	if err := p.call(ctx, methodPageGetNavigationHistory, nil, &history); err != nil {
		p.leave(PageNavigating)
		return err
	}
	index := history.CurrentIndex + delta
	if index < 0 || index >= len(history.Entries) {
		p.leave(PageNavigating)
		return errorf(KindInvalidParameters, "no history entry at %d", index)
	}
	return p.call(ctx, methodPageNavigateToHistoryEntry,
		navigateToHistoryEntryParams{EntryID: history.Entries[index].ID}, nil)
}

// EvaluateScript evaluates a JavaScript expression in the page and
// returns its JSON value. Script exceptions surface as protocol errors.
func (p *Page) EvaluateScript(ctx context.Context, script string) (stdjson.RawMessage, error) {
	if err := p.enter(PageEvaluating); err != nil {
		return nil, err
	}
	defer p.leave(PageEvaluating)
	return p.evaluate(ctx, script)
}

// evaluate runs an expression without touching the handle state, for
// internal callers that already manage it.
func (p *Page) evaluate(ctx context.Context, script string) (stdjson.RawMessage, error) {
	var res evaluateResult
	err := p.call(ctx, methodRuntimeEvaluate, evaluateParams{
		Expression:    script,
		ReturnByValue: true,
		AwaitPromise:  true,
	}, &res)
	if err != nil {
		return nil, err
	}
	if res.ExceptionDetails != nil {
		return nil, errorf(KindProtocolError, "script threw: %s", res.ExceptionDetails.message())
	}
	if res.Result.Value == nil {
		return stdjson.RawMessage("null"), nil
	}
	return stdjson.RawMessage(res.Result.Value), nil
}

// CallFunction invokes a function declaration with the given arguments
// in the page and returns its JSON value.
func (p *Page) CallFunction(ctx context.Context, declaration string, args ...any) (stdjson.RawMessage, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, errorf(KindInvalidParameters, "encoding arguments: %v", err)
	}
	script := "(" + declaration + ").apply(null, " + string(encoded) + ")"
	return p.EvaluateScript(ctx, script)
}

// Content returns the page's full HTML.
func (p *Page) Content(ctx context.Context) (string, error) {
	return p.evaluateString(ctx, "document.documentElement.outerHTML")
}

// URL returns the page's current URL.
func (p *Page) URL(ctx context.Context) (string, error) {
	return p.evaluateString(ctx, "window.location.href")
}

// Title returns the page's title.
func (p *Page) Title(ctx context.Context) (string, error) {
	return p.evaluateString(ctx, "document.title")
}

func (p *Page) evaluateString(ctx context.Context, script string) (string, error) {
	raw, err := p.EvaluateScript(ctx, script)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", errorf(KindProtocolError, "expected string result: %v", err)
	}
	return s, nil
}

// ElementHandle describes an element found in the page.
type ElementHandle struct {
	Description string
}

// QuerySelector finds the first element matching the CSS selector, or
// nil when nothing matches.
func (p *Page) QuerySelector(ctx context.Context, selector string) (*ElementHandle, error) {
	encoded, err := json.Marshal(selector)
	if err != nil {
		return nil, errorf(KindInvalidParameters, "encoding selector: %v", err)
	}
	script := `(() => {
		const el = document.querySelector(` + string(encoded) + `);
		return el === null ? null : (el.tagName.toLowerCase() + (el.id ? "#" + el.id : ""));
	})()`
	raw, err := p.EvaluateScript(ctx, script)
	if err != nil {
		return nil, err
	}
	var description *string
	if err := json.Unmarshal(raw, &description); err != nil {
		return nil, errorf(KindProtocolError, "expected string result: %v", err)
	}
	if description == nil {
		return nil, nil
	}
	return &ElementHandle{Description: *description}, nil
}

// WaitForSelector polls until an element matching the selector appears,
// or the timeout elapses.
func (p *Page) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) (*ElementHandle, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		el, err := p.QuerySelector(ctx, selector)
		if err != nil {
			return nil, err
		}
		if el != nil {
			return el, nil
		}
		select {
		case <-deadline.C:
			return nil, errorf(KindTimeout, "selector %q not found within %v", selector, timeout)
		case <-tick.C:
		case <-ctx.Done():
			return nil, apiError(ctx.Err())
		case <-p.done:
			return nil, apiError(errTargetDetached)
		}
	}
}

// Screenshot captures the page as an image and returns the raw bytes.
func (p *Page) Screenshot(ctx context.Context, format ScreenshotFormat, opts ScreenshotOptions) ([]byte, error) {
	if err := p.enter(PageEvaluating); err != nil {
		return nil, err
	}
	defer p.leave(PageEvaluating)
	if format == "" {
		format = ScreenshotPNG
	}
	var res captureScreenshotResult
	err := p.call(ctx, methodPageCaptureScreenshot, captureScreenshotParams{
		Format:                string(format),
		Quality:               opts.Quality,
		Clip:                  opts.Clip,
		CaptureBeyondViewport: opts.CaptureBeyondViewport,
		FromSurface:           opts.FromSurface,
	}, &res)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return nil, errorf(KindProtocolError, "decoding screenshot data: %v", err)
	}
	return data, nil
}

// Close closes the page's target. The handle becomes terminal once the
// destroyed event arrives, or immediately on success.
func (p *Page) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.state == PageClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = PageClosing
	p.mu.Unlock()

	_, err := p.client.Call(ctx, "", methodTargetCloseTarget, closeTargetParams{TargetID: p.targetID})
	if err != nil {
		return err
	}
	p.browser.removeTarget(p.targetID)
	p.markDetached(errTargetDetached)
	return nil
}
