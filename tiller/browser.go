// Copyright 2025 The Tiller Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tiller

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/tillerproject/go-tiller/internal/strict"
)

// targetRecord is the browser's bookkeeping for one known target. The
// session id stays empty until the attachment event arrives; commands
// for the target wait on it.
type targetRecord struct {
	info      TargetInfo
	sessionID string
	page      *Page
}

// Browser is the handle for browser-level operations and the registry
// of known targets. It is a thin wrapper: it holds ids and forwards
// typed calls into the client.
type Browser struct {
	client *Client
	logger *slog.Logger

	mu      sync.Mutex
	targets map[string]*targetRecord
	waiters map[string]chan string // target id -> session id, one-shot
	closed  bool

	events chan Event
	subs   []*Subscription
	done   chan struct{}
}

func newBrowser(client *Client) *Browser {
	return &Browser{
		client:  client,
		logger:  client.logger.With("component", "browser"),
		targets: make(map[string]*targetRecord),
		waiters: make(map[string]chan string),
		events:  make(chan Event, client.cfg.EventBufferSize),
		done:    make(chan struct{}),
	}
}

// init subscribes to target lifecycle events, switches on discovery and
// flat auto-attach, and starts the event loop.
func (b *Browser) init(ctx context.Context) error {
	for _, method := range []string{
		eventTargetCreated,
		eventTargetInfoChanged,
		eventTargetAttached,
		eventTargetDetached,
		eventTargetDestroyed,
	} {
		b.subs = append(b.subs, b.client.router.subscribeChan(method, "", b.events))
	}
	b.client.addRelease(b.release)
	go b.eventLoop()

	if _, err := b.client.Call(ctx, "", methodTargetSetDiscoverTargets, setDiscoverTargetsParams{Discover: true}); err != nil {
		return err
	}
	if _, err := b.client.Call(ctx, "", methodTargetSetAutoAttach, setAutoAttachParams{
		AutoAttach: true,
		Flatten:    true,
	}); err != nil {
		return err
	}
	return nil
}

func (b *Browser) eventLoop() {
	// A panic in target bookkeeping counts as connection loss: shut the
	// client down with the usual cleanup rather than crash the process.
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("browser event loop panicked", "panic", r, "stack", string(debug.Stack()))
			b.client.Close()
		}
	}()
	for {
		select {
		case ev := <-b.events:
			b.handleEvent(ev)
		case <-b.done:
			return
		}
	}
}

func (b *Browser) handleEvent(ev Event) {
	switch ev.Method {
	case eventTargetCreated, eventTargetInfoChanged:
		var p targetCreatedEvent
		if err := strict.Unmarshal(ev.Params, &p); err != nil {
			b.logger.Debug("bad target event", "method", ev.Method, "err", err)
			return
		}
		b.upsertTarget(p.TargetInfo)
	case eventTargetAttached:
		var p attachedToTargetEvent
		if err := strict.Unmarshal(ev.Params, &p); err != nil {
			b.logger.Debug("bad attach event", "err", err)
			return
		}
		b.recordAttachment(p.TargetInfo, p.SessionID)
	case eventTargetDetached:
		var p detachedFromTargetEvent
		if err := strict.Unmarshal(ev.Params, &p); err != nil {
			return
		}
		b.dropTarget(p.TargetID, p.SessionID, errTargetDetached)
	case eventTargetDestroyed:
		var p targetDestroyedEvent
		if err := strict.Unmarshal(ev.Params, &p); err != nil {
			return
		}
		b.dropTarget(p.TargetID, "", errTargetDetached)
	}
}

func (b *Browser) upsertTarget(info TargetInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	rec, ok := b.targets[info.TargetID]
	if !ok {
		rec = &targetRecord{}
		b.targets[info.TargetID] = rec
	}
	rec.info = info
	if rec.page != nil {
		rec.page.updateInfo(info)
	}
}

// recordAttachment stores the session id for a target and resolves any
// new-page waiter parked on it.
func (b *Browser) recordAttachment(info TargetInfo, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	rec, ok := b.targets[info.TargetID]
	if !ok {
		rec = &targetRecord{}
		b.targets[info.TargetID] = rec
	}
	rec.info = info
	rec.sessionID = sessionID
	if waiter, ok := b.waiters[info.TargetID]; ok {
		delete(b.waiters, info.TargetID)
		waiter <- sessionID
	}
}

// removeTarget drops a record without touching its page handle, for a
// page the caller closed itself.
func (b *Browser) removeTarget(targetID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.targets, targetID)
}

// dropTarget removes a target record, located by target id or, failing
// that, by session id.
func (b *Browser) dropTarget(targetID, sessionID string, cause error) {
	rec := b.takeTarget(targetID, sessionID)
	if rec != nil && rec.page != nil {
		rec.page.markDetached(cause)
	}
}

func (b *Browser) takeTarget(targetID, sessionID string) *targetRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.targets[targetID]
	if rec == nil && sessionID != "" {
		for id, r := range b.targets {
			if r.sessionID == sessionID {
				targetID, rec = id, r
				break
			}
		}
	}
	delete(b.targets, targetID)
	return rec
}

// Version fetches the browser version information.
func (b *Browser) Version(ctx context.Context) (*Version, error) {
	res, err := b.client.Call(ctx, "", methodBrowserGetVersion, nil)
	if err != nil {
		return nil, err
	}
	var v Version
	if err := strict.Unmarshal(res, &v); err != nil {
		return nil, apiError(err)
	}
	return &v, nil
}

// NewPage creates a new page target and waits for its session. The
// target id comes back in the command response; the session id arrives
// asynchronously with the attachment event, in either order. The wait
// is bounded by the command timeout.
func (b *Browser) NewPage(ctx context.Context) (*Page, error) {
	res, err := b.client.Call(ctx, "", methodTargetCreateTarget, createTargetParams{URL: "about:blank"})
	if err != nil {
		return nil, err
	}
	var created createTargetResult
	if err := strict.Unmarshal(res, &created); err != nil {
		return nil, apiError(err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, apiError(errClientClosed)
	}
	if rec, ok := b.targets[created.TargetID]; ok && rec.sessionID != "" {
		// The attachment raced ahead of the response.
		page := b.pageForLocked(created.TargetID, rec)
		b.mu.Unlock()
		return page, nil
	}
	waiter := make(chan string, 1)
	b.waiters[created.TargetID] = waiter
	b.mu.Unlock()

	timer := time.NewTimer(b.client.cfg.CommandTimeout)
	defer timer.Stop()
	select {
	case sessionID := <-waiter:
		if sessionID == "" {
			return nil, apiError(errClientClosed)
		}
		return b.page(created.TargetID, sessionID)
	case <-timer.C:
		b.forgetWaiter(created.TargetID)
		return nil, errorf(KindTimeout, "no attachment for target %s", created.TargetID)
	case <-ctx.Done():
		b.forgetWaiter(created.TargetID)
		return nil, apiError(ctx.Err())
	case <-b.done:
		return nil, apiError(errClientClosed)
	}
}

func (b *Browser) forgetWaiter(targetID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.waiters, targetID)
}

// Pages returns handles for every known page target, attaching to those
// without a session yet.
func (b *Browser) Pages(ctx context.Context) ([]*Page, error) {
	res, err := b.client.Call(ctx, "", methodTargetGetTargets, nil)
	if err != nil {
		return nil, err
	}
	var targets getTargetsResult
	if err := strict.Unmarshal(res, &targets); err != nil {
		return nil, apiError(err)
	}

	var pages []*Page
	for _, info := range targets.TargetInfos {
		if info.Type != targetTypePage {
			continue
		}
		b.upsertTarget(info)
		b.mu.Lock()
		sessionID := b.targets[info.TargetID].sessionID
		b.mu.Unlock()
		if sessionID == "" {
			attached, err := b.client.Call(ctx, "", methodTargetAttachToTarget, attachToTargetParams{
				TargetID: info.TargetID,
				Flatten:  true,
			})
			if err != nil {
				return nil, err
			}
			var att attachToTargetResult
			if err := strict.Unmarshal(attached, &att); err != nil {
				return nil, apiError(err)
			}
			sessionID = att.SessionID
		}
		page, err := b.page(info.TargetID, sessionID)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// page returns the handle for (targetID, sessionID), creating it if the
// record has none yet.
func (b *Browser) page(targetID, sessionID string) (*Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, apiError(errClientClosed)
	}
	rec, ok := b.targets[targetID]
	if !ok {
		rec = &targetRecord{}
		b.targets[targetID] = rec
	}
	if rec.sessionID == "" {
		rec.sessionID = sessionID
	}
	return b.pageForLocked(targetID, rec), nil
}

func (b *Browser) pageForLocked(targetID string, rec *targetRecord) *Page {
	if rec.page == nil {
		rec.page = newPage(b, targetID, rec.sessionID, rec.info)
	}
	return rec.page
}

// ResetPermissions resets browser permissions, for one browser context
// or, with an empty id, globally.
func (b *Browser) ResetPermissions(ctx context.Context, browserContextID string) error {
	_, err := b.client.Call(ctx, "", methodBrowserResetPermissions,
		resetPermissionsParams{BrowserContextID: browserContextID})
	return err
}

// Close asks the browser process to exit and shuts the client down.
func (b *Browser) Close(ctx context.Context) error {
	_, err := b.client.Call(ctx, "", methodBrowserClose, nil)
	b.client.Close()
	return err
}

// Disconnect shuts the client down. The browser process keeps running.
func (b *Browser) Disconnect() {
	b.client.Close()
}

// Client exposes the underlying client, for event subscriptions and
// commands outside the typed surface.
func (b *Browser) Client() *Client { return b.client }

// release is invoked by the client during shutdown: close page handles,
// resolve parked waiters, and stop the event loop.
func (b *Browser) release() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	records := make([]*targetRecord, 0, len(b.targets))
	for _, rec := range b.targets {
		records = append(records, rec)
	}
	b.targets = make(map[string]*targetRecord)
	waiters := b.waiters
	b.waiters = make(map[string]chan string)
	b.mu.Unlock()

	for _, waiter := range waiters {
		close(waiter)
	}
	for _, rec := range records {
		if rec.page != nil {
			rec.page.markDetached(errClientClosed)
		}
	}
	close(b.done)
	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
}
