// Copyright 2025 The Tiller Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tiller

import "encoding/json"

// The command and event vocabulary the handles use. The protocol's
// method space is open-ended; these are only the names this package
// speaks itself.
const (
	methodBrowserGetVersion       = "Browser.getVersion"
	methodBrowserClose            = "Browser.close"
	methodBrowserResetPermissions = "Browser.resetPermissions"

	methodTargetCreateTarget       = "Target.createTarget"
	methodTargetCloseTarget        = "Target.closeTarget"
	methodTargetAttachToTarget     = "Target.attachToTarget"
	methodTargetGetTargets         = "Target.getTargets"
	methodTargetSetDiscoverTargets = "Target.setDiscoverTargets"
	methodTargetSetAutoAttach      = "Target.setAutoAttach"

	methodPageEnable                 = "Page.enable"
	methodPageNavigate               = "Page.navigate"
	methodPageReload                 = "Page.reload"
	methodPageGetNavigationHistory   = "Page.getNavigationHistory"
	methodPageNavigateToHistoryEntry = "Page.navigateToHistoryEntry"
	methodPageCaptureScreenshot      = "Page.captureScreenshot"

	methodRuntimeEnable   = "Runtime.enable"
	methodRuntimeEvaluate = "Runtime.evaluate"

	eventTargetCreated     = "Target.targetCreated"
	eventTargetInfoChanged = "Target.targetInfoChanged"
	eventTargetAttached    = "Target.attachedToTarget"
	eventTargetDetached    = "Target.detachedFromTarget"
	eventTargetDestroyed   = "Target.targetDestroyed"

	eventPageLoadEventFired     = "Page.loadEventFired"
	eventInspectorTargetCrashed = "Inspector.targetCrashed"
)

// Version is the browser version information returned by
// [Browser.Version].
type Version struct {
	ProtocolVersion string `json:"protocolVersion"`
	Product         string `json:"product"`
	Revision        string `json:"revision"`
	UserAgent       string `json:"userAgent"`
	JSVersion       string `json:"jsVersion"`
}

// TargetInfo describes one controllable entity inside the browser.
type TargetInfo struct {
	TargetID         string `json:"targetId"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	URL              string `json:"url"`
	Attached         bool   `json:"attached"`
	BrowserContextID string `json:"browserContextId,omitempty"`
}

const targetTypePage = "page"

type createTargetParams struct {
	URL string `json:"url"`
}

type createTargetResult struct {
	TargetID string `json:"targetId"`
}

type closeTargetParams struct {
	TargetID string `json:"targetId"`
}

type attachToTargetParams struct {
	TargetID string `json:"targetId"`
	Flatten  bool   `json:"flatten"`
}

type attachToTargetResult struct {
	SessionID string `json:"sessionId"`
}

type getTargetsResult struct {
	TargetInfos []TargetInfo `json:"targetInfos"`
}

type setDiscoverTargetsParams struct {
	Discover bool `json:"discover"`
}

type setAutoAttachParams struct {
	AutoAttach             bool `json:"autoAttach"`
	WaitForDebuggerOnStart bool `json:"waitForDebuggerOnStart"`
	Flatten                bool `json:"flatten"`
}

type resetPermissionsParams struct {
	BrowserContextID string `json:"browserContextId,omitempty"`
}

// Target lifecycle event payloads.

type targetCreatedEvent struct {
	TargetInfo TargetInfo `json:"targetInfo"`
}

type attachedToTargetEvent struct {
	SessionID          string     `json:"sessionId"`
	TargetInfo         TargetInfo `json:"targetInfo"`
	WaitingForDebugger bool       `json:"waitingForDebugger"`
}

type detachedFromTargetEvent struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId"`
}

type targetDestroyedEvent struct {
	TargetID string `json:"targetId"`
}

// Page and runtime payloads.

type navigateParams struct {
	URL string `json:"url"`
}

type navigateResult struct {
	FrameID   string `json:"frameId"`
	LoaderID  string `json:"loaderId,omitempty"`
	ErrorText string `json:"errorText,omitempty"`
}

type navigationHistoryResult struct {
	CurrentIndex int               `json:"currentIndex"`
	Entries      []navigationEntry `json:"entries"`
}

type navigationEntry struct {
	ID    int    `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

type navigateToHistoryEntryParams struct {
	EntryID int `json:"entryId"`
}

type evaluateParams struct {
	Expression    string `json:"expression"`
	ReturnByValue bool   `json:"returnByValue"`
	AwaitPromise  bool   `json:"awaitPromise"`
}

// remoteObject is the mirrored result of a script evaluation.
type remoteObject struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
}

type exceptionDetails struct {
	Text         string        `json:"text"`
	LineNumber   int           `json:"lineNumber"`
	ColumnNumber int           `json:"columnNumber"`
	Exception    *remoteObject `json:"exception,omitempty"`
}

func (e *exceptionDetails) message() string {
	if e.Exception != nil && e.Exception.Description != "" {
		return e.Exception.Description
	}
	return e.Text
}

type evaluateResult struct {
	Result           remoteObject      `json:"result"`
	ExceptionDetails *exceptionDetails `json:"exceptionDetails,omitempty"`
}

// ScreenshotFormat selects the screenshot image encoding.
type ScreenshotFormat string

const (
	ScreenshotPNG  ScreenshotFormat = "png"
	ScreenshotJPEG ScreenshotFormat = "jpeg"
)

// Clip bounds a screenshot to a region of the page, in CSS pixels.
type Clip struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Scale  float64 `json:"scale"`
}

// ScreenshotOptions tunes [Page.Screenshot].
type ScreenshotOptions struct {
	// Quality is the compression quality 0-100; JPEG only.
	Quality int
	// Clip restricts the capture to a region.
	Clip *Clip
	// CaptureBeyondViewport captures the full scrollable surface.
	CaptureBeyondViewport bool
	// FromSurface captures from the surface rather than the view.
	FromSurface bool
}

type captureScreenshotParams struct {
	Format                string `json:"format,omitempty"`
	Quality               int    `json:"quality,omitempty"`
	Clip                  *Clip  `json:"clip,omitempty"`
	CaptureBeyondViewport bool   `json:"captureBeyondViewport,omitempty"`
	FromSurface           bool   `json:"fromSurface,omitempty"`
}

type captureScreenshotResult struct {
	Data string `json:"data"`
}
