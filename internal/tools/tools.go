// Package tools is the broker's operation catalog: every RPC-invocable
// operation is a named Tool with a JSON schema, a capability tag, and a
// side-effect class. The dispatcher validates input, resolves snapshot refs,
// runs the handler under the session lock, and applies the tool's
// post-actions (snapshot capture, network-idle wait).
package tools

import (
	"context"

	"drover/internal/browser"
	"drover/internal/config"
	"drover/internal/crawl"
	"drover/internal/logging"
	"drover/internal/observability"
	"drover/internal/profiles"
	"drover/internal/session"
	"drover/internal/snapshot"
)

// Capability groups tools by what they touch.
type Capability string

const (
	CapNavigate    Capability = "navigate"
	CapInteract    Capability = "interact"
	CapCapture     Capability = "capture"
	CapTabs        Capability = "tabs"
	CapWait        Capability = "wait"
	CapTesting     Capability = "testing"
	CapDiagnostics Capability = "diagnostics"
	CapStorage     Capability = "storage"
	CapProfiles    Capability = "profiles"
	CapAutonomous  Capability = "autonomous"
	CapAIIntent    Capability = "ai-intent"
)

// SideEffect classifies what a tool does to browser or broker state. It
// drives audit verbosity and is reserved for read-only session enforcement.
type SideEffect string

const (
	ReadOnly    SideEffect = "read-only"
	Mutating    SideEffect = "mutating"
	Destructive SideEffect = "destructive"
)

// Tool is one catalog entry.
type Tool struct {
	Name        string
	Description string
	Capability  Capability
	SideEffect  SideEffect
	InputSchema map[string]any

	// RequiresRef makes the dispatcher resolve args["ref"] through the
	// snapshot registry before the handler runs.
	RequiresRef bool

	Handler func(ctx context.Context, call *Call) (*Result, error)
}

// Call carries everything a handler needs for one invocation.
type Call struct {
	Session *session.Session
	Tab     *session.Tab
	Args    map[string]any

	// Ref is the resolved snapshot element when the tool declares RequiresRef.
	Ref snapshot.Entry

	Deps *Deps
}

// Deps are the broker components handlers reach. Built once in the
// composition root; no handler holds private globals.
type Deps struct {
	Config   *config.Config
	Driver   browser.Driver
	Sessions *session.Manager
	Profiles profiles.Store
	Crawls   *crawl.Manager
	Log      logging.Logger
	Metrics  *observability.MetricsCollector
	Auditor  *observability.Auditor
}

// Content is one block of a tool result.
type Content struct {
	Type     string `json:"type"` // text or image
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"` // base64, images only
	MimeType string `json:"mimeType,omitempty"`
}

// Result is what a handler returns on success.
type Result struct {
	Content []Content

	// CaptureSnapshot refreshes the tab snapshot after the action.
	CaptureSnapshot bool
	// WaitForNetwork waits for network idle (bounded) before returning.
	WaitForNetwork bool
}

// Text builds a single-text-block result.
func Text(format string, args ...any) *Result {
	return &Result{Content: []Content{textContent(format, args...)}}
}

// TextWith appends text to an existing result.
func (r *Result) TextWith(format string, args ...any) *Result {
	r.Content = append(r.Content, textContent(format, args...))
	return r
}

// WithSnapshot marks the result for post-action snapshot capture.
func (r *Result) WithSnapshot() *Result {
	r.CaptureSnapshot = true
	return r
}

// WithNetworkWait marks the result for a bounded network-idle wait.
func (r *Result) WithNetworkWait() *Result {
	r.WaitForNetwork = true
	return r
}
