// Package crawl drives autonomous site exploration: a planner picks the next
// action, guardrails veto unsafe ones, an executor borrows the session's
// current tab to act, and memory plus a reporter record what happened.
package crawl

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ActionKind enumerates what the planner may ask the executor to do.
type ActionKind string

const (
	ActionNavigate ActionKind = "navigate"
	ActionClick    ActionKind = "click"
	ActionType     ActionKind = "type"
	ActionWait     ActionKind = "wait"
	ActionSnapshot ActionKind = "snapshot"
	ActionFinish   ActionKind = "finish"
)

// Action is one planner decision. Immutable once issued; the guardrail
// history retains recent actions for loop detection.
type Action struct {
	Kind      ActionKind `json:"kind"`
	URL       string     `json:"url,omitempty"`
	BackendID int64      `json:"-"`
	Target    string     `json:"target,omitempty"`
	Text      string     `json:"text,omitempty"`
	Reason    string     `json:"reason"`
	Priority  float64    `json:"priority"`
	Depth     int        `json:"depth"`
	IssuedAt  time.Time  `json:"issuedAt"`
}

// Status advances monotonically: running, then exactly one terminal state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Options bound one crawl. Values are clamped to the broker-wide crawl
// configuration; a caller can narrow the limits but never widen them.
type Options struct {
	StartURL string
	Goal     string
	MaxDepth int
	MaxPages int
	Timeout  time.Duration
	// StepDelay is the pause between crawl steps; defaults to one second.
	StepDelay time.Duration
}

// Stats is the aggregate section of a crawl report.
type Stats struct {
	PagesVisited int     `json:"pagesVisited"`
	TotalLinks   int     `json:"totalLinks"`
	MaxDepth     int     `json:"maxDepth"`
	DurationMs   int64   `json:"durationMs"`
	Screenshots  int     `json:"screenshots"`
	Errors       int     `json:"errors"`
}

// Link is one outgoing URL extracted from a page.
type Link struct {
	URL  string `json:"url"`
	Text string `json:"text,omitempty"`
}

// Clickable is one actionable element found in the accessibility snapshot.
type Clickable struct {
	BackendID int64  `json:"-"`
	Role      string `json:"role"`
	Name      string `json:"name"`
}

// Observation is what the executor sees on the current tab before planning.
type Observation struct {
	URL        string
	Title      string
	StateHash  string
	Snapshot   string
	Links      []Link
	Clickables []Clickable
	Depth      int
}

// PageState is one remembered page, keyed by StateHash.
type PageState struct {
	StateHash      string    `json:"stateHash"`
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	Timestamp      time.Time `json:"timestamp"`
	Links          []string  `json:"links,omitempty"`
	ScreenshotPath string    `json:"screenshotPath,omitempty"`
	Visited        bool      `json:"visited"`
}

// StateHash is the first 16 hex characters of SHA-256 over the canonical
// snapshot text. Two pages that render the same accessibility tree share a
// hash, which is exactly the dedup the planner wants.
func StateHash(snapshot string) string {
	sum := sha256.Sum256([]byte(snapshot))
	return hex.EncodeToString(sum[:])[:16]
}

const (
	maxLinksPerPage      = 50
	maxClickablesPerPage = 20
)
