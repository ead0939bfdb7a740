// Package browser wraps the Chrome DevTools Protocol behind a small driver
// abstraction. A Driver owns one browser process, a BrowserContext is one
// isolated cookie jar inside it, and a Page is one tab. Sessions never share
// a BrowserContext, which is what keeps tenants from seeing each other's
// cookies and storage.
package browser

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"drover/internal/apperr"
)

// Driver owns the browser process lifecycle.
type Driver interface {
	// Start launches or connects to the browser. Safe to call once.
	Start(ctx context.Context) error
	// NewContext creates an isolated browser context.
	NewContext(ctx context.Context, opts ContextOptions) (BrowserContext, error)
	// Version reports browser build information.
	Version(ctx context.Context) (VersionInfo, error)
	// Downloads lists downloads observed since Start.
	Downloads() []Download
	// Healthy pings the browser.
	Healthy(ctx context.Context) error
	// Stop tears down the browser and any temporary profiles.
	Stop() error
}

// BrowserContext is an isolated cookie jar plus the pages opened inside it.
type BrowserContext interface {
	ID() string
	NewPage(ctx context.Context, opts PageOptions) (Page, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookie(ctx context.Context, c Cookie) error
	ClearCookies(ctx context.Context) error
	// StorageState captures cookies for the context and localStorage for the
	// given page's origin.
	StorageState(ctx context.Context, p Page) (*StorageState, error)
	Close() error
}

// Page is a single tab.
type Page interface {
	ID() string

	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Content(ctx context.Context) (string, error)

	Navigate(ctx context.Context, url string) error
	Back(ctx context.Context) error
	Forward(ctx context.Context) error
	Reload(ctx context.Context) error

	ClickNode(ctx context.Context, backendID int64, opts ClickOptions) error
	ClickXY(ctx context.Context, x, y float64, opts ClickOptions) error
	HoverNode(ctx context.Context, backendID int64) error
	DragNodeTo(ctx context.Context, sourceID, targetID int64) error
	TypeNode(ctx context.Context, backendID int64, text string, opts TypeOptions) error
	PressKey(ctx context.Context, key string, modifiers []string) error
	Scroll(ctx context.Context, deltaX, deltaY float64) error
	ScrollToNode(ctx context.Context, backendID int64) error
	SelectOptions(ctx context.Context, backendID int64, values []string) error
	UploadFiles(ctx context.Context, backendID int64, paths []string) error

	Evaluate(ctx context.Context, expression string) (json.RawMessage, error)
	AXTree(ctx context.Context) (*AXNode, error)
	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	PDF(ctx context.Context, opts PDFOptions) ([]byte, error)

	WaitForText(ctx context.Context, text string, timeout time.Duration) error
	WaitForNetworkIdle(ctx context.Context, timeout time.Duration) error
	Metrics(ctx context.Context) (map[string]float64, error)

	EmulateMedia(ctx context.Context, opts MediaOptions) error
	SetGeolocation(ctx context.Context, geo *Geolocation) error
	SetTimezone(ctx context.Context, timezone string) error
	EmulateDevice(ctx context.Context, name string) error

	InstallClock(ctx context.Context, at *time.Time) error
	AdvanceClock(ctx context.Context, by time.Duration) error
	PauseClock(ctx context.Context) error
	ResumeClock(ctx context.Context) error
	SetFixedTime(ctx context.Context, at time.Time) error

	LocalStorage(ctx context.Context) (map[string]string, error)
	SetLocalStorageItem(ctx context.Context, key, value string) error

	HandleNextDialog(accept bool, promptText string)
	LastDialog() *DialogEvent

	Close() error
}

// ContextOptions configures a new browser context.
type ContextOptions struct {
	// StorageState seeds cookies immediately and localStorage on first visit
	// to each recorded origin.
	StorageState *StorageState
}

// PageOptions wires per-page event sinks. Callbacks run on the event loop
// goroutine and must not block.
type PageOptions struct {
	OnConsole func(ConsoleMessage)
	OnRequest func(NetworkRequest)
}

// ClickOptions selects button and click count.
type ClickOptions struct {
	Button     string // left, right, middle; empty means left
	Count      int    // 2 for double click; 0 means 1
	Modifiers  []string
	ForceXY    bool // click coordinates even when a node is available
	X, Y       float64
	NoWaitPost bool
}

// TypeOptions controls text entry.
type TypeOptions struct {
	Slowly bool // per-key events instead of one insert
	Submit bool // press Enter afterwards
	Clear  bool // clear existing value first
}

// ScreenshotOptions selects capture mode.
type ScreenshotOptions struct {
	FullPage  bool
	Format    string // png or jpeg; default png
	Quality   int    // jpeg only
	BackendID int64  // element capture when non-zero
}

// PDFOptions controls browser print to PDF.
type PDFOptions struct {
	Landscape       bool
	PrintBackground bool
	Scale           float64
}

// MediaOptions mirrors CSS media emulation.
type MediaOptions struct {
	Media         string // screen or print; empty clears
	ColorScheme   string // light, dark
	ReducedMotion string // reduce, no-preference
}

// Geolocation is an emulated position; nil clears the override.
type Geolocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// VersionInfo reports browser build metadata.
type VersionInfo struct {
	Product         string `json:"product"`
	ProtocolVersion string `json:"protocolVersion"`
	Revision        string `json:"revision"`
	UserAgent       string `json:"userAgent"`
	JSVersion       string `json:"jsVersion"`
}

// AXNode is one accessibility tree node with enough identity to act on it.
type AXNode struct {
	Role        string    `json:"role"`
	Name        string    `json:"name,omitempty"`
	Value       string    `json:"value,omitempty"`
	Description string    `json:"description,omitempty"`
	Disabled    bool      `json:"disabled,omitempty"`
	Focused     bool      `json:"focused,omitempty"`
	Checked     string    `json:"checked,omitempty"`
	BackendID   int64     `json:"-"`
	Children    []*AXNode `json:"children,omitempty"`
}

// ConsoleMessage is one console API call or uncaught exception.
type ConsoleMessage struct {
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	URL       string    `json:"url,omitempty"`
	Line      int64     `json:"line,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NetworkRequest is one finished or failed request.
type NetworkRequest struct {
	Method       string    `json:"method"`
	URL          string    `json:"url"`
	Status       int64     `json:"status,omitempty"`
	MimeType     string    `json:"mimeType,omitempty"`
	ResourceType string    `json:"resourceType,omitempty"`
	Failure      string    `json:"failure,omitempty"`
	Bytes        int64     `json:"bytes,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// Cookie mirrors the DevTools cookie shape.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	URL      string  `json:"url,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// StorageState captures cookies plus per-origin localStorage, the same shape
// saved into storage-state.json.
type StorageState struct {
	Cookies []Cookie      `json:"cookies"`
	Origins []OriginState `json:"origins"`
}

// LoadStorageState reads a storage-state.json file, the same shape produced
// by BrowserContext.StorageState.
func LoadStorageState(path string) (*StorageState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadInput, err, "read storage state %s", path)
	}
	var state StorageState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, apperr.Wrap(apperr.KindBadInput, err, "decode storage state %s", path)
	}
	return &state, nil
}

// OriginState is localStorage for one origin.
type OriginState struct {
	Origin       string        `json:"origin"`
	LocalStorage []StorageItem `json:"localStorage"`
}

// StorageItem is one localStorage entry.
type StorageItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Download is one observed browser download.
type Download struct {
	GUID              string    `json:"guid"`
	URL               string    `json:"url"`
	SuggestedFilename string    `json:"suggestedFilename"`
	Path              string    `json:"path"`
	State             string    `json:"state"`
	ReceivedBytes     int64     `json:"receivedBytes"`
	TotalBytes        int64     `json:"totalBytes"`
	StartedAt         time.Time `json:"startedAt"`
}

// DialogEvent records a JavaScript dialog and how it was answered.
type DialogEvent struct {
	Type     string    `json:"type"`
	Message  string    `json:"message"`
	URL      string    `json:"url,omitempty"`
	Accepted bool      `json:"accepted"`
	Prompt   string    `json:"prompt,omitempty"`
	At       time.Time `json:"at"`
}

// OriginRules is the allow/block policy applied to every request a page
// issues. Blocked entries win over allowed ones.
type OriginRules struct {
	Allowed []string
	Blocked []string
}

// Empty reports whether no rules are configured.
func (r OriginRules) Empty() bool {
	return len(r.Allowed) == 0 && len(r.Blocked) == 0
}

// Permit decides whether a request URL may proceed.
func (r OriginRules) Permit(rawURL string) bool {
	host := hostOf(rawURL)
	if host == "" {
		// about:, data:, blob: and friends carry no origin to police.
		return true
	}
	for _, rule := range r.Blocked {
		if originMatches(rule, host) {
			return false
		}
	}
	if len(r.Allowed) == 0 {
		return true
	}
	for _, rule := range r.Allowed {
		if originMatches(rule, host) {
			return true
		}
	}
	return false
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// originOf reduces a URL to scheme://host[:port], empty for URLs that carry
// no web origin.
func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func sortStorageItems(items []StorageItem) {
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
}

// originMatches compares a configured rule against a request host. Rules may
// be bare hosts ("example.com"), wildcards ("*.example.com"), or full origins
// ("https://example.com:8443"); ports and schemes in rules are ignored.
func originMatches(rule, host string) bool {
	rule = strings.ToLower(strings.TrimSpace(rule))
	if rule == "" {
		return false
	}
	if strings.Contains(rule, "://") {
		if u, err := url.Parse(rule); err == nil && u.Hostname() != "" {
			rule = u.Hostname()
		}
	}
	rule = strings.TrimSuffix(rule, "/")
	if rule == "*" {
		return true
	}
	if after, ok := strings.CutPrefix(rule, "*."); ok {
		return host == after || strings.HasSuffix(host, "."+after)
	}
	if h, _, ok := strings.Cut(rule, ":"); ok {
		rule = h
	}
	return host == rule || strings.HasSuffix(host, "."+rule)
}
