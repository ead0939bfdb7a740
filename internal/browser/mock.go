package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"drover/internal/apperr"
)

// MockDoc is one fake page served by the mock driver.
type MockDoc struct {
	Title string
	HTML  string
	AX    *AXNode
	// Clicks maps a backend node id to the URL a click on it lands on.
	Clicks map[int64]string
}

// MockDriver is an in-memory Driver for tests. Pages navigate between docs
// registered on the driver; unknown URLs resolve to an empty document.
type MockDriver struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	docs     map[string]*MockDoc
	contexts []*MockContext

	// FailNavigate, when set, makes every navigation to a matching URL fail.
	FailNavigate func(url string) bool
}

// NewMockDriver creates an empty mock driver.
func NewMockDriver() *MockDriver {
	return &MockDriver{docs: map[string]*MockDoc{}}
}

// AddDoc registers a fake document under a URL.
func (d *MockDriver) AddDoc(url string, doc *MockDoc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.docs[url] = doc
}

func (d *MockDriver) doc(url string) *MockDoc {
	d.mu.Lock()
	defer d.mu.Unlock()
	if doc, ok := d.docs[url]; ok {
		return doc
	}
	return &MockDoc{
		Title: url,
		HTML:  fmt.Sprintf("<html><head><title>%s</title></head><body></body></html>", url),
		AX: &AXNode{Role: "RootWebArea", Name: url, BackendID: 1, Children: []*AXNode{
			{Role: "generic", Name: "body", BackendID: 2},
		}},
	}
}

func (d *MockDriver) Start(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	d.stopped = false
	return nil
}

func (d *MockDriver) NewContext(ctx context.Context, opts ContextOptions) (BrowserContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil, apperr.New(apperr.KindDriver, "browser not started")
	}
	c := &MockContext{
		id:      fmt.Sprintf("mock-ctx-%d", len(d.contexts)),
		driver:  d,
		storage: map[string]map[string]string{},
	}
	if st := opts.StorageState; st != nil {
		c.cookies = append(c.cookies, st.Cookies...)
		for _, o := range st.Origins {
			items := map[string]string{}
			for _, it := range o.LocalStorage {
				items[it.Name] = it.Value
			}
			c.storage[o.Origin] = items
		}
	}
	d.contexts = append(d.contexts, c)
	return c, nil
}

func (d *MockDriver) Version(context.Context) (VersionInfo, error) {
	return VersionInfo{Product: "MockBrowser/1.0", ProtocolVersion: "1.3"}, nil
}

func (d *MockDriver) Downloads() []Download { return nil }

func (d *MockDriver) Healthy(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started || d.stopped {
		return apperr.New(apperr.KindDriver, "browser not started")
	}
	return nil
}

func (d *MockDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.started = false
	return nil
}

// MockContext is one isolated cookie jar in the mock driver.
type MockContext struct {
	id     string
	driver *MockDriver

	mu      sync.Mutex
	cookies []Cookie
	storage map[string]map[string]string // origin -> items
	pages   []*MockPage
	closed  bool
}

func (c *MockContext) ID() string { return c.id }

func (c *MockContext) NewPage(ctx context.Context, opts PageOptions) (Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, apperr.New(apperr.KindDriver, "browser context closed")
	}
	p := &MockPage{
		id:   fmt.Sprintf("%s-page-%d", c.id, len(c.pages)),
		ctx:  c,
		opts: opts,
		url:  "about:blank",
	}
	c.pages = append(c.pages, p)
	return p, nil
}

func (c *MockContext) Cookies(context.Context) ([]Cookie, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Cookie, len(c.cookies))
	copy(out, c.cookies)
	return out, nil
}

func (c *MockContext) SetCookie(_ context.Context, ck Cookie) error {
	if ck.Name == "" {
		return apperr.New(apperr.KindBadInput, "cookie name required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.cookies {
		if existing.Name == ck.Name && existing.Domain == ck.Domain {
			c.cookies[i] = ck
			return nil
		}
	}
	c.cookies = append(c.cookies, ck)
	return nil
}

func (c *MockContext) ClearCookies(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cookies = nil
	return nil
}

func (c *MockContext) StorageState(ctx context.Context, p Page) (*StorageState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := &StorageState{Cookies: append([]Cookie{}, c.cookies...)}
	for origin, items := range c.storage {
		o := OriginState{Origin: origin}
		for k, v := range items {
			o.LocalStorage = append(o.LocalStorage, StorageItem{Name: k, Value: v})
		}
		sortStorageItems(o.LocalStorage)
		st.Origins = append(st.Origins, o)
	}
	if p != nil {
		if mp, ok := p.(*MockPage); ok {
			if origin := originOf(mp.currentURL()); origin != "" {
				found := false
				for _, o := range st.Origins {
					if o.Origin == origin {
						found = true
						break
					}
				}
				if !found {
					st.Origins = append(st.Origins, OriginState{Origin: origin})
				}
			}
		}
	}
	return st, nil
}

func (c *MockContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, p := range c.pages {
		_ = p.Close()
	}
	return nil
}

// MockPage is one fake tab.
type MockPage struct {
	id   string
	ctx  *MockContext
	opts PageOptions

	mu         sync.Mutex
	url        string
	history    []string
	forward    []string
	closed     bool
	typed      map[int64]string
	lastDialog *DialogEvent
	dlgArmed   bool
	dlgAccept  bool
	dlgPrompt  string
	clock      clockState
}

func (p *MockPage) ID() string { return p.id }

func (p *MockPage) currentURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *MockPage) currentDoc() *MockDoc {
	return p.ctx.driver.doc(p.currentURL())
}

func (p *MockPage) URL(context.Context) (string, error) {
	return p.currentURL(), nil
}

func (p *MockPage) Title(context.Context) (string, error) {
	return p.currentDoc().Title, nil
}

func (p *MockPage) Content(context.Context) (string, error) {
	return p.currentDoc().HTML, nil
}

func (p *MockPage) Navigate(_ context.Context, url string) error {
	if fail := p.ctx.driver.FailNavigate; fail != nil && fail(url) {
		return apperr.New(apperr.KindDriver, "navigation failed").WithDetail("driverMessage", "net::ERR_FAILED")
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return apperr.New(apperr.KindDriver, "tab closed")
	}
	p.history = append(p.history, p.url)
	p.forward = nil
	p.url = url
	onRequest := p.opts.OnRequest
	p.mu.Unlock()
	if onRequest != nil {
		now := time.Now()
		onRequest(NetworkRequest{Method: "GET", URL: url, Status: 200, MimeType: "text/html", StartedAt: now, FinishedAt: now})
	}
	return nil
}

func (p *MockPage) Back(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.history) == 0 {
		return apperr.New(apperr.KindDriver, "no history to go back to")
	}
	p.forward = append(p.forward, p.url)
	p.url = p.history[len(p.history)-1]
	p.history = p.history[:len(p.history)-1]
	return nil
}

func (p *MockPage) Forward(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.forward) == 0 {
		return apperr.New(apperr.KindDriver, "no history to go forward to")
	}
	p.history = append(p.history, p.url)
	p.url = p.forward[len(p.forward)-1]
	p.forward = p.forward[:len(p.forward)-1]
	return nil
}

func (p *MockPage) Reload(context.Context) error { return nil }

func (p *MockPage) ClickNode(ctx context.Context, backendID int64, _ ClickOptions) error {
	doc := p.currentDoc()
	if target, ok := doc.Clicks[backendID]; ok {
		return p.Navigate(ctx, target)
	}
	return nil
}

func (p *MockPage) ClickXY(context.Context, float64, float64, ClickOptions) error { return nil }
func (p *MockPage) HoverNode(context.Context, int64) error                        { return nil }
func (p *MockPage) DragNodeTo(context.Context, int64, int64) error                { return nil }

func (p *MockPage) TypeNode(_ context.Context, backendID int64, text string, opts TypeOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.typed == nil {
		p.typed = map[int64]string{}
	}
	if opts.Clear {
		p.typed[backendID] = ""
	}
	p.typed[backendID] += text
	return nil
}

// Typed reports the text typed into a node so far.
func (p *MockPage) Typed(backendID int64) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typed[backendID]
}

func (p *MockPage) PressKey(context.Context, string, []string) error          { return nil }
func (p *MockPage) Scroll(context.Context, float64, float64) error            { return nil }
func (p *MockPage) ScrollToNode(context.Context, int64) error                 { return nil }
func (p *MockPage) SelectOptions(context.Context, int64, []string) error      { return nil }
func (p *MockPage) UploadFiles(_ context.Context, _ int64, paths []string) error {
	if len(paths) == 0 {
		return apperr.New(apperr.KindBadInput, "no files given")
	}
	return nil
}

func (p *MockPage) Evaluate(_ context.Context, expression string) (json.RawMessage, error) {
	return json.RawMessage("null"), nil
}

func (p *MockPage) AXTree(context.Context) (*AXNode, error) {
	doc := p.currentDoc()
	if doc.AX != nil {
		return doc.AX, nil
	}
	return &AXNode{Role: "RootWebArea", Name: doc.Title, BackendID: 1}, nil
}

func (p *MockPage) Screenshot(context.Context, ScreenshotOptions) ([]byte, error) {
	return []byte("\x89PNG\r\n\x1a\nmock"), nil
}

func (p *MockPage) PDF(context.Context, PDFOptions) ([]byte, error) {
	return []byte("%PDF-1.4 mock"), nil
}

func (p *MockPage) WaitForText(_ context.Context, text string, timeout time.Duration) error {
	doc := p.currentDoc()
	if strings.Contains(doc.HTML, text) || strings.Contains(doc.Title, text) {
		return nil
	}
	return apperr.New(apperr.KindTimeout, "text %q not found within %s", text, timeout)
}

func (p *MockPage) WaitForNetworkIdle(context.Context, time.Duration) error { return nil }

func (p *MockPage) Metrics(context.Context) (map[string]float64, error) {
	return map[string]float64{"Nodes": 42, "JSHeapUsedSize": 1 << 20}, nil
}

func (p *MockPage) EmulateMedia(context.Context, MediaOptions) error   { return nil }
func (p *MockPage) SetGeolocation(context.Context, *Geolocation) error { return nil }
func (p *MockPage) SetTimezone(context.Context, string) error          { return nil }
func (p *MockPage) EmulateDevice(_ context.Context, name string) error {
	if _, ok := lookupDevice(name); !ok {
		return apperr.New(apperr.KindBadInput, "unknown device %q", name)
	}
	return nil
}

func (p *MockPage) InstallClock(_ context.Context, at *time.Time) error {
	t := time.Now()
	if at != nil {
		t = *at
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = clockState{installed: true, paused: true, virtual: t}
	return nil
}

func (p *MockPage) AdvanceClock(_ context.Context, by time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.clock.installed {
		return apperr.New(apperr.KindBadInput, "clock not installed")
	}
	p.clock.virtual = p.clock.virtual.Add(by)
	return nil
}

func (p *MockPage) PauseClock(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.clock.installed {
		return apperr.New(apperr.KindBadInput, "clock not installed")
	}
	p.clock.paused = true
	return nil
}

func (p *MockPage) ResumeClock(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.clock.installed {
		return apperr.New(apperr.KindBadInput, "clock not installed")
	}
	p.clock.paused = false
	return nil
}

func (p *MockPage) SetFixedTime(ctx context.Context, at time.Time) error {
	return p.InstallClock(ctx, &at)
}

func (p *MockPage) LocalStorage(context.Context) (map[string]string, error) {
	origin := originOf(p.currentURL())
	p.ctx.mu.Lock()
	defer p.ctx.mu.Unlock()
	out := map[string]string{}
	for k, v := range p.ctx.storage[origin] {
		out[k] = v
	}
	return out, nil
}

func (p *MockPage) SetLocalStorageItem(_ context.Context, key, value string) error {
	origin := originOf(p.currentURL())
	if origin == "" {
		return apperr.New(apperr.KindDriver, "page has no origin")
	}
	p.ctx.mu.Lock()
	defer p.ctx.mu.Unlock()
	if p.ctx.storage[origin] == nil {
		p.ctx.storage[origin] = map[string]string{}
	}
	p.ctx.storage[origin][key] = value
	return nil
}

func (p *MockPage) HandleNextDialog(accept bool, promptText string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dlgArmed = true
	p.dlgAccept = accept
	p.dlgPrompt = promptText
}

func (p *MockPage) LastDialog() *DialogEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastDialog == nil {
		return nil
	}
	cp := *p.lastDialog
	return &cp
}

// TriggerDialog simulates a JavaScript dialog during a test.
func (p *MockPage) TriggerDialog(kind, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastDialog = &DialogEvent{
		Type:     kind,
		Message:  message,
		Accepted: p.dlgArmed && p.dlgAccept,
		Prompt:   p.dlgPrompt,
		At:       time.Now(),
	}
	p.dlgArmed = false
}

// EmitConsole pushes a console message through the page's event sink.
func (p *MockPage) EmitConsole(msg ConsoleMessage) {
	if p.opts.OnConsole != nil {
		p.opts.OnConsole(msg)
	}
}

func (p *MockPage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
