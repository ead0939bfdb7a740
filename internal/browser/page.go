package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/device"
	"github.com/chromedp/chromedp/kb"

	"drover/internal/apperr"
)

// chromePage drives one tab. All CDP traffic goes through run, which bridges
// the caller's deadline onto the tab context.
type chromePage struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	d      *ChromeDriver
	opts   PageOptions

	mu          sync.Mutex
	closed      bool
	inflight    map[network.RequestID]*NetworkRequest
	lastNet     time.Time
	dlgArmed    bool
	dlgAccept   bool
	dlgPrompt   string
	lastDialog  *DialogEvent
	clock       clockState
	clockScript cdppage.ScriptIdentifier
}

func newChromePage(ctx context.Context, root context.Context, c *chromeContext, tid target.ID, seeded *StorageState, opts PageOptions) (*chromePage, error) {
	pctx, cancel := chromedp.NewContext(root, chromedp.WithTargetID(tid))
	p := &chromePage{
		id:       string(tid),
		ctx:      pctx,
		cancel:   cancel,
		d:        c.d,
		opts:     opts,
		inflight: make(map[network.RequestID]*NetworkRequest),
	}
	chromedp.ListenTarget(pctx, p.onEvent)
	if err := p.runOp(ctx, "attach tab", p.initActions(seeded)...); err != nil {
		cancel()
		return nil, err
	}
	return p, nil
}

func (p *chromePage) ID() string { return p.id }

func (p *chromePage) initActions(seeded *StorageState) []chromedp.Action {
	acts := []chromedp.Action{
		network.Enable(),
		cdpruntime.Enable(),
		cdppage.Enable(),
	}
	if p.d.cfg.BlockServiceWorkers {
		acts = append(acts, network.SetBypassServiceWorker(true))
	}
	if !p.d.rules.Empty() {
		acts = append(acts, fetch.Enable().WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}))
	}
	if p.d.cfg.Device != "" {
		if dev, ok := lookupDevice(p.d.cfg.Device); ok {
			acts = append(acts, chromedp.Emulate(dev))
		}
	} else if w, h := p.d.cfg.Viewport(); w > 0 && h > 0 {
		acts = append(acts, chromedp.EmulateViewport(int64(w), int64(h)))
	}
	if seeded != nil && len(seeded.Origins) > 0 {
		script := localStorageBootstrap(seeded.Origins)
		acts = append(acts, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := cdppage.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
			return err
		}))
	}
	return acts
}

// run executes actions on the tab, cancelling them when the caller's context
// is done. The tab context itself stays alive for later calls.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return apperr.New(apperr.KindDriver, "tab closed")
	}
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) runOp(ctx context.Context, op string, actions ...chromedp.Action) error {
	err := p.run(ctx, actions...)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return apperr.Wrap(apperr.KindTimeout, ctxErr, "%s interrupted", op)
	}
	return driverErr(op, err)
}

func (p *chromePage) onEvent(ev any) {
	switch e := ev.(type) {
	case *cdpruntime.EventConsoleAPICalled:
		msg := ConsoleMessage{Type: string(e.Type), Text: formatConsoleArgs(e.Args), Timestamp: time.Now()}
		if p.opts.OnConsole != nil {
			p.opts.OnConsole(msg)
		}
	case *cdpruntime.EventExceptionThrown:
		msg := ConsoleMessage{Type: "error", Text: formatException(e.ExceptionDetails), Timestamp: time.Now()}
		if e.ExceptionDetails != nil {
			msg.URL = e.ExceptionDetails.URL
			msg.Line = e.ExceptionDetails.LineNumber
		}
		if p.opts.OnConsole != nil {
			p.opts.OnConsole(msg)
		}
	case *network.EventRequestWillBeSent:
		p.mu.Lock()
		if e.Request != nil {
			p.inflight[e.RequestID] = &NetworkRequest{
				Method:       e.Request.Method,
				URL:          e.Request.URL,
				ResourceType: string(e.Type),
				StartedAt:    time.Now(),
			}
		}
		p.lastNet = time.Now()
		p.mu.Unlock()
	case *network.EventResponseReceived:
		p.mu.Lock()
		if r, ok := p.inflight[e.RequestID]; ok && e.Response != nil {
			r.Status = e.Response.Status
			r.MimeType = e.Response.MimeType
		}
		p.lastNet = time.Now()
		p.mu.Unlock()
	case *network.EventLoadingFinished:
		p.finishRequest(e.RequestID, "", int64(e.EncodedDataLength))
	case *network.EventLoadingFailed:
		p.finishRequest(e.RequestID, e.ErrorText, 0)
	case *cdppage.EventJavascriptDialogOpening:
		p.onDialog(e)
	case *fetch.EventRequestPaused:
		go p.resolvePaused(e)
	}
}

func (p *chromePage) finishRequest(id network.RequestID, failure string, bytes int64) {
	p.mu.Lock()
	r, ok := p.inflight[id]
	if ok {
		delete(p.inflight, id)
	}
	p.lastNet = time.Now()
	p.mu.Unlock()
	if !ok {
		return
	}
	r.Failure = failure
	r.Bytes = bytes
	r.FinishedAt = time.Now()
	if p.opts.OnRequest != nil {
		p.opts.OnRequest(*r)
	}
}

func (p *chromePage) onDialog(ev *cdppage.EventJavascriptDialogOpening) {
	p.mu.Lock()
	accept, prompt, armed := p.dlgAccept, p.dlgPrompt, p.dlgArmed
	p.dlgArmed = false
	rec := &DialogEvent{
		Type:     string(ev.Type),
		Message:  ev.Message,
		URL:      ev.URL,
		Accepted: armed && accept,
		Prompt:   prompt,
		At:       time.Now(),
	}
	p.lastDialog = rec
	p.mu.Unlock()

	// Unhandled dialogs block the renderer; dismiss unless a handler armed
	// acceptance beforehand.
	go func() {
		c := chromedp.FromContext(p.ctx)
		if c == nil || c.Target == nil {
			return
		}
		ectx := cdp.WithExecutor(p.ctx, c.Target)
		act := cdppage.HandleJavaScriptDialog(armed && accept)
		if prompt != "" {
			act = act.WithPromptText(prompt)
		}
		if err := act.Do(ectx); err != nil {
			p.d.log.Warn("dialog response failed: %v", err)
		}
	}()
}

func (p *chromePage) resolvePaused(e *fetch.EventRequestPaused) {
	c := chromedp.FromContext(p.ctx)
	if c == nil || c.Target == nil {
		return
	}
	ectx := cdp.WithExecutor(p.ctx, c.Target)
	if e.Request == nil || p.d.rules.Permit(e.Request.URL) {
		_ = fetch.ContinueRequest(e.RequestID).Do(ectx)
		return
	}
	_ = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(ectx)
}

// HandleNextDialog arms the response for the next JavaScript dialog.
func (p *chromePage) HandleNextDialog(accept bool, promptText string) {
	p.mu.Lock()
	p.dlgArmed = true
	p.dlgAccept = accept
	p.dlgPrompt = promptText
	p.mu.Unlock()
}

// LastDialog returns the most recent dialog, nil if none appeared.
func (p *chromePage) LastDialog() *DialogEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastDialog == nil {
		return nil
	}
	cp := *p.lastDialog
	return &cp
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var loc string
	if err := p.runOp(ctx, "read location", chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

func (p *chromePage) Title(ctx context.Context) (string, error) {
	var title string
	if err := p.runOp(ctx, "read title", chromedp.Title(&title)); err != nil {
		return "", err
	}
	return title, nil
}

func (p *chromePage) Content(ctx context.Context) (string, error) {
	var html string
	err := p.runOp(ctx, "read document", chromedp.ActionFunc(func(cctx context.Context) error {
		root, err := dom.GetDocument().Do(cctx)
		if err != nil {
			return err
		}
		html, err = dom.GetOuterHTML().WithNodeID(root.NodeID).Do(cctx)
		return err
	}))
	if err != nil {
		return "", err
	}
	return html, nil
}

func (p *chromePage) Navigate(ctx context.Context, rawURL string) error {
	if !p.d.rules.Permit(rawURL) {
		return apperr.New(apperr.KindBlocked, "navigation to %s blocked", rawURL).
			WithDetail("rule", "originPolicy")
	}
	return p.runOp(ctx, "navigate", chromedp.Navigate(rawURL))
}

func (p *chromePage) Back(ctx context.Context) error {
	return p.runOp(ctx, "navigate back", chromedp.NavigateBack())
}

func (p *chromePage) Forward(ctx context.Context) error {
	return p.runOp(ctx, "navigate forward", chromedp.NavigateForward())
}

func (p *chromePage) Reload(ctx context.Context) error {
	return p.runOp(ctx, "reload", chromedp.Reload())
}

// nodeCenter scrolls the node into view and returns the center of its box.
func (p *chromePage) nodeCenter(ctx context.Context, backendID int64) (x, y float64, err error) {
	err = p.runOp(ctx, "locate node", chromedp.ActionFunc(func(cctx context.Context) error {
		id := cdp.BackendNodeID(backendID)
		if err := dom.ScrollIntoViewIfNeeded().WithBackendNodeID(id).Do(cctx); err != nil {
			return err
		}
		box, err := dom.GetBoxModel().WithBackendNodeID(id).Do(cctx)
		if err != nil {
			return err
		}
		if box == nil || len(box.Content) < 8 {
			return fmt.Errorf("node has no box")
		}
		x = (box.Content[0] + box.Content[4]) / 2
		y = (box.Content[1] + box.Content[5]) / 2
		return nil
	}))
	return x, y, err
}

func (p *chromePage) ClickNode(ctx context.Context, backendID int64, opts ClickOptions) error {
	x, y, err := p.nodeCenter(ctx, backendID)
	if err != nil {
		return err
	}
	return p.clickAt(ctx, x, y, opts)
}

func (p *chromePage) ClickXY(ctx context.Context, x, y float64, opts ClickOptions) error {
	return p.clickAt(ctx, x, y, opts)
}

func (p *chromePage) clickAt(ctx context.Context, x, y float64, opts ClickOptions) error {
	mopts := []chromedp.MouseOption{chromedp.ButtonModifiers(parseModifiers(opts.Modifiers)...)}
	if opts.Button != "" {
		mopts = append(mopts, chromedp.Button(opts.Button))
	} else {
		mopts = append(mopts, chromedp.Button("left"))
	}
	count := opts.Count
	if count < 1 {
		count = 1
	}
	mopts = append(mopts, chromedp.ClickCount(count))
	return p.runOp(ctx, "click", chromedp.MouseClickXY(x, y, mopts...))
}

func (p *chromePage) HoverNode(ctx context.Context, backendID int64) error {
	x, y, err := p.nodeCenter(ctx, backendID)
	if err != nil {
		return err
	}
	return p.runOp(ctx, "hover", chromedp.MouseEvent(input.MouseMoved, x, y))
}

func (p *chromePage) DragNodeTo(ctx context.Context, sourceID, targetID int64) error {
	sx, sy, err := p.nodeCenter(ctx, sourceID)
	if err != nil {
		return err
	}
	tx, ty, err := p.nodeCenter(ctx, targetID)
	if err != nil {
		return err
	}
	// Intermediate moves let drag handlers fire dragover along the path.
	acts := []chromedp.Action{
		chromedp.MouseEvent(input.MouseMoved, sx, sy),
		chromedp.MouseEvent(input.MousePressed, sx, sy, chromedp.Button("left"), chromedp.ClickCount(1)),
	}
	const steps = 4
	for i := 1; i <= steps; i++ {
		f := float64(i) / steps
		acts = append(acts, chromedp.MouseEvent(input.MouseMoved, sx+(tx-sx)*f, sy+(ty-sy)*f))
	}
	acts = append(acts, chromedp.MouseEvent(input.MouseReleased, tx, ty, chromedp.Button("left"), chromedp.ClickCount(1)))
	return p.runOp(ctx, "drag", acts...)
}

func (p *chromePage) TypeNode(ctx context.Context, backendID int64, text string, opts TypeOptions) error {
	id := cdp.BackendNodeID(backendID)
	acts := []chromedp.Action{dom.Focus().WithBackendNodeID(id)}
	if opts.Clear {
		acts = append(acts, p.clearNodeAction(backendID))
	}
	if opts.Slowly {
		acts = append(acts, chromedp.KeyEvent(text))
	} else {
		acts = append(acts, input.InsertText(text))
	}
	if opts.Submit {
		acts = append(acts, chromedp.KeyEvent(kb.Enter))
	}
	return p.runOp(ctx, "type", acts...)
}

func (p *chromePage) clearNodeAction(backendID int64) chromedp.Action {
	const clearFn = `function() {
		if ('value' in this) {
			this.value = '';
		} else if (this.isContentEditable) {
			this.textContent = '';
		}
		this.dispatchEvent(new Event('input', {bubbles: true}));
	}`
	return chromedp.ActionFunc(func(cctx context.Context) error {
		_, err := callOnNode(cctx, backendID, clearFn)
		return err
	})
}

func (p *chromePage) PressKey(ctx context.Context, key string, modifiers []string) error {
	seq, err := resolveKey(key)
	if err != nil {
		return err
	}
	mods := parseModifiers(modifiers)
	return p.runOp(ctx, "press key", chromedp.KeyEvent(seq, chromedp.KeyModifiers(mods...)))
}

func (p *chromePage) Scroll(ctx context.Context, deltaX, deltaY float64) error {
	var size []float64
	if err := p.runOp(ctx, "read viewport", chromedp.Evaluate(`[window.innerWidth, window.innerHeight]`, &size)); err != nil {
		return err
	}
	x, y := 100.0, 100.0
	if len(size) == 2 {
		x, y = size[0]/2, size[1]/2
	}
	wheel := func(mp *input.DispatchMouseEventParams) *input.DispatchMouseEventParams {
		return mp.WithDeltaX(deltaX).WithDeltaY(deltaY)
	}
	return p.runOp(ctx, "scroll", chromedp.MouseEvent(input.MouseWheel, x, y, wheel))
}

func (p *chromePage) ScrollToNode(ctx context.Context, backendID int64) error {
	return p.runOp(ctx, "scroll to node", chromedp.ActionFunc(func(cctx context.Context) error {
		return dom.ScrollIntoViewIfNeeded().WithBackendNodeID(cdp.BackendNodeID(backendID)).Do(cctx)
	}))
}

func (p *chromePage) SelectOptions(ctx context.Context, backendID int64, values []string) error {
	const selectFn = `function(values) {
		if (this.tagName !== 'SELECT') throw new Error('element is not a <select>');
		const wanted = new Set(values);
		let matched = 0;
		for (const opt of this.options) {
			const hit = wanted.has(opt.value) || wanted.has(opt.label) || wanted.has(opt.textContent.trim());
			opt.selected = hit && (this.multiple || matched === 0);
			if (hit) matched++;
		}
		if (matched === 0) throw new Error('no option matched');
		this.dispatchEvent(new Event('input', {bubbles: true}));
		this.dispatchEvent(new Event('change', {bubbles: true}));
		return matched;
	}`
	return p.runOp(ctx, "select option", chromedp.ActionFunc(func(cctx context.Context) error {
		_, err := callOnNode(cctx, backendID, selectFn, values)
		return err
	}))
}

func (p *chromePage) UploadFiles(ctx context.Context, backendID int64, paths []string) error {
	if len(paths) == 0 {
		return apperr.New(apperr.KindBadInput, "no files given")
	}
	return p.runOp(ctx, "upload files", chromedp.ActionFunc(func(cctx context.Context) error {
		return dom.SetFileInputFiles(paths).WithBackendNodeID(cdp.BackendNodeID(backendID)).Do(cctx)
	}))
}

func (p *chromePage) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	var raw json.RawMessage
	await := func(ep *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
		return ep.WithAwaitPromise(true).WithReturnByValue(true)
	}
	if err := p.runOp(ctx, "evaluate", chromedp.Evaluate(expression, &raw, await)); err != nil {
		return nil, err
	}
	return raw, nil
}

func (p *chromePage) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runCtx, rcancel := context.WithCancel(p.ctx)
	defer rcancel()
	go func() {
		select {
		case <-ctx.Done():
			rcancel()
		case <-runCtx.Done():
		}
	}()
	_ = chromedp.Run(runCtx, cdppage.Close())
	p.cancel()
	return nil
}

// callOnNode resolves a backend node to a JS object and calls fn with `this`
// bound to it. The executor context must already be attached.
func callOnNode(cctx context.Context, backendID int64, fn string, args ...any) (json.RawMessage, error) {
	obj, err := dom.ResolveNode().WithBackendNodeID(cdp.BackendNodeID(backendID)).Do(cctx)
	if err != nil {
		return nil, err
	}
	callArgs := make([]*cdpruntime.CallArgument, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		callArgs = append(callArgs, &cdpruntime.CallArgument{Value: b})
	}
	res, exc, err := cdpruntime.CallFunctionOn(fn).
		WithObjectID(obj.ObjectID).
		WithArguments(callArgs).
		WithReturnByValue(true).
		Do(cctx)
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, exc
	}
	if res == nil || len(res.Value) == 0 {
		return nil, nil
	}
	return json.RawMessage(res.Value), nil
}

func formatConsoleArgs(args []*cdpruntime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if len(a.Value) > 0 {
			var s string
			if err := json.Unmarshal(a.Value, &s); err == nil {
				parts = append(parts, s)
			} else {
				parts = append(parts, string(a.Value))
			}
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
			continue
		}
		parts = append(parts, string(a.Type))
	}
	return strings.Join(parts, " ")
}

func formatException(details *cdpruntime.ExceptionDetails) string {
	if details == nil {
		return "uncaught exception"
	}
	text := details.Text
	if details.Exception != nil && details.Exception.Description != "" {
		if text != "" {
			text += ": "
		}
		text += details.Exception.Description
	}
	return text
}

func parseModifiers(names []string) []input.Modifier {
	mods := make([]input.Modifier, 0, len(names))
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "alt":
			mods = append(mods, input.ModifierAlt)
		case "control", "ctrl":
			mods = append(mods, input.ModifierCtrl)
		case "shift":
			mods = append(mods, input.ModifierShift)
		case "meta", "cmd", "command":
			mods = append(mods, input.ModifierMeta)
		}
	}
	return mods
}

var namedKeys = map[string]string{
	"enter":      kb.Enter,
	"return":     kb.Enter,
	"tab":        kb.Tab,
	"escape":     kb.Escape,
	"esc":        kb.Escape,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"arrowup":    kb.ArrowUp,
	"arrowdown":  kb.ArrowDown,
	"arrowleft":  kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"home":       kb.Home,
	"end":        kb.End,
	"pageup":     kb.PageUp,
	"pagedown":   kb.PageDown,
	"space":      " ",
}

// resolveKey maps a key name to the rune sequence KeyEvent expects. Single
// characters pass through unchanged.
func resolveKey(key string) (string, error) {
	if len([]rune(key)) == 1 {
		return key, nil
	}
	if seq, ok := namedKeys[strings.ToLower(strings.TrimSpace(key))]; ok {
		return seq, nil
	}
	names := make([]string, 0, len(namedKeys))
	for n := range namedKeys {
		names = append(names, n)
	}
	sort.Strings(names)
	return "", apperr.New(apperr.KindBadInput, "unsupported key %q", key).
		WithDetail("supported", strings.Join(names, ", "))
}

var deviceCatalog = map[string]device.Info{
	"iphone 7":  device.IPhone7.Device(),
	"iphone 8":  device.IPhone8.Device(),
	"iphone x":  device.IPhoneX.Device(),
	"ipad":      device.IPad.Device(),
	"ipad pro":  device.IPadPro.Device(),
	"pixel 2":   device.Pixel2.Device(),
	"galaxy s5": device.GalaxyS5.Device(),
	"nexus 10":  device.Nexus10.Device(),
}

func lookupDevice(name string) (device.Info, bool) {
	key := strings.Join(strings.Fields(strings.ToLower(name)), " ")
	dev, ok := deviceCatalog[key]
	return dev, ok
}

// KnownDevices lists emulatable device names.
func KnownDevices() []string {
	names := make([]string, 0, len(deviceCatalog))
	for n := range deviceCatalog {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func localStorageBootstrap(origins []OriginState) string {
	seeds := make(map[string][]StorageItem, len(origins))
	for _, o := range origins {
		seeds[o.Origin] = o.LocalStorage
	}
	blob, _ := json.Marshal(seeds)
	return fmt.Sprintf(`(() => {
	const seeds = %s;
	const items = seeds[location.origin];
	if (!items) return;
	try {
		for (const it of items) {
			if (window.localStorage.getItem(it.name) === null) {
				window.localStorage.setItem(it.name, it.value);
			}
		}
	} catch (e) {}
})();`, blob)
}
