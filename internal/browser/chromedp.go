package browser

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"drover/internal/apperr"
	"drover/internal/config"
	"drover/internal/logging"
)

// ChromeDriver drives a Chromium-family browser over CDP, either a locally
// launched process or a remote endpoint.
type ChromeDriver struct {
	cfg         config.BrowserConfig
	rules       OriginRules
	downloadDir string
	log         logging.Logger

	mu         sync.Mutex
	started    bool
	generation int
	allocCtx   context.Context
	allocStop  context.CancelFunc
	rootCtx    context.Context
	rootStop   context.CancelFunc
	tempDir    string

	dmu       sync.Mutex
	downloads map[string]*Download
	dlOrder   []string
}

// NewChromeDriver builds a driver from browser configuration. dataDir hosts
// downloads and isolated profiles.
func NewChromeDriver(cfg config.BrowserConfig, dataDir string, log logging.Logger) *ChromeDriver {
	return &ChromeDriver{
		cfg:         cfg,
		rules:       OriginRules{Allowed: cfg.AllowedOrigins, Blocked: cfg.BlockedOrigins},
		downloadDir: filepath.Join(dataDir, "downloads"),
		log:         logging.OrNop(log),
		downloads:   make(map[string]*Download),
	}
}

// Start launches the browser or connects to the configured CDP endpoint.
func (d *ChromeDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	return d.startLocked(ctx)
}

func (d *ChromeDriver) startLocked(ctx context.Context) error {
	if d.cfg.CDPEndpoint != "" {
		d.allocCtx, d.allocStop = chromedp.NewRemoteAllocator(context.Background(), d.cfg.CDPEndpoint)
	} else {
		opts, err := d.allocatorOptions()
		if err != nil {
			return err
		}
		d.allocCtx, d.allocStop = chromedp.NewExecAllocator(context.Background(), opts...)
	}
	d.rootCtx, d.rootStop = chromedp.NewContext(d.allocCtx,
		chromedp.WithLogf(d.log.Debug),
		chromedp.WithErrorf(d.log.Error),
	)

	// Run with no actions launches the process and attaches the first target.
	if err := chromedp.Run(d.rootCtx); err != nil {
		d.stopLocked()
		return driverErr("start browser", err)
	}

	if err := os.MkdirAll(d.downloadDir, 0o755); err != nil {
		d.stopLocked()
		return apperr.Wrap(apperr.KindInternal, err, "create download dir")
	}
	chromedp.ListenBrowser(d.rootCtx, d.onBrowserEvent)
	bctx := cdp.WithExecutor(d.rootCtx, chromedp.FromContext(d.rootCtx).Browser)
	err := cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllowAndName).
		WithDownloadPath(d.downloadDir).
		WithEventsEnabled(true).
		Do(bctx)
	if err != nil {
		d.log.Warn("download capture unavailable: %v", err)
	}

	d.started = true
	d.generation++
	d.log.Info("browser started (generation %d)", d.generation)
	return nil
}

func (d *ChromeDriver) stopLocked() {
	if d.rootStop != nil {
		d.rootStop()
		d.rootStop = nil
	}
	if d.allocStop != nil {
		d.allocStop()
		d.allocStop = nil
	}
	d.rootCtx = nil
	d.allocCtx = nil
	d.started = false
}

// restart tears the browser down and launches a fresh one. Existing contexts
// and pages become invalid; callers get driver errors on next use.
func (d *ChromeDriver) restart(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log.Warn("restarting browser")
	d.stopLocked()
	return d.startLocked(ctx)
}

// Stop shuts the browser down and removes any temporary profile.
func (d *ChromeDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	if d.tempDir != "" {
		if err := os.RemoveAll(d.tempDir); err != nil {
			d.log.Warn("remove temp profile %s: %v", d.tempDir, err)
		}
		d.tempDir = ""
	}
	return nil
}

func (d *ChromeDriver) allocatorOptions() ([]chromedp.ExecAllocatorOption, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", d.cfg.Headless),
		chromedp.Flag("disable-gpu", d.cfg.Headless),
		chromedp.Flag("mute-audio", true),
	)
	if d.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if d.cfg.IgnoreHTTPSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if d.cfg.ProxyServer != "" {
		opts = append(opts, chromedp.ProxyServer(d.cfg.ProxyServer))
	}
	if d.cfg.ProxyBypass != "" {
		opts = append(opts, chromedp.Flag("proxy-bypass-list", d.cfg.ProxyBypass))
	}
	if d.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(d.cfg.UserAgent))
	}
	if w, h := d.cfg.Viewport(); w > 0 && h > 0 {
		opts = append(opts, chromedp.WindowSize(w, h))
	}
	if path := d.execPath(); path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}

	switch {
	case d.cfg.Isolated:
		if d.tempDir == "" {
			dir, err := os.MkdirTemp("", "drover-profile-")
			if err != nil {
				return nil, apperr.Wrap(apperr.KindInternal, err, "create isolated profile")
			}
			d.tempDir = dir
		}
		opts = append(opts, chromedp.UserDataDir(d.tempDir))
	case d.cfg.UserDataDir != "":
		if err := os.MkdirAll(d.cfg.UserDataDir, 0o755); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, err, "create user data dir")
		}
		opts = append(opts, chromedp.UserDataDir(d.cfg.UserDataDir))
	}
	return opts, nil
}

// execPath maps a browser channel name to an installed binary. A value with
// a path separator is used verbatim. Empty result lets chromedp discover one.
func (d *ChromeDriver) execPath() string {
	name := strings.ToLower(strings.TrimSpace(d.cfg.Browser))
	if name == "" {
		return ""
	}
	if strings.ContainsRune(name, os.PathSeparator) {
		return d.cfg.Browser
	}
	var candidates []string
	switch name {
	case "chromium":
		candidates = []string{"chromium", "chromium-browser"}
	case "chrome":
		candidates = []string{"google-chrome", "google-chrome-stable", "chrome"}
	case "msedge", "edge":
		candidates = []string{"microsoft-edge", "microsoft-edge-stable", "msedge"}
	default:
		candidates = []string{name}
	}
	for _, c := range candidates {
		if p, err := exec.LookPath(c); err == nil {
			return p
		}
	}
	return ""
}

// root returns the browser handle context.
func (d *ChromeDriver) root() (context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started || d.rootCtx == nil {
		return nil, apperr.New(apperr.KindDriver, "browser not started")
	}
	return d.rootCtx, nil
}

// browserExecutor attaches the browser-level CDP executor to ctx.
func (d *ChromeDriver) browserExecutor(ctx context.Context) (context.Context, error) {
	root, err := d.root()
	if err != nil {
		return nil, err
	}
	c := chromedp.FromContext(root)
	if c == nil || c.Browser == nil {
		return nil, apperr.New(apperr.KindDriver, "browser connection lost")
	}
	return cdp.WithExecutor(ctx, c.Browser), nil
}

// NewContext creates an isolated browser context, restarting the browser once
// if the first attempt fails.
func (d *ChromeDriver) NewContext(ctx context.Context, opts ContextOptions) (BrowserContext, error) {
	id, err := d.createBrowserContext(ctx)
	if err != nil {
		if rerr := d.restart(ctx); rerr != nil {
			return nil, rerr
		}
		if id, err = d.createBrowserContext(ctx); err != nil {
			return nil, driverErr("create browser context", err)
		}
	}
	c := &chromeContext{d: d, id: id, seeded: opts.StorageState}
	if st := opts.StorageState; st != nil && len(st.Cookies) > 0 {
		if err := c.setCookies(ctx, st.Cookies); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (d *ChromeDriver) createBrowserContext(ctx context.Context) (cdp.BrowserContextID, error) {
	if err := d.Start(ctx); err != nil {
		return "", err
	}
	bctx, err := d.browserExecutor(ctx)
	if err != nil {
		return "", err
	}
	return target.CreateBrowserContext().WithDisposeOnDetach(true).Do(bctx)
}

// Version reports browser build information.
func (d *ChromeDriver) Version(ctx context.Context) (VersionInfo, error) {
	bctx, err := d.browserExecutor(ctx)
	if err != nil {
		return VersionInfo{}, err
	}
	protocol, product, revision, userAgent, jsVersion, err := cdpbrowser.GetVersion().Do(bctx)
	if err != nil {
		return VersionInfo{}, driverErr("browser version", err)
	}
	return VersionInfo{
		Product:         product,
		ProtocolVersion: protocol,
		Revision:        revision,
		UserAgent:       userAgent,
		JSVersion:       jsVersion,
	}, nil
}

// Healthy pings the browser with a short deadline.
func (d *ChromeDriver) Healthy(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	bctx, err := d.browserExecutor(pingCtx)
	if err != nil {
		return err
	}
	if _, err := target.GetTargets().Do(bctx); err != nil {
		return driverErr("browser ping", err)
	}
	return nil
}

func (d *ChromeDriver) onBrowserEvent(ev any) {
	switch e := ev.(type) {
	case *cdpbrowser.EventDownloadWillBegin:
		d.dmu.Lock()
		d.downloads[e.GUID] = &Download{
			GUID:              e.GUID,
			URL:               e.URL,
			SuggestedFilename: e.SuggestedFilename,
			Path:              filepath.Join(d.downloadDir, e.GUID),
			State:             "inProgress",
			StartedAt:         time.Now(),
		}
		d.dlOrder = append(d.dlOrder, e.GUID)
		d.dmu.Unlock()
	case *cdpbrowser.EventDownloadProgress:
		d.dmu.Lock()
		if dl, ok := d.downloads[e.GUID]; ok {
			dl.State = string(e.State)
			dl.ReceivedBytes = int64(e.ReceivedBytes)
			dl.TotalBytes = int64(e.TotalBytes)
		}
		d.dmu.Unlock()
	}
}

// Downloads lists observed downloads in start order.
func (d *ChromeDriver) Downloads() []Download {
	d.dmu.Lock()
	defer d.dmu.Unlock()
	out := make([]Download, 0, len(d.dlOrder))
	for _, guid := range d.dlOrder {
		if dl, ok := d.downloads[guid]; ok {
			out = append(out, *dl)
		}
	}
	return out
}

// chromeContext is one isolated cookie jar.
type chromeContext struct {
	d  *ChromeDriver
	id cdp.BrowserContextID

	mu     sync.Mutex
	seeded *StorageState
	closed bool
}

func (c *chromeContext) ID() string { return string(c.id) }

// NewPage opens a tab inside this context.
func (c *chromeContext) NewPage(ctx context.Context, opts PageOptions) (Page, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperr.New(apperr.KindDriver, "browser context closed")
	}
	seeded := c.seeded
	c.mu.Unlock()

	bctx, err := c.d.browserExecutor(ctx)
	if err != nil {
		return nil, err
	}
	tid, err := target.CreateTarget("about:blank").WithBrowserContextID(c.id).Do(bctx)
	if err != nil {
		return nil, driverErr("create tab", err)
	}
	root, err := c.d.root()
	if err != nil {
		return nil, err
	}
	return newChromePage(ctx, root, c, tid, seeded, opts)
}

// Cookies lists all cookies in the context.
func (c *chromeContext) Cookies(ctx context.Context) ([]Cookie, error) {
	bctx, err := c.d.browserExecutor(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := storage.GetCookies().WithBrowserContextID(c.id).Do(bctx)
	if err != nil {
		return nil, driverErr("get cookies", err)
	}
	out := make([]Cookie, 0, len(raw))
	for _, nc := range raw {
		out = append(out, Cookie{
			Name:     nc.Name,
			Value:    nc.Value,
			Domain:   nc.Domain,
			Path:     nc.Path,
			Expires:  nc.Expires,
			HTTPOnly: nc.HTTPOnly,
			Secure:   nc.Secure,
			SameSite: string(nc.SameSite),
		})
	}
	return out, nil
}

// SetCookie adds or replaces one cookie.
func (c *chromeContext) SetCookie(ctx context.Context, ck Cookie) error {
	if ck.Name == "" {
		return apperr.New(apperr.KindBadInput, "cookie name required")
	}
	if ck.Domain == "" && ck.URL == "" {
		return apperr.New(apperr.KindBadInput, "cookie needs a domain or url")
	}
	return c.setCookies(ctx, []Cookie{ck})
}

func (c *chromeContext) setCookies(ctx context.Context, cookies []Cookie) error {
	bctx, err := c.d.browserExecutor(ctx)
	if err != nil {
		return err
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, ck := range cookies {
		p := &network.CookieParam{
			Name:     ck.Name,
			Value:    ck.Value,
			URL:      ck.URL,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Secure:   ck.Secure,
			HTTPOnly: ck.HTTPOnly,
		}
		if ck.SameSite != "" {
			p.SameSite = network.CookieSameSite(ck.SameSite)
		}
		if ck.Expires > 0 {
			sec := int64(ck.Expires)
			nsec := int64((ck.Expires - float64(sec)) * float64(time.Second))
			t := cdp.TimeSinceEpoch(time.Unix(sec, nsec))
			p.Expires = &t
		}
		params = append(params, p)
	}
	if err := storage.SetCookies(params).WithBrowserContextID(c.id).Do(bctx); err != nil {
		return driverErr("set cookies", err)
	}
	return nil
}

// ClearCookies removes all cookies in the context.
func (c *chromeContext) ClearCookies(ctx context.Context) error {
	bctx, err := c.d.browserExecutor(ctx)
	if err != nil {
		return err
	}
	if err := storage.ClearCookies().WithBrowserContextID(c.id).Do(bctx); err != nil {
		return driverErr("clear cookies", err)
	}
	return nil
}

// StorageState captures cookies plus the current page's localStorage. Origins
// seeded at context creation but not visited since are carried through.
func (c *chromeContext) StorageState(ctx context.Context, p Page) (*StorageState, error) {
	cookies, err := c.Cookies(ctx)
	if err != nil {
		return nil, err
	}
	st := &StorageState{Cookies: cookies}

	var currentOrigin string
	if p != nil {
		rawURL, err := p.URL(ctx)
		if err != nil {
			return nil, err
		}
		if origin := originOf(rawURL); origin != "" {
			items, err := p.LocalStorage(ctx)
			if err != nil {
				return nil, err
			}
			origState := OriginState{Origin: origin}
			for k, v := range items {
				origState.LocalStorage = append(origState.LocalStorage, StorageItem{Name: k, Value: v})
			}
			sortStorageItems(origState.LocalStorage)
			st.Origins = append(st.Origins, origState)
			currentOrigin = origin
		}
	}

	c.mu.Lock()
	seeded := c.seeded
	c.mu.Unlock()
	if seeded != nil {
		for _, o := range seeded.Origins {
			if o.Origin != currentOrigin {
				st.Origins = append(st.Origins, o)
			}
		}
	}
	return st, nil
}

// Close disposes the context and every tab in it.
func (c *chromeContext) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bctx, err := c.d.browserExecutor(ctx)
	if err != nil {
		return nil // browser already gone
	}
	if err := target.DisposeBrowserContext(c.id).Do(bctx); err != nil {
		return driverErr("dispose browser context", err)
	}
	return nil
}

// driverErr classifies a CDP failure, keeping the driver message verbatim.
func driverErr(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := apperr.KindDriver
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = apperr.KindTimeout
	}
	return apperr.Wrap(kind, err, "%s", op).WithDetail("driverMessage", err.Error())
}
