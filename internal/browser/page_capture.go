package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/chromedp"

	"drover/internal/apperr"
)

// AXTree captures the full accessibility tree of the page. Nodes marked
// ignored by the browser are skipped; their children are lifted to the
// nearest kept ancestor.
func (p *chromePage) AXTree(ctx context.Context) (*AXNode, error) {
	var nodes []*accessibility.Node
	err := p.runOp(ctx, "accessibility snapshot", chromedp.ActionFunc(func(cctx context.Context) error {
		if err := accessibility.Enable().Do(cctx); err != nil {
			return err
		}
		var err error
		nodes, err = accessibility.GetFullAXTree().Do(cctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	return buildAXTree(nodes), nil
}

func buildAXTree(nodes []*accessibility.Node) *AXNode {
	if len(nodes) == 0 {
		return &AXNode{Role: "none"}
	}
	byID := make(map[accessibility.NodeID]*accessibility.Node, len(nodes))
	children := make(map[accessibility.NodeID]bool, len(nodes))
	for _, n := range nodes {
		byID[n.NodeID] = n
		for _, c := range n.ChildIDs {
			children[c] = true
		}
	}
	var root *accessibility.Node
	for _, n := range nodes {
		if !children[n.NodeID] {
			root = n
			break
		}
	}
	if root == nil {
		root = nodes[0]
	}
	return convertAXNode(root, byID)
}

func convertAXNode(n *accessibility.Node, byID map[accessibility.NodeID]*accessibility.Node) *AXNode {
	out := &AXNode{
		Role:        axString(n.Role),
		Name:        axString(n.Name),
		Value:       axString(n.Value),
		Description: axString(n.Description),
		BackendID:   int64(n.BackendDOMNodeID),
	}
	for _, prop := range n.Properties {
		if prop == nil {
			continue
		}
		switch prop.Name {
		case accessibility.PropertyNameDisabled:
			out.Disabled = axString(prop.Value) == "true"
		case accessibility.PropertyNameFocused:
			out.Focused = axString(prop.Value) == "true"
		case accessibility.PropertyNameChecked:
			out.Checked = axString(prop.Value)
		}
	}
	for _, cid := range n.ChildIDs {
		child, ok := byID[cid]
		if !ok {
			continue
		}
		if child.Ignored {
			// Lift grandchildren past the ignored node.
			for _, gid := range child.ChildIDs {
				if gc, ok := byID[gid]; ok {
					out.Children = append(out.Children, convertAXNode(gc, byID))
				}
			}
			continue
		}
		out.Children = append(out.Children, convertAXNode(child, byID))
	}
	return out
}

// axString decodes an AXValue into its string form.
func axString(v *accessibility.Value) string {
	if v == nil || len(v.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v.Value, &s); err == nil {
		return s
	}
	var raw any
	if err := json.Unmarshal(v.Value, &raw); err == nil {
		return fmt.Sprint(raw)
	}
	return string(v.Value)
}

// Screenshot captures the viewport, the full page, or a single element.
func (p *chromePage) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	format := cdppage.CaptureScreenshotFormatPng
	if opts.Format == "jpeg" {
		format = cdppage.CaptureScreenshotFormatJpeg
	}

	var buf []byte
	if opts.FullPage && opts.BackendID == 0 {
		quality := opts.Quality
		if quality <= 0 || format == cdppage.CaptureScreenshotFormatPng {
			quality = 90
		}
		if err := p.runOp(ctx, "screenshot", chromedp.FullScreenshot(&buf, quality)); err != nil {
			return nil, err
		}
		return buf, nil
	}

	err := p.runOp(ctx, "screenshot", chromedp.ActionFunc(func(cctx context.Context) error {
		params := cdppage.CaptureScreenshot().WithFormat(format)
		if format == cdppage.CaptureScreenshotFormatJpeg && opts.Quality > 0 {
			params = params.WithQuality(int64(opts.Quality))
		}
		if opts.BackendID != 0 {
			id := cdp.BackendNodeID(opts.BackendID)
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
			params = params.WithClip(&cdppage.Viewport{
				X:      box.Content[0],
				Y:      box.Content[1],
				Width:  float64(box.Width),
				Height: float64(box.Height),
				Scale:  1,
			})
		}
		var err error
		buf, err = params.Do(cctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// PDF renders the page through the browser's print pipeline.
func (p *chromePage) PDF(ctx context.Context, opts PDFOptions) ([]byte, error) {
	var buf []byte
	err := p.runOp(ctx, "print pdf", chromedp.ActionFunc(func(cctx context.Context) error {
		params := cdppage.PrintToPDF().
			WithLandscape(opts.Landscape).
			WithPrintBackground(opts.PrintBackground)
		if opts.Scale > 0 {
			params = params.WithScale(opts.Scale)
		}
		var err error
		buf, _, err = params.Do(cctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Metrics reads the browser's performance counters for the page.
func (p *chromePage) Metrics(ctx context.Context) (map[string]float64, error) {
	var raw []*performance.Metric
	err := p.runOp(ctx, "read metrics", chromedp.ActionFunc(func(cctx context.Context) error {
		if err := performance.Enable().Do(cctx); err != nil {
			return err
		}
		var err error
		raw, err = performance.GetMetrics().Do(cctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(raw))
	for _, m := range raw {
		if m != nil {
			out[m.Name] = m.Value
		}
	}
	return out, nil
}

// WaitForText polls the document until the text appears or timeout elapses.
func (p *chromePage) WaitForText(ctx context.Context, text string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	needle, _ := json.Marshal(text)
	expr := fmt.Sprintf(
		`!!(document.body && (document.body.innerText || '').includes(%s))`, needle)

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		var found bool
		if err := p.runOp(ctx, "wait for text", chromedp.Evaluate(expr, &found)); err != nil {
			return err
		}
		if found {
			return nil
		}
		if time.Now().After(deadline) {
			return apperr.New(apperr.KindTimeout, "text %q not found within %s", text, timeout).
				WithDetail("timeoutMs", timeout.Milliseconds())
		}
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindTimeout, ctx.Err(), "wait for text interrupted")
		case <-ticker.C:
		}
	}
}

// WaitForNetworkIdle waits until no request has been in flight for half a
// second, up to timeout. An elapsed timeout is not an error: the page is
// simply still chatty and the caller proceeds with what it has.
func (p *chromePage) WaitForNetworkIdle(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	const quiet = 500 * time.Millisecond
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		inflight := len(p.inflight)
		last := p.lastNet
		p.mu.Unlock()
		if inflight == 0 && (last.IsZero() || time.Since(last) >= quiet) {
			return nil
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindTimeout, ctx.Err(), "network idle wait interrupted")
		case <-ticker.C:
		}
	}
}

// LocalStorage reads all localStorage entries for the page's origin.
func (p *chromePage) LocalStorage(ctx context.Context) (map[string]string, error) {
	items := map[string]string{}
	const expr = `(() => {
		const out = {};
		try {
			for (let i = 0; i < window.localStorage.length; i++) {
				const k = window.localStorage.key(i);
				out[k] = window.localStorage.getItem(k);
			}
		} catch (e) {}
		return out;
	})()`
	if err := p.runOp(ctx, "read localStorage", chromedp.Evaluate(expr, &items)); err != nil {
		return nil, err
	}
	return items, nil
}

// SetLocalStorageItem writes one localStorage entry on the current origin.
func (p *chromePage) SetLocalStorageItem(ctx context.Context, key, value string) error {
	k, _ := json.Marshal(key)
	v, _ := json.Marshal(value)
	expr := fmt.Sprintf(`(() => { window.localStorage.setItem(%s, %s); return true; })()`, k, v)
	var ok bool
	return p.runOp(ctx, "write localStorage", chromedp.Evaluate(expr, &ok))
}
