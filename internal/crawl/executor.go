package crawl

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"drover/internal/apperr"
	"drover/internal/browser"
	"drover/internal/session"
)

// Executor borrows the session's current tab for the duration of a crawl.
// Every operation goes through Session.Do, so interactive tool calls and
// crawl steps interleave without fighting over the browser.
type Executor struct {
	sess *session.Session
}

func NewExecutor(sess *session.Session) *Executor {
	return &Executor{sess: sess}
}

const settleDelay = 500 * time.Millisecond

// Observe captures what the planner needs: URL, title, snapshot text and
// hash, outgoing links, and clickable elements.
func (e *Executor) Observe(ctx context.Context, depth int) (Observation, error) {
	var obs Observation
	err := e.sess.Do(ctx, func(ctx context.Context) error {
		tab, err := e.sess.EnsureTab(ctx)
		if err != nil {
			return err
		}
		obs.URL, err = tab.Page.URL(ctx)
		if err != nil {
			return err
		}
		obs.Title, _ = tab.Page.Title(ctx)
		obs.Depth = depth

		ax, err := tab.Page.AXTree(ctx)
		if err != nil {
			return err
		}
		snap := e.sess.Snapshots.Capture(tab.ID, ax)
		obs.Snapshot = snap.Text
		obs.StateHash = StateHash(snap.Text)
		obs.Clickables = collectClickables(ax)

		html, err := tab.Page.Content(ctx)
		if err != nil {
			return err
		}
		obs.Links = extractLinks(html, obs.URL)
		return nil
	})
	return obs, err
}

// Apply runs one planner action against the tab.
func (e *Executor) Apply(ctx context.Context, a Action) error {
	return e.sess.Do(ctx, func(ctx context.Context) error {
		tab, err := e.sess.EnsureTab(ctx)
		if err != nil {
			return err
		}
		switch a.Kind {
		case ActionNavigate:
			if err := tab.Page.Navigate(ctx, a.URL); err != nil {
				return err
			}
			return tab.Page.WaitForNetworkIdle(ctx, 10*time.Second)
		case ActionClick:
			if err := tab.Page.ClickNode(ctx, a.BackendID, browser.ClickOptions{}); err != nil {
				return err
			}
			sleepCtx(ctx, settleDelay)
			return nil
		case ActionType:
			return tab.Page.TypeNode(ctx, a.BackendID, a.Text, browser.TypeOptions{Clear: true})
		case ActionWait:
			sleepCtx(ctx, time.Second)
			return nil
		case ActionSnapshot:
			return nil
		default:
			return apperr.New(apperr.KindInternal, "executor cannot apply action %q", a.Kind)
		}
	})
}

// Screenshot captures the current page for the memory store.
func (e *Executor) Screenshot(ctx context.Context) ([]byte, error) {
	var png []byte
	err := e.sess.Do(ctx, func(ctx context.Context) error {
		tab, err := e.sess.CurrentTab()
		if err != nil {
			return err
		}
		png, err = tab.Page.Screenshot(ctx, browser.ScreenshotOptions{Format: "png"})
		return err
	})
	return png, err
}

func collectClickables(root *browser.AXNode) []Clickable {
	var out []Clickable
	var walk func(n *browser.AXNode)
	walk = func(n *browser.AXNode) {
		if n == nil || len(out) >= maxClickablesPerPage {
			return
		}
		switch n.Role {
		case "button", "link", "menuitem", "tab":
			if n.BackendID != 0 && strings.TrimSpace(n.Name) != "" && !n.Disabled {
				out = append(out, Clickable{BackendID: n.BackendID, Role: n.Role, Name: n.Name})
			}
		}
		for _, child := range n.Children {
			walk(child)
		}
	}
	walk(root)
	return out
}

// extractLinks pulls up to maxLinksPerPage absolute http(s) URLs out of the
// page HTML, resolved against the page URL, fragments stripped.
func extractLinks(html, pageURL string) []Link {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	seen := map[string]struct{}{}
	var out []Link
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return true
		}
		abs.Fragment = ""
		target := abs.String()
		if target == pageURL {
			return true
		}
		if _, dup := seen[target]; dup {
			return true
		}
		seen[target] = struct{}{}
		out = append(out, Link{URL: target, Text: strings.TrimSpace(sel.Text())})
		return len(out) < maxLinksPerPage
	})
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
