package tools

import (
	"context"
	"encoding/json"
	"time"

	"drover/internal/apperr"
	"drover/internal/crawl"
)

func registerAutonomous(r *Registry) {
	r.Register(&Tool{
		Name:        "browser_start_autonomous_crawl",
		Description: "Start an autonomous crawl from a URL; the crawl borrows this session's current tab",
		Capability:  CapAutonomous,
		SideEffect:  Mutating,
		InputSchema: objectSchema(map[string]any{
			"startUrl":  stringProp("URL the crawl starts from"),
			"goal":      stringProp("Natural-language goal; keywords steer the planner"),
			"maxDepth":  intProp("Depth bound; clamped to the broker limit"),
			"maxPages":  intProp("Page budget; clamped to the broker limit"),
			"timeoutMs": intProp("Crawl time budget in milliseconds; clamped to the broker limit"),
		}, "startUrl"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			startURL, err := stringArg(call.Args, "startUrl")
			if err != nil {
				return nil, err
			}
			if _, err := call.Session.EnsureTab(ctx); err != nil {
				return nil, err
			}
			c, err := call.Deps.Crawls.Start(call.Session, crawl.Options{
				StartURL: startURL,
				Goal:     optString(call.Args, "goal", ""),
				MaxDepth: optInt(call.Args, "maxDepth", 0),
				MaxPages: optInt(call.Args, "maxPages", 0),
				Timeout:  time.Duration(optInt(call.Args, "timeoutMs", 0)) * time.Millisecond,
			})
			if err != nil {
				return nil, err
			}
			return Text("Crawl %s started from %s (maxDepth %d, maxPages %d)",
				c.ID, startURL, c.Opts.MaxDepth, c.Opts.MaxPages), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_crawl_status",
		Description: "Report the status and stats of a crawl",
		Capability:  CapAutonomous,
		SideEffect:  ReadOnly,
		InputSchema: objectSchema(map[string]any{
			"crawlId": stringProp("Crawl id; this session's crawl when omitted"),
		}),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			c, err := resolveCrawl(call)
			if err != nil {
				return nil, err
			}
			status, stats := c.Status()
			return Text("Crawl %s: %s\nPages visited: %d\nLinks found: %d\nMax depth: %d\nErrors: %d",
				c.ID, status, stats.PagesVisited, stats.TotalLinks, stats.MaxDepth, stats.Errors), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_cancel_crawl",
		Description: "Cancel a running crawl; the report is still written",
		Capability:  CapAutonomous,
		SideEffect:  Mutating,
		InputSchema: objectSchema(map[string]any{
			"crawlId": stringProp("Crawl id; this session's crawl when omitted"),
		}),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			c, err := resolveCrawl(call)
			if err != nil {
				return nil, err
			}
			if err := call.Deps.Crawls.Cancel(c.ID); err != nil {
				return nil, err
			}
			return Text("Crawl %s cancelled", c.ID), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_configure_memory",
		Description: "Adjust the crawl memory bound and trim stored page states to it",
		Capability:  CapAutonomous,
		SideEffect:  Mutating,
		InputSchema: objectSchema(map[string]any{
			"maxStates": intProp("Maximum page states to retain; oldest are evicted"),
		}, "maxStates"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			maxStates, err := intArg(call.Args, "maxStates")
			if err != nil {
				return nil, err
			}
			removed, err := call.Deps.Crawls.ConfigureMemory(ctx, maxStates)
			if err != nil {
				return nil, err
			}
			return Text("Memory bound set to %d states; %d evicted", maxStates, removed), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_crawl_report",
		Description: "Return the crawl report as JSON, with the on-disk path once finalized",
		Capability:  CapAutonomous,
		SideEffect:  ReadOnly,
		InputSchema: objectSchema(map[string]any{
			"crawlId": stringProp("Crawl id; this session's crawl when omitted"),
		}),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			c, err := resolveCrawl(call)
			if err != nil {
				return nil, err
			}
			report, path := c.Report()
			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return nil, apperr.Wrap(apperr.KindInternal, err, "encode crawl report")
			}
			result := Text("%s", string(data))
			if path != "" {
				result = result.TextWith("Report written to %s", path)
			}
			return result, nil
		},
	})
}

func resolveCrawl(call *Call) (*crawl.Crawl, error) {
	if id := optString(call.Args, "crawlId", ""); id != "" {
		return call.Deps.Crawls.Get(id)
	}
	return call.Deps.Crawls.ForSession(call.Session.ID)
}
