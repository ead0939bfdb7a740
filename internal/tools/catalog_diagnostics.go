package tools

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"drover/internal/apperr"
	"drover/internal/browser"
)

func registerDiagnostics(r *Registry) {
	r.Register(&Tool{
		Name:        "browser_console_messages",
		Description: "Return recent console messages for the session",
		Capability:  CapDiagnostics,
		SideEffect:  ReadOnly,
		InputSchema: objectSchema(map[string]any{
			"limit": intProp("Maximum messages to return, newest last; all buffered when omitted"),
		}),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			msgs := call.Session.Console.Items()
			if limit := optInt(call.Args, "limit", 0); limit > 0 && len(msgs) > limit {
				msgs = msgs[len(msgs)-limit:]
			}
			return Text("%s", formatConsole(msgs)), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_console_filtered",
		Description: "Return console messages filtered by level and substring",
		Capability:  CapDiagnostics,
		SideEffect:  ReadOnly,
		InputSchema: objectSchema(map[string]any{
			"level":    enumProp("Only messages of this level", "log", "info", "warning", "error", "debug"),
			"contains": stringProp("Only messages whose text contains this substring, case-insensitive"),
			"limit":    intProp("Maximum messages to return"),
		}),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			level := optString(call.Args, "level", "")
			contains := strings.ToLower(optString(call.Args, "contains", ""))
			var out []browser.ConsoleMessage
			for _, m := range call.Session.Console.Items() {
				if level != "" && m.Type != level {
					continue
				}
				if contains != "" && !strings.Contains(strings.ToLower(m.Text), contains) {
					continue
				}
				out = append(out, m)
			}
			if limit := optInt(call.Args, "limit", 0); limit > 0 && len(out) > limit {
				out = out[len(out)-limit:]
			}
			return Text("%s", formatConsole(out)), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_network_requests",
		Description: "Return recent network requests observed for the session",
		Capability:  CapDiagnostics,
		SideEffect:  ReadOnly,
		InputSchema: objectSchema(map[string]any{
			"urlContains": stringProp("Only requests whose URL contains this substring"),
			"failedOnly":  boolProp("Only requests that failed or returned status >= 400"),
			"limit":       intProp("Maximum requests to return"),
		}),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			urlContains := optString(call.Args, "urlContains", "")
			failedOnly := optBool(call.Args, "failedOnly", false)
			var out []browser.NetworkRequest
			for _, req := range call.Session.Network.Items() {
				if urlContains != "" && !strings.Contains(req.URL, urlContains) {
					continue
				}
				if failedOnly && req.Failure == "" && req.Status < 400 {
					continue
				}
				out = append(out, req)
			}
			if limit := optInt(call.Args, "limit", 0); limit > 0 && len(out) > limit {
				out = out[len(out)-limit:]
			}
			if len(out) == 0 {
				return Text("No matching network requests."), nil
			}
			var b strings.Builder
			for _, req := range out {
				status := fmt.Sprintf("%d", req.Status)
				if req.Failure != "" {
					status = "FAILED " + req.Failure
				}
				fmt.Fprintf(&b, "[%s] %s %s => %s (%d bytes, %s)\n",
					req.ResourceType, req.Method, req.URL, status, req.Bytes,
					req.FinishedAt.Sub(req.StartedAt).Round(time.Millisecond))
			}
			return Text("%s", strings.TrimRight(b.String(), "\n")), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_performance_metrics",
		Description: "Return runtime performance metrics for the current page",
		Capability:  CapDiagnostics,
		SideEffect:  ReadOnly,
		InputSchema: emptySchema(),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			tab, err := call.Session.CurrentTab()
			if err != nil {
				return nil, err
			}
			metrics, err := tab.Page.Metrics(ctx)
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, len(metrics))
			for name := range metrics {
				names = append(names, name)
			}
			sort.Strings(names)
			var b strings.Builder
			for _, name := range names {
				fmt.Fprintf(&b, "%s: %g\n", name, metrics[name])
			}
			return Text("%s", strings.TrimRight(b.String(), "\n")), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_downloads_list",
		Description: "List downloads observed since the browser started",
		Capability:  CapDiagnostics,
		SideEffect:  ReadOnly,
		InputSchema: emptySchema(),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			downloads := call.Deps.Driver.Downloads()
			if len(downloads) == 0 {
				return Text("No downloads recorded."), nil
			}
			var b strings.Builder
			for _, d := range downloads {
				fmt.Fprintf(&b, "%s (%s) %d/%d bytes -> %s\n",
					d.SuggestedFilename, d.State, d.ReceivedBytes, d.TotalBytes, d.Path)
			}
			return Text("%s", strings.TrimRight(b.String(), "\n")), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_version",
		Description: "Report browser build and protocol information",
		Capability:  CapDiagnostics,
		SideEffect:  ReadOnly,
		InputSchema: emptySchema(),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			info, err := call.Deps.Driver.Version(ctx)
			if err != nil {
				return nil, err
			}
			return Text("Product: %s\nProtocol: %s\nRevision: %s\nUser agent: %s\nJS: %s",
				info.Product, info.ProtocolVersion, info.Revision, info.UserAgent, info.JSVersion), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_install",
		Description: "Verify that a runnable browser binary is present on this host",
		Capability:  CapDiagnostics,
		SideEffect:  ReadOnly,
		InputSchema: emptySchema(),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			candidates := []string{
				"google-chrome", "chromium", "chromium-browser", "microsoft-edge", "headless-shell",
			}
			for _, name := range candidates {
				if path, err := exec.LookPath(name); err == nil {
					return Text("Browser binary found: %s", path), nil
				}
			}
			return nil, apperr.New(apperr.KindDriver,
				"no browser binary found; install one of %s", strings.Join(candidates, ", "))
		},
	})
}

func formatConsole(msgs []browser.ConsoleMessage) string {
	if len(msgs) == 0 {
		return "No console messages."
	}
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s", m.Type, m.Text)
		if m.URL != "" {
			fmt.Fprintf(&b, " (%s:%d)", m.URL, m.Line)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
