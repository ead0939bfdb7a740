package tools

import (
	"context"
	"fmt"
	"strings"

	"drover/internal/apperr"
)

func registerTabs(r *Registry) {
	r.Register(&Tool{
		Name:        "browser_tab_list",
		Description: "List open tabs with their index, URL, and title",
		Capability:  CapTabs,
		SideEffect:  ReadOnly,
		InputSchema: emptySchema(),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			tabs, current := call.Session.Tabs()
			if len(tabs) == 0 {
				return Text("No open tabs."), nil
			}
			var b strings.Builder
			for i, tab := range tabs {
				marker := " "
				if i == current {
					marker = "*"
				}
				fmt.Fprintf(&b, "%s %d: %s\n", marker, i, tab.Describe(ctx))
			}
			return Text("%s", strings.TrimRight(b.String(), "\n")), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_tab_new",
		Description: "Open a new tab, optionally navigating to a URL",
		Capability:  CapTabs,
		SideEffect:  Mutating,
		InputSchema: objectSchema(map[string]any{
			"url": stringProp("URL to open in the new tab; about:blank when omitted"),
		}),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			tab, err := call.Session.NewTab(ctx)
			if err != nil {
				return nil, err
			}
			url := optString(call.Args, "url", "")
			if url != "" {
				if err := tab.Page.Navigate(ctx, url); err != nil {
					return nil, err
				}
				return Text("Opened new tab at %s", url).WithSnapshot().WithNetworkWait(), nil
			}
			return Text("Opened new blank tab"), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_tab_select",
		Description: "Switch the active tab by index",
		Capability:  CapTabs,
		SideEffect:  Mutating,
		InputSchema: objectSchema(map[string]any{
			"index": intProp("Zero-based tab index from browser_tab_list"),
		}, "index"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			index, err := intArg(call.Args, "index")
			if err != nil {
				return nil, err
			}
			tab, err := call.Session.SelectTab(index)
			if err != nil {
				return nil, err
			}
			return Text("Selected tab %d: %s", index, tab.Describe(ctx)).WithSnapshot(), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_tab_close",
		Description: "Close a tab; closes the current tab when no index is given",
		Capability:  CapTabs,
		SideEffect:  Destructive,
		InputSchema: objectSchema(map[string]any{
			"index": intProp("Zero-based tab index to close; current tab when omitted"),
		}),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			index := optInt(call.Args, "index", -1)
			if err := call.Session.CloseTab(index); err != nil {
				return nil, err
			}
			if _, err := call.Session.CurrentTab(); err != nil {
				if apperr.KindOf(err) == apperr.KindNoTab {
					return Text("Closed tab. No tabs remain open."), nil
				}
				return nil, err
			}
			return Text("Closed tab").WithSnapshot(), nil
		},
	})
}
