package tools

import (
	"context"

	"drover/internal/apperr"
)

func registerNavigate(r *Registry) {
	r.Register(&Tool{
		Name:        "browser_navigate",
		Description: "Navigate the current tab to a URL",
		Capability:  CapNavigate,
		SideEffect:  Mutating,
		InputSchema: objectSchema(map[string]any{
			"url": stringProp("Absolute URL to open"),
		}, "url"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			url, err := stringArg(call.Args, "url")
			if err != nil {
				return nil, err
			}
			tab, err := call.Session.EnsureTab(ctx)
			if err != nil {
				return nil, err
			}
			// Navigation is idempotent enough to retry on transient faults.
			err = apperr.Retry(ctx, apperr.DefaultRetryConfig(), func(ctx context.Context) error {
				return tab.Page.Navigate(ctx, url)
			})
			if err != nil {
				return nil, err
			}
			return Text("Navigated to %s", url).WithSnapshot().WithNetworkWait(), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_navigate_back",
		Description: "Go back in the current tab's history",
		Capability:  CapNavigate,
		SideEffect:  Mutating,
		InputSchema: emptySchema(),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			tab, err := call.Session.CurrentTab()
			if err != nil {
				return nil, err
			}
			if err := tab.Page.Back(ctx); err != nil {
				return nil, err
			}
			return Text("Navigated back").WithSnapshot().WithNetworkWait(), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_navigate_forward",
		Description: "Go forward in the current tab's history",
		Capability:  CapNavigate,
		SideEffect:  Mutating,
		InputSchema: emptySchema(),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			tab, err := call.Session.CurrentTab()
			if err != nil {
				return nil, err
			}
			if err := tab.Page.Forward(ctx); err != nil {
				return nil, err
			}
			return Text("Navigated forward").WithSnapshot().WithNetworkWait(), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_reload",
		Description: "Reload the current tab",
		Capability:  CapNavigate,
		SideEffect:  Mutating,
		InputSchema: emptySchema(),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			tab, err := call.Session.CurrentTab()
			if err != nil {
				return nil, err
			}
			if err := tab.Page.Reload(ctx); err != nil {
				return nil, err
			}
			return Text("Reloaded").WithSnapshot().WithNetworkWait(), nil
		},
	})
}
