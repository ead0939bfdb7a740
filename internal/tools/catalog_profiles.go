package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"drover/internal/browser"
	"drover/internal/profiles"
)

func registerProfiles(r *Registry) {
	r.Register(&Tool{
		Name:        "browser_save_profile",
		Description: "Save the current session (cookies, localStorage, URL) under a name for later restore",
		Capability:  CapProfiles,
		SideEffect:  Mutating,
		InputSchema: objectSchema(map[string]any{
			"name":        stringProp("Profile name; reuse bumps the stored version"),
			"description": stringProp("Free-form note stored with the profile"),
		}, "name"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			name, err := stringArg(call.Args, "name")
			if err != nil {
				return nil, err
			}
			tab, err := call.Session.EnsureTab(ctx)
			if err != nil {
				return nil, err
			}
			state, err := call.Session.Context.StorageState(ctx, tab.Page)
			if err != nil {
				return nil, err
			}
			url, _ := tab.Page.URL(ctx)
			title, _ := tab.Page.Title(ctx)
			saved, err := call.Deps.Profiles.Save(ctx, profiles.SavedSession{
				Name:        name,
				Description: optString(call.Args, "description", ""),
				URL:         url,
				Title:       title,
				EdgeProfile: call.Deps.Config.Browser.EdgeProfile,
				Workspace:   call.Deps.Config.Browser.Workspace,
			}, state)
			if err != nil {
				return nil, err
			}
			return Text("Profile %q saved (version %d, %d cookies)",
				saved.Name, saved.Version, len(state.Cookies)), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_switch_profile",
		Description: "Replace the session's browser context with a saved profile and navigate to its URL",
		Capability:  CapProfiles,
		SideEffect:  Destructive,
		InputSchema: objectSchema(map[string]any{
			"name": stringProp("Profile name from browser_list_profiles"),
		}, "name"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			name, err := stringArg(call.Args, "name")
			if err != nil {
				return nil, err
			}
			saved, state, err := call.Deps.Profiles.Get(ctx, name)
			if err != nil {
				return nil, err
			}
			newCtx, err := call.Deps.Driver.NewContext(ctx, browser.ContextOptions{StorageState: state})
			if err != nil {
				return nil, err
			}
			if err := call.Session.ReplaceContext(newCtx); err != nil {
				call.Deps.Log.Warn("closing previous context after profile switch: %v", err)
			}
			tab, err := call.Session.NewTab(ctx)
			if err != nil {
				return nil, err
			}
			if saved.URL != "" {
				if err := tab.Page.Navigate(ctx, saved.URL); err != nil {
					return nil, err
				}
			}
			if state == nil {
				return Text("Profile %q restored without storage state (metadata only); navigated to %s",
					name, saved.URL).WithSnapshot().WithNetworkWait(), nil
			}
			return Text("Profile %q restored; navigated to %s", name, saved.URL).
				WithSnapshot().WithNetworkWait(), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_list_profiles",
		Description: "List saved profiles with their URL, version, and save time",
		Capability:  CapProfiles,
		SideEffect:  ReadOnly,
		InputSchema: emptySchema(),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			list, err := call.Deps.Profiles.List(ctx)
			if err != nil {
				return nil, err
			}
			if len(list) == 0 {
				return Text("No saved profiles."), nil
			}
			var b strings.Builder
			for _, p := range list {
				fmt.Fprintf(&b, "%s (v%d) %s, saved %s", p.Name, p.Version, p.URL,
					p.LastModified.Format(time.RFC3339))
				if p.Description != "" {
					fmt.Fprintf(&b, " - %s", p.Description)
				}
				b.WriteByte('\n')
			}
			return Text("%s", strings.TrimRight(b.String(), "\n")), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_delete_profile",
		Description: "Delete a saved profile and its storage state",
		Capability:  CapProfiles,
		SideEffect:  Destructive,
		InputSchema: objectSchema(map[string]any{
			"name": stringProp("Profile name to delete"),
		}, "name"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			name, err := stringArg(call.Args, "name")
			if err != nil {
				return nil, err
			}
			if err := call.Deps.Profiles.Delete(ctx, name); err != nil {
				return nil, err
			}
			return Text("Profile %q deleted", name), nil
		},
	})
}
