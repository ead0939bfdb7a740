package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"drover/internal/apperr"
	"drover/internal/browser"
)

func registerStorage(r *Registry) {
	r.Register(&Tool{
		Name:        "browser_save_storage_state",
		Description: "Capture cookies and localStorage for the current page's origin as JSON",
		Capability:  CapStorage,
		SideEffect:  ReadOnly,
		InputSchema: objectSchema(map[string]any{
			"filename": stringProp("Save to this file under the session output directory instead of returning inline"),
		}),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			tab, err := call.Session.EnsureTab(ctx)
			if err != nil {
				return nil, err
			}
			state, err := call.Session.Context.StorageState(ctx, tab.Page)
			if err != nil {
				return nil, err
			}
			data, err := json.MarshalIndent(state, "", "  ")
			if err != nil {
				return nil, apperr.Wrap(apperr.KindInternal, err, "encode storage state")
			}
			if filename := optString(call.Args, "filename", ""); filename != "" {
				path, err := writeOutputFile(call, call.Session.ID, filename, data)
				if err != nil {
					return nil, err
				}
				return Text("Storage state saved to %s", path), nil
			}
			return Text("%s", string(data)), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_get_cookies",
		Description: "List cookies visible to the session's browser context",
		Capability:  CapStorage,
		SideEffect:  ReadOnly,
		InputSchema: objectSchema(map[string]any{
			"domain": stringProp("Only cookies whose domain contains this substring"),
		}),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			cookies, err := call.Session.Context.Cookies(ctx)
			if err != nil {
				return nil, err
			}
			domain := optString(call.Args, "domain", "")
			var out []browser.Cookie
			for _, c := range cookies {
				if domain != "" && !strings.Contains(c.Domain, domain) {
					continue
				}
				out = append(out, c)
			}
			if len(out) == 0 {
				return Text("No cookies."), nil
			}
			sort.Slice(out, func(i, j int) bool {
				if out[i].Domain != out[j].Domain {
					return out[i].Domain < out[j].Domain
				}
				return out[i].Name < out[j].Name
			})
			var b strings.Builder
			for _, c := range out {
				flags := cookieFlags(c)
				fmt.Fprintf(&b, "%s=%s; domain=%s; path=%s%s\n", c.Name, c.Value, c.Domain, c.Path, flags)
			}
			return Text("%s", strings.TrimRight(b.String(), "\n")), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_set_cookie",
		Description: "Set one cookie in the session's browser context",
		Capability:  CapStorage,
		SideEffect:  Mutating,
		InputSchema: objectSchema(map[string]any{
			"name":     stringProp("Cookie name"),
			"value":    stringProp("Cookie value"),
			"domain":   stringProp("Cookie domain; required unless url is given"),
			"url":      stringProp("URL to scope the cookie to, instead of domain"),
			"path":     stringProp("Cookie path, defaults to /"),
			"secure":   boolProp("Secure flag"),
			"httpOnly": boolProp("HttpOnly flag"),
			"sameSite": enumProp("SameSite attribute", "Strict", "Lax", "None"),
			"expires":  numberProp("Expiry as Unix seconds; session cookie when omitted"),
		}, "name", "value"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			name, err := stringArg(call.Args, "name")
			if err != nil {
				return nil, err
			}
			value, err := stringArg(call.Args, "value")
			if err != nil {
				return nil, err
			}
			cookie := browser.Cookie{
				Name:     name,
				Value:    value,
				Domain:   optString(call.Args, "domain", ""),
				URL:      optString(call.Args, "url", ""),
				Path:     optString(call.Args, "path", "/"),
				Secure:   optBool(call.Args, "secure", false),
				HTTPOnly: optBool(call.Args, "httpOnly", false),
				SameSite: optString(call.Args, "sameSite", ""),
				Expires:  optFloat(call.Args, "expires", 0),
			}
			if cookie.Domain == "" && cookie.URL == "" {
				return nil, apperr.New(apperr.KindBadInput, "either domain or url is required")
			}
			if err := call.Session.Context.SetCookie(ctx, cookie); err != nil {
				return nil, err
			}
			return Text("Cookie %s set", name), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_clear_cookies",
		Description: "Delete all cookies in the session's browser context",
		Capability:  CapStorage,
		SideEffect:  Destructive,
		InputSchema: emptySchema(),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			if err := call.Session.Context.ClearCookies(ctx); err != nil {
				return nil, err
			}
			return Text("All cookies cleared"), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_get_local_storage",
		Description: "Read localStorage entries for the current page's origin",
		Capability:  CapStorage,
		SideEffect:  ReadOnly,
		InputSchema: objectSchema(map[string]any{
			"key": stringProp("Return only this key; all keys when omitted"),
		}),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			tab, err := call.Session.CurrentTab()
			if err != nil {
				return nil, err
			}
			items, err := tab.Page.LocalStorage(ctx)
			if err != nil {
				return nil, err
			}
			if key := optString(call.Args, "key", ""); key != "" {
				value, ok := items[key]
				if !ok {
					return Text("Key %q is not set", key), nil
				}
				return Text("%s = %s", key, value), nil
			}
			if len(items) == 0 {
				return Text("localStorage is empty."), nil
			}
			keys := make([]string, 0, len(items))
			for k := range items {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			var b strings.Builder
			for _, k := range keys {
				fmt.Fprintf(&b, "%s = %s\n", k, items[k])
			}
			return Text("%s", strings.TrimRight(b.String(), "\n")), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_set_local_storage",
		Description: "Set one localStorage entry on the current page's origin",
		Capability:  CapStorage,
		SideEffect:  Mutating,
		InputSchema: objectSchema(map[string]any{
			"key":   stringProp("Storage key"),
			"value": stringProp("Storage value"),
		}, "key", "value"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			key, err := stringArg(call.Args, "key")
			if err != nil {
				return nil, err
			}
			value, err := stringArg(call.Args, "value")
			if err != nil {
				return nil, err
			}
			tab, err := call.Session.EnsureTab(ctx)
			if err != nil {
				return nil, err
			}
			if err := tab.Page.SetLocalStorageItem(ctx, key, value); err != nil {
				return nil, err
			}
			return Text("localStorage[%q] set", key), nil
		},
	})
}

func cookieFlags(c browser.Cookie) string {
	var flags []string
	if c.Secure {
		flags = append(flags, "Secure")
	}
	if c.HTTPOnly {
		flags = append(flags, "HttpOnly")
	}
	if c.SameSite != "" {
		flags = append(flags, "SameSite="+c.SameSite)
	}
	if c.Expires > 0 {
		flags = append(flags, "expires="+time.Unix(int64(c.Expires), 0).UTC().Format(time.RFC3339))
	}
	if len(flags) == 0 {
		return ""
	}
	return "; " + strings.Join(flags, "; ")
}
