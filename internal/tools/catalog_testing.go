package tools

import (
	"context"
	"time"

	"drover/internal/apperr"
	"drover/internal/browser"
)

func registerTesting(r *Registry) {
	r.Register(&Tool{
		Name:        "browser_emulate_media",
		Description: "Override CSS media type, color scheme, and reduced-motion preference",
		Capability:  CapTesting,
		SideEffect:  Mutating,
		InputSchema: objectSchema(map[string]any{
			"media":         enumProp("CSS media type to emulate", "screen", "print"),
			"colorScheme":   enumProp("prefers-color-scheme value", "light", "dark"),
			"reducedMotion": enumProp("prefers-reduced-motion value", "reduce", "no-preference"),
		}),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			tab, err := call.Session.EnsureTab(ctx)
			if err != nil {
				return nil, err
			}
			opts := browser.MediaOptions{
				Media:         optString(call.Args, "media", ""),
				ColorScheme:   optString(call.Args, "colorScheme", ""),
				ReducedMotion: optString(call.Args, "reducedMotion", ""),
			}
			if err := tab.Page.EmulateMedia(ctx, opts); err != nil {
				return nil, err
			}
			return Text("Media emulation applied"), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_emulate_geolocation",
		Description: "Override the reported geolocation, or clear the override",
		Capability:  CapTesting,
		SideEffect:  Mutating,
		InputSchema: objectSchema(map[string]any{
			"latitude":  numberProp("Latitude in degrees"),
			"longitude": numberProp("Longitude in degrees"),
			"accuracy":  numberProp("Accuracy in meters, defaults to 1"),
			"clear":     boolProp("Clear any existing override instead of setting one"),
		}),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			tab, err := call.Session.EnsureTab(ctx)
			if err != nil {
				return nil, err
			}
			if optBool(call.Args, "clear", false) {
				if err := tab.Page.SetGeolocation(ctx, nil); err != nil {
					return nil, err
				}
				return Text("Geolocation override cleared"), nil
			}
			lat, err := floatArg(call.Args, "latitude")
			if err != nil {
				return nil, err
			}
			lon, err := floatArg(call.Args, "longitude")
			if err != nil {
				return nil, err
			}
			geo := &browser.Geolocation{
				Latitude:  lat,
				Longitude: lon,
				Accuracy:  optFloat(call.Args, "accuracy", 1),
			}
			if err := tab.Page.SetGeolocation(ctx, geo); err != nil {
				return nil, err
			}
			return Text("Geolocation set to (%g, %g)", lat, lon), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_emulate_timezone",
		Description: "Override the page timezone (IANA name), or clear the override",
		Capability:  CapTesting,
		SideEffect:  Mutating,
		InputSchema: objectSchema(map[string]any{
			"timezone": stringProp("IANA timezone such as Europe/Berlin; empty clears the override"),
		}),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			tab, err := call.Session.EnsureTab(ctx)
			if err != nil {
				return nil, err
			}
			tz := optString(call.Args, "timezone", "")
			if err := tab.Page.SetTimezone(ctx, tz); err != nil {
				return nil, err
			}
			if tz == "" {
				return Text("Timezone override cleared"), nil
			}
			return Text("Timezone set to %s", tz), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_emulate_device",
		Description: "Emulate a known device's viewport, user agent, and touch input",
		Capability:  CapTesting,
		SideEffect:  Mutating,
		InputSchema: objectSchema(map[string]any{
			"device": stringProp("Device name, for example \"iPhone 15\""),
		}, "device"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			name, err := stringArg(call.Args, "device")
			if err != nil {
				return nil, err
			}
			tab, err := call.Session.EnsureTab(ctx)
			if err != nil {
				return nil, err
			}
			if err := tab.Page.EmulateDevice(ctx, name); err != nil {
				return nil, err
			}
			return Text("Emulating %s", name).WithSnapshot(), nil
		},
	})

	registerClock(r)
}

func registerClock(r *Registry) {
	r.Register(&Tool{
		Name:        "browser_clock_install",
		Description: "Install a controllable clock on the page, paused at the given time or now",
		Capability:  CapTesting,
		SideEffect:  Mutating,
		InputSchema: objectSchema(map[string]any{
			"time": stringProp("RFC 3339 instant to start the clock at; now when omitted"),
		}),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			tab, err := call.Session.EnsureTab(ctx)
			if err != nil {
				return nil, err
			}
			var at *time.Time
			if raw := optString(call.Args, "time", ""); raw != "" {
				parsed, err := time.Parse(time.RFC3339, raw)
				if err != nil {
					return nil, apperr.Wrap(apperr.KindBadInput, err, "time must be RFC 3339")
				}
				at = &parsed
			}
			if err := tab.Page.InstallClock(ctx, at); err != nil {
				return nil, err
			}
			return Text("Clock installed and paused"), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_clock_fast_forward",
		Description: "Fast-forward the installed clock by a duration, firing due timers",
		Capability:  CapTesting,
		SideEffect:  Mutating,
		InputSchema: objectSchema(map[string]any{
			"milliseconds": intProp("Milliseconds to advance by"),
		}, "milliseconds"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			ms, err := intArg(call.Args, "milliseconds")
			if err != nil {
				return nil, err
			}
			if ms < 0 {
				return nil, apperr.New(apperr.KindBadInput, "milliseconds must be non-negative")
			}
			tab, err := call.Session.CurrentTab()
			if err != nil {
				return nil, err
			}
			if err := tab.Page.AdvanceClock(ctx, time.Duration(ms)*time.Millisecond); err != nil {
				return nil, err
			}
			return Text("Clock advanced by %dms", ms).WithSnapshot(), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_clock_pause",
		Description: "Pause the installed clock at its current time",
		Capability:  CapTesting,
		SideEffect:  Mutating,
		InputSchema: emptySchema(),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			tab, err := call.Session.CurrentTab()
			if err != nil {
				return nil, err
			}
			if err := tab.Page.PauseClock(ctx); err != nil {
				return nil, err
			}
			return Text("Clock paused"), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_clock_resume",
		Description: "Let the installed clock run in real time from its current value",
		Capability:  CapTesting,
		SideEffect:  Mutating,
		InputSchema: emptySchema(),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			tab, err := call.Session.CurrentTab()
			if err != nil {
				return nil, err
			}
			if err := tab.Page.ResumeClock(ctx); err != nil {
				return nil, err
			}
			return Text("Clock resumed"), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_clock_set_fixed_time",
		Description: "Pin the page clock and Date to one fixed instant",
		Capability:  CapTesting,
		SideEffect:  Mutating,
		InputSchema: objectSchema(map[string]any{
			"time": stringProp("RFC 3339 instant to pin the clock to"),
		}, "time"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			raw, err := stringArg(call.Args, "time")
			if err != nil {
				return nil, err
			}
			at, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return nil, apperr.Wrap(apperr.KindBadInput, err, "time must be RFC 3339")
			}
			tab, err := call.Session.EnsureTab(ctx)
			if err != nil {
				return nil, err
			}
			if err := tab.Page.SetFixedTime(ctx, at); err != nil {
				return nil, err
			}
			return Text("Clock fixed at %s", at.Format(time.RFC3339)), nil
		},
	})
}
