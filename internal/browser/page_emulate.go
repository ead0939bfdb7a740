package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"drover/internal/apperr"
)

// callOnPage evaluates an expression in the main world of the page. The
// executor context must already be attached.
func callOnPage(cctx context.Context, expr string) (json.RawMessage, error) {
	res, exc, err := cdpruntime.Evaluate(expr).WithReturnByValue(true).Do(cctx)
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, exc
	}
	if res == nil || len(res.Value) == 0 {
		return nil, nil
	}
	return json.RawMessage(res.Value), nil
}

// EmulateMedia applies CSS media type and feature overrides. Empty fields
// clear the corresponding override.
func (p *chromePage) EmulateMedia(ctx context.Context, opts MediaOptions) error {
	features := []*emulation.MediaFeature{}
	if opts.ColorScheme != "" {
		features = append(features, &emulation.MediaFeature{Name: "prefers-color-scheme", Value: opts.ColorScheme})
	}
	if opts.ReducedMotion != "" {
		features = append(features, &emulation.MediaFeature{Name: "prefers-reduced-motion", Value: opts.ReducedMotion})
	}
	return p.runOp(ctx, "emulate media", chromedp.ActionFunc(func(cctx context.Context) error {
		return emulation.SetEmulatedMedia().
			WithMedia(opts.Media).
			WithFeatures(features).
			Do(cctx)
	}))
}

// SetGeolocation overrides the reported position; nil clears the override.
func (p *chromePage) SetGeolocation(ctx context.Context, geo *Geolocation) error {
	return p.runOp(ctx, "emulate geolocation", chromedp.ActionFunc(func(cctx context.Context) error {
		if geo == nil {
			return emulation.ClearGeolocationOverride().Do(cctx)
		}
		accuracy := geo.Accuracy
		if accuracy <= 0 {
			accuracy = 1
		}
		return emulation.SetGeolocationOverride().
			WithLatitude(geo.Latitude).
			WithLongitude(geo.Longitude).
			WithAccuracy(accuracy).
			Do(cctx)
	}))
}

// SetTimezone overrides the page timezone; empty clears the override.
func (p *chromePage) SetTimezone(ctx context.Context, timezone string) error {
	return p.runOp(ctx, "emulate timezone", chromedp.ActionFunc(func(cctx context.Context) error {
		return emulation.SetTimezoneOverride(timezone).Do(cctx)
	}))
}

// EmulateDevice switches viewport, user agent, and touch to a known device.
func (p *chromePage) EmulateDevice(ctx context.Context, name string) error {
	dev, ok := lookupDevice(name)
	if !ok {
		return apperr.New(apperr.KindBadInput, "unknown device %q", name).
			WithDetail("known", KnownDevices())
	}
	return p.runOp(ctx, "emulate device", chromedp.Emulate(dev))
}

// clockState tracks the virtual-time override applied to the page.
type clockState struct {
	installed bool
	paused    bool
	virtual   time.Time
}

// InstallClock freezes the page's virtual time, at the given instant or now.
// Timers stop firing until the clock is advanced or resumed.
func (p *chromePage) InstallClock(ctx context.Context, at *time.Time) error {
	t := time.Now()
	if at != nil {
		t = *at
	}
	if err := p.setVirtualTime(ctx, emulation.VirtualTimePolicyPause, &t, 0); err != nil {
		return err
	}
	if err := p.installDateOverride(ctx, t); err != nil {
		return err
	}
	p.mu.Lock()
	p.clock = clockState{installed: true, paused: true, virtual: t}
	p.mu.Unlock()
	return nil
}

// AdvanceClock fast-forwards virtual time by the given duration, firing any
// timers that fall inside it, then pauses again.
func (p *chromePage) AdvanceClock(ctx context.Context, by time.Duration) error {
	p.mu.Lock()
	st := p.clock
	p.mu.Unlock()
	if !st.installed {
		return apperr.New(apperr.KindBadInput, "clock not installed")
	}
	if by <= 0 {
		return apperr.New(apperr.KindBadInput, "fast-forward duration must be positive")
	}
	budget := float64(by.Milliseconds())
	if err := p.setVirtualTime(ctx, emulation.VirtualTimePolicyPauseIfNetworkFetchesPending, nil, budget); err != nil {
		return err
	}
	next := st.virtual.Add(by)
	if err := p.installDateOverride(ctx, next); err != nil {
		return err
	}
	p.mu.Lock()
	p.clock.virtual = next
	p.clock.paused = true
	p.mu.Unlock()
	return nil
}

// PauseClock halts virtual time where it currently stands.
func (p *chromePage) PauseClock(ctx context.Context) error {
	p.mu.Lock()
	st := p.clock
	p.mu.Unlock()
	if !st.installed {
		return apperr.New(apperr.KindBadInput, "clock not installed")
	}
	if err := p.setVirtualTime(ctx, emulation.VirtualTimePolicyPause, nil, 0); err != nil {
		return err
	}
	p.mu.Lock()
	p.clock.paused = true
	p.mu.Unlock()
	return nil
}

// ResumeClock lets virtual time advance freely from its current value.
func (p *chromePage) ResumeClock(ctx context.Context) error {
	p.mu.Lock()
	st := p.clock
	p.mu.Unlock()
	if !st.installed {
		return apperr.New(apperr.KindBadInput, "clock not installed")
	}
	if err := p.setVirtualTime(ctx, emulation.VirtualTimePolicyAdvance, nil, 0); err != nil {
		return err
	}
	if err := p.removeDateOverride(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.clock.paused = false
	p.mu.Unlock()
	return nil
}

// SetFixedTime pins both virtual time and Date to one instant.
func (p *chromePage) SetFixedTime(ctx context.Context, at time.Time) error {
	return p.InstallClock(ctx, &at)
}

func (p *chromePage) setVirtualTime(ctx context.Context, policy emulation.VirtualTimePolicy, initial *time.Time, budgetMs float64) error {
	return p.runOp(ctx, "virtual time", chromedp.ActionFunc(func(cctx context.Context) error {
		params := emulation.SetVirtualTimePolicy(policy)
		if initial != nil {
			t := cdp.TimeSinceEpoch(*initial)
			params = params.WithInitialVirtualTime(&t)
		}
		if budgetMs > 0 {
			params = params.WithBudget(budgetMs)
		}
		_, err := params.Do(cctx)
		return err
	}))
}

// installDateOverride pins Date and Date.now in the current document and in
// every document loaded afterwards. Virtual time covers timers; this covers
// code that reads wall-clock time directly.
func (p *chromePage) installDateOverride(ctx context.Context, at time.Time) error {
	script := dateOverrideScript(at)
	return p.runOp(ctx, "install clock", chromedp.ActionFunc(func(cctx context.Context) error {
		p.mu.Lock()
		prev := p.clockScript
		p.mu.Unlock()
		if prev != "" {
			_ = cdppage.RemoveScriptToEvaluateOnNewDocument(prev).Do(cctx)
		}
		id, err := cdppage.AddScriptToEvaluateOnNewDocument(script).Do(cctx)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.clockScript = id
		p.mu.Unlock()
		_, err = callOnPage(cctx, script)
		return err
	}))
}

func (p *chromePage) removeDateOverride(ctx context.Context) error {
	p.mu.Lock()
	prev := p.clockScript
	p.clockScript = ""
	p.mu.Unlock()
	if prev == "" {
		return nil
	}
	return p.runOp(ctx, "remove clock", chromedp.ActionFunc(func(cctx context.Context) error {
		_ = cdppage.RemoveScriptToEvaluateOnNewDocument(prev).Do(cctx)
		_, err := callOnPage(cctx, `(() => {
			if (window.__droverRestoreDate) { window.__droverRestoreDate(); }
			return true;
		})()`)
		return err
	}))
}

func dateOverrideScript(at time.Time) string {
	return fmt.Sprintf(`(() => {
	const fixed = %d;
	if (!window.__droverRealDate) {
		window.__droverRealDate = Date;
	}
	const RealDate = window.__droverRealDate;
	const FakeDate = new Proxy(RealDate, {
		construct(target, args) {
			if (args.length === 0) return new target(fixed);
			return new target(...args);
		},
		apply() { return new RealDate(fixed).toString(); },
		get(target, prop) {
			if (prop === 'now') return () => fixed;
			return Reflect.get(target, prop);
		},
	});
	window.Date = FakeDate;
	window.__droverRestoreDate = () => {
		window.Date = RealDate;
		delete window.__droverRestoreDate;
	};
})();`, at.UnixMilli())
}
