package tools

import (
	"context"
	"time"

	"drover/internal/apperr"
)

const maxWaitSeconds = 60

func registerWait(r *Registry) {
	r.Register(&Tool{
		Name:        "browser_wait",
		Description: "Pause for a fixed number of seconds",
		Capability:  CapWait,
		SideEffect:  ReadOnly,
		InputSchema: objectSchema(map[string]any{
			"time": numberProp("Seconds to wait, capped at 60"),
		}, "time"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			seconds, err := floatArg(call.Args, "time")
			if err != nil {
				return nil, err
			}
			if seconds < 0 {
				return nil, apperr.New(apperr.KindBadInput, "time must be non-negative")
			}
			if seconds > maxWaitSeconds {
				seconds = maxWaitSeconds
			}
			select {
			case <-time.After(time.Duration(seconds * float64(time.Second))):
			case <-ctx.Done():
				return nil, apperr.Wrap(apperr.KindTimeout, ctx.Err(), "wait interrupted")
			}
			return Text("Waited %g seconds", seconds), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_wait_for_text",
		Description: "Wait until the given text appears on the current page",
		Capability:  CapWait,
		SideEffect:  ReadOnly,
		InputSchema: objectSchema(map[string]any{
			"text":    stringProp("Text to wait for"),
			"timeout": numberProp("Timeout in seconds, defaults to 10 and caps at 60"),
		}, "text"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			text, err := stringArg(call.Args, "text")
			if err != nil {
				return nil, err
			}
			timeout := optFloat(call.Args, "timeout", 10)
			if timeout <= 0 || timeout > maxWaitSeconds {
				timeout = maxWaitSeconds
			}
			tab, err := call.Session.CurrentTab()
			if err != nil {
				return nil, err
			}
			if err := tab.Page.WaitForText(ctx, text, time.Duration(timeout*float64(time.Second))); err != nil {
				return nil, err
			}
			return Text("Text %q appeared", text).WithSnapshot(), nil
		},
	})
}
