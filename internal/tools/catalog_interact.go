package tools

import (
	"context"

	"drover/internal/apperr"
	"drover/internal/browser"
)

func registerInteract(r *Registry) {
	r.Register(&Tool{
		Name:        "browser_click",
		Description: "Click an element from the current snapshot",
		Capability:  CapInteract,
		SideEffect:  Mutating,
		RequiresRef: true,
		InputSchema: objectSchema(elementProps(map[string]any{
			"button":      enumProp("Mouse button", "left", "right", "middle"),
			"doubleClick": boolProp("Double-click instead of single"),
			"modifiers":   arrayProp("Held modifier keys", enumProp("Modifier", "alt", "ctrl", "shift", "meta")),
		}), "element", "ref"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			opts := browser.ClickOptions{
				Button:    optString(call.Args, "button", ""),
				Modifiers: stringSlice(call.Args, "modifiers"),
			}
			if optBool(call.Args, "doubleClick", false) {
				opts.Count = 2
			}
			if err := call.Tab.Page.ClickNode(ctx, call.Ref.BackendID, opts); err != nil {
				return nil, err
			}
			element := optString(call.Args, "element", call.Ref.Name)
			return Text("Clicked %s", element).WithSnapshot().WithNetworkWait(), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_type",
		Description: "Type text into an element from the current snapshot",
		Capability:  CapInteract,
		SideEffect:  Mutating,
		RequiresRef: true,
		InputSchema: objectSchema(elementProps(map[string]any{
			"text":   stringProp("Text to type"),
			"slowly": boolProp("Emit one key event per character"),
			"submit": boolProp("Press Enter after typing"),
			"clear":  boolProp("Clear the existing value first"),
		}), "element", "ref", "text"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			text, err := stringArg(call.Args, "text")
			if err != nil {
				return nil, err
			}
			opts := browser.TypeOptions{
				Slowly: optBool(call.Args, "slowly", false),
				Submit: optBool(call.Args, "submit", false),
				Clear:  optBool(call.Args, "clear", false),
			}
			if err := call.Tab.Page.TypeNode(ctx, call.Ref.BackendID, text, opts); err != nil {
				return nil, err
			}
			element := optString(call.Args, "element", call.Ref.Name)
			return Text("Typed into %s", element).WithSnapshot(), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_hover",
		Description: "Hover the pointer over an element",
		Capability:  CapInteract,
		SideEffect:  Mutating,
		RequiresRef: true,
		InputSchema: objectSchema(elementProps(nil), "element", "ref"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			if err := call.Tab.Page.HoverNode(ctx, call.Ref.BackendID); err != nil {
				return nil, err
			}
			return Text("Hovered over %s", optString(call.Args, "element", call.Ref.Name)).WithSnapshot(), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_drag",
		Description: "Drag one element onto another",
		Capability:  CapInteract,
		SideEffect:  Mutating,
		InputSchema: objectSchema(map[string]any{
			"startElement": stringProp("Description of the dragged element"),
			"startRef":     stringProp("Snapshot ref of the dragged element"),
			"endElement":   stringProp("Description of the drop target"),
			"endRef":       stringProp("Snapshot ref of the drop target"),
		}, "startElement", "startRef", "endElement", "endRef"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			tab, err := call.Session.CurrentTab()
			if err != nil {
				return nil, err
			}
			startRef, err := stringArg(call.Args, "startRef")
			if err != nil {
				return nil, err
			}
			endRef, err := stringArg(call.Args, "endRef")
			if err != nil {
				return nil, err
			}
			source, err := call.Session.Snapshots.Resolve(tab.ID, startRef)
			if err != nil {
				return nil, err
			}
			target, err := call.Session.Snapshots.Resolve(tab.ID, endRef)
			if err != nil {
				return nil, err
			}
			if err := tab.Page.DragNodeTo(ctx, source.BackendID, target.BackendID); err != nil {
				return nil, err
			}
			return Text("Dragged %s to %s",
				optString(call.Args, "startElement", source.Name),
				optString(call.Args, "endElement", target.Name)).WithSnapshot(), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_press_key",
		Description: "Press a key, optionally with modifiers",
		Capability:  CapInteract,
		SideEffect:  Mutating,
		InputSchema: objectSchema(map[string]any{
			"key":       stringProp("Key name (Enter, Tab, ArrowDown, a, ...)"),
			"modifiers": arrayProp("Held modifier keys", enumProp("Modifier", "alt", "ctrl", "shift", "meta")),
		}, "key"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			key, err := stringArg(call.Args, "key")
			if err != nil {
				return nil, err
			}
			tab, err := call.Session.CurrentTab()
			if err != nil {
				return nil, err
			}
			if err := tab.Page.PressKey(ctx, key, stringSlice(call.Args, "modifiers")); err != nil {
				return nil, err
			}
			return Text("Pressed %s", key).WithSnapshot(), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_scroll",
		Description: "Scroll the page by pixel deltas",
		Capability:  CapInteract,
		SideEffect:  Mutating,
		InputSchema: objectSchema(map[string]any{
			"deltaX": numberProp("Horizontal scroll distance in pixels"),
			"deltaY": numberProp("Vertical scroll distance in pixels"),
		}),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			tab, err := call.Session.CurrentTab()
			if err != nil {
				return nil, err
			}
			dx := optFloat(call.Args, "deltaX", 0)
			dy := optFloat(call.Args, "deltaY", 600)
			if err := tab.Page.Scroll(ctx, dx, dy); err != nil {
				return nil, err
			}
			return Text("Scrolled by (%g, %g)", dx, dy).WithSnapshot(), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_scroll_to_element",
		Description: "Scroll an element into view",
		Capability:  CapInteract,
		SideEffect:  Mutating,
		RequiresRef: true,
		InputSchema: objectSchema(elementProps(nil), "element", "ref"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			if err := call.Tab.Page.ScrollToNode(ctx, call.Ref.BackendID); err != nil {
				return nil, err
			}
			return Text("Scrolled %s into view", optString(call.Args, "element", call.Ref.Name)).WithSnapshot(), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_select_option",
		Description: "Select options in a dropdown",
		Capability:  CapInteract,
		SideEffect:  Mutating,
		RequiresRef: true,
		InputSchema: objectSchema(elementProps(map[string]any{
			"values": arrayProp("Option values, labels, or texts to select", stringProp("Option")),
		}), "element", "ref", "values"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			values := stringSlice(call.Args, "values")
			if len(values) == 0 {
				return nil, apperr.New(apperr.KindBadInput, "values must not be empty")
			}
			if err := call.Tab.Page.SelectOptions(ctx, call.Ref.BackendID, values); err != nil {
				return nil, err
			}
			return Text("Selected %v in %s", values, optString(call.Args, "element", call.Ref.Name)).WithSnapshot(), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_file_upload",
		Description: "Attach local files to a file input",
		Capability:  CapInteract,
		SideEffect:  Mutating,
		RequiresRef: true,
		InputSchema: objectSchema(elementProps(map[string]any{
			"paths": arrayProp("Absolute paths of files to upload", stringProp("Path")),
		}), "element", "ref", "paths"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			paths := stringSlice(call.Args, "paths")
			if err := call.Tab.Page.UploadFiles(ctx, call.Ref.BackendID, paths); err != nil {
				return nil, err
			}
			return Text("Attached %d file(s)", len(paths)).WithSnapshot(), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_handle_dialog",
		Description: "Arm the response for the next JavaScript dialog",
		Capability:  CapInteract,
		SideEffect:  Mutating,
		InputSchema: objectSchema(map[string]any{
			"accept":     boolProp("Accept (true) or dismiss (false) the dialog"),
			"promptText": stringProp("Text to enter when the dialog is a prompt"),
		}, "accept"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			tab, err := call.Session.EnsureTab(ctx)
			if err != nil {
				return nil, err
			}
			accept := optBool(call.Args, "accept", false)
			tab.Page.HandleNextDialog(accept, optString(call.Args, "promptText", ""))
			verb := "dismissed"
			if accept {
				verb = "accepted"
			}
			return Text("Next dialog will be %s", verb), nil
		},
	})
}
