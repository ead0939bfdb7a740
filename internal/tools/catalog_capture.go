package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"drover/internal/apperr"
	"drover/internal/browser"
	"drover/internal/profiles"
)

func registerCapture(r *Registry) {
	r.Register(&Tool{
		Name:        "browser_take_screenshot",
		Description: "Capture the viewport, the full page, or one element",
		Capability:  CapCapture,
		SideEffect:  ReadOnly,
		InputSchema: objectSchema(map[string]any{
			"fullPage": boolProp("Capture the full scrollable page"),
			"element":  stringProp("Description of the element to capture"),
			"ref":      stringProp("Snapshot ref of the element to capture"),
			"format":   enumProp("Image format", "png", "jpeg"),
			"quality":  intProp("JPEG quality 1-100"),
			"filename": stringProp("Save to this file under the output directory instead of returning inline"),
		}),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			tab, err := call.Session.CurrentTab()
			if err != nil {
				return nil, err
			}
			opts := browser.ScreenshotOptions{
				FullPage: optBool(call.Args, "fullPage", false),
				Format:   optString(call.Args, "format", "png"),
				Quality:  optInt(call.Args, "quality", 0),
			}
			if ref := optString(call.Args, "ref", ""); ref != "" {
				entry, err := call.Session.Snapshots.Resolve(tab.ID, ref)
				if err != nil {
					return nil, err
				}
				opts.BackendID = entry.BackendID
			}
			data, err := tab.Page.Screenshot(ctx, opts)
			if err != nil {
				return nil, err
			}
			mime := "image/png"
			if opts.Format == "jpeg" {
				mime = "image/jpeg"
			}

			if filename := optString(call.Args, "filename", ""); filename != "" {
				path, err := writeOutputFile(call, call.Session.ID, filename, data)
				if err != nil {
					return nil, err
				}
				return Text("Screenshot saved to %s", path), nil
			}
			if !imageInlineAllowed(call) {
				return Text("Screenshot captured (%d bytes, inline image responses are disabled)", len(data)), nil
			}
			return &Result{Content: []Content{
				{Type: "image", Data: base64.StdEncoding.EncodeToString(data), MimeType: mime},
			}}, nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_snapshot",
		Description: "Capture an accessibility snapshot of the current tab and mint fresh element refs",
		Capability:  CapCapture,
		SideEffect:  ReadOnly,
		InputSchema: emptySchema(),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			tab, err := call.Session.EnsureTab(ctx)
			if err != nil {
				return nil, err
			}
			tree, err := tab.Page.AXTree(ctx)
			if err != nil {
				return nil, err
			}
			snap := call.Session.Snapshots.Capture(tab.ID, tree)
			url, _ := tab.Page.URL(ctx)
			title, _ := tab.Page.Title(ctx)
			return Text("Page URL: %s\nPage title: %s\n\n%s", url, title, snap.Text), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_pdf_save",
		Description: "Render the current page to PDF",
		Capability:  CapCapture,
		SideEffect:  ReadOnly,
		InputSchema: objectSchema(map[string]any{
			"filename":        stringProp("File name under the output directory; defaults to page-<timestamp>.pdf"),
			"landscape":       boolProp("Landscape orientation"),
			"printBackground": boolProp("Include background graphics"),
			"scale":           numberProp("Print scale, 0.1 to 2"),
		}),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			tab, err := call.Session.CurrentTab()
			if err != nil {
				return nil, err
			}
			data, err := tab.Page.PDF(ctx, browser.PDFOptions{
				Landscape:       optBool(call.Args, "landscape", false),
				PrintBackground: optBool(call.Args, "printBackground", false),
				Scale:           optFloat(call.Args, "scale", 0),
			})
			if err != nil {
				return nil, err
			}
			filename := optString(call.Args, "filename", "")
			if filename == "" {
				filename = fmt.Sprintf("page-%d.pdf", time.Now().Unix())
			}
			path, err := writeOutputFile(call, call.Session.ID, filename, data)
			if err != nil {
				return nil, err
			}
			return Text("PDF saved to %s (%d bytes)", path, len(data)), nil
		},
	})
}

// writeOutputFile stores an artifact under {outputDir}/{sessionId}/ with the
// same name sanitization the profile store uses.
func writeOutputFile(call *Call, sessionID, filename string, data []byte) (string, error) {
	base := call.Deps.Config.ReportsDir()
	ext := filepath.Ext(filename)
	stem := filename[:len(filename)-len(ext)]
	safe := profiles.Sanitize(stem) + ext
	dir := filepath.Join(base, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "create output dir")
	}
	path := filepath.Join(dir, safe)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "write output file")
	}
	return path, nil
}

// imageInlineAllowed applies the image_responses policy. In auto mode images
// are inlined only when the client advertised vision support.
func imageInlineAllowed(call *Call) bool {
	switch call.Deps.Config.ImageResponses {
	case "allow":
		return true
	case "omit":
		return false
	default:
		return call.Deps.Config.Browser.Vision
	}
}
