package tools

import (
	"context"
	"strings"
	"testing"

	"drover/internal/apperr"
	"drover/internal/browser"
	"drover/internal/config"
	"drover/internal/logging"
	"drover/internal/session"
)

func docsDriver() *browser.MockDriver {
	d := browser.NewMockDriver()
	d.AddDoc("https://example.test/", &browser.MockDoc{
		Title: "Home",
		HTML:  `<html><head><title>Home</title></head><body><a href="/docs">Docs</a></body></html>`,
		AX: &browser.AXNode{Role: "RootWebArea", Name: "Home", BackendID: 1, Children: []*browser.AXNode{
			{Role: "link", Name: "Docs", BackendID: 10},
			{Role: "textbox", Name: "Search", BackendID: 11},
		}},
		Clicks: map[int64]string{10: "https://example.test/docs"},
	})
	d.AddDoc("https://example.test/docs", &browser.MockDoc{
		Title: "Docs",
		HTML:  `<html><head><title>Docs</title></head><body>Welcome to the docs</body></html>`,
		AX: &browser.AXNode{Role: "RootWebArea", Name: "Docs", BackendID: 1, Children: []*browser.AXNode{
			{Role: "heading", Name: "Welcome", BackendID: 20},
		}},
	})
	return d
}

func testDispatcher(t *testing.T) (*Dispatcher, *session.Session) {
	t.Helper()
	d := docsDriver()
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	sessions := session.NewManager(d, config.SessionConfig{MaxConcurrent: 4, TimeoutMs: 1800000, BufferSize: 16}, logging.Nop(), nil)
	t.Cleanup(sessions.CloseAll)
	sess, err := sessions.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	deps := &Deps{
		Config:   &config.Config{OutputDir: t.TempDir()},
		Driver:   d,
		Sessions: sessions,
		Log:      logging.Nop(),
	}
	return NewDispatcher(Catalog(), deps), sess
}

func resultText(r *Result) string {
	var b strings.Builder
	for _, c := range r.Content {
		b.WriteString(c.Text)
	}
	return b.String()
}

func TestCatalogHasEveryAdvertisedTool(t *testing.T) {
	names := []string{
		"browser_navigate", "browser_navigate_back", "browser_navigate_forward", "browser_reload",
		"browser_click", "browser_type", "browser_hover", "browser_drag", "browser_press_key",
		"browser_scroll", "browser_scroll_to_element", "browser_select_option",
		"browser_file_upload", "browser_handle_dialog",
		"browser_snapshot", "browser_take_screenshot", "browser_pdf_save",
		"browser_tab_list", "browser_tab_new", "browser_tab_select", "browser_tab_close",
		"browser_wait", "browser_wait_for_text",
		"browser_emulate_media", "browser_emulate_geolocation", "browser_emulate_timezone",
		"browser_clock_install", "browser_clock_fast_forward", "browser_clock_pause",
		"browser_clock_resume", "browser_clock_set_fixed_time",
		"browser_console_messages", "browser_console_filtered", "browser_network_requests",
		"browser_performance_metrics", "browser_downloads_list", "browser_version", "browser_install",
		"browser_save_storage_state", "browser_get_cookies", "browser_set_cookie",
		"browser_clear_cookies", "browser_get_local_storage", "browser_set_local_storage",
		"browser_save_profile", "browser_switch_profile", "browser_list_profiles", "browser_delete_profile",
		"browser_start_autonomous_crawl", "browser_crawl_status", "browser_cancel_crawl",
		"browser_configure_memory", "browser_crawl_report",
		"browser_execute_intent", "browser_execute_workflow", "browser_analyze_context",
	}
	r := Catalog()
	for _, name := range names {
		if _, err := r.Get(name); err != nil {
			t.Errorf("catalog is missing %s: %v", name, err)
		}
	}
	if r.Len() < len(names) {
		t.Fatalf("catalog has %d tools, want at least %d", r.Len(), len(names))
	}
}

func TestCatalogForFiltersByCapability(t *testing.T) {
	r := CatalogFor([]string{"navigate", "tabs"})
	if _, err := r.Get("browser_navigate"); err != nil {
		t.Fatalf("navigate should survive the filter: %v", err)
	}
	if _, err := r.Get("browser_tab_new"); err != nil {
		t.Fatalf("tabs should survive the filter: %v", err)
	}
	if _, err := r.Get("browser_click"); !apperr.Is(err, apperr.KindUnknownTool) {
		t.Fatalf("interact should be filtered out, got %v", err)
	}
	if _, err := r.Get("browser_start_autonomous_crawl"); !apperr.Is(err, apperr.KindUnknownTool) {
		t.Fatalf("autonomous should be filtered out, got %v", err)
	}
	for _, tool := range r.List() {
		if tool.Capability != CapNavigate && tool.Capability != CapTabs {
			t.Fatalf("tool %s leaked capability %s through the filter", tool.Name, tool.Capability)
		}
	}
	if full := CatalogFor(nil); full.Len() != Catalog().Len() {
		t.Fatal("empty caps list should enable the full catalog")
	}
}

func TestUnknownTool(t *testing.T) {
	d, sess := testDispatcher(t)
	_, err := d.Execute(context.Background(), sess, "browser_teleport", nil)
	if !apperr.Is(err, apperr.KindUnknownTool) {
		t.Fatalf("got %v, want unknown_tool", err)
	}
}

func TestSchemaValidation(t *testing.T) {
	d, sess := testDispatcher(t)

	_, err := d.Execute(context.Background(), sess, "browser_navigate", map[string]any{})
	if !apperr.Is(err, apperr.KindBadInput) {
		t.Fatalf("missing url: got %v, want bad_input", err)
	}

	_, err = d.Execute(context.Background(), sess, "browser_wait", map[string]any{"time": "soon"})
	if !apperr.Is(err, apperr.KindBadInput) {
		t.Fatalf("non-numeric time: got %v, want bad_input", err)
	}
}

func TestNavigateCapturesSnapshot(t *testing.T) {
	d, sess := testDispatcher(t)

	res, err := d.Execute(context.Background(), sess, "browser_navigate", map[string]any{"url": "https://example.test/"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(res), "https://example.test/") {
		t.Fatalf("result %q does not mention the URL", resultText(res))
	}

	tab, err := sess.CurrentTab()
	if err != nil {
		t.Fatal(err)
	}
	snap, ok := sess.Snapshots.Current(tab.ID)
	if !ok {
		t.Fatal("no snapshot captured after navigate")
	}
	if !strings.Contains(snap.Text, `link "Docs"`) {
		t.Fatalf("snapshot missing link:\n%s", snap.Text)
	}
}

// findRef locates the ref assigned to a named element in the current snapshot.
func findRef(t *testing.T, sess *session.Session, name string) string {
	t.Helper()
	tab, err := sess.CurrentTab()
	if err != nil {
		t.Fatal(err)
	}
	snap, ok := sess.Snapshots.Current(tab.ID)
	if !ok {
		t.Fatal("no current snapshot")
	}
	for _, e := range snap.Entries() {
		if e.Name == name {
			return e.Ref
		}
	}
	t.Fatalf("no entry named %q in snapshot:\n%s", name, snap.Text)
	return ""
}

func TestClickByRefNavigates(t *testing.T) {
	d, sess := testDispatcher(t)
	ctx := context.Background()

	if _, err := d.Execute(ctx, sess, "browser_navigate", map[string]any{"url": "https://example.test/"}); err != nil {
		t.Fatal(err)
	}
	ref := findRef(t, sess, "Docs")

	res, err := d.Execute(ctx, sess, "browser_click", map[string]any{"element": "Docs link", "ref": ref})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(res), "Docs link") {
		t.Fatalf("unexpected result %q", resultText(res))
	}

	tab, _ := sess.CurrentTab()
	url, _ := tab.Page.URL(ctx)
	if url != "https://example.test/docs" {
		t.Fatalf("click landed on %s", url)
	}
	// The post-click capture supersedes the old snapshot.
	snap, _ := sess.Snapshots.Current(tab.ID)
	if !strings.Contains(snap.Text, "Welcome") {
		t.Fatalf("snapshot not refreshed:\n%s", snap.Text)
	}
}

func TestStaleRefRejected(t *testing.T) {
	d, sess := testDispatcher(t)
	ctx := context.Background()

	if _, err := d.Execute(ctx, sess, "browser_navigate", map[string]any{"url": "https://example.test/"}); err != nil {
		t.Fatal(err)
	}
	oldRef := findRef(t, sess, "Docs")

	// A new capture invalidates every previously issued ref.
	if _, err := d.Execute(ctx, sess, "browser_snapshot", map[string]any{}); err != nil {
		t.Fatal(err)
	}
	_, err := d.Execute(ctx, sess, "browser_click", map[string]any{"element": "Docs link", "ref": oldRef})
	if !apperr.Is(err, apperr.KindRefStale) {
		t.Fatalf("got %v, want ref_stale", err)
	}

	_, err = d.Execute(ctx, sess, "browser_click", map[string]any{"element": "ghost", "ref": "ref-9999"})
	if !apperr.Is(err, apperr.KindRefStale) {
		t.Fatalf("got %v, want ref_stale", err)
	}
}

func TestTypeByRef(t *testing.T) {
	d, sess := testDispatcher(t)
	ctx := context.Background()

	if _, err := d.Execute(ctx, sess, "browser_navigate", map[string]any{"url": "https://example.test/"}); err != nil {
		t.Fatal(err)
	}
	ref := findRef(t, sess, "Search")

	if _, err := d.Execute(ctx, sess, "browser_type", map[string]any{"element": "search box", "ref": ref, "text": "golang"}); err != nil {
		t.Fatal(err)
	}
	tab, _ := sess.CurrentTab()
	if typed := tab.Page.(*browser.MockPage).Typed(11); typed != "golang" {
		t.Fatalf("typed %q", typed)
	}
}

func TestTabLifecycleTools(t *testing.T) {
	d, sess := testDispatcher(t)
	ctx := context.Background()

	if _, err := d.Execute(ctx, sess, "browser_navigate", map[string]any{"url": "https://example.test/"}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Execute(ctx, sess, "browser_tab_new", map[string]any{"url": "https://example.test/docs"}); err != nil {
		t.Fatal(err)
	}
	res, err := d.Execute(ctx, sess, "browser_tab_list", map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(res), "Docs") || !strings.Contains(resultText(res), "Home") {
		t.Fatalf("tab list %q", resultText(res))
	}
	if _, err := d.Execute(ctx, sess, "browser_tab_select", map[string]any{"index": float64(0)}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Execute(ctx, sess, "browser_tab_close", map[string]any{}); err != nil {
		t.Fatal(err)
	}
	if tabs, _ := sess.Tabs(); len(tabs) != 1 {
		t.Fatalf("%d tabs remain", len(tabs))
	}
}

func TestExecuteIntentRepairsSloppyJSON(t *testing.T) {
	d, sess := testDispatcher(t)
	ctx := context.Background()

	// Trailing comma and single quotes, as sloppy model output tends to be.
	res, err := d.Execute(ctx, sess, "browser_execute_intent", map[string]any{
		"intent": `{'action': 'navigate', 'url': 'https://example.test/docs',}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(res), "https://example.test/docs") {
		t.Fatalf("result %q", resultText(res))
	}

	_, err = d.Execute(ctx, sess, "browser_execute_intent", map[string]any{"intent": `{"url": "x"}`})
	if !apperr.Is(err, apperr.KindBadInput) {
		t.Fatalf("intent without action: got %v, want bad_input", err)
	}
}

func TestWorkflowStopsAtFirstFailure(t *testing.T) {
	d, sess := testDispatcher(t)
	ctx := context.Background()

	_, err := d.Execute(ctx, sess, "browser_execute_workflow", map[string]any{
		"steps": []any{
			map[string]any{"action": "navigate", "url": "https://example.test/"},
			map[string]any{"action": "click", "ref": "ref-9999"},
			map[string]any{"action": "navigate", "url": "https://example.test/docs"},
		},
	})
	if !apperr.Is(err, apperr.KindRefStale) {
		t.Fatalf("got %v, want ref_stale from step 2", err)
	}
	if !strings.Contains(err.Error(), "step 2") {
		t.Fatalf("error %q does not name the failing step", err)
	}

	// The third step never ran.
	tab, _ := sess.CurrentTab()
	url, _ := tab.Page.URL(ctx)
	if url != "https://example.test/" {
		t.Fatalf("workflow continued past the failure, landed on %s", url)
	}
}

func TestAnalyzeContextReportsChanges(t *testing.T) {
	d, sess := testDispatcher(t)
	ctx := context.Background()

	if _, err := d.Execute(ctx, sess, "browser_navigate", map[string]any{"url": "https://example.test/"}); err != nil {
		t.Fatal(err)
	}
	tab, _ := sess.CurrentTab()
	if err := tab.Page.Navigate(ctx, "https://example.test/docs"); err != nil {
		t.Fatal(err)
	}

	res, err := d.Execute(ctx, sess, "browser_analyze_context", map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(res)
	if !strings.Contains(text, "added") || !strings.Contains(text, "removed") {
		t.Fatalf("diff summary %q", text)
	}
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{
		Name:        "browser_boom",
		Description: "panics",
		Capability:  CapDiagnostics,
		SideEffect:  Mutating,
		InputSchema: emptySchema(),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			panic("boom")
		},
	})
	r.Freeze()

	drv := docsDriver()
	if err := drv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	sessions := session.NewManager(drv, config.SessionConfig{MaxConcurrent: 1, TimeoutMs: 1800000, BufferSize: 16}, logging.Nop(), nil)
	t.Cleanup(sessions.CloseAll)
	sess, err := sessions.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(r, &Deps{Config: &config.Config{}, Driver: drv, Sessions: sessions, Log: logging.Nop()})

	_, err = d.Execute(context.Background(), sess, "browser_boom", map[string]any{})
	if !apperr.Is(err, apperr.KindInternal) {
		t.Fatalf("got %v, want internal", err)
	}
}
