package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drover/internal/apperr"
	"drover/internal/authn"
	"drover/internal/browser"
	"drover/internal/config"
	"drover/internal/observability"
	"drover/internal/peersync"
	"drover/internal/profiles"
	"drover/internal/session"
	"drover/internal/tools"
)

type harness struct {
	srv    *Server
	router *gin.Engine
	driver *browser.MockDriver
	store  *profiles.FileStore
}

func siteDriver() *browser.MockDriver {
	d := browser.NewMockDriver()
	d.AddDoc("https://shop.test/", &browser.MockDoc{
		Title: "Shop",
		HTML:  `<html><head><title>Shop</title></head><body><a href="/cart">Cart</a></body></html>`,
		AX: &browser.AXNode{Role: "RootWebArea", Name: "Shop", BackendID: 1, Children: []*browser.AXNode{
			{Role: "link", Name: "Cart", BackendID: 10},
		}},
		Clicks: map[int64]string{10: "https://shop.test/cart"},
	})
	d.AddDoc("https://shop.test/cart", &browser.MockDoc{
		Title: "Cart",
		HTML:  `<html><head><title>Cart</title></head><body>Your cart is empty</body></html>`,
		AX: &browser.AXNode{Role: "RootWebArea", Name: "Cart", BackendID: 1, Children: []*browser.AXNode{
			{Role: "heading", Name: "Your cart", BackendID: 20},
		}},
	})
	return d
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	driver := siteDriver()
	require.NoError(t, driver.Start(context.Background()))

	log := observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	sessions := session.NewManager(driver, config.SessionConfig{MaxConcurrent: 8, TimeoutMs: 1800000, BufferSize: 16}, log, nil)
	t.Cleanup(sessions.CloseAll)

	cfg := &config.Config{Host: "127.0.0.1", Port: 0, OutputDir: t.TempDir()}
	dispatcher := tools.NewDispatcher(tools.Catalog(), &tools.Deps{
		Config:   cfg,
		Driver:   driver,
		Sessions: sessions,
		Log:      log,
	})

	auth, err := authn.New(config.AuthConfig{AllowAnonymous: true}, log)
	require.NoError(t, err)

	store, err := profiles.NewFileStore(t.TempDir(), "node-a", log)
	require.NoError(t, err)
	peers, err := peersync.NewRegistry(t.TempDir(), log)
	require.NoError(t, err)
	svc := peersync.NewService("node-a", store, peers, log)

	opts := Options{
		Config:     cfg,
		Log:        log,
		Auth:       auth,
		Driver:     driver,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Sync:       svc,
		SyncClient: peersync.NewClient(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	srv := New(opts)
	return &harness{srv: srv, router: srv.Router(), driver: driver, store: store}
}

func (h *harness) rpc(t *testing.T, sessionID, method string, params any) (*httptest.ResponseRecorder, rpcResponse) {
	t.Helper()
	body := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

func resultMap(t *testing.T, resp rpcResponse) map[string]any {
	t.Helper()
	m, ok := resp.Result.(map[string]any)
	require.True(t, ok, "result is not an object: %#v", resp.Result)
	return m
}

func firstText(t *testing.T, resp rpcResponse) string {
	t.Helper()
	content, ok := resultMap(t, resp)["content"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, content)
	block := content[0].(map[string]any)
	text, _ := block["text"].(string)
	return text
}

func TestInitializeAllocatesSession(t *testing.T) {
	h := newHarness(t, nil)

	w, resp := h.rpc(t, "", "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": "test-client", "version": "1.0"},
	})
	require.Nil(t, resp.Error)

	sid := w.Header().Get(sessionHeader)
	require.NotEmpty(t, sid)

	result := resultMap(t, resp)
	assert.Equal(t, protocolVersion, result["protocolVersion"])
	info := result["serverInfo"].(map[string]any)
	assert.Equal(t, "drover", info["name"])

	// A follow-up with the header sticks to the same session.
	w2, resp2 := h.rpc(t, sid, "ping", nil)
	require.Nil(t, resp2.Error)
	assert.Equal(t, sid, w2.Header().Get(sessionHeader))
}

func TestUnknownSessionSilentlyCreates(t *testing.T) {
	h := newHarness(t, nil)

	w, resp := h.rpc(t, "no-such-session", "tools/list", nil)
	require.Nil(t, resp.Error)
	sid := w.Header().Get(sessionHeader)
	assert.NotEmpty(t, sid)
	assert.NotEqual(t, "no-such-session", sid)
}

func TestToolsListCarriesBufferCounts(t *testing.T) {
	h := newHarness(t, nil)

	w, _ := h.rpc(t, "", "initialize", nil)
	sid := w.Header().Get(sessionHeader)

	_, resp := h.rpc(t, sid, "tools/list", nil)
	require.Nil(t, resp.Error)

	result := resultMap(t, resp)
	toolList := result["tools"].([]any)
	assert.NotEmpty(t, toolList)
	names := map[string]bool{}
	for _, item := range toolList {
		names[item.(map[string]any)["name"].(string)] = true
	}
	assert.True(t, names["browser_navigate"])
	assert.True(t, names["browser_start_autonomous_crawl"])

	meta := result["_meta"].(map[string]any)
	assert.Contains(t, meta, "consoleMessages")
	assert.Contains(t, meta, "networkRequests")
}

func TestNavigateThenStaleRef(t *testing.T) {
	h := newHarness(t, nil)

	w, _ := h.rpc(t, "", "initialize", nil)
	sid := w.Header().Get(sessionHeader)

	_, resp := h.rpc(t, sid, "tools/call", map[string]any{
		"name":      "browser_navigate",
		"arguments": map[string]any{"url": "https://shop.test/"},
	})
	require.Nil(t, resp.Error)
	assert.Contains(t, firstText(t, resp), `link "Cart"`)

	_, resp = h.rpc(t, sid, "tools/call", map[string]any{
		"name":      "browser_click",
		"arguments": map[string]any{"element": "ghost", "ref": "ref-9999"},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32004, resp.Error.Code)
	data := resp.Error.Data.(map[string]any)
	assert.Equal(t, "ref_stale", data["kind"])
}

func TestToolCallClickNavigates(t *testing.T) {
	h := newHarness(t, nil)

	w, _ := h.rpc(t, "", "initialize", nil)
	sid := w.Header().Get(sessionHeader)

	_, resp := h.rpc(t, sid, "tools/call", map[string]any{
		"name":      "browser_navigate",
		"arguments": map[string]any{"url": "https://shop.test/"},
	})
	require.Nil(t, resp.Error)

	// Pull the minted ref for the Cart link out of the snapshot text.
	text := firstText(t, resp)
	ref := extractRef(t, text, `link "Cart"`)

	_, resp = h.rpc(t, sid, "tools/call", map[string]any{
		"name":      "browser_click",
		"arguments": map[string]any{"element": "Cart link", "ref": ref},
	})
	require.Nil(t, resp.Error)
	assert.Contains(t, firstText(t, resp), "Your cart")
}

func extractRef(t *testing.T, text, anchor string) string {
	t.Helper()
	idx := strings.Index(text, anchor)
	require.GreaterOrEqual(t, idx, 0, "anchor %q not in snapshot:\n%s", anchor, text)
	tail := text[idx:]
	start := strings.Index(tail, "[ref=")
	require.GreaterOrEqual(t, start, 0, "no ref near %q:\n%s", anchor, text)
	end := strings.IndexByte(tail[start:], ']')
	require.Greater(t, end, 0)
	return tail[start+len("[ref=") : start+end]
}

func TestUnknownToolError(t *testing.T) {
	h := newHarness(t, nil)
	_, resp := h.rpc(t, "", "tools/call", map[string]any{"name": "browser_teleport"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}

func TestMethodNotFound(t *testing.T) {
	h := newHarness(t, nil)
	_, resp := h.rpc(t, "", "frobnicate", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}

func TestParseError(t *testing.T) {
	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32700, resp.Error.Code)
}

func TestSessionClose(t *testing.T) {
	h := newHarness(t, nil)

	w, _ := h.rpc(t, "", "initialize", nil)
	sid := w.Header().Get(sessionHeader)

	_, resp := h.rpc(t, sid, "session/close", nil)
	require.Nil(t, resp.Error)

	// The old id is gone, so the next request gets a fresh session.
	w2, resp2 := h.rpc(t, sid, "ping", nil)
	require.Nil(t, resp2.Error)
	assert.NotEqual(t, sid, w2.Header().Get(sessionHeader))
}

func TestAuthRequiredWhenConfigured(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		log := o.Log
		auth, err := authn.New(config.AuthConfig{APIKeyEnabled: true, APIKeys: []string{"sekrit"}}, log)
		require.NoError(t, err)
		o.Auth = auth
	})

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "api_key", w.Header().Get("WWW-Authenticate"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "unauthorized", errObj["kind"])
	details := errObj["details"].(map[string]any)
	assert.Contains(t, details["methods"], "api_key")

	// With the key, the same request goes through.
	req = httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
	req.Header.Set("X-API-Key", "sekrit")
	w = httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthPublicAndProbed(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		auth, err := authn.New(config.AuthConfig{APIKeyEnabled: true, APIKeys: []string{"sekrit"}}, o.Log)
		require.NoError(t, err)
		o.Auth = auth
	})

	// No credentials needed.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	probes := body["probes"].(map[string]any)
	assert.Contains(t, probes, "browser")
	assert.Contains(t, probes, "memory")
	assert.Contains(t, probes, "goroutines")
}

func TestHealthUnhealthyWhenBrowserDown(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.driver.Stop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body["status"])
}

func TestOpenAPIListsTools(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/openapi", nil)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	schemas := doc["components"].(map[string]any)["x-tool-schemas"].(map[string]any)
	assert.Contains(t, schemas, "browser_navigate")
	assert.Contains(t, schemas, "browser_execute_intent")
}

func TestLegacyEventsUnknownSession(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/events?session=ghost", nil)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/events?session=ghost",
		bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
	w = httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLegacyEventsPostKnownSession(t *testing.T) {
	h := newHarness(t, nil)

	w, _ := h.rpc(t, "", "initialize", nil)
	sid := w.Header().Get(sessionHeader)

	req := httptest.NewRequest(http.MethodPost, "/events?session="+sid,
		bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":7,"method":"ping"}`)))
	w2 := httptest.NewRecorder()
	h.router.ServeHTTP(w2, req)
	require.Equal(t, http.StatusOK, w2.Code)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &resp))
	assert.Nil(t, resp.Error)
	assert.Equal(t, sid, w2.Header().Get(sessionHeader))
}

func TestSyncRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	saved, err := h.store.Save(ctx, profiles.SavedSession{Name: "checkout", URL: "https://shop.test/cart"},
		&browser.StorageState{Cookies: []browser.Cookie{{Name: "sid", Value: "abc", Domain: "shop.test"}}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/sync/index", nil)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var index struct {
		Node     string                `json:"node"`
		Sessions []peersync.IndexEntry `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &index))
	assert.Equal(t, "node-a", index.Node)
	require.Len(t, index.Sessions, 1)
	assert.Equal(t, "checkout", index.Sessions[0].Name)

	req = httptest.NewRequest(http.MethodGet, "/sync/sessions/checkout", nil)
	w = httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var archive profiles.Archive
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &archive))
	assert.Equal(t, saved.Checksum, archive.Session.Checksum)
	require.NotNil(t, archive.Storage)
	assert.Equal(t, "sid", archive.Storage.Cookies[0].Name)
}

func TestSyncImportRejectsTamperedChecksum(t *testing.T) {
	h := newHarness(t, nil)

	archive := profiles.Archive{
		Session: profiles.SavedSession{Name: "evil", Version: 1, Checksum: "deadbeef", LastModified: time.Now()},
		Storage: &browser.StorageState{},
	}
	raw, err := json.Marshal(archive)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/sync/sessions", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestSyncImportConflictReports409(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	state := &browser.StorageState{Cookies: []browser.Cookie{{Name: "sid", Value: "local", Domain: "shop.test"}}}
	local, err := h.store.Save(ctx, profiles.SavedSession{Name: "checkout"}, state)
	require.NoError(t, err)
	local, err = h.store.Save(ctx, local, state) // bump to version 2
	require.NoError(t, err)
	require.Equal(t, 2, local.Version)

	sum, err := profiles.ChecksumOf(&browser.StorageState{})
	require.NoError(t, err)
	stale := profiles.Archive{
		Session: profiles.SavedSession{Name: "checkout", Version: 1, Checksum: sum, LastModified: time.Now()},
		Storage: &browser.StorageState{},
	}
	raw, err := json.Marshal(stale)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/sync/sessions", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusConflict, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["accepted"])
}

func TestPeerCRUD(t *testing.T) {
	h := newHarness(t, nil)

	raw := []byte(`{"name":"node-b","url":"http://peer-b:8400","authMethod":"api_key","apiKey":"k"}`)
	req := httptest.NewRequest(http.MethodPost, "/sync/peers", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/sync/peers", nil)
	w = httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Peers []peersync.Peer `json:"peers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Peers, 1)
	assert.Equal(t, "node-b", body.Peers[0].Name)

	req = httptest.NewRequest(http.MethodDelete, "/sync/peers/node-b", nil)
	w = httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestEventHubFanOut(t *testing.T) {
	hub := NewEventHub()

	ch1, cancel1 := hub.Subscribe("s1")
	ch2, cancel2 := hub.Subscribe("s1")
	other, cancelOther := hub.Subscribe("s2")
	defer cancel2()
	defer cancelOther()

	hub.Publish("s1", Event{Type: "tool_call", SessionID: "s1", Tool: "browser_navigate"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, "tool_call", ev.Type)
			assert.NotEmpty(t, ev.Timestamp)
		default:
			t.Fatal("subscriber missed the event")
		}
	}
	select {
	case <-other:
		t.Fatal("event leaked across sessions")
	default:
	}

	cancel1()
	assert.Equal(t, 1, hub.SubscriberCount("s1"))
}

func TestEventHubDropsWhenSubscriberIsFull(t *testing.T) {
	hub := NewEventHub()
	ch, cancel := hub.Subscribe("s1")
	defer cancel()

	// Publish must never block, even against a saturated subscriber.
	for i := 0; i < 250; i++ {
		hub.Publish("s1", Event{Type: "tool_call", SessionID: "s1"})
	}
	assert.Equal(t, 100, len(ch))
}

func TestToolCallPublishesEvents(t *testing.T) {
	h := newHarness(t, nil)

	w, _ := h.rpc(t, "", "initialize", nil)
	sid := w.Header().Get(sessionHeader)

	events, cancel := h.srv.Hub().Subscribe(sid)
	defer cancel()

	_, resp := h.rpc(t, sid, "tools/call", map[string]any{
		"name":      "browser_navigate",
		"arguments": map[string]any{"url": "https://shop.test/"},
	})
	require.Nil(t, resp.Error)

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Contains(t, types, "tool_call")
	assert.Contains(t, types, "tool_result")
}

func TestParseLsofPIDs(t *testing.T) {
	assert.Equal(t, []int{1234, 5678}, parseLsofPIDs("1234\n5678\n"))
	assert.Empty(t, parseLsofPIDs(""))
	assert.Empty(t, parseLsofPIDs("garbage\n"))
}

func TestParseNetstatPIDs(t *testing.T) {
	out := "" +
		"  TCP    0.0.0.0:8400    0.0.0.0:0    LISTENING    4321\n" +
		"  TCP    0.0.0.0:9999    0.0.0.0:0    LISTENING    7777\n" +
		"  UDP    0.0.0.0:8400    *:*                       1111\n"
	assert.Equal(t, []int{4321}, parseNetstatPIDs(out, 8400))
	assert.Empty(t, parseNetstatPIDs(out, 1234))
}

func TestErrorStatusMapping(t *testing.T) {
	cases := map[apperr.Kind]int{
		apperr.KindUnauthorized: http.StatusUnauthorized,
		apperr.KindForbidden:    http.StatusForbidden,
		apperr.KindBadInput:     http.StatusBadRequest,
		apperr.KindExhausted:    http.StatusTooManyRequests,
		apperr.KindTimeout:      http.StatusGatewayTimeout,
		apperr.KindIntegrity:    http.StatusUnprocessableEntity,
		apperr.KindConflict:     http.StatusConflict,
		apperr.KindInternal:     http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, httpStatusFor(kind), "kind %s", kind)
	}
}

func TestForwardedHeadersNeedTrustProxy(t *testing.T) {
	clientIP := func(trust bool) string {
		h := newHarness(t, func(o *Options) { o.Config.Auth.TrustProxy = trust })
		h.router.GET("/client-ip", func(c *gin.Context) { c.String(http.StatusOK, c.ClientIP()) })

		req := httptest.NewRequest(http.MethodGet, "/client-ip", nil)
		req.RemoteAddr = "127.0.0.1:5555"
		req.Header.Set("X-Forwarded-For", "203.0.113.9")
		w := httptest.NewRecorder()
		h.router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		return w.Body.String()
	}

	assert.Equal(t, "127.0.0.1", clientIP(false), "forwarded header honored without a trusted proxy")
	assert.Equal(t, "203.0.113.9", clientIP(true), "local proxy hop should be trusted")
}
