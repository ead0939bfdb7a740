package authn

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drover/internal/config"
)

func testProxy(t *testing.T, upstream string) (*OAuthProxy, *gin.Engine, *ClientStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := NewClientStore(t.TempDir())
	require.NoError(t, err)
	proxy := NewOAuthProxy("https://broker.example.com", config.AuthConfig{
		TenantID:     "tenant-1",
		ClientID:     "upstream-client",
		ClientSecret: "upstream-secret",
	}, store, authLogger())
	if upstream != "" {
		proxy.upstreamBase = upstream
	}
	r := gin.New()
	proxy.Mount(r)
	return proxy, r, store
}

func TestServerMetadata(t *testing.T) {
	_, r, _ := testProxy(t, "")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &meta))
	assert.Equal(t, "https://broker.example.com", meta["issuer"])
	assert.Equal(t, "https://broker.example.com/token", meta["token_endpoint"])
	assert.Equal(t, "https://broker.example.com/register", meta["registration_endpoint"])
}

func TestDynamicRegistration(t *testing.T) {
	_, r, store := testProxy(t, "")

	body := `{"client_name":"X","redirect_uris":["http://127.0.0.1/callback"]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	clientID := resp["client_id"].(string)
	assert.NotEmpty(t, clientID)
	assert.Equal(t, "upstream-secret", resp["client_secret"])

	_, ok := store.Get(clientID)
	assert.True(t, ok, "registration must be persisted for later token exchanges")
}

func TestAuthorizeSwapsClientID(t *testing.T) {
	_, r, store := testProxy(t, "")
	client, err := store.Register("X", []string{"http://127.0.0.1/callback"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	target := "/authorize?client_id=" + client.ClientID + "&response_type=code&redirect_uri=" + url.QueryEscape("http://127.0.0.1/callback")
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Contains(t, loc.Host, "login.microsoftonline.com")
	assert.Equal(t, "upstream-client", loc.Query().Get("client_id"))
	assert.Equal(t, "http://127.0.0.1/callback", loc.Query().Get("redirect_uri"))
}

func TestAuthorizeAcceptsSeededClient(t *testing.T) {
	_, r, store := testProxy(t, "")
	require.NoError(t, store.Seed("static-1", "Wallet", []string{"http://127.0.0.1/callback"}))

	w := httptest.NewRecorder()
	target := "/authorize?client_id=static-1&response_type=code&redirect_uri=" + url.QueryEscape("http://127.0.0.1/callback")
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusFound, w.Code)
}

func TestAuthorizeRejectsUnknownClient(t *testing.T) {
	_, r, _ := testProxy(t, "")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/authorize?client_id=nope", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTokenExchangeUsesUpstreamSecret(t *testing.T) {
	var seen url.Values
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		req.ParseForm()
		seen = req.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","token_type":"Bearer"}`))
	}))
	defer upstream.Close()

	_, r, store := testProxy(t, upstream.URL)
	client, err := store.Register("X", []string{"http://127.0.0.1/callback"})
	require.NoError(t, err)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"abc"},
		"client_id":     {client.ClientID},
		"client_secret": {"upstream-secret"},
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "access_token")

	assert.Equal(t, "upstream-client", seen.Get("client_id"))
	assert.Equal(t, "upstream-secret", seen.Get("client_secret"))
	assert.Equal(t, "abc", seen.Get("code"))
}

func TestTokenRejectsUnknownClient(t *testing.T) {
	_, r, _ := testProxy(t, "")

	form := url.Values{"grant_type": {"authorization_code"}, "client_id": {"nope"}}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
