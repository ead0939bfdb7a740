package authn

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drover/internal/apperr"
	"drover/internal/config"
	"drover/internal/observability"
)

func authLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error"})
}

func TestAnonymousOnlyWhenNothingEnabled(t *testing.T) {
	a, err := New(config.AuthConfig{AllowAnonymous: true}, authLogger())
	require.NoError(t, err)

	p, err := a.Authenticate(httptest.NewRequest(http.MethodPost, "/rpc", nil))
	require.NoError(t, err)
	assert.Equal(t, "anonymous", p.Method)

	// An enabled method suppresses the anonymous bypass.
	a, err = New(config.AuthConfig{AllowAnonymous: true, APIKeyEnabled: true, APIKeys: []string{"k1"}}, authLogger())
	require.NoError(t, err)
	_, err = a.Authenticate(httptest.NewRequest(http.MethodPost, "/rpc", nil))
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
}

func TestUnauthorizedAdvertisesMethods(t *testing.T) {
	a, err := New(config.AuthConfig{APIKeyEnabled: true, APIKeys: []string{"k1"}}, authLogger())
	require.NoError(t, err)

	_, err = a.Authenticate(httptest.NewRequest(http.MethodPost, "/rpc", nil))
	require.True(t, apperr.Is(err, apperr.KindUnauthorized))
	assert.Equal(t, []string{"api_key"}, apperr.DetailOf(err)["methods"])
}

func TestAPIKeyMethod(t *testing.T) {
	a, err := New(config.AuthConfig{APIKeyEnabled: true, APIKeys: []string{"k1", "k2"}}, authLogger())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("X-API-Key", "k2")
	p, err := a.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "api_key", p.Method)
	assert.Equal(t, "api-key-2", p.Subject)

	req.Header.Set("X-API-Key", "wrong")
	_, err = a.Authenticate(req)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
}

func TestTunnelMatching(t *testing.T) {
	m := NewTunnelMethod([]string{"devtunnels.ms"}, false)

	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Host = "broker.usw2.devtunnels.ms:443"
	p, err := m.Authenticate(req)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "tunnel", p.Method)

	req.Host = "evil-devtunnels.ms.example.com"
	p, err = m.Authenticate(req)
	require.NoError(t, err)
	assert.Nil(t, p)

	// X-Forwarded-Host only counts behind a trusted proxy.
	fwd := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	fwd.Host = "localhost:8080"
	fwd.Header.Set("X-Forwarded-Host", "broker.devtunnels.ms")
	p, _ = m.Authenticate(fwd)
	assert.Nil(t, p)
	trusted := NewTunnelMethod([]string{"devtunnels.ms"}, true)
	p, err = trusted.Authenticate(fwd)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestFanInOrderFirstMethodWins(t *testing.T) {
	a, err := New(config.AuthConfig{
		TunnelEnabled:        true,
		TunnelAllowedDomains: []string{"devtunnels.ms"},
		APIKeyEnabled:        true,
		APIKeys:              []string{"k1"},
	}, authLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"tunnel", "api_key"}, a.Advertised())

	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Host = "broker.devtunnels.ms"
	req.Header.Set("X-API-Key", "k1")
	p, err := a.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "tunnel", p.Method)
}

func TestRoleGate(t *testing.T) {
	gate := NewRoleGate([]string{"broker.user", "broker.admin"})

	require.NoError(t, gate.Check(&Principal{Subject: "u1", Roles: []string{"broker.admin"}}))

	err := gate.Check(&Principal{Subject: "u2", Roles: []string{"reader"}})
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	open := NewRoleGate(nil)
	require.NoError(t, open.Check(&Principal{Subject: "u3"}))
}

// jwksFixture serves a one-key JWKS document for a generated RSA key.
type jwksFixture struct {
	key    *rsa.PrivateKey
	kid    string
	server *httptest.Server
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	f := &jwksFixture{key: key, kid: "test-key-1"}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": f.kid,
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}}
		json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *jwksFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = f.kid
	raw, err := token.SignedString(f.key)
	require.NoError(t, err)
	return raw
}

func testValidator(t *testing.T, f *jwksFixture) *EntraValidator {
	t.Helper()
	v, err := NewEntraValidator("tenant-1", "client-1")
	require.NoError(t, err)
	v.jwksURL = f.server.URL
	return v
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss": "https://login.microsoftonline.com/tenant-1/v2.0",
		"aud": "client-1",
		"sub": "subject-1",
		"oid": "object-1",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	}
}

func TestEntraValidToken(t *testing.T) {
	f := newJWKSFixture(t)
	v := testValidator(t, f)

	claims := baseClaims()
	claims["preferred_username"] = "user@contoso.com"
	claims["roles"] = []any{"broker.user"}
	raw := f.sign(t, claims)

	got, err := v.Validate(raw, true)
	require.NoError(t, err)

	p := principalFromClaims(got, "entra")
	assert.Equal(t, "object-1", p.Subject)
	assert.Equal(t, "user@contoso.com", p.Name)
	assert.Equal(t, []string{"broker.user"}, p.Roles)
}

func TestEntraAcceptsAppIDURIAudience(t *testing.T) {
	f := newJWKSFixture(t)
	v := testValidator(t, f)

	claims := baseClaims()
	claims["aud"] = "api://client-1"
	_, err := v.Validate(f.sign(t, claims), true)
	assert.NoError(t, err)
}

func TestEntraRejections(t *testing.T) {
	f := newJWKSFixture(t)
	v := testValidator(t, f)

	expired := baseClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	_, err := v.Validate(f.sign(t, expired), true)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized), "expired: %v", err)

	foreign := baseClaims()
	foreign["iss"] = "https://login.microsoftonline.com/other-tenant/v2.0"
	_, err = v.Validate(f.sign(t, foreign), true)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized), "foreign issuer: %v", err)

	wrongAud := baseClaims()
	wrongAud["aud"] = "someone-else"
	_, err = v.Validate(f.sign(t, wrongAud), true)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized), "wrong audience: %v", err)

	// The managed-identity path skips the audience check.
	_, err = v.Validate(f.sign(t, wrongAud), false)
	assert.NoError(t, err)
}

func TestManagedIdentityRequiresAppToken(t *testing.T) {
	f := newJWKSFixture(t)
	m := NewManagedIdentityMethod(testValidator(t, f))

	userClaims := baseClaims()
	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("Authorization", "Bearer "+f.sign(t, userClaims))
	_, err := m.Authenticate(req)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))

	appClaims := baseClaims()
	appClaims["idtyp"] = "app"
	appClaims["appid"] = "mi-app-1"
	req.Header.Set("Authorization", "Bearer "+f.sign(t, appClaims))
	p, err := m.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "managed_identity", p.Method)
	assert.Equal(t, "mi-app-1", p.Name)
}

func TestBearerTokenShape(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	assert.Empty(t, bearerToken(req))

	req.Header.Set("Authorization", "Bearer opaque-secret")
	assert.Empty(t, bearerToken(req), "opaque bearer values are not JWTs")

	req.Header.Set("Authorization", "Bearer a.b.c")
	assert.Equal(t, "a.b.c", bearerToken(req))
}

func TestStaticClientSeed(t *testing.T) {
	dir := t.TempDir()
	store, err := NewClientStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Seed("wallet-app", "Wallet", []string{"http://127.0.0.1/cb"}))

	got, ok := store.Get("wallet-app")
	require.True(t, ok)
	assert.Equal(t, []string{"http://127.0.0.1/cb"}, got.RedirectURIs)

	// Seeded clients stay config-driven: a later dynamic registration must
	// not write them into the client file.
	_, err = store.Register("X", []string{"http://127.0.0.1/other"})
	require.NoError(t, err)
	reloaded, err := NewClientStore(dir)
	require.NoError(t, err)
	_, ok = reloaded.Get("wallet-app")
	assert.False(t, ok, "seeded client leaked into the persisted file")

	err = store.Seed("", "", nil)
	assert.True(t, apperr.Is(err, apperr.KindBadInput))
}

func TestClientStorePersistence(t *testing.T) {
	dir := t.TempDir()
	store, err := NewClientStore(dir)
	require.NoError(t, err)

	client, err := store.Register("X", []string{"http://127.0.0.1/callback"})
	require.NoError(t, err)
	assert.NotEmpty(t, client.ClientID)

	reloaded, err := NewClientStore(dir)
	require.NoError(t, err)
	got, ok := reloaded.Get(client.ClientID)
	require.True(t, ok)
	assert.Equal(t, []string{"http://127.0.0.1/callback"}, got.RedirectURIs)

	_, err = store.Register("Y", nil)
	assert.True(t, apperr.Is(err, apperr.KindBadInput))
}
