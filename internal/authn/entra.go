package authn

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"

	"drover/internal/apperr"
)

// jwksRefreshFloor limits how often an unknown key id can trigger a refetch.
const jwksRefreshFloor = time.Minute

// EntraValidator verifies bearer tokens issued by a Microsoft Entra tenant.
// Signing keys come from the tenant's JWKS document and are cached; an
// unknown kid triggers at most one refetch per minute.
type EntraValidator struct {
	tenantID string
	clientID string
	jwksURL  string
	parser   *jwt.Parser
	http     *http.Client

	mu          sync.Mutex
	keys        *lru.Cache[string, *rsa.PublicKey]
	lastRefresh time.Time
}

// NewEntraValidator builds a validator bound to one tenant and client.
func NewEntraValidator(tenantID, clientID string) (*EntraValidator, error) {
	if tenantID == "" || clientID == "" {
		return nil, apperr.New(apperr.KindInternal, "entra auth needs a tenant id and client id")
	}
	keys, err := lru.New[string, *rsa.PublicKey](64)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "allocate jwks cache")
	}
	return &EntraValidator{
		tenantID: tenantID,
		clientID: clientID,
		jwksURL:  fmt.Sprintf("https://login.microsoftonline.com/%s/discovery/v2.0/keys", tenantID),
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
		http:     &http.Client{Timeout: 10 * time.Second},
		keys:     keys,
	}, nil
}

// acceptedIssuers are the v2.0 and legacy v1.0 issuer forms for the tenant.
func (v *EntraValidator) acceptedIssuers() []string {
	return []string{
		fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0", v.tenantID),
		fmt.Sprintf("https://sts.windows.net/%s/", v.tenantID),
	}
}

// Validate parses and verifies a raw bearer token. checkAudience is false for
// the managed-identity path, which accepts tokens minted for other resources
// within the same tenant.
func (v *EntraValidator) Validate(raw string, checkAudience bool) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(raw, claims, v.keyFor)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, err, "token rejected")
	}
	if !token.Valid {
		return nil, apperr.New(apperr.KindUnauthorized, "token invalid")
	}

	issuer, _ := claims.GetIssuer()
	issuerOK := false
	for _, accepted := range v.acceptedIssuers() {
		if issuer == accepted {
			issuerOK = true
			break
		}
	}
	if !issuerOK {
		return nil, apperr.New(apperr.KindUnauthorized, "issuer %q is not this tenant", issuer)
	}

	if checkAudience {
		aud, _ := claims.GetAudience()
		audOK := false
		for _, a := range aud {
			if a == v.clientID || a == "api://"+v.clientID {
				audOK = true
				break
			}
		}
		if !audOK {
			return nil, apperr.New(apperr.KindUnauthorized, "token audience does not include this broker")
		}
	}
	return claims, nil
}

// keyFor resolves the signing key for a token header.
func (v *EntraValidator) keyFor(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("token has no kid header")
	}
	if key, ok := v.keys.Get(kid); ok {
		return key, nil
	}
	if err := v.refreshKeys(); err != nil {
		return nil, err
	}
	if key, ok := v.keys.Get(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("signing key %s not in tenant jwks", kid)
}

func (v *EntraValidator) refreshKeys() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if time.Since(v.lastRefresh) < jwksRefreshFloor {
		return nil
	}
	v.lastRefresh = time.Now()

	resp, err := v.http.Get(v.jwksURL)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("parse jwks: %w", err)
	}
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		key, err := rsaKeyFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		v.keys.Add(k.Kid, key)
	}
	return nil
}

func rsaKeyFromJWK(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}

// EntraMethod authenticates Authorization: Bearer tokens against the tenant.
type EntraMethod struct {
	validator *EntraValidator
}

func NewEntraMethod(v *EntraValidator) *EntraMethod {
	return &EntraMethod{validator: v}
}

func (m *EntraMethod) Name() string { return "entra" }

func (m *EntraMethod) Authenticate(r *http.Request) (*Principal, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, nil
	}
	claims, err := m.validator.Validate(raw, true)
	if err != nil {
		return nil, err
	}
	return principalFromClaims(claims, m.Name()), nil
}

// bearerToken extracts a JWT-shaped bearer credential. Opaque bearer values
// are left for the shared-secret method further down the chain.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	raw := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if strings.Count(raw, ".") != 2 {
		return ""
	}
	return raw
}

func principalFromClaims(claims jwt.MapClaims, method string) *Principal {
	p := &Principal{Method: method}
	if sub, _ := claims.GetSubject(); sub != "" {
		p.Subject = sub
	}
	if oid, ok := claims["oid"].(string); ok && oid != "" {
		p.Subject = oid
	}
	for _, key := range []string{"preferred_username", "name", "appid", "azp"} {
		if v, ok := claims[key].(string); ok && v != "" {
			p.Name = v
			break
		}
	}
	if raw, ok := claims["roles"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				p.Roles = append(p.Roles, s)
			}
		}
	}
	return p
}
